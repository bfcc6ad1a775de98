package network

import (
	"bytes"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"openshare/crypto"
)

const (
	transcriptLabel  = "openshare/handshake/v1"
	authDomainPrefix = "openshare/auth/v1/"
	finishedLabel    = "openshare/finished/v1"

	maxIdentifierLength = 256
)

var (
	// ErrHandshakeFailed is the error kind of every failed handshake.
	ErrHandshakeFailed = errors.New("network: handshake failed")
	// ErrPeerKeyChanged indicates a known device presented a different identity key.
	ErrPeerKeyChanged = errors.New("network: peer identity key changed")
	// ErrAccountMismatch indicates the authenticated peer belongs to another account.
	ErrAccountMismatch = errors.New("network: peer account mismatch")
	// ErrUnexpectedPeerKey indicates the peer is not the identity the caller expected.
	ErrUnexpectedPeerKey = errors.New("network: unexpected peer identity key")
)

// Role distinguishes the two sides of a handshake. They differ only in
// message order.
type Role int

const (
	RoleInitiator Role = iota + 1
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// HandshakeState is the protocol state of one handshake attempt.
type HandshakeState int

const (
	StateIdle HandshakeState = iota
	StateHelloSent
	StateKeyAgreed
	StateSignatureSent
	StatePeerVerified
	StateAuthenticated
	StateSessionEstablished
	StateFailed
)

func (s HandshakeState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateHelloSent:
		return "HelloSent"
	case StateKeyAgreed:
		return "KeyAgreed"
	case StateSignatureSent:
		return "SignatureSent"
	case StatePeerVerified:
		return "PeerVerified"
	case StateAuthenticated:
		return "Authenticated"
	case StateSessionEstablished:
		return "SessionEstablished"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("HandshakeState(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s HandshakeState) Terminal() bool {
	return s == StateSessionEstablished || s == StateFailed
}

type handshakeEvent int

const (
	eventStart handshakeEvent = iota
	eventHello
	eventSign
	eventAuth
	eventFinish
)

func (e handshakeEvent) String() string {
	return [...]string{"start", "hello", "sign", "auth", "finish"}[e]
}

type transitionKey struct {
	role  Role
	from  HandshakeState
	event handshakeEvent
}

// handshakeTransitions lists every legal move. Anything else fails the handshake.
var handshakeTransitions = map[transitionKey]HandshakeState{
	{RoleInitiator, StateIdle, eventStart}:           StateHelloSent,
	{RoleInitiator, StateHelloSent, eventHello}:      StateKeyAgreed,
	{RoleInitiator, StateKeyAgreed, eventSign}:       StateSignatureSent,
	{RoleInitiator, StateSignatureSent, eventAuth}:   StateAuthenticated,
	{RoleInitiator, StateAuthenticated, eventFinish}: StateSessionEstablished,
	{RoleResponder, StateIdle, eventHello}:           StateKeyAgreed,
	{RoleResponder, StateKeyAgreed, eventAuth}:       StatePeerVerified,
	{RoleResponder, StatePeerVerified, eventSign}:    StateAuthenticated,
	{RoleResponder, StateAuthenticated, eventFinish}: StateSessionEstablished,
}

// Handshake failure reason codes, also sent to the peer in ErrorMessage.Code.
const (
	ReasonMalformed          = "malformed_message"
	ReasonUnsupportedVersion = "unsupported_version"
	ReasonBadSignature       = "bad_signature"
	ReasonUnexpectedPeer     = "unexpected_peer"
	ReasonPeerKeyChanged     = "peer_key_changed"
	ReasonAccountMismatch    = "account_mismatch"
	ReasonBadConfirmation    = "bad_confirmation"
	ReasonProtocolViolation  = "protocol_violation"
	ReasonRemoteError        = "remote_error"
	ReasonTimeout            = "timeout"
	ReasonTransport          = "transport"
	ReasonInternal           = "internal"
)

// HandshakeError describes why a handshake ended in StateFailed.
type HandshakeError struct {
	Role   Role
	State  HandshakeState
	Reason string
	Err    error

	// PeerDeviceID is the device ID the peer claimed, if its hello arrived.
	PeerDeviceID string
	// PresentedKey is set for ReasonPeerKeyChanged: the new key, which signed
	// this handshake's transcript.
	PresentedKey ed25519.PublicKey
}

func (e *HandshakeError) Error() string {
	msg := fmt.Sprintf("handshake failed (%s in %s): %s", e.Role, e.State, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both ErrHandshakeFailed and the underlying cause.
func (e *HandshakeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrHandshakeFailed}
	}
	return []error{ErrHandshakeFailed, e.Err}
}

// OutcomeEstablished is the observer outcome of a successful handshake; failed
// handshakes report their Reason.
const OutcomeEstablished = "established"

// HandshakeObserver receives the outcome of each handshake.
type HandshakeObserver interface {
	ObserveHandshake(role, outcome string, elapsed time.Duration)
}

// KnownPeerKeyLookupFunc returns the pinned identity key for a device, if any.
type KnownPeerKeyLookupFunc func(deviceID string) (ed25519.PublicKey, bool)

// HandshakeOptions configures handshake verification and session behavior.
type HandshakeOptions struct {
	// ExpectedAccountID enables account filtering when non-empty.
	ExpectedAccountID string
	// ExpectedPeerKey pins the peer identity, typically from a discovery hint.
	ExpectedPeerKey ed25519.PublicKey
	// KnownPeerKeys and KnownPeerKeyLookup pin identity keys per device ID.
	KnownPeerKeys      map[string]ed25519.PublicKey
	KnownPeerKeyLookup KnownPeerKeyLookupFunc

	Timeout           time.Duration
	ConnectionTimeout time.Duration
	FrameReadTimeout  time.Duration
	FrameWriteTimeout time.Duration
	// FrameStallTimeout is the longest a started frame may go without
	// receiving another byte.
	FrameStallTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration

	Logger   logrus.FieldLogger
	Observer HandshakeObserver

	// authHook lets tests rewrite the outbound auth message.
	authHook func(*AuthMessage)
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.Timeout <= 0 {
		out.Timeout = DefaultHandshakeTimeout
	}
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if out.FrameWriteTimeout <= 0 {
		out.FrameWriteTimeout = DefaultFrameWriteTimeout
	}
	if out.FrameStallTimeout <= 0 {
		out.FrameStallTimeout = DefaultFrameStallTimeout
	}
	if out.KeepAliveInterval == 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

func validateIdentity(identity *crypto.Identity) error {
	if identity == nil {
		return errors.New("local identity is required")
	}
	if identity.DeviceID == "" {
		return errors.New("local device ID is required")
	}
	if len(identity.PublicKey) != ed25519.PublicKeySize {
		return errors.New("local identity public key is invalid")
	}
	return nil
}

// HandshakeEngine is the per-connection handshake state machine. Each exported
// method is one transition; calling one out of order fails the handshake.
// Engines are single-use and not safe for concurrent use.
type HandshakeEngine struct {
	role     Role
	identity *crypto.Identity
	opts     HandshakeOptions
	log      logrus.FieldLogger

	state   HandshakeState
	failure *HandshakeError

	ephemeral    *crypto.EphemeralKeyPair
	localHello   []byte
	peerHello    HelloMessage
	sharedSecret []byte
	transcript   []byte

	peerIdentity ed25519.PublicKey

	sessionKey []byte
	confirmKey []byte
}

// NewHandshakeEngine prepares an engine in StateIdle.
func NewHandshakeEngine(role Role, identity *crypto.Identity, options HandshakeOptions) (*HandshakeEngine, error) {
	if role != RoleInitiator && role != RoleResponder {
		return nil, fmt.Errorf("invalid handshake role %d", int(role))
	}
	if err := validateIdentity(identity); err != nil {
		return nil, err
	}
	opts := options.withDefaults()
	return &HandshakeEngine{
		role:     role,
		identity: identity,
		opts:     opts,
		log:      opts.Logger.WithFields(logrus.Fields{"component": "handshake", "role": role.String()}),
		state:    StateIdle,
	}, nil
}

// State returns the current state.
func (e *HandshakeEngine) State() HandshakeState {
	return e.state
}

// Err returns the failure, if the engine is in StateFailed.
func (e *HandshakeEngine) Err() error {
	if e.failure == nil {
		return nil
	}
	return e.failure
}

// PeerIdentity returns the verified peer identity key, or nil before verification.
func (e *HandshakeEngine) PeerIdentity() ed25519.PublicKey {
	return e.peerIdentity
}

// Start generates the ephemeral keypair and returns the initiator hello.
func (e *HandshakeEngine) Start() ([]byte, error) {
	if err := e.advance(eventStart); err != nil {
		return nil, err
	}
	hello, err := e.buildHello()
	if err != nil {
		return nil, e.fail(ReasonInternal, err)
	}
	return hello, nil
}

// HandleHello records the peer hello and computes the shared secret. The
// responder gets its own hello back for transmission.
func (e *HandshakeEngine) HandleHello(payload []byte) ([]byte, error) {
	if err := e.checkRemoteError(payload); err != nil {
		return nil, err
	}
	next, err := e.peek(eventHello)
	if err != nil {
		return nil, err
	}

	var hello HelloMessage
	if err := decodeStrict(payload, &hello); err != nil {
		return nil, e.fail(ReasonMalformed, err)
	}
	if hello.Type != TypeHello {
		return nil, e.fail(ReasonProtocolViolation, fmt.Errorf("expected %q, got %q", TypeHello, hello.Type))
	}
	if hello.ProtocolVersion != ProtocolVersion {
		return nil, e.fail(ReasonUnsupportedVersion, ErrUnsupportedVersion)
	}
	if err := validateHelloIdentifiers(hello); err != nil {
		return nil, e.fail(ReasonMalformed, err)
	}
	peerEphemeral, err := base64.StdEncoding.DecodeString(hello.EphemeralPublicKey)
	if err != nil {
		return nil, e.fail(ReasonMalformed, fmt.Errorf("decode peer ephemeral key: %w", err))
	}
	if err := crypto.ValidateX25519PublicKey(peerEphemeral); err != nil {
		return nil, e.fail(ReasonMalformed, err)
	}

	var reply []byte
	if e.role == RoleResponder {
		reply, err = e.buildHello()
		if err != nil {
			return nil, e.fail(ReasonInternal, err)
		}
	}

	secret, err := e.ephemeral.SharedSecret(peerEphemeral)
	if err != nil {
		return nil, e.fail(ReasonMalformed, err)
	}
	if bytes.Equal(peerEphemeral, e.ephemeral.PublicKey()) {
		crypto.Wipe(secret)
		return nil, e.fail(ReasonProtocolViolation, errors.New("peer reflected our ephemeral key"))
	}

	e.peerHello = hello
	e.sharedSecret = secret
	if e.role == RoleInitiator {
		e.transcript = transcriptHash(e.localHello, payload)
	} else {
		e.transcript = transcriptHash(payload, e.localHello)
	}
	e.state = next
	e.log.WithField("peer_device_id", hello.DeviceID).Debug("handshake key agreed")
	return reply, nil
}

// SignTranscript signs the transcript with the long-term identity key and
// returns the auth message.
func (e *HandshakeEngine) SignTranscript() ([]byte, error) {
	next, err := e.peek(eventSign)
	if err != nil {
		return nil, err
	}

	signature, err := e.identity.SignDomain(authDomain(e.role), e.transcript)
	if err != nil {
		return nil, e.fail(ReasonInternal, err)
	}
	msg := AuthMessage{
		Type:              TypeAuth,
		IdentityPublicKey: base64.StdEncoding.EncodeToString(e.identity.PublicKey),
		Signature:         base64.StdEncoding.EncodeToString(signature),
	}
	if e.opts.authHook != nil {
		e.opts.authHook(&msg)
	}
	payload, err := EncodeJSON(msg)
	if err != nil {
		return nil, e.fail(ReasonInternal, err)
	}

	e.state = next
	if next == StateAuthenticated {
		if err := e.deriveKeys(); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// HandleAuth verifies the peer signature over the transcript, then the peer
// identity pins, then the account filter. The account is only compared once the
// signature holds so unauthenticated peers learn nothing about account validity.
func (e *HandshakeEngine) HandleAuth(payload []byte) error {
	if err := e.checkRemoteError(payload); err != nil {
		return err
	}
	next, err := e.peek(eventAuth)
	if err != nil {
		return err
	}

	var msg AuthMessage
	if err := decodeStrict(payload, &msg); err != nil {
		return e.fail(ReasonMalformed, err)
	}
	if msg.Type != TypeAuth {
		return e.fail(ReasonProtocolViolation, fmt.Errorf("expected %q, got %q", TypeAuth, msg.Type))
	}
	rawKey, err := base64.StdEncoding.DecodeString(msg.IdentityPublicKey)
	if err != nil || len(rawKey) != ed25519.PublicKeySize {
		return e.fail(ReasonMalformed, errors.New("invalid peer identity key"))
	}
	signature, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return e.fail(ReasonMalformed, fmt.Errorf("decode peer signature: %w", err))
	}

	peerKey := ed25519.PublicKey(rawKey)
	if !crypto.VerifyDomain(peerKey, authDomain(peerRole(e.role)), e.transcript, signature) {
		return e.fail(ReasonBadSignature, ErrInvalidSignature)
	}
	if len(e.opts.ExpectedPeerKey) > 0 && !bytes.Equal(e.opts.ExpectedPeerKey, peerKey) {
		return e.fail(ReasonUnexpectedPeer, ErrUnexpectedPeerKey)
	}
	if pinned, ok := e.knownPeerKey(e.peerHello.DeviceID); ok && !bytes.Equal(pinned, peerKey) {
		err := e.fail(ReasonPeerKeyChanged, ErrPeerKeyChanged)
		e.failure.PresentedKey = append(ed25519.PublicKey(nil), peerKey...)
		return err
	}
	if expected := strings.TrimSpace(e.opts.ExpectedAccountID); expected != "" && expected != e.peerHello.AccountID {
		return e.fail(ReasonAccountMismatch, ErrAccountMismatch)
	}

	e.peerIdentity = peerKey
	e.state = next
	if next == StateAuthenticated {
		if err := e.deriveKeys(); err != nil {
			return err
		}
	}
	e.log.WithField("peer_device_id", e.peerHello.DeviceID).Debug("handshake peer verified")
	return nil
}

// Finish is the initiator's last step: it returns the key confirmation message.
func (e *HandshakeEngine) Finish() ([]byte, error) {
	if e.role != RoleInitiator {
		return nil, e.fail(ReasonProtocolViolation, errors.New("only the initiator sends finished"))
	}
	next, err := e.peek(eventFinish)
	if err != nil {
		return nil, err
	}
	payload, err := EncodeJSON(FinishedMessage{
		Type:         TypeFinished,
		Confirmation: base64.StdEncoding.EncodeToString(e.confirmation()),
	})
	if err != nil {
		return nil, e.fail(ReasonInternal, err)
	}
	e.state = next
	return payload, nil
}

// HandleFinished is the responder's last step: it checks the initiator's key
// confirmation.
func (e *HandshakeEngine) HandleFinished(payload []byte) error {
	if err := e.checkRemoteError(payload); err != nil {
		return err
	}
	if e.role != RoleResponder {
		return e.fail(ReasonProtocolViolation, errors.New("only the responder receives finished"))
	}
	next, err := e.peek(eventFinish)
	if err != nil {
		return err
	}

	var msg FinishedMessage
	if err := decodeStrict(payload, &msg); err != nil {
		return e.fail(ReasonMalformed, err)
	}
	if msg.Type != TypeFinished {
		return e.fail(ReasonProtocolViolation, fmt.Errorf("expected %q, got %q", TypeFinished, msg.Type))
	}
	got, err := base64.StdEncoding.DecodeString(msg.Confirmation)
	if err != nil || !hmac.Equal(got, e.confirmation()) {
		return e.fail(ReasonBadConfirmation, errors.New("key confirmation mismatch"))
	}
	e.state = next
	return nil
}

// Abort moves the engine to StateFailed for a reason outside the engine, such
// as a transport error or a timeout. An established engine whose key was not
// yet taken is torn down too.
func (e *HandshakeEngine) Abort(reason string, cause error) *HandshakeError {
	if e.state != StateFailed {
		e.fail(reason, cause)
	}
	return e.failure
}

// takeSessionKey hands the session key to the caller exactly once after
// StateSessionEstablished and clears every other secret held by the engine.
func (e *HandshakeEngine) takeSessionKey() ([]byte, error) {
	if e.state != StateSessionEstablished || e.sessionKey == nil {
		return nil, fmt.Errorf("session key unavailable in state %s", e.state)
	}
	key := e.sessionKey
	e.sessionKey = nil
	crypto.Wipe(e.confirmKey)
	e.confirmKey = nil
	return key, nil
}

func (e *HandshakeEngine) buildHello() ([]byte, error) {
	ephemeral, err := crypto.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, err
	}
	e.ephemeral = ephemeral

	payload, err := EncodeJSON(HelloMessage{
		Type:               TypeHello,
		ProtocolVersion:    ProtocolVersion,
		AccountID:          e.identity.AccountID,
		DeviceID:           e.identity.DeviceID,
		EphemeralPublicKey: base64.StdEncoding.EncodeToString(ephemeral.PublicKey()),
	})
	if err != nil {
		return nil, err
	}
	e.localHello = payload
	return payload, nil
}

// deriveKeys runs on entry to StateAuthenticated, which is only reachable after
// the ephemeral exchange and the peer signature check.
func (e *HandshakeEngine) deriveKeys() error {
	sessionKey, confirmKey, err := crypto.DeriveSessionKeys(e.sharedSecret, e.transcript)
	crypto.Wipe(e.sharedSecret)
	e.sharedSecret = nil
	e.ephemeral.Destroy()
	if err != nil {
		return e.fail(ReasonInternal, err)
	}
	e.sessionKey = sessionKey
	e.confirmKey = confirmKey
	return nil
}

func (e *HandshakeEngine) confirmation() []byte {
	mac := hmac.New(sha256.New, e.confirmKey)
	mac.Write([]byte(finishedLabel))
	mac.Write(e.transcript)
	return mac.Sum(nil)
}

func (e *HandshakeEngine) knownPeerKey(deviceID string) (ed25519.PublicKey, bool) {
	if key, ok := e.opts.KnownPeerKeys[deviceID]; ok && len(key) > 0 {
		return key, true
	}
	if e.opts.KnownPeerKeyLookup != nil {
		return e.opts.KnownPeerKeyLookup(deviceID)
	}
	return nil, false
}

func (e *HandshakeEngine) peek(event handshakeEvent) (HandshakeState, error) {
	if e.state == StateFailed {
		return StateFailed, e.failure
	}
	next, ok := handshakeTransitions[transitionKey{role: e.role, from: e.state, event: event}]
	if !ok {
		return StateFailed, e.fail(ReasonProtocolViolation, fmt.Errorf("event %s not allowed in state %s", event, e.state))
	}
	return next, nil
}

func (e *HandshakeEngine) advance(event handshakeEvent) error {
	next, err := e.peek(event)
	if err != nil {
		return err
	}
	e.state = next
	return nil
}

func (e *HandshakeEngine) checkRemoteError(payload []byte) error {
	msgType, err := DecodeMessageType(payload)
	if err != nil || msgType != TypeError {
		return nil
	}
	var remote ErrorMessage
	_ = json.Unmarshal(payload, &remote)
	return e.fail(ReasonRemoteError, fmt.Errorf("remote error [%s]", remote.Code))
}

// fail wipes every secret and moves to StateFailed. A failed engine never
// leaves that state.
func (e *HandshakeEngine) fail(reason string, cause error) error {
	if e.state == StateFailed {
		return e.failure
	}
	e.failure = &HandshakeError{
		Role:         e.role,
		State:        e.state,
		Reason:       reason,
		Err:          cause,
		PeerDeviceID: e.peerHello.DeviceID,
	}
	e.state = StateFailed

	e.ephemeral.Destroy()
	crypto.Wipe(e.sharedSecret)
	crypto.Wipe(e.sessionKey)
	crypto.Wipe(e.confirmKey)
	e.sharedSecret, e.sessionKey, e.confirmKey = nil, nil, nil
	e.peerIdentity = nil
	return e.failure
}

func validateHelloIdentifiers(hello HelloMessage) error {
	if strings.TrimSpace(hello.DeviceID) == "" {
		return errors.New("peer device ID is required")
	}
	if len(hello.DeviceID) > maxIdentifierLength || len(hello.AccountID) > maxIdentifierLength {
		return errors.New("peer identifier too long")
	}
	return nil
}

func transcriptHash(initiatorHello, responderHello []byte) []byte {
	h := sha256.New()
	h.Write([]byte(transcriptLabel))
	writeLengthPrefixed(h, initiatorHello)
	writeLengthPrefixed(h, responderHello)
	// The hellos already carry both ephemeral keys; hashing the decoded keys
	// again pins them independently of the JSON encoding.
	h.Write(ephemeralFromHello(initiatorHello))
	h.Write(ephemeralFromHello(responderHello))
	return h.Sum(nil)
}

func ephemeralFromHello(payload []byte) []byte {
	var hello HelloMessage
	if err := json.Unmarshal(payload, &hello); err != nil {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(hello.EphemeralPublicKey)
	if err != nil {
		return nil
	}
	return raw
}

func writeLengthPrefixed(w interface{ Write([]byte) (int, error) }, data []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	_, _ = w.Write(length[:])
	_, _ = w.Write(data)
}

func authDomain(role Role) string {
	return authDomainPrefix + role.String()
}

func peerRole(role Role) Role {
	if role == RoleInitiator {
		return RoleResponder
	}
	return RoleInitiator
}

func decodeStrict(payload []byte, out any) error {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode handshake message: %w", err)
	}
	return nil
}
