package network

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openshare/crypto"
)

func testIdentity(t *testing.T, accountID, deviceID string) *crypto.Identity {
	t.Helper()
	id, err := crypto.GenerateIdentity(accountID, deviceID)
	require.NoError(t, err)
	return id
}

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type handshakeResult struct {
	session *Session
	err     error
}

// runHandshakePair runs both roles concurrently over an in-memory pipe.
func runHandshakePair(t *testing.T, initiator, responder *crypto.Identity, initOpts, respOpts HandshakeOptions) (handshakeResult, handshakeResult) {
	t.Helper()
	initOpts.Logger = quietLogger()
	respOpts.Logger = quietLogger()
	if initOpts.Timeout == 0 {
		initOpts.Timeout = 2 * time.Second
	}
	if respOpts.Timeout == 0 {
		respOpts.Timeout = 2 * time.Second
	}

	initConn, respConn := net.Pipe()
	t.Cleanup(func() {
		_ = initConn.Close()
		_ = respConn.Close()
	})

	respDone := make(chan handshakeResult, 1)
	go func() {
		session, err := RunHandshake(context.Background(), respConn, RoleResponder, responder, respOpts)
		if err != nil {
			// Mirror the server: a failed handshake drops the connection.
			_ = respConn.Close()
		}
		respDone <- handshakeResult{session: session, err: err}
	}()

	session, err := RunHandshake(context.Background(), initConn, RoleInitiator, initiator, initOpts)
	if err != nil {
		_ = initConn.Close()
	}
	initResult := handshakeResult{session: session, err: err}

	select {
	case respResult := <-respDone:
		closeSessions(t, initResult, respResult)
		return initResult, respResult
	case <-time.After(5 * time.Second):
		t.Fatalf("responder handshake did not finish")
		return handshakeResult{}, handshakeResult{}
	}
}

func closeSessions(t *testing.T, results ...handshakeResult) {
	t.Helper()
	t.Cleanup(func() {
		for _, r := range results {
			if r.session != nil {
				_ = r.session.Close()
			}
		}
	})
}

func ephemeralDestroyed(kp *crypto.EphemeralKeyPair) bool {
	basepoint := make([]byte, crypto.X25519KeySize)
	basepoint[0] = 9
	_, err := kp.SharedSecret(basepoint)
	return errors.Is(err, crypto.ErrEphemeralDestroyed)
}

func requireHandshakeFailure(t *testing.T, result handshakeResult, reason string) *HandshakeError {
	t.Helper()
	require.Nil(t, result.session, "no session may be produced by a failed handshake")
	require.ErrorIs(t, result.err, ErrHandshakeFailed)

	var hsErr *HandshakeError
	require.True(t, errors.As(result.err, &hsErr))
	if reason != "" {
		assert.Equal(t, reason, hsErr.Reason)
	}
	return hsErr
}

func TestHandshakeEstablishesMatchingSessions(t *testing.T) {
	alice := testIdentity(t, "household", "alice-laptop")
	bob := testIdentity(t, "household", "bob-desktop")

	initResult, respResult := runHandshakePair(t, alice, bob,
		HandshakeOptions{ExpectedAccountID: "household"},
		HandshakeOptions{ExpectedAccountID: "household"})
	require.NoError(t, initResult.err)
	require.NoError(t, respResult.err)

	initSession, respSession := initResult.session, respResult.session
	assert.Equal(t, RoleInitiator, initSession.Role)
	assert.Equal(t, RoleResponder, respSession.Role)
	assert.Equal(t, "bob-desktop", initSession.PeerDeviceID)
	assert.Equal(t, "alice-laptop", respSession.PeerDeviceID)
	assert.Equal(t, bob.PublicKey, initSession.PeerIdentity)
	assert.Equal(t, alice.PublicKey, respSession.PeerIdentity)
	assert.Equal(t, "household", initSession.PeerAccountID)

	// Identical keys are the only way frames authenticate in both directions.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, initSession.Send(FrameControl, []byte("ping from alice")))
	frame, err := respSession.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping from alice"), frame.Payload)

	require.NoError(t, respSession.Send(FrameData, []byte("pong from bob")))
	frame, err = initSession.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, FrameData, frame.Type)
	assert.Equal(t, []byte("pong from bob"), frame.Payload)
}

func TestHandshakeConvergesRepeatedly(t *testing.T) {
	for i := 0; i < 10; i++ {
		alice := testIdentity(t, "", "alice")
		bob := testIdentity(t, "", "bob")

		initResult, respResult := runHandshakePair(t, alice, bob, HandshakeOptions{}, HandshakeOptions{})
		require.NoError(t, initResult.err)
		require.NoError(t, respResult.err)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		require.NoError(t, respResult.session.Send(FrameControl, []byte{byte(i)}))
		frame, err := initResult.session.Receive(ctx)
		cancel()
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, frame.Payload)
	}
}

func TestHandshakeRandomSignatureFailsBothSides(t *testing.T) {
	randomSignature := func(msg *AuthMessage) {
		garbage := make([]byte, 64)
		_, _ = rand.Read(garbage)
		msg.Signature = base64.StdEncoding.EncodeToString(garbage)
	}

	t.Run("initiator signature", func(t *testing.T) {
		initResult, respResult := runHandshakePair(t,
			testIdentity(t, "acct", "alice"), testIdentity(t, "acct", "bob"),
			HandshakeOptions{authHook: randomSignature}, HandshakeOptions{})

		requireHandshakeFailure(t, respResult, ReasonBadSignature)
		requireHandshakeFailure(t, initResult, ReasonRemoteError)
	})

	t.Run("responder signature", func(t *testing.T) {
		initResult, respResult := runHandshakePair(t,
			testIdentity(t, "acct", "alice"), testIdentity(t, "acct", "bob"),
			HandshakeOptions{}, HandshakeOptions{authHook: randomSignature})

		requireHandshakeFailure(t, initResult, ReasonBadSignature)
		requireHandshakeFailure(t, respResult, ReasonRemoteError)
	})
}

func TestHandshakeSignatureFromOtherKeyFails(t *testing.T) {
	impostor := testIdentity(t, "acct", "mallory")
	claimOtherKey := func(msg *AuthMessage) {
		msg.IdentityPublicKey = base64.StdEncoding.EncodeToString(impostor.PublicKey)
	}

	initResult, respResult := runHandshakePair(t,
		testIdentity(t, "acct", "alice"), testIdentity(t, "acct", "bob"),
		HandshakeOptions{authHook: claimOtherKey}, HandshakeOptions{})

	requireHandshakeFailure(t, respResult, ReasonBadSignature)
	requireHandshakeFailure(t, initResult, "")
}

func TestHandshakeAccountMismatch(t *testing.T) {
	t.Run("responder filters", func(t *testing.T) {
		initResult, respResult := runHandshakePair(t,
			testIdentity(t, "acct-b", "alice"), testIdentity(t, "acct-a", "bob"),
			HandshakeOptions{}, HandshakeOptions{ExpectedAccountID: "acct-a"})

		hsErr := requireHandshakeFailure(t, respResult, ReasonAccountMismatch)
		assert.ErrorIs(t, hsErr, ErrAccountMismatch)
		requireHandshakeFailure(t, initResult, ReasonRemoteError)
	})

	t.Run("initiator filters", func(t *testing.T) {
		initResult, respResult := runHandshakePair(t,
			testIdentity(t, "acct-a", "alice"), testIdentity(t, "acct-b", "bob"),
			HandshakeOptions{ExpectedAccountID: "acct-a"}, HandshakeOptions{})

		requireHandshakeFailure(t, initResult, ReasonAccountMismatch)
		requireHandshakeFailure(t, respResult, ReasonRemoteError)
	})
}

func TestHandshakeExpectedPeerKeyMismatch(t *testing.T) {
	someoneElse := testIdentity(t, "acct", "carol")

	initResult, respResult := runHandshakePair(t,
		testIdentity(t, "acct", "alice"), testIdentity(t, "acct", "bob"),
		HandshakeOptions{ExpectedPeerKey: someoneElse.PublicKey}, HandshakeOptions{})

	hsErr := requireHandshakeFailure(t, initResult, ReasonUnexpectedPeer)
	assert.ErrorIs(t, hsErr, ErrUnexpectedPeerKey)
	requireHandshakeFailure(t, respResult, ReasonRemoteError)
}

func TestHandshakeKnownPeerKeyChanged(t *testing.T) {
	alice := testIdentity(t, "acct", "alice")
	oldBob := testIdentity(t, "acct", "bob")
	newBob := testIdentity(t, "acct", "bob")

	initResult, respResult := runHandshakePair(t, alice, newBob,
		HandshakeOptions{KnownPeerKeys: map[string]ed25519.PublicKey{"bob": oldBob.PublicKey}},
		HandshakeOptions{})

	hsErr := requireHandshakeFailure(t, initResult, ReasonPeerKeyChanged)
	assert.ErrorIs(t, hsErr, ErrPeerKeyChanged)
	assert.Equal(t, "bob", hsErr.PeerDeviceID)
	assert.Equal(t, newBob.PublicKey, hsErr.PresentedKey)
	respErr := requireHandshakeFailure(t, respResult, ReasonRemoteError)
	assert.Empty(t, respErr.PresentedKey)

	// The same pin passes when the device presents the pinned key.
	initResult, respResult = runHandshakePair(t, alice, oldBob,
		HandshakeOptions{KnownPeerKeyLookup: func(deviceID string) (ed25519.PublicKey, bool) {
			if deviceID == "bob" {
				return oldBob.PublicKey, true
			}
			return nil, false
		}},
		HandshakeOptions{})
	require.NoError(t, initResult.err)
	require.NoError(t, respResult.err)
}

func TestHandshakeTimesOutWhenPeerStalls(t *testing.T) {
	initConn, stalledConn := net.Pipe()
	defer initConn.Close()
	defer stalledConn.Close()

	go func() {
		// Read the hello, then never answer.
		_, _ = ReadControlFrame(stalledConn)
	}()

	started := time.Now()
	session, err := RunHandshake(context.Background(), initConn, RoleInitiator, testIdentity(t, "", "alice"), HandshakeOptions{
		Timeout: 150 * time.Millisecond,
		Logger:  quietLogger(),
	})
	requireHandshakeFailure(t, handshakeResult{session: session, err: err}, ReasonTimeout)
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestHandshakeHonorsContextCancellation(t *testing.T) {
	respConn, silentConn := net.Pipe()
	defer respConn.Close()
	defer silentConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	session, err := RunHandshake(ctx, respConn, RoleResponder, testIdentity(t, "", "bob"), HandshakeOptions{
		Timeout: 5 * time.Second,
		Logger:  quietLogger(),
	})
	requireHandshakeFailure(t, handshakeResult{session: session, err: err}, ReasonTimeout)
}

func TestHandshakeRejectsMalformedHello(t *testing.T) {
	respConn, rawConn := net.Pipe()
	defer respConn.Close()
	defer rawConn.Close()

	replies := make(chan []byte, 1)
	go func() {
		_ = WriteFrame(rawConn, []byte(`{"type":"hello","protocol_version":1,"device_id":"x","ephemeral_public_key":"not-base64!"}`))
		reply, _ := ReadControlFrame(rawConn)
		replies <- reply
	}()

	session, err := RunHandshake(context.Background(), respConn, RoleResponder, testIdentity(t, "", "bob"), HandshakeOptions{
		Timeout: time.Second,
		Logger:  quietLogger(),
	})
	requireHandshakeFailure(t, handshakeResult{session: session, err: err}, ReasonMalformed)

	reply := <-replies
	msgType, decodeErr := DecodeMessageType(reply)
	require.NoError(t, decodeErr)
	assert.Equal(t, TypeError, msgType)
}

func TestHandshakeRejectsUnsupportedVersion(t *testing.T) {
	engine, err := NewHandshakeEngine(RoleResponder, testIdentity(t, "", "bob"), HandshakeOptions{Logger: quietLogger()})
	require.NoError(t, err)

	_, err = engine.HandleHello([]byte(`{"type":"hello","protocol_version":99,"account_id":"","device_id":"x","ephemeral_public_key":""}`))
	require.ErrorIs(t, err, ErrUnsupportedVersion)
	assert.Equal(t, StateFailed, engine.State())
}

// driveEngines runs a full handshake between two engines without a transport.
func driveEngines(t *testing.T, initiator, responder *HandshakeEngine) (initAuth []byte) {
	t.Helper()
	hello, err := initiator.Start()
	require.NoError(t, err)
	reply, err := responder.HandleHello(hello)
	require.NoError(t, err)
	_, err = initiator.HandleHello(reply)
	require.NoError(t, err)

	initAuth, err = initiator.SignTranscript()
	require.NoError(t, err)
	require.NoError(t, responder.HandleAuth(initAuth))
	respAuth, err := responder.SignTranscript()
	require.NoError(t, err)
	require.NoError(t, initiator.HandleAuth(respAuth))

	finished, err := initiator.Finish()
	require.NoError(t, err)
	require.NoError(t, responder.HandleFinished(finished))
	return initAuth
}

func newEnginePair(t *testing.T, alice, bob *crypto.Identity) (*HandshakeEngine, *HandshakeEngine) {
	t.Helper()
	initiator, err := NewHandshakeEngine(RoleInitiator, alice, HandshakeOptions{Logger: quietLogger()})
	require.NoError(t, err)
	responder, err := NewHandshakeEngine(RoleResponder, bob, HandshakeOptions{Logger: quietLogger()})
	require.NoError(t, err)
	return initiator, responder
}

func TestHandshakeEngineStateProgression(t *testing.T) {
	alice := testIdentity(t, "acct", "alice")
	bob := testIdentity(t, "acct", "bob")
	initiator, responder := newEnginePair(t, alice, bob)

	assert.Equal(t, StateIdle, initiator.State())
	hello, err := initiator.Start()
	require.NoError(t, err)
	assert.Equal(t, StateHelloSent, initiator.State())

	reply, err := responder.HandleHello(hello)
	require.NoError(t, err)
	assert.Equal(t, StateKeyAgreed, responder.State())
	_, err = initiator.HandleHello(reply)
	require.NoError(t, err)
	assert.Equal(t, StateKeyAgreed, initiator.State())
	assert.Equal(t, initiator.transcript, responder.transcript)

	auth, err := initiator.SignTranscript()
	require.NoError(t, err)
	assert.Equal(t, StateSignatureSent, initiator.State())
	require.NoError(t, responder.HandleAuth(auth))
	assert.Equal(t, StatePeerVerified, responder.State())
	assert.Nil(t, responder.sessionKey, "no key before our own signature is sent")

	respAuth, err := responder.SignTranscript()
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, responder.State())
	require.NoError(t, initiator.HandleAuth(respAuth))
	assert.Equal(t, StateAuthenticated, initiator.State())
	assert.Equal(t, initiator.sessionKey, responder.sessionKey)
	assert.True(t, ephemeralDestroyed(initiator.ephemeral))

	finished, err := initiator.Finish()
	require.NoError(t, err)
	require.NoError(t, responder.HandleFinished(finished))
	assert.True(t, initiator.State().Terminal())
	assert.Equal(t, StateSessionEstablished, responder.State())

	initKey, err := initiator.takeSessionKey()
	require.NoError(t, err)
	respKey, err := responder.takeSessionKey()
	require.NoError(t, err)
	assert.Equal(t, initKey, respKey)

	_, err = initiator.takeSessionKey()
	require.Error(t, err, "the key can be taken only once")
}

func TestHandshakeEngineRejectsOutOfOrderCalls(t *testing.T) {
	engine, err := NewHandshakeEngine(RoleResponder, testIdentity(t, "", "bob"), HandshakeOptions{Logger: quietLogger()})
	require.NoError(t, err)

	_, err = engine.SignTranscript()
	require.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Equal(t, StateFailed, engine.State())

	// Failed is terminal: even a legal first step is refused now.
	_, err = engine.HandleHello([]byte(`{}`))
	require.ErrorIs(t, err, ErrHandshakeFailed)
	_, err = engine.Start()
	require.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestHandshakeEngineWipesSecretsOnFailure(t *testing.T) {
	alice := testIdentity(t, "acct", "alice")
	bob := testIdentity(t, "acct", "bob")
	initiator, responder := newEnginePair(t, alice, bob)

	hello, err := initiator.Start()
	require.NoError(t, err)
	_, err = responder.HandleHello(hello)
	require.NoError(t, err)
	require.NotNil(t, responder.sharedSecret)
	secret := responder.sharedSecret

	require.Error(t, responder.HandleAuth([]byte(`{"type":"auth","identity_public_key":"","signature":""}`)))
	assert.Equal(t, StateFailed, responder.State())
	assert.Nil(t, responder.sharedSecret)
	assert.Equal(t, make([]byte, len(secret)), secret)
	assert.True(t, ephemeralDestroyed(responder.ephemeral))
	assert.Nil(t, responder.PeerIdentity())
}

func TestHandshakeAuthReplayIntoNewExchangeFails(t *testing.T) {
	alice := testIdentity(t, "acct", "alice")
	bob := testIdentity(t, "acct", "bob")

	firstInit, firstResp := newEnginePair(t, alice, bob)
	capturedAuth := driveEngines(t, firstInit, firstResp)

	secondInit, secondResp := newEnginePair(t, alice, bob)
	hello, err := secondInit.Start()
	require.NoError(t, err)
	_, err = secondResp.HandleHello(hello)
	require.NoError(t, err)

	err = secondResp.HandleAuth(capturedAuth)
	require.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, StateFailed, secondResp.State())
}

func TestTranscriptHashIsOrderSensitive(t *testing.T) {
	a := []byte(`{"type":"hello","device_id":"a"}`)
	b := []byte(`{"type":"hello","device_id":"b"}`)
	assert.NotEqual(t, transcriptHash(a, b), transcriptHash(b, a))
	assert.Len(t, transcriptHash(a, b), 32)
}

type observation struct {
	role    string
	outcome string
}

type recordingObserver struct {
	mu   sync.Mutex
	seen []observation
}

func (o *recordingObserver) ObserveHandshake(role, outcome string, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, observation{role: role, outcome: outcome})
}

func (o *recordingObserver) observations() []observation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]observation(nil), o.seen...)
}

func TestHandshakeReportsOutcomeToObserver(t *testing.T) {
	observer := &recordingObserver{}
	initResult, respResult := runHandshakePair(t,
		testIdentity(t, "acct", "alice"), testIdentity(t, "acct", "bob"),
		HandshakeOptions{Observer: observer}, HandshakeOptions{Observer: observer})
	require.NoError(t, initResult.err)
	require.NoError(t, respResult.err)
	assert.ElementsMatch(t, []observation{
		{role: RoleInitiator.String(), outcome: OutcomeEstablished},
		{role: RoleResponder.String(), outcome: OutcomeEstablished},
	}, observer.observations())

	failing := &recordingObserver{}
	_, respResult = runHandshakePair(t,
		testIdentity(t, "other", "alice"), testIdentity(t, "acct", "bob"),
		HandshakeOptions{}, HandshakeOptions{ExpectedAccountID: "acct", Observer: failing})
	require.Error(t, respResult.err)
	assert.Equal(t, []observation{
		{role: RoleResponder.String(), outcome: ReasonAccountMismatch},
	}, failing.observations())
}
