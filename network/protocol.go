package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"openshare/crypto"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MiB).
	MaxFrameSize = crypto.MaxSealedFrameSize
	// MaxControlFrameSize bounds plaintext handshake frames.
	MaxControlFrameSize = 64 * 1024
	// DefaultHandshakeTimeout bounds a whole handshake.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultConnectionTimeout bounds TCP dial duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultKeepAliveInterval sends a ping on idle sessions.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultKeepAliveTimeout is how long a pinged peer has to show activity.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultFrameReadTimeout is how long a session waits for the next frame
	// to start before checking whether it was closed.
	DefaultFrameReadTimeout = 30 * time.Second
	// DefaultFrameStallTimeout bounds the gap between bytes of a started frame.
	DefaultFrameStallTimeout = 2 * time.Minute
	// DefaultFrameWriteTimeout bounds each frame write on a session.
	DefaultFrameWriteTimeout = 30 * time.Second
)

// Handshake message types.
const (
	TypeHello    = "hello"
	TypeAuth     = "auth"
	TypeFinished = "finished"
	TypeError    = "error"
)

// FrameType tags every encrypted session frame. It travels in the clear but is
// covered by the AEAD tag.
type FrameType byte

const (
	FramePing FrameType = iota + 1
	FramePong
	FrameClose

	// FrameControl carries JSON application messages.
	FrameControl FrameType = 16
	// FrameData carries binary application payloads.
	FrameData FrameType = 17
)

func (t FrameType) String() string {
	switch t {
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameClose:
		return "close"
	case FrameControl:
		return "control"
	case FrameData:
		return "data"
	default:
		return fmt.Sprintf("frame(%d)", byte(t))
	}
}

var (
	// ErrFrameTooLarge indicates payload exceeds the frame size limit.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("network: invalid signature")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrFrameStalled indicates the peer stopped sending partway through a frame.
	ErrFrameStalled = errors.New("network: peer stalled mid-frame")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// HelloMessage opens the handshake and carries the sender's ephemeral key.
type HelloMessage struct {
	Type               string `json:"type"`
	ProtocolVersion    int    `json:"protocol_version"`
	AccountID          string `json:"account_id"`
	DeviceID           string `json:"device_id"`
	EphemeralPublicKey string `json:"ephemeral_public_key"`
}

// AuthMessage proves possession of the long-term identity key by signing the
// handshake transcript.
type AuthMessage struct {
	Type              string `json:"type"`
	IdentityPublicKey string `json:"identity_public_key"`
	Signature         string `json:"signature"`
}

// FinishedMessage is the initiator's key confirmation.
type FinishedMessage struct {
	Type         string `json:"type"`
	Confirmation string `json:"confirmation"`
}

// ErrorMessage reports a protocol error before the connection is dropped.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame of at most MaxFrameSize bytes.
func ReadFrame(r io.Reader) ([]byte, error) {
	return readFrameLimit(r, MaxFrameSize)
}

// ReadControlFrame reads one handshake frame of at most MaxControlFrameSize bytes.
func ReadControlFrame(r io.Reader) ([]byte, error) {
	return readFrameLimit(r, MaxControlFrameSize)
}

func readFrameLimit(r io.Reader, limit int) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	// The length is checked before allocating so a hostile peer cannot make
	// us reserve more than limit bytes.
	length := binary.BigEndian.Uint32(header)
	if uint64(length) > uint64(limit) {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// ReadSessionFrame waits up to idle for the next frame to start. Once its
// first byte has arrived the rest is read with a deadline of stall that is
// renewed on every byte of progress, so a slow but live peer never has a
// frame cut in half. A timeout before the first byte is returned unwrapped
// and leaves the stream intact; a timeout after it wraps ErrFrameStalled.
func ReadSessionFrame(conn net.Conn, idle, stall time.Duration) ([]byte, error) {
	r := &progressReader{conn: conn, first: idle, next: stall}
	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
	}()

	payload, err := ReadFrame(r)
	if err != nil && r.read > 0 && isTimeout(err) {
		return nil, fmt.Errorf("%w after %d bytes: %w", ErrFrameStalled, r.read, err)
	}
	return payload, err
}

// progressReader renews the read deadline before every Read.
type progressReader struct {
	conn        net.Conn
	first, next time.Duration
	read        int
}

func (p *progressReader) Read(b []byte) (int, error) {
	timeout := p.next
	if p.read == 0 {
		timeout = p.first
	}
	if timeout > 0 {
		if err := p.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, fmt.Errorf("set read deadline: %w", err)
		}
	} else {
		_ = p.conn.SetReadDeadline(time.Time{})
	}
	n, err := p.conn.Read(b)
	p.read += n
	return n, err
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func writeJSONFrame(w io.Writer, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}
