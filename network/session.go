package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"openshare/crypto"
)

var (
	// ErrSessionClosed is returned by Send and Receive after the session ends.
	ErrSessionClosed = errors.New("network: session closed")
	// ErrKeepAliveTimeout indicates the peer stopped responding to pings.
	ErrKeepAliveTimeout = errors.New("network: keep-alive timeout")
)

// SessionInfo is the authenticated view of the peer, fixed at establishment.
type SessionInfo struct {
	Role          Role
	PeerIdentity  ed25519.PublicKey
	PeerAccountID string
	PeerDeviceID  string
	EstablishedAt time.Time
}

// Frame is one decrypted application frame.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// Session is an authenticated, encrypted connection. Frames leave in the order
// Send is called and are delivered in wire order; any decryption failure ends
// the session. Several goroutines may Send concurrently; Receive is meant for
// a single consumer.
type Session struct {
	ID string
	SessionInfo

	conn   net.Conn
	cipher *crypto.SessionCipher
	log    logrus.FieldLogger

	sendMu sync.Mutex

	frameReadTimeout  time.Duration
	frameStallTimeout time.Duration
	frameWriteTimeout time.Duration
	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration

	lastActivity atomic.Int64
	pingSentAt   atomic.Int64

	inbound chan Frame

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newSession(conn net.Conn, cipher *crypto.SessionCipher, info SessionInfo, opts HandshakeOptions) *Session {
	id := uuid.NewString()
	s := &Session{
		ID:                id,
		SessionInfo:       info,
		conn:              conn,
		cipher:            cipher,
		log:               opts.Logger.WithFields(logrus.Fields{"session_id": id, "peer_device_id": info.PeerDeviceID}),
		frameReadTimeout:  opts.FrameReadTimeout,
		frameStallTimeout: opts.FrameStallTimeout,
		frameWriteTimeout: opts.FrameWriteTimeout,
		keepAliveInterval: opts.KeepAliveInterval,
		keepAliveTimeout:  opts.KeepAliveTimeout,
		inbound:           make(chan Frame, 64),
		closed:            make(chan struct{}),
	}
	s.touch()

	go s.readLoop()
	if s.keepAliveInterval > 0 {
		go s.keepAliveLoop()
	}
	return s
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Err returns the terminal session error, or nil for a clean close.
func (s *Session) Err() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.closeErr
}

// Counters reports the number of frames sealed and opened so far.
func (s *Session) Counters() (sent, received uint64) {
	return s.cipher.Counters()
}

// Send seals payload as the next frame and writes it. Sealing and writing
// happen under one lock so wire order always matches nonce order.
func (s *Session) Send(frameType FrameType, payload []byte) error {
	select {
	case <-s.closed:
		return s.terminalErr()
	default:
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	sealed, err := s.cipher.Seal(byte(frameType), payload)
	if err != nil {
		if errors.Is(err, crypto.ErrNonceExhausted) {
			s.closeWithError(err)
		}
		if errors.Is(err, crypto.ErrCipherClosed) {
			return s.terminalErr()
		}
		return err
	}

	if s.frameWriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.frameWriteTimeout))
	}
	if err := WriteFrame(s.conn, sealed); err != nil {
		err = fmt.Errorf("write %s frame: %w", frameType, err)
		s.closeWithError(err)
		return err
	}
	return nil
}

// Receive waits for the next application frame.
func (s *Session) Receive(ctx context.Context) (Frame, error) {
	select {
	case frame := <-s.inbound:
		return frame, nil
	case <-s.closed:
		// Drain frames that arrived before the close.
		select {
		case frame := <-s.inbound:
			return frame, nil
		default:
		}
		return Frame{}, s.terminalErr()
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Disconnect tells the peer we are leaving, then closes the session.
func (s *Session) Disconnect() error {
	_ = s.Send(FrameClose, nil)
	return s.Close()
}

// Close ends the session and closes its cipher.
func (s *Session) Close() error {
	s.closeWithError(nil)
	return nil
}

func (s *Session) terminalErr() error {
	if err := s.Err(); err != nil {
		return err
	}
	return ErrSessionClosed
}

func (s *Session) readLoop() {
	for {
		select {
		case <-s.closed:
			return
		default:
		}

		sealed, err := ReadSessionFrame(s.conn, s.frameReadTimeout, s.frameStallTimeout)
		if err != nil {
			if errors.Is(err, ErrFrameStalled) {
				s.closeWithError(err)
				return
			}
			if isTimeout(err) {
				// Nothing of the next frame was consumed; keep waiting.
				continue
			}
			if errors.Is(err, ErrFrameTooLarge) {
				s.closeWithError(fmt.Errorf("%w: %w", crypto.ErrDecryptionFailed, err))
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				s.closeWithError(nil)
				return
			}
			s.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		frameType, payload, err := s.cipher.Open(sealed)
		if err != nil {
			if errors.Is(err, crypto.ErrCipherClosed) {
				return
			}
			s.log.WithError(err).Warn("dropping session after frame decryption failure")
			s.closeWithError(err)
			return
		}
		s.touch()
		s.pingSentAt.Store(0)

		switch FrameType(frameType) {
		case FramePing:
			if err := s.Send(FramePong, nil); err != nil {
				return
			}
		case FramePong:
		case FrameClose:
			s.closeWithError(nil)
			return
		default:
			select {
			case s.inbound <- Frame{Type: FrameType(frameType), Payload: payload}:
			case <-s.closed:
				return
			}
		}
	}
}

func (s *Session) keepAliveLoop() {
	checkEvery := s.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = s.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
		}

		if sent := s.pingSentAt.Load(); sent != 0 {
			if time.Since(time.Unix(0, sent)) > s.keepAliveTimeout {
				s.closeWithError(ErrKeepAliveTimeout)
				return
			}
			continue
		}
		if time.Since(time.Unix(0, s.lastActivity.Load())) >= s.keepAliveInterval {
			s.pingSentAt.Store(time.Now().UnixNano())
			if err := s.Send(FramePing, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) closeWithError(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.closeErr = err
		s.errMu.Unlock()

		_ = s.conn.Close()
		s.cipher.Close()
		close(s.closed)

		entry := s.log
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Debug("session closed")
	})
}

// RemoteAddr returns the peer's transport address.
func (s *Session) RemoteAddr() string {
	return remoteAddr(s.conn)
}
