package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"openshare/crypto"
)

// RunHandshake drives a HandshakeEngine over conn and returns the established
// session. The whole exchange is bounded by opts.Timeout and ctx; expiry is a
// failed handshake. On failure conn is left open for the caller to close and
// the returned error is a *HandshakeError.
func RunHandshake(ctx context.Context, conn net.Conn, role Role, identity *crypto.Identity, options HandshakeOptions) (*Session, error) {
	opts := options.withDefaults()
	engine, err := NewHandshakeEngine(role, identity, opts)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(opts.Timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, engine.Abort(ReasonTransport, fmt.Errorf("set handshake deadline: %w", err))
	}
	// Cancelling ctx pulls the deadline into the past, unblocking any read or write.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	log := opts.Logger.WithFields(logrus.Fields{
		"role":        role.String(),
		"remote_addr": remoteAddr(conn),
	})

	started := time.Now()
	if role == RoleInitiator {
		err = runInitiator(engine, conn)
	} else {
		err = runResponder(engine, conn)
	}
	if err != nil {
		hsErr := classifyFailure(ctx, engine, err)
		observe(opts.Observer, role, hsErr.Reason, started)
		log.WithFields(logrus.Fields{
			"state":  hsErr.State.String(),
			"reason": hsErr.Reason,
		}).WithError(hsErr.Err).Warn("handshake failed")
		return nil, hsErr
	}

	if !stop() {
		hsErr := engine.Abort(ReasonTimeout, ctx.Err())
		observe(opts.Observer, role, ReasonTimeout, started)
		return nil, hsErr
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, engine.Abort(ReasonTransport, fmt.Errorf("clear handshake deadline: %w", err))
	}

	key, err := engine.takeSessionKey()
	if err != nil {
		return nil, engine.Abort(ReasonInternal, err)
	}
	defer crypto.Wipe(key)

	cipher, err := crypto.NewSessionCipher(key, role == RoleInitiator)
	if err != nil {
		return nil, engine.Abort(ReasonInternal, err)
	}

	session := newSession(conn, cipher, SessionInfo{
		Role:          role,
		PeerIdentity:  engine.PeerIdentity(),
		PeerAccountID: engine.peerHello.AccountID,
		PeerDeviceID:  engine.peerHello.DeviceID,
		EstablishedAt: time.Now(),
	}, opts)

	observe(opts.Observer, role, OutcomeEstablished, started)
	log.WithFields(logrus.Fields{
		"session_id":     session.ID,
		"peer_device_id": session.PeerDeviceID,
		"peer_key":       crypto.KeyFingerprint(session.PeerIdentity),
		"elapsed":        time.Since(started).String(),
	}).Info("session established")
	return session, nil
}

func runInitiator(engine *HandshakeEngine, conn net.Conn) error {
	hello, err := engine.Start()
	if err != nil {
		return err
	}
	if err := WriteFrame(conn, hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	peerHello, err := ReadControlFrame(conn)
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if _, err := engine.HandleHello(peerHello); err != nil {
		sendHandshakeError(conn, engine)
		return err
	}

	auth, err := engine.SignTranscript()
	if err != nil {
		return err
	}
	if err := WriteFrame(conn, auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	peerAuth, err := ReadControlFrame(conn)
	if err != nil {
		return fmt.Errorf("read auth: %w", err)
	}
	if err := engine.HandleAuth(peerAuth); err != nil {
		sendHandshakeError(conn, engine)
		return err
	}

	finished, err := engine.Finish()
	if err != nil {
		return err
	}
	if err := WriteFrame(conn, finished); err != nil {
		return fmt.Errorf("send finished: %w", err)
	}
	return nil
}

func runResponder(engine *HandshakeEngine, conn net.Conn) error {
	peerHello, err := ReadControlFrame(conn)
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	hello, err := engine.HandleHello(peerHello)
	if err != nil {
		sendHandshakeError(conn, engine)
		return err
	}
	if err := WriteFrame(conn, hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	peerAuth, err := ReadControlFrame(conn)
	if err != nil {
		return fmt.Errorf("read auth: %w", err)
	}
	if err := engine.HandleAuth(peerAuth); err != nil {
		sendHandshakeError(conn, engine)
		return err
	}

	auth, err := engine.SignTranscript()
	if err != nil {
		return err
	}
	if err := WriteFrame(conn, auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	// The initiator is done after finished, so a bad confirmation is not
	// reported back; the connection is simply dropped.
	finished, err := ReadControlFrame(conn)
	if err != nil {
		return fmt.Errorf("read finished: %w", err)
	}
	return engine.HandleFinished(finished)
}

// sendHandshakeError tells the peer why we are aborting. The peer is always
// blocked reading at the call sites, so the write cannot stall the exchange.
func sendHandshakeError(conn net.Conn, engine *HandshakeEngine) {
	var hsErr *HandshakeError
	if !errors.As(engine.Err(), &hsErr) || hsErr.Reason == ReasonRemoteError {
		return
	}
	_ = writeJSONFrame(conn, ErrorMessage{Type: TypeError, Code: hsErr.Reason})
}

func classifyFailure(ctx context.Context, engine *HandshakeEngine, err error) *HandshakeError {
	var hsErr *HandshakeError
	if errors.As(err, &hsErr) {
		return hsErr
	}
	reason := ReasonTransport
	if ctx.Err() != nil || errors.Is(err, os.ErrDeadlineExceeded) {
		reason = ReasonTimeout
	}
	return engine.Abort(reason, err)
}

func observe(observer HandshakeObserver, role Role, outcome string, started time.Time) {
	if observer != nil {
		observer.ObserveHandshake(role.String(), outcome, time.Since(started))
	}
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
