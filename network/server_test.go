package network

import (
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerAcceptsDialedSession(t *testing.T) {
	alice := testIdentity(t, "household", "alice")
	bob := testIdentity(t, "household", "bob")

	server, err := Listen("127.0.0.1:0", bob, ServerOptions{
		Handshake: HandshakeOptions{ExpectedAccountID: "household", Logger: quietLogger()},
	})
	require.NoError(t, err)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outbound, err := Dial(ctx, server.Addr().String(), alice, HandshakeOptions{
		ExpectedPeerKey: bob.PublicKey,
		Logger:          quietLogger(),
	})
	require.NoError(t, err)
	defer outbound.Close()

	var inbound *Session
	select {
	case inbound = <-server.Incoming():
	case <-ctx.Done():
		t.Fatalf("server did not hand out the inbound session")
	}
	defer inbound.Close()

	assert.Equal(t, "alice", inbound.PeerDeviceID)
	assert.Equal(t, "bob", outbound.PeerDeviceID)

	require.NoError(t, outbound.Send(FrameControl, []byte(`{"type":"hello-app"}`)))
	frame, err := inbound.Receive(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"hello-app"}`, string(frame.Payload))
}

func TestServerReportsHandshakeFailure(t *testing.T) {
	bob := testIdentity(t, "acct-a", "bob")
	failures := make(chan *HandshakeError, 1)

	server, err := Listen("127.0.0.1:0", bob, ServerOptions{
		Handshake: HandshakeOptions{ExpectedAccountID: "acct-a", Logger: quietLogger()},
		OnHandshakeFailure: func(_ string, hsErr *HandshakeError) {
			failures <- hsErr
		},
	})
	require.NoError(t, err)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = Dial(ctx, server.Addr().String(), testIdentity(t, "acct-b", "mallory"), HandshakeOptions{Logger: quietLogger()})
	require.ErrorIs(t, err, ErrHandshakeFailed)

	select {
	case hsErr := <-failures:
		assert.Equal(t, ReasonAccountMismatch, hsErr.Reason)
	case <-ctx.Done():
		t.Fatalf("handshake failure callback not called")
	}
}

func TestServerConnectionRateLimitPerIP(t *testing.T) {
	identity := testIdentity(t, "", "server-rate-limit")
	var limitedCount atomic.Int32

	server, err := Listen("127.0.0.1:0", identity, ServerOptions{
		Handshake:                 HandshakeOptions{Logger: quietLogger()},
		ConnectionRateLimitPerIP:  2,
		ConnectionRateLimitWindow: 250 * time.Millisecond,
		OnRateLimited: func(string) {
			limitedCount.Add(1)
		},
	})
	require.NoError(t, err)
	defer server.Close()

	var openConns []net.Conn
	defer func() {
		for _, conn := range openConns {
			_ = conn.Close()
		}
	}()

	for i := 0; i < 2; i++ {
		conn, ok := dialAndExpectHelloReply(t, server.Addr().String())
		require.True(t, ok, "expected allowed connection %d to get a hello reply", i+1)
		openConns = append(openConns, conn)
	}

	limitedConn, ok := dialAndExpectHelloReply(t, server.Addr().String())
	_ = limitedConn.Close()
	require.False(t, ok, "expected third connection in window to be rate-limited")
	assert.Positive(t, limitedCount.Load())

	time.Sleep(300 * time.Millisecond)

	conn, ok := dialAndExpectHelloReply(t, server.Addr().String())
	require.True(t, ok, "expected connection after window reset to be accepted")
	openConns = append(openConns, conn)
}

func TestIPRateLimiterWindow(t *testing.T) {
	limiter := newIPRateLimiter(2, time.Second)
	now := time.Unix(1000, 0)

	assert.True(t, limiter.allow("10.0.0.1", now))
	assert.True(t, limiter.allow("10.0.0.1", now.Add(100*time.Millisecond)))
	assert.False(t, limiter.allow("10.0.0.1", now.Add(200*time.Millisecond)))
	assert.True(t, limiter.allow("10.0.0.2", now.Add(200*time.Millisecond)), "limits are per IP")
	assert.True(t, limiter.allow("10.0.0.1", now.Add(1100*time.Millisecond)))
}

// dialAndExpectHelloReply opens a raw connection, sends an initiator hello and
// reports whether the server answered with its own hello.
func dialAndExpectHelloReply(t *testing.T, address string) (net.Conn, bool) {
	t.Helper()

	conn, err := net.DialTimeout("tcp", address, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(500*time.Millisecond)))

	engine, err := NewHandshakeEngine(RoleInitiator, testIdentity(t, "", "raw-client"), HandshakeOptions{Logger: quietLogger()})
	require.NoError(t, err)
	hello, err := engine.Start()
	require.NoError(t, err)
	if err := WriteFrame(conn, hello); err != nil {
		return conn, false
	}

	payload, err := ReadControlFrame(conn)
	if err != nil {
		return conn, false
	}
	var reply HelloMessage
	if err := json.Unmarshal(payload, &reply); err != nil {
		return conn, false
	}
	return conn, reply.Type == TypeHello && reply.EphemeralPublicKey != ""
}
