package network

import (
	"context"
	"fmt"
	"net"

	"openshare/crypto"
)

// Dial connects to a peer and runs the initiator handshake. The connection is
// closed if the handshake fails.
func Dial(ctx context.Context, address string, identity *crypto.Identity, options HandshakeOptions) (*Session, error) {
	if err := validateIdentity(identity); err != nil {
		return nil, err
	}
	opts := options.withDefaults()

	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	session, err := RunHandshake(ctx, conn, RoleInitiator, identity, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return session, nil
}
