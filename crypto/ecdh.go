package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// X25519KeySize is the size of X25519 scalars and points.
const X25519KeySize = curve25519.PointSize

// ErrEphemeralDestroyed is returned when an ephemeral key is used after Destroy.
var ErrEphemeralDestroyed = errors.New("crypto: ephemeral key already destroyed")

// EphemeralKeyPair is a single-use X25519 keypair for one handshake attempt.
// The scalar lives in a fixed array so Destroy can zero it in place.
type EphemeralKeyPair struct {
	_ noCopy

	private   [curve25519.ScalarSize]byte
	public    [curve25519.PointSize]byte
	destroyed bool
}

// GenerateEphemeralKeyPair creates a fresh X25519 keypair.
func GenerateEphemeralKeyPair() (*EphemeralKeyPair, error) {
	kp := &EphemeralKeyPair{}
	if _, err := rand.Read(kp.private[:]); err != nil {
		return nil, fmt.Errorf("generate X25519 scalar: %w", err)
	}
	public, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		kp.Destroy()
		return nil, fmt.Errorf("derive X25519 public key: %w", err)
	}
	copy(kp.public[:], public)
	return kp, nil
}

// PublicKey returns a copy of the public point.
func (kp *EphemeralKeyPair) PublicKey() []byte {
	out := make([]byte, len(kp.public))
	copy(out, kp.public[:])
	return out
}

// SharedSecret computes the X25519 shared secret with peerPublic. Low-order
// peer points are rejected by curve25519.X25519.
func (kp *EphemeralKeyPair) SharedSecret(peerPublic []byte) ([]byte, error) {
	if kp.destroyed {
		return nil, ErrEphemeralDestroyed
	}
	if err := ValidateX25519PublicKey(peerPublic); err != nil {
		return nil, err
	}
	secret, err := curve25519.X25519(kp.private[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return secret, nil
}

// Destroy zeroes the private scalar. Safe to call more than once.
func (kp *EphemeralKeyPair) Destroy() {
	if kp == nil {
		return
	}
	Wipe(kp.private[:])
	kp.destroyed = true
}

// ValidateX25519PublicKey checks the encoded length of a peer point.
func ValidateX25519PublicKey(raw []byte) error {
	if len(raw) != X25519KeySize {
		return fmt.Errorf("invalid X25519 public key length: got %d want %d", len(raw), X25519KeySize)
	}
	return nil
}
