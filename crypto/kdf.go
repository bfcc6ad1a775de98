package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SessionKeySize is the size of derived session and confirmation keys.
const SessionKeySize = 32

const (
	sessionKeyInfo      = "openshare session key v1"
	confirmationKeyInfo = "openshare confirm key v1"
)

// DeriveKey expands secret into size bytes with HKDF-SHA256.
func DeriveKey(secret, salt, info []byte, size int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("derive key: secret is required")
	}
	if size <= 0 {
		return nil, fmt.Errorf("derive key: invalid size %d", size)
	}

	out := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		Wipe(out)
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return out, nil
}

// DeriveSessionKeys derives the traffic key and the handshake confirmation key
// from an X25519 shared secret, salted with the handshake transcript hash so the
// keys belong to exactly one handshake run.
func DeriveSessionKeys(sharedSecret, transcript []byte) (sessionKey, confirmKey []byte, err error) {
	if len(transcript) != sha256.Size {
		return nil, nil, fmt.Errorf("derive session keys: invalid transcript length %d", len(transcript))
	}
	sessionKey, err = DeriveKey(sharedSecret, transcript, []byte(sessionKeyInfo), SessionKeySize)
	if err != nil {
		return nil, nil, err
	}
	confirmKey, err = DeriveKey(sharedSecret, transcript, []byte(confirmationKeyInfo), SessionKeySize)
	if err != nil {
		Wipe(sessionKey)
		return nil, nil, err
	}
	return sessionKey, confirmKey, nil
}
