package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrIdentityZeroed is returned when signing with an identity after Zero.
var ErrIdentityZeroed = errors.New("crypto: identity key material has been zeroed")

// noCopy makes `go vet` flag accidental copies of secret-holding structs.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Identity is the long-term signing identity of this device. It is loaded once
// per process and passed by pointer; the private key never leaves the type.
type Identity struct {
	_ noCopy

	AccountID string
	DeviceID  string
	PublicKey ed25519.PublicKey

	mu      sync.RWMutex
	private ed25519.PrivateKey
}

// NewIdentity wraps an Ed25519 private key. The key is copied so the caller may
// wipe its own buffer.
func NewIdentity(accountID, deviceID string, privateKey ed25519.PrivateKey) (*Identity, error) {
	accountID = strings.TrimSpace(accountID)
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, errors.New("identity device ID is required")
	}
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}

	private := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(private, privateKey)
	public := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(public, private.Public().(ed25519.PublicKey))

	return &Identity{
		AccountID: accountID,
		DeviceID:  deviceID,
		PublicKey: public,
		private:   private,
	}, nil
}

// GenerateIdentity creates an identity with a fresh random keypair.
func GenerateIdentity(accountID, deviceID string) (*Identity, error) {
	_, privateKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate identity keypair: %w", err)
	}
	defer Wipe(privateKey)
	return NewIdentity(accountID, deviceID, privateKey)
}

// LoadIdentity loads (or creates on first run) the keypair in files and binds
// it to the account and device identifiers.
func LoadIdentity(files KeyFiles, accountID, deviceID string) (*Identity, error) {
	privateKey, err := files.Ensure()
	if err != nil {
		return nil, fmt.Errorf("load identity keypair: %w", err)
	}
	defer Wipe(privateKey)
	return NewIdentity(accountID, deviceID, privateKey)
}

// Sign signs data with the identity private key.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if id.private == nil {
		return nil, ErrIdentityZeroed
	}
	return Sign(id.private, data)
}

// Fingerprint returns the hex fingerprint of the identity public key.
func (id *Identity) Fingerprint() string {
	return KeyFingerprint(id.PublicKey)
}

// Zero wipes the private key. Later Sign calls fail with ErrIdentityZeroed.
func (id *Identity) Zero() {
	id.mu.Lock()
	defer id.mu.Unlock()
	Wipe(id.private)
	id.private = nil
}
