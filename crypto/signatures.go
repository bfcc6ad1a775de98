package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// Sign signs data using an Ed25519 private key.
func Sign(privateKey ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}
	return ed25519.Sign(privateKey, data), nil
}

// Verify verifies an Ed25519 signature. Malformed inputs simply fail.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(data) == 0 || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

// DomainMessage prefixes data with a context label so a signature produced for
// one purpose never verifies for another.
func DomainMessage(domain string, data []byte) []byte {
	out := make([]byte, 0, len(domain)+1+len(data))
	out = append(out, domain...)
	out = append(out, 0)
	return append(out, data...)
}

// SignDomain signs data under a context label.
func (id *Identity) SignDomain(domain string, data []byte) ([]byte, error) {
	return id.Sign(DomainMessage(domain, data))
}

// VerifyDomain verifies a signature produced by SignDomain.
func VerifyDomain(publicKey ed25519.PublicKey, domain string, data, signature []byte) bool {
	return Verify(publicKey, DomainMessage(domain, data), signature)
}
