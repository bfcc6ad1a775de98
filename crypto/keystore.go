package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const (
	identityPrivatePEMType = "OPENSHARE ED25519 PRIVATE KEY"
	identityPublicPEMType  = "OPENSHARE ED25519 PUBLIC KEY"
)

// KeyFiles locates the PEM files holding the long-term identity keypair.
type KeyFiles struct {
	PrivatePath string
	PublicPath  string
}

// Ensure loads the keypair, generating and persisting a new one on first run.
// A missing or stale public key file is rewritten from the private key.
func (k KeyFiles) Ensure() (ed25519.PrivateKey, error) {
	privateKey, err := k.loadPrivate()
	if err == nil {
		publicKey := privateKey.Public().(ed25519.PublicKey)
		stored, pubErr := LoadPublicKey(k.PublicPath)
		if pubErr != nil || !bytes.Equal(stored, publicKey) {
			if err := writePEM(k.PublicPath, identityPublicPEMType, publicKey, 0o644); err != nil {
				return nil, err
			}
		}
		return privateKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity keypair: %w", err)
	}
	if err := writePEM(k.PrivatePath, identityPrivatePEMType, privateKey, 0o600); err != nil {
		return nil, err
	}
	if err := writePEM(k.PublicPath, identityPublicPEMType, publicKey, 0o644); err != nil {
		return nil, err
	}
	return privateKey, nil
}

func (k KeyFiles) loadPrivate() (ed25519.PrivateKey, error) {
	raw, err := readPEM(k.PrivatePath, identityPrivatePEMType, ed25519.PrivateKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PrivateKey(raw), nil
}

// LoadPublicKey reads a PEM encoded identity public key.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := readPEM(path, identityPublicPEMType, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(raw), nil
}

func readPEM(path, blockType string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", strings.ToLower(blockType), err)
	}
	defer Wipe(raw)

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", path)
	}
	if block.Type != blockType {
		return nil, fmt.Errorf("decode %s: unexpected type %q", path, block.Type)
	}
	if len(block.Bytes) != size {
		return nil, fmt.Errorf("decode %s: invalid key size %d", path, len(block.Bytes))
	}

	out := make([]byte, size)
	copy(out, block.Bytes)
	Wipe(block.Bytes)
	return out, nil
}

func writePEM(path, blockType string, key []byte, perm os.FileMode) error {
	encoded := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: key})
	defer Wipe(encoded)
	if err := os.WriteFile(path, encoded, perm); err != nil {
		return fmt.Errorf("write %s: %w", strings.ToLower(blockType), err)
	}
	return nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint groups a fingerprint in blocks of 4 uppercase characters.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}
	return b.String()
}
