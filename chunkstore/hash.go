package chunkstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashSize is the length of a chunk identifier.
const HashSize = sha256.Size

// Hash identifies a chunk by the SHA-256 of its bytes.
type Hash [HashSize]byte

// Sum hashes data into a chunk identifier.
func Sum(data []byte) Hash {
	return sha256.Sum256(data)
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash decodes a hex chunk identifier.
func ParseHash(s string) (Hash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("decode chunk hash: %w", err)
	}
	return HashFromBytes(raw)
}

// HashFromBytes copies a raw 32-byte identifier.
func HashFromBytes(raw []byte) (Hash, error) {
	var h Hash
	if len(raw) != HashSize {
		return h, fmt.Errorf("chunk hash must be %d bytes, got %d", HashSize, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// MarshalText encodes the hash as lowercase hex.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes a hex hash.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
