// Package manifest builds and verifies signed file manifests: the ordered list
// of chunk hashes that describes a file, bound to its name and size.
package manifest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"openshare/chunkstore"
	"openshare/crypto"
)

const (
	// Version is the manifest format version.
	Version = 1
	// DefaultChunkSize is used when no chunk size is configured.
	DefaultChunkSize = 256 * 1024
	// MaxChunkSize bounds the chunk size a manifest may declare.
	MaxChunkSize = chunkstore.MaxChunkSize

	hashLabel       = "openshare/manifest/v1"
	signatureDomain = "openshare/manifest-signature/v1"
	maxFileNameLen  = 255
)

// ErrManifestInvalid wraps every manifest verification failure.
var ErrManifestInvalid = errors.New("manifest: invalid manifest")

// Manifest describes a file as an ordered list of chunk hashes. ManifestHash
// covers every other descriptive field; Signature covers ManifestHash.
type Manifest struct {
	Version         int               `json:"version"`
	FileName        string            `json:"file_name"`
	FileSize        int64             `json:"file_size"`
	ChunkSize       int               `json:"chunk_size"`
	ChunkHashes     []chunkstore.Hash `json:"chunk_hashes"`
	ManifestHash    chunkstore.Hash   `json:"manifest_hash"`
	Signature       []byte            `json:"signature"`
	SignerPublicKey ed25519.PublicKey `json:"signer_public_key"`
}

// ChunkCount returns the number of chunks.
func (m *Manifest) ChunkCount() int {
	return len(m.ChunkHashes)
}

// ChunkLength returns the byte length of chunk index.
func (m *Manifest) ChunkLength(index int) int {
	if index < 0 || index >= len(m.ChunkHashes) {
		return 0
	}
	if index < len(m.ChunkHashes)-1 {
		return m.ChunkSize
	}
	return int(m.FileSize - int64(index)*int64(m.ChunkSize))
}

// ComputeHash hashes the descriptive fields in a fixed binary layout.
func (m *Manifest) ComputeHash() chunkstore.Hash {
	h := sha256.New()
	h.Write([]byte(hashLabel))

	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], uint32(m.Version))
	h.Write(buf[:4])
	binary.BigEndian.PutUint32(buf[:4], uint32(len(m.FileName)))
	h.Write(buf[:4])
	h.Write([]byte(m.FileName))
	binary.BigEndian.PutUint64(buf[:], uint64(m.FileSize))
	h.Write(buf[:])
	binary.BigEndian.PutUint32(buf[:4], uint32(m.ChunkSize))
	h.Write(buf[:4])
	binary.BigEndian.PutUint32(buf[:4], uint32(len(m.ChunkHashes)))
	h.Write(buf[:4])
	for _, chunk := range m.ChunkHashes {
		h.Write(chunk[:])
	}

	var sum chunkstore.Hash
	copy(sum[:], h.Sum(nil))
	return sum
}

func (m *Manifest) sign(identity *crypto.Identity) error {
	m.ManifestHash = m.ComputeHash()
	signature, err := identity.SignDomain(signatureDomain, m.ManifestHash[:])
	if err != nil {
		return fmt.Errorf("sign manifest: %w", err)
	}
	m.Signature = signature
	m.SignerPublicKey = append(ed25519.PublicKey(nil), identity.PublicKey...)
	return nil
}

// Verify checks the manifest structure, recomputes its hash, verifies the
// signature over that hash and, when expectedSigner is set, requires the
// signer to be that key. Every failure wraps ErrManifestInvalid.
func Verify(m *Manifest, expectedSigner ed25519.PublicKey) error {
	if m == nil {
		return fmt.Errorf("%w: missing manifest", ErrManifestInvalid)
	}
	if m.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrManifestInvalid, m.Version)
	}
	if err := ValidateFileName(m.FileName); err != nil {
		return fmt.Errorf("%w: %w", ErrManifestInvalid, err)
	}
	if m.ChunkSize <= 0 || m.ChunkSize > MaxChunkSize {
		return fmt.Errorf("%w: chunk size %d out of range", ErrManifestInvalid, m.ChunkSize)
	}
	if m.FileSize < 0 {
		return fmt.Errorf("%w: negative file size", ErrManifestInvalid)
	}
	if want := expectedChunkCount(m.FileSize, m.ChunkSize); int64(len(m.ChunkHashes)) != want {
		return fmt.Errorf("%w: %d chunk hashes for %d bytes, want %d", ErrManifestInvalid, len(m.ChunkHashes), m.FileSize, want)
	}

	computed := m.ComputeHash()
	if computed != m.ManifestHash {
		return fmt.Errorf("%w: manifest hash mismatch", ErrManifestInvalid)
	}
	if len(m.SignerPublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: invalid signer key", ErrManifestInvalid)
	}
	if !crypto.VerifyDomain(m.SignerPublicKey, signatureDomain, computed[:], m.Signature) {
		return fmt.Errorf("%w: bad signature", ErrManifestInvalid)
	}
	if len(expectedSigner) > 0 && !bytes.Equal(expectedSigner, m.SignerPublicKey) {
		return fmt.Errorf("%w: signed by %s, expected %s", ErrManifestInvalid,
			crypto.KeyFingerprint(m.SignerPublicKey), crypto.KeyFingerprint(expectedSigner))
	}
	return nil
}

// ValidateFileName accepts plain base names only.
func ValidateFileName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid file name %q", name)
	case len(name) > maxFileNameLen:
		return errors.New("file name too long")
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("file name %q must not contain path separators", name)
	}
	return nil
}

func expectedChunkCount(size int64, chunkSize int) int64 {
	if size == 0 {
		return 0
	}
	return (size + int64(chunkSize) - 1) / int64(chunkSize)
}

// WriteFile stores the manifest as indented JSON.
func WriteFile(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create manifest directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadFile loads a manifest. It does not verify it.
func ReadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Decode(data)
}

// Decode parses a JSON manifest, rejecting unknown fields.
func Decode(data []byte) (*Manifest, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	var m Manifest
	if err := decoder.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestInvalid, err)
	}
	return &m, nil
}

// PathFor returns where a manifest is kept inside dir.
func PathFor(dir string, m *Manifest) string {
	return filepath.Join(dir, m.ManifestHash.String()+".manifest.json")
}
