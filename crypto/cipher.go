package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// MaxSealedFrameSize bounds one sealed frame (header, ciphertext and tag).
	MaxSealedFrameSize = 10 * 1024 * 1024
	// SealedHeaderSize is the clear header: frame type (1) and sequence (8).
	SealedHeaderSize = 1 + 8
	// SealedOverhead is the number of bytes a sealed frame adds to its plaintext.
	SealedOverhead = SealedHeaderSize + chacha20poly1305.Overhead
	// MaxFramePlaintext is the largest plaintext that fits one sealed frame.
	MaxFramePlaintext = MaxSealedFrameSize - SealedOverhead
)

// Direction tags separate the nonce spaces of the two traffic directions.
type Direction uint32

const (
	DirectionInitiatorToResponder Direction = 1
	DirectionResponderToInitiator Direction = 2
)

var (
	// ErrDecryptionFailed covers bad tags, replayed or reordered frames and
	// malformed or oversized frames. It is terminal for the receive side.
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
	// ErrNonceExhausted means the send counter cannot advance; the session must
	// be torn down and a new handshake performed.
	ErrNonceExhausted = errors.New("crypto: nonce counter exhausted")
	// ErrPlaintextTooLarge is returned by Seal when the result would exceed
	// MaxSealedFrameSize.
	ErrPlaintextTooLarge = errors.New("crypto: plaintext exceeds frame size")
	// ErrCipherClosed is returned after Close.
	ErrCipherClosed = errors.New("crypto: session cipher closed")
)

// SessionCipher seals and opens frames with ChaCha20-Poly1305 under one session
// key. Each direction has its own counter; counters only move forward and there
// is no way to set them.
type SessionCipher struct {
	_ noCopy

	sendMu      sync.Mutex
	sendDir     Direction
	sendCounter uint64

	recvMu      sync.Mutex
	recvDir     Direction
	recvCounter uint64
	recvErr     error

	keyMu  sync.RWMutex
	key    []byte
	aead   cipher.AEAD
	closed bool
}

// NewSessionCipher builds a cipher for one side of a session. The key is copied;
// callers should Wipe their buffer afterwards. The AEAD keeps a further copy,
// see Close.
func NewSessionCipher(key []byte, initiator bool) (*SessionCipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(key), chacha20poly1305.KeySize)
	}

	owned := make([]byte, len(key))
	copy(owned, key)
	aead, err := chacha20poly1305.New(owned)
	if err != nil {
		Wipe(owned)
		return nil, fmt.Errorf("create ChaCha20-Poly1305: %w", err)
	}

	c := &SessionCipher{key: owned, aead: aead}
	if initiator {
		c.sendDir, c.recvDir = DirectionInitiatorToResponder, DirectionResponderToInitiator
	} else {
		c.sendDir, c.recvDir = DirectionResponderToInitiator, DirectionInitiatorToResponder
	}
	return c, nil
}

// Seal encrypts plaintext as the next frame of the send direction and returns
// header || ciphertext || tag. Callers must transmit frames in the order Seal
// returned them.
func (c *SessionCipher) Seal(frameType byte, plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxFramePlaintext {
		return nil, ErrPlaintextTooLarge
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.keyMu.RLock()
	defer c.keyMu.RUnlock()
	if c.closed {
		return nil, ErrCipherClosed
	}
	if c.sendCounter == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}

	seq := c.sendCounter
	out := make([]byte, SealedHeaderSize, SealedHeaderSize+len(plaintext)+chacha20poly1305.Overhead)
	out[0] = frameType
	binary.BigEndian.PutUint64(out[1:SealedHeaderSize], seq)

	nonce := frameNonce(c.sendDir, seq)
	out = c.aead.Seal(out, nonce[:], plaintext, associatedData(out[:SealedHeaderSize], c.sendDir))
	c.sendCounter++
	return out, nil
}

// Open authenticates and decrypts the next frame of the receive direction. The
// first failure poisons the receive side; nothing is returned on error.
func (c *SessionCipher) Open(frame []byte) (byte, []byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	c.keyMu.RLock()
	defer c.keyMu.RUnlock()
	if c.closed {
		return 0, nil, ErrCipherClosed
	}
	if c.recvErr != nil {
		return 0, nil, c.recvErr
	}

	fail := func(reason string) (byte, []byte, error) {
		c.recvErr = fmt.Errorf("%w: %s", ErrDecryptionFailed, reason)
		return 0, nil, c.recvErr
	}

	if len(frame) > MaxSealedFrameSize {
		return fail("frame exceeds max size")
	}
	if len(frame) < SealedOverhead {
		return fail("frame too short")
	}

	header := frame[:SealedHeaderSize]
	seq := binary.BigEndian.Uint64(header[1:])
	if seq != c.recvCounter {
		return fail(fmt.Sprintf("unexpected sequence %d, want %d", seq, c.recvCounter))
	}

	nonce := frameNonce(c.recvDir, seq)
	plaintext, err := c.aead.Open(nil, nonce[:], frame[SealedHeaderSize:], associatedData(header, c.recvDir))
	if err != nil {
		return fail("authentication tag mismatch")
	}
	c.recvCounter++
	return header[0], plaintext, nil
}

// Counters reports how many frames were sealed and opened so far.
func (c *SessionCipher) Counters() (sent, received uint64) {
	c.sendMu.Lock()
	sent = c.sendCounter
	c.sendMu.Unlock()
	c.recvMu.Lock()
	received = c.recvCounter
	c.recvMu.Unlock()
	return sent, received
}

// Close zeroes the cipher's copy of the session key and drops the AEAD.
// The AEAD holds a private copy of the key that cannot be zeroed from
// outside x/crypto; it is only released to the garbage collector. Further
// Seal and Open calls fail.
func (c *SessionCipher) Close() {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	Wipe(c.key)
	c.key = nil
	c.aead = nil
}

func frameNonce(dir Direction, seq uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint32(nonce[:4], uint32(dir))
	binary.BigEndian.PutUint64(nonce[4:], seq)
	return nonce
}

func associatedData(header []byte, dir Direction) []byte {
	ad := make([]byte, len(header)+4)
	copy(ad, header)
	binary.BigEndian.PutUint32(ad[len(header):], uint32(dir))
	return ad
}
