// Package sealing converts plaintext reward totals into opaque sealed values
// and back. The sealed form is what crosses the ledger boundary; the plaintext
// exists only in the instant between computation and sealing.
//
// Sealer is an interface so the shipped AEAD envelope can be swapped for a
// real homomorphic scheme without touching the coordinator or the store.
package sealing

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MaxReward is the largest value a Sealer accepts, matching the contract's
// uint32 reward field.
const MaxReward = math.MaxUint32

var (
	// ErrDecode is returned when Unseal is given bytes this codec did not
	// produce. Decode failure is never reported as a zero reward.
	ErrDecode = errors.New("sealing: malformed sealed value")

	// ErrOutOfRange is returned when Seal is given a value above MaxReward.
	ErrOutOfRange = errors.New("sealing: value exceeds reward bound")
)

// SealedValue is an opaque sealed reward. It carries no plaintext.
type SealedValue []byte

// Sealer seals reward totals and unseals values it previously sealed.
type Sealer interface {
	// Seal encodes value into an opaque sealed form. For any v within
	// MaxReward, Unseal(Seal(v)) == v.
	Seal(value uint64) (SealedValue, error)

	// Unseal recovers the plaintext from a sealed value produced by this
	// codec. Malformed input fails with ErrDecode.
	Unseal(sv SealedValue) (uint64, error)
}

// Envelope sizes for the AEAD sealer. The plaintext is encoded at a fixed
// width before sealing, so every sealed value has the same length regardless
// of the reward's magnitude.
const (
	plaintextSize = 8
	sealedSize    = chacha20poly1305.NonceSizeX + plaintextSize + chacha20poly1305.Overhead
)

// AEADSealer seals values with XChaCha20-Poly1305 under a key derived from a
// shared secret. It stands in for the homomorphic scheme the ledger side
// would use; the interface is the contract, not the cipher.
type AEADSealer struct {
	aead cipher.AEAD
}

var _ Sealer = (*AEADSealer)(nil)

// NewAEADSealer derives a sealing key from secret via HKDF-SHA256 and returns
// a ready codec. The secret may be any non-empty byte string.
func NewAEADSealer(secret []byte) (*AEADSealer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("sealing: empty secret")
	}
	kdf := hkdf.New(sha256.New, secret, nil, []byte("quest/sealed-reward/v1"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("sealing: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("sealing: init cipher: %w", err)
	}
	return &AEADSealer{aead: aead}, nil
}

// Seal encrypts value under a fresh random nonce. Output layout is
// nonce || ciphertext, always sealedSize bytes.
func (s *AEADSealer) Seal(value uint64) (SealedValue, error) {
	if value > MaxReward {
		return nil, fmt.Errorf("%w: %d", ErrOutOfRange, value)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX, sealedSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("sealing: nonce: %w", err)
	}

	plaintext := make([]byte, plaintextSize)
	binary.BigEndian.PutUint64(plaintext, value)

	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Unseal decrypts a sealed value. Any tampering, truncation, or foreign input
// fails with ErrDecode; it never falls back to zero.
func (s *AEADSealer) Unseal(sv SealedValue) (uint64, error) {
	if len(sv) != sealedSize {
		return 0, fmt.Errorf("%w: length %d", ErrDecode, len(sv))
	}
	nonce := sv[:chacha20poly1305.NonceSizeX]
	plaintext, err := s.aead.Open(nil, nonce, sv[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return binary.BigEndian.Uint64(plaintext), nil
}
