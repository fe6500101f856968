// Package crypto provides the primitives used to seal private keys at rest.
//
// Keys are derived from a password with Argon2id and every blob is sealed
// with AES-256-GCM. Associated data binds a sealed blob to the record that
// owns it, so a ciphertext moved to another record fails authentication.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/argon2"
)

const (
	// KDFArgon2id is the only supported key-derivation algorithm.
	KDFArgon2id = "argon2id"

	// KeyLength is the length of derived keys in bytes (AES-256).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes.
	NonceLength = 12

	// SaltLength is the length of KDF salts in bytes.
	SaltLength = 16

	// Bounds accepted when KDF parameters are read back from disk.
	MinMemoryKiB  = 8
	MaxMemoryKiB  = 4 * 1024 * 1024
	MaxIterations = 64
	MaxThreads    = 64
)

var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrInvalidNonceLength indicates the nonce is not 12 bytes.
	ErrInvalidNonceLength = errors.New("crypto: invalid nonce length, must be 12 bytes")

	// ErrDecryptionFailed indicates authentication tag verification failed.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")

	// ErrCiphertextTooShort indicates the ciphertext is shorter than the GCM tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

	// ErrInvalidParams indicates KDF parameters outside the accepted bounds.
	ErrInvalidParams = errors.New("crypto: invalid key derivation parameters")
)

// KDFParams are the Argon2id cost parameters stored next to every sealed blob.
type KDFParams struct {
	Algorithm string `toml:"algorithm"`
	MemoryKiB uint32 `toml:"memory_kib"`
	Time      uint32 `toml:"time"`
	Threads   uint8  `toml:"threads"`
}

// DefaultKDFParams follows the OWASP recommendation for Argon2id:
// 64 MiB of memory, 3 iterations, 4 lanes.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Algorithm: KDFArgon2id,
		MemoryKiB: 64 * 1024,
		Time:      3,
		Threads:   4,
	}
}

// Validate checks that the parameters name a supported algorithm and that
// the costs are within bounds.
func (p KDFParams) Validate() error {
	if p.Algorithm != KDFArgon2id {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidParams, p.Algorithm)
	}
	if p.MemoryKiB < MinMemoryKiB || p.MemoryKiB > MaxMemoryKiB {
		return fmt.Errorf("%w: memory %d KiB out of range", ErrInvalidParams, p.MemoryKiB)
	}
	if p.Time == 0 || p.Time > MaxIterations {
		return fmt.Errorf("%w: time %d out of range", ErrInvalidParams, p.Time)
	}
	if p.Threads == 0 || p.Threads > MaxThreads {
		return fmt.Errorf("%w: threads %d out of range", ErrInvalidParams, p.Threads)
	}
	return nil
}

// DeriveKey derives a 256-bit key from password and salt.
func DeriveKey(password, salt []byte, params KDFParams) ([]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(salt) != SaltLength {
		return nil, fmt.Errorf("%w: salt must be %d bytes", ErrInvalidParams, SaltLength)
	}
	return argon2.IDKey(password, salt, params.Time, params.MemoryKiB, params.Threads, KeyLength), nil
}

// NewSalt returns a fresh random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate salt: %w", err)
	}
	return salt, nil
}

// Seal encrypts plaintext with AES-256-GCM under key and a fresh random
// nonce. aad is authenticated but not encrypted.
func Seal(key, plaintext, aad []byte) (ciphertext []byte, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	return gcm.Seal(nil, nonce, plaintext, aad), nonce, nil
}

// Open authenticates and decrypts ciphertext. A wrong key, a modified
// ciphertext or mismatching aad all yield ErrDecryptionFailed and no
// plaintext.
func Open(key, ciphertext, nonce, aad []byte) ([]byte, error) {
	if len(nonce) != NonceLength {
		return nil, ErrInvalidNonceLength
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// Keeps the stores above from being treated as dead writes.
	runtime.KeepAlive(b)
}
