// Package vault stores SSH private keys encrypted under a user password.
//
// The vault is a single TOML file. Every key is sealed on its own with a
// key derived from the password and a per-entry salt; a sealed constant
// (the verifier) tells a wrong password apart from a damaged file. All
// mutations run under an exclusive flock and replace the file atomically,
// so readers never need the lock.
package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Gerharddc/litterbox/internal/crypto"
	"github.com/Gerharddc/litterbox/internal/logging"
)

const (
	// DefaultLockTimeout bounds the wait for the vault lock when the
	// caller's context carries no deadline.
	DefaultLockTimeout = 10 * time.Second

	verifierPlaintext = "litterbox-vault-verifier-v1"
	verifierAAD       = "litterbox:verifier"
)

// Vault is a handle on a vault file. It holds no secrets and is safe for
// concurrent use.
type Vault struct {
	path        string
	kdf         crypto.KDFParams
	lockTimeout time.Duration
	logger      *logging.ComponentLogger
}

// Option configures a Vault.
type Option func(*Vault)

// WithKDFParams sets the Argon2id parameters used for newly sealed blobs.
// Existing blobs keep the parameters they were sealed with.
func WithKDFParams(p crypto.KDFParams) Option {
	return func(v *Vault) { v.kdf = p }
}

// WithLockTimeout overrides DefaultLockTimeout.
func WithLockTimeout(d time.Duration) Option {
	return func(v *Vault) { v.lockTimeout = d }
}

// WithLogger sets the logger for vault mutations.
func WithLogger(l *logging.ComponentLogger) Option {
	return func(v *Vault) { v.logger = l }
}

// New returns a handle on the vault file at path. The file need not exist.
func New(path string, opts ...Option) *Vault {
	v := &Vault{
		path:        path,
		kdf:         crypto.DefaultKDFParams(),
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Path returns the vault file path.
func (v *Vault) Path() string {
	return v.path
}

// LockPath returns the path of the lock file guarding mutations.
func (v *Vault) LockPath() string {
	return filepath.Join(filepath.Dir(v.path), "vault.lock")
}

// Exists reports whether the vault file is present.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// Load reads a snapshot of the vault file without taking the lock.
func (v *Vault) Load() (*File, error) {
	return readFile(v.path)
}

// Update runs fn on the current vault contents while holding the vault
// lock and persists the result. If fn returns an error nothing is written.
func (v *Vault) Update(ctx context.Context, fn func(*File) error) error {
	lock, err := v.lock(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = lock.release() }()

	f, err := readFile(v.path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		return err
	}
	return writeFile(v.path, f)
}

func (v *Vault) lock(ctx context.Context) (*fileLock, error) {
	if err := os.MkdirAll(filepath.Dir(v.path), DirMode); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok && v.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.lockTimeout)
		defer cancel()
	}
	return acquireFileLock(ctx, v.LockPath())
}

// Init creates an empty vault protected by password.
func (v *Vault) Init(ctx context.Context, password []byte) error {
	if len(password) == 0 {
		return errors.New("vault: password must not be empty")
	}

	lock, err := v.lock(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = lock.release() }()

	if v.Exists() {
		return ErrVaultExists
	}

	verifier, err := v.seal(password, []byte(verifierPlaintext), []byte(verifierAAD))
	if err != nil {
		return err
	}

	f := &File{Version: FormatVersion, Verifier: verifier}
	if err := writeFile(v.path, f); err != nil {
		return err
	}
	v.logger.Infof("created vault at %s", v.path)
	return nil
}

// VerifyPassword checks password against the vault's verifier.
func (v *Vault) VerifyPassword(password []byte) error {
	f, err := v.Load()
	if err != nil {
		return err
	}
	return verify(f, password)
}

func verify(f *File, password []byte) error {
	plaintext, err := open(f.Verifier, password, []byte(verifierAAD))
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			return ErrWrongPassword
		}
		return err
	}
	defer crypto.Wipe(plaintext)

	if string(plaintext) != verifierPlaintext {
		return fmt.Errorf("%w: unexpected verifier content", ErrCorruptStore)
	}
	return nil
}

// seal encrypts plaintext under a fresh salt with the vault's KDF params.
func (v *Vault) seal(password, plaintext, aad []byte) (Sealed, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return Sealed{}, err
	}
	key, err := crypto.DeriveKey(password, salt, v.kdf)
	if err != nil {
		return Sealed{}, err
	}
	defer crypto.Wipe(key)

	ciphertext, nonce, err := crypto.Seal(key, plaintext, aad)
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{
		KDF:        v.kdf,
		Salt:       encodeB64(salt),
		Nonce:      encodeB64(nonce),
		Ciphertext: encodeB64(ciphertext),
	}, nil
}

// open decrypts s. Malformed metadata yields ErrCorruptStore; a failed
// authentication is returned as crypto.ErrDecryptionFailed so the caller
// can decide what it means.
func open(s Sealed, password, aad []byte) ([]byte, error) {
	if err := s.KDF.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}
	salt, err := decodeB64("salt", s.Salt)
	if err != nil {
		return nil, err
	}
	nonce, err := decodeB64("nonce", s.Nonce)
	if err != nil {
		return nil, err
	}
	ciphertext, err := decodeB64("ciphertext", s.Ciphertext)
	if err != nil {
		return nil, err
	}
	if len(salt) != crypto.SaltLength || len(nonce) != crypto.NonceLength {
		return nil, fmt.Errorf("%w: bad salt or nonce length", ErrCorruptStore)
	}

	key, err := crypto.DeriveKey(password, salt, s.KDF)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}
	defer crypto.Wipe(key)

	plaintext, err := crypto.Open(key, ciphertext, nonce, aad)
	if errors.Is(err, crypto.ErrCiphertextTooShort) {
		return nil, fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}
	return plaintext, err
}
