package vault

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/crypto/ssh"

	lbcrypto "github.com/Gerharddc/litterbox/internal/crypto"
	"github.com/Gerharddc/litterbox/internal/secret"
)

// Keyring holds the decrypted keys of an unlocked vault for the lifetime
// of an agent process. Private keys live in secret buffers and are only
// handed out as independent copies.
type Keyring struct {
	vault *Vault

	mu       sync.Mutex
	password *secret.Buffer
	keys     map[string]*unlockedKey
	closed   bool
}

type unlockedKey struct {
	info     KeyInfo
	material *secret.Buffer
}

// Unlock verifies password and decrypts every stored key. A wrong password
// yields ErrWrongPassword. If the password is right but any entry cannot
// be decrypted or parsed the result is ErrCorruptStore, and no decrypted
// key survives the call.
func (v *Vault) Unlock(password []byte) (*Keyring, error) {
	f, err := v.Load()
	if err != nil {
		return nil, err
	}
	if err := verify(f, password); err != nil {
		return nil, err
	}

	kr := &Keyring{
		vault: v,
		keys:  make(map[string]*unlockedKey, len(f.Keys)),
	}

	pw := append([]byte(nil), password...)
	kr.password, err = secret.NewFromBytes(pw)
	if err != nil {
		lbcrypto.Wipe(pw)
		return nil, fmt.Errorf("failed to protect password: %w", err)
	}

	for i := range f.Keys {
		if _, err := kr.add(&f.Keys[i], password); err != nil {
			_ = kr.Close()
			return nil, err
		}
	}

	v.logger.Infof("vault unlocked, %d key(s) loaded", len(kr.keys))
	return kr, nil
}

// add decrypts rec and stores it. Caller holds mu or owns kr exclusively.
func (kr *Keyring) add(rec *KeyRecord, password []byte) (*unlockedKey, error) {
	info, err := rec.Info()
	if err != nil {
		return nil, err
	}
	plaintext, err := openKey(rec, password)
	if err != nil {
		return nil, err
	}
	buf, err := secret.NewFromBytes(plaintext)
	if err != nil {
		lbcrypto.Wipe(plaintext)
		return nil, fmt.Errorf("failed to protect key %q: %w", rec.Name, err)
	}

	if old, ok := kr.keys[rec.Name]; ok {
		_ = old.material.Close()
	}
	k := &unlockedKey{info: info, material: buf}
	kr.keys[rec.Name] = k
	return k, nil
}

// Keys lists the keys decrypted so far, sorted by name.
func (kr *Keyring) Keys() []KeyInfo {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	out := make([]KeyInfo, 0, len(kr.keys))
	for _, k := range kr.keys {
		out = append(out, k.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Material returns a fresh copy of the PEM-encoded private key of name,
// which must currently have public key pub. The caller owns the copy and
// must Close it.
//
// Keys generated after Unlock, or replaced under the same name, are
// decrypted from the current vault file with the retained password.
func (kr *Keyring) Material(name string, pub ssh.PublicKey) (*secret.Buffer, error) {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	if kr.closed {
		return nil, ErrKeyringClosed
	}

	want := string(pub.Marshal())
	if k, ok := kr.keys[name]; ok && string(k.info.PublicKey.Marshal()) == want {
		return k.material.Clone()
	}

	f, err := kr.vault.Load()
	if err != nil {
		return nil, err
	}
	rec := f.FindKey(name)
	if rec == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, name)
	}

	password := kr.password.Bytes()
	if err := verify(f, password); err != nil {
		if errors.Is(err, ErrWrongPassword) {
			return nil, fmt.Errorf("vault password changed since unlock, restart the agent: %w", err)
		}
		return nil, err
	}

	k, err := kr.add(rec, password)
	if err != nil {
		return nil, err
	}
	if string(k.info.PublicKey.Marshal()) != want {
		return nil, fmt.Errorf("%w: %q no longer has the requested public key", ErrUnknownKey, name)
	}
	kr.vault.logger.Infof("decrypted key %q added after unlock", name)
	return k.material.Clone()
}

// Close wipes the password and every decrypted key. Close is idempotent.
func (kr *Keyring) Close() error {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	if kr.closed {
		return nil
	}
	kr.closed = true

	var firstErr error
	for name, k := range kr.keys {
		if err := k.material.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(kr.keys, name)
	}
	if err := kr.password.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
