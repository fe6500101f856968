package vault

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	lbcrypto "github.com/Gerharddc/litterbox/internal/crypto"
)

// KeyType is the algorithm of a stored key.
type KeyType string

const (
	KeyTypeEd25519 KeyType = "ed25519"
	KeyTypeECDSA   KeyType = "ecdsa"
	KeyTypeRSA     KeyType = "rsa"

	rsaBits = 3072
)

// ParseKeyType maps a user-supplied type name to a KeyType. The empty
// string selects ed25519.
func ParseKeyType(s string) (KeyType, error) {
	switch strings.ToLower(s) {
	case "", "ed25519":
		return KeyTypeEd25519, nil
	case "ecdsa", "ecdsa-p256":
		return KeyTypeECDSA, nil
	case "rsa":
		return KeyTypeRSA, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
	}
}

// KeyInfo describes a stored key without any secret material.
type KeyInfo struct {
	Name        string
	Type        KeyType
	PublicKey   ssh.PublicKey
	Fingerprint string
	CreatedAt   time.Time
	// Sandbox is the sandbox the key is attached to, or empty.
	Sandbox string
}

// AuthorizedKey returns the public key as an authorized_keys line with the
// key name as comment.
func (k KeyInfo) AuthorizedKey() string {
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(k.PublicKey)))
	return line + " " + k.Name
}

// Info parses the public part of a record.
func (r *KeyRecord) Info() (KeyInfo, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(r.PublicKey))
	if err != nil {
		return KeyInfo{}, fmt.Errorf("%w: key %q has an unparsable public key", ErrCorruptStore, r.Name)
	}
	return KeyInfo{
		Name:        r.Name,
		Type:        r.Type,
		PublicKey:   pub,
		Fingerprint: ssh.FingerprintSHA256(pub),
		CreatedAt:   r.CreatedAt,
	}, nil
}

// aad binds a sealed private key to its record.
func (r *KeyRecord) aad() []byte {
	return []byte("litterbox:key\x00" + r.Name + "\x00" + r.PublicKey)
}

// Generate creates a new keypair named name, seals it under password and
// persists it. The password must match the vault's verifier.
func (v *Vault) Generate(ctx context.Context, name string, password []byte, keyType KeyType) (KeyInfo, error) {
	if err := ValidateName(name); err != nil {
		return KeyInfo{}, err
	}

	pemBytes, pub, err := newKeyPair(name, keyType)
	if err != nil {
		return KeyInfo{}, err
	}
	defer lbcrypto.Wipe(pemBytes)

	record := KeyRecord{
		Name:      name,
		Type:      keyType,
		PublicKey: strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}

	err = v.Update(ctx, func(f *File) error {
		if f.FindKey(name) != nil {
			return fmt.Errorf("%w: %q", ErrKeyExists, name)
		}
		if err := verify(f, password); err != nil {
			return err
		}
		sealed, err := v.seal(password, pemBytes, record.aad())
		if err != nil {
			return err
		}
		record.Private = sealed
		f.Keys = append(f.Keys, record)
		return nil
	})
	if err != nil {
		return KeyInfo{}, err
	}

	v.logger.Infof("generated %s key %q (%s)", keyType, name, ssh.FingerprintSHA256(pub))
	return record.Info()
}

// newKeyPair returns the OpenSSH PEM encoding of a fresh private key and
// its public key.
func newKeyPair(comment string, keyType KeyType) ([]byte, ssh.PublicKey, error) {
	var priv crypto.Signer
	switch keyType {
	case KeyTypeEd25519:
		_, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
		}
		priv = k
	case KeyTypeECDSA:
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate ecdsa key: %w", err)
		}
		priv = k
	case KeyTypeRSA:
		k, err := rsa.GenerateKey(rand.Reader, rsaBits)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate rsa key: %w", err)
		}
		priv = k
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidType, keyType)
	}
	defer wipePrivateKey(priv)

	pub, err := ssh.NewPublicKey(priv.Public())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode private key: %w", err)
	}
	out := pem.EncodeToMemory(block)
	lbcrypto.Wipe(block.Bytes)
	return out, pub, nil
}

// Delete removes key name. Attached keys must be detached first.
// Deleting needs no password so that a key whose blob is damaged can
// still be removed.
func (v *Vault) Delete(ctx context.Context, name string) error {
	err := v.Update(ctx, func(f *File) error {
		idx := -1
		for i := range f.Keys {
			if f.Keys[i].Name == name {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: %q", ErrUnknownKey, name)
		}
		if a := f.FindAttachment(name); a != nil {
			return fmt.Errorf("%w: %q is attached to %q", ErrKeyAttached, name, a.Sandbox)
		}
		f.Keys = append(f.Keys[:idx], f.Keys[idx+1:]...)
		return nil
	})
	if err != nil {
		return err
	}
	v.logger.Infof("deleted key %q", name)
	return nil
}

// Key returns the public description of key name.
func (v *Vault) Key(name string) (KeyInfo, error) {
	f, err := v.Load()
	if err != nil {
		return KeyInfo{}, err
	}
	rec := f.FindKey(name)
	if rec == nil {
		return KeyInfo{}, fmt.Errorf("%w: %q", ErrUnknownKey, name)
	}
	info, err := rec.Info()
	if err != nil {
		return KeyInfo{}, err
	}
	if a := f.FindAttachment(name); a != nil {
		info.Sandbox = a.Sandbox
	}
	return info, nil
}

// List returns every stored key in creation order with its attachment.
func (v *Vault) List() ([]KeyInfo, error) {
	f, err := v.Load()
	if err != nil {
		return nil, err
	}

	keys := make([]KeyInfo, 0, len(f.Keys))
	for i := range f.Keys {
		info, err := f.Keys[i].Info()
		if err != nil {
			return nil, err
		}
		if a := f.FindAttachment(info.Name); a != nil {
			info.Sandbox = a.Sandbox
		}
		keys = append(keys, info)
	}
	return keys, nil
}

// ChangePassword re-seals every key and the verifier under newPassword.
// Nothing is written unless every entry was re-sealed.
func (v *Vault) ChangePassword(ctx context.Context, oldPassword, newPassword []byte) error {
	if len(newPassword) == 0 {
		return errors.New("vault: new password must not be empty")
	}

	err := v.Update(ctx, func(f *File) error {
		if err := verify(f, oldPassword); err != nil {
			return err
		}

		keys := make([]KeyRecord, len(f.Keys))
		for i, rec := range f.Keys {
			plaintext, err := openKey(&rec, oldPassword)
			if err != nil {
				return err
			}
			sealed, err := v.seal(newPassword, plaintext, rec.aad())
			lbcrypto.Wipe(plaintext)
			if err != nil {
				return err
			}
			rec.Private = sealed
			keys[i] = rec
		}

		verifier, err := v.seal(newPassword, []byte(verifierPlaintext), []byte(verifierAAD))
		if err != nil {
			return err
		}

		f.Keys = keys
		f.Verifier = verifier
		return nil
	})
	if err != nil {
		return err
	}
	v.logger.Infof("vault password changed")
	return nil
}

// openKey decrypts a record's private key and checks that it matches the
// recorded public key. Once the verifier has accepted the password, any
// failure here means the record itself is damaged.
func openKey(rec *KeyRecord, password []byte) ([]byte, error) {
	plaintext, err := open(rec.Private, password, rec.aad())
	if err != nil {
		if errors.Is(err, lbcrypto.ErrDecryptionFailed) {
			return nil, fmt.Errorf("%w: key %q failed authentication", ErrCorruptStore, rec.Name)
		}
		return nil, fmt.Errorf("key %q: %w", rec.Name, err)
	}

	if err := matchPublicKey(rec, plaintext); err != nil {
		lbcrypto.Wipe(plaintext)
		return nil, err
	}
	return plaintext, nil
}

func matchPublicKey(rec *KeyRecord, pemBytes []byte) error {
	raw, err := ssh.ParseRawPrivateKey(pemBytes)
	if err != nil {
		return fmt.Errorf("%w: key %q does not hold a private key", ErrCorruptStore, rec.Name)
	}
	defer wipePrivateKey(raw)

	signer, err := ssh.NewSignerFromKey(raw)
	if err != nil {
		return fmt.Errorf("%w: key %q: %v", ErrCorruptStore, rec.Name, err)
	}
	got := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
	if got != rec.PublicKey {
		return fmt.Errorf("%w: key %q does not match its public key", ErrCorruptStore, rec.Name)
	}
	return nil
}
