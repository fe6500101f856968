package vault

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Gerharddc/litterbox/internal/crypto"
)

const (
	// FormatVersion is the vault file format written by this package.
	FormatVersion = 1

	FileMode = 0o600
	DirMode  = 0o700

	MaxNameLength = 64
)

// File is the on-disk representation of the vault.
type File struct {
	Version     int          `toml:"version"`
	Verifier    Sealed       `toml:"verifier"`
	Keys        []KeyRecord  `toml:"key"`
	Attachments []Attachment `toml:"attachment"`
}

// Sealed is an AES-GCM blob together with the KDF metadata needed to
// derive its key from the password. Byte fields are base64.
type Sealed struct {
	KDF        crypto.KDFParams `toml:"kdf"`
	Salt       string           `toml:"salt"`
	Nonce      string           `toml:"nonce"`
	Ciphertext string           `toml:"ciphertext"`
}

// KeyRecord is one stored SSH key.
type KeyRecord struct {
	Name      string    `toml:"name"`
	Type      KeyType   `toml:"type"`
	PublicKey string    `toml:"public_key"`
	CreatedAt time.Time `toml:"created_at"`
	Private   Sealed    `toml:"private"`
}

// Attachment binds a key to a sandbox. ID changes on every attach.
type Attachment struct {
	Key        string    `toml:"key"`
	Sandbox    string    `toml:"sandbox"`
	ID         string    `toml:"id"`
	AttachedAt time.Time `toml:"attached_at"`
}

// FindKey returns the record named name, or nil.
func (f *File) FindKey(name string) *KeyRecord {
	for i := range f.Keys {
		if f.Keys[i].Name == name {
			return &f.Keys[i]
		}
	}
	return nil
}

// FindAttachment returns the attachment of key name, or nil.
func (f *File) FindAttachment(name string) *Attachment {
	for i := range f.Attachments {
		if f.Attachments[i].Key == name {
			return &f.Attachments[i]
		}
	}
	return nil
}

// RemoveAttachment drops the attachment of key name and reports whether
// one existed.
func (f *File) RemoveAttachment(name string) bool {
	for i := range f.Attachments {
		if f.Attachments[i].Key == name {
			f.Attachments = append(f.Attachments[:i], f.Attachments[i+1:]...)
			return true
		}
	}
	return false
}

// ValidateName checks key and sandbox names. Names end up in socket paths
// and log lines, so the alphabet is deliberately narrow.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidName)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %q is longer than %d characters", ErrInvalidName, name, MaxNameLength)
	}
	for _, r := range name {
		if !isNameChar(r) {
			return fmt.Errorf("%w: %q contains '%c'", ErrInvalidName, name, r)
		}
	}
	if name[0] == '.' || name[0] == '-' {
		return fmt.Errorf("%w: %q cannot start with '.' or '-'", ErrInvalidName, name)
	}
	return nil
}

func isNameChar(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r == '-' || r == '_' || r == '.'
}

// readFile parses the vault file at path.
func readFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrVaultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vault: %w", err)
	}

	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}
	if f.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorruptStore, f.Version)
	}
	return &f, nil
}

// writeFile atomically replaces the vault file: the new content is written
// to a temporary file in the same directory, synced, and renamed over the
// old one. A failure at any step leaves the previous file untouched.
func writeFile(path string, f *File) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(f); err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPersistence, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	tmp, err := os.CreateTemp(dir, ".vault-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(FileMode); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	committed = true

	// The rename is only durable once the directory entry is.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func encodeB64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decodeB64(field, s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not valid base64", ErrCorruptStore, field)
	}
	return b, nil
}
