package vault

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/Gerharddc/litterbox/internal/crypto"
)

var testKDF = crypto.KDFParams{Algorithm: crypto.KDFArgon2id, MemoryKiB: 64, Time: 1, Threads: 1}

var testPassword = []byte("correct horse battery staple")

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v := New(filepath.Join(t.TempDir(), "vault.toml"), WithKDFParams(testKDF), WithLockTimeout(time.Second))
	if err := v.Init(context.Background(), testPassword); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return v
}

func generate(t *testing.T, v *Vault, name string) KeyInfo {
	t.Helper()
	info, err := v.Generate(context.Background(), name, testPassword, KeyTypeEd25519)
	if err != nil {
		t.Fatalf("Generate(%q) failed: %v", name, err)
	}
	return info
}

func TestInit(t *testing.T) {
	v := newTestVault(t)

	if !v.Exists() {
		t.Fatal("vault file should exist after Init")
	}

	st, err := os.Stat(v.Path())
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if st.Mode().Perm() != FileMode {
		t.Errorf("expected mode %o, got %o", FileMode, st.Mode().Perm())
	}

	if err := v.Init(context.Background(), testPassword); !errors.Is(err, ErrVaultExists) {
		t.Errorf("second Init: expected ErrVaultExists, got %v", err)
	}
}

func TestLoad_NotFound(t *testing.T) {
	v := New(filepath.Join(t.TempDir(), "missing.toml"))
	if _, err := v.Load(); !errors.Is(err, ErrVaultNotFound) {
		t.Errorf("expected ErrVaultNotFound, got %v", err)
	}
	if _, err := v.Unlock(testPassword); !errors.Is(err, ErrVaultNotFound) {
		t.Errorf("Unlock: expected ErrVaultNotFound, got %v", err)
	}
}

func TestLoad_GarbageIsCorrupt(t *testing.T) {
	v := newTestVault(t)
	if err := os.WriteFile(v.Path(), []byte("this is = = not toml"), FileMode); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := v.Load(); !errors.Is(err, ErrCorruptStore) {
		t.Errorf("expected ErrCorruptStore, got %v", err)
	}
}

func TestGenerate(t *testing.T) {
	v := newTestVault(t)

	info := generate(t, v, "github")
	if info.Type != KeyTypeEd25519 {
		t.Errorf("expected ed25519, got %s", info.Type)
	}
	if !strings.HasPrefix(info.Fingerprint, "SHA256:") {
		t.Errorf("unexpected fingerprint %q", info.Fingerprint)
	}
	if !strings.HasSuffix(info.AuthorizedKey(), " github") {
		t.Errorf("authorized key should carry the name, got %q", info.AuthorizedKey())
	}

	data, err := os.ReadFile(v.Path())
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if strings.Contains(string(data), "PRIVATE KEY") {
		t.Error("vault file contains plaintext private key")
	}

	keys, err := v.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 1 || keys[0].Name != "github" {
		t.Fatalf("unexpected keys: %+v", keys)
	}
}

func TestGenerate_Errors(t *testing.T) {
	v := newTestVault(t)
	generate(t, v, "github")
	ctx := context.Background()

	if _, err := v.Generate(ctx, "github", testPassword, KeyTypeEd25519); !errors.Is(err, ErrKeyExists) {
		t.Errorf("duplicate: expected ErrKeyExists, got %v", err)
	}
	if _, err := v.Generate(ctx, "other", []byte("wrong"), KeyTypeEd25519); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("wrong password: expected ErrWrongPassword, got %v", err)
	}
	for _, name := range []string{"", "-x", ".hidden", "a/b", "sp ace", strings.Repeat("a", MaxNameLength+1)} {
		if _, err := v.Generate(ctx, name, testPassword, KeyTypeEd25519); !errors.Is(err, ErrInvalidName) {
			t.Errorf("name %q: expected ErrInvalidName, got %v", name, err)
		}
	}
	if _, err := v.Generate(ctx, "dsa", testPassword, KeyType("dsa")); !errors.Is(err, ErrInvalidType) {
		t.Errorf("bad type: expected ErrInvalidType, got %v", err)
	}

	keys, err := v.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("failed generates must not persist anything, got %d keys", len(keys))
	}
}

func TestParseKeyType(t *testing.T) {
	tests := []struct {
		in      string
		want    KeyType
		wantErr bool
	}{
		{"", KeyTypeEd25519, false},
		{"ED25519", KeyTypeEd25519, false},
		{"ecdsa", KeyTypeECDSA, false},
		{"rsa", KeyTypeRSA, false},
		{"dsa", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKeyType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseKeyType(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseKeyType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestUnlock(t *testing.T) {
	v := newTestVault(t)
	gh := generate(t, v, "github")
	generate(t, v, "gitlab")

	if _, err := v.Unlock([]byte("wrong")); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("expected ErrWrongPassword, got %v", err)
	}

	kr, err := v.Unlock(testPassword)
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	defer func() { _ = kr.Close() }()

	keys := kr.Keys()
	if len(keys) != 2 || keys[0].Name != "github" || keys[1].Name != "gitlab" {
		t.Fatalf("unexpected keys: %+v", keys)
	}

	material, err := kr.Material("github", gh.PublicKey)
	if err != nil {
		t.Fatalf("Material failed: %v", err)
	}
	defer func() { _ = material.Close() }()

	data := []byte("session id and userauth request")
	sig, err := Sign(material.Bytes(), data, "")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if err := gh.PublicKey.Verify(data, sig); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestUnlock_CorruptEntry(t *testing.T) {
	v := newTestVault(t)
	generate(t, v, "github")

	err := v.Update(context.Background(), func(f *File) error {
		ct := []byte(f.Keys[0].Private.Ciphertext)
		if ct[0] == 'A' {
			ct[0] = 'B'
		} else {
			ct[0] = 'A'
		}
		f.Keys[0].Private.Ciphertext = string(ct)
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, err := v.Unlock(testPassword); !errors.Is(err, ErrCorruptStore) {
		t.Errorf("expected ErrCorruptStore, got %v", err)
	}
	// The verifier still distinguishes a wrong password.
	if _, err := v.Unlock([]byte("wrong")); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("expected ErrWrongPassword, got %v", err)
	}
}

func TestUnlock_SwappedBlobs(t *testing.T) {
	v := newTestVault(t)
	generate(t, v, "a")
	generate(t, v, "b")

	err := v.Update(context.Background(), func(f *File) error {
		f.Keys[0].Private, f.Keys[1].Private = f.Keys[1].Private, f.Keys[0].Private
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, err := v.Unlock(testPassword); !errors.Is(err, ErrCorruptStore) {
		t.Errorf("expected ErrCorruptStore, got %v", err)
	}
}

func TestUnlock_MalformedMetadata(t *testing.T) {
	v := newTestVault(t)
	generate(t, v, "github")

	err := v.Update(context.Background(), func(f *File) error {
		f.Keys[0].Private.Salt = "!!not base64!!"
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, err := v.Unlock(testPassword); !errors.Is(err, ErrCorruptStore) {
		t.Errorf("expected ErrCorruptStore, got %v", err)
	}
}

func TestKeyring_MaterialAfterUnlock(t *testing.T) {
	v := newTestVault(t)

	kr, err := v.Unlock(testPassword)
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	defer func() { _ = kr.Close() }()

	late := generate(t, v, "late")

	material, err := kr.Material("late", late.PublicKey)
	if err != nil {
		t.Fatalf("Material for late key failed: %v", err)
	}
	_ = material.Close()

	if _, err := kr.Material("missing", late.PublicKey); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("expected ErrUnknownKey, got %v", err)
	}
}

func TestKeyring_MaterialCopiesAreIndependent(t *testing.T) {
	v := newTestVault(t)
	gh := generate(t, v, "github")

	kr, err := v.Unlock(testPassword)
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	defer func() { _ = kr.Close() }()

	first, err := kr.Material("github", gh.PublicKey)
	if err != nil {
		t.Fatalf("Material failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second, err := kr.Material("github", gh.PublicKey)
	if err != nil {
		t.Fatalf("Material after closing a copy failed: %v", err)
	}
	defer func() { _ = second.Close() }()

	if _, err := Sign(second.Bytes(), []byte("x"), ""); err != nil {
		t.Errorf("Sign with second copy failed: %v", err)
	}
}

func TestKeyring_Close(t *testing.T) {
	v := newTestVault(t)
	gh := generate(t, v, "github")

	kr, err := v.Unlock(testPassword)
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := kr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := kr.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if _, err := kr.Material("github", gh.PublicKey); !errors.Is(err, ErrKeyringClosed) {
		t.Errorf("expected ErrKeyringClosed, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	v := newTestVault(t)
	gh := generate(t, v, "github")
	ctx := context.Background()
	newPassword := []byte("new password")

	if err := v.ChangePassword(ctx, []byte("wrong"), newPassword); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("expected ErrWrongPassword, got %v", err)
	}
	if err := v.ChangePassword(ctx, testPassword, newPassword); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}

	if _, err := v.Unlock(testPassword); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("old password: expected ErrWrongPassword, got %v", err)
	}

	kr, err := v.Unlock(newPassword)
	if err != nil {
		t.Fatalf("Unlock with new password failed: %v", err)
	}
	defer func() { _ = kr.Close() }()

	material, err := kr.Material("github", gh.PublicKey)
	if err != nil {
		t.Fatalf("Material failed: %v", err)
	}
	defer func() { _ = material.Close() }()
	sig, err := Sign(material.Bytes(), []byte("data"), "")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if err := gh.PublicKey.Verify([]byte("data"), sig); err != nil {
		t.Errorf("key changed across password change: %v", err)
	}
}

func TestChangePassword_CorruptEntryAborts(t *testing.T) {
	v := newTestVault(t)
	generate(t, v, "github")
	ctx := context.Background()

	err := v.Update(ctx, func(f *File) error {
		f.Keys[0].Private.Nonce = f.Verifier.Nonce
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if err := v.ChangePassword(ctx, testPassword, []byte("new")); !errors.Is(err, ErrCorruptStore) {
		t.Fatalf("expected ErrCorruptStore, got %v", err)
	}
	if err := v.VerifyPassword(testPassword); err != nil {
		t.Errorf("old password should still work after aborted change: %v", err)
	}
}

func TestDelete(t *testing.T) {
	v := newTestVault(t)
	generate(t, v, "github")
	generate(t, v, "gitlab")
	ctx := context.Background()

	if err := v.Delete(ctx, "missing"); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("expected ErrUnknownKey, got %v", err)
	}

	err := v.Update(ctx, func(f *File) error {
		f.Attachments = append(f.Attachments, Attachment{Key: "gitlab", Sandbox: "box", ID: "x"})
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := v.Delete(ctx, "gitlab"); !errors.Is(err, ErrKeyAttached) {
		t.Errorf("expected ErrKeyAttached, got %v", err)
	}

	if err := v.Delete(ctx, "github"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := v.Key("github"); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("deleted key still present: %v", err)
	}

	info, err := v.Key("gitlab")
	if err != nil {
		t.Fatalf("Key failed: %v", err)
	}
	if info.Sandbox != "box" {
		t.Errorf("expected sandbox box, got %q", info.Sandbox)
	}
}

func TestSign_KeyTypes(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		keyType   KeyType
		algorithm string
		wantFmt   string
	}{
		{"ed", KeyTypeEd25519, "", ssh.KeyAlgoED25519},
		{"ec", KeyTypeECDSA, "", ssh.KeyAlgoECDSA256},
		{"rsa256", KeyTypeRSA, ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSASHA256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := v.Generate(ctx, tt.name, testPassword, tt.keyType)
			if err != nil {
				t.Fatalf("Generate failed: %v", err)
			}
			kr, err := v.Unlock(testPassword)
			if err != nil {
				t.Fatalf("Unlock failed: %v", err)
			}
			defer func() { _ = kr.Close() }()

			material, err := kr.Material(tt.name, info.PublicKey)
			if err != nil {
				t.Fatalf("Material failed: %v", err)
			}
			defer func() { _ = material.Close() }()

			sig, err := Sign(material.Bytes(), []byte("payload"), tt.algorithm)
			if err != nil {
				t.Fatalf("Sign failed: %v", err)
			}
			if sig.Format != tt.wantFmt {
				t.Errorf("expected format %s, got %s", tt.wantFmt, sig.Format)
			}
			if err := info.PublicKey.Verify([]byte("payload"), sig); err != nil {
				t.Errorf("verify failed: %v", err)
			}
		})
	}
}

func TestUpdate_LockTimeout(t *testing.T) {
	v := newTestVault(t)

	held, err := acquireFileLock(context.Background(), v.LockPath())
	if err != nil {
		t.Fatalf("acquireFileLock failed: %v", err)
	}
	defer func() { _ = held.release() }()

	// flock locks belong to the open file description, so a second
	// open in the same process contends like another process would.
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err = v.Update(ctx, func(*File) error { return nil })
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "pid") {
		t.Errorf("timeout error should report the holder: %v", err)
	}
}

func TestUpdate_ErrorWritesNothing(t *testing.T) {
	v := newTestVault(t)
	before, err := os.ReadFile(v.Path())
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	boom := errors.New("boom")
	err = v.Update(context.Background(), func(f *File) error {
		f.Keys = append(f.Keys, KeyRecord{Name: "half"})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	after, err := os.ReadFile(v.Path())
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(before) != string(after) {
		t.Error("vault file changed after failed update")
	}

	entries, err := os.ReadDir(filepath.Dir(v.Path()))
	if err != nil {
		t.Fatalf("readdir failed: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temporary file left behind: %s", e.Name())
		}
	}
}

func TestValidateName(t *testing.T) {
	for _, ok := range []string{"github", "work.key", "a_b-c", "X1"} {
		if err := ValidateName(ok); err != nil {
			t.Errorf("ValidateName(%q) = %v", ok, err)
		}
	}
}
