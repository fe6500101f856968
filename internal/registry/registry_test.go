package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/Gerharddc/litterbox/internal/crypto"
	"github.com/Gerharddc/litterbox/internal/vault"
)

var testPassword = []byte("pw")

func newTestRegistry(t *testing.T, keys ...string) (*Registry, *vault.Vault) {
	t.Helper()
	kdf := crypto.KDFParams{Algorithm: crypto.KDFArgon2id, MemoryKiB: 64, Time: 1, Threads: 1}
	v := vault.New(filepath.Join(t.TempDir(), "vault.toml"), vault.WithKDFParams(kdf))
	ctx := context.Background()
	if err := v.Init(ctx, testPassword); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	for _, k := range keys {
		if _, err := v.Generate(ctx, k, testPassword, vault.KeyTypeEd25519); err != nil {
			t.Fatalf("Generate(%q) failed: %v", k, err)
		}
	}
	return New(v, nil), v
}

func viewNames(t *testing.T, r *Registry, sandbox string) []string {
	t.Helper()
	view, err := r.View(sandbox)
	if err != nil {
		t.Fatalf("View(%q) failed: %v", sandbox, err)
	}
	names := make([]string, len(view))
	for i, b := range view {
		names[i] = b.Name
	}
	return names
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestAttach_ViewInAttachOrder(t *testing.T) {
	r, _ := newTestRegistry(t, "a", "b", "c")
	ctx := context.Background()

	for _, k := range []string{"c", "a"} {
		if _, err := r.Attach(ctx, k, "box", false); err != nil {
			t.Fatalf("Attach(%q) failed: %v", k, err)
		}
	}

	if got := viewNames(t, r, "box"); !equal(got, []string{"c", "a"}) {
		t.Errorf("expected [c a], got %v", got)
	}
	if got := viewNames(t, r, "other"); len(got) != 0 {
		t.Errorf("expected empty view, got %v", got)
	}
}

func TestAttach_MovesKey(t *testing.T) {
	r, _ := newTestRegistry(t, "k")
	ctx := context.Background()

	if _, err := r.Attach(ctx, "k", "one", false); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	before, err := r.View("one")
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}

	prev, err := r.Attach(ctx, "k", "two", false)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if prev != "one" {
		t.Errorf("expected previous sandbox one, got %q", prev)
	}

	if got := viewNames(t, r, "one"); len(got) != 0 {
		t.Errorf("key still visible in old sandbox: %v", got)
	}
	after, err := r.View("two")
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
	if len(after) != 1 {
		t.Fatalf("expected key in new sandbox, got %d", len(after))
	}
	if after[0].AttachmentID == before[0].AttachmentID {
		t.Error("re-attach should produce a new attachment id")
	}

	bindings, err := r.Bindings()
	if err != nil {
		t.Fatalf("Bindings failed: %v", err)
	}
	if len(bindings) != 1 {
		t.Errorf("expected exactly one binding per key, got %d", len(bindings))
	}
}

func TestAttach_Exclusive(t *testing.T) {
	r, _ := newTestRegistry(t, "k")
	ctx := context.Background()

	if _, err := r.Attach(ctx, "k", "one", true); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if _, err := r.Attach(ctx, "k", "two", true); !errors.Is(err, ErrKeyAlreadyAttached) {
		t.Fatalf("expected ErrKeyAlreadyAttached, got %v", err)
	}
	if got := viewNames(t, r, "one"); !equal(got, []string{"k"}) {
		t.Errorf("failed attach must not change bindings, got %v", got)
	}
	// Same sandbox is fine.
	if _, err := r.Attach(ctx, "k", "one", true); err != nil {
		t.Errorf("re-attach to same sandbox failed: %v", err)
	}
}

func TestAttach_SameSandboxKeepsID(t *testing.T) {
	r, _ := newTestRegistry(t, "k")
	ctx := context.Background()

	if _, err := r.Attach(ctx, "k", "box", false); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	first, _ := r.View("box")
	if _, err := r.Attach(ctx, "k", "box", false); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	second, _ := r.View("box")
	if first[0].AttachmentID != second[0].AttachmentID {
		t.Error("attaching to the same sandbox should not change the attachment")
	}
}

func TestAttach_Errors(t *testing.T) {
	r, _ := newTestRegistry(t, "k")
	ctx := context.Background()

	if _, err := r.Attach(ctx, "missing", "box", false); !errors.Is(err, vault.ErrUnknownKey) {
		t.Errorf("expected ErrUnknownKey, got %v", err)
	}
	if _, err := r.Attach(ctx, "k", "../etc", false); !errors.Is(err, vault.ErrInvalidName) {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
}

func TestDetach(t *testing.T) {
	r, v := newTestRegistry(t, "k", "unattached")
	ctx := context.Background()

	if _, err := r.Detach(ctx, "missing"); !errors.Is(err, vault.ErrUnknownKey) {
		t.Errorf("expected ErrUnknownKey, got %v", err)
	}

	prev, err := r.Detach(ctx, "unattached")
	if err != nil || prev != "" {
		t.Errorf("detaching an unattached key should be a no-op, got %q, %v", prev, err)
	}

	if _, err := r.Attach(ctx, "k", "box", false); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := v.Delete(ctx, "k"); !errors.Is(err, vault.ErrKeyAttached) {
		t.Fatalf("expected ErrKeyAttached, got %v", err)
	}

	prev, err = r.Detach(ctx, "k")
	if err != nil {
		t.Fatalf("Detach failed: %v", err)
	}
	if prev != "box" {
		t.Errorf("expected previous sandbox box, got %q", prev)
	}
	if got := viewNames(t, r, "box"); len(got) != 0 {
		t.Errorf("expected empty view, got %v", got)
	}
	if err := v.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete after detach failed: %v", err)
	}
}

func TestDetachSandbox(t *testing.T) {
	r, _ := newTestRegistry(t, "a", "b", "c")
	ctx := context.Background()

	for k, sb := range map[string]string{"a": "one", "b": "two", "c": "one"} {
		if _, err := r.Attach(ctx, k, sb, false); err != nil {
			t.Fatalf("Attach failed: %v", err)
		}
	}

	detached, err := r.DetachSandbox(ctx, "one")
	if err != nil {
		t.Fatalf("DetachSandbox failed: %v", err)
	}
	if len(detached) != 2 {
		t.Errorf("expected 2 detached keys, got %v", detached)
	}
	if got := viewNames(t, r, "one"); len(got) != 0 {
		t.Errorf("expected empty view, got %v", got)
	}
	if got := viewNames(t, r, "two"); !equal(got, []string{"b"}) {
		t.Errorf("other sandbox affected: %v", got)
	}
}

func TestView_SeesOtherWriters(t *testing.T) {
	r, v := newTestRegistry(t, "k")
	ctx := context.Background()

	// A second registry on the same file stands in for another process.
	other := New(vault.New(v.Path()), nil)
	if _, err := other.Attach(ctx, "k", "box", false); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if got := viewNames(t, r, "box"); !equal(got, []string{"k"}) {
		t.Errorf("view should reflect the file, got %v", got)
	}
}
