// Package registry records which sandbox each key is attached to.
//
// Attachments live in the vault file next to the keys they reference and
// are changed only through vault.Update, so they share its lock and its
// atomic replace. A key is attached to at most one sandbox at a time.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Gerharddc/litterbox/internal/logging"
	"github.com/Gerharddc/litterbox/internal/vault"
)

// ErrKeyAlreadyAttached is returned by an exclusive Attach when the key is
// attached to another sandbox.
var ErrKeyAlreadyAttached = errors.New("registry: key is already attached to another sandbox")

// Binding is a key visible to a sandbox.
type Binding struct {
	vault.KeyInfo
	// AttachmentID changes every time the key is attached, so holders of
	// per-attachment state can tell a re-attach from the same attachment.
	AttachmentID string
	AttachedAt   time.Time
}

// Registry manages attachments stored in a vault.
type Registry struct {
	vault  *vault.Vault
	logger *logging.ComponentLogger
}

// New returns a Registry backed by v.
func New(v *vault.Vault, logger *logging.ComponentLogger) *Registry {
	return &Registry{vault: v, logger: logger}
}

// Attach binds key name to sandbox and returns the sandbox it was attached
// to before, if any. A key attached elsewhere is moved unless exclusive is
// set, in which case ErrKeyAlreadyAttached is returned. Re-attaching to the
// same sandbox is a no-op.
func (r *Registry) Attach(ctx context.Context, name, sandbox string, exclusive bool) (string, error) {
	if err := vault.ValidateName(sandbox); err != nil {
		return "", fmt.Errorf("sandbox: %w", err)
	}

	var previous string
	err := r.vault.Update(ctx, func(f *vault.File) error {
		if f.FindKey(name) == nil {
			return fmt.Errorf("%w: %q", vault.ErrUnknownKey, name)
		}

		if a := f.FindAttachment(name); a != nil {
			if a.Sandbox == sandbox {
				previous = sandbox
				return nil
			}
			if exclusive {
				return fmt.Errorf("%w: %q is attached to %q", ErrKeyAlreadyAttached, name, a.Sandbox)
			}
			previous = a.Sandbox
			f.RemoveAttachment(name)
		}

		f.Attachments = append(f.Attachments, vault.Attachment{
			Key:        name,
			Sandbox:    sandbox,
			ID:         uuid.NewString(),
			AttachedAt: time.Now().UTC().Truncate(time.Second),
		})
		return nil
	})
	if err != nil {
		return "", err
	}

	switch previous {
	case "":
		r.logger.Infof("attached key %q to sandbox %q", name, sandbox)
	case sandbox:
	default:
		r.logger.Infof("moved key %q from sandbox %q to %q", name, previous, sandbox)
	}
	return previous, nil
}

// Detach removes the attachment of key name and returns the sandbox it was
// attached to. Detaching an unattached key is a no-op.
func (r *Registry) Detach(ctx context.Context, name string) (string, error) {
	var previous string
	err := r.vault.Update(ctx, func(f *vault.File) error {
		if f.FindKey(name) == nil {
			return fmt.Errorf("%w: %q", vault.ErrUnknownKey, name)
		}
		if a := f.FindAttachment(name); a != nil {
			previous = a.Sandbox
			f.RemoveAttachment(name)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if previous != "" {
		r.logger.Infof("detached key %q from sandbox %q", name, previous)
	}
	return previous, nil
}

// DetachSandbox removes every attachment of sandbox and returns the names
// of the keys that were detached.
func (r *Registry) DetachSandbox(ctx context.Context, sandbox string) ([]string, error) {
	var detached []string
	err := r.vault.Update(ctx, func(f *vault.File) error {
		kept := f.Attachments[:0]
		for _, a := range f.Attachments {
			if a.Sandbox == sandbox {
				detached = append(detached, a.Key)
				continue
			}
			kept = append(kept, a)
		}
		f.Attachments = kept
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(detached) > 0 {
		r.logger.Infof("detached %d key(s) from sandbox %q", len(detached), sandbox)
	}
	return detached, nil
}

// View returns the keys attached to sandbox in attachment order. It reads
// the vault file on every call.
func (r *Registry) View(sandbox string) ([]Binding, error) {
	f, err := r.vault.Load()
	if err != nil {
		return nil, err
	}

	var out []Binding
	for _, a := range f.Attachments {
		if a.Sandbox != sandbox {
			continue
		}
		rec := f.FindKey(a.Key)
		if rec == nil {
			// Dangling attachment from a hand-edited file.
			continue
		}
		info, err := rec.Info()
		if err != nil {
			return nil, err
		}
		info.Sandbox = a.Sandbox
		out = append(out, Binding{KeyInfo: info, AttachmentID: a.ID, AttachedAt: a.AttachedAt})
	}
	return out, nil
}

// Bindings returns every attachment in attachment order.
func (r *Registry) Bindings() ([]vault.Attachment, error) {
	f, err := r.vault.Load()
	if err != nil {
		return nil, err
	}
	return f.Attachments, nil
}
