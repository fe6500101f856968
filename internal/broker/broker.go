// Package broker runs one SSH agent per sandbox.
//
// A Session ties together the agent socket of one sandbox, the approval
// engine that guards it and the key material it has taken from the
// unlocked keyring. Which keys a session exposes is read from the
// attachment registry on every request, so attach and detach take effect
// without restarting the agent.
package broker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Gerharddc/litterbox/internal/approval"
	"github.com/Gerharddc/litterbox/internal/logging"
	"github.com/Gerharddc/litterbox/internal/registry"
	"github.com/Gerharddc/litterbox/internal/vault"
)

var (
	ErrSessionExists = errors.New("broker: sandbox already has an agent")
	ErrNoSession     = errors.New("broker: sandbox has no agent")
	ErrClosed        = errors.New("broker: closed")
)

// Options configures a Broker. Registry, Keyring and SocketDir are
// required.
type Options struct {
	Registry *registry.Registry
	Keyring  *vault.Keyring
	// Prompter asks the human. Nil denies everything not already approved.
	Prompter approval.Prompter
	Policy   approval.Policy
	// PolicyFor, when set, chooses the policy per sandbox instead of Policy.
	PolicyFor func(sandbox string) approval.Policy
	SocketDir string
	Logger    *logging.ComponentLogger
}

// Broker owns the sessions of one agent process.
type Broker struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// New validates opts and returns a Broker with no sessions.
func New(opts Options) (*Broker, error) {
	if opts.Registry == nil {
		return nil, errors.New("broker: registry is required")
	}
	if opts.Keyring == nil {
		return nil, errors.New("broker: keyring is required")
	}
	if opts.SocketDir == "" {
		return nil, errors.New("broker: socket directory is required")
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	return &Broker{opts: opts, sessions: make(map[string]*Session)}, nil
}

// SocketPath returns the agent socket of sandbox.
func (b *Broker) SocketPath(sandbox string) string {
	return filepath.Join(b.opts.SocketDir, sandbox+".sock")
}

// Start binds the agent socket of sandbox and serves it in the
// background.
func (b *Broker) Start(ctx context.Context, sandbox string) (*Session, error) {
	if err := vault.ValidateName(sandbox); err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if _, ok := b.sessions[sandbox]; ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionExists, sandbox)
	}

	policy := b.opts.Policy
	if b.opts.PolicyFor != nil {
		policy = b.opts.PolicyFor(sandbox)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("sandbox %q: %w", sandbox, err)
	}

	s := newSession(b, sandbox, policy)
	if err := s.server.Listen(); err != nil {
		s.engine.Close()
		return nil, fmt.Errorf("sandbox %q: %w", sandbox, err)
	}
	go s.serve()

	b.sessions[sandbox] = s
	b.opts.Logger.Infof("agent for sandbox %q listening on %s", sandbox, s.server.SocketPath())
	return s, nil
}

// Session returns the running session of sandbox.
func (b *Broker) Session(sandbox string) (*Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sandbox]
	return s, ok
}

// Sandboxes lists the sandboxes with a running agent, sorted.
func (b *Broker) Sandboxes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.sessions))
	for name := range b.sessions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Stop tears down the session of sandbox.
func (b *Broker) Stop(sandbox string) error {
	b.mu.Lock()
	s, ok := b.sessions[sandbox]
	delete(b.sessions, sandbox)
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrNoSession, sandbox)
	}
	s.close()
	b.opts.Logger.Infof("agent for sandbox %q stopped", sandbox)
	return nil
}

// Run starts an agent for every sandbox and serves until ctx is done or
// an agent fails. Failing to bind any socket is fatal and stops the ones
// already started.
func (b *Broker) Run(ctx context.Context, sandboxes []string) error {
	started := make([]*Session, 0, len(sandboxes))
	for _, sandbox := range sandboxes {
		s, err := b.Start(ctx, sandbox)
		if err != nil {
			_ = b.Close()
			return err
		}
		started = append(started, s)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range started {
		s := s
		g.Go(func() error {
			select {
			case <-s.Done():
				return s.Err()
			case <-gctx.Done():
				return nil
			}
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return b.Close()
	})
	return g.Wait()
}

// Close stops every session. Close is idempotent.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sessions := b.sessions
	b.sessions = make(map[string]*Session)
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.close()
		}()
	}
	wg.Wait()
	if len(sessions) > 0 {
		b.opts.Logger.Infof("stopped %d agent(s)", len(sessions))
	}
	return nil
}
