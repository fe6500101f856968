package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/Gerharddc/litterbox/internal/agent"
	"github.com/Gerharddc/litterbox/internal/approval"
	lbcrypto "github.com/Gerharddc/litterbox/internal/crypto"
	"github.com/Gerharddc/litterbox/internal/logging"
	"github.com/Gerharddc/litterbox/internal/registry"
	"github.com/Gerharddc/litterbox/internal/secret"
	"github.com/Gerharddc/litterbox/internal/vault"
)

// Session is the agent of one sandbox. It implements agent.Backend.
type Session struct {
	sandbox  string
	registry *registry.Registry
	keyring  *vault.Keyring
	engine   *approval.Engine
	server   *agent.Server
	logger   *logging.ComponentLogger

	// mu guards material and is held while a copy is used to sign.
	mu       sync.Mutex
	material map[string]*secret.Buffer
	closed   bool

	done     chan struct{}
	serveErr error
	once     sync.Once
}

func newSession(b *Broker, sandbox string, policy approval.Policy) *Session {
	logger := b.opts.Logger.With("sandbox", sandbox)
	s := &Session{
		sandbox:  sandbox,
		registry: b.opts.Registry,
		keyring:  b.opts.Keyring,
		engine:   approval.NewEngine(sandbox, b.opts.Prompter, policy, logger),
		logger:   logger,
		material: make(map[string]*secret.Buffer),
		done:     make(chan struct{}),
	}
	s.server = agent.NewServer(b.SocketPath(sandbox), s, logger)
	return s
}

// Sandbox returns the sandbox name.
func (s *Session) Sandbox() string { return s.sandbox }

// SocketPath returns the agent socket path.
func (s *Session) SocketPath() string { return s.server.SocketPath() }

// Engine returns the session's approval engine.
func (s *Session) Engine() *approval.Engine { return s.engine }

// Done is closed when the session stops serving.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why serving stopped, after Done is closed.
func (s *Session) Err() error { return s.serveErr }

func (s *Session) serve() {
	s.serveErr = s.server.Serve()
	close(s.done)
}

// List returns the keys currently attached to the sandbox.
func (s *Session) List(ctx context.Context) ([]agent.Identity, error) {
	view, err := s.view()
	if err != nil {
		return nil, err
	}
	ids := make([]agent.Identity, len(view))
	for i, b := range view {
		ids[i] = agent.Identity{PublicKey: b.PublicKey, Comment: b.Name}
	}
	return ids, nil
}

// Sign signs data with key after the human approved it. Keys not attached
// to the sandbox fail with agent.ErrKeyNotAvailable without prompting.
func (s *Session) Sign(ctx context.Context, key ssh.PublicKey, data []byte, flags uint32) (*ssh.Signature, error) {
	defer lbcrypto.Wipe(data)

	view, err := s.view()
	if err != nil {
		return nil, err
	}
	binding := findBinding(view, key)
	if binding == nil {
		s.logger.Warnf("sandbox %q requested unavailable key %s", s.sandbox, ssh.FingerprintSHA256(key))
		return nil, agent.ErrKeyNotAvailable
	}

	if err := s.engine.Authorize(ctx, binding.Name, binding.Fingerprint, data); err != nil {
		s.logger.Infof("sign with %q for sandbox %q refused: %v", binding.Name, s.sandbox, err)
		return nil, err
	}

	// The key may have been detached while the prompt was open.
	if view, err = s.view(); err != nil {
		return nil, err
	}
	if b := findBinding(view, key); b == nil || b.AttachmentID != binding.AttachmentID {
		s.logger.Warnf("key %q left sandbox %q during approval", binding.Name, s.sandbox)
		return nil, agent.ErrKeyNotAvailable
	}

	sig, err := s.sign(binding, data, agent.AlgorithmForFlags(key, flags))
	if err != nil {
		s.logger.Errorf("sign with %q for sandbox %q failed: %v", binding.Name, s.sandbox, err)
		return nil, err
	}
	s.logger.Infof("signed with %q for sandbox %q", binding.Name, s.sandbox)
	return sig, nil
}

func (s *Session) sign(b *registry.Binding, data []byte, algorithm string) (*ssh.Signature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, approval.ErrSessionClosed
	}

	buf, ok := s.material[b.AttachmentID]
	if !ok {
		var err error
		buf, err = s.keyring.Material(b.Name, b.PublicKey)
		if err != nil {
			return nil, err
		}
		s.material[b.AttachmentID] = buf
	}
	return vault.Sign(buf.Bytes(), data, algorithm)
}

// view reads the registry and wipes material whose attachment is gone.
func (s *Session) view() ([]registry.Binding, error) {
	view, err := s.registry.View(s.sandbox)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachments: %w", err)
	}

	live := make(map[string]bool, len(view))
	for _, b := range view {
		live[b.AttachmentID] = true
	}

	s.mu.Lock()
	for id, buf := range s.material {
		if !live[id] {
			_ = buf.Close()
			delete(s.material, id)
		}
	}
	s.mu.Unlock()
	return view, nil
}

// MaterialCount returns how many key copies the session holds.
func (s *Session) MaterialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.material)
}

func findBinding(view []registry.Binding, key ssh.PublicKey) *registry.Binding {
	blob := key.Marshal()
	for i := range view {
		if bytes.Equal(view[i].PublicKey.Marshal(), blob) {
			return &view[i]
		}
	}
	return nil
}

// close aborts pending requests, stops the agent and wipes every copy.
func (s *Session) close() {
	s.once.Do(func() {
		s.engine.Close()
		if err := s.server.Close(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warnf("closing agent for sandbox %q: %v", s.sandbox, err)
		}

		s.mu.Lock()
		s.closed = true
		for id, buf := range s.material {
			_ = buf.Close()
			delete(s.material, id)
		}
		s.mu.Unlock()
	})
}
