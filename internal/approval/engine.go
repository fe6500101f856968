// Package approval decides whether a signing request may proceed.
//
// Each agent session owns an Engine. The engine first consults its
// approval cache; anything not already approved is put in front of a human
// through a Prompter, one prompt at a time. Unanswered prompts time out and
// every failure path denies.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/Gerharddc/litterbox/internal/logging"
)

var (
	ErrDenied        = errors.New("approval: request denied")
	ErrTimedOut      = errors.New("approval: request timed out waiting for user response")
	ErrSessionClosed = errors.New("approval: session closed")
)

const (
	DefaultTimeout = 30 * time.Second
	MaxTimeout     = 600 * time.Second
)

// State is the cached approval state of one key.
type State int

const (
	StateNotAsked State = iota
	StateDenied
	StateApprovedSession
)

func (s State) String() string {
	switch s {
	case StateDenied:
		return "denied"
	case StateApprovedSession:
		return "approved-for-session"
	default:
		return "not-asked"
	}
}

// Policy tunes an Engine.
type Policy struct {
	// Timeout bounds the wait for an answer once the prompt is shown.
	Timeout time.Duration
	// CacheDenials offers deny-session and remembers it.
	CacheDenials bool
	// OnceOnly holds key-name globs that are never offered approve-session.
	OnceOnly []string
}

// Validate checks the timeout bounds and the OnceOnly patterns.
func (p Policy) Validate() error {
	if p.Timeout < 0 || p.Timeout > MaxTimeout {
		return fmt.Errorf("approval: timeout %s out of range (0-%s)", p.Timeout, MaxTimeout)
	}
	for _, pattern := range p.OnceOnly {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("approval: invalid once_only pattern %q", pattern)
		}
	}
	return nil
}

// Request is a signing request awaiting a decision.
type Request struct {
	ID          uuid.UUID
	Sandbox     string
	Key         string
	Fingerprint string
	// Data is the payload to sign. It is never shown to the user.
	Data      []byte
	CreatedAt time.Time

	result chan error
}

// resolve delivers err unless a result is already pending.
func (r *Request) resolve(err error) {
	select {
	case r.result <- err:
	default:
	}
}

type answer struct {
	choice Choice
	err    error
}

// Engine is the per-session authorization state machine.
type Engine struct {
	sandbox  string
	prompter Prompter
	policy   Policy
	logger   *logging.ComponentLogger

	// turn admits one prompt at a time.
	turn chan struct{}

	mu      sync.Mutex
	cache   map[string]State
	pending map[uuid.UUID]*Request
	closed  bool
	done    chan struct{}
}

// NewEngine returns an engine for sandbox. A zero policy timeout selects
// DefaultTimeout. prompter may be nil, in which case every request that is
// not already approved is denied.
func NewEngine(sandbox string, prompter Prompter, policy Policy, logger *logging.ComponentLogger) *Engine {
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultTimeout
	}
	return &Engine{
		sandbox:  sandbox,
		prompter: prompter,
		policy:   policy,
		logger:   logger,
		turn:     make(chan struct{}, 1),
		cache:    make(map[string]State),
		pending:  make(map[uuid.UUID]*Request),
		done:     make(chan struct{}),
	}
}

// Authorize blocks until the request for key is approved (nil) or denied.
// Denials are ErrDenied, ErrTimedOut or ErrSessionClosed; a cancelled ctx
// returns ctx.Err().
func (e *Engine) Authorize(ctx context.Context, key, fingerprint string, data []byte) error {
	decided, err := e.checkCache(key)
	if decided {
		return err
	}

	req := &Request{
		ID:          uuid.New(),
		Sandbox:     e.sandbox,
		Key:         key,
		Fingerprint: fingerprint,
		Data:        data,
		CreatedAt:   time.Now(),
		result:      make(chan error, 1),
	}
	if !e.track(req) {
		return ErrSessionClosed
	}
	defer e.untrack(req)

	// Wait for our turn at the prompt. Queued requests are not timed; the
	// timeout starts once the prompt is shown.
	select {
	case e.turn <- struct{}{}:
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return e.expired(ctx, req)
	}
	defer func() { <-e.turn }()

	// An earlier prompt may have settled this key while we were queued.
	if decided, err := e.checkCache(key); decided {
		return err
	}

	if e.prompter == nil {
		e.logger.Warnf("denied %s for %q in sandbox %q: no prompter configured", req.ID, key, e.sandbox)
		return ErrDenied
	}

	ctx, cancel := context.WithTimeout(ctx, e.policy.Timeout)
	defer cancel()

	prompt := &Prompt{
		ID:          req.ID.String(),
		Sandbox:     e.sandbox,
		Key:         key,
		Fingerprint: fingerprint,
		Operation:   OperationSign,
		Choices:     e.choicesFor(key),
	}
	if deadline, ok := ctx.Deadline(); ok {
		prompt.ExpiresAt = deadline
	}

	answers := make(chan answer, 1)
	go func() {
		choice, err := e.prompter.Prompt(ctx, prompt)
		answers <- answer{choice, err}
	}()

	select {
	case a := <-answers:
		if a.err != nil {
			if ctx.Err() != nil {
				return e.expired(ctx, req)
			}
			e.logger.Warnf("denied %s for %q in sandbox %q: prompter failed: %v", req.ID, key, e.sandbox, a.err)
			return ErrDenied
		}
		return e.apply(req, prompt, a.choice)
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return e.expired(ctx, req)
	}
}

// checkCache applies the cached state of key. decided is false when the
// user must be asked.
func (e *Engine) checkCache(key string) (decided bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return true, ErrSessionClosed
	}

	switch e.cache[key] {
	case StateApprovedSession:
		e.logger.Infof("auto-approved %q in sandbox %q (session)", key, e.sandbox)
		return true, nil
	case StateDenied:
		if e.policy.CacheDenials {
			e.logger.Infof("auto-denied %q in sandbox %q (session)", key, e.sandbox)
			return true, ErrDenied
		}
	}
	return false, nil
}

// apply records the user's choice and resolves req.
func (e *Engine) apply(req *Request, prompt *Prompt, choice Choice) error {
	if !prompt.Offers(choice) {
		e.logger.Warnf("denied %s for %q in sandbox %q: choice %q was not offered", req.ID, req.Key, e.sandbox, choice)
		return ErrDenied
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrSessionClosed
	}

	switch choice {
	case ChoiceApproveOnce:
		// Spent on the request that was prompted for; nothing is cached.
		e.logger.Infof("approved %s for %q in sandbox %q (once)", req.ID, req.Key, e.sandbox)
		return nil
	case ChoiceApproveSession:
		e.cache[req.Key] = StateApprovedSession
		e.logger.Infof("approved %s for %q in sandbox %q (session)", req.ID, req.Key, e.sandbox)
		return nil
	case ChoiceDenySession:
		e.cache[req.Key] = StateDenied
		e.logger.Infof("denied %s for %q in sandbox %q (session)", req.ID, req.Key, e.sandbox)
		return ErrDenied
	default:
		e.logger.Infof("denied %s for %q in sandbox %q", req.ID, req.Key, e.sandbox)
		return ErrDenied
	}
}

// expired maps a finished ctx to the request's outcome.
func (e *Engine) expired(ctx context.Context, req *Request) error {
	select {
	case err := <-req.result:
		return err
	default:
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		e.logger.Warnf("timed out %s for %q in sandbox %q after %s", req.ID, req.Key, e.sandbox, time.Since(req.CreatedAt).Round(time.Millisecond))
		return ErrTimedOut
	}
	return ctx.Err()
}

func (e *Engine) choicesFor(key string) []Choice {
	choices := []Choice{ChoiceApproveOnce}
	if !e.onceOnly(key) {
		choices = append(choices, ChoiceApproveSession)
	}
	choices = append(choices, ChoiceDeny)
	if e.policy.CacheDenials {
		choices = append(choices, ChoiceDenySession)
	}
	return choices
}

func (e *Engine) onceOnly(key string) bool {
	for _, pattern := range e.policy.OnceOnly {
		if ok, _ := doublestar.Match(pattern, key); ok {
			return true
		}
	}
	return false
}

func (e *Engine) track(req *Request) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.pending[req.ID] = req
	return true
}

func (e *Engine) untrack(req *Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, req.ID)
}

// State returns the cached state of key.
func (e *Engine) State(key string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache[key]
}

// Pending returns the number of requests waiting for a decision.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Done is closed when the engine is closed.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Close resolves every pending request with ErrSessionClosed and discards
// the approval cache. Close is idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	close(e.done)

	for id, req := range e.pending {
		req.resolve(ErrSessionClosed)
		delete(e.pending, id)
	}
	clear(e.cache)
}
