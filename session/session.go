// Package session binds a client to one VM instance held by an executor.
//
// A Session validates queued instructions, translates them to interpreter
// operations, ships them to its executor and returns the resulting stack.
// At most one batch runs per session at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/wasmvm/executor"
	"github.com/chazu/wasmvm/instr"
	"github.com/chazu/wasmvm/vm"
)

var log = commonlog.GetLogger("wasmvm.session")

// State is a session's lifecycle position.
type State int

const (
	StateUninitialized State = iota
	StateCreated
	StateExecuted
	StateDiscarded
)

var stateNames = [...]string{"uninitialized", "created", "executed", "discarded"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Option configures a Session.
type Option func(*Session)

// WithTimeout bounds every executor call made by the session.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeout = d }
}

// Session is one client's binding to a VM instance.
type Session struct {
	exec    executor.Executor
	timeout time.Duration
	busy    atomic.Bool

	mu     sync.Mutex
	handle executor.Handle
	state  State
}

// Create validates cfg and asks exec for a fresh VM. Bad bounds fail with
// ErrInvalidConfig before the executor is contacted.
func Create(ctx context.Context, exec executor.Executor, cfg vm.Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: pages=%d max_pages=%d", ErrInvalidConfig, cfg.Pages, cfg.MaxPages)
	}
	s := newSession(exec, opts)

	ctx, cancel := s.callContext(ctx)
	defer cancel()
	h, err := exec.CreateVM(ctx, cfg)
	if err != nil {
		return nil, mapExecutorError(err)
	}
	s.handle = h
	s.state = StateCreated
	log.Info("session created", "vm", h.ID, "pages", cfg.Pages, "max_pages", cfg.MaxPages)
	return s, nil
}

// Attach binds to a VM the executor already holds, such as one created by
// an earlier process against the same server.
func Attach(ctx context.Context, exec executor.Executor, id string, opts ...Option) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty vm id", ErrSessionNotFound)
	}
	s := newSession(exec, opts)

	ctx, cancel := s.callContext(ctx)
	defer cancel()
	h, err := exec.Lookup(ctx, id)
	if err != nil {
		return nil, mapExecutorError(err)
	}
	s.handle = h
	s.state = StateCreated
	log.Info("session attached", "vm", h.ID)
	return s, nil
}

func newSession(exec executor.Executor, opts []Option) *Session {
	s := &Session{exec: exec}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the executor's identifier for the VM, or "" before creation.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.ID
}

// Config returns the page bounds the VM was created with.
func (s *Session) Config() vm.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.Config
}

// State returns where the session is in its lifecycle.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// live returns the handle if the session can talk to its VM.
func (s *Session) live() (executor.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateCreated, StateExecuted:
		return s.handle, nil
	}
	return executor.Handle{}, fmt.Errorf("%w (state %s)", ErrSessionNotInitialized, s.state)
}

// Execute validates the whole batch, then runs it in order and returns the
// resulting stack, bottom first. Nothing is sent if any instruction is
// invalid. A failing instruction stops the batch with an
// *ExecutionFailedError; earlier instructions are not rolled back. An empty
// batch just inspects.
//
// A second Execute while one is running fails with ErrSessionBusy.
func (s *Session) Execute(ctx context.Context, batch []instr.Instruction) (vm.Snapshot, error) {
	h, err := s.live()
	if err != nil {
		return nil, err
	}
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrSessionBusy
	}
	defer s.busy.Store(false)

	for i, in := range batch {
		if err := instr.Validate(in); err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
	}
	ops, err := TranslateAll(batch)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.callContext(ctx)
	defer cancel()

	if len(ops) > 0 {
		if err := s.exec.Run(ctx, h, ops); err != nil {
			err = mapExecutorError(err)
			log.Debug("batch failed", "vm", h.ID, "size", len(ops), "error", err.Error())
			return nil, err
		}
	}
	stack, err := s.exec.Inspect(ctx, h)
	if err != nil {
		return nil, mapExecutorError(err)
	}

	s.mu.Lock()
	if s.state == StateCreated {
		s.state = StateExecuted
	}
	s.mu.Unlock()
	log.Debug("batch executed", "vm", h.ID, "size", len(ops), "depth", len(stack))
	return stack, nil
}

// Inspect returns the VM's current stack, bottom first.
func (s *Session) Inspect(ctx context.Context) (vm.Snapshot, error) {
	h, err := s.live()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	stack, err := s.exec.Inspect(ctx, h)
	if err != nil {
		return nil, mapExecutorError(err)
	}
	return stack, nil
}

// Discard releases the VM. The session can't be used afterwards. A VM the
// executor has already forgotten counts as released.
func (s *Session) Discard(ctx context.Context) error {
	s.mu.Lock()
	h, state := s.handle, s.state
	if state == StateCreated || state == StateExecuted {
		s.state = StateDiscarded
	}
	s.mu.Unlock()

	if state != StateCreated && state != StateExecuted {
		return fmt.Errorf("%w (state %s)", ErrSessionNotInitialized, state)
	}

	ctx, cancel := s.callContext(ctx)
	defer cancel()
	err := mapExecutorError(s.exec.Discard(ctx, h))
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	log.Info("session discarded", "vm", h.ID)
	return nil
}

func (s *Session) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {}
}
