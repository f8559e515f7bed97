package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chazu/wasmvm/executor"
	"github.com/chazu/wasmvm/instr"
	"github.com/chazu/wasmvm/vm"
)

var (
	// ErrInvalidInstruction is the catalog's validation error.
	ErrInvalidInstruction = instr.ErrInvalidInstruction

	// ErrInvalidConfig wraps vm.ErrInvalidConfig for bad page bounds.
	ErrInvalidConfig = fmt.Errorf("session: %w", vm.ErrInvalidConfig)

	// ErrExecutorUnavailable means the executor could not be reached or
	// did not answer before the session's timeout.
	ErrExecutorUnavailable = errors.New("session: executor unavailable")

	// ErrSessionNotInitialized is returned for calls on a session that has
	// no VM yet or was discarded.
	ErrSessionNotInitialized = errors.New("session: not initialized")

	// ErrSessionNotFound means the executor no longer knows the VM.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrSessionBusy rejects an Execute while another is in progress.
	ErrSessionBusy = errors.New("session: busy")
)

// Cause classifies a failed instruction.
type Cause int

const (
	// CauseUnknown is used when a remote executor reports a failure this
	// build does not recognise.
	CauseUnknown Cause = iota
	CauseStackUnderflow
	CauseStackOverflow
	CauseDivideByZero
	CauseTypeMismatch
)

var causeNames = [...]string{"Unknown", "StackUnderflow", "StackOverflow", "DivideByZero", "TypeMismatch"}

func (c Cause) String() string {
	if int(c) < len(causeNames) {
		return causeNames[c]
	}
	return fmt.Sprintf("Cause(%d)", int(c))
}

func causeOf(err error) Cause {
	switch {
	case errors.Is(err, vm.ErrStackUnderflow):
		return CauseStackUnderflow
	case errors.Is(err, vm.ErrStackOverflow):
		return CauseStackOverflow
	case errors.Is(err, vm.ErrDivideByZero):
		return CauseDivideByZero
	case errors.Is(err, vm.ErrTypeMismatch):
		return CauseTypeMismatch
	}
	return CauseUnknown
}

// ExecutionFailedError reports the instruction that stopped a batch.
// Instructions before AtIndex stay applied.
type ExecutionFailedError struct {
	AtIndex int
	Cause   Cause
	Err     error
}

func (e *ExecutionFailedError) Error() string {
	return fmt.Sprintf("session: instruction %d failed (%s): %v", e.AtIndex, e.Cause, e.Err)
}

func (e *ExecutionFailedError) Unwrap() error { return e.Err }

// mapExecutorError converts executor errors to session errors, keeping
// the original in the chain.
func mapExecutorError(err error) error {
	var stepErr *vm.StepError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &stepErr):
		return &ExecutionFailedError{AtIndex: stepErr.Index, Cause: causeOf(stepErr.Err), Err: err}
	case errors.Is(err, executor.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrSessionNotFound, err)
	case errors.Is(err, executor.ErrBusy):
		return fmt.Errorf("%w: %w", ErrSessionBusy, err)
	case errors.Is(err, executor.ErrInvalidOperation):
		return fmt.Errorf("%w: %w", ErrInvalidInstruction, err)
	case errors.Is(err, vm.ErrInvalidConfig):
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.TrimPrefix(err.Error(), vm.ErrInvalidConfig.Error()+": "))
	case errors.Is(err, executor.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrExecutorUnavailable, err)
	}
	return err
}
