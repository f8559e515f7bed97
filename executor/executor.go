// Package executor abstracts where VM instances live: in this process
// (Local) or behind the wasmvm server (Remote over Connect, GRPC over
// gRPC). Sessions talk only to the Executor interface.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/wasmvm/vm"
)

var (
	// ErrUnavailable means the executor could not be reached or did not
	// answer in time. Callers may retry.
	ErrUnavailable = errors.New("executor: unavailable")

	// ErrNotFound means the executor does not know the VM id.
	ErrNotFound = errors.New("executor: vm not found")

	// ErrBusy means the VM is already running a batch for another caller.
	ErrBusy = errors.New("executor: vm busy")

	// ErrInvalidOperation means a batch could not be encoded for, or was
	// rejected by, the server before anything ran.
	ErrInvalidOperation = errors.New("executor: invalid operation")
)

var log = commonlog.GetLogger("wasmvm.executor")

// Handle addresses one VM instance inside an executor.
type Handle struct {
	ID     string
	Config vm.Config
}

// Executor creates, runs and inspects VM instances.
//
// Run executes ops in order, stopping at the first failure, which is
// reported as a *vm.StepError. Blocking methods honour ctx; a deadline that
// expires while waiting is reported as ErrUnavailable.
type Executor interface {
	CreateVM(ctx context.Context, cfg vm.Config) (Handle, error)
	Lookup(ctx context.Context, id string) (Handle, error)
	Run(ctx context.Context, h Handle, ops []vm.Operation) error
	Inspect(ctx context.Context, h Handle) (vm.Snapshot, error)
	Discard(ctx context.Context, h Handle) error
}

var (
	_ Executor = (*Local)(nil)
	_ Executor = (*Remote)(nil)
	_ Executor = (*GRPC)(nil)
)

// Kind selects an Executor implementation.
type Kind string

const (
	KindLocal   Kind = "local"
	KindConnect Kind = "connect"
	KindGRPC    Kind = "grpc"
)

// Options configures New.
type Options struct {
	Kind Kind

	// Address is the server base URL (connect) or host:port (grpc).
	Address string

	// Codec is "cbor" (default) or "json"; connect only.
	Codec string

	// Timeout bounds each remote call. Zero means no timeout.
	Timeout time.Duration

	// MaxPages caps the page bounds a local executor accepts. Zero means
	// no cap.
	MaxPages int
}

// New builds the executor selected by opts.Kind. The returned close
// function releases connections and workers.
func New(opts Options) (Executor, func() error, error) {
	switch opts.Kind {
	case KindLocal, "":
		l := NewLocal(WithMaxPages(opts.MaxPages))
		return l, func() error { l.Stop(); return nil }, nil
	case KindConnect:
		r := NewRemote(&http.Client{Timeout: opts.Timeout}, opts.Address, opts.Codec)
		return r, func() error { return nil }, nil
	case KindGRPC:
		g, err := NewGRPC(opts.Address, opts.Timeout)
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil
	}
	return nil, nil, fmt.Errorf("executor: unknown kind %q", opts.Kind)
}

// waitErr maps a context failure while waiting on the executor.
func waitErr(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
}
