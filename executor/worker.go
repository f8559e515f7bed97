package executor

import (
	"context"
	"fmt"

	"github.com/chazu/wasmvm/vm"
)

// vmRequest represents a unit of work to be executed on a machine's goroutine.
type vmRequest struct {
	fn   func(*vm.Machine) (any, error)
	done chan vmResult
}

// vmResult holds the return value from a machine operation.
type vmResult struct {
	value any
	err   error
}

// vmWorker serializes all access to one Machine through a single goroutine.
// The interpreter is single-threaded; every executor call that touches the
// machine goes through Do.
type vmWorker struct {
	machine  *vm.Machine
	requests chan vmRequest
	quit     chan struct{}
}

func newVMWorker(m *vm.Machine) *vmWorker {
	w := &vmWorker{
		machine:  m,
		requests: make(chan vmRequest),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes requests sequentially on a dedicated goroutine.
func (w *vmWorker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs fn on the machine, recovering from panics.
func (w *vmWorker) execute(fn func(*vm.Machine) (any, error)) (result vmResult) {
	defer func() {
		if r := recover(); r != nil {
			result = vmResult{err: fmt.Errorf("executor: panic in vm worker: %v", r)}
		}
	}()
	value, err := fn(w.machine)
	return vmResult{value: value, err: err}
}

// Do submits fn and blocks until it completes. If ctx ends first, Do
// returns ErrUnavailable; a submitted fn still runs to completion.
func (w *vmWorker) Do(ctx context.Context, fn func(*vm.Machine) (any, error)) (any, error) {
	req := vmRequest{
		fn:   fn,
		done: make(chan vmResult, 1),
	}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, ErrNotFound
	case <-ctx.Done():
		return nil, waitErr(ctx)
	}
	select {
	case res := <-req.done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, waitErr(ctx)
	}
}

// Stop shuts down the worker goroutine. Safe to call once.
func (w *vmWorker) Stop() {
	close(w.quit)
}
