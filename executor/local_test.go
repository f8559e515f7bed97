package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chazu/wasmvm/vm"
)

func bg() context.Context { return context.Background() }

func newTestLocal(t *testing.T, opts ...LocalOption) *Local {
	t.Helper()
	l := NewLocal(opts...)
	t.Cleanup(l.Stop)
	return l
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestLocal_CreateRunInspect(t *testing.T) {
	l := newTestLocal(t)

	h, err := l.CreateVM(bg(), vm.Config{Pages: 1, MaxPages: 2})
	if err != nil {
		t.Fatalf("CreateVM returned error: %v", err)
	}
	if h.ID == "" {
		t.Fatal("CreateVM should return a non-empty id")
	}

	ops := []vm.Operation{
		vm.NewPush(vm.Int(17), vm.I32),
		vm.NewPush(vm.Int(25), vm.I32),
		vm.NewAdd(vm.I32),
	}
	if err := l.Run(bg(), h, ops); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	stack, err := l.Inspect(bg(), h)
	if err != nil {
		t.Fatalf("Inspect returned error: %v", err)
	}
	if len(stack) != 1 || stack[0] != "42" {
		t.Errorf("stack = %v, want [42]", stack)
	}
}

func TestLocal_CreateVM_InvalidConfig(t *testing.T) {
	l := newTestLocal(t)

	_, err := l.CreateVM(bg(), vm.Config{Pages: 3, MaxPages: 2})
	if !errors.Is(err, vm.ErrInvalidConfig) {
		t.Fatalf("CreateVM error = %v, want ErrInvalidConfig", err)
	}
	if l.Len() != 0 {
		t.Errorf("Len = %d, want 0", l.Len())
	}
}

func TestLocal_CreateVM_MaxPagesCap(t *testing.T) {
	l := newTestLocal(t, WithMaxPages(4))

	if _, err := l.CreateVM(bg(), vm.Config{Pages: 1, MaxPages: 8}); !errors.Is(err, vm.ErrInvalidConfig) {
		t.Errorf("CreateVM over cap error = %v, want ErrInvalidConfig", err)
	}
	if _, err := l.CreateVM(bg(), vm.Config{Pages: 1, MaxPages: 4}); err != nil {
		t.Errorf("CreateVM at cap returned error: %v", err)
	}
}

func TestLocal_IDsAreUnique(t *testing.T) {
	l := newTestLocal(t)

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		h, err := l.CreateVM(bg(), vm.Config{Pages: 1, MaxPages: 1})
		if err != nil {
			t.Fatalf("CreateVM returned error: %v", err)
		}
		if seen[h.ID] {
			t.Fatalf("duplicate id %q", h.ID)
		}
		seen[h.ID] = true
	}
}

func TestLocal_Lookup(t *testing.T) {
	l := newTestLocal(t)
	h, _ := l.CreateVM(bg(), vm.Config{Pages: 1, MaxPages: 3})

	got, err := l.Lookup(bg(), h.ID)
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if got != h {
		t.Errorf("Lookup = %+v, want %+v", got, h)
	}

	if _, err := l.Lookup(bg(), "vm-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup missing error = %v, want ErrNotFound", err)
	}
}

func TestLocal_Discard(t *testing.T) {
	l := newTestLocal(t)
	h, _ := l.CreateVM(bg(), vm.Config{Pages: 1, MaxPages: 1})

	if err := l.Discard(bg(), h); err != nil {
		t.Fatalf("Discard returned error: %v", err)
	}
	if _, err := l.Inspect(bg(), h); !errors.Is(err, ErrNotFound) {
		t.Errorf("Inspect after Discard error = %v, want ErrNotFound", err)
	}
	if err := l.Discard(bg(), h); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Discard error = %v, want ErrNotFound", err)
	}
}

func TestLocal_Describe(t *testing.T) {
	l := newTestLocal(t)
	h, _ := l.CreateVM(bg(), vm.Config{Pages: 2, MaxPages: 4})
	_ = l.Run(bg(), h, []vm.Operation{vm.NewPush(vm.Int(1), vm.I64)})

	info, err := l.Describe(bg(), h.ID)
	if err != nil {
		t.Fatalf("Describe returned error: %v", err)
	}
	if info.Depth != 1 || info.Pages != 2 || info.Handle != h {
		t.Errorf("Describe = %+v", info)
	}
}

// ---------------------------------------------------------------------------
// Failures and isolation
// ---------------------------------------------------------------------------

func TestLocal_RunFailureKeepsEarlierEffects(t *testing.T) {
	l := newTestLocal(t)
	h, _ := l.CreateVM(bg(), vm.Config{Pages: 1, MaxPages: 1})

	err := l.Run(bg(), h, []vm.Operation{
		vm.NewPush(vm.Int(7), vm.I32),
		vm.NewPop(vm.I32),
		vm.NewPop(vm.I32),
	})
	var stepErr *vm.StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("Run error = %v, want *vm.StepError", err)
	}
	if stepErr.Index != 2 || !errors.Is(err, vm.ErrStackUnderflow) {
		t.Errorf("StepError = %+v, want index 2 underflow", stepErr)
	}
	stack, _ := l.Inspect(bg(), h)
	if len(stack) != 0 {
		t.Errorf("stack = %v, want empty", stack)
	}
}

func TestLocal_VMsAreIsolated(t *testing.T) {
	l := newTestLocal(t)
	a, _ := l.CreateVM(bg(), vm.Config{Pages: 1, MaxPages: 1})
	b, _ := l.CreateVM(bg(), vm.Config{Pages: 1, MaxPages: 1})

	var wg sync.WaitGroup
	for i, h := range []Handle{a, b} {
		wg.Add(1)
		go func(n int, h Handle) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := l.Run(bg(), h, []vm.Operation{vm.NewPush(vm.Int(int64(n)), vm.I32)}); err != nil {
					t.Errorf("Run returned error: %v", err)
					return
				}
			}
		}(i, h)
	}
	wg.Wait()

	for i, h := range []Handle{a, b} {
		stack, _ := l.Inspect(bg(), h)
		if len(stack) != 50 {
			t.Fatalf("vm %s depth = %d, want 50", h.ID, len(stack))
		}
		for _, v := range stack {
			if v != fmt.Sprint(i) {
				t.Fatalf("vm %s holds %q, want only %d", h.ID, v, i)
			}
		}
	}
}

func TestLocal_RunBusy(t *testing.T) {
	l := newTestLocal(t)
	h, _ := l.CreateVM(bg(), vm.Config{Pages: 1, MaxPages: 1})

	v, err := l.get(h.ID)
	if err != nil {
		t.Fatalf("get returned error: %v", err)
	}
	v.running.Store(true)
	defer v.running.Store(false)

	if err := l.Run(bg(), h, nil); !errors.Is(err, ErrBusy) {
		t.Errorf("Run error = %v, want ErrBusy", err)
	}
}

func TestLocal_ContextDeadline(t *testing.T) {
	l := newTestLocal(t)
	h, _ := l.CreateVM(bg(), vm.Config{Pages: 1, MaxPages: 1})

	v, _ := l.get(h.ID)
	started := make(chan struct{})
	release := make(chan struct{})
	go v.worker.Do(bg(), func(*vm.Machine) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(bg(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Inspect(ctx, h)
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Inspect error = %v, want ErrUnavailable wrapping DeadlineExceeded", err)
	}
}

func TestWorker_RecoversPanic(t *testing.T) {
	m, err := vm.New(vm.Config{Pages: 1, MaxPages: 1})
	if err != nil {
		t.Fatalf("vm.New returned error: %v", err)
	}
	w := newVMWorker(m)
	defer w.Stop()

	_, err = w.Do(bg(), func(*vm.Machine) (any, error) { panic("boom") })
	if err == nil {
		t.Fatal("Do should report the panic")
	}
	if _, err := w.Do(bg(), func(m *vm.Machine) (any, error) { return m.Depth(), nil }); err != nil {
		t.Errorf("worker should survive a panic, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Idle sweeping
// ---------------------------------------------------------------------------

func TestLocal_Sweep(t *testing.T) {
	l := newTestLocal(t)
	old, _ := l.CreateVM(bg(), vm.Config{Pages: 1, MaxPages: 1})
	fresh, _ := l.CreateVM(bg(), vm.Config{Pages: 1, MaxPages: 1})

	v, _ := l.get(old.ID)
	v.lastUsed.Store(time.Now().Add(-time.Hour).UnixNano())

	if n := l.Sweep(time.Minute); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	if _, err := l.Lookup(bg(), old.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("swept vm Lookup error = %v, want ErrNotFound", err)
	}
	if _, err := l.Lookup(bg(), fresh.ID); err != nil {
		t.Errorf("fresh vm Lookup returned error: %v", err)
	}
}

func TestNew_UnknownKind(t *testing.T) {
	if _, _, err := New(Options{Kind: "carrier-pigeon"}); err == nil {
		t.Error("New should reject an unknown kind")
	}
}
