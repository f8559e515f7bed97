package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/wasmvm/vm"
)

// localVM is one machine owned by a Local executor.
type localVM struct {
	handle  Handle
	worker  *vmWorker
	running atomic.Bool
	created time.Time

	// lastUsed is unix nanoseconds, updated on every access.
	lastUsed atomic.Int64
}

func (v *localVM) touch() { v.lastUsed.Store(time.Now().UnixNano()) }

// Info describes a live VM.
type Info struct {
	Handle  Handle
	Depth   int
	Pages   int
	Created time.Time
}

// Local runs machines in this process. Each machine gets its own worker
// goroutine, so distinct VMs execute concurrently without sharing state.
type Local struct {
	mu     sync.RWMutex
	vms    map[string]*localVM
	nextID atomic.Uint64

	maxPages int
	vmOpts   []vm.Option
}

// LocalOption configures a Local executor.
type LocalOption func(*Local)

// WithMaxPages rejects configs whose MaxPages exceeds n. Zero disables
// the cap.
func WithMaxPages(n int) LocalOption {
	return func(l *Local) { l.maxPages = n }
}

// WithMachineOptions passes options to every machine the executor creates.
func WithMachineOptions(opts ...vm.Option) LocalOption {
	return func(l *Local) { l.vmOpts = append(l.vmOpts, opts...) }
}

// NewLocal creates an in-process executor.
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{vms: make(map[string]*localVM)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateVM allocates a machine with an empty stack.
func (l *Local) CreateVM(ctx context.Context, cfg vm.Config) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, waitErr(ctx)
	}
	if l.maxPages > 0 && cfg.MaxPages > l.maxPages {
		return Handle{}, fmt.Errorf("%w: max_pages %d exceeds limit %d", vm.ErrInvalidConfig, cfg.MaxPages, l.maxPages)
	}

	id := fmt.Sprintf("vm-%d", l.nextID.Add(1))
	opts := l.vmOpts
	if log.AllowLevel(commonlog.Debug) {
		opts = append(opts[:len(opts):len(opts)], vm.WithObserver(func(s vm.State) {
			log.Debug("step", "vm", id, "pc", s.PC, "op", s.Op.String(), "depth", s.Depth)
		}))
	}
	m, err := vm.New(cfg, opts...)
	if err != nil {
		return Handle{}, err
	}

	v := &localVM{
		handle:  Handle{ID: id, Config: cfg},
		worker:  newVMWorker(m),
		created: time.Now(),
	}
	v.touch()

	l.mu.Lock()
	l.vms[id] = v
	l.mu.Unlock()

	log.Info("created vm", "vm", id, "pages", cfg.Pages, "max_pages", cfg.MaxPages)
	return v.handle, nil
}

// Lookup returns the handle for a live VM id.
func (l *Local) Lookup(ctx context.Context, id string) (Handle, error) {
	v, err := l.get(id)
	if err != nil {
		return Handle{}, err
	}
	return v.handle, nil
}

// Run executes ops on the VM. A second Run on the same VM while one is in
// flight fails with ErrBusy.
func (l *Local) Run(ctx context.Context, h Handle, ops []vm.Operation) error {
	v, err := l.get(h.ID)
	if err != nil {
		return err
	}
	if !v.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrBusy, h.ID)
	}
	defer v.running.Store(false)

	_, err = v.worker.Do(ctx, func(m *vm.Machine) (any, error) {
		return nil, m.Run(ops)
	})
	return err
}

// Inspect returns the VM's current stack.
func (l *Local) Inspect(ctx context.Context, h Handle) (vm.Snapshot, error) {
	v, err := l.get(h.ID)
	if err != nil {
		return nil, err
	}
	res, err := v.worker.Do(ctx, func(m *vm.Machine) (any, error) {
		return m.Inspect(), nil
	})
	if err != nil {
		return nil, err
	}
	return res.(vm.Snapshot), nil
}

// Describe reports stack depth and memory pages for a VM.
func (l *Local) Describe(ctx context.Context, id string) (Info, error) {
	v, err := l.get(id)
	if err != nil {
		return Info{}, err
	}
	res, err := v.worker.Do(ctx, func(m *vm.Machine) (any, error) {
		return Info{Handle: v.handle, Depth: m.Depth(), Pages: m.Pages(), Created: v.created}, nil
	})
	if err != nil {
		return Info{}, err
	}
	return res.(Info), nil
}

// Discard stops the VM's worker and forgets it.
func (l *Local) Discard(ctx context.Context, h Handle) error {
	l.mu.Lock()
	v, ok := l.vms[h.ID]
	delete(l.vms, h.ID)
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, h.ID)
	}
	v.worker.Stop()
	log.Info("discarded vm", "vm", h.ID)
	return nil
}

// Len returns the number of live VMs.
func (l *Local) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.vms)
}

func (l *Local) get(id string) (*localVM, error) {
	l.mu.RLock()
	v, ok := l.vms[id]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	v.touch()
	return v, nil
}

// ---------------------------------------------------------------------------
// Idle sweeping
// ---------------------------------------------------------------------------

// Sweep discards VMs that haven't been accessed within the TTL. VMs with a
// batch in flight are kept.
func (l *Local) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl).UnixNano()

	l.mu.Lock()
	var stale []*localVM
	for id, v := range l.vms {
		if v.lastUsed.Load() < cutoff && !v.running.Load() {
			stale = append(stale, v)
			delete(l.vms, id)
		}
	}
	l.mu.Unlock()

	for _, v := range stale {
		v.worker.Stop()
	}
	if len(stale) > 0 {
		log.Infof("swept %d idle vms", len(stale))
	}
	return len(stale)
}

// StartSweeper runs periodic TTL sweeps in the background.
// Returns a stop function.
func (l *Local) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				l.Sweep(ttl)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

// Stop discards every VM.
func (l *Local) Stop() {
	l.mu.Lock()
	vms := l.vms
	l.vms = make(map[string]*localVM)
	l.mu.Unlock()

	for _, v := range vms {
		v.worker.Stop()
	}
}
