// Package pending holds instructions queued for the next dispatch.
package pending

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/chazu/wasmvm/instr"
)

// ErrIndexOutOfRange is returned by Remove for a position past the end.
var ErrIndexOutOfRange = errors.New("pending: index out of range")

// Queue is an ordered list of validated instructions awaiting dispatch.
// Insertion order is dispatch order. Entries are never edited in place.
// A Queue is safe for concurrent use; no method blocks on I/O.
type Queue struct {
	mu    sync.Mutex
	items []instr.Instruction
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Append validates in and adds it at the end. On failure the queue is
// unchanged and the error wraps instr.ErrInvalidInstruction.
func (q *Queue) Append(in instr.Instruction) error {
	if err := instr.Validate(in); err != nil {
		return err
	}
	if in.Value != nil {
		v := *in.Value
		in.Value = &v
	}
	q.mu.Lock()
	q.items = append(q.items, in)
	q.mu.Unlock()
	return nil
}

// Remove deletes the instruction at index; later entries shift down.
func (q *Queue) Remove(index int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if index < 0 || index >= len(q.items) {
		return fmt.Errorf("%w: %d (len %d)", ErrIndexOutOfRange, index, len(q.items))
	}
	q.items = slices.Delete(q.items, index, index+1)
	return nil
}

// Drain returns every queued instruction in insertion order and empties
// the queue in the same step.
func (q *Queue) Drain() []instr.Instruction {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.items
	q.items = nil
	return out
}

// Items returns a copy of the queue for display.
func (q *Queue) Items() []instr.Instruction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.items)
}

// Len returns the number of queued instructions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty reports whether nothing is queued.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// Clear discards everything queued.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}
