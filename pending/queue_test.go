package pending

import (
	"errors"
	"sync"
	"testing"

	"github.com/chazu/wasmvm/instr"
	"github.com/chazu/wasmvm/vm"
)

func mustParse(t *testing.T, line string) instr.Instruction {
	t.Helper()
	in, err := instr.Parse(line)
	if err != nil {
		t.Fatalf("Parse(%q) returned error: %v", line, err)
	}
	return in
}

func assertInstructions(t *testing.T, got []instr.Instruction, want ...instr.Instruction) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d instructions %v, want %d %v", len(got), got, len(want), want)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("instruction %d = %s, want %s", i, got[i], want[i])
		}
	}
}

// ---------------------------------------------------------------------------
// Append / Drain
// ---------------------------------------------------------------------------

func TestAppendThenDrain(t *testing.T) {
	q := New()
	a := mustParse(t, "push i32 17")
	if err := q.Append(a); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}

	assertInstructions(t, q.Drain(), a)
	if !q.IsEmpty() {
		t.Error("queue should be empty after Drain")
	}
	if got := q.Drain(); len(got) != 0 {
		t.Errorf("second Drain = %v, want empty", got)
	}
}

func TestAppend_PreservesOrder(t *testing.T) {
	q := New()
	a, b := mustParse(t, "push i32 1"), mustParse(t, "pop i32")
	_ = q.Append(a)
	_ = q.Append(b)

	assertInstructions(t, q.Drain(), a, b)
}

func TestAppend_InvalidLeavesQueueUnchanged(t *testing.T) {
	q := New()
	a := mustParse(t, "push i32 1")
	_ = q.Append(a)

	err := q.Append(instr.Instruction{Op: instr.OpEqz, Type: instr.F32})
	if !errors.Is(err, instr.ErrInvalidInstruction) {
		t.Fatalf("Append error = %v, want ErrInvalidInstruction", err)
	}
	n := vm.Int(3)
	err = q.Append(instr.Instruction{Op: instr.OpAdd, Type: instr.I32, Value: &n})
	if !errors.Is(err, instr.ErrInvalidInstruction) {
		t.Fatalf("Append error = %v, want ErrInvalidInstruction", err)
	}
	assertInstructions(t, q.Items(), a)
}

func TestAppend_CopiesOperand(t *testing.T) {
	q := New()
	n := vm.Int(5)
	_ = q.Append(instr.Instruction{Op: instr.OpPush, Type: instr.I32, Value: &n})
	n = vm.Int(6)

	got := q.Drain()
	if got[0].Value.Int64() != 5 {
		t.Errorf("queued operand = %s, want 5", got[0].Value)
	}
}

// ---------------------------------------------------------------------------
// Remove
// ---------------------------------------------------------------------------

func TestRemove_Middle(t *testing.T) {
	q := New()
	a, b, c := mustParse(t, "push i32 1"), mustParse(t, "push i32 2"), mustParse(t, "add i32")
	for _, in := range []instr.Instruction{a, b, c} {
		_ = q.Append(in)
	}

	if err := q.Remove(1); err != nil {
		t.Fatalf("Remove returned error: %v", err)
	}
	assertInstructions(t, q.Drain(), a, c)
}

func TestRemove_OutOfRange(t *testing.T) {
	q := New()
	_ = q.Append(mustParse(t, "push i32 1"))

	for _, idx := range []int{1, 5, -1} {
		if err := q.Remove(idx); !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("Remove(%d) error = %v, want ErrIndexOutOfRange", idx, err)
		}
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

// Every appended instruction is drained exactly once.
func TestConcurrentAppendAndDrain(t *testing.T) {
	q := New()
	in := mustParse(t, "drop i32")

	const writers, perWriter = 8, 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	drained := 0

	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWriter {
				_ = q.Append(in)
				if got := q.Drain(); len(got) > 0 {
					mu.Lock()
					drained += len(got)
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	drained += len(q.Drain())

	if drained != writers*perWriter {
		t.Errorf("drained %d instructions, want %d", drained, writers*perWriter)
	}
}
