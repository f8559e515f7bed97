package vm

import (
	"errors"
	"reflect"
	"testing"
)

// mustRun builds a fresh machine, runs ops, and fails the test on error.
func mustRun(t *testing.T, ops ...Operation) *Machine {
	t.Helper()
	m, err := New(Config{Pages: 0, MaxPages: 1})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := m.Run(ops); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	return m
}

func assertStack(t *testing.T, m *Machine, want ...string) {
	t.Helper()
	got := m.Inspect()
	if len(want) == 0 && len(got) == 0 {
		return
	}
	if !reflect.DeepEqual([]string(got), want) {
		t.Errorf("stack = %v, want %v", got, want)
	}
}

func push(t ValueType, v int64) Operation { return NewPush(Int(v), t) }

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		cfg Config
		ok  bool
	}{
		{Config{0, 0}, true},
		{Config{0, 1}, true},
		{Config{3, 3}, true},
		{Config{-1, 1}, false},
		{Config{0, -1}, false},
		{Config{2, 1}, false},
	}
	for _, tc := range tests {
		err := tc.cfg.Validate()
		if tc.ok && err != nil {
			t.Errorf("%+v: unexpected error %v", tc.cfg, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%+v: error = %v, want ErrInvalidConfig", tc.cfg, err)
		}
	}
}

func TestNew_AllocatesPagesAndGrows(t *testing.T) {
	m, err := New(Config{Pages: 1, MaxPages: 2})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if m.Pages() != 1 {
		t.Fatalf("Pages() = %d, want 1", m.Pages())
	}
	if !m.Grow() {
		t.Fatal("first Grow should succeed")
	}
	if m.Grow() {
		t.Fatal("Grow past MaxPages should fail")
	}
	if m.Pages() != 2 {
		t.Errorf("Pages() = %d, want 2", m.Pages())
	}
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func TestRun_AddScenario(t *testing.T) {
	m := mustRun(t, push(I32, 17), push(I32, 25), NewAdd(I32))
	assertStack(t, m, "42")
}

func TestRun_SubOrder(t *testing.T) {
	m := mustRun(t, push(I64, 10), push(I64, 3), NewSub(I64))
	assertStack(t, m, "7")
}

func TestRun_DivTopByNext(t *testing.T) {
	m := mustRun(t, push(I32, 2), push(I32, 10), NewDiv(I32))
	assertStack(t, m, "5")

	m = mustRun(t, push(I32, 2), push(I32, 7), NewDiv(I32))
	assertStack(t, m, "3")
}

func TestRun_DivUnsigned(t *testing.T) {
	// -7 is the word 0xFFFFFFF9.
	m := mustRun(t, push(I32, 2), push(I32, -7), NewDiv(I32))
	assertStack(t, m, "2147483644")

	m = mustRun(t, push(I64, -1), push(I64, 6), NewDiv(I64))
	assertStack(t, m, "0")
}

func TestRun_I32Wraps(t *testing.T) {
	m := mustRun(t, push(I32, 2147483647), push(I32, 1), NewAdd(I32))
	assertStack(t, m, "2147483648")

	m = mustRun(t, push(I32, 0), push(I32, 1), NewSub(I32))
	assertStack(t, m, "4294967295")

	m = mustRun(t, push(I32, 1<<40+5))
	assertStack(t, m, "5")
}

func TestRun_Floats(t *testing.T) {
	m := mustRun(t, NewPush(Float(0.1), F32), NewPush(Float(0.2), F64), NewPush(Int(3), F64), NewMul(F64))
	assertStack(t, m, "0.1", "0.6000000000000001")
}

func TestRun_FloatToIntTruncates(t *testing.T) {
	m := mustRun(t, NewPush(Float(-2.9), I32), NewPush(Float(7.99), I64))
	assertStack(t, m, "4294967294", "7")
}

func TestRun_Bitwise(t *testing.T) {
	m := mustRun(t, push(I32, 12), push(I32, 10), NewAnd(I32))
	assertStack(t, m, "8")

	m = mustRun(t, push(I32, 12), push(I32, 10), NewOr(I32))
	assertStack(t, m, "14")

	m = mustRun(t, push(I32, 12), push(I32, 10), NewXor(I32))
	assertStack(t, m, "6")

	m = mustRun(t, NewPush(Float(1.5), F64), NewPush(Float(1.5), F64), NewAnd(F64))
	assertStack(t, m, "1.5")
}

// ---------------------------------------------------------------------------
// Comparisons
// ---------------------------------------------------------------------------

func TestRun_Comparisons(t *testing.T) {
	tests := []struct {
		name string
		op   Operation
		want []string
	}{
		// next = 5, top = 3; lt and gt keep their operands
		{"eq", NewEq(I32), []string{"0"}},
		{"lt", NewLt(I32), []string{"5", "3", "1"}},
		{"gt", NewGt(I32), []string{"5", "3", "0"}},
		{"le", NewLe(I32), []string{"1"}},
		{"ge", NewGe(I32), []string{"0"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := mustRun(t, push(I32, 5), push(I32, 3), tc.op)
			assertStack(t, m, tc.want...)
		})
	}
}

func TestRun_GtKeepsOperands(t *testing.T) {
	m := mustRun(t, push(I32, 1), push(I32, 2), NewGt(I32))
	assertStack(t, m, "1", "2", "1")
}

func TestRun_CompareUnsigned(t *testing.T) {
	// -1 is the largest i32 word, so it is not less than 1.
	m := mustRun(t, push(I32, 1), push(I32, -1), NewLt(I32))
	assertStack(t, m, "1", "4294967295", "0")

	m = mustRun(t, push(I64, 1), push(I64, -1), NewGe(I64))
	assertStack(t, m, "1")
}

func TestRun_LtOverflowLeavesStack(t *testing.T) {
	m, _ := New(Config{}, WithMaxStack(2))
	err := m.Run([]Operation{push(I32, 1), push(I32, 2), NewLt(I32)})
	if !errors.Is(err, ErrStackOverflow) {
		t.Fatalf("error = %v, want ErrStackOverflow", err)
	}
	assertStack(t, m, "1", "2")
}

func TestRun_CompareFloatResultTyped(t *testing.T) {
	m := mustRun(t, NewPush(Float(2), F32), NewPush(Float(2), F32), NewEq(F32))
	assertStack(t, m, "1")
	if got := m.Stack()[0].Type; got != F32 {
		t.Errorf("result type = %s, want f32", got)
	}
}

func TestRun_Eqz(t *testing.T) {
	eqz, err := NewEqz(I64)
	if err != nil {
		t.Fatalf("NewEqz returned error: %v", err)
	}
	m := mustRun(t, push(I64, 0), eqz)
	assertStack(t, m, "1")

	m = mustRun(t, push(I64, 9), eqz)
	assertStack(t, m, "0")

	if _, err := NewEqz(F32); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("NewEqz(F32) error = %v, want ErrTypeMismatch", err)
	}
}

// ---------------------------------------------------------------------------
// Failures
// ---------------------------------------------------------------------------

func TestRun_PopOnEmptyStack(t *testing.T) {
	m, _ := New(Config{})
	err := m.Run([]Operation{NewPop(I32)})

	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("error = %v, want *StepError", err)
	}
	if stepErr.Index != 0 || stepErr.Kind != KindPop {
		t.Errorf("StepError = %+v, want index 0 pop", stepErr)
	}
	if !errors.Is(err, ErrStackUnderflow) {
		t.Errorf("error = %v, want ErrStackUnderflow", err)
	}
	assertStack(t, m)
}

func TestRun_FailureKeepsEarlierOperations(t *testing.T) {
	m, _ := New(Config{})
	err := m.Run([]Operation{push(I32, 1), push(I32, 2), NewAdd(I32), NewAdd(I32)})

	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Index != 3 {
		t.Fatalf("error = %v, want failure at index 3", err)
	}
	assertStack(t, m, "3")
}

func TestRun_DivideByZeroLeavesOperands(t *testing.T) {
	m, _ := New(Config{})
	err := m.Run([]Operation{push(I32, 0), push(I32, 10), NewDiv(I32)})
	if !errors.Is(err, ErrDivideByZero) {
		t.Fatalf("error = %v, want ErrDivideByZero", err)
	}
	assertStack(t, m, "0", "10")

	m, _ = New(Config{})
	err = m.Run([]Operation{NewPush(Float(0), F64), NewPush(Float(1), F64), NewDiv(F64)})
	if !errors.Is(err, ErrDivideByZero) {
		t.Errorf("float error = %v, want ErrDivideByZero", err)
	}
}

func TestRun_TypeMismatch(t *testing.T) {
	m, _ := New(Config{})
	err := m.Run([]Operation{push(I32, 1), push(I64, 2), NewAdd(I64)})
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("error = %v, want ErrTypeMismatch", err)
	}
	assertStack(t, m, "1", "2")

	// drop ignores the type tag
	if err := m.Run([]Operation{NewDrop(F32), NewDrop(F64)}); err != nil {
		t.Fatalf("drop returned error: %v", err)
	}
	assertStack(t, m)
}

func TestRun_StackOverflow(t *testing.T) {
	m, _ := New(Config{}, WithMaxStack(2))
	err := m.Run([]Operation{push(I32, 1), push(I32, 2), push(I32, 3)})
	if !errors.Is(err, ErrStackOverflow) {
		t.Fatalf("error = %v, want ErrStackOverflow", err)
	}
	assertStack(t, m, "1", "2")
}

// ---------------------------------------------------------------------------
// Observers
// ---------------------------------------------------------------------------

func TestObserver_CalledPerStep(t *testing.T) {
	var states []State
	m, _ := New(Config{}, WithObserver(func(s State) { states = append(states, s) }))
	_ = m.Run([]Operation{push(I32, 1), push(I32, 2), NewAdd(I32), NewAdd(I32)})

	if len(states) != 3 {
		t.Fatalf("observer called %d times, want 3", len(states))
	}
	last := states[2]
	if last.PC != 3 || last.Depth != 1 || last.Op.Kind() != KindAdd {
		t.Errorf("last state = %+v", last)
	}
}

// ---------------------------------------------------------------------------
// Encode / Decode
// ---------------------------------------------------------------------------

func TestDecode_RoundTripsEveryKind(t *testing.T) {
	for k := OperationKind(0); k < NumKinds; k++ {
		typ := I64
		var operand *Number
		if k == KindPush {
			n := Int(-4)
			operand = &n
		}
		op, err := Decode(k, typ, operand)
		if err != nil {
			t.Fatalf("Decode(%s) returned error: %v", k, err)
		}
		if op.Kind() != k {
			t.Errorf("Decode(%s).Kind() = %s", k, op.Kind())
		}
		gotKind, gotType, gotOperand := Encode(op)
		if gotKind != k || gotType != typ {
			t.Errorf("Encode(%s) = %s %s", op, gotKind, gotType)
		}
		if (gotOperand == nil) != (operand == nil) {
			t.Errorf("Encode(%s) operand = %v", op, gotOperand)
		}
	}
}

func TestDecode_RejectsOperandMismatch(t *testing.T) {
	n := Int(1)
	if _, err := Decode(KindAdd, I32, &n); err == nil {
		t.Error("add with operand should fail")
	}
	if _, err := Decode(KindPush, I32, nil); err == nil {
		t.Error("push without operand should fail")
	}
	if _, err := Decode(KindEqz, F64, nil); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("eqz f64 error = %v, want ErrTypeMismatch", err)
	}
}

func TestParseOperationKind(t *testing.T) {
	k, err := ParseOperationKind("xor")
	if err != nil || k != KindXor {
		t.Errorf("ParseOperationKind(xor) = %v, %v", k, err)
	}
	if _, err := ParseOperationKind("grow"); err == nil {
		t.Error("unknown mnemonic should fail")
	}
}
