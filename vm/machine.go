package vm

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidConfig  = errors.New("vm: invalid config")
	ErrStackUnderflow = errors.New("vm: stack underflow")
	ErrStackOverflow  = errors.New("vm: stack overflow")
	ErrDivideByZero   = errors.New("vm: divide by zero")
	ErrTypeMismatch   = errors.New("vm: type mismatch")
)

const (
	// PageSize is the size of one linear memory page in bytes.
	PageSize = 10 * 1024

	// DefaultMaxStack is the operand stack depth limit unless overridden.
	DefaultMaxStack = 1024
)

// Config bounds a machine's linear memory.
type Config struct {
	Pages    int `json:"pages" cbor:"pages" toml:"pages"`
	MaxPages int `json:"max_pages" cbor:"max_pages" toml:"max-pages"`
}

// Validate checks 0 <= Pages <= MaxPages.
func (c Config) Validate() error {
	if c.Pages < 0 || c.MaxPages < 0 {
		return fmt.Errorf("%w: negative page count (pages=%d, max_pages=%d)", ErrInvalidConfig, c.Pages, c.MaxPages)
	}
	if c.MaxPages < c.Pages {
		return fmt.Errorf("%w: max_pages %d < pages %d", ErrInvalidConfig, c.MaxPages, c.Pages)
	}
	return nil
}

// Snapshot is the operand stack rendered as strings, bottom first.
type Snapshot []string

// StepError reports the first operation of a run that failed.
type StepError struct {
	Index int
	Kind  OperationKind
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("vm: operation %d (%s): %v", e.Index, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// State is what observers see after every step.
type State struct {
	PC    int
	Op    Operation
	Depth int
	Pages int
}

// Observer is notified after each successful step.
type Observer func(State)

// Machine is a stack interpreter with typed values and paged memory.
type Machine struct {
	config   Config
	stack    []Value
	maxStack int
	memory   [][]byte
	pc       int

	observers []Observer
}

// Option configures a Machine.
type Option func(*Machine)

// WithMaxStack sets the operand stack depth limit.
func WithMaxStack(n int) Option {
	return func(m *Machine) { m.maxStack = n }
}

// WithObserver registers an observer at construction.
func WithObserver(o Observer) Option {
	return func(m *Machine) { m.observers = append(m.observers, o) }
}

// New creates a machine with cfg.Pages zeroed pages and an empty stack.
func New(cfg Config, opts ...Option) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Machine{
		config:   cfg,
		maxStack: DefaultMaxStack,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.memory = make([][]byte, 0, cfg.Pages)
	for range cfg.Pages {
		m.memory = append(m.memory, make([]byte, PageSize))
	}
	return m, nil
}

// Config returns the machine's page bounds.
func (m *Machine) Config() Config { return m.config }

// Pages returns the number of allocated memory pages.
func (m *Machine) Pages() int { return len(m.memory) }

// Depth returns the operand stack depth.
func (m *Machine) Depth() int { return len(m.stack) }

// Observe registers an observer.
func (m *Machine) Observe(o Observer) {
	m.observers = append(m.observers, o)
}

// Grow adds one memory page. It reports false once MaxPages is reached.
func (m *Machine) Grow() bool {
	if len(m.memory) >= m.config.MaxPages {
		return false
	}
	m.memory = append(m.memory, make([]byte, PageSize))
	return true
}

// Inspect renders the stack, bottom first. The result is a fresh slice.
func (m *Machine) Inspect() Snapshot {
	out := make(Snapshot, len(m.stack))
	for i, v := range m.stack {
		out[i] = v.String()
	}
	return out
}

// Stack returns a copy of the raw stack, bottom first.
func (m *Machine) Stack() []Value {
	out := make([]Value, len(m.stack))
	copy(out, m.stack)
	return out
}

// Run executes ops in order and stops at the first failure, which is
// returned as a *StepError. Operations before the failing one stay
// applied; the failing one leaves the stack untouched.
func (m *Machine) Run(ops []Operation) error {
	for i, op := range ops {
		if err := m.Step(op); err != nil {
			return &StepError{Index: i, Kind: op.Kind(), Err: err}
		}
	}
	return nil
}

// Step executes a single operation.
func (m *Machine) Step(op Operation) error {
	if err := m.exec(op); err != nil {
		return err
	}
	m.pc++
	if len(m.observers) > 0 {
		st := State{PC: m.pc, Op: op, Depth: len(m.stack), Pages: len(m.memory)}
		for _, o := range m.observers {
			o(st)
		}
	}
	return nil
}

func (m *Machine) exec(op Operation) error {
	switch o := op.(type) {
	case OperationPush:
		if len(m.stack) >= m.maxStack {
			return fmt.Errorf("%w: depth limit %d", ErrStackOverflow, m.maxStack)
		}
		m.stack = append(m.stack, o.Value)
		return nil
	case OperationPop:
		if _, err := m.peek(1, o.Type); err != nil {
			return err
		}
		m.stack = m.stack[:len(m.stack)-1]
		return nil
	case OperationDrop:
		if len(m.stack) == 0 {
			return ErrStackUnderflow
		}
		m.stack = m.stack[:len(m.stack)-1]
		return nil
	case OperationEqz:
		top, err := m.peek(1, o.Type)
		if err != nil {
			return err
		}
		m.replace(1, boolValue(o.Type, top[0].IsZero()))
		return nil
	case OperationAdd, OperationSub, OperationMul, OperationDiv,
		OperationAnd, OperationOr, OperationXor,
		OperationEq, OperationLt, OperationGt, OperationLe, OperationGe:
		return m.binary(op)
	}
	return fmt.Errorf("vm: unsupported operation %T", op)
}

// peek returns the top n values (bottom first) after checking depth and
// that each has type t. It does not modify the stack.
func (m *Machine) peek(n int, t ValueType) ([]Value, error) {
	if len(m.stack) < n {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrStackUnderflow, n, len(m.stack))
	}
	vals := m.stack[len(m.stack)-n:]
	for _, v := range vals {
		if v.Type != t {
			return nil, fmt.Errorf("%w: expected %s, found %s", ErrTypeMismatch, t, v.Type)
		}
	}
	return vals, nil
}

// replace pops n values and pushes v.
func (m *Machine) replace(n int, v Value) {
	m.stack = append(m.stack[:len(m.stack)-n], v)
}

func (m *Machine) binary(op Operation) error {
	t := op.ValueType()
	vals, err := m.peek(2, t)
	if err != nil {
		return err
	}
	// top is the most recently pushed value, next the one beneath it.
	next, top := vals[0], vals[1]

	var result Value
	switch op.Kind() {
	case KindAdd:
		result = arith(t, next, top, func(a, b int64) int64 { return a + b }, func(a, b float64) float64 { return a + b })
	case KindSub:
		result = arith(t, next, top, func(a, b int64) int64 { return a - b }, func(a, b float64) float64 { return a - b })
	case KindMul:
		result = arith(t, next, top, func(a, b int64) int64 { return a * b }, func(a, b float64) float64 { return a * b })
	case KindDiv:
		if next.IsZero() {
			return ErrDivideByZero
		}
		result = divide(t, top, next)
	case KindAnd:
		result = fromBits(t, next.bits&top.bits)
	case KindOr:
		result = fromBits(t, next.bits|top.bits)
	case KindXor:
		result = fromBits(t, next.bits^top.bits)
	case KindEq:
		result = boolValue(t, compare(top, next) == 0)
	case KindLt:
		c := compare(top, next)
		return m.keepAndPush(boolValue(t, c < 0 && c != cmpUnordered))
	case KindGt:
		return m.keepAndPush(boolValue(t, compare(top, next) > 0))
	case KindLe:
		c := compare(top, next)
		result = boolValue(t, c <= 0 && c != cmpUnordered)
	case KindGe:
		result = boolValue(t, compare(top, next) >= 0)
	default:
		return fmt.Errorf("vm: %s is not a binary operation", op.Kind())
	}
	m.replace(2, result)
	return nil
}

// keepAndPush leaves both operands of a comparison in place and pushes its
// flag above them, as lt and gt do.
func (m *Machine) keepAndPush(flag Value) error {
	if len(m.stack) >= m.maxStack {
		return fmt.Errorf("%w: depth limit %d", ErrStackOverflow, m.maxStack)
	}
	m.stack = append(m.stack, flag)
	return nil
}

// arith applies an integer or float function to a and b. Integer results
// wrap to the type's width.
func arith(t ValueType, a, b Value, fi func(a, b int64) int64, ff func(a, b float64) float64) Value {
	switch t {
	case I32:
		return ValueI32(int32(fi(int64(a.I32()), int64(b.I32()))))
	case I64:
		return ValueI64(fi(a.I64(), b.I64()))
	case F32:
		return ValueF32(float32(ff(float64(a.F32()), float64(b.F32()))))
	}
	return ValueF64(ff(a.F64(), b.F64()))
}

// divide returns dividend/divisor. Integers divide as unsigned words and
// truncate; the caller has already rejected a zero divisor.
func divide(t ValueType, dividend, divisor Value) Value {
	switch t {
	case I32:
		return fromBits(I32, uint64(dividend.U32()/divisor.U32()))
	case I64:
		return fromBits(I64, dividend.U64()/divisor.U64())
	case F32:
		return ValueF32(dividend.F32() / divisor.F32())
	}
	return ValueF64(dividend.F64() / divisor.F64())
}

const cmpUnordered = math.MinInt

// compare orders two values of the same type: -1, 0, 1, or cmpUnordered
// when either float is NaN. Integers compare as unsigned words.
func compare(a, b Value) int {
	var x, y float64
	switch a.Type {
	case I32:
		return cmpUint(uint64(a.U32()), uint64(b.U32()))
	case I64:
		return cmpUint(a.U64(), b.U64())
	case F32:
		x, y = float64(a.F32()), float64(b.F32())
	default:
		x, y = a.F64(), b.F64()
	}
	switch {
	case math.IsNaN(x) || math.IsNaN(y):
		return cmpUnordered
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
