// Package instr defines the instructions a client can queue for a VM
// session and the catalog that decides which of them are legal.
package instr

import (
	"fmt"
	"strings"

	"github.com/chazu/wasmvm/vm"
)

// Operation is an instruction mnemonic.
type Operation byte

// Operations in catalog order.
const (
	OpAdd Operation = iota
	OpAnd
	OpDiv
	OpDrop
	OpEq
	OpEqz
	OpGe
	OpGt
	OpLe
	OpLt
	OpMul
	OpOr
	OpPop
	OpPush
	OpSub
	OpXor

	NumOperations
)

var operationNames = [...]string{
	"add", "and", "div", "drop", "eq", "eqz", "ge", "gt",
	"le", "lt", "mul", "or", "pop", "push", "sub", "xor",
}

var _ [NumOperations]string = operationNames

func (op Operation) String() string {
	if op < NumOperations {
		return operationNames[op]
	}
	return fmt.Sprintf("Operation(%d)", byte(op))
}

// ParseOperation parses a mnemonic such as "push".
func ParseOperation(s string) (Operation, error) {
	for i, name := range operationNames {
		if name == s {
			return Operation(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown operation %q", ErrInvalidInstruction, s)
}

// NumericType is the type tag of an instruction.
type NumericType byte

const (
	I32 NumericType = iota
	I64
	F32
	F64

	NumNumericTypes
)

var numericTypeNames = [...]string{"i32", "i64", "f32", "f64"}

var _ [NumNumericTypes]string = numericTypeNames

func (t NumericType) String() string {
	if t < NumNumericTypes {
		return numericTypeNames[t]
	}
	return fmt.Sprintf("NumericType(%d)", byte(t))
}

// ParseNumericType parses "i32", "i64", "f32" or "f64".
func ParseNumericType(s string) (NumericType, error) {
	for i, name := range numericTypeNames {
		if name == s {
			return NumericType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown numeric type %q", ErrInvalidInstruction, s)
}

// Instruction is one queued operation: mnemonic, type tag and, for
// operations that require one, an operand.
type Instruction struct {
	Op    Operation
	Type  NumericType
	Value *vm.Number
}

// New returns a validated instruction without an operand.
func New(op Operation, t NumericType) (Instruction, error) {
	in := Instruction{Op: op, Type: t}
	return in, Validate(in)
}

// Push returns a validated push of n.
func Push(t NumericType, n vm.Number) (Instruction, error) {
	in := Instruction{Op: OpPush, Type: t, Value: &n}
	return in, Validate(in)
}

// Parse reads the text form "<op> <type> [value]", e.g. "push i32 17"
// or "add f64". The result is validated.
func Parse(line string) (Instruction, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || len(fields) > 3 {
		return Instruction{}, fmt.Errorf("%w: expected \"<op> <type> [value]\", got %q", ErrInvalidInstruction, line)
	}
	op, err := ParseOperation(strings.ToLower(fields[0]))
	if err != nil {
		return Instruction{}, err
	}
	t, err := ParseNumericType(strings.ToLower(fields[1]))
	if err != nil {
		return Instruction{}, err
	}
	in := Instruction{Op: op, Type: t}
	if len(fields) == 3 {
		n, err := vm.ParseNumber(fields[2])
		if err != nil {
			return Instruction{}, fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
		}
		in.Value = &n
	}
	return in, Validate(in)
}

// String renders the text form accepted by Parse.
func (in Instruction) String() string {
	if in.Value != nil {
		return fmt.Sprintf("%s %s %s", in.Op, in.Type, in.Value)
	}
	return fmt.Sprintf("%s %s", in.Op, in.Type)
}

// Equal compares two instructions by value, including the operand.
func (in Instruction) Equal(o Instruction) bool {
	if in.Op != o.Op || in.Type != o.Type {
		return false
	}
	if in.Value == nil || o.Value == nil {
		return in.Value == nil && o.Value == nil
	}
	return in.Value.Equal(*o.Value)
}
