package session

import (
	"fmt"

	"github.com/chazu/wasmvm/instr"
	"github.com/chazu/wasmvm/vm"
)

var valueTypes = [...]vm.ValueType{
	instr.I32: vm.I32,
	instr.I64: vm.I64,
	instr.F32: vm.F32,
	instr.F64: vm.F64,
}

var _ [instr.NumNumericTypes]vm.ValueType = valueTypes

type translator func(in instr.Instruction, t vm.ValueType) (vm.Operation, error)

func typedOnly(ctor func(vm.ValueType) vm.Operation) translator {
	return func(_ instr.Instruction, t vm.ValueType) (vm.Operation, error) {
		return ctor(t), nil
	}
}

// translators is indexed by instr.Operation. Adding an operation without a
// row here fails to compile.
var translators = [...]translator{
	instr.OpAdd:  typedOnly(vm.NewAdd),
	instr.OpAnd:  typedOnly(vm.NewAnd),
	instr.OpDiv:  typedOnly(vm.NewDiv),
	instr.OpDrop: typedOnly(vm.NewDrop),
	instr.OpEq:   typedOnly(vm.NewEq),
	instr.OpEqz: func(_ instr.Instruction, t vm.ValueType) (vm.Operation, error) {
		return vm.NewEqz(t)
	},
	instr.OpGe:  typedOnly(vm.NewGe),
	instr.OpGt:  typedOnly(vm.NewGt),
	instr.OpLe:  typedOnly(vm.NewLe),
	instr.OpLt:  typedOnly(vm.NewLt),
	instr.OpMul: typedOnly(vm.NewMul),
	instr.OpOr:  typedOnly(vm.NewOr),
	instr.OpPop: typedOnly(vm.NewPop),
	instr.OpPush: func(in instr.Instruction, t vm.ValueType) (vm.Operation, error) {
		if in.Value == nil {
			return nil, fmt.Errorf("%w: push without a value", ErrInvalidInstruction)
		}
		return vm.NewPush(*in.Value, t), nil
	},
	instr.OpSub: typedOnly(vm.NewSub),
	instr.OpXor: typedOnly(vm.NewXor),
}

var _ [instr.NumOperations]translator = translators

// Translate maps a validated instruction to the interpreter operation it
// denotes: push becomes vm.NewPush(value, type), everything else the
// matching constructor applied to the type.
func Translate(in instr.Instruction) (vm.Operation, error) {
	if in.Op >= instr.NumOperations || in.Type >= instr.NumNumericTypes {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInstruction, in)
	}
	return translators[in.Op](in, valueTypes[in.Type])
}

// TranslateAll translates a batch in order.
func TranslateAll(batch []instr.Instruction) ([]vm.Operation, error) {
	ops := make([]vm.Operation, len(batch))
	for i, in := range batch {
		op, err := Translate(in)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		ops[i] = op
	}
	return ops, nil
}
