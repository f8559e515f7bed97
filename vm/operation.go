package vm

import "fmt"

// OperationKind identifies a native operation.
type OperationKind byte

const (
	KindPush OperationKind = iota
	KindPop
	KindDrop
	KindAdd
	KindSub
	KindMul
	KindDiv
	KindAnd
	KindOr
	KindXor
	KindEq
	KindEqz
	KindLt
	KindGt
	KindLe
	KindGe

	NumKinds
)

var kindNames = [...]string{
	"push", "pop", "drop",
	"add", "sub", "mul", "div",
	"and", "or", "xor",
	"eq", "eqz", "lt", "gt", "le", "ge",
}

// A missing or extra name is a compile error.
var _ [NumKinds]string = kindNames

// String returns the mnemonic of the kind.
func (k OperationKind) String() string {
	if k < NumKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("OperationKind(%d)", byte(k))
}

// ParseOperationKind parses an operation mnemonic.
func ParseOperationKind(s string) (OperationKind, error) {
	for i, name := range kindNames {
		if name == s {
			return OperationKind(i), nil
		}
	}
	return 0, fmt.Errorf("vm: unknown operation %q", s)
}

// Operation is a native interpreter operation. The set is closed: only the
// types in this file implement it.
type Operation interface {
	Kind() OperationKind
	// ValueType is the type tag the operation works on.
	ValueType() ValueType
	fmt.Stringer
	operation()
}

// typed carries the value type shared by every operation.
type typed struct{ Type ValueType }

func (t typed) ValueType() ValueType { return t.Type }
func (typed) operation()             {}

type (
	// OperationPush pushes a constant.
	OperationPush struct{ Value Value }
	// OperationPop removes the top value, which must have the tagged type.
	OperationPop struct{ typed }
	// OperationDrop removes the top value whatever its type.
	OperationDrop struct{ typed }
	// OperationAdd pops b then a and pushes a+b.
	OperationAdd struct{ typed }
	// OperationSub pops b then a and pushes a-b.
	OperationSub struct{ typed }
	// OperationMul pops b then a and pushes a*b.
	OperationMul struct{ typed }
	// OperationDiv pops the dividend (top) then the divisor and pushes the quotient.
	OperationDiv struct{ typed }
	// OperationAnd pops two values and pushes their bitwise AND.
	OperationAnd struct{ typed }
	// OperationOr pops two values and pushes their bitwise OR.
	OperationOr struct{ typed }
	// OperationXor pops two values and pushes their bitwise XOR.
	OperationXor struct{ typed }
	// OperationEq pops two values and pushes 1 if they are equal, else 0.
	OperationEq struct{ typed }
	// OperationEqz pushes 1 if the top value is zero, else 0.
	OperationEqz struct{ typed }
	// OperationLt pushes 1 above both operands if the top value is less
	// than the one beneath it, else 0.
	OperationLt struct{ typed }
	// OperationGt pushes 1 above both operands if the top value is greater
	// than the one beneath it, else 0.
	OperationGt struct{ typed }
	// OperationLe pops two values and pushes 1 if the top was less than or
	// equal to the one beneath it.
	OperationLe struct{ typed }
	// OperationGe pops two values and pushes 1 if the top was greater than
	// or equal to the one beneath it.
	OperationGe struct{ typed }
)

func (o OperationPush) Kind() OperationKind  { return KindPush }
func (o OperationPush) ValueType() ValueType { return o.Value.Type }
func (OperationPush) operation()             {}
func (o OperationPush) String() string       { return fmt.Sprintf("push %s %s", o.Value.Type, o.Value) }

func (OperationPop) Kind() OperationKind  { return KindPop }
func (OperationDrop) Kind() OperationKind { return KindDrop }
func (OperationAdd) Kind() OperationKind  { return KindAdd }
func (OperationSub) Kind() OperationKind  { return KindSub }
func (OperationMul) Kind() OperationKind  { return KindMul }
func (OperationDiv) Kind() OperationKind  { return KindDiv }
func (OperationAnd) Kind() OperationKind  { return KindAnd }
func (OperationOr) Kind() OperationKind   { return KindOr }
func (OperationXor) Kind() OperationKind  { return KindXor }
func (OperationEq) Kind() OperationKind   { return KindEq }
func (OperationEqz) Kind() OperationKind  { return KindEqz }
func (OperationLt) Kind() OperationKind   { return KindLt }
func (OperationGt) Kind() OperationKind   { return KindGt }
func (OperationLe) Kind() OperationKind   { return KindLe }
func (OperationGe) Kind() OperationKind   { return KindGe }

func (o OperationPop) String() string  { return "pop " + o.Type.String() }
func (o OperationDrop) String() string { return "drop " + o.Type.String() }
func (o OperationAdd) String() string  { return "add " + o.Type.String() }
func (o OperationSub) String() string  { return "sub " + o.Type.String() }
func (o OperationMul) String() string  { return "mul " + o.Type.String() }
func (o OperationDiv) String() string  { return "div " + o.Type.String() }
func (o OperationAnd) String() string  { return "and " + o.Type.String() }
func (o OperationOr) String() string   { return "or " + o.Type.String() }
func (o OperationXor) String() string  { return "xor " + o.Type.String() }
func (o OperationEq) String() string   { return "eq " + o.Type.String() }
func (o OperationEqz) String() string  { return "eqz " + o.Type.String() }
func (o OperationLt) String() string   { return "lt " + o.Type.String() }
func (o OperationGt) String() string   { return "gt " + o.Type.String() }
func (o OperationLe) String() string   { return "le " + o.Type.String() }
func (o OperationGe) String() string   { return "ge " + o.Type.String() }

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// NewPush builds a push of n coerced to t.
func NewPush(n Number, t ValueType) Operation { return OperationPush{Value: Coerce(t, n)} }

func NewPop(t ValueType) Operation  { return OperationPop{typed{t}} }
func NewDrop(t ValueType) Operation { return OperationDrop{typed{t}} }
func NewAdd(t ValueType) Operation  { return OperationAdd{typed{t}} }
func NewSub(t ValueType) Operation  { return OperationSub{typed{t}} }
func NewMul(t ValueType) Operation  { return OperationMul{typed{t}} }
func NewDiv(t ValueType) Operation  { return OperationDiv{typed{t}} }
func NewAnd(t ValueType) Operation  { return OperationAnd{typed{t}} }
func NewOr(t ValueType) Operation   { return OperationOr{typed{t}} }
func NewXor(t ValueType) Operation  { return OperationXor{typed{t}} }
func NewEq(t ValueType) Operation   { return OperationEq{typed{t}} }
func NewLt(t ValueType) Operation   { return OperationLt{typed{t}} }
func NewGt(t ValueType) Operation   { return OperationGt{typed{t}} }
func NewLe(t ValueType) Operation   { return OperationLe{typed{t}} }
func NewGe(t ValueType) Operation   { return OperationGe{typed{t}} }

// NewEqz builds an eqz. Only integer types are accepted.
func NewEqz(t ValueType) (Operation, error) {
	if t.IsFloat() {
		return nil, fmt.Errorf("%w: eqz on %s", ErrTypeMismatch, t)
	}
	return OperationEqz{typed{t}}, nil
}

// Decode builds an operation from its wire parts: kind, type and, for push
// only, the operand. It is the inverse of Encode and is used at transport
// boundaries where operations arrive by name.
func Decode(kind OperationKind, t ValueType, operand *Number) (Operation, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("vm: invalid value type %d", byte(t))
	}
	if (kind == KindPush) != (operand != nil) {
		if operand == nil {
			return nil, fmt.Errorf("vm: %s requires an operand", kind)
		}
		return nil, fmt.Errorf("vm: %s takes no operand", kind)
	}
	switch kind {
	case KindPush:
		return NewPush(*operand, t), nil
	case KindPop:
		return NewPop(t), nil
	case KindDrop:
		return NewDrop(t), nil
	case KindAdd:
		return NewAdd(t), nil
	case KindSub:
		return NewSub(t), nil
	case KindMul:
		return NewMul(t), nil
	case KindDiv:
		return NewDiv(t), nil
	case KindAnd:
		return NewAnd(t), nil
	case KindOr:
		return NewOr(t), nil
	case KindXor:
		return NewXor(t), nil
	case KindEq:
		return NewEq(t), nil
	case KindEqz:
		return NewEqz(t)
	case KindLt:
		return NewLt(t), nil
	case KindGt:
		return NewGt(t), nil
	case KindLe:
		return NewLe(t), nil
	case KindGe:
		return NewGe(t), nil
	}
	return nil, fmt.Errorf("vm: unknown operation kind %d", byte(kind))
}

// Encode splits an operation into its wire parts. The operand is nil for
// everything but push, where it carries the already-coerced value.
func Encode(op Operation) (OperationKind, ValueType, *Number) {
	if p, ok := op.(OperationPush); ok {
		n := p.Value.Number()
		return KindPush, p.Value.Type, &n
	}
	return op.Kind(), op.ValueType(), nil
}

// Number returns the value as an untyped literal that coerces back to the
// same value.
func (v Value) Number() Number {
	switch v.Type {
	case I32:
		return Int(int64(v.I32()))
	case I64:
		return Int(v.I64())
	case F32:
		return Float(float64(v.F32()))
	}
	return Float(v.F64())
}
