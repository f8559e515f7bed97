package vm

import (
	"fmt"
	"math"
	"strconv"
)

// ValueType selects the width and representation of a stack value.
type ValueType byte

const (
	I32 ValueType = iota
	I64
	F32
	F64

	numValueTypes
)

var valueTypeNames = [...]string{
	I32: "i32",
	I64: "i64",
	F32: "f32",
	F64: "f64",
}

// String returns the mnemonic of the type ("i32", "f64", ...).
func (t ValueType) String() string {
	if t < numValueTypes {
		return valueTypeNames[t]
	}
	return fmt.Sprintf("ValueType(%d)", byte(t))
}

// Valid reports whether t is one of the four value types.
func (t ValueType) Valid() bool {
	return t < numValueTypes
}

// IsFloat reports whether t is f32 or f64.
func (t ValueType) IsFloat() bool {
	return t == F32 || t == F64
}

// ParseValueType parses a type mnemonic.
func ParseValueType(s string) (ValueType, error) {
	for i, name := range valueTypeNames {
		if name == s {
			return ValueType(i), nil
		}
	}
	return 0, fmt.Errorf("vm: unknown value type %q", s)
}

// ---------------------------------------------------------------------------
// Value
// ---------------------------------------------------------------------------

// Value is a typed stack value. The payload is stored as raw bits:
// integers as unsigned words of their width, floats as their IEEE 754
// pattern (f32 in the low 32 bits).
type Value struct {
	Type ValueType
	bits uint64
}

// ValueI32 returns an i32 value.
func ValueI32(v int32) Value { return Value{Type: I32, bits: uint64(uint32(v))} }

// ValueI64 returns an i64 value.
func ValueI64(v int64) Value { return Value{Type: I64, bits: uint64(v)} }

// ValueF32 returns an f32 value.
func ValueF32(v float32) Value { return Value{Type: F32, bits: uint64(math.Float32bits(v))} }

// ValueF64 returns an f64 value.
func ValueF64(v float64) Value { return Value{Type: F64, bits: math.Float64bits(v)} }

// fromBits builds a value of type t from a raw bit pattern, masking i32 and
// f32 payloads to their low 32 bits.
func fromBits(t ValueType, bits uint64) Value {
	if t == I32 || t == F32 {
		bits &= math.MaxUint32
	}
	return Value{Type: t, bits: bits}
}

// Bits returns the raw payload.
func (v Value) Bits() uint64 { return v.bits }

// I32 returns the payload as int32. Only meaningful for I32 values.
func (v Value) I32() int32 { return int32(uint32(v.bits)) }

// I64 returns the payload as int64. Only meaningful for I64 values.
func (v Value) I64() int64 { return int64(v.bits) }

// U32 returns the payload as uint32, the word i32 arithmetic, comparison
// and formatting operate on.
func (v Value) U32() uint32 { return uint32(v.bits) }

// U64 returns the payload as uint64.
func (v Value) U64() uint64 { return v.bits }

// F32 returns the payload as float32. Only meaningful for F32 values.
func (v Value) F32() float32 { return math.Float32frombits(uint32(v.bits)) }

// F64 returns the payload as float64. Only meaningful for F64 values.
func (v Value) F64() float64 { return math.Float64frombits(v.bits) }

// IsZero reports whether the value is numerically zero. Negative zero
// counts as zero for floats.
func (v Value) IsZero() bool {
	switch v.Type {
	case I32:
		return v.I32() == 0
	case I64:
		return v.I64() == 0
	case F32:
		return v.F32() == 0
	case F64:
		return v.F64() == 0
	}
	return false
}

// String formats the value the way snapshots present it: integers as
// unsigned decimal (so -1 pushed as i32 reads 4294967295), floats in the
// shortest representation that round-trips.
func (v Value) String() string {
	switch v.Type {
	case I32:
		return strconv.FormatUint(uint64(v.U32()), 10)
	case I64:
		return strconv.FormatUint(v.U64(), 10)
	case F32:
		return strconv.FormatFloat(float64(v.F32()), 'g', -1, 32)
	case F64:
		return strconv.FormatFloat(v.F64(), 'g', -1, 64)
	}
	return fmt.Sprintf("<%s %#x>", v.Type, v.bits)
}

// boolValue returns 1 or 0 typed as t.
func boolValue(t ValueType, b bool) Value {
	if b {
		return Coerce(t, Int(1))
	}
	return Coerce(t, Int(0))
}

// Coerce converts an untyped literal to a value of type t. Floats going to
// an integer type truncate toward zero and then wrap; integers going to a
// float type convert to the nearest representable float.
func Coerce(t ValueType, n Number) Value {
	switch t {
	case I32:
		if n.IsFloat() {
			return ValueI32(int32(truncToInt64(n.Float64())))
		}
		return ValueI32(int32(n.Int64()))
	case I64:
		if n.IsFloat() {
			return ValueI64(truncToInt64(n.Float64()))
		}
		return ValueI64(n.Int64())
	case F32:
		return ValueF32(float32(n.Float64()))
	case F64:
		return ValueF64(n.Float64())
	}
	panic(fmt.Sprintf("vm: coerce to invalid type %d", byte(t)))
}

// truncToInt64 truncates toward zero. NaN becomes 0 and out-of-range
// values saturate, since the Go conversion is implementation-defined there.
func truncToInt64(f float64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(math.Trunc(f))
}
