package vm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Number is an untyped numeric literal: the operand of a push before it is
// coerced to a value type. Integers keep their full 64-bit precision.
type Number struct {
	i       int64
	f       float64
	isFloat bool
}

// Int returns an integer literal.
func Int(v int64) Number { return Number{i: v} }

// Float returns a floating-point literal.
func Float(v float64) Number { return Number{f: v, isFloat: true} }

// ParseNumber parses a decimal, hex (0x) or floating-point literal.
// Literals containing '.', an exponent, "inf" or "nan" parse as floats.
func ParseNumber(s string) (Number, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Number{}, fmt.Errorf("vm: empty number")
	}
	if i, err := strconv.ParseInt(s, 0, 64); err == nil {
		return Int(i), nil
	}
	// Unsigned 64-bit literals above MaxInt64 keep their bit pattern.
	if u, err := strconv.ParseUint(s, 0, 64); err == nil {
		return Int(int64(u)), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Number{}, fmt.Errorf("vm: invalid number %q", s)
	}
	return Float(f), nil
}

// IsFloat reports whether the literal was written as a float.
func (n Number) IsFloat() bool { return n.isFloat }

// Int64 returns the literal as an int64, truncating floats toward zero.
func (n Number) Int64() int64 {
	if n.isFloat {
		return truncToInt64(n.f)
	}
	return n.i
}

// Float64 returns the literal as a float64.
func (n Number) Float64() float64 {
	if n.isFloat {
		return n.f
	}
	return float64(n.i)
}

// String returns the literal in a form ParseNumber accepts.
func (n Number) String() string {
	if !n.isFloat {
		return strconv.FormatInt(n.i, 10)
	}
	s := strconv.FormatFloat(n.f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

// Equal reports whether both literals have the same kind and value.
func (n Number) Equal(o Number) bool {
	if n.isFloat != o.isFloat {
		return false
	}
	if n.isFloat {
		return n.f == o.f || (math.IsNaN(n.f) && math.IsNaN(o.f))
	}
	return n.i == o.i
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// MarshalJSON encodes the literal as a bare JSON number.
func (n Number) MarshalJSON() ([]byte, error) {
	if n.isFloat && (math.IsNaN(n.f) || math.IsInf(n.f, 0)) {
		return nil, fmt.Errorf("vm: %v is not representable in JSON", n.f)
	}
	return []byte(n.String()), nil
}

// UnmarshalJSON accepts a JSON number. Integers without a fraction or
// exponent stay integers.
func (n *Number) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw json.Number
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("vm: decode number: %w", err)
	}
	parsed, err := ParseNumber(raw.String())
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// MarshalCBOR encodes the literal as a native CBOR integer or float.
func (n Number) MarshalCBOR() ([]byte, error) {
	if n.isFloat {
		return cbor.Marshal(n.f)
	}
	return cbor.Marshal(n.i)
}

// UnmarshalCBOR accepts any CBOR integer or float.
func (n *Number) UnmarshalCBOR(data []byte) error {
	var raw any
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("vm: decode number: %w", err)
	}
	switch v := raw.(type) {
	case uint64:
		*n = Int(int64(v))
	case int64:
		*n = Int(v)
	case float64:
		*n = Float(v)
	case float32:
		*n = Float(float64(v))
	default:
		return fmt.Errorf("vm: decode number: unexpected CBOR %T", raw)
	}
	return nil
}
