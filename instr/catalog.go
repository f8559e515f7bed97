package instr

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidInstruction is returned for instructions the catalog rejects.
var ErrInvalidInstruction = errors.New("invalid instruction")

// Entry describes one operation of the catalog.
type Entry struct {
	Op            Operation
	Types         []NumericType
	RequiresValue bool
}

// Allows reports whether t is accepted by the entry's operation.
func (e Entry) Allows(t NumericType) bool {
	return slices.Contains(e.Types, t)
}

var (
	allTypes     = []NumericType{I32, I64, F32, F64}
	integerTypes = []NumericType{I32, I64}
)

// catalog is indexed by Operation.
var catalog = func() [NumOperations]Entry {
	var c [NumOperations]Entry
	for op := range NumOperations {
		c[op] = Entry{Op: op, Types: allTypes}
	}
	// No floating-point equality-to-zero.
	c[OpEqz].Types = integerTypes
	c[OpPush].RequiresValue = true
	return c
}()

// List returns the catalog in a fixed order. The result is a copy.
func List() []Entry {
	out := make([]Entry, 0, NumOperations)
	for _, e := range catalog {
		e.Types = slices.Clone(e.Types)
		out = append(out, e)
	}
	return out
}

// Lookup returns the catalog entry for op.
func Lookup(op Operation) (Entry, bool) {
	if op >= NumOperations {
		return Entry{}, false
	}
	e := catalog[op]
	e.Types = slices.Clone(e.Types)
	return e, true
}

// Validate checks an instruction against the catalog. The error wraps
// ErrInvalidInstruction.
func Validate(in Instruction) error {
	e, ok := Lookup(in.Op)
	if !ok {
		return fmt.Errorf("%w: unknown operation %s", ErrInvalidInstruction, in.Op)
	}
	if !e.Allows(in.Type) {
		return fmt.Errorf("%w: %s does not accept %s", ErrInvalidInstruction, in.Op, in.Type)
	}
	switch {
	case e.RequiresValue && in.Value == nil:
		return fmt.Errorf("%w: %s requires a value", ErrInvalidInstruction, in.Op)
	case !e.RequiresValue && in.Value != nil:
		return fmt.Errorf("%w: %s takes no value", ErrInvalidInstruction, in.Op)
	}
	return nil
}
