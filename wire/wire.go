// Package wire defines the messages exchanged between the remote executor
// clients and the wasmvm server, and the codecs that carry them.
package wire

import (
	"fmt"

	"github.com/chazu/wasmvm/vm"
)

// ServiceName is the fully-qualified name of the VM service.
const ServiceName = "wasmvm.v1.VMService"

// Procedure paths, in the form Connect and gRPC both route on.
const (
	CreateVMProcedure         = "/" + ServiceName + "/CreateVM"
	DescribeVMProcedure       = "/" + ServiceName + "/DescribeVM"
	RunProcedure              = "/" + ServiceName + "/Run"
	InspectProcedure          = "/" + ServiceName + "/Inspect"
	DiscardVMProcedure        = "/" + ServiceName + "/DiscardVM"
	ListInstructionsProcedure = "/" + ServiceName + "/ListInstructions"
)

type CreateVMRequest struct {
	Pages    int `json:"pages" cbor:"pages"`
	MaxPages int `json:"max_pages" cbor:"max_pages"`
}

type VMInfo struct {
	VMID     string `json:"vm_id" cbor:"vm_id"`
	Pages    int    `json:"pages" cbor:"pages"`
	MaxPages int    `json:"max_pages" cbor:"max_pages"`

	// Depth and Allocated are only filled by DescribeVM.
	Depth     int `json:"depth,omitempty" cbor:"depth,omitempty"`
	Allocated int `json:"allocated_pages,omitempty" cbor:"allocated_pages,omitempty"`
}

type VMRequest struct {
	VMID string `json:"vm_id" cbor:"vm_id"`
}

// Op is an operation by name, e.g. {"name":"push","type":"i32","value":17}.
type Op struct {
	Name  string     `json:"name" cbor:"name"`
	Type  string     `json:"type" cbor:"type"`
	Value *vm.Number `json:"value,omitempty" cbor:"value,omitempty"`
}

type RunRequest struct {
	VMID string `json:"vm_id" cbor:"vm_id"`
	Ops  []Op   `json:"ops" cbor:"ops"`
}

type StackResponse struct {
	Stack []string `json:"stack" cbor:"stack"`
}

type Empty struct{}

type CatalogEntry struct {
	Name          string   `json:"name" cbor:"name"`
	Types         []string `json:"types" cbor:"types"`
	RequiresValue bool     `json:"requires_value" cbor:"requires_value"`
}

type ListInstructionsResponse struct {
	Instructions []CatalogEntry `json:"instructions" cbor:"instructions"`
}

// RunFailure is carried as an error detail when Run stops on a failing
// operation.
type RunFailure struct {
	AtIndex int
	Kind    string
	Cause   string
}

// ---------------------------------------------------------------------------
// Operation conversion
// ---------------------------------------------------------------------------

// FromOperation converts a native operation to its wire form.
func FromOperation(op vm.Operation) Op {
	kind, typ, operand := vm.Encode(op)
	return Op{Name: kind.String(), Type: typ.String(), Value: operand}
}

// FromOperations converts a batch.
func FromOperations(ops []vm.Operation) []Op {
	out := make([]Op, len(ops))
	for i, op := range ops {
		out[i] = FromOperation(op)
	}
	return out
}

// Operation decodes the wire form back to a native operation.
func (o Op) Operation() (vm.Operation, error) {
	kind, err := vm.ParseOperationKind(o.Name)
	if err != nil {
		return nil, err
	}
	typ, err := vm.ParseValueType(o.Type)
	if err != nil {
		return nil, err
	}
	return vm.Decode(kind, typ, o.Value)
}

// ToOperations decodes a batch, reporting the index of the first bad op.
func ToOperations(ops []Op) ([]vm.Operation, error) {
	out := make([]vm.Operation, len(ops))
	for i, o := range ops {
		op, err := o.Operation()
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		out[i] = op
	}
	return out, nil
}
