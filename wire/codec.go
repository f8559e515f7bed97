package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/wasmvm/vm"
)

// cborEncMode uses canonical encoding so equal messages encode to equal
// bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Codec names as they appear in content types
// ("application/cbor", "application/grpc+cbor").
const (
	CodecCBOR = "cbor"
	CodecJSON = "json"
)

// CBOR marshals plain Go structs as CBOR. It satisfies both the Connect
// and the gRPC codec interfaces.
type CBOR struct{}

func (CBOR) Name() string { return CodecCBOR }

func (CBOR) Marshal(v any) ([]byte, error) {
	data, err := cborEncMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %T: %w", v, err)
	}
	return data, nil
}

func (CBOR) Unmarshal(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: unmarshal %T: %w", v, err)
	}
	return nil
}

// JSON marshals plain Go structs with encoding/json. Registered under the
// "json" name it replaces Connect's protobuf JSON mapping, which only
// works for generated messages.
type JSON struct{}

func (JSON) Name() string { return CodecJSON }

func (JSON) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %T: %w", v, err)
	}
	return data, nil
}

func (JSON) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: unmarshal %T: %w", v, err)
	}
	return nil
}

// CodecByName returns the codec for name, defaulting to CBOR.
func CodecByName(name string) (interface {
	Name() string
	Marshal(any) ([]byte, error)
	Unmarshal([]byte, any) error
}, error) {
	switch name {
	case "", CodecCBOR:
		return CBOR{}, nil
	case CodecJSON:
		return JSON{}, nil
	}
	return nil, fmt.Errorf("wire: unknown codec %q", name)
}

// ---------------------------------------------------------------------------
// Error details
// ---------------------------------------------------------------------------

const runFailureType = "wasmvm.v1.RunFailure"

// Detail encodes the failure as a protobuf Struct, suitable for Connect and
// gRPC error details.
func (f RunFailure) Detail() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"@type":    runFailureType,
		"at_index": f.AtIndex,
		"kind":     f.Kind,
		"cause":    f.Cause,
	})
}

// ParseRunFailure decodes a detail produced by Detail.
func ParseRunFailure(s *structpb.Struct) (RunFailure, bool) {
	if s == nil {
		return RunFailure{}, false
	}
	fields := s.GetFields()
	if fields["@type"].GetStringValue() != runFailureType {
		return RunFailure{}, false
	}
	return RunFailure{
		AtIndex: int(fields["at_index"].GetNumberValue()),
		Kind:    fields["kind"].GetStringValue(),
		Cause:   fields["cause"].GetStringValue(),
	}, true
}

var causes = []struct {
	name string
	err  error
}{
	{"StackUnderflow", vm.ErrStackUnderflow},
	{"StackOverflow", vm.ErrStackOverflow},
	{"DivideByZero", vm.ErrDivideByZero},
	{"TypeMismatch", vm.ErrTypeMismatch},
}

// NewRunFailure describes a failed run for the wire.
func NewRunFailure(stepErr *vm.StepError) RunFailure {
	f := RunFailure{AtIndex: stepErr.Index, Kind: stepErr.Kind.String(), Cause: "Unknown"}
	for _, c := range causes {
		if errors.Is(stepErr.Err, c.err) {
			f.Cause = c.name
			break
		}
	}
	return f
}

// StepError rebuilds the interpreter error on the client side. message is
// the server's error text, kept for unknown causes.
func (f RunFailure) StepError(message string) *vm.StepError {
	kind, _ := vm.ParseOperationKind(f.Kind)
	err := errors.New(message)
	for _, c := range causes {
		if c.name == f.Cause {
			err = c.err
			break
		}
	}
	return &vm.StepError{Index: f.AtIndex, Kind: kind, Err: err}
}
