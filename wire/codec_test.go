package wire

import (
	"errors"
	"testing"

	"github.com/chazu/wasmvm/vm"
)

func sampleOps() []vm.Operation {
	return []vm.Operation{
		vm.NewPush(vm.Int(17), vm.I32),
		vm.NewPush(vm.Float(2.5), vm.F64),
		vm.NewAdd(vm.I32),
	}
}

func TestCodecs_CarryOperations(t *testing.T) {
	for _, codec := range []interface {
		Name() string
		Marshal(any) ([]byte, error)
		Unmarshal([]byte, any) error
	}{CBOR{}, JSON{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			req := RunRequest{VMID: "vm-1", Ops: FromOperations(sampleOps())}
			data, err := codec.Marshal(&req)
			if err != nil {
				t.Fatalf("Marshal returned error: %v", err)
			}
			var got RunRequest
			if err := codec.Unmarshal(data, &got); err != nil {
				t.Fatalf("Unmarshal returned error: %v", err)
			}
			ops, err := ToOperations(got.Ops)
			if err != nil {
				t.Fatalf("ToOperations returned error: %v", err)
			}
			want := sampleOps()
			for i := range want {
				if ops[i] != want[i] {
					t.Errorf("op %d = %s, want %s", i, ops[i], want[i])
				}
			}
		})
	}
}

func TestJSON_AcceptsBrowserShape(t *testing.T) {
	body := `{"vm_id":"vm-3","ops":[{"name":"push","type":"i32","value":17},{"name":"pop","type":"i32"}]}`
	var req RunRequest
	if err := (JSON{}).Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	ops, err := ToOperations(req.Ops)
	if err != nil {
		t.Fatalf("ToOperations returned error: %v", err)
	}
	if len(ops) != 2 || ops[0].Kind() != vm.KindPush || ops[1].Kind() != vm.KindPop {
		t.Errorf("ops = %v", ops)
	}
}

func TestToOperations_ReportsIndex(t *testing.T) {
	_, err := ToOperations([]Op{{Name: "pop", Type: "i32"}, {Name: "eqz", Type: "f32"}})
	if err == nil || !errors.Is(err, vm.ErrTypeMismatch) {
		t.Fatalf("error = %v, want eqz type mismatch", err)
	}
	if got := err.Error(); got[:4] != "op 1" {
		t.Errorf("error = %q, want prefix \"op 1\"", got)
	}
}

func TestCodecByName(t *testing.T) {
	if c, err := CodecByName(""); err != nil || c.Name() != CodecCBOR {
		t.Errorf("default codec = %v, %v", c, err)
	}
	if _, err := CodecByName("xml"); err == nil {
		t.Error("unknown codec should fail")
	}
}

// ---------------------------------------------------------------------------
// Run failures
// ---------------------------------------------------------------------------

func TestRunFailure_DetailRoundTrip(t *testing.T) {
	stepErr := &vm.StepError{Index: 2, Kind: vm.KindDiv, Err: vm.ErrDivideByZero}
	f := NewRunFailure(stepErr)
	if f.Cause != "DivideByZero" || f.AtIndex != 2 || f.Kind != "div" {
		t.Fatalf("NewRunFailure = %+v", f)
	}

	detail, err := f.Detail()
	if err != nil {
		t.Fatalf("Detail returned error: %v", err)
	}
	got, ok := ParseRunFailure(detail)
	if !ok || got != f {
		t.Fatalf("ParseRunFailure = %+v, %v", got, ok)
	}

	rebuilt := got.StepError("boom")
	if rebuilt.Index != 2 || rebuilt.Kind != vm.KindDiv || !errors.Is(rebuilt, vm.ErrDivideByZero) {
		t.Errorf("StepError = %+v", rebuilt)
	}
}

func TestRunFailure_UnknownCauseKeepsMessage(t *testing.T) {
	f := NewRunFailure(&vm.StepError{Index: 0, Kind: vm.KindPop, Err: errors.New("odd")})
	if f.Cause != "Unknown" {
		t.Fatalf("Cause = %q, want Unknown", f.Cause)
	}
	if err := f.StepError("server said odd"); err.Err.Error() != "server said odd" {
		t.Errorf("Err = %v", err.Err)
	}
}
