package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/wasmvm/vm"
	"github.com/chazu/wasmvm/wire"
)

// Remote runs machines on a wasmvm server over the Connect protocol.
type Remote struct {
	createVM   *connect.Client[wire.CreateVMRequest, wire.VMInfo]
	describeVM *connect.Client[wire.VMRequest, wire.VMInfo]
	run        *connect.Client[wire.RunRequest, wire.StackResponse]
	inspect    *connect.Client[wire.VMRequest, wire.StackResponse]
	discardVM  *connect.Client[wire.VMRequest, wire.Empty]
	list       *connect.Client[wire.Empty, wire.ListInstructionsResponse]

	// finiteOnly is set for the JSON codec, which has no inf or NaN.
	finiteOnly bool
}

// NewRemote creates a Connect client for the server at baseURL
// (e.g. "http://localhost:8000"). codec is "cbor" or "json"; an unknown
// name falls back to CBOR.
func NewRemote(httpClient connect.HTTPClient, baseURL, codec string, opts ...connect.ClientOption) *Remote {
	c, err := wire.CodecByName(codec)
	if err != nil {
		log.Warningf("%s, using %s", err, wire.CodecCBOR)
		c = wire.CBOR{}
	}
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(c)}, opts...)

	return &Remote{
		createVM:   connect.NewClient[wire.CreateVMRequest, wire.VMInfo](httpClient, baseURL+wire.CreateVMProcedure, opts...),
		describeVM: connect.NewClient[wire.VMRequest, wire.VMInfo](httpClient, baseURL+wire.DescribeVMProcedure, opts...),
		run:        connect.NewClient[wire.RunRequest, wire.StackResponse](httpClient, baseURL+wire.RunProcedure, opts...),
		inspect:    connect.NewClient[wire.VMRequest, wire.StackResponse](httpClient, baseURL+wire.InspectProcedure, opts...),
		discardVM:  connect.NewClient[wire.VMRequest, wire.Empty](httpClient, baseURL+wire.DiscardVMProcedure, opts...),
		list:       connect.NewClient[wire.Empty, wire.ListInstructionsResponse](httpClient, baseURL+wire.ListInstructionsProcedure, opts...),
		finiteOnly: c.Name() == wire.CodecJSON,
	}
}

func (r *Remote) CreateVM(ctx context.Context, cfg vm.Config) (Handle, error) {
	resp, err := r.createVM.CallUnary(ctx, connect.NewRequest(&wire.CreateVMRequest{
		Pages:    cfg.Pages,
		MaxPages: cfg.MaxPages,
	}))
	if err != nil {
		return Handle{}, fromConnectError(err)
	}
	return handleFor(resp.Msg), nil
}

func (r *Remote) Lookup(ctx context.Context, id string) (Handle, error) {
	resp, err := r.describeVM.CallUnary(ctx, connect.NewRequest(&wire.VMRequest{VMID: id}))
	if err != nil {
		return Handle{}, fromConnectError(err)
	}
	return handleFor(resp.Msg), nil
}

func (r *Remote) Run(ctx context.Context, h Handle, ops []vm.Operation) error {
	if r.finiteOnly {
		if err := checkFinite(ops); err != nil {
			return err
		}
	}
	_, err := r.run.CallUnary(ctx, connect.NewRequest(&wire.RunRequest{
		VMID: h.ID,
		Ops:  wire.FromOperations(ops),
	}))
	if err != nil {
		return runError(fromConnectError(err))
	}
	return nil
}

// checkFinite rejects push operands JSON cannot carry.
func checkFinite(ops []vm.Operation) error {
	for i, op := range ops {
		p, ok := op.(vm.OperationPush)
		if !ok || !p.Value.Type.IsFloat() {
			continue
		}
		if f := p.Value.Number().Float64(); math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: operation %d (%s): %v is not representable in JSON", ErrInvalidOperation, i, op, f)
		}
	}
	return nil
}

// runError reclassifies a rejected batch. The server answers a batch it
// cannot decode with InvalidArgument, which outside Run means bad bounds.
func runError(err error) error {
	if errors.Is(err, vm.ErrInvalidConfig) {
		return classify(ErrInvalidOperation, strings.TrimPrefix(err.Error(), vm.ErrInvalidConfig.Error()+": "))
	}
	return err
}

func (r *Remote) Inspect(ctx context.Context, h Handle) (vm.Snapshot, error) {
	resp, err := r.inspect.CallUnary(ctx, connect.NewRequest(&wire.VMRequest{VMID: h.ID}))
	if err != nil {
		return nil, fromConnectError(err)
	}
	return vm.Snapshot(resp.Msg.Stack), nil
}

func (r *Remote) Discard(ctx context.Context, h Handle) error {
	_, err := r.discardVM.CallUnary(ctx, connect.NewRequest(&wire.VMRequest{VMID: h.ID}))
	if err != nil {
		return fromConnectError(err)
	}
	return nil
}

// ListInstructions fetches the server's instruction catalog.
func (r *Remote) ListInstructions(ctx context.Context) ([]wire.CatalogEntry, error) {
	resp, err := r.list.CallUnary(ctx, connect.NewRequest(&wire.Empty{}))
	if err != nil {
		return nil, fromConnectError(err)
	}
	return resp.Msg.Instructions, nil
}

func handleFor(info *wire.VMInfo) Handle {
	return Handle{
		ID:     info.VMID,
		Config: vm.Config{Pages: info.Pages, MaxPages: info.MaxPages},
	}
}

// fromConnectError maps Connect codes back to executor and interpreter
// errors, the inverse of the server's mapping.
func fromConnectError(err error) error {
	var cerr *connect.Error
	if !errors.As(err, &cerr) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	switch cerr.Code() {
	case connect.CodeAborted:
		for _, d := range cerr.Details() {
			msg, derr := d.Value()
			if derr != nil {
				continue
			}
			if s, ok := msg.(*structpb.Struct); ok {
				if f, ok := wire.ParseRunFailure(s); ok {
					return f.StepError(cerr.Message())
				}
			}
		}
		return fmt.Errorf("executor: run aborted: %s", cerr.Message())
	case connect.CodeNotFound:
		return classify(ErrNotFound, cerr.Message())
	case connect.CodeInvalidArgument:
		return classify(vm.ErrInvalidConfig, cerr.Message())
	case connect.CodeResourceExhausted:
		return classify(ErrBusy, cerr.Message())
	case connect.CodeUnavailable, connect.CodeDeadlineExceeded, connect.CodeCanceled, connect.CodeUnknown:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

// classify wraps a server message in sentinel, dropping the sentinel's own
// text when the server already prefixed it.
func classify(sentinel error, msg string) error {
	return fmt.Errorf("%w: %s", sentinel, strings.TrimPrefix(msg, sentinel.Error()+": "))
}
