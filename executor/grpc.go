package executor

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/wasmvm/vm"
	"github.com/chazu/wasmvm/wire"
)

// GRPC runs machines on a wasmvm server over gRPC. The server speaks gRPC
// over cleartext HTTP/2; messages are CBOR encoded.
type GRPC struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewGRPC dials target (host:port) lazily. timeout bounds each call; zero
// means the caller's context alone decides.
func NewGRPC(target string, timeout time.Duration, opts ...grpc.DialOption) (*GRPC, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wire.CBOR{})),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("executor: grpc client for %s: %w", target, err)
	}
	return &GRPC{conn: conn, timeout: timeout}, nil
}

// Close releases the connection.
func (g *GRPC) Close() error {
	return g.conn.Close()
}

func (g *GRPC) invoke(ctx context.Context, method string, req, resp any) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	if err := g.conn.Invoke(ctx, method, req, resp); err != nil {
		return fromStatus(err)
	}
	return nil
}

func (g *GRPC) CreateVM(ctx context.Context, cfg vm.Config) (Handle, error) {
	var info wire.VMInfo
	req := &wire.CreateVMRequest{Pages: cfg.Pages, MaxPages: cfg.MaxPages}
	if err := g.invoke(ctx, wire.CreateVMProcedure, req, &info); err != nil {
		return Handle{}, err
	}
	return handleFor(&info), nil
}

func (g *GRPC) Lookup(ctx context.Context, id string) (Handle, error) {
	var info wire.VMInfo
	if err := g.invoke(ctx, wire.DescribeVMProcedure, &wire.VMRequest{VMID: id}, &info); err != nil {
		return Handle{}, err
	}
	return handleFor(&info), nil
}

func (g *GRPC) Run(ctx context.Context, h Handle, ops []vm.Operation) error {
	var resp wire.StackResponse
	req := &wire.RunRequest{VMID: h.ID, Ops: wire.FromOperations(ops)}
	return runError(g.invoke(ctx, wire.RunProcedure, req, &resp))
}

func (g *GRPC) Inspect(ctx context.Context, h Handle) (vm.Snapshot, error) {
	var resp wire.StackResponse
	if err := g.invoke(ctx, wire.InspectProcedure, &wire.VMRequest{VMID: h.ID}, &resp); err != nil {
		return nil, err
	}
	return vm.Snapshot(resp.Stack), nil
}

func (g *GRPC) Discard(ctx context.Context, h Handle) error {
	return g.invoke(ctx, wire.DiscardVMProcedure, &wire.VMRequest{VMID: h.ID}, &wire.Empty{})
}

// fromStatus maps gRPC status codes the same way fromConnectError maps
// Connect codes.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	switch st.Code() {
	case codes.Aborted:
		for _, d := range st.Details() {
			if s, ok := d.(*structpb.Struct); ok {
				if f, ok := wire.ParseRunFailure(s); ok {
					return f.StepError(st.Message())
				}
			}
		}
		return fmt.Errorf("executor: run aborted: %s", st.Message())
	case codes.NotFound:
		return classify(ErrNotFound, st.Message())
	case codes.InvalidArgument:
		return classify(vm.ErrInvalidConfig, st.Message())
	case codes.ResourceExhausted:
		return classify(ErrBusy, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %w", ErrUnavailable, context.DeadlineExceeded)
	case codes.Unavailable, codes.Canceled, codes.Unknown:
		return fmt.Errorf("%w: %s", ErrUnavailable, st.Message())
	}
	return err
}
