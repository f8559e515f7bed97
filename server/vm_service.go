package server

import (
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"

	"github.com/chazu/wasmvm/executor"
	"github.com/chazu/wasmvm/instr"
	"github.com/chazu/wasmvm/vm"
	"github.com/chazu/wasmvm/wire"
)

// VMService implements the wasmvm.v1.VMService Connect/gRPC handlers on
// top of a local executor.
type VMService struct {
	exec *executor.Local
}

// NewVMService creates a VMService.
func NewVMService(exec *executor.Local) *VMService {
	return &VMService{exec: exec}
}

// CreateVM allocates a new VM.
func (s *VMService) CreateVM(
	ctx context.Context,
	req *connect.Request[wire.CreateVMRequest],
) (*connect.Response[wire.VMInfo], error) {
	cfg := vm.Config{Pages: req.Msg.Pages, MaxPages: req.Msg.MaxPages}
	h, err := s.exec.CreateVM(ctx, cfg)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(infoFor(h)), nil
}

// DescribeVM reports a VM's bounds, stack depth and allocated pages.
func (s *VMService) DescribeVM(
	ctx context.Context,
	req *connect.Request[wire.VMRequest],
) (*connect.Response[wire.VMInfo], error) {
	if req.Msg.VMID == "" {
		return nil, errMissingVMID()
	}
	info, err := s.exec.Describe(ctx, req.Msg.VMID)
	if err != nil {
		return nil, toConnectError(err)
	}
	msg := infoFor(info.Handle)
	msg.Depth = info.Depth
	msg.Allocated = info.Pages
	return connect.NewResponse(msg), nil
}

// Run executes a batch of operations and returns the resulting stack.
func (s *VMService) Run(
	ctx context.Context,
	req *connect.Request[wire.RunRequest],
) (*connect.Response[wire.StackResponse], error) {
	if req.Msg.VMID == "" {
		return nil, errMissingVMID()
	}
	ops, err := wire.ToOperations(req.Msg.Ops)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	h, err := s.exec.Lookup(ctx, req.Msg.VMID)
	if err != nil {
		return nil, toConnectError(err)
	}
	if err := s.exec.Run(ctx, h, ops); err != nil {
		return nil, toConnectError(err)
	}
	stack, err := s.exec.Inspect(ctx, h)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&wire.StackResponse{Stack: stack}), nil
}

// Inspect returns a VM's current stack, bottom first.
func (s *VMService) Inspect(
	ctx context.Context,
	req *connect.Request[wire.VMRequest],
) (*connect.Response[wire.StackResponse], error) {
	if req.Msg.VMID == "" {
		return nil, errMissingVMID()
	}
	h, err := s.exec.Lookup(ctx, req.Msg.VMID)
	if err != nil {
		return nil, toConnectError(err)
	}
	stack, err := s.exec.Inspect(ctx, h)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&wire.StackResponse{Stack: stack}), nil
}

// DiscardVM releases a VM.
func (s *VMService) DiscardVM(
	ctx context.Context,
	req *connect.Request[wire.VMRequest],
) (*connect.Response[wire.Empty], error) {
	if req.Msg.VMID == "" {
		return nil, errMissingVMID()
	}
	if err := s.exec.Discard(ctx, executor.Handle{ID: req.Msg.VMID}); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&wire.Empty{}), nil
}

// errMissingVMID answers a request without a vm_id. No VM has the empty
// id, so it is reported like any other unknown VM.
func errMissingVMID() error {
	return connect.NewError(connect.CodeNotFound, fmt.Errorf("%w: vm_id is required", executor.ErrNotFound))
}

// ListInstructions returns the instruction catalog.
func (s *VMService) ListInstructions(
	ctx context.Context,
	req *connect.Request[wire.Empty],
) (*connect.Response[wire.ListInstructionsResponse], error) {
	entries := instr.List()
	out := make([]wire.CatalogEntry, 0, len(entries))
	for _, e := range entries {
		types := make([]string, len(e.Types))
		for i, t := range e.Types {
			types[i] = t.String()
		}
		out = append(out, wire.CatalogEntry{
			Name:          e.Op.String(),
			Types:         types,
			RequiresValue: e.RequiresValue,
		})
	}
	return connect.NewResponse(&wire.ListInstructionsResponse{Instructions: out}), nil
}

func infoFor(h executor.Handle) *wire.VMInfo {
	return &wire.VMInfo{
		VMID:     h.ID,
		Pages:    h.Config.Pages,
		MaxPages: h.Config.MaxPages,
	}
}

// toConnectError maps executor and interpreter errors to Connect codes.
// Run failures carry a wire.RunFailure detail.
func toConnectError(err error) error {
	var stepErr *vm.StepError
	switch {
	case errors.As(err, &stepErr):
		cerr := connect.NewError(connect.CodeAborted, err)
		detail, derr := wire.NewRunFailure(stepErr).Detail()
		if derr == nil {
			if d, derr := connect.NewErrorDetail(detail); derr == nil {
				cerr.AddDetail(d)
			}
		}
		return cerr
	case errors.Is(err, executor.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, vm.ErrInvalidConfig):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, executor.ErrBusy):
		return connect.NewError(connect.CodeResourceExhausted, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, executor.ErrUnavailable), errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeUnavailable, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}
