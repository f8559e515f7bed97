package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/chazu/wasmvm/executor"
	"github.com/chazu/wasmvm/wire"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("wasmvm.server")

// VMServer is the networked VM executor. It serves Connect (HTTP/1.1 or
// HTTP/2, CBOR or JSON) and gRPC (HTTP/2 cleartext) on the same port.
type VMServer struct {
	exec *executor.Local
	mux  *http.ServeMux
	http *http.Server

	stopSweeper func()
}

// ServerOption configures a VMServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	sweepInterval time.Duration
	idleTTL       time.Duration
	interceptors  []connect.Interceptor
}

// WithIdleTTL discards VMs that are not used for ttl, checking every
// interval. Without this option VMs live until discarded.
func WithIdleTTL(interval, ttl time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.sweepInterval = interval
		c.idleTTL = ttl
	}
}

// WithInterceptors adds Connect interceptors ahead of the logging one.
func WithInterceptors(interceptors ...connect.Interceptor) ServerOption {
	return func(c *serverConfig) { c.interceptors = append(c.interceptors, interceptors...) }
}

// New creates a VMServer wrapping the given executor.
func New(exec *executor.Local, opts ...ServerOption) *VMServer {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &VMServer{
		exec: exec,
		mux:  http.NewServeMux(),
	}

	handlerOpts := []connect.HandlerOption{
		connect.WithCodec(wire.CBOR{}),
		connect.WithCodec(wire.JSON{}),
		connect.WithInterceptors(append(cfg.interceptors, loggingInterceptor())...),
	}

	svc := NewVMService(exec)
	s.mux.Handle(wire.CreateVMProcedure, connect.NewUnaryHandler(wire.CreateVMProcedure, svc.CreateVM, handlerOpts...))
	s.mux.Handle(wire.DescribeVMProcedure, connect.NewUnaryHandler(wire.DescribeVMProcedure, svc.DescribeVM, handlerOpts...))
	s.mux.Handle(wire.RunProcedure, connect.NewUnaryHandler(wire.RunProcedure, svc.Run, handlerOpts...))
	s.mux.Handle(wire.InspectProcedure, connect.NewUnaryHandler(wire.InspectProcedure, svc.Inspect, handlerOpts...))
	s.mux.Handle(wire.DiscardVMProcedure, connect.NewUnaryHandler(wire.DiscardVMProcedure, svc.DiscardVM, handlerOpts...))
	s.mux.Handle(wire.ListInstructionsProcedure, connect.NewUnaryHandler(wire.ListInstructionsProcedure, svc.ListInstructions, handlerOpts...))

	if cfg.idleTTL > 0 {
		s.stopSweeper = exec.StartSweeper(cfg.sweepInterval, cfg.idleTTL)
	}
	return s
}

// Handler returns the HTTP handler, with h2c so gRPC clients can connect
// without TLS.
func (s *VMServer) Handler() http.Handler {
	return h2c.NewHandler(s.mux, &http2.Server{})
}

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
func (s *VMServer) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *VMServer) Serve(ln net.Listener) error {
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	addr := ln.Addr().String()
	log.Noticef("wasmvm server listening on %s", addr)
	log.Infof("  Connect (HTTP/CBOR, HTTP/JSON): http://%s%s", addr, wire.CreateVMProcedure)
	log.Infof("  gRPC (h2c, cbor):               grpc://%s", addr)

	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, waits for in-flight ones, and stops
// the sweeper and every VM.
func (s *VMServer) Shutdown(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	s.Stop()
	return err
}

// Stop releases the sweeper and every VM without waiting for requests.
func (s *VMServer) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
		s.stopSweeper = nil
	}
	s.exec.Stop()
}

// loggingInterceptor logs every call with its outcome and duration.
func loggingInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			res, err := next(ctx, req)
			procedure := req.Spec().Procedure
			if err != nil {
				log.Warning("call failed", "procedure", procedure, "protocol", req.Peer().Protocol,
					"code", connect.CodeOf(err).String(), "error", err.Error(), "elapsed", time.Since(start).String())
			} else {
				log.Debug("call", "procedure", procedure, "protocol", req.Peer().Protocol,
					"elapsed", time.Since(start).String())
			}
			return res, err
		}
	}
}
