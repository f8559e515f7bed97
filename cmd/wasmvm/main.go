// wasmvm CLI - queue stack-machine instructions and run them against a
// local or remote VM, or serve VMs to remote clients.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/wasmvm/config"
	"github.com/chazu/wasmvm/executor"
	"github.com/chazu/wasmvm/instr"
	"github.com/chazu/wasmvm/pending"
	"github.com/chazu/wasmvm/server"
	"github.com/chazu/wasmvm/session"
	"github.com/chazu/wasmvm/store"
	"github.com/chazu/wasmvm/vm"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("wasmvm.cli")

func main() {
	verbosity := flag.Int("v", 0, "Log verbosity (-4 to 5); overrides [log].verbosity")
	configDir := flag.String("config", ".", "Directory to start searching for wasmvm.toml")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: wasmvm [options] <command> [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  serve   Serve VMs over Connect and gRPC\n")
		fmt.Fprintf(os.Stderr, "  list    Print the instruction catalog\n")
		fmt.Fprintf(os.Stderr, "  run     Execute instructions and print the stack\n")
		fmt.Fprintf(os.Stderr, "  shell   Interactive instruction queue\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  wasmvm run \"push i32 17\" \"push i32 25\" \"add i32\"\n")
		fmt.Fprintf(os.Stderr, "  wasmvm serve -addr :8000 -idle-ttl 30m\n")
		fmt.Fprintf(os.Stderr, "  wasmvm run -exec grpc -addr localhost:8000 -session work \"push i64 1\"\n")
		fmt.Fprintf(os.Stderr, "  wasmvm shell -exec connect -addr http://localhost:8000\n")
	}
	flag.Parse()

	cfg, err := config.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	level := cfg.Log.Verbosity
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "v" {
			level = *verbosity
		}
	})
	var logPath *string
	if cfg.Log.File != "" {
		logPath = &cfg.Log.File
	}
	commonlog.Configure(level, logPath)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	switch args[0] {
	case "serve":
		handleServeCommand(args[1:], cfg)
	case "list":
		handleListCommand(args[1:], cfg)
	case "run":
		handleRunCommand(args[1:], cfg)
	case "shell":
		handleShellCommand(args[1:], cfg)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

func handleServeCommand(args []string, cfg *config.Config) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", cfg.Server.Addr, "Listen address")
	idleTTL := fs.Duration("idle-ttl", cfg.Server.IdleTTL, "Discard VMs idle this long (0 keeps them)")
	maxPages := fs.Int("max-pages", cfg.Server.MaxPages, "Largest max_pages a client may request (0 = no cap)")
	fs.Parse(args)

	exec := executor.NewLocal(executor.WithMaxPages(*maxPages))
	var opts []server.ServerOption
	if *idleTTL > 0 {
		interval := cfg.Server.SweepInterval
		if interval <= 0 || interval > *idleTTL {
			interval = *idleTTL / 2
		}
		opts = append(opts, server.WithIdleTTL(interval, *idleTTL))
	}
	srv := server.New(exec, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(*addr) }()

	select {
	case err := <-errc:
		srv.Stop()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		log.Notice("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
			os.Exit(1)
		}
	}
}

// ---------------------------------------------------------------------------
// list
// ---------------------------------------------------------------------------

func handleListCommand(args []string, cfg *config.Config) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	sessions := fs.Bool("sessions", false, "List saved sessions instead of instructions")
	fs.Parse(args)

	if *sessions {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()
		records, err := st.List(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, r := range records {
			fmt.Printf("%-16s %-10s %-8s %s pages=%d/%d\n", r.Name, r.ID, r.Executor, r.Address, r.Pages, r.MaxPages)
		}
		return
	}
	printCatalog(os.Stdout)
}

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

// execFlags are the flags shared by run and shell.
type execFlags struct {
	kind     *string
	addr     *string
	codec    *string
	timeout  *time.Duration
	name     *string
	fresh    *bool
	pages    *int
	maxPages *int
}

func registerExecFlags(fs *flag.FlagSet, cfg *config.Config) *execFlags {
	return &execFlags{
		kind:     fs.String("exec", cfg.Executor.Kind, "Executor: local, connect or grpc"),
		addr:     fs.String("addr", cfg.Executor.Address, "Server URL (connect) or host:port (grpc)"),
		codec:    fs.String("codec", cfg.Executor.Codec, "Connect codec: cbor or json"),
		timeout:  fs.Duration("timeout", cfg.Executor.Timeout, "Per-call timeout (0 = none)"),
		name:     fs.String("session", "", "Remember the remote VM under this name and resume it"),
		fresh:    fs.Bool("new", false, "Create a new VM even if -session names a saved one"),
		pages:    fs.Int("pages", cfg.VM.Pages, "Initial memory pages"),
		maxPages: fs.Int("max-pages", cfg.VM.MaxPages, "Maximum memory pages"),
	}
}

func (f *execFlags) executorOptions(cfg *config.Config) executor.Options {
	opts := cfg.ExecutorOptions()
	opts.Kind = executor.Kind(*f.kind)
	opts.Address = *f.addr
	opts.Codec = *f.codec
	opts.Timeout = *f.timeout
	if opts.Address == "" {
		switch opts.Kind {
		case executor.KindConnect:
			opts.Address = "http://localhost:8000"
		case executor.KindGRPC:
			opts.Address = "localhost:8000"
		}
	}
	return opts
}

func handleRunCommand(args []string, cfg *config.Config) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	ef := registerExecFlags(fs, cfg)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: wasmvm run [options] INSTRUCTION...\n\n")
		fmt.Fprintf(os.Stderr, "Each instruction is one argument, e.g. \"push i32 17\" \"add i32\".\n\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	queue := pending.New()
	for _, arg := range fs.Args() {
		in, err := instr.Parse(arg)
		if err == nil {
			err = queue.Append(in)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
	}

	ctx := context.Background()
	opts := ef.executorOptions(cfg)
	exec, closeExec, err := executor.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeExec()

	b := &binder{cfg: cfg, opts: opts, name: *ef.name, timeout: opts.Timeout}
	sess, err := b.open(ctx, exec, vm.Config{Pages: *ef.pages, MaxPages: *ef.maxPages}, *ef.fresh)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	stack, err := sess.Execute(ctx, queue.Drain())
	if err != nil {
		reportFailure(os.Stderr, err)
		if stack, ierr := sess.Inspect(ctx); ierr == nil {
			printStack(os.Stdout, stack)
		}
		os.Exit(1)
	}
	printStack(os.Stdout, stack)
}

// ---------------------------------------------------------------------------
// Session binding
// ---------------------------------------------------------------------------

// binder creates or resumes the session for run and shell. Remote VMs are
// remembered in the store under name.
type binder struct {
	cfg     *config.Config
	opts    executor.Options
	name    string
	timeout time.Duration
}

func (b *binder) remembers() bool {
	return b.name != "" && b.opts.Kind != executor.KindLocal && b.opts.Kind != ""
}

func (b *binder) sessionOptions() []session.Option {
	if b.timeout > 0 {
		return []session.Option{session.WithTimeout(b.timeout)}
	}
	return nil
}

func (b *binder) open(ctx context.Context, exec executor.Executor, vmCfg vm.Config, fresh bool) (*session.Session, error) {
	if b.name != "" && !b.remembers() {
		log.Warning("-session only applies to remote executors", "session", b.name)
	}
	if !b.remembers() {
		return session.Create(ctx, exec, vmCfg, b.sessionOptions()...)
	}

	st, err := store.Open(b.cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	if !fresh {
		rec, err := st.Load(ctx, b.name)
		switch {
		case err == nil && rec.Executor == string(b.opts.Kind) && rec.Address == b.opts.Address:
			sess, err := session.Attach(ctx, exec, rec.ID, b.sessionOptions()...)
			if err == nil {
				log.Info("resumed session", "session", b.name, "vm", rec.ID)
				return sess, nil
			}
			if !errors.Is(err, session.ErrSessionNotFound) {
				return nil, err
			}
			log.Notice("saved vm is gone, creating a new one", "session", b.name, "vm", rec.ID)
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	sess, err := session.Create(ctx, exec, vmCfg, b.sessionOptions()...)
	if err != nil {
		return nil, err
	}
	err = st.Save(ctx, store.Record{
		Name:     b.name,
		ID:       sess.ID(),
		Executor: string(b.opts.Kind),
		Address:  b.opts.Address,
		Pages:    vmCfg.Pages,
		MaxPages: vmCfg.MaxPages,
	})
	if err != nil {
		log.Warning("could not save session", "session", b.name, "error", err.Error())
	}
	return sess, nil
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

func printCatalog(w io.Writer) {
	for _, e := range instr.List() {
		types := make([]string, len(e.Types))
		for i, t := range e.Types {
			types[i] = t.String()
		}
		operand := ""
		if e.RequiresValue {
			operand = " <value>"
		}
		fmt.Fprintf(w, "%-5s %s%s\n", e.Op, strings.Join(types, "|"), operand)
	}
}

func printStack(w io.Writer, stack vm.Snapshot) {
	fmt.Fprintf(w, "stack: [%s]\n", strings.Join(stack, " "))
}

func reportFailure(w io.Writer, err error) {
	var failed *session.ExecutionFailedError
	if errors.As(err, &failed) {
		fmt.Fprintf(w, "Error: instruction %d failed: %s\n", failed.AtIndex, failed.Cause)
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}
