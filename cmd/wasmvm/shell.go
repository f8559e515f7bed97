package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chazu/wasmvm/config"
	"github.com/chazu/wasmvm/executor"
	"github.com/chazu/wasmvm/instr"
	"github.com/chazu/wasmvm/pending"
	"github.com/chazu/wasmvm/session"
	"github.com/chazu/wasmvm/vm"
)

func handleShellCommand(args []string, cfg *config.Config) {
	fs := flag.NewFlagSet("shell", flag.ExitOnError)
	ef := registerExecFlags(fs, cfg)
	fs.Parse(args)

	ctx := context.Background()
	opts := ef.executorOptions(cfg)
	exec, closeExec, err := executor.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeExec()

	sh := &shell{
		exec:   exec,
		binder: &binder{cfg: cfg, opts: opts, name: *ef.name, timeout: opts.Timeout},
		vmCfg:  vm.Config{Pages: *ef.pages, MaxPages: *ef.maxPages},
		queue:  pending.New(),
		out:    os.Stdout,
	}
	if err := sh.open(ctx, *ef.fresh); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("wasmvm shell on %s (vm %s). Type 'help' for commands.\n", opts.Kind, sh.sess.ID())
	sh.run(ctx, os.Stdin, true)
}

// shell is the interactive instruction queue: lines are queued until
// 'run' sends the whole queue to the session.
type shell struct {
	exec   executor.Executor
	binder *binder
	vmCfg  vm.Config
	sess   *session.Session
	queue  *pending.Queue
	out    io.Writer
}

func (sh *shell) open(ctx context.Context, fresh bool) error {
	sess, err := sh.binder.open(ctx, sh.exec, sh.vmCfg, fresh)
	if err != nil {
		return err
	}
	sh.sess = sess
	return nil
}

// run reads commands until EOF or 'quit'.
func (sh *shell) run(ctx context.Context, in io.Reader, prompt bool) {
	scanner := bufio.NewScanner(in)
	for {
		if prompt {
			fmt.Fprintf(sh.out, "[%d] > ", sh.queue.Len())
		}
		if !scanner.Scan() {
			break
		}
		if quit := sh.handle(ctx, scanner.Text()); quit {
			break
		}
	}
}

// handle executes one shell line and reports whether the shell should exit.
func (sh *shell) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "quit", "exit":
		return true
	case "help":
		sh.help()
	case "list":
		printCatalog(sh.out)
	case "queue":
		items := sh.queue.Items()
		if len(items) == 0 {
			fmt.Fprintln(sh.out, "queue is empty")
		}
		for i, it := range items {
			fmt.Fprintf(sh.out, "%3d  %s\n", i, it)
		}
	case "rm":
		if len(fields) != 2 {
			fmt.Fprintln(sh.out, "usage: rm N")
			break
		}
		n, err := strconv.Atoi(fields[1])
		if err == nil {
			err = sh.queue.Remove(n)
		}
		if err != nil {
			fmt.Fprintf(sh.out, "Error: %v\n", err)
		}
	case "clear":
		sh.queue.Clear()
	case "run":
		stack, err := sh.sess.Execute(ctx, sh.queue.Drain())
		if err != nil {
			reportFailure(sh.out, err)
			if stack, err = sh.sess.Inspect(ctx); err != nil {
				break
			}
		}
		printStack(sh.out, stack)
	case "stack":
		stack, err := sh.sess.Inspect(ctx)
		if err != nil {
			reportFailure(sh.out, err)
			break
		}
		printStack(sh.out, stack)
	case "new":
		old := sh.sess
		if err := sh.open(ctx, true); err != nil {
			fmt.Fprintf(sh.out, "Error: %v\n", err)
			break
		}
		if err := old.Discard(ctx); err != nil {
			log.Warning("could not discard previous vm", "vm", old.ID(), "error", err.Error())
		}
		fmt.Fprintf(sh.out, "new vm %s\n", sh.sess.ID())
	default:
		in, err := instr.Parse(line)
		if err == nil {
			err = sh.queue.Append(in)
		}
		if err != nil {
			fmt.Fprintf(sh.out, "Error: %v\n", err)
		}
	}
	return false
}

func (sh *shell) help() {
	fmt.Fprintln(sh.out, "  <op> <type> [value]  queue an instruction, e.g. 'push i32 17'")
	fmt.Fprintln(sh.out, "  queue                show queued instructions")
	fmt.Fprintln(sh.out, "  rm N                 remove queued instruction N")
	fmt.Fprintln(sh.out, "  clear                empty the queue")
	fmt.Fprintln(sh.out, "  run                  execute the queue and show the stack")
	fmt.Fprintln(sh.out, "  stack                show the stack")
	fmt.Fprintln(sh.out, "  new                  replace the vm with a fresh one")
	fmt.Fprintln(sh.out, "  list                 show the instruction catalog")
	fmt.Fprintln(sh.out, "  quit                 leave the shell")
}
