package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"github.com/tetratelabs/wazero/api"

	"github.com/caffeineduck/wasmgate/executor"
	"github.com/caffeineduck/wasmgate/hostfunc"
	"github.com/caffeineduck/wasmgate/internal/wasmbin"
)

const replHelp = `commands:
  run <export> [args...]  call an export (args as for --arg)
  resume [value|unit]     resume a yielded guest (default unit)
  state                   show the instance state
  globals                 show exported globals
  keys                    list key-value store keys (with --kv)
  exit, quit              leave`

func newReplCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repl <module.wasm>",
		Short: "Interactive session with one instance",
		Long: `Start an interactive session around a single instance of a module.

The instance survives between commands, so a guest that yields can be
inspected and resumed step by step.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
		Args: cobra.ExactArgs(1),
		RunE: runRepl,
	}
	cmd.Flags().Duration("timeout", 30*time.Second, "Timeout of each run or resume")
	cmd.Flags().Bool("kv", false, "Enable key-value store")
	cmd.Flags().StringSlice("mount", nil, "Mount filesystem virtual:host:mode (repeatable)")
	cmd.Flags().String("history", "", "History file path (default: ~/.wasmgate_history)")
	return cmd
}

type repl struct {
	session *executor.Session
	kv      *hostfunc.KV
	info    *wasmbin.Info
	out     io.Writer
}

func runRepl(cmd *cobra.Command, args []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	enableKV, _ := cmd.Flags().GetBool("kv")
	mounts, _ := cmd.Flags().GetStringSlice("mount")
	historyFile, _ := cmd.Flags().GetString("history")

	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".wasmgate_history")
	}

	prog, err := executor.LoadProgram(args[0])
	if err != nil {
		return err
	}
	info, err := wasmbin.Scan(prog.Module())
	if err != nil {
		return fmt.Errorf("inspect %s: %w", args[0], err)
	}

	var instOpts []executor.Option
	var kv *hostfunc.KV
	if enableKV {
		kv = hostfunc.NewKV(hostfunc.DefaultKVConfig())
		instOpts = append(instOpts, executor.WithKV(kv))
	}
	for _, spec := range mounts {
		m, err := parseMount(spec)
		if err != nil {
			return err
		}
		instOpts = append(instOpts, executor.WithMount(m.VirtualPath, m.HostPath, m.Mode))
	}

	exec, err := newExecutor(cmd)
	if err != nil {
		return err
	}
	defer exec.Close()

	session, err := exec.NewSession(context.Background(), prog,
		executor.WithSessionTimeout(timeout),
		executor.WithInstanceOptions(instOpts...))
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            prog.Name() + "> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	r := &repl{session: session, kv: kv, info: info, out: cmd.OutOrStdout()}
	fmt.Fprintf(os.Stderr, "wasmgate session %s (type 'help' for commands, Ctrl+D to exit)\n", session.ID())

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				fmt.Println()
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := r.eval(context.Background(), line); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

// eval executes one repl command against the session.
func (r *repl) eval(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "help":
		fmt.Fprintln(r.out, replHelp)
	case "run":
		if len(fields) < 2 {
			return fmt.Errorf("usage: run <export> [args...]")
		}
		params, err := parseValues(fields[2:])
		if err != nil {
			return err
		}
		fmt.Fprintln(r.out, formatResult(r.session.Run(ctx, fields[1], params...)))
	case "resume":
		var val any
		if len(fields) > 1 {
			v, err := parseResume(fields[1])
			if err != nil {
				return err
			}
			val = v
		}
		fmt.Fprintln(r.out, formatResult(r.session.Resume(ctx, val)))
	case "state":
		fmt.Fprintln(r.out, r.session.State())
	case "globals":
		mod := r.session.Instance().Module()
		for _, g := range r.info.Globals() {
			global := mod.ExportedGlobal(g.Name)
			if global == nil {
				continue
			}
			fmt.Fprintf(r.out, "%s %s = %s\n", g.Name, api.ValueTypeName(global.Type()), global.String())
		}
	case "keys":
		if r.kv == nil {
			return fmt.Errorf("key-value store not enabled (use --kv)")
		}
		for _, k := range r.kv.Keys() {
			fmt.Fprintln(r.out, k)
		}
	default:
		return fmt.Errorf("unknown command %q (type 'help')", fields[0])
	}
	return nil
}
