package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/caffeineduck/wasmgate/executor"
	"github.com/caffeineduck/wasmgate/hostfunc"
	"github.com/caffeineduck/wasmgate/instance"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <module.wasm>",
		Short: "Run an export of a module",
		Long: `Instantiate a WebAssembly module and call one of its exports.

Arguments are i64 by default; prefix a type to pick another encoding:
  wasmgate run guest.wasm --invoke add --arg 1 --arg i32:2

Each yield is answered with the next --resume value ("unit" resumes without
a value). When the values run out the guest is left yielded and discarded.`,
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}
	addRunFlags(cmd)
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("invoke", "run", "Export to call")
	cmd.Flags().StringArray("arg", nil, "Export argument (repeatable)")
	cmd.Flags().StringArray("resume", nil, "Value for the next yield (repeatable)")
	cmd.Flags().Duration("timeout", 30*time.Second, "Execution timeout")
	cmd.Flags().Bool("kv", false, "Enable key-value store")
	cmd.Flags().StringSlice("mount", nil, "Mount filesystem virtual:host:mode (repeatable)")
	cmd.Flags().Int("instances", 1, "Run this many instances in parallel")
}

// buildRunOpts collects the per-instance options shared by run and repl.
func buildRunOpts(cmd *cobra.Command) ([]executor.Option, error) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	enableKV, _ := cmd.Flags().GetBool("kv")
	mounts, _ := cmd.Flags().GetStringSlice("mount")

	opts := []executor.Option{executor.WithTimeout(timeout)}
	if enableKV {
		// One store shared by every instance of this invocation.
		opts = append(opts, executor.WithKV(hostfunc.NewKV(hostfunc.DefaultKVConfig())))
	}
	for _, spec := range mounts {
		m, err := parseMount(spec)
		if err != nil {
			return nil, err
		}
		opts = append(opts, executor.WithMount(m.VirtualPath, m.HostPath, m.Mode))
	}
	return opts, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	export, _ := cmd.Flags().GetString("invoke")
	argSpecs, _ := cmd.Flags().GetStringArray("arg")
	resumeSpecs, _ := cmd.Flags().GetStringArray("resume")
	n, _ := cmd.Flags().GetInt("instances")
	if n < 1 {
		return fmt.Errorf("--instances must be at least 1")
	}

	params, err := parseValues(argSpecs)
	if err != nil {
		return err
	}
	resumes := make([]any, 0, len(resumeSpecs))
	for _, s := range resumeSpecs {
		v, err := parseResume(s)
		if err != nil {
			return err
		}
		resumes = append(resumes, v)
	}

	runOpts, err := buildRunOpts(cmd)
	if err != nil {
		return err
	}

	prog, err := executor.LoadProgram(args[0])
	if err != nil {
		return err
	}

	exec, err := newExecutor(cmd, executor.WithPrecompile(prog))
	if err != nil {
		return err
	}
	defer exec.Close()

	results := make([]executor.Result, n)
	ctx := context.Background()
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			next := 0
			opts := append(runOpts[:len(runOpts):len(runOpts)], executor.WithResumer(func(instance.YieldedVal) (any, bool) {
				if next >= len(resumes) {
					return nil, false
				}
				next++
				return resumes[next-1], true
			}))
			results[i] = exec.Run(ctx, prog, export, params, opts...)
			return nil
		})
	}
	g.Wait()

	out := cmd.OutOrStdout()
	failed := false
	for i, r := range results {
		if n > 1 {
			fmt.Fprintf(out, "instance %d: ", i)
		}
		fmt.Fprintln(out, formatResult(r))
		if r.Error != nil {
			failed = true
		}
	}
	if failed {
		return fmt.Errorf("run %s: failed", export)
	}
	return nil
}
