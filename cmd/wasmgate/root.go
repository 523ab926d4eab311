package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/caffeineduck/wasmgate/executor"
	"github.com/caffeineduck/wasmgate/hostfunc"
	"github.com/caffeineduck/wasmgate/instance"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wasmgate",
		Short: "Run WebAssembly guests behind a checked host boundary",
		Long: `wasmgate - Run WebAssembly modules whose host functions reach guest
memory, globals and per-instance state only through a checked boundary.

Guests can yield to the host and be resumed with a value, and any host
function can terminate its instance without taking down the host. Enable
capabilities such as the key-value store or filesystem mounts with flags.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")
			if !verbose {
				return nil
			}
			l, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("create logger: %w", err)
			}
			instance.SetLogger(l)
			return nil
		},
	}

	root.PersistentFlags().BoolP("verbose", "v", false, "Log instance lifecycle to stderr")
	root.PersistentFlags().Bool("no-cache", false, "Disable compilation cache")
	root.PersistentFlags().Bool("interpreter", false, "Use the interpreter instead of the compiler")
	root.PersistentFlags().String("memory", "256mb", "Memory limit: 1mb, 16mb, 64mb, 256mb, 1gb")

	root.AddCommand(newRunCmd(), newInspectCmd(), newReplCmd(), newServeCmd())
	return root
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newExecutor builds an executor with the built-in, KV and FS hostcalls from
// the persistent flags.
func newExecutor(cmd *cobra.Command, extra ...executor.ExecutorOption) (*executor.Executor, error) {
	noCache, _ := cmd.Flags().GetBool("no-cache")
	interpreter, _ := cmd.Flags().GetBool("interpreter")
	memoryLimit, _ := cmd.Flags().GetString("memory")

	opts := []executor.ExecutorOption{executor.WithLogger(instance.Logger())}
	if !noCache {
		opts = append(opts, executor.WithDiskCache())
	}
	if interpreter {
		opts = append(opts, executor.WithInterpreter())
	}
	if pages := parseMemoryLimit(memoryLimit); pages > 0 {
		opts = append(opts, executor.WithMemoryLimit(pages))
	}
	return executor.New(nil, append(opts, extra...)...)
}

func parseMount(spec string) (hostfunc.Mount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return hostfunc.Mount{}, fmt.Errorf("invalid mount spec %q (expected virtual:host:mode)", spec)
	}

	var mode hostfunc.MountMode
	switch parts[2] {
	case "ro":
		mode = hostfunc.MountReadOnly
	case "rw":
		mode = hostfunc.MountReadWrite
	case "rwc":
		mode = hostfunc.MountReadWriteCreate
	default:
		return hostfunc.Mount{}, fmt.Errorf("invalid mount mode %q (expected ro, rw, or rwc)", parts[2])
	}

	return hostfunc.Mount{
		VirtualPath: parts[0],
		HostPath:    parts[1],
		Mode:        mode,
	}, nil
}

func parseMemoryLimit(s string) uint32 {
	switch strings.ToLower(s) {
	case "1mb":
		return executor.MemoryLimit1MB
	case "16mb":
		return executor.MemoryLimit16MB
	case "64mb":
		return executor.MemoryLimit64MB
	case "256mb":
		return executor.MemoryLimit256MB
	case "1gb":
		return executor.MemoryLimit1GB
	default:
		return 0 // use default
	}
}

// parseValue encodes an export argument. Plain numbers are i64; a type
// prefix selects another encoding, e.g. "i32:7" or "f64:0.5".
func parseValue(s string) (uint64, error) {
	typ, lit, ok := strings.Cut(s, ":")
	if !ok {
		typ, lit = "i64", s
	}
	switch typ {
	case "i32":
		v, err := strconv.ParseInt(lit, 0, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid i32 %q: %w", lit, err)
		}
		return api.EncodeI32(int32(v)), nil
	case "i64":
		v, err := strconv.ParseInt(lit, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid i64 %q: %w", lit, err)
		}
		return api.EncodeI64(v), nil
	case "f32":
		v, err := strconv.ParseFloat(lit, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid f32 %q: %w", lit, err)
		}
		return api.EncodeF32(float32(v)), nil
	case "f64":
		v, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid f64 %q: %w", lit, err)
		}
		return api.EncodeF64(v), nil
	default:
		return 0, fmt.Errorf("unknown value type %q (expected i32, i64, f32 or f64)", typ)
	}
}

func parseValues(specs []string) ([]uint64, error) {
	out := make([]uint64, 0, len(specs))
	for _, s := range specs {
		v, err := parseValue(s)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// parseResume turns a resume literal into the value handed to the guest:
// "unit" resumes without a value, anything else must be an int64.
func parseResume(s string) (any, error) {
	if s == "unit" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid resume value %q: %w", s, err)
	}
	return v, nil
}

// formatResult renders a run outcome on one line.
func formatResult(r executor.Result) string {
	if r.Error != nil {
		return "error: " + r.Error.Error()
	}
	switch {
	case r.Run.Returned():
		return fmt.Sprintf("returned: %v", r.Run.Values)
	case r.Run.Yielded():
		return fmt.Sprintf("yielded: %v", r.Run.Yield.Value)
	default:
		return fmt.Sprintf("terminated: %v", r.Run.Termination)
	}
}
