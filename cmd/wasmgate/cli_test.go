package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/caffeineduck/wasmgate/executor"
	"github.com/caffeineduck/wasmgate/hostfunc"
	"github.com/caffeineduck/wasmgate/internal/testguest"
	"github.com/caffeineduck/wasmgate/internal/wasmbin"
)

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func writeModule(t *testing.T, name string, bin []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, bin, 0644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	return path
}

func terminateModule() []byte {
	return testguest.ForwardModule(testguest.Import{
		Name:   hostfunc.Terminate,
		Params: []api.ValueType{api.ValueTypeI64},
	})
}

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand(newRootCmd(), "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"wasmgate",
		"WebAssembly",
		"run",
		"inspect",
		"repl",
		"serve",
		"--verbose",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("help output should contain %q", phrase)
		}
	}
}

func TestCLIRunHelp(t *testing.T) {
	output, err := executeCommand(newRootCmd(), "run", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--invoke",
		"--arg",
		"--resume",
		"--timeout",
		"--kv",
		"--mount",
		"--instances",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("run help output should contain %q", phrase)
		}
	}
}

func TestCLIRun(t *testing.T) {
	path := writeModule(t, "yield.wasm", testguest.YieldModule())

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"resumed", []string{"--arg", "5", "--resume", "4"}, "returned: [8]"},
		{"left yielded", []string{"--arg", "5"}, "yielded: 5"},
		{"twice", []string{"--invoke", "twice", "--arg", "1", "--resume", "2", "--resume", "3"}, "returned: [3]"},
		{"unit resume mismatches", []string{"--arg", "1", "--resume", "unit"}, "terminated: instance terminated: yield type mismatch: int64"},
		{"hex argument", []string{"--arg", "0x10", "--resume", "0x10"}, "returned: [32]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"run", path, "--no-cache"}, tt.args...)
			output, err := executeCommand(newRootCmd(), args...)
			require.NoError(t, err)
			require.Equal(t, tt.want, strings.TrimSpace(output))
		})
	}
}

func TestCLIRunInstances(t *testing.T) {
	path := writeModule(t, "yield.wasm", testguest.YieldModule())

	output, err := executeCommand(newRootCmd(), "run", path, "--no-cache",
		"--arg", "5", "--resume", "1", "--instances", "3")
	require.NoError(t, err)
	for _, line := range []string{"instance 0: returned: [2]", "instance 1: returned: [2]", "instance 2: returned: [2]"} {
		require.Contains(t, output, line)
	}
}

func TestCLIRunTerminate(t *testing.T) {
	path := writeModule(t, "terminate.wasm", terminateModule())

	output, err := executeCommand(newRootCmd(), "run", path, "--no-cache",
		"--invoke", hostfunc.Terminate, "--arg", "3")
	require.NoError(t, err)
	require.Equal(t, "terminated: instance terminated: 3", strings.TrimSpace(output))
}

func TestCLIRunErrors(t *testing.T) {
	path := writeModule(t, "yield.wasm", testguest.YieldModule())

	tests := []struct {
		name string
		args []string
	}{
		{"missing export", []string{"run", path, "--no-cache", "--invoke", "nope"}},
		{"bad argument", []string{"run", path, "--no-cache", "--arg", "u8:1"}},
		{"bad resume", []string{"run", path, "--no-cache", "--resume", "soon"}},
		{"bad mount", []string{"run", path, "--no-cache", "--mount", "/data:/tmp"}},
		{"zero instances", []string{"run", path, "--no-cache", "--instances", "0"}},
		{"missing file", []string{"run", filepath.Join(t.TempDir(), "none.wasm"), "--no-cache"}},
		{"no file", []string{"run"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := executeCommand(newRootCmd(), tt.args...)
			require.Error(t, err)
		})
	}
}

func TestCLIInspect(t *testing.T) {
	path := writeModule(t, "hostcall.wasm", testguest.HostcallModule())

	output, err := executeCommand(newRootCmd(), "inspect", path)
	require.NoError(t, err)

	for _, phrase := range []string{
		"exports:",
		"func     run",
		"memory   memory",
		"globals:",
		"0: counter",
		"1: answer",
		"table 0 (size 3):",
		"[0] func 2 double",
		"[1] func 1 run",
	} {
		require.Contains(t, output, phrase)
	}
}

func TestCLIInspectInvalid(t *testing.T) {
	path := writeModule(t, "bad.wasm", []byte("nope"))
	_, err := executeCommand(newRootCmd(), "inspect", path)
	require.Error(t, err)
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{"7", api.EncodeI64(7)},
		{"-1", api.EncodeI64(-1)},
		{"i32:-1", api.EncodeI32(-1)},
		{"i64:0x20", 32},
		{"f32:1.5", api.EncodeF32(1.5)},
		{"f64:0.25", api.EncodeF64(0.25)},
	}
	for _, tt := range tests {
		got, err := parseValue(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "x", "i32:4294967296", "f32:abc", "v128:0"} {
		_, err := parseValue(bad)
		require.Error(t, err, bad)
	}
}

func TestParseResume(t *testing.T) {
	v, err := parseResume("unit")
	require.NoError(t, err)
	require.Nil(t, v)

	v, err = parseResume("-3")
	require.NoError(t, err)
	require.Equal(t, int64(-3), v)

	_, err = parseResume("1.5")
	require.Error(t, err)
}

func TestCLIMountParsing(t *testing.T) {
	tests := []struct {
		spec    string
		want    hostfunc.Mount
		wantErr bool
	}{
		{"/data:./input:ro", hostfunc.Mount{VirtualPath: "/data", HostPath: "./input", Mode: hostfunc.MountReadOnly}, false},
		{"/out:/tmp/out:rw", hostfunc.Mount{VirtualPath: "/out", HostPath: "/tmp/out", Mode: hostfunc.MountReadWrite}, false},
		{"/new:/tmp/new:rwc", hostfunc.Mount{VirtualPath: "/new", HostPath: "/tmp/new", Mode: hostfunc.MountReadWriteCreate}, false},
		{"/data:./input", hostfunc.Mount{}, true},
		{"/data:./input:rx", hostfunc.Mount{}, true},
	}

	for _, tt := range tests {
		m, err := parseMount(tt.spec)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseMount(%q): expected error", tt.spec)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseMount(%q): unexpected error: %v", tt.spec, err)
			continue
		}
		if m != tt.want {
			t.Errorf("parseMount(%q) = %+v, want %+v", tt.spec, m, tt.want)
		}
	}
}

func TestParseMemoryLimit(t *testing.T) {
	require.Equal(t, executor.MemoryLimit1MB, parseMemoryLimit("1MB"))
	require.Equal(t, executor.MemoryLimit1GB, parseMemoryLimit("1gb"))
	require.Equal(t, uint32(0), parseMemoryLimit("lots"))
}

func TestReplEval(t *testing.T) {
	exec, err := executor.New(nil)
	require.NoError(t, err)
	defer exec.Close()

	ctx := context.Background()
	prog := executor.NewProgram("yield", testguest.YieldModule())
	session, err := exec.NewSession(ctx, prog)
	require.NoError(t, err)
	defer session.Close()

	out := new(bytes.Buffer)
	r := &repl{session: session, out: out}

	steps := []struct {
		line string
		want string
	}{
		{"run twice 3", "yielded: 3"},
		{"state", "yielding"},
		{"resume 4", "yielded: 4"},
		{"resume 9", "returned: [9]"},
		{"state", "ready"},
	}
	for _, step := range steps {
		out.Reset()
		require.NoError(t, r.eval(ctx, step.line), step.line)
		require.Equal(t, step.want, strings.TrimSpace(out.String()), step.line)
	}

	for _, bad := range []string{"run", "keys", "resume x", "jump"} {
		require.Error(t, r.eval(ctx, bad), bad)
	}
}

func TestReplGlobalsAndKeys(t *testing.T) {
	exec, err := executor.New(executor.TestRegistry(nil))
	require.NoError(t, err)
	defer exec.Close()

	ctx := context.Background()
	bin := testguest.HostcallModule()
	kv := hostfunc.NewKV(hostfunc.DefaultKVConfig())
	kv.Set("alpha", []byte("1"))

	session, err := exec.NewSession(ctx, executor.NewProgram("hostcall", bin),
		executor.WithInstanceOptions(executor.WithKV(kv)))
	require.NoError(t, err)
	defer session.Close()

	info, err := wasmbin.Scan(bin)
	require.NoError(t, err)

	out := new(bytes.Buffer)
	r := &repl{session: session, kv: kv, info: info, out: out}

	require.NoError(t, r.eval(ctx, "run bump"))
	out.Reset()
	require.NoError(t, r.eval(ctx, "globals"))
	require.Contains(t, out.String(), "counter i32")
	require.Contains(t, out.String(), "answer i64")

	out.Reset()
	require.NoError(t, r.eval(ctx, "keys"))
	require.Equal(t, "alpha", strings.TrimSpace(out.String()))
}
