package hostfunc_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/caffeineduck/wasmgate/executor"
	"github.com/caffeineduck/wasmgate/hostfunc"
	"github.com/caffeineduck/wasmgate/instance"
	"github.com/caffeineduck/wasmgate/internal/testguest"
)

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

var builtins = []testguest.Import{
	{Name: hostfunc.YieldI64, Params: []api.ValueType{i64}, Results: []api.ValueType{i64}},
	{Name: hostfunc.Terminate, Params: []api.ValueType{i64}},
	{Name: hostfunc.GrowMemory, Params: []api.ValueType{i32}, Results: []api.ValueType{i32}},
	{Name: hostfunc.HeapChecksum, Params: []api.ValueType{i32, i32}, Results: []api.ValueType{i64}},
	{Name: hostfunc.KVGet, Params: []api.ValueType{i32, i32, i32, i32}, Results: []api.ValueType{i32}},
	{Name: hostfunc.KVSet, Params: []api.ValueType{i32, i32, i32, i32}, Results: []api.ValueType{i32}},
	{Name: hostfunc.KVDelete, Params: []api.ValueType{i32, i32}, Results: []api.ValueType{i32}},
	{Name: hostfunc.FSRead, Params: []api.ValueType{i32, i32, i32, i32}, Results: []api.ValueType{i32}},
	{Name: hostfunc.FSWrite, Params: []api.ValueType{i32, i32, i32, i32}, Results: []api.ValueType{i32}},
}

func newGuest(t *testing.T, opts ...executor.Option) *instance.Instance {
	t.Helper()
	exec, err := executor.New(nil)
	require.NoError(t, err)
	t.Cleanup(func() { exec.Close() })

	prog := executor.NewProgram("forward", testguest.ForwardModule(builtins...))
	inst, err := exec.NewInstance(context.Background(), prog, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { inst.Close(context.Background()) })
	return inst
}

func write(t *testing.T, inst *instance.Instance, offset uint32, data string) {
	t.Helper()
	require.True(t, inst.Module().Memory().Write(offset, []byte(data)))
}

func read(t *testing.T, inst *instance.Instance, offset, n uint32) string {
	t.Helper()
	b, ok := inst.Module().Memory().Read(offset, n)
	require.True(t, ok)
	return string(b)
}

func call(t *testing.T, inst *instance.Instance, name string, args ...uint64) instance.RunResult {
	t.Helper()
	res, err := inst.Run(context.Background(), name, args...)
	require.NoError(t, err)
	return res
}

func TestRegistry(t *testing.T) {
	r := hostfunc.NewRegistry()
	hostfunc.RegisterBuiltins(r)

	require.Equal(t, []string{
		hostfunc.GrowMemory,
		hostfunc.HeapChecksum,
		hostfunc.Terminate,
		hostfunc.YieldI64,
	}, r.List())

	def, ok := r.Get(hostfunc.HeapChecksum)
	require.True(t, ok)
	require.Equal(t, []api.ValueType{i32, i32}, def.Params)
	require.Equal(t, []api.ValueType{i64}, def.Results)

	c := r.Clone()
	hostfunc.RegisterKV(c)
	require.Len(t, r.List(), 4)
	require.Len(t, c.List(), 7)

	_, ok = r.Get(hostfunc.KVGet)
	require.False(t, ok)
}

func TestBindRejectsMissingImplementation(t *testing.T) {
	r := hostfunc.NewRegistry()
	r.Register(hostfunc.Def{Name: "broken"})

	_, err := executor.New(r)
	require.ErrorContains(t, err, `"broken"`)
}

func TestKVHostcalls(t *testing.T) {
	kv := hostfunc.NewKV(hostfunc.DefaultKVConfig())
	inst := newGuest(t, executor.WithKV(kv))

	write(t, inst, 0, "greeting")
	write(t, inst, 16, "hello")

	res := call(t, inst, hostfunc.KVSet, 0, 8, 16, 5)
	require.Equal(t, uint64(0), res.Values[0])
	val, ok := kv.Get("greeting")
	require.True(t, ok)
	require.Equal(t, "hello", string(val))

	res = call(t, inst, hostfunc.KVGet, 0, 8, 64, 32)
	require.Equal(t, int32(5), api.DecodeI32(res.Values[0]))
	require.Equal(t, "hello", read(t, inst, 64, 5))

	// Short buffer: full length reported, only the prefix copied.
	res = call(t, inst, hostfunc.KVGet, 0, 8, 128, 2)
	require.Equal(t, int32(5), api.DecodeI32(res.Values[0]))
	require.Equal(t, "he\x00", read(t, inst, 128, 3))

	res = call(t, inst, hostfunc.KVDelete, 0, 8)
	require.Equal(t, int32(1), api.DecodeI32(res.Values[0]))
	res = call(t, inst, hostfunc.KVDelete, 0, 8)
	require.Equal(t, int32(0), api.DecodeI32(res.Values[0]))

	res = call(t, inst, hostfunc.KVGet, 0, 8, 64, 32)
	require.Equal(t, int32(-1), api.DecodeI32(res.Values[0]))
}

func TestKVSetRejected(t *testing.T) {
	kv := hostfunc.NewKV(hostfunc.KVConfig{MaxValueSize: 2})
	inst := newGuest(t, executor.WithKV(kv))

	write(t, inst, 0, "k")
	write(t, inst, 8, "long")

	res := call(t, inst, hostfunc.KVSet, 0, 1, 8, 4)
	require.Equal(t, int32(-1), api.DecodeI32(res.Values[0]))
	require.Equal(t, 0, kv.Len())
	require.Equal(t, instance.StateReady, inst.State())
}

func TestKVWithoutStoreTerminates(t *testing.T) {
	inst := newGuest(t)

	res := call(t, inst, hostfunc.KVGet, 0, 1, 8, 8)
	require.True(t, res.Terminated())
	require.Equal(t, instance.TerminationCtxNotFound, res.Termination.Kind)
	require.Equal(t, "*hostfunc.KV", res.Termination.Type)
}

func TestHeapChecksum(t *testing.T) {
	inst := newGuest(t)
	write(t, inst, 100, "checksum me")

	res := call(t, inst, hostfunc.HeapChecksum, 100, 11)
	require.Equal(t, xxhash.Sum64String("checksum me"), res.Values[0])
}

func TestOutOfBoundsTerminates(t *testing.T) {
	tests := []struct {
		name string
		fn   string
		args []uint64
	}{
		{"past end", hostfunc.HeapChecksum, []uint64{65530, 10}},
		{"wrapping length", hostfunc.HeapChecksum, []uint64{16, uint64(^uint32(0))}},
		{"kv buffer", hostfunc.KVGet, []uint64{0, 1, 65536, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := newGuest(t, executor.WithKV(hostfunc.NewKV(hostfunc.DefaultKVConfig())))

			res := call(t, inst, tt.fn, tt.args...)
			require.True(t, res.Terminated())
			provided, ok := res.Termination.AsProvided()
			require.True(t, ok)
			err, ok := provided.(error)
			require.True(t, ok)
			require.True(t, errors.Is(err, hostfunc.ErrOutOfBounds))
		})
	}
}

func TestGrowMemory(t *testing.T) {
	inst := newGuest(t)

	res := call(t, inst, hostfunc.GrowMemory, 2)
	require.Equal(t, int32(1), api.DecodeI32(res.Values[0]))
	require.Equal(t, uint32(3*65536), inst.HeapSize())

	// Maximum is 4 pages.
	res = call(t, inst, hostfunc.GrowMemory, 2)
	require.Equal(t, int32(-1), api.DecodeI32(res.Values[0]))
	require.Equal(t, uint32(3*65536), inst.HeapSize())
}

func TestTerminateHostcall(t *testing.T) {
	inst := newGuest(t)

	res := call(t, inst, hostfunc.Terminate, api.EncodeI64(-7))
	require.True(t, res.Terminated())
	v, ok := res.Termination.AsProvided()
	require.True(t, ok)
	require.Equal(t, int64(-7), v)
	require.Equal(t, instance.StateTerminating, inst.State())

	_, err := inst.Run(context.Background(), hostfunc.HeapChecksum, 0, 0)
	require.ErrorIs(t, err, instance.ErrRuntimeTerminated)
}

func TestYieldHostcall(t *testing.T) {
	inst := newGuest(t)

	res := call(t, inst, hostfunc.YieldI64, 5)
	require.True(t, res.Yielded())
	require.Equal(t, int64(5), res.Yield.Value)

	res, err := inst.ResumeWithVal(context.Background(), int64(11))
	require.NoError(t, err)
	require.True(t, res.Returned())
	require.Equal(t, int64(11), api.DecodeI64(res.Values[0]))
}

func TestFSHostcalls(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.txt"), []byte("from host"), 0644))

	inst := newGuest(t,
		executor.WithMount("/data", dir, executor.MountReadWriteCreate),
		executor.WithMount("/ro", dir, executor.MountReadOnly),
	)

	write(t, inst, 0, "/data/in.txt")
	res := call(t, inst, hostfunc.FSRead, 0, 12, 256, 64)
	require.Equal(t, int32(9), api.DecodeI32(res.Values[0]))
	require.Equal(t, "from host", read(t, inst, 256, 9))

	write(t, inst, 32, "/data/out.txt")
	write(t, inst, 64, "from guest")
	res = call(t, inst, hostfunc.FSWrite, 32, 13, 64, 10)
	require.Equal(t, int32(0), api.DecodeI32(res.Values[0]))
	out, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	require.Equal(t, "from guest", string(out))

	write(t, inst, 96, "/ro/out.txt")
	res = call(t, inst, hostfunc.FSWrite, 96, 11, 64, 10)
	require.Equal(t, int32(-1), api.DecodeI32(res.Values[0]))

	write(t, inst, 128, "/etc/passwd")
	res = call(t, inst, hostfunc.FSRead, 128, 11, 256, 64)
	require.Equal(t, int32(-1), api.DecodeI32(res.Values[0]))
}

func TestFSReadOverLimit(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.txt"), []byte("0123456789"), 0644))

	inst := newGuest(t,
		executor.WithMount("/data", dir, executor.MountReadWriteCreate),
		executor.WithFSMaxFileSize(8),
		executor.WithFSMaxWriteSize(4),
	)

	write(t, inst, 0, "/data/big.txt")
	res := call(t, inst, hostfunc.FSRead, 0, 13, 256, 64)
	require.Equal(t, int32(-1), api.DecodeI32(res.Values[0]))

	write(t, inst, 32, "/data/out.txt")
	write(t, inst, 64, "12345")
	res = call(t, inst, hostfunc.FSWrite, 32, 13, 64, 5)
	require.Equal(t, int32(-1), api.DecodeI32(res.Values[0]))
	_, err := os.Stat(filepath.Join(dir, "out.txt"))
	require.True(t, os.IsNotExist(err))
}
