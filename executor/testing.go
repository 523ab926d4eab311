package executor

import (
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/caffeineduck/wasmgate/hostfunc"
	"github.com/caffeineduck/wasmgate/instance"
	"github.com/caffeineduck/wasmgate/internal/testguest"
)

// TestExecutor provides a shared executor for tests to avoid repeated runtime
// setup. Use GetTestExecutor() to get a shared instance that's reused across
// tests.
var (
	testExecutor     *Executor
	testExecutorOnce sync.Once
	testExecutorErr  error
)

// TestRegistry returns a registry with the built-in, KV and FS hostcalls plus
// the "hostcall" import the test guests expect, implemented by fn. A nil fn
// echoes its argument.
func TestRegistry(fn instance.HostFunc) *hostfunc.Registry {
	if fn == nil {
		fn = func(*instance.Handle, []uint64) {}
	}
	r := hostfunc.NewRegistry()
	hostfunc.RegisterBuiltins(r)
	hostfunc.RegisterKV(r)
	hostfunc.RegisterFS(r)
	r.Register(hostfunc.Def{
		Name:    testguest.Hostcall,
		Params:  []api.ValueType{api.ValueTypeI64},
		Results: []api.ValueType{api.ValueTypeI64},
		Fn:      fn,
	})
	return r
}

// GetTestExecutor returns a shared executor whose registry is
// TestRegistry(nil). The executor is created once and reused.
func GetTestExecutor() (*Executor, error) {
	testExecutorOnce.Do(func() {
		testExecutor, testExecutorErr = New(TestRegistry(nil))
	})
	return testExecutor, testExecutorErr
}

// CloseTestExecutor closes the shared test executor.
// Call this in TestMain if needed, but typically not necessary.
func CloseTestExecutor() {
	if testExecutor != nil {
		testExecutor.Close()
		testExecutor = nil
		testExecutorOnce = sync.Once{} // Reset for next test run
	}
}
