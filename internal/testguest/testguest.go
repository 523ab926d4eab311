// Package testguest builds the guest modules used by tests, benchmarks and
// the CLI demo.
package testguest

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/caffeineduck/wasmgate/internal/wasmbin"
)

// Host module and import names the fixtures expect.
const (
	HostModule = "env"
	Hostcall   = "hostcall"
	YieldI64   = "yield_i64"
)

// Initial values of the exported globals.
const (
	CounterInit = 7
	AnswerInit  = 42
)

var (
	i32 = []api.ValueType{api.ValueTypeI32}
	i64 = []api.ValueType{api.ValueTypeI64}
)

// HostcallModule imports env.hostcall (i64) -> i64 and exports:
//
//	run(i64) -> i64     calls hostcall with its argument
//	double(i64) -> i64  returns twice its argument
//	grow(i32) -> i32    memory.grow
//	pages() -> i32      memory.size
//	bump()              increments the counter global
//	spin()              loops forever
//	trap()              executes unreachable
//	memory              1 page, max 4
//	counter             mutable i32, initially CounterInit
//	answer              immutable i64, initially AnswerInit
//
// Table 0 has three slots: [double, run, null].
func HostcallModule() []byte {
	b := wasmbin.NewBuilder()
	call := b.ImportFunc(HostModule, Hostcall, i64, i64)

	run := b.Func(i64, i64, nil, wasmbin.Concat(
		[]byte{wasmbin.OpLocalGet}, wasmbin.Index(0),
		[]byte{wasmbin.OpCall}, wasmbin.Index(call),
	)...)
	double := b.Func(i64, i64, nil,
		wasmbin.OpLocalGet, 0,
		wasmbin.OpLocalGet, 0,
		wasmbin.OpI64Add,
	)
	grow := b.Func(i32, i32, nil,
		wasmbin.OpLocalGet, 0,
		wasmbin.OpMemoryGrow, 0,
	)
	pages := b.Func(nil, i32, nil, wasmbin.OpMemorySize, 0)

	b.Memory(1, 4)
	counter := b.Global(api.ValueTypeI32, true, CounterInit)
	answer := b.Global(api.ValueTypeI64, false, AnswerInit)

	bump := b.Func(nil, nil, nil, wasmbin.Concat(
		[]byte{wasmbin.OpGlobalGet}, wasmbin.Index(counter),
		wasmbin.I32Const(1),
		[]byte{wasmbin.OpI32Add},
		[]byte{wasmbin.OpGlobalSet}, wasmbin.Index(counter),
	)...)

	spin := b.Func(nil, nil, nil,
		wasmbin.OpLoop, wasmbin.BlockEmpty,
		wasmbin.OpBr, 0,
		wasmbin.OpEnd,
	)
	trap := b.Func(nil, nil, nil, wasmbin.OpUnreachable)

	b.Table(3)
	b.Elements(0, double, run)

	b.Export("run", api.ExternTypeFunc, run)
	b.Export("double", api.ExternTypeFunc, double)
	b.Export("grow", api.ExternTypeFunc, grow)
	b.Export("pages", api.ExternTypeFunc, pages)
	b.Export("bump", api.ExternTypeFunc, bump)
	b.Export("spin", api.ExternTypeFunc, spin)
	b.Export("trap", api.ExternTypeFunc, trap)
	b.Export("memory", api.ExternTypeMemory, 0)
	b.Export("counter", api.ExternTypeGlobal, counter)
	b.Export("answer", api.ExternTypeGlobal, answer)
	return b.Build()
}

// IndirectModule imports env.hostcall (i64) -> i64 and exports run(i64) ->
// i64, which calls hostcall, and memory (1 page). Table 0 holds a single
// function that is not exported, square(i64) -> i64, reachable only through
// the table.
func IndirectModule() []byte {
	b := wasmbin.NewBuilder()
	call := b.ImportFunc(HostModule, Hostcall, i64, i64)

	run := b.Func(i64, i64, nil, wasmbin.Concat(
		[]byte{wasmbin.OpLocalGet}, wasmbin.Index(0),
		[]byte{wasmbin.OpCall}, wasmbin.Index(call),
	)...)
	square := b.Func(i64, i64, nil,
		wasmbin.OpLocalGet, 0,
		wasmbin.OpLocalGet, 0,
		wasmbin.OpI64Mul,
	)

	b.Memory(1)
	b.Table(1)
	b.Elements(0, square)
	b.Export("run", api.ExternTypeFunc, run)
	b.Export("memory", api.ExternTypeMemory, 0)
	return b.Build()
}

// YieldModule imports env.yield_i64 (i64) -> i64 and exports:
//
//	run(i64) -> i64    returns yield_i64(x) * 2
//	twice(i64) -> i64  returns yield_i64(yield_i64(x))
//	memory             1 page
func YieldModule() []byte {
	b := wasmbin.NewBuilder()
	yield := b.ImportFunc(HostModule, YieldI64, i64, i64)

	run := b.Func(i64, i64, nil, wasmbin.Concat(
		[]byte{wasmbin.OpLocalGet}, wasmbin.Index(0),
		[]byte{wasmbin.OpCall}, wasmbin.Index(yield),
		wasmbin.I64Const(2),
		[]byte{wasmbin.OpI64Mul},
	)...)
	twice := b.Func(i64, i64, nil, wasmbin.Concat(
		[]byte{wasmbin.OpLocalGet}, wasmbin.Index(0),
		[]byte{wasmbin.OpCall}, wasmbin.Index(yield),
		[]byte{wasmbin.OpCall}, wasmbin.Index(yield),
	)...)

	b.Memory(1)
	b.Export("run", api.ExternTypeFunc, run)
	b.Export("twice", api.ExternTypeFunc, twice)
	b.Export("memory", api.ExternTypeMemory, 0)
	return b.Build()
}

// Import is a host function a forwarding module imports from HostModule.
type Import struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

// ForwardModule imports each function from HostModule and exports a guest
// function of the same name and signature that calls straight through to it.
// It also exports memory (1 page, max 4).
func ForwardModule(imports ...Import) []byte {
	b := wasmbin.NewBuilder()
	idx := make([]uint32, len(imports))
	for n, imp := range imports {
		idx[n] = b.ImportFunc(HostModule, imp.Name, imp.Params, imp.Results)
	}
	for n, imp := range imports {
		var body []byte
		for p := range imp.Params {
			body = append(body, wasmbin.OpLocalGet)
			body = append(body, wasmbin.Index(uint32(p))...)
		}
		body = append(body, wasmbin.OpCall)
		body = append(body, wasmbin.Index(idx[n])...)
		fn := b.Func(imp.Params, imp.Results, nil, body...)
		b.Export(imp.Name, api.ExternTypeFunc, fn)
	}
	b.Memory(1, 4)
	b.Export("memory", api.ExternTypeMemory, 0)
	return b.Build()
}
