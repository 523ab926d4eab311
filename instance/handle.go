package instance

import (
	"context"
	"errors"
	"runtime"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/caffeineduck/wasmgate/borrow"
)

// Handle is a hostcall's access to the instance that called it. It is only
// valid for the duration of the hostcall that produced it.
type Handle struct {
	ctx  context.Context
	raw  Vmctx
	inst *Instance
	heap []byte
}

// FromRaw resolves the boundary pointer a hostcall was entered with. A
// pointer that does not name the instance executing on ctx's scheduler
// raises a *BoundaryFault. An instance that already terminated re-raises its
// termination.
func FromRaw(ctx context.Context, v Vmctx) *Handle {
	inst := SchedulerFrom(ctx).resolve(v)
	inst.checkLive()
	return &Handle{ctx: ctx, raw: v, inst: inst, heap: inst.heapView()}
}

// HostFunc is a host function as seen by this package. stack holds the wasm
// parameters on entry and receives the results, as with api.GoModuleFunc.
type HostFunc func(h *Handle, stack []uint64)

// GoModuleFunc adapts f for wazero's host module builder.
func (f HostFunc) GoModuleFunc() api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		f(FromRaw(ctx, vmctxFrom(ctx)), stack)
	}
}

// Context returns the context of the current run.
func (h *Handle) Context() context.Context { return h.ctx }

// Vmctx returns the boundary pointer the handle was resolved from.
func (h *Handle) Vmctx() Vmctx { return h.raw }

// ID returns the instance's identity.
func (h *Handle) ID() uuid.UUID { return h.inst.id }

// Logger returns the instance logger.
func (h *Handle) Logger() *zap.Logger { return h.inst.log }

func (h *Handle) reconcileHeap() {
	if h.inst.memory == nil {
		return
	}
	if uint64(len(h.heap)) != uint64(h.inst.memory.Size()) {
		h.heap = h.inst.heapView()
	}
}

// Heap borrows the whole linear memory immutably.
func (h *Handle) Heap() *borrow.ReadGuard[[]byte] {
	h.inst.checkLive()
	h.reconcileHeap()
	g, err := borrow.TryBorrow(&h.inst.heapCell, h.heap)
	if err != nil {
		panic(h.inst.terminating(borrowError("heap")))
	}
	return g
}

// HeapMut borrows the whole linear memory mutably.
func (h *Handle) HeapMut() *borrow.WriteGuard[[]byte] {
	h.inst.checkLive()
	h.reconcileHeap()
	g, err := borrow.TryBorrowMut(&h.inst.heapCell, h.heap)
	if err != nil {
		panic(h.inst.terminating(borrowError("heap_mut")))
	}
	return g
}

// CheckHeap reports whether [offset, offset+length) lies inside the current
// heap. It takes no borrow.
func (h *Handle) CheckHeap(offset, length uint64) bool {
	h.reconcileHeap()
	end := offset + length
	if end < offset {
		return false
	}
	return end <= uint64(len(h.heap))
}

// GrowMemory adds pages of 64KiB to the heap and returns the previous size
// in pages. Views borrowed before the call keep the old length.
func (h *Handle) GrowMemory(pages uint32) (uint32, error) {
	h.inst.checkLive()
	mem := h.inst.memory
	if mem == nil {
		return 0, newError(KindNoLinearMemory, "grow memory", "module has no memory")
	}
	prev, ok := mem.Grow(pages)
	if !ok {
		return 0, newError(KindLimitsExceeded, "grow memory", "cannot grow by %d pages from %d bytes", pages, mem.Size())
	}
	h.heap = h.inst.heapView()
	return prev, nil
}

// Globals borrows the exported globals immutably.
func (h *Handle) Globals() *borrow.ReadGuard[Globals] {
	h.inst.checkLive()
	g, err := borrow.TryBorrow(&h.inst.globalsCell, h.inst.globals)
	if err != nil {
		panic(h.inst.terminating(borrowError("globals")))
	}
	return g
}

// GlobalsMut borrows the exported globals mutably.
func (h *Handle) GlobalsMut() *borrow.WriteGuard[GlobalsMut] {
	h.inst.checkLive()
	g, err := borrow.TryBorrowMut(&h.inst.globalsCell, GlobalsMut{h.inst.globals})
	if err != nil {
		panic(h.inst.terminating(borrowError("globals_mut")))
	}
	return g
}

// GetFuncFromIdx finds the function at slot of the given funcref table.
func (h *Handle) GetFuncFromIdx(table, slot uint32) (FunctionHandle, error) {
	h.inst.checkLive()
	return h.inst.lookupFunc(table, slot)
}

// Invoke calls a guest function from inside a hostcall. If the nested call
// terminated the instance the termination continues to unwind; a guest trap
// is returned as an ordinary error.
func (h *Handle) Invoke(f FunctionHandle, params ...uint64) ([]uint64, error) {
	h.inst.checkLive()
	if f.fn == nil {
		return nil, newError(KindInvalidArgument, "invoke", "zero function handle")
	}
	res, err := f.fn.Call(h.ctx, params...)
	h.inst.checkLive()
	if err != nil {
		var bf *BoundaryFault
		if errors.As(err, &bf) {
			panic(bf)
		}
		return nil, &Error{Kind: KindRuntimeFault, Op: "invoke", Detail: f.Name, Cause: err}
	}
	return res, nil
}

// Terminate stops the instance with details, unwinding through the guest.
// It does not return.
func (h *Handle) Terminate(details any) {
	panic(h.inst.terminating(&TerminationDetails{Kind: TerminationProvided, Provided: details}))
}

// TerminateNoUnwind stops the instance with details without unwinding guest
// frames. Host deferred functions on the call path still run. It does not
// return.
func (h *Handle) TerminateNoUnwind(details any) {
	h.inst.terminating(&TerminationDetails{Kind: TerminationProvided, Provided: details})
	runtime.Goexit()
}
