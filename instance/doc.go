// Package instance is the boundary between trusted host code and an
// untrusted WebAssembly guest running on wazero.
//
// # Handles
//
// Every hostcall is entered with the instance's boundary pointer ([Vmctx])
// and resolves it into a [Handle] with [FromRaw]. The handle gives access to
// the guest heap, the exported globals, the embedder context and the
// module's function tables. Each of these is guarded by a runtime borrow
// cell: any number of immutable borrows or one mutable borrow. A conflicting
// borrow terminates the instance instead of handing out aliased views.
//
//	func readByte(h *instance.Handle, stack []uint64) {
//	    heap := h.Heap()
//	    defer heap.Release()
//	    stack[0] = uint64(heap.Get()[api.DecodeU32(stack[0])])
//	}
//
// The guest may grow its memory during a hostcall. Heap and HeapMut compare
// the handle's view with the current memory size and replace it when they
// differ.
//
// # Yield, resume, terminate
//
// [Instance.Run] starts an export and blocks until the guest returns,
// yields or terminates. A hostcall yields with [Handle.Yield] or one of the
// value carrying variants, and the host continues it with
// [Instance.Resume] or [Instance.ResumeWithVal]:
//
//	res, err := inst.Run(ctx, "main")
//	for err == nil && res.Yielded() {
//	    res, err = inst.ResumeWithVal(ctx, answer(res.Yield.Value))
//	}
//
// Termination is final. Once an instance is terminating or faulted the
// only remaining operation is [Instance.Close].
//
// # Boundary faults
//
// A boundary pointer that does not name the instance currently executing on
// the calling goroutine's [Scheduler] raises a [*BoundaryFault]. The run
// that observed it fails with [ErrBoundaryFault] and the instance is left
// faulted.
package instance
