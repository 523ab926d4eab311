package hostfunc

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/tetratelabs/wazero/api"

	"github.com/caffeineduck/wasmgate/instance"
)

// Built-in host function names.
const (
	YieldI64     = "yield_i64"
	Terminate    = "terminate"
	GrowMemory   = "grow_memory"
	HeapChecksum = "heap_checksum"
	KVGet        = "kv_get"
	KVSet        = "kv_set"
	KVDelete     = "kv_delete"
)

// ErrOutOfBounds is the termination reason for a guest pointer range that
// does not fit in its heap.
var ErrOutOfBounds = errors.New("guest pointer out of bounds")

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// RegisterBuiltins adds yield_i64, terminate, grow_memory and heap_checksum.
func RegisterBuiltins(r *Registry) {
	r.Register(Def{
		Name:    YieldI64,
		Params:  []api.ValueType{i64},
		Results: []api.ValueType{i64},
		Fn:      yieldI64,
	})
	r.Register(Def{
		Name:   Terminate,
		Params: []api.ValueType{i64},
		Fn:     terminate,
	})
	r.Register(Def{
		Name:    GrowMemory,
		Params:  []api.ValueType{i32},
		Results: []api.ValueType{i32},
		Fn:      growMemory,
	})
	r.Register(Def{
		Name:    HeapChecksum,
		Params:  []api.ValueType{i32, i32},
		Results: []api.ValueType{i64},
		Fn:      heapChecksum,
	})
}

// RegisterKV adds kv_get, kv_set and kv_delete. They operate on the *KV in
// the calling instance's embed context and terminate it when there is none.
func RegisterKV(r *Registry) {
	r.Register(Def{
		Name:    KVGet,
		Params:  []api.ValueType{i32, i32, i32, i32},
		Results: []api.ValueType{i32},
		Fn:      kvGet,
	})
	r.Register(Def{
		Name:    KVSet,
		Params:  []api.ValueType{i32, i32, i32, i32},
		Results: []api.ValueType{i32},
		Fn:      kvSet,
	})
	r.Register(Def{
		Name:    KVDelete,
		Params:  []api.ValueType{i32, i32},
		Results: []api.ValueType{i32},
		Fn:      kvDelete,
	})
}

// yield_i64(v) -> i64: yields v and returns the int64 the host resumes with.
func yieldI64(h *instance.Handle, stack []uint64) {
	v := instance.YieldValExpectingVal[int64](h, int64(stack[0]))
	stack[0] = api.EncodeI64(v)
}

// terminate(code) terminates the instance with code as the provided value.
func terminate(h *instance.Handle, stack []uint64) {
	h.Terminate(int64(stack[0]))
}

// grow_memory(pages) -> i32: previous size in pages, or -1.
func growMemory(h *instance.Handle, stack []uint64) {
	prev, err := h.GrowMemory(api.DecodeU32(stack[0]))
	if err != nil {
		h.Logger().Debug("grow_memory failed")
		stack[0] = api.EncodeI32(-1)
		return
	}
	stack[0] = api.EncodeU32(prev)
}

// heap_checksum(ptr, len) -> i64: xxhash64 of the range.
func heapChecksum(h *instance.Handle, stack []uint64) {
	ptr, n := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
	checkRange(h, ptr, n)
	heap := h.Heap()
	defer heap.Release()
	stack[0] = xxhash.Sum64(heap.Get()[uint64(ptr) : uint64(ptr)+uint64(n)])
}

// kv_get(key_ptr, key_len, val_ptr, val_cap) -> i32: the value's length, or
// -1 when the key is absent. At most val_cap bytes are copied.
func kvGet(h *instance.Handle, stack []uint64) {
	key := readString(h, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	ptr, capacity := api.DecodeU32(stack[2]), api.DecodeU32(stack[3])
	checkRange(h, ptr, capacity)

	kv := instance.GetEmbedCtx[*KV](h)
	val, ok := kv.Get().Get(key)
	kv.Release()
	if !ok {
		stack[0] = api.EncodeI32(-1)
		return
	}

	heap := h.HeapMut()
	defer heap.Release()
	copy(heap.Get()[uint64(ptr) : uint64(ptr)+uint64(capacity)], val)
	stack[0] = api.EncodeU32(uint32(len(val)))
}

// kv_set(key_ptr, key_len, val_ptr, val_len) -> i32: 0, or -1 when the
// store rejects the entry.
func kvSet(h *instance.Handle, stack []uint64) {
	key := readString(h, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	val := []byte(readString(h, api.DecodeU32(stack[2]), api.DecodeU32(stack[3])))

	kv := instance.GetEmbedCtxMut[*KV](h)
	defer kv.Release()
	if err := (*kv.Get()).Set(key, val); err != nil {
		h.Logger().Debug("kv_set rejected")
		stack[0] = api.EncodeI32(-1)
		return
	}
	stack[0] = 0
}

// kv_delete(key_ptr, key_len) -> i32: 1 if the key was present, else 0.
func kvDelete(h *instance.Handle, stack []uint64) {
	key := readString(h, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))

	kv := instance.GetEmbedCtxMut[*KV](h)
	defer kv.Release()
	if (*kv.Get()).Delete(key) {
		stack[0] = 1
		return
	}
	stack[0] = 0
}

func checkRange(h *instance.Handle, ptr, n uint32) {
	if !h.CheckHeap(uint64(ptr), uint64(n)) {
		h.Terminate(fmt.Errorf("%w: [%d, %d)", ErrOutOfBounds, ptr, uint64(ptr)+uint64(n)))
	}
}

func readString(h *instance.Handle, ptr, n uint32) string {
	checkRange(h, ptr, n)
	heap := h.Heap()
	defer heap.Release()
	return string(heap.Get()[uint64(ptr) : uint64(ptr)+uint64(n)])
}
