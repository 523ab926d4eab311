// Package hostfunc provides the host functions guests import and the
// registry they are bound from.
//
// Every host function is an [instance.HostFunc]: it receives a boundary
// handle for the calling instance and the raw wasm value stack. Guest memory,
// globals and per-instance state are reached only through that handle, so
// aliasing rules are enforced at run time and violations terminate the
// instance rather than the host.
//
// # Registry
//
// The [Registry] collects [Def] values and binds them into a wazero runtime
// as one host module (by default [DefaultModule]):
//
//	registry := hostfunc.NewRegistry()
//	hostfunc.RegisterBuiltins(registry)
//	registry.Register(hostfunc.Def{
//	    Name:    "now",
//	    Results: []api.ValueType{api.ValueTypeI64},
//	    Fn: func(h *instance.Handle, stack []uint64) {
//	        stack[0] = uint64(time.Now().UnixNano())
//	    },
//	})
//
// # Built-in Capabilities
//
// Control: yield_i64, terminate, grow_memory and heap_checksum via
// [RegisterBuiltins].
//
// Key-Value Store: in-memory storage via [KV] and [KVConfig]. The kv_*
// hostcalls use the *KV found in the instance's embed context.
//
//	kv := hostfunc.NewKV(hostfunc.DefaultKVConfig())
//	hostfunc.RegisterKV(registry)
//	// executor.WithKV(kv) inserts kv into each instance
//
// Filesystem: mount-based access via [FS], [Mount] and [MountMode]. The fs_*
// hostcalls use the *FS found in the instance's embed context.
//
// # Guest ABI
//
// Strings and buffers cross the boundary as (ptr, len) pairs of i32. A range
// that does not fit in the guest's heap terminates the instance with
// [ErrOutOfBounds]; lookups that miss return -1.
package hostfunc
