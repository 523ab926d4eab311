package instance

import "github.com/tetratelabs/wazero/api"

// Value is a raw global value tagged with its wasm type.
type Value struct {
	Type api.ValueType
	Bits uint64
}

func I32(v int32) Value   { return Value{Type: api.ValueTypeI32, Bits: api.EncodeI32(v)} }
func I64(v int64) Value   { return Value{Type: api.ValueTypeI64, Bits: api.EncodeI64(v)} }
func F32(v float32) Value { return Value{Type: api.ValueTypeF32, Bits: api.EncodeF32(v)} }
func F64(v float64) Value { return Value{Type: api.ValueTypeF64, Bits: api.EncodeF64(v)} }

func (v Value) AsI32() int32     { return api.DecodeI32(v.Bits) }
func (v Value) AsI64() int64     { return int64(v.Bits) }
func (v Value) AsF32() float32   { return api.DecodeF32(v.Bits) }
func (v Value) AsF64() float64   { return api.DecodeF64(v.Bits) }
func (v Value) TypeName() string { return api.ValueTypeName(v.Type) }

type global struct {
	name  string
	index uint32
	g     api.Global
}

// Globals is a read view of an instance's exported globals, in global index
// order.
type Globals struct {
	entries []global
}

// Len returns the number of exported globals.
func (g Globals) Len() int {
	return len(g.entries)
}

// Name returns the export name of the global at idx.
func (g Globals) Name(idx int) string {
	if idx < 0 || idx >= len(g.entries) {
		return ""
	}
	return g.entries[idx].name
}

// Lookup returns the position of the global exported as name.
func (g Globals) Lookup(name string) (int, bool) {
	for i, e := range g.entries {
		if e.name == name {
			return i, true
		}
	}
	return 0, false
}

// Get reads the global at idx.
func (g Globals) Get(idx int) (Value, error) {
	if idx < 0 || idx >= len(g.entries) {
		return Value{}, newError(KindInvalidArgument, "global get", "index %d out of range [0,%d)", idx, len(g.entries))
	}
	e := g.entries[idx].g
	return Value{Type: e.Type(), Bits: e.Get()}, nil
}

// Mutable reports whether the global at idx can be written.
func (g Globals) Mutable(idx int) bool {
	if idx < 0 || idx >= len(g.entries) {
		return false
	}
	_, ok := g.entries[idx].g.(api.MutableGlobal)
	return ok
}

// GlobalsMut is the write view handed out under an exclusive borrow.
type GlobalsMut struct {
	Globals
}

// Set writes the global at idx. The value type must match the global's.
func (g GlobalsMut) Set(idx int, v Value) error {
	if idx < 0 || idx >= len(g.entries) {
		return newError(KindInvalidArgument, "global set", "index %d out of range [0,%d)", idx, len(g.entries))
	}
	e := g.entries[idx]
	mg, ok := e.g.(api.MutableGlobal)
	if !ok {
		return newError(KindInvalidArgument, "global set", "global %q is immutable", e.name)
	}
	if t := mg.Type(); t != v.Type {
		return newError(KindInvalidArgument, "global set", "global %q has type %s, got %s",
			e.name, api.ValueTypeName(t), v.TypeName())
	}
	mg.Set(v.Bits)
	return nil
}
