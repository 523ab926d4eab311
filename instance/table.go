package instance

import (
	"github.com/tetratelabs/wazero/api"
)

// FunctionHandle is a guest function found through a funcref table.
type FunctionHandle struct {
	Table uint32
	Slot  uint32
	// Index is the function's position in the module's function index space.
	Index uint32
	Name  string

	fn api.Function
}

// Definition returns the function's signature and names.
func (f FunctionHandle) Definition() api.FunctionDefinition {
	return f.fn.Definition()
}

func (i *Instance) lookupFunc(table, slot uint32) (FunctionHandle, error) {
	const op = "get func from idx"
	if int(table) >= len(i.tables) {
		return FunctionHandle{}, newError(KindFuncNotFound, op, "table %d does not exist", table)
	}
	t := i.tables[table]
	if slot >= t.Size {
		return FunctionHandle{}, newError(KindFuncNotFound, op, "slot %d out of range for table %d of size %d", slot, table, t.Size)
	}
	idx, ok := t.Slots[slot]
	if !ok {
		return FunctionHandle{}, newError(KindFuncNotFound, op, "table %d slot %d is null", table, slot)
	}
	name, ok := i.funcs[idx]
	if !ok {
		return FunctionHandle{}, newError(KindFuncNotFound, op, "function %d in table %d slot %d has no export", idx, table, slot)
	}
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return FunctionHandle{}, newError(KindFuncNotFound, op, "export %q", name)
	}
	return FunctionHandle{Table: table, Slot: slot, Index: idx, Name: name, fn: fn}, nil
}
