package wasmbin

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/tetratelabs/wazero/api"
)

const (
	opRefNull byte = 0xD0
	opRefFunc byte = 0xD2
)

var (
	ErrNotWasm   = errors.New("wasmbin: not a wasm binary")
	ErrTruncated = errors.New("wasmbin: truncated binary")
)

// Export is one entry of the export section.
type Export struct {
	Name  string
	Kind  api.ExternType
	Index uint32
}

// Table is the statically known layout of one funcref table: its declared
// size and the function index placed in each slot by active element
// segments with constant offsets.
type Table struct {
	Index uint32
	Size  uint32
	Slots map[uint32]uint32
}

// Info is what Scan recovers from a binary.
type Info struct {
	Exports        []Export
	ImportedFuncs  uint32
	ImportedTables uint32
	Tables         []Table
}

// Globals returns exported globals ordered by global index, one name per
// index.
func (i *Info) Globals() []Export {
	seen := map[uint32]bool{}
	var out []Export
	for _, e := range i.Exports {
		if e.Kind != api.ExternTypeGlobal || seen[e.Index] {
			continue
		}
		seen[e.Index] = true
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Index < out[b].Index })
	return out
}

// Functions returns exported functions keyed by function index.
func (i *Info) Functions() map[uint32]string {
	out := map[uint32]string{}
	for _, e := range i.Exports {
		if e.Kind != api.ExternTypeFunc {
			continue
		}
		if _, ok := out[e.Index]; !ok {
			out[e.Index] = e.Name
		}
	}
	return out
}

// Scan reads the import, table, export and element sections of bin. Other
// sections are skipped without validation; wazero validates the module when
// it is compiled.
func Scan(bin []byte) (*Info, error) {
	if len(bin) < len(header) || !bytes.Equal(bin[:4], header[:4]) {
		return nil, ErrNotWasm
	}
	r := &reader{buf: bin, pos: len(header)}
	info := &Info{}

	for !r.done() {
		id, err := r.byte()
		if err != nil {
			return nil, err
		}
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		body, err := r.bytes(int(size))
		if err != nil {
			return nil, err
		}
		s := &reader{buf: body}

		switch id {
		case sectionImport:
			err = scanImports(s, info)
		case sectionTable:
			err = scanTables(s, info)
		case sectionExport:
			err = scanExports(s, info)
		case sectionElement:
			err = scanElements(s, info)
		}
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", id, err)
		}
	}
	return info, nil
}

func scanImports(r *reader, info *Info) error {
	n, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		if _, err := r.name(); err != nil {
			return err
		}
		if _, err := r.name(); err != nil {
			return err
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		switch kind {
		case api.ExternTypeFunc:
			if _, err := r.u32(); err != nil {
				return err
			}
			info.ImportedFuncs++
		case api.ExternTypeTable:
			if _, err := r.byte(); err != nil {
				return err
			}
			if _, _, err := r.limits(); err != nil {
				return err
			}
			info.ImportedTables++
			info.Tables = append(info.Tables, Table{Index: uint32(len(info.Tables)), Slots: map[uint32]uint32{}})
		case api.ExternTypeMemory:
			if _, _, err := r.limits(); err != nil {
				return err
			}
		case api.ExternTypeGlobal:
			if _, err := r.bytes(2); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown import kind 0x%x", kind)
		}
	}
	return nil
}

func scanTables(r *reader, info *Info) error {
	n, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		if _, err := r.byte(); err != nil {
			return err
		}
		min, _, err := r.limits()
		if err != nil {
			return err
		}
		info.Tables = append(info.Tables, Table{
			Index: uint32(len(info.Tables)),
			Size:  min,
			Slots: map[uint32]uint32{},
		})
	}
	return nil
}

func scanExports(r *reader, info *Info) error {
	n, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		name, err := r.name()
		if err != nil {
			return err
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		idx, err := r.u32()
		if err != nil {
			return err
		}
		info.Exports = append(info.Exports, Export{Name: name, Kind: kind, Index: idx})
	}
	return nil
}

// scanElements records the slots filled by active segments with constant
// offsets. Passive and declarative segments are read past. Elements given
// as expressions count when they are ref.func; ref.null and global.get
// leave the slot unknown.
func scanElements(r *reader, info *Info) error {
	n, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		flags, err := r.u32()
		if err != nil {
			return err
		}
		if flags > 7 {
			return fmt.Errorf("element segment %d: unknown flags %d", i, flags)
		}
		var (
			active   = flags&1 == 0
			exprs    = flags&4 != 0
			table    uint32
			offset   uint32
			constant bool
		)
		if active {
			if flags&2 != 0 {
				if table, err = r.u32(); err != nil {
					return err
				}
			}
			if offset, constant, err = r.offsetExpr(); err != nil {
				return err
			}
		}
		if flags&3 != 0 {
			if _, err := r.byte(); err != nil { // elemkind or reftype
				return err
			}
		}
		count, err := r.u32()
		if err != nil {
			return err
		}
		for j := uint32(0); j < count; j++ {
			var (
				fn uint32
				ok = true
			)
			if exprs {
				fn, ok, err = r.elemExpr()
			} else {
				fn, err = r.u32()
			}
			if err != nil {
				return fmt.Errorf("element segment %d: %w", i, err)
			}
			if !active || !constant || int(table) >= len(info.Tables) {
				continue
			}
			if ok {
				info.Tables[table].Slots[offset+j] = fn
			} else {
				delete(info.Tables[table].Slots, offset+j)
			}
		}
	}
	return nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) done() bool {
	return r.pos >= len(r.buf)
}

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, ErrTruncated
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, ErrTruncated
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) u32() (uint32, error) {
	var result uint32
	var shift uint
	for {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 35 {
			return 0, errors.New("wasmbin: u32 overflow")
		}
	}
}

func (r *reader) s64() (int64, error) {
	var result int64
	var shift uint
	for {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, nil
		}
		if shift >= 70 {
			return 0, errors.New("wasmbin: s64 overflow")
		}
	}
}

func (r *reader) name() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) limits() (min uint32, max *uint32, err error) {
	flag, err := r.byte()
	if err != nil {
		return 0, nil, err
	}
	if min, err = r.u32(); err != nil {
		return 0, nil, err
	}
	if flag&1 == 1 {
		m, err := r.u32()
		if err != nil {
			return 0, nil, err
		}
		max = &m
	}
	return min, max, nil
}

// elemExpr reads one element expression. ok is false unless it names a
// function.
func (r *reader) elemExpr() (fn uint32, ok bool, err error) {
	op, err := r.byte()
	if err != nil {
		return 0, false, err
	}
	switch op {
	case opRefFunc:
		if fn, err = r.u32(); err != nil {
			return 0, false, err
		}
		ok = true
	case opRefNull:
		if _, err := r.byte(); err != nil {
			return 0, false, err
		}
	case OpGlobalGet:
		if _, err := r.u32(); err != nil {
			return 0, false, err
		}
	default:
		return 0, false, fmt.Errorf("unsupported element opcode 0x%x", op)
	}
	end, err := r.byte()
	if err != nil {
		return 0, false, err
	}
	if end != OpEnd {
		return 0, false, errors.New("wasmbin: element expression not terminated")
	}
	return fn, ok, nil
}

// offsetExpr reads a constant expression. constant is false when the
// expression is not a plain i32.const.
func (r *reader) offsetExpr() (offset uint32, constant bool, err error) {
	op, err := r.byte()
	if err != nil {
		return 0, false, err
	}
	switch op {
	case OpI32Const:
		v, err := r.s64()
		if err != nil {
			return 0, false, err
		}
		offset, constant = uint32(int32(v)), true
	case OpGlobalGet:
		if _, err := r.u32(); err != nil {
			return 0, false, err
		}
	default:
		return 0, false, fmt.Errorf("unsupported offset opcode 0x%x", op)
	}
	end, err := r.byte()
	if err != nil {
		return 0, false, err
	}
	if end != OpEnd {
		return 0, false, errors.New("wasmbin: offset expression not terminated")
	}
	return offset, constant, nil
}
