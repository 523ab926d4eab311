// Package wasmbin encodes small WebAssembly binaries and scans the parts of a
// binary that wazero does not expose: exported globals and active element
// segments of function tables.
package wasmbin

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/tetratelabs/wazero/api"
)

var header = []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

// Section ids.
const (
	sectionCustom    byte = 0
	sectionType      byte = 1
	sectionImport    byte = 2
	sectionFunction  byte = 3
	sectionTable     byte = 4
	sectionMemory    byte = 5
	sectionGlobal    byte = 6
	sectionExport    byte = 7
	sectionStart     byte = 8
	sectionElement   byte = 9
	sectionCode      byte = 10
	sectionData      byte = 11
	sectionDataCount byte = 12
)

const (
	funcTypeForm byte = 0x60
	funcRef      byte = 0x70
)

// Opcodes used by the builder and by callers assembling function bodies.
const (
	OpUnreachable byte = 0x00
	OpDrop        byte = 0x1A
	OpLoop        byte = 0x03
	OpEnd         byte = 0x0B
	OpBr          byte = 0x0C
	OpCall        byte = 0x10
	OpLocalGet    byte = 0x20
	OpGlobalGet   byte = 0x23
	OpGlobalSet   byte = 0x24
	OpMemorySize  byte = 0x3F
	OpMemoryGrow  byte = 0x40
	OpI32Const    byte = 0x41
	OpI64Const    byte = 0x42
	OpF32Const    byte = 0x43
	OpF64Const    byte = 0x44
	OpI32Add      byte = 0x6A
	OpI64Add      byte = 0x7C
	OpI64Mul      byte = 0x7E
	OpI64ExtendU  byte = 0xAD

	// BlockEmpty is the block type of a block, loop or if with no results.
	BlockEmpty byte = 0x40
)

type funcType struct {
	params  []api.ValueType
	results []api.ValueType
}

type importFunc struct {
	module, name string
	typ          uint32
}

type function struct {
	typ    uint32
	locals []api.ValueType
	body   []byte
}

type global struct {
	typ     api.ValueType
	mutable bool
	init    uint64
}

type limits struct {
	min    uint32
	max    uint32
	hasMax bool
}

type export struct {
	name  string
	kind  api.ExternType
	index uint32
}

type element struct {
	offset uint32
	funcs  []uint32
}

// Builder assembles a module. All imports must be declared before the first
// defined function so function indices stay stable.
type Builder struct {
	types    []funcType
	imports  []importFunc
	funcs    []function
	table    *limits
	memory   *limits
	globals  []global
	exports  []export
	elements []element
}

// NewBuilder returns an empty module builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) addType(params, results []api.ValueType) uint32 {
	b.types = append(b.types, funcType{params: params, results: results})
	return uint32(len(b.types) - 1)
}

// ImportFunc declares a function import and returns its function index.
func (b *Builder) ImportFunc(module, name string, params, results []api.ValueType) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmbin: imports must precede defined functions")
	}
	b.imports = append(b.imports, importFunc{module: module, name: name, typ: b.addType(params, results)})
	return uint32(len(b.imports) - 1)
}

// Func defines a function. body holds the instructions without the trailing
// end opcode.
func (b *Builder) Func(params, results, locals []api.ValueType, body ...byte) uint32 {
	b.funcs = append(b.funcs, function{typ: b.addType(params, results), locals: locals, body: body})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// Memory declares the module's single linear memory in pages.
func (b *Builder) Memory(min uint32, max ...uint32) {
	l := &limits{min: min}
	if len(max) > 0 {
		l.max, l.hasMax = max[0], true
	}
	b.memory = l
}

// Global defines a global initialised to the raw bits init.
func (b *Builder) Global(typ api.ValueType, mutable bool, init uint64) uint32 {
	b.globals = append(b.globals, global{typ: typ, mutable: mutable, init: init})
	return uint32(len(b.globals) - 1)
}

// Table declares a funcref table of size slots.
func (b *Builder) Table(size uint32) {
	b.table = &limits{min: size}
}

// Elements places funcs into table 0 starting at offset.
func (b *Builder) Elements(offset uint32, funcs ...uint32) {
	b.elements = append(b.elements, element{offset: offset, funcs: funcs})
}

// Export exports the entity of kind at index under name.
func (b *Builder) Export(name string, kind api.ExternType, index uint32) {
	b.exports = append(b.exports, export{name: name, kind: kind, index: index})
}

// Build encodes the module.
func (b *Builder) Build() []byte {
	var out bytes.Buffer
	out.Write(header)

	if len(b.types) > 0 {
		writeSection(&out, sectionType, func(s *bytes.Buffer) {
			writeU32(s, uint32(len(b.types)))
			for _, t := range b.types {
				s.WriteByte(funcTypeForm)
				writeValueTypes(s, t.params)
				writeValueTypes(s, t.results)
			}
		})
	}

	if len(b.imports) > 0 {
		writeSection(&out, sectionImport, func(s *bytes.Buffer) {
			writeU32(s, uint32(len(b.imports)))
			for _, imp := range b.imports {
				writeName(s, imp.module)
				writeName(s, imp.name)
				s.WriteByte(api.ExternTypeFunc)
				writeU32(s, imp.typ)
			}
		})
	}

	if len(b.funcs) > 0 {
		writeSection(&out, sectionFunction, func(s *bytes.Buffer) {
			writeU32(s, uint32(len(b.funcs)))
			for _, f := range b.funcs {
				writeU32(s, f.typ)
			}
		})
	}

	if b.table != nil {
		writeSection(&out, sectionTable, func(s *bytes.Buffer) {
			writeU32(s, 1)
			s.WriteByte(funcRef)
			writeLimits(s, b.table)
		})
	}

	if b.memory != nil {
		writeSection(&out, sectionMemory, func(s *bytes.Buffer) {
			writeU32(s, 1)
			writeLimits(s, b.memory)
		})
	}

	if len(b.globals) > 0 {
		writeSection(&out, sectionGlobal, func(s *bytes.Buffer) {
			writeU32(s, uint32(len(b.globals)))
			for _, g := range b.globals {
				s.WriteByte(g.typ)
				if g.mutable {
					s.WriteByte(1)
				} else {
					s.WriteByte(0)
				}
				writeConst(s, g.typ, g.init)
				s.WriteByte(OpEnd)
			}
		})
	}

	if len(b.exports) > 0 {
		writeSection(&out, sectionExport, func(s *bytes.Buffer) {
			writeU32(s, uint32(len(b.exports)))
			for _, e := range b.exports {
				writeExport(s, Export{Name: e.name, Kind: e.kind, Index: e.index})
			}
		})
	}

	if len(b.elements) > 0 {
		writeSection(&out, sectionElement, func(s *bytes.Buffer) {
			writeU32(s, uint32(len(b.elements)))
			for _, e := range b.elements {
				writeU32(s, 0) // active, table 0, funcref
				s.WriteByte(OpI32Const)
				writeS64(s, int64(int32(e.offset)))
				s.WriteByte(OpEnd)
				writeU32(s, uint32(len(e.funcs)))
				for _, f := range e.funcs {
					writeU32(s, f)
				}
			}
		})
	}

	if len(b.funcs) > 0 {
		writeSection(&out, sectionCode, func(s *bytes.Buffer) {
			writeU32(s, uint32(len(b.funcs)))
			for _, f := range b.funcs {
				var code bytes.Buffer
				writeU32(&code, uint32(len(f.locals)))
				for _, l := range f.locals {
					writeU32(&code, 1)
					code.WriteByte(l)
				}
				code.Write(f.body)
				code.WriteByte(OpEnd)
				writeU32(s, uint32(code.Len()))
				s.Write(code.Bytes())
			}
		})
	}

	return out.Bytes()
}

func writeSection(out *bytes.Buffer, id byte, fill func(*bytes.Buffer)) {
	var s bytes.Buffer
	fill(&s)
	out.WriteByte(id)
	writeU32(out, uint32(s.Len()))
	out.Write(s.Bytes())
}

func writeExport(s *bytes.Buffer, e Export) {
	writeName(s, e.Name)
	s.WriteByte(e.Kind)
	writeU32(s, e.Index)
}

func writeValueTypes(s *bytes.Buffer, types []api.ValueType) {
	writeU32(s, uint32(len(types)))
	s.Write(types)
}

func writeName(s *bytes.Buffer, name string) {
	writeU32(s, uint32(len(name)))
	s.WriteString(name)
}

func writeLimits(s *bytes.Buffer, l *limits) {
	if l.hasMax {
		s.WriteByte(1)
		writeU32(s, l.min)
		writeU32(s, l.max)
		return
	}
	s.WriteByte(0)
	writeU32(s, l.min)
}

func writeConst(s *bytes.Buffer, typ api.ValueType, bits uint64) {
	switch typ {
	case api.ValueTypeI32:
		s.WriteByte(OpI32Const)
		writeS64(s, int64(int32(uint32(bits))))
	case api.ValueTypeI64:
		s.WriteByte(OpI64Const)
		writeS64(s, int64(bits))
	case api.ValueTypeF32:
		s.WriteByte(OpF32Const)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(bits))
		s.Write(b[:])
	case api.ValueTypeF64:
		s.WriteByte(OpF64Const)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], bits)
		s.Write(b[:])
	default:
		panic("wasmbin: unsupported global type " + api.ValueTypeName(typ))
	}
}

// I32Const encodes an i32.const instruction.
func I32Const(v int32) []byte {
	var s bytes.Buffer
	s.WriteByte(OpI32Const)
	writeS64(&s, int64(v))
	return s.Bytes()
}

// I64Const encodes an i64.const instruction.
func I64Const(v int64) []byte {
	var s bytes.Buffer
	s.WriteByte(OpI64Const)
	writeS64(&s, v)
	return s.Bytes()
}

// F64Bits is a convenience for float64 global initialisers.
func F64Bits(v float64) uint64 {
	return math.Float64bits(v)
}

// Index encodes an immediate index operand (local, global or function).
func Index(v uint32) []byte {
	var s bytes.Buffer
	writeU32(&s, v)
	return s.Bytes()
}

// Concat joins instruction fragments into one body.
func Concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func writeU32(w *bytes.Buffer, v uint32) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		w.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

func writeS64(w *bytes.Buffer, v int64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		w.WriteByte(b)
		if done {
			return
		}
	}
}
