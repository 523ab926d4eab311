package wasmbin

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/tetratelabs/wazero/api"
)

// TableFuncPrefix starts the names of exports added by ExportTableFuncs.
const TableFuncPrefix = "__wasmgate_fn_"

// ExportTableFuncs returns bin with a function export added for every
// function an element segment places in a table without an export of its
// own, so the host can call it by name. The added exports are appended to
// info. bin is returned unchanged when nothing is missing.
func ExportTableFuncs(bin []byte, info *Info) ([]byte, error) {
	named := info.Functions()
	seen := map[uint32]bool{}
	var missing []uint32
	for _, t := range info.Tables {
		for _, fn := range t.Slots {
			if _, ok := named[fn]; ok || seen[fn] {
				continue
			}
			seen[fn] = true
			missing = append(missing, fn)
		}
	}
	if len(missing) == 0 {
		return bin, nil
	}
	sort.Slice(missing, func(a, b int) bool { return missing[a] < missing[b] })

	added := make([]Export, len(missing))
	for n, fn := range missing {
		added[n] = Export{Name: fmt.Sprintf("%s%d", TableFuncPrefix, fn), Kind: api.ExternTypeFunc, Index: fn}
	}
	out, err := appendExports(bin, added)
	if err != nil {
		return nil, err
	}
	info.Exports = append(info.Exports, added...)
	return out, nil
}

// appendExports rewrites the export section of bin with added at its end,
// creating the section in its canonical position if bin has none.
func appendExports(bin []byte, added []Export) ([]byte, error) {
	if len(bin) < len(header) || !bytes.Equal(bin[:4], header[:4]) {
		return nil, ErrNotWasm
	}

	var out bytes.Buffer
	out.Write(bin[:len(header)])
	written := false
	emit := func(existing []Export) {
		writeSection(&out, sectionExport, func(s *bytes.Buffer) {
			writeU32(s, uint32(len(existing)+len(added)))
			for _, e := range existing {
				writeExport(s, e)
			}
			for _, e := range added {
				writeExport(s, e)
			}
		})
		written = true
	}

	r := &reader{buf: bin, pos: len(header)}
	for !r.done() {
		start := r.pos
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

		switch {
		case id == sectionExport:
			existing := &Info{}
			if err := scanExports(&reader{buf: body}, existing); err != nil {
				return nil, fmt.Errorf("section %d: %w", id, err)
			}
			emit(existing.Exports)
			continue
		case !written && followsExports(id):
			emit(nil)
		}
		out.Write(bin[start:r.pos])
	}
	if !written {
		emit(nil)
	}
	return out.Bytes(), nil
}

// followsExports reports whether section id is ordered after the export
// section.
func followsExports(id byte) bool {
	switch id {
	case sectionStart, sectionElement, sectionDataCount, sectionCode, sectionData:
		return true
	}
	return false
}
