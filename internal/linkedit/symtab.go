package linkedit

import (
	"encoding/binary"
	"sort"

	"github.com/apple-oss-distributions/ld64-go/internal/atom"
	"github.com/apple-oss-distributions/ld64-go/types"
)

// StrtabEncoder accumulates symbol names into the LinkEdit string pool.
// Index 0 is always a single NUL byte, matching the teacher's convention
// that a zero stroff index means "no name".
type StrtabEncoder struct {
	buf    []byte
	index  map[string]uint32
}

func NewStrtabEncoder() *StrtabEncoder {
	return &StrtabEncoder{buf: []byte{0}, index: map[string]uint32{"": 0}}
}

// Add returns name's offset into the pool, interning repeated names.
func (s *StrtabEncoder) Add(name string) uint32 {
	if off, ok := s.index[name]; ok {
		return off
	}
	off := uint32(len(s.buf))
	s.buf = append(s.buf, []byte(name)...)
	s.buf = append(s.buf, 0)
	s.index[name] = off
	return off
}

func (s *StrtabEncoder) Size() int    { return len(s.buf) }
func (s *StrtabEncoder) Bytes() []byte { return s.buf }

// SymtabEntry is one LC_SYMTAB row together with the linker-internal
// atom it was produced from, so the indirect symbol table and N_OSO
// stabs tracking can cross-reference it.
type SymtabEntry struct {
	Atom    *atom.Atom
	Name    string
	Type    types.NType
	Sect    uint8
	Desc    types.NDescType
	Value   uint64
	IsStab  bool
	OSOPath string // non-empty for N_OSO: compile-unit path, excluded from the UUID per distilled spec §7
}

// SymtabEncoder lays out the LC_SYMTAB nlist array in the order dyld and
// strip expect: locals, then defined externals (sorted by name), then
// undefined externals (sorted by name); stabs precede all three per
// distilled spec §4.3's "symbol table ordering" note.
type SymtabEncoder struct {
	Is64    bool
	Strtab  *StrtabEncoder
	entries []SymtabEntry
}

func NewSymtabEncoder(is64 bool, strtab *StrtabEncoder) *SymtabEncoder {
	return &SymtabEncoder{Is64: is64, Strtab: strtab}
}

func (s *SymtabEncoder) Add(e SymtabEntry) { s.entries = append(s.entries, e) }

// Ordered returns entries sorted into stabs, locals, sorted-defined-externals,
// sorted-undefined-externals, recording each row's final index by atom so
// the caller can build the indirect symbol table against it.
func (s *SymtabEncoder) Ordered() ([]SymtabEntry, map[*atom.Atom]int) {
	var stabs, locals, definedExt, undefExt []SymtabEntry
	for _, e := range s.entries {
		switch {
		case e.IsStab:
			stabs = append(stabs, e)
		case !e.Type.IsExternal():
			locals = append(locals, e)
		case e.Type.IsUndefined():
			undefExt = append(undefExt, e)
		default:
			definedExt = append(definedExt, e)
		}
	}
	byName := func(xs []SymtabEntry) {
		sort.Slice(xs, func(i, j int) bool { return xs[i].Name < xs[j].Name })
	}
	byName(definedExt)
	byName(undefExt)

	ordered := make([]SymtabEntry, 0, len(s.entries))
	ordered = append(ordered, stabs...)
	ordered = append(ordered, locals...)
	ordered = append(ordered, definedExt...)
	ordered = append(ordered, undefExt...)

	index := make(map[*atom.Atom]int, len(ordered))
	for i, e := range ordered {
		if e.Atom != nil {
			index[e.Atom] = i
		}
	}
	return ordered, index
}

func (s *SymtabEncoder) entrySize() int {
	if s.Is64 {
		return types.Nlist64Size
	}
	return types.Nlist32Size
}

func (s *SymtabEncoder) Size() int { return len(s.entries) * s.entrySize() }

func (s *SymtabEncoder) Encode(order binary.ByteOrder) []byte {
	ordered, _ := s.Ordered()
	out := make([]byte, 0, len(ordered)*s.entrySize())
	for _, e := range ordered {
		strx := s.Strtab.Add(e.Name)
		if s.Is64 {
			n := types.Nlist64{
				Name:  strx,
				Type:  e.Type,
				Sect:  e.Sect,
				Desc:  e.Desc,
				Value: e.Value,
			}
			b := make([]byte, types.Nlist64Size)
			n.Put(b, order)
			out = append(out, b...)
		} else {
			n := types.Nlist32{
				Name:  strx,
				Type:  e.Type,
				Sect:  e.Sect,
				Desc:  e.Desc,
				Value: uint32(e.Value),
			}
			b := make([]byte, types.Nlist32Size)
			n.Put(b, order)
			out = append(out, b...)
		}
	}
	return out
}

// IndirectSymtabEncoder builds the LC_DYSYMTAB indirect symbol table: one
// uint32 symtab index per stub/lazy-pointer/non-lazy-pointer slot, in
// section layout order.
type IndirectSymtabEncoder struct {
	entries []uint32
}

func NewIndirectSymtabEncoder() *IndirectSymtabEncoder { return &IndirectSymtabEncoder{} }

const (
	IndirectSymbolLocal = 0x80000000
	IndirectSymbolAbs   = 0x40000000
)

func (e *IndirectSymtabEncoder) Add(symIndex uint32) { e.entries = append(e.entries, symIndex) }

func (e *IndirectSymtabEncoder) Size() int { return len(e.entries) * 4 }

func (e *IndirectSymtabEncoder) Encode(order binary.ByteOrder) []byte {
	out := make([]byte, len(e.entries)*4)
	for i, v := range e.entries {
		order.PutUint32(out[i*4:], v)
	}
	return out
}
