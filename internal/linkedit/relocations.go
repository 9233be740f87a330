package linkedit

import "encoding/binary"

// RelocationEntry mirrors the classic Mach-O relocation_info word: a
// 24-bit symbol-or-section number packed with the pcrel/length/extern/
// type bitfields, used only when the target does not emit compressed
// dyld-info (distilled spec §4.6, "classic vs compressed").
type RelocationEntry struct {
	Address   uint32
	SymbolNum uint32 // symbol table index, or section number when !Extern
	PCRel     bool
	Length    uint8 // 0=byte,1=word,2=long,3=quad
	Extern    bool
	Type      uint8
}

// DecodeRelocationEntry unpacks one 8-byte classic relocation_info entry,
// the inverse of RelocationEntry.encode; internal/reader uses it to turn
// an object file's per-section relocation table back into the bitfields
// needed to build atom.Fixup clusters.
func DecodeRelocationEntry(b []byte, order binary.ByteOrder) RelocationEntry {
	addr := order.Uint32(b[0:4])
	bits := order.Uint32(b[4:8])
	return RelocationEntry{
		Address:   addr,
		SymbolNum: bits & 0xffffff,
		PCRel:     bits&(1<<24) != 0,
		Length:    uint8((bits >> 25) & 0x3),
		Extern:    bits&(1<<27) != 0,
		Type:      uint8((bits >> 28) & 0xf),
	}
}

func (r RelocationEntry) encode(order binary.ByteOrder) [8]byte {
	var out [8]byte
	order.PutUint32(out[0:], r.Address)
	bits := r.SymbolNum & 0xffffff
	if r.PCRel {
		bits |= 1 << 24
	}
	bits |= uint32(r.Length&0x3) << 25
	if r.Extern {
		bits |= 1 << 27
	}
	bits |= uint32(r.Type&0xf) << 28
	order.PutUint32(out[4:], bits)
	return out
}

// RelocationsEncoder builds one segment's local or external relocation
// table. Per-section local/external tables are built separately since
// LC_SEGMENT's nreloc/reloff describe one section's run at a time while
// LC_DYSYMTAB's extreloff/nextrel cover the whole external table.
type RelocationsEncoder struct {
	entries []RelocationEntry
}

func NewRelocationsEncoder() *RelocationsEncoder { return &RelocationsEncoder{} }

func (e *RelocationsEncoder) Add(r RelocationEntry) { e.entries = append(e.entries, r) }

func (e *RelocationsEncoder) Len() int { return len(e.entries) }

func (e *RelocationsEncoder) Size() int { return len(e.entries) * 8 }

func (e *RelocationsEncoder) Encode(order binary.ByteOrder) []byte {
	out := make([]byte, 0, len(e.entries)*8)
	for _, r := range e.entries {
		b := r.encode(order)
		out = append(out, b[:]...)
	}
	return out
}
