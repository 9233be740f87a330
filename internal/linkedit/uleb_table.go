package linkedit

import "github.com/apple-oss-distributions/ld64-go/pkg/trie"

// ulebDeltaTable is the shared shape behind LC_FUNCTION_STARTS and
// LC_SEGMENT_SPLIT_INFO: a sorted list of addresses encoded as ULEB128
// deltas from the previous entry, terminated by a zero byte.
type ulebDeltaTable struct {
	addresses []uint64
}

func (t *ulebDeltaTable) add(addr uint64) { t.addresses = append(t.addresses, addr) }

func (t *ulebDeltaTable) encode(base uint64) []byte {
	var out []byte
	prev := base
	for _, addr := range t.addresses {
		out = trie.PutUleb128(out, addr-prev)
		prev = addr
	}
	out = append(out, 0x00)
	return out
}

// FunctionStartsEncoder records each defined function atom's address,
// relative to the text segment's base (distilled spec §9 supplement:
// "map-file and function-starts both walk the final atom list in layout
// order").
type FunctionStartsEncoder struct {
	table     ulebDeltaTable
	TextBase  uint64
}

func NewFunctionStartsEncoder(textBase uint64) *FunctionStartsEncoder {
	return &FunctionStartsEncoder{TextBase: textBase}
}

func (e *FunctionStartsEncoder) AddFunction(address uint64) { e.table.add(address) }

func (e *FunctionStartsEncoder) Encode() []byte { return e.table.encode(e.TextBase) }

// SplitSegInfoEncoder records every fixup location whose target segment
// may be relocated independently of the one containing the fixup itself
// (dirty-page minimization for the shared cache, distilled spec §4.6).
type SplitSegInfoEncoder struct {
	table ulebDeltaTable
	Base  uint64
}

func NewSplitSegInfoEncoder(base uint64) *SplitSegInfoEncoder {
	return &SplitSegInfoEncoder{Base: base}
}

func (e *SplitSegInfoEncoder) AddLocation(address uint64) { e.table.add(address) }

// Encode emits the version-1 byte followed by the delta-encoded address
// list; version 2 (kind-tagged) is not produced since this linker never
// runs as part of the dyld shared-cache build.
func (e *SplitSegInfoEncoder) Encode() []byte {
	out := []byte{0x01}
	out = append(out, e.table.encode(e.Base)...)
	return out
}
