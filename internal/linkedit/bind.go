package linkedit

import (
	"github.com/apple-oss-distributions/ld64-go/internal/fixup"
	"github.com/apple-oss-distributions/ld64-go/pkg/trie"
)

// BindEncoder builds one of the three compressed-dyld-info bind opcode
// streams (bind, weak-bind, lazy-bind); the grammar is identical across
// the three per distilled spec §4.6, only the consumer differs.
type BindEncoder struct {
	resolver SegmentResolver
	entries  []fixup.BindingInfo
}

func NewBindEncoder(resolver SegmentResolver) *BindEncoder {
	return &BindEncoder{resolver: resolver}
}

func (e *BindEncoder) Add(info fixup.BindingInfo) { e.entries = append(e.entries, info) }

func bindOpcodeType(k fixup.BindKind) byte {
	switch k {
	case fixup.BindTextAbsolute32:
		return 2
	case fixup.BindTextPCRel32:
		return 3
	default:
		return 1
	}
}

func (e *BindEncoder) Encode() ([]byte, error) {
	var out []byte
	curSeg := -1
	var curOffset uint64
	curOrdinal := 0
	curType := byte(0)
	curName := ""

	for _, entry := range e.entries {
		seg, off, err := e.resolver.Resolve(entry.Address)
		if err != nil {
			return nil, err
		}

		if entry.Ordinal != curOrdinal {
			if entry.Ordinal <= 0 {
				out = append(out, 0x30|byte(entry.Ordinal&0x0f))
			} else if entry.Ordinal <= 0x0f {
				out = append(out, 0x10|byte(entry.Ordinal))
			} else {
				out = append(out, 0x20)
				out = trie.PutUleb128(out, uint64(entry.Ordinal))
			}
			curOrdinal = entry.Ordinal
		}

		if entry.Name != curName {
			flags := byte(0)
			if entry.WeakImport {
				flags |= 0x1
			}
			out = append(out, 0x40|flags)
			out = append(out, []byte(entry.Name)...)
			out = append(out, 0)
			curName = entry.Name
		}

		t := bindOpcodeType(entry.Type)
		if t != curType {
			out = append(out, 0x50|t)
			curType = t
		}

		if entry.Addend != 0 {
			out = append(out, 0x60)
			out = trie.PutSleb128(out, entry.Addend)
		}

		if seg != curSeg || off != curOffset {
			out = append(out, 0x70|byte(seg))
			out = trie.PutUleb128(out, off)
			curSeg, curOffset = seg, off
		}

		out = append(out, 0x90) // BIND_OPCODE_DO_BIND
		curOffset += pointerSize
	}
	out = append(out, 0x00)
	return out, nil
}
