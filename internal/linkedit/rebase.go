// Package linkedit implements the LinkEdit encoders named as external
// collaborators in the distilled specification: compressed dyld-info
// (rebase/bind/weak-bind/lazy-bind/export-trie), classic relocations,
// symbol table, string pool, indirect symbol table, function-starts, and
// split-seg info. Encoders hand out their bytes through Encode()
// (StrtabEncoder and LoadCommandsEncoder through Bytes()). The export-trie,
// symbol-table, string-pool, indirect-symbol, relocation and load-command
// encoders also report a Size(); the rebase, bind, weak-bind, lazy-bind,
// function-starts and split-seg encoders do not.
package linkedit

import (
	"github.com/apple-oss-distributions/ld64-go/internal/fixup"
	"github.com/apple-oss-distributions/ld64-go/pkg/trie"
)

// segOffset pairs a segment index with an address, the unit the rebase and
// bind opcode streams address relative to.
type segOffset struct {
	segIndex int
	offset   uint64
}

// SegmentResolver maps an absolute address to the (segment index, offset)
// pair the compressed dyld-info opcodes encode.
type SegmentResolver interface {
	Resolve(addr uint64) (segIndex int, offset uint64, err error)
}

// RebaseEncoder builds the LC_DYLD_INFO rebase opcode stream. Entries must
// be supplied in address order within each segment (distilled spec §3,
// "Dyld-info monotonicity").
type RebaseEncoder struct {
	resolver SegmentResolver
	entries  []fixup.RebaseInfo
}

func NewRebaseEncoder(resolver SegmentResolver) *RebaseEncoder {
	return &RebaseEncoder{resolver: resolver}
}

func (e *RebaseEncoder) Add(info fixup.RebaseInfo) { e.entries = append(e.entries, info) }

func rebaseOpcodeType(k fixup.RebaseKind) byte {
	switch k {
	case fixup.RebaseTextAbsolute32:
		return 2
	case fixup.RebaseTextPCRel32:
		return 3
	default:
		return 1
	}
}

func (e *RebaseEncoder) Encode() ([]byte, error) {
	var out []byte
	curSeg := -1
	var curOffset uint64
	var curType byte

	emitSetSegOffset := func(seg int, off uint64) {
		out = append(out, 0x20|byte(seg))
		out = trie.PutUleb128(out, off)
	}

	for _, entry := range e.entries {
		seg, off, err := e.resolver.Resolve(entry.Address)
		if err != nil {
			return nil, err
		}
		t := rebaseOpcodeType(entry.Type)
		if t != curType {
			out = append(out, 0x10|t)
			curType = t
		}
		if seg != curSeg || off != curOffset {
			emitSetSegOffset(seg, off)
			curSeg, curOffset = seg, off
		}
		out = append(out, 0x50|1) // DO_REBASE_IMM_TIMES, count=1
		curOffset += pointerSize
	}
	out = append(out, 0x00) // REBASE_OPCODE_DONE
	return out, nil
}

// pointerSize is fixed at 8: this linker targets LP64 Mach-O images only
// (arm64/x86_64), matching the architectures the teacher's cpu.go
// enumerates with a 64-bit ABI bit.
const pointerSize = 8
