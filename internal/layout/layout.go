package layout

import (
	"fmt"

	"github.com/apple-oss-distributions/ld64-go/internal/atom"
)

// Config carries the layout parameters derived from options.Options that
// C5 needs but does not otherwise own.
type Config struct {
	OutputKind     OutputKind
	PageSize       uint64
	BaseAddress    uint64
	MaxAddress     uint64
	FixedSegments  map[string]uint64 // -segaddr overrides
	MinHeaderPad   uint64
	HeaderPadMaxInstallNames bool
	DylibCount     int
	MakeEncryptable bool
}

func noSpaceOnDisk(fs *FinalSection) bool {
	switch fs.Kind {
	case atom.KindZeroFill, atom.KindTLVZeroFill:
		return true
	}
	return fs.SegmentName == "__PAGEZERO"
}

// roundUp rounds x up to the next multiple of align (align must be a power
// of two).
func roundUp(x, align uint64) uint64 {
	if align == 0 {
		return x
	}
	return (x + align - 1) &^ (align - 1)
}

// Assign runs the three-pass address/offset assignment of distilled spec
// §4.5 over sections, which must already be sorted by Sorter.Sort.
func Assign(cfg Config, sections []*FinalSection) error {
	// Pass 1: fixed-address segments (-segaddr). Each segment with a
	// user-specified base gets its own running cursor, aligned up to every
	// section's own alignment as the cursor advances.
	fixedCursor := make(map[string]uint64)
	for seg, base := range cfg.FixedSegments {
		fixedCursor[seg] = base
	}
	for _, fs := range sections {
		base, fixed := cfg.FixedSegments[fs.SegmentName]
		if !fixed {
			continue
		}
		cur := fixedCursor[fs.SegmentName]
		if cur < base {
			cur = base
		}
		addr := alignAddress(cur, fs.Alignment)
		fs.Address = addr
		fixedCursor[fs.SegmentName] = addr + fs.Size
		if addr > cfg.MaxAddress {
			return fmt.Errorf("layout: address of section %s,%s exceeds architecture maximum", fs.SegmentName, fs.SectionName)
		}
	}

	// Pass 2: floating segments.
	addr := cfg.BaseAddress
	prevSegment := ""
	for _, fs := range sections {
		if _, fixed := cfg.FixedSegments[fs.SegmentName]; fixed {
			prevSegment = fs.SegmentName
			continue
		}
		if prevSegment != "" && fs.SegmentName != prevSegment {
			addr = roundUp(addr, cfg.PageSize)
		}
		prevSegment = fs.SegmentName

		aligned := alignAddress(addr, fs.Alignment)
		fs.AlignmentPaddingBytes = aligned - addr
		fs.Address = aligned
		if !hiddenInObjectOutput(cfg, fs) {
			addr = aligned + fs.Size
		}
	}

	// Pass 3: file offsets, independent cursor.
	var fileOffset uint64
	prevSegment = ""
	for _, fs := range sections {
		if noSpaceOnDisk(fs) || fs.SegmentName == "stack" || fs.SegmentName == "" {
			fs.FileOffset = 0
			continue
		}
		if prevSegment != "" && fs.SegmentName != prevSegment {
			fileOffset = roundUp(fileOffset, cfg.PageSize)
		}
		prevSegment = fs.SegmentName

		fileOffset += fs.AlignmentPaddingBytes
		fs.FileOffset = fileOffset
		fileOffset += fs.Size
	}

	return nil
}

func alignAddress(addr uint64, a atom.Alignment) uint64 {
	return a.Align(addr)
}

// hiddenInObjectOutput reports whether fs holds only atoms excluded from
// the symbol table (N_SECT-less debug/compiler-private content) while
// the output is relocatable (.o) or a preload image: in both kinds the
// hidden section is given its own address but must not push later
// sections forward, since nothing downstream references its address the
// way object-file tools and embedded loaders that consume preload images
// expect.
func hiddenInObjectOutput(cfg Config, fs *FinalSection) bool {
	if cfg.OutputKind != OutputObject && cfg.OutputKind != OutputPreload {
		return false
	}
	if len(fs.Atoms) == 0 {
		return false
	}
	for _, a := range fs.Atoms {
		if a.SymbolTableInclusion != atom.NotIn && a.SymbolTableInclusion != atom.NotInFinalImage {
			return false
		}
	}
	return true
}

// HeaderPadding computes the __TEXT,headerAndLoadCommands section size by
// laying out __TEXT in reverse: every other __TEXT section's size and
// alignment are consumed from the end, and whatever remains between them
// and the load commands is padding, floored at MinHeaderPad (and at
// dylibCount*MAXPATHLEN when HeaderPadMaxInstallNames is set), then
// rounded up to a page multiple.
func HeaderPadding(cfg Config, textSectionsExcludingHeader []*FinalSection, loadCommandsSize uint64, textSegmentSize uint64) uint64 {
	const maxPathLen = 1024

	end := textSegmentSize
	for i := len(textSectionsExcludingHeader) - 1; i >= 0; i-- {
		fs := textSectionsExcludingHeader[i]
		end -= fs.Size
		end &^= (uint64(1) << fs.Alignment.Power) - 1
	}

	pad := end - loadCommandsSize
	if pad < cfg.MinHeaderPad {
		pad = cfg.MinHeaderPad
	}
	if cfg.HeaderPadMaxInstallNames {
		min := uint64(cfg.DylibCount) * maxPathLen
		if pad < min {
			pad = min
		}
	}
	return roundUp(loadCommandsSize+pad, cfg.PageSize) - loadCommandsSize
}
