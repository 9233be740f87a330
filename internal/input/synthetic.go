package input

import "github.com/apple-oss-distributions/ld64-go/internal/atom"

// DSOHandle builds the synthetic __dso_handle atom every linked image
// needs: a zero-size absolute symbol whose address is the image's own
// Mach-O header, referenced by libc's atexit()/__cxa_atexit.
func DSOHandle() *atom.Atom {
	return &atom.Atom{
		Name:                 "___dso_handle",
		Definition:           atom.Absolute,
		Scope:                atom.Global,
		SymbolTableInclusion: atom.In,
	}
}

// MachHeaderSymbolName returns the per-output-kind alias libSystem
// expects for the image's own Mach-O header symbol (distilled spec's
// "__mh_*_header" family).
func MachHeaderSymbolName(kind string) string {
	switch kind {
	case "execute":
		return "__mh_execute_header"
	case "dylib":
		return "__mh_dylib_header"
	case "bundle":
		return "__mh_bundle_header"
	case "dylinker":
		return "__mh_dylinker_header"
	default:
		return "__mh_object_header"
	}
}

// MachHeaderAtom builds the synthetic header symbol atom for outputKind,
// addressed at the base of the __TEXT segment (offset 0 within the
// output's first atom).
func MachHeaderAtom(outputKind string) *atom.Atom {
	return &atom.Atom{
		Name:                 MachHeaderSymbolName(outputKind),
		Definition:           atom.Regular,
		Scope:                atom.Global,
		SymbolTableInclusion: atom.In,
		ContentType:          atom.ContentUnclassified,
	}
}

// PageZeroSize returns the standard __PAGEZERO size for a given address
// width: 4GiB on 64-bit targets (catching null-pointer dereferences
// across the full 32-bit offset range), 4KiB on 32-bit.
func PageZeroSize(is64 bool) uint64 {
	if is64 {
		return 1 << 32
	}
	return 1 << 12
}

// CustomStackAtom builds a zero-fill atom for a -stack_addr/-stack_size
// requested custom stack segment, placed outside the default thread
// stack dyld otherwise allocates.
func CustomStackAtom(size uint64) *atom.Atom {
	return &atom.Atom{
		Name:        "___stack_addr",
		Definition:  atom.Regular,
		Scope:       atom.TranslationUnit,
		ContentType: atom.ContentZeroFill,
		Size:        size,
		Content:     atom.ZeroFillContent{Size: size},
	}
}
