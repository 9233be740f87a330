// Package archfam classifies the handful of per-architecture byte
// patterns the linker must emit itself rather than copy from input:
// section-gap no-op filler and the dtrace call-site/is-enable patch
// bytes. Both call sites used to hardcode the x86 pattern regardless of
// target architecture; this package gives them one shared, testable
// source of truth, keyed off the same -arch string options.Options
// already carries.
package archfam

import "strings"

// Family is one of the CPU families the linker emits instruction-level
// filler for.
type Family int

const (
	Unknown Family = iota
	X86
	ARM
	PPC
)

// Of classifies a -arch value (e.g. "x86_64", "i386", "armv7", "arm64",
// "ppc", "ppc64") into its Family. Unrecognized or empty input yields
// Unknown, whose filler bytes are the all-zero default original ld64
// itself falls back to.
func Of(arch string) Family {
	a := strings.ToLower(arch)
	switch {
	case strings.HasPrefix(a, "ppc"):
		return PPC
	case strings.HasPrefix(a, "arm"):
		return ARM
	case strings.HasPrefix(a, "x86"), a == "i386", a == "i486", a == "i586", a == "i686":
		return X86
	default:
		return Unknown
	}
}

// NOP returns the family's no-op fill unit for section-gap padding
// (OutputFile::copyNoOps): a single 0x90 byte for x86, repeated 4-byte
// "mov r0,r0" (0xe1a00000) for ARM, repeated 4-byte "ori r0,r0,0"
// (0x60000000) for PPC, and a single zero byte otherwise.
func (f Family) NOP() []byte {
	switch f {
	case X86:
		return []byte{0x90}
	case ARM:
		return []byte{0x00, 0x00, 0xa0, 0xe1}
	case PPC:
		return []byte{0x60, 0x00, 0x00, 0x00}
	default:
		return []byte{0x00}
	}
}

// DtraceCallSiteNOP returns the instruction dtrace call-site fixups patch
// in place of a probe call: a 1-byte x86 nop followed by the 4-byte
// "nopl 0x0(%eax)" (the
// byte before the fixup's own offset is included since the probe call's
// opcode byte precedes the patched operand), 4-byte ARM/PPC equivalents
// of the same architectural no-op NOP uses.
func (f Family) DtraceCallSiteNOP() []byte {
	switch f {
	case X86:
		return []byte{0x90, 0x0f, 0x1f, 0x40, 0x00}
	case ARM:
		return f.NOP()
	case PPC:
		return f.NOP()
	default:
		return []byte{0x00}
	}
}

// DtraceIsEnabledClear returns the instruction dtrace's is-enabled probe
// site patches to, clearing the result register to zero: x86 "xorl
// %eax,%eax" padded with two NOPs, ARM "eor r0,r0,r0", PPC "li r3,0".
func (f Family) DtraceIsEnabledClear() []byte {
	switch f {
	case X86:
		return []byte{0x33, 0xc0, 0x90, 0x90}
	case ARM:
		return []byte{0x00, 0x00, 0x20, 0xe0}
	case PPC:
		return []byte{0x38, 0x60, 0x00, 0x00}
	default:
		return []byte{0x00}
	}
}
