// Package fixup implements the fixup engine (C6): a per-atom virtual
// machine that walks ordered fixup clusters, computes each reference's
// value, and writes it into the atom's raw bytes.
package fixup

import "github.com/apple-oss-distributions/ld64-go/internal/atom"

// These atom.FixupKind constants enumerate the fixup-engine operations, grouped into the families
// distilled spec §4.6 describes at design level. The numeric values are
// private to this linker; they do not need to match any on-disk encoding.
const (
	// Set family: establish the accumulator value.
	SetTargetAddress atom.FixupKind = iota
	SetTargetImageOffset
	SetTargetSectionOffset
	SetTargetTLVTemplateOffset
	SetLazyOffset

	// Arithmetic family.
	SubtractTargetAddress
	AddAddend
	SubtractAddend

	// Store family.
	Store8
	StoreLittleEndian16
	StoreLittleEndian32
	StoreLittleEndian64
	StoreBigEndian16
	StoreBigEndian32
	StoreBigEndian64
	StoreLittleEndianLow24of32
	StoreBigEndianLow24of32

	// x86 PC-relative family.
	StoreX86BranchPCRel32
	StoreX86PCRel32
	StoreX86PCRel32_1
	StoreX86PCRel32_2
	StoreX86PCRel32_4
	StoreX86PCRel32GOTLoad
	StoreX86PCRel32GOTLoadNowLEA
	StoreX86PCRel32TLVLoad
	StoreX86PCRel32TLVLoadNowLEA
	StoreX86Abs32TLVLoad
	StoreX86Abs32TLVLoadNowLEA

	// ARM family.
	StoreARMBranch24
	StoreThumbBranch22
	StoreARMLoad12
	StoreARMLow16
	StoreARMHigh16
	StoreThumbLow16
	StoreThumbHigh16

	// PPC family.
	StorePPCBranch14
	StorePPCBranch24
	StorePPCAbsLow14
	StorePPCAbsLow16
	StorePPCAbsHigh16
	StorePPCAbsHigh16AddLow

	// Target-address/store fusions.
	StoreTargetAddressLittleEndian32
	StoreTargetAddressLittleEndian64
	StoreTargetAddressBigEndian32
	StoreTargetAddressBigEndian64

	// dtrace family.
	DtracePatchNOP
	DtracePatchZeroClear

	// Lazy family.
	LazyTarget
)

// IsSet reports whether k belongs to the Set family (establishes the
// accumulator rather than consuming it).
func IsSet(k atom.FixupKind) bool {
	switch k {
	case SetTargetAddress, SetTargetImageOffset, SetTargetSectionOffset,
		SetTargetTLVTemplateOffset, SetLazyOffset:
		return true
	}
	return false
}

// IsStore reports whether k performs a final write of the accumulator.
func IsStore(k atom.FixupKind) bool {
	switch k {
	case Store8, StoreLittleEndian16, StoreLittleEndian32, StoreLittleEndian64,
		StoreBigEndian16, StoreBigEndian32, StoreBigEndian64,
		StoreLittleEndianLow24of32, StoreBigEndianLow24of32,
		StoreX86BranchPCRel32, StoreX86PCRel32, StoreX86PCRel32_1, StoreX86PCRel32_2, StoreX86PCRel32_4,
		StoreX86PCRel32GOTLoad, StoreX86PCRel32GOTLoadNowLEA,
		StoreX86PCRel32TLVLoad, StoreX86PCRel32TLVLoadNowLEA,
		StoreX86Abs32TLVLoad, StoreX86Abs32TLVLoadNowLEA,
		StoreARMBranch24, StoreThumbBranch22, StoreARMLoad12,
		StoreARMLow16, StoreARMHigh16, StoreThumbLow16, StoreThumbHigh16,
		StorePPCBranch14, StorePPCBranch24, StorePPCAbsLow14, StorePPCAbsLow16,
		StorePPCAbsHigh16, StorePPCAbsHigh16AddLow,
		StoreTargetAddressLittleEndian32, StoreTargetAddressLittleEndian64,
		StoreTargetAddressBigEndian32, StoreTargetAddressBigEndian64,
		DtracePatchNOP, DtracePatchZeroClear:
		return true
	}
	return false
}
