package types

import (
	"encoding/binary"
	"strings"
)

// An Nlist is the common prefix of a Mach-O 32-bit or 64-bit symbol table
// entry; the trailing value field differs by word size.
type Nlist struct {
	Name uint32 // byte index into the string pool
	Type NType
	Sect uint8
	Desc NDescType
}

// A Nlist32 is a Mach-O 32-bit symbol table entry.
type Nlist32 struct {
	Nlist
	Value uint32
}

func (n Nlist32) Put(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0:], n.Name)
	b[4] = byte(n.Type)
	b[5] = n.Sect
	o.PutUint16(b[6:], uint16(n.Desc))
	o.PutUint32(b[8:], n.Value)
	return 12
}

// A Nlist64 is a Mach-O 64-bit symbol table entry.
type Nlist64 struct {
	Nlist
	Value uint64
}

func (n Nlist64) Put(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0:], n.Name)
	b[4] = byte(n.Type)
	b[5] = n.Sect
	o.PutUint16(b[6:], uint16(n.Desc))
	o.PutUint64(b[8:], n.Value)
	return 16
}

const (
	Nlist32Size = 12
	Nlist64Size = 16
)

// NType is the n_type byte: three overlapping bitfields (N_STAB, N_PEXT,
// N_TYPE, N_EXT).
type NType uint8

const (
	N_STAB NType = 0xe0 // any bit set marks a symbolic-debugging (STABS) entry
	N_PEXT NType = 0x10 // private external (was-global, now-hidden) symbol
	N_TYPE NType = 0x0e // mask for the type bits below
	N_EXT  NType = 0x01 // external (global) symbol
)

const (
	N_UNDF NType = 0x0 // undefined, n_sect == NO_SECT
	N_ABS  NType = 0x2 // absolute, n_sect == NO_SECT
	N_SECT NType = 0xe // defined in section number n_sect
	N_PBUD NType = 0xc // prebound undefined (defined in a dylib)
	N_INDR NType = 0xa // indirect
)

func (t NType) IsStab() bool               { return (t & N_STAB) != 0 }
func (t NType) IsPrivateExtern() bool      { return (t & N_PEXT) != 0 }
func (t NType) IsExternal() bool           { return (t & N_EXT) != 0 }
func (t NType) IsUndefined() bool          { return (t & N_TYPE) == N_UNDF }
func (t NType) IsAbsolute() bool           { return (t & N_TYPE) == N_ABS }
func (t NType) IsDefinedInSection() bool   { return (t & N_TYPE) == N_SECT }
func (t NType) IsPreboundUndefined() bool  { return (t & N_TYPE) == N_PBUD }
func (t NType) IsIndirect() bool           { return (t & N_TYPE) == N_INDR }

func (t NType) String() string {
	var s []string
	if t.IsStab() {
		s = append(s, "stab")
	}
	if t.IsPrivateExtern() {
		s = append(s, "priv_ext")
	}
	if t.IsExternal() {
		s = append(s, "ext")
	}
	switch t & N_TYPE {
	case N_UNDF:
		s = append(s, "undef")
	case N_ABS:
		s = append(s, "abs")
	case N_SECT:
		s = append(s, "sect")
	case N_PBUD:
		s = append(s, "prebound_undef")
	case N_INDR:
		s = append(s, "indirect")
	}
	return strings.Join(s, "|")
}

// NDescType is the n_desc field: reference type, library ordinal, and a
// handful of independent flag bits.
type NDescType uint16

const ReferenceTypeMask NDescType = 0x7

const (
	ReferenceFlagUndefinedNonLazy        NDescType = 0
	ReferenceFlagUndefinedLazy           NDescType = 1
	ReferenceFlagDefined                 NDescType = 2
	ReferenceFlagPrivateDefined          NDescType = 3
	ReferenceFlagPrivateUndefinedNonLazy NDescType = 4
	ReferenceFlagPrivateUndefinedLazy    NDescType = 5
)

const (
	N_NO_DEAD_STRIP  NDescType = 0x0020 // never dead-strip this symbol (MH_OBJECT only)
	N_DESC_DISCARDED NDescType = 0x0020 // symbol discarded by the dynamic linker (aliases N_NO_DEAD_STRIP)
	N_WEAK_REF       NDescType = 0x0040 // undefined symbol is allowed to be missing, resolves to 0
	N_WEAK_DEF       NDescType = 0x0080 // coalesced symbol is a weak definition
	N_REF_TO_WEAK    NDescType = 0x0080 // reference should be resolved using flat-namespace search
	N_ARM_THUMB_DEF  NDescType = 0x0008 // symbol is a Thumb function
	N_SYMBOL_RESOLVER NDescType = 0x0100
	N_ALT_ENTRY      NDescType = 0x0200
	N_COLD_FUNC      NDescType = 0x0400
)

const (
	SelfLibraryOrdinal   NDescType = 0x0
	MaxLibraryOrdinal    NDescType = 0xfd
	DynamicLookupOrdinal NDescType = 0xfe
	ExecutableOrdinal    NDescType = 0xff
)

func (d NDescType) WeakReferenced() bool { return d&N_WEAK_REF != 0 }
func (d NDescType) WeakDefinition() bool { return d&N_WEAK_DEF != 0 }
func (d NDescType) NoDeadStrip() bool    { return d&N_NO_DEAD_STRIP != 0 }

// LibraryOrdinal returns the 1-based dylib ordinal packed into the high byte
// of n_desc for an undefined (or prebound-undefined) symbol.
func (d NDescType) LibraryOrdinal() int {
	return int((d >> 8) & 0xff)
}

func SetLibraryOrdinal(desc NDescType, ordinal int) NDescType {
	return (desc &^ 0xff00) | NDescType(ordinal&0xff)<<8
}

// STABS entry kinds relevant to the debug-note (N_OSO) symbol pair the
// writer's content-UUID computation must exclude from its digest.
const (
	N_GSYM  = 0x20
	N_FNAME = 0x22
	N_FUN   = 0x24
	N_STSYM = 0x26
	N_LCSYM = 0x28
	N_BNSYM = 0x2e
	N_AST   = 0x32
	N_OPT   = 0x3c
	N_RSYM  = 0x40
	N_SLINE = 0x44
	N_ENSYM = 0x4e
	N_SSYM  = 0x60
	N_SO    = 0x64
	N_OSO   = 0x66 // object file name: name,,0,0,st_mtime
	N_LSYM  = 0x80
	N_BINCL = 0x82
	N_SOL   = 0x84
	N_PARAMS  = 0x86
	N_VERSION = 0x88
	N_OLEVEL  = 0x8A
	N_PSYM  = 0xa0
	N_EINCL = 0xa2
	N_ENTRY = 0xa4
	N_LBRAC = 0xc0
	N_EXCL  = 0xc2
	N_RBRAC = 0xe0
	N_BCOMM = 0xe2
	N_ECOMM = 0xe4
	N_ECOML = 0xe8
	N_LENG  = 0xfe
)
