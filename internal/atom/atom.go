// Package atom implements the linker's universal intermediate
// representation: the atom graph every parser yields into and every later
// stage (symbol resolution, layout, fixups) consumes from.
package atom

import "fmt"

// Definition is how an atom's value came to exist.
type Definition int

const (
	Regular Definition = iota
	Tentative
	Absolute
	Proxy // defined in a dylib
)

func (d Definition) String() string {
	switch d {
	case Regular:
		return "regular"
	case Tentative:
		return "tentative"
	case Absolute:
		return "absolute"
	case Proxy:
		return "proxy"
	default:
		return fmt.Sprintf("Definition(%d)", int(d))
	}
}

// Scope controls symbol-table visibility.
type Scope int

const (
	TranslationUnit Scope = iota // hidden, file-local
	LinkageUnit                  // visible within the linked image only
	Global                       // exported
)

func (s Scope) String() string {
	switch s {
	case TranslationUnit:
		return "translation-unit"
	case LinkageUnit:
		return "linkage-unit"
	case Global:
		return "global"
	default:
		return fmt.Sprintf("Scope(%d)", int(s))
	}
}

// Combine is the coalescing policy the symbol table applies to same-named
// or equivalent atoms.
type Combine int

const (
	CombineNever Combine = iota
	CombineByName
	CombineByNameAndContent
	CombineByNameAndReferences
)

// SymbolTableInclusion controls whether, and how, an atom's name appears in
// the output symbol table.
type SymbolTableInclusion int

const (
	NotIn SymbolTableInclusion = iota
	NotInFinalImage
	In
	InAndNeverStrip
	InAsAbsolute
	InWithRandomAutoStripLabel
)

// ContentType distinguishes the few atom kinds layout/fixup logic treats
// specially.
type ContentType int

const (
	ContentUnclassified ContentType = iota
	ContentCode
	ContentCString
	ContentCFString
	ContentNonLazyPointer
	ContentLazyPointer
	ContentStub
	ContentCFI
	ContentLiteral4
	ContentLiteral8
	ContentLiteral16
	ContentZeroFill
	ContentTLVZeroFill
	ContentTLVInitialValue
	ContentTLVInitialPointer
)

// Alignment requires finalAddress mod 2^Power == Modulus.
type Alignment struct {
	Power   uint8
	Modulus uint8
}

func (a Alignment) Align(addr uint64) uint64 {
	n := uint64(1) << a.Power
	rem := addr % n
	want := uint64(a.Modulus) % n
	if rem == want {
		return addr
	}
	if rem < want {
		return addr + (want - rem)
	}
	return addr + n - (rem - want)
}

// Satisfies reports whether addr already meets the alignment constraint.
func (a Alignment) Satisfies(addr uint64) bool {
	n := uint64(1) << a.Power
	return addr%n == uint64(a.Modulus)%n
}

// ContentSource lazily reveals an atom's raw bytes. Object-file atoms and
// synthetic atoms wrap an in-memory slice (BytesContent; object-file bytes
// are a copy read with os.ReadFile, not a view into a memory-mapped
// region); zero-fill atoms reveal nothing because their bytes are defined
// to be zero.
type ContentSource interface {
	Bytes() ([]byte, error)
}

// BytesContent is a ContentSource backed by an in-memory slice, used for
// object-file atoms, synthetic atoms and encoder output.
type BytesContent []byte

func (b BytesContent) Bytes() ([]byte, error) { return []byte(b), nil }

// ZeroFillContent is a ContentSource for sections that occupy no file
// space; its bytes are conceptually all zero and never materialized.
type ZeroFillContent struct{ Size uint64 }

func (z ZeroFillContent) Bytes() ([]byte, error) {
	return nil, fmt.Errorf("atom: zero-fill content has no bytes to reveal")
}

// Atom is the indivisible unit of linkage: one function, one global
// variable, one literal, or one synthetic marker, carrying its own
// in-place editing program (Fixups).
type Atom struct {
	Name                  string
	Definition            Definition
	Scope                 Scope
	Combine               Combine
	SymbolTableInclusion  SymbolTableInclusion
	ContentType           ContentType
	Section               *Section
	Alignment             Alignment
	Size                  uint64
	ObjectAddress         uint64
	AutoHide              bool
	OverridesDylibWeakDef bool
	Thumb                 bool
	CoalescedAway         bool
	WeakImported          bool
	FinalAddress          uint64
	SectionOffset         uint64
	MachoSection          interface{} // *layout.FinalSection; interface to avoid an import cycle
	Content               ContentSource
	Fixups                []Fixup

	// ReExportPath is non-empty when this atom is a Proxy re-exported from
	// a dylib other than the one it was directly resolved against.
	ReExportPath string
	// FromDylib is the install path of the dylib a Proxy atom resolves to.
	FromDylib string
}

// IsWeakDef reports whether this atom is a weak (coalescable-by-name)
// regular definition.
func (a *Atom) IsWeakDef() bool {
	return a.Definition == Regular && a.Combine == CombineByName
}

func (a *Atom) String() string {
	return fmt.Sprintf("%s(%s,%s)", a.Name, a.Definition, a.Scope)
}

// ClusterPos is a fixup's position within a k{N}of{M} cluster.
type ClusterPos struct {
	N, M uint8
}

func (c ClusterPos) First() bool { return c.N == 1 }
func (c ClusterPos) Last() bool  { return c.N == c.M }

func (c ClusterPos) String() string { return fmt.Sprintf("k%dof%d", c.N, c.M) }

// Binding classifies how a Fixup's target is resolved.
type Binding int

const (
	BindingNone Binding = iota
	ByNameUnbound
	DirectlyBound
	IndirectlyBound
	ByContentBound
)

// FixupKind enumerates the fixup-engine operations; see internal/fixup for
// the families this is grouped into.
type FixupKind int

// Fixup is one step in an atom's in-place editing program.
type Fixup struct {
	OffsetInAtom uint32
	Cluster      ClusterPos
	Kind         FixupKind
	Binding      Binding

	// Target is set when Binding == DirectlyBound or ByContentBound.
	Target *Atom
	// Name is set when Binding == ByNameUnbound, prior to resolution.
	Name string
	// BindingIndex indexes the global indirect binding table when
	// Binding == IndirectlyBound.
	BindingIndex int
	Addend       int64

	// ContentAddendOnly / ContentDeltaToAddendOnly instruct the fixup
	// engine to skip target-address resolution and leave only the addend
	// in the content, because a classic relocation entry (or the x86_64
	// external-reloc path) carries the target out of band.
	ContentAddendOnly        bool
	ContentDeltaToAddendOnly bool

	// GroupSubordinate marks a fixup whose target must be coalesced away
	// whenever this atom is (FDE -> LSDA, etc; see symtab cascade rule).
	GroupSubordinate bool
}
