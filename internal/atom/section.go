package atom

// Section describes an input section: the segment/section name pair and
// type an atom was parsed out of, before C4 assigns it to a FinalSection.
type Section struct {
	SegmentName string
	SectionName string
	Type        SectionKind
}

// SectionKind mirrors the handful of Mach-O section types the coalescer
// and layout sorter treat specially; it is a small, linker-local
// classification distinct from the raw on-disk types.SectionFlag bits.
type SectionKind int

const (
	KindRegular SectionKind = iota
	KindCode
	KindCString
	KindLiteral4
	KindLiteral8
	KindLiteral16
	KindNonLazyPointer
	KindLazyPointer
	KindCFString
	KindZeroFill
	KindTentativeDefs // __DATA,__common equivalent
	KindCFI
	KindLSDA
	KindMachHeader
	KindTLVRegular
	KindTLVZeroFill
	KindTLVInitFunctionPointers
)

// BindingTable is a contiguous, append-only vector of atom references.
// Coalescing never mutates an atom's identity, only the target a slot
// points at, which keeps every Fixup with Binding == IndirectlyBound valid
// across resolution without visiting each referrer.
type BindingTable struct {
	slots []*Atom
}

// NewBindingTable returns an empty table.
func NewBindingTable() *BindingTable {
	return &BindingTable{}
}

// Append adds a to the table and returns its slot index.
func (t *BindingTable) Append(a *Atom) int {
	t.slots = append(t.slots, a)
	return len(t.slots) - 1
}

// Get returns the atom currently occupying slot i.
func (t *BindingTable) Get(i int) *Atom {
	return t.slots[i]
}

// Rebind redirects slot i to point at to, used when a is coalesced away in
// favor of to; every IndirectlyBound fixup referencing slot i observes the
// new target without being revisited.
func (t *BindingTable) Rebind(i int, to *Atom) {
	t.slots[i] = to
}

// Len reports the number of slots currently allocated.
func (t *BindingTable) Len() int { return len(t.slots) }
