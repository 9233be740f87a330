// Package layout implements the section sorter (C4) and the three-pass
// address/offset assignment (C5).
package layout

import (
	"math"
	"sort"

	"github.com/apple-oss-distributions/ld64-go/internal/atom"
)

// OutputKind selects the small set of output-kind-dependent coalescing and
// ordering decisions C4 makes.
type OutputKind int

const (
	OutputExecutable OutputKind = iota
	OutputDylib
	OutputBundle
	OutputDynamicLinker
	OutputObject
	OutputPreload
	OutputKext
)

// FinalSection is the unique destination container for atoms once C4 has
// assigned every input section to an output location.
type FinalSection struct {
	SegmentName string
	SectionName string
	Kind        atom.SectionKind

	Address               uint64
	Size                  uint64
	FileOffset            uint64
	Alignment             atom.Alignment
	AlignmentPaddingBytes uint64

	HasLocalRelocs    bool
	HasExternalRelocs bool

	SegmentOrder int
	SectionOrder int

	Atoms []*atom.Atom
}

const intMax = math.MaxInt32

// coalesceTarget names the (segment, section) an input section's atoms
// merge into for image (non-object) output kinds, per distilled spec §4.4.
type coalesceTarget struct{ segment, section string }

var coalesceTable = map[coalesceTarget]coalesceTarget{
	{"__TEXT", "__textcoal_nt"}:  {"__TEXT", "__text"},
	{"__TEXT", "__const_coal"}:   {"__TEXT", "__const"},
	{"__DATA", "__const_coal"}:   {"__DATA", "__const"},
	{"__DATA", "__datacoal_nt"}:  {"__DATA", "__data"},
	{"__IMPORT", "__pointers"}:   {"__DATA", "__nl_symbol_ptr"},
	{"__TEXT", "__StaticInit"}:   {"__TEXT", "__text"},
}

// Sorter coalesces input sections into final sections and assigns each a
// deterministic (segmentOrder, sectionOrder) position.
type Sorter struct {
	kind      OutputKind
	fuseData  bool // -d: rewrite tentative to __DATA,__common even in an object file
	byKey     map[coalesceTarget]*FinalSection
	Sections  []*FinalSection
}

// NewSorter returns a Sorter for the given output kind.
func NewSorter(kind OutputKind, fuseTentativeToCommon bool) *Sorter {
	return &Sorter{kind: kind, fuseData: fuseTentativeToCommon, byKey: make(map[coalesceTarget]*FinalSection)}
}

// AddAtom assigns a to its output FinalSection, creating one if needed, and
// appends it to that section's atom list.
func (s *Sorter) AddAtom(a *atom.Atom) *FinalSection {
	seg, sect := s.outputLocation(a)
	key := coalesceTarget{seg, sect}
	fs, ok := s.byKey[key]
	if !ok {
		fs = &FinalSection{SegmentName: seg, SectionName: sect, Kind: sectionKindFor(a)}
		s.byKey[key] = fs
		s.Sections = append(s.Sections, fs)
	}
	fs.Atoms = append(fs.Atoms, a)
	if a.Alignment.Power > fs.Alignment.Power {
		fs.Alignment = a.Alignment
	}
	return fs
}

func sectionKindFor(a *atom.Atom) atom.SectionKind {
	if a.Section != nil {
		return a.Section.Type
	}
	return atom.KindRegular
}

// outputLocation computes the (segment, section) pair an atom's input
// section maps to, per distilled spec §4.4.
func (s *Sorter) outputLocation(a *atom.Atom) (segment, section string) {
	inSeg, inSect := "", ""
	if a.Section != nil {
		inSeg, inSect = a.Section.SegmentName, a.Section.SectionName
	}

	if s.kind == OutputObject {
		if a.Definition == atom.Tentative && s.fuseData {
			return "__DATA", "__common"
		}
		return inSeg, inSect
	}

	if target, ok := coalesceTable[coalesceTarget{inSeg, inSect}]; ok {
		return target.segment, target.section
	}
	switch a.ContentType {
	case atom.ContentLiteral4, atom.ContentLiteral8, atom.ContentLiteral16, atom.ContentCString:
		if inSeg == "__TEXT" || inSeg == "" {
			return "__TEXT", "__const"
		}
	}
	if a.Definition == atom.Tentative {
		return "__DATA", "__common"
	}
	return inSeg, inSect
}

// segmentOrder assigns the fixed segment ordering of distilled spec §4.4.
func segmentOrder(kind OutputKind, segment string) int {
	switch segment {
	case "__PAGEZERO":
		return 0
	case "__HEADER", "__TEXT":
		return 1
	case "__DATA":
		if kind == OutputObject {
			return 5
		}
		return 2
	case "__OBJC":
		return 3
	case "__IMPORT":
		return 4
	default:
		return 10
	}
}

// textSectionOrder assigns the fixed ordering within __TEXT.
func textSectionOrder(fs *FinalSection, isMachHeader bool) int {
	switch {
	case isMachHeader:
		return 1
	case fs.SectionName == "__text":
		return 10
	case fs.Kind == atom.KindCode:
		return 11
	case fs.SectionName == "__stubs":
		return 12
	case fs.SectionName == "__stub_helper":
		return 13
	case fs.Kind == atom.KindLSDA:
		return intMax - 3
	case fs.SectionName == "__unwind_info":
		return intMax - 2
	case fs.Kind == atom.KindCFI:
		return intMax - 1
	case fs.SectionName == "__text_close" || fs.SectionName == "__stub_close":
		return intMax
	default:
		return 15
	}
}

var objcSectionOrder = map[string]int{
	"__objc_classlist":   20,
	"__objc_nlclslist":   21,
	"__objc_catlist":     22,
	"__objc_nlcatlist":   23,
	"__objc_protolist":   24,
	"__objc_imageinfo":   25,
	"__objc_const":       26,
	"__objc_selrefs":     27,
	"__objc_classrefs":   28,
	"__objc_superrefs":   29,
	"__objc_protorefs":   30,
	"__objc_data":        31,
}

// dataSectionOrder assigns the fixed ordering within __DATA.
func dataSectionOrder(fs *FinalSection) int {
	switch {
	case fs.SectionName == "__la_symbol_ptr_close":
		return 8
	case fs.Kind == atom.KindNonLazyPointer && isDyldInfoSection(fs.SectionName):
		return 9
	case fs.Kind == atom.KindNonLazyPointer:
		return 10
	case fs.Kind == atom.KindLazyPointer:
		return 11
	case fs.SectionName == "__mod_init_func":
		return 12
	case fs.SectionName == "__mod_term_func":
		return 13
	case fs.Kind == atom.KindTLVInitFunctionPointers:
		return intMax - 4
	case fs.Kind == atom.KindTLVZeroFill:
		return intMax - 3
	case fs.Kind == atom.KindZeroFill:
		return intMax - 2
	case fs.SectionName == "__huge":
		return intMax - 1
	}
	if order, ok := objcSectionOrder[fs.SectionName]; ok {
		return order
	}
	return 32
}

func isDyldInfoSection(name string) bool {
	return name == "__dyld" || name == "__got"
}

// order computes the full (segmentOrder, sectionOrder) pair for fs.
func (s *Sorter) order(fs *FinalSection, isMachHeader bool) (int, int) {
	segOrder := segmentOrder(s.kind, fs.SegmentName)
	switch fs.SegmentName {
	case "__TEXT", "__HEADER":
		return segOrder, textSectionOrder(fs, isMachHeader)
	case "__DATA":
		return segOrder, dataSectionOrder(fs)
	default:
		if fs.Kind == atom.KindZeroFill {
			return segOrder, intMax - 1
		}
		return segOrder, 15
	}
}

// Sort assigns SegmentOrder/SectionOrder to every FinalSection and sorts
// Sections by the pair, stably.
func (s *Sorter) Sort(machHeaderSection *FinalSection) {
	for _, fs := range s.Sections {
		segOrd, secOrd := s.order(fs, fs == machHeaderSection)
		fs.SegmentOrder = segOrd
		fs.SectionOrder = secOrd
	}
	sort.SliceStable(s.Sections, func(i, j int) bool {
		a, b := s.Sections[i], s.Sections[j]
		if a.SegmentOrder != b.SegmentOrder {
			return a.SegmentOrder < b.SegmentOrder
		}
		return a.SectionOrder < b.SectionOrder
	})
}
