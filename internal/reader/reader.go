// Package reader turns one Mach-O relocatable object file into the atom
// graph the rest of the linker consumes: it walks LC_SEGMENT_64's
// sections and LC_SYMTAB's symbol list, slicing each section's bytes at
// symbol boundaries the way subsections-via-symbols splitting does, and
// yields one atom per slice.
package reader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/apple-oss-distributions/ld64-go/internal/atom"
	"github.com/apple-oss-distributions/ld64-go/internal/fixup"
	"github.com/apple-oss-distributions/ld64-go/internal/linkedit"
	"github.com/apple-oss-distributions/ld64-go/types"
)

// Reader reads object files from the local filesystem; it implements
// ld.Reader.
type Reader struct{}

func New() *Reader { return &Reader{} }

// ReadAtoms parses the object file at path and returns one atom per
// symbol-bounded slice of its sections, plus one atom per undefined
// external reference.
func (r *Reader) ReadAtoms(path string) ([]*atom.Atom, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read object file %s: %v", path, err)
	}
	return Parse(data)
}

type parsedSection struct {
	sect   types.Section64
	index  int
	offset uint32
	addr   uint64
	size   uint64
	reloff uint32
	nreloc uint32
}

// Parse decodes one 64-bit little-endian Mach-O object file's sections
// and symbol table into atoms. Only MH_OBJECT inputs reach the linker
// core (dylibs and archives are resolved upstream by internal/input), so
// Parse only needs to understand the object-file subset of load commands.
func Parse(data []byte) ([]*atom.Atom, error) {
	if len(data) < types.FileHeaderSize64 {
		return nil, fmt.Errorf("reader: file too small to contain a Mach-O header")
	}
	order := binary.ByteOrder(binary.LittleEndian)
	magic := order.Uint32(data[0:4])
	if types.Magic(magic) != types.Magic64 {
		return nil, fmt.Errorf("reader: unsupported or non-64-bit Mach-O magic 0x%x", magic)
	}

	var hdr types.FileHeader
	if err := binary.Read(bytes.NewReader(data[:types.FileHeaderSize64]), order, &hdr); err != nil {
		return nil, fmt.Errorf("failed to read file header: %v", err)
	}

	cmdData := data[types.FileHeaderSize64:]
	var sections []parsedSection
	var symtabCmd *types.SymtabCmd
	off := 0
	for i := uint32(0); i < hdr.NCommands; i++ {
		if off+8 > len(cmdData) {
			return nil, fmt.Errorf("reader: truncated load command table")
		}
		cmd := types.LoadCmd(order.Uint32(cmdData[off:]))
		size := order.Uint32(cmdData[off+4:])
		if off+int(size) > len(cmdData) {
			return nil, fmt.Errorf("reader: load command %d overruns command table", i)
		}
		body := cmdData[off : off+int(size)]

		switch cmd {
		case types.LC_SEGMENT_64:
			var seg types.Segment64
			if err := binary.Read(bytes.NewReader(body[:72]), order, &seg); err != nil {
				return nil, fmt.Errorf("failed to read segment command: %v", err)
			}
			secOff := 72
			for s := uint32(0); s < seg.Nsect; s++ {
				if secOff+80 > len(body) {
					return nil, fmt.Errorf("reader: truncated section table in segment %s", nameOf(seg.Name))
				}
				var sec types.Section64
				if err := binary.Read(bytes.NewReader(body[secOff:secOff+80]), order, &sec); err != nil {
					return nil, fmt.Errorf("failed to read section: %v", err)
				}
				sections = append(sections, parsedSection{
					sect:   sec,
					index:  len(sections) + 1, // n_sect is 1-based across the whole file
					offset: sec.Offset,
					addr:   sec.Addr,
					size:   sec.Size,
					reloff: sec.Reloff,
					nreloc: sec.Nreloc,
				})
				secOff += 80
			}
		case types.LC_SYMTAB:
			var st types.SymtabCmd
			if err := binary.Read(bytes.NewReader(body), order, &st); err != nil {
				return nil, fmt.Errorf("failed to read symtab command: %v", err)
			}
			symtabCmd = &st
		}
		off += int(size)
	}

	if symtabCmd == nil {
		return nil, fmt.Errorf("reader: object file has no LC_SYMTAB")
	}

	strtab := data[symtabCmd.Stroff : symtabCmd.Stroff+symtabCmd.Strsize]
	symEntries, err := readSymbols(data, order, *symtabCmd)
	if err != nil {
		return nil, err
	}

	atoms, bySection, err := buildAtoms(sections, symEntries, strtab, data)
	if err != nil {
		return nil, err
	}
	if err := parseRelocations(sections, bySection, symEntries, strtab, data, order); err != nil {
		return nil, err
	}
	return atoms, nil
}

func nameOf(b [16]byte) string {
	n := bytes.IndexByte(b[:], 0)
	if n < 0 {
		n = len(b)
	}
	return string(b[:n])
}

func readSymbols(data []byte, order binary.ByteOrder, st types.SymtabCmd) ([]types.Nlist64, error) {
	entries := make([]types.Nlist64, 0, st.Nsyms)
	base := int(st.Symoff)
	for i := uint32(0); i < st.Nsyms; i++ {
		o := base + int(i)*types.Nlist64Size
		if o+types.Nlist64Size > len(data) {
			return nil, fmt.Errorf("reader: symbol table entry %d out of range", i)
		}
		var n types.Nlist64
		if err := binary.Read(bytes.NewReader(data[o:o+types.Nlist64Size]), order, &n); err != nil {
			return nil, fmt.Errorf("failed to read symbol %d: %v", i, err)
		}
		entries = append(entries, n)
	}
	return entries, nil
}

func stringAt(strtab []byte, idx uint32) string {
	if int(idx) >= len(strtab) {
		return ""
	}
	end := bytes.IndexByte(strtab[idx:], 0)
	if end < 0 {
		return string(strtab[idx:])
	}
	return string(strtab[idx : idx+uint32(end)])
}

// buildAtoms groups defined symbols by their containing section, sorts
// each group by value, and slices the section's content at each symbol
// boundary; the classic subsections-via-symbols decomposition. It also
// returns, per 1-based section index, the resulting atoms in address
// order, so parseRelocations can map a relocation's section-relative
// address back to the atom that contains it.
func buildAtoms(sections []parsedSection, syms []types.Nlist64, strtab []byte, fileData []byte) ([]*atom.Atom, map[int][]*atom.Atom, error) {
	bySection := make(map[int][]types.Nlist64)
	atomsBySection := make(map[int][]*atom.Atom)
	var atoms []*atom.Atom

	for _, sym := range syms {
		if sym.Type.IsStab() {
			continue
		}
		name := stringAt(strtab, sym.Name)
		if sym.Type.IsUndefined() {
			if name == "" {
				continue
			}
			atoms = append(atoms, &atom.Atom{
				Name:                 name,
				Definition:           atom.Proxy,
				Scope:                atom.Global,
				SymbolTableInclusion: atom.NotIn,
				WeakImported:         sym.Desc.WeakReferenced(),
			})
			continue
		}
		if sym.Type.IsDefinedInSection() {
			bySection[int(sym.Sect)] = append(bySection[int(sym.Sect)], sym)
		}
	}

	for _, ps := range sections {
		group := bySection[ps.index]
		sort.Slice(group, func(i, j int) bool { return group[i].Value < group[j].Value })

		kind := classify(nameOf(ps.sect.Seg), nameOf(ps.sect.Name))
		zeroFill := kind == atom.KindZeroFill || kind == atom.KindTLVZeroFill

		for i, sym := range group {
			start := sym.Value
			end := ps.addr + ps.size
			if i+1 < len(group) {
				end = group[i+1].Value
			}
			size := end - start
			name := stringAt(strtab, sym.Name)

			a := &atom.Atom{
				Name:                 name,
				Definition:           atom.Regular,
				Scope:                scopeOf(sym.Type),
				SymbolTableInclusion: inclusionOf(sym.Type),
				Size:                 size,
				ObjectAddress:        start,
				Thumb:                sym.Desc&types.N_ARM_THUMB_DEF != 0,
				Section: &atom.Section{
					SegmentName: nameOf(ps.sect.Seg),
					SectionName: nameOf(ps.sect.Name),
					Type:        kind,
				},
			}
			if zeroFill {
				a.ContentType = atom.ContentZeroFill
				a.Content = atom.ZeroFillContent{Size: size}
			} else {
				fileOff := uint64(ps.offset) + (start - ps.addr)
				if fileOff+size > uint64(len(fileData)) {
					return nil, nil, fmt.Errorf("reader: symbol %q content range exceeds file size", name)
				}
				content := make([]byte, size)
				copy(content, fileData[fileOff:fileOff+size])
				a.Content = atom.BytesContent(content)
			}
			atoms = append(atoms, a)
			atomsBySection[ps.index] = append(atomsBySection[ps.index], a)
		}
	}

	return atoms, atomsBySection, nil
}

// parseRelocations decodes each section's classic relocation_info table
// and turns every entry into an atom.Fixup on the atom the relocation
// site falls within. This covers the common x86 case ld64's object
// files actually emit for non-compressed relocations: a 4-byte absolute
// store (Length 2) or an 8-byte absolute store (Length 3) for a pointer,
// and a 4-byte pc-relative store for a call/jmp/lea. Other widths are
// left as the raw bytes the compiler emitted, a deliberate simplification
// over ld64's much larger per-architecture r_type space.
func parseRelocations(sections []parsedSection, bySection map[int][]*atom.Atom, syms []types.Nlist64, strtab []byte, data []byte, order binary.ByteOrder) error {
	for _, ps := range sections {
		for i := uint32(0); i < ps.nreloc; i++ {
			off := int(ps.reloff) + int(i)*8
			if off+8 > len(data) {
				return fmt.Errorf("reader: relocation entry %d in section %s overruns file", i, nameOf(ps.sect.Name))
			}
			entry := linkedit.DecodeRelocationEntry(data[off:off+8], order)
			if err := applyRelocation(ps, entry, bySection, syms, strtab, order); err != nil {
				return err
			}
		}
	}
	return nil
}

func widthForLength(length uint8) int {
	switch length {
	case 0:
		return 1
	case 1:
		return 2
	case 2:
		return 4
	case 3:
		return 8
	default:
		return 0
	}
}

func absoluteStoreKind(width int) (fixup.FixupKind, bool) {
	switch width {
	case 4:
		return fixup.StoreTargetAddressLittleEndian32, true
	case 8:
		return fixup.StoreTargetAddressLittleEndian64, true
	default:
		return 0, false
	}
}

// findAtomContaining returns the atom (sorted by ObjectAddress) whose
// [ObjectAddress, ObjectAddress+Size) range contains addr.
func findAtomContaining(atoms []*atom.Atom, addr uint64) *atom.Atom {
	for _, a := range atoms {
		if addr >= a.ObjectAddress && addr < a.ObjectAddress+a.Size {
			return a
		}
	}
	return nil
}

// readSiteValue reads the width-byte little-endian value already baked
// into site's raw content at offsetInAtom, the classic relocation's
// implicit addend.
func readSiteValue(site *atom.Atom, offsetInAtom uint32, width int) (uint64, bool) {
	content, err := site.Content.Bytes()
	if err != nil {
		return 0, false
	}
	if int(offsetInAtom)+width > len(content) {
		return 0, false
	}
	switch width {
	case 1:
		return uint64(content[offsetInAtom]), true
	case 2:
		return uint64(binary.LittleEndian.Uint16(content[offsetInAtom:])), true
	case 4:
		return uint64(binary.LittleEndian.Uint32(content[offsetInAtom:])), true
	case 8:
		return binary.LittleEndian.Uint64(content[offsetInAtom:]), true
	default:
		return 0, false
	}
}

func applyRelocation(ps parsedSection, entry linkedit.RelocationEntry, bySection map[int][]*atom.Atom, syms []types.Nlist64, strtab []byte, order binary.ByteOrder) error {
	siteAddr := ps.addr + uint64(entry.Address)
	site := findAtomContaining(bySection[ps.index], siteAddr)
	if site == nil {
		return nil // relocation against a symbol-table-stripped or padding byte range; nothing to fix up
	}
	offsetInAtom := uint32(siteAddr - site.ObjectAddress)

	width := widthForLength(entry.Length)
	storedValue, ok := readSiteValue(site, offsetInAtom, width)
	if !ok {
		return nil
	}

	if entry.Extern {
		if int(entry.SymbolNum) >= len(syms) {
			return fmt.Errorf("reader: relocation symbol index %d out of range", entry.SymbolNum)
		}
		name := stringAt(strtab, syms[entry.SymbolNum].Name)
		if entry.PCRel {
			site.Fixups = append(site.Fixups,
				atom.Fixup{OffsetInAtom: offsetInAtom, Cluster: atom.ClusterPos{N: 1, M: 2}, Kind: fixup.SetTargetAddress, Binding: atom.ByNameUnbound, Name: name},
				atom.Fixup{OffsetInAtom: offsetInAtom, Cluster: atom.ClusterPos{N: 2, M: 2}, Kind: fixup.StoreX86PCRel32},
			)
			return nil
		}
		kind, ok := absoluteStoreKind(width)
		if !ok {
			return nil
		}
		site.Fixups = append(site.Fixups, atom.Fixup{
			OffsetInAtom: offsetInAtom, Cluster: atom.ClusterPos{N: 1, M: 1},
			Kind: kind, Binding: atom.ByNameUnbound, Name: name, Addend: int64(storedValue),
		})
		return nil
	}

	// Local (non-extern): SymbolNum is the 1-based section number the
	// target lives in, and the pre-link content already holds the
	// target's absolute (pc-relative: displacement-derived) address.
	var oldTargetAddr uint64
	if entry.PCRel {
		oldTargetAddr = siteAddr + uint64(width) + uint64(int64(int32(storedValue)))
	} else {
		oldTargetAddr = storedValue
	}
	target := findAtomContaining(bySection[int(entry.SymbolNum)], oldTargetAddr)
	if target == nil {
		return nil
	}
	addend := int64(oldTargetAddr) - int64(target.ObjectAddress)

	if entry.PCRel {
		fixups := []atom.Fixup{
			{OffsetInAtom: offsetInAtom, Cluster: atom.ClusterPos{N: 1, M: 2}, Kind: fixup.SetTargetAddress, Binding: atom.DirectlyBound, Target: target},
			{OffsetInAtom: offsetInAtom, Cluster: atom.ClusterPos{N: 2, M: 2}, Kind: fixup.StoreX86PCRel32},
		}
		if addend != 0 {
			fixups = []atom.Fixup{
				{OffsetInAtom: offsetInAtom, Cluster: atom.ClusterPos{N: 1, M: 3}, Kind: fixup.SetTargetAddress, Binding: atom.DirectlyBound, Target: target},
				{OffsetInAtom: offsetInAtom, Cluster: atom.ClusterPos{N: 2, M: 3}, Kind: fixup.AddAddend, Addend: addend},
				{OffsetInAtom: offsetInAtom, Cluster: atom.ClusterPos{N: 3, M: 3}, Kind: fixup.StoreX86PCRel32},
			}
		}
		site.Fixups = append(site.Fixups, fixups...)
		return nil
	}

	kind, ok := absoluteStoreKind(width)
	if !ok {
		return nil
	}
	site.Fixups = append(site.Fixups, atom.Fixup{
		OffsetInAtom: offsetInAtom, Cluster: atom.ClusterPos{N: 1, M: 1},
		Kind: kind, Binding: atom.DirectlyBound, Target: target, Addend: addend,
	})
	return nil
}

func scopeOf(t types.NType) atom.Scope {
	if !t.IsExternal() {
		return atom.TranslationUnit
	}
	if t.IsPrivateExtern() {
		return atom.LinkageUnit
	}
	return atom.Global
}

func inclusionOf(t types.NType) atom.SymbolTableInclusion {
	if !t.IsExternal() && t.IsPrivateExtern() {
		return atom.NotIn
	}
	return atom.In
}

func classify(segName, sectName string) atom.SectionKind {
	switch {
	case segName == "__TEXT" && sectName == "__text":
		return atom.KindCode
	case segName == "__TEXT" && sectName == "__cstring":
		return atom.KindCString
	case segName == "__TEXT" && sectName == "__literal4":
		return atom.KindLiteral4
	case segName == "__TEXT" && sectName == "__literal8":
		return atom.KindLiteral8
	case segName == "__TEXT" && sectName == "__literal16":
		return atom.KindLiteral16
	case segName == "__DATA" && sectName == "__la_symbol_ptr":
		return atom.KindLazyPointer
	case segName == "__DATA" && sectName == "__nl_symbol_ptr":
		return atom.KindNonLazyPointer
	case segName == "__DATA" && sectName == "__bss":
		return atom.KindZeroFill
	case segName == "__DATA" && sectName == "__common":
		return atom.KindTentativeDefs
	case segName == "__DATA" && sectName == "__thread_bss":
		return atom.KindTLVZeroFill
	case segName == "__DATA" && sectName == "__thread_vars":
		return atom.KindTLVRegular
	case sectName == "__eh_frame":
		return atom.KindCFI
	case sectName == "__gcc_except_tab":
		return atom.KindLSDA
	default:
		return atom.KindRegular
	}
}
