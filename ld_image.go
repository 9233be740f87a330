package ld

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/apple-oss-distributions/ld64-go/internal/atom"
	"github.com/apple-oss-distributions/ld64-go/internal/fixup"
	"github.com/apple-oss-distributions/ld64-go/internal/input"
	"github.com/apple-oss-distributions/ld64-go/internal/layout"
	"github.com/apple-oss-distributions/ld64-go/internal/linkedit"
	"github.com/apple-oss-distributions/ld64-go/internal/symtab"
	"github.com/apple-oss-distributions/ld64-go/options"
	"github.com/apple-oss-distributions/ld64-go/pkg/trie"
	"github.com/apple-oss-distributions/ld64-go/types"
)

// imagePlan is everything assembleImage produces: the already-addressed
// resolver Link needs to build the fixup engine, and the real header and
// LinkEdit bytes the writer copies into the output buffer's prefix and
// tail (distilled spec §4.5/§4.6: load commands precede section content,
// LinkEdit follows it).
type imagePlan struct {
	resolver       *resolver
	headerReserve  uint64
	headerBytes    []byte
	linkEditBytes  []byte
	linkEditOffset uint64
	uuidSlot       uint64
}

// segmentAssembly is one LC_SEGMENT_64's aggregate view over the
// FinalSections layout.Assign placed within it.
type segmentAssembly struct {
	name           string
	addr, memsz    uint64
	offset, filesz uint64
	maxprot, prot  types.VmProtection
	sections       []*layout.FinalSection
}

func isZeroFillKind(fs *layout.FinalSection) bool {
	return fs.Kind == atom.KindZeroFill || fs.Kind == atom.KindTLVZeroFill
}

func segmentProtection(name string) (maxprot, prot types.VmProtection) {
	switch name {
	case "__TEXT":
		return 7, 5
	case "__LINKEDIT":
		return 7, 1
	case "__PAGEZERO":
		return 0, 0
	default:
		return 7, 3
	}
}

// buildSegments groups the sorted FinalSection list into contiguous
// same-segment runs and computes each one's vmaddr/vmsize/fileoff/filesize,
// with every file offset shifted by headerReserve to account for the
// header-and-load-commands prefix physically written ahead of all section
// content (ld.go's long-standing headerReserve convention, now given a
// real value and real bytes instead of a fixed placeholder).
func buildSegments(sections []*layout.FinalSection, headerReserve uint64) []segmentAssembly {
	var groups [][]*layout.FinalSection
	for _, fs := range sections {
		if len(groups) == 0 || groups[len(groups)-1][0].SegmentName != fs.SegmentName {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], fs)
	}

	segs := make([]segmentAssembly, 0, len(groups))
	for _, g := range groups {
		addr := g[0].Address
		var memEnd uint64
		var haveFile bool
		var fileStart, fileEnd uint64
		for _, fs := range g {
			if end := fs.Address + fs.Size; end > memEnd {
				memEnd = end
			}
			if isZeroFillKind(fs) {
				continue
			}
			if !haveFile || fs.FileOffset < fileStart {
				fileStart = fs.FileOffset
			}
			if end := fs.FileOffset + fs.Size; end > fileEnd {
				fileEnd = end
			}
			haveFile = true
		}
		maxprot, prot := segmentProtection(g[0].SegmentName)
		sa := segmentAssembly{name: g[0].SegmentName, addr: addr, memsz: memEnd - addr, maxprot: maxprot, prot: prot, sections: g}
		if haveFile {
			sa.offset = headerReserve + fileStart
			sa.filesz = fileEnd - fileStart
		}
		segs = append(segs, sa)
	}
	return segs
}

// adjustFirstSegmentForHeader pulls the leading segment's file range back
// to offset 0 and grows it by headerReserve, since the mach_header and
// load commands physically precede it on disk and must lie within the
// first segment's mapped file range for the bytes at file offset 0 to be
// reachable at all.
func adjustFirstSegmentForHeader(segs []segmentAssembly, headerReserve uint64) {
	if len(segs) == 0 {
		return
	}
	segs[0].offset = 0
	segs[0].filesz += headerReserve
	segs[0].memsz += headerReserve
}

func roundUp(x, align uint64) uint64 {
	if align == 0 {
		return x
	}
	return (x + align - 1) &^ (align - 1)
}

// segResolver adapts a final segment list into linkedit.SegmentResolver,
// the (segment index, offset) addressing the compressed dyld-info opcode
// streams use.
type segResolver struct {
	segs []segmentAssembly
}

func (r *segResolver) Resolve(addr uint64) (int, uint64, error) {
	for i, sa := range r.segs {
		if addr >= sa.addr && addr < sa.addr+sa.memsz {
			return i, addr - sa.addr, nil
		}
	}
	return 0, 0, fmt.Errorf("ld: address 0x%x is not contained in any segment", addr)
}

// loadCommandPlan is the full set of values one LoadCommandsEncoder pass
// needs; assembleImage builds it twice (see appendLoadCommands) — once
// with placeholder numeric fields to learn the load commands' total size
// (which headerReserve is derived from), once for real after every offset
// that size informed is known.
type loadCommandPlan struct {
	headerReserve     uint64
	segments          []segmentAssembly
	dylibInstallPaths []string
	needsDylinker     bool
	rpaths            []string
	uuid              types.UUID
	symoff, nsyms     uint32
	stroff, strsize   uint32
	dysymtab          types.DysymtabCmd
	compressed        bool
	rebaseOff, rebaseSize     uint32
	bindOff, bindSize         uint32
	weakOff, weakSize         uint32
	lazyOff, lazySize         uint32
	exportOff, exportSize     uint32
	needsEntry        bool
	entryOffset       uint64
	entryStack        uint64
}

// appendLoadCommands builds one LoadCommandsEncoder from plan, returning
// it alongside the byte offset (within the load-commands blob, i.e.
// relative to the first command) at which the UUID command's own 128-bit
// field begins, so the caller can stamp the content UUID into it later.
// Both the sizing pass and the real pass funnel through this one
// function, so they can never structurally diverge from each other.
func appendLoadCommands(order binary.ByteOrder, plan loadCommandPlan) (*linkedit.LoadCommandsEncoder, int) {
	e := linkedit.NewLoadCommandsEncoder(order)

	for _, sa := range plan.segments {
		secs := make([]linkedit.SegmentSection64, len(sa.sections))
		for i, fs := range sa.sections {
			off := uint32(0)
			if !isZeroFillKind(fs) {
				off = uint32(plan.headerReserve + fs.FileOffset)
			}
			secs[i] = linkedit.SegmentSection64{
				SectName: fs.SectionName,
				SegName:  fs.SegmentName,
				Addr:     fs.Address,
				Size:     fs.Size,
				Offset:   off,
				Align:    uint32(fs.Alignment.Power),
			}
		}
		e.AddSegment64(sa.name, sa.addr, sa.memsz, sa.offset, sa.filesz, sa.maxprot, sa.prot, 0, secs)
	}

	for _, path := range plan.dylibInstallPaths {
		e.AddDylib(types.LC_LOAD_DYLIB, path, 2, types.Version(0x10000), types.Version(0x10000))
	}
	if plan.needsDylinker {
		e.AddDylinker("/usr/lib/dyld")
	}
	for _, rp := range plan.rpaths {
		e.AddRpath(rp)
	}

	uuidOffset := e.Size()
	e.AddUUID(plan.uuid)

	e.AddSymtab(plan.symoff, plan.nsyms, plan.stroff, plan.strsize)
	e.AddDysymtab(plan.dysymtab)
	if plan.compressed {
		e.AddDyldInfoOnly(plan.rebaseOff, plan.rebaseSize, plan.bindOff, plan.bindSize,
			plan.weakOff, plan.weakSize, plan.lazyOff, plan.lazySize, plan.exportOff, plan.exportSize)
	}
	if plan.needsEntry {
		e.AddEntryPoint(plan.entryOffset, plan.entryStack)
	}
	return e, uuidOffset
}

func namespaceFor(n options.Namespace) fixup.Namespace {
	switch n {
	case options.FlatNamespace:
		return fixup.FlatNamespace
	case options.ForceFlatNamespace:
		return fixup.ForcedFlatNamespace
	default:
		return fixup.TwoLevelNamespace
	}
}

func outputFileType(k options.OutputKind) types.HeaderFileType {
	switch k {
	case options.StaticExecutable, options.DynamicExecutable:
		return types.MH_EXECUTE
	case options.DynamicLibrary:
		return types.MH_DYLIB
	case options.DynamicBundle:
		return types.MH_BUNDLE
	case options.ObjectFile:
		return types.MH_OBJECT
	case options.Kext:
		return types.MH_KEXT_BUNDLE
	default:
		return types.MH_EXECUTE
	}
}

func normalizeOrdinal(o int) int {
	if o < 0 {
		return int(types.DynamicLookupOrdinal)
	}
	if o > int(types.MaxLibraryOrdinal) {
		return int(types.MaxLibraryOrdinal)
	}
	return o
}

// assembleImage is the C6 LinkEdit pass: it sizes and emits the real
// mach_header, load commands, symbol/string tables, and (for dynamic
// output kinds) the compressed rebase/bind/weak-bind/lazy-bind/export-
// trie streams, replacing ld.go's former 16-byte headerReserve
// placeholder with an actual, internally consistent image layout.
//
// symCandidates is every non-coalesced atom the symbol table should
// describe (placed section atoms, proxies, and any absolute symbols);
// placed is the subset that occupies section content and therefore
// carries fixups to classify into LinkEdit records.
func assembleImage(opts *options.Options, outKind layout.OutputKind, cfg layout.Config, table *symtab.Table, assigner *fixup.OrdinalAssigner, rootDylibs []*input.DylibInfo, sections []*layout.FinalSection, placed, symCandidates []*atom.Atom) (*imagePlan, error) {
	order := binary.ByteOrder(binary.LittleEndian)
	cputype, subtype := cpuFor(opts.Arch)

	dylibPaths := make([]string, 0, len(rootDylibs))
	for _, di := range rootDylibs {
		dylibPaths = append(dylibPaths, di.InstallPath)
	}
	needsDylinker := opts.OutputKind == options.DynamicExecutable
	compressed := opts.OutputKind != options.StaticExecutable && opts.OutputKind != options.ObjectFile && opts.OutputKind != options.Kext
	slidable := compressed
	needsEntry := opts.EntryPoint != "" && (opts.OutputKind == options.DynamicExecutable || opts.OutputKind == options.StaticExecutable)
	withPageZero := opts.OutputKind == options.DynamicExecutable && cfg.BaseAddress > 0

	// Sizing pass: structural counts alone (segment/section/dylib/rpath
	// counts and their name lengths) determine the load commands' total
	// size; none of that depends on the numeric offsets computed below,
	// so a zero-valued plan yields the real size. The segment list must
	// still include the placeholder __PAGEZERO/__LINKEDIT entries the real
	// pass adds below, since each is its own LC_SEGMENT_64 command.
	sizingSegs := buildSegments(sections, 0)
	if withPageZero {
		sizingSegs = append([]segmentAssembly{{name: "__PAGEZERO"}}, sizingSegs...)
	}
	sizingSegs = append(sizingSegs, segmentAssembly{name: "__LINKEDIT"})
	sizingPlan := loadCommandPlan{
		segments:          sizingSegs,
		dylibInstallPaths: dylibPaths,
		needsDylinker:     needsDylinker,
		rpaths:            opts.RpathList,
		compressed:        compressed,
		needsEntry:        needsEntry,
	}
	sizingEnc, _ := appendLoadCommands(order, sizingPlan)
	headerReserve := roundUp(uint64(types.FileHeaderSize64)+uint64(sizingEnc.Size()), 8)

	placeAtomsWithinSections(sections, headerReserve)

	res := &resolver{sections: sections, headerReserve: headerReserve}

	ns := namespaceFor(opts.Namespace)

	rebaseSegs := buildSegments(sections, headerReserve)
	adjustFirstSegmentForHeader(rebaseSegs, headerReserve)
	if withPageZero {
		rebaseSegs = append([]segmentAssembly{{name: "__PAGEZERO", addr: 0, memsz: cfg.BaseAddress}}, rebaseSegs...)
	}
	sresolver := &segResolver{segs: rebaseSegs}

	rebaseEnc := linkedit.NewRebaseEncoder(sresolver)
	bindEnc := linkedit.NewBindEncoder(sresolver)
	weakEnc := linkedit.NewWeakBindEncoder(sresolver)
	lazyEnc := linkedit.NewLazyBindEncoder(sresolver)
	var exports []trie.Export

	for _, a := range placed {
		for start := 0; start < len(a.Fixups); {
			n := int(a.Fixups[start].Cluster.M)
			if n == 0 {
				n = 1
			}
			end := start + n
			if end > len(a.Fixups) {
				end = len(a.Fixups)
			}
			cluster := a.Fixups[start:end]
			result := fixup.ClassifyCluster(a, cluster, slidable, compressed, assigner, ns, opts.DynamicLookup, "")
			for _, r := range result.Rebases {
				rebaseEnc.Add(r)
			}
			for _, b := range result.Binds {
				bindEnc.Add(b)
			}
			for _, w := range result.Weak {
				weakEnc.Add(w)
			}
			for _, l := range result.Lazy {
				lazyEnc.Add(l)
			}
			start = end
		}
		if compressed && a.Definition == atom.Regular && a.Scope == atom.Global &&
			a.SymbolTableInclusion != atom.NotIn && a.SymbolTableInclusion != atom.NotInFinalImage {
			exports = append(exports, trie.Export{Name: a.Name, Address: a.FinalAddress})
		}
	}

	var rebaseBytes, bindBytes, weakBytes, lazyBytes, exportBytes []byte
	var lazyOffsets []int
	var err error
	if compressed {
		if rebaseBytes, err = rebaseEnc.Encode(); err != nil {
			return nil, fmt.Errorf("ld: failed to encode rebase info: %v", err)
		}
		if bindBytes, err = bindEnc.Encode(); err != nil {
			return nil, fmt.Errorf("ld: failed to encode bind info: %v", err)
		}
		if weakBytes, err = weakEnc.Encode(); err != nil {
			return nil, fmt.Errorf("ld: failed to encode weak bind info: %v", err)
		}
		if lazyBytes, lazyOffsets, err = lazyEnc.Encode(); err != nil {
			return nil, fmt.Errorf("ld: failed to encode lazy bind info: %v", err)
		}
		_ = lazyOffsets // stub helper wiring is not synthesized by this linker
		exportEnc := linkedit.NewExportTrieEncoder(exports)
		exportBytes = exportEnc.Encode()
	}

	strtab := linkedit.NewStrtabEncoder()
	symEnc := linkedit.NewSymtabEncoder(true, strtab)
	sectionIndex := make(map[*layout.FinalSection]int, len(sections))
	for i, fs := range sections {
		sectionIndex[fs] = i + 1
	}
	for _, a := range symCandidates {
		switch a.Definition {
		case atom.Proxy:
			ordinal := fixup.CompressedOrdinalForAtom(a, ns, opts.DynamicLookup, assigner, "")
			desc := types.SetLibraryOrdinal(0, normalizeOrdinal(ordinal))
			typ := types.N_UNDF
			if a.Scope != atom.TranslationUnit {
				typ |= types.N_EXT
			}
			symEnc.Add(linkedit.SymtabEntry{Atom: a, Name: a.Name, Type: typ, Desc: desc})
		case atom.Absolute:
			typ := types.N_ABS
			if a.Scope == atom.Global {
				typ |= types.N_EXT
			}
			symEnc.Add(linkedit.SymtabEntry{Atom: a, Name: a.Name, Type: typ, Value: a.ObjectAddress})
		default:
			typ := types.N_SECT
			if a.Scope == atom.Global {
				typ |= types.N_EXT
			}
			var sect uint8
			if fs, ok := a.MachoSection.(*layout.FinalSection); ok {
				sect = uint8(sectionIndex[fs])
			}
			symEnc.Add(linkedit.SymtabEntry{Atom: a, Name: a.Name, Type: typ, Sect: sect, Value: a.FinalAddress})
		}
	}
	ordered, _ := symEnc.Ordered()
	symtabBytes := symEnc.Encode(order) // interns every name into strtab; must run before reading strtab's bytes
	strtabBytes := strtab.Bytes()
	indirectEnc := linkedit.NewIndirectSymtabEncoder()
	indirectBytes := indirectEnc.Encode(order)

	var nlocal, ndefext, nundefext int
	for _, e := range ordered {
		switch {
		case e.IsStab, !e.Type.IsExternal():
			nlocal++
		case e.Type.IsUndefined():
			nundefext++
		default:
			ndefext++
		}
	}
	dys := types.DysymtabCmd{
		Ilocalsym: 0, Nlocalsym: uint32(nlocal),
		Iextdefsym: uint32(nlocal), Nextdefsym: uint32(ndefext),
		Iundefsym: uint32(nlocal + ndefext), Nundefsym: uint32(nundefext),
	}

	linkEditBase := roundUp(headerReserve+imageSize(sections), 8)
	var linkEditBuf bytes.Buffer
	place := func(b []byte) (off, size uint32) {
		off = uint32(linkEditBase) + uint32(linkEditBuf.Len())
		linkEditBuf.Write(b)
		return off, uint32(len(b))
	}

	var rebaseOff, rebaseSize, bindOff, bindSize, weakOff, weakSize, lazyOff, lazySize, exportOff, exportSize uint32
	if compressed {
		rebaseOff, rebaseSize = place(rebaseBytes)
		bindOff, bindSize = place(bindBytes)
		weakOff, weakSize = place(weakBytes)
		lazyOff, lazySize = place(lazyBytes)
		exportOff, exportSize = place(exportBytes)
	}
	symoff, symsize := place(symtabBytes)
	_ = symsize
	dys.Indirectsymoff, _ = place(indirectBytes)
	dys.Nindirectsyms = uint32(len(indirectBytes) / 4)
	stroff, strsize := place(strtabBytes)

	finalSegs := rebaseSegs
	finalSegs = append(finalSegs, segmentAssembly{
		name: "__LINKEDIT", addr: roundUp(lastSegmentEnd(finalSegs), cfg.PageSize),
		memsz: uint64(linkEditBuf.Len()), offset: linkEditBase, filesz: uint64(linkEditBuf.Len()),
	})
	maxprot, prot := segmentProtection("__LINKEDIT")
	finalSegs[len(finalSegs)-1].maxprot = maxprot
	finalSegs[len(finalSegs)-1].prot = prot

	var entryOffset uint64
	if needsEntry {
		if entryAtom, ok := table.Get(opts.EntryPoint); ok && entryAtom.Definition != atom.Proxy {
			if off, serr := res.SectionOffsetOf(entryAtom.FinalAddress); serr == nil {
				entryOffset = off
			}
		}
	}

	finalPlan := loadCommandPlan{
		headerReserve:     headerReserve,
		segments:          finalSegs,
		dylibInstallPaths: dylibPaths,
		needsDylinker:     needsDylinker,
		rpaths:            opts.RpathList,
		symoff:            symoff, nsyms: uint32(len(ordered)),
		stroff: stroff, strsize: strsize,
		dysymtab:   dys,
		compressed: compressed,
		rebaseOff: rebaseOff, rebaseSize: rebaseSize,
		bindOff: bindOff, bindSize: bindSize,
		weakOff: weakOff, weakSize: weakSize,
		lazyOff: lazyOff, lazySize: lazySize,
		exportOff: exportOff, exportSize: exportSize,
		needsEntry: needsEntry, entryOffset: entryOffset,
	}
	finalEnc, uuidCmdOffset := appendLoadCommands(order, finalPlan)
	loadCmdBytes := finalEnc.Bytes()

	flags := types.HeaderFlag(0)
	if compressed {
		flags |= types.TwoLevel | types.DyldLink
	}
	if opts.Namespace == options.ForceFlatNamespace {
		flags |= types.ForceFlat
	}

	headerBuf := make([]byte, headerReserve)
	hdr := types.FileHeader{
		Magic: types.Magic64, CPU: cputype, SubCPU: subtype,
		Type: outputFileType(opts.OutputKind), NCommands: finalEnc.Count(),
		SizeCommands: uint32(len(loadCmdBytes)), Flags: flags,
	}
	hdr.Put(headerBuf, order)
	copy(headerBuf[types.FileHeaderSize64:], loadCmdBytes)

	uuidSlot := uint64(types.FileHeaderSize64) + uint64(uuidCmdOffset) + 8

	return &imagePlan{
		resolver:       res,
		headerReserve:  headerReserve,
		headerBytes:    headerBuf,
		linkEditBytes:  linkEditBuf.Bytes(),
		linkEditOffset: linkEditBase,
		uuidSlot:       uuidSlot,
	}, nil
}

func lastSegmentEnd(segs []segmentAssembly) uint64 {
	var end uint64
	for _, sa := range segs {
		if e := sa.addr + sa.memsz; e > end {
			end = e
		}
	}
	return end
}
