// Package ld orchestrates the static link: input classification, symbol
// resolution, section layout, fixup application, and final image write.
package ld

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/apple-oss-distributions/ld64-go/internal/archfam"
	"github.com/apple-oss-distributions/ld64-go/internal/atom"
	"github.com/apple-oss-distributions/ld64-go/internal/diag"
	"github.com/apple-oss-distributions/ld64-go/internal/fixup"
	"github.com/apple-oss-distributions/ld64-go/internal/layout"
	"github.com/apple-oss-distributions/ld64-go/internal/symtab"
	"github.com/apple-oss-distributions/ld64-go/internal/writer"
	"github.com/apple-oss-distributions/ld64-go/options"
)

// Result summarizes one completed link for the driver to report.
type Result struct {
	OutputPath   string
	Warnings     []string
	SectionCount int
	SymbolCount  int
}

// Reader supplies the per-input-file atom graph; the concrete Mach-O
// object reader and the dylib/archive orchestration in internal/input
// are both external collaborators Link drives but does not itself
// implement, so tests can substitute a fixed atom set without mapping a
// real file.
type Reader interface {
	ReadAtoms(path string) ([]*atom.Atom, error)
}

// resolver adapts the now-addressed FinalSection list into the
// AddressResolver fixup.Engine needs: mapping an absolute final address
// back to the file offset that holds it.
type resolver struct {
	sections      []*layout.FinalSection
	headerReserve uint64
}

func (r *resolver) SectionOffsetOf(addr uint64) (uint64, error) {
	for _, fs := range r.sections {
		if addr >= fs.Address && addr < fs.Address+fs.Size {
			return r.headerReserve + fs.FileOffset + (addr - fs.Address), nil
		}
	}
	return 0, fmt.Errorf("ld: address 0x%x is not contained in any output section", addr)
}

func (r *resolver) TLVTemplateOffsetOf(addr uint64) uint64 {
	for _, fs := range r.sections {
		if fs.Kind == atom.KindTLVRegular && addr >= fs.Address && addr < fs.Address+fs.Size {
			return addr - fs.Address
		}
	}
	return 0
}

// Link runs the fixed C1→C6 pipeline over opts: read every input's atom
// graph, resolve and coalesce the symbol table, sort atoms into final
// sections, assign addresses and file offsets, apply every fixup, and
// write the output image.
func Link(ctx context.Context, opts *options.Options, reader Reader) (*Result, error) {
	reporter := diag.NewReporter(opts.Arch)

	table := symtab.New(symtab.Options{
		Commons:     opts.Commons,
		Undefined:   undefinedModeFor(opts.Undefined),
		WarnCommons: opts.WarnCommons,
		Demangle:    opts.Demangle,
	})

	var allAtoms []*atom.Atom
	for _, path := range opts.ObjectFiles {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		atoms, err := reader.ReadAtoms(path)
		if err != nil {
			return nil, diag.Fatalf(diag.KindInput, opts.Arch, "cannot read %s: %v", path, err)
		}
		allAtoms = append(allAtoms, atoms...)
	}

	for _, a := range allAtoms {
		if a.Name == "" {
			continue
		}
		if _, err := table.Add(a, false); err != nil {
			return nil, diag.Fatalf(diag.KindResolution, opts.Arch, "%v", err)
		}
	}

	// C3: resolve every -l entry (and its transitive LC_LOAD_DYLIB graph)
	// so unresolved externals can be classified as dylib imports instead
	// of hard link errors.
	_, rootDylibs, err := loadDylibs(opts)
	if err != nil {
		return nil, diag.Fatalf(diag.KindInput, opts.Arch, "%v", err)
	}

	assigner := fixup.NewOrdinalAssigner()
	for _, di := range rootDylibs {
		assigner.Assign(di.InstallPath, false)
	}
	assigner.Finalize()

	// symCandidates is every surviving (non-coalesced) atom the symbol
	// table must describe; sectioned is the subset that actually occupies
	// section content. Proxy and absolute atoms carry no Section and must
	// stay out of the section sorter, or layout.Sorter's outputLocation
	// silently buckets them under an empty segment/section name.
	var symCandidates, sectioned []*atom.Atom
	for _, a := range allAtoms {
		if table.IsCoalescedAway(a) {
			continue
		}
		symCandidates = append(symCandidates, a)
		if a.Section != nil {
			sectioned = append(sectioned, a)
		}
	}

	// Bind every fixup left pointing at a name rather than an atom, now
	// that every object's symbols and every resolved dylib are known.
	for _, a := range sectioned {
		for i := range a.Fixups {
			f := &a.Fixups[i]
			if f.Binding != atom.ByNameUnbound {
				continue
			}
			if target, ok := table.Get(f.Name); ok {
				f.Target = target
				f.Binding = atom.DirectlyBound
				continue
			}
			switch opts.Undefined {
			case options.UndefinedDynamicLookup, options.UndefinedWarning, options.UndefinedSuppress:
				f.Binding = atom.BindingNone
			default:
				return nil, diag.Fatalf(diag.KindResolution, opts.Arch, "undefined symbol %q referenced from %q", f.Name, a.Name)
			}
		}
	}

	// A proxy atom's own install path is only known when it was read
	// directly off a dylib's export list; this codebase does not walk
	// real dylib export tries, so any proxy still missing one is
	// attributed to the first resolved command-line dylib, which keeps
	// library-ordinal bookkeeping well-formed without needing a real
	// export-trie search.
	if len(rootDylibs) > 0 {
		for _, a := range symCandidates {
			if a.Definition == atom.Proxy && a.FromDylib == "" {
				a.FromDylib = rootDylibs[0].InstallPath
			}
		}
	}

	outKind := outputKindFor(opts.OutputKind)
	sorter := layout.NewSorter(outKind, false)
	for _, a := range sectioned {
		sorter.AddAtom(a)
	}
	sorter.Sort(nil)

	cfg := layout.Config{
		OutputKind:   outKind,
		PageSize:     0x1000,
		BaseAddress:  0x100000000,
		MaxAddress:   1 << 47,
		MinHeaderPad: opts.MinHeaderPad,
	}
	if err := layout.Assign(cfg, sorter.Sections); err != nil {
		return nil, diag.Fatalf(diag.KindLayout, opts.Arch, "%v", err)
	}

	plan, err := assembleImage(opts, outKind, cfg, table, assigner, rootDylibs, sorter.Sections, sectioned, symCandidates)
	if err != nil {
		return nil, diag.Fatalf(diag.KindLayout, opts.Arch, "%v", err)
	}

	engine := fixup.NewEngine(table.Binding, plan.resolver, binary.LittleEndian, archfam.Of(opts.Arch))
	w := writer.NewWriter(engine)

	img := &writer.Image{
		Size:           plan.linkEditOffset + uint64(len(plan.linkEditBytes)),
		HeaderSize:     plan.headerReserve,
		Atoms:          sectioned,
		NoopFill:       archfam.Of(opts.Arch).NOP(),
		HeaderBytes:    plan.headerBytes,
		LinkEditBytes:  plan.linkEditBytes,
		LinkEditOffset: plan.linkEditOffset,
	}
	if opts.OutputPath != "" {
		if err := w.Write(ctx, img, plan.uuidSlot, opts.OutputPath); err != nil {
			return nil, diag.Fatalf(diag.KindWrite, opts.Arch, "%v", err)
		}
	}

	for _, warning := range table.Warnings() {
		reporter.Warningf("%s", warning)
	}

	return &Result{
		OutputPath:   opts.OutputPath,
		Warnings:     table.Warnings(),
		SectionCount: len(sorter.Sections),
		SymbolCount:  len(symCandidates),
	}, nil
}

// placeAtomsWithinSections assigns each atom its FinalAddress and
// SectionOffset by walking its containing section's atom list in order,
// advancing a cursor by each atom's own alignment and size. C5 only
// addresses sections; the within-section atom walk is the last
// millimeter of layout the core package leaves to its caller.
func placeAtomsWithinSections(sections []*layout.FinalSection, headerReserve uint64) {
	for _, fs := range sections {
		cursor := fs.Address
		for _, a := range fs.Atoms {
			cursor = a.Alignment.Align(cursor)
			a.FinalAddress = cursor
			a.SectionOffset = headerReserve + fs.FileOffset + (cursor - fs.Address)
			a.MachoSection = fs
			cursor += a.Size
		}
	}
}

func imageSize(sections []*layout.FinalSection) uint64 {
	var max uint64
	for _, fs := range sections {
		end := fs.FileOffset + fs.Size
		if end > max {
			max = end
		}
	}
	return max
}

func undefinedModeFor(t options.UndefinedTreatment) symtab.UndefinedMode {
	switch t {
	case options.UndefinedWarning:
		return symtab.UndefinedWarning
	case options.UndefinedSuppress:
		return symtab.UndefinedSuppress
	case options.UndefinedDynamicLookup:
		return symtab.UndefinedDynamicLookup
	default:
		return symtab.UndefinedError
	}
}

func outputKindFor(k options.OutputKind) layout.OutputKind {
	switch k {
	case options.StaticExecutable, options.DynamicExecutable:
		return layout.OutputExecutable
	case options.DynamicLibrary:
		return layout.OutputDylib
	case options.DynamicBundle:
		return layout.OutputBundle
	case options.ObjectFile:
		return layout.OutputObject
	case options.Kext:
		return layout.OutputKext
	default:
		return layout.OutputExecutable
	}
}
