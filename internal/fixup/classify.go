package fixup

import (
	"github.com/apple-oss-distributions/ld64-go/internal/atom"
)

// RebaseKind and BindKind mirror the handful of distinct encodings the
// compressed dyld-info and classic relocation encoders need; the specific
// ULEB128/opcode serialization lives in internal/linkedit.
type RebaseKind int

const (
	RebasePointer RebaseKind = iota
	RebaseTextAbsolute32
	RebaseTextPCRel32
)

type BindKind int

const (
	BindPointer BindKind = iota
	BindTextAbsolute32
	BindTextPCRel32
)

// RebaseInfo, BindingInfo, LazyBindingInfo, WeakBindingInfo are the four
// record kinds generateLinkEditInfo emits per fixup cluster, consumed by
// internal/linkedit's compressed-dyld-info encoders.
type RebaseInfo struct {
	Type    RebaseKind
	Address uint64
}

type BindingInfo struct {
	Type       BindKind
	Ordinal    int
	Name       string
	WeakImport bool
	Address    uint64
	Addend     int64
}

type LazyBindingInfo struct {
	BindingInfo
}

type WeakBindingInfo struct {
	BindingInfo
}

// Classic is a native relocation_info-equivalent record; Local == true
// means no external symbol reference (PCRel/offset already resolved).
type Classic struct {
	Address uint64
	Local   bool
	Target  *atom.Atom
}

// ClassificationResult collects every LinkEdit record generateLinkEditInfo
// produces for one atom's fixup clusters.
type ClassificationResult struct {
	Rebases []RebaseInfo
	Binds   []BindingInfo
	Lazy    []LazyBindingInfo
	Weak    []WeakBindingInfo
	Classic []Classic
}

// OrdinalAssigner walks the dylib list and hands out compressed-dyld-info
// ordinals (distilled spec §4.6 "Dylib ordinal assignment").
type OrdinalAssigner struct {
	order        []string // installPath in assigned order
	ordinal      map[string]int
	lazyDeferred []string
}

func NewOrdinalAssigner() *OrdinalAssigner {
	return &OrdinalAssigner{ordinal: make(map[string]int)}
}

const (
	OrdinalSelf           = 0
	OrdinalMainExecutable = -1
	OrdinalFlatLookup     = -2
	OrdinalDynamicLookup  = -3
)

// Assign returns installPath's 1-based ordinal, appending it to
// _dylibsToLoad on first sight. lazy dylibs are deferred so they sort to
// the end; call Finalize after all direct dylibs have been seen to append
// the deferred ones.
func (o *OrdinalAssigner) Assign(installPath string, lazy bool) int {
	if ord, ok := o.ordinal[installPath]; ok {
		return ord
	}
	if lazy {
		o.lazyDeferred = append(o.lazyDeferred, installPath)
		return 0 // resolved by Finalize
	}
	o.order = append(o.order, installPath)
	ord := len(o.order)
	o.ordinal[installPath] = ord
	return ord
}

// Finalize appends any lazy-deferred dylibs to the end of the load order
// and assigns their ordinals.
func (o *OrdinalAssigner) Finalize() {
	for _, path := range o.lazyDeferred {
		if _, ok := o.ordinal[path]; ok {
			continue
		}
		o.order = append(o.order, path)
		o.ordinal[path] = len(o.order)
	}
	o.lazyDeferred = nil
}

// DylibsToLoad returns the final, ordinal-ordered dylib install-path list.
func (o *OrdinalAssigner) DylibsToLoad() []string { return o.order }

// OrdinalFor returns the assigned ordinal for installPath, or OrdinalSelf
// for the empty string (own image).
func (o *OrdinalAssigner) OrdinalFor(installPath string) int {
	if installPath == "" {
		return OrdinalSelf
	}
	return o.ordinal[installPath]
}

// Namespace selects two-level vs flat symbol resolution, affecting how
// compressedOrdinalForAtom treats proxy targets.
type Namespace int

const (
	TwoLevelNamespace Namespace = iota
	FlatNamespace
	ForcedFlatNamespace
)

// CompressedOrdinalForAtom implements distilled spec §4.6's
// "compressedOrdinalForAtom": SELF for own regulars, MAIN_EXECUTABLE for
// bundle-loader targets, FLAT_LOOKUP under flat namespace or
// dynamicLookup, else the target dylib's assigned position.
func CompressedOrdinalForAtom(target *atom.Atom, ns Namespace, dynamicLookup bool, assigner *OrdinalAssigner, bundleLoaderPath string) int {
	if target.Definition != atom.Proxy {
		return OrdinalSelf
	}
	if target.FromDylib == bundleLoaderPath && bundleLoaderPath != "" {
		return OrdinalMainExecutable
	}
	if ns == FlatNamespace || ns == ForcedFlatNamespace || dynamicLookup {
		return OrdinalFlatLookup
	}
	return assigner.OrdinalFor(target.FromDylib)
}

// ClassifyCluster implements generateLinkEditInfo's decision tree for one
// fixup cluster that ends in a store, given whether the containing
// segment is slidable (i.e. the image's addresses can relocate at load
// time) and whether compressed dyld-info (vs classic relocations) is in
// effect.
func ClassifyCluster(a *atom.Atom, cluster []atom.Fixup, slidable, compressed bool, assigner *OrdinalAssigner, ns Namespace, dynamicLookup bool, bundleLoaderPath string) ClassificationResult {
	var result ClassificationResult

	var pcRelative, hasSubtract bool
	var target *atom.Atom
	var lazy bool
	for i := range cluster {
		f := &cluster[i]
		switch f.Kind {
		case SubtractTargetAddress:
			hasSubtract = true
		case StoreX86PCRel32, StoreX86BranchPCRel32, StoreX86PCRel32_1, StoreX86PCRel32_2, StoreX86PCRel32_4,
			StoreARMBranch24, StoreThumbBranch22, StorePPCBranch14, StorePPCBranch24:
			pcRelative = true
		case LazyTarget:
			lazy = true
		}
		if f.Target != nil {
			target = f.Target
		}
	}

	if target == nil {
		return result
	}

	if pcRelative {
		// PC-relative store to a target in the same linkage unit needs no
		// relocation at all.
		return result
	}
	if hasSubtract {
		// Pointer-diff fixups need no relocation when both targets are
		// local; left to the caller to reject a global-weak-def positive
		// target, since that requires visibility into the other operand.
		return result
	}

	address := a.FinalAddress

	if lazy {
		info := LazyBindingInfo{BindingInfo{
			Type:    BindPointer,
			Ordinal: CompressedOrdinalForAtom(target, ns, dynamicLookup, assigner, bundleLoaderPath),
			Name:    target.Name,
			Address: address,
		}}
		switch {
		case target.Definition == atom.Regular && target.IsWeakDef():
			result.Binds = append(result.Binds, info.BindingInfo)
			result.Weak = append(result.Weak, WeakBindingInfo(info))
		case target.SymbolTableInclusion == atom.NotInFinalImage:
			// hidden resolver: neither lazy nor weak
		default:
			result.Lazy = append(result.Lazy, info)
		}
		return result
	}

	if target.Definition == atom.Proxy {
		if !compressed {
			result.Classic = append(result.Classic, Classic{Address: address, Local: false, Target: target})
			return result
		}
		result.Binds = append(result.Binds, BindingInfo{
			Type:       BindPointer,
			Ordinal:    CompressedOrdinalForAtom(target, ns, dynamicLookup, assigner, bundleLoaderPath),
			Name:       target.Name,
			WeakImport: target.WeakImported,
			Address:    address,
		})
		if target.IsWeakDef() {
			result.Weak = append(result.Weak, WeakBindingInfo{result.Binds[len(result.Binds)-1]})
		}
		return result
	}

	// Pointer to a local defined target needs a rebase in slidable images.
	if slidable {
		if compressed {
			result.Rebases = append(result.Rebases, RebaseInfo{Type: RebasePointer, Address: address})
		} else {
			result.Classic = append(result.Classic, Classic{Address: address, Local: true, Target: target})
		}
	}
	if target.IsWeakDef() {
		result.Weak = append(result.Weak, WeakBindingInfo{BindingInfo{
			Type:    BindPointer,
			Ordinal: OrdinalSelf,
			Name:    target.Name,
			Address: address,
		}})
	}
	return result
}
