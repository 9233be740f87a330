// Package symtab implements the linker's symbol table (C2): it reconciles
// definitions across all input atoms by name, content, or reference graph,
// enforces the override rules for conflicting definitions, and resolves
// every unbound reference to a single globally unique slot in the shared
// indirect binding table.
package symtab

import (
	"fmt"

	"github.com/apple-oss-distributions/ld64-go/internal/atom"
	"github.com/apple-oss-distributions/ld64-go/internal/demangle"
)

// CommonsMode controls how a tentative definition is resolved against a
// dylib's real export of the same name (-commons).
type CommonsMode int

const (
	CommonsIgnore CommonsMode = iota
	CommonsUseDylibs
	CommonsError
)

// UndefinedMode controls what happens to names still unresolved after
// input processing finishes (-undefined).
type UndefinedMode int

const (
	UndefinedError UndefinedMode = iota
	UndefinedWarning
	UndefinedSuppress
	UndefinedDynamicLookup
)

// MultiplyDefinedMode controls whether a true duplicate-definition
// conflict between two strong regular atoms is fatal or merely warned
// about (-multiply_defined).
type MultiplyDefinedMode int

const (
	MultiplyDefinedError MultiplyDefinedMode = iota
	MultiplyDefinedWarning
	MultiplyDefinedSuppress
)

// Options configures Table's conflict-resolution policy; the fields mirror
// the subset of options.Options relevant to symbol resolution.
type Options struct {
	Commons         CommonsMode
	Undefined       UndefinedMode
	MultiplyDefined MultiplyDefinedMode
	Demangle        bool
	WarnCommons     bool
}

// Table is the linker's symbol table: five lookup structures in front of a
// shared indirect binding table.
type Table struct {
	opts Options

	byName        map[string]int
	byContent     map[contentKey]int
	byReferences  map[string]int // keyed by a structural reference-graph hash
	byNameReverse map[int]string
	coalescedAway map[*atom.Atom]bool

	Binding *atom.BindingTable

	warnings []string
}

type contentKey struct {
	segment, section string
	content           string
}

// New returns an empty symbol table.
func New(opts Options) *Table {
	return &Table{
		opts:          opts,
		byName:        make(map[string]int),
		byContent:     make(map[contentKey]int),
		byReferences:  make(map[string]int),
		byNameReverse: make(map[int]string),
		coalescedAway: make(map[*atom.Atom]bool),
		Binding:       atom.NewBindingTable(),
	}
}

// Warnings returns the non-fatal diagnostics accumulated so far.
func (t *Table) Warnings() []string { return t.warnings }

func (t *Table) warnf(format string, args ...interface{}) {
	t.warnings = append(t.warnings, fmt.Sprintf(format, args...))
}

func displayName(name string, demangle_ bool) string {
	if demangle_ {
		return demangle.Demangle(name)
	}
	return name
}

// Add inserts a into the table, applying the coalescing policy named by
// a.Combine. It returns the atom that was displaced (coalesced away), if
// any, or an error for a fatal conflict (duplicate symbol, commons error,
// absolute/regular clash).
func (t *Table) Add(a *atom.Atom, ignoreDuplicates bool) (replaced *atom.Atom, err error) {
	switch a.Combine {
	case atom.CombineNever, atom.CombineByName:
		return t.addByName(a, ignoreDuplicates)
	case atom.CombineByNameAndContent:
		return t.addByNameAndContent(a)
	case atom.CombineByNameAndReferences:
		return t.addByNameAndReferences(a)
	default:
		return nil, fmt.Errorf("symtab: unknown combine mode %d for %q", a.Combine, a.Name)
	}
}

// Get returns the atom currently resolved for name, if any.
func (t *Table) Get(name string) (*atom.Atom, bool) {
	slot, ok := t.byName[name]
	if !ok {
		return nil, false
	}
	a := t.Binding.Get(slot)
	return a, a != nil
}

// SlotFor returns the indirect-binding-table slot for name, creating it
// lazily (with no atom bound yet) if this is the first reference.
func (t *Table) SlotFor(name string) int {
	if slot, ok := t.byName[name]; ok {
		return slot
	}
	slot := t.Binding.Append(nil)
	t.byName[name] = slot
	t.byNameReverse[slot] = name
	return slot
}

func (t *Table) coalesce(loser *atom.Atom) {
	loser.CoalescedAway = true
	t.coalescedAway[loser] = true
	for _, f := range loser.Fixups {
		if f.GroupSubordinate && f.Target != nil {
			t.coalesce(f.Target)
		}
	}
}

// IsCoalescedAway reports whether a has been marked as coalesced away.
func (t *Table) IsCoalescedAway(a *atom.Atom) bool {
	return t.coalescedAway[a]
}

// addByName implements the override matrix of distilled spec §4.2.
func (t *Table) addByName(n *atom.Atom, ignoreDuplicates bool) (*atom.Atom, error) {
	slot, exists := t.byName[n.Name]
	if !exists {
		slot = t.Binding.Append(n)
		t.byName[n.Name] = slot
		t.byNameReverse[slot] = n.Name
		return nil, nil
	}

	e := t.Binding.Get(slot)
	if e == nil {
		t.Binding.Rebind(slot, n)
		return nil, nil
	}
	if e == n {
		return nil, nil
	}

	keep, displaced, warn, err := resolveByName(e, n, t.opts, ignoreDuplicates)
	if err != nil {
		return nil, fmt.Errorf("duplicate symbol %s", displayName(n.Name, t.opts.Demangle))
	}
	if warn != "" {
		t.warnf("%s", warn)
	}
	if displaced != nil {
		t.coalesce(displaced)
	}
	if keep != e {
		t.Binding.Rebind(slot, keep)
	}
	return displaced, nil
}

// resolveByName decides, given existing atom e and new atom n, which
// survives. It does not mutate the table; the caller rebinds the slot.
func resolveByName(e, n *atom.Atom, opts Options, ignoreDuplicates bool) (keep, displaced *atom.Atom, warn string, err error) {
	switch e.Definition {
	case atom.Regular:
		switch n.Definition {
		case atom.Regular:
			return resolveTwoRegulars(e, n, ignoreDuplicates)
		case atom.Tentative:
			if n.Size > e.Size {
				warn = fmt.Sprintf("tentative definition of %q larger than regular definition; keeping regular", e.Name)
			}
			return e, n, warn, nil
		case atom.Absolute:
			return nil, nil, "", fmt.Errorf("symtab: absolute definition of %q conflicts with regular definition", e.Name)
		case atom.Proxy:
			return e, n, "", nil
		}
	case atom.Tentative:
		switch n.Definition {
		case atom.Regular:
			if n.Size < e.Size {
				warn = fmt.Sprintf("real definition of %q smaller than the tentative definition it replaces", n.Name)
			}
			if n.ContentType == atom.ContentCode {
				return nil, nil, "", fmt.Errorf("symtab: code definition of %q cannot replace a tentative definition", n.Name)
			}
			if e.Scope != n.Scope {
				warn = joinWarn(warn, fmt.Sprintf("visibility mismatch for tentative/real definitions of %q", n.Name))
			}
			return n, e, warn, nil
		case atom.Tentative:
			if n.Size > e.Size {
				return n, e, "", nil
			}
			if n.Alignment.Power != e.Alignment.Power {
				warn = fmt.Sprintf("alignment lost coalescing tentative definitions of %q", e.Name)
			}
			return e, n, warn, nil
		case atom.Absolute:
			return n, e, "", nil
		case atom.Proxy:
			return resolveCommons(e, n, opts)
		}
	case atom.Absolute:
		switch n.Definition {
		case atom.Regular:
			return nil, nil, "", fmt.Errorf("symtab: regular definition of %q conflicts with absolute definition", n.Name)
		case atom.Tentative:
			return e, n, "", nil
		case atom.Absolute:
			return nil, nil, "", fmt.Errorf("symtab: duplicate absolute definition of %q", n.Name)
		case atom.Proxy:
			return e, n, "", nil
		}
	case atom.Proxy:
		switch n.Definition {
		case atom.Regular:
			return n, e, "", nil
		case atom.Tentative:
			return resolveCommons(n, e, opts) // e is proxy, n is the tentative
		case atom.Absolute:
			return n, e, "", nil
		case atom.Proxy:
			return resolveTwoProxies(e, n)
		}
	}
	return nil, nil, "", fmt.Errorf("symtab: unreachable override case for %q", e.Name)
}

func joinWarn(existing, next string) string {
	if existing == "" {
		return next
	}
	return existing + "; " + next
}

// resolveCommons implements the Tentative/Proxy cell of the override
// matrix under the three -commons policies.
func resolveCommons(tentative, proxy *atom.Atom, opts Options) (keep, displaced *atom.Atom, warn string, err error) {
	switch opts.Commons {
	case CommonsIgnore:
		return tentative, nil, "", nil
	case CommonsUseDylibs:
		if opts.WarnCommons {
			warn = fmt.Sprintf("using dylib export for tentative definition of %q", tentative.Name)
		}
		return proxy, tentative, warn, nil
	case CommonsError:
		return nil, nil, "", fmt.Errorf("symtab: commons conflict for %q", tentative.Name)
	default:
		return nil, nil, "", fmt.Errorf("symtab: unknown commons mode")
	}
}

// resolveTwoProxies implements the Proxy/Proxy override cell: if exactly
// one side is weak, the weak loser's counterpart (the non-weak survivor)
// is kept; two non-weak (or two weak) multiple exports is an error.
func resolveTwoProxies(e, n *atom.Atom) (keep, displaced *atom.Atom, warn string, err error) {
	eWeak, nWeak := e.WeakImported, n.WeakImported
	switch {
	case eWeak && !nWeak:
		return n, e, "", nil
	case !eWeak && nWeak:
		return e, n, "", nil
	default:
		return nil, nil, "", fmt.Errorf("symtab: %q exported from multiple dylibs", e.Name)
	}
}

// resolveTwoRegulars implements the "two regulars" tie-break chain of
// distilled spec §4.2.
func resolveTwoRegulars(e, n *atom.Atom, ignoreDuplicates bool) (keep, displaced *atom.Atom, warn string, err error) {
	eWeak, nWeak := e.IsWeakDef(), n.IsWeakDef()

	if !eWeak && !nWeak {
		if ignoreDuplicates {
			return e, nil, fmt.Sprintf("duplicate symbol %q (suppressed)", e.Name), nil
		}
		return nil, nil, "", fmt.Errorf("symtab: duplicate symbol %q", e.Name)
	}
	if eWeak && !nWeak {
		return n, e, "", nil
	}
	if !eWeak && nWeak {
		return e, n, "", nil
	}

	// Both weak: priority order.
	// 1. Prefer non-LTO over LTO temporary (modeled by ContentType marker).
	if eLTO, nLTO := e.ContentType == atom.ContentUnclassified && e.ObjectAddress == 0, n.ContentType == atom.ContentUnclassified && n.ObjectAddress == 0; eLTO != nLTO {
		if eLTO {
			return n, e, "", nil
		}
		return e, n, "", nil
	}
	// 2. If autoHide differs, prefer the non-autoHide.
	if e.AutoHide != n.AutoHide {
		if e.AutoHide {
			return n, e, "", nil
		}
		return e, n, "", nil
	}
	// 3. If both autoHide, prefer greater alignment-trailing-zeros.
	if e.AutoHide && n.AutoHide {
		if n.Alignment.Power != e.Alignment.Power {
			return pickGreaterAlignment(e, n), pickLesserAlignment(e, n), "", nil
		}
	}
	// 4. Else if scope differs, prefer Global.
	if e.Scope != n.Scope {
		if n.Scope == atom.Global {
			return n, e, "", nil
		}
		if e.Scope == atom.Global {
			return e, n, "", nil
		}
	}
	// 5. Else prefer greater alignment-trailing-zeros.
	return pickGreaterAlignment(e, n), pickLesserAlignment(e, n), "", nil
}

func pickGreaterAlignment(e, n *atom.Atom) *atom.Atom {
	if n.Alignment.Power > e.Alignment.Power {
		return n
	}
	return e
}

func pickLesserAlignment(e, n *atom.Atom) *atom.Atom {
	if n.Alignment.Power > e.Alignment.Power {
		return e
	}
	return n
}

// addByNameAndContent implements CombineByNameAndContent: cstrings,
// non-standard cstrings, literal4/8/16. Content-equal atoms coalesce,
// keeping the one with strictly greater alignment trailing zeros.
func (t *Table) addByNameAndContent(n *atom.Atom) (*atom.Atom, error) {
	content, err := n.Content.Bytes()
	if err != nil {
		return nil, fmt.Errorf("symtab: reading content of %q: %w", n.Name, err)
	}
	key := contentKey{
		segment: sectionSegment(n),
		section: sectionName(n),
		content: string(content),
	}
	slot, exists := t.byContent[key]
	if !exists {
		slot = t.Binding.Append(n)
		t.byContent[key] = slot
		if n.Name != "" {
			if _, hasName := t.byName[n.Name]; !hasName {
				t.byName[n.Name] = slot
				t.byNameReverse[slot] = n.Name
			}
		}
		return nil, nil
	}
	existing := t.Binding.Get(slot)
	if existing == n {
		return nil, nil
	}
	if n.Alignment.Power > existing.Alignment.Power {
		t.Binding.Rebind(slot, n)
		t.coalesce(existing)
		return existing, nil
	}
	t.coalesce(n)
	return n, nil
}

func sectionSegment(a *atom.Atom) string {
	if a.Section == nil {
		return ""
	}
	return a.Section.SegmentName
}

func sectionName(a *atom.Atom) string {
	if a.Section == nil {
		return ""
	}
	return a.Section.SectionName
}

// addByNameAndReferences implements CombineByNameAndReferences: non-lazy
// pointers, CFStrings, ObjC class-refs, c-string pointers. Equality is
// tested over the fixup graph (canCoalesceWith) rather than raw bytes.
func (t *Table) addByNameAndReferences(n *atom.Atom) (*atom.Atom, error) {
	key, err := referenceKey(n)
	if err != nil {
		return nil, err
	}
	slot, exists := t.byReferences[key]
	if !exists {
		slot = t.Binding.Append(n)
		t.byReferences[key] = slot
		return nil, nil
	}
	existing := t.Binding.Get(slot)
	if existing == n {
		return nil, nil
	}
	if n.Alignment.Power > existing.Alignment.Power {
		t.Binding.Rebind(slot, n)
		t.coalesce(existing)
		return existing, nil
	}
	t.coalesce(n)
	return n, nil
}

// referenceKey builds a structural equality key over an atom's fixup
// graph: same content type, same number of fixups, each pointing (by name
// or by target name) at the same offsets with the same kind and addend.
// Two atoms with equal keys are canCoalesceWith each other.
func referenceKey(a *atom.Atom) (string, error) {
	key := fmt.Sprintf("%d|%d", a.ContentType, len(a.Fixups))
	for _, f := range a.Fixups {
		targetName := f.Name
		if f.Target != nil {
			targetName = f.Target.Name
		}
		key += fmt.Sprintf("|%d:%d:%d:%s:%d", f.OffsetInAtom, f.Kind, f.Binding, targetName, f.Addend)
	}
	return key, nil
}
