package symtab

import (
	"testing"

	"github.com/apple-oss-distributions/ld64-go/internal/atom"
	"github.com/stretchr/testify/require"
)

func regular(name string, scope atom.Scope) *atom.Atom {
	return &atom.Atom{
		Name:       name,
		Definition: atom.Regular,
		Scope:      scope,
		Combine:    atom.CombineNever,
	}
}

// S1: two strong regulars with the same name is a fatal duplicate.
func TestDuplicateStrongSymbolIsFatal(t *testing.T) {
	tab := New(Options{})
	a := regular("_foo", atom.Global)
	b := regular("_foo", atom.Global)

	_, err := tab.Add(a, false)
	require.NoError(t, err)

	_, err = tab.Add(b, false)
	require.Error(t, err)
}

// S2: weak_def with autoHide=false beats weak_def with autoHide=true;
// no diagnostic about duplicates, and the loser is coalesced away.
func TestWeakDefAutoHideTiebreak(t *testing.T) {
	tab := New(Options{})

	a := regular("_foo", atom.Global)
	a.Combine = atom.CombineByName
	a.AutoHide = true

	b := regular("_foo", atom.Global)
	b.Combine = atom.CombineByName
	b.AutoHide = false

	_, err := tab.Add(a, false)
	require.NoError(t, err)

	displaced, err := tab.Add(b, false)
	require.NoError(t, err)
	require.Same(t, a, displaced)
	require.True(t, a.CoalescedAway)

	resolved, ok := tab.Get("_foo")
	require.True(t, ok)
	require.Same(t, b, resolved)
}

// S3: tentative definition coalesced away in favor of a dylib proxy under
// -commons use_dylibs.
func TestCommonsUseDylibsPrefersProxy(t *testing.T) {
	tab := New(Options{Commons: CommonsUseDylibs, WarnCommons: true})

	tentative := &atom.Atom{Name: "_bar", Definition: atom.Tentative, Size: 8}
	proxy := &atom.Atom{Name: "_bar", Definition: atom.Proxy}

	_, err := tab.Add(tentative, false)
	require.NoError(t, err)

	displaced, err := tab.Add(proxy, false)
	require.NoError(t, err)
	require.Same(t, tentative, displaced)
	require.True(t, tentative.CoalescedAway)
	require.NotEmpty(t, tab.Warnings())

	resolved, ok := tab.Get("_bar")
	require.True(t, ok)
	require.Same(t, proxy, resolved)
}

func TestCommonsErrorIsFatal(t *testing.T) {
	tab := New(Options{Commons: CommonsError})

	tentative := &atom.Atom{Name: "_bar", Definition: atom.Tentative, Size: 8}
	proxy := &atom.Atom{Name: "_bar", Definition: atom.Proxy}

	_, err := tab.Add(tentative, false)
	require.NoError(t, err)

	_, err = tab.Add(proxy, false)
	require.Error(t, err)
}

// S4: ten content-identical cstrings coalesce to a single survivor.
func TestCombineByNameAndContentCoalescesCStrings(t *testing.T) {
	tab := New(Options{})
	section := &atom.Section{SegmentName: "__TEXT", SectionName: "__cstring"}

	var survivors int
	var atoms []*atom.Atom
	for i := 0; i < 10; i++ {
		a := &atom.Atom{
			Name:        "",
			Definition:  atom.Regular,
			Combine:     atom.CombineByNameAndContent,
			ContentType: atom.ContentCString,
			Section:     section,
			Content:     atom.BytesContent("hello\x00"),
		}
		atoms = append(atoms, a)
		_, err := tab.Add(a, false)
		require.NoError(t, err)
	}
	for _, a := range atoms {
		if !a.CoalescedAway {
			survivors++
		}
	}
	require.Equal(t, 1, survivors)
}

func TestDuplicateSymbolSuppressedWhenIgnoringDuplicates(t *testing.T) {
	tab := New(Options{})
	a := regular("_foo", atom.Global)
	b := regular("_foo", atom.Global)

	_, err := tab.Add(a, false)
	require.NoError(t, err)

	_, err = tab.Add(b, true)
	require.NoError(t, err)
	require.NotEmpty(t, tab.Warnings())
}

func TestCoalesceCascadesToGroupSubordinates(t *testing.T) {
	tab := New(Options{})

	fde := &atom.Atom{Name: "_foo.eh", Definition: atom.Regular, Combine: atom.CombineByName, AutoHide: true}
	lsda := &atom.Atom{Name: "_foo.lsda", Definition: atom.Regular}
	fde.Fixups = []atom.Fixup{{GroupSubordinate: true, Target: lsda}}

	other := &atom.Atom{Name: "_foo.eh", Definition: atom.Regular, Combine: atom.CombineByName, AutoHide: false}

	_, err := tab.Add(fde, false)
	require.NoError(t, err)

	_, err = tab.Add(other, false)
	require.NoError(t, err)

	require.True(t, fde.CoalescedAway)
	require.True(t, lsda.CoalescedAway)
}
