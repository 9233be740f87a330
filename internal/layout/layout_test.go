package layout

import (
	"testing"

	"github.com/apple-oss-distributions/ld64-go/internal/atom"
	"github.com/stretchr/testify/require"
)

func TestSorterCoalescesTextcoalIntoText(t *testing.T) {
	s := NewSorter(OutputExecutable, false)
	a := &atom.Atom{
		Definition: atom.Regular,
		Section:    &atom.Section{SegmentName: "__TEXT", SectionName: "__textcoal_nt"},
	}
	fs := s.AddAtom(a)
	require.Equal(t, "__TEXT", fs.SegmentName)
	require.Equal(t, "__text", fs.SectionName)
}

func TestSorterRoutesTentativeToCommon(t *testing.T) {
	s := NewSorter(OutputExecutable, false)
	a := &atom.Atom{Definition: atom.Tentative}
	fs := s.AddAtom(a)
	require.Equal(t, "__DATA", fs.SegmentName)
	require.Equal(t, "__common", fs.SectionName)
}

func TestSegmentMonotonicity(t *testing.T) {
	s := NewSorter(OutputExecutable, false)
	s.AddAtom(&atom.Atom{Definition: atom.Regular, Section: &atom.Section{SegmentName: "__TEXT", SectionName: "__text"}, ContentType: atom.ContentCode})
	s.AddAtom(&atom.Atom{Definition: atom.Tentative})
	s.AddAtom(&atom.Atom{Definition: atom.Regular, Section: &atom.Section{SegmentName: "__DATA", SectionName: "__data"}})

	s.Sort(nil)

	for i := 1; i < len(s.Sections); i++ {
		prev, cur := s.Sections[i-1], s.Sections[i]
		require.True(t,
			prev.SegmentOrder < cur.SegmentOrder ||
				(prev.SegmentOrder == cur.SegmentOrder && prev.SectionOrder <= cur.SectionOrder),
			"sections out of order: %+v then %+v", prev, cur)
	}
}

func TestAssignAlignmentInvariant(t *testing.T) {
	s := NewSorter(OutputExecutable, false)
	text := s.AddAtom(&atom.Atom{Definition: atom.Regular, Alignment: atom.Alignment{Power: 4}, Size: 0x10,
		Section: &atom.Section{SegmentName: "__TEXT", SectionName: "__text"}, ContentType: atom.ContentCode})
	data := s.AddAtom(&atom.Atom{Definition: atom.Regular, Alignment: atom.Alignment{Power: 3}, Size: 0x20,
		Section: &atom.Section{SegmentName: "__DATA", SectionName: "__data"}})
	s.Sort(nil)

	cfg := Config{OutputKind: OutputExecutable, PageSize: 0x1000, BaseAddress: 0x1000}
	require.NoError(t, Assign(cfg, s.Sections))

	require.True(t, text.Alignment.Satisfies(text.Address))
	require.True(t, data.Alignment.Satisfies(data.Address))
	require.Equal(t, uint64(0), text.Address%0x1000)
}

func TestAssignFileOffsetsSkipZeroFill(t *testing.T) {
	s := NewSorter(OutputExecutable, false)
	zf := s.AddAtom(&atom.Atom{Definition: atom.Regular, ContentType: atom.ContentZeroFill, Size: 0x100,
		Section: &atom.Section{SegmentName: "__DATA", SectionName: "__bss", Type: atom.KindZeroFill}})
	zf.Kind = atom.KindZeroFill
	s.Sort(nil)

	cfg := Config{OutputKind: OutputExecutable, PageSize: 0x1000, BaseAddress: 0x1000}
	require.NoError(t, Assign(cfg, s.Sections))

	require.Equal(t, uint64(0), zf.FileOffset)
}
