package writer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/apple-oss-distributions/ld64-go/internal/atom"
	"github.com/apple-oss-distributions/ld64-go/internal/layout"
	"github.com/stretchr/testify/require"
)

func TestWritePlacesAtomContentAndStampsUUID(t *testing.T) {
	a := &atom.Atom{
		Name:          "_x",
		Size:          4,
		SectionOffset: 16,
		Content:       atom.BytesContent{0xde, 0xad, 0xbe, 0xef},
	}
	img := &Image{Size: 64, Atoms: []*atom.Atom{a}}
	w := NewWriter(nil)

	dir := t.TempDir()
	path := filepath.Join(dir, "out")
	err := w.Write(context.Background(), img, 32, path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, data[16:20])
	require.NotEqual(t, make([]byte, 16), data[32:48], "uuid slot should be non-zero")
	require.Equal(t, byte(0x40), data[38]&0xf0, "version nibble should be 4")
}

func TestWriteIsDeterministicForSameContent(t *testing.T) {
	build := func() []byte {
		a := &atom.Atom{Name: "_x", Size: 4, SectionOffset: 0, Content: atom.BytesContent{1, 2, 3, 4}}
		img := &Image{Size: 32, Atoms: []*atom.Atom{a}}
		w := NewWriter(nil)
		dir := t.TempDir()
		path := filepath.Join(dir, "out")
		require.NoError(t, w.Write(context.Background(), img, 16, path))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		return data
	}
	require.Equal(t, build(), build())
}

func TestFillNoopsOnlyBridgesGapsAfterCodeSections(t *testing.T) {
	code := &atom.Atom{
		Name: "_code", Size: 2, SectionOffset: 0,
		Content: atom.BytesContent{0x11, 0x11},
		Section: &atom.Section{SegmentName: "__TEXT", SectionName: "__text", Type: atom.KindCode},
	}
	// gap of 2 bytes between code (ends at 2) and data (starts at 4)
	data := &atom.Atom{
		Name: "_data", Size: 2, SectionOffset: 4,
		Content: atom.BytesContent{0x22, 0x22},
		Section: &atom.Section{SegmentName: "__DATA", SectionName: "__data", Type: atom.KindRegular},
	}
	img := &Image{Size: 32, Atoms: []*atom.Atom{code, data}, NoopFill: []byte{0x90}}
	w := NewWriter(nil)

	dir := t.TempDir()
	path := filepath.Join(dir, "out")
	require.NoError(t, w.Write(context.Background(), img, 16, path))

	// the UUID slot [16,32) lies past both atoms; confirm the gap between
	// the two atoms (bytes [2,4)) was no-op filled.
	out, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte{0x90, 0x90}, out[2:4], "gap after a code section should be no-op padded")
}

func TestFillNoopsLeavesGapAfterDataSectionZero(t *testing.T) {
	data := &atom.Atom{
		Name: "_data", Size: 2, SectionOffset: 0,
		Content: atom.BytesContent{0x22, 0x22},
		Section: &atom.Section{SegmentName: "__DATA", SectionName: "__data", Type: atom.KindRegular},
	}
	next := &atom.Atom{
		Name: "_more", Size: 2, SectionOffset: 4,
		Content: atom.BytesContent{0x33, 0x33},
		Section: &atom.Section{SegmentName: "__DATA", SectionName: "__data", Type: atom.KindRegular},
	}
	img := &Image{Size: 32, Atoms: []*atom.Atom{data, next}, NoopFill: []byte{0x90}}
	w := NewWriter(nil)

	dir := t.TempDir()
	path := filepath.Join(dir, "out")
	require.NoError(t, w.Write(context.Background(), img, 16, path))

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x00}, out[2:4], "gap after a non-code section must not be no-op padded")
}

func TestWriteMapFileOutputsExpectedHeaders(t *testing.T) {
	sect := &layout.FinalSection{
		SegmentName: "__TEXT", SectionName: "__text", Address: 0x1000, Size: 8,
		Atoms: []*atom.Atom{{Name: "_main", FinalAddress: 0x1000, Size: 8}},
	}
	var buf bytes.Buffer
	err := writeMapFile(&buf, "/tmp/a.out", "x86_64", []*layout.FinalSection{sect}, func(a *atom.Atom) string { return "a.o" })
	require.NoError(t, err)
	out := buf.String()
	require.Contains(t, out, "# Path: /tmp/a.out")
	require.Contains(t, out, "# Arch: x86_64")
	require.Contains(t, out, "_main")
}
