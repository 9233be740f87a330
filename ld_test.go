package ld

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/apple-oss-distributions/ld64-go/internal/atom"
	"github.com/apple-oss-distributions/ld64-go/options"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	atoms map[string][]*atom.Atom
}

func (f *fakeReader) ReadAtoms(path string) ([]*atom.Atom, error) {
	return f.atoms[path], nil
}

func TestLinkProducesSectionsAndWritesOutput(t *testing.T) {
	main_ := &atom.Atom{
		Name: "_main", Definition: atom.Regular, Scope: atom.Global,
		SymbolTableInclusion: atom.In, Size: 4,
		Section: &atom.Section{SegmentName: "__TEXT", SectionName: "__text", Type: atom.KindCode},
		ContentType: atom.ContentCode,
		Content:     atom.BytesContent{0x90, 0x90, 0x90, 0xc3},
	}
	reader := &fakeReader{atoms: map[string][]*atom.Atom{"a.o": {main_}}}

	dir := t.TempDir()
	outPath := filepath.Join(dir, "a.out")
	opts := &options.Options{
		OutputKind:  options.DynamicExecutable,
		OutputPath:  outPath,
		Arch:        "x86_64",
		ObjectFiles: []string{"a.o"},
	}

	result, err := Link(context.Background(), opts, reader)
	require.NoError(t, err)
	require.Equal(t, outPath, result.OutputPath)
	require.Equal(t, 1, result.SectionCount)
	require.Equal(t, 1, result.SymbolCount)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.NotEmpty(t, data)
}

func TestLinkRejectsDuplicateStrongDefinition(t *testing.T) {
	first := &atom.Atom{
		Name: "_main", Definition: atom.Regular, Scope: atom.Global,
		SymbolTableInclusion: atom.In, Size: 4,
		Section: &atom.Section{SegmentName: "__TEXT", SectionName: "__text"},
		Content: atom.BytesContent{0, 0, 0, 0},
	}
	second := &atom.Atom{
		Name: "_main", Definition: atom.Regular, Scope: atom.Global,
		SymbolTableInclusion: atom.In, Size: 4,
		Section: &atom.Section{SegmentName: "__TEXT", SectionName: "__text"},
		Content: atom.BytesContent{1, 1, 1, 1},
	}
	reader := &fakeReader{atoms: map[string][]*atom.Atom{
		"a.o": {first},
		"b.o": {second},
	}}

	opts := &options.Options{
		Arch:        "x86_64",
		ObjectFiles: []string{"a.o", "b.o"},
	}
	_, err := Link(context.Background(), opts, reader)
	require.Error(t, err)
}

type erroringReader struct{}

func (erroringReader) ReadAtoms(path string) ([]*atom.Atom, error) {
	return nil, os.ErrNotExist
}

func TestLinkPropagatesReaderError(t *testing.T) {
	opts := &options.Options{Arch: "x86_64", ObjectFiles: []string{"missing.o"}}
	_, err := Link(context.Background(), opts, erroringReader{})
	require.Error(t, err)
}
