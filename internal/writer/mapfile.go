package writer

import (
	"fmt"
	"io"
	"os"

	"github.com/apple-oss-distributions/ld64-go/internal/atom"
	"github.com/apple-oss-distributions/ld64-go/internal/layout"
)

// MapFileEntry is one final, placed atom as it appears in a -map file's
// symbol table section.
type MapFileEntry struct {
	Address  uint64
	Size     uint64
	FileName string
	Name     string
}

// WriteMapFile renders the -map output: output path/arch header, the
// object-file ordinal table, the section table, and the symbol table, in
// the order OutputFile::writeMapFile produces them (original_source's
// ld/OutputFile.cpp, "# Path:"/"# Arch:"/"# Object files:"/"# Sections:"/
// "# Symbols:").
func WriteMapFile(path, outputPath, archName string, sections []*layout.FinalSection, fileOrdinal func(*atom.Atom) string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create map file %s: %v", path, err)
	}
	defer f.Close()
	return writeMapFile(f, outputPath, archName, sections, fileOrdinal)
}

func writeMapFile(w io.Writer, outputPath, archName string, sections []*layout.FinalSection, fileOrdinal func(*atom.Atom) string) error {
	fmt.Fprintf(w, "# Path: %s\n", outputPath)
	fmt.Fprintf(w, "# Arch: %s\n", archName)

	fmt.Fprintf(w, "# Object files:\n")
	fmt.Fprintf(w, "[%3d] %s\n", 0, "linker synthesized")
	seen := map[string]int{"": 0}
	order := []string{""}
	for _, sect := range sections {
		for _, a := range sect.Atoms {
			name := fileOrdinal(a)
			if _, ok := seen[name]; !ok {
				seen[name] = len(order)
				order = append(order, name)
			}
		}
	}
	for i, name := range order {
		if i == 0 {
			continue
		}
		fmt.Fprintf(w, "[%3d] %s\n", i, name)
	}

	fmt.Fprintf(w, "# Sections:\n")
	fmt.Fprintf(w, "# Address\tSize    \tSegment\tSection\n")
	for _, sect := range sections {
		fmt.Fprintf(w, "0x%08X\t0x%08X\t%s\t%s\n", sect.Address, sect.Size, sect.SegmentName, sect.SectionName)
	}

	fmt.Fprintf(w, "# Symbols:\n")
	fmt.Fprintf(w, "# Address\tSize    \tFile  Name\n")
	for _, sect := range sections {
		for _, a := range sect.Atoms {
			name := a.Name
			if a.ContentType == atom.ContentCString {
				if content, err := a.Content.Bytes(); err == nil {
					name = "literal string: " + string(content)
				}
			}
			fmt.Fprintf(w, "0x%08X\t0x%08X\t[%3d] %s\n", a.FinalAddress, a.Size, seen[fileOrdinal(a)], name)
		}
	}
	return nil
}
