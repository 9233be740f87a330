// Package input implements the linker's file-mapping, Mach-O/LTO/dylib/
// archive classification, and dylib-graph resolution stage (C3).
package input

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/apple-oss-distributions/ld64-go/types"
	"golang.org/x/sys/unix"
)

// Kind classifies a mapped input file.
type Kind int

const (
	KindUnknown Kind = iota
	KindObject
	KindLTOBitcode
	KindDylib
	KindArchive
)

func (k Kind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindLTOBitcode:
		return "LTO bitcode"
	case KindDylib:
		return "dylib"
	case KindArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// MappedFile is one architecture slice of an input file, memory-mapped
// read-only.
type MappedFile struct {
	Path string
	Data []byte
	file *os.File
}

// Close unmaps the file and releases its descriptor.
func (m *MappedFile) Close() error {
	if m.Data != nil {
		if err := unix.Munmap(m.Data); err != nil {
			return err
		}
		m.Data = nil
	}
	return m.file.Close()
}

// Orchestrator owns input-file resolution for one link: mapping files,
// classifying them, and walking the dylib dependency graph.
type Orchestrator struct {
	sdkRoot    string
	dylibCache map[string]*DylibInfo
}

func NewOrchestrator(sdkRoot string) *Orchestrator {
	return &Orchestrator{sdkRoot: sdkRoot, dylibCache: make(map[string]*DylibInfo)}
}

// MapFile opens and mmaps path, selecting the arch slice matching
// (cputype, cpusubtype) when the file is a fat binary: prefer an exact
// subtype match, fall back to the first cputype match, else fail with
// "missing required architecture".
func (o *Orchestrator) MapFile(path string, cputype types.CPU, cpusubtype uint32) (*MappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %v", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %v", path, err)
	}
	if info.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("%s: empty file", path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to mmap %s: %v", path, err)
	}

	want := &cputype
	slice, err := selectArchSlice(data, want, cpusubtype)
	if err != nil {
		unix.Munmap(data)
		f.Close()
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return &MappedFile{Path: path, Data: slice, file: f}, nil
}

type fatArch struct {
	cputype, cpusubtype, offset, size uint32
}

func readFatArchs(data []byte) ([]fatArch, error) {
	order := binary.ByteOrder(binary.BigEndian)
	nfat := order.Uint32(data[4:8])
	if nfat == 0 || int(8+nfat*20) > len(data) {
		return nil, fmt.Errorf("fat header truncated")
	}
	archs := make([]fatArch, 0, nfat)
	for i := uint32(0); i < nfat; i++ {
		base := 8 + i*20
		archs = append(archs, fatArch{
			cputype:    order.Uint32(data[base:]),
			cpusubtype: order.Uint32(data[base+4:]),
			offset:     order.Uint32(data[base+8:]),
			size:       order.Uint32(data[base+12:]),
		})
	}
	return archs, nil
}

// selectArchSlice returns data unchanged for a thin file. For a fat file,
// want == nil returns the first architecture present (used by Classify,
// which only needs to inspect one slice's header); want != nil applies
// MapFile's exact-match/first-cputype-match/fail rule.
func selectArchSlice(data []byte, want *types.CPU, cpusubtype uint32) ([]byte, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("too small to be Mach-O")
	}
	if types.Magic(binary.BigEndian.Uint32(data[:4])) != types.MagicFat {
		return data, nil
	}
	archs, err := readFatArchs(data)
	if err != nil {
		return nil, err
	}
	if want == nil {
		a := archs[0]
		return data[a.offset : a.offset+a.size], nil
	}

	var firstCPUMatch *fatArch
	for i := range archs {
		a := &archs[i]
		if types.CPU(a.cputype) != *want {
			continue
		}
		if firstCPUMatch == nil {
			firstCPUMatch = a
		}
		if a.cpusubtype == cpusubtype {
			return data[a.offset : a.offset+a.size], nil
		}
	}
	if firstCPUMatch != nil {
		return data[firstCPUMatch.offset : firstCPUMatch.offset+firstCPUMatch.size], nil
	}
	return nil, fmt.Errorf("missing required architecture %s", *want)
}

var (
	ltoBitcodeMagic = []byte("BC\xc0\xde")
	arMagic         = []byte("!<arch>\n")
)

// Classify inspects data's leading bytes to determine its input kind.
// LTO bitcode's "BC\xC0\xDE" wrapper magic is not documented in the
// distillation; it is taken from lto::F::fileKind's wrapper check in
// original_source's LTO-bitcode-reader wrapper module detection.
func Classify(data []byte) (Kind, error) {
	if len(data) < 4 {
		return KindUnknown, fmt.Errorf("file too small to classify")
	}
	if bytes.HasPrefix(data, ltoBitcodeMagic) {
		return KindLTOBitcode, nil
	}
	if bytes.HasPrefix(data, arMagic) {
		return KindArchive, nil
	}

	beMagic := types.Magic(binary.BigEndian.Uint32(data[:4]))
	leMagic := types.Magic(binary.LittleEndian.Uint32(data[:4]))
	switch {
	case beMagic == types.Magic32 || beMagic == types.Magic64 || beMagic == types.MagicFat:
		return classifyMachO(data, binary.BigEndian)
	case leMagic == types.Magic32 || leMagic == types.Magic64:
		return classifyMachO(data, binary.LittleEndian)
	}
	return KindUnknown, fmt.Errorf("unrecognized file format")
}

func classifyMachO(data []byte, order binary.ByteOrder) (Kind, error) {
	slice, err := selectArchSlice(data, nil, 0)
	if err != nil {
		return KindUnknown, err
	}
	if len(slice) < 16 {
		return KindUnknown, fmt.Errorf("Mach-O header truncated")
	}
	filetype := order.Uint32(slice[12:16])
	if types.HeaderFileType(filetype) == types.MH_DYLIB || types.HeaderFileType(filetype) == types.MH_DYLIB_STUB {
		return KindDylib, nil
	}
	return KindObject, nil
}
