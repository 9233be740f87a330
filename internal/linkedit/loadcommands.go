package linkedit

import (
	"bytes"
	"encoding/binary"

	"github.com/apple-oss-distributions/ld64-go/types"
)

// LoadCommandsEncoder assembles the final load-command list in the order
// the driver emits them (distilled spec §4.5's segment order feeds this
// directly: __PAGEZERO and __TEXT first, __LINKEDIT last).
type LoadCommandsEncoder struct {
	order binary.ByteOrder
	buf   bytes.Buffer
	count uint32
}

func NewLoadCommandsEncoder(order binary.ByteOrder) *LoadCommandsEncoder {
	return &LoadCommandsEncoder{order: order}
}

func (e *LoadCommandsEncoder) Count() uint32 { return e.count }
func (e *LoadCommandsEncoder) Size() int     { return e.buf.Len() }
func (e *LoadCommandsEncoder) Bytes() []byte { return e.buf.Bytes() }

func roundUp4(n int) int { return (n + 3) &^ 3 }

func packName16(name string) [16]byte {
	var b [16]byte
	copy(b[:], name)
	return b
}

// SegmentSection64 is one section belonging to a segment passed to
// AddSegment64; its fields mirror types.Section64 without requiring the
// caller to depend on this package's internal ordering assumptions.
type SegmentSection64 struct {
	SectName, SegName        string
	Addr, Size               uint64
	Offset, Align             uint32
	Reloff, Nreloc            uint32
	Flags                     types.SectionFlag
	Reserved1, Reserved2      uint32
}

func (e *LoadCommandsEncoder) AddSegment64(name string, addr, memsz, offset, filesz uint64, maxprot, prot types.VmProtection, flag types.SegFlag, sections []SegmentSection64) {
	bodyLen := 72 - 8 + len(sections)*80 // sizeof(segment_command_64) minus cmd+cmdsize, plus each section_64
	cmdsize := 8 + bodyLen
	seg := types.Segment64{
		LoadCmd: types.LC_SEGMENT_64,
		Len:     uint32(cmdsize),
		Name:    packName16(name),
		Addr:    addr,
		Memsz:   memsz,
		Offset:  offset,
		Filesz:  filesz,
		Maxprot: maxprot,
		Prot:    prot,
		Nsect:   uint32(len(sections)),
		Flag:    flag,
	}
	binary.Write(&e.buf, e.order, seg.Command())
	binary.Write(&e.buf, e.order, seg.Len)
	e.buf.Write(seg.Name[:])
	binary.Write(&e.buf, e.order, seg.Addr)
	binary.Write(&e.buf, e.order, seg.Memsz)
	binary.Write(&e.buf, e.order, seg.Offset)
	binary.Write(&e.buf, e.order, seg.Filesz)
	binary.Write(&e.buf, e.order, seg.Maxprot)
	binary.Write(&e.buf, e.order, seg.Prot)
	binary.Write(&e.buf, e.order, seg.Nsect)
	binary.Write(&e.buf, e.order, seg.Flag)

	for _, s := range sections {
		sec := types.Section64{
			Name:      packName16(s.SectName),
			Seg:       packName16(s.SegName),
			Addr:      s.Addr,
			Size:      s.Size,
			Offset:    s.Offset,
			Align:     s.Align,
			Reloff:    s.Reloff,
			Nreloc:    s.Nreloc,
			Flags:     s.Flags,
			Reserved1: s.Reserved1,
			Reserved2: s.Reserved2,
		}
		b := make([]byte, 80)
		sec.Put(b, e.order)
		e.buf.Write(b)
	}
	e.count++
}

// AddDylib appends LC_LOAD_DYLIB (or LC_ID_DYLIB/LC_LOAD_WEAK_DYLIB/
// LC_REEXPORT_DYLIB/LC_LAZY_LOAD_DYLIB, selected via cmd) for one linked
// library, string-padded to a 4-byte boundary per Mach-O convention.
func (e *LoadCommandsEncoder) AddDylib(cmd types.LoadCmd, installPath string, timestamp uint32, current, compat types.Version) {
	nameBytes := append([]byte(installPath), 0)
	const headerLen = 8 + 4 + 4 + 4 + 4 // cmd,cmdsize,name-offset,time,current,compat
	cmdsize := roundUp4(headerLen + len(nameBytes))
	binary.Write(&e.buf, e.order, cmd)
	binary.Write(&e.buf, e.order, uint32(cmdsize))
	binary.Write(&e.buf, e.order, uint32(headerLen))
	binary.Write(&e.buf, e.order, timestamp)
	binary.Write(&e.buf, e.order, current)
	binary.Write(&e.buf, e.order, compat)
	e.buf.Write(nameBytes)
	e.pad(cmdsize - headerLen - len(nameBytes))
	e.count++
}

func (e *LoadCommandsEncoder) AddDylinker(path string) {
	nameBytes := append([]byte(path), 0)
	const headerLen = 8 + 4
	cmdsize := roundUp4(headerLen + len(nameBytes))
	binary.Write(&e.buf, e.order, types.LC_LOAD_DYLINKER)
	binary.Write(&e.buf, e.order, uint32(cmdsize))
	binary.Write(&e.buf, e.order, uint32(headerLen))
	e.buf.Write(nameBytes)
	e.pad(cmdsize - headerLen - len(nameBytes))
	e.count++
}

func (e *LoadCommandsEncoder) AddRpath(path string) {
	nameBytes := append([]byte(path), 0)
	const headerLen = 8 + 4
	cmdsize := roundUp4(headerLen + len(nameBytes))
	binary.Write(&e.buf, e.order, types.LC_RPATH)
	binary.Write(&e.buf, e.order, uint32(cmdsize))
	binary.Write(&e.buf, e.order, uint32(headerLen))
	e.buf.Write(nameBytes)
	e.pad(cmdsize - headerLen - len(nameBytes))
	e.count++
}

func (e *LoadCommandsEncoder) AddUUID(id types.UUID) {
	cmd := types.UUIDCmd{LoadCmd: types.LC_UUID, Len: 24, UUID: id}
	binary.Write(&e.buf, e.order, cmd)
	e.count++
}

func (e *LoadCommandsEncoder) AddLinkEditData(cmd types.LoadCmd, offset, size uint32) {
	c := types.LinkEditDataCmd{LoadCmd: cmd, Len: 16, Offset: offset, Size: size}
	binary.Write(&e.buf, e.order, c)
	e.count++
}

func (e *LoadCommandsEncoder) AddDyldInfoOnly(rebaseOff, rebaseSize, bindOff, bindSize, weakOff, weakSize, lazyOff, lazySize, exportOff, exportSize uint32) {
	c := types.DyldInfoCmd{
		LoadCmd: types.LC_DYLD_INFO_ONLY, Len: 48,
		RebaseOff: rebaseOff, RebaseSize: rebaseSize,
		BindOff: bindOff, BindSize: bindSize,
		WeakBindOff: weakOff, WeakBindSize: weakSize,
		LazyBindOff: lazyOff, LazyBindSize: lazySize,
		ExportOff: exportOff, ExportSize: exportSize,
	}
	binary.Write(&e.buf, e.order, c)
	e.count++
}

func (e *LoadCommandsEncoder) AddSymtab(symoff, nsyms, stroff, strsize uint32) {
	c := types.SymtabCmd{LoadCmd: types.LC_SYMTAB, Len: 24, Symoff: symoff, Nsyms: nsyms, Stroff: stroff, Strsize: strsize}
	binary.Write(&e.buf, e.order, c)
	e.count++
}

func (e *LoadCommandsEncoder) AddDysymtab(c types.DysymtabCmd) {
	c.LoadCmd = types.LC_DYSYMTAB
	c.Len = 80
	binary.Write(&e.buf, e.order, c)
	e.count++
}

func (e *LoadCommandsEncoder) AddEntryPoint(offset, stacksize uint64) {
	c := types.EntryPointCmd{LoadCmd: types.LC_MAIN, Len: 24, Offset: offset, StackSize: stacksize}
	binary.Write(&e.buf, e.order, c)
	e.count++
}

func (e *LoadCommandsEncoder) pad(n int) {
	if n <= 0 {
		return
	}
	e.buf.Write(make([]byte, n))
}
