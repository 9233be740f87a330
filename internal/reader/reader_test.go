package reader

import (
	"encoding/binary"
	"sort"
	"testing"

	"github.com/apple-oss-distributions/ld64-go/internal/atom"
	"github.com/apple-oss-distributions/ld64-go/types"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// buildObject assembles a minimal but complete 64-bit little-endian
// MH_OBJECT: one __TEXT,__text section holding two 4-byte functions, and
// a symbol table naming them plus one undefined external reference.
func buildObject(t *testing.T) []byte {
	t.Helper()
	order := binary.LittleEndian

	text := []byte{0x90, 0x90, 0x90, 0x90, 0xc3, 0xc3, 0xc3, 0xc3}
	const textOffset = 0 // unused; textFileOffset below is the section's real file offset

	strs := []byte{0}
	addStr := func(s string) uint32 {
		off := uint32(len(strs))
		strs = append(strs, append([]byte(s), 0)...)
		return off
	}
	mainOff := addStr("_main")
	helperOff := addStr("_helper")
	externOff := addStr("_extern_dep")

	const headerSize = 32
	const segCmdSize = 72 + 80 // one section
	const symtabCmdSize = 24
	ncmds := uint32(2)
	sizeofcmds := uint32(segCmdSize + symtabCmdSize)

	loadCmdsEnd := headerSize + int(sizeofcmds)
	textFileOffset := loadCmdsEnd
	_ = textOffset

	symoff := textFileOffset + len(text)
	nsyms := uint32(3)
	symtabSize := int(nsyms) * types.Nlist64Size
	stroff := symoff + symtabSize

	total := stroff + len(strs)
	buf := make([]byte, total)

	hdr := types.FileHeader{
		Magic: types.Magic64, CPU: 0x01000007, SubCPU: 3,
		Type: types.MH_OBJECT, NCommands: ncmds, SizeCommands: sizeofcmds,
	}
	hdr.Put(buf, order)

	off := headerSize
	order.PutUint32(buf[off:], uint32(types.LC_SEGMENT_64))
	order.PutUint32(buf[off+4:], uint32(segCmdSize))
	copy(buf[off+8:off+24], "") // segname "" (whole-file segment)
	order.PutUint64(buf[off+24:], 0)                // vmaddr
	order.PutUint64(buf[off+32:], uint64(len(text))) // vmsize
	order.PutUint64(buf[off+40:], uint64(textFileOffset))
	order.PutUint64(buf[off+48:], uint64(len(text)))
	order.PutUint32(buf[off+56:], 7) // maxprot
	order.PutUint32(buf[off+60:], 7) // initprot
	order.PutUint32(buf[off+64:], 1) // nsect
	order.PutUint32(buf[off+68:], 0) // flags

	secOff := off + 72
	sec := types.Section64{
		Name:   [16]byte{'_', '_', 't', 'e', 'x', 't'},
		Seg:    [16]byte{'_', '_', 'T', 'E', 'X', 'T'},
		Addr:   0,
		Size:   uint64(len(text)),
		Offset: uint32(textFileOffset),
		Align:  0,
	}
	sec.Put(buf[secOff:secOff+80], order)

	off = headerSize + segCmdSize
	order.PutUint32(buf[off:], uint32(types.LC_SYMTAB))
	order.PutUint32(buf[off+4:], uint32(symtabCmdSize))
	order.PutUint32(buf[off+8:], uint32(symoff))
	order.PutUint32(buf[off+12:], nsyms)
	order.PutUint32(buf[off+16:], uint32(stroff))
	order.PutUint32(buf[off+20:], uint32(len(strs)))

	copy(buf[textFileOffset:], text)

	syms := []types.Nlist64{
		{Nlist: types.Nlist{Name: mainOff, Type: types.N_EXT | types.N_SECT, Sect: 1}, Value: 0},
		{Nlist: types.Nlist{Name: helperOff, Type: types.N_EXT | types.N_SECT, Sect: 1}, Value: 4},
		{Nlist: types.Nlist{Name: externOff, Type: types.N_EXT | types.N_UNDF}, Value: 0},
	}
	for i, s := range syms {
		s.Put(buf[symoff+i*types.Nlist64Size:], order)
	}
	copy(buf[stroff:], strs)

	return buf
}

func TestParseSplitsSectionIntoTwoAtoms(t *testing.T) {
	atoms, err := Parse(buildObject(t))
	require.NoError(t, err)

	var main_, helper, extern *atom.Atom
	for _, a := range atoms {
		switch a.Name {
		case "_main":
			main_ = a
		case "_helper":
			helper = a
		case "_extern_dep":
			extern = a
		}
	}
	require.NotNil(t, main_)
	require.NotNil(t, helper)
	require.NotNil(t, extern)

	require.Equal(t, uint64(4), main_.Size)
	require.Equal(t, uint64(4), helper.Size)
	require.Equal(t, atom.Regular, main_.Definition)
	require.Equal(t, atom.Global, main_.Scope)

	content, err := main_.Content.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte{0x90, 0x90, 0x90, 0x90}, content)

	require.Equal(t, atom.Proxy, extern.Definition)
}

// buildObjectWithLocalRelocation assembles a two-section 64-bit object:
// __TEXT,__text holds one 4-byte function "_main", and __DATA,__data
// holds one 8-byte pointer "_ptr" whose pre-link content is a classic
// local relocation (Length=3/quad, non-extern, non-pcrel) pointing at
// _main.
func buildObjectWithLocalRelocation(t *testing.T) []byte {
	t.Helper()
	order := binary.LittleEndian

	text := []byte{0x90, 0x90, 0x90, 0x90}
	data := make([]byte, 8) // pre-link content: absolute address of _main (0)

	strs := []byte{0}
	addStr := func(s string) uint32 {
		off := uint32(len(strs))
		strs = append(strs, append([]byte(s), 0)...)
		return off
	}
	mainOff := addStr("_main")
	ptrOff := addStr("_ptr")

	const headerSize = 32
	const segCmdSize = 72 + 80*2 // two sections
	const symtabCmdSize = 24
	ncmds := uint32(2)
	sizeofcmds := uint32(segCmdSize + symtabCmdSize)

	loadCmdsEnd := headerSize + int(sizeofcmds)
	textFileOffset := loadCmdsEnd
	dataFileOffset := textFileOffset + len(text)
	relocOffset := dataFileOffset + len(data)

	symoff := relocOffset + 8 // one relocation_info entry
	nsyms := uint32(2)
	symtabSize := int(nsyms) * types.Nlist64Size
	stroff := symoff + symtabSize

	total := stroff + len(strs)
	buf := make([]byte, total)

	hdr := types.FileHeader{
		Magic: types.Magic64, CPU: 0x01000007, SubCPU: 3,
		Type: types.MH_OBJECT, NCommands: ncmds, SizeCommands: sizeofcmds,
	}
	hdr.Put(buf, order)

	off := headerSize
	order.PutUint32(buf[off:], uint32(types.LC_SEGMENT_64))
	order.PutUint32(buf[off+4:], uint32(segCmdSize))
	order.PutUint64(buf[off+24:], 0)
	order.PutUint64(buf[off+32:], uint64(len(text)+len(data)))
	order.PutUint64(buf[off+40:], uint64(textFileOffset))
	order.PutUint64(buf[off+48:], uint64(len(text)+len(data)))
	order.PutUint32(buf[off+56:], 7)
	order.PutUint32(buf[off+60:], 7)
	order.PutUint32(buf[off+64:], 2) // nsect
	order.PutUint32(buf[off+68:], 0)

	secOff := off + 72
	textSec := types.Section64{
		Name: [16]byte{'_', '_', 't', 'e', 'x', 't'}, Seg: [16]byte{'_', '_', 'T', 'E', 'X', 'T'},
		Addr: 0, Size: uint64(len(text)), Offset: uint32(textFileOffset),
	}
	textSec.Put(buf[secOff:secOff+80], order)

	dataSec := types.Section64{
		Name: [16]byte{'_', '_', 'd', 'a', 't', 'a'}, Seg: [16]byte{'_', '_', 'D', 'A', 'T', 'A'},
		Addr: uint64(len(text)), Size: uint64(len(data)), Offset: uint32(dataFileOffset),
		Reloff: uint32(relocOffset), Nreloc: 1,
	}
	dataSec.Put(buf[secOff+80:secOff+160], order)

	off = headerSize + segCmdSize
	order.PutUint32(buf[off:], uint32(types.LC_SYMTAB))
	order.PutUint32(buf[off+4:], uint32(symtabCmdSize))
	order.PutUint32(buf[off+8:], uint32(symoff))
	order.PutUint32(buf[off+12:], nsyms)
	order.PutUint32(buf[off+16:], uint32(stroff))
	order.PutUint32(buf[off+20:], uint32(len(strs)))

	copy(buf[textFileOffset:], text)
	copy(buf[dataFileOffset:], data)

	// relocation_info: Address=0 (section-relative), SymbolNum=1 (__text is
	// section 1), PCRel=false, Length=3 (quad), Extern=false, Type=0.
	order.PutUint32(buf[relocOffset:], 0)
	bits := uint32(1) | (3 << 25)
	order.PutUint32(buf[relocOffset+4:], bits)

	syms := []types.Nlist64{
		{Nlist: types.Nlist{Name: mainOff, Type: types.N_EXT | types.N_SECT, Sect: 1}, Value: 0},
		{Nlist: types.Nlist{Name: ptrOff, Type: types.N_EXT | types.N_SECT, Sect: 2}, Value: uint64(len(text))},
	}
	for i, s := range syms {
		s.Put(buf[symoff+i*types.Nlist64Size:], order)
	}
	copy(buf[stroff:], strs)

	return buf
}

func TestParsePopulatesFixupsFromClassicRelocations(t *testing.T) {
	atoms, err := Parse(buildObjectWithLocalRelocation(t))
	require.NoError(t, err)

	var ptr, main_ *atom.Atom
	for _, a := range atoms {
		switch a.Name {
		case "_ptr":
			ptr = a
		case "_main":
			main_ = a
		}
	}
	require.NotNil(t, ptr)
	require.NotNil(t, main_)

	require.Len(t, ptr.Fixups, 1)
	f := ptr.Fixups[0]
	require.Equal(t, atom.DirectlyBound, f.Binding)
	require.Same(t, main_, f.Target)
	require.Equal(t, uint32(0), f.OffsetInAtom)
}

func TestParseRejectsTruncatedHeader(t *testing.T) {
	_, err := Parse([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestParseYieldsExactlyTheExpectedSymbolNames(t *testing.T) {
	atoms, err := Parse(buildObject(t))
	require.NoError(t, err)

	var names []string
	for _, a := range atoms {
		names = append(names, a.Name)
	}
	sort.Strings(names)

	want := []string{"_extern_dep", "_helper", "_main"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("symbol name set mismatch (-want +got):\n%s", diff)
	}
}
