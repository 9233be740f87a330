package linkedit

import (
	"encoding/binary"
	"testing"

	"github.com/apple-oss-distributions/ld64-go/internal/fixup"
	"github.com/apple-oss-distributions/ld64-go/types"
	"github.com/stretchr/testify/require"
)

type flatResolver struct{ base uint64 }

func (r flatResolver) Resolve(addr uint64) (int, uint64, error) {
	return 0, addr - r.base, nil
}

func TestRebaseEncoderTerminatesWithDone(t *testing.T) {
	e := NewRebaseEncoder(flatResolver{base: 0x1000})
	e.Add(fixup.RebaseInfo{Type: fixup.RebasePointer, Address: 0x1008})
	e.Add(fixup.RebaseInfo{Type: fixup.RebasePointer, Address: 0x1010})
	out, err := e.Encode()
	require.NoError(t, err)
	require.Equal(t, byte(0x00), out[len(out)-1])
}

func TestBindEncoderEmitsSymbolName(t *testing.T) {
	e := NewBindEncoder(flatResolver{base: 0x2000})
	e.Add(fixup.BindingInfo{Type: fixup.BindPointer, Ordinal: 1, Name: "_foo", Address: 0x2008})
	out, err := e.Encode()
	require.NoError(t, err)
	require.Contains(t, string(out), "_foo")
	require.Equal(t, byte(0x00), out[len(out)-1])
}

func TestLazyBindEncoderReturnsPerEntryOffsets(t *testing.T) {
	e := NewLazyBindEncoder(flatResolver{base: 0x3000})
	e.Add(fixup.LazyBindingInfo{BindingInfo: fixup.BindingInfo{Type: fixup.BindPointer, Ordinal: 1, Name: "_a", Address: 0x3008}})
	e.Add(fixup.LazyBindingInfo{BindingInfo: fixup.BindingInfo{Type: fixup.BindPointer, Ordinal: 1, Name: "_b", Address: 0x3010}})
	out, offsets, err := e.Encode()
	require.NoError(t, err)
	require.Len(t, offsets, 2)
	require.Equal(t, 0, offsets[0])
	require.Less(t, offsets[0], offsets[1])
	require.Equal(t, byte(0x00), out[len(out)-1])
}

func TestSymtabOrderingPutsLocalsBeforeExternals(t *testing.T) {
	strtab := NewStrtabEncoder()
	st := NewSymtabEncoder(true, strtab)
	st.Add(SymtabEntry{Name: "_zzz_undef", Type: types.N_UNDF | types.N_EXT})
	st.Add(SymtabEntry{Name: "_local", Type: types.N_SECT})
	st.Add(SymtabEntry{Name: "_aaa_defined", Type: types.N_SECT | types.N_EXT})
	ordered, _ := st.Ordered()
	require.Equal(t, "_local", ordered[0].Name)
	require.Equal(t, "_aaa_defined", ordered[1].Name)
	require.Equal(t, "_zzz_undef", ordered[2].Name)
}

func TestSymtabEncodeRoundTripsNlist64(t *testing.T) {
	strtab := NewStrtabEncoder()
	st := NewSymtabEncoder(true, strtab)
	st.Add(SymtabEntry{Name: "_main", Type: types.N_SECT | types.N_EXT, Sect: 1, Value: 0x4000})
	out := st.Encode(binary.LittleEndian)
	require.Len(t, out, types.Nlist64Size)
	require.Equal(t, byte(1), out[5], "n_sect")
}

func TestFunctionStartsEncodesZeroDeltaForFirstEntry(t *testing.T) {
	e := NewFunctionStartsEncoder(0x1000)
	e.AddFunction(0x1000)
	e.AddFunction(0x1010)
	out := e.Encode()
	require.Equal(t, byte(0x00), out[0], "first function at the text base encodes as a zero delta")
	require.Equal(t, byte(0x00), out[len(out)-1])
}

func TestRelocationsEncoderPacksBitfields(t *testing.T) {
	e := NewRelocationsEncoder()
	e.Add(RelocationEntry{Address: 0x10, SymbolNum: 3, PCRel: true, Length: 2, Extern: true, Type: 1})
	out := e.Encode(binary.LittleEndian)
	require.Len(t, out, 8)
	bits := binary.LittleEndian.Uint32(out[4:])
	require.Equal(t, uint32(3), bits&0xffffff)
	require.NotZero(t, bits&(1<<24), "pcrel bit")
	require.NotZero(t, bits&(1<<27), "extern bit")
}

func TestLoadCommandsEncoderAddSegment64(t *testing.T) {
	e := NewLoadCommandsEncoder(binary.LittleEndian)
	e.AddSegment64("__TEXT", 0x100000000, 0x1000, 0, 0x1000, 7, 5, 0, []SegmentSection64{
		{SectName: "__text", SegName: "__TEXT", Addr: 0x100000000 + 0x100, Size: 0x10, Offset: 0x100, Align: 4},
	})
	require.Equal(t, uint32(1), e.Count())
	require.NotZero(t, e.Size())
}

