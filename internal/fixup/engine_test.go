package fixup

import (
	"encoding/binary"
	"testing"

	"github.com/apple-oss-distributions/ld64-go/internal/archfam"
	"github.com/apple-oss-distributions/ld64-go/internal/atom"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct{}

func (fakeResolver) SectionOffsetOf(addr uint64) (uint64, error) { return addr, nil }
func (fakeResolver) TLVTemplateOffsetOf(addr uint64) uint64      { return addr }

// S6: x86_64 GOT-load rewritten to LEA when the target is local.
func TestGOTLoadRewrittenToLEA(t *testing.T) {
	binding := atom.NewBindingTable()
	target := &atom.Atom{Name: "_g", FinalAddress: 0x2000}
	slot := binding.Append(target)

	caller := &atom.Atom{
		Name:         "_f",
		FinalAddress: 0x1000,
		Size:         7,
		Fixups: []atom.Fixup{
			{OffsetInAtom: 3, Cluster: atom.ClusterPos{N: 1, M: 2}, Kind: SetTargetAddress, Binding: atom.IndirectlyBound, BindingIndex: slot},
			{OffsetInAtom: 3, Cluster: atom.ClusterPos{N: 2, M: 2}, Kind: StoreX86PCRel32GOTLoadNowLEA},
		},
	}

	// movq _g@GOTPCREL(%rip), %rax  ->  48 8B 05 <disp32>
	buf := []byte{0x48, 0x8B, 0x05, 0x00, 0x00, 0x00, 0x00}

	e := NewEngine(binding, fakeResolver{}, binary.LittleEndian, archfam.X86)
	require.NoError(t, e.Apply(caller, buf))

	require.Equal(t, byte(0x8D), buf[1], "opcode should be rewritten from 0x8B to 0x8D (leaq)")
	disp := int32(binary.LittleEndian.Uint32(buf[3:]))
	require.Equal(t, int32(0x2000-(0x1000+7)), disp)
}

func TestGOTLoadRewriteFailsOnUnexpectedOpcode(t *testing.T) {
	binding := atom.NewBindingTable()
	target := &atom.Atom{Name: "_g", FinalAddress: 0x2000}
	slot := binding.Append(target)

	caller := &atom.Atom{
		Name: "_f", FinalAddress: 0x1000, Size: 7,
		Fixups: []atom.Fixup{
			{OffsetInAtom: 3, Cluster: atom.ClusterPos{N: 1, M: 1}, Kind: StoreX86PCRel32GOTLoadNowLEA, Binding: atom.IndirectlyBound, BindingIndex: slot},
		},
	}
	buf := []byte{0x48, 0xFF, 0x05, 0x00, 0x00, 0x00, 0x00}

	e := NewEngine(binding, fakeResolver{}, binary.LittleEndian, archfam.X86)
	require.Error(t, e.Apply(caller, buf))
}

// A Thumb branch to a Thumb target is encoded as bl (bit 12 of the second
// halfword set), not blx.
func TestThumbBranchToThumbTarget(t *testing.T) {
	binding := atom.NewBindingTable()
	target := &atom.Atom{Name: "_target", FinalAddress: 0x1000 + 0x1200, Thumb: true}
	slot := binding.Append(target)

	caller := &atom.Atom{
		Name: "_caller", FinalAddress: 0x1000, Size: 4,
		Fixups: []atom.Fixup{
			{OffsetInAtom: 0, Cluster: atom.ClusterPos{N: 1, M: 2}, Kind: SetTargetAddress, Binding: atom.IndirectlyBound, BindingIndex: slot},
			{OffsetInAtom: 0, Cluster: atom.ClusterPos{N: 2, M: 2}, Kind: StoreThumbBranch22},
		},
	}
	buf := make([]byte, 4)

	e := NewEngine(binding, fakeResolver{}, binary.LittleEndian, archfam.X86)
	require.NoError(t, e.Apply(caller, buf))

	lo := binary.LittleEndian.Uint16(buf[2:])
	require.NotZero(t, lo&(1<<12), "bl (to-thumb) should set the H bit distinguishing it from blx")
}

func TestStoreX86PCRel32RangeCheck(t *testing.T) {
	binding := atom.NewBindingTable()
	target := &atom.Atom{Name: "_g", FinalAddress: 0}
	slot := binding.Append(target)

	caller := &atom.Atom{
		Name: "_f", FinalAddress: 1 << 40, Size: 4,
		Fixups: []atom.Fixup{
			{OffsetInAtom: 0, Cluster: atom.ClusterPos{N: 1, M: 2}, Kind: SetTargetAddress, Binding: atom.IndirectlyBound, BindingIndex: slot},
			{OffsetInAtom: 0, Cluster: atom.ClusterPos{N: 2, M: 2}, Kind: StoreX86PCRel32},
		},
	}
	buf := make([]byte, 4)
	e := NewEngine(binding, fakeResolver{}, binary.LittleEndian, archfam.X86)
	require.Error(t, e.Apply(caller, buf))
}

func TestStoreLittleEndian32(t *testing.T) {
	binding := atom.NewBindingTable()
	a := &atom.Atom{
		Name: "_x", Size: 4,
		Fixups: []atom.Fixup{
			{OffsetInAtom: 0, Cluster: atom.ClusterPos{N: 1, M: 2}, Kind: AddAddend, Addend: 0x42},
			{OffsetInAtom: 0, Cluster: atom.ClusterPos{N: 2, M: 2}, Kind: StoreLittleEndian32},
		},
	}
	buf := make([]byte, 4)
	e := NewEngine(binding, fakeResolver{}, binary.LittleEndian, archfam.X86)
	require.NoError(t, e.Apply(a, buf))
	require.Equal(t, uint32(0x42), binary.LittleEndian.Uint32(buf))
}

// Dtrace patch bytes must follow the atom's own architecture, not a
// fixed x86 default; ARM and PPC targets get their own NOP/zero-clear
// idioms.
func TestDtracePatchesAreArchitectureSpecific(t *testing.T) {
	binding := atom.NewBindingTable()
	a := &atom.Atom{
		Name: "_probe", Size: 4,
		Fixups: []atom.Fixup{
			{OffsetInAtom: 0, Cluster: atom.ClusterPos{N: 1, M: 1}, Kind: DtracePatchZeroClear},
		},
	}
	buf := make([]byte, 4)
	e := NewEngine(binding, fakeResolver{}, binary.LittleEndian, archfam.ARM)
	require.NoError(t, e.Apply(a, buf))
	require.Equal(t, archfam.ARM.DtraceIsEnabledClear(), buf)
	require.NotEqual(t, archfam.X86.DtraceIsEnabledClear(), buf)
}
