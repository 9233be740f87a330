package input

import (
	"encoding/binary"
	"testing"

	"github.com/apple-oss-distributions/ld64-go/types"
	"github.com/stretchr/testify/require"
)

func machOHeader(order binary.ByteOrder, magic types.Magic, filetype types.HeaderFileType) []byte {
	b := make([]byte, 32)
	order.PutUint32(b[0:], uint32(magic))
	order.PutUint32(b[12:], uint32(filetype))
	return b
}

func TestClassifyObjectFile(t *testing.T) {
	data := machOHeader(binary.LittleEndian, types.Magic64, types.MH_OBJECT)
	kind, err := Classify(data)
	require.NoError(t, err)
	require.Equal(t, KindObject, kind)
}

func TestClassifyDylib(t *testing.T) {
	data := machOHeader(binary.LittleEndian, types.Magic64, types.MH_DYLIB)
	kind, err := Classify(data)
	require.NoError(t, err)
	require.Equal(t, KindDylib, kind)
}

func TestClassifyArchive(t *testing.T) {
	data := append([]byte("!<arch>\n"), make([]byte, 8)...)
	kind, err := Classify(data)
	require.NoError(t, err)
	require.Equal(t, KindArchive, kind)
}

func TestClassifyLTOBitcode(t *testing.T) {
	data := append([]byte("BC\xc0\xde"), make([]byte, 8)...)
	kind, err := Classify(data)
	require.NoError(t, err)
	require.Equal(t, KindLTOBitcode, kind)
}

func TestClassifyUnknown(t *testing.T) {
	_, err := Classify([]byte{0, 1, 2, 3})
	require.Error(t, err)
}

func TestSelectArchSliceExactSubtypeMatch(t *testing.T) {
	// fat header: magic, nfat_arch=2, then two fat_arch entries (20 bytes
	// each, table spans bytes [8,48)), followed by the two archs' payload.
	buf := make([]byte, 8+2*20+4+4)
	binary.BigEndian.PutUint32(buf[0:], uint32(types.MagicFat))
	binary.BigEndian.PutUint32(buf[4:], 2)
	// arch0: cputype=1, cpusubtype=1, offset=48, size=4
	binary.BigEndian.PutUint32(buf[8:], 1)
	binary.BigEndian.PutUint32(buf[12:], 1)
	binary.BigEndian.PutUint32(buf[16:], 48)
	binary.BigEndian.PutUint32(buf[20:], 4)
	// arch1: cputype=1, cpusubtype=2, offset=52, size=4
	binary.BigEndian.PutUint32(buf[28:], 1)
	binary.BigEndian.PutUint32(buf[32:], 2)
	binary.BigEndian.PutUint32(buf[36:], 52)
	binary.BigEndian.PutUint32(buf[40:], 4)
	copy(buf[48:52], []byte{0xAA, 0xAA, 0xAA, 0xAA})
	copy(buf[52:56], []byte{0xBB, 0xBB, 0xBB, 0xBB})

	want := types.CPU(1)
	slice, err := selectArchSlice(buf, &want, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{0xBB, 0xBB, 0xBB, 0xBB}, slice)
}

func TestSelectArchSliceMissingArchitecture(t *testing.T) {
	buf := make([]byte, 8+20+4)
	binary.BigEndian.PutUint32(buf[0:], uint32(types.MagicFat))
	binary.BigEndian.PutUint32(buf[4:], 1)
	binary.BigEndian.PutUint32(buf[8:], 7) // cputype=7 (x86)
	binary.BigEndian.PutUint32(buf[16:], 28)
	binary.BigEndian.PutUint32(buf[20:], 4)

	want := types.CPU(12) // ARM, not present
	_, err := selectArchSlice(buf, &want, 0)
	require.Error(t, err)
}

func TestClientRestrictionAllowsUnrestrictedDylib(t *testing.T) {
	require.True(t, ClientRestriction(&DylibInfo{}, "anything"))
}

func TestClientRestrictionRejectsUnlistedClient(t *testing.T) {
	d := &DylibInfo{AllowableClients: []string{"Foo"}}
	require.False(t, ClientRestriction(d, "Bar"))
	require.True(t, ClientRestriction(d, "Foo"))
}

func TestFindDylibExpandsLoaderPath(t *testing.T) {
	o := NewOrchestrator("")
	_, err := o.FindDylib("@loader_path/libfoo.dylib", "/tmp/nonexistent-dir-xyz", "")
	require.Error(t, err) // file genuinely doesn't exist, but path expansion must not itself error
}

func TestLoadDylibGraphWalksTransitiveDependents(t *testing.T) {
	o := NewOrchestrator("")
	seen := map[string]bool{}
	err := o.LoadDylibGraph([]string{"/usr/lib/libA.dylib"}, func(path string) (*DylibInfo, error) {
		seen[path] = true
		if path == "/usr/lib/libA.dylib" {
			return &DylibInfo{InstallPath: path, Dependents: []string{"/usr/lib/libB.dylib"}}, nil
		}
		return &DylibInfo{InstallPath: path}, nil
	})
	require.NoError(t, err)
	require.True(t, seen["/usr/lib/libB.dylib"])
	_, ok := o.Dylib("/usr/lib/libB.dylib")
	require.True(t, ok)
}
