package atom

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAlignmentSatisfies(t *testing.T) {
	a := Alignment{Power: 4, Modulus: 0} // 16-byte aligned
	require.True(t, a.Satisfies(0x1000))
	require.False(t, a.Satisfies(0x1001))
	require.True(t, a.Satisfies(a.Align(0x1001)))
}

func TestAlignmentWithModulus(t *testing.T) {
	a := Alignment{Power: 3, Modulus: 4} // addr mod 8 == 4
	for addr := uint64(0); addr < 64; addr++ {
		aligned := a.Align(addr)
		require.True(t, a.Satisfies(aligned), "addr=%d aligned=%d", addr, aligned)
		require.GreaterOrEqual(t, aligned, addr)
	}
}

func TestBindingTableRebind(t *testing.T) {
	table := NewBindingTable()
	a := &Atom{Name: "_foo"}
	b := &Atom{Name: "_foo_weak_survivor"}

	slot := table.Append(a)
	require.Same(t, a, table.Get(slot))

	table.Rebind(slot, b)
	require.Same(t, b, table.Get(slot))
}

func TestClusterPos(t *testing.T) {
	c := ClusterPos{N: 1, M: 3}
	require.True(t, c.First())
	require.False(t, c.Last())
	require.Equal(t, "k1of3", c.String())
}
