package fragment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInternal(t *testing.T) {
	t.Parallel()
	require.Equal(t, 0.0, Internal(100, 0))

	// spec.md scenario 5: alloc(17); alloc(40); alloc(48); alloc(56); alloc(31)
	// from a fresh 2048-byte engine -> 64/192.
	wasted := (32 - 17) + (64 - 40) + (64 - 48) + (64 - 56) + (32 - 31)
	requested := 17 + 40 + 48 + 56 + 31
	require.InDelta(t, 64.0/192.0, Internal(uint64(wasted), uint64(requested)), 1e-9)
}

func TestExternal_EmptyFree(t *testing.T) {
	t.Parallel()
	require.Equal(t, 0.0, External(nil, 0, false))
	require.Equal(t, 0.0, External([]SizeClass{{16, 1}}, 0, false))
}

func TestExternal_SingleClassFullySplittable(t *testing.T) {
	t.Parallel()
	// 64 free blocks, all at the smallest class, covering totalFree
	// exactly: no fragmentation.
	classes := []SizeClass{{BlockSize: 16, Count: 64}}
	require.Equal(t, 0.0, External(classes, 1024, false))
}

func TestExternal_LargerBlocksDoNotMutateSmallerClasses(t *testing.T) {
	t.Parallel()
	// Two classes; the larger class augments the smaller one's ratio but
	// must not be permanently folded into classes[0] for the next
	// iteration — verified by checking each class's computation
	// independently produces the documented (non-mutating) result.
	classes := []SizeClass{
		{BlockSize: 16, Count: 0},
		{BlockSize: 32, Count: 4},
	}
	totalFree := uint64(128)

	got := External(classes, totalFree, false)

	// class0: potential=128/16=8, actual=0+4*2=8, ratio=1
	// class1: potential=128/32=4, actual=4, ratio=1
	// mean=1, result=0
	require.InDelta(t, 0.0, got, 1e-9)
}

func TestExternal_CapRatio(t *testing.T) {
	t.Parallel()
	classes := []SizeClass{{BlockSize: 16, Count: 100}}
	totalFree := uint64(160) // potential = 10, actual = 100, ratio = 10 uncapped

	uncapped := External(classes, totalFree, false)
	capped := External(classes, totalFree, true)

	require.InDelta(t, 1-10.0, uncapped, 1e-9)
	require.InDelta(t, 1-1.0, capped, 1e-9)
}
