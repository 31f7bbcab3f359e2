package buddy

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/Sanek1710/allocator/allocerr"
)

func TestFreshEngine(t *testing.T) {
	t.Parallel()
	e := New(1024)

	require.Equal(t, uint64(1024), e.TotalSpace())
	require.Equal(t, uint64(1024), e.FreeSpace())
	require.Equal(t, uint64(0), e.AllocatedSpace())
	require.Equal(t, 0.0, e.InternalFragmentation())
	require.Equal(t, 0.0, e.ExternalFragmentation())

	blocks := e.Blocks()
	require.Len(t, blocks, 1)
	require.Equal(t, uint64(0), blocks[0].Address)
	require.Equal(t, uint64(1024), blocks[0].Size)
	require.True(t, blocks[0].Free)
}

func TestNewRoundsUpToPowerOfTwo(t *testing.T) {
	t.Parallel()
	e := New(1000)
	require.Equal(t, uint64(1024), e.TotalSpace())
}

// spec.md §8 scenarios 2-4, total=1024, MIN_BLOCK_SIZE=16.
func TestSpecScenario_SplitAndMerge(t *testing.T) {
	t.Parallel()
	e := New(1024)

	a, err := e.Alloc(100)
	require.NoError(t, err)
	require.Equal(t, uint64(0), a)

	blockAt := func(addr uint64) (uint64, bool) {
		for _, b := range e.Blocks() {
			if b.Address == addr {
				return b.Size, b.Free
			}
		}
		return 0, false
	}

	size, free := blockAt(0)
	require.Equal(t, uint64(128), size)
	require.False(t, free)
	// FreeSpace = TotalSpace - AllocatedSpace, where AllocatedSpace sums
	// requested (not block) bytes per spec.md §3.2/§6 — see DESIGN.md for
	// why this departs from the illustrative 896 figure in spec.md §8.
	require.Equal(t, uint64(924), e.FreeSpace())

	wantSizes := map[uint64]uint64{128: 128, 256: 256, 512: 512}
	for addr, wantSize := range wantSizes {
		size, free := blockAt(addr)
		require.True(t, free, "buddy at %d should be free", addr)
		require.Equal(t, wantSize, size, "buddy at %d", addr)
	}

	b, err := e.Alloc(50)
	require.NoError(t, err)
	require.Equal(t, uint64(128), b)
	s, _ := blockAt(128)
	require.Equal(t, uint64(64), s)

	require.NoError(t, e.Dealloc(a))
	require.NoError(t, e.Dealloc(b))

	blocks := e.Blocks()
	require.Len(t, blocks, 1)
	require.Equal(t, uint64(0), blocks[0].Address)
	require.Equal(t, uint64(1024), blocks[0].Size)
	require.True(t, blocks[0].Free)
	require.Equal(t, uint64(1024), e.FreeSpace())
}

// spec.md §8 scenario 5.
func TestSpecScenario_InternalFragmentation(t *testing.T) {
	t.Parallel()
	e := New(2048)

	for _, n := range []uint64{17, 40, 48, 56, 31} {
		_, err := e.Alloc(n)
		require.NoError(t, err)
	}

	require.InDelta(t, 64.0/192.0, e.InternalFragmentation(), 1e-9)
}

func TestAllocZero(t *testing.T) {
	t.Parallel()
	e := New(1024)
	addr, err := e.Alloc(0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), addr)
	require.Equal(t, uint64(1024), e.FreeSpace())
	require.Len(t, e.Blocks(), 1)
}

func TestAllocOneRoundsToMinBlockSize(t *testing.T) {
	t.Parallel()
	e := New(1024)
	addr, err := e.Alloc(1)
	require.NoError(t, err)
	require.Equal(t, uint64(0), addr)
	for _, b := range e.Blocks() {
		if b.Address == 0 {
			require.Equal(t, MinBlockSize, b.Size)
		}
	}
}

func TestAllocWholeSpanThenOutOfMemory(t *testing.T) {
	t.Parallel()
	e := New(1024)
	addr, err := e.Alloc(1024)
	require.NoError(t, err)
	require.Equal(t, uint64(0), addr)

	_, err = e.Alloc(1)
	require.True(t, errors.Is(err, allocerr.ErrOutOfMemory))
}

func TestDeallocInvalidAddress(t *testing.T) {
	t.Parallel()
	e := New(1024)
	err := e.Dealloc(999)
	require.True(t, errors.Is(err, allocerr.ErrInvalidFree))
}

func TestDoubleFreeIsInvalidFree(t *testing.T) {
	t.Parallel()
	e := New(1024)
	addr, err := e.Alloc(100)
	require.NoError(t, err)
	require.NoError(t, e.Dealloc(addr))
	err = e.Dealloc(addr)
	require.True(t, errors.Is(err, allocerr.ErrInvalidFree))
}

func TestAlignAllocDegeneratesToAlloc(t *testing.T) {
	t.Parallel()
	e1 := New(4096)
	e2 := New(4096)

	var addrs1, addrs2 []uint64
	sizes := []uint64{10, 200, 33, 700, 1, 511}
	for _, n := range sizes {
		a1, err := e1.Alloc(n)
		require.NoError(t, err)
		a2, err := e2.AlignAlloc(n)
		require.NoError(t, err)
		addrs1 = append(addrs1, a1)
		addrs2 = append(addrs2, a2)
	}
	require.Equal(t, addrs1, addrs2)
	require.Equal(t, e1.Blocks(), e2.Blocks())
}

func TestAlignAllocReturnsPowerOfTwoAlignedAddress(t *testing.T) {
	t.Parallel()
	e := New(8192)
	for _, n := range []uint64{3, 17, 100, 129, 1000, 2000} {
		addr, err := e.AlignAlloc(n)
		require.NoError(t, err)
		need := needFor(n)
		require.Zerof(t, addr%need, "addr=%d need=%d", addr, need)
	}
}

// spec.md §8: round-trip idempotence.
func TestAllocDeallocRoundTrip(t *testing.T) {
	t.Parallel()
	e := New(4096)
	before := snapshotState(e)

	addr, err := e.Alloc(123)
	require.NoError(t, err)
	require.NoError(t, e.Dealloc(addr))

	after := snapshotState(e)
	require.Equal(t, before, after)
}

type state struct {
	free   uint64
	intern float64
	extern float64
	blocks int
}

func snapshotState(e *Engine) state {
	return state{
		free:   e.FreeSpace(),
		intern: e.InternalFragmentation(),
		extern: e.ExternalFragmentation(),
		blocks: len(e.Blocks()),
	}
}

// spec.md §8: no two free blocks are adjacent as buddies after any dealloc.
func TestNoAdjacentFreeBuddiesAfterDealloc(t *testing.T) {
	t.Parallel()
	e := New(4096)
	var addrs []uint64
	for _, n := range []uint64{16, 32, 64, 128, 16, 32} {
		a, err := e.Alloc(n)
		require.NoError(t, err)
		addrs = append(addrs, a)
	}
	for _, a := range addrs {
		require.NoError(t, e.Dealloc(a))
	}

	blocks := e.Blocks()
	for _, b := range blocks {
		if !b.Free || b.Size >= e.TotalSpace() {
			continue
		}
		buddyAddr := b.Address ^ b.Size
		for _, other := range blocks {
			if other.Address == buddyAddr {
				require.Falsef(t, other.Free && other.Size == b.Size,
					"buddy pair at %d/%d both free after dealloc", b.Address, buddyAddr)
			}
		}
	}
}

func TestBlockAddressesAreMultiplesOfSize(t *testing.T) {
	t.Parallel()
	e := New(4096)
	for _, n := range []uint64{7, 99, 513, 40} {
		_, err := e.Alloc(n)
		require.NoError(t, err)
	}
	for _, b := range e.Blocks() {
		require.Zerof(t, b.Address%b.Size, "block at %d size %d not naturally aligned", b.Address, b.Size)
	}
}
