// Package buddy implements a binary buddy allocator over a simulated,
// fixed-capacity virtual address range (spec.md §4.2). It is not
// goroutine-safe: callers must serialize Alloc/AlignAlloc/Dealloc and the
// statistics methods.
package buddy

import (
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/Sanek1710/allocator/allocerr"
	"github.com/Sanek1710/allocator/bitutil"
	"github.com/Sanek1710/allocator/engine"
	"github.com/Sanek1710/allocator/fragment"
)

// MinBlockSize is the smallest block the engine will ever produce.
const MinBlockSize uint64 = 16

// block is one entry of the ordered block map: the address is the map key,
// kept in the block struct too so a *block is self-describing once pulled
// out of the map during a scan.
type block struct {
	address   uint64
	size      uint64
	allocated uint64
	free      bool
}

// Engine is a binary buddy allocator. The zero value is not usable; use
// New.
type Engine struct {
	total         uint64
	allocatedSize uint64

	// blocks maps address -> block for O(1) lookup by address (Dealloc,
	// buddy lookup). addrs holds the same keys kept sorted ascending so
	// Alloc can emulate first-fit-by-address scanning (spec.md §9 option
	// b) without relying on Go's unordered map iteration.
	blocks map[uint64]*block
	addrs  []uint64
}

var _ engine.Engine = (*Engine)(nil)

// New creates a buddy engine over a span of total bytes, rounded up to the
// next power of two. The initial state is one free block covering the
// whole span.
func New(total uint64) *Engine {
	size := bitutil.NextPow2(total)
	if size < MinBlockSize {
		size = MinBlockSize
	}
	e := &Engine{
		total:  size,
		blocks: make(map[uint64]*block),
	}
	e.insertBlock(0, size, true, 0)
	return e
}

// insertAddrSorted inserts addr into the sorted addrs slice. Callers are
// responsible for addr not already being present.
func (e *Engine) insertAddrSorted(addr uint64) {
	i := sort.Search(len(e.addrs), func(i int) bool { return e.addrs[i] >= addr })
	e.addrs = append(e.addrs, 0)
	copy(e.addrs[i+1:], e.addrs[i:])
	e.addrs[i] = addr
}

func (e *Engine) insertBlock(addr, size uint64, free bool, allocated uint64) *block {
	b := &block{address: addr, size: size, free: free, allocated: allocated}
	e.blocks[addr] = b
	e.insertAddrSorted(addr)
	return b
}

func (e *Engine) removeBlock(addr uint64) {
	delete(e.blocks, addr)
	i := sort.Search(len(e.addrs), func(i int) bool { return e.addrs[i] >= addr })
	if i < len(e.addrs) && e.addrs[i] == addr {
		e.addrs = append(e.addrs[:i], e.addrs[i+1:]...)
	}
}

// findFit scans the block map in ascending-address order and returns the
// first free block whose size is at least need (spec.md §4.2 first-fit).
func (e *Engine) findFit(need uint64) (*block, bool) {
	for _, addr := range e.addrs {
		b := e.blocks[addr]
		if b.free && b.size >= need {
			return b, true
		}
	}
	return nil, false
}

// splitToSize halves b in place, inserting the discarded upper halves as
// free blocks, until b.size equals need (or hits MinBlockSize).
func (e *Engine) splitToSize(b *block, need uint64) {
	for b.size > need && b.size > MinBlockSize {
		half := b.size / 2
		e.insertBlock(b.address+half, half, true, 0)
		b.size = half
	}
}

func needFor(n uint64) uint64 {
	need := bitutil.NextPow2(n)
	if need < MinBlockSize {
		need = MinBlockSize
	}
	return need
}

// Alloc reserves n bytes. Alloc(0) returns 0 without mutating state.
func (e *Engine) Alloc(n uint64) (uint64, error) {
	if n == 0 {
		return 0, nil
	}
	need := needFor(n)

	b, ok := e.findFit(need)
	if !ok {
		return 0, errors.Wrapf(allocerr.ErrOutOfMemory, "buddy: no free block of at least %d bytes", need)
	}

	e.splitToSize(b, need)

	b.free = false
	b.allocated = n
	e.allocatedSize += n
	return b.address, nil
}

// AlignAlloc reserves n bytes such that the returned address is a multiple
// of the rounded allocation size. Per spec.md §4.2/§9: every free block in
// a pure power-of-two buddy scheme is already aligned to its own size, and
// since the requested size is itself always rounded to a power of two no
// greater than the candidate block's size, the candidate's address is
// already a multiple of the requested size (a power-of-two divides another
// power-of-two that is a multiple of it). The discard-prefix branch below
// exists for fidelity with the general algorithm the spec describes, but
// is unreachable for any size this engine ever requests; it is guarded so
// it can never fabricate a non-power-of-two block.
func (e *Engine) AlignAlloc(n uint64) (uint64, error) {
	if n == 0 {
		return 0, nil
	}
	need := needFor(n)

	b, ok := e.findFit(need)
	if !ok {
		return 0, errors.Wrapf(allocerr.ErrOutOfMemory, "buddy: no free block of at least %d bytes", need)
	}

	grid := ceilMultiple(b.address, need)
	if grid != b.address {
		if grid+need > b.address+b.size {
			return 0, errors.Wrapf(allocerr.ErrOutOfMemory, "buddy: no naturally aligned slot for %d bytes", need)
		}
		for b.address != grid {
			half := b.size / 2
			oldAddr := b.address
			newAddr := oldAddr + half

			// The discarded lower half keeps oldAddr's slot in both the
			// map and the (already sorted, unchanged) addrs slice.
			e.blocks[oldAddr] = &block{address: oldAddr, size: half, free: true}

			b.address = newAddr
			b.size = half
			e.blocks[newAddr] = b
			e.insertAddrSorted(newAddr)
		}
	}

	e.splitToSize(b, need)

	b.free = false
	b.allocated = n
	e.allocatedSize += n
	return b.address, nil
}

func ceilMultiple(addr, need uint64) uint64 {
	return (addr + need - 1) / need * need
}

// Dealloc releases the block at addr, then coalesces with its buddy
// repeatedly until no further merge is possible.
func (e *Engine) Dealloc(addr uint64) error {
	b, ok := e.blocks[addr]
	if !ok || b.free {
		return errors.Wrapf(allocerr.ErrInvalidFree, "buddy: address %d", addr)
	}

	e.allocatedSize -= b.allocated
	b.free = true
	b.allocated = 0

	for b.size < e.total {
		buddyAddr := b.address ^ b.size
		buddy, ok := e.blocks[buddyAddr]
		if !ok || !buddy.free || buddy.size != b.size {
			break
		}

		if buddyAddr < b.address {
			e.removeBlock(b.address)
			buddy.size *= 2
			b = buddy
		} else {
			e.removeBlock(buddy.address)
			b.size *= 2
		}
	}
	return nil
}

// TotalSpace returns the capacity of the simulated span.
func (e *Engine) TotalSpace() uint64 { return e.total }

// AllocatedSpace returns the sum of requested bytes currently outstanding.
func (e *Engine) AllocatedSpace() uint64 { return e.allocatedSize }

// FreeSpace returns TotalSpace - AllocatedSpace.
func (e *Engine) FreeSpace() uint64 { return e.total - e.allocatedSize }

// InternalFragmentation returns the wasted-per-requested-byte ratio.
func (e *Engine) InternalFragmentation() float64 {
	if e.allocatedSize == 0 {
		return 0
	}
	var wasted uint64
	for _, addr := range e.addrs {
		b := e.blocks[addr]
		if !b.free {
			wasted += b.size - b.allocated
		}
	}
	return fragment.Internal(wasted, e.allocatedSize)
}

// ExternalFragmentation returns the weighted free-size-class discrepancy
// ratio over the whole span.
func (e *Engine) ExternalFragmentation() float64 {
	classes, totalFree := e.freeHistogram(0)
	return fragment.External(classes, totalFree, false)
}

// TrimmedExternalFragmentation restricts ExternalFragmentation to the
// prefix of the address space strictly below the highest address still in
// use by any live allocation.
func (e *Engine) TrimmedExternalFragmentation() float64 {
	classes, totalFree := e.freeHistogram(e.lastAllocatedEnd())
	return fragment.External(classes, totalFree, false)
}

func (e *Engine) lastAllocatedEnd() uint64 {
	var last uint64
	for _, addr := range e.addrs {
		b := e.blocks[addr]
		if !b.free {
			if end := b.address + b.size; end > last {
				last = end
			}
		}
	}
	return last
}

// freeHistogram buckets free blocks by size class (log2(size)-log2(MIN)),
// stopping at maxAddr (exclusive) when maxAddr != 0, matching the
// trimmed-vs-untrimmed convention of the source this was distilled from:
// maxAddr == 0 means "no trim", which happens to coincide with the
// trimmed view when nothing has ever been allocated.
func (e *Engine) freeHistogram(maxAddr uint64) ([]fragment.SizeClass, uint64) {
	numClasses := bitutil.Log2Floor(e.total) - bitutil.Log2Floor(MinBlockSize) + 1
	classes := make([]fragment.SizeClass, numClasses)
	for i := range classes {
		classes[i].BlockSize = MinBlockSize << uint(i)
	}

	var totalFree uint64
	for _, addr := range e.addrs {
		if maxAddr != 0 && addr >= maxAddr {
			break
		}
		b := e.blocks[addr]
		if b.free {
			idx := bitutil.Log2Floor(b.size) - bitutil.Log2Floor(MinBlockSize)
			classes[idx].Count++
			totalFree += b.size
		}
	}
	return classes, totalFree
}

// Blocks returns every block, ascending by address.
func (e *Engine) Blocks() []engine.BlockView {
	views := make([]engine.BlockView, 0, len(e.addrs))
	for _, addr := range e.addrs {
		b := e.blocks[addr]
		var waste float64
		if !b.free && b.size > 0 {
			waste = float64(b.size-b.allocated) / float64(b.size)
		}
		views = append(views, engine.BlockView{
			Address:    b.address,
			Size:       b.size,
			Free:       b.free,
			Allocated:  b.allocated,
			WasteRatio: waste,
		})
	}
	return views
}
