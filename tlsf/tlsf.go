// Package tlsf implements a Two-Level Segregated Fit allocator over a
// simulated, fixed-capacity virtual address range (spec.md §4.3). Like
// package buddy, it is not goroutine-safe.
//
// Blocks are ordinary Go struct values linked by real pointers for the
// physical chain (prevPhysical) and free lists (nextFree/prevFree); the
// engine additionally indexes every block by its header offset so Dealloc
// can recover a block from the opaque address token a caller holds. This
// keeps the pointer-provenance discipline spec.md §9 asks for without
// unsafe.Pointer arithmetic over a raw byte arena: the engine never backs
// memory with bytes a caller can actually touch.
package tlsf

import (
	"github.com/cockroachdb/errors"

	"github.com/Sanek1710/allocator/allocerr"
	"github.com/Sanek1710/allocator/bitutil"
	"github.com/Sanek1710/allocator/engine"
	"github.com/Sanek1710/allocator/fragment"
)

const (
	// MinBlockSize is the smallest usable (post-header) block size.
	MinBlockSize uint64 = 16

	// HeaderSize is the fixed bookkeeping overhead prepended to every
	// block, a pure accounting quantity: no bytes exist for it.
	HeaderSize uint64 = 16

	// FLIndexCount and SLIndexCount are the first-/second-level index
	// dimensions of the segregated free-list matrix (spec.md §3.3).
	FLIndexCount = 32
	SLIndexCount = 32

	slBits           = 5 // log2(SLIndexCount)
	minBlockSizeLog2 = 4 // bitutil.Ctz(MinBlockSize)
)

// block is one TLSF block header. Only prevPhysical is stored explicitly;
// nextPhysical is derived from offset+HeaderSize+size and recovered through
// the engine's offset index, per spec.md §3.3.
type block struct {
	offset       uint64
	size         uint64 // usable size, excluding the header
	allocated    uint64
	free         bool
	prevPhysical *block
	nextFree     *block
	prevFree     *block
}

// Engine is a TLSF allocator.
type Engine struct {
	total         uint64
	allocatedSize uint64

	byOffset map[uint64]*block

	flBitmap uint32
	slBitmap [FLIndexCount]uint32
	lists    [FLIndexCount][SLIndexCount]*block
}

var _ engine.Engine = (*Engine)(nil)

// New creates a TLSF engine over total bytes (very small spans are bumped
// up to the minimum that can hold one header and one MinBlockSize block).
// The initial state is one free block spanning total-HeaderSize usable
// bytes.
func New(total uint64) *Engine {
	if total < HeaderSize+MinBlockSize {
		total = HeaderSize + MinBlockSize
	}
	e := &Engine{
		total:    total,
		byOffset: make(map[uint64]*block),
	}
	b := &block{offset: 0, size: total - HeaderSize, free: true}
	e.byOffset[0] = b
	e.mappingInsert(b.size, b)
	return e
}

func needFor(n uint64) uint64 {
	need := (n + 7) &^ 7
	if need < MinBlockSize {
		need = MinBlockSize
	}
	return need
}

// indexesForSize computes the exact (fl, sl) pair for size, used by
// mapping_insert/mapping_remove and by the fragmentation-class sweep.
// Sizes beyond the largest bucket clamp into the top bucket (spec.md §9);
// acceptable because total is bounded at construction.
func indexesForSize(size uint64) (fl, sl int) {
	if size < MinBlockSize {
		size = MinBlockSize
	}
	rawFL := bitutil.Fls(size) - 1
	fl = rawFL - minBlockSizeLog2
	if fl < 0 {
		fl = 0
	}
	if fl > FLIndexCount-1 {
		return FLIndexCount - 1, SLIndexCount - 1
	}
	bucketWidth := uint64(1) << uint(fl+minBlockSizeLog2)
	sl = int((size & (bucketWidth - 1)) * uint64(SLIndexCount) / bucketWidth)
	if sl > SLIndexCount-1 {
		sl = SLIndexCount - 1
	}
	return fl, sl
}

// roundedIndexesForSearch applies the search-size rounding rule of
// spec.md §4.3 before indexing, so mapping_find's first hit is guaranteed
// to satisfy the request without a rescan.
func roundedIndexesForSearch(size uint64) (fl, sl int) {
	if size < MinBlockSize {
		size = MinBlockSize
	}
	rawFL := bitutil.Fls(size) - 1
	if rawFL >= slBits {
		round := (uint64(1) << uint(rawFL-slBits)) - 1
		size += round
	}
	return indexesForSize(size)
}

func (e *Engine) mappingInsert(size uint64, b *block) {
	fl, sl := indexesForSize(size)
	b.prevFree = nil
	b.nextFree = e.lists[fl][sl]
	if e.lists[fl][sl] != nil {
		e.lists[fl][sl].prevFree = b
	}
	e.lists[fl][sl] = b
	e.slBitmap[fl] |= 1 << uint(sl)
	e.flBitmap |= 1 << uint(fl)
}

func (e *Engine) mappingRemove(size uint64, b *block) {
	fl, sl := indexesForSize(size)
	if b.prevFree != nil {
		b.prevFree.nextFree = b.nextFree
	} else {
		e.lists[fl][sl] = b.nextFree
	}
	if b.nextFree != nil {
		b.nextFree.prevFree = b.prevFree
	}
	b.nextFree = nil
	b.prevFree = nil

	if e.lists[fl][sl] == nil {
		e.slBitmap[fl] &^= 1 << uint(sl)
		if e.slBitmap[fl] == 0 {
			e.flBitmap &^= 1 << uint(fl)
		}
	}
}

// mappingFind returns a free block whose size is at least size: the head of
// the lowest non-empty list at or above size's rounded class. The rounding
// can skip the class that holds size itself, so when nothing is found above
// it, that class's list is scanned for a block that is large enough.
func (e *Engine) mappingFind(size uint64) (*block, bool) {
	fl, sl := roundedIndexesForSearch(size)

	if slCandidates := e.slBitmap[fl] & (^uint32(0) << uint(sl)); slCandidates != 0 {
		foundSL := bitutil.Ffs(uint64(slCandidates)) - 1
		if b := e.lists[fl][foundSL]; b != nil {
			return b, true
		}
	}

	flCandidates := e.flBitmap & (^uint32(0) << uint(fl+1))
	if flCandidates == 0 {
		exactFL, exactSL := indexesForSize(size)
		for b := e.lists[exactFL][exactSL]; b != nil; b = b.nextFree {
			if b.size >= size {
				return b, true
			}
		}
		return nil, false
	}
	foundFL :=bitutil.Ffs(uint64(flCandidates)) - 1
	foundSL := bitutil.Ffs(uint64(e.slBitmap[foundFL])) - 1
	b := e.lists[foundFL][foundSL]
	if b == nil {
		return nil, false
	}
	return b, true
}

func (e *Engine) nextPhysical(b *block) (*block, bool) {
	nextOffset := b.offset + HeaderSize + b.size
	if nextOffset >= e.total {
		return nil, false
	}
	nb, ok := e.byOffset[nextOffset]
	return nb, ok
}

// splitBlock carves a trailing free block off b once b.size exceeds need
// by at least one more header and MinBlockSize worth of bytes (spec.md
// §4.3 step 4).
func (e *Engine) splitBlock(b *block, need uint64) {
	if b.size <= need || b.size-need < MinBlockSize+HeaderSize {
		return
	}
	newOffset := b.offset + HeaderSize + need
	newSize := b.size - need - HeaderSize

	nb := &block{offset: newOffset, size: newSize, free: true, prevPhysical: b}
	e.byOffset[newOffset] = nb
	if nxt, ok := e.nextPhysical(nb); ok {
		nxt.prevPhysical = nb
	}
	e.mappingInsert(nb.size, nb)

	b.size = need
}

// Alloc reserves n bytes. Alloc(0) returns 0 without mutating state.
func (e *Engine) Alloc(n uint64) (uint64, error) {
	if n == 0 {
		return 0, nil
	}
	need := needFor(n)

	b, ok := e.mappingFind(need)
	if !ok {
		return 0, errors.Wrapf(allocerr.ErrOutOfMemory, "tlsf: no free block of at least %d bytes", need)
	}
	e.mappingRemove(b.size, b)
	e.splitBlock(b, need)

	b.free = false
	b.allocated = n
	e.allocatedSize += n
	return b.offset, nil
}

// AlignAlloc reserves n bytes such that the returned header offset's usable
// region starts at a multiple of the rounded allocation size. When the found
// candidate is not already aligned, the aligned start is moved forward by
// whole multiples of that size until the leading slack can hold a free block
// of its own, and the slack is carved off as that block (spec.md §4.3's
// head-carve step). If the candidate is too small to hold both the leading
// block and the request, it is used unaligned; no larger block is searched
// for.
func (e *Engine) AlignAlloc(n uint64) (uint64, error) {
	if n == 0 {
		return 0, nil
	}
	need := needFor(n)

	b, ok := e.mappingFind(need)
	if !ok {
		return 0, errors.Wrapf(allocerr.ErrOutOfMemory, "tlsf: no free block of at least %d bytes", need)
	}
	e.mappingRemove(b.size, b)

	dataStart := b.offset + HeaderSize
	alignedDataStart := ceilMultiple(dataStart, need)
	alignedHeaderOffset := alignedDataStart - HeaderSize

	if alignedHeaderOffset != b.offset {
		for alignedHeaderOffset-b.offset < MinBlockSize+HeaderSize {
			alignedHeaderOffset += need
		}
		slack := alignedHeaderOffset - b.offset
		if slack+need <= b.size {
			remainderSize := b.size - slack
			leading := &block{offset: b.offset, size: slack - HeaderSize, free: true, prevPhysical: b.prevPhysical}
			e.byOffset[leading.offset] = leading
			e.mappingInsert(leading.size, leading)

			aligned := &block{offset: alignedHeaderOffset, size: remainderSize, free: true, prevPhysical: leading}
			if nxt, ok := e.nextPhysical(b); ok {
				nxt.prevPhysical = aligned
			}
			e.byOffset[alignedHeaderOffset] = aligned

			b = aligned
		}
	}

	e.splitBlock(b, need)

	b.free = false
	b.allocated = n
	e.allocatedSize += n
	return b.offset, nil
}

func ceilMultiple(x, m uint64) uint64 {
	return (x + m - 1) / m * m
}

// Dealloc releases the block at addr, then coalesces with the next and
// previous physical blocks if they are free (spec.md §4.3 steps 5-7).
func (e *Engine) Dealloc(addr uint64) error {
	b, ok := e.byOffset[addr]
	if !ok {
		return errors.Wrapf(allocerr.ErrInvalidFree, "tlsf: offset %d is not a block start", addr)
	}
	if b.size < MinBlockSize || b.size > e.total || b.allocated > b.size {
		return errors.Wrapf(allocerr.ErrInvalidFree, "tlsf: corrupted header at offset %d", addr)
	}
	if b.free {
		return errors.Wrapf(allocerr.ErrDoubleFree, "tlsf: offset %d", addr)
	}

	e.allocatedSize -= b.allocated
	b.free = true
	b.allocated = 0

	if nxt, ok := e.nextPhysical(b); ok && nxt.free {
		e.mappingRemove(nxt.size, nxt)
		delete(e.byOffset, nxt.offset)
		b.size += HeaderSize + nxt.size
		if after, ok := e.nextPhysical(b); ok {
			after.prevPhysical = b
		}
	}

	if prev := b.prevPhysical; prev != nil && prev.free {
		e.mappingRemove(prev.size, prev)
		delete(e.byOffset, b.offset)
		prev.size += HeaderSize + b.size
		if after, ok := e.nextPhysical(prev); ok {
			after.prevPhysical = prev
		}
		b = prev
	}

	e.mappingInsert(b.size, b)
	return nil
}

// TotalSpace returns the capacity of the simulated span (including header
// overhead).
func (e *Engine) TotalSpace() uint64 { return e.total }

// AllocatedSpace returns the sum of requested bytes currently outstanding.
func (e *Engine) AllocatedSpace() uint64 { return e.allocatedSize }

// FreeSpace returns TotalSpace - AllocatedSpace.
func (e *Engine) FreeSpace() uint64 { return e.total - e.allocatedSize }

// walk traverses the physical chain from offset 0, stopping at the first
// out-of-bounds or corrupted header, per spec.md §4.5's capture contract.
func (e *Engine) walk() []*block {
	var out []*block
	offset := uint64(0)
	for offset < e.total {
		b, ok := e.byOffset[offset]
		if !ok || b.size < MinBlockSize || b.size > e.total || b.allocated > b.size {
			break
		}
		out = append(out, b)
		next := offset + HeaderSize + b.size
		if next <= offset {
			break
		}
		offset = next
	}
	return out
}

// InternalFragmentation returns the wasted-per-requested-byte ratio.
func (e *Engine) InternalFragmentation() float64 {
	if e.allocatedSize == 0 {
		return 0
	}
	var wasted uint64
	for _, b := range e.walk() {
		if !b.free {
			wasted += b.size - b.allocated
		}
	}
	return fragment.Internal(wasted, e.allocatedSize)
}

// ExternalFragmentation returns the weighted free-size-class discrepancy
// ratio over the whole span, with per-class ratios capped at 1 (spec.md
// §4.4's "TLSF variant").
func (e *Engine) ExternalFragmentation() float64 {
	classes, totalFree := e.freeHistogram(0)
	return fragment.External(classes, totalFree, true)
}

// TrimmedExternalFragmentation restricts ExternalFragmentation to the
// prefix of the address space strictly below the highest address still in
// use by any live allocation.
func (e *Engine) TrimmedExternalFragmentation() float64 {
	classes, totalFree := e.freeHistogram(e.lastAllocatedEnd())
	return fragment.External(classes, totalFree, true)
}

func (e *Engine) lastAllocatedEnd() uint64 {
	var last uint64
	for _, b := range e.walk() {
		if !b.free {
			if end := b.offset + HeaderSize + b.size; end > last {
				last = end
			}
		}
	}
	return last
}

// freeHistogram buckets free blocks by first-level index (spec.md §4.4:
// "TLSF: same fl"), stopping before maxOffset when nonzero.
func (e *Engine) freeHistogram(maxOffset uint64) ([]fragment.SizeClass, uint64) {
	classes := make([]fragment.SizeClass, FLIndexCount)
	for i := range classes {
		classes[i].BlockSize = MinBlockSize << uint(i)
	}

	var totalFree uint64
	for _, b := range e.walk() {
		if maxOffset != 0 && b.offset >= maxOffset {
			break
		}
		if b.free {
			fl, _ := indexesForSize(b.size)
			classes[fl].Count++
			totalFree += b.size
		}
	}
	return classes, totalFree
}

// Blocks returns every block, ascending by address (the physical chain is
// already address-ordered).
func (e *Engine) Blocks() []engine.BlockView {
	blocks := e.walk()
	views := make([]engine.BlockView, 0, len(blocks))
	for _, b := range blocks {
		var waste float64
		if !b.free && b.size > 0 {
			waste = float64(b.size-b.allocated) / float64(b.size)
		}
		views = append(views, engine.BlockView{
			Address:    b.offset,
			Size:       b.size,
			Free:       b.free,
			Allocated:  b.allocated,
			WasteRatio: waste,
		})
	}
	return views
}
