// Package stress drives an allocator engine through a randomized mix of
// alloc/dealloc calls, logging progress as it goes. It is explicitly out
// of core scope (spec.md §1) but is carried here as ambient domain code,
// grounded on the randomized operation stream the core's original program
// ran for the same purpose.
package stress

import (
	"math/rand/v2"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/Sanek1710/allocator/allocerr"
	"github.com/Sanek1710/allocator/engine"
	"github.com/Sanek1710/allocator/snapshot"
)

// Options configures a Run.
type Options struct {
	// Operations is the total number of alloc/dealloc calls to issue.
	Operations int
	// MinSize and MaxSize bound the uniform distribution of requested
	// sizes, inclusive.
	MinSize, MaxSize uint64
	// AllocChance is the probability, in [0,100), that a given step
	// attempts an allocation rather than a deallocation (when there is
	// anything outstanding to deallocate).
	AllocChance int
	// Aligned routes allocations through AlignAlloc instead of Alloc.
	Aligned bool
	// Tracker, if non-nil, captures a snapshot after every step.
	Tracker *snapshot.Tracker
	// Logger receives progress updates every ProgressEvery steps. A nil
	// Logger disables logging.
	Logger *zap.Logger
	// ProgressEvery controls log frequency; 0 disables progress logging
	// even with a non-nil Logger.
	ProgressEvery int
}

// Result summarizes one Run.
type Result struct {
	Allocs, Deallocs int
	ForcedFrees      int
	Elapsed          time.Duration
}

// Run issues Options.Operations alloc/dealloc calls against e, forcing
// deallocations to make room whenever the engine reports OutOfMemory
// (spec.md §7's driver-side force-free loop).
func Run(e engine.Engine, opts Options) (Result, error) {
	if opts.MaxSize < opts.MinSize {
		return Result{}, errors.New("stress: MaxSize must be >= MinSize")
	}

	var res Result
	start := time.Now()

	addrs := make([]uint64, 0, opts.Operations/2)
	sizeSpan := opts.MaxSize - opts.MinSize + 1

	allocFn := e.Alloc
	if opts.Aligned {
		allocFn = e.AlignAlloc
	}

	for i := 0; i < opts.Operations; i++ {
		wantAlloc := len(addrs) == 0 || rand.IntN(100) < opts.AllocChance

		if wantAlloc {
			size := opts.MinSize + rand.Uint64N(sizeSpan)
			addr, err := allocFn(size)
			if err != nil {
				if !errors.Is(err, allocerr.ErrOutOfMemory) {
					return res, err
				}
				for len(addrs) > 0 && rand.IntN(100) < 50 {
					last := len(addrs) - 1
					if err := e.Dealloc(addrs[last]); err != nil {
						return res, err
					}
					addrs = addrs[:last]
					res.Deallocs++
					res.ForcedFrees++
				}
			} else {
				addrs = append(addrs, addr)
				res.Allocs++
			}
		} else {
			idx := rand.IntN(len(addrs))
			if err := e.Dealloc(addrs[idx]); err != nil {
				return res, err
			}
			addrs[idx] = addrs[len(addrs)-1]
			addrs = addrs[:len(addrs)-1]
			res.Deallocs++
		}

		if opts.Tracker != nil {
			opts.Tracker.Capture(e)
		}

		if opts.Logger != nil && opts.ProgressEvery > 0 && i%opts.ProgressEvery == 0 {
			opts.Logger.Info("stress progress",
				zap.Int("step", i),
				zap.Int("operations", opts.Operations),
				zap.Uint64("total_space", e.TotalSpace()),
				zap.Uint64("free_space", e.FreeSpace()),
				zap.Float64("external_fragmentation", e.ExternalFragmentation()),
			)
		}
	}

	res.Elapsed = time.Since(start)
	if opts.Logger != nil {
		opts.Logger.Info("stress finished",
			zap.Int("allocs", res.Allocs),
			zap.Int("deallocs", res.Deallocs),
			zap.Int("forced_frees", res.ForcedFrees),
			zap.Duration("elapsed", res.Elapsed),
		)
	}
	return res, nil
}
