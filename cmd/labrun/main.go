// Command labrun drives a buddy or TLSF engine through a randomized
// workload and optionally renders the resulting history to a BMP file.
// It replaces the original program's four hardcoded test1..test4
// functions with flags (spec.md §1 scopes CLI wiring out of the core).
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/Sanek1710/allocator/bmpviz"
	"github.com/Sanek1710/allocator/buddy"
	"github.com/Sanek1710/allocator/engine"
	"github.com/Sanek1710/allocator/snapshot"
	"github.com/Sanek1710/allocator/stress"
	"github.com/Sanek1710/allocator/tlsf"
)

func main() {
	var (
		engineName = flag.String("engine", "buddy", "allocator engine: buddy or tlsf")
		capacity   = flag.Uint64("capacity", 1<<20, "simulated address space size in bytes")
		operations = flag.Int("operations", 100000, "number of alloc/dealloc operations to issue")
		minSize    = flag.Uint64("min-size", 1, "minimum request size in bytes")
		maxSize    = flag.Uint64("max-size", 1024, "maximum request size in bytes")
		allocPct   = flag.Int("alloc-chance", 51, "percent chance a step attempts an allocation")
		aligned    = flag.Bool("aligned", false, "use align_alloc instead of alloc")
		outBMP     = flag.String("out", "", "path to write a rendered BMP history (empty disables rendering)")
		progress   = flag.Int("progress-every", 10000, "log progress every N steps (0 disables)")
	)
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, "labrun: failed to build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	var e engine.Engine
	switch *engineName {
	case "buddy":
		e = buddy.New(*capacity)
	case "tlsf":
		e = tlsf.New(*capacity)
	default:
		logger.Error("unknown engine", zap.String("engine", *engineName))
		os.Exit(1)
	}

	var tr *snapshot.Tracker
	if *outBMP != "" {
		tr = &snapshot.Tracker{}
	}

	res, err := stress.Run(e, stress.Options{
		Operations:    *operations,
		MinSize:       *minSize,
		MaxSize:       *maxSize,
		AllocChance:   *allocPct,
		Aligned:       *aligned,
		Tracker:       tr,
		Logger:        logger,
		ProgressEvery: *progress,
	})
	if err != nil {
		logger.Error("run failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("run complete",
		zap.Int("allocs", res.Allocs),
		zap.Int("deallocs", res.Deallocs),
		zap.Int("forced_frees", res.ForcedFrees),
		zap.Duration("elapsed", res.Elapsed),
		zap.Uint64("total_space", e.TotalSpace()),
		zap.Uint64("allocated_space", e.AllocatedSpace()),
		zap.Float64("internal_fragmentation", e.InternalFragmentation()),
		zap.Float64("external_fragmentation", e.ExternalFragmentation()),
		zap.Float64("trimmed_external_fragmentation", e.TrimmedExternalFragmentation()),
	)

	if tr != nil {
		if err := bmpviz.WriteHistory(*outBMP, tr.Snapshots()); err != nil {
			logger.Error("render failed", zap.Error(err))
			os.Exit(1)
		}
		logger.Info("history rendered", zap.String("path", *outBMP))
	}
}
