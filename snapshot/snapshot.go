// Package snapshot records the block layout of an allocator engine after
// operations of interest, for later consumption by a renderer (spec.md
// §3.4/§4.5). Unlike the process this was distilled from, Tracker is an
// explicit value with no global instance: callers own it, construct it
// where they need it, and discard it when done.
package snapshot

import "github.com/Sanek1710/allocator/engine"

// Block is one block's state at the moment a Snapshot was captured.
type Block struct {
	Address    uint64
	Size       uint64
	Free       bool
	WasteRatio float64
}

// Snapshot is an immutable record of every block in an engine at one point
// in time, ordered by ascending address.
type Snapshot struct {
	Total  uint64
	Blocks []Block
}

// Tracker owns a sequence of Snapshots. The zero value is ready to use.
type Tracker struct {
	history []Snapshot
}

// Capture walks e's block enumeration and appends one Snapshot. It never
// mutates e and holds no reference to e beyond the call.
func (t *Tracker) Capture(e engine.Engine) {
	views := e.Blocks()
	blocks := make([]Block, len(views))
	for i, v := range views {
		blocks[i] = Block{
			Address:    v.Address,
			Size:       v.Size,
			Free:       v.Free,
			WasteRatio: v.WasteRatio,
		}
	}
	t.history = append(t.history, Snapshot{
		Total:  e.TotalSpace(),
		Blocks: blocks,
	})
}

// Snapshots returns a read-only view of the captured sequence, in capture
// order. The returned slice must not be mutated by callers.
func (t *Tracker) Snapshots() []Snapshot {
	return t.history
}

// Clear discards every captured snapshot.
func (t *Tracker) Clear() {
	t.history = nil
}
