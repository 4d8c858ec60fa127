// File: internal/lifecycle/shrink.go
package lifecycle

import (
	"github.com/deploymenttheory/go-snapfs/internal/buffer"
	"github.com/deploymenttheory/go-snapfs/internal/fsys"
	"github.com/deploymenttheory/go-snapfs/internal/journal"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// shrink frees unused blocks from the run of deleted snapshots between
// start and end (exclusive on both sides). start is the latest
// non-deleted snapshot older than the run; when enabled it reads through
// the deleted snapshots, so blocks its point-in-time view still needs
// are preserved: for each such block the oldest copy in the run survives
// and every other copy is freed. Blocks not in start's view are freed
// outright.
//
// start's view of a group is its own copy of the group's COW bitmap,
// read from the snapshot file body; a group with no copy preserves
// nothing (this also shrinks snapshots taken before a resize down to
// start's size).
func (m *Manager) shrink(start, end *fsys.Inode, needShrink int) error {
	fs := m.fs
	run := m.interval(start, end)
	if len(run) == 0 {
		return nil
	}
	m.log.Debugf("snapshot (%d-%d) shrink: need_shrink=%d",
		start.Generation(), end.Generation(), needShrink)

	tx, err := fs.Journal().Start(journal.MaxTransData)
	if err != nil {
		return err
	}
	defer tx.Commit()

	startBlocks := types.Paddr(start.DiskSize() / int64(fs.Super().BlockSize))

	for g := uint32(0); g < fs.Super().GroupsCount; g++ {
		base := fs.Super().GroupBase(g)
		if base >= fs.Super().BlocksCount {
			break
		}

		// start's view of this group
		var view *buffer.Buffer
		if base < startBlocks {
			if p, ok := start.MapGet(types.SnapshotIBlock(fs.Group(g).BlockBitmapBlock)); ok {
				view, err = fs.Cache().Read(p)
				if err != nil {
					return err
				}
			}
		}

		nblocks := fs.Super().GroupBlocks(g)
		for off := uint32(0); off < nblocks; off++ {
			phys := base + off
			ib := types.SnapshotIBlock(phys)

			keepNeeded := false
			if view != nil && phys < startBlocks {
				view.Lock()
				keepNeeded = fsys.TestBit(view.Data(), off)
				view.Unlock()
			}
			_, kept := start.MapGet(ib)

			// oldest to newest through the run
			for i := len(run) - 1; i >= 0; i-- {
				s := run[i]
				if _, ok := s.MapGet(ib); !ok {
					continue
				}
				if !kept && keepNeeded {
					// first copy serves start's read-through
					kept = true
					continue
				}
				if err := tx.ExtendOrRestart(journal.DataTransBlocks); err != nil {
					return err
				}
				if err := fs.FreeSnapshotBlock(tx, s, ib); err != nil {
					return err
				}
			}
		}
	}

	// mark the scanned snapshots shrunk
	if err := tx.ExtendOrRestart(needShrink); err != nil {
		return err
	}
	for i := len(run) - 1; i >= 0 && needShrink > 0; i-- {
		s := run[i]
		if s.HasFlag(types.FlagSnapfileDeleted) &&
			!s.HasAnyFlag(types.FlagSnapfileShrunk|types.FlagSnapfileActive) {
			s.SetFlag(types.FlagSnapfileShrunk)
			if err := fs.MarkInodeDirty(tx, s); err != nil {
				return err
			}
			needShrink--
		}
	}
	return nil
}
