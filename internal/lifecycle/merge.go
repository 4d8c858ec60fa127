// File: internal/lifecycle/merge.go
package lifecycle

import (
	"github.com/deploymenttheory/go-snapfs/internal/fsys"
	"github.com/deploymenttheory/go-snapfs/internal/journal"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// merge folds shrunk deleted snapshots between start and end into start
// and removes them. After the shrink pass every data block remaining in
// the run is one start still needs, so it is re-parented into start; a
// block start already maps (such as the reserved header blocks, which
// shrink leaves alone) is freed instead. The run is walked newest to
// oldest; boundary
// convention start < S < end, matching shrink.
func (m *Manager) merge(start, end *fsys.Inode, needMerge int) error {
	fs := m.fs
	run := m.interval(start, end)

	m.log.Debugf("snapshot (%d-%d) merge: need_merge=%d",
		start.Generation(), end.Generation(), needMerge)

	for _, s := range run {
		if needMerge <= 0 {
			break
		}
		if !s.HasFlag(types.FlagSnapfileShrunk) || s.HasFlag(types.FlagSnapfileInuse) {
			continue
		}

		tx, err := fs.Journal().Start(journal.MaxTransData)
		if err != nil {
			return err
		}
		moved := 0
		for ib := range s.MappedBlocks() {
			// one indirect block and the inode itself, for both
			// source and destination
			if err := tx.ExtendOrRestart(4); err != nil {
				tx.Commit()
				return err
			}
			if _, err := fs.MoveSnapshotBlock(tx, s, start, ib); err != nil {
				tx.Commit()
				return err
			}
			moved++
		}
		if err := fs.MarkInodeDirty(tx, s); err != nil {
			tx.Commit()
			return err
		}
		if err := fs.MarkInodeDirty(tx, start); err != nil {
			tx.Commit()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		m.log.Debugf("snapshot (%d) -> snapshot (%d) merge: %d blocks",
			s.Generation(), start.Generation(), moved)

		// all blocks of interest now live in start; the source can
		// leave the chain for good
		if err := m.removeLocked(s); err != nil {
			return err
		}
		needMerge--
	}
	return nil
}
