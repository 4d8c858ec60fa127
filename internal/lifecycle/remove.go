// File: internal/lifecycle/remove.go
package lifecycle

import (
	"github.com/deploymenttheory/go-snapfs/internal/fsys"
	"github.com/deploymenttheory/go-snapfs/internal/journal"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// Remove frees all blocks of a snapshot, unlinks it from the chain and
// clears its dynamic flags. An enabled, in-use or active snapshot is left
// untouched and nil is returned.
func (m *Manager) Remove(ino uint32) error {
	m.fs.LockSnapshots()
	defer m.fs.UnlockSnapshots()
	in, err := m.fs.Inode(ino)
	if err != nil {
		return err
	}
	return m.removeLocked(in)
}

// removeLocked is the truncate specialized for snapshot inodes: a
// non-active snapshot never allocates, and it only sheds blocks under
// the snapshot mutex, so no allocation can race with the walk. Removal
// of enabled, in-use or active snapshots is deferred to a later pass.
func (m *Manager) removeLocked(in *fsys.Inode) error {
	fs := m.fs
	in.Grab()
	defer in.Put()

	if in.HasAnyFlag(types.FlagSnapfileEnabled | types.FlagSnapfileInuse | types.FlagSnapfileActive) {
		m.log.Debugf("deferred delete of snapshot (%d)", in.Generation())
		return nil
	}

	tx, err := fs.Journal().Start(journal.MaxTransData)
	if err != nil {
		return err
	}
	defer tx.Commit()

	for ib := range in.MappedBlocks() {
		if err := tx.ExtendOrRestart(journal.DataTransBlocks); err != nil {
			return err
		}
		if err := fs.FreeSnapshotBlock(tx, in, ib); err != nil {
			return err
		}
	}

	in.SetSize(0)
	in.SetDiskSize(0)
	if err := tx.ExtendOrRestart(2); err != nil {
		return err
	}
	if in.OnList() {
		if err := fs.SnapshotListDel(tx, in); err != nil {
			return err
		}
	}

	// SNAPFILE and DELETED survive so the inode is never recycled as
	// a fresh snapshot file
	in.ClearFlag(types.FlagsSnapshotDynMask)
	in.SetFlag(types.FlagSnapfileDeleted)
	if err := fs.MarkInodeDirty(tx, in); err != nil {
		return err
	}

	m.log.Infof("snapshot (%d) deleted", in.Generation())
	return nil
}

// VerifyExcluded walks a snapshot's block map and checks that every
// block it owns is marked in the exclude bitmap. Returns the number of
// blocks verified. Used to validate exclude-bitmap correctness.
func (m *Manager) VerifyExcluded(ino uint32) (int, error) {
	m.fs.LockSnapshots()
	defer m.fs.UnlockSnapshots()

	in, err := m.fs.Inode(ino)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, p := range in.MappedBlocks() {
		excluded, err := m.fs.BlockExcluded(p)
		if err != nil {
			return count, err
		}
		if !excluded {
			m.fs.LockSuper()
			m.fs.Super().FeatureRoCompat |= types.FeatureRoCompatFixExclude
			m.fs.UnlockSuper()
			m.fs.Error("snapshot (%d) block %d is not excluded - run fsck to fix exclude bitmap",
				in.Generation(), p)
			return count, types.ErrIO
		}
		count++
	}
	m.log.Infof("snapshot (%d) is clean (%d blocks)", in.Generation(), count)
	return count, nil
}
