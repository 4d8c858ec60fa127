// File: internal/lifecycle/create.go
package lifecycle

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/deploymenttheory/go-snapfs/internal/fsys"
	"github.com/deploymenttheory/go-snapfs/internal/journal"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// createLocked initializes a snapshot file and links it to the chain.
// The inode must be empty and flagged SNAPFILE with no other snapshot
// flags; old snapshot files are never recycled. Called under the
// snapshot mutex.
func (m *Manager) createLocked(in *fsys.Inode) error {
	fs := m.fs
	if fs.ReadOnly() {
		return types.ErrReadOnly
	}

	active := fs.ActiveSnapshot()
	if head := fs.SnapshotChainHead(); head != nil && head != active {
		m.log.Warnf("failed to add snapshot because last snapshot (%d) is not active",
			head.Generation())
		return fmt.Errorf("last snapshot not active: %w", types.ErrInvalid)
	}
	if in.Nlink() == 0 {
		return fmt.Errorf("snapshot file (ino=%d) has no links: %w", in.Ino(), types.ErrInvalid)
	}
	if in.Flags()&types.FlagsSnapshotMask != types.FlagSnapfile {
		return fmt.Errorf("snapshot file (ino=%d) has stale snapshot flags 0x%x: %w",
			in.Ino(), in.Flags()&types.FlagsSnapshotMask, types.ErrInvalid)
	}
	if in.BlocksCount() > 0 || in.Size() > 0 || in.DiskSize() > 0 {
		return fmt.Errorf("snapshot file (ino=%d) is not empty: %w", in.Ino(), types.ErrInvalid)
	}

	tx, err := fs.Journal().Start(journal.MaxTransData)
	if err != nil {
		return err
	}
	defer tx.Commit()

	// record the new snapshot id in the inode generation field
	gen := fs.Super().SnapshotID + 1
	if gen == 0 {
		// 0 is not a valid snapshot id
		gen = 1
	}
	in.SetGeneration(gen)
	in.SetUUID(uuid.New())

	// record the filesystem size in the disksize field; created
	// disabled, so the visible size stays zero
	in.SetDiskSize(int64(fs.Super().BlocksCount) * int64(fs.Super().BlockSize))
	in.SetSize(0)

	if !fs.Super().HasRoCompat(types.FeatureRoCompatHasSnapshot) {
		fs.LockSuper()
		fs.Super().FeatureRoCompat |= types.FeatureRoCompatHasSnapshot
		fs.UnlockSuper()
		if err := fs.CommitSuper(tx); err != nil {
			return err
		}
	}

	// the snapshot joins the chain first; take makes it active, and a
	// failed create or take is reaped by the next update pass
	if err := fs.SnapshotListAdd(tx, in); err != nil {
		return err
	}
	if err := fs.MarkInodeDirty(tx, in); err != nil {
		return err
	}

	if err := m.preallocate(tx, in); err != nil {
		m.log.Warnf("failed to pre-allocate blocks for snapshot (%d): %v", gen, err)
		return err
	}

	m.log.Infof("snapshot (%d) created", gen)
	return nil
}

// preallocate maps the blocks take will copy into while the filesystem
// is frozen: the reserved header, the superblock and group-descriptor
// copies, and the critical-path triplet (block bitmap, inode bitmap,
// inode table block) for the journal inode and every snapshot on the
// chain.
func (m *Manager) preallocate(tx *journal.Transaction, in *fsys.Inode) error {
	fs := m.fs

	// zeroed header region
	for i := types.Iblock(0); i < types.ReservedOffset; i++ {
		if err := tx.ExtendOrRestart(journal.DataTransBlocks); err != nil {
			return err
		}
		p, _, allocated, err := fs.MapBlocks(tx, in, i, 1, fsys.MapWrite)
		if err != nil {
			return err
		}
		if allocated {
			b := fs.Cache().GetBlk(p)
			if err := tx.GetCreateAccess(b); err != nil {
				return err
			}
			b.Lock()
			clear(b.Data())
			b.SetUptodate()
			b.Unlock()
			if err := tx.DirtyMetadata(b); err != nil {
				return err
			}
		}
	}

	// superblock and group descriptor copies
	count := int(1 + fs.GdtBlocks())
	for i := 0; i < count; {
		if err := tx.ExtendOrRestart(journal.DataTransBlocks); err != nil {
			return err
		}
		_, n, _, err := fs.MapBlocks(tx, in, types.SnapshotIBlock(types.Paddr(i)), count-i, fsys.MapWrite)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("failed to allocate superblock copy for snapshot (%d): %w",
				in.Generation(), types.ErrIO)
		}
		i += n
	}

	// critical-path triplets: journal inode first, then the chain
	inos := []uint32{types.JournalIno}
	for _, s := range fs.Snapshots() {
		inos = append(inos, s.Ino())
	}
	var prevItable types.Paddr
	for _, ino := range inos {
		itable, err := fs.InodeTableBlockFor(ino)
		if err != nil {
			return err
		}
		if itable == prevItable {
			// same inode-table block as the previous inode
			continue
		}
		prevItable = itable

		g := (ino - 1) / fs.Super().InodesPerGroup
		desc := fs.Group(g)
		if err := tx.ExtendOrRestart(3 * journal.DataTransBlocks); err != nil {
			return err
		}
		for _, p := range []types.Paddr{desc.BlockBitmapBlock, desc.InodeBitmapBlock, itable} {
			if _, _, _, err := fs.MapBlocks(tx, in, types.SnapshotIBlock(p), 1, fsys.MapWrite); err != nil {
				return fmt.Errorf("failed to allocate critical block copy for inode %d: %w", ino, err)
			}
		}
	}
	return nil
}
