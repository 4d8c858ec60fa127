// File: internal/lifecycle/take.go
package lifecycle

import (
	"fmt"

	"github.com/deploymenttheory/go-snapfs/internal/fsys"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// Take turns the newest created snapshot into the active snapshot. The
// filesystem is frozen across the capture: the journal's update barrier
// guarantees no transaction is in flight while the superblock, group
// descriptors and critical-path blocks are copied.
//
// A failure before the activation step leaves the snapshot on the chain;
// the next reconciliation pass removes it.
func (m *Manager) Take(ino uint32) error {
	m.fs.LockSnapshots()
	defer m.fs.UnlockSnapshots()

	in, err := m.fs.Inode(ino)
	if err != nil {
		return err
	}
	return m.takeLocked(in)
}

func (m *Manager) takeLocked(in *fsys.Inode) error {
	fs := m.fs
	if fs.ReadOnly() {
		return types.ErrReadOnly
	}
	if !in.IsSnapshotFile() || !in.OnList() {
		return fmt.Errorf("take of non-created snapshot (ino=%d): %w", in.Ino(), types.ErrInvalid)
	}
	if head := fs.SnapshotChainHead(); head != in {
		return fmt.Errorf("snapshot (%d) is not the newest on the chain: %w",
			in.Generation(), types.ErrInvalid)
	}
	if in.HasFlag(types.FlagSnapfileDeleted) {
		return fmt.Errorf("take of deleted snapshot (%d): %w", in.Generation(), types.ErrNotPermitted)
	}

	// disk space estimate for snapshot file growth: one indirect block
	// per addressable range of moved data blocks, a copy per meta
	// block, and directory-index headroom per used inode span
	rblocks := m.reserveEstimate()
	if fs.FreeBlocksCount() < rblocks {
		return fmt.Errorf("%d blocks free, %d reserved for snapshot: %w",
			fs.FreeBlocksCount(), rblocks, types.ErrNoSpace)
	}

	if err := fs.Freeze(); err != nil {
		return err
	}
	defer fs.Unfreeze()

	if err := m.copySuperblock(in); err != nil {
		return err
	}
	if err := m.copyGroupDescriptors(in); err != nil {
		return err
	}
	if err := m.copyInodeBlocks(in); err != nil {
		return err
	}

	// activate: bump the snapshot id, point the superblock at the new
	// snapshot and swap the in-memory active pointer
	fs.LockSuper()
	sb := fs.Super()
	sb.SnapshotID++
	if sb.SnapshotID == 0 {
		// 0 is not a valid snapshot id
		sb.SnapshotID = 1
	}
	sb.ActiveSnapshotIno = in.Ino()
	sb.SnapshotRBlocks = rblocks
	fs.UnlockSuper()
	if err := fs.CommitSuper(nil); err != nil {
		return err
	}
	fs.SetActiveSnapshot(in)

	// lazy re-materialization against the new snapshot
	fs.ResetCowCache()

	m.log.Infof("snapshot (%d) has been taken", in.Generation())
	return nil
}

// reserveEstimate sizes the free-space reserve required before take.
func (m *Manager) reserveEstimate() uint32 {
	sb := m.fs.Super()
	addrPerBlock := sb.BlockSize / 4
	meta := uint32(1) + m.fs.GdtBlocks()
	itableBlocks := (sb.InodesPerGroup*types.InodeSize + sb.BlockSize - 1) / sb.BlockSize
	meta += sb.GroupsCount * (2 + itableBlocks + 1)
	return 2*(sb.BlocksCount/addrPerBlock) + meta + sb.InodesPerGroup*sb.GroupsCount/64
}

// copySuperblock copies block 0 into the snapshot and rewrites the copy
// to present as a stand-alone read-only image.
func (m *Manager) copySuperblock(in *fsys.Inode) error {
	fs := m.fs
	p, ok := in.MapGet(types.SnapshotIBlock(0))
	if !ok {
		return fmt.Errorf("superblock copy of snapshot (%d) not allocated: %w",
			in.Generation(), types.ErrIO)
	}
	src, err := fs.Cache().Read(0)
	if err != nil {
		return err
	}
	dst := fs.Cache().GetBlk(p)

	src.Lock()
	dst.Lock()
	copy(dst.Data(), src.Data())
	dst.SetUptodate()
	dst.Unlock()
	src.Unlock()

	dst.Lock()
	err = types.PatchForImage(dst.Data())
	dst.Unlock()
	if err != nil {
		return err
	}
	return fs.Cache().WriteBuffer(dst)
}

// copyGroupDescriptors copies the descriptor table blocks verbatim.
func (m *Manager) copyGroupDescriptors(in *fsys.Inode) error {
	for i := types.Paddr(1); i <= types.Paddr(m.fs.GdtBlocks()); i++ {
		if err := m.copyBlockToSnapshot(in, i, nil, "GDT"); err != nil {
			return err
		}
	}
	return nil
}

// copyInodeBlocks copies the bitmap/inode-table triplet for the journal
// inode and every snapshot on the chain, and fixes the inode-table
// copies so the image is consistent as a stand-alone filesystem: the
// journal inode copy is zeroed, and each snapshot inode copy is pruned
// of block pointers since snapshot-owned blocks are masked out of the
// image's block bitmap.
func (m *Manager) copyInodeBlocks(in *fsys.Inode) error {
	fs := m.fs

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
		g := (ino - 1) / fs.Super().InodesPerGroup
		desc := fs.Group(g)

		if itable != prevItable {
			prevItable = itable

			// mask the block bitmap copy with the exclude bitmap
			var mask []byte
			if eb, err := fs.ReadExcludeBitmap(g); err != nil {
				return err
			} else if eb != nil {
				eb.Lock()
				mask = append([]byte(nil), eb.Data()...)
				eb.Unlock()
			}
			if err := m.copyBlockToSnapshot(in, desc.BlockBitmapBlock, mask, "block bitmap"); err != nil {
				return err
			}
			if err := m.copyBlockToSnapshot(in, desc.InodeBitmapBlock, nil, "inode bitmap"); err != nil {
				return err
			}
			if err := m.copyBlockToSnapshot(in, itable, nil, "inode table"); err != nil {
				return err
			}
		}

		// fix the raw inode inside the snapshot's inode-table copy
		p, ok := in.MapGet(types.SnapshotIBlock(itable))
		if !ok {
			return fmt.Errorf("inode table copy for inode %d not allocated: %w", ino, types.ErrIO)
		}
		dst := fs.Cache().GetBlk(p)
		perBlock := fs.Super().BlockSize / types.InodeSize
		idx := int(((ino - 1) % fs.Super().InodesPerGroup) % perBlock)
		dst.Lock()
		err = types.PruneImageInode(dst.Data(), idx, ino == types.JournalIno)
		dst.Unlock()
		if err != nil {
			return err
		}
		if err := fs.Cache().WriteBuffer(dst); err != nil {
			return err
		}
	}
	return nil
}

// copyBlockToSnapshot copies physical block src into the snapshot's
// pre-allocated block at SnapshotIBlock(src), optionally masking with an
// exclude bitmap.
func (m *Manager) copyBlockToSnapshot(in *fsys.Inode, src types.Paddr, mask []byte, name string) error {
	fs := m.fs
	p, ok := in.MapGet(types.SnapshotIBlock(src))
	if !ok {
		return fmt.Errorf("failed to copy %s block %d to snapshot (%d): not allocated: %w",
			name, src, in.Generation(), types.ErrIO)
	}
	if p == src {
		return fmt.Errorf("%s copy of snapshot (%d) maps to itself: %w",
			name, in.Generation(), types.ErrIO)
	}
	sb, err := fs.Cache().Read(src)
	if err != nil {
		return err
	}
	db := fs.Cache().GetBlk(p)

	sb.Lock()
	db.Lock()
	fsys.AndNot(db.Data(), sb.Data(), mask, int(fs.Super().BlockSize))
	db.SetUptodate()
	db.Unlock()
	sb.Unlock()

	m.log.Debugf("copied %s block %d to snapshot (%d)", name, src, in.Generation())
	return fs.Cache().WriteBuffer(db)
}
