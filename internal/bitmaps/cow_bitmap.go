// File: internal/bitmaps/cow_bitmap.go
//
// Package bitmaps materializes and serves the per-group COW bitmaps of
// the active snapshot. A COW bitmap is the group's block bitmap as of
// snapshot take, masked by the exclude bitmap; bit set means the block
// is in use by the snapshot and must be preserved before any overwrite
// or free.
package bitmaps

import (
	"fmt"
	"time"

	"github.com/deploymenttheory/go-snapfs/internal/buffer"
	"github.com/deploymenttheory/go-snapfs/internal/fsys"
	"github.com/deploymenttheory/go-snapfs/internal/journal"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// ReadCowBitmap returns the COW bitmap buffer of a group for the active
// snapshot, materializing it on first access after take.
//
// The group descriptor's CowBitmapBlock field is the rendezvous: 0 means
// unmaterialized, the block-bitmap address marks materialization in
// progress, anything else is the committed COW bitmap block. The first
// caller claims the field under the group spinlock and materializes;
// concurrent callers sleep briefly and re-read. The event happens at
// most once per group per snapshot, so a wait queue is not
// cost-justified.
func ReadCowBitmap(tx *journal.Transaction, fs *fsys.Fs, snap *fsys.Inode, group uint32) (*buffer.Buffer, error) {
	desc := fs.Group(group)
	lock := fs.GroupLock(group)
	bitmapBlk := desc.BlockBitmapBlock

	var cowBlk types.Paddr
	for {
		lock.Lock()
		cowBlk = desc.CowBitmapBlock
		if cowBlk == 0 {
			// claim materialization
			desc.CowBitmapBlock = bitmapBlk
		}
		lock.Unlock()

		if cowBlk == 0 {
			break
		}
		if cowBlk != bitmapBlk {
			// committed
			return fs.Cache().Read(cowBlk)
		}
		// another task is materializing this group
		time.Sleep(time.Millisecond)
	}

	cowBuf, err := materializeCowBitmap(tx, fs, snap, group)

	lock.Lock()
	if err == nil && cowBuf != nil {
		desc.CowBitmapBlock = cowBuf.BlockNr()
	} else {
		// retry allowed
		desc.CowBitmapBlock = 0
	}
	lock.Unlock()

	if err != nil {
		fs.Log().Warnf("failed to read COW bitmap %d of snapshot (%d): %v",
			group, snap.Generation(), err)
		return nil, err
	}
	fs.Log().Debugf("COW bitmap %d of snapshot (%d) mapped to block %d",
		group, snap.Generation(), cowBuf.BlockNr())
	return cowBuf, nil
}

// materializeCowBitmap allocates the group's COW bitmap block in the
// snapshot file and fills it with the committed block bitmap masked by
// the exclude bitmap.
func materializeCowBitmap(tx *journal.Transaction, fs *fsys.Fs, snap *fsys.Inode, group uint32) (*buffer.Buffer, error) {
	bitmapBlk := fs.Group(group).BlockBitmapBlock
	iblock := types.SnapshotIBlock(bitmapBlk)

	// a prior mapping is take's masked copy of the block bitmap,
	// pre-allocated at create for groups holding chain inodes; it
	// already serves as the COW bitmap
	if p, n, _, err := fs.MapBlocks(tx, snap, iblock, 1, fsys.MapRead); err != nil {
		return nil, err
	} else if n > 0 {
		return fs.Cache().Read(p)
	}

	p, _, allocated, err := fs.MapBlocks(tx, snap, iblock, 1, fsys.MapBitmap)
	if err != nil {
		return nil, err
	}
	if !allocated {
		return nil, fmt.Errorf("COW bitmap of group %d mapped behind the rendezvous: %w",
			group, types.ErrIO)
	}
	cowBuf := fs.Cache().GetBlk(p)

	if err := initCowBitmap(fs, group, cowBuf); err != nil {
		cowBuf.EndPendingCow()
		return nil, err
	}

	// no tracked reads to drain: the bitmap content was computed, not
	// copied from a live buffer under readers
	if err := tx.DirtyData(cowBuf); err != nil {
		cowBuf.EndPendingCow()
		return nil, err
	}
	if err := fs.Cache().WriteBuffer(cowBuf); err != nil {
		cowBuf.EndPendingCow()
		return nil, err
	}
	cowBuf.EndPendingCow()
	return cowBuf, nil
}

// initCowBitmap fills dst with block_bitmap AND NOT exclude_bitmap. The
// committed copy of the block bitmap is preferred when the journal holds
// one: the snapshot must reflect pre-transaction state, and the only
// in-flight difference can be new active-snapshot blocks, which the
// exclude mask drops anyway.
func initCowBitmap(fs *fsys.Fs, group uint32, dst *buffer.Buffer) error {
	bitmapBuf, err := fs.Cache().Read(fs.Group(group).BlockBitmapBlock)
	if err != nil {
		return fmt.Errorf("failed to read block bitmap of group %d: %w", group, err)
	}

	var mask []byte
	excludeBuf, err := fs.ReadExcludeBitmap(group)
	if err != nil {
		return err
	}
	if excludeBuf != nil {
		excludeBuf.Lock()
		defer excludeBuf.Unlock()
		mask = excludeBuf.Data()
	}

	src := fs.Journal().CommittedData(bitmapBuf.BlockNr())
	bitmapBuf.Lock()
	defer bitmapBuf.Unlock()
	if src == nil {
		src = bitmapBuf.Data()
	}

	dst.Lock()
	defer dst.Unlock()
	fsys.AndNot(dst.Data(), src, mask, int(fs.Super().BlockSize))
	dst.SetUptodate()
	return nil
}

// TestCowBitmap tests whether count blocks starting at block are in use
// by the active snapshot. Returns the length of the in-use prefix, zero
// if the first block is not in use.
//
// When excluded is non-nil the blocks belong to an excluded inode; an
// in-use result then indicates a corrupt exclude bitmap: the filesystem
// is flagged for fsck and the blocks are not treated as in use.
func TestCowBitmap(tx *journal.Transaction, fs *fsys.Fs, snap *fsys.Inode, block types.Paddr, count int, excluded *fsys.Inode) (int, error) {
	snapshotBlocks := types.Paddr(snap.DiskSize() / int64(fs.Super().BlockSize))
	if block >= snapshotBlocks {
		// past the last block at take time; the filesystem was
		// resized after take
		return 0, nil
	}

	group := fs.Super().BlockGroup(block)
	bit := fs.Super().GroupOffset(block)

	cowBuf, err := ReadCowBitmap(tx, fs, snap, group)
	if err != nil {
		return 0, err
	}

	inuse := 0
	cowBuf.Lock()
	for inuse < count && bit+uint32(inuse) < fs.Super().GroupBlocks(group) {
		if !fsys.TestBit(cowBuf.Data(), bit+uint32(inuse)) {
			break
		}
		inuse++
	}
	cowBuf.Unlock()

	if inuse > 0 && excluded != nil {
		if !fs.Super().HasCompat(types.FeatureCompatExcludeInode) {
			return 0, nil
		}
		// excluded file blocks must never appear in the COW bitmap
		fs.LockSuper()
		fs.Super().FeatureRoCompat |= types.FeatureRoCompatFixExclude
		fs.UnlockSuper()
		fs.Error("excluded file (ino=%d) block %d is not excluded - run fsck to fix exclude bitmap",
			excluded.Ino(), block)
		return 0, nil
	}
	return inuse, nil
}

// ReadBlockBitmapForImage synthesizes the COW-bitmap contents of a group
// into a caller-provided page. The snapshot-image read path uses it so
// the image presents the point-in-time bitmap instead of the live one.
func ReadBlockBitmapForImage(fs *fsys.Fs, group uint32, dst []byte) error {
	if uint32(len(dst)) < fs.Super().BlockSize {
		return fmt.Errorf("destination too small: %d bytes", len(dst))
	}
	bitmapBuf, err := fs.Cache().Read(fs.Group(group).BlockBitmapBlock)
	if err != nil {
		return err
	}

	var mask []byte
	excludeBuf, err := fs.ReadExcludeBitmap(group)
	if err != nil {
		return err
	}
	if excludeBuf != nil {
		excludeBuf.Lock()
		defer excludeBuf.Unlock()
		mask = excludeBuf.Data()
	}

	src := fs.Journal().CommittedData(bitmapBuf.BlockNr())
	bitmapBuf.Lock()
	defer bitmapBuf.Unlock()
	if src == nil {
		src = bitmapBuf.Data()
	}
	fsys.AndNot(dst, src, mask, int(fs.Super().BlockSize))
	return nil
}
