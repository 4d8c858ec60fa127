// File: internal/fsys/exclude.go
package fsys

import (
	"fmt"

	"github.com/deploymenttheory/go-snapfs/internal/buffer"
	"github.com/deploymenttheory/go-snapfs/internal/journal"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// ReadExcludeBitmap returns the exclude bitmap buffer of a group, or nil
// when the exclude-inode feature is off or the group has no bitmap yet.
func (fs *Fs) ReadExcludeBitmap(group uint32) (*buffer.Buffer, error) {
	if !fs.sb.HasCompat(types.FeatureCompatExcludeInode) {
		return nil, nil
	}
	blk := fs.groups[group].ExcludeBitmapBlock
	if blk == 0 {
		return nil, nil
	}
	return fs.cache.Read(blk)
}

// MarkExcluded idempotently sets count exclude-bitmap bits starting at
// block. Returns how many bits were newly set. Journaled: the exclude
// bitmap belongs to the exclude inode, which the COW engine skips.
func (fs *Fs) MarkExcluded(tx *journal.Transaction, block types.Paddr, count int) (int, error) {
	excluded := 0
	for count > 0 {
		g := fs.sb.BlockGroup(block)
		bit := fs.sb.GroupOffset(block)
		n := fs.sb.GroupBlocks(g) - bit
		if int(n) > count {
			n = uint32(count)
		}

		b, err := fs.ReadExcludeBitmap(g)
		if err != nil {
			return excluded, err
		}
		if b == nil {
			return excluded, nil
		}
		if tx != nil {
			if err := tx.GetWriteAccess(fs.excludeOwner(), b); err != nil {
				return excluded, err
			}
		}
		newly := 0
		lock := fs.GroupLock(g)
		lock.Lock()
		b.Lock()
		for i := uint32(0); i < n; i++ {
			if !SetBit(b.Data(), bit+i) {
				newly++
			}
		}
		b.Unlock()
		lock.Unlock()
		if newly > 0 {
			if tx != nil {
				if err := tx.DirtyMetadata(b); err != nil {
					return excluded, err
				}
			} else {
				b.MarkDirty()
			}
			excluded += newly
		}
		block += types.Paddr(n)
		count -= int(n)
	}
	return excluded, nil
}

// ClearExcluded clears count exclude-bitmap bits starting at block,
// returning blocks to the general pool when snapshot files shed them.
func (fs *Fs) ClearExcluded(tx *journal.Transaction, block types.Paddr, count int) error {
	for count > 0 {
		g := fs.sb.BlockGroup(block)
		bit := fs.sb.GroupOffset(block)
		n := fs.sb.GroupBlocks(g) - bit
		if int(n) > count {
			n = uint32(count)
		}

		b, err := fs.ReadExcludeBitmap(g)
		if err != nil {
			return err
		}
		if b == nil {
			return nil
		}
		if tx != nil {
			if err := tx.GetWriteAccess(fs.excludeOwner(), b); err != nil {
				return err
			}
		}
		cleared := false
		b.Lock()
		for i := uint32(0); i < n; i++ {
			if ClearBit(b.Data(), bit+i) {
				cleared = true
			}
		}
		b.Unlock()
		if cleared {
			if tx != nil {
				if err := tx.DirtyMetadata(b); err != nil {
					return err
				}
			} else {
				b.MarkDirty()
			}
		}
		block += types.Paddr(n)
		count -= int(n)
	}
	return nil
}

// BlockExcluded reports whether a physical block is marked in its
// group's exclude bitmap.
func (fs *Fs) BlockExcluded(p types.Paddr) (bool, error) {
	b, err := fs.ReadExcludeBitmap(fs.sb.BlockGroup(p))
	if err != nil || b == nil {
		return false, err
	}
	b.Lock()
	defer b.Unlock()
	return TestBit(b.Data(), fs.sb.GroupOffset(p)), nil
}

func (fs *Fs) excludeOwner() any {
	if fs.excludeInode != nil {
		return fs.excludeInode
	}
	return nil
}

// InitBitmapCache resets the COW bitmap cache and rebuilds the per-group
// exclude-bitmap pointers from the exclude inode. With create set,
// missing exclude bitmap blocks are allocated for groups that lack them.
// Called at mount before snapshots load, so exclude-inode updates are
// not COWed.
func (fs *Fs) InitBitmapCache(create bool) error {
	fs.ResetCowCache()

	if !fs.sb.HasCompat(types.FeatureCompatExcludeInode) {
		fs.log.Warn("exclude_inode feature not set - snapshot merge might not free all unused blocks")
		return nil
	}
	if fs.excludeInode == nil {
		in, err := fs.Inode(types.ExcludeIno)
		if err != nil {
			fs.log.Warnf("bad exclude inode - no exclude bitmap: %v", err)
			return nil
		}
		fs.excludeInode = in
	}

	var tx *journal.Transaction
	if create && !fs.readOnly {
		var err error
		tx, err = fs.jnl.Start(journal.MaxTransData)
		if err != nil {
			return err
		}
		defer tx.Commit()
	}

	for g := uint32(0); g < fs.sb.GroupsCount; g++ {
		desc := fs.groups[g]
		if blk, ok := fs.excludeInode.MapGet(types.Iblock(g)); ok {
			desc.ExcludeBitmapBlock = blk
			continue
		}
		if desc.ExcludeBitmapBlock != 0 {
			fs.excludeInode.mapSet(types.Iblock(g), desc.ExcludeBitmapBlock)
			continue
		}
		if tx == nil {
			continue
		}
		if err := tx.ExtendOrRestart(journal.DataTransBlocks); err != nil {
			return err
		}
		p, err := fs.AllocBlock(tx, g)
		if err != nil {
			return fmt.Errorf("failed to allocate exclude bitmap for group %d: %w", g, err)
		}
		b := fs.cache.GetBlk(p)
		if err := tx.GetCreateAccess(b); err != nil {
			return err
		}
		b.Lock()
		for i := range b.Data() {
			b.Data()[i] = 0
		}
		b.SetUptodate()
		b.Unlock()
		if err := tx.DirtyMetadata(b); err != nil {
			return err
		}
		fs.excludeInode.mapSet(types.Iblock(g), p)
		desc.ExcludeBitmapBlock = p
		if err := fs.CommitGroupDesc(tx, g); err != nil {
			return err
		}
		fs.log.Debugf("allocated exclude bitmap block %d for group %d", p, g)
	}
	return nil
}
