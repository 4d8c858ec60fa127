// File: internal/fsys/alloc.go
package fsys

import (
	"fmt"

	"github.com/deploymenttheory/go-snapfs/internal/journal"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// AllocBlock allocates one block, preferring the goal group. The block
// bitmap is modified under undo access, which both funnels the mutation
// through the COW decision path and preserves the committed bitmap copy
// the COW-bitmap materialization depends on.
func (fs *Fs) AllocBlock(tx *journal.Transaction, goal uint32) (types.Paddr, error) {
	if fs.readOnly {
		return 0, fmt.Errorf("allocation on read-only filesystem: %w", types.ErrReadOnly)
	}
	groups := fs.sb.GroupsCount
	for i := uint32(0); i < groups; i++ {
		g := (goal + i) % groups
		desc := fs.groups[g]
		b, err := fs.cache.Read(desc.BlockBitmapBlock)
		if err != nil {
			return 0, err
		}
		if err := tx.GetUndoAccess(b); err != nil {
			return 0, err
		}

		found := int64(-1)
		b.Lock()
		nblocks := fs.sb.GroupBlocks(g)
		for bit := uint32(0); bit < nblocks; bit++ {
			if !TestBit(b.Data(), bit) {
				SetBit(b.Data(), bit)
				found = int64(bit)
				break
			}
		}
		b.Unlock()
		if found < 0 {
			continue
		}
		if err := tx.DirtyMetadata(b); err != nil {
			return 0, err
		}
		lock := fs.GroupLock(g)
		lock.Lock()
		desc.FreeBlocksCount--
		lock.Unlock()
		if err := fs.CommitGroupDesc(tx, g); err != nil {
			return 0, err
		}
		fs.AddFreeBlocks(-1)
		if err := fs.CommitSuper(tx); err != nil {
			return 0, err
		}
		return fs.sb.GroupBase(g) + types.Paddr(found), nil
	}
	return 0, fmt.Errorf("no free blocks: %w", types.ErrNoSpace)
}

// FreeBlockRange clears the block-bitmap bits of a physical range. The
// caller is responsible for the MOW decision; this is the low-level
// bitmap operation. Exclude bits are cleared alongside when requested
// (snapshot-owned blocks returning to general use).
func (fs *Fs) FreeBlockRange(tx *journal.Transaction, start types.Paddr, count int, clearExclude bool) error {
	for count > 0 {
		g := fs.sb.BlockGroup(start)
		bit := fs.sb.GroupOffset(start)
		n := fs.sb.GroupBlocks(g) - bit
		if int(n) > count {
			n = uint32(count)
		}

		desc := fs.groups[g]
		b, err := fs.cache.Read(desc.BlockBitmapBlock)
		if err != nil {
			return err
		}
		if err := tx.GetUndoAccess(b); err != nil {
			return err
		}
		freed := uint32(0)
		b.Lock()
		for i := uint32(0); i < n; i++ {
			if ClearBit(b.Data(), bit+i) {
				freed++
			}
		}
		b.Unlock()
		if err := tx.DirtyMetadata(b); err != nil {
			return err
		}
		if freed > 0 {
			lock := fs.GroupLock(g)
			lock.Lock()
			desc.FreeBlocksCount += freed
			lock.Unlock()
			if err := fs.CommitGroupDesc(tx, g); err != nil {
				return err
			}
			fs.AddFreeBlocks(int64(freed))
			if err := fs.CommitSuper(tx); err != nil {
				return err
			}
		}
		if clearExclude {
			if err := fs.ClearExcluded(tx, start, int(n)); err != nil {
				return err
			}
		}
		start += types.Paddr(n)
		count -= int(n)
	}
	return nil
}

// BlockInUse reports whether a physical block is allocated in the live
// block bitmap.
func (fs *Fs) BlockInUse(p types.Paddr) (bool, error) {
	g := fs.sb.BlockGroup(p)
	b, err := fs.cache.Read(fs.groups[g].BlockBitmapBlock)
	if err != nil {
		return false, err
	}
	b.Lock()
	defer b.Unlock()
	return TestBit(b.Data(), fs.sb.GroupOffset(p)), nil
}
