// File: internal/cow/move.go
package cow

import (
	"github.com/deploymenttheory/go-snapfs/internal/bitmaps"
	"github.com/deploymenttheory/go-snapfs/internal/fsys"
	"github.com/deploymenttheory/go-snapfs/internal/journal"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// TestAndMove transfers ownership of data blocks to the active snapshot
// without copying. Same decision tree as TestAndCow up to the transfer:
// the allocator re-parents the physical range into the snapshot's block
// map, the live inode's quota is debited, and the moved blocks are
// marked in the exclude bitmap. The caller drops its own mappings after
// a successful move.
//
// Returns the number of blocks moved, or needing to be moved when
// mayMove is false; 0 when the range does not need moving.
func (e *Engine) TestAndMove(tx *journal.Transaction, inode *fsys.Inode, block types.Paddr, maxBlocks int, mayMove bool) (int, error) {
	active := e.fs.ActiveSnapshot()
	if active == nil {
		// no active snapshot - no need to move
		return 0, nil
	}
	if tx.Cowing() || inode == active {
		// block moving is a data-path operation; it never nests
		// inside a COW and never targets the active snapshot
		return 0, nil
	}

	var excluded *fsys.Inode
	if inode != nil && inode.Excluded() {
		// don't move excluded file blocks to the snapshot
		excluded = inode
		mayMove = false
	}

	// BEGIN moving
	tx.SetCowing(true)
	moved, err := e.doMove(tx, active, inode, block, maxBlocks, excluded, mayMove)
	tx.SetCowing(false)
	// END moving

	if err != nil {
		e.log.Warnf("move of block %d failed: %v", block, err)
	}
	return moved, err
}

func (e *Engine) doMove(tx *journal.Transaction, active, inode *fsys.Inode, block types.Paddr, maxBlocks int, excluded *fsys.Inode, mayMove bool) (int, error) {
	count, err := bitmaps.TestCowBitmap(tx, e.fs, active, block, maxBlocks, excluded)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		// not in the COW bitmap - no need to move
		return 0, nil
	}

	if inode == nil {
		// a resize "freeing" blocks it just added; such blocks
		// cannot be in use by the snapshot
		e.log.Warnf("attempt to move block %d to snapshot from no inode", block)
		return 0, nil
	}

	// check if the first block is already mapped in the snapshot
	iblock := types.SnapshotIBlock(block)
	if _, n, _, err := e.fs.MapBlocks(tx, active, iblock, 1, fsys.MapRead); err != nil {
		return 0, err
	} else if n > 0 {
		// already mapped - no need to move
		return 0, nil
	}

	if !mayMove {
		// just probing
		return count, nil
	}

	// re-parent the range into the snapshot file
	_, moved, _, err := e.fs.MapBlocks(tx, active, iblock, count, fsys.MapMove)
	if err != nil {
		return 0, err
	}
	if moved == 0 {
		return 0, nil
	}

	// the snapshot owner was charged for these blocks at map time;
	// the caller debits the live inode when it drops its mappings

	if _, err := e.fs.MarkExcluded(tx, block, moved); err != nil {
		return moved, err
	}
	return moved, nil
}
