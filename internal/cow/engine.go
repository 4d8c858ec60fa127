// File: internal/cow/engine.go
//
// Package cow implements the copy-on-write and move-on-write decision
// engines. Every mutating path of the host filesystem funnels through
// the journal access hooks into this package, which guarantees that a
// block in use by the active snapshot is preserved before it is
// overwritten or freed.
package cow

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-snapfs/internal/bitmaps"
	"github.com/deploymenttheory/go-snapfs/internal/buffer"
	"github.com/deploymenttheory/go-snapfs/internal/fsys"
	"github.com/deploymenttheory/go-snapfs/internal/journal"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// Engine is the COW/MOW decision engine for one mounted filesystem.
type Engine struct {
	fs  *fsys.Fs
	log *logrus.Entry
}

// NewEngine creates the engine and registers it as the journal's access
// guard.
func NewEngine(fs *fsys.Fs) *Engine {
	e := &Engine{fs: fs, log: fs.Log()}
	fs.Journal().SetGuard(e)
	return e
}

// TestAndCow preserves a metadata block into the active snapshot before
// it is modified. inode identifies the owning inode for inode-attached
// blocks and is nil for global metadata. With mayCow false the engine
// only probes and reports types.ErrNeedsCow when a copy would be made.
//
// Returns nil when the block was COWed or does not need to be.
func (e *Engine) TestAndCow(tx *journal.Transaction, inode *fsys.Inode, bh *buffer.Buffer, mayCow bool) error {
	active := e.fs.ActiveSnapshot()
	if active == nil {
		// no active snapshot - no need to COW
		return nil
	}

	if inode != nil && inode.Ino() == types.ExcludeIno {
		// exclude bitmap update - skip block COW
		return nil
	}
	if tx.Cowing() {
		// avoid recursion on active snapshot updates
		return nil
	}
	if inode == active {
		// the active snapshot may only be modified during COW
		return fmt.Errorf("active snapshot access denied: %w", types.ErrNotPermitted)
	}
	if bh.CowTid() == tx.Tid() {
		// buffer found in COW cache - skip block COW
		return nil
	}

	block := bh.BlockNr()
	var excluded *fsys.Inode
	clear := false
	if inode != nil && inode.Excluded() {
		// excluded file block access - no copy, mark the block in
		// the exclude bitmap instead
		clear = true
		excluded = inode
		mayCow = false
	}

	// BEGIN COWing
	tx.SetCowing(true)
	err := e.doCow(tx, active, bh, block, excluded, clear, mayCow)
	tx.SetCowing(false)
	// END COWing

	if err != nil && !errors.Is(err, types.ErrNeedsCow) {
		e.log.Warnf("COW of block %d failed: %v", block, err)
	}
	return err
}

func (e *Engine) doCow(tx *journal.Transaction, active *fsys.Inode, bh *buffer.Buffer, block types.Paddr, excluded *fsys.Inode, clear, mayCow bool) error {
	// test if the block is in use by the snapshot
	inuse, err := bitmaps.TestCowBitmap(tx, e.fs, active, block, 1, excluded)
	if err != nil {
		return err
	}
	if inuse == 0 {
		e.markCowed(tx, bh, block, clear)
		return nil
	}

	// in use by snapshot - check if it is already mapped
	iblock := types.SnapshotIBlock(block)
	if p, n, _, err := e.fs.MapBlocks(tx, active, iblock, 1, fsys.MapRead); err != nil {
		return err
	} else if n > 0 {
		// another COWer got there first; rendezvous with its
		// pending COW before proceeding
		e.fs.Cache().GetBlk(p).WaitPendingCow()
		e.markCowed(tx, bh, block, clear)
		return nil
	}

	// block needs to be COWed
	if !mayCow {
		return fmt.Errorf("block %d: %w", block, types.ErrNeedsCow)
	}

	// make sure we hold an uptodate source buffer
	if !bh.Uptodate() {
		e.log.Warnf("non uptodate buffer (%d) needs to be copied to active snapshot", block)
		if _, err := e.fs.Cache().Read(block); err != nil {
			return fmt.Errorf("failed to read COW source block %d: %w", block, types.ErrIO)
		}
		if !bh.Uptodate() {
			return fmt.Errorf("COW source block %d unreadable: %w", block, types.ErrIO)
		}
	}

	// allocate a snapshot block for the backup copy
	p, _, allocated, err := e.fs.MapBlocks(tx, active, iblock, 1, fsys.MapCow)
	if err != nil {
		return err
	}
	sbh := e.fs.Cache().GetBlk(p)
	if !allocated {
		// another COWing task allocated it between our map check
		// and now
		sbh.WaitPendingCow()
		e.markCowed(tx, bh, block, clear)
		return nil
	}

	// we allocated this block: copy and complete the COW
	if err := e.copyBufferCow(tx, sbh, bh); err != nil {
		sbh.EndPendingCow()
		return err
	}

	e.log.Debugf("block %d of snapshot (%d) mapped to block %d",
		block, active.Generation(), p)
	e.markCowed(tx, bh, block, clear)
	return nil
}

// markCowed records the per-transaction COW mark and, for excluded-family
// owners, sets the exclude bitmap bit.
func (e *Engine) markCowed(tx *journal.Transaction, bh *buffer.Buffer, block types.Paddr, clear bool) {
	bh.MarkCowed(tx.Tid())
	if clear {
		if _, err := e.fs.MarkExcluded(tx, block, 1); err != nil {
			e.log.Warnf("failed to mark block %d in exclude bitmap: %v", block, err)
		}
	}
}

// copyBufferCow copies the source buffer into the snapshot buffer and
// completes the COW: tracked reads of the source drain first, then the
// copy joins the transaction as dirty data and the pending marker drops.
func (e *Engine) copyBufferCow(tx *journal.Transaction, sbh, bh *buffer.Buffer) error {
	bh.WaitTrackedReaders()

	bh.Lock()
	sbh.Lock()
	copy(sbh.Data(), bh.Data())
	sbh.SetUptodate()
	sbh.Unlock()
	bh.Unlock()

	if err := tx.DirtyData(sbh); err != nil {
		return err
	}
	sbh.EndPendingCow()
	return nil
}
