// File: internal/cow/guard.go
package cow

import (
	"github.com/deploymenttheory/go-snapfs/internal/buffer"
	"github.com/deploymenttheory/go-snapfs/internal/fsys"
	"github.com/deploymenttheory/go-snapfs/internal/journal"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// The engine implements journal.Guard: the journal's access points are
// the funnel that makes the preservation guarantee hold.

func ownerInode(owner any) *fsys.Inode {
	if in, ok := owner.(*fsys.Inode); ok {
		return in
	}
	return nil
}

// OnWriteAccess runs the full COW decision before a metadata mutation.
func (e *Engine) OnWriteAccess(tx *journal.Transaction, owner any, b *buffer.Buffer) error {
	return e.TestAndCow(tx, ownerInode(owner), b, true)
}

// OnUndoAccess probes only. The block bitmap is the prime caller; the
// bitmap-materialization path preserves bitmaps, so needing a COW here
// is a hard error (the journal layer converts it).
func (e *Engine) OnUndoAccess(tx *journal.Transaction, b *buffer.Buffer) error {
	return e.TestAndCow(tx, nil, b, false)
}

// OnCreateAccess probes only; the journal layer downgrades a needs-COW
// result to a warning.
func (e *Engine) OnCreateAccess(tx *journal.Transaction, b *buffer.Buffer) error {
	return e.TestAndCow(tx, nil, b, false)
}

// OnMoveAccess runs the MOW decision for data blocks being overwritten.
func (e *Engine) OnMoveAccess(tx *journal.Transaction, owner any, block types.Paddr, maxBlocks int, mayMove bool) (int, error) {
	return e.TestAndMove(tx, ownerInode(owner), block, maxBlocks, mayMove)
}

// OnDeleteAccess runs the MOW decision for data blocks being freed.
func (e *Engine) OnDeleteAccess(tx *journal.Transaction, owner any, block types.Paddr, count int) (int, error) {
	return e.TestAndMove(tx, ownerInode(owner), block, count, true)
}
