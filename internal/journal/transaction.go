// File: internal/journal/transaction.go
package journal

import (
	"errors"
	"fmt"

	"github.com/deploymenttheory/go-snapfs/internal/buffer"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// Transaction is a journal handle. A handle is owned by one goroutine;
// only the pending-COW rendezvous synchronizes across handles.
type Transaction struct {
	j       *Journal
	tid     uint64
	credits int
	cowing  bool
	dirty   map[uint32]*buffer.Buffer
	closed  bool
}

// Tid returns the handle's transaction id. Restart assigns a fresh id,
// which is what invalidates per-buffer COW marks.
func (t *Transaction) Tid() uint64 { return t.tid }

// Journal returns the owning journal.
func (t *Transaction) Journal() *Journal { return t.j }

// Cowing reports whether this handle is inside a COW operation; the COW
// engine uses it as its re-entrancy guard.
func (t *Transaction) Cowing() bool { return t.cowing }

// SetCowing toggles the re-entrancy guard.
func (t *Transaction) SetCowing(v bool) { t.cowing = v }

// Credits returns the remaining credit budget.
func (t *Transaction) Credits() int { return t.credits }

// HasCredits reports whether n credits remain.
func (t *Transaction) HasCredits(n int) bool { return t.credits >= n }

// Extend grows the credit budget. This journal always honors extension.
func (t *Transaction) Extend(n int) error {
	t.credits += n
	return nil
}

// Restart flushes the handle's work and reopens it with a fresh id and
// budget. Callers must reacquire write access for buffers they keep
// using: the fresh id invalidates every per-buffer COW mark.
func (t *Transaction) Restart(n int) error {
	if err := t.flush(); err != nil {
		return err
	}
	t.tid = t.j.newTid()
	t.credits = n
	return nil
}

// ExtendOrRestart tops the budget up to at least n credits, restarting
// the transaction when extension is not possible.
func (t *Transaction) ExtendOrRestart(n int) error {
	if t.HasCredits(n) {
		return nil
	}
	if n < MaxTransData {
		n = MaxTransData
	}
	return t.Extend(n - t.credits)
}

func (t *Transaction) consumeCredit() {
	t.credits--
	if t.credits < 0 && t.j.log != nil {
		// lower-limit heuristic, not always accurate
		t.j.log.Warnf("transaction %d: insufficient buffer credits for operation", t.tid)
	}
}

// GetWriteAccess must be called before any metadata mutation. owner is
// the owning inode for inode-attached blocks, nil for global metadata.
func (t *Transaction) GetWriteAccess(owner any, b *buffer.Buffer) error {
	if g := t.j.currentGuard(); g != nil {
		if err := g.OnWriteAccess(t, owner, b); err != nil {
			return err
		}
	}
	t.consumeCredit()
	return nil
}

// GetUndoAccess must be called before modifying a bitmap-style buffer.
// The committed-state copy it saves is what the COW-bitmap
// materialization reads, so this path must never itself need a COW.
func (t *Transaction) GetUndoAccess(b *buffer.Buffer) error {
	if g := t.j.currentGuard(); g != nil {
		if err := g.OnUndoAccess(t, b); err != nil {
			if errors.Is(err, types.ErrNeedsCow) {
				return fmt.Errorf("block %d needs COW under undo access: %w",
					b.BlockNr(), types.ErrIO)
			}
			return err
		}
	}
	t.j.saveCommitted(b)
	t.consumeCredit()
	return nil
}

// GetCreateAccess must be called before initializing a newly allocated
// block. A needs-COW result is downgraded to a warning: it suggests
// freed-not-COWed blocks, e.g. after an offline fsck.
func (t *Transaction) GetCreateAccess(b *buffer.Buffer) error {
	if g := t.j.currentGuard(); g != nil {
		if err := g.OnCreateAccess(t, b); err != nil {
			if errors.Is(err, types.ErrNeedsCow) {
				if t.j.log != nil {
					t.j.log.Warnf("new block %d was in use by snapshot", b.BlockNr())
				}
			} else {
				return err
			}
		}
	}
	t.consumeCredit()
	return nil
}

// GetMoveAccess runs the move-on-write decision for data blocks about to
// be overwritten. Returns the number of blocks moved, or needing a move
// when mayMove is false.
func (t *Transaction) GetMoveAccess(owner any, block types.Paddr, maxBlocks int, mayMove bool) (int, error) {
	g := t.j.currentGuard()
	if g == nil {
		return 0, nil
	}
	return g.OnMoveAccess(t, owner, block, maxBlocks, mayMove)
}

// GetDeleteAccess runs the move-on-write decision for data blocks about
// to be freed.
func (t *Transaction) GetDeleteAccess(owner any, block types.Paddr, count int) (int, error) {
	g := t.j.currentGuard()
	if g == nil {
		return 0, nil
	}
	return g.OnDeleteAccess(t, owner, block, count)
}

// DirtyMetadata adds a modified metadata buffer to the transaction.
func (t *Transaction) DirtyMetadata(b *buffer.Buffer) error {
	b.MarkDirty()
	t.dirty[b.BlockNr()] = b
	return nil
}

// DirtyData adds a modified data buffer to the transaction. Snapshot
// copies are journaled as dirty data.
func (t *Transaction) DirtyData(b *buffer.Buffer) error {
	b.MarkDirty()
	t.dirty[b.BlockNr()] = b
	return nil
}

func (t *Transaction) flush() error {
	for nr, b := range t.dirty {
		if err := t.j.cache.WriteBuffer(b); err != nil {
			return fmt.Errorf("failed to flush block %d: %w", nr, err)
		}
		delete(t.dirty, nr)
	}
	return nil
}

// Commit writes the transaction's buffers through and closes the handle.
func (t *Transaction) Commit() error {
	if t.closed {
		return nil
	}
	err := t.flush()
	t.closed = true
	t.j.handleDone()
	t.j.updates.RUnlock()
	return err
}
