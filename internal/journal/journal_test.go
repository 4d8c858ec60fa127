package journal

import (
	"errors"
	"testing"

	"github.com/deploymenttheory/go-snapfs/internal/buffer"
	"github.com/deploymenttheory/go-snapfs/internal/device"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

func newTestJournal(t *testing.T) (*Journal, *buffer.Cache) {
	t.Helper()
	dev, err := device.NewMemory(512, 32)
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	cache := buffer.NewCache(dev)
	return New(cache, nil), cache
}

func TestTransactionIdsAreUnique(t *testing.T) {
	j, _ := newTestJournal(t)

	tx1, err := j.Start(8)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tid1 := tx1.Tid()
	if err := tx1.Restart(8); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if tx1.Tid() == tid1 {
		t.Error("Restart did not assign a fresh transaction id")
	}
	tx1.Commit()

	tx2, _ := j.Start(8)
	defer tx2.Commit()
	if tx2.Tid() == tid1 || tx2.Tid() == tx1.Tid() {
		t.Error("transaction ids reused")
	}
}

func TestCommitWritesDirtyBuffers(t *testing.T) {
	j, cache := newTestJournal(t)

	tx, _ := j.Start(8)
	b := cache.GetBlk(4)
	b.Lock()
	copy(b.Data(), "journaled")
	b.SetUptodate()
	b.Unlock()
	if err := tx.DirtyMetadata(b); err != nil {
		t.Fatalf("DirtyMetadata failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	cache.Drop(4)
	rb, err := cache.Read(4)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(rb.Data()[:9]) != "journaled" {
		t.Errorf("committed data not on device: %q", rb.Data()[:9])
	}
}

func TestCommittedDataKeepsPreTransactionState(t *testing.T) {
	j, cache := newTestJournal(t)

	b := cache.GetBlk(3)
	b.Lock()
	copy(b.Data(), "before")
	b.SetUptodate()
	b.Unlock()

	tx, _ := j.Start(8)
	if err := tx.GetUndoAccess(b); err != nil {
		t.Fatalf("GetUndoAccess failed: %v", err)
	}
	b.Lock()
	copy(b.Data(), "after!")
	b.Unlock()

	committed := j.CommittedData(3)
	if committed == nil {
		t.Fatal("CommittedData returned nil for undo-accessed buffer")
	}
	if string(committed[:6]) != "before" {
		t.Errorf("committed copy = %q, want %q", committed[:6], "before")
	}

	tx.Commit()
	if j.CommittedData(3) != nil {
		t.Error("committed copy survived epoch close")
	}
}

func TestLockUpdatesBarriers(t *testing.T) {
	j, _ := newTestJournal(t)

	tx, _ := j.Start(4)
	locked := make(chan struct{})
	go func() {
		j.LockUpdates()
		close(locked)
	}()

	select {
	case <-locked:
		t.Fatal("LockUpdates returned with a running handle")
	default:
	}
	tx.Commit()
	<-locked
	j.UnlockUpdates()
}

type denyGuard struct{ err error }

func (g *denyGuard) OnWriteAccess(*Transaction, any, *buffer.Buffer) error { return g.err }
func (g *denyGuard) OnUndoAccess(*Transaction, *buffer.Buffer) error       { return g.err }
func (g *denyGuard) OnCreateAccess(*Transaction, *buffer.Buffer) error     { return g.err }
func (g *denyGuard) OnMoveAccess(*Transaction, any, types.Paddr, int, bool) (int, error) {
	return 0, g.err
}
func (g *denyGuard) OnDeleteAccess(*Transaction, any, types.Paddr, int) (int, error) {
	return 0, g.err
}

func TestGuardErrorsPropagate(t *testing.T) {
	j, cache := newTestJournal(t)
	j.SetGuard(&denyGuard{err: types.ErrNotPermitted})

	tx, _ := j.Start(4)
	defer tx.Commit()

	b := cache.GetBlk(1)
	if err := tx.GetWriteAccess(nil, b); !errors.Is(err, types.ErrNotPermitted) {
		t.Errorf("GetWriteAccess error = %v, want ErrNotPermitted", err)
	}
}

func TestUndoAccessNeedsCowIsHardError(t *testing.T) {
	j, cache := newTestJournal(t)
	j.SetGuard(&denyGuard{err: types.ErrNeedsCow})

	tx, _ := j.Start(4)
	defer tx.Commit()

	b := cache.GetBlk(1)
	err := tx.GetUndoAccess(b)
	if !errors.Is(err, types.ErrIO) {
		t.Errorf("GetUndoAccess error = %v, want ErrIO", err)
	}

	// create access downgrades the same condition to a warning
	if err := tx.GetCreateAccess(b); err != nil {
		t.Errorf("GetCreateAccess error = %v, want nil", err)
	}
}

func TestExtendOrRestart(t *testing.T) {
	j, _ := newTestJournal(t)
	tx, _ := j.Start(2)
	defer tx.Commit()

	if err := tx.ExtendOrRestart(2); err != nil {
		t.Fatalf("ExtendOrRestart failed: %v", err)
	}
	if tx.Credits() != 2 {
		t.Errorf("budget changed while sufficient: %d", tx.Credits())
	}

	if err := tx.ExtendOrRestart(16); err != nil {
		t.Fatalf("ExtendOrRestart failed: %v", err)
	}
	if !tx.HasCredits(16) {
		t.Errorf("budget not extended: %d", tx.Credits())
	}
}
