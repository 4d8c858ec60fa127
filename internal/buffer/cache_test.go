package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/deploymenttheory/go-snapfs/internal/device"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dev, err := device.NewMemory(512, 16)
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	return NewCache(dev)
}

func TestCacheSharedBuffers(t *testing.T) {
	c := newTestCache(t)
	a := c.GetBlk(5)
	b := c.GetBlk(5)
	if a != b {
		t.Error("GetBlk returned distinct buffers for the same block")
	}
}

func TestCacheReadWriteBack(t *testing.T) {
	c := newTestCache(t)

	b := c.GetBlk(2)
	b.Lock()
	copy(b.Data(), "hello")
	b.SetUptodate()
	b.MarkDirty()
	b.Unlock()

	if err := c.SyncDirty(); err != nil {
		t.Fatalf("SyncDirty failed: %v", err)
	}
	if b.Dirty() {
		t.Error("buffer still dirty after sync")
	}

	// drop and re-read from the device
	c.Drop(2)
	rb, err := c.Read(2)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(rb.Data()[:5]) != "hello" {
		t.Errorf("read back %q, want %q", rb.Data()[:5], "hello")
	}
}

func TestPendingCowRendezvous(t *testing.T) {
	c := newTestCache(t)
	b := c.GetBlk(1)

	b.StartPendingCow()
	done := make(chan struct{})
	go func() {
		b.WaitPendingCow()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitPendingCow returned while COW pending")
	case <-time.After(5 * time.Millisecond):
	}

	b.EndPendingCow()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitPendingCow did not return after EndPendingCow")
	}
}

func TestTrackedReaders(t *testing.T) {
	c := newTestCache(t)
	b := c.GetBlk(1)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		b.TrackReader()
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(2 * time.Millisecond)
			b.UntrackReader()
		}()
	}
	b.WaitTrackedReaders()
	if n := b.TrackedReaders(); n != 0 {
		t.Errorf("TrackedReaders = %d after drain", n)
	}
	wg.Wait()
}

func TestCowTidMark(t *testing.T) {
	c := newTestCache(t)
	b := c.GetBlk(1)
	if b.CowTid() != 0 {
		t.Errorf("new buffer CowTid = %d, want 0", b.CowTid())
	}
	b.MarkCowed(7)
	if b.CowTid() != 7 {
		t.Errorf("CowTid = %d, want 7", b.CowTid())
	}
}
