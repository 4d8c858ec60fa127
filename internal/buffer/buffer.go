// File: internal/buffer/buffer.go
package buffer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Buffer is a cached copy of one device block. It carries the snapshot
// bookkeeping the COW engine needs: the id of the last transaction that
// COWed the block, a pending-COW counter and a tracked-reader counter.
type Buffer struct {
	mu   sync.Mutex
	nr   uint32
	data []byte

	uptodate atomic.Bool
	dirty    atomic.Bool

	// cowTid is the id of the last transaction that COWed this block.
	// If it equals the running transaction's id the block was already
	// handled and is skipped.
	cowTid atomic.Uint64

	// pendingCow is non-zero while a COW of this block is in flight.
	pendingCow atomic.Int32

	// trackedReaders counts reads of the live block that must drain
	// before a COW of it may complete.
	trackedReaders atomic.Int32
}

// BlockNr returns the physical block number.
func (b *Buffer) BlockNr() uint32 { return b.nr }

// Data returns the block contents. Hold the buffer lock while mutating.
func (b *Buffer) Data() []byte { return b.data }

// Lock acquires the buffer content lock.
func (b *Buffer) Lock() { b.mu.Lock() }

// Unlock releases the buffer content lock.
func (b *Buffer) Unlock() { b.mu.Unlock() }

// Uptodate reports whether the buffer holds valid block contents.
func (b *Buffer) Uptodate() bool { return b.uptodate.Load() }

// SetUptodate marks the buffer contents valid.
func (b *Buffer) SetUptodate() { b.uptodate.Store(true) }

// Dirty reports whether the buffer has modifications not yet on disk.
func (b *Buffer) Dirty() bool { return b.dirty.Load() }

// MarkDirty flags the buffer for writeback.
func (b *Buffer) MarkDirty() { b.dirty.Store(true) }

// ClearDirty is called after writeback.
func (b *Buffer) ClearDirty() { b.dirty.Store(false) }

// CowTid returns the id of the last transaction that COWed this block.
func (b *Buffer) CowTid() uint64 { return b.cowTid.Load() }

// MarkCowed records that tid has COWed this block.
func (b *Buffer) MarkCowed(tid uint64) { b.cowTid.Store(tid) }

// StartPendingCow marks a COW of this block in flight. Set by the
// snapshot-file allocator while it still holds the block-map lock, so a
// concurrent COWer that finds the fresh mapping also sees the pending
// marker.
func (b *Buffer) StartPendingCow() { b.pendingCow.Add(1) }

// EndPendingCow completes the pending COW.
func (b *Buffer) EndPendingCow() { b.pendingCow.Add(-1) }

// PendingCow reports whether a COW of this block is in flight.
func (b *Buffer) PendingCow() bool { return b.pendingCow.Load() > 0 }

// WaitPendingCow blocks until a pending COW completes. The event happens
// at most once per block per snapshot, so a short sleep loop is
// sufficient and there is no need for a wait queue.
func (b *Buffer) WaitPendingCow() {
	for b.PendingCow() {
		time.Sleep(time.Millisecond)
	}
}

// TrackReader registers a tracked read of the live block.
func (b *Buffer) TrackReader() { b.trackedReaders.Add(1) }

// UntrackReader completes a tracked read.
func (b *Buffer) UntrackReader() { b.trackedReaders.Add(-1) }

// TrackedReaders returns the number of in-flight tracked reads.
func (b *Buffer) TrackedReaders() int { return int(b.trackedReaders.Load()) }

// WaitTrackedReaders drains tracked reads before a COW completes. Same
// rationale as WaitPendingCow: rare event, short sleep.
func (b *Buffer) WaitTrackedReaders() {
	for b.TrackedReaders() > 0 {
		time.Sleep(time.Millisecond)
	}
}
