// File: internal/journal/journal.go
package journal

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-snapfs/internal/buffer"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// Transaction credit sizing. Credits are advisory budgets: access points
// warn when a transaction runs low, and callers extend or restart.
const (
	// MaxTransData is the default budget for large transactions that
	// are extended or restarted as they go.
	MaxTransData = 64

	// DataTransBlocks is the estimated cost of one block write
	// including the COW amplification it can trigger: the data block,
	// a snapshot-file copy, the COW bitmap, the exclude bitmap and the
	// involved block maps.
	DataTransBlocks = 8
)

// Guard intercepts the journal access points before access is granted.
// The COW engine registers itself as the guard; a nil guard grants all
// access (used while building a filesystem, before snapshots load).
type Guard interface {
	// OnWriteAccess runs before a metadata buffer is modified. owner
	// is the owning inode for inode-attached blocks, nil for global
	// metadata.
	OnWriteAccess(tx *Transaction, owner any, b *buffer.Buffer) error

	// OnUndoAccess runs before a bitmap-style buffer is modified with
	// undo semantics. The materialization path preserves bitmaps, so
	// a types.ErrNeedsCow result here indicates corruption.
	OnUndoAccess(tx *Transaction, b *buffer.Buffer) error

	// OnCreateAccess runs before a newly allocated block is
	// initialized. A non-trivial result suggests freed-not-COWed
	// blocks, e.g. after an offline fsck.
	OnCreateAccess(tx *Transaction, b *buffer.Buffer) error

	// OnMoveAccess runs before data blocks are overwritten; it may
	// move them to the active snapshot. Returns the number of blocks
	// moved (or needing to be moved when mayMove is false).
	OnMoveAccess(tx *Transaction, owner any, block types.Paddr, maxBlocks int, mayMove bool) (int, error)

	// OnDeleteAccess runs before data blocks are freed.
	OnDeleteAccess(tx *Transaction, owner any, block types.Paddr, count int) (int, error)
}

// Journal provides serializability for the updates it covers: handles
// started with Start share the running epoch, LockUpdates drains and
// blocks them all (used across snapshot take and deactivation), and undo
// buffers keep a committed-state copy until the epoch closes.
type Journal struct {
	cache *buffer.Cache
	log   *logrus.Entry

	// updates is held shared by every running handle and exclusively
	// by LockUpdates.
	updates sync.RWMutex

	tid atomic.Uint64

	mu        sync.Mutex
	committed map[uint32][]byte
	handles   int

	guard atomic.Pointer[guardBox]
}

type guardBox struct{ g Guard }

// New creates a journal over the given buffer cache.
func New(cache *buffer.Cache, log *logrus.Entry) *Journal {
	j := &Journal{
		cache:     cache,
		log:       log,
		committed: make(map[uint32][]byte),
	}
	j.tid.Store(1)
	return j
}

// SetGuard registers the access guard. Pass nil to clear.
func (j *Journal) SetGuard(g Guard) {
	if g == nil {
		j.guard.Store(nil)
		return
	}
	j.guard.Store(&guardBox{g: g})
}

func (j *Journal) currentGuard() Guard {
	if box := j.guard.Load(); box != nil {
		return box.g
	}
	return nil
}

// Cache returns the buffer cache the journal writes through.
func (j *Journal) Cache() *buffer.Cache { return j.cache }

// Start opens a transaction handle with the given credit budget.
func (j *Journal) Start(credits int) (*Transaction, error) {
	j.updates.RLock()
	j.mu.Lock()
	j.handles++
	j.mu.Unlock()
	return &Transaction{
		j:       j,
		tid:     j.newTid(),
		credits: credits,
		dirty:   make(map[uint32]*buffer.Buffer),
	}, nil
}

// LockUpdates blocks until all running handles complete and prevents new
// ones from starting. Snapshot take and deactivation run under it.
func (j *Journal) LockUpdates() { j.updates.Lock() }

// UnlockUpdates releases the update barrier.
func (j *Journal) UnlockUpdates() { j.updates.Unlock() }

// CommittedData returns the pre-transaction copy of an undo-accessed
// buffer, or nil if the buffer was not modified in the running epoch.
// The COW-bitmap materialization uses it so the snapshot reflects
// committed state.
func (j *Journal) CommittedData(nr types.Paddr) []byte {
	j.mu.Lock()
	defer j.mu.Unlock()
	if data, ok := j.committed[nr]; ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		return cp
	}
	return nil
}

func (j *Journal) newTid() uint64 { return j.tid.Add(1) }

func (j *Journal) saveCommitted(b *buffer.Buffer) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.committed[b.BlockNr()]; ok {
		return
	}
	cp := make([]byte, len(b.Data()))
	b.Lock()
	copy(cp, b.Data())
	b.Unlock()
	j.committed[b.BlockNr()] = cp
}

func (j *Journal) handleDone() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.handles--
	if j.handles == 0 {
		// epoch closed; committed copies are now stale
		j.committed = make(map[uint32][]byte)
	}
}
