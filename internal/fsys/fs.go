// File: internal/fsys/fs.go
//
// Package fsys is the mounted-filesystem context the snapshot core runs
// against: superblock, group descriptors, block allocator, inode table
// and the snapshot chain. The snapshot subsystem owns only a handful of
// on-disk fields here (see internal/types); the rest is host machinery
// the core consumes.
package fsys

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-snapfs/internal/buffer"
	"github.com/deploymenttheory/go-snapfs/internal/interfaces"
	"github.com/deploymenttheory/go-snapfs/internal/journal"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// GroupDesc is the in-memory image of a block-group descriptor plus the
// snapshot-owned COW bitmap cache pointer.
type GroupDesc struct {
	types.GroupDesc

	// CowBitmapBlock is the per-group COW bitmap cache. Three states,
	// forming the pending-COW rendezvous:
	//   0                   no task has materialized this group yet
	//   == BlockBitmapBlock a task claimed materialization, in progress
	//   otherwise           snapshot-file block holding the bitmap
	// Protected by the group's spinlock; persistence: cache only.
	CowBitmapBlock types.Paddr
}

// Fs is a mounted filesystem.
type Fs struct {
	dev   interfaces.BlockDevice
	cache *buffer.Cache
	jnl   *journal.Journal
	log   *logrus.Entry

	sbMu sync.Mutex // super lock
	sb   *types.Superblock

	groups     []*GroupDesc
	groupLocks []sync.Mutex
	gdtBlocks  uint32

	inodeMu sync.Mutex
	inodes  map[uint32]*Inode
	nextIno uint32

	// snapMu serializes all lifecycle operations.
	snapMu sync.Mutex

	listMu sync.RWMutex
	list   []*Inode // snapshot chain, newest first

	active atomic.Pointer[Inode]

	excludeInode *Inode

	readOnly  bool
	needsFsck atomic.Bool
}

// Open mounts a formatted device.
func Open(dev interfaces.BlockDevice, log *logrus.Entry, readOnly bool) (*Fs, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cache := buffer.NewCache(dev)

	sbBuf, err := cache.Read(0)
	if err != nil {
		return nil, fmt.Errorf("failed to read superblock: %w", err)
	}
	sb, err := types.ParseSuperblock(sbBuf.Data())
	if err != nil {
		return nil, fmt.Errorf("failed to parse superblock: %w", err)
	}
	if sb.BlockSize != dev.BlockSize() {
		return nil, fmt.Errorf("superblock block size %d does not match device block size %d",
			sb.BlockSize, dev.BlockSize())
	}

	fs := &Fs{
		dev:      dev,
		cache:    cache,
		log:      log,
		sb:       sb,
		inodes:   make(map[uint32]*Inode),
		readOnly: readOnly,
	}
	fs.jnl = journal.New(cache, log)
	fs.gdtBlocks = (sb.GroupsCount*types.GroupDescSize + sb.BlockSize - 1) / sb.BlockSize

	fs.groups = make([]*GroupDesc, sb.GroupsCount)
	fs.groupLocks = make([]sync.Mutex, sb.GroupsCount)
	descsPerBlock := int(sb.BlockSize / types.GroupDescSize)
	for g := uint32(0); g < sb.GroupsCount; g++ {
		gb, err := cache.Read(1 + g/uint32(descsPerBlock))
		if err != nil {
			return nil, fmt.Errorf("failed to read group descriptor block: %w", err)
		}
		raw, err := types.ParseGroupDesc(gb.Data(), int(g)%descsPerBlock)
		if err != nil {
			return nil, fmt.Errorf("failed to parse group descriptor %d: %w", g, err)
		}
		fs.groups[g] = &GroupDesc{GroupDesc: *raw}
	}

	if err := fs.scanInodeTable(); err != nil {
		return nil, err
	}
	if sb.HasCompat(types.FeatureCompatExcludeInode) {
		in, err := fs.Inode(types.ExcludeIno)
		if err != nil {
			log.Warnf("bad exclude inode, no exclude bitmap: %v", err)
		} else {
			fs.excludeInode = in
			for g := uint32(0); g < sb.GroupsCount; g++ {
				if blk := fs.groups[g].ExcludeBitmapBlock; blk != 0 {
					in.mapSet(types.Iblock(g), blk)
				}
			}
		}
	}
	return fs, nil
}

// Device returns the underlying block device.
func (fs *Fs) Device() interfaces.BlockDevice { return fs.dev }

// Cache returns the buffer cache.
func (fs *Fs) Cache() *buffer.Cache { return fs.cache }

// Journal returns the journal.
func (fs *Fs) Journal() *journal.Journal { return fs.jnl }

// Super returns the superblock. Mutations require the super lock.
func (fs *Fs) Super() *types.Superblock { return fs.sb }

// Log returns the filesystem's log entry.
func (fs *Fs) Log() *logrus.Entry { return fs.log }

// ReadOnly reports whether the filesystem is mounted read-only.
func (fs *Fs) ReadOnly() bool { return fs.readOnly }

// SetReadOnly forces the filesystem read-only.
func (fs *Fs) SetReadOnly() { fs.readOnly = true }

// NeedsFsck reports whether an on-disk inconsistency was detected.
func (fs *Fs) NeedsFsck() bool { return fs.needsFsck.Load() }

// GroupCount returns the number of block groups.
func (fs *Fs) GroupCount() uint32 { return fs.sb.GroupsCount }

// Group returns the in-memory descriptor of group g.
func (fs *Fs) Group(g uint32) *GroupDesc { return fs.groups[g] }

// GroupLock returns the per-group spinlock protecting the descriptor's
// COW bitmap field, its free-block counter and exclude-bitmap bit
// updates. Critical sections are short and never wait on I/O.
func (fs *Fs) GroupLock(g uint32) *sync.Mutex { return &fs.groupLocks[g] }

// LockSuper acquires the super lock.
func (fs *Fs) LockSuper() { fs.sbMu.Lock() }

// UnlockSuper releases the super lock.
func (fs *Fs) UnlockSuper() { fs.sbMu.Unlock() }

// LockSnapshots acquires the snapshot mutex serializing lifecycle
// operations.
func (fs *Fs) LockSnapshots() { fs.snapMu.Lock() }

// UnlockSnapshots releases the snapshot mutex.
func (fs *Fs) UnlockSnapshots() { fs.snapMu.Unlock() }

// ActiveSnapshot returns the active snapshot inode or nil. Read without
// the snapshot mutex: the pointer is only swapped under the journal's
// update barrier, so readers inside a transaction see a stable value.
func (fs *Fs) ActiveSnapshot() *Inode { return fs.active.Load() }

// SetActiveSnapshot installs in (possibly nil) as the active snapshot.
func (fs *Fs) SetActiveSnapshot(in *Inode) {
	if prev := fs.active.Load(); prev != nil {
		prev.ClearFlag(types.FlagSnapfileActive)
	}
	fs.active.Store(in)
	if in != nil {
		in.SetFlag(types.FlagSnapfileActive | types.FlagSnapfileList)
	}
}

// ExcludeInode returns the exclude inode or nil when the feature is off.
func (fs *Fs) ExcludeInode() *Inode { return fs.excludeInode }

// ResetCowCache drops every group's COW bitmap cache pointer back to the
// unmaterialized state. Called after take and at mount.
func (fs *Fs) ResetCowCache() {
	for g := range fs.groups {
		fs.groupLocks[g].Lock()
		fs.groups[g].CowBitmapBlock = 0
		fs.groupLocks[g].Unlock()
	}
}

// Freeze flushes all pending state and blocks new transactions. Take and
// active-snapshot deactivation run frozen.
func (fs *Fs) Freeze() error {
	fs.jnl.LockUpdates()
	if err := fs.cache.SyncDirty(); err != nil {
		fs.jnl.UnlockUpdates()
		return fmt.Errorf("failed to flush before freeze: %w", err)
	}
	return nil
}

// Unfreeze releases the transaction barrier.
func (fs *Fs) Unfreeze() { fs.jnl.UnlockUpdates() }

// Error reports an on-disk inconsistency: the filesystem is marked as
// needing fsck and forced read-only.
func (fs *Fs) Error(format string, args ...any) {
	fs.log.Errorf(format, args...)
	fs.needsFsck.Store(true)
	fs.readOnly = true
}

// CommitSuper writes the superblock through block 0. With a nil
// transaction the write bypasses the journal (used under freeze).
func (fs *Fs) CommitSuper(tx *journal.Transaction) error {
	b := fs.cache.GetBlk(0)
	if tx != nil {
		if err := tx.GetWriteAccess(nil, b); err != nil {
			return err
		}
	}
	b.Lock()
	fs.sbMu.Lock()
	err := fs.sb.Marshal(b.Data())
	fs.sbMu.Unlock()
	b.SetUptodate()
	b.Unlock()
	if err != nil {
		return err
	}
	if tx != nil {
		return tx.DirtyMetadata(b)
	}
	return fs.cache.WriteBuffer(b)
}

// CommitGroupDesc writes the on-disk part of group g's descriptor.
func (fs *Fs) CommitGroupDesc(tx *journal.Transaction, g uint32) error {
	descsPerBlock := int(fs.sb.BlockSize / types.GroupDescSize)
	b, err := fs.cache.Read(1 + g/uint32(descsPerBlock))
	if err != nil {
		return err
	}
	if tx != nil {
		if err := tx.GetWriteAccess(nil, b); err != nil {
			return err
		}
	}
	b.Lock()
	err = fs.groups[g].GroupDesc.Marshal(b.Data(), int(g)%descsPerBlock)
	b.Unlock()
	if err != nil {
		return err
	}
	if tx != nil {
		return tx.DirtyMetadata(b)
	}
	return fs.cache.WriteBuffer(b)
}

// GdtBlocks returns the number of group-descriptor blocks following the
// superblock.
func (fs *Fs) GdtBlocks() uint32 { return fs.gdtBlocks }

// AddFreeBlocks adjusts the superblock free-block counter.
func (fs *Fs) AddFreeBlocks(delta int64) {
	fs.sbMu.Lock()
	fs.sb.FreeBlocksCount = uint32(int64(fs.sb.FreeBlocksCount) + delta)
	fs.sbMu.Unlock()
}

// FreeBlocksCount returns the current free-block count.
func (fs *Fs) FreeBlocksCount() uint32 {
	fs.sbMu.Lock()
	defer fs.sbMu.Unlock()
	return fs.sb.FreeBlocksCount
}
