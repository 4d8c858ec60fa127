// File: internal/fsys/inode.go
package fsys

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/deploymenttheory/go-snapfs/internal/journal"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// Inode is an in-memory inode. Scalar fields round-trip through the
// inode table; the block map is runtime state rebuilt on mount (the host
// on-disk block-map format is outside the snapshot subsystem's scope).
type Inode struct {
	fs         *Fs
	ino        uint32
	mode       uint16
	nlink      atomic.Int32
	flags      atomic.Uint32
	generation uint32
	id         uuid.UUID
	created    time.Time
	size       atomic.Int64
	diskSize   atomic.Int64
	nextInode  atomic.Uint32
	openCount  atomic.Int32
	refs       atomic.Int32

	// truncateMu is held for block-pointer mutations outside the
	// snapshot mutex.
	truncateMu  sync.RWMutex
	blocks      map[types.Iblock]types.Paddr
	blocksCount int64
}

// Ino returns the inode number.
func (in *Inode) Ino() uint32 { return in.ino }

// InodeNumber returns the inode number (interfaces.SnapshotInfo).
func (in *Inode) InodeNumber() uint32 { return in.ino }

// Mode returns the file mode bits.
func (in *Inode) Mode() uint16 { return in.mode }

// Nlink returns the link count.
func (in *Inode) Nlink() int { return int(in.nlink.Load()) }

// Flags returns the inode flag word.
func (in *Inode) Flags() uint32 { return in.flags.Load() }

// HasFlag reports whether every bit of flag is set.
func (in *Inode) HasFlag(flag uint32) bool { return in.flags.Load()&flag == flag }

// HasAnyFlag reports whether any bit of flag is set.
func (in *Inode) HasAnyFlag(flag uint32) bool { return in.flags.Load()&flag != 0 }

// SetFlag sets flag bits.
func (in *Inode) SetFlag(flag uint32) {
	for {
		old := in.flags.Load()
		if in.flags.CompareAndSwap(old, old|flag) {
			return
		}
	}
}

// ClearFlag clears flag bits.
func (in *Inode) ClearFlag(flag uint32) {
	for {
		old := in.flags.Load()
		if in.flags.CompareAndSwap(old, old&^flag) {
			return
		}
	}
}

// IsSnapshotFile reports whether the inode belongs to the snapshot
// subsystem.
func (in *Inode) IsSnapshotFile() bool { return in.HasFlag(types.FlagSnapfile) }

// OnList reports whether the inode is linked on the snapshot chain.
func (in *Inode) OnList() bool { return in.HasFlag(types.FlagSnapfileList) }

// Excluded reports whether the inode's data blocks are exempt from
// snapshot preservation: the exclude inode itself, files flagged
// excluded, and snapshot files (their blocks live in the exclude
// bitmap).
func (in *Inode) Excluded() bool {
	return in.ino == types.ExcludeIno ||
		in.HasAnyFlag(types.FlagExcluded|types.FlagSnapfile)
}

// Generation returns the snapshot id recorded at create.
func (in *Inode) Generation() uint32 { return in.generation }

// SnapshotID returns the snapshot id (interfaces.SnapshotInfo).
func (in *Inode) SnapshotID() uint32 { return in.generation }

// SetGeneration records the snapshot id.
func (in *Inode) SetGeneration(gen uint32) { in.generation = gen }

// UUID returns the inode's unique identifier.
func (in *Inode) UUID() uuid.UUID { return in.id }

// SetUUID stamps the inode's unique identifier.
func (in *Inode) SetUUID(id uuid.UUID) { in.id = id }

// CreationTime returns the inode create time.
func (in *Inode) CreationTime() time.Time { return in.created }

// Size returns the visible file size.
func (in *Inode) Size() int64 { return in.size.Load() }

// SizeBytes returns the visible file size (interfaces.SnapshotInfo).
func (in *Inode) SizeBytes() int64 { return in.size.Load() }

// SetSize sets the visible file size.
func (in *Inode) SetSize(n int64) { in.size.Store(n) }

// DiskSize returns the on-disk size recorded at snapshot create time.
func (in *Inode) DiskSize() int64 { return in.diskSize.Load() }

// SetDiskSize sets the on-disk size.
func (in *Inode) SetDiskSize(n int64) { in.diskSize.Store(n) }

// NextSnapshot returns the on-disk chain next-pointer (shared with the
// orphan list; snapshots are never orphans simultaneously).
func (in *Inode) NextSnapshot() uint32 { return in.nextInode.Load() }

// SetNextSnapshot updates the chain next-pointer.
func (in *Inode) SetNextSnapshot(ino uint32) { in.nextInode.Store(ino) }

// OpenCount returns the number of user opens held on the file.
func (in *Inode) OpenCount() int { return int(in.openCount.Load()) }

// IncOpen registers a user open (loop mount).
func (in *Inode) IncOpen() { in.openCount.Add(1) }

// DecOpen drops a user open.
func (in *Inode) DecOpen() { in.openCount.Add(-1) }

// Grab takes a reference on the inode.
func (in *Inode) Grab() *Inode {
	in.refs.Add(1)
	return in
}

// Put drops a reference.
func (in *Inode) Put() { in.refs.Add(-1) }

// MapGet looks up a logical block mapping.
func (in *Inode) MapGet(iblock types.Iblock) (types.Paddr, bool) {
	in.truncateMu.RLock()
	defer in.truncateMu.RUnlock()
	p, ok := in.blocks[iblock]
	return p, ok
}

// MappedBlocks returns a sorted-free snapshot of the block map as
// (logical, physical) pairs.
func (in *Inode) MappedBlocks() map[types.Iblock]types.Paddr {
	in.truncateMu.RLock()
	defer in.truncateMu.RUnlock()
	cp := make(map[types.Iblock]types.Paddr, len(in.blocks))
	for k, v := range in.blocks {
		cp[k] = v
	}
	return cp
}

// BlocksCount returns the number of blocks charged to the inode.
func (in *Inode) BlocksCount() int64 {
	in.truncateMu.RLock()
	defer in.truncateMu.RUnlock()
	return in.blocksCount
}

// mapSet installs a mapping to an already-allocated block without
// touching the block bitmap; the inode is charged one block when the
// logical block was a hole.
func (in *Inode) mapSet(iblock types.Iblock, p types.Paddr) {
	in.truncateMu.Lock()
	defer in.truncateMu.Unlock()
	if _, ok := in.blocks[iblock]; !ok {
		in.blocksCount++
	}
	in.blocks[iblock] = p
}

// inodeLoc returns the inode-table block and the entry index for ino.
func (fs *Fs) inodeLoc(ino uint32) (types.Paddr, int, error) {
	if ino == 0 {
		return 0, 0, fmt.Errorf("inode 0: %w", types.ErrInvalid)
	}
	g := (ino - 1) / fs.sb.InodesPerGroup
	if g >= fs.sb.GroupsCount {
		return 0, 0, fmt.Errorf("inode %d out of range: %w", ino, types.ErrInvalid)
	}
	idx := (ino - 1) % fs.sb.InodesPerGroup
	perBlock := fs.sb.BlockSize / types.InodeSize
	blk := fs.groups[g].InodeTableBlock + idx/perBlock
	return blk, int(idx % perBlock), nil
}

// InodeTableBlockFor returns the inode-table block containing ino.
func (fs *Fs) InodeTableBlockFor(ino uint32) (types.Paddr, error) {
	blk, _, err := fs.inodeLoc(ino)
	return blk, err
}

// Inode returns the in-memory inode for ino, reading the on-disk entry
// on first access.
func (fs *Fs) Inode(ino uint32) (*Inode, error) {
	fs.inodeMu.Lock()
	defer fs.inodeMu.Unlock()
	if in, ok := fs.inodes[ino]; ok {
		return in, nil
	}

	blk, idx, err := fs.inodeLoc(ino)
	if err != nil {
		return nil, err
	}
	b, err := fs.cache.Read(blk)
	if err != nil {
		return nil, fmt.Errorf("failed to read inode table block for inode %d: %w", ino, err)
	}
	b.Lock()
	raw, err := types.ParseRawInode(b.Data(), idx)
	b.Unlock()
	if err != nil {
		return nil, err
	}
	if raw.Mode == 0 {
		return nil, fmt.Errorf("inode %d is not allocated: %w", ino, types.ErrInvalid)
	}

	in := &Inode{
		fs:         fs,
		ino:        ino,
		mode:       raw.Mode,
		generation: raw.Generation,
		created:    time.Now(),
		blocks:     make(map[types.Iblock]types.Paddr),
	}
	in.nlink.Store(int32(raw.LinksCount))
	in.flags.Store(raw.Flags)
	in.size.Store(int64(raw.Size))
	in.diskSize.Store(int64(raw.DiskSize))
	in.nextInode.Store(raw.NextInode)
	copy(in.id[:], raw.UUID[:])
	fs.inodes[ino] = in
	return in, nil
}

// AllocInode allocates a fresh inode with the given mode and flags.
func (fs *Fs) AllocInode(tx *journal.Transaction, mode uint16, flags uint32) (*Inode, error) {
	fs.inodeMu.Lock()
	ino := fs.nextIno
	limit := fs.sb.InodesPerGroup * fs.sb.GroupsCount
	if ino > limit {
		fs.inodeMu.Unlock()
		return nil, fmt.Errorf("inode table full: %w", types.ErrNoSpace)
	}
	fs.nextIno++
	in := &Inode{
		fs:      fs,
		ino:     ino,
		mode:    mode,
		created: time.Now(),
		blocks:  make(map[types.Iblock]types.Paddr),
	}
	in.nlink.Store(1)
	in.flags.Store(flags)
	fs.inodes[ino] = in
	fs.inodeMu.Unlock()

	if err := fs.MarkInodeDirty(tx, in); err != nil {
		return nil, err
	}
	return in, nil
}

// MarkInodeDirty serializes the inode's scalar fields into its
// inode-table entry through the journal.
func (fs *Fs) MarkInodeDirty(tx *journal.Transaction, in *Inode) error {
	blk, idx, err := fs.inodeLoc(in.ino)
	if err != nil {
		return err
	}
	b, err := fs.cache.Read(blk)
	if err != nil {
		return fmt.Errorf("failed to read inode table block for inode %d: %w", in.ino, err)
	}
	if tx != nil {
		if err := tx.GetWriteAccess(nil, b); err != nil {
			return err
		}
	}
	raw := &types.RawInode{
		Mode:        in.mode,
		LinksCount:  uint16(in.nlink.Load()),
		Flags:       in.flags.Load(),
		Generation:  in.generation,
		Size:        uint64(in.size.Load()),
		DiskSize:    uint64(in.diskSize.Load()),
		NextInode:   in.nextInode.Load(),
		BlocksCount: uint32(in.BlocksCount()),
	}
	copy(raw.UUID[:], in.id[:])
	b.Lock()
	err = raw.Marshal(b.Data(), idx)
	b.Unlock()
	if err != nil {
		return err
	}
	if tx != nil {
		return tx.DirtyMetadata(b)
	}
	return fs.cache.WriteBuffer(b)
}

// scanInodeTable walks the on-disk inode table to find the allocation
// high-water mark.
func (fs *Fs) scanInodeTable() error {
	fs.nextIno = types.FirstFreeIno
	perBlock := fs.sb.BlockSize / types.InodeSize
	for ino := uint32(1); ino <= fs.sb.InodesPerGroup*fs.sb.GroupsCount; ino++ {
		g := (ino - 1) / fs.sb.InodesPerGroup
		if g >= fs.sb.GroupsCount {
			break
		}
		idx := (ino - 1) % fs.sb.InodesPerGroup
		blk := fs.groups[g].InodeTableBlock + idx/perBlock
		b, err := fs.cache.Read(blk)
		if err != nil {
			return fmt.Errorf("failed to scan inode table: %w", err)
		}
		b.Lock()
		raw, err := types.ParseRawInode(b.Data(), int(idx%perBlock))
		b.Unlock()
		if err != nil {
			return err
		}
		if raw.Mode != 0 && ino >= fs.nextIno {
			fs.nextIno = ino + 1
		}
	}
	return nil
}
