// File: internal/fsys/blockmap.go
package fsys

import (
	"fmt"

	"github.com/deploymenttheory/go-snapfs/internal/journal"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// MapCmd selects the intent of a MapBlocks call.
type MapCmd int

const (
	// MapRead probes for existing mappings without allocating.
	MapRead MapCmd = iota

	// MapWrite allocates blocks for normal snapshot-file growth
	// (pre-allocation of reserved and critical-path blocks).
	MapWrite

	// MapBitmap allocates the COW bitmap block of a group; the new
	// buffer is returned with its pending-COW marker raised.
	MapBitmap

	// MapCow allocates the backup copy of a COWed block; the new
	// buffer is returned with its pending-COW marker raised.
	MapCow

	// MapMove re-parents physical blocks into the snapshot file
	// without allocation: logical SnapshotIBlock(p) maps to p itself.
	MapMove
)

func (cmd MapCmd) pendingCow() bool {
	return cmd == MapBitmap || cmd == MapCow
}

// MapBlocks tests and optionally establishes mappings in an inode's
// block map, starting at iblock for up to maxBlocks consecutive logical
// blocks.
//
// Returns the physical block mapped at iblock (0 for a hole), the number
// of blocks mapped by this call's intent, and whether this caller
// performed the mapping. Concurrent COWers of the same block serialize
// here: exactly one caller maps and gets allocated=true; losers see the
// existing mapping.
func (fs *Fs) MapBlocks(tx *journal.Transaction, in *Inode, iblock types.Iblock, maxBlocks int, cmd MapCmd) (types.Paddr, int, bool, error) {
	if maxBlocks < 1 {
		return 0, 0, false, fmt.Errorf("maxblocks %d: %w", maxBlocks, types.ErrInvalid)
	}

	if cmd == MapRead {
		in.truncateMu.RLock()
		defer in.truncateMu.RUnlock()
		first, ok := in.blocks[iblock]
		if !ok {
			return 0, 0, false, nil
		}
		count := 1
		for count < maxBlocks {
			if _, ok := in.blocks[iblock+types.Iblock(count)]; !ok {
				break
			}
			count++
		}
		return first, count, false, nil
	}

	in.truncateMu.Lock()
	defer in.truncateMu.Unlock()

	if cmd == MapMove {
		count := 0
		for count < maxBlocks {
			ib := iblock + types.Iblock(count)
			if _, ok := in.blocks[ib]; ok {
				break
			}
			in.blocks[ib] = types.SnapshotBlock(ib)
			in.blocksCount++
			count++
		}
		if count == 0 {
			p := in.blocks[iblock]
			return p, 0, false, nil
		}
		return types.SnapshotBlock(iblock), count, true, nil
	}

	// allocating commands
	if p, ok := in.blocks[iblock]; ok {
		// another task mapped this block first
		return p, 1, false, nil
	}
	goal := uint32(0)
	if iblock >= types.ReservedOffset {
		goal = fs.sb.BlockGroup(types.SnapshotBlock(iblock))
	}
	count := 0
	var first types.Paddr
	for count < maxBlocks {
		ib := iblock + types.Iblock(count)
		if _, ok := in.blocks[ib]; ok {
			break
		}
		p, err := fs.AllocBlock(tx, goal)
		if err != nil {
			if count > 0 {
				break
			}
			return 0, 0, false, err
		}
		in.blocks[ib] = p
		in.blocksCount++
		if count == 0 {
			first = p
			if cmd.pendingCow() {
				// raise the pending-COW marker before the
				// mapping becomes visible to probing COWers
				fs.cache.GetBlk(p).StartPendingCow()
			}
		}
		if in.IsSnapshotFile() {
			if _, err := fs.MarkExcluded(tx, p, 1); err != nil {
				if count == 0 && cmd.pendingCow() {
					fs.cache.GetBlk(p).EndPendingCow()
				}
				return 0, 0, false, err
			}
		}
		count++
	}
	return first, count, true, nil
}

// UnmapBlock drops a logical mapping, returning the physical block it
// pointed at.
func (fs *Fs) UnmapBlock(in *Inode, iblock types.Iblock) (types.Paddr, bool) {
	in.truncateMu.Lock()
	defer in.truncateMu.Unlock()
	p, ok := in.blocks[iblock]
	if ok {
		delete(in.blocks, iblock)
		in.blocksCount--
	}
	return p, ok
}

// WriteFileBlock writes one data block of a regular file. A mapped block
// is first offered to the move-on-write engine; when the snapshot takes
// ownership the file gets a fresh block, otherwise the write lands in
// place.
func (fs *Fs) WriteFileBlock(tx *journal.Transaction, in *Inode, iblock types.Iblock, data []byte) error {
	if uint32(len(data)) != fs.sb.BlockSize {
		return fmt.Errorf("short block write: %d bytes: %w", len(data), types.ErrInvalid)
	}
	if in.OnList() {
		// snapshot images are read-only; the active snapshot is
		// written only through the COW path
		return fmt.Errorf("snapshot (%d) is read-only: %w", in.Generation(), types.ErrNotPermitted)
	}
	p, mapped := in.MapGet(iblock)
	if mapped {
		moved, err := tx.GetMoveAccess(in, p, 1, true)
		if err != nil {
			return err
		}
		if moved > 0 {
			fs.UnmapBlock(in, iblock)
			mapped = false
		}
	}
	if !mapped {
		np, err := fs.AllocBlock(tx, fs.sb.BlockGroup(p))
		if err != nil {
			return err
		}
		in.mapSet(iblock, np)
		p = np
	}
	b := fs.cache.GetBlk(p)
	b.Lock()
	copy(b.Data(), data)
	b.SetUptodate()
	b.Unlock()
	return tx.DirtyData(b)
}

// ReadFileBlock reads one data block of a regular file; holes read as
// zeros.
func (fs *Fs) ReadFileBlock(in *Inode, iblock types.Iblock) ([]byte, error) {
	p, ok := in.MapGet(iblock)
	if !ok {
		return make([]byte, fs.sb.BlockSize), nil
	}
	b, err := fs.cache.Read(p)
	if err != nil {
		return nil, err
	}
	b.Lock()
	defer b.Unlock()
	out := make([]byte, fs.sb.BlockSize)
	copy(out, b.Data())
	return out, nil
}

// FreeFileBlocks frees a range of a regular file's data blocks. Each
// block is first offered to the move-on-write engine; blocks the
// snapshot claims are only unmapped, the rest are freed outright.
func (fs *Fs) FreeFileBlocks(tx *journal.Transaction, in *Inode, iblock types.Iblock, count int) error {
	for count > 0 {
		p, ok := in.MapGet(iblock)
		if !ok {
			iblock++
			count--
			continue
		}
		moved, err := tx.GetDeleteAccess(in, p, count)
		if err != nil {
			return err
		}
		if moved > 0 {
			for i := 0; i < moved; i++ {
				fs.UnmapBlock(in, iblock+types.Iblock(i))
			}
			iblock += types.Iblock(moved)
			count -= moved
			continue
		}
		if err := fs.FreeBlockRange(tx, p, 1, false); err != nil {
			return err
		}
		fs.UnmapBlock(in, iblock)
		iblock++
		count--
	}
	return nil
}

// WriteMetaBlock mutates a metadata block in place. Write access runs
// first, so the block's take-time contents are preserved by the active
// snapshot before the mutation lands.
func (fs *Fs) WriteMetaBlock(tx *journal.Transaction, owner *Inode, p types.Paddr, mutate func([]byte)) error {
	b, err := fs.cache.Read(p)
	if err != nil {
		return err
	}
	var ownerArg any
	if owner != nil {
		ownerArg = owner
	}
	if err := tx.GetWriteAccess(ownerArg, b); err != nil {
		return err
	}
	b.Lock()
	mutate(b.Data())
	b.Unlock()
	return tx.DirtyMetadata(b)
}

// MoveSnapshotBlock transfers one logical mapping from one snapshot file
// to another; the merge pass uses it to fold shrunk deleted snapshots
// into the snapshot that still needs their blocks. Returns false when
// the destination already maps the logical block (the source mapping is
// then freed instead, since the block is shadowed).
func (fs *Fs) MoveSnapshotBlock(tx *journal.Transaction, from, to *Inode, iblock types.Iblock) (bool, error) {
	p, ok := from.MapGet(iblock)
	if !ok {
		return false, nil
	}
	if _, shadowed := to.MapGet(iblock); shadowed {
		if err := fs.FreeSnapshotBlock(tx, from, iblock); err != nil {
			return false, err
		}
		return false, nil
	}
	fs.UnmapBlock(from, iblock)
	to.mapSet(iblock, p)
	return true, nil
}

// FreeSnapshotBlock releases one block of a snapshot file: the bitmap
// bit and the exclude bit are cleared and the mapping dropped. Only
// non-active snapshots shed blocks, always under the snapshot mutex, so
// no allocation can race with this.
func (fs *Fs) FreeSnapshotBlock(tx *journal.Transaction, snap *Inode, iblock types.Iblock) error {
	p, ok := snap.MapGet(iblock)
	if !ok {
		return nil
	}
	if err := fs.FreeBlockRange(tx, p, 1, true); err != nil {
		return err
	}
	fs.UnmapBlock(snap, iblock)
	return nil
}
