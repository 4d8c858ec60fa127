// File: internal/fsys/chain.go
package fsys

import (
	"fmt"

	"github.com/deploymenttheory/go-snapfs/internal/journal"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// The snapshot chain is chronologically ordered, newest at the head. On
// disk it is threaded through the inodes' next-pointer field starting at
// the superblock's LastSnapshotIno; in memory it is a slice plus the
// inode lookup table, iterated explicitly.

// Snapshots returns a copy of the chain, newest first.
func (fs *Fs) Snapshots() []*Inode {
	fs.listMu.RLock()
	defer fs.listMu.RUnlock()
	cp := make([]*Inode, len(fs.list))
	copy(cp, fs.list)
	return cp
}

// SnapshotChainHead returns the newest snapshot on the chain or nil.
func (fs *Fs) SnapshotChainHead() *Inode {
	fs.listMu.RLock()
	defer fs.listMu.RUnlock()
	if len(fs.list) == 0 {
		return nil
	}
	return fs.list[0]
}

// NewerSnapshot returns in's neighbor toward the chain head (the next
// newer snapshot), or nil when in is the head or not on the chain.
func (fs *Fs) NewerSnapshot(in *Inode) *Inode {
	fs.listMu.RLock()
	defer fs.listMu.RUnlock()
	for i, s := range fs.list {
		if s == in {
			if i == 0 {
				return nil
			}
			return fs.list[i-1]
		}
	}
	return nil
}

// SnapshotListAdd links in at the chain head, writing the next-pointer
// update and the superblock head through the journal.
func (fs *Fs) SnapshotListAdd(tx *journal.Transaction, in *Inode) error {
	fs.sbMu.Lock()
	in.SetNextSnapshot(fs.sb.LastSnapshotIno)
	fs.sb.LastSnapshotIno = in.ino
	fs.sbMu.Unlock()

	if err := fs.MarkInodeDirty(tx, in); err != nil {
		return err
	}
	if err := fs.CommitSuper(tx); err != nil {
		return err
	}

	fs.listMu.Lock()
	fs.list = append([]*Inode{in.Grab()}, fs.list...)
	fs.listMu.Unlock()
	in.SetFlag(types.FlagSnapfileList)
	return nil
}

// SnapshotListDel unlinks in from the chain, repairing the neighbor's
// next-pointer or the superblock head.
func (fs *Fs) SnapshotListDel(tx *journal.Transaction, in *Inode) error {
	fs.listMu.Lock()
	pos := -1
	for i, s := range fs.list {
		if s == in {
			pos = i
			break
		}
	}
	if pos < 0 {
		fs.listMu.Unlock()
		return fmt.Errorf("snapshot (%d) not on chain: %w", in.generation, types.ErrInvalid)
	}
	var newer *Inode
	if pos > 0 {
		newer = fs.list[pos-1]
	}
	fs.list = append(fs.list[:pos], fs.list[pos+1:]...)
	fs.listMu.Unlock()

	next := in.NextSnapshot()
	if newer != nil {
		newer.SetNextSnapshot(next)
		if err := fs.MarkInodeDirty(tx, newer); err != nil {
			return err
		}
	} else {
		fs.sbMu.Lock()
		fs.sb.LastSnapshotIno = next
		fs.sbMu.Unlock()
		if err := fs.CommitSuper(tx); err != nil {
			return err
		}
	}

	in.SetNextSnapshot(0)
	in.ClearFlag(types.FlagSnapfileList)
	if err := fs.MarkInodeDirty(tx, in); err != nil {
		return err
	}
	in.Put()
	return nil
}

// SnapshotListAppend attaches an inode at the chain tail without journal
// writes; the mount-time loader uses it while walking the on-disk chain.
func (fs *Fs) SnapshotListAppend(in *Inode) {
	fs.listMu.Lock()
	fs.list = append(fs.list, in.Grab())
	fs.listMu.Unlock()
	in.SetFlag(types.FlagSnapfileList)
}

// ClearSnapshotList drops every chain reference; the unmount path uses
// it after deactivating the active snapshot.
func (fs *Fs) ClearSnapshotList() {
	fs.listMu.Lock()
	for _, in := range fs.list {
		in.ClearFlag(types.FlagSnapfileList)
		in.Put()
	}
	fs.list = nil
	fs.listMu.Unlock()
}
