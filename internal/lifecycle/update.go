// File: internal/lifecycle/update.go
package lifecycle

import (
	"github.com/deploymenttheory/go-snapfs/internal/fsys"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// updateLocked is the reconciliation pass. It walks the chain oldest to
// newest, recomputes the dynamic flags, reaps snapshots left over from a
// failed take, and with cleanup set shrinks, merges and removes deleted
// snapshots. Called under the snapshot mutex.
func (m *Manager) updateLocked(cleanup bool) error {
	fs := m.fs
	readOnly := fs.ReadOnly()
	active := fs.ActiveSnapshot()
	if active != nil {
		active.SetFlag(types.FlagSnapfileActive | types.FlagSnapfileList)
	}

	// last non-deleted snapshot seen; its enabled state decides
	// whether newer deleted snapshots are still in use
	var usedBy *fsys.Inode
	needShrink := 0
	needMerge := 0
	foundActive := false
	foundEnabled := false

	snaps := fs.Snapshots()
	for i := len(snaps) - 1; i >= 0; i-- { // oldest to newest
		in := snaps[i]
		in.SetFlag(types.FlagSnapfileList)

		// snapshots later than the active one are a failed take;
		// no active snapshot means the first take failed
		if foundActive || active == nil {
			if !readOnly {
				if err := m.removeLocked(in); err != nil {
					return err
				}
			}
			continue
		}

		if in == active {
			in.SetFlag(types.FlagSnapfileActive)
			foundActive = true
		} else {
			in.ClearFlag(types.FlagSnapfileActive)
		}

		if foundEnabled {
			// in use by an older enabled snapshot
			in.SetFlag(types.FlagSnapfileInuse)
		} else {
			in.ClearFlag(types.FlagSnapfileInuse)
		}

		deleted := in.HasFlag(types.FlagSnapfileDeleted) && !in.HasFlag(types.FlagSnapfileActive)
		if cleanup {
			if err := m.cleanupOne(in, usedBy, deleted, &needShrink, &needMerge); err != nil {
				return err
			}
		}

		if !deleted {
			if !foundActive {
				// newer snapshots are potentially used by this
				// one when it is enabled
				usedBy = in
			}
			if in.HasFlag(types.FlagSnapfileEnabled) {
				foundEnabled = true
			}
		}
	}

	if active == nil || !cleanup || usedBy != nil {
		return nil
	}

	// every non-active snapshot is gone; if the active snapshot itself
	// is deleted, deactivate and remove it
	if !active.HasFlag(types.FlagSnapfileDeleted) {
		return nil
	}
	if err := fs.Freeze(); err != nil {
		return err
	}
	fs.SetActiveSnapshot(nil)
	fs.LockSuper()
	fs.Super().ActiveSnapshotIno = 0
	fs.UnlockSuper()
	err := fs.CommitSuper(nil)
	fs.Unfreeze()
	if err != nil {
		return err
	}
	return m.removeLocked(active)
}

// cleanupOne decides what to do with one snapshot during a cleanup pass:
//   - deleted with no older non-deleted snapshot: remove permanently
//   - deleted, not yet shrunk: count toward the next shrink run
//   - deleted, not in use: count toward the next merge run
//   - non-deleted: run the pending shrink and merge over the deleted run
//     between usedBy and this snapshot
func (m *Manager) cleanupOne(in, usedBy *fsys.Inode, deleted bool, needShrink, needMerge *int) error {
	if deleted && usedBy == nil {
		return m.removeLocked(in)
	}
	if deleted {
		if !in.HasFlag(types.FlagSnapfileShrunk) {
			*needShrink++
		}
		if !in.HasFlag(types.FlagSnapfileInuse) {
			*needMerge++
		}
		return nil
	}

	if *needShrink > 0 {
		if err := m.shrink(usedBy, in, *needShrink); err != nil {
			return err
		}
	}
	*needShrink = 0
	if *needMerge > 0 {
		if err := m.merge(usedBy, in, *needMerge); err != nil {
			return err
		}
	}
	*needMerge = 0
	return nil
}

// interval returns the deleted snapshots strictly between start and end
// on the chain, newest first. Boundary convention: start < S < end.
func (m *Manager) interval(start, end *fsys.Inode) []*fsys.Inode {
	snaps := m.fs.Snapshots()
	endIdx, startIdx := -1, -1
	for i, s := range snaps {
		if s == end {
			endIdx = i
		}
		if s == start {
			startIdx = i
		}
	}
	if endIdx < 0 || startIdx < 0 || endIdx >= startIdx {
		return nil
	}
	return snaps[endIdx+1 : startIdx]
}
