// File: internal/lifecycle/load.go
package lifecycle

import (
	"fmt"

	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// Load walks the on-disk snapshot chain at mount time, starting at the
// newest (or active) snapshot and continuing to older ones. A failure
// before the active snapshot forces a read-only mount; a failure after
// it aborts the walk but allows read-write.
func (m *Manager) Load(readOnly bool) error {
	fs := m.fs
	if len(fs.Snapshots()) != 0 {
		return fmt.Errorf("snapshots already loaded: %w", types.ErrInvalid)
	}

	if !fs.Super().HasCompat(types.FeatureCompatBigJournal) {
		m.log.Warn("big_journal feature is not set - this might affect concurrent writer performance")
	}

	// init COW bitmap and exclude bitmap caches
	if err := fs.InitBitmapCache(!readOnly); err != nil {
		return err
	}

	fs.LockSuper()
	ino := fs.Super().LastSnapshotIno
	activeIno := fs.Super().ActiveSnapshotIno
	fs.UnlockSuper()

	if ino == 0 && activeIno != 0 {
		// chain head lost but an active snapshot exists; reset the
		// head to the active snapshot and load from there
		if !readOnly {
			fs.LockSuper()
			fs.Super().LastSnapshotIno = activeIno
			fs.UnlockSuper()
			if err := fs.CommitSuper(nil); err != nil {
				return err
			}
		}
		ino = activeIno
	}

	hasSnapshot := fs.Super().HasRoCompat(types.FeatureRoCompatHasSnapshot)
	if ino != 0 && !hasSnapshot {
		// consistent filesystems set the feature on first create; try
		// to load anyway and repair the flag on success
		m.log.Warnf("has_snapshot feature is not set and last snapshot found (ino=%d), trying to load it", ino)
	}

	num := 0
	hasActive := false
	for ino != 0 {
		in, err := fs.Inode(ino)
		if err != nil || !in.IsSnapshotFile() {
			if hasActive || !hasSnapshot {
				// active snapshot already loaded, or no
				// snapshot feature: abort the walk, allow rw
				m.log.Warnf("failed to load snapshot (ino=%d) - aborting snapshot load", ino)
				break
			}
			if num == 0 && ino != activeIno {
				// failed on the newest non-active snapshot;
				// fall back to the active one
				if !readOnly {
					fs.LockSuper()
					fs.Super().LastSnapshotIno = activeIno
					fs.UnlockSuper()
					if err := fs.CommitSuper(nil); err != nil {
						return err
					}
				}
				ino = activeIno
				continue
			}
			// failed to load the active snapshot
			m.log.Warnf("failed to load active snapshot (ino=%d) - forcing read-only mount", activeIno)
			if readOnly {
				return nil
			}
			fs.SetReadOnly()
			return fmt.Errorf("failed to load active snapshot (ino=%d): %w", activeIno, types.ErrIO)
		}

		num++
		m.log.Infof("snapshot (%d) loaded", in.Generation())

		if !hasSnapshot {
			fs.LockSuper()
			fs.Super().FeatureRoCompat |= types.FeatureRoCompatHasSnapshot
			fs.UnlockSuper()
			if !readOnly {
				if err := fs.CommitSuper(nil); err != nil {
					return err
				}
			}
			hasSnapshot = true
		}

		if in.Ino() == activeIno {
			fs.SetActiveSnapshot(in)
			hasActive = true
		}

		fs.SnapshotListAppend(in)
		ino = in.NextSnapshot()
	}

	if num > 0 {
		m.fs.LockSnapshots()
		err := m.updateLocked(false)
		m.fs.UnlockSnapshots()
		if err != nil {
			return err
		}
		m.log.Infof("%d snapshots loaded", num)
	}
	return nil
}

// Destroy releases the in-memory snapshot chain at unmount and
// deactivates the active snapshot.
func (m *Manager) Destroy() {
	m.fs.ClearSnapshotList()
	m.fs.SetActiveSnapshot(nil)
}
