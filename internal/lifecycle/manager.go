// File: internal/lifecycle/manager.go
//
// Package lifecycle drives the snapshot state machine: create, take,
// enable, disable, delete, shrink, merge, remove, load on mount and
// destroy on unmount. All verbs are serialized by the filesystem's
// snapshot mutex.
package lifecycle

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-snapfs/internal/cow"
	"github.com/deploymenttheory/go-snapfs/internal/fsys"
	"github.com/deploymenttheory/go-snapfs/internal/interfaces"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// Manager implements interfaces.SnapshotLifecycle for one mounted
// filesystem.
type Manager struct {
	fs     *fsys.Fs
	engine *cow.Engine
	log    *logrus.Entry
}

// NewManager creates the lifecycle manager. The COW engine must already
// be registered on the filesystem's journal.
func NewManager(fs *fsys.Fs, engine *cow.Engine) *Manager {
	return &Manager{fs: fs, engine: engine, log: fs.Log()}
}

// List returns the snapshot chain, newest first.
func (m *Manager) List() []interfaces.SnapshotInfo {
	snaps := m.fs.Snapshots()
	out := make([]interfaces.SnapshotInfo, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, s)
	}
	return out
}

// GetFlags recomputes the open flag of a snapshot file and returns the
// flag word. The active and in-use flags are not recomputed here; they
// are kept current by activation and by the update pass.
func (m *Manager) GetFlags(ino uint32) (uint32, error) {
	in, err := m.fs.Inode(ino)
	if err != nil {
		return 0, err
	}
	if in.OnList() && in.OpenCount() > 0 {
		in.SetFlag(types.FlagSnapfileOpen)
	} else {
		in.ClearFlag(types.FlagSnapfileOpen)
	}
	return in.Flags(), nil
}

// SetFlags applies a user flag mask to a snapshot file. Toggles on the
// list, enabled and deleted bits drive the lifecycle transitions; the
// reconciliation pass runs afterwards.
func (m *Manager) SetFlags(ino uint32, flags uint32) error {
	m.fs.LockSnapshots()
	defer m.fs.UnlockSnapshots()

	in, err := m.fs.Inode(ino)
	if err != nil {
		return err
	}
	old := in.Flags()

	if !in.IsSnapshotFile() {
		if (flags^old)&types.FlagsSnapshotMask != 0 {
			return fmt.Errorf("snapshot flags on non-snapshot file (ino=%d): %w",
				ino, types.ErrInvalid)
		}
		return nil
	}
	// only the user-controllable bits may change
	flags &= types.FlagsSnapshotUserMask

	if (flags^old)&types.FlagSnapfileEnabled != 0 {
		if flags&types.FlagSnapfileEnabled != 0 {
			err = m.enableLocked(in)
		} else {
			err = m.disableLocked(in)
		}
		if err != nil {
			return err
		}
	}

	if (flags^old)&types.FlagSnapfileList != 0 {
		if flags&types.FlagSnapfileList != 0 {
			// create and take run back to back, the way the
			// control surface drives them; a failure between the
			// two leaves the inode for the update pass to reap
			if err = m.createLocked(in); err == nil {
				err = m.takeLocked(in)
			}
		} else {
			err = m.deleteLocked(in)
		}
		if err != nil {
			return err
		}
	}

	if (flags^old)&types.FlagSnapfileDeleted != 0 && flags&types.FlagSnapfileDeleted != 0 {
		if err := m.deleteLocked(in); err != nil {
			return err
		}
	}

	return m.updateLocked(true)
}

// Create initializes an empty flagged inode as a snapshot file and links
// it at the chain head.
func (m *Manager) Create(ino uint32) error {
	m.fs.LockSnapshots()
	defer m.fs.UnlockSnapshots()
	in, err := m.fs.Inode(ino)
	if err != nil {
		return err
	}
	return m.createLocked(in)
}

// Delete marks a snapshot for removal. The mark is cheap; a cleanup
// update pass shrinks, merges and removes marked snapshots.
func (m *Manager) Delete(ino uint32) error {
	m.fs.LockSnapshots()
	defer m.fs.UnlockSnapshots()
	in, err := m.fs.Inode(ino)
	if err != nil {
		return err
	}
	if err := m.deleteLocked(in); err != nil {
		return err
	}
	return m.updateLocked(false)
}

// Enable makes a snapshot user visible.
func (m *Manager) Enable(ino uint32) error {
	m.fs.LockSnapshots()
	defer m.fs.UnlockSnapshots()
	in, err := m.fs.Inode(ino)
	if err != nil {
		return err
	}
	if err := m.enableLocked(in); err != nil {
		return err
	}
	return m.updateLocked(false)
}

// Disable hides a snapshot from users.
func (m *Manager) Disable(ino uint32) error {
	m.fs.LockSnapshots()
	defer m.fs.UnlockSnapshots()
	in, err := m.fs.Inode(ino)
	if err != nil {
		return err
	}
	if err := m.disableLocked(in); err != nil {
		return err
	}
	return m.updateLocked(false)
}

// Update runs the reconciliation pass.
func (m *Manager) Update(cleanup bool) error {
	m.fs.LockSnapshots()
	defer m.fs.UnlockSnapshots()
	return m.updateLocked(cleanup)
}

func (m *Manager) enableLocked(in *fsys.Inode) error {
	if !in.OnList() {
		return fmt.Errorf("enable of detached snapshot (ino=%d): %w", in.Ino(), types.ErrInvalid)
	}
	if in.HasFlag(types.FlagSnapfileDeleted) {
		return fmt.Errorf("enable of deleted snapshot (%d): %w",
			in.Generation(), types.ErrNotPermitted)
	}

	// visible size up to the disk size permits a loop mount
	in.SetSize(in.DiskSize())
	in.SetFlag(types.FlagSnapfileEnabled)
	m.log.Infof("snapshot (%d) enabled", in.Generation())
	return nil
}

func (m *Manager) disableLocked(in *fsys.Inode) error {
	if !in.OnList() {
		return fmt.Errorf("disable of detached snapshot (ino=%d): %w", in.Ino(), types.ErrInvalid)
	}
	if in.HasFlag(types.FlagSnapfileOpen) || in.OpenCount() > 0 {
		return fmt.Errorf("disable of mounted snapshot (%d): %w",
			in.Generation(), types.ErrNotPermitted)
	}

	in.SetSize(0)
	in.ClearFlag(types.FlagSnapfileEnabled)
	m.log.Infof("snapshot (%d) disabled", in.Generation())
	return nil
}

func (m *Manager) deleteLocked(in *fsys.Inode) error {
	if !in.OnList() {
		return fmt.Errorf("delete of detached snapshot (ino=%d): %w", in.Ino(), types.ErrInvalid)
	}
	if in.HasFlag(types.FlagSnapfileEnabled) {
		return fmt.Errorf("delete of enabled snapshot (%d): %w",
			in.Generation(), types.ErrNotPermitted)
	}

	in.SetFlag(types.FlagSnapfileDeleted)
	m.log.Infof("snapshot (%d) marked for deletion", in.Generation())
	return nil
}

var _ interfaces.SnapshotLifecycle = (*Manager)(nil)
