// File: internal/types/errors.go
package types

import "errors"

// Sentinel errors shared across the snapshot subsystem. Callers wrap them
// with operation context; tests and the journal hooks match with
// errors.Is.
var (
	// ErrNotPermitted is returned for operations the snapshot state
	// machine forbids: writing to a snapshot inode, disabling an open
	// snapshot, deleting an enabled snapshot, enabling a deleted one.
	ErrNotPermitted = errors.New("operation not permitted")

	// ErrNoSpace is returned when allocation fails or the take-time
	// reserved-space estimate exceeds the free block count.
	ErrNoSpace = errors.New("no space left on device")

	// ErrNeedsCow is returned by the probe variant of the COW engine
	// when a block would need to be copied.
	ErrNeedsCow = errors.New("block needs COW")

	// ErrIO is returned for buffer/bitmap read-write failures and for
	// a corrupt snapshot chain.
	ErrIO = errors.New("I/O error")

	// ErrInvalid is returned for lifecycle calls against inodes in the
	// wrong state (non-empty create target, detached snapshot, ...).
	ErrInvalid = errors.New("invalid argument")

	// ErrReadOnly is returned for mutating operations on a read-only
	// filesystem.
	ErrReadOnly = errors.New("read-only file system")
)
