// File: internal/interfaces/snapshot.go
package interfaces

import (
	"time"

	"github.com/google/uuid"
)

// SnapshotInfo provides basic information about a snapshot on the chain
type SnapshotInfo interface {
	// InodeNumber returns the snapshot's inode number
	InodeNumber() uint32

	// SnapshotID returns the monotonic snapshot id recorded at create
	SnapshotID() uint32

	// UUID returns the snapshot's unique identifier
	UUID() uuid.UUID

	// CreationTime returns the time the snapshot was created
	CreationTime() time.Time

	// Flags returns the snapshot status flags, including the dynamic
	// ones computed from runtime state
	Flags() uint32

	// HasFlag checks if a specific flag is set
	HasFlag(flag uint32) bool

	// SizeBytes returns the snapshot's visible size; non-zero only
	// while the snapshot is enabled
	SizeBytes() int64
}

// SnapshotLifecycle drives the snapshot state machine. All methods are
// serialized by the manager; verbs that change on-disk state run inside
// journal transactions.
type SnapshotLifecycle interface {
	// Create initializes an empty flagged inode as a snapshot file and
	// links it to the chain head.
	Create(ino uint32) error

	// Take freezes the filesystem and turns the newest created
	// snapshot into the active snapshot.
	Take(ino uint32) error

	// SetFlags applies a user flag mask; toggles on the list, enabled
	// and deleted bits drive lifecycle transitions.
	SetFlags(ino uint32, flags uint32) error

	// GetFlags recomputes the open flag and returns the flag word.
	GetFlags(ino uint32) (uint32, error)

	// Update walks the chain and reconciles flags, shrinks and merges
	// deleted snapshots, and removes unused ones.
	Update(cleanup bool) error

	// List returns the chain newest first.
	List() []SnapshotInfo
}

// SnapshotImageReader routes reads of a snapshot image across the chain
// down to the live block device.
type SnapshotImageReader interface {
	// ReadBlock reads logical block iblock of snapshot ino.
	ReadBlock(ino uint32, iblock int64) ([]byte, error)
}
