// File: internal/types/features.go
package types

// Compatible feature flags. A filesystem with unknown compat features may
// still be mounted read-write.
const (
	// FeatureCompatHasJournal indicates the volume carries a journal.
	// Cleared on snapshot image copies so they present as plain
	// read-only images.
	FeatureCompatHasJournal uint32 = 1 << iota

	// FeatureCompatExcludeInode indicates the exclude inode exists and
	// group descriptors carry exclude-bitmap pointers.
	FeatureCompatExcludeInode

	// FeatureCompatBigJournal advises that the journal was created
	// large enough for COW credit amplification.
	FeatureCompatBigJournal
)

// Read-only compatible feature flags. A filesystem with unknown ro-compat
// features may only be mounted read-only.
const (
	// FeatureRoCompatHasSnapshot is set when the first snapshot is created.
	FeatureRoCompatHasSnapshot uint32 = 1 << iota

	// FeatureRoCompatIsSnapshot is set only inside snapshot image
	// copies of the superblock.
	FeatureRoCompatIsSnapshot

	// FeatureRoCompatFixExclude records a detected exclude-bitmap
	// inconsistency; fsck must rebuild the exclude bitmap.
	FeatureRoCompatFixExclude
)
