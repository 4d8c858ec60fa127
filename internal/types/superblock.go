// File: internal/types/superblock.go
package types

import (
	"encoding/binary"
	"fmt"
)

// Superblock is the host filesystem superblock, restricted to the fields
// the snapshot subsystem owns or consumes. It lives at the start of
// block 0 and is stored little-endian.
type Superblock struct {
	Magic           uint32
	BlocksCount     uint32
	BlockSize       uint32
	BlocksPerGroup  uint32
	InodesPerGroup  uint32
	FeatureCompat   uint32
	FeatureRoCompat uint32
	JournalInum     uint32

	// LastSnapshotIno is the head of the on-disk snapshot chain
	// (the newest snapshot).
	LastSnapshotIno uint32

	// ActiveSnapshotIno is the snapshot COW is directed to, or 0.
	ActiveSnapshotIno uint32

	// SnapshotID is a monotonic counter incremented on every
	// successful take. 0 means "no id".
	SnapshotID uint32

	// SnapshotRBlocks is the reserved-space estimate computed at the
	// last take for potential snapshot file growth.
	SnapshotRBlocks uint32

	FreeBlocksCount uint32
	GroupsCount     uint32
}

// ParseSuperblock parses a little-endian superblock from the start of a
// block-0 buffer.
func ParseSuperblock(data []byte) (*Superblock, error) {
	if len(data) < SuperblockSize {
		return nil, fmt.Errorf("superblock data too small: %d bytes", len(data))
	}
	le := binary.LittleEndian
	sb := &Superblock{
		Magic:             le.Uint32(data[0:4]),
		BlocksCount:       le.Uint32(data[4:8]),
		BlockSize:         le.Uint32(data[8:12]),
		BlocksPerGroup:    le.Uint32(data[12:16]),
		InodesPerGroup:    le.Uint32(data[16:20]),
		FeatureCompat:     le.Uint32(data[20:24]),
		FeatureRoCompat:   le.Uint32(data[24:28]),
		JournalInum:       le.Uint32(data[28:32]),
		LastSnapshotIno:   le.Uint32(data[32:36]),
		ActiveSnapshotIno: le.Uint32(data[36:40]),
		SnapshotID:        le.Uint32(data[40:44]),
		SnapshotRBlocks:   le.Uint32(data[44:48]),
		FreeBlocksCount:   le.Uint32(data[48:52]),
		GroupsCount:       le.Uint32(data[52:56]),
	}
	if sb.Magic != MagicSuper {
		return nil, fmt.Errorf("bad superblock magic 0x%08x", sb.Magic)
	}
	if sb.BlockSize == 0 || sb.BlocksPerGroup == 0 {
		return nil, fmt.Errorf("bad superblock geometry: block size %d, blocks per group %d",
			sb.BlockSize, sb.BlocksPerGroup)
	}
	return sb, nil
}

// Marshal writes the superblock little-endian into dst, which must hold at
// least SuperblockSize bytes.
func (sb *Superblock) Marshal(dst []byte) error {
	if len(dst) < SuperblockSize {
		return fmt.Errorf("superblock buffer too small: %d bytes", len(dst))
	}
	le := binary.LittleEndian
	le.PutUint32(dst[0:4], sb.Magic)
	le.PutUint32(dst[4:8], sb.BlocksCount)
	le.PutUint32(dst[8:12], sb.BlockSize)
	le.PutUint32(dst[12:16], sb.BlocksPerGroup)
	le.PutUint32(dst[16:20], sb.InodesPerGroup)
	le.PutUint32(dst[20:24], sb.FeatureCompat)
	le.PutUint32(dst[24:28], sb.FeatureRoCompat)
	le.PutUint32(dst[28:32], sb.JournalInum)
	le.PutUint32(dst[32:36], sb.LastSnapshotIno)
	le.PutUint32(dst[36:40], sb.ActiveSnapshotIno)
	le.PutUint32(dst[40:44], sb.SnapshotID)
	le.PutUint32(dst[44:48], sb.SnapshotRBlocks)
	le.PutUint32(dst[48:52], sb.FreeBlocksCount)
	le.PutUint32(dst[52:56], sb.GroupsCount)
	for i := 56; i < SuperblockSize; i++ {
		dst[i] = 0
	}
	return nil
}

// PatchForImage rewrites a superblock copy in place so the snapshot body
// presents as a stand-alone read-only filesystem image: no journal, no
// snapshot chain, flagged as a snapshot image.
func PatchForImage(data []byte) error {
	sb, err := ParseSuperblock(data)
	if err != nil {
		return err
	}
	sb.FeatureCompat &^= FeatureCompatHasJournal
	sb.JournalInum = 0
	sb.FeatureRoCompat &^= FeatureRoCompatHasSnapshot
	sb.ActiveSnapshotIno = 0
	sb.LastSnapshotIno = 0
	sb.FeatureRoCompat |= FeatureRoCompatIsSnapshot
	return sb.Marshal(data)
}

// HasCompat reports whether all bits in feature are set.
func (sb *Superblock) HasCompat(feature uint32) bool {
	return sb.FeatureCompat&feature == feature
}

// HasRoCompat reports whether all bits in feature are set.
func (sb *Superblock) HasRoCompat(feature uint32) bool {
	return sb.FeatureRoCompat&feature == feature
}
