// File: internal/types/inode.go
package types

import (
	"encoding/binary"
	"fmt"
)

// RawInode is an on-disk inode entry, InodeSize bytes, little-endian.
// Block[] keeps the classic direct-pointer slots; snapshot image fixing
// prunes them so the image's block bitmap stays consistent when viewed as
// a stand-alone filesystem.
type RawInode struct {
	Mode        uint16
	LinksCount  uint16
	Flags       uint32
	Generation  uint32
	Size        uint64
	DiskSize    uint64
	NextInode   uint32 // next-pointer shared with the orphan list
	UUID        [16]byte
	BlocksCount uint32
	Block       [15]uint32
}

// ParseRawInode parses the inode entry at the given index within an
// inode-table block.
func ParseRawInode(data []byte, index int) (*RawInode, error) {
	off := index * InodeSize
	if len(data) < off+InodeSize {
		return nil, fmt.Errorf("inode entry %d out of range: %d bytes", index, len(data))
	}
	le := binary.LittleEndian
	ri := &RawInode{
		Mode:        le.Uint16(data[off : off+2]),
		LinksCount:  le.Uint16(data[off+2 : off+4]),
		Flags:       le.Uint32(data[off+4 : off+8]),
		Generation:  le.Uint32(data[off+8 : off+12]),
		Size:        le.Uint64(data[off+12 : off+20]),
		DiskSize:    le.Uint64(data[off+20 : off+28]),
		NextInode:   le.Uint32(data[off+28 : off+32]),
		BlocksCount: le.Uint32(data[off+48 : off+52]),
	}
	copy(ri.UUID[:], data[off+32:off+48])
	for i := 0; i < len(ri.Block); i++ {
		ri.Block[i] = le.Uint32(data[off+52+4*i : off+56+4*i])
	}
	return ri, nil
}

// Marshal writes the inode entry at the given index within an inode-table
// block.
func (ri *RawInode) Marshal(data []byte, index int) error {
	off := index * InodeSize
	if len(data) < off+InodeSize {
		return fmt.Errorf("inode entry %d out of range: %d bytes", index, len(data))
	}
	le := binary.LittleEndian
	le.PutUint16(data[off:off+2], ri.Mode)
	le.PutUint16(data[off+2:off+4], ri.LinksCount)
	le.PutUint32(data[off+4:off+8], ri.Flags)
	le.PutUint32(data[off+8:off+12], ri.Generation)
	le.PutUint64(data[off+12:off+20], ri.Size)
	le.PutUint64(data[off+20:off+28], ri.DiskSize)
	le.PutUint32(data[off+28:off+32], ri.NextInode)
	copy(data[off+32:off+48], ri.UUID[:])
	le.PutUint32(data[off+48:off+52], ri.BlocksCount)
	for i := 0; i < len(ri.Block); i++ {
		le.PutUint32(data[off+52+4*i:off+56+4*i], ri.Block[i])
	}
	for i := off + 112; i < off+InodeSize; i++ {
		data[i] = 0
	}
	return nil
}

// PruneImageInode rewrites an inode entry inside a snapshot image copy of
// an inode-table block. The journal inode copy is zeroed entirely;
// snapshot inode copies keep their scalar fields but drop block pointers
// and counts, because snapshot-owned blocks are masked out of the image's
// block bitmap.
func PruneImageInode(data []byte, index int, journal bool) error {
	off := index * InodeSize
	if len(data) < off+InodeSize {
		return fmt.Errorf("inode entry %d out of range: %d bytes", index, len(data))
	}
	if journal {
		for i := off; i < off+InodeSize; i++ {
			data[i] = 0
		}
		return nil
	}
	ri, err := ParseRawInode(data, index)
	if err != nil {
		return err
	}
	ri.BlocksCount = 0
	ri.Size = 0
	ri.DiskSize = 0
	ri.Block = [15]uint32{}
	return ri.Marshal(data, index)
}
