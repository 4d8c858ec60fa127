// File: internal/types/group.go
package types

import (
	"encoding/binary"
	"fmt"
)

// GroupDesc is an on-disk block-group descriptor. ExcludeBitmapBlock is
// the only snapshot-owned persistent field; the COW-bitmap pointer is an
// in-memory cache kept alongside the descriptor by the mounted-fs context.
type GroupDesc struct {
	BlockBitmapBlock   uint32
	InodeBitmapBlock   uint32
	InodeTableBlock    uint32
	ExcludeBitmapBlock uint32
	FreeBlocksCount    uint32
}

// ParseGroupDesc parses a descriptor from data at the given index within a
// group-descriptor block.
func ParseGroupDesc(data []byte, index int) (*GroupDesc, error) {
	off := index * GroupDescSize
	if len(data) < off+GroupDescSize {
		return nil, fmt.Errorf("group descriptor %d out of range: %d bytes", index, len(data))
	}
	le := binary.LittleEndian
	return &GroupDesc{
		BlockBitmapBlock:   le.Uint32(data[off : off+4]),
		InodeBitmapBlock:   le.Uint32(data[off+4 : off+8]),
		InodeTableBlock:    le.Uint32(data[off+8 : off+12]),
		ExcludeBitmapBlock: le.Uint32(data[off+12 : off+16]),
		FreeBlocksCount:    le.Uint32(data[off+16 : off+20]),
	}, nil
}

// Marshal writes the descriptor at the given index within a
// group-descriptor block.
func (gd *GroupDesc) Marshal(data []byte, index int) error {
	off := index * GroupDescSize
	if len(data) < off+GroupDescSize {
		return fmt.Errorf("group descriptor %d out of range: %d bytes", index, len(data))
	}
	le := binary.LittleEndian
	le.PutUint32(data[off:off+4], gd.BlockBitmapBlock)
	le.PutUint32(data[off+4:off+8], gd.InodeBitmapBlock)
	le.PutUint32(data[off+8:off+12], gd.InodeTableBlock)
	le.PutUint32(data[off+12:off+16], gd.ExcludeBitmapBlock)
	le.PutUint32(data[off+16:off+20], gd.FreeBlocksCount)
	for i := off + 20; i < off+GroupDescSize; i++ {
		data[i] = 0
	}
	return nil
}

// BlockGroup returns the block group containing physical block p.
func (sb *Superblock) BlockGroup(p Paddr) uint32 {
	return p / sb.BlocksPerGroup
}

// GroupOffset returns the bit offset of physical block p within its group.
func (sb *Superblock) GroupOffset(p Paddr) uint32 {
	return p % sb.BlocksPerGroup
}

// GroupBase returns the first physical block of group g.
func (sb *Superblock) GroupBase(g uint32) Paddr {
	return g * sb.BlocksPerGroup
}

// GroupBlocks returns the number of blocks in group g; the last group may
// be short.
func (sb *Superblock) GroupBlocks(g uint32) uint32 {
	base := sb.GroupBase(g)
	if base+sb.BlocksPerGroup > sb.BlocksCount {
		return sb.BlocksCount - base
	}
	return sb.BlocksPerGroup
}
