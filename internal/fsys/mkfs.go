// File: internal/fsys/mkfs.go
package fsys

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-snapfs/internal/interfaces"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// FormatOptions configures mkfs.
type FormatOptions struct {
	// BlocksPerGroup defaults to 8 * block size (one bitmap block per
	// group); tests use small groups.
	BlocksPerGroup uint32

	// InodesPerGroup defaults to 16.
	InodesPerGroup uint32

	// ExcludeInode creates the exclude inode and per-group exclude
	// bitmaps. On by default through Defaults().
	ExcludeInode bool

	// BigJournal records the advisory big-journal feature.
	BigJournal bool

	Log *logrus.Entry
}

// Defaults returns the standard format options.
func Defaults() FormatOptions {
	return FormatOptions{ExcludeInode: true, BigJournal: true}
}

// Format lays a fresh filesystem onto dev and mounts it.
//
// Per-group layout from the group base: block bitmap, inode bitmap,
// inode table, exclude bitmap. Group 0 is preceded by the superblock and
// the group-descriptor table.
func Format(dev interfaces.BlockDevice, opts FormatOptions) (*Fs, error) {
	bs := dev.BlockSize()
	if opts.BlocksPerGroup == 0 {
		opts.BlocksPerGroup = bs * 8
	}
	if opts.InodesPerGroup == 0 {
		opts.InodesPerGroup = 16
	}
	if uint64(opts.BlocksPerGroup) > uint64(bs)*8 {
		return nil, fmt.Errorf("blocks per group %d exceeds bitmap capacity %d",
			opts.BlocksPerGroup, bs*8)
	}

	blocks := dev.TotalBlocks()
	if blocks > 1<<32-1 {
		return nil, fmt.Errorf("device too large: %d blocks", blocks)
	}
	groups := (uint32(blocks) + opts.BlocksPerGroup - 1) / opts.BlocksPerGroup
	if groups == 0 {
		return nil, fmt.Errorf("device too small: %d blocks", blocks)
	}
	gdtBlocks := (groups*types.GroupDescSize + bs - 1) / bs
	itableBlocks := (opts.InodesPerGroup*types.InodeSize + bs - 1) / bs

	sb := &types.Superblock{
		Magic:          types.MagicSuper,
		BlocksCount:    uint32(blocks),
		BlockSize:      bs,
		BlocksPerGroup: opts.BlocksPerGroup,
		InodesPerGroup: opts.InodesPerGroup,
		FeatureCompat:  types.FeatureCompatHasJournal,
		JournalInum:    types.JournalIno,
		GroupsCount:    groups,
	}
	if opts.ExcludeInode {
		sb.FeatureCompat |= types.FeatureCompatExcludeInode
	}
	if opts.BigJournal {
		sb.FeatureCompat |= types.FeatureCompatBigJournal
	}

	descs := make([]*types.GroupDesc, groups)

	bitmaps := make(map[uint32][]byte, groups)
	for g := uint32(0); g < groups; g++ {
		bitmaps[g] = make([]byte, bs)
	}
	markUsed := func(bitmaps map[uint32][]byte, p types.Paddr) {
		g := p / opts.BlocksPerGroup
		SetBit(bitmaps[g], p%opts.BlocksPerGroup)
	}

	for g := uint32(0); g < groups; g++ {
		base := g * opts.BlocksPerGroup
		next := base
		if g == 0 {
			// superblock + group descriptor table
			for i := uint32(0); i < 1+gdtBlocks; i++ {
				markUsed(bitmaps, next)
				next++
			}
		}
		desc := &types.GroupDesc{BlockBitmapBlock: next}
		markUsed(bitmaps, next)
		next++
		desc.InodeBitmapBlock = next
		markUsed(bitmaps, next)
		next++
		desc.InodeTableBlock = next
		for i := uint32(0); i < itableBlocks; i++ {
			markUsed(bitmaps, next)
			next++
		}
		if opts.ExcludeInode {
			desc.ExcludeBitmapBlock = next
			markUsed(bitmaps, next)
			next++
		}
		if next > sb.BlocksCount || next-base > opts.BlocksPerGroup {
			return nil, fmt.Errorf("group %d metadata does not fit: %w", g, types.ErrNoSpace)
		}
		descs[g] = desc
	}

	// mark blocks past the end of a short last group as in use
	last := groups - 1
	for bit := sb.GroupBlocks(last); bit < opts.BlocksPerGroup; bit++ {
		SetBit(bitmaps[last], bit)
	}

	for g := uint32(0); g < groups; g++ {
		desc := descs[g]
		desc.FreeBlocksCount = 0
		for bit := uint32(0); bit < sb.GroupBlocks(g); bit++ {
			if !TestBit(bitmaps[g], bit) {
				desc.FreeBlocksCount++
			}
		}
		if err := dev.WriteBlock(desc.BlockBitmapBlock, bitmaps[g]); err != nil {
			return nil, err
		}
		zero := make([]byte, bs)
		if err := dev.WriteBlock(desc.InodeBitmapBlock, zero); err != nil {
			return nil, err
		}
		sb.FreeBlocksCount += desc.FreeBlocksCount
	}

	// group descriptor table
	descsPerBlock := int(bs / types.GroupDescSize)
	for blk := uint32(0); blk < gdtBlocks; blk++ {
		page := make([]byte, bs)
		for i := 0; i < descsPerBlock; i++ {
			g := int(blk)*descsPerBlock + i
			if g >= int(groups) {
				break
			}
			if err := descs[g].Marshal(page, i); err != nil {
				return nil, err
			}
		}
		if err := dev.WriteBlock(1+blk, page); err != nil {
			return nil, err
		}
	}

	// reserved inodes: journal and exclude
	if err := writeRawInode(dev, sb, descs, types.JournalIno, &types.RawInode{
		Mode: 0o100600, LinksCount: 1,
	}); err != nil {
		return nil, err
	}
	if opts.ExcludeInode {
		if err := writeRawInode(dev, sb, descs, types.ExcludeIno, &types.RawInode{
			Mode: 0o100600, LinksCount: 1, Flags: types.FlagExcluded,
		}); err != nil {
			return nil, err
		}
	}

	// superblock last
	page := make([]byte, bs)
	if err := sb.Marshal(page); err != nil {
		return nil, err
	}
	if err := dev.WriteBlock(0, page); err != nil {
		return nil, err
	}
	if err := dev.FlushWrites(); err != nil {
		return nil, err
	}

	return Open(dev, opts.Log, false)
}

func writeRawInode(dev interfaces.BlockDevice, sb *types.Superblock, descs []*types.GroupDesc, ino uint32, raw *types.RawInode) error {
	g := (ino - 1) / sb.InodesPerGroup
	idx := (ino - 1) % sb.InodesPerGroup
	perBlock := sb.BlockSize / types.InodeSize
	blk := descs[g].InodeTableBlock + idx/perBlock

	page, err := dev.ReadBlock(blk)
	if err != nil {
		return err
	}
	if err := raw.Marshal(page, int(idx%perBlock)); err != nil {
		return err
	}
	return dev.WriteBlock(blk, page)
}
