// File: internal/types/general_types.go
package types

// Paddr is a physical block address on the host volume.
// Block addresses are 32-bit; block size equals the host page size.
type Paddr = uint32

// Iblock is a logical block offset inside an inode's block map.
// Snapshot files shift physical addresses by ReservedOffset, so logical
// offsets need more headroom than the 32-bit physical space.
type Iblock = int64

const (
	// InodeSize is the size of an on-disk inode entry in bytes.
	InodeSize = 128

	// GroupDescSize is the size of an on-disk group descriptor in bytes.
	GroupDescSize = 32

	// SuperblockSize is the size of the marshaled superblock in bytes.
	// The superblock occupies the start of block 0; the rest of the
	// block is zero.
	SuperblockSize = 64

	// DefaultBlockSize is used by mkfs when no block size is configured.
	DefaultBlockSize = 4096
)

// Well-known inode numbers. Inode numbering starts at 1.
const (
	// JournalIno is the host journal inode.
	JournalIno = 8

	// ExcludeIno is the exclude inode: its data blocks are the
	// per-group exclude bitmaps.
	ExcludeIno = 9

	// FirstFreeIno is the first inode number available for allocation.
	FirstFreeIno = 11
)

// MagicSuper identifies a go-snapfs superblock.
const MagicSuper = 0x534E4653 // "SNFS"
