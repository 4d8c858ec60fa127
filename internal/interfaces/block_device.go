// File: internal/interfaces/block_device.go
package interfaces

import (
	"io"

	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// BlockDeviceReader provides methods for reading from block devices
type BlockDeviceReader interface {
	// ReadBlock reads a single block at the specified address
	ReadBlock(address types.Paddr) ([]byte, error)

	// ReadBlockInto reads a single block into a caller-provided page
	ReadBlockInto(address types.Paddr, dst []byte) error

	// BlockSize returns the size of a single block in bytes
	BlockSize() uint32

	// TotalBlocks returns the total number of blocks on the device
	TotalBlocks() uint64

	// IsValidAddress checks if a block address is valid
	IsValidAddress(address types.Paddr) bool
}

// BlockDeviceWriter provides methods for writing to block devices
type BlockDeviceWriter interface {
	// WriteBlock writes a single block at the specified address
	WriteBlock(address types.Paddr, data []byte) error

	// FlushWrites ensures all pending writes are committed to storage
	FlushWrites() error

	// IsReadOnly checks if the device is read-only
	IsReadOnly() bool
}

// BlockDevice represents a complete block device interface
type BlockDevice interface {
	BlockDeviceReader
	BlockDeviceWriter
	io.Closer
}
