// File: internal/device/memory.go
package device

import (
	"fmt"
	"sync"

	"github.com/deploymenttheory/go-snapfs/internal/interfaces"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// memoryDevice implements interfaces.BlockDevice over a byte slice. It is
// the backing store for tests and for throwaway images.
type memoryDevice struct {
	mu        sync.RWMutex
	data      []byte
	blockSize uint32
	blocks    uint64
	readOnly  bool
}

// NewMemory creates an in-memory block device with the given geometry.
func NewMemory(blockSize uint32, blocks uint64) (interfaces.BlockDevice, error) {
	if blockSize == 0 || blocks == 0 {
		return nil, fmt.Errorf("invalid device geometry: %d blocks of %d bytes", blocks, blockSize)
	}
	return &memoryDevice{
		data:      make([]byte, uint64(blockSize)*blocks),
		blockSize: blockSize,
		blocks:    blocks,
	}, nil
}

func (d *memoryDevice) ReadBlock(address types.Paddr) ([]byte, error) {
	dst := make([]byte, d.blockSize)
	if err := d.ReadBlockInto(address, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

func (d *memoryDevice) ReadBlockInto(address types.Paddr, dst []byte) error {
	if !d.IsValidAddress(address) {
		return fmt.Errorf("read past end of device: block %d of %d", address, d.blocks)
	}
	if uint32(len(dst)) < d.blockSize {
		return fmt.Errorf("destination too small: %d bytes", len(dst))
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	off := uint64(address) * uint64(d.blockSize)
	copy(dst[:d.blockSize], d.data[off:off+uint64(d.blockSize)])
	return nil
}

func (d *memoryDevice) WriteBlock(address types.Paddr, data []byte) error {
	if d.readOnly {
		return fmt.Errorf("write to read-only device: %w", types.ErrReadOnly)
	}
	if !d.IsValidAddress(address) {
		return fmt.Errorf("write past end of device: block %d of %d", address, d.blocks)
	}
	if uint32(len(data)) != d.blockSize {
		return fmt.Errorf("short block write: %d bytes", len(data))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	off := uint64(address) * uint64(d.blockSize)
	copy(d.data[off:off+uint64(d.blockSize)], data)
	return nil
}

func (d *memoryDevice) FlushWrites() error { return nil }

func (d *memoryDevice) IsReadOnly() bool { return d.readOnly }

func (d *memoryDevice) BlockSize() uint32 { return d.blockSize }

func (d *memoryDevice) TotalBlocks() uint64 { return d.blocks }

func (d *memoryDevice) IsValidAddress(address types.Paddr) bool {
	return uint64(address) < d.blocks
}

func (d *memoryDevice) Close() error { return nil }
