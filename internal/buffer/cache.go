// File: internal/buffer/cache.go
package buffer

import (
	"fmt"
	"sync"

	"github.com/deploymenttheory/go-snapfs/internal/interfaces"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// Cache is a write-back buffer cache over a block device. Buffers are
// shared: every reader and writer of a block sees the same Buffer, which
// is what makes the per-buffer COW bookkeeping meaningful.
type Cache struct {
	mu      sync.Mutex
	dev     interfaces.BlockDevice
	buffers map[uint32]*Buffer
}

// NewCache creates a buffer cache over dev.
func NewCache(dev interfaces.BlockDevice) *Cache {
	return &Cache{
		dev:     dev,
		buffers: make(map[uint32]*Buffer),
	}
}

// Device returns the underlying block device.
func (c *Cache) Device() interfaces.BlockDevice { return c.dev }

// GetBlk returns the buffer for a block without reading it from the
// device. The buffer may not be uptodate.
func (c *Cache) GetBlk(nr types.Paddr) *Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buffers[nr]; ok {
		return b
	}
	b := &Buffer{nr: nr, data: make([]byte, c.dev.BlockSize())}
	c.buffers[nr] = b
	return b
}

// Read returns the buffer for a block, reading it from the device if it
// is not uptodate yet.
func (c *Cache) Read(nr types.Paddr) (*Buffer, error) {
	b := c.GetBlk(nr)
	if b.Uptodate() {
		return b, nil
	}
	b.Lock()
	defer b.Unlock()
	if b.Uptodate() {
		return b, nil
	}
	if err := c.dev.ReadBlockInto(nr, b.data); err != nil {
		return nil, fmt.Errorf("failed to read block %d: %w", nr, err)
	}
	b.SetUptodate()
	return b, nil
}

// WriteBuffer writes a buffer through to the device and clears its dirty
// state.
func (c *Cache) WriteBuffer(b *Buffer) error {
	b.Lock()
	defer b.Unlock()
	if err := c.dev.WriteBlock(b.nr, b.data); err != nil {
		return fmt.Errorf("failed to write block %d: %w", b.nr, err)
	}
	b.ClearDirty()
	return nil
}

// SyncDirty writes every dirty buffer to the device and flushes it.
func (c *Cache) SyncDirty() error {
	c.mu.Lock()
	dirty := make([]*Buffer, 0)
	for _, b := range c.buffers {
		if b.Dirty() {
			dirty = append(dirty, b)
		}
	}
	c.mu.Unlock()
	for _, b := range dirty {
		if err := c.WriteBuffer(b); err != nil {
			return err
		}
	}
	return c.dev.FlushWrites()
}

// Drop forgets a cached buffer, invalidating any non-persisted contents.
func (c *Cache) Drop(nr types.Paddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.buffers, nr)
}
