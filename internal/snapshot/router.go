// File: internal/snapshot/router.go
//
// Package snapshot implements the snapshot-image read path: reads of a
// snapshot file's logical blocks are stitched together across the chain
// down to the live block device.
package snapshot

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-snapfs/internal/bitmaps"
	"github.com/deploymenttheory/go-snapfs/internal/fsys"
	"github.com/deploymenttheory/go-snapfs/internal/interfaces"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// Router routes reads of snapshot images. It implements
// interfaces.SnapshotImageReader.
type Router struct {
	fs  *fsys.Fs
	log *logrus.Entry
}

// NewRouter creates a read router for fs.
func NewRouter(fs *fsys.Fs) *Router {
	return &Router{fs: fs, log: fs.Log()}
}

// ReadBlock reads logical block iblock of the snapshot with inode number
// ino. Writes are never routed: snapshot images are read-only.
func (r *Router) ReadBlock(ino uint32, iblock types.Iblock) ([]byte, error) {
	snap, err := r.fs.Inode(ino)
	if err != nil {
		return nil, err
	}
	return r.Read(snap, iblock)
}

// Read reads one logical block of snap through the chain.
func (r *Router) Read(snap *fsys.Inode, iblock types.Iblock) ([]byte, error) {
	if !snap.IsSnapshotFile() {
		return nil, fmt.Errorf("inode %d is not a snapshot file: %w", snap.Ino(), types.ErrInvalid)
	}

	if iblock < types.ReservedOffset {
		// reserved header region: normal snapshot file read
		return r.readLocal(snap, iblock)
	}

	if !snap.OnList() {
		// a snapshot being taken reads normally; any other
		// detached snapshot inode is stale
		if r.midTake(snap) {
			return r.readLocal(snap, iblock)
		}
		return nil, fmt.Errorf("snapshot (%d) not on chain: %w", snap.Generation(), types.ErrNotPermitted)
	}

	// walk from snap toward the chain head (newer snapshots) until a
	// mapping is found
	cur := snap
	for {
		if p, ok := cur.MapGet(iblock); ok {
			return r.readMapped(p)
		}

		if cur.HasFlag(types.FlagSnapfileActive) || cur == r.fs.ActiveSnapshot() {
			// active snapshot miss: read through to the live device
			return r.readThrough(types.SnapshotBlock(iblock))
		}

		newer := r.fs.NewerSnapshot(cur)
		if newer == nil {
			// chain head without the active flag
			return nil, fmt.Errorf("active snapshot not found on chain: %w", types.ErrIO)
		}
		if !newer.IsSnapshotFile() {
			return nil, fmt.Errorf("non-snapshot inode %d on chain: %w", newer.Ino(), types.ErrIO)
		}
		cur = newer
	}
}

// midTake reports whether snap is in the middle of being taken: it was
// created at the chain head but the list flag is not visible yet.
func (r *Router) midTake(snap *fsys.Inode) bool {
	head := r.fs.SnapshotChainHead()
	return head == snap
}

func (r *Router) readLocal(snap *fsys.Inode, iblock types.Iblock) ([]byte, error) {
	p, ok := snap.MapGet(iblock)
	if !ok {
		return make([]byte, r.fs.Super().BlockSize), nil
	}
	return r.readMapped(p)
}

func (r *Router) readMapped(p types.Paddr) ([]byte, error) {
	b, err := r.fs.Cache().Read(p)
	if err != nil {
		return nil, err
	}
	b.Lock()
	defer b.Unlock()
	out := make([]byte, r.fs.Super().BlockSize)
	copy(out, b.Data())
	return out, nil
}

// readThrough serves an active-snapshot miss from the live device. Block
// bitmap pages are fixed up so the image presents the snapshot's
// point-in-time bitmap rather than the live one.
func (r *Router) readThrough(p types.Paddr) ([]byte, error) {
	if uint64(p) >= uint64(r.fs.Super().BlocksCount) {
		return nil, fmt.Errorf("read through past end of volume: block %d: %w", p, types.ErrIO)
	}

	g := r.fs.Super().BlockGroup(p)
	if r.fs.Group(g).BlockBitmapBlock == p {
		dst := make([]byte, r.fs.Super().BlockSize)
		if err := bitmaps.ReadBlockBitmapForImage(r.fs, g, dst); err != nil {
			return nil, err
		}
		return dst, nil
	}

	// track the read so an in-flight COW of this block completes only
	// after the copy below is done
	b, err := r.fs.Cache().Read(p)
	if err != nil {
		return nil, err
	}
	b.TrackReader()
	defer b.UntrackReader()
	b.Lock()
	defer b.Unlock()
	out := make([]byte, r.fs.Super().BlockSize)
	copy(out, b.Data())
	return out, nil
}

var _ interfaces.SnapshotImageReader = (*Router)(nil)
