package snapshot

import (
	"bytes"
	"errors"
	"testing"

	"github.com/deploymenttheory/go-snapfs/internal/cow"
	"github.com/deploymenttheory/go-snapfs/internal/device"
	"github.com/deploymenttheory/go-snapfs/internal/fsys"
	"github.com/deploymenttheory/go-snapfs/internal/journal"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

func newTestFs(t *testing.T) *fsys.Fs {
	t.Helper()
	dev, err := device.NewMemory(512, 256)
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	opts := fsys.Defaults()
	opts.BlocksPerGroup = 64
	opts.InodesPerGroup = 8
	fs, err := fsys.Format(dev, opts)
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	return fs
}

func addSnapshot(t *testing.T, fs *fsys.Fs, active bool) *fsys.Inode {
	t.Helper()
	tx, _ := fs.Journal().Start(journal.MaxTransData)
	defer tx.Commit()
	snap, err := fs.AllocInode(tx, 0o100600, types.FlagSnapfile)
	if err != nil {
		t.Fatalf("AllocInode failed: %v", err)
	}
	snap.SetDiskSize(int64(fs.Super().BlocksCount) * int64(fs.Super().BlockSize))
	if err := fs.SnapshotListAdd(tx, snap); err != nil {
		t.Fatalf("SnapshotListAdd failed: %v", err)
	}
	if active {
		fs.SetActiveSnapshot(snap)
		fs.ResetCowCache()
	}
	return snap
}

func fillBlock(t *testing.T, fs *fsys.Fs, fill byte) types.Paddr {
	t.Helper()
	tx, _ := fs.Journal().Start(journal.MaxTransData)
	defer tx.Commit()
	p, err := fs.AllocBlock(tx, 0)
	if err != nil {
		t.Fatalf("AllocBlock failed: %v", err)
	}
	b := fs.Cache().GetBlk(p)
	b.Lock()
	for i := range b.Data() {
		b.Data()[i] = fill
	}
	b.SetUptodate()
	b.Unlock()
	tx.DirtyData(b)
	return p
}

func TestActiveSnapshotMissReadsThrough(t *testing.T) {
	fs := newTestFs(t)
	p := fillBlock(t, fs, 0x42)
	snap := addSnapshot(t, fs, true)
	cow.NewEngine(fs)
	r := NewRouter(fs)

	got, err := r.Read(snap, types.SnapshotIBlock(p))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got[0] != 0x42 {
		t.Errorf("read through = 0x%02x, want 0x42", got[0])
	}
}

func TestReadAfterCowServesPreImage(t *testing.T) {
	fs := newTestFs(t)
	p := fillBlock(t, fs, 0x42)
	snap := addSnapshot(t, fs, true)
	cow.NewEngine(fs)
	r := NewRouter(fs)

	tx, _ := fs.Journal().Start(journal.MaxTransData)
	if err := fs.WriteMetaBlock(tx, nil, p, func(data []byte) { data[0] = 0x43 }); err != nil {
		t.Fatalf("WriteMetaBlock failed: %v", err)
	}
	tx.Commit()

	got, err := r.Read(snap, types.SnapshotIBlock(p))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got[0] != 0x42 {
		t.Errorf("snapshot read = 0x%02x, want pre-write 0x42", got[0])
	}
}

// Older snapshot misses route through the newer snapshot that holds the
// block, per scenario S2.
func TestReadThroughNewerSnapshot(t *testing.T) {
	fs := newTestFs(t)
	p := fillBlock(t, fs, 0x51)
	older := addSnapshot(t, fs, true)
	cow.NewEngine(fs)

	// second take: B becomes active, A reads through B
	newer := addSnapshot(t, fs, true)
	_ = newer

	tx, _ := fs.Journal().Start(journal.MaxTransData)
	if err := fs.WriteMetaBlock(tx, nil, p, func(data []byte) { data[0] = 0x52 }); err != nil {
		t.Fatalf("WriteMetaBlock failed: %v", err)
	}
	tx.Commit()

	r := NewRouter(fs)
	got, err := r.Read(older, types.SnapshotIBlock(p))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got[0] != 0x51 {
		t.Errorf("older snapshot read = 0x%02x, want 0x51", got[0])
	}
}

func TestReservedHeaderReadsLocally(t *testing.T) {
	fs := newTestFs(t)
	snap := addSnapshot(t, fs, true)
	r := NewRouter(fs)

	got, err := r.Read(snap, 1)
	if err != nil {
		t.Fatalf("Read of header failed: %v", err)
	}
	if !bytes.Equal(got, make([]byte, fs.Super().BlockSize)) {
		t.Error("unallocated header block not zero")
	}
}

func TestDetachedSnapshotDenied(t *testing.T) {
	fs := newTestFs(t)
	addSnapshot(t, fs, true)

	tx, _ := fs.Journal().Start(journal.MaxTransData)
	stale, err := fs.AllocInode(tx, 0o100600, types.FlagSnapfile)
	if err != nil {
		t.Fatalf("AllocInode failed: %v", err)
	}
	stale.SetDiskSize(int64(fs.Super().BlocksCount) * int64(fs.Super().BlockSize))
	tx.Commit()

	r := NewRouter(fs)
	_, err = r.Read(stale, types.SnapshotIBlock(50))
	if !errors.Is(err, types.ErrNotPermitted) {
		t.Errorf("stale snapshot read = %v, want ErrNotPermitted", err)
	}
}

func TestHeadWithoutActiveIsIOError(t *testing.T) {
	fs := newTestFs(t)
	snap := addSnapshot(t, fs, false) // on chain, no active anywhere

	r := NewRouter(fs)
	_, err := r.Read(snap, types.SnapshotIBlock(50))
	if !errors.Is(err, types.ErrIO) {
		t.Errorf("headless chain read = %v, want ErrIO", err)
	}
}

func TestNonSnapshotInodeRejected(t *testing.T) {
	fs := newTestFs(t)
	tx, _ := fs.Journal().Start(journal.MaxTransData)
	file, _ := fs.AllocInode(tx, 0o100644, 0)
	tx.Commit()

	r := NewRouter(fs)
	if _, err := r.Read(file, 10); !errors.Is(err, types.ErrInvalid) {
		t.Errorf("non-snapshot read = %v, want ErrInvalid", err)
	}
}

// The image presents the take-time block bitmap, not the live one.
func TestBlockBitmapFixup(t *testing.T) {
	fs := newTestFs(t)
	snap := addSnapshot(t, fs, true)
	cow.NewEngine(fs)
	r := NewRouter(fs)

	bitmapBlk := fs.Group(0).BlockBitmapBlock
	img, err := r.Read(snap, types.SnapshotIBlock(bitmapBlk))
	if err != nil {
		t.Fatalf("Read of bitmap block failed: %v", err)
	}

	// snapshot-owned blocks are masked out; the superblock is set
	if !fsys.TestBit(img, 0) {
		t.Error("superblock clear in image bitmap")
	}

	// allocate a snapshot block (excluded); the image bitmap must not
	// show it even though the live bitmap does
	tx, _ := fs.Journal().Start(journal.MaxTransData)
	p, _, _, err := fs.MapBlocks(tx, snap, types.SnapshotIBlock(40), 1, fsys.MapWrite)
	if err != nil {
		t.Fatalf("MapBlocks failed: %v", err)
	}
	tx.Commit()

	if fs.Super().BlockGroup(p) == 0 {
		img, err = r.Read(snap, types.SnapshotIBlock(bitmapBlk))
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if fsys.TestBit(img, fs.Super().GroupOffset(p)) {
			t.Error("snapshot-owned block visible in image bitmap")
		}
	}
}
