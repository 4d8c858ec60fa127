package cow

import (
	"bytes"
	"errors"
	"sync"
	"testing"

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

// fillBlock allocates a block and writes recognizable contents, without
// any snapshot active.
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
	if err := tx.DirtyData(b); err != nil {
		t.Fatalf("DirtyData failed: %v", err)
	}
	return p
}

// activateSnapshot creates a snapshot inode, makes it active and
// registers the engine. A stand-in for the full take path, which lives
// in the lifecycle package.
func activateSnapshot(t *testing.T, fs *fsys.Fs) (*fsys.Inode, *Engine) {
	t.Helper()
	tx, _ := fs.Journal().Start(journal.MaxTransData)
	snap, err := fs.AllocInode(tx, 0o100600, types.FlagSnapfile)
	if err != nil {
		t.Fatalf("AllocInode failed: %v", err)
	}
	snap.SetDiskSize(int64(fs.Super().BlocksCount) * int64(fs.Super().BlockSize))
	if err := fs.SnapshotListAdd(tx, snap); err != nil {
		t.Fatalf("SnapshotListAdd failed: %v", err)
	}
	tx.Commit()
	fs.SetActiveSnapshot(snap)
	fs.ResetCowCache()
	return snap, NewEngine(fs)
}

func snapshotBlockData(t *testing.T, fs *fsys.Fs, snap *fsys.Inode, phys types.Paddr) []byte {
	t.Helper()
	p, ok := snap.MapGet(types.SnapshotIBlock(phys))
	if !ok {
		t.Fatalf("snapshot has no mapping for physical block %d", phys)
	}
	b, err := fs.Cache().Read(p)
	if err != nil {
		t.Fatalf("failed to read snapshot block: %v", err)
	}
	b.Lock()
	defer b.Unlock()
	out := make([]byte, len(b.Data()))
	copy(out, b.Data())
	return out
}

func TestCowPreservesOriginalContents(t *testing.T) {
	fs := newTestFs(t)
	p := fillBlock(t, fs, 0xAA)
	snap, _ := activateSnapshot(t, fs)

	tx, _ := fs.Journal().Start(journal.MaxTransData)
	err := fs.WriteMetaBlock(tx, nil, p, func(data []byte) {
		for i := range data {
			data[i] = 0xBB
		}
	})
	if err != nil {
		t.Fatalf("WriteMetaBlock failed: %v", err)
	}
	tx.Commit()

	preserved := snapshotBlockData(t, fs, snap, p)
	want := bytes.Repeat([]byte{0xAA}, len(preserved))
	if !bytes.Equal(preserved, want) {
		t.Error("snapshot does not hold pre-write contents")
	}

	// the live block carries the new contents
	b, _ := fs.Cache().Read(p)
	b.Lock()
	if b.Data()[0] != 0xBB {
		t.Error("live block does not hold new contents")
	}
	b.Unlock()
}

func TestCowIdempotentPerTransaction(t *testing.T) {
	fs := newTestFs(t)
	p := fillBlock(t, fs, 0x11)
	snap, _ := activateSnapshot(t, fs)

	tx, _ := fs.Journal().Start(journal.MaxTransData)
	for i := 0; i < 3; i++ {
		err := fs.WriteMetaBlock(tx, nil, p, func(data []byte) { data[0]++ })
		if err != nil {
			t.Fatalf("WriteMetaBlock %d failed: %v", i, err)
		}
	}
	tx.Commit()

	preserved := snapshotBlockData(t, fs, snap, p)
	if preserved[0] != 0x11 {
		t.Errorf("snapshot block starts with 0x%02x, want 0x11", preserved[0])
	}
	if _, ok := snap.MapGet(types.SnapshotIBlock(p)); !ok {
		t.Fatal("no snapshot mapping")
	}
}

func TestCowSkipsFreeBlocks(t *testing.T) {
	fs := newTestFs(t)
	snap, _ := activateSnapshot(t, fs)

	// a block that was free at take time needs no preservation
	tx, _ := fs.Journal().Start(journal.MaxTransData)
	p, err := fs.AllocBlock(tx, 0)
	if err != nil {
		t.Fatalf("AllocBlock failed: %v", err)
	}
	if err := fs.WriteMetaBlock(tx, nil, p, func(data []byte) { data[0] = 1 }); err != nil {
		t.Fatalf("WriteMetaBlock failed: %v", err)
	}
	tx.Commit()

	if _, ok := snap.MapGet(types.SnapshotIBlock(p)); ok {
		t.Error("free-at-take block was COWed")
	}
}

func TestWriteToActiveSnapshotDenied(t *testing.T) {
	fs := newTestFs(t)
	p := fillBlock(t, fs, 0x22)
	snap, _ := activateSnapshot(t, fs)

	tx, _ := fs.Journal().Start(journal.MaxTransData)
	defer tx.Commit()
	err := fs.WriteMetaBlock(tx, snap, p, func(data []byte) { data[0] = 1 })
	if !errors.Is(err, types.ErrNotPermitted) {
		t.Errorf("write to active snapshot = %v, want ErrNotPermitted", err)
	}
}

func TestProbeReportsNeedsCow(t *testing.T) {
	fs := newTestFs(t)
	p := fillBlock(t, fs, 0x33)
	_, engine := activateSnapshot(t, fs)

	tx, _ := fs.Journal().Start(journal.MaxTransData)
	defer tx.Commit()
	b, _ := fs.Cache().Read(p)
	err := engine.TestAndCow(tx, nil, b, false)
	if !errors.Is(err, types.ErrNeedsCow) {
		t.Errorf("probe = %v, want ErrNeedsCow", err)
	}
}

func TestUndoAccessOnBlockBitmapNeedsNoCow(t *testing.T) {
	fs := newTestFs(t)
	activateSnapshot(t, fs)

	// the materialization path preserves bitmaps; undo access on the
	// block bitmap must therefore succeed without a copy
	tx, _ := fs.Journal().Start(journal.MaxTransData)
	defer tx.Commit()
	b, err := fs.Cache().Read(fs.Group(0).BlockBitmapBlock)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if err := tx.GetUndoAccess(b); err != nil {
		t.Errorf("GetUndoAccess on block bitmap failed: %v", err)
	}
}

func TestMoveOnWriteTransfersOwnership(t *testing.T) {
	fs := newTestFs(t)

	// a regular file with one data block
	tx, _ := fs.Journal().Start(journal.MaxTransData)
	file, err := fs.AllocInode(tx, 0o100644, 0)
	if err != nil {
		t.Fatalf("AllocInode failed: %v", err)
	}
	data := bytes.Repeat([]byte{0x44}, int(fs.Super().BlockSize))
	if err := fs.WriteFileBlock(tx, file, 0, data); err != nil {
		t.Fatalf("WriteFileBlock failed: %v", err)
	}
	tx.Commit()
	orig, _ := file.MapGet(0)
	charged := file.BlocksCount()

	snap, _ := activateSnapshot(t, fs)

	// overwrite: MOW should re-parent the old block without copying
	tx2, _ := fs.Journal().Start(journal.MaxTransData)
	newData := bytes.Repeat([]byte{0x55}, int(fs.Super().BlockSize))
	if err := fs.WriteFileBlock(tx2, file, 0, newData); err != nil {
		t.Fatalf("WriteFileBlock failed: %v", err)
	}
	tx2.Commit()

	sp, ok := snap.MapGet(types.SnapshotIBlock(orig))
	if !ok {
		t.Fatal("snapshot has no mapping for moved block")
	}
	if sp != orig {
		t.Errorf("moved block re-parented to %d, want physical identity %d", sp, orig)
	}
	if np, _ := file.MapGet(0); np == orig {
		t.Error("file still maps the moved block")
	}
	if got := file.BlocksCount(); got != charged {
		// debited the moved block, charged the fresh one
		t.Errorf("file quota = %d, want %d", got, charged)
	}
	if ex, _ := fs.BlockExcluded(orig); !ex {
		t.Error("moved block not marked in exclude bitmap")
	}

	got, err := fs.ReadFileBlock(file, 0)
	if err != nil {
		t.Fatalf("ReadFileBlock failed: %v", err)
	}
	if !bytes.Equal(got, newData) {
		t.Error("file does not read back new contents")
	}
}

func TestMoveProbeCountsOnly(t *testing.T) {
	fs := newTestFs(t)

	tx, _ := fs.Journal().Start(journal.MaxTransData)
	file, _ := fs.AllocInode(tx, 0o100644, 0)
	for i := 0; i < 3; i++ {
		data := bytes.Repeat([]byte{byte(i)}, int(fs.Super().BlockSize))
		if err := fs.WriteFileBlock(tx, file, types.Iblock(i), data); err != nil {
			t.Fatalf("WriteFileBlock failed: %v", err)
		}
	}
	tx.Commit()
	snap, engine := activateSnapshot(t, fs)

	p, _ := file.MapGet(0)
	tx2, _ := fs.Journal().Start(journal.MaxTransData)
	defer tx2.Commit()
	need, err := engine.TestAndMove(tx2, file, p, 2, false)
	if err != nil {
		t.Fatalf("TestAndMove probe failed: %v", err)
	}
	if need == 0 {
		t.Error("probe reported no move needed for in-use block")
	}
	if _, ok := snap.MapGet(types.SnapshotIBlock(p)); ok {
		t.Error("probe moved blocks")
	}
}

func TestExcludedFileNotPreserved(t *testing.T) {
	fs := newTestFs(t)

	tx, _ := fs.Journal().Start(journal.MaxTransData)
	file, _ := fs.AllocInode(tx, 0o100644, types.FlagExcluded)
	data := bytes.Repeat([]byte{0x66}, int(fs.Super().BlockSize))
	if err := fs.WriteFileBlock(tx, file, 0, data); err != nil {
		t.Fatalf("WriteFileBlock failed: %v", err)
	}
	p, _ := file.MapGet(0)
	// excluded files' blocks are marked excluded as they are written;
	// simulate an existing exclusion
	if _, err := fs.MarkExcluded(tx, p, 1); err != nil {
		t.Fatalf("MarkExcluded failed: %v", err)
	}
	tx.Commit()

	snap, _ := activateSnapshot(t, fs)

	tx2, _ := fs.Journal().Start(journal.MaxTransData)
	if err := fs.WriteFileBlock(tx2, file, 0, bytes.Repeat([]byte{0x77}, int(fs.Super().BlockSize))); err != nil {
		t.Fatalf("WriteFileBlock failed: %v", err)
	}
	tx2.Commit()

	if _, ok := snap.MapGet(types.SnapshotIBlock(p)); ok {
		t.Error("excluded file block preserved by snapshot")
	}
}

// Two concurrent writers touch distinct blocks of the same group;
// exactly one COW-bitmap materialization, both pre-images preserved.
func TestConcurrentWritersSameGroup(t *testing.T) {
	fs := newTestFs(t)
	p1 := fillBlock(t, fs, 0x81)
	p2 := fillBlock(t, fs, 0x82)
	snap, _ := activateSnapshot(t, fs)

	var wg sync.WaitGroup
	for _, target := range []types.Paddr{p1, p2} {
		wg.Add(1)
		go func(p types.Paddr) {
			defer wg.Done()
			tx, _ := fs.Journal().Start(journal.MaxTransData)
			defer tx.Commit()
			err := fs.WriteMetaBlock(tx, nil, p, func(data []byte) { data[0] = 0xFF })
			if err != nil {
				t.Errorf("WriteMetaBlock(%d) failed: %v", p, err)
			}
		}(target)
	}
	wg.Wait()

	if got := snapshotBlockData(t, fs, snap, p1)[0]; got != 0x81 {
		t.Errorf("block %d pre-image = 0x%02x, want 0x81", p1, got)
	}
	if got := snapshotBlockData(t, fs, snap, p2)[0]; got != 0x82 {
		t.Errorf("block %d pre-image = 0x%02x, want 0x82", p2, got)
	}

	// exactly one COW bitmap for the group: the rendezvous field holds
	// a committed snapshot block distinct from the block bitmap
	g := fs.Super().BlockGroup(p1)
	cow := fs.Group(g).CowBitmapBlock
	if cow == 0 || cow == fs.Group(g).BlockBitmapBlock {
		t.Errorf("rendezvous field = %d after COWs", cow)
	}
}

// Concurrent COWers of the same block: one winner allocates and copies,
// losers wait for the copy to complete.
func TestConcurrentCowSameBlock(t *testing.T) {
	fs := newTestFs(t)
	p := fillBlock(t, fs, 0x99)
	snap, _ := activateSnapshot(t, fs)

	const workers = 4
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, _ := fs.Journal().Start(journal.MaxTransData)
			defer tx.Commit()
			err := fs.WriteMetaBlock(tx, nil, p, func(data []byte) { data[1] = byte(i) })
			if err != nil {
				t.Errorf("WriteMetaBlock failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	preserved := snapshotBlockData(t, fs, snap, p)
	if preserved[0] != 0x99 || preserved[1] != 0 {
		t.Errorf("pre-image corrupted: % x", preserved[:2])
	}
}
