package fsys

import (
	"errors"
	"testing"

	"github.com/deploymenttheory/go-snapfs/internal/device"
	"github.com/deploymenttheory/go-snapfs/internal/journal"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// newTestFs formats a 4-group, 64-blocks-per-group filesystem on a
// 512-byte-block memory device.
func newTestFs(t *testing.T) *Fs {
	t.Helper()
	dev, err := device.NewMemory(512, 256)
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	opts := Defaults()
	opts.BlocksPerGroup = 64
	opts.InodesPerGroup = 8
	fs, err := Format(dev, opts)
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	return fs
}

func TestFormatGeometry(t *testing.T) {
	fs := newTestFs(t)
	sb := fs.Super()

	if sb.GroupsCount != 4 {
		t.Errorf("GroupsCount = %d, want 4", sb.GroupsCount)
	}
	if sb.BlocksCount != 256 {
		t.Errorf("BlocksCount = %d, want 256", sb.BlocksCount)
	}
	if !sb.HasCompat(types.FeatureCompatExcludeInode) {
		t.Error("exclude_inode feature not set")
	}
	if sb.HasRoCompat(types.FeatureRoCompatHasSnapshot) {
		t.Error("fresh filesystem already has has_snapshot")
	}

	for g := uint32(0); g < sb.GroupsCount; g++ {
		desc := fs.Group(g)
		if desc.BlockBitmapBlock == 0 && g != 0 {
			t.Errorf("group %d has no block bitmap", g)
		}
		if desc.ExcludeBitmapBlock == 0 {
			t.Errorf("group %d has no exclude bitmap", g)
		}
		if desc.CowBitmapBlock != 0 {
			t.Errorf("group %d COW bitmap cache not empty", g)
		}
		// metadata blocks are marked in use
		inuse, err := fs.BlockInUse(desc.BlockBitmapBlock)
		if err != nil || !inuse {
			t.Errorf("group %d block bitmap not marked in use (err=%v)", g, err)
		}
	}
}

func TestAllocAndFreeBlock(t *testing.T) {
	fs := newTestFs(t)
	free0 := fs.FreeBlocksCount()

	tx, err := fs.Journal().Start(journal.MaxTransData)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	p, err := fs.AllocBlock(tx, 0)
	if err != nil {
		t.Fatalf("AllocBlock failed: %v", err)
	}
	if inuse, _ := fs.BlockInUse(p); !inuse {
		t.Errorf("allocated block %d not marked in use", p)
	}
	if fs.FreeBlocksCount() != free0-1 {
		t.Errorf("free count = %d, want %d", fs.FreeBlocksCount(), free0-1)
	}

	if err := fs.FreeBlockRange(tx, p, 1, false); err != nil {
		t.Fatalf("FreeBlockRange failed: %v", err)
	}
	if inuse, _ := fs.BlockInUse(p); inuse {
		t.Errorf("freed block %d still in use", p)
	}
	if fs.FreeBlocksCount() != free0 {
		t.Errorf("free count = %d, want %d", fs.FreeBlocksCount(), free0)
	}
	tx.Commit()
}

func TestInodeRoundTrip(t *testing.T) {
	fs := newTestFs(t)

	tx, _ := fs.Journal().Start(journal.MaxTransData)
	in, err := fs.AllocInode(tx, 0o100600, types.FlagSnapfile)
	if err != nil {
		t.Fatalf("AllocInode failed: %v", err)
	}
	in.SetGeneration(5)
	in.SetDiskSize(1 << 16)
	in.SetNextSnapshot(42)
	if err := fs.MarkInodeDirty(tx, in); err != nil {
		t.Fatalf("MarkInodeDirty failed: %v", err)
	}
	tx.Commit()
	if err := fs.Cache().SyncDirty(); err != nil {
		t.Fatalf("SyncDirty failed: %v", err)
	}

	// remount and reload the inode
	fs2, err := Open(fs.Device(), nil, false)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	got, err := fs2.Inode(in.Ino())
	if err != nil {
		t.Fatalf("Inode failed: %v", err)
	}
	if got.Generation() != 5 || got.DiskSize() != 1<<16 || got.NextSnapshot() != 42 {
		t.Errorf("reloaded inode mismatch: gen=%d disksize=%d next=%d",
			got.Generation(), got.DiskSize(), got.NextSnapshot())
	}
	if !got.IsSnapshotFile() {
		t.Error("reloaded inode lost snapfile flag")
	}
}

func TestMapBlocksReadProbe(t *testing.T) {
	fs := newTestFs(t)
	tx, _ := fs.Journal().Start(journal.MaxTransData)
	defer tx.Commit()

	in, err := fs.AllocInode(tx, 0o100600, types.FlagSnapfile)
	if err != nil {
		t.Fatalf("AllocInode failed: %v", err)
	}

	if p, n, _, err := fs.MapBlocks(tx, in, types.SnapshotIBlock(10), 1, MapRead); err != nil || n != 0 || p != 0 {
		t.Fatalf("probe of hole = (%d,%d,%v), want hole", p, n, err)
	}

	p, n, allocated, err := fs.MapBlocks(tx, in, types.SnapshotIBlock(10), 2, MapWrite)
	if err != nil {
		t.Fatalf("MapWrite failed: %v", err)
	}
	if !allocated || n != 2 || p == 0 {
		t.Fatalf("MapWrite = (%d,%d,%v)", p, n, allocated)
	}

	// snapshot-file allocation marks the exclude bitmap
	if ex, _ := fs.BlockExcluded(p); !ex {
		t.Errorf("snapshot block %d not excluded", p)
	}

	gp, gn, _, err := fs.MapBlocks(tx, in, types.SnapshotIBlock(10), 4, MapRead)
	if err != nil || gn != 2 || gp != p {
		t.Errorf("probe after alloc = (%d,%d,%v), want (%d,2)", gp, gn, err, p)
	}
}

func TestMapBlocksMoveKeepsPhysical(t *testing.T) {
	fs := newTestFs(t)
	tx, _ := fs.Journal().Start(journal.MaxTransData)
	defer tx.Commit()

	in, _ := fs.AllocInode(tx, 0o100600, types.FlagSnapfile)
	const phys = 100
	ib := types.SnapshotIBlock(phys)

	p, n, allocated, err := fs.MapBlocks(tx, in, ib, 3, MapMove)
	if err != nil {
		t.Fatalf("MapMove failed: %v", err)
	}
	if !allocated || n != 3 || p != phys {
		t.Fatalf("MapMove = (%d,%d,%v), want (%d,3,true)", p, n, allocated, phys)
	}

	// second move stops at the existing mapping
	if _, n, _, _ := fs.MapBlocks(tx, in, ib, 3, MapMove); n != 0 {
		t.Errorf("re-move mapped %d blocks, want 0", n)
	}
}

func TestMapBlocksConcurrentSingleWinner(t *testing.T) {
	fs := newTestFs(t)
	in := func() *Inode {
		tx, _ := fs.Journal().Start(journal.MaxTransData)
		defer tx.Commit()
		in, err := fs.AllocInode(tx, 0o100600, types.FlagSnapfile)
		if err != nil {
			t.Fatalf("AllocInode failed: %v", err)
		}
		return in
	}()

	const workers = 4
	type result struct {
		p         types.Paddr
		allocated bool
		err       error
	}
	results := make(chan result, workers)
	for i := 0; i < workers; i++ {
		go func() {
			tx, _ := fs.Journal().Start(journal.MaxTransData)
			defer tx.Commit()
			p, _, allocated, err := fs.MapBlocks(tx, in, types.SnapshotIBlock(20), 1, MapCow)
			if allocated {
				fs.Cache().GetBlk(p).EndPendingCow()
			}
			results <- result{p, allocated, err}
		}()
	}

	winners := 0
	var phys types.Paddr
	for i := 0; i < workers; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("MapBlocks failed: %v", r.err)
		}
		if r.allocated {
			winners++
		}
		if phys == 0 {
			phys = r.p
		} else if phys != r.p {
			t.Errorf("winners disagree on mapping: %d vs %d", phys, r.p)
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestSnapshotChainAddDel(t *testing.T) {
	fs := newTestFs(t)
	tx, _ := fs.Journal().Start(journal.MaxTransData)

	var ins []*Inode
	for i := 0; i < 3; i++ {
		in, err := fs.AllocInode(tx, 0o100600, types.FlagSnapfile)
		if err != nil {
			t.Fatalf("AllocInode failed: %v", err)
		}
		if err := fs.SnapshotListAdd(tx, in); err != nil {
			t.Fatalf("SnapshotListAdd failed: %v", err)
		}
		ins = append(ins, in)
	}

	list := fs.Snapshots()
	if len(list) != 3 || list[0] != ins[2] || list[2] != ins[0] {
		t.Fatal("chain not newest-first")
	}
	if fs.Super().LastSnapshotIno != ins[2].Ino() {
		t.Errorf("LastSnapshotIno = %d, want %d", fs.Super().LastSnapshotIno, ins[2].Ino())
	}
	if ins[2].NextSnapshot() != ins[1].Ino() || ins[1].NextSnapshot() != ins[0].Ino() {
		t.Error("on-disk next pointers wrong")
	}
	if got := fs.NewerSnapshot(ins[0]); got != ins[1] {
		t.Errorf("NewerSnapshot(oldest) = %v", got)
	}
	if got := fs.NewerSnapshot(ins[2]); got != nil {
		t.Errorf("NewerSnapshot(head) = %v, want nil", got)
	}

	// delete from the middle repairs the newer neighbor's pointer
	if err := fs.SnapshotListDel(tx, ins[1]); err != nil {
		t.Fatalf("SnapshotListDel failed: %v", err)
	}
	if ins[2].NextSnapshot() != ins[0].Ino() {
		t.Error("next pointer not repaired after middle delete")
	}
	// delete the head moves the superblock pointer
	if err := fs.SnapshotListDel(tx, ins[2]); err != nil {
		t.Fatalf("SnapshotListDel failed: %v", err)
	}
	if fs.Super().LastSnapshotIno != ins[0].Ino() {
		t.Errorf("LastSnapshotIno = %d, want %d", fs.Super().LastSnapshotIno, ins[0].Ino())
	}
	tx.Commit()
}

func TestMarkExcludedIdempotent(t *testing.T) {
	fs := newTestFs(t)
	tx, _ := fs.Journal().Start(journal.MaxTransData)
	defer tx.Commit()

	n, err := fs.MarkExcluded(tx, 40, 4)
	if err != nil {
		t.Fatalf("MarkExcluded failed: %v", err)
	}
	if n != 4 {
		t.Errorf("newly set = %d, want 4", n)
	}
	n, err = fs.MarkExcluded(tx, 38, 4) // overlaps 40,41
	if err != nil {
		t.Fatalf("MarkExcluded failed: %v", err)
	}
	if n != 2 {
		t.Errorf("newly set = %d, want 2", n)
	}

	if ex, _ := fs.BlockExcluded(41); !ex {
		t.Error("block 41 not excluded")
	}
	if err := fs.ClearExcluded(tx, 38, 6); err != nil {
		t.Fatalf("ClearExcluded failed: %v", err)
	}
	if ex, _ := fs.BlockExcluded(41); ex {
		t.Error("block 41 still excluded after clear")
	}
}

func TestAllocBlockNoSpace(t *testing.T) {
	fs := newTestFs(t)
	tx, _ := fs.Journal().Start(journal.MaxTransData)
	defer tx.Commit()

	for {
		_, err := fs.AllocBlock(tx, 0)
		if err != nil {
			if !errors.Is(err, types.ErrNoSpace) {
				t.Fatalf("unexpected error: %v", err)
			}
			break
		}
	}
	if fs.FreeBlocksCount() != 0 {
		t.Errorf("free count = %d after exhaustion", fs.FreeBlocksCount())
	}
}
