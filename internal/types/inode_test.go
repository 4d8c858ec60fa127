package types

import (
	"testing"
)

func TestRawInodeRoundTrip(t *testing.T) {
	ri := &RawInode{
		Mode:        0o100644,
		LinksCount:  1,
		Flags:       FlagSnapfile | FlagSnapfileList,
		Generation:  7,
		Size:        1 << 20,
		DiskSize:    1 << 20,
		NextInode:   12,
		BlocksCount: 42,
	}
	copy(ri.UUID[:], []byte("0123456789abcdef"))
	ri.Block[0] = 100
	ri.Block[14] = 200

	data := make([]byte, InodeSize*4)
	if err := ri.Marshal(data, 2); err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := ParseRawInode(data, 2)
	if err != nil {
		t.Fatalf("ParseRawInode failed: %v", err)
	}
	if *got != *ri {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, ri)
	}

	// neighboring entries untouched
	for _, idx := range []int{0, 1, 3} {
		other, err := ParseRawInode(data, idx)
		if err != nil {
			t.Fatalf("ParseRawInode(%d) failed: %v", idx, err)
		}
		if *other != (RawInode{}) {
			t.Errorf("entry %d dirtied: %+v", idx, other)
		}
	}
}

func TestPruneImageInode(t *testing.T) {
	data := make([]byte, InodeSize*2)

	snap := &RawInode{Mode: 0o100600, Flags: FlagSnapfile, Generation: 3,
		Size: 4096, DiskSize: 4096, NextInode: 14, BlocksCount: 9}
	snap.Block[0] = 77
	if err := snap.Marshal(data, 0); err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	jnl := &RawInode{Mode: 0o100600, Size: 8192, BlocksCount: 2}
	if err := jnl.Marshal(data, 1); err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	if err := PruneImageInode(data, 0, false); err != nil {
		t.Fatalf("PruneImageInode(snapshot) failed: %v", err)
	}
	got, _ := ParseRawInode(data, 0)
	if got.BlocksCount != 0 || got.Size != 0 || got.Block[0] != 0 {
		t.Errorf("snapshot inode not pruned: %+v", got)
	}
	if got.Flags != snap.Flags || got.Generation != snap.Generation || got.NextInode != snap.NextInode {
		t.Errorf("snapshot inode scalars lost: %+v", got)
	}

	if err := PruneImageInode(data, 1, true); err != nil {
		t.Fatalf("PruneImageInode(journal) failed: %v", err)
	}
	got, _ = ParseRawInode(data, 1)
	if *got != (RawInode{}) {
		t.Errorf("journal inode not zeroed: %+v", got)
	}
}
