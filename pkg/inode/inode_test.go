package inode

import (
	"testing"

	"forestfs/pkg/btree"
	"forestfs/pkg/pickle"
)

func TestRegisterRootAndLookup(t *testing.T) {
	a := NewAllocator()
	root := a.RegisterRoot(nil)
	if root.Value != RootInode {
		t.Fatalf("expected root inode value %d, got %d", RootInode, root.Value)
	}
	got, ok := a.ByValue(RootInode)
	if !ok || got != root {
		t.Fatal("root inode not found by value")
	}
}

func TestAllocateValuesSkipRootAndIncrement(t *testing.T) {
	a := NewAllocator()
	a.RegisterRoot(nil)
	first := a.Register(nil, nil)
	second := a.Register(nil, nil)
	if first.Value != RootInode+1 || second.Value != RootInode+2 {
		t.Fatalf("got values %d, %d", first.Value, second.Value)
	}
}

func TestFreeListReusesLIFO(t *testing.T) {
	a := NewAllocator()
	a.RegisterRoot(nil)
	first := a.Register(nil, nil)
	second := a.Register(nil, nil)

	a.Deref(first, 1)
	a.RemoveOldInodes(nil)
	a.Deref(second, 1)
	a.RemoveOldInodes(nil)

	// second was freed last, so it should be reused first (LIFO).
	third := a.Register(nil, nil)
	if third.Value != second.Value {
		t.Fatalf("expected LIFO reuse of %d, got %d", second.Value, third.Value)
	}
	fourth := a.Register(nil, nil)
	if fourth.Value != first.Value {
		t.Fatalf("expected LIFO reuse of %d, got %d", first.Value, fourth.Value)
	}
}

func TestDerefQueuesForRemovalNotImmediate(t *testing.T) {
	a := NewAllocator()
	a.RegisterRoot(nil)
	in := a.Register(nil, nil)
	if err := a.Deref(in, 1); err != nil {
		t.Fatal(err)
	}
	if _, ok := a.ByValue(in.Value); !ok {
		t.Fatal("inode should still be registered until RemoveOldInodes runs")
	}
	removed := a.RemoveOldInodes(nil)
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, ok := a.ByValue(in.Value); ok {
		t.Fatal("inode should be unregistered after RemoveOldInodes")
	}
}

func TestRefCancelsPendingRemoval(t *testing.T) {
	a := NewAllocator()
	a.RegisterRoot(nil)
	in := a.Register(nil, nil)
	a.Deref(in, 1)
	a.Ref(in)
	removed := a.RemoveOldInodes(nil)
	if removed != 0 {
		t.Fatal("expected re-ref to cancel pending removal")
	}
	if _, ok := a.ByValue(in.Value); !ok {
		t.Fatal("inode should remain registered")
	}
}

func TestHardLinkMultipleLeavesOneInode(t *testing.T) {
	a := NewAllocator()
	a.RegisterRoot(nil)
	leafA := &btree.Leaf{Value: &pickle.DirEntry{Name: []byte("a")}}
	in := a.Register(nil, leafA)
	leafB := &btree.Leaf{Value: &pickle.DirEntry{Name: []byte("b")}}
	a.AddLeaf(in, leafB)

	if in.NLink() != 2 {
		t.Fatalf("expected NLink 2, got %d", in.NLink())
	}
	gotA, ok := a.ByLeaf(leafA)
	if !ok || gotA != in {
		t.Fatal("leafA should resolve to in")
	}
	gotB, ok := a.ByLeaf(leafB)
	if !ok || gotB != in {
		t.Fatal("leafB should resolve to in")
	}

	remaining := a.RemoveLeaf(in, leafA)
	if remaining != 1 {
		t.Fatalf("expected 1 remaining leaf, got %d", remaining)
	}
	if _, ok := a.ByLeaf(leafA); ok {
		t.Fatal("leafA binding should be gone")
	}
}
