package btree

import (
	"bytes"
	"fmt"
	"testing"

	"forestfs/pkg/blockid"
	"forestfs/pkg/forestconfig"
	"forestfs/pkg/pickle"
)

// memStore is a trivial in-memory NodeStore, standing in for
// pkg/blockstore in tests that only care about btree's own algorithms.
type memStore struct {
	blocks map[blockid.ID]*pickle.TreeNodeContent
	leafy  map[blockid.ID]bool
	next   byte
}

func newMemStore() *memStore {
	return &memStore{blocks: map[blockid.ID]*pickle.TreeNodeContent{}, leafy: map[blockid.ID]bool{}}
}

func (s *memStore) LoadTreeNode(id blockid.ID, semanticType byte) (*pickle.TreeNodeContent, bool, error) {
	c, ok := s.blocks[id]
	if !ok {
		return nil, false, fmt.Errorf("memStore: no such block %v", id)
	}
	return c, s.leafy[id], nil
}

func (s *memStore) StoreTreeNode(content *pickle.TreeNodeContent, semanticType byte, leafy bool) (blockid.ID, error) {
	s.next++
	var id blockid.ID
	id[0] = s.next
	id[1] = semanticType
	s.blocks[id] = content
	s.leafy[id] = leafy
	return id, nil
}

func (s *memStore) ReleaseTreeNode(id blockid.ID) error {
	delete(s.blocks, id)
	delete(s.leafy, id)
	return nil
}

func dirLeaf(name string) *pickle.DirEntry {
	return &pickle.DirEntry{Name: []byte(name), StMode: 0644}
}

func TestAddAndSearchRoundTrip(t *testing.T) {
	store := newMemStore()
	tr := NewEmptyTree(store, 1)

	names := []string{"alpha", "bravo", "charlie", "delta", "echo"}
	for _, n := range names {
		if _, err := tr.AddToTree(dirLeaf(n)); err != nil {
			t.Fatalf("add %s: %v", n, err)
		}
	}

	for _, n := range names {
		leaf, err := tr.Search(blockid.LeafKey([]byte(n)))
		if err != nil {
			t.Fatalf("search %s: %v", n, err)
		}
		if leaf == nil {
			t.Fatalf("search %s: not found", n)
		}
		got := leaf.Value.(*pickle.DirEntry)
		if string(got.Name) != n {
			t.Fatalf("search %s: got %q", n, got.Name)
		}
	}

	missing, err := tr.Search(blockid.LeafKey([]byte("zzz-missing")))
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Fatal("expected miss for absent key")
	}
}

func TestRemoveFromTree(t *testing.T) {
	store := newMemStore()
	tr := NewEmptyTree(store, 1)

	names := []string{"alpha", "bravo", "charlie"}
	for _, n := range names {
		if _, err := tr.AddToTree(dirLeaf(n)); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := tr.RemoveFromTree(blockid.LeafKey([]byte("bravo")))
	if err != nil {
		t.Fatal(err)
	}
	if removed == nil {
		t.Fatal("expected to remove bravo")
	}

	again, err := tr.Search(blockid.LeafKey([]byte("bravo")))
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Fatal("bravo should be gone")
	}

	for _, n := range []string{"alpha", "charlie"} {
		leaf, err := tr.Search(blockid.LeafKey([]byte(n)))
		if err != nil || leaf == nil {
			t.Fatalf("%s should still be present: %v", n, err)
		}
	}
}

func TestSplitOnOverflow(t *testing.T) {
	store := newMemStore()
	orig := forestconfig.BlockSizeLimit
	forestconfig.BlockSizeLimit = 400
	defer func() { forestconfig.BlockSizeLimit = orig }()

	tr := NewEmptyTree(store, 1)
	for i := 0; i < 40; i++ {
		name := fmt.Sprintf("file-%03d", i)
		if _, err := tr.AddToTree(dirLeaf(name)); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}

	if tr.root.leafy {
		t.Fatal("expected root to have split into an internal node")
	}

	leaves, err := tr.GetLeaves()
	if err != nil {
		t.Fatal(err)
	}
	if len(leaves) != 40 {
		t.Fatalf("expected 40 leaves, got %d", len(leaves))
	}
	for i := 1; i < len(leaves); i++ {
		if bytes.Compare(leaves[i-1].Key(), leaves[i].Key()) >= 0 {
			t.Fatalf("leaves out of order at %d", i)
		}
	}

	for i := 0; i < 40; i++ {
		name := fmt.Sprintf("file-%03d", i)
		leaf, err := tr.Search(blockid.LeafKey([]byte(name)))
		if err != nil {
			t.Fatal(err)
		}
		if leaf == nil {
			t.Fatalf("%s missing after split", name)
		}
	}
}

func TestRebalanceAfterManyRemoves(t *testing.T) {
	store := newMemStore()
	orig := forestconfig.BlockSizeLimit
	forestconfig.BlockSizeLimit = 400
	defer func() { forestconfig.BlockSizeLimit = orig }()

	tr := NewEmptyTree(store, 1)
	var names []string
	for i := 0; i < 60; i++ {
		names = append(names, fmt.Sprintf("file-%03d", i))
	}
	for _, n := range names {
		if _, err := tr.AddToTree(dirLeaf(n)); err != nil {
			t.Fatal(err)
		}
	}

	// Remove most of them, leaving a sparse remainder, to exercise
	// borrow and merge paths during rebalance.
	for i := 0; i < 55; i++ {
		if _, err := tr.RemoveFromTree(blockid.LeafKey([]byte(names[i]))); err != nil {
			t.Fatalf("remove %s: %v", names[i], err)
		}
	}

	leaves, err := tr.GetLeaves()
	if err != nil {
		t.Fatal(err)
	}
	if len(leaves) != 5 {
		t.Fatalf("expected 5 remaining leaves, got %d", len(leaves))
	}
	for i := 55; i < 60; i++ {
		leaf, err := tr.Search(blockid.LeafKey([]byte(names[i])))
		if err != nil || leaf == nil {
			t.Fatalf("%s should survive: %v", names[i], err)
		}
	}
}

func TestFlushIsIdempotent(t *testing.T) {
	store := newMemStore()
	tr := NewEmptyTree(store, 1)
	for _, n := range []string{"a", "b", "c"} {
		if _, err := tr.AddToTree(dirLeaf(n)); err != nil {
			t.Fatal(err)
		}
	}

	id1, err := tr.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if id1.IsZero() {
		t.Fatal("expected non-zero root id after flush")
	}

	id2, err := tr.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatal("second flush with no mutation should be a no-op returning the same id")
	}
}

func TestFlushThenReloadRoundTrips(t *testing.T) {
	store := newMemStore()
	orig := forestconfig.BlockSizeLimit
	forestconfig.BlockSizeLimit = 400
	defer func() { forestconfig.BlockSizeLimit = orig }()

	tr := NewEmptyTree(store, 1)
	var names []string
	for i := 0; i < 30; i++ {
		names = append(names, fmt.Sprintf("entry-%03d", i))
	}
	for _, n := range names {
		if _, err := tr.AddToTree(dirLeaf(n)); err != nil {
			t.Fatal(err)
		}
	}

	rootID, err := tr.Flush()
	if err != nil {
		t.Fatal(err)
	}

	reloaded := LoadTree(store, 1, rootID)
	for _, n := range names {
		leaf, err := reloaded.Search(blockid.LeafKey([]byte(n)))
		if err != nil {
			t.Fatal(err)
		}
		if leaf == nil {
			t.Fatalf("%s missing after reload", n)
		}
	}
}

func TestAddOutOfOrderKeepsOrdering(t *testing.T) {
	store := newMemStore()
	tr := NewEmptyTree(store, 1)
	for _, n := range []string{"m", "a", "z", "b", "y"} {
		if _, err := tr.AddToTree(dirLeaf(n)); err != nil {
			t.Fatal(err)
		}
	}
	leaves, err := tr.GetLeaves()
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(leaves); i++ {
		if bytes.Compare(leaves[i-1].Key(), leaves[i].Key()) >= 0 {
			t.Fatalf("not sorted at %d", i)
		}
	}
}
