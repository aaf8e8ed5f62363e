package blockstore

import (
	"testing"

	"forestfs/pkg/blockid"
	"forestfs/pkg/blockstore/backend"
	"forestfs/pkg/codec"
	"forestfs/pkg/pickle"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pipeline, err := codec.NewPipeline(false, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := NewStore(backend.NewMemory(), pipeline, 0)
	RegisterTreeDataRefs(s)
	return s
}

func TestStoreBlockRoundTrip(t *testing.T) {
	s := newTestStore(t)
	id, err := s.StoreBlock(codec.TypeFileData, false, []byte("hello"), 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	_, _, payload, err := s.GetBlockByID(id)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != "hello" {
		t.Fatalf("got %q", payload)
	}
}

func TestStoreBlockDedupsIdenticalContent(t *testing.T) {
	s := newTestStore(t)
	id1, err := s.StoreBlock(codec.TypeFileData, false, []byte("dup"), 1)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.ReferOrStoreBlock(codec.TypeFileData, false, []byte("dup"))
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("expected content-addressed dedup, got %v vs %v", id1, id2)
	}
	if _, err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	rc, err := s.backend.GetRefcount(id1)
	if err != nil {
		t.Fatal(err)
	}
	if rc != 2 {
		t.Fatalf("expected refcount 2 after store+refer, got %d", rc)
	}
}

func TestReleaseToZeroDeletesAtFlushUnlessExtref(t *testing.T) {
	s := newTestStore(t)
	id, err := s.StoreBlock(codec.TypeFileData, false, []byte("x"), 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	s.RegisterExtref(func(got blockid.ID) bool { return false })
	if err := s.ReleaseBlock(id); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.backend.GetBlock(id); ok {
		t.Fatal("expected block to be deleted once refcount reached 0 with no extref claim")
	}
}

func TestExtrefRetainsZeroRefcountBlockUntilReleased(t *testing.T) {
	s := newTestStore(t)
	id, err := s.StoreBlock(codec.TypeFileData, false, []byte("kept"), 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	claim := true
	s.RegisterExtref(func(_ blockid.ID) bool { return claim })
	if err := s.ReleaseBlock(id); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.backend.GetBlock(id); !ok {
		t.Fatal("expected extref-claimed block to survive flush")
	}

	claim = false
	if _, err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.backend.GetBlock(id); ok {
		t.Fatal("expected block to be deleted once extref releases its claim")
	}
}

func TestFlushIdempotence(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.StoreBlock(codec.TypeFileData, false, []byte("a"), 1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	ops, err := s.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if ops != 0 {
		t.Fatalf("expected second flush to be a no-op, got %d ops", ops)
	}
}

func TestSetBlockNameReplacesOldBinding(t *testing.T) {
	s := newTestStore(t)
	id1, err := s.StoreBlock(codec.TypeFileData, false, []byte("one"), 1)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.StoreBlock(codec.TypeFileData, false, []byte("two"), 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetBlockName("content", id1); err != nil {
		t.Fatal(err)
	}
	// Drop the reference StoreBlock handed out, so the name is id1's
	// only holder.
	if err := s.ReleaseBlock(id1); err != nil {
		t.Fatal(err)
	}
	if err := s.SetBlockName("content", id2); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.GetBlockIDByName("content")
	if err != nil || !ok || got != id2 {
		t.Fatalf("got %v ok=%v err=%v", got, ok, err)
	}
	if _, ok, _ := s.backend.GetBlock(id1); ok {
		t.Fatal("expected id1 to be released and deleted once superseded")
	}
}

func TestTreeNodeStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	tns := NewTreeNodeStore(s)

	content := &pickle.TreeNodeContent{
		Key: []byte("k"),
		DirLeaves: []pickle.DirEntry{
			{Name: []byte("file.txt"), StMode: 0o644, StSize: 3},
		},
	}
	id, err := tns.StoreTreeNode(content, codec.TypeDirectory, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	got, leafy, err := tns.LoadTreeNode(id, codec.TypeDirectory)
	if err != nil {
		t.Fatal(err)
	}
	if !leafy || len(got.DirLeaves) != 1 || string(got.DirLeaves[0].Name) != "file.txt" {
		t.Fatalf("got %+v leafy=%v", got, leafy)
	}
}
