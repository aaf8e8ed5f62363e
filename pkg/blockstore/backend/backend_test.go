package backend

import (
	"path/filepath"
	"testing"

	"forestfs/pkg/blockid"
)

func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()

	id := blockid.Derive(nil, 1, []byte("hello"))
	if _, ok, err := b.GetBlock(id); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := b.PutBlock(id, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	data, ok, err := b.GetBlock(id)
	if err != nil || !ok || string(data) != "hello" {
		t.Fatalf("got data=%q ok=%v err=%v", data, ok, err)
	}

	if err := b.SetRefcount(id, 3); err != nil {
		t.Fatal(err)
	}
	count, err := b.GetRefcount(id)
	if err != nil || count != 3 {
		t.Fatalf("got count=%d err=%v", count, err)
	}

	if err := b.SetName("root", id); err != nil {
		t.Fatal(err)
	}
	gotID, ok, err := b.GetName("root")
	if err != nil || !ok || gotID != id {
		t.Fatalf("got id=%v ok=%v err=%v", gotID, ok, err)
	}

	if err := b.DeleteName("root"); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := b.GetName("root"); err != nil || ok {
		t.Fatalf("expected name miss after delete, ok=%v err=%v", ok, err)
	}

	if err := b.DeleteBlock(id); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := b.GetBlock(id); err != nil || ok {
		t.Fatalf("expected block miss after delete, ok=%v err=%v", ok, err)
	}
}

func TestMemoryBackend(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	exerciseBackend(t, b)
}

func TestBoltBackend(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenBolt(filepath.Join(dir, "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	exerciseBackend(t, b)
}

func TestBoltBackendRefusesConcurrentOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.db")

	first, err := OpenBolt(path)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()

	if _, err := OpenBolt(path); err == nil {
		t.Fatal("expected second open of the same store to fail")
	}
}
