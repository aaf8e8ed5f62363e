package forest

import (
	"bytes"
	"testing"

	"forestfs/pkg/blockstore/backend"
	"forestfs/pkg/forestconfig"
)

func newTestForest(t *testing.T) *Forest {
	t.Helper()
	f, err := Open(backend.NewMemory(), forestconfig.DefaultForestConfig())
	if err != nil {
		t.Fatal(err)
	}
	return f
}

// TestCreateWriteReadBack covers spec §8 scenario 1: create, write "foo",
// release, then lookup + read it back.
func TestCreateWriteReadBack(t *testing.T) {
	f := newTestForest(t)
	in, err := f.CreateFile(f.Root(), "file", 0o644, 1000, 1000, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(in, 0, []byte("foo")); err != nil {
		t.Fatal(err)
	}
	if err := f.Deref(in); err != nil {
		t.Fatal(err)
	}

	looked, err := f.Lookup(f.Root(), "file")
	if err != nil {
		t.Fatal(err)
	}
	if got := f.Entry(looked).StSize; got != 3 {
		t.Fatalf("st_size = %d, want 3", got)
	}
	data, err := f.Read(looked, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "foo" {
		t.Fatalf("read %q, want %q", data, "foo")
	}
}

// TestInlineToSingleBlockPromotion covers spec §8 scenario 2.
func TestInlineToSingleBlockPromotion(t *testing.T) {
	f := newTestForest(t)
	in, err := f.CreateFile(f.Root(), "f", 0o644, 0, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := bytes.Repeat([]byte("1"), 200)
	if _, err := f.Write(in, 0, want); err != nil {
		t.Fatal(err)
	}
	got, err := f.Read(in, 0, 200)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read back %d bytes, want %d matching", len(got), len(want))
	}

	if _, err := f.Flush(); err != nil {
		t.Fatal(err)
	}

	// Reopen the forest from the same backend: the write-back cache is
	// gone, so this exercises cold loads through the codec pipeline.
	f2, err := Open(f.backend, f.cfg)
	if err != nil {
		t.Fatal(err)
	}
	reopened, err := f2.Lookup(f2.Root(), "f")
	if err != nil {
		t.Fatal(err)
	}
	got2, err := f2.Read(reopened, 0, 200)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got2, want) {
		t.Fatalf("after reopen: got %d bytes, want %d matching", len(got2), len(want))
	}
}

// TestInlineToTreePromotion covers spec §8 scenario 3.
func TestInlineToTreePromotion(t *testing.T) {
	f := newTestForest(t)
	in, err := f.CreateFile(f.Root(), "big", 0o644, 0, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	size := forestconfig.BlockSizeLimit + 3
	want := bytes.Repeat([]byte("3"), size)
	if _, err := f.Write(in, 0, want); err != nil {
		t.Fatal(err)
	}
	got, err := f.Read(in, 0, size)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("read-back mismatch before flush")
	}

	if _, err := f.Flush(); err != nil {
		t.Fatal(err)
	}
	f2, err := Open(f.backend, f.cfg)
	if err != nil {
		t.Fatal(err)
	}
	reopened, err := f2.Lookup(f2.Root(), "big")
	if err != nil {
		t.Fatal(err)
	}
	got2, err := f2.Read(reopened, 0, size)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got2, want) {
		t.Fatal("read-back mismatch after reopen")
	}
}

// TestSparseHugeFile covers spec §8 scenario 4.
func TestSparseHugeFile(t *testing.T) {
	f := newTestForest(t)
	in, err := f.CreateFile(f.Root(), "sparse", 0o644, 0, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	const ofs = int64(1_000_000_000_000_000_000)
	if _, err := f.Write(in, ofs, []byte("c")); err != nil {
		t.Fatal(err)
	}
	if got := f.Entry(in).StSize; got != uint64(ofs)+1 {
		t.Fatalf("st_size = %d, want %d", got, ofs+1)
	}
	zeros, err := f.Read(in, 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(zeros) != 1000 {
		t.Fatalf("len(zeros) = %d, want 1000", len(zeros))
	}
	for i, b := range zeros {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0", i, b)
		}
	}

	newSize := uint64(forestconfig.BlockSizeLimit - 3)
	if err := f.SetSize(in, newSize); err != nil {
		t.Fatal(err)
	}
	if got := f.Entry(in).StSize; got != newSize {
		t.Fatalf("st_size after truncate = %d, want %d", got, newSize)
	}
	tail, err := f.Read(in, int64(newSize)-10, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range tail {
		if b != 0 {
			t.Fatal("expected zeros at truncated tail")
		}
	}
}

// TestUnlinkWhileOpen covers spec §8 scenario 5: content survives an
// unlink until the last open descriptor's reference drops.
func TestUnlinkWhileOpen(t *testing.T) {
	f := newTestForest(t)
	in, err := f.CreateFile(f.Root(), "file_one", 0o644, 0, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(in, 0, []byte("foo")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Flush(); err != nil {
		t.Fatal(err)
	}

	// A second descriptor on the same inode, as if opened for append.
	second, err := f.Lookup(f.Root(), "file_one")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.Unlink(f.Root(), "file_one"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Lookup(f.Root(), "file_one"); err == nil {
		t.Fatal("expected lookup of unlinked name to fail")
	}
	entries, err := f.Readdir(f.Root())
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if string(e.Name) == "file_one" {
			t.Fatal("unlinked name still present in readdir")
		}
	}

	if _, err := f.Write(second, 3, []byte("bar")); err != nil {
		t.Fatal(err)
	}
	got, err := f.Read(second, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "foobar" {
		t.Fatalf("got %q, want %q", got, "foobar")
	}

	if err := f.Deref(second); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Flush(); err != nil {
		t.Fatal(err)
	}
}

// TestFlushIdempotence covers spec §8's universal invariant: a second
// flush with no intervening mutation returns zero operations.
func TestFlushIdempotence(t *testing.T) {
	f := newTestForest(t)
	if _, err := f.CreateFile(f.Root(), "a", 0o644, 0, 0, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Flush(); err != nil {
		t.Fatal(err)
	}
	ops, err := f.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if ops != 0 {
		t.Fatalf("second flush performed %d ops, want 0", ops)
	}
}

// TestMkdirRmdirNotEmpty exercises directory creation and the ENOTEMPTY
// guard on rmdir-via-Unlink.
func TestMkdirRmdirNotEmpty(t *testing.T) {
	f := newTestForest(t)
	dir, err := f.CreateDir(f.Root(), "d", 0o755, 0, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.CreateFile(dir, "inner", 0o644, 0, 0, 1); err != nil {
		t.Fatal(err)
	}
	if err := f.Unlink(f.Root(), "d"); err == nil {
		t.Fatal("expected ENOTEMPTY-equivalent error removing non-empty dir")
	}
	if err := f.Unlink(dir, "inner"); err != nil {
		t.Fatal(err)
	}
	if err := f.Unlink(f.Root(), "d"); err != nil {
		t.Fatal(err)
	}
}

// TestRenameOverwrite exercises spec §7's rename-overwrite sequencing.
func TestRenameOverwrite(t *testing.T) {
	f := newTestForest(t)
	a, err := f.CreateFile(f.Root(), "a", 0o644, 0, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(a, 0, []byte("AAAA")); err != nil {
		t.Fatal(err)
	}
	b, err := f.CreateFile(f.Root(), "b", 0o644, 0, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(b, 0, []byte("BB")); err != nil {
		t.Fatal(err)
	}
	if err := f.Rename(f.Root(), "a", f.Root(), "b"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Lookup(f.Root(), "a"); err == nil {
		t.Fatal("expected old name gone after rename")
	}
	renamed, err := f.Lookup(f.Root(), "b")
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.Read(renamed, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "AAAA" {
		t.Fatalf("got %q, want %q", got, "AAAA")
	}
}

// TestHardLink exercises spec §9's Open Question decision: link()
// creates a second leaf bound to the same inode content, and NLink
// tracks the binding count.
func TestHardLink(t *testing.T) {
	f := newTestForest(t)
	a, err := f.CreateFile(f.Root(), "a", 0o644, 0, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(a, 0, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	linked, err := f.Link(a, f.Root(), "b")
	if err != nil {
		t.Fatal(err)
	}
	if got := f.Entry(linked).NLink; got != 2 {
		t.Fatalf("NLink = %d, want 2", got)
	}
	b, err := f.Lookup(f.Root(), "b")
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.Read(b, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hi" {
		t.Fatalf("got %q via hard link, want %q", got, "hi")
	}

	if err := f.Unlink(f.Root(), "a"); err != nil {
		t.Fatal(err)
	}
	if got := f.Entry(b).NLink; got != 1 {
		t.Fatalf("NLink after unlinking one name = %d, want 1", got)
	}
}
