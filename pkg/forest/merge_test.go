package forest

import (
	"testing"

	"forestfs/pkg/blockstore/backend"
	"forestfs/pkg/forestconfig"
	"forestfs/pkg/inode"
	"forestfs/pkg/pickle"
)

// buildForest populates a fresh forest with same/rm/chg at the root and a
// subdirectory with subsame/subrm/subchg, each containing distinguishable
// content, mirroring spec §8 scenario 6's fixture.
func buildForest(t *testing.T) *Forest {
	t.Helper()
	f := newTestForest(t)

	mustWrite := func(parent *inode.Inode, name, content string) {
		in, err := f.CreateFile(parent, name, 0o644, 0, 0, 1)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := f.Write(in, 0, []byte(content)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if err := f.Deref(in); err != nil {
			t.Fatalf("deref %s: %v", name, err)
		}
	}
	mustWrite(f.Root(), "same", "same-v1")
	mustWrite(f.Root(), "rm", "rm-v1")
	mustWrite(f.Root(), "chg", "chg-v1")

	sub, err := f.CreateDir(f.Root(), "sub", 0o755, 0, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	mustWrite(sub, "subsame", "subsame-v1")
	mustWrite(sub, "subrm", "subrm-v1")
	mustWrite(sub, "subchg", "subchg-v1")
	if err := f.Deref(sub); err != nil {
		t.Fatal(err)
	}

	if _, err := f.Flush(); err != nil {
		t.Fatal(err)
	}
	return f
}

// cloneFromAncestor populates a fresh forest to match ancestor's tree
// exactly, via Merge3 against an empty target with no prior ancestor —
// every entry is "local absent, remote present" and gets adopted whole.
func cloneFromAncestor(t *testing.T, ancestor *Forest) *Forest {
	t.Helper()
	clone, err := Open(backend.NewMemory(), forestconfig.DefaultForestConfig())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := clone.Merge3(ancestor, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := clone.Flush(); err != nil {
		t.Fatal(err)
	}
	return clone
}

func readFile(t *testing.T, f *Forest, dir *inode.Inode, name string) string {
	t.Helper()
	in, err := f.Lookup(dir, name)
	if err != nil {
		t.Fatalf("lookup %s: %v", name, err)
	}
	defer f.Deref(in)
	data, err := f.Read(in, 0, 1000)
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(data)
}

func exists(f *Forest, dir *inode.Inode, name string) bool {
	in, err := f.Lookup(dir, name)
	if err != nil {
		return false
	}
	f.Deref(in)
	return true
}

// TestMerge3 covers spec §8 scenario 6: a three-way merge that deletes
// what the remote deleted, adopts the remote's newer version of changed
// entries, and leaves untouched entries alone, recursively into a
// subdirectory.
func TestMerge3(t *testing.T) {
	ancestor := buildForest(t)
	local := cloneFromAncestor(t, ancestor)
	remote := cloneFromAncestor(t, ancestor)

	// Mutate remote: delete rm/subrm, rewrite chg/subchg with newer content
	// and a strictly greater StMtimeNs so the "newer wins" rule fires.
	if err := remote.Unlink(remote.Root(), "rm"); err != nil {
		t.Fatal(err)
	}
	remoteSub, err := remote.Lookup(remote.Root(), "sub")
	if err != nil {
		t.Fatal(err)
	}
	if err := remote.Unlink(remoteSub, "subrm"); err != nil {
		t.Fatal(err)
	}

	rewrite := func(dir *inode.Inode, name, content string) {
		in, err := remote.Lookup(dir, name)
		if err != nil {
			t.Fatal(err)
		}
		if err := remote.SetSize(in, 0); err != nil {
			t.Fatal(err)
		}
		if _, err := remote.Write(in, 0, []byte(content)); err != nil {
			t.Fatal(err)
		}
		remote.MutateEntry(in, func(de *pickle.DirEntry) {
			de.StMtimeNs += 1_000_000_000
		})
		if err := remote.Deref(in); err != nil {
			t.Fatal(err)
		}
	}
	rewrite(remote.Root(), "chg", "chg-v2")
	rewrite(remoteSub, "subchg", "subchg-v2")

	if err := remote.Deref(remoteSub); err != nil {
		t.Fatal(err)
	}
	if _, err := remote.Flush(); err != nil {
		t.Fatal(err)
	}

	deltas, err := local.Merge3(remote, ancestor)
	if err != nil {
		t.Fatal(err)
	}
	if len(deltas) != 0 {
		t.Fatalf("unexpected unreconciled deltas: %v", deltas)
	}
	if _, err := local.Flush(); err != nil {
		t.Fatal(err)
	}

	if exists(local, local.Root(), "rm") {
		t.Fatal("expected rm to be deleted locally")
	}
	if got := readFile(t, local, local.Root(), "same"); got != "same-v1" {
		t.Fatalf("same = %q, want unchanged", got)
	}
	if got := readFile(t, local, local.Root(), "chg"); got != "chg-v2" {
		t.Fatalf("chg = %q, want chg-v2", got)
	}

	localSub, err := local.Lookup(local.Root(), "sub")
	if err != nil {
		t.Fatal(err)
	}
	defer local.Deref(localSub)
	if exists(local, localSub, "subrm") {
		t.Fatal("expected subrm to be deleted locally")
	}
	if got := readFile(t, local, localSub, "subsame"); got != "subsame-v1" {
		t.Fatalf("subsame = %q, want unchanged", got)
	}
	if got := readFile(t, local, localSub, "subchg"); got != "subchg-v2" {
		t.Fatalf("subchg = %q, want subchg-v2", got)
	}
}
