package pickle

import (
	"bytes"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestRoundTripInternal(t *testing.T) {
	n := &TreeNodeContent{
		Key: []byte("firstkey"),
		Children: []ChildRef{
			{Key: []byte("firstkey"), BlockID: bytes.Repeat([]byte{1}, 32)},
			{Key: []byte("secondkey"), BlockID: bytes.Repeat([]byte{2}, 32)},
		},
	}
	b, err := MarshalContent(n)
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalContent(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Children) != 2 || !bytes.Equal(got.Children[0].BlockID, n.Children[0].BlockID) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestRoundTripLeafyDir(t *testing.T) {
	n := &TreeNodeContent{
		Key: []byte{0, 0, 0, 0},
		DirLeaves: []DirEntry{
			{Name: []byte("a.txt"), StMode: 0644, StSize: 3, BlockData: []byte("abc")},
		},
	}
	b, err := MarshalContent(n)
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalContent(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.DirLeaves) != 1 || string(got.DirLeaves[0].Name) != "a.txt" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if string(got.DirLeaves[0].BlockData) != "abc" {
		t.Fatalf("block data mismatch: %+v", got.DirLeaves[0])
	}
}

func TestDirEntrySortKeyAndSize(t *testing.T) {
	e := &DirEntry{Name: []byte("hello")}
	k1 := e.SortKey()
	k2 := e.SortKey()
	if !bytes.Equal(k1, k2) {
		t.Fatal("SortKey not stable")
	}
	if e.Size() != 36+len("hello") {
		t.Fatalf("unexpected size: %d", e.Size())
	}
}

func TestFileBlockEntrySortKeyOrdering(t *testing.T) {
	a := (&FileBlockEntry{Index: 1}).SortKey()
	b := (&FileBlockEntry{Index: 2}).SortKey()
	if bytes.Compare(a, b) >= 0 {
		t.Fatal("file block keys must order by index")
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	// A hand-built map with an extra unknown key should still decode.
	type futureEntry struct {
		Name    []byte `cbor:"1,keyasint"`
		Unknown []byte `cbor:"99,keyasint"`
	}
	type futureContent struct {
		DirLeaves []futureEntry `cbor:"3,keyasint"`
	}
	b, err := cbor.Marshal(&futureContent{DirLeaves: []futureEntry{{Name: []byte("x"), Unknown: []byte("y")}}})
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalContent(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.DirLeaves) != 1 || string(got.DirLeaves[0].Name) != "x" {
		t.Fatalf("expected forward-compatible decode, got %+v", got)
	}
}
