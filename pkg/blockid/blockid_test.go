package blockid

import "testing"

func TestDeriveDeterministic(t *testing.T) {
	a := Derive(nil, 1, []byte("payload"))
	b := Derive(nil, 1, []byte("payload"))
	if a != b {
		t.Fatalf("Derive is not deterministic: %v != %v", a, b)
	}
}

func TestDeriveKeySeparation(t *testing.T) {
	a := Derive(nil, 1, []byte("payload"))
	b := Derive([]byte("master-key"), 1, []byte("payload"))
	if a == b {
		t.Fatal("identical plaintext under different keys produced the same id")
	}
}

func TestDeriveTypeSeparation(t *testing.T) {
	a := Derive(nil, 1, []byte("payload"))
	b := Derive(nil, 2, []byte("payload"))
	if a == b {
		t.Fatal("different type bytes produced the same id")
	}
}

func TestHash4Stable(t *testing.T) {
	a := Hash4([]byte("file.txt"))
	b := Hash4([]byte("file.txt"))
	if a != b {
		t.Fatal("Hash4 is not stable")
	}
}

func TestLeafKeyStableAndLength(t *testing.T) {
	k1 := LeafKey([]byte("a"))
	k2 := LeafKey([]byte("a"))
	if string(k1) != string(k2) {
		t.Fatal("LeafKey is not stable for the same name")
	}
	if len(k1) != 4+1 {
		t.Fatalf("unexpected key length: %d", len(k1))
	}
}

func TestZeroPad(t *testing.T) {
	out := ZeroPad([]byte("ab"), 5)
	if len(out) != 5 || string(out[:2]) != "ab" {
		t.Fatalf("ZeroPad produced %q", out)
	}
	same := ZeroPad([]byte("abcdef"), 3)
	if string(same) != "abcdef" {
		t.Fatal("ZeroPad truncated a slice longer than n")
	}
}
