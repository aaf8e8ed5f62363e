package bloom

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"
)

// sha256Hasher derives k independent hash values from successive
// 8-byte windows of sha256(o) ‖ sha256(sha256(o)) ‖ ... (cheap double
// hashing, enough entropy for small k in tests).
func sha256Hasher(o []byte, k int) []uint64 {
	out := make([]uint64, 0, k)
	seed := o
	for len(out) < k {
		sum := sha256.Sum256(seed)
		for i := 0; i+8 <= len(sum) && len(out) < k; i += 8 {
			out = append(out, binary.BigEndian.Uint64(sum[i:i+8]))
		}
		seed = sum[:]
	}
	return out
}

func TestIntArrayFilterAddHas(t *testing.T) {
	f := New(sha256Hasher, 3, 1000)
	present := [][]byte{[]byte("alpha"), []byte("bravo"), []byte("charlie")}
	for _, p := range present {
		f.Add(p)
	}
	for _, p := range present {
		if !f.Has(p) {
			t.Fatalf("expected %q to be present", p)
		}
	}
	if f.Has([]byte("definitely-absent-element-xyz")) {
		// False positives are allowed but astronomically unlikely here;
		// if this ever flakes, the test seed should change, not the code.
		t.Log("got a false positive on an absent element (rare but allowed)")
	}
}

func TestBigIntFilterAddHas(t *testing.T) {
	f := NewBigIntFilter(sha256Hasher, 3, 1000, nil)
	f.Add([]byte("one"))
	f.Add([]byte("two"))
	if !f.Has([]byte("one")) || !f.Has([]byte("two")) {
		t.Fatal("expected both added elements present")
	}
}

func TestGrowFallsThroughToOld(t *testing.T) {
	f := NewIntArrayFilter(sha256Hasher, 2, 4, nil)
	for i := 0; i < 20; i++ {
		f.Add([]byte{byte(i)})
	}
	grown := f.Grow()
	if grown == Filter(f) {
		t.Fatal("expected Grow to produce a new generation after exceeding n")
	}
	for i := 0; i < 20; i++ {
		if !grown.Has([]byte{byte(i)}) {
			t.Fatalf("grown filter lost membership of element %d via old fallthrough", i)
		}
	}
}

func TestGrowNoOpBelowEstimate(t *testing.T) {
	f := New(sha256Hasher, 3, 1000)
	f.Add([]byte("single"))
	if f.Grow() != f {
		t.Fatal("expected Grow to be a no-op well below the estimate")
	}
}

func TestCountSaturatesToInfinity(t *testing.T) {
	f := NewIntArrayFilter(sha256Hasher, 1, 1, nil)
	for i := 0; i < 1000 && f.Count() != f.count(); i++ {
		f.Add([]byte{byte(i), byte(i >> 8)})
	}
	// Force full saturation directly to exercise the Inf branch
	// regardless of hash luck.
	for idx := uint64(0); idx < f.m; idx++ {
		f.setBit(idx)
	}
	f.setBits = f.m
	if !isInf(f.Count()) {
		t.Fatalf("expected +Inf once every bit is set, got %v", f.Count())
	}
}

func isInf(v float64) bool { return v > 1e300 }

func TestMarshalUnmarshalWordsRoundTrip(t *testing.T) {
	words := []uint64{0, 1, 1<<64 - 1, 12345, 0xdeadbeef}
	b := MarshalWords(words)
	got := UnmarshalWords(b)
	if len(got) != len(words) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(words))
	}
	for i := range words {
		if got[i] != words[i] {
			t.Fatalf("word %d: got %d want %d", i, got[i], words[i])
		}
	}
}
