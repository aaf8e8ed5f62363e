// Package bloom implements the forest's auxiliary membership-hint filter
// (spec §4.8): an approximate, growable set used by the storage layer to
// hint whether a block id might already exist without loading it.
//
// Grounded directly on original_source/bloom.py: the same two interchangeable
// representations (a bit-per-position array vs. a single arbitrary-precision
// integer) behind one abstract add/has/count/grow contract, and the same
// chained-via-"old" growth strategy rather than rehashing every element.
// The bit-array variant's word-packing mirrors the teacher's
// pkg/pager/freelist.go (bit-run tracking over a byte/word slice).
package bloom

import (
	"encoding/binary"
	"math"
	"math/big"
)

// DefaultEstimate and growthFactor mirror original_source/bloom.py's
// DEFAULT_N_ESTIMATE and GROWTH_FACTOR.
const (
	DefaultEstimate = 1000000
	growthFactor    = 100
)

// Hasher produces k independent hash values for o. Filter.Add/Has call
// it once per element and consume exactly k values from the returned
// slice.
type Hasher func(o []byte, k int) []uint64

// Filter is the common bloom-filter contract both representations share.
// Grown filters chain to their predecessor via Old so Has can fall
// through on a miss in the current generation (spec §4.8: "has falls
// through to the old filter on miss").
type Filter interface {
	// Add records o as present.
	Add(o []byte)
	// Has reports whether o may be present (false positives possible,
	// false negatives never, within one lineage of Grow calls).
	Has(o []byte) bool
	// Count estimates the number of distinct elements added, from the
	// fraction of bits set. Returns +Inf once every bit is saturated.
	Count() float64
	// Grow returns a filter chained to this one, sized for n*growthFactor
	// elements, if Count has exceeded n; otherwise returns the receiver
	// unchanged.
	Grow() Filter
}

type base struct {
	hasher   Hasher
	k        int
	n        uint64
	m        uint64
	setBits  uint64
	old      Filter
	setBitFn func(v uint64) bool // returns true if this call actually flipped a bit
	hasBitFn func(v uint64) bool
}

func newBase(hasher Hasher, k int, n uint64, old Filter) base {
	if k <= 0 {
		k = 1
	}
	if n == 0 {
		n = DefaultEstimate
	}
	m := uint64(math.Ceil(float64(k) * float64(n) / math.Ln2))
	if m == 0 {
		m = 1
	}
	return base{hasher: hasher, k: k, n: n, m: m, old: old}
}

func (b *base) add(o []byte) {
	hashes := b.hasher(o, b.k)
	for i := 0; i < b.k && i < len(hashes); i++ {
		v := hashes[i] % b.m
		if !b.hasBitFn(v) {
			b.setBitFn(v)
			b.setBits++
		}
	}
}

func (b *base) has(o []byte) bool {
	hashes := b.hasher(o, b.k)
	hit := len(hashes) > 0
	for i := 0; i < b.k && i < len(hashes); i++ {
		v := hashes[i] % b.m
		if !b.hasBitFn(v) {
			hit = false
			break
		}
	}
	if hit {
		return true
	}
	if b.old != nil {
		return b.old.Has(o)
	}
	return false
}

func (b *base) count() float64 {
	if b.setBits == b.m {
		return math.Inf(1)
	}
	return -float64(b.m) / float64(b.k) * math.Log(1-float64(b.setBits)/float64(b.m))
}

// BigIntFilter stores the bit set as a single arbitrary-precision-style
// value, chunked into uint64 words — the Go analogue of Python's
// unbounded int, per original_source/bloom.py's BigIntBloom.
type BigIntFilter struct {
	base
	value *big.Int
}

// NewBigIntFilter constructs a BigIntFilter estimating n elements with k
// hash positions per element, optionally chained to an old generation.
// The bit set is a single arbitrary-precision integer (math/big.Int),
// matching original_source/bloom.py's BigIntBloom, which ORs a Python
// unbounded int rather than indexing a fixed word array.
func NewBigIntFilter(hasher Hasher, k int, n uint64, old Filter) *BigIntFilter {
	f := &BigIntFilter{base: newBase(hasher, k, n, old), value: new(big.Int)}
	f.setBitFn = f.setBit
	f.hasBitFn = f.hasBit
	return f
}

func (f *BigIntFilter) setBit(v uint64) bool {
	if f.value.Bit(int(v)) != 0 {
		return false
	}
	f.value.SetBit(f.value, int(v), 1)
	return true
}

func (f *BigIntFilter) hasBit(v uint64) bool {
	return f.value.Bit(int(v)) != 0
}

func (f *BigIntFilter) Add(o []byte)     { f.add(o) }
func (f *BigIntFilter) Has(o []byte) bool { return f.has(o) }
func (f *BigIntFilter) Count() float64    { return f.count() }

// Grow returns a filter growthFactor times larger, chained to f, once
// Count exceeds f.n — mirrors original_source/bloom.py's grow().
func (f *BigIntFilter) Grow() Filter {
	if f.count() <= float64(f.n) {
		return f
	}
	return NewBigIntFilter(f.hasher, f.k, f.n*growthFactor, f)
}

// IntArrayFilter is the word-per-chunk bit-array representation — the
// default per original_source/bloom.py ("Bloom = IntArrayBloom # marginally
// faster, it seems"), and the one New returns.
type IntArrayFilter struct {
	base
	words []uint64
}

// NewIntArrayFilter constructs an IntArrayFilter estimating n elements
// with k hash positions per element, optionally chained to an old
// generation.
func NewIntArrayFilter(hasher Hasher, k int, n uint64, old Filter) *IntArrayFilter {
	f := &IntArrayFilter{base: newBase(hasher, k, n, old)}
	f.words = make([]uint64, f.m/64+1)
	f.setBitFn = f.setBit
	f.hasBitFn = f.hasBit
	return f
}

func (f *IntArrayFilter) setBit(v uint64) bool {
	idx, ofs := v/64, v%64
	already := f.words[idx]&(1<<ofs) != 0
	f.words[idx] |= 1 << ofs
	return !already
}

func (f *IntArrayFilter) hasBit(v uint64) bool {
	idx, ofs := v/64, v%64
	return f.words[idx]&(1<<ofs) != 0
}

func (f *IntArrayFilter) Add(o []byte)     { f.add(o) }
func (f *IntArrayFilter) Has(o []byte) bool { return f.has(o) }
func (f *IntArrayFilter) Count() float64    { return f.count() }

func (f *IntArrayFilter) Grow() Filter {
	if f.count() <= float64(f.n) {
		return f
	}
	return NewIntArrayFilter(f.hasher, f.k, f.n*growthFactor, f)
}

// New constructs the default representation (IntArrayFilter), matching
// original_source/bloom.py's `Bloom = IntArrayBloom` alias.
func New(hasher Hasher, k int, n uint64) Filter {
	return NewIntArrayFilter(hasher, k, n, nil)
}

// MarshalWords encodes a word slice (one generation's bit array) to
// bytes using LEB128 varints, so a filter can be persisted as a hint
// block rather than always rebuilt from a cold cache scan.
func MarshalWords(words []uint64) []byte {
	buf := make([]byte, 0, len(words)*2)
	buf = binary.AppendUvarint(buf, uint64(len(words)))
	for _, w := range words {
		buf = binary.AppendUvarint(buf, w)
	}
	return buf
}

// UnmarshalWords decodes bytes produced by MarshalWords.
func UnmarshalWords(b []byte) []uint64 {
	count, n := binary.Uvarint(b)
	b = b[n:]
	words := make([]uint64, 0, count)
	for i := uint64(0); i < count && len(b) > 0; i++ {
		v, n := binary.Uvarint(b)
		words = append(words, v)
		b = b[n:]
	}
	return words
}
