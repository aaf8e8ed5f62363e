// Package blockid implements content addressing for the forest: the
// sha256-derived 32-byte identity every block, tree node and leaf is
// keyed by, plus the handful of byte-slicing helpers the rest of the
// forest shares.
//
// Grounded on the teacher's bare, heavily-unit-tested leaf package style
// (small, pure, no dependencies of its own), and cellstate-treedb/layerfs's
// `K [sha256.Size]byte` key type.
package blockid

import (
	"crypto/sha256"
	"encoding/hex"
)

// Size is the byte length of a block id.
const Size = sha256.Size

// ID is the 32-byte content hash that addresses a block.
type ID [Size]byte

// Zero is the reserved id meaning "no block" (an absent pointer).
var Zero ID

// IsZero reports whether id is the reserved absent-block sentinel.
func (id ID) IsZero() bool { return id == Zero }

// Bytes returns id's bytes as a slice.
func (id ID) Bytes() []byte { return id[:] }

// String renders id as hex, for logging and debugging only.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// FromBytes copies b into an ID. b must be exactly Size bytes.
func FromBytes(b []byte) ID {
	var id ID
	copy(id[:], b)
	return id
}

// Derive computes the block id for a (type, payload) pair under the given
// block_id_key, per spec §4.2: id = sha256(block_id_key, type_byte, payload).
// key is empty when no encryption codec is configured, or the encryption
// master key otherwise — this is what prevents cross-key correlation of
// identical plaintext blocks.
func Derive(key []byte, typeByte byte, payload []byte) ID {
	h := sha256.New()
	h.Write(key)
	h.Write([]byte{typeByte})
	h.Write(payload)
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// Hash4 returns the first four bytes of sha256(name), used to randomize
// leaf ordering so B+ tree splits stay balanced regardless of the
// distribution of actual file/directory names (spec §3.1).
func Hash4(name []byte) [4]byte {
	sum := sha256.Sum256(name)
	var out [4]byte
	copy(out[:], sum[:4])
	return out
}

// LeafKey builds the sort key for a directory-entry or file-block leaf:
// hash4(name) ‖ name.
func LeafKey(name []byte) []byte {
	h := Hash4(name)
	out := make([]byte, 0, 4+len(name))
	out = append(out, h[:]...)
	out = append(out, name...)
	return out
}

// ZeroPad returns b extended with zero bytes to length n. If b is already
// at least n bytes, b is returned unchanged (not truncated).
func ZeroPad(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
