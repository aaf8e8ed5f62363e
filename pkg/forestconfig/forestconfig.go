// Package forestconfig carries the plain option structs the forest and
// its subsystems are constructed with. There is no env/flag parsing
// library at this layer — cmd/forestfs does that with stdlib flag, the
// same split the teacher uses between pager.Options/wal.Options (plain
// structs) and cmd/turdb/main.go (flag parsing that fills them in).
package forestconfig

// Size thresholds from spec §6's Constants table. These are package
// vars, not consts, purely so tests can shrink them to exercise
// rebalancing and regime transitions without allocating gigabytes.
var (
	// BlockSizeLimit is the maximum serialized size of a tree node, and
	// the size of one FileData block.
	BlockSizeLimit = 128000

	// InternedBlockDataSizeLimit is the largest file size stored inline
	// on the directory-entry leaf itself.
	InternedBlockDataSizeLimit = 128

	// NameHashSize is the width of the randomizing name-hash prefix on
	// every leaf sort key.
	NameHashSize = 4

	// HashSize is the width of a block id.
	HashSize = 32

	// MaxNameSize is the longest a single path component may be.
	MaxNameSize = 256
)

// LeafHeaderSize is NAME_HASH_SIZE + HASH_SIZE, the fixed header charged
// against every leaf and internal-node size computation (spec §4.1).
func LeafHeaderSize() int { return NameHashSize + HashSize }

// Maximum returns the maximum serialized tree-node size (BlockSizeLimit).
func Maximum() int { return BlockSizeLimit }

// Minimum returns the minimum serialized tree-node size: 1/4 of maximum.
func Minimum() int { return BlockSizeLimit / 4 }

// HasSpares returns the "has spares" borrowing threshold: 1/2 of maximum.
func HasSpares() int { return BlockSizeLimit / 2 }

// ForestConfig configures a Forest instance.
type ForestConfig struct {
	// TrackAccessTime controls whether reads bump st_atime_ns. Spec §9
	// leaves this ambiguous in the source; default off per its guidance.
	TrackAccessTime bool

	// CacheSize is the initial write-back cache capacity hint (blocks).
	CacheSize int

	// MaximumCacheSize is the block store's eviction ceiling; eviction
	// brings usage down to 3/4 of this value (spec §4.4).
	MaximumCacheSize int

	// Password, if non-empty, enables the Confidential AES-GCM codec
	// stage with a PBKDF2-derived key (spec §4.3).
	Password string

	// Salt is the PBKDF2 salt; must be 16 bytes when Password is set.
	Salt []byte

	// CompressBlocks enables the CompressingTyped codec stage.
	CompressBlocks bool
}

// DefaultForestConfig returns sane defaults, mirroring pager.Options'
// "0 means use the default" convention.
func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		TrackAccessTime:  false,
		CacheSize:        1000,
		MaximumCacheSize: 4000,
		CompressBlocks:   true,
	}
}
