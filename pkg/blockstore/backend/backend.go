// Package backend defines the durable storage surface the block store
// writes through: raw (id -> bytes) blocks, a small (name -> id) root
// registry (one entry per forest/file-system instance's published root),
// and persisted per-id refcounts so a process restart doesn't need to
// recompute reachability from scratch.
//
// Grounded on cellstate-treedb/layerfs/layerfs.go's boltdb bucket layout
// and content-addressed K [sha256.Size]byte key type, generalized to a
// pluggable interface so an in-memory backend can stand in for tests.
package backend

import "forestfs/pkg/blockid"

// Backend is the storage surface pkg/blockstore drives. Implementations
// need not be safe for concurrent use from multiple goroutines; the
// forest's single-threaded cooperative model (spec §5) means callers
// serialize access above this layer.
type Backend interface {
	// GetBlock returns the raw bytes stored under id, or ok == false if
	// absent.
	GetBlock(id blockid.ID) (data []byte, ok bool, err error)

	// PutBlock stores data under id, overwriting any existing value.
	PutBlock(id blockid.ID, data []byte) error

	// DeleteBlock removes id's block, if present. Deleting an absent id
	// is not an error.
	DeleteBlock(id blockid.ID) error

	// GetRefcount returns id's persisted refcount (0 if never set).
	GetRefcount(id blockid.ID) (int, error)

	// SetRefcount persists id's refcount. A refcount of 0 does not
	// imply deletion; pkg/blockstore decides when to reclaim.
	SetRefcount(id blockid.ID, count int) error

	// GetName resolves a published root name to a block id.
	GetName(name string) (id blockid.ID, ok bool, err error)

	// SetName publishes name -> id, overwriting any prior binding.
	SetName(name string, id blockid.ID) error

	// DeleteName removes a published root name, if present.
	DeleteName(name string) error

	// FlushDone is the durability barrier a flush calls once all block,
	// refcount, and name writes for that flush have been issued — e.g.
	// committing a transaction. Implementations that already commit
	// per-call (as Memory and Bolt do here) may treat this as a no-op.
	FlushDone() error

	// Close releases any resources (file handles, locks) the backend
	// holds. Closing an already-closed backend is a no-op.
	Close() error
}

// StatsBackend is an optional capability a Backend may implement to
// report aggregate byte usage for statfs (spec §6's
// get_bytes_available/get_bytes_used operations). pkg/ops type-asserts
// for this and falls back to zero for a backend that doesn't implement
// it, rather than widening the required Backend surface for a
// diagnostic-only operation.
type StatsBackend interface {
	// BytesUsed returns the storage currently occupied by blocks.
	BytesUsed() (uint64, error)

	// BytesAvailable returns the remaining free storage, or a backend-
	// specific generous ceiling for backends with no real limit.
	BytesAvailable() (uint64, error)
}
