// Package blockstore implements the forest's block store: refcounting,
// external-reference (extref) callbacks, a write-back dirty cache with
// LRU eviction, delayed name-binding changes, and the two-pass flush
// order spec §4.4 describes (refcount-0 transitions first, since they
// may cascade further releases, then the rest — repeated until stable).
//
// Grounded on the teacher's pkg/cache/query_cache.go (map +
// container/list LRU eviction to a fraction of capacity) and
// pkg/pager/pager.go (dirty-page bookkeeping, flush-then-sync-then-
// evict ordering), adapted from a page cache to a content-addressed
// block cache.
package blockstore

import (
	"container/list"
	"fmt"

	"forestfs/pkg/blockid"
	"forestfs/pkg/blockstore/backend"
	"forestfs/pkg/codec"
	"forestfs/pkg/ferrors"
)

// ExtrefFunc reports whether id is still claimed by a live, in-memory
// reason (an open inode) despite an on-disk refcount of zero. The
// forest registers one of these at startup.
type ExtrefFunc func(id blockid.ID) bool

// DataRefsFunc resolves the block ids a stored payload of a given
// semantic type references, so the store can adjust their refcounts
// automatically on store/delete (spec §4.4: "the store additionally
// adjusts the refcounts of all blocks referenced by data"). Semantic
// types with no registered func (FileData blocks, and Weak/Missing
// block states per spec §4.4's "skip this automatic dep handling")
// are treated as having no further references to cascade.
type DataRefsFunc func(payload []byte, leafy bool) ([]blockid.ID, error)

type entry struct {
	semanticType byte
	leafy        bool
	payload      []byte // decoded plain bytes
	raw          []byte // codec-encoded bytes ready for the backend; nil if stale
	refcnt       int
	dirty        bool
}

// Store is the forest's single block store instance.
type Store struct {
	backend  backend.Backend
	codec    *codec.Pipeline
	entries  map[blockid.ID]*entry
	extrefs  []ExtrefFunc
	dataRefs map[byte]DataRefsFunc

	pendingNames map[string]blockid.ID
	refcountZero map[blockid.ID]bool

	lru      *list.List
	lruElems map[blockid.ID]*list.Element
	maxCache int
}

// NewStore constructs a Store over backend b, using pipeline to encode
// and decode block bytes. maxCacheSize <= 0 disables eviction.
func NewStore(b backend.Backend, pipeline *codec.Pipeline, maxCacheSize int) *Store {
	return &Store{
		backend:      b,
		codec:        pipeline,
		entries:      make(map[blockid.ID]*entry),
		dataRefs:     make(map[byte]DataRefsFunc),
		pendingNames: make(map[string]blockid.ID),
		refcountZero: make(map[blockid.ID]bool),
		lru:          list.New(),
		lruElems:     make(map[blockid.ID]*list.Element),
		maxCache:     maxCacheSize,
	}
}

// RegisterExtref adds an external-reference claimant, consulted before
// a refcount-0 block is actually deleted at flush.
func (s *Store) RegisterExtref(fn ExtrefFunc) {
	s.extrefs = append(s.extrefs, fn)
}

// RegisterDataRefs wires fn in as the data-references resolver for
// blocks of the given semantic type.
func (s *Store) RegisterDataRefs(semanticType byte, fn DataRefsFunc) {
	s.dataRefs[semanticType] = fn
}

// refsOf resolves e's own data references via its registered
// DataRefsFunc, or nil if none is registered for e's semantic type.
func (s *Store) refsOf(e *entry) ([]blockid.ID, error) {
	fn, ok := s.dataRefs[e.semanticType]
	if !ok {
		return nil, nil
	}
	return fn(e.payload, e.leafy)
}

func (s *Store) touch(id blockid.ID) {
	if elem, ok := s.lruElems[id]; ok {
		s.lru.MoveToBack(elem)
		return
	}
	s.lruElems[id] = s.lru.PushBack(id)
}

func (s *Store) removeLRU(id blockid.ID) {
	if elem, ok := s.lruElems[id]; ok {
		s.lru.Remove(elem)
		delete(s.lruElems, id)
	}
}

// load ensures entries[id] is present with its payload decoded,
// pulling from the backend on a cold cache.
func (s *Store) load(id blockid.ID) (*entry, error) {
	if e, ok := s.entries[id]; ok {
		s.touch(id)
		return e, nil
	}
	raw, ok, err := s.backend.GetBlock(id)
	if err != nil {
		return nil, fmt.Errorf("blockstore: loading block %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("blockstore: %w: block %s", ferrors.ErrNotFound, id)
	}
	semanticType, leafy, payload, err := s.codec.Decode(id, raw)
	if err != nil {
		return nil, err
	}
	refcnt, err := s.backend.GetRefcount(id)
	if err != nil {
		return nil, err
	}
	e := &entry{semanticType: semanticType, leafy: leafy, payload: payload, refcnt: refcnt}
	s.entries[id] = e
	s.touch(id)
	return e, nil
}

// GetBlockByID returns the decoded (semanticType, leafy, payload) for
// id, loading it from the backend on a cache miss.
func (s *Store) GetBlockByID(id blockid.ID) (semanticType byte, leafy bool, payload []byte, err error) {
	if id.IsZero() {
		return 0, false, nil, fmt.Errorf("blockstore: %w: zero block id", ferrors.ErrNotFound)
	}
	e, err := s.load(id)
	if err != nil {
		return 0, false, nil, err
	}
	out := make([]byte, len(e.payload))
	copy(out, e.payload)
	return e.semanticType, e.leafy, out, nil
}

// StoreBlock encodes payload, computing its content-addressed id, and
// stores it with the given initial refcount. If a block with the same
// id is already known (content-addressed dedup), this behaves like
// ReferBlock instead, adding refcnt to whatever count the existing
// block already carries.
func (s *Store) StoreBlock(semanticType byte, leafy bool, payload []byte, refcnt int) (blockid.ID, error) {
	id, raw, err := s.codec.Encode(semanticType, leafy, payload)
	if err != nil {
		return blockid.ID{}, err
	}

	if e, ok := s.entries[id]; ok {
		e.refcnt += refcnt
		e.dirty = true
		delete(s.refcountZero, id)
		s.touch(id)
		return id, nil
	}

	if existingRaw, ok, err := s.backend.GetBlock(id); err != nil {
		return blockid.ID{}, err
	} else if ok {
		rc, err := s.backend.GetRefcount(id)
		if err != nil {
			return blockid.ID{}, err
		}
		e := &entry{semanticType: semanticType, leafy: leafy, payload: append([]byte(nil), payload...), raw: existingRaw, refcnt: rc + refcnt, dirty: true}
		s.entries[id] = e
		s.touch(id)
		delete(s.refcountZero, id)
		return id, nil
	}

	e := &entry{semanticType: semanticType, leafy: leafy, payload: append([]byte(nil), payload...), raw: raw, refcnt: refcnt, dirty: true}
	s.entries[id] = e
	s.touch(id)
	delete(s.refcountZero, id)

	refs, err := s.refsOf(e)
	if err != nil {
		return blockid.ID{}, err
	}
	for _, ref := range refs {
		if err := s.ReferBlock(ref); err != nil {
			return blockid.ID{}, err
		}
	}
	return id, nil
}

// ReferBlock increments an existing block's refcount by one.
func (s *Store) ReferBlock(id blockid.ID) error {
	e, err := s.load(id)
	if err != nil {
		return err
	}
	e.refcnt++
	e.dirty = true
	delete(s.refcountZero, id)
	return nil
}

// ReferOrStoreBlock refers payload's block if it already exists under
// its content-addressed id, or stores it fresh with refcnt 1.
func (s *Store) ReferOrStoreBlock(semanticType byte, leafy bool, payload []byte) (blockid.ID, error) {
	return s.StoreBlock(semanticType, leafy, payload, 1)
}

// ReleaseBlock decrements id's refcount by one. Reaching zero does not
// delete the block immediately: deletion happens at the next Flush,
// after extref callbacks have had a chance to claim it. ReleaseBlock
// itself does not walk the block's payload; when Flush deletes the
// block, it releases the references its registered DataRefsFunc
// resolves (a non-leafy tree node's children). Other pointers (a
// dirent's content pointer, a file-block leaf's data block) are
// released by whoever holds them.
func (s *Store) ReleaseBlock(id blockid.ID) error {
	if id.IsZero() {
		return nil
	}
	e, err := s.load(id)
	if err != nil {
		return err
	}
	if e.refcnt <= 0 {
		return fmt.Errorf("blockstore: %w: release of already-zero-refcount block %s", ferrors.ErrInvalid, id)
	}
	e.refcnt--
	e.dirty = true
	if e.refcnt == 0 {
		s.refcountZero[id] = true
	}
	return nil
}

// SetBlockName publishes name -> id, atomically referring the new id
// and releasing whatever id the name previously pointed to.
func (s *Store) SetBlockName(name string, id blockid.ID) error {
	old, hadOld, err := s.GetBlockIDByName(name)
	if err != nil {
		return err
	}
	if hadOld && old == id {
		return nil
	}
	if !id.IsZero() {
		if err := s.ReferBlock(id); err != nil {
			return err
		}
	}
	s.pendingNames[name] = id
	if hadOld && !old.IsZero() {
		if err := s.ReleaseBlock(old); err != nil {
			return err
		}
	}
	return nil
}

// GetBlockIDByName resolves a published (or pending, not-yet-flushed)
// root name to a block id.
func (s *Store) GetBlockIDByName(name string) (blockid.ID, bool, error) {
	if id, ok := s.pendingNames[name]; ok {
		return id, !id.IsZero(), nil
	}
	return s.backend.GetName(name)
}

// Flush writes every pending name change and dirty block to the
// backend, deleting blocks whose refcount has dropped to zero and that
// no extref callback claims (cascading through their own data
// references), repeating until no more progress is made — then calls
// the backend's durability barrier and evicts down to 3/4 of the cache
// ceiling if over it. Returns the number of backend operations issued,
// so a second Flush with no intervening mutation returns 0 (spec §8's
// flush-idempotence property).
func (s *Store) Flush() (int, error) {
	ops := 0

	for name, id := range s.pendingNames {
		if err := s.backend.SetName(name, id); err != nil {
			return ops, fmt.Errorf("blockstore: flushing name %q: %w", name, err)
		}
		ops++
	}
	s.pendingNames = make(map[string]blockid.ID)

	for {
		progressed := false

		for id := range s.refcountZero {
			claimed := false
			for _, fn := range s.extrefs {
				if fn(id) {
					claimed = true
					break
				}
			}
			if claimed {
				// Leave id in refcountZero: a later flush, after the
				// claim is withdrawn, must reconsider it (spec.md:97's
				// "subsequent flush retries deletion until no claimant
				// remains").
				continue
			}
			e, ok := s.entries[id]
			if !ok {
				delete(s.refcountZero, id)
				continue
			}
			refs, err := s.refsOf(e)
			if err != nil {
				return ops, err
			}
			if err := s.backend.DeleteBlock(id); err != nil {
				return ops, fmt.Errorf("blockstore: deleting block %s: %w", id, err)
			}
			delete(s.entries, id)
			delete(s.refcountZero, id)
			s.removeLRU(id)
			ops++
			progressed = true
			for _, ref := range refs {
				if err := s.ReleaseBlock(ref); err != nil {
					return ops, err
				}
			}
		}

		for id, e := range s.entries {
			if !e.dirty || e.refcnt == 0 {
				continue
			}
			if e.raw == nil {
				_, raw, err := s.codec.Encode(e.semanticType, e.leafy, e.payload)
				if err != nil {
					return ops, err
				}
				e.raw = raw
			}
			if err := s.backend.PutBlock(id, e.raw); err != nil {
				return ops, fmt.Errorf("blockstore: writing block %s: %w", id, err)
			}
			if err := s.backend.SetRefcount(id, e.refcnt); err != nil {
				return ops, fmt.Errorf("blockstore: writing refcount for %s: %w", id, err)
			}
			e.dirty = false
			ops++
			progressed = true
		}

		if !progressed {
			break
		}
	}

	if err := s.backend.FlushDone(); err != nil {
		return ops, fmt.Errorf("blockstore: flush_done: %w", err)
	}

	s.evictIfNeeded()
	return ops, nil
}

func (s *Store) evictIfNeeded() {
	if s.maxCache <= 0 || len(s.entries) <= s.maxCache {
		return
	}
	target := (s.maxCache * 3) / 4
	scanned := 0
	total := s.lru.Len()
	for len(s.entries) > target && scanned < total {
		front := s.lru.Front()
		if front == nil {
			break
		}
		id := front.Value.(blockid.ID)
		e, ok := s.entries[id]
		if !ok {
			s.lru.Remove(front)
			delete(s.lruElems, id)
			continue
		}
		if e.dirty {
			s.lru.MoveToBack(front)
			scanned++
			continue
		}
		s.lru.Remove(front)
		delete(s.lruElems, id)
		delete(s.entries, id)
		scanned = 0
	}
}
