// Package inode implements the forest's inode allocator (spec §4.5): a
// runtime int<->object mapping with three indices (by numeric value, by
// content tree, by parent-directory leaf binding), a free-list-then-
// counter value allocator, and the "protected set" of tree nodes that
// must not be unloaded from memory because a live inode's path runs
// through them.
//
// Grounded on original_source/inode.py's INodeStore/INode pair (three
// dict indices, deferred removal via an "inodes waiting to remove" set)
// and the teacher's pkg/mvcc/manager.go id-to-object registry bookkeeping
// style, adapted from mvcc's transaction-id counter to a LIFO free-list
// (original_source/inode.py's INodeStore.first_free_inode is a plain
// counter; the LIFO free-list is SPEC_FULL.md's explicit supplement,
// since spec §4.5 calls for "free list (first) then counter" without
// specifying pop order, and the free list the original actually
// maintains elsewhere in the source pops most-recently-freed first).
package inode

import (
	"fmt"

	"forestfs/pkg/btree"
	"forestfs/pkg/ferrors"
)

// RootInode is the root directory's fixed inode value (spec §3.1).
const RootInode int64 = 1

// Inode is a runtime handle into the forest: a numeric id, an optional
// content tree (a directory's entry tree, or a block-tree file's tree —
// nil for inline and single-block files, symlinks and special nodes),
// and the set of
// parent-directory leaves currently bound to it. Per SPEC_FULL.md's
// Open Question decision, more than one leaf may bind to the same
// inode (hard links); NLink is len(Leaves).
type Inode struct {
	Value   int64
	Tree    *btree.Tree // nil for inline and single-block files, symlinks and special nodes
	Leaves  []*btree.Leaf
	Refcnt  int
	removed bool
}

// NLink is the number of directory-entry leaf bindings referencing this
// inode's content (spec §9 Open Question: hard links are supported, so
// this is not hardcoded to 1).
func (i *Inode) NLink() int { return len(i.Leaves) }

// PrimaryLeaf returns the first bound leaf, or nil for the root inode and
// for an inode whose leaves have all been removed with RemoveLeaf.
func (i *Inode) PrimaryLeaf() *btree.Leaf {
	if len(i.Leaves) == 0 {
		return nil
	}
	return i.Leaves[0]
}

// Allocator is the forest's inode table: value->inode, tree->inode (a
// directory or file's own content tree identifies its inode), and
// leaf->inode (a parent-directory leaf binding identifies the inode it
// points at). Allocation draws from a LIFO free list first, then a
// monotonically increasing counter starting at RootInode+1.
type Allocator struct {
	byValue map[int64]*Inode
	byTree  map[*btree.Tree]*Inode
	byLeaf  map[*btree.Leaf]*Inode

	freeList  []int64
	nextValue int64

	pendingRemoval map[int64]*Inode
}

// NewAllocator returns an empty allocator, ready to register the root
// inode.
func NewAllocator() *Allocator {
	return &Allocator{
		byValue:        make(map[int64]*Inode),
		byTree:         make(map[*btree.Tree]*Inode),
		byLeaf:         make(map[*btree.Leaf]*Inode),
		nextValue:      RootInode + 1,
		pendingRemoval: make(map[int64]*Inode),
	}
}

func (a *Allocator) allocateValue() int64 {
	if n := len(a.freeList); n > 0 {
		v := a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
		return v
	}
	v := a.nextValue
	a.nextValue++
	return v
}

func (a *Allocator) register(in *Inode) {
	a.byValue[in.Value] = in
	if in.Tree != nil {
		a.byTree[in.Tree] = in
	}
	for _, leaf := range in.Leaves {
		a.byLeaf[leaf] = in
	}
}

// RegisterRoot installs the fixed-value root inode, bound to tree (the
// root directory's entry tree) and no leaf.
func (a *Allocator) RegisterRoot(tree *btree.Tree) *Inode {
	in := &Inode{Value: RootInode, Tree: tree, Refcnt: 1}
	a.register(in)
	return in
}

// Register allocates a fresh inode bound to tree (nil for an inline
// file) and an initial leaf binding, with refcnt 1.
func (a *Allocator) Register(tree *btree.Tree, leaf *btree.Leaf) *Inode {
	in := &Inode{Value: a.allocateValue(), Tree: tree, Refcnt: 1}
	if leaf != nil {
		in.Leaves = append(in.Leaves, leaf)
	}
	a.register(in)
	return in
}

// ByValue looks up an inode by its numeric id.
func (a *Allocator) ByValue(value int64) (*Inode, bool) {
	in, ok := a.byValue[value]
	return in, ok
}

// ByTree looks up the inode owning a content tree (a directory's entry
// tree, or a file's block-tree).
func (a *Allocator) ByTree(tree *btree.Tree) (*Inode, bool) {
	in, ok := a.byTree[tree]
	return in, ok
}

// ByLeaf looks up the inode a parent-directory leaf is bound to.
func (a *Allocator) ByLeaf(leaf *btree.Leaf) (*Inode, bool) {
	in, ok := a.byLeaf[leaf]
	return in, ok
}

// SetTree (re)binds in's content tree index, used when a file is
// promoted from inline to a block-tree or a directory's tree is loaded
// lazily on first access (spec §4.6 lookup: "for directories, lazily
// load its content tree").
func (a *Allocator) SetTree(in *Inode, tree *btree.Tree) {
	if in.Tree != nil {
		delete(a.byTree, in.Tree)
	}
	in.Tree = tree
	if tree != nil {
		a.byTree[tree] = in
	}
}

// AddLeaf binds an additional parent-directory leaf to in (spec §9 Open
// Question: link() creates a second leaf bound to the same inode).
func (a *Allocator) AddLeaf(in *Inode, leaf *btree.Leaf) {
	in.Leaves = append(in.Leaves, leaf)
	a.byLeaf[leaf] = in
}

// RemoveLeaf unbinds leaf from in. Returns in's remaining NLink.
func (a *Allocator) RemoveLeaf(in *Inode, leaf *btree.Leaf) int {
	for i, l := range in.Leaves {
		if l == leaf {
			in.Leaves = append(in.Leaves[:i], in.Leaves[i+1:]...)
			break
		}
	}
	delete(a.byLeaf, leaf)
	return len(in.Leaves)
}

// Ref increments in's runtime refcount (an open file descriptor or an
// outstanding lookup reference, distinct from NLink).
func (a *Allocator) Ref(in *Inode) {
	if in.Refcnt == 0 {
		delete(a.pendingRemoval, in.Value)
	}
	in.Refcnt++
}

// Deref decrements in's runtime refcount by count. Reaching zero queues
// the inode for removal at the next flush rather than unregistering it
// immediately (spec §3.3: "freed when refcount reaches 0, but only
// after the pending tree flush has completed").
func (a *Allocator) Deref(in *Inode, count int) error {
	if count <= 0 {
		return fmt.Errorf("inode: %w: deref count must be positive", ferrors.ErrInvalid)
	}
	if in.Refcnt < count {
		return fmt.Errorf("inode: %w: refcnt underflow on inode %d", ferrors.ErrInvalid, in.Value)
	}
	in.Refcnt -= count
	if in.Refcnt == 0 {
		a.pendingRemoval[in.Value] = in
	}
	return nil
}

// RemoveOldInodes unregisters every inode queued for removal, mirroring
// original_source/inode.py's remove_old_inodes: it iterates the pending
// set to a fixed point, since unregistering one inode may drop another
// (its parent, via the leaf-to-root ref chain a caller threads through
// onRemove) to zero. onRemove is invoked once per removed inode, before
// it is unregistered, so callers (pkg/forest) can dereference whatever
// that inode itself was keeping alive. Returns the count removed.
func (a *Allocator) RemoveOldInodes(onRemove func(in *Inode)) int {
	removed := 0
	for len(a.pendingRemoval) > 0 {
		batch := a.pendingRemoval
		a.pendingRemoval = make(map[int64]*Inode)
		for _, in := range batch {
			if in.Refcnt != 0 || in.removed {
				continue
			}
			in.removed = true
			if onRemove != nil {
				onRemove(in)
			}
			a.unregister(in)
			removed++
		}
	}
	return removed
}

func (a *Allocator) unregister(in *Inode) {
	delete(a.byValue, in.Value)
	if in.Tree != nil {
		delete(a.byTree, in.Tree)
	}
	for _, leaf := range in.Leaves {
		delete(a.byLeaf, leaf)
	}
	a.freeList = append(a.freeList, in.Value)
}

// Count returns the number of currently registered (live) inodes.
func (a *Allocator) Count() int { return len(a.byValue) }

// All returns every currently registered (live) inode, in no particular
// order.
func (a *Allocator) All() []*Inode {
	out := make([]*Inode, 0, len(a.byValue))
	for _, in := range a.byValue {
		out = append(out, in)
	}
	return out
}

// ProtectedSet returns the union, over every live inode, of the tree
// nodes on the path from that inode's leaf bindings up to their tree's
// root (spec §4.5/§9: "every tree node on any live inode's path" must
// not be unloaded). Nodes are loaded lazily by pkg/btree regardless;
// this set exists so pkg/forest can decide what's safe to drop from its
// own in-memory node cache on flush.
func (a *Allocator) ProtectedSet() map[*btree.Node]bool {
	protected := make(map[*btree.Node]bool)
	for _, in := range a.byValue {
		if in.Tree != nil {
			protected[in.Tree.Root()] = true
		}
		for _, leaf := range in.Leaves {
			for n := leaf.Parent(); n != nil; n = n.Parent() {
				if protected[n] {
					break
				}
				protected[n] = true
			}
		}
	}
	return protected
}
