// Package btree implements the forest's COW-friendly ordered container:
// a B+ tree keyed by hash(name)‖name (or, for file block-trees, a
// big-endian block index), sized in bytes rather than child count, with
// split/merge driven by serialized-weight thresholds (spec §4.1).
//
// Grounded on the teacher's pkg/cowbtree (clone-before-mutate nodes,
// split-on-overflow recursion reaching up to a new root, parent-aware
// merge-and-recurse on underflow) generalized from cowbtree's fixed
// MaxKeys count threshold to byte-weight thresholds, and with the
// epoch-based lock-free reclamation dropped — spec §5 is explicit that
// the core is single-threaded, so there are no concurrent readers to
// protect against reclamation.
package btree

import (
	"bytes"
	"fmt"
	"sort"

	"forestfs/pkg/blockid"
	"forestfs/pkg/ferrors"
	"forestfs/pkg/forestconfig"
	"forestfs/pkg/pickle"
)

// LeafValue is anything a leaf can hold: pkg/pickle's DirEntry and
// FileBlockEntry both satisfy this directly (their SortKey/Size methods
// already have this shape).
type LeafValue interface {
	SortKey() []byte
	Size() int
}

// member is the common shape of a Node's children: either all *Leaf
// (when the node is leafy) or all *Node (when it isn't). Treating both
// uniformly means add/remove/split/merge/borrow are written once.
type member interface {
	Key() []byte
	Size() int
}

// NodeStore is how a Tree loads and persists its tree-node blocks. A
// concrete implementation lives in pkg/blockstore, wiring this to the
// block store's refcounting, codec pipeline and pickle (de)serialization.
type NodeStore interface {
	LoadTreeNode(id blockid.ID, semanticType byte) (content *pickle.TreeNodeContent, leafy bool, err error)
	StoreTreeNode(content *pickle.TreeNodeContent, semanticType byte, leafy bool) (blockid.ID, error)
	ReleaseTreeNode(id blockid.ID) error
}

// Leaf wraps one directory-entry or file-block-entry leaf with the weak
// back-reference to its parent node that key-propagation and dirty
// marking need (spec §9: "weak back-refs to parent").
type Leaf struct {
	Value  LeafValue
	parent *Node
}

// Key returns the leaf's B+ tree sort key.
func (l *Leaf) Key() []byte { return l.Value.SortKey() }

// Size is the leaf's contribution to its parent's csize.
func (l *Leaf) Size() int { return l.Value.Size() }

// Parent returns the tree node this leaf is currently stored in.
func (l *Leaf) Parent() *Node { return l.parent }

// MarkDirty flags the leaf's parent (and its ancestors) for
// re-serialization. Call this after mutating Value in place.
func (l *Leaf) MarkDirty() {
	if l.parent != nil {
		l.parent.markDirty()
	}
}

// Node is a B+ tree internal or leafy node: an in-memory, lazily loaded
// view over one (possibly not-yet-written) tree-node block.
type Node struct {
	tree    *Tree
	parent  *Node
	key     []byte
	csize   int
	leafy   bool
	members []member

	blockID blockid.ID
	loaded  bool
	dirty   bool
}

// Key returns the node's cached sort key: its first child's key, or nil
// if the node (necessarily the root) is empty.
func (n *Node) Key() []byte { return n.key }

// Parent returns n's parent node, or nil if n is its tree's root. Used
// by pkg/inode to walk a live inode's leaf up to the root when building
// the protected set (spec §4.5/§9: nodes on that path must not be
// unloaded from memory).
func (n *Node) Parent() *Node { return n.parent }

// Tree returns the Tree n belongs to. Used by pkg/forest to resolve
// which directory owns a leaf when propagating dirtiness up through
// nested trees (spec §4.6's flush).
func (n *Node) Tree() *Tree { return n.tree }

// BlockID returns n's last-flushed block id (zero if never flushed or
// dirty since) — exported for pkg/forest's dirty-root bookkeeping.
func (n *Node) BlockID() blockid.ID { return n.blockID }

// Dirty reports whether n (or a descendant) has unflushed mutations.
func (n *Node) Dirty() bool { return n.dirty }

// Size is this node's contribution to its PARENT's csize: a fixed
// HEADER + NAME_SIZE, regardless of how large the node's own subtree
// is — spec §4.1's numeric semantics charge a constant weight for any
// non-leaf child, never a recursive sum.
func (n *Node) Size() int { return forestconfig.LeafHeaderSize() + forestconfig.MaxNameSize }

// CSize returns the node's cached total serialized children weight.
func (n *Node) CSize() int { return n.csize }

// Leafy reports whether this node's members are leaves (vs. child nodes).
func (n *Node) Leafy() bool { return n.leafy }

func (n *Node) markDirty() {
	for cur := n; cur != nil && !cur.dirty; cur = cur.parent {
		cur.dirty = true
	}
}

func (n *Node) ensureLoaded() error {
	if n.loaded {
		return nil
	}
	if n.blockID.IsZero() {
		n.loaded = true
		return nil
	}
	content, leafy, err := n.tree.store.LoadTreeNode(n.blockID, n.tree.semanticType)
	if err != nil {
		return err
	}
	n.leafy = leafy
	n.key = content.Key
	n.members = n.members[:0]
	if leafy {
		for i := range content.DirLeaves {
			v := content.DirLeaves[i]
			leaf := &Leaf{Value: &v, parent: n}
			n.members = append(n.members, leaf)
		}
		for i := range content.FileLeaves {
			v := content.FileLeaves[i]
			leaf := &Leaf{Value: &v, parent: n}
			n.members = append(n.members, leaf)
		}
	} else {
		for _, ref := range content.Children {
			child := &Node{tree: n.tree, parent: n, key: ref.Key, blockID: ref.ID()}
			n.members = append(n.members, child)
		}
	}
	n.recomputeCsize()
	n.loaded = true
	return nil
}

func (n *Node) recomputeCsize() {
	total := 0
	for _, m := range n.members {
		total += m.Size()
	}
	n.csize = total
}

// Tree is one B+ tree: a directory's entries, or a file's block-tree.
type Tree struct {
	store        NodeStore
	semanticType byte
	root         *Node
}

// NewEmptyTree creates a brand new, empty tree of the given semantic
// type (codec.TypeDirectory or codec.TypeFileBlock).
func NewEmptyTree(store NodeStore, semanticType byte) *Tree {
	t := &Tree{store: store, semanticType: semanticType}
	t.root = &Node{tree: t, leafy: true, loaded: true, dirty: true}
	return t
}

// LoadTree opens an existing tree rooted at rootID. A zero rootID is
// treated the same as NewEmptyTree (an absent/never-flushed tree).
func LoadTree(store NodeStore, semanticType byte, rootID blockid.ID) *Tree {
	t := &Tree{store: store, semanticType: semanticType}
	if rootID.IsZero() {
		t.root = &Node{tree: t, leafy: true, loaded: true, dirty: true}
		return t
	}
	t.root = &Node{tree: t, blockID: rootID}
	return t
}

// Root returns the tree's current root node (for inspection/merge/debug).
func (t *Tree) Root() *Node { return t.root }

// RootID returns the root's last-flushed block id (zero if never flushed
// or dirty since).
func (t *Tree) RootID() blockid.ID { return t.root.blockID }

func bisectRightMembers(n *Node, key []byte) int {
	return sort.Search(len(n.members), func(i int) bool {
		return bytes.Compare(n.members[i].Key(), key) > 0
	})
}

// findLeafyNode descends from root to the leafy node where a leaf with
// the given key does, or would, live.
func (t *Tree) findLeafyNode(key []byte) (*Node, error) {
	n := t.root
	for {
		if err := n.ensureLoaded(); err != nil {
			return nil, err
		}
		if n.leafy {
			return n, nil
		}
		idx := bisectRightMembers(n, key) - 1
		if idx < 0 {
			idx = 0
		}
		n = n.members[idx].(*Node)
	}
}

// SearchPrevOrEq returns the leaf with the largest key ≤ target. When
// every key is greater than target, the index is clamped to 0 and the
// first leaf of the leftmost leafy node is returned; nil is returned
// only when that node is empty.
func (t *Tree) SearchPrevOrEq(key []byte) (*Leaf, error) {
	n, err := t.findLeafyNode(key)
	if err != nil {
		return nil, err
	}
	if len(n.members) == 0 {
		return nil, nil
	}
	idx := bisectRightMembers(n, key) - 1
	if idx < 0 {
		idx = 0
	}
	return n.members[idx].(*Leaf), nil
}

// Search returns the leaf with exactly the given key, or nil.
func (t *Tree) Search(key []byte) (*Leaf, error) {
	l, err := t.SearchPrevOrEq(key)
	if err != nil || l == nil {
		return nil, err
	}
	if !bytes.Equal(l.Key(), key) {
		return nil, nil
	}
	return l, nil
}

// GetLeaves returns every leaf in key order.
func (t *Tree) GetLeaves() ([]*Leaf, error) {
	var out []*Leaf
	var walk func(n *Node) error
	walk = func(n *Node) error {
		if err := n.ensureLoaded(); err != nil {
			return err
		}
		if n.leafy {
			for _, m := range n.members {
				out = append(out, m.(*Leaf))
			}
			return nil
		}
		for _, m := range n.members {
			if err := walk(m.(*Node)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(t.root); err != nil {
		return nil, err
	}
	return out, nil
}

// AddToTree inserts value into the tree, finding its leafy destination
// node via search_prev_or_eq and splitting as needed (spec §4.1).
func (t *Tree) AddToTree(value LeafValue) (*Leaf, error) {
	node, err := t.findLeafyNode(value.SortKey())
	if err != nil {
		return nil, err
	}
	leaf := &Leaf{Value: value}
	if err := t.addChild(node, leaf); err != nil {
		return nil, err
	}
	return leaf, nil
}

// RemoveFromTree removes the leaf with the given key, rebalancing via
// borrow or merge as needed (spec §4.1). Returns nil, nil if absent.
func (t *Tree) RemoveFromTree(key []byte) (*Leaf, error) {
	leaf, err := t.Search(key)
	if err != nil || leaf == nil {
		return nil, err
	}
	parent := leaf.parent
	idx := indexOfMember(parent, leaf)
	if idx < 0 {
		return nil, fmt.Errorf("btree: %w: leaf not found in its own parent", ferrors.ErrInvalid)
	}
	if err := t.removeMemberAt(parent, idx); err != nil {
		return nil, err
	}
	return leaf, nil
}

// addChild inserts m into parent, keeping it key-sorted, propagating a
// key change upward if it landed at index 0, and splitting parent if it
// now exceeds the maximum size.
func (t *Tree) addChild(parent *Node, m member) error {
	idx := sort.Search(len(parent.members), func(i int) bool {
		return bytes.Compare(parent.members[i].Key(), m.Key()) >= 0
	})
	parent.members = append(parent.members, nil)
	copy(parent.members[idx+1:], parent.members[idx:])
	parent.members[idx] = m
	reparent(m, parent)
	parent.recomputeCsize()
	parent.markDirty()
	if idx == 0 {
		parent.key = m.Key()
		t.propagateKey(parent)
	}
	if parent.csize > forestconfig.Maximum() {
		return t.split(parent)
	}
	return nil
}

// split creates a new sibling, draining node's tail into the sibling's
// head until node is no longer larger, and inserts the sibling next to
// node in its parent (or creates a new root if node had none).
func (t *Tree) split(node *Node) error {
	sibling := &Node{tree: t, leafy: node.leafy, loaded: true, dirty: true}
	for node.csize > sibling.csize && len(node.members) > 1 {
		last := node.members[len(node.members)-1]
		node.members = node.members[:len(node.members)-1]
		sibling.members = append([]member{last}, sibling.members...)
		reparent(last, sibling)
		node.csize -= last.Size()
		sibling.csize += last.Size()
	}
	node.recomputeCsize()
	sibling.recomputeCsize()
	sibling.key = sibling.members[0].Key()
	node.key = node.members[0].Key()

	if node.parent != nil {
		parent := node.parent
		idx := indexOfMember(parent, node)
		parent.members = append(parent.members, nil)
		copy(parent.members[idx+2:], parent.members[idx+1:])
		parent.members[idx+1] = sibling
		reparent(sibling, parent)
		parent.recomputeCsize()
		parent.markDirty()
		if parent.csize > forestconfig.Maximum() {
			return t.split(parent)
		}
		return nil
	}

	newRoot := &Node{tree: t, leafy: false, loaded: true, dirty: true, members: []member{node, sibling}}
	node.parent = newRoot
	sibling.parent = newRoot
	newRoot.key = node.Key()
	newRoot.recomputeCsize()
	t.root = newRoot
	return nil
}

// removeMemberAt removes parent.members[idx], propagates a key change if
// the first member changed, and rebalances parent if it is now under the
// minimum size.
func (t *Tree) removeMemberAt(parent *Node, idx int) error {
	parent.members = append(parent.members[:idx], parent.members[idx+1:]...)
	parent.recomputeCsize()
	parent.markDirty()
	if idx == 0 && len(parent.members) > 0 {
		parent.key = parent.members[0].Key()
		t.propagateKey(parent)
	}
	return t.rebalance(parent)
}

// rebalance restores node to at least the minimum size by borrowing from
// a sibling, or merging with one, per spec §4.1's tie-break rules. The
// root is exempt: there is no sibling above it to borrow from or merge
// into, and an under-full root is not itself a correctness problem.
func (t *Tree) rebalance(node *Node) error {
	if node == t.root {
		return nil
	}
	if node.csize >= forestconfig.Minimum() {
		return nil
	}
	parent := node.parent
	idx := indexOfMember(parent, node)
	if idx < 0 {
		return fmt.Errorf("btree: %w: node not found in its own parent", ferrors.ErrInvalid)
	}

	if idx > 0 {
		left := parent.members[idx-1].(*Node)
		if left.csize >= forestconfig.HasSpares() {
			t.borrowFromLeft(node, left)
			return nil
		}
	}
	if idx < len(parent.members)-1 {
		right := parent.members[idx+1].(*Node)
		if right.csize >= forestconfig.HasSpares() {
			t.borrowFromRight(node, right)
			return nil
		}
	}

	haveLeft := idx > 0
	haveRight := idx < len(parent.members)-1
	var dest *Node
	destIsLeft := false
	switch {
	case haveLeft && haveRight:
		left := parent.members[idx-1].(*Node)
		right := parent.members[idx+1].(*Node)
		if left.csize >= right.csize {
			dest, destIsLeft = left, true
		} else {
			dest, destIsLeft = right, false
		}
	case haveLeft:
		dest, destIsLeft = parent.members[idx-1].(*Node), true
	case haveRight:
		dest, destIsLeft = parent.members[idx+1].(*Node), false
	default:
		// Only child of its parent: nothing to merge into. Leave it
		// under-full; this can only happen directly under the root.
		return nil
	}

	t.mergeInto(node, dest, destIsLeft)
	removedIdx := indexOfMember(parent, node)
	return t.removeMemberAt(parent, removedIdx)
}

// borrowFromLeft moves members from left's tail to node's head until
// node is no longer smaller than left (spec §4.1: "recipient ≥ sibling
// in size").
func (t *Tree) borrowFromLeft(node, left *Node) {
	for node.csize < left.csize && len(left.members) > 1 {
		last := left.members[len(left.members)-1]
		left.members = left.members[:len(left.members)-1]
		node.members = append([]member{last}, node.members...)
		reparent(last, node)
		left.csize -= last.Size()
		node.csize += last.Size()
	}
	left.recomputeCsize()
	node.recomputeCsize()
	left.key = left.members[0].Key()
	node.key = node.members[0].Key()
	node.markDirty()
	left.markDirty()
	t.propagateKey(node)
}

// borrowFromRight moves members from right's head to node's tail until
// node is no longer smaller than right.
func (t *Tree) borrowFromRight(node, right *Node) {
	for node.csize < right.csize && len(right.members) > 1 {
		first := right.members[0]
		right.members = right.members[1:]
		node.members = append(node.members, first)
		reparent(first, node)
		right.csize -= first.Size()
		node.csize += first.Size()
	}
	right.recomputeCsize()
	node.recomputeCsize()
	right.key = right.members[0].Key()
	node.key = node.members[0].Key()
	node.markDirty()
	right.markDirty()
	t.propagateKey(right)
}

// mergeInto empties node into dest (preserving key order), choosing the
// larger-csize sibling as destination when both exist (spec §4.1's tie
// break), to reduce future imbalance.
func (t *Tree) mergeInto(node, dest *Node, destIsLeft bool) {
	for _, m := range node.members {
		reparent(m, dest)
	}
	if destIsLeft {
		dest.members = append(dest.members, node.members...)
	} else {
		dest.members = append(append([]member{}, node.members...), dest.members...)
		dest.key = dest.members[0].Key()
		t.propagateKey(dest)
	}
	dest.recomputeCsize()
	dest.markDirty()
}

// propagateKey re-derives an ancestor's cached key from its first
// member whenever that first member's identity changed underneath it.
func (t *Tree) propagateKey(n *Node) {
	for n.parent != nil {
		idx := indexOfMember(n.parent, n)
		if idx != 0 {
			return
		}
		n.parent.key = n.Key()
		n = n.parent
	}
}

func indexOfMember(parent *Node, target member) int {
	for i, m := range parent.members {
		if m == target {
			return i
		}
	}
	return -1
}

func reparent(m member, parent *Node) {
	switch v := m.(type) {
	case *Leaf:
		v.parent = parent
	case *Node:
		v.parent = parent
	}
}

// Flush re-serializes every dirty node bottom-up, returning the (new)
// root block id. A second call with no intervening mutation is a no-op
// (spec §8's flush-idempotence property): every node it would visit has
// dirty == false, so nothing is re-stored or released.
func (t *Tree) Flush() (blockid.ID, error) {
	if err := t.flushNode(t.root); err != nil {
		return blockid.ID{}, err
	}
	return t.root.blockID, nil
}

func (t *Tree) flushNode(n *Node) error {
	if !n.dirty {
		return nil
	}
	if err := n.ensureLoaded(); err != nil {
		return err
	}
	content := &pickle.TreeNodeContent{Key: n.key}
	if n.leafy {
		for _, m := range n.members {
			leaf := m.(*Leaf)
			switch v := leaf.Value.(type) {
			case *pickle.DirEntry:
				content.DirLeaves = append(content.DirLeaves, *v)
			case *pickle.FileBlockEntry:
				content.FileLeaves = append(content.FileLeaves, *v)
			default:
				return fmt.Errorf("btree: %w: unknown leaf value type %T", ferrors.ErrInvalid, v)
			}
		}
	} else {
		for _, m := range n.members {
			child := m.(*Node)
			if err := t.flushNode(child); err != nil {
				return err
			}
			content.Children = append(content.Children, pickle.ChildRef{
				Key:     child.key,
				BlockID: child.blockID.Bytes(),
			})
		}
	}

	newID, err := t.store.StoreTreeNode(content, t.semanticType, n.leafy)
	if err != nil {
		return err
	}
	oldID := n.blockID
	if newID != oldID {
		if !oldID.IsZero() {
			if err := t.store.ReleaseTreeNode(oldID); err != nil {
				return err
			}
		}
		n.blockID = newID
	}
	n.dirty = false
	return nil
}
