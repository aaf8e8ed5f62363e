// Package forest implements the top-level forest layer (spec §4.6): a
// nested tree-of-trees rooted at the well-known "content" block name,
// with create_dir/create_file/lookup/unlink, dirty-propagation flush,
// and a read-only-remote 3-way merge.
//
// Grounded on the teacher's pkg/turdb/db.go (top-level Open/Close
// lifecycle, a single mutex the host serializes calls through) and
// cellstate-treedb/layerfs/layerfs.go (content-addressed root naming,
// one named pointer republished atomically on commit).
package forest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"forestfs/pkg/blockid"
	"forestfs/pkg/blockstore"
	"forestfs/pkg/blockstore/backend"
	"forestfs/pkg/btree"
	"forestfs/pkg/codec"
	"forestfs/pkg/ferrors"
	"forestfs/pkg/filedata"
	"forestfs/pkg/forestconfig"
	"forestfs/pkg/inode"
	"forestfs/pkg/pickle"
)

// rootBlockName is spec §6's well-known block name binding the current
// root directory tree's id.
const rootBlockName = "content"

// orphanContent is the content a directory entry pointed at, captured at
// the moment its last leaf binding was removed so it can be released
// once the owning inode actually drops to refcount zero (which may be
// well after unlink, if a file descriptor keeps it open — spec §8
// scenario 5).
type orphanContent struct {
	de   *pickle.DirEntry
	tree *btree.Tree
}

// Forest is one open forest instance: a block store, the inode
// allocator, and the root directory tree. Mu is exported per SPEC_FULL
// §5 — the host driver is expected to hold it across every call into a
// Forest, mirroring the teacher's Pager.mu being a plain field the
// caller coordinates around rather than an internal lock this package
// enforces itself.
type Forest struct {
	Mu sync.Mutex

	store     *blockstore.Store
	backend   backend.Backend
	treeStore *blockstore.TreeNodeStore
	alloc     *inode.Allocator
	cfg       forestconfig.ForestConfig

	root      *inode.Inode
	rootEntry *pickle.DirEntry

	dirty   map[*inode.Inode]bool
	orphans map[*inode.Inode]orphanContent
}

// Open loads (or initializes, on a fresh backend) a forest over b.
func Open(b backend.Backend, cfg forestconfig.ForestConfig) (*Forest, error) {
	var masterKey []byte
	if cfg.Password != "" {
		masterKey = codec.DeriveMasterKey(cfg.Password, cfg.Salt)
	}
	pipeline, err := codec.NewPipeline(cfg.CompressBlocks, masterKey)
	if err != nil {
		return nil, fmt.Errorf("forest: %w", err)
	}

	store := blockstore.NewStore(b, pipeline, cfg.MaximumCacheSize)
	blockstore.RegisterTreeDataRefs(store)
	treeStore := blockstore.NewTreeNodeStore(store)

	f := &Forest{
		store:     store,
		backend:   b,
		treeStore: treeStore,
		alloc:     inode.NewAllocator(),
		cfg:       cfg,
		dirty:     make(map[*inode.Inode]bool),
		orphans:   make(map[*inode.Inode]orphanContent),
	}
	store.RegisterExtref(f.extref)

	rootID, _, err := store.GetBlockIDByName(rootBlockName)
	if err != nil {
		return nil, fmt.Errorf("forest: loading root: %w", err)
	}
	rootTree := btree.LoadTree(treeStore, codec.TypeDirectory, rootID)
	f.root = f.alloc.RegisterRoot(rootTree)

	now := time.Now().UnixNano()
	f.rootEntry = &pickle.DirEntry{
		StMode: ModeDir | 0o755, StAtimeNs: now, StMtimeNs: now, StCtimeNs: now,
		IsDir: true, NLink: 1,
	}
	return f, nil
}

// extref reports whether id is still held by a live, in-memory
// structure despite an on-disk refcount of zero: either a content tree
// currently rooted there, or a single-block file's content pointer
// (spec §3.2: "a block may have refcount 0 yet be retained because an
// inode still holds it").
func (f *Forest) extref(id blockid.ID) bool {
	if f.root.Tree != nil && f.root.Tree.RootID() == id {
		return true
	}
	for _, in := range f.alloc.All() {
		if in.Tree != nil && in.Tree.RootID() == id {
			return true
		}
		for _, leaf := range in.Leaves {
			de, ok := leaf.Value.(*pickle.DirEntry)
			if ok && len(de.BlockID) > 0 && blockid.FromBytes(de.BlockID) == id {
				return true
			}
		}
	}
	return false
}

// Root returns the root directory's inode.
func (f *Forest) Root() *inode.Inode { return f.root }

// InodeByValue looks up a live inode by its numeric handle, the way a
// kernel filesystem driver addresses inodes it has previously been handed
// (spec §6's façade methods take a parent_inode, not a leaf).
func (f *Forest) InodeByValue(value int64) (*inode.Inode, bool) {
	return f.alloc.ByValue(value)
}

// Config returns the forest's configuration.
func (f *Forest) Config() forestconfig.ForestConfig { return f.cfg }

// Entry returns the directory-entry metadata for in: its bound leaf's
// value, or the synthetic root entry for the root inode (which, per
// spec §3.1, has no leaf_node of its own).
func (f *Forest) Entry(in *inode.Inode) *pickle.DirEntry {
	if leaf := in.PrimaryLeaf(); leaf != nil {
		return leaf.Value.(*pickle.DirEntry)
	}
	return f.rootEntry
}

// MutateEntry applies fn to in's directory-entry metadata, marks the
// owning tree dirty, and fans the change out to every other leaf bound
// to the same inode (hard links share content and attributes).
func (f *Forest) MutateEntry(in *inode.Inode, fn func(*pickle.DirEntry)) *pickle.DirEntry {
	if leaf := in.PrimaryLeaf(); leaf == nil {
		fn(f.rootEntry)
		return f.rootEntry
	}
	de := f.Entry(in)
	fn(de)
	f.afterEntryChange(in)
	return de
}

func (f *Forest) markDirty(in *inode.Inode) {
	if in == nil {
		return
	}
	f.dirty[in] = true
}

// findLeaf locates the leaf named name under parent's content tree.
func (f *Forest) findLeaf(parent *inode.Inode, name string) (*btree.Leaf, error) {
	if parent.Tree == nil {
		return nil, fmt.Errorf("forest: %w", ferrors.ErrNotDirectory)
	}
	leaf, err := parent.Tree.Search(blockid.LeafKey([]byte(name)))
	if err != nil {
		return nil, err
	}
	if leaf == nil {
		return nil, fmt.Errorf("forest: %w: %s", ferrors.ErrNotFound, name)
	}
	return leaf, nil
}

func (f *Forest) exists(parent *inode.Inode, name string) (bool, error) {
	if parent.Tree == nil {
		return false, fmt.Errorf("forest: %w", ferrors.ErrNotDirectory)
	}
	leaf, err := parent.Tree.Search(blockid.LeafKey([]byte(name)))
	if err != nil {
		return false, err
	}
	return leaf != nil, nil
}

// bindLeaf resolves leaf to its inode, registering a fresh one (loading
// the content tree for directories and block-tree files) on first
// access. The bool reports whether the inode already existed.
func (f *Forest) bindLeaf(leaf *btree.Leaf) (*inode.Inode, bool, error) {
	if in, ok := f.alloc.ByLeaf(leaf); ok {
		return in, true, nil
	}
	de := leaf.Value.(*pickle.DirEntry)
	if err := filedata.ValidateEntry(de); err != nil {
		return nil, false, err
	}
	var tree *btree.Tree
	switch {
	case de.IsDir:
		tree = btree.LoadTree(f.treeStore, codec.TypeDirectory, blockid.FromBytes(de.BlockID))
	case !de.IsSymlink && len(de.BlockID) > 0 && !de.MiniFile:
		tree = btree.LoadTree(f.treeStore, codec.TypeFileBlock, blockid.FromBytes(de.BlockID))
	}
	in := f.alloc.Register(tree, leaf)
	return in, false, nil
}

// Lookup resolves name under parent, incrementing the resulting inode's
// runtime refcount (spec §4.6's lookup).
func (f *Forest) Lookup(parent *inode.Inode, name string) (*inode.Inode, error) {
	leaf, err := f.findLeaf(parent, name)
	if err != nil {
		return nil, err
	}
	in, existed, err := f.bindLeaf(leaf)
	if err != nil {
		return nil, err
	}
	if existed {
		f.alloc.Ref(in)
	}
	return in, nil
}

// Ref increments in's runtime refcount, for a second open of an
// already-resolved inode.
func (f *Forest) Ref(in *inode.Inode) { f.alloc.Ref(in) }

// Deref decrements in's runtime refcount by one, releasing its content
// immediately if this was its last reference and it had already been
// unlinked (spec §8 scenario 5: content survives unlink until the last
// open descriptor goes away).
func (f *Forest) Deref(in *inode.Inode) error {
	if err := f.alloc.Deref(in, 1); err != nil {
		return err
	}
	return f.releaseIfOrphaned(in)
}

func (f *Forest) releaseIfOrphaned(in *inode.Inode) error {
	if in.Refcnt != 0 {
		return nil
	}
	oc, ok := f.orphans[in]
	if !ok {
		return nil
	}
	delete(f.orphans, in)
	return f.releaseOrphan(oc)
}

func (f *Forest) releaseOrphan(oc orphanContent) error {
	switch {
	case oc.de.IsDir:
		if oc.tree != nil && !oc.tree.RootID().IsZero() {
			return f.store.ReleaseBlock(oc.tree.RootID())
		}
		return nil
	case oc.de.IsSymlink:
		return nil
	default:
		return filedata.ReleaseContent(f.store, oc.tree, oc.de)
	}
}

// CreateDir creates a new, empty subdirectory named name under parent
// (spec §4.6's create_dir).
func (f *Forest) CreateDir(parent *inode.Inode, name string, mode, uid, gid uint32, now int64) (*inode.Inode, error) {
	if ok, err := f.exists(parent, name); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("forest: %w: %s", ferrors.ErrExists, name)
	}
	childTree := btree.NewEmptyTree(f.treeStore, codec.TypeDirectory)
	entry := &pickle.DirEntry{
		Name: []byte(name), StMode: (mode &^ ModeFmt) | ModeDir, StUid: uid, StGid: gid,
		StAtimeNs: now, StMtimeNs: now, StCtimeNs: now, IsDir: true, NLink: 1,
	}
	leaf, err := parent.Tree.AddToTree(entry)
	if err != nil {
		return nil, err
	}
	in := f.alloc.Register(childTree, leaf)
	leaf.MarkDirty()
	f.markDirty(parent)
	return in, nil
}

// CreateFile creates a new, empty (inline) regular file named name
// under parent (spec §4.6's create_file).
func (f *Forest) CreateFile(parent *inode.Inode, name string, mode, uid, gid uint32, now int64) (*inode.Inode, error) {
	if ok, err := f.exists(parent, name); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("forest: %w: %s", ferrors.ErrExists, name)
	}
	entry := &pickle.DirEntry{
		Name: []byte(name), StMode: (mode &^ ModeFmt) | ModeReg, StUid: uid, StGid: gid,
		StAtimeNs: now, StMtimeNs: now, StCtimeNs: now, BlockData: []byte{}, NLink: 1,
	}
	leaf, err := parent.Tree.AddToTree(entry)
	if err != nil {
		return nil, err
	}
	in := f.alloc.Register(nil, leaf)
	leaf.MarkDirty()
	f.markDirty(parent)
	return in, nil
}

// CreateSymlink creates a symlink named name under parent, pointing at
// target (SPEC_FULL §4.11's supplemented symlink/readlink ops).
func (f *Forest) CreateSymlink(parent *inode.Inode, name, target string, uid, gid uint32, now int64) (*inode.Inode, error) {
	if ok, err := f.exists(parent, name); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("forest: %w: %s", ferrors.ErrExists, name)
	}
	entry := &pickle.DirEntry{
		Name: []byte(name), StMode: ModeLink | 0o777, StUid: uid, StGid: gid,
		StAtimeNs: now, StMtimeNs: now, StCtimeNs: now,
		IsSymlink: true, SymlinkTarget: []byte(target), StSize: uint64(len(target)), NLink: 1,
	}
	leaf, err := parent.Tree.AddToTree(entry)
	if err != nil {
		return nil, err
	}
	in := f.alloc.Register(nil, leaf)
	leaf.MarkDirty()
	f.markDirty(parent)
	return in, nil
}

// Mknod creates a device/fifo/socket node named name under parent with
// the given full mode (type bits included) and device number.
func (f *Forest) Mknod(parent *inode.Inode, name string, mode, rdev, uid, gid uint32, now int64) (*inode.Inode, error) {
	if ok, err := f.exists(parent, name); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("forest: %w: %s", ferrors.ErrExists, name)
	}
	entry := &pickle.DirEntry{
		Name: []byte(name), StMode: mode, StUid: uid, StGid: gid, StRdev: rdev,
		StAtimeNs: now, StMtimeNs: now, StCtimeNs: now, NLink: 1,
	}
	if mode&ModeFmt == ModeReg {
		entry.BlockData = []byte{}
	}
	leaf, err := parent.Tree.AddToTree(entry)
	if err != nil {
		return nil, err
	}
	in := f.alloc.Register(nil, leaf)
	leaf.MarkDirty()
	f.markDirty(parent)
	return in, nil
}

// Readdir returns every directory entry directly under dir.
func (f *Forest) Readdir(dir *inode.Inode) ([]*pickle.DirEntry, error) {
	if dir.Tree == nil {
		return nil, nil
	}
	leaves, err := dir.Tree.GetLeaves()
	if err != nil {
		return nil, err
	}
	out := make([]*pickle.DirEntry, 0, len(leaves))
	for _, leaf := range leaves {
		out = append(out, leaf.Value.(*pickle.DirEntry))
	}
	return out, nil
}

// Unlink removes name from parent's directory, rejecting a non-empty
// directory (ENOTEMPTY), and releases the removed entry's content once
// no leaf binding or open descriptor references it any longer (spec
// §4.6's unlink, spec §8 scenario 5's unlink-while-open semantics).
func (f *Forest) Unlink(parent *inode.Inode, name string) error {
	leaf, err := f.findLeaf(parent, name)
	if err != nil {
		return err
	}
	de := leaf.Value.(*pickle.DirEntry)
	in, existed, err := f.bindLeaf(leaf)
	if err != nil {
		return err
	}
	if de.IsDir && in.Tree != nil {
		leaves, err := in.Tree.GetLeaves()
		if err != nil {
			return err
		}
		if len(leaves) > 0 {
			return fmt.Errorf("forest: %w: %s", ferrors.ErrNotEmpty, name)
		}
	}
	if existed {
		f.alloc.Ref(in)
	}

	if _, err := parent.Tree.RemoveFromTree(leaf.Key()); err != nil {
		return err
	}
	f.markDirty(parent)

	if len(in.Leaves) == 1 {
		// The last name stays bound to the inode, though no directory
		// tree holds it any more, so descriptors still open on the inode
		// keep reading and writing its entry.
		f.orphans[in] = orphanContent{de: de, tree: in.Tree}
	} else {
		remaining := f.alloc.RemoveLeaf(in, leaf)
		for _, l := range in.Leaves {
			l.Value.(*pickle.DirEntry).NLink = uint32(remaining)
			l.MarkDirty()
		}
	}
	return f.Deref(in)
}

// Link creates a new name for target's content under newParent (spec
// §9 Open Question: hard links are supported; SPEC_FULL §4.11).
func (f *Forest) Link(target *inode.Inode, newParent *inode.Inode, newName string) (*inode.Inode, error) {
	if ok, err := f.exists(newParent, newName); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("forest: %w: %s", ferrors.ErrExists, newName)
	}
	src := target.PrimaryLeaf()
	if src == nil {
		return nil, fmt.Errorf("forest: %w: cannot link the root", ferrors.ErrPermission)
	}
	srcDe := src.Value.(*pickle.DirEntry)
	if srcDe.IsDir {
		return nil, fmt.Errorf("forest: %w: hard links to directories are not supported", ferrors.ErrPermission)
	}
	clone := srcDe.Clone()
	clone.Name = []byte(newName)
	leaf, err := newParent.Tree.AddToTree(clone)
	if err != nil {
		return nil, err
	}
	f.alloc.AddLeaf(target, leaf)
	nlink := uint32(len(target.Leaves))
	for _, l := range target.Leaves {
		l.Value.(*pickle.DirEntry).NLink = nlink
		l.MarkDirty()
	}
	f.markDirty(newParent)
	f.alloc.Ref(target)
	return target, nil
}

// Rename moves (and optionally renames) the entry at oldParent/oldName
// to newParent/newName, overwriting an existing non-directory target if
// present (spec §7: "unlink-of-target first, then link, then cleanup").
func (f *Forest) Rename(oldParent *inode.Inode, oldName string, newParent *inode.Inode, newName string) error {
	leaf, err := f.findLeaf(oldParent, oldName)
	if err != nil {
		return err
	}
	de := leaf.Value.(*pickle.DirEntry)
	in, _, err := f.bindLeaf(leaf)
	if err != nil {
		return err
	}

	if existingLeaf, err := f.findLeaf(newParent, newName); err == nil {
		existingDe := existingLeaf.Value.(*pickle.DirEntry)
		if existingDe.IsDir {
			existingIn, _, err := f.bindLeaf(existingLeaf)
			if err != nil {
				return err
			}
			leaves, err := existingIn.Tree.GetLeaves()
			if err != nil {
				return err
			}
			if len(leaves) > 0 {
				return fmt.Errorf("forest: %w: %s", ferrors.ErrNotEmpty, newName)
			}
		}
		if err := f.Unlink(newParent, newName); err != nil {
			return err
		}
	} else if !errors.Is(err, ferrors.ErrNotFound) {
		return err
	}

	if _, err := oldParent.Tree.RemoveFromTree(leaf.Key()); err != nil {
		return err
	}
	f.markDirty(oldParent)
	f.alloc.RemoveLeaf(in, leaf)

	de.Name = []byte(newName)
	newLeaf, err := newParent.Tree.AddToTree(de)
	if err != nil {
		return err
	}
	f.alloc.AddLeaf(in, newLeaf)
	newLeaf.MarkDirty()
	f.markDirty(newParent)
	return nil
}

// Read reads up to size bytes at ofs from in's content.
func (f *Forest) Read(in *inode.Inode, ofs int64, size int) ([]byte, error) {
	h := filedata.New(f.store, f.treeStore, f.alloc, in)
	return h.Read(ofs, size)
}

// Write writes buf at ofs into in's content, growing the file as needed.
func (f *Forest) Write(in *inode.Inode, ofs int64, buf []byte) (int, error) {
	h := filedata.New(f.store, f.treeStore, f.alloc, in)
	n, err := h.Write(ofs, buf)
	if err != nil {
		return n, err
	}
	f.afterEntryChange(in)
	return n, nil
}

// SetSize resizes in's content to newSize (truncate/ftruncate).
func (f *Forest) SetSize(in *inode.Inode, newSize uint64) error {
	h := filedata.New(f.store, f.treeStore, f.alloc, in)
	if err := h.SetSize(newSize); err != nil {
		return err
	}
	f.afterEntryChange(in)
	return nil
}

// Readlink returns a symlink inode's target.
func (f *Forest) Readlink(in *inode.Inode) (string, error) {
	de := f.Entry(in)
	if !de.IsSymlink {
		return "", fmt.Errorf("forest: %w: not a symlink", ferrors.ErrInvalid)
	}
	return string(de.SymlinkTarget), nil
}

// afterEntryChange marks in's own content tree (if any, i.e. a
// block-tree-regime file) dirty, and propagates dirtiness up to the
// directory tree owning in's primary leaf, fanning the change out to
// any other hard-link leaves bound to the same inode.
func (f *Forest) afterEntryChange(in *inode.Inode) {
	if in.Tree != nil {
		f.markDirty(in)
	}
	leaf := in.PrimaryLeaf()
	if leaf == nil {
		return
	}
	leaf.MarkDirty()
	f.syncHardLinks(in)
	if owner := leaf.Parent(); owner != nil {
		if ownerIn, ok := f.alloc.ByTree(owner.Tree()); ok {
			f.markDirty(ownerIn)
		}
	}
}

// syncHardLinks copies the primary leaf's directory-entry fields (size,
// content pointer, mode, xattr, …) onto every other leaf bound to the
// same inode, preserving each leaf's own Name — hard-linked names are
// separate tree leaves, not a shared pointer, so content and attribute
// changes made through one name must be fanned out explicitly.
func (f *Forest) syncHardLinks(in *inode.Inode) {
	if len(in.Leaves) < 2 {
		return
	}
	primary := in.Leaves[0].Value.(*pickle.DirEntry)
	for _, leaf := range in.Leaves[1:] {
		de := leaf.Value.(*pickle.DirEntry)
		name := de.Name
		*de = *primary
		de.Name = name
		leaf.MarkDirty()
	}
}

// Flush re-serializes every dirty tree bottom-up, propagating each
// child's new root id into its owning directory entry and iterating to
// a fixed point, then re-serializes the forest root and republishes it
// under the well-known "content" name, releases orphaned inodes'
// content, and flushes the block store (spec §4.6's three-phase flush).
// Returns the number of backend operations issued.
func (f *Forest) Flush() (int, error) {
	ops := 0

	for {
		var target *inode.Inode
		for in := range f.dirty {
			if in != f.root {
				target = in
				break
			}
		}
		if target == nil {
			break
		}
		delete(f.dirty, target)
		if target.Tree == nil {
			continue
		}
		newRoot, err := target.Tree.Flush()
		if err != nil {
			return ops, err
		}
		if leaf := target.PrimaryLeaf(); leaf != nil {
			de := leaf.Value.(*pickle.DirEntry)
			de.BlockID = newRoot.Bytes()
			leaf.MarkDirty()
			f.syncHardLinks(target)
			if owner := leaf.Parent(); owner != nil {
				if ownerIn, ok := f.alloc.ByTree(owner.Tree()); ok {
					f.markDirty(ownerIn)
				}
			}
		}
	}

	rootID, err := f.root.Tree.Flush()
	if err != nil {
		return ops, err
	}
	if err := f.store.SetBlockName(rootBlockName, rootID); err != nil {
		return ops, err
	}
	delete(f.dirty, f.root)

	var releaseErr error
	f.alloc.RemoveOldInodes(func(in *inode.Inode) {
		oc, ok := f.orphans[in]
		if !ok {
			return
		}
		delete(f.orphans, in)
		if err := f.releaseOrphan(oc); err != nil && releaseErr == nil {
			releaseErr = err
		}
	})
	if releaseErr != nil {
		return ops, releaseErr
	}

	storeOps, err := f.store.Flush()
	ops += storeOps
	if err != nil {
		return ops, err
	}
	return ops, nil
}

// Close flushes and releases the underlying backend.
func (f *Forest) Close() error {
	if _, err := f.Flush(); err != nil {
		return err
	}
	return f.backend.Close()
}

// Stats reports aggregate backend byte usage for statfs (spec §6's
// get_bytes_available/get_bytes_used), falling back to zero for a
// backend that doesn't implement backend.StatsBackend.
func (f *Forest) Stats() (available, used uint64, err error) {
	sb, ok := f.backend.(backend.StatsBackend)
	if !ok {
		return 0, 0, nil
	}
	if available, err = sb.BytesAvailable(); err != nil {
		return 0, 0, err
	}
	if used, err = sb.BytesUsed(); err != nil {
		return 0, 0, err
	}
	return available, used, nil
}
