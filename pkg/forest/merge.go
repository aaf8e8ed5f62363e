package forest

import (
	"bytes"
	"fmt"
	"sort"

	"forestfs/pkg/inode"
	"forestfs/pkg/pickle"
)

// Merge3 reconciles remote into f (the local forest), using ancestor (may
// be nil if no common ancestor is known) to disambiguate deletions from
// fresh local additions (spec §4.6's 3-way merge). Merging mutates only
// f; remote and ancestor are read only (their in-memory runtime refcounts
// move up and down as Merge3 walks them, but nothing is persisted back to
// either, and Merge3 never calls their Flush).
//
// Grounded on rclone's backend/union (reconciling entries seen across
// several read-only upstreams into one view) and cellstate-treedb/layerfs's
// named-root lineage (the same "adopt the side whose root differs" shape,
// here applied recursively per directory instead of once per volume).
// Returns the slash-separated paths of entries it could not reconcile
// automatically (spec §4.6's "otherwise — report a delta").
func (f *Forest) Merge3(remote *Forest, ancestor *Forest) ([]string, error) {
	var ancestorRoot *inode.Inode
	if ancestor != nil {
		ancestorRoot = ancestor.root
	}
	return f.merge3Dir(f.root, remote.root, ancestorRoot, remote, ancestor, "/")
}

func (f *Forest) dirEntryMap(dir *inode.Inode) (map[string]*pickle.DirEntry, error) {
	if dir.Tree == nil {
		return nil, nil
	}
	leaves, err := dir.Tree.GetLeaves()
	if err != nil {
		return nil, err
	}
	m := make(map[string]*pickle.DirEntry, len(leaves))
	for _, leaf := range leaves {
		de := leaf.Value.(*pickle.DirEntry)
		m[string(de.Name)] = de
	}
	return m, nil
}

// entriesEqual reports whether a and b name equivalent content: same
// content-address for directories, single-block and tree-regime files
// (stable under this spec's content-addressing — identical bytes always
// hash to the same block id, given matching codec settings across the
// forests being merged), or byte-equal inline data for inline files.
func entriesEqual(a, b *pickle.DirEntry) bool {
	if a.IsDir != b.IsDir || a.IsSymlink != b.IsSymlink {
		return false
	}
	if a.IsSymlink {
		return bytes.Equal(a.SymlinkTarget, b.SymlinkTarget) && a.StMode == b.StMode
	}
	if a.IsDir {
		return bytes.Equal(a.BlockID, b.BlockID)
	}
	if a.MiniFile != b.MiniFile {
		return false
	}
	if len(a.BlockID) > 0 || len(b.BlockID) > 0 {
		return bytes.Equal(a.BlockID, b.BlockID)
	}
	return bytes.Equal(a.BlockData, b.BlockData) && a.StMode == b.StMode
}

func unionNames(a, b map[string]*pickle.DirEntry) []string {
	seen := make(map[string]bool, len(a)+len(b))
	for name := range a {
		seen[name] = true
	}
	for name := range b {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// merge3Dir reconciles one directory level. local/remoteDir/ancestorDir
// are directory inodes in f/remote/ancestor respectively; ancestorDir is
// nil if no ancestor entry exists for this directory.
func (f *Forest) merge3Dir(local, remoteDir, ancestorDir *inode.Inode, remote, ancestor *Forest, path string) ([]string, error) {
	localEntries, err := f.dirEntryMap(local)
	if err != nil {
		return nil, err
	}
	remoteEntries, err := remote.dirEntryMap(remoteDir)
	if err != nil {
		return nil, err
	}
	var ancestorEntries map[string]*pickle.DirEntry
	if ancestorDir != nil {
		if ancestorEntries, err = ancestor.dirEntryMap(ancestorDir); err != nil {
			return nil, err
		}
	}

	var deltas []string
	for _, name := range unionNames(localEntries, remoteEntries) {
		lde, lok := localEntries[name]
		rde, rok := remoteEntries[name]
		_, aok := ancestorEntries[name]

		switch {
		case lok && rok && entriesEqual(lde, rde):
			// identical on both sides: nothing to do.

		case !lok && rok:
			if err := f.adoptEntry(local, remoteDir, remote, name); err != nil {
				return deltas, fmt.Errorf("forest: merge %s%s: %w", path, name, err)
			}

		case lok && !rok && aok:
			if err := f.Unlink(local, name); err != nil {
				return deltas, fmt.Errorf("forest: merge %s%s: %w", path, name, err)
			}

		case lok && !rok:
			// Present locally, absent upstream, and unknown to the
			// ancestor: a fresh local addition. Leave it untouched.

		case lok && rok && lde.IsDir && rde.IsDir:
			sub, err := f.merge3Subdir(local, remoteDir, ancestorDir, remote, ancestor, name, ancestorEntries, path)
			deltas = append(deltas, sub...)
			if err != nil {
				return deltas, err
			}

		case lok && rok && (!lde.IsDir || !rde.IsDir):
			if rde.StMtimeNs > lde.StMtimeNs {
				if err := f.Unlink(local, name); err != nil {
					return deltas, fmt.Errorf("forest: merge %s%s: %w", path, name, err)
				}
				if err := f.adoptEntry(local, remoteDir, remote, name); err != nil {
					return deltas, fmt.Errorf("forest: merge %s%s: %w", path, name, err)
				}
			}
			// Local is newer or tied: keep local untouched.

		default:
			deltas = append(deltas, path+name)
		}
	}
	return deltas, nil
}

// merge3Subdir recurses into a directory both sides agree is a directory
// but whose content differs, looking up each side's corresponding child
// inode and releasing the runtime reference again once the recursive
// merge returns.
func (f *Forest) merge3Subdir(local, remoteDir, ancestorDir *inode.Inode, remote, ancestor *Forest, name string, ancestorEntries map[string]*pickle.DirEntry, path string) ([]string, error) {
	localChild, err := f.Lookup(local, name)
	if err != nil {
		return nil, fmt.Errorf("forest: merge %s%s: %w", path, name, err)
	}
	defer f.Deref(localChild)

	remoteChild, err := remote.Lookup(remoteDir, name)
	if err != nil {
		return nil, fmt.Errorf("forest: merge %s%s: %w", path, name, err)
	}
	defer remote.Deref(remoteChild)

	var ancestorChild *inode.Inode
	if ade, ok := ancestorEntries[name]; ok && ade.IsDir {
		if ancestorChild, err = ancestor.Lookup(ancestorDir, name); err != nil {
			return nil, fmt.Errorf("forest: merge %s%s: %w", path, name, err)
		}
		defer ancestor.Deref(ancestorChild)
	}

	return f.merge3Dir(localChild, remoteChild, ancestorChild, remote, ancestor, path+name+"/")
}

// adoptEntry copies name's entry from remoteDir (in remote) into local (in
// f): recursively for a directory, by reading and rewriting content for a
// regular file, or by target string for a symlink. Device/fifo/socket
// nodes are recreated via Mknod with no content to copy.
func (f *Forest) adoptEntry(local, remoteDir *inode.Inode, remote *Forest, name string) error {
	rchild, err := remote.Lookup(remoteDir, name)
	if err != nil {
		return err
	}
	defer remote.Deref(rchild)
	rde := remote.Entry(rchild)

	switch {
	case rde.IsDir:
		lchild, err := f.CreateDir(local, name, rde.StMode, rde.StUid, rde.StGid, rde.StCtimeNs)
		if err != nil {
			return err
		}
		defer f.Deref(lchild)
		if _, err := f.merge3Dir(lchild, rchild, nil, remote, nil, ""); err != nil {
			return err
		}
		f.MutateEntry(lchild, func(de *pickle.DirEntry) {
			de.StMtimeNs = rde.StMtimeNs
			de.Xattr = cloneXattr(rde.Xattr)
		})
		return nil

	case rde.IsSymlink:
		lchild, err := f.CreateSymlink(local, name, string(rde.SymlinkTarget), rde.StUid, rde.StGid, rde.StCtimeNs)
		if err != nil {
			return err
		}
		return f.Deref(lchild)

	case rde.StMode&ModeFmt != ModeReg:
		lchild, err := f.Mknod(local, name, rde.StMode, rde.StRdev, rde.StUid, rde.StGid, rde.StCtimeNs)
		if err != nil {
			return err
		}
		return f.Deref(lchild)

	default:
		lchild, err := f.CreateFile(local, name, rde.StMode, rde.StUid, rde.StGid, rde.StCtimeNs)
		if err != nil {
			return err
		}
		defer f.Deref(lchild)
		if rde.StSize > 0 {
			data, err := remote.Read(rchild, 0, int(rde.StSize))
			if err != nil {
				return err
			}
			if _, err := f.Write(lchild, 0, data); err != nil {
				return err
			}
		}
		f.MutateEntry(lchild, func(de *pickle.DirEntry) {
			de.StMtimeNs = rde.StMtimeNs
			de.Xattr = cloneXattr(rde.Xattr)
		})
		return nil
	}
}

func cloneXattr(m map[string][]byte) map[string][]byte {
	if m == nil {
		return nil
	}
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = append([]byte(nil), v...)
	}
	return out
}
