// Package ops is the thin POSIX-shaped façade spec.md §6 describes: the
// kernel-filesystem operations a host FUSE-equivalent driver calls
// (lookup/create/read/write/...), adapting them onto pkg/forest. No mount
// loop, no actual bazil.org/fuse or hanwen/go-fuse binding lives here —
// that stays the host's job (spec.md §1's explicit out-of-scope boundary)
// — but every method signature spec.md §6 names is implemented, because
// spec.md §8's end-to-end testable properties need something to call.
//
// Grounded on the teacher's pkg/api (a thin method-table wrapper around
// the engine) generalized from a SQL connection handle to a POSIX
// filesystem handle table.
package ops

import (
	"fmt"
	"os"
	"sort"
	"time"

	"forestfs/pkg/ferrors"
	"forestfs/pkg/forest"
	"forestfs/pkg/inode"
	"forestfs/pkg/pickle"
)

// Context carries the caller identity spec.md §6 says every façade method
// receives: uid, gid, pid, and the creating process's umask.
type Context struct {
	Uid   uint32
	Gid   uint32
	Pid   uint32
	Umask uint32
}

// Access check bits, POSIX access(2) style.
const (
	OK  uint32 = 0
	xOK uint32 = 1
	wOK uint32 = 2
	rOK uint32 = 4
)

// Handle is an open file or directory descriptor, spec.md §3.1's "integer
// handle into an open-file table".
type Handle uint64

type openHandle struct {
	in    *inode.Inode
	flags int
	isDir bool
}

// Attr is the POSIX stat(2)-shaped view of an inode, assembled from
// spec.md §6's persistent directory-entry fields plus the inode's own
// numeric identity and live link count.
type Attr struct {
	Ino       uint64
	Mode      uint32
	Uid       uint32
	Gid       uint32
	Rdev      uint32
	Size      uint64
	Nlink     uint32
	AtimeNs   int64
	MtimeNs   int64
	CtimeNs   int64
	IsSymlink bool
}

// Ops adapts pkg/forest onto the POSIX façade surface, tracking open file
// and directory handles.
type Ops struct {
	f       *forest.Forest
	handles map[Handle]*openHandle
	nextH   Handle
}

// New wraps an already-opened forest.
func New(f *forest.Forest) *Ops {
	return &Ops{f: f, handles: make(map[Handle]*openHandle)}
}

// Lock acquires the forest's serialization mutex. SPEC_FULL.md §5: pkg/ops
// exposes the mutex for the host to hold across a call rather than hiding
// it, mirroring the teacher's Pager.mu being a plain caller-coordinated
// field.
func (o *Ops) Lock() { o.f.Mu.Lock() }

// Unlock releases the mutex taken by Lock.
func (o *Ops) Unlock() { o.f.Mu.Unlock() }

func (o *Ops) allocHandle() Handle {
	o.nextH++
	return o.nextH
}

func (o *Ops) handle(h Handle) (*openHandle, error) {
	oh, ok := o.handles[h]
	if !ok {
		return nil, fmt.Errorf("ops: %w", ferrors.ErrBadHandle)
	}
	return oh, nil
}

func accessWant(flags int) uint32 {
	switch flags & (os.O_WRONLY | os.O_RDWR) {
	case os.O_WRONLY:
		return wOK
	case os.O_RDWR:
		return wOK | rOK
	default:
		return rOK
	}
}

// checkAccess applies a conventional owner/group/other permission check
// against de's st_mode, per spec.md §7: "access checks happen in the
// façade before core calls." uid 0 bypasses every check, matching POSIX
// superuser semantics.
func checkAccess(de *pickle.DirEntry, ctx Context, want uint32) error {
	if want == OK || ctx.Uid == 0 {
		return nil
	}
	mode := de.StMode & 0o777
	var bits uint32
	switch {
	case ctx.Uid == de.StUid:
		bits = (mode >> 6) & 0o7
	case ctx.Gid == de.StGid:
		bits = (mode >> 3) & 0o7
	default:
		bits = mode & 0o7
	}
	if bits&want != want {
		return fmt.Errorf("ops: %w", ferrors.ErrPermission)
	}
	return nil
}

func applyUmask(mode, umask uint32) uint32 {
	return mode &^ (umask & 0o777)
}

// ToAttr assembles in's POSIX attributes.
func (o *Ops) ToAttr(in *inode.Inode) Attr {
	de := o.f.Entry(in)
	return Attr{
		Ino: uint64(in.Value), Mode: de.StMode, Uid: de.StUid, Gid: de.StGid,
		Rdev: de.StRdev, Size: de.StSize, Nlink: uint32(maxInt(int(de.NLink), 1)),
		AtimeNs: de.StAtimeNs, MtimeNs: de.StMtimeNs, CtimeNs: de.StCtimeNs,
		IsSymlink: de.IsSymlink,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Inode resolves a numeric inode handle previously handed out by a prior
// call, the way a kernel driver addresses a parent_inode.
func (o *Ops) Inode(value int64) (*inode.Inode, error) {
	in, ok := o.f.InodeByValue(value)
	if !ok {
		return nil, fmt.Errorf("ops: %w: inode %d", ferrors.ErrNotFound, value)
	}
	return in, nil
}

// Lookup resolves name under parent, requiring execute (traverse)
// permission on parent (spec.md §4.6's lookup).
func (o *Ops) Lookup(parent *inode.Inode, name string, ctx Context) (*inode.Inode, error) {
	if err := checkAccess(o.f.Entry(parent), ctx, xOK); err != nil {
		return nil, err
	}
	return o.f.Lookup(parent, name)
}

// Create creates and opens a regular file named name under parent.
func (o *Ops) Create(parent *inode.Inode, name string, mode uint32, flags int, ctx Context) (*inode.Inode, Handle, error) {
	if err := checkAccess(o.f.Entry(parent), ctx, wOK); err != nil {
		return nil, 0, err
	}
	now := time.Now().UnixNano()
	in, err := o.f.CreateFile(parent, name, applyUmask(mode, ctx.Umask), ctx.Uid, ctx.Gid, now)
	if err != nil {
		return nil, 0, err
	}
	h := o.allocHandle()
	o.handles[h] = &openHandle{in: in, flags: flags}
	return in, h, nil
}

// Mkdir creates a subdirectory named name under parent.
func (o *Ops) Mkdir(parent *inode.Inode, name string, mode uint32, ctx Context) (*inode.Inode, error) {
	if err := checkAccess(o.f.Entry(parent), ctx, wOK); err != nil {
		return nil, err
	}
	now := time.Now().UnixNano()
	return o.f.CreateDir(parent, name, applyUmask(mode, ctx.Umask), ctx.Uid, ctx.Gid, now)
}

// Mknod creates a device, fifo, or socket node (or, with a regular-file
// mode, a plain file not immediately opened) under parent.
func (o *Ops) Mknod(parent *inode.Inode, name string, mode uint32, rdev uint32, ctx Context) (*inode.Inode, error) {
	if err := checkAccess(o.f.Entry(parent), ctx, wOK); err != nil {
		return nil, err
	}
	now := time.Now().UnixNano()
	return o.f.Mknod(parent, name, applyUmask(mode, ctx.Umask), rdev, ctx.Uid, ctx.Gid, now)
}

// Symlink creates a symlink named name under parent pointing at target.
func (o *Ops) Symlink(parent *inode.Inode, name, target string, ctx Context) (*inode.Inode, error) {
	if err := checkAccess(o.f.Entry(parent), ctx, wOK); err != nil {
		return nil, err
	}
	now := time.Now().UnixNano()
	return o.f.CreateSymlink(parent, name, target, ctx.Uid, ctx.Gid, now)
}

// Readlink returns a symlink's target.
func (o *Ops) Readlink(in *inode.Inode) (string, error) {
	return o.f.Readlink(in)
}

// Link creates newName under newParent referring to target's content
// (spec.md §9 Open Question: hard links are supported).
func (o *Ops) Link(target, newParent *inode.Inode, newName string, ctx Context) (*inode.Inode, error) {
	if err := checkAccess(o.f.Entry(newParent), ctx, wOK); err != nil {
		return nil, err
	}
	return o.f.Link(target, newParent, newName)
}

// Unlink removes name from parent.
func (o *Ops) Unlink(parent *inode.Inode, name string, ctx Context) error {
	if err := checkAccess(o.f.Entry(parent), ctx, wOK); err != nil {
		return err
	}
	return o.f.Unlink(parent, name)
}

// Rmdir removes the empty subdirectory named name from parent. Unlink
// already rejects a non-empty directory (ENOTEMPTY); Rmdir additionally
// rejects removing a non-directory, matching POSIX rmdir(2).
func (o *Ops) Rmdir(parent *inode.Inode, name string, ctx Context) error {
	if err := checkAccess(o.f.Entry(parent), ctx, wOK); err != nil {
		return err
	}
	in, err := o.f.Lookup(parent, name)
	if err != nil {
		return err
	}
	isDir := o.f.Entry(in).IsDir
	if derefErr := o.f.Deref(in); derefErr != nil {
		return derefErr
	}
	if !isDir {
		return fmt.Errorf("ops: %w: %s", ferrors.ErrNotDirectory, name)
	}
	return o.f.Unlink(parent, name)
}

// Rename moves/renames oldName under oldParent to newName under newParent.
func (o *Ops) Rename(oldParent *inode.Inode, oldName string, newParent *inode.Inode, newName string, ctx Context) error {
	if err := checkAccess(o.f.Entry(oldParent), ctx, wOK); err != nil {
		return err
	}
	if err := checkAccess(o.f.Entry(newParent), ctx, wOK); err != nil {
		return err
	}
	return o.f.Rename(oldParent, oldName, newParent, newName)
}

// Open opens in for reading/writing per flags, returning a file handle.
// O_TRUNC truncates the content to zero length as part of opening.
func (o *Ops) Open(in *inode.Inode, flags int, ctx Context) (Handle, error) {
	if err := checkAccess(o.f.Entry(in), ctx, accessWant(flags)); err != nil {
		return 0, err
	}
	if flags&os.O_TRUNC != 0 {
		if err := o.f.SetSize(in, 0); err != nil {
			return 0, err
		}
	}
	o.f.Ref(in)
	h := o.allocHandle()
	o.handles[h] = &openHandle{in: in, flags: flags}
	return h, nil
}

// Read reads up to size bytes at ofs from h's content, bumping st_atime_ns
// if the forest was configured to track it (spec.md §9's Open Question,
// default off).
func (o *Ops) Read(h Handle, ofs int64, size int) ([]byte, error) {
	oh, err := o.handle(h)
	if err != nil {
		return nil, err
	}
	data, err := o.f.Read(oh.in, ofs, size)
	if err != nil {
		return nil, err
	}
	if o.f.Config().TrackAccessTime {
		o.f.MutateEntry(oh.in, func(de *pickle.DirEntry) {
			de.StAtimeNs = time.Now().UnixNano()
		})
	}
	return data, nil
}

// Write writes buf at ofs through h, updating st_mtime_ns/st_ctime_ns.
func (o *Ops) Write(h Handle, ofs int64, buf []byte) (int, error) {
	oh, err := o.handle(h)
	if err != nil {
		return 0, err
	}
	n, err := o.f.Write(oh.in, ofs, buf)
	if err != nil {
		return n, err
	}
	now := time.Now().UnixNano()
	o.f.MutateEntry(oh.in, func(de *pickle.DirEntry) {
		de.StMtimeNs = now
		de.StCtimeNs = now
	})
	return n, nil
}

// Release closes a file handle opened by Open or Create.
func (o *Ops) Release(h Handle) error {
	oh, err := o.handle(h)
	if err != nil {
		return err
	}
	delete(o.handles, h)
	return o.f.Deref(oh.in)
}

// Opendir opens dir for readdir, requiring traverse permission.
func (o *Ops) Opendir(dir *inode.Inode, ctx Context) (Handle, error) {
	if err := checkAccess(o.f.Entry(dir), ctx, xOK); err != nil {
		return 0, err
	}
	o.f.Ref(dir)
	h := o.allocHandle()
	o.handles[h] = &openHandle{in: dir, isDir: true}
	return h, nil
}

// Readdir returns every entry in the directory h was opened on.
func (o *Ops) Readdir(h Handle) ([]*pickle.DirEntry, error) {
	oh, err := o.handle(h)
	if err != nil {
		return nil, err
	}
	if !oh.isDir {
		return nil, fmt.Errorf("ops: %w", ferrors.ErrNotDirectory)
	}
	return o.f.Readdir(oh.in)
}

// Releasedir closes a directory handle opened by Opendir.
func (o *Ops) Releasedir(h Handle) error {
	return o.Release(h)
}

// Getattr returns in's POSIX attributes.
func (o *Ops) Getattr(in *inode.Inode) Attr {
	return o.ToAttr(in)
}

// Setattr applies the non-nil fields to in, returning the resulting
// attributes. A nil field means "leave unchanged", mirroring FUSE's
// SetattrValid bitmask without importing a FUSE binding to get the type
// from.
// Permission bits/ownership changes require ownership (or root); a size
// change goes through forest.SetSize (truncate/grow with zero-fill).
func (o *Ops) Setattr(in *inode.Inode, mode, uid, gid *uint32, size *uint64, ctx Context) (Attr, error) {
	de := o.f.Entry(in)
	if mode != nil || uid != nil || gid != nil {
		if ctx.Uid != 0 && ctx.Uid != de.StUid {
			return Attr{}, fmt.Errorf("ops: %w", ferrors.ErrPermission)
		}
	}
	if size != nil {
		if err := checkAccess(de, ctx, wOK); err != nil {
			return Attr{}, err
		}
		if err := o.f.SetSize(in, *size); err != nil {
			return Attr{}, err
		}
	}
	now := time.Now().UnixNano()
	o.f.MutateEntry(in, func(de *pickle.DirEntry) {
		const permMask = 0o7777
		if mode != nil {
			de.StMode = (de.StMode &^ permMask) | (*mode & permMask)
		}
		if uid != nil {
			de.StUid = *uid
		}
		if gid != nil {
			de.StGid = *gid
		}
		de.StCtimeNs = now
	})
	return o.ToAttr(in), nil
}

// Getxattr returns the value stored under name, or ENOATTR if absent.
func (o *Ops) Getxattr(in *inode.Inode, name string) ([]byte, error) {
	de := o.f.Entry(in)
	v, ok := de.Xattr[name]
	if !ok {
		return nil, fmt.Errorf("ops: %w: %s", ferrors.ErrNoAttr, name)
	}
	return v, nil
}

// Setxattr sets name to value on in.
func (o *Ops) Setxattr(in *inode.Inode, name string, value []byte) error {
	o.f.MutateEntry(in, func(de *pickle.DirEntry) {
		if de.Xattr == nil {
			de.Xattr = make(map[string][]byte)
		}
		de.Xattr[name] = append([]byte(nil), value...)
	})
	return nil
}

// Listxattr returns the sorted names of every xattr set on in.
func (o *Ops) Listxattr(in *inode.Inode) []string {
	de := o.f.Entry(in)
	names := make([]string, 0, len(de.Xattr))
	for k := range de.Xattr {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Removexattr removes name from in, or ENOATTR if it was never set.
func (o *Ops) Removexattr(in *inode.Inode, name string) error {
	de := o.f.Entry(in)
	if _, ok := de.Xattr[name]; !ok {
		return fmt.Errorf("ops: %w: %s", ferrors.ErrNoAttr, name)
	}
	o.f.MutateEntry(in, func(de *pickle.DirEntry) {
		delete(de.Xattr, name)
	})
	return nil
}

// StatfsResult mirrors the subset of struct statvfs spec.md §6 calls for:
// aggregate backend byte counts, nothing block-size/inode-count specific
// since the forest has no fixed block size at the backend level.
type StatfsResult struct {
	BytesAvailable uint64
	BytesUsed      uint64
}

// Statfs reports aggregate backend byte usage.
func (o *Ops) Statfs() (StatfsResult, error) {
	avail, used, err := o.f.Stats()
	if err != nil {
		return StatfsResult{}, err
	}
	return StatfsResult{BytesAvailable: avail, BytesUsed: used}, nil
}

// Fsync flushes the whole forest. There is no separate per-file journal
// to sync selectively (SPEC_FULL.md §4.11), so fsync on any handle and
// fsyncdir on any directory both degrade to a full forest.Flush.
func (o *Ops) Fsync(h Handle) error {
	if _, err := o.handle(h); err != nil {
		return err
	}
	_, err := o.f.Flush()
	return err
}

// Fsyncdir is Fsync under its directory-handle name.
func (o *Ops) Fsyncdir(h Handle) error { return o.Fsync(h) }

// Flush is the POSIX close-time flush (called once per close(2), distinct
// from forest.Flush, which a background timer calls periodically): for
// this forest there is nothing additional buffered per file descriptor,
// so it is a no-op beyond validating the handle.
func (o *Ops) Flush(h Handle) error {
	_, err := o.handle(h)
	return err
}

// Forget decrements in's kernel-cache reference by count, distinct from
// Release: the kernel calls forget when it evicts a cached inode from its
// dentry cache, which may be long after the last Release.
func (o *Ops) Forget(in *inode.Inode, count int) error {
	return forgetN(o.f, in, count)
}

func forgetN(f *forest.Forest, in *inode.Inode, count int) error {
	for i := 0; i < count; i++ {
		if err := f.Deref(in); err != nil {
			return err
		}
	}
	return nil
}
