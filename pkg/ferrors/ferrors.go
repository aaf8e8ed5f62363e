// Package ferrors holds the forest's sentinel errors. Every package in
// the core wraps one of these with fmt.Errorf("...: %w", ...) rather than
// minting ad hoc errors, so callers (chiefly pkg/ops) can classify a
// failure with errors.Is regardless of which layer raised it.
//
// Grounded on cellstate-treedb/simplefs/errors.go's flat var block and
// the teacher's per-package ErrXxx sentinels (pkg/pager, pkg/btree).
package ferrors

import "errors"

var (
	// ErrNotFound maps to POSIX ENOENT: a missing directory entry, leaf,
	// or block that was expected to already exist.
	ErrNotFound = errors.New("not found")

	// ErrExists maps to POSIX EEXIST: create with O_EXCL or link target
	// already present.
	ErrExists = errors.New("already exists")

	// ErrPermission maps to POSIX EPERM: an access check failed.
	ErrPermission = errors.New("permission denied")

	// ErrNotEmpty maps to POSIX ENOTEMPTY: rmdir on a non-empty directory.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrNoAttr maps to POSIX ENOATTR: xattr get/remove on an absent key.
	ErrNoAttr = errors.New("attribute not found")

	// ErrCorruption maps to POSIX EIO: AEAD tag mismatch, pickle decode
	// failure, or an invariant violated by a loaded node. Per spec §7,
	// the affected operation aborts and state is left unchanged.
	ErrCorruption = errors.New("corruption detected")

	// ErrRetry is transient: a refcount-0 block is still externally
	// referenced by a live inode; the caller should retry at the next
	// flush rather than treat this as a hard failure.
	ErrRetry = errors.New("retry at next flush")

	// ErrInvalid signals a programmer error — a violated internal
	// invariant (bad key ordering, malformed tree) that should fail hard
	// rather than attempt silent repair.
	ErrInvalid = errors.New("invalid forest state")

	// ErrClosed is returned by operations on a forest/store/backend that
	// has already been closed.
	ErrClosed = errors.New("closed")

	// ErrNotDirectory / ErrIsDirectory cover operations that require a
	// specific inode kind (e.g. readdir on a file, write on a directory).
	ErrNotDirectory = errors.New("not a directory")
	ErrIsDirectory  = errors.New("is a directory")

	// ErrBadHandle maps to POSIX EBADF: an operation referenced a file or
	// directory handle the façade's open-handle table doesn't recognize
	// (already released, or never opened).
	ErrBadHandle = errors.New("bad file handle")
)
