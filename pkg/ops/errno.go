package ops

import (
	"errors"
	"syscall"

	"forestfs/pkg/ferrors"
)

// Kind is a platform-independent POSIX error classification (spec.md §7's
// error kinds). ToErrno converts a Kind to the host platform's actual
// syscall.Errno value via errno_unix.go/errno_windows.go, the same
// build-tag split pkg/blockstore/backend uses for flock and statfs.
type Kind int

const (
	KindOK Kind = iota
	KindNotFound
	KindExists
	KindPermission
	KindNotEmpty
	KindNoAttr
	KindCorruption
	KindRetry
	KindBadHandle
	KindNotDirectory
	KindIsDirectory
	KindInvalid
)

// Classify maps err to a Kind by walking its %w chain against
// pkg/ferrors' sentinels, the same shape as hanwen/go-fuse's fs.ToErrno
// (referenced for the idea, not imported — no mount loop is wired here).
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindOK
	case errors.Is(err, ferrors.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ferrors.ErrExists):
		return KindExists
	case errors.Is(err, ferrors.ErrPermission):
		return KindPermission
	case errors.Is(err, ferrors.ErrNotEmpty):
		return KindNotEmpty
	case errors.Is(err, ferrors.ErrNoAttr):
		return KindNoAttr
	case errors.Is(err, ferrors.ErrCorruption):
		return KindCorruption
	case errors.Is(err, ferrors.ErrRetry):
		return KindRetry
	case errors.Is(err, ferrors.ErrBadHandle):
		return KindBadHandle
	case errors.Is(err, ferrors.ErrNotDirectory):
		return KindNotDirectory
	case errors.Is(err, ferrors.ErrIsDirectory):
		return KindIsDirectory
	default:
		return KindInvalid
	}
}

// ToErrno converts err to the numeric POSIX code a kernel filesystem
// driver would return from this call (spec.md §6: "errors are reported as
// numeric POSIX codes"). Returns 0 for a nil err.
func ToErrno(err error) syscall.Errno {
	return kindErrno(Classify(err))
}
