//go:build windows

package ops

import "syscall"

// kindErrno maps a Kind to the closest POSIX-compatibility errno Go's
// syscall package exposes on Windows (mirroring pkg/blockstore/backend's
// lock_windows.go/statfs_windows.go fallback style: best-effort, not a
// byte-for-byte errno match with a real POSIX kernel).
func kindErrno(k Kind) syscall.Errno {
	switch k {
	case KindOK:
		return 0
	case KindNotFound:
		return syscall.ENOENT
	case KindExists:
		return syscall.EEXIST
	case KindPermission:
		return syscall.EPERM
	case KindNotEmpty:
		return syscall.ENOTEMPTY
	case KindNoAttr:
		return syscall.ENOENT
	case KindCorruption:
		return syscall.EIO
	case KindRetry:
		return syscall.EAGAIN
	case KindBadHandle:
		return syscall.EBADF
	case KindNotDirectory:
		return syscall.ENOTDIR
	case KindIsDirectory:
		return syscall.EISDIR
	default:
		return syscall.EINVAL
	}
}
