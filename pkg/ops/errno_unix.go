//go:build !windows

package ops

import "syscall"

// kindErrno maps a Kind to its real errno value on unix-like platforms,
// via golang.org/x/sys/unix-equivalent numbers already exposed by the
// standard syscall package there.
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
		return syscall.ENODATA // Linux's xattr-absent errno; ENOATTR is its BSD/Darwin alias.
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
