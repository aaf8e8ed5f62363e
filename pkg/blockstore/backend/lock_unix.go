//go:build !windows

package backend

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"forestfs/pkg/ferrors"
)

// acquireLock takes a non-blocking exclusive flock on f, so a second
// process opening the same store path fails fast instead of corrupting
// it. Adapted from pkg/turdb/lock_unix.go.
func acquireLock(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if err == unix.EWOULDBLOCK {
			return fmt.Errorf("backend: %w: store already open elsewhere", ferrors.ErrPermission)
		}
		return err
	}
	return nil
}

// releaseLock releases the lock taken by acquireLock.
func releaseLock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
