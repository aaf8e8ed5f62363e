//go:build !windows

package backend

import (
	"path/filepath"

	"golang.org/x/sys/unix"
)

// statfsAvailable reports free bytes on the filesystem holding path, via
// the same x/sys/unix surface pkg/blockstore/backend already uses for
// advisory locking.
func statfsAvailable(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(filepath.Dir(path), &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
