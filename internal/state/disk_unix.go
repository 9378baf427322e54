//go:build unix

package state

import "golang.org/x/sys/unix"

// freeDisk reports available bytes on the filesystem holding path.
func freeDisk(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// writable reports whether the current user can write to path.
func writable(path string) bool {
	return unix.Access(path, unix.W_OK) == nil
}
