//go:build unix

package blobstore

import "golang.org/x/sys/unix"

// diskFree returns the bytes available to unprivileged writes on the
// filesystem containing path.
func diskFree(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
