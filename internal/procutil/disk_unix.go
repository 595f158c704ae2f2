//go:build unix

package procutil

import "syscall"

// FreeDiskGB returns the free space in GiB for the filesystem holding path.
func FreeDiskGB(path string) (float64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	return float64(st.Bavail) * float64(st.Bsize) / (1 << 30), nil
}
