//go:build !windows
// +build !windows

package vfs

import "golang.org/x/sys/unix"

// GetAvailableSpace implements ftpserver.ClientDriverExtensionAvailableSpace
// backing AVBL, by statfs-ing the directory dirName resolves to.
func (r *Rooted) GetAvailableSpace(dirName string) (int64, error) {
	host, err := r.resolve(dirName)
	if err != nil {
		return 0, err
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(host, &stat); err != nil {
		return 0, err
	}

	return int64(stat.Bavail) * int64(stat.Bsize), nil //nolint:unconvert
}
