//go:build linux

package shm

import "golang.org/x/sys/unix"

func isTmpfs(fs *unix.Statfs_t) bool {
	return fs.Type == unix.TMPFS_MAGIC
}
