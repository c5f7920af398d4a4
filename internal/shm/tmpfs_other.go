//go:build unix && !linux

package shm

import "golang.org/x/sys/unix"

func isTmpfs(_ *unix.Statfs_t) bool {
	return false
}
