// Package shm contains platform-specific helpers for mapping shared memory.
package shm

import (
	"errors"
)

// ErrNotExist is returned when the backing object of a mapping does not exist.
var ErrNotExist = errors.New("shared memory object does not exist")

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte

	// platform-specific fields
	fd     int
	handle uintptr
	view   uintptr
}

// Len returns the mapped size in bytes.
func (r *MappedRegion) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Addr)
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	// Path is a file path on unix and a mapping object name on windows.
	Path string
	Size int
	// Create makes a new backing object and fails if one already exists.
	Create bool
}

// Function implementations are provided in platform-specific files (e.g., platform_linux.go, platform_windows.go).
