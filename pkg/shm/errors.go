package shm

import "errors"

var (
	// ErrAllocationFailed is returned when backing memory cannot be created or mapped.
	ErrAllocationFailed = errors.New("shm: allocation failed")
	// ErrNotFound is returned when a region does not exist or is no longer mapped.
	// It is expected while a peer has not created the region yet.
	ErrNotFound = errors.New("shm: region not found")
	// ErrInvalidHeader is returned when the header magic is set but wrong.
	ErrInvalidHeader = errors.New("shm: invalid header")
	// ErrCapacityExceeded is returned when a payload does not fit the region.
	ErrCapacityExceeded = errors.New("shm: capacity exceeded")
	// ErrTimeout is returned when a bounded wait expires.
	ErrTimeout = errors.New("shm: timeout")
)
