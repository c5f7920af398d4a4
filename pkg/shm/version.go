package shm

import (
	"fmt"
	"time"
)

// VersionPolicy decides the version of the next write.
type VersionPolicy interface {
	Next(current uint64) uint64
}

// IncrementPolicy bumps the current version by one.
type IncrementPolicy struct{}

func (IncrementPolicy) Next(current uint64) uint64 {
	return current + 1
}

// ClockPolicy stamps writes with wall-clock milliseconds. When the clock has
// not moved past the current version, current+1 is used so versions stay
// strictly increasing.
type ClockPolicy struct {
	Now func() time.Time
}

func (p ClockPolicy) Next(current uint64) uint64 {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	ms := uint64(now().UnixMilli())
	if ms <= current {
		return current + 1
	}
	return ms
}

// PolicyByName returns the policy called "increment" or "clock".
func PolicyByName(name string) (VersionPolicy, error) {
	switch name {
	case "", "increment":
		return IncrementPolicy{}, nil
	case "clock":
		return ClockPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown version policy %q", name)
}

// Compare decides when a read is unchanged relative to the last seen version.
type Compare int

const (
	// CompareEqual reports unchanged only when the version equals the last one.
	CompareEqual Compare = iota
	// CompareNotGreater reports unchanged when the version is not above the last one.
	CompareNotGreater
)

// Unchanged reports whether version is unchanged relative to last.
func (c Compare) Unchanged(version, last uint64) bool {
	if c == CompareNotGreater {
		return version <= last
	}
	return version == last
}

// CompareByName returns the comparison called "equal" or "not-greater".
func CompareByName(name string) (Compare, error) {
	switch name {
	case "", "equal":
		return CompareEqual, nil
	case "not-greater":
		return CompareNotGreater, nil
	}
	return 0, fmt.Errorf("unknown version comparison %q", name)
}
