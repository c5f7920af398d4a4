package shm

import (
	"context"
	"fmt"
	"sync"
)

// Segment is a raw shared mapping without a header. Regions and the stream
// control and data buffers are built on segments.
type Segment struct {
	name    string
	backend Backend

	mu      sync.RWMutex
	mapping *Mapping
}

// CreateSegment allocates and maps a zeroed segment of size bytes. The
// returned segment owns the backing object.
func CreateSegment(ctx context.Context, b Backend, name string, size int) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid size %d for %s", ErrAllocationFailed, size, name)
	}
	loc, err := b.Create(ctx, name, size)
	if err != nil {
		return nil, err
	}
	m, err := b.Map(ctx, loc, size, true)
	if err != nil {
		// hand the backing object to a throwaway owner mapping so it is destroyed
		_ = b.Unmap(ctx, &Mapping{Locator: loc, Owner: true})
		return nil, fmt.Errorf("%w: map %s: %v", ErrAllocationFailed, name, err)
	}
	return &Segment{name: name, backend: b, mapping: m}, nil
}

// AttachSegment maps an existing backing object. A size of 0 maps the whole
// object. Attached segments never destroy the backing object.
func AttachSegment(ctx context.Context, b Backend, name string, loc Locator, size int) (*Segment, error) {
	if loc == "" {
		return nil, fmt.Errorf("%w: %s has no locator", ErrNotFound, name)
	}
	if size <= 0 {
		n, err := b.Open(ctx, loc)
		if err != nil {
			return nil, err
		}
		size = n
	}
	m, err := b.Map(ctx, loc, size, false)
	if err != nil {
		return nil, err
	}
	return &Segment{name: name, backend: b, mapping: m}, nil
}

// Name returns the logical name.
func (s *Segment) Name() string { return s.name }

// Backend returns the backend the segment was mapped through.
func (s *Segment) Backend() Backend { return s.backend }

// Locator returns the locator peers use to attach.
func (s *Segment) Locator() Locator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mapping == nil {
		return ""
	}
	return s.mapping.Locator
}

// Owner reports whether closing the segment destroys the backing object.
func (s *Segment) Owner() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mapping != nil && s.mapping.Owner
}

// Len returns the mapped size, 0 once closed.
func (s *Segment) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mapping == nil {
		return 0
	}
	return s.mapping.Len()
}

// View runs fn with the mapped bytes. The segment cannot be unmapped while
// fn runs. fn must not keep the slice.
func (s *Segment) View(fn func(buf []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mapping == nil {
		return fmt.Errorf("%w: %s is closed", ErrNotFound, s.name)
	}
	return fn(s.mapping.Data)
}

// Closed reports whether Close was called.
func (s *Segment) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mapping == nil
}

// Close unmaps the segment and, for owners, destroys the backing object.
func (s *Segment) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mapping == nil {
		return nil
	}
	err := s.backend.Unmap(ctx, s.mapping)
	s.mapping = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", s.name, err)
	}
	return nil
}
