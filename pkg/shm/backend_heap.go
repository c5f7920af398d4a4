package shm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/segmentio/ksuid"
)

const heapScheme = "heap:"

// HeapBackend keeps regions in process memory. Every mapping of a locator
// shares one buffer, which makes it useful for tests and for hosts that hand
// out their own buffers.
type HeapBackend struct {
	mu      sync.Mutex
	buffers map[Locator][]byte
}

// NewHeapBackend returns an empty heap backend.
func NewHeapBackend() *HeapBackend {
	return &HeapBackend{buffers: make(map[Locator][]byte)}
}

func (b *HeapBackend) Name() string { return "heap" }

func (b *HeapBackend) Create(_ context.Context, name string, size int) (Locator, error) {
	if size <= 0 {
		return "", fmt.Errorf("%w: invalid size %d for %s", ErrAllocationFailed, size, name)
	}
	loc := Locator(heapScheme + ksuid.New().String())
	b.mu.Lock()
	b.buffers[loc] = make([]byte, size)
	b.mu.Unlock()
	return loc, nil
}

func (b *HeapBackend) Open(_ context.Context, loc Locator) (int, error) {
	if !strings.HasPrefix(string(loc), heapScheme) {
		return 0, fmt.Errorf("%w: %s is not a heap locator", ErrNotFound, loc)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[loc]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, loc)
	}
	return len(buf), nil
}

func (b *HeapBackend) Map(_ context.Context, loc Locator, size int, owner bool) (*Mapping, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[loc]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, loc)
	}
	if size > len(buf) {
		return nil, fmt.Errorf("%w: %s holds %d bytes, %d requested", ErrAllocationFailed, loc, len(buf), size)
	}
	return &Mapping{Locator: loc, Data: buf[:size:size], Owner: owner}, nil
}

func (b *HeapBackend) Unmap(_ context.Context, m *Mapping) error {
	if m == nil {
		return nil
	}
	if m.Owner {
		b.mu.Lock()
		delete(b.buffers, m.Locator)
		b.mu.Unlock()
	}
	m.Data = nil
	return nil
}

// Len returns the number of live buffers.
func (b *HeapBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffers)
}
