//go:build windows

package shm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	internalshm "github.com/srediag/shmregion/internal/shm"
)

// NamedMappingBackend backs regions with named, pagefile-backed file
// mappings. The locator is the mapping name.
type NamedMappingBackend struct {
	mu   sync.Mutex
	keep map[Locator]*internalshm.MappedRegion
}

// NewNamedMappingBackend returns an empty named mapping backend.
func NewNamedMappingBackend() *NamedMappingBackend {
	return &NamedMappingBackend{keep: make(map[Locator]*internalshm.MappedRegion)}
}

// DefaultBackend returns the named mapping backend.
func DefaultBackend() Backend {
	return NewNamedMappingBackend()
}

func platformBackend(name, _ string) (Backend, error) {
	if name == "named" {
		return NewNamedMappingBackend(), nil
	}
	return nil, nil
}

func (b *NamedMappingBackend) Name() string { return "named" }

// Create keeps a view open so the mapping outlives attachers until the
// owner mapping is released.
func (b *NamedMappingBackend) Create(ctx context.Context, name string, size int) (Locator, error) {
	loc := Locator(`Local\` + objectName(name))
	r, err := internalshm.MapRegion(ctx, internalshm.MapOptions{Path: string(loc), Size: size, Create: true})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	b.mu.Lock()
	b.keep[loc] = r
	b.mu.Unlock()
	return loc, nil
}

func (b *NamedMappingBackend) Open(_ context.Context, loc Locator) (int, error) {
	size, err := internalshm.Stat(string(loc))
	if errors.Is(err, internalshm.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, loc)
	}
	return size, err
}

func (b *NamedMappingBackend) Map(ctx context.Context, loc Locator, size int, owner bool) (*Mapping, error) {
	r, err := internalshm.MapRegion(ctx, internalshm.MapOptions{Path: string(loc), Size: size})
	if errors.Is(err, internalshm.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, loc)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	return &Mapping{Locator: loc, Data: r.Addr, Owner: owner, region: r}, nil
}

func (b *NamedMappingBackend) Unmap(ctx context.Context, m *Mapping) error {
	if m == nil {
		return nil
	}
	err := internalshm.UnmapRegion(ctx, m.region)
	m.Data = nil
	if m.Owner {
		b.mu.Lock()
		r, ok := b.keep[m.Locator]
		delete(b.keep, m.Locator)
		b.mu.Unlock()
		if ok {
			err = errors.Join(err, internalshm.UnmapRegion(ctx, r))
		}
	}
	return err
}

// ResolveDir returns dir; named mappings have no directory.
func ResolveDir(dir string) string { return dir }

// CleanupOrphans is a no-op on windows; named mappings vanish with their
// last handle.
func CleanupOrphans(string) ([]string, error) {
	return nil, nil
}
