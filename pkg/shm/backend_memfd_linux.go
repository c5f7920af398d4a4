//go:build linux

package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	internalshm "github.com/srediag/shmregion/internal/shm"
)

// MemfdBackend backs regions with anonymous memfd objects. The locator is
// the /proc/<pid>/fd/<fd> path, which peers can open while the creating
// process keeps the descriptor.
type MemfdBackend struct {
	mu  sync.Mutex
	fds map[Locator]*internalshm.Memfd
}

// NewMemfdBackend returns an empty memfd backend.
func NewMemfdBackend() *MemfdBackend {
	return &MemfdBackend{fds: make(map[Locator]*internalshm.Memfd)}
}

func (b *MemfdBackend) Name() string { return "memfd" }

func (b *MemfdBackend) Create(_ context.Context, name string, size int) (Locator, error) {
	m, err := internalshm.CreateMemfd(NamePrefix+name, size)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	loc := Locator(m.Path())
	b.mu.Lock()
	b.fds[loc] = m
	b.mu.Unlock()
	return loc, nil
}

func (b *MemfdBackend) Open(_ context.Context, loc Locator) (int, error) {
	if err := b.checkLocal(loc); err != nil {
		return 0, err
	}
	return statLocator(loc)
}

// checkLocal rejects locators of this process that were already released;
// their descriptor number may have been reused.
func (b *MemfdBackend) checkLocal(loc Locator) error {
	if !strings.HasPrefix(string(loc), "/proc/"+strconv.Itoa(os.Getpid())+"/fd/") {
		return nil
	}
	b.mu.Lock()
	_, ok := b.fds[loc]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, loc)
	}
	return nil
}

func (b *MemfdBackend) Map(ctx context.Context, loc Locator, size int, owner bool) (*Mapping, error) {
	b.mu.Lock()
	m, local := b.fds[loc]
	b.mu.Unlock()
	if !local {
		if err := b.checkLocal(loc); err != nil {
			return nil, err
		}
		return mapLocator(ctx, loc, size, owner)
	}
	r, err := (&internalshm.Memfd{Fd: m.Fd, Size: size}).Map()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	return &Mapping{Locator: loc, Data: r.Addr, Owner: owner, region: r}, nil
}

func (b *MemfdBackend) Unmap(ctx context.Context, m *Mapping) error {
	if m == nil {
		return nil
	}
	err := internalshm.UnmapRegion(ctx, m.region)
	m.Data = nil
	if m.Owner {
		b.mu.Lock()
		fd, ok := b.fds[m.Locator]
		delete(b.fds, m.Locator)
		b.mu.Unlock()
		if ok {
			err = errors.Join(err, internalshm.CloseMemfd(fd))
		}
	}
	return err
}
