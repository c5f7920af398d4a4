//go:build unix

package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	internalshm "github.com/srediag/shmregion/internal/shm"
)

// DefaultDir is where file-backed regions live when it exists.
const DefaultDir = "/dev/shm"

// FileBackend backs regions with memory-mapped files. The locator is the
// absolute file path.
type FileBackend struct {
	dir string
}

// NewFileBackend returns a backend creating files in dir, DefaultDir when it
// exists or the temp directory otherwise.
func NewFileBackend(dir string) *FileBackend {
	if dir == "" {
		dir = DefaultDir
		if _, err := os.Stat(dir); err != nil {
			dir = os.TempDir()
		}
	}
	return &FileBackend{dir: dir}
}

// Dir returns the directory holding the backing files.
func (b *FileBackend) Dir() string { return b.dir }

// ResolveDir returns the directory NewFileBackend would use for dir.
func ResolveDir(dir string) string { return NewFileBackend(dir).Dir() }

func (b *FileBackend) Name() string { return "file" }

func (b *FileBackend) Create(ctx context.Context, name string, size int) (Locator, error) {
	path := filepath.Join(b.dir, objectName(name)+".bin")
	if !internalshm.CanCreate(uint64(size), path) {
		return "", fmt.Errorf("%w: not enough space left for %d bytes in %s", ErrAllocationFailed, size, b.dir)
	}
	r, err := internalshm.MapRegion(ctx, internalshm.MapOptions{Path: path, Size: size, Create: true})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrAllocationFailed, name, err)
	}
	// Map creates a fresh view; the creation view only sizes the file.
	if err := internalshm.UnmapRegion(ctx, r); err != nil {
		_ = internalshm.Remove(path)
		return "", fmt.Errorf("%w: %s: %v", ErrAllocationFailed, name, err)
	}
	return Locator(path), nil
}

func (b *FileBackend) Open(_ context.Context, loc Locator) (int, error) {
	return statLocator(loc)
}

func (b *FileBackend) Map(ctx context.Context, loc Locator, size int, owner bool) (*Mapping, error) {
	return mapLocator(ctx, loc, size, owner)
}

func (b *FileBackend) Unmap(ctx context.Context, m *Mapping) error {
	if m == nil {
		return nil
	}
	err := internalshm.UnmapRegion(ctx, m.region)
	m.Data = nil
	if m.Owner {
		err = errors.Join(err, internalshm.Remove(string(m.Locator)))
	}
	return err
}

func statLocator(loc Locator) (int, error) {
	size, err := internalshm.Stat(string(loc))
	if errors.Is(err, internalshm.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, loc)
	}
	return size, err
}

func mapLocator(ctx context.Context, loc Locator, size int, owner bool) (*Mapping, error) {
	r, err := internalshm.MapRegion(ctx, internalshm.MapOptions{Path: string(loc), Size: size})
	if errors.Is(err, internalshm.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, loc)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	return &Mapping{Locator: loc, Data: r.Addr, Owner: owner, region: r}, nil
}

// CleanupOrphans removes backing files in dir whose creating process is gone.
// It returns the removed paths.
func CleanupOrphans(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, NamePrefix+"*"))
	if err != nil {
		return nil, err
	}
	var removed []string
	var errs error
	for _, path := range matches {
		pid, ok := ownerPID(filepath.Base(path))
		if !ok || internalshm.ProcessAlive(pid) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = errors.Join(errs, err)
			continue
		}
		removed = append(removed, path)
	}
	return removed, errs
}
