//go:build unix

package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

// MapRegion maps or creates a file-backed shared memory region.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("map %s: invalid size %d", opts.Path, opts.Size)
	}
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if opts.Create {
		flags |= unix.O_CREAT | unix.O_EXCL
		//ignore mkdir error
		_ = os.MkdirAll(filepath.Dir(opts.Path), 0o755)
	}
	fd, err := unix.Open(opts.Path, flags, 0o600)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("open %s: %w", opts.Path, ErrNotExist)
		}
		return nil, fmt.Errorf("open: %w", err)
	}
	// the mapping stays valid after the descriptor is closed
	defer func() { _ = unix.Close(fd) }()

	if opts.Create {
		if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
			_ = unix.Unlink(opts.Path)
			return nil, fmt.Errorf("ftruncate: %w", err)
		}
	} else {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			return nil, fmt.Errorf("fstat: %w", err)
		}
		if st.Size < int64(opts.Size) {
			return nil, fmt.Errorf("map %s: backing size %d is smaller than %d", opts.Path, st.Size, opts.Size)
		}
	}
	addr, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		if opts.Create {
			_ = unix.Unlink(opts.Path)
		}
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{Addr: addr, fd: -1}, nil
}

// UnmapRegion unmaps the region. The backing file is left in place.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if err := unix.Munmap(region.Addr); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	region.Addr = nil
	if region.fd > 0 {
		if err := unix.Close(region.fd); err != nil {
			return fmt.Errorf("close fd %d: %w", region.fd, err)
		}
		region.fd = -1
	}
	return nil
}

// Stat returns the size of the backing object at path.
func Stat(path string) (int, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return 0, fmt.Errorf("stat %s: %w", path, ErrNotExist)
		}
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return int(st.Size), nil
}

// Remove unlinks the backing object at path.
func Remove(path string) error {
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("unlink %s: %w", path, err)
	}
	return nil
}

// CanCreate reports whether the filesystem holding path has size bytes free.
// Only tmpfs mounts are checked; other filesystems grow on demand.
func CanCreate(size uint64, path string) bool {
	dir := filepath.Dir(path)
	var fs unix.Statfs_t
	if err := unix.Statfs(dir, &fs); err != nil {
		return true
	}
	if !isTmpfs(&fs) {
		return true
	}
	stat, err := disk.Usage(dir)
	if err != nil {
		return true
	}
	return stat.Free >= size
}

// ProcessAlive reports whether a process with the given pid exists.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
