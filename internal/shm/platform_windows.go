//go:build windows

package shm

import (
	"context"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// MapRegion maps or creates a named file mapping backed by the paging file.
// A created mapping lives as long as its region stays mapped.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("map %s: invalid size %d", opts.Path, opts.Size)
	}
	var (
		h   windows.Handle
		err error
	)
	if opts.Create {
		name, perr := windows.UTF16PtrFromString(opts.Path)
		if perr != nil {
			return nil, perr
		}
		size := uint64(opts.Size)
		h, err = windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE,
			uint32(size>>32), uint32(size), name)
		if err == windows.ERROR_ALREADY_EXISTS {
			_ = windows.CloseHandle(h)
			return nil, fmt.Errorf("CreateFileMapping %s: already exists", opts.Path)
		}
		if err != nil {
			return nil, fmt.Errorf("CreateFileMapping: %w", err)
		}
	} else {
		h, err = openFileMapping(windows.FILE_MAP_WRITE|windows.FILE_MAP_READ, opts.Path)
		if err != nil {
			return nil, err
		}
	}
	// attachers map the whole section; its size is only known page-rounded
	length := uintptr(opts.Size)
	if !opts.Create {
		length = 0
	}
	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE|windows.FILE_MAP_READ, 0, 0, length)
	if err != nil {
		_ = windows.CloseHandle(h)
		return nil, fmt.Errorf("MapViewOfFile: %w", err)
	}
	if !opts.Create {
		size, err := viewSize(addr)
		if err == nil && size < opts.Size {
			err = fmt.Errorf("map %s: backing size %d is smaller than %d", opts.Path, size, opts.Size)
		}
		if err != nil {
			_ = windows.UnmapViewOfFile(addr)
			_ = windows.CloseHandle(h)
			return nil, err
		}
	}
	return &MappedRegion{
		Addr:   unsafe.Slice((*byte)(unsafe.Pointer(addr)), opts.Size),
		handle: uintptr(h),
		view:   addr,
	}, nil
}

// UnmapRegion unmaps the view and closes the mapping handle.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.view == 0 {
		return nil
	}
	if err := windows.UnmapViewOfFile(region.view); err != nil {
		return fmt.Errorf("UnmapViewOfFile: %w", err)
	}
	region.view = 0
	region.Addr = nil
	if err := windows.CloseHandle(windows.Handle(region.handle)); err != nil {
		return fmt.Errorf("CloseHandle: %w", err)
	}
	return nil
}

// Stat returns the size of the named mapping, rounded up to a page.
func Stat(name string) (int, error) {
	h, err := openFileMapping(windows.FILE_MAP_READ, name)
	if err != nil {
		return 0, err
	}
	defer windows.CloseHandle(h)
	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_READ, 0, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("MapViewOfFile: %w", err)
	}
	defer windows.UnmapViewOfFile(addr)
	return viewSize(addr)
}

// Remove is a no-op on windows; a named mapping disappears with its last handle.
func Remove(string) error { return nil }

// CanCreate always reports true; mappings are backed by the paging file.
func CanCreate(uint64, string) bool { return true }

// ProcessAlive reports whether a process with the given pid exists.
func ProcessAlive(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	_ = windows.CloseHandle(h)
	return true
}
