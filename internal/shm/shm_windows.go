//go:build windows

package shm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32          = windows.NewLazySystemDLL("kernel32.dll")
	procOpenFileMappingW = modkernel32.NewProc("OpenFileMappingW")
)

func openFileMapping(access uint32, name string) (windows.Handle, error) {
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return 0, err
	}
	r, _, e := procOpenFileMappingW.Call(uintptr(access), 0, uintptr(unsafe.Pointer(p)))
	if r == 0 {
		if e == windows.ERROR_FILE_NOT_FOUND {
			return 0, fmt.Errorf("OpenFileMapping %s: %w", name, ErrNotExist)
		}
		return 0, fmt.Errorf("OpenFileMapping %s: %w", name, e)
	}
	return windows.Handle(r), nil
}

func viewSize(addr uintptr) (int, error) {
	var info windows.MemoryBasicInformation
	if err := windows.VirtualQuery(addr, &info, unsafe.Sizeof(info)); err != nil {
		return 0, fmt.Errorf("VirtualQuery: %w", err)
	}
	return int(info.RegionSize), nil
}
