//go:build linux

/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// Memfd is an anonymous shared memory file created with memfd_create.
type Memfd struct {
	Fd   int
	Size int
}

// CreateMemfd creates a memfd of the given size. The returned descriptor
// keeps the memory alive until CloseMemfd is called.
func CreateMemfd(name string, size int) (*Memfd, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create %s: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("memfd truncate share memory failed,%w", err)
	}
	return &Memfd{Fd: fd, Size: size}, nil
}

// Path returns a path other processes can open to reach the memfd while
// the creating process keeps it open.
func (m *Memfd) Path() string {
	return "/proc/" + strconv.Itoa(os.Getpid()) + "/fd/" + strconv.Itoa(m.Fd)
}

// Map maps the memfd into this process.
func (m *Memfd) Map() (*MappedRegion, error) {
	mem, err := unix.Mmap(m.Fd, 0, m.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap memfd %d: %w", m.Fd, err)
	}
	return &MappedRegion{Addr: mem, fd: -1}, nil
}

// CloseMemfd closes the memfd. Existing mappings stay valid until unmapped.
func CloseMemfd(m *Memfd) error {
	if m == nil || m.Fd < 0 {
		return nil
	}
	if err := unix.Close(m.Fd); err != nil {
		return fmt.Errorf("close memfd fd:%d, %w", m.Fd, err)
	}
	m.Fd = -1
	return nil
}
