package shm

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Header fields in shared memory are little-endian. On little-endian hosts
// aligned fields are accessed with sync/atomic so stores are published in
// program order to readers in the same process; elsewhere the byte-wise
// fallback keeps the wire format but gives no ordering guarantee.
var hostLittleEndian = func() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

// LoadUint64 loads the little-endian uint64 at b[off:off+8].
func LoadUint64(b []byte, off int) uint64 {
	s := b[off : off+8]
	if hostLittleEndian && uintptr(unsafe.Pointer(&s[0]))%8 == 0 {
		return atomic.LoadUint64((*uint64)(unsafe.Pointer(&s[0])))
	}
	return binary.LittleEndian.Uint64(s)
}

// StoreUint64 stores v little-endian at b[off:off+8].
func StoreUint64(b []byte, off int, v uint64) {
	s := b[off : off+8]
	if hostLittleEndian && uintptr(unsafe.Pointer(&s[0]))%8 == 0 {
		atomic.StoreUint64((*uint64)(unsafe.Pointer(&s[0])), v)
		return
	}
	binary.LittleEndian.PutUint64(s, v)
}

// LoadUint32 loads the little-endian uint32 at b[off:off+4].
func LoadUint32(b []byte, off int) uint32 {
	s := b[off : off+4]
	if hostLittleEndian && uintptr(unsafe.Pointer(&s[0]))%4 == 0 {
		return atomic.LoadUint32((*uint32)(unsafe.Pointer(&s[0])))
	}
	return binary.LittleEndian.Uint32(s)
}

// StoreUint32 stores v little-endian at b[off:off+4].
func StoreUint32(b []byte, off int, v uint32) {
	s := b[off : off+4]
	if hostLittleEndian && uintptr(unsafe.Pointer(&s[0]))%4 == 0 {
		atomic.StoreUint32((*uint32)(unsafe.Pointer(&s[0])), v)
		return
	}
	binary.LittleEndian.PutUint32(s, v)
}

// CompareAndSwapUint64 swaps the little-endian uint64 at b[off:off+8] from
// old to new. Unaligned fields fall back to a non-atomic compare.
func CompareAndSwapUint64(b []byte, off int, old, new uint64) bool {
	s := b[off : off+8]
	if hostLittleEndian && uintptr(unsafe.Pointer(&s[0]))%8 == 0 {
		return atomic.CompareAndSwapUint64((*uint64)(unsafe.Pointer(&s[0])), old, new)
	}
	if binary.LittleEndian.Uint64(s) != old {
		return false
	}
	binary.LittleEndian.PutUint64(s, new)
	return true
}
