package shm

import (
	"encoding/binary"
	"fmt"
)

// Magic identifies an initialized region header.
const Magic uint64 = 0x545552424F534852

// Layout is a header variant.
type Layout struct {
	Name          string
	Size          int
	MagicOffset   int
	VersionOffset int
	LengthOffset  int
}

var (
	// LayoutCompact is the 24 byte header with the payload right after it.
	LayoutCompact = Layout{Name: "compact", Size: 24, MagicOffset: 0, VersionOffset: 8, LengthOffset: 16}
	// LayoutPadded pads the header to 64 bytes so the payload is cache line
	// aligned. Bytes 24 to 63 are reserved.
	LayoutPadded = Layout{Name: "padded", Size: 64, MagicOffset: 0, VersionOffset: 8, LengthOffset: 16}
)

// LayoutByName returns the layout called name.
func LayoutByName(name string) (Layout, error) {
	switch name {
	case "", LayoutCompact.Name:
		return LayoutCompact, nil
	case LayoutPadded.Name:
		return LayoutPadded, nil
	}
	return Layout{}, fmt.Errorf("unknown header layout %q", name)
}

// PayloadCapacity is the largest payload a region of capacity bytes holds.
func (l Layout) PayloadCapacity(capacity int) int {
	if capacity < l.Size {
		return 0
	}
	return capacity - l.Size
}

// Header is a decoded region header.
type Header struct {
	Magic   uint64
	Version uint64
	Length  uint64
}

// Initialized reports whether the region has been written at least once.
func (h Header) Initialized() bool {
	return h.Magic == Magic
}

// ClampLength bounds the length to the payload capacity of a region.
func (h Header) ClampLength(l Layout, capacity int) int {
	limit := uint64(l.PayloadCapacity(capacity))
	if h.Length > limit {
		return int(limit)
	}
	return int(h.Length)
}

// Encode returns a header with the magic set.
func Encode(l Layout, version, length uint64) []byte {
	buf := make([]byte, l.Size)
	_ = EncodeInto(l, buf, version, length)
	return buf
}

// EncodeInto writes a header with the magic set into buf.
func EncodeInto(l Layout, buf []byte, version, length uint64) error {
	if len(buf) < l.Size {
		return fmt.Errorf("%w: buffer of %d bytes is shorter than the %d byte header", ErrInvalidHeader, len(buf), l.Size)
	}
	binary.LittleEndian.PutUint64(buf[l.MagicOffset:], Magic)
	binary.LittleEndian.PutUint64(buf[l.VersionOffset:], version)
	binary.LittleEndian.PutUint64(buf[l.LengthOffset:], length)
	return nil
}

// Decode parses a header. A zero magic decodes to the zero Header, meaning
// the region was never written; any other magic than Magic is invalid.
func Decode(l Layout, buf []byte) (Header, error) {
	if len(buf) < l.Size {
		return Header{}, fmt.Errorf("%w: buffer of %d bytes is shorter than the %d byte header", ErrInvalidHeader, len(buf), l.Size)
	}
	magic := binary.LittleEndian.Uint64(buf[l.MagicOffset:])
	if magic == 0 {
		return Header{}, nil
	}
	if magic != Magic {
		return Header{}, fmt.Errorf("%w: magic %#x", ErrInvalidHeader, magic)
	}
	return Header{
		Magic:   magic,
		Version: binary.LittleEndian.Uint64(buf[l.VersionOffset:]),
		Length:  binary.LittleEndian.Uint64(buf[l.LengthOffset:]),
	}, nil
}
