package stream

import (
	"errors"
	"fmt"
	"strconv"

	internalshm "github.com/srediag/shmregion/internal/shm"
)

const (
	// ControlHeaderSize is the size of the control ring header.
	ControlHeaderSize = 16
	// EntrySize is the size of one control entry.
	EntrySize = 24

	headOffset      = 0
	tailOffset      = 4
	capacityOffset  = 8
	entrySizeOffset = 12
)

// ErrCorruptEntry is returned for a control entry that cannot be applied.
var ErrCorruptEntry = errors.New("stream: corrupt control entry")

// Entry is one control ring slot.
type Entry struct {
	BufferIndex uint32
	Length      uint32
	Offset      uint64
	Finalize    bool
}

// ControlName returns the name of the control segment of a session.
func ControlName(name string) string { return name + "__ctrl" }

// DataName returns the name of the i-th data segment of a session.
func DataName(name string, i int) string { return name + "__data_" + strconv.Itoa(i) }

// ControlSize returns the control segment size for capacity slots.
func ControlSize(capacity int) int { return ControlHeaderSize + capacity*EntrySize }

// ring is a view of a mapped control segment. Cursors are free-running
// u32 counters; slots are cursor mod capacity. The capacity is read once,
// when the view is made.
type ring struct {
	buf   []byte
	slots uint32
}

func initRing(buf []byte, capacity uint32) (ring, error) {
	if len(buf) < ControlSize(int(capacity)) || capacity == 0 {
		return ring{}, fmt.Errorf("control segment of %d bytes cannot hold %d entries", len(buf), capacity)
	}
	clear(buf)
	internalshm.StoreUint32(buf, capacityOffset, capacity)
	internalshm.StoreUint32(buf, entrySizeOffset, EntrySize)
	return ring{buf: buf, slots: capacity}, nil
}

func openRing(buf []byte) (ring, error) {
	if len(buf) < ControlHeaderSize {
		return ring{}, fmt.Errorf("%w: control segment of %d bytes", ErrCorruptEntry, len(buf))
	}
	capacity := internalshm.LoadUint32(buf, capacityOffset)
	size := internalshm.LoadUint32(buf, entrySizeOffset)
	if capacity == 0 || size != EntrySize || len(buf) < ControlHeaderSize+int(capacity)*int(size) {
		return ring{}, fmt.Errorf("%w: capacity %d entry size %d in %d bytes", ErrCorruptEntry, capacity, size, len(buf))
	}
	return ring{buf: buf, slots: capacity}, nil
}

// openSessionRing opens buf and checks it holds one slot per data segment.
func openSessionRing(buf []byte, buffers int) (ring, error) {
	r, err := openRing(buf)
	if err != nil {
		return ring{}, err
	}
	if int(r.capacity()) != buffers {
		return ring{}, fmt.Errorf("%w: ring holds %d entries, session has %d buffers", ErrCorruptEntry, r.capacity(), buffers)
	}
	return r, nil
}

func (r ring) head() uint32      { return internalshm.LoadUint32(r.buf, headOffset) }
func (r ring) tail() uint32      { return internalshm.LoadUint32(r.buf, tailOffset) }
func (r ring) capacity() uint32  { return r.slots }
func (r ring) entrySize() uint32 { return internalshm.LoadUint32(r.buf, entrySizeOffset) }

func (r ring) setHead(v uint32) { internalshm.StoreUint32(r.buf, headOffset, v) }
func (r ring) setTail(v uint32) { internalshm.StoreUint32(r.buf, tailOffset, v) }

// outstanding is tail-head in wrapping u32 arithmetic.
func (r ring) outstanding() uint32 { return r.tail() - r.head() }

func (r ring) slot(cursor uint32) int {
	return ControlHeaderSize + int(cursor%r.slots)*EntrySize
}

func (r ring) entry(cursor uint32) Entry {
	off := r.slot(cursor)
	return Entry{
		BufferIndex: internalshm.LoadUint32(r.buf, off),
		Length:      internalshm.LoadUint32(r.buf, off+4),
		Offset:      internalshm.LoadUint64(r.buf, off+8),
		Finalize:    internalshm.LoadUint32(r.buf, off+16) != 0,
	}
}

func (r ring) putEntry(cursor uint32, e Entry) {
	off := r.slot(cursor)
	internalshm.StoreUint32(r.buf, off, e.BufferIndex)
	internalshm.StoreUint32(r.buf, off+4, e.Length)
	internalshm.StoreUint64(r.buf, off+8, e.Offset)
	var fin uint32
	if e.Finalize {
		fin = 1
	}
	internalshm.StoreUint32(r.buf, off+16, fin)
	internalshm.StoreUint32(r.buf, off+20, 0)
}

// validate checks an entry against the session geometry.
func (e Entry) validate(buffers, chunkSize int, total uint64) error {
	switch {
	case int(e.BufferIndex) >= buffers:
		return fmt.Errorf("%w: buffer index %d of %d", ErrCorruptEntry, e.BufferIndex, buffers)
	case int(e.Length) > chunkSize:
		return fmt.Errorf("%w: length %d exceeds chunk size %d", ErrCorruptEntry, e.Length, chunkSize)
	case e.Offset+uint64(e.Length) > total:
		return fmt.Errorf("%w: chunk [%d,%d) past total %d", ErrCorruptEntry, e.Offset, e.Offset+uint64(e.Length), total)
	case e.Finalize != (e.Offset+uint64(e.Length) == total):
		return fmt.Errorf("%w: finalize=%t at end %d of %d", ErrCorruptEntry, e.Finalize, e.Offset+uint64(e.Length), total)
	}
	return nil
}
