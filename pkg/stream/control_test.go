package stream

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingLayout(t *testing.T) {
	buf := make([]byte, ControlSize(4))
	for i := range buf {
		buf[i] = 0xff
	}
	r, err := initRing(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), r.head())
	assert.Equal(t, uint32(0), r.tail())
	assert.Equal(t, uint32(4), r.capacity())
	assert.Equal(t, uint32(EntrySize), r.entrySize())
	assert.Equal(t, []byte{4, 0, 0, 0, EntrySize, 0, 0, 0}, buf[8:16])

	e := Entry{BufferIndex: 2, Length: 512, Offset: 1 << 33, Finalize: true}
	r.putEntry(6, e)
	assert.Equal(t, e, r.entry(6))
	assert.Equal(t, e, r.entry(2), "cursor 6 and 2 share a slot")

	off := ControlHeaderSize + 2*EntrySize
	assert.Equal(t, []byte{2, 0, 0, 0}, buf[off:off+4])
	assert.Equal(t, []byte{1, 0, 0, 0}, buf[off+16:off+20])

	reopened, err := openRing(buf)
	require.NoError(t, err)
	assert.Equal(t, e, reopened.entry(6))
}

func TestRingCursorsWrap(t *testing.T) {
	r, err := initRing(make([]byte, ControlSize(3)), 3)
	require.NoError(t, err)
	r.setHead(math.MaxUint32)
	r.setTail(1)
	assert.Equal(t, uint32(2), r.outstanding())

	r.putEntry(r.head(), Entry{Length: 7})
	assert.Equal(t, uint32(7), r.entry(math.MaxUint32).Length)
}

func TestOpenRingRejectsGarbage(t *testing.T) {
	_, err := openRing(make([]byte, 8))
	assert.ErrorIs(t, err, ErrCorruptEntry)

	_, err = openRing(make([]byte, ControlSize(2)))
	assert.ErrorIs(t, err, ErrCorruptEntry, "zero capacity")

	buf := make([]byte, ControlSize(2))
	_, err = initRing(buf, 2)
	require.NoError(t, err)
	_, err = openRing(buf[:ControlSize(1)])
	assert.ErrorIs(t, err, ErrCorruptEntry, "truncated")

	_, err = initRing(make([]byte, ControlSize(1)), 2)
	assert.Error(t, err)
}

func TestRingCapacityReadOnce(t *testing.T) {
	buf := make([]byte, ControlSize(2))
	r, err := initRing(buf, 2)
	require.NoError(t, err)
	r.putEntry(3, Entry{Length: 9})

	clear(buf[capacityOffset : capacityOffset+4])
	assert.Equal(t, uint32(2), r.capacity())
	assert.NotPanics(t, func() { _ = r.entry(3) })
	assert.Equal(t, uint32(9), r.entry(3).Length)

	_, err = openRing(buf)
	assert.ErrorIs(t, err, ErrCorruptEntry)
}

func TestOpenSessionRing(t *testing.T) {
	buf := make([]byte, ControlSize(3))
	_, err := initRing(buf, 3)
	require.NoError(t, err)

	r, err := openSessionRing(buf, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), r.capacity())

	_, err = openSessionRing(buf, 2)
	assert.ErrorIs(t, err, ErrCorruptEntry)
}

func TestEntryValidate(t *testing.T) {
	const chunk, total = 100, 250
	assert.NoError(t, Entry{BufferIndex: 0, Length: 100, Offset: 0}.validate(2, chunk, total))
	assert.NoError(t, Entry{BufferIndex: 1, Length: 50, Offset: 200, Finalize: true}.validate(2, chunk, total))
	assert.NoError(t, Entry{Finalize: true}.validate(1, chunk, 0))

	assert.ErrorIs(t, Entry{BufferIndex: 2, Length: 10}.validate(2, chunk, total), ErrCorruptEntry)
	assert.ErrorIs(t, Entry{Length: 101}.validate(2, chunk, total), ErrCorruptEntry)
	assert.ErrorIs(t, Entry{Length: 100, Offset: 200}.validate(2, chunk, total), ErrCorruptEntry)
	assert.ErrorIs(t, Entry{Length: 50, Offset: 200}.validate(2, chunk, total), ErrCorruptEntry, "missing finalize")
	assert.ErrorIs(t, Entry{Length: 10, Finalize: true}.validate(2, chunk, total), ErrCorruptEntry, "early finalize")
}

func TestNames(t *testing.T) {
	assert.Equal(t, "upload__ctrl", ControlName("upload"))
	assert.Equal(t, "upload__data_3", DataName("upload", 3))
	assert.Equal(t, 16+4*24, ControlSize(4))
}
