package shm

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	for _, l := range []Layout{LayoutCompact, LayoutPadded} {
		buf := Encode(l, 7, 10)
		require.Len(t, buf, l.Size)
		assert.Equal(t, Magic, binary.LittleEndian.Uint64(buf[0:]))
		assert.Equal(t, uint64(7), binary.LittleEndian.Uint64(buf[8:]))
		assert.Equal(t, uint64(10), binary.LittleEndian.Uint64(buf[16:]))

		h, err := Decode(l, buf)
		require.NoError(t, err)
		assert.True(t, h.Initialized())
		assert.Equal(t, Header{Magic: Magic, Version: 7, Length: 10}, h)
	}
}

func TestMagicBytes(t *testing.T) {
	buf := Encode(LayoutCompact, 0, 0)
	assert.Equal(t, "RHSOBRUT", string(buf[:8]))
}

func TestDecodeZeroMagic(t *testing.T) {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[8:], 5)
	h, err := Decode(LayoutCompact, buf)
	require.NoError(t, err)
	assert.False(t, h.Initialized())
	assert.Equal(t, Header{}, h)
}

func TestDecodeInvalid(t *testing.T) {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf, 0xdeadbeef)
	_, err := Decode(LayoutCompact, buf)
	assert.ErrorIs(t, err, ErrInvalidHeader)

	_, err = Decode(LayoutPadded, make([]byte, 24))
	assert.ErrorIs(t, err, ErrInvalidHeader)

	assert.ErrorIs(t, EncodeInto(LayoutPadded, make([]byte, 63), 1, 1), ErrInvalidHeader)
}

func TestClampLength(t *testing.T) {
	h := Header{Magic: Magic, Version: 1, Length: 5000}
	assert.Equal(t, 1000, h.ClampLength(LayoutCompact, 1024))
	assert.Equal(t, 960, h.ClampLength(LayoutPadded, 1024))
	h.Length = 10
	assert.Equal(t, 10, h.ClampLength(LayoutCompact, 1024))
	assert.Equal(t, 0, h.ClampLength(LayoutPadded, 32))
}

func TestLayoutByName(t *testing.T) {
	l, err := LayoutByName("padded")
	require.NoError(t, err)
	assert.Equal(t, 64, l.Size)
	l, err = LayoutByName("")
	require.NoError(t, err)
	assert.Equal(t, LayoutCompact, l)
	_, err = LayoutByName("huge")
	assert.Error(t, err)
}
