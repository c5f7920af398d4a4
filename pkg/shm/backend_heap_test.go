package shm

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeapBackend(t *testing.T) {
	ctx := context.Background()
	b := NewHeapBackend()

	loc, err := b.Create(ctx, "h", 32)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(loc), "heap:"))
	assert.Equal(t, 1, b.Len())

	owner, err := b.Map(ctx, loc, 32, true)
	require.NoError(t, err)
	peer, err := b.Map(ctx, loc, 16, false)
	require.NoError(t, err)
	owner.Data[3] = 7
	assert.Equal(t, byte(7), peer.Data[3])

	_, err = b.Map(ctx, loc, 64, false)
	assert.ErrorIs(t, err, ErrAllocationFailed)

	require.NoError(t, b.Unmap(ctx, peer))
	assert.Equal(t, 1, b.Len())
	require.NoError(t, b.Unmap(ctx, owner))
	assert.Equal(t, 0, b.Len())

	_, err = b.Open(ctx, loc)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = b.Open(ctx, "/dev/shm/x")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = b.Create(ctx, "h", 0)
	assert.ErrorIs(t, err, ErrAllocationFailed)
}
