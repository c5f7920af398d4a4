//go:build unix

package shm

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestRegionFile(t *testing.T) {
	suite.Run(t, &RegionTestSuite{backend: NewFileBackend(t.TempDir())})
}

func TestFileBackendLocator(t *testing.T) {
	dir := t.TempDir()
	b := NewFileBackend(dir)
	ctx := context.Background()

	loc, err := b.Create(ctx, "my region/1", 128)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(string(loc)))
	base := filepath.Base(string(loc))
	assert.True(t, strings.HasPrefix(base, NamePrefix+"my_region_1_"))
	assert.True(t, strings.HasSuffix(base, ".bin"))

	pid, ok := ownerPID(base)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)

	size, err := b.Open(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, 128, size)

	m, err := b.Map(ctx, loc, 128, true)
	require.NoError(t, err)
	require.NoError(t, b.Unmap(ctx, m))
	_, err = os.Stat(string(loc))
	assert.True(t, os.IsNotExist(err))
}

func TestCleanupOrphans(t *testing.T) {
	dir := t.TempDir()
	dead := filepath.Join(dir, NamePrefix+"old_999999999_2ABCdef.bin")
	live := filepath.Join(dir, NamePrefix+"new_"+strconv.Itoa(os.Getpid())+"_2ABCdef.bin")
	other := filepath.Join(dir, "unrelated.bin")
	for _, p := range []string{dead, live, other} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
	}

	removed, err := CleanupOrphans(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{dead}, removed)
	assert.FileExists(t, live)
	assert.FileExists(t, other)
}

func TestBackendByName(t *testing.T) {
	b, err := BackendByName("file", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "file", b.Name())
	b, err = BackendByName("heap", "")
	require.NoError(t, err)
	assert.Equal(t, "heap", b.Name())
	_, err = BackendByName("tape", "")
	assert.Error(t, err)
}
