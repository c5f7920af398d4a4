//go:build unix

package shm

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"
)

type PlatformTestSuite struct {
	suite.Suite
	dir string
}

func (s *PlatformTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
}

func (s *PlatformTestSuite) TestCreateAndMapShared() {
	ctx := context.Background()
	path := filepath.Join(s.dir, "region.bin")

	owner, err := MapRegion(ctx, MapOptions{Path: path, Size: 4096, Create: true})
	s.Require().NoError(err)
	defer func() { s.NoError(UnmapRegion(ctx, owner)) }()

	peer, err := MapRegion(ctx, MapOptions{Path: path, Size: 4096})
	s.Require().NoError(err)
	defer func() { s.NoError(UnmapRegion(ctx, peer)) }()

	copy(owner.Addr[100:], "shared")
	s.Equal("shared", string(peer.Addr[100:106]))

	size, err := Stat(path)
	s.Require().NoError(err)
	s.Equal(4096, size)
}

func (s *PlatformTestSuite) TestCreateExclusive() {
	ctx := context.Background()
	path := filepath.Join(s.dir, "excl.bin")
	r, err := MapRegion(ctx, MapOptions{Path: path, Size: 64, Create: true})
	s.Require().NoError(err)
	defer UnmapRegion(ctx, r)

	_, err = MapRegion(ctx, MapOptions{Path: path, Size: 64, Create: true})
	s.Error(err)
}

func (s *PlatformTestSuite) TestMissing() {
	_, err := MapRegion(context.Background(), MapOptions{Path: filepath.Join(s.dir, "nope"), Size: 64})
	s.ErrorIs(err, ErrNotExist)
	_, err = Stat(filepath.Join(s.dir, "nope"))
	s.ErrorIs(err, ErrNotExist)
	s.NoError(Remove(filepath.Join(s.dir, "nope")))
}

func (s *PlatformTestSuite) TestAttachLargerThanBacking() {
	ctx := context.Background()
	path := filepath.Join(s.dir, "small.bin")
	r, err := MapRegion(ctx, MapOptions{Path: path, Size: 64, Create: true})
	s.Require().NoError(err)
	defer UnmapRegion(ctx, r)

	_, err = MapRegion(ctx, MapOptions{Path: path, Size: 128})
	s.Error(err)
}

func (s *PlatformTestSuite) TestCanCreate() {
	// non-tmpfs directories always accept
	s.True(CanCreate(math.MaxUint64, filepath.Join(s.dir, "x")))
	if _, err := os.Stat("/dev/shm"); err == nil {
		s.True(CanCreate(1, "/dev/shm/xxx"))
	}
}

func (s *PlatformTestSuite) TestProcessAlive() {
	s.True(ProcessAlive(os.Getpid()))
	s.False(ProcessAlive(0))
}

func TestPlatformTestSuite(t *testing.T) {
	suite.Run(t, new(PlatformTestSuite))
}
