package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmregion/pkg/shm"
)

type ConfigTestSuite struct {
	suite.Suite
}

func (s *ConfigTestSuite) TestDefaultIsValid() {
	s.NoError(VerifyConfig(DefaultConfig()))
	s.Error(VerifyConfig(nil))
}

func (s *ConfigTestSuite) TestVerifyConfig() {
	c := DefaultConfig()
	c.Layout = "wide"
	s.Error(VerifyConfig(c))

	c = DefaultConfig()
	c.Versions = "random"
	s.Error(VerifyConfig(c))

	c = DefaultConfig()
	c.Compare = "greater"
	s.Error(VerifyConfig(c))

	c = DefaultConfig()
	c.LogLevel = "loud"
	s.Error(VerifyConfig(c))

	c = DefaultConfig()
	c.Stream.ChunkSize = 1
	s.Error(VerifyConfig(c))

	c = DefaultConfig()
	c.Stream.BufferCount = 0
	s.Error(VerifyConfig(c))

	c = DefaultConfig()
	c.Stream.BackpressureTimeout = time.Microsecond
	s.Error(VerifyConfig(c))

	c = DefaultConfig()
	c.Layout = shm.LayoutPadded.Name
	c.Versions = "clock"
	c.Compare = "not-greater"
	c.LogLevel = "debug"
	s.NoError(VerifyConfig(c))
}

func (s *ConfigTestSuite) TestSaveLoad() {
	path := filepath.Join(s.T().TempDir(), "conf", "shmregion.yaml")
	c := DefaultConfig()
	c.Backend = "heap"
	c.Layout = shm.LayoutPadded.Name
	c.Registry.RefreshInterval = 250 * time.Millisecond
	c.Stream.Threshold = 1 << 20
	s.Require().NoError(Save(c, path))

	got, err := Load(path)
	s.Require().NoError(err)
	s.Empty(cmp.Diff(c, got))
}

func (s *ConfigTestSuite) TestLoadPartial() {
	path := filepath.Join(s.T().TempDir(), "partial.yaml")
	s.Require().NoError(os.WriteFile(path, []byte("layout: padded\nstream:\n  chunkSize: 65536\n  pollInterval: 2ms\n"), 0o644))

	got, err := Load(path)
	s.Require().NoError(err)
	s.Equal("padded", got.Layout)
	s.Equal(65536, got.Stream.ChunkSize)
	s.Equal(2*time.Millisecond, got.Stream.PollInterval)
	s.Equal(DefaultConfig().Stream.BufferCount, got.Stream.BufferCount)

	_, err = Load(filepath.Join(s.T().TempDir(), "missing.yaml"))
	s.Error(err)
}

func (s *ConfigTestSuite) TestApplyEnv() {
	env := map[string]string{
		"SHMREGION_REGISTRY":  "/run/app/regions",
		"SHMREGION_LOG_LEVEL": "info",
		"SHMREGION_DIR":       "/tmp/regions",
	}
	c := DefaultConfig()
	c.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	s.Equal("/run/app/regions", c.Registry.TextPath)
	s.Equal("info", c.LogLevel)
	s.Equal("/tmp/regions", c.Dir)
}

func (s *ConfigTestSuite) TestBuilders() {
	c := DefaultConfig()
	c.Backend = "heap"
	c.Layout = shm.LayoutPadded.Name

	opts, err := c.RegionOptions()
	s.Require().NoError(err)
	s.Len(opts, 3)

	ropts, err := c.RegistryOptions(DefaultLogger(), nil)
	s.Require().NoError(err)
	s.Equal("heap", ropts.Backend.Name())
	s.Len(ropts.RegionOptions, 3)

	uopts, err := c.UploaderOptions(DefaultLogger(), nil)
	s.Require().NoError(err)
	s.Equal(c.Stream.Threshold, uopts.Threshold)
	s.Equal(c.Stream.BackpressureTimeout, uopts.Producer.BackpressureTimeout)

	s.Equal(c.Stream.Workers, c.PipelineOptions(DefaultLogger(), nil).Workers)

	c.Backend = "tape"
	_, err = c.NewBackend()
	s.Error(err)
}

func TestConfig(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}
