//go:build unix

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/go-logr/logr/testr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmregion/pkg/registry"
	"github.com/srediag/shmregion/pkg/shm"
)

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

type CommandTestSuite struct {
	suite.Suite
	ctx    context.Context
	dir    string
	text   string
	owner  *registry.Registry
	region *shm.Region
}

func (s *CommandTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.dir = s.T().TempDir()
	s.text = filepath.Join(s.dir, "regions")
	s.owner = registry.New(registry.Options{
		Backend:  shm.NewFileBackend(s.dir),
		TextPath: s.text,
		Logger:   testr.New(s.T()),
	})
	var err error
	s.region, err = s.owner.GetOrCreate(s.ctx, "state", 256)
	s.Require().NoError(err)
	_, err = s.region.Write([]byte("hello"))
	s.Require().NoError(err)
}

func (s *CommandTestSuite) TearDownTest() {
	s.NoError(s.owner.Close(s.ctx))
}

func (s *CommandTestSuite) run(stdin string, args ...string) (string, error) {
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append([]string{"--backend", "file", "--dir", s.dir, "--registry", s.text}, args...))
	err := rootCmd.ExecuteContext(s.ctx)
	return out.String(), err
}

func (s *CommandTestSuite) TestInspect() {
	_, err := s.owner.GetOrCreate(s.ctx, "idle", 64)
	s.Require().NoError(err)

	out, err := s.run("", "inspect", "--json")
	s.Require().NoError(err)
	var infos map[string]shm.Info
	s.Require().NoError(json.Unmarshal([]byte(out), &infos))
	s.Len(infos, 2)
	s.True(infos["state"].Initialized)
	s.Equal(uint64(1), infos["state"].Version)
	s.Equal(5, infos["state"].Length)
	s.False(infos["state"].Owner)
	s.False(infos["idle"].Initialized)

	out, err = s.run("", "inspect", "state")
	s.Require().NoError(err)
	s.Contains(out, "NAME")
	s.Contains(out, "state")
	s.Contains(out, "data")
	s.NotContains(out, "idle")
}

func (s *CommandTestSuite) TestReadWrite() {
	out, err := s.run("", "read", "state")
	s.Require().NoError(err)
	s.Equal("hello", out)

	out, err = s.run("", "read", "state", "--digest")
	s.Require().NoError(err)
	s.Contains(out, "version=1 length=5")
	s.Contains(out, "xxhash=")
	s.Contains(out, fmt.Sprintf("xxhash=%016x", xxhash.Sum64String("hello")))

	out, err = s.run("updated", "write", "state")
	s.Require().NoError(err)
	s.Equal("version=2 length=7\n", out)

	snap, err := s.region.Read()
	s.Require().NoError(err)
	s.Equal("updated", string(snap.Data))

	_, err = s.run("", "read", "missing")
	s.ErrorIs(err, shm.ErrNotFound)
}

func (s *CommandTestSuite) TestManifest() {
	out, err := s.run("", "manifest")
	s.Require().NoError(err)
	m, ok, err := registry.ParseManifest([]byte(strings.TrimSpace(out)))
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(5, *m.Buffers["state"].Length)
}

func (s *CommandTestSuite) TestCleanupKeepsLiveRegions() {
	out, err := s.run("", "cleanup")
	s.Require().NoError(err)
	s.Empty(out)

	snap, err := s.region.Read()
	s.Require().NoError(err)
	s.Equal("hello", string(snap.Data))
}

func (s *CommandTestSuite) TestNoRegistry() {
	resetFlags(rootCmd)
	rootCmd.SetArgs([]string{"--backend", "heap", "--registry", "", "inspect"})
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	s.T().Setenv(registry.EnvTextPath, "")
	s.ErrorIs(rootCmd.ExecuteContext(s.ctx), errNoRegistry)
}

func TestCommands(t *testing.T) {
	suite.Run(t, new(CommandTestSuite))
}
