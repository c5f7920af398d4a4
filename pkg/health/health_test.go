package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmregion/pkg/registry"
	"github.com/srediag/shmregion/pkg/shm"
	"github.com/srediag/shmregion/pkg/stream"
)

type HealthTestSuite struct {
	suite.Suite
	ctx      context.Context
	reg      *registry.Registry
	pipeline *stream.Pipeline
}

func (s *HealthTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.reg = registry.New(registry.Options{Backend: shm.NewHeapBackend(), Logger: testr.New(s.T())})
	var err error
	s.pipeline, err = stream.NewPipeline(s.reg, stream.PipelineOptions{Workers: 1, Logger: testr.New(s.T())})
	s.Require().NoError(err)
}

func (s *HealthTestSuite) TearDownTest() {
	_ = s.pipeline.Close(s.ctx)
	_ = s.reg.Close(s.ctx)
}

func (s *HealthTestSuite) status(h http.Handler, path string) int {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code
}

func (s *HealthTestSuite) TestReadyOnceRegionHoldsData() {
	region, err := s.reg.GetOrCreate(s.ctx, "state", 128)
	s.Require().NoError(err)
	h := NewHandler(s.ctx, Options{Registry: s.reg, Pipeline: s.pipeline, Regions: []string{"state"}})

	s.Equal(http.StatusOK, s.status(h, "/live"))
	s.Equal(http.StatusServiceUnavailable, s.status(h, "/ready"))

	_, err = region.Write([]byte("up"))
	s.Require().NoError(err)
	s.Equal(http.StatusOK, s.status(h, "/ready"))
}

func (s *HealthTestSuite) TestClosedIsNotLive() {
	h := NewHandler(s.ctx, Options{Registry: s.reg, Pipeline: s.pipeline, MaxGoroutines: 100000})
	s.Equal(http.StatusOK, s.status(h, "/live"))

	s.Require().NoError(s.pipeline.Close(s.ctx))
	s.Equal(http.StatusServiceUnavailable, s.status(h, "/live"))
}

func (s *HealthTestSuite) TestChecks() {
	s.NoError(RegistryCheck(s.reg)())
	s.Error(RegionCheck(s.ctx, s.reg, "missing")())

	region, err := s.reg.GetOrCreate(s.ctx, "bad", 64)
	s.Require().NoError(err)
	s.Require().NoError(region.Segment().View(func(buf []byte) error {
		buf[0] = 0x42
		return nil
	}))
	s.ErrorIs(HeadersCheck(s.ctx, s.reg)(), shm.ErrInvalidHeader)

	s.Require().NoError(s.reg.Close(s.ctx))
	s.ErrorIs(RegistryCheck(s.reg)(), registry.ErrClosed)
}

func (s *HealthTestSuite) TestMetricsHandler() {
	reg := prometheus.NewRegistry()
	h := NewHandler(s.ctx, Options{Registry: s.reg, Metrics: reg})
	s.Equal(http.StatusOK, s.status(h, "/live"))
	mfs, err := reg.Gather()
	s.Require().NoError(err)
	s.NotEmpty(mfs)
}

func TestHealth(t *testing.T) {
	suite.Run(t, new(HealthTestSuite))
}
