// Package health exposes liveness and readiness checks for a registry and
// its stream pipeline.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmregion/pkg/registry"
	"github.com/srediag/shmregion/pkg/shm"
	"github.com/srediag/shmregion/pkg/stream"
)

// DefaultCheckTimeout bounds a single check.
const DefaultCheckTimeout = time.Second

// Options configures the handler.
type Options struct {
	Registry *registry.Registry
	Pipeline *stream.Pipeline
	// Regions must be readable for the process to be ready.
	Regions []string
	// Metrics, when set, also exports check results as gauges.
	Metrics   prometheus.Registerer
	Namespace string
	// MaxGoroutines adds a liveness check on the goroutine count.
	MaxGoroutines int
	CheckTimeout  time.Duration
	// AsyncInterval runs readiness checks in the background when positive.
	AsyncInterval time.Duration
}

// NewHandler returns an http.Handler serving /live and /ready.
func NewHandler(ctx context.Context, opts Options) healthcheck.Handler {
	var h healthcheck.Handler
	if opts.Metrics != nil {
		ns := opts.Namespace
		if ns == "" {
			ns = "shmregion"
		}
		h = healthcheck.NewMetricsHandler(opts.Metrics, ns)
	} else {
		h = healthcheck.NewHandler()
	}
	timeout := opts.CheckTimeout
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	ready := func(c healthcheck.Check) healthcheck.Check {
		c = healthcheck.Timeout(c, timeout)
		if opts.AsyncInterval > 0 {
			c = healthcheck.AsyncWithContext(ctx, c, opts.AsyncInterval)
		}
		return c
	}

	if opts.MaxGoroutines > 0 {
		h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(opts.MaxGoroutines))
	}
	if opts.Registry != nil {
		h.AddLivenessCheck("registry", RegistryCheck(opts.Registry))
		h.AddReadinessCheck("regions", ready(HeadersCheck(ctx, opts.Registry)))
		for _, name := range opts.Regions {
			h.AddReadinessCheck("region-"+name, ready(RegionCheck(ctx, opts.Registry, name)))
		}
	}
	if opts.Pipeline != nil {
		h.AddLivenessCheck("pipeline", PipelineCheck(opts.Pipeline))
	}
	return h
}

// RegistryCheck fails once the registry is closed.
func RegistryCheck(reg *registry.Registry) healthcheck.Check {
	return func() error {
		if reg.Closed() {
			return registry.ErrClosed
		}
		return nil
	}
}

// HeadersCheck fails when an attached region carries a foreign header.
func HeadersCheck(ctx context.Context, reg *registry.Registry) healthcheck.Check {
	return func() error {
		var errs error
		for _, name := range reg.Regions() {
			region, err := reg.Open(ctx, name)
			if err != nil {
				continue
			}
			if _, err := region.Header(); errors.Is(err, shm.ErrInvalidHeader) {
				errs = errors.Join(errs, err)
			}
		}
		return errs
	}
}

// RegionCheck fails until name is attached and holds data.
func RegionCheck(ctx context.Context, reg *registry.Registry, name string) healthcheck.Check {
	return func() error {
		region, err := reg.Open(ctx, name)
		if err != nil {
			return err
		}
		h, err := region.Header()
		if err != nil {
			return err
		}
		if !h.Initialized() {
			return fmt.Errorf("region %s is empty", name)
		}
		return nil
	}
}

// PipelineCheck fails once the pipeline is closed.
func PipelineCheck(p *stream.Pipeline) healthcheck.Check {
	return func() error {
		if p.Closed() {
			return errors.New("stream pipeline closed")
		}
		return nil
	}
}
