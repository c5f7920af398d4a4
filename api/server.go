// Package api serves the registry of a process over HTTP: region listing,
// payload reads, uploads, the manifest and the text form.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/shmregion/internal/logging"
	"github.com/srediag/shmregion/pkg/registry"
	"github.com/srediag/shmregion/pkg/stream"
)

// VersionHeader carries the region version on payload responses.
const VersionHeader = "X-Shmregion-Version"

// Options configures the router.
type Options struct {
	Registry *registry.Registry
	// Uploader enables PUT /api/v1/regions/{name}.
	Uploader *stream.Uploader
	// Health is served at /live and /ready.
	Health http.Handler
	// Gatherer is served at /metrics.
	Gatherer prometheus.Gatherer
	Logger   logr.Logger
}

// Server holds the handlers.
type Server struct {
	reg      *registry.Registry
	uploader *stream.Uploader
	log      logr.Logger
}

// NewRouter returns the HTTP handler.
func NewRouter(opts Options) http.Handler {
	s := &Server{
		reg:      opts.Registry,
		uploader: opts.Uploader,
		log:      logging.OrDefault(opts.Logger).WithName("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if opts.Health != nil {
		r.Handle("/live", opts.Health)
		r.Handle("/ready", opts.Health)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/regions", s.handleList)
		r.Get("/regions/{name}", s.handleInfo)
		r.Get("/regions/{name}/payload", s.handleRead)
		r.Put("/regions/{name}", s.handleUpload)
		r.Get("/manifest", s.handleManifest)
		r.Get("/registry", s.handleText)
	})
	return r
}
