package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/srediag/shmregion/adapter"
	"github.com/srediag/shmregion/api"
	"github.com/srediag/shmregion/pkg/health"
	"github.com/srediag/shmregion/pkg/metrics"
	"github.com/srediag/shmregion/pkg/registry"
	"github.com/srediag/shmregion/pkg/shm"
	"github.com/srediag/shmregion/pkg/stream"
)

const shutdownTimeout = 5 * time.Second

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Own a registry and serve it over HTTP",
	Long: `Create the regions given with --region, publish the registry text form
and serve the admin API, health checks and metrics until interrupted.

Examples:
  shmctl serve --registry /run/app/regions --region state=65536 --region config=4096
  shmctl serve -c shmregion.yaml --listen :9464`,
	RunE: func(cmd *cobra.Command, args []string) error {
		specs, _ := cmd.Flags().GetStringArray("region")
		listen, _ := cmd.Flags().GetString("listen")
		if listen == "" {
			listen = cfg.Admin.Listen
		}
		if cfg.Registry.TextPath == "" {
			return errNoRegistry
		}
		regions, err := parseRegionSpecs(specs)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		prom := prometheus.NewRegistry()
		prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m, err := metrics.New(prom)
		if err != nil {
			return err
		}

		extra := append(adapter.TelemetryOptions(), shm.WithObserver(m))
		opts, err := cfg.RegistryOptions(logger(), m, extra...)
		if err != nil {
			return err
		}
		reg := registry.New(opts)
		defer closeRegistry(cmd, reg)
		for _, spec := range regions {
			if _, err := reg.GetOrCreate(ctx, spec.name, spec.capacity); err != nil {
				return fmt.Errorf("create region %s: %w", spec.name, err)
			}
		}

		pipeline, err := stream.NewPipeline(reg, cfg.PipelineOptions(logger(), m))
		if err != nil {
			return err
		}
		defer pipeline.Close(context.WithoutCancel(ctx))
		uopts, err := cfg.UploaderOptions(logger(), m)
		if err != nil {
			return err
		}

		srv := &http.Server{
			Addr: listen,
			Handler: api.NewRouter(api.Options{
				Registry: reg,
				Uploader: stream.NewUploader(pipeline, uopts),
				Health: health.NewHandler(ctx, health.Options{
					Registry:      reg,
					Pipeline:      pipeline,
					Metrics:       prom,
					MaxGoroutines: cfg.Admin.MaxGoroutines,
				}),
				Gatherer: prom,
				Logger:   logger(),
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger().V(0).Info("serving", "listen", listen, "registry", cfg.Registry.TextPath, "regions", len(regions))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
		return g.Wait()
	},
}

type regionSpec struct {
	name     string
	capacity int
}

func parseRegionSpecs(specs []string) ([]regionSpec, error) {
	out := make([]regionSpec, 0, len(specs))
	for _, s := range specs {
		name, size, ok := strings.Cut(s, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid region %q, want name=capacity", s)
		}
		capacity, err := strconv.Atoi(size)
		if err != nil || capacity <= 0 {
			return nil, fmt.Errorf("invalid capacity in %q", s)
		}
		out = append(out, regionSpec{name: name, capacity: capacity})
	}
	return out, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringArray("region", nil, "region to create as name=capacity, repeatable")
	serveCmd.Flags().String("listen", "", "admin listen address")
}
