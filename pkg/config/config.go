// Package config loads the YAML configuration shared by shmctl and
// embedding programs, and turns it into options for the other packages.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"

	"github.com/srediag/shmregion/internal/logging"
	"github.com/srediag/shmregion/pkg/registry"
	"github.com/srediag/shmregion/pkg/shm"
	"github.com/srediag/shmregion/pkg/stream"
)

// EnvDir overrides the directory of the file backend.
const EnvDir = "SHMREGION_DIR"

const (
	defaultRefreshInterval = time.Second
	minChunkSize           = 4 << 10
)

// Config is the on-disk configuration.
type Config struct {
	// Backend is "default", "file", "memfd", "heap" or "named".
	Backend string `yaml:"backend"`
	// Dir holds file backed regions.
	Dir      string         `yaml:"dir,omitempty"`
	Layout   string         `yaml:"layout"`
	Versions string         `yaml:"versionPolicy"`
	Compare  string         `yaml:"compare"`
	LogLevel string         `yaml:"logLevel"`
	Registry RegistryConfig `yaml:"registry"`
	Stream   StreamConfig   `yaml:"stream"`
	Admin    AdminConfig    `yaml:"admin"`
}

type RegistryConfig struct {
	TextPath        string        `yaml:"textPath,omitempty"`
	ExportEnv       bool          `yaml:"exportEnv"`
	PollInterval    time.Duration `yaml:"pollInterval"`
	RefreshInterval time.Duration `yaml:"refreshInterval"`
}

type StreamConfig struct {
	Threshold           int64         `yaml:"threshold"`
	ChunkSize           int           `yaml:"chunkSize"`
	BufferCount         int           `yaml:"bufferCount"`
	Workers             int           `yaml:"workers"`
	PollInterval        time.Duration `yaml:"pollInterval"`
	BackpressureTimeout time.Duration `yaml:"backpressureTimeout"`
	// UploadVersions picks upload versions, "clock" by default.
	UploadVersions string `yaml:"uploadVersionPolicy"`
}

type AdminConfig struct {
	Listen string `yaml:"listen"`
	// MaxGoroutines fails liveness above this count; zero disables it.
	MaxGoroutines int `yaml:"maxGoroutines"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Backend:  "default",
		Layout:   shm.LayoutCompact.Name,
		Versions: "increment",
		Compare:  "equal",
		LogLevel: logging.LevelWarn.String(),
		Registry: RegistryConfig{
			PollInterval:    registry.DefaultPollInterval,
			RefreshInterval: defaultRefreshInterval,
		},
		Stream: StreamConfig{
			Threshold:           stream.DefaultThreshold,
			ChunkSize:           stream.DefaultChunkSize,
			BufferCount:         stream.DefaultBufferCount,
			Workers:             stream.DefaultWorkers,
			PollInterval:        stream.DefaultPollInterval,
			BackpressureTimeout: stream.DefaultBackpressureTimeout,
			UploadVersions:      "clock",
		},
		Admin: AdminConfig{Listen: "127.0.0.1:9464"},
	}
}

// VerifyConfig checks the configuration for values the packages reject.
func VerifyConfig(c *Config) error {
	if c == nil {
		return errors.New("config: nil config")
	}
	if _, err := shm.LayoutByName(c.Layout); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := shm.PolicyByName(c.Versions); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := shm.PolicyByName(c.Stream.UploadVersions); err != nil {
		return fmt.Errorf("config: stream: %w", err)
	}
	if _, err := shm.CompareByName(c.Compare); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.LogLevel != "" {
		if _, err := logging.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if c.Registry.PollInterval < 0 || c.Registry.RefreshInterval < 0 {
		return errors.New("config: registry intervals must not be negative")
	}
	s := c.Stream
	switch {
	case s.Threshold <= 0:
		return fmt.Errorf("config: stream threshold %d must be positive", s.Threshold)
	case s.ChunkSize < minChunkSize:
		return fmt.Errorf("config: stream chunk size %d is below %d", s.ChunkSize, minChunkSize)
	case s.BufferCount <= 0:
		return fmt.Errorf("config: stream buffer count %d must be positive", s.BufferCount)
	case s.Workers <= 0:
		return fmt.Errorf("config: stream workers %d must be positive", s.Workers)
	case s.PollInterval <= 0 || s.BackpressureTimeout <= 0:
		return errors.New("config: stream intervals must be positive")
	case s.BackpressureTimeout < s.PollInterval:
		return fmt.Errorf("config: backpressure timeout %s is shorter than the poll interval %s", s.BackpressureTimeout, s.PollInterval)
	}
	return nil
}

// Load reads path over the defaults, applies environment overrides and
// verifies the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	c := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	c.ApplyEnv(os.LookupEnv)
	if err := VerifyConfig(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Save writes c to path as YAML.
func Save(c *Config, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyEnv applies the SHMREGION_* overrides found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(registry.EnvTextPath); ok && v != "" {
		c.Registry.TextPath = v
	}
	if v, ok := lookup(logging.EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvDir); ok && v != "" {
		c.Dir = v
	}
}

// ApplyLogLevel sets the process log level.
func (c *Config) ApplyLogLevel() error {
	if c.LogLevel == "" {
		return nil
	}
	l, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	logging.SetLevel(l)
	return nil
}

// NewBackend returns the configured backend.
func (c *Config) NewBackend() (shm.Backend, error) {
	return shm.BackendByName(c.Backend, c.Dir)
}

// RegionOptions returns the region options for layout and versioning.
func (c *Config) RegionOptions() ([]shm.Option, error) {
	layout, err := shm.LayoutByName(c.Layout)
	if err != nil {
		return nil, err
	}
	policy, err := shm.PolicyByName(c.Versions)
	if err != nil {
		return nil, err
	}
	cmp, err := shm.CompareByName(c.Compare)
	if err != nil {
		return nil, err
	}
	return []shm.Option{shm.WithLayout(layout), shm.WithVersionPolicy(policy), shm.WithCompare(cmp)}, nil
}

// RegistryOptions returns the registry options. extra is appended to the
// region options, e.g. for observers.
func (c *Config) RegistryOptions(log logr.Logger, observer registry.Observer, extra ...shm.Option) (registry.Options, error) {
	backend, err := c.NewBackend()
	if err != nil {
		return registry.Options{}, err
	}
	opts, err := c.RegionOptions()
	if err != nil {
		return registry.Options{}, err
	}
	return registry.Options{
		Backend:       backend,
		RegionOptions: append(opts, extra...),
		TextPath:      c.Registry.TextPath,
		ExportEnv:     c.Registry.ExportEnv,
		PollInterval:  c.Registry.PollInterval,
		Logger:        log,
		Observer:      observer,
	}, nil
}

// RefresherOptions returns the options of a reading registry's refresher.
func (c *Config) RefresherOptions(log logr.Logger) registry.RefresherOptions {
	return registry.RefresherOptions{
		TextPath: c.Registry.TextPath,
		Interval: c.Registry.RefreshInterval,
		Logger:   log,
	}
}

// PipelineOptions returns the consumer options.
func (c *Config) PipelineOptions(log logr.Logger, observer stream.Observer) stream.PipelineOptions {
	return stream.PipelineOptions{
		Workers:      c.Stream.Workers,
		PollInterval: c.Stream.PollInterval,
		Logger:       log,
		Observer:     observer,
	}
}

// UploaderOptions returns the uploader and producer options.
func (c *Config) UploaderOptions(log logr.Logger, observer stream.Observer) (stream.UploaderOptions, error) {
	policy, err := shm.PolicyByName(c.Stream.UploadVersions)
	if err != nil {
		return stream.UploaderOptions{}, err
	}
	return stream.UploaderOptions{
		Threshold:   c.Stream.Threshold,
		ChunkSize:   c.Stream.ChunkSize,
		BufferCount: c.Stream.BufferCount,
		Versions:    policy,
		Producer: stream.ProducerOptions{
			PollInterval:        c.Stream.PollInterval,
			BackpressureTimeout: c.Stream.BackpressureTimeout,
			Logger:              log,
			Observer:            observer,
		},
		Logger: log,
	}, nil
}

// DefaultLogger returns the process logger.
func DefaultLogger() logr.Logger { return logging.Default() }
