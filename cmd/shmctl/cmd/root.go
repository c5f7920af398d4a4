package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/srediag/shmregion/internal/logging"
	"github.com/srediag/shmregion/pkg/config"
	"github.com/srediag/shmregion/pkg/registry"
)

var cfg *config.Config

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "shmctl",
	Short: "Inspect and drive shared memory regions",
	Long: `shmctl works with the regions a process publishes in its registry.

The registry text form is found through --registry or SHMREGION_REGISTRY.
serve runs an owning process with an HTTP admin surface.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		c, err := config.Load(path)
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetString("registry"); v != "" {
			c.Registry.TextPath = v
		}
		if v, _ := cmd.Flags().GetString("backend"); v != "" {
			c.Backend = v
		}
		if v, _ := cmd.Flags().GetString("dir"); v != "" {
			c.Dir = v
		}
		if v, _ := cmd.Flags().GetString("log-level"); v != "" {
			c.LogLevel = v
		}
		if err := config.VerifyConfig(c); err != nil {
			return err
		}
		if err := c.ApplyLogLevel(); err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringP("registry", "r", "", "registry text form path")
	rootCmd.PersistentFlags().String("backend", "", "backend: default, file, memfd, heap or named")
	rootCmd.PersistentFlags().String("dir", "", "directory of file backed regions")
	rootCmd.PersistentFlags().String("log-level", "", "log level: trace, debug, info, warn, error or none")
}

func logger() logr.Logger {
	return logging.Default().WithName("shmctl")
}

var errNoRegistry = errors.New("no registry: set --registry or " + registry.EnvTextPath)

// openRegistry returns a reading registry loaded from the configured text
// form. It never writes the text form.
func openRegistry(cmd *cobra.Command) (*registry.Registry, error) {
	if cfg.Registry.TextPath == "" {
		return nil, errNoRegistry
	}
	opts, err := cfg.RegistryOptions(logger(), nil)
	if err != nil {
		return nil, err
	}
	opts.TextPath, opts.ExportEnv = "", false
	reg := registry.New(opts)
	if err := reg.LoadFile(cfg.Registry.TextPath); err != nil {
		reg.Close(context.WithoutCancel(cmd.Context()))
		return nil, fmt.Errorf("load registry: %w", err)
	}
	return reg, nil
}

func closeRegistry(cmd *cobra.Command, reg *registry.Registry) {
	if err := reg.Close(context.WithoutCancel(cmd.Context())); err != nil {
		logger().Error(err, "close registry")
	}
}
