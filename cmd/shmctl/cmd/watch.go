package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/srediag/shmregion/adapter"
	"github.com/srediag/shmregion/pkg/registry"
	"github.com/srediag/shmregion/pkg/shm"
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch [name...]",
	Short: "Print region changes as they happen",
	Long: `Follow the registry text form and print one line per region change.
With --count the command exits after that many changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		reg, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer closeRegistry(cmd, reg)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		refresher := registry.NewRefresher(reg, cfg.RefresherOptions(logger()))
		defer refresher.Close()
		watcher, err := adapter.NewWatcher(cfg.Registry.TextPath, refresher, logger())
		if err != nil {
			return err
		}
		defer watcher.Close()

		wanted := make(map[string]bool, len(args))
		for _, name := range args {
			wanted[name] = true
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return watcher.Run(gctx) })
		g.Go(func() error { return refresher.Run(gctx) })
		g.Go(func() error {
			defer cancel()
			seen := 0
			for count <= 0 || seen < count {
				if gctx.Err() != nil {
					return nil
				}
				change, err := refresher.Next(100 * time.Millisecond)
				if errors.Is(err, shm.ErrTimeout) {
					continue
				}
				if err != nil {
					return err
				}
				if len(wanted) > 0 && !wanted[change.Name] {
					continue
				}
				if change.Removed {
					fmt.Fprintf(cmd.OutOrStdout(), "%s removed\n", change.Name)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s version=%d length=%d\n", change.Name, change.Version, change.Length)
				}
				seen++
			}
			return nil
		})
		err = g.Wait()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Int("count", 0, "exit after this many changes")
	watchCmd.Flags().Duration("timeout", 0, "exit after this long")
}
