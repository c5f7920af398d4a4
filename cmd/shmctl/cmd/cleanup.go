package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srediag/shmregion/pkg/shm"
)

// cleanupCmd represents the cleanup command
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove backing files left by processes that are gone",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := shm.ResolveDir(cfg.Dir)
		removed, err := shm.CleanupOrphans(dir)
		for _, path := range removed {
			fmt.Fprintln(cmd.OutOrStdout(), "removed", path)
		}
		if err != nil {
			return err
		}
		logger().V(0).Info("cleanup done", "dir", dir, "removed", len(removed))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}
