package cmd

import (
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/cobra"

	"github.com/srediag/shmregion/pkg/shm"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <name>",
	Short: "Print the payload of a region",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		digest, _ := cmd.Flags().GetBool("digest")
		since, _ := cmd.Flags().GetUint64("since")

		reg, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer closeRegistry(cmd, reg)
		region, err := reg.Open(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		snap, err := region.ReadSince(since)
		if err != nil {
			return err
		}
		switch snap.Status {
		case shm.StatusEmpty:
			return fmt.Errorf("region %s is empty", args[0])
		case shm.StatusUnchanged:
			fmt.Fprintf(cmd.ErrOrStderr(), "version %d unchanged\n", snap.Version)
			return nil
		}

		if digest {
			fmt.Fprintf(cmd.OutOrStdout(), "version=%d length=%d xxhash=%016x\n", snap.Version, len(snap.Data), xxhash.Sum64(snap.Data))
			return nil
		}
		if out != "" {
			return os.WriteFile(out, snap.Data, 0o644)
		}
		_, err = cmd.OutOrStdout().Write(snap.Data)
		return err
	},
}

func init() {
	rootCmd.AddCommand(readCmd)
	readCmd.Flags().StringP("out", "o", "", "write the payload to a file")
	readCmd.Flags().Bool("digest", false, "print version, length and xxhash instead of the payload")
	readCmd.Flags().Uint64("since", 0, "report unchanged when the version equals this one")
}
