package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/srediag/shmregion/pkg/shm"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <name>",
	Short: "Publish a payload into a registered region",
	Long: `Publish a payload read from --file or standard input into a region
registered by another process.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		version, _ := cmd.Flags().GetUint64("version")

		var data []byte
		var err error
		if file != "" {
			data, err = os.ReadFile(file)
		} else {
			data, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return err
		}

		reg, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer closeRegistry(cmd, reg)
		region, err := reg.Open(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		w := shm.NewWriter(region)
		var res shm.WriteResult
		if version > 0 {
			res, err = w.WriteVersion(data, version)
		} else {
			res, err = w.Write(data)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version=%d length=%d\n", res.Version, res.Length)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(writeCmd)
	writeCmd.Flags().StringP("file", "f", "", "payload file, standard input when empty")
	writeCmd.Flags().Uint64("version", 0, "explicit version, the region policy when zero")
}
