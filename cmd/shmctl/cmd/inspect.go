package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/srediag/shmregion/pkg/shm"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect [name...]",
	Short: "Show the header of registered regions",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		reg, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer closeRegistry(cmd, reg)

		infos := reg.Stat(cmd.Context())
		names := args
		if len(names) == 0 {
			names = reg.Regions()
		}
		selected := make(map[string]shm.Info, len(names))
		for _, name := range names {
			info, ok := infos[name]
			if !ok {
				loc, _ := reg.Lookup(name)
				info = shm.Info{Name: name, Locator: loc}
			}
			selected[name] = info
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(selected)
		}
		sort.Strings(names)
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tSTATE\tVERSION\tLENGTH\tCAPACITY\tLAYOUT\tLOCATOR")
		for _, name := range names {
			info := selected[name]
			state := "empty"
			switch {
			case info.Capacity == 0:
				state = "pending"
			case info.Initialized:
				state = "data"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
				name, state, info.Version, info.Length, info.PayloadCapacity, info.Layout, info.Locator)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().Bool("json", false, "print JSON")
}
