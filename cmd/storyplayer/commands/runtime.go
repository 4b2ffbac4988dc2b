package commands

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
)

func newRuntimeCommand() *cobra.Command {
	var backend string

	cmd := &cobra.Command{
		Use:   "runtime",
		Short: "Inspect or edit the runtime table",
		Long: `The runtime table holds state that stories and test environments leave
behind for later runs, such as screen sessions started on hosts.`,
	}
	cmd.PersistentFlags().StringVar(&backend, "runtime-store", "", "runtime table backend: file, sqlite or redis (default from config)")

	list := &cobra.Command{
		Use:   "list [parent]",
		Short: "Show the runtime table, or one parent of it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, settings, err := loadConfig(configOptions{})
			if err != nil {
				return err
			}
			table, closer, err := openRuntime(cmd.Context(), settings, backend)
			if err != nil {
				return err
			}
			defer closer()

			snapshot := table.Snapshot()
			if len(args) == 1 {
				items := table.GetTable(args[0])
				if items == nil {
					return fmt.Errorf("runtime table has no parent '%s'", args[0])
				}
				snapshot = map[string]map[string]interface{}{args[0]: items}
			}

			if jsonOutput {
				return writeJSON(os.Stdout, snapshot)
			}
			parents := make([]string, 0, len(snapshot))
			for p := range snapshot {
				parents = append(parents, p)
			}
			sort.Strings(parents)
			for _, p := range parents {
				fmt.Printf("%s:\n", p)
				keys := make([]string, 0, len(snapshot[p]))
				for k := range snapshot[p] {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Printf("  %s: %v\n", k, snapshot[p][k])
				}
			}
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove <parent> <key>",
		Short: "Remove one entry from the runtime table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, settings, err := loadConfig(configOptions{})
			if err != nil {
				return err
			}
			table, closer, err := openRuntime(cmd.Context(), settings, backend)
			if err != nil {
				return err
			}
			defer closer()

			if err := table.RemoveItem(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Removed %s/%s\n", args[0], args[1])
			return nil
		},
	}

	cmd.AddCommand(list, remove)
	return cmd
}
