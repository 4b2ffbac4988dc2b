package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/storyplayer/storyplayer/pkg/hosts"
	"github.com/storyplayer/storyplayer/pkg/stores"
)

func newHostsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "Inspect hosts recorded by earlier runs",
		Long: `Hosts created by test environments are recorded in the run history
database (storyplayer.history). These commands read that record.`,
	}

	cmd.AddCommand(newHostsListCommand())
	cmd.AddCommand(newHostsForgetCommand())

	return cmd
}

func newHostsListCommand() *cobra.Command {
	var (
		role        string
		environment string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded hosts",
		Example: `  # List every host
  storyplayer hosts list

  # List the web servers of the staging environment as JSON
  storyplayer hosts list --role web --environment staging --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHostRegistry(cmd.Context(), func(registry *hosts.Registry) error {
				var matched []*hosts.Descriptor
				for _, d := range registry.ListHosts() {
					if role != "" && !d.HasRole(role) {
						continue
					}
					if environment != "" && d.Environment != environment {
						continue
					}
					matched = append(matched, d)
				}
				sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

				if jsonOutput {
					return writeJSON(os.Stdout, matched)
				}
				return printHosts(matched)
			})
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "only hosts with this role")
	cmd.Flags().StringVar(&environment, "environment", "", "only hosts of this test environment")

	return cmd
}

func newHostsForgetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <host-id>...",
		Short: "Remove hosts from the record without touching the machines",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHostRegistry(cmd.Context(), func(registry *hosts.Registry) error {
				for _, id := range args {
					if err := registry.RemoveHost(cmd.Context(), id); err != nil {
						return err
					}
					fmt.Printf("Forgot host %s\n", id)
				}
				return nil
			})
		},
	}
}

func withHostRegistry(ctx context.Context, fn func(*hosts.Registry) error) error {
	store, err := openHistoryOrFail(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := hosts.NewRegistry(hosts.WithPersister(store))
	if err := registry.Load(ctx); err != nil {
		return err
	}
	return fn(registry)
}

// openHistoryOrFail opens the run history and fails when it is disabled.
func openHistoryOrFail(ctx context.Context) (*stores.SQLiteStore, error) {
	_, settings, err := loadConfig(configOptions{})
	if err != nil {
		return nil, err
	}
	store, err := openHistory(ctx, settings)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("run history is disabled; set storyplayer.history.enabled to true")
	}
	return store, nil
}

func printHosts(list []*hosts.Descriptor) error {
	if len(list) == 0 {
		fmt.Println("No hosts recorded.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBACKEND\tTYPE\tENVIRONMENT\tADDRESS\tROLES\tPROVISIONED")
	for _, d := range list {
		address := d.IPAddress
		if address == "" {
			address = d.DNSName
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%v\n",
			d.ID, d.Backend, d.Type, d.Environment, address, strings.Join(d.Roles, ","), d.Provisioned)
	}
	return w.Flush()
}
