package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "storyplayer",
		Short: "Storyplayer - story-based functional test runner",
		Long: `Storyplayer plays test stories against a test environment.

Each story runs through a fixed sequence of phases (setup, prediction,
inspection, action, post-test inspection, teardown) while the test
environment is built before the first story and destroyed after the last.

Features:
  - Layered JSON/YAML configuration with -D overrides
  - Stories and scripts written in Starlark
  - EC2, Vagrant and pre-existing (blackbox) test environments
  - Runtime table shared between runs (file, SQLite or Redis)
  - Rego policies deciding which stories may run where`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "additional config file, merged after the discovered ones")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newPlayCommand(version))
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHostsCommand())
	rootCmd.AddCommand(newRuntimeCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
