package commands

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]interface{}{
				"version":        version,
				"commit":         commit,
				"build_date":     buildDate,
				"engine_version": EngineVersion,
				"go":             runtime.Version(),
			}
			if jsonOutput {
				return writeJSON(os.Stdout, info)
			}
			fmt.Printf("storyplayer %s (commit: %s, built: %s, engine v%d, %s)\n",
				version, commit, buildDate, EngineVersion, runtime.Version())
			return nil
		},
	}
}
