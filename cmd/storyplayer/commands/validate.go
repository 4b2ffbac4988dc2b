package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/storyplayer/storyplayer/pkg/config"
	"github.com/storyplayer/storyplayer/pkg/engine"
	"github.com/storyplayer/storyplayer/pkg/providers/host"
	"github.com/storyplayer/storyplayer/pkg/scripting"
)

type validateOptions struct {
	configOptions
	environment string
	watch       bool
}

func newValidateCommand() *cobra.Command {
	opts := &validateOptions{}

	cmd := &cobra.Command{
		Use:   "validate [story files or directories...]",
		Short: "Check the configuration and stories without playing them",
		Long: `Validate resolves the configuration exactly as play would and checks it.

This command checks:
  - config file syntax and the built-in schema
  - phase groups name only known handlers
  - the test environment definition, when --env is given
  - every story given loads and declares a name`,
		Example: `  # Validate the configuration in the current project
  storyplayer validate

  # Validate the staging environment and every story
  storyplayer validate -e staging stories/

  # Re-validate whenever a config file changes
  storyplayer validate --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			check := func(ctx context.Context) error {
				return runValidate(ctx, opts, args)
			}
			if err := check(cmd.Context()); err != nil && !opts.watch {
				return err
			} else if err != nil {
				log.Error().Err(err).Msg("configuration is invalid")
			}
			if !opts.watch {
				return nil
			}
			return watchConfig(cmd.Context(), check)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.defines, "define", "D", nil, "set a config value (key=value, repeatable)")
	cmd.Flags().BoolVar(&opts.useSauceLabs, "usesaucelabs", false, "run browsers on SauceLabs")
	cmd.Flags().StringVarP(&opts.environment, "env", "e", "", "test environment to check")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "re-validate when config files change")

	return cmd
}

func runValidate(ctx context.Context, opts *validateOptions, paths []string) error {
	tree, settings, err := loadConfig(opts.configOptions)
	if err != nil {
		return err
	}
	if err := config.ValidateNamespaces(tree); err != nil {
		return err
	}

	groups, err := config.PhaseGroups(tree)
	if err != nil {
		return err
	}
	if _, err := engine.NewPipeline(groups); err != nil {
		return err
	}

	if opts.environment != "" {
		envGroups, err := host.ParseGroups(tree, opts.environment)
		if err != nil {
			return err
		}
		log.Info().Str("environment", opts.environment).Int("groups", len(envGroups)).Msg("environment is valid")
	}

	stories := 0
	if len(paths) > 0 {
		loaded, err := scripting.NewLoader().LoadStories(ctx, paths...)
		if err != nil {
			return err
		}
		stories = len(loaded)
	}

	if jsonOutput {
		return writeJSON(os.Stdout, map[string]interface{}{
			"valid":           true,
			"runtime_backend": settings.Runtime.Backend,
			"history":         settings.History.Enabled,
			"stories":         stories,
		})
	}
	fmt.Printf("Configuration is valid (runtime store: %s, history: %v, stories: %d)\n",
		settings.Runtime.Backend, settings.History.Enabled, stories)
	return nil
}

// watchConfig runs check after every config change until ctx is cancelled.
func watchConfig(ctx context.Context, check func(ctx context.Context) error) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	roots, err := config.SearchRoots(config.DefaultConfig(cwd))
	if err != nil {
		return err
	}
	if configPath != "" {
		roots = append(roots, configPath)
	}

	w, err := config.NewWatcher(roots, config.DefaultFilePattern, check)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	<-ctx.Done()
	return nil
}
