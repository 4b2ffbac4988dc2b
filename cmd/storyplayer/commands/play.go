package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/storyplayer/storyplayer/pkg/config"
	"github.com/storyplayer/storyplayer/pkg/console"
	"github.com/storyplayer/storyplayer/pkg/engine"
	"github.com/storyplayer/storyplayer/pkg/hosts"
	hostmodule "github.com/storyplayer/storyplayer/pkg/modules/host"
	"github.com/storyplayer/storyplayer/pkg/policy"
	"github.com/storyplayer/storyplayer/pkg/providers/host"
	"github.com/storyplayer/storyplayer/pkg/scripting"
	"github.com/storyplayer/storyplayer/pkg/telemetry"
)

// EngineVersion is compared against a story's required_version.
const EngineVersion = 2

const (
	projectURL = "https://github.com/storyplayer/storyplayer"
	copyright  = "Copyright (c) the Storyplayer authors"
	license    = "Released under the BSD 3-Clause license"
)

type playOptions struct {
	configOptions
	environment  string
	runtimeStore string
	script       string
	timeout      time.Duration
	verbosity    int
}

func newPlayCommand(version string) *cobra.Command {
	opts := &playOptions{}

	cmd := &cobra.Command{
		Use:   "play [story files or directories...]",
		Short: "Play stories against a test environment",
		Long: `Play loads every story (.star file) under the given paths and runs them
one at a time. The test environment is built before the first story and
destroyed after the last one. Interrupting the run lets the current story
finish, then runs the userAbort phases.

With --script, a single script is run through the script phase group instead.`,
		Example: `  # Play every story under stories/ against the staging environment
  storyplayer play -e staging stories/

  # Override config values
  storyplayer play -D storyplayer.logLevel=debug -D browser=firefox stories/smoke.star

  # Share the runtime table through Redis
  storyplayer play --runtime-store redis -e ci stories/

  # Run a script
  storyplayer play --script scripts/reset-fixtures.star`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.script == "" && len(args) == 0 {
				return fmt.Errorf("no stories given")
			}
			return runPlay(cmd.Context(), version, opts, args)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.defines, "define", "D", nil, "set a config value (key=value, repeatable)")
	cmd.Flags().BoolVar(&opts.useSauceLabs, "usesaucelabs", false, "run browsers on SauceLabs (same as -D "+config.UseSauceLabsDefine+")")
	cmd.Flags().StringVarP(&opts.environment, "env", "e", "", "test environment to build from environments.<name>")
	cmd.Flags().StringVar(&opts.runtimeStore, "runtime-store", "", "runtime table backend: file, sqlite or redis (default from config)")
	cmd.Flags().StringVar(&opts.script, "script", "", "run a script instead of stories")
	cmd.Flags().DurationVar(&opts.timeout, "callback-timeout", scripting.DefaultTimeout, "limit for a single story callback")
	cmd.Flags().CountVarP(&opts.verbosity, "dev", "d", "increase console detail (repeatable)")

	return cmd
}

func runPlay(ctx context.Context, version string, opts *playOptions, paths []string) error {
	tree, settings, err := loadConfig(opts.configOptions)
	if err != nil {
		return err
	}

	tel, err := telemetry.NewTelemetry(&settings.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		if shutdownErr := tel.Shutdown(context.WithoutCancel(ctx)); shutdownErr != nil {
			log.Warn().Err(shutdownErr).Msg("telemetry shutdown failed")
		}
	}()
	if settings.Telemetry.Metrics.ListenAddress != "" {
		if err := tel.Metrics.StartMetricsServer(ctx); err != nil {
			return err
		}
	}
	ctx = tel.WithContext(ctx)

	history, err := openHistory(ctx, settings)
	if err != nil {
		return err
	}
	hostOpts := []hosts.Option{hosts.WithMetrics(tel.Metrics)}
	var recorder engine.ResultRecorder
	if history != nil {
		defer history.Close()
		hostOpts = append(hostOpts, hosts.WithPersister(history))
		recorder = history
	}
	registry := hosts.NewRegistry(hostOpts...)
	if err := registry.Load(ctx); err != nil {
		return fmt.Errorf("failed to load known hosts: %w", err)
	}

	table, closeRuntime, err := openRuntime(ctx, settings, opts.runtimeStore)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeRuntime(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("failed to close runtime store")
		}
	}()

	blacklist, err := loadPolicies(ctx, settings)
	if err != nil {
		return err
	}

	catalog := engine.ModuleCatalog{}
	hostmodule.Register(catalog, registry)
	namespaces, err := config.Namespaces(tree, "prose")
	if err != nil {
		return err
	}
	modules, err := engine.LoadModuleRegistry(catalog, namespaces)
	if err != nil {
		return err
	}

	groups, err := config.PhaseGroups(tree)
	if err != nil {
		return err
	}
	pipeline, err := engine.NewPipeline(groups)
	if err != nil {
		return err
	}

	ec := engine.NewContext(uuid.NewString())
	ec.EngineVersion = EngineVersion
	ec.Config = tree
	ec.Hosts = registry
	ec.Runtime = table
	ec.Blacklist = blacklist
	ec.Modules = modules
	ec.Telemetry = tel

	if opts.environment != "" {
		env, err := loadEnvironment(tree, opts.environment, registry, tel)
		if err != nil {
			return err
		}
		ec.Environment = env
	}

	out := console.New(os.Stdout,
		console.WithVerbosity(opts.verbosity),
		console.WithEnvironment(opts.environment))
	ec.Reporter = out

	loader := scripting.NewLoader(scripting.WithTimeout(opts.timeout))
	runner := engine.NewRunner(pipeline, recorder)

	log.Info().
		Str("run_id", ec.RunID).
		Str("environment", opts.environment).
		Strs("prose_namespaces", namespaces).
		Msg("starting run")

	if opts.script != "" {
		script, err := loader.LoadScript(opts.script)
		if err != nil {
			return err
		}
		ec.Script = script
		out.StartStoryplayer(version, projectURL, copyright, license)
		result := runner.PlayScript(ctx, ec)
		if !result.Succeeded {
			if result.Failure == nil {
				return fmt.Errorf("script %s failed", opts.script)
			}
			return fmt.Errorf("script %s failed: %w", opts.script, result.Failure.Cause)
		}
		return nil
	}

	stories, err := loader.LoadStories(ctx, paths...)
	if err != nil {
		return err
	}

	out.StartStoryplayer(version, projectURL, copyright, license)
	summary, err := runner.Play(ctx, ec, stories)
	if summary != nil {
		reportSummary(summary)
	}
	if err != nil {
		return err
	}
	if !summary.Succeeded() {
		return errors.New("one or more stories did not pass")
	}
	return nil
}

func loadPolicies(ctx context.Context, settings *config.Settings) (*policy.Engine, error) {
	var opts []policy.Option
	if len(settings.Policy.Data) > 0 {
		opts = append(opts, policy.WithData(map[string]interface{}{"storyplayer": settings.Policy.Data}))
	}
	eng, err := policy.NewEngine(log.Logger, opts...)
	if err != nil {
		return nil, err
	}
	if len(settings.Policy.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, settings.Policy.Paths); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// loadEnvironment builds the named environment with the backends configured
// under storyplayer.backends.
func loadEnvironment(tree *config.Tree, name string, registry *hosts.Registry, tel *telemetry.Telemetry) (*host.Environment, error) {
	var backendSettings map[string]interface{}
	if tree.Has("storyplayer.backends") {
		m, err := tree.GetMap("storyplayer.backends")
		if err != nil {
			return nil, err
		}
		backendSettings = m
	}
	backends := host.NewDefaultRegistry(host.Deps{Registry: registry, Telemetry: tel}, backendSettings)
	return host.LoadEnvironment(tree, name, backends, registry)
}

func reportSummary(summary *engine.RunSummary) {
	if jsonOutput {
		if err := writeJSON(os.Stdout, summary); err != nil {
			log.Warn().Err(err).Msg("failed to write summary")
		}
		return
	}

	counts := summary.Counts()
	fmt.Printf("\nRun %s: %d stories played", summary.RunID, len(summary.Results))
	for _, outcome := range []engine.Outcome{
		engine.OutcomePass, engine.OutcomeFail, engine.OutcomeError,
		engine.OutcomeIncomplete, engine.OutcomeBlacklisted,
	} {
		if n := counts[outcome]; n > 0 {
			fmt.Printf(", %d %s", n, outcome)
		}
	}
	if summary.NotPlayed > 0 {
		fmt.Printf(", %d not played", summary.NotPlayed)
	}
	fmt.Println()
	if summary.Aborted {
		fmt.Println("Run was aborted.")
	}
}
