package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/storyplayer/storyplayer/pkg/config"
	"github.com/storyplayer/storyplayer/pkg/runtime"
	"github.com/storyplayer/storyplayer/pkg/stores"
)

// configOptions are the switches that change how the tree is resolved.
type configOptions struct {
	defines      []string
	useSauceLabs bool
}

// loadConfig resolves the configuration for the working directory and
// decodes the tool's own settings from it.
func loadConfig(opts configOptions) (*config.Tree, *config.Settings, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	defines := opts.defines
	if opts.useSauceLabs {
		defines = append(defines, config.UseSauceLabsDefine)
	}
	overrides, err := config.ParseDefines(defines)
	if err != nil {
		return nil, nil, err
	}

	resolverOpts := []config.ResolverOption{
		config.WithSchema(config.NewSchemaValidator()),
		config.WithLogger(log.Logger),
	}
	if configPath != "" {
		resolverOpts = append(resolverOpts, config.WithFiles(configPath))
	}

	tree, err := config.NewResolver(resolverOpts...).Load(cwd, overrides)
	if err != nil {
		return nil, nil, err
	}
	settings, err := config.LoadSettings(tree)
	if err != nil {
		return nil, nil, err
	}
	return tree, settings, nil
}

// openSQLite opens and migrates the database at path.
func openSQLite(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// openHistory returns the run history store, or nil when history is disabled.
func openHistory(ctx context.Context, settings *config.Settings) (*stores.SQLiteStore, error) {
	if !settings.History.Enabled {
		return nil, nil
	}
	store, err := openSQLite(ctx, settings.History.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}
	return store, nil
}

// openRuntime opens the runtime table on the configured backend. backend
// overrides the configured one when not empty. The returned closer releases
// the backend's connection.
func openRuntime(ctx context.Context, settings *config.Settings, backend string) (*runtime.Table, func() error, error) {
	rs := settings.Runtime
	if backend == "" {
		backend = rs.Backend
	}

	var (
		store  runtime.Store
		closer = func() error { return nil }
	)
	switch backend {
	case "file":
		store = runtime.NewFileStore(rs.Path)
	case "sqlite":
		db, err := openSQLite(ctx, rs.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open runtime database: %w", err)
		}
		store, closer = db.RuntimeStore(), db.Close
	case "redis":
		if rs.RedisAddress == "" {
			return nil, nil, fmt.Errorf("runtime backend redis needs storyplayer.runtime.redisAddress")
		}
		var opts []runtime.RedisOption
		if rs.RedisPrefix != "" {
			opts = append(opts, runtime.WithPrefix(rs.RedisPrefix))
		}
		rds := runtime.NewRedisStore(rs.RedisAddress, rs.RedisPassword, rs.RedisDB, opts...)
		if err := rds.Ping(ctx); err != nil {
			_ = rds.Close()
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", rs.RedisAddress, err)
		}
		store, closer = rds, rds.Close
	default:
		return nil, nil, fmt.Errorf("unknown runtime store '%s' (want file, sqlite or redis)", backend)
	}

	table, err := runtime.Open(ctx, store)
	if err != nil {
		_ = closer()
		return nil, nil, err
	}
	return table, closer, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
