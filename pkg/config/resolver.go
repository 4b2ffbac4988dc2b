package config

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Resolver builds the run's configuration from defaults, discovered files,
// explicitly named files and command line overrides.
type Resolver struct {
	pattern string
	files   []string
	schema  *SchemaValidator
	logger  zerolog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithFilePattern sets the pattern config file names must end with.
func WithFilePattern(pattern string) ResolverOption {
	return func(r *Resolver) {
		r.pattern = pattern
	}
}

// WithFiles adds files merged after every discovered file and before the overrides.
func WithFiles(files ...string) ResolverOption {
	return func(r *Resolver) {
		r.files = append(r.files, files...)
	}
}

// WithSchema replaces the schema validator. Nil disables schema validation.
func WithSchema(sv *SchemaValidator) ResolverOption {
	return func(r *Resolver) {
		r.schema = sv
	}
}

// WithLogger sets the resolver's logger.
func WithLogger(logger zerolog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver returns a resolver using DefaultFilePattern and the built-in schema.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		pattern: DefaultFilePattern,
		schema:  NewSchemaValidator(),
		logger:  log.Logger.With().Str("component", "config").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Discover returns the config files under roots. Files under one root are
// sorted lexically; roots keep the order given.
func (r *Resolver) Discover(roots []string) ([]string, error) {
	var all []string
	for _, root := range roots {
		files, err := FindFiles(root, r.pattern)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			r.logger.Debug().Str("root", root).Msg("no config files found")
		}
		all = append(all, files...)
	}
	return all, nil
}

// Resolve merges defaults, every file found under roots, the resolver's
// extra files and finally overrides. The result is validated before it is
// returned; any failure is InvalidConfig and must stop the run.
func (r *Resolver) Resolve(defaults *Tree, roots []string, overrides *Tree) (*Tree, error) {
	tree := NewTree()
	if defaults != nil {
		tree = defaults.Clone()
	}

	files, err := r.Discover(roots)
	if err != nil {
		return nil, err
	}
	files = append(files, r.files...)

	for _, path := range files {
		layer, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		tree.MergeInto(layer)
		r.logger.Debug().Str("file", path).Msg("merged config file")
	}

	tree.MergeInto(overrides)

	if err := ValidateNamespaces(tree); err != nil {
		return nil, err
	}
	if r.schema != nil {
		if err := r.schema.Validate(tree); err != nil {
			return nil, err
		}
	}

	r.logger.Info().
		Int("files", len(files)).
		Int("roots", len(roots)).
		Msg("configuration resolved")
	return tree, nil
}

// Load resolves the configuration for a project rooted at cwd, searching
// the roots listed in the default "configs" section.
func (r *Resolver) Load(cwd string, overrides *Tree) (*Tree, error) {
	defaults := DefaultConfig(cwd)
	roots, err := SearchRoots(defaults)
	if err != nil {
		return nil, err
	}
	return r.Resolve(defaults, roots, overrides)
}
