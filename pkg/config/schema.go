package config

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/storyplayer/storyplayer/pkg/engine"
)

// NamespaceSections lists the extension point sections that, when present,
// must hold an ordered list of namespace names.
var NamespaceSections = []string{
	"phases.namespaces",
	"prose.namespaces",
	"reports.namespaces",
}

// ValidateNamespaces checks every namespace section of t.
func ValidateNamespaces(t *Tree) error {
	for _, path := range NamespaceSections {
		v, err := t.Lookup(path)
		if err != nil {
			if engine.HasCode(err, engine.ErrCodePathNotFound) {
				continue
			}
			return engine.NewInvalidConfigError(fmt.Sprintf("'%s' is not reachable", path), err).WithResource(path)
		}
		if _, err := stringList(path, v); err != nil {
			return engine.NewInvalidConfigError(fmt.Sprintf("'%s' must be a list of strings", path), err).WithResource(path)
		}
	}
	return nil
}

// Namespaces returns the namespace list at section, or nil when absent.
func Namespaces(t *Tree, section string) ([]string, error) {
	path := section + ".namespaces"
	if !t.Has(path) {
		return nil, nil
	}
	names, err := t.GetStrings(path)
	if err != nil {
		return nil, engine.NewInvalidConfigError(fmt.Sprintf("'%s' must be a list of strings", path), err).WithResource(path)
	}
	return names, nil
}

// SchemaValidator checks a resolved tree against CUE schemas.
type SchemaValidator struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	order   []string
	mu      sync.RWMutex
}

// NewSchemaValidator returns a validator holding the built-in storyplayer schema.
func NewSchemaValidator() *SchemaValidator {
	sv := &SchemaValidator{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sv.RegisterSchema("storyplayer", builtinSchema); err != nil {
		panic(err)
	}
	return sv
}

// RegisterSchema compiles and adds a schema. Later validations unify the tree
// with every registered schema in registration order.
func (sv *SchemaValidator) RegisterSchema(name, schema string) error {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	val := sv.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	if _, ok := sv.schemas[name]; !ok {
		sv.order = append(sv.order, name)
	}
	sv.schemas[name] = val
	return nil
}

// Validate unifies t with every registered schema.
// Violations are reported as one InvalidConfig error.
func (sv *SchemaValidator) Validate(t *Tree) error {
	sv.mu.RLock()
	defer sv.mu.RUnlock()

	data := sv.ctx.Encode(t.ToPlain())
	if err := data.Err(); err != nil {
		return engine.NewInvalidConfigError("cannot encode configuration for validation", err)
	}

	for _, name := range sv.order {
		unified := sv.schemas[name].Unify(data)
		if err := unified.Validate(cue.Concrete(true)); err != nil {
			msgs := describeCUEErrors(err)
			return engine.NewInvalidConfigError(
				fmt.Sprintf("configuration does not match schema %s: %s", name, strings.Join(msgs, "; ")), err).
				WithDetail("violations", msgs)
		}
	}
	return nil
}

func describeCUEErrors(err error) []string {
	var msgs []string
	for _, e := range cueerrors.Errors(err) {
		path := strings.Join(e.Path(), ".")
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		if path != "" {
			msg = path + ": " + msg
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		msgs = append(msgs, err.Error())
	}
	return msgs
}

const builtinSchema = `
phases?: {
	namespaces?: [...string]
	[!~"^namespaces$"]: {[string]: bool}
}

prose?: namespaces?: [...string]
reports?: namespaces?: [...string]

configs?: [string]: [...string]

storyplayer?: {
	logLevel?: "trace" | "debug" | "info" | "warn" | "error"
	runtime?: {
		backend?: "file" | "sqlite" | "redis"
		...
	}
	...
}

environments?: [string]: {
	groups?: [...{
		backend: string
		machines?: [string]: {
			roles?: [...string]
			...
		}
		...
	}]
	...
}
`
