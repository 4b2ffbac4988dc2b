package scripting

import (
	"context"
	"fmt"
	"os"

	"github.com/storyplayer/storyplayer/pkg/engine"
	"go.starlark.net/starlark"
)

// Script is a standalone .star file played by the script phase group.
// Its top level runs with sp available; a `main` function, if defined,
// is then called.
type Script struct {
	Filename string

	loader *Loader
	src    []byte
}

// LoadScript reads and compiles filename.
func (l *Loader) LoadScript(filename string) (*Script, error) {
	src, err := os.ReadFile(filename)
	if err != nil {
		return nil, engine.NewInvalidConfigError(fmt.Sprintf("cannot read script %s", filename), err).
			WithResource(filename)
	}
	return l.NewScript(filename, src)
}

// NewScript compiles src.
func (l *Loader) NewScript(filename string, src []byte) (*Script, error) {
	if err := l.Compile(filename, src); err != nil {
		return nil, err
	}
	return &Script{Filename: filename, loader: l, src: src}, nil
}

// RunScript implements engine.ScriptRunner.
func (s *Script) RunScript(ctx context.Context, ec *engine.Context) error {
	ec.Logf(engine.LogLevelInfo, "running script %s", s.Filename)

	globals, err := s.loader.exec(ctx, ec, s.Filename, s.src)
	if err != nil {
		return err
	}

	v, ok := globals["main"]
	if !ok {
		return nil
	}
	fn, ok := v.(starlark.Callable)
	if !ok {
		return engine.NewInvalidConfigError(fmt.Sprintf("main must be a function, got %s", v.Type()), nil).
			WithResource(s.Filename)
	}
	_, err = s.loader.call(ctx, ec, s.Filename, fn)
	return err
}

var _ engine.ScriptRunner = (*Script)(nil)
