package scripting

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/storyplayer/storyplayer/pkg/config"
	"github.com/storyplayer/storyplayer/pkg/engine"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultTimeout bounds a single top-level execution or callback.
const DefaultTimeout = 5 * time.Minute

// Loader turns .star files into stories and scripts.
type Loader struct {
	timeout     time.Duration
	logger      zerolog.Logger
	predeclared starlark.StringDict
}

// Option configures a Loader.
type Option func(*Loader)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// NewLoader creates a loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		timeout: DefaultTimeout,
		logger:  log.Logger.With().Str("component", "scripting").Logger(),
		predeclared: starlark.StringDict{
			"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
			"sp":     newSPModule(),
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// newThread returns a thread bound to ctx and ec; done must be called when
// the thread is finished with. ec may be nil while a story file is loaded.
func (l *Loader) newThread(ctx context.Context, ec *engine.Context, name string) (*starlark.Thread, func()) {
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			if ec != nil {
				ec.Logf(engine.LogLevelInfo, "%s", msg)
				return
			}
			l.logger.Info().Str("file", name).Msg(msg)
		},
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	thread.SetLocal(localContext, ctx)
	if ec != nil {
		thread.SetLocal(localExec, ec)
	}
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	return thread, func() {
		stop()
		cancel()
	}
}

// callError turns a Starlark failure into an engine error. Errors raised by sp
// builtins keep their own code; anything else is an ActionFailed.
func callError(thread *starlark.Thread, filename string, err error) error {
	if err == nil {
		return nil
	}

	var trail []string
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		for _, fr := range evalErr.CallStack {
			trail = append(trail, fmt.Sprintf("%s in %s", fr.Pos, fr.Name))
		}
	}

	if raised, ok := thread.Local(localError).(error); ok {
		var ee *engine.EngineError
		if errors.As(raised, &ee) {
			if len(trail) > 0 {
				ee.Trail = trail
			}
			return ee
		}
		return fmt.Errorf("%s: %w", filename, raised)
	}

	ee := engine.NewActionFailedError(fmt.Sprintf("%s: %v", filename, err), err).WithResource(filename)
	if len(trail) > 0 {
		ee.Trail = trail
	}
	return ee
}

// exec runs src at top level.
func (l *Loader) exec(ctx context.Context, ec *engine.Context, filename string, src []byte) (starlark.StringDict, error) {
	thread, done := l.newThread(ctx, ec, filename)
	defer done()

	globals, err := starlark.ExecFile(thread, filename, src, l.predeclared)
	if err != nil {
		var evalErr *starlark.EvalError
		if !errors.As(err, &evalErr) {
			return nil, engine.NewInvalidConfigError(fmt.Sprintf("cannot compile %s", filename), err).
				WithResource(filename)
		}
		return nil, callError(thread, filename, err)
	}
	return globals, nil
}

// call invokes fn on a fresh thread.
func (l *Loader) call(ctx context.Context, ec *engine.Context, filename string, fn starlark.Callable) (starlark.Value, error) {
	thread, done := l.newThread(ctx, ec, filename)
	defer done()

	v, err := starlark.Call(thread, fn, nil, nil)
	if err != nil {
		return nil, callError(thread, filename, err)
	}
	return v, nil
}

// Compile checks src for syntax and resolution errors without running it.
func (l *Loader) Compile(filename string, src []byte) error {
	if _, _, err := starlark.SourceProgram(filename, src, l.predeclared.Has); err != nil {
		return engine.NewInvalidConfigError(fmt.Sprintf("cannot compile %s", filename), err).
			WithResource(filename)
	}
	return nil
}

// FindStories returns the .star files below each path, each path's files
// sorted lexically.
func FindStories(paths ...string) ([]string, error) {
	var files []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return nil, engine.NewInvalidConfigError(fmt.Sprintf("cannot read stories from %s", p), err).
				WithResource(p)
		}
		found, err := config.FindFiles(p, `\.star`)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}
	return files, nil
}
