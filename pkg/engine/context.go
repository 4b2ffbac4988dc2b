package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/storyplayer/storyplayer/pkg/telemetry"
)

// Context is the shared execution context handed to every phase handler,
// story callback and helper module. Collaborators are injected explicitly.
type Context struct {
	RunID         string
	EngineVersion int

	Config      Config
	Hosts       HostRegistry
	Runtime     RuntimeTable
	Environment Environment
	Blacklist   BlacklistChecker
	Script      ScriptRunner
	Modules     *ModuleRegistry
	Reporter    Reporter
	Telemetry   *telemetry.Telemetry

	// Story and Checkpoint are reset by the pipeline for every story.
	Story      *Story
	Checkpoint *Checkpoint

	log *PhaseLog

	mu        sync.Mutex
	instances map[string]interface{}
}

// NewContext returns a context with the no-op reporter, telemetry and an empty module registry.
func NewContext(runID string) *Context {
	return &Context{
		RunID:      runID,
		Modules:    NewModuleRegistry(),
		Reporter:   NopReporter{},
		Telemetry:  telemetry.Nop(),
		Checkpoint: NewCheckpoint(),
		log:        NewPhaseLog(),
		instances:  make(map[string]interface{}),
	}
}

// PhaseLog returns the activity buffer.
func (ec *Context) PhaseLog() *PhaseLog {
	if ec.log == nil {
		ec.log = NewPhaseLog()
	}
	return ec.log
}

// Logf buffers an activity message under the current phase and forwards it
// to the reporter and the structured logger.
func (ec *Context) Logf(level LogLevel, format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	entry := ec.PhaseLog().Add(level, text)
	if ec.Reporter != nil {
		ec.Reporter.Activity(ec.PhaseLog().Current(), entry)
	}
	if ec.Telemetry != nil && ec.Telemetry.Logger != nil {
		zl := ec.Telemetry.Logger.Zerolog()
		zl.WithLevel(zerologLevel(level)).
			Str("phase", ec.PhaseLog().Current()).
			Msg(text)
	}
}

// HostsWithRole returns the ids of hosts tagged with role.
func (ec *Context) HostsWithRole(role string) []string {
	if ec.Hosts == nil {
		return nil
	}
	return ec.Hosts.HostsWithRole(role)
}

// Module returns the per-story instance of a helper module, creating it on first use.
// Unknown names fail with ModuleNotFound.
func (ec *Context) Module(name string) (interface{}, error) {
	ec.mu.Lock()
	inst, ok := ec.instances[name]
	ec.mu.Unlock()
	if ok {
		return inst, nil
	}

	if ec.Modules == nil {
		return nil, NewModuleNotFoundError(name)
	}
	factory, err := ec.Modules.Lookup(name)
	if err != nil {
		return nil, err
	}
	inst, err = factory(ec)
	if err != nil {
		return nil, fmt.Errorf("failed to create module %s: %w", name, err)
	}

	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.instances == nil {
		ec.instances = make(map[string]interface{})
	}
	ec.instances[name] = inst
	return inst, nil
}

// UseModule returns the named module as T.
func UseModule[T any](ec *Context, name string) (T, error) {
	var zero T
	inst, err := ec.Module(name)
	if err != nil {
		return zero, err
	}
	typed, ok := inst.(T)
	if !ok {
		return zero, NewPermanentError(fmt.Sprintf("module %s has type %T", name, inst), nil).
			WithCode(ErrCodeTypeMismatch).
			WithResource(name)
	}
	return typed, nil
}

// Shutdowner is implemented by modules holding resources across a story.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// resetModules drops every module instance, returning those that need shutting down.
func (ec *Context) resetModules() []Shutdowner {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	names := make([]string, 0, len(ec.instances))
	for name := range ec.instances {
		names = append(names, name)
	}
	sort.Strings(names)

	var closers []Shutdowner
	for _, name := range names {
		if s, ok := ec.instances[name].(Shutdowner); ok {
			closers = append(closers, s)
		}
	}
	ec.instances = make(map[string]interface{})
	return closers
}

// shutdownModules shuts down every live module, continuing past failures.
func (ec *Context) shutdownModules(ctx context.Context) error {
	var errs []error
	for _, s := range ec.resetModules() {
		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func zerologLevel(level LogLevel) zerolog.Level {
	switch {
	case level <= LogLevelError:
		return zerolog.ErrorLevel
	case level == LogLevelWarning:
		return zerolog.WarnLevel
	case level <= LogLevelInfo:
		return zerolog.InfoLevel
	case level == LogLevelDebug:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}
