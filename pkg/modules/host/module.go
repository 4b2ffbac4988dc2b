package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/storyplayer/storyplayer/pkg/engine"
	"github.com/storyplayer/storyplayer/pkg/hosts"
	backend "github.com/storyplayer/storyplayer/pkg/providers/host"
	"github.com/storyplayer/storyplayer/pkg/transports/ssh"
)

// ModuleName is the name the module is registered under.
const ModuleName = "host"

// Lookup finds host descriptors by id. *hosts.Registry satisfies it.
type Lookup interface {
	GetHost(id string) (*hosts.Descriptor, bool)
}

// DialFunc opens an executor for a host.
type DialFunc func(ctx context.Context, d *hosts.Descriptor) (ssh.Executor, error)

// Module is the per-story instance of the host helper module.
// Connections are opened lazily and closed by Shutdown.
type Module struct {
	ec     *engine.Context
	hosts  Lookup
	dial   DialFunc
	stop   backend.Poll
	logger zerolog.Logger

	mu    sync.Mutex
	conns map[string]ssh.Executor
}

// Option configures a Module.
type Option func(*Module)

// WithDialer replaces ssh.Dial.
func WithDialer(dial DialFunc) Option {
	return func(m *Module) {
		m.dial = dial
	}
}

// WithStopPoll bounds how long StopProcess waits before escalating to SIGKILL.
func WithStopPoll(p backend.Poll) Option {
	return func(m *Module) {
		m.stop = p
	}
}

// New creates a module bound to ec.
func New(ec *engine.Context, lookup Lookup, opts ...Option) *Module {
	m := &Module{
		ec:     ec,
		hosts:  lookup,
		dial:   ssh.Dial,
		stop:   backend.Poll{Interval: defaultStopInterval, MaxAttempts: 10},
		logger: log.Logger.With().Str("module", ModuleName).Logger(),
		conns:  make(map[string]ssh.Executor),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Factory returns the ModuleFactory registered as ModuleName.
func Factory(lookup Lookup, opts ...Option) engine.ModuleFactory {
	return func(ec *engine.Context) (interface{}, error) {
		if lookup == nil {
			return nil, engine.NewInvalidConfigError("host module needs a host registry", nil)
		}
		return New(ec, lookup, opts...), nil
	}
}

// Register adds the module to catalog under the default namespace.
func Register(catalog engine.ModuleCatalog, lookup Lookup, opts ...Option) {
	catalog.Add(engine.DefaultNamespace, ModuleName, Factory(lookup, opts...))
}

func (m *Module) executor(ctx context.Context, hostID string) (ssh.Executor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if exec, ok := m.conns[hostID]; ok {
		return exec, nil
	}

	d, ok := m.hosts.GetHost(hostID)
	if !ok {
		return nil, engine.NewActionFailedError(fmt.Sprintf("unknown host '%s'", hostID), nil).
			WithResource(hostID)
	}

	exec, err := m.dial(ctx, d)
	if err != nil {
		return nil, engine.NewActionFailedError(fmt.Sprintf("cannot connect to host '%s'", hostID), err).
			WithResource(hostID)
	}
	m.conns[hostID] = exec
	return exec, nil
}

// RunCommand runs cmd on the host. A non-zero exit status is not an error.
func (m *Module) RunCommand(ctx context.Context, hostID, cmd string) (*ssh.ExecResult, error) {
	exec, err := m.executor(ctx, hostID)
	if err != nil {
		return nil, err
	}

	m.ec.Logf(engine.LogLevelDebug, "run command on host '%s': %s", hostID, cmd)
	result, err := exec.Run(ctx, cmd)
	if err != nil {
		return nil, engine.NewActionFailedError(fmt.Sprintf("cannot run command on host '%s'", hostID), err).
			WithResource(hostID).
			WithDetail("command", cmd)
	}
	return result, nil
}

// RunCommandOrFail is RunCommand with a non-zero exit status reported as ActionFailed.
func (m *Module) RunCommandOrFail(ctx context.Context, hostID, cmd string) (*ssh.ExecResult, error) {
	result, err := m.RunCommand(ctx, hostID, cmd)
	if err != nil {
		return nil, err
	}
	if !result.Succeeded() {
		return result, engine.NewActionFailedError(
			fmt.Sprintf("command on host '%s' exited with status %d", hostID, result.ExitCode), nil).
			WithResource(hostID).
			WithDetail("command", cmd).
			WithDetail("stderr", result.Stderr)
	}
	return result, nil
}

// UploadFile writes data to remotePath on the host.
func (m *Module) UploadFile(ctx context.Context, hostID string, data []byte, remotePath string, mode os.FileMode) error {
	exec, err := m.executor(ctx, hostID)
	if err != nil {
		return err
	}

	m.ec.Logf(engine.LogLevelDebug, "upload %d bytes to host '%s' at %s", len(data), hostID, remotePath)
	if err := exec.Upload(ctx, data, remotePath, mode); err != nil {
		return engine.NewActionFailedError(fmt.Sprintf("cannot upload %s to host '%s'", remotePath, hostID), err).
			WithResource(hostID)
	}
	return nil
}

// Shutdown closes every open connection.
func (m *Module) Shutdown(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := m.conns[id].Close(); err != nil {
			errs = append(errs, fmt.Errorf("host %s: %w", id, err))
		}
	}
	m.conns = make(map[string]ssh.Executor)
	return errors.Join(errs...)
}

var _ engine.Shutdowner = (*Module)(nil)
