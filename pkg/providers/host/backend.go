package host

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/storyplayer/storyplayer/pkg/engine"
	"github.com/storyplayer/storyplayer/pkg/hosts"
	"github.com/storyplayer/storyplayer/pkg/telemetry"
)

// Backend drives one kind of infrastructure through the host lifecycle.
// Operations that make no sense for a backend fail with UnsupportedOperation.
type Backend interface {
	// Name returns the backend kind, e.g. "ec2".
	Name() string

	// CreateHost provisions and registers every machine of group.
	CreateHost(ctx context.Context, group *GroupSpec) error

	// StartHost boots a stopped host. Starting a running host is a no-op.
	StartHost(ctx context.Context, hostID string) error

	// StopHost shuts a host down. Stopping a stopped host is a no-op.
	StopHost(ctx context.Context, hostID string) error

	// RestartHost stops then starts a host.
	RestartHost(ctx context.Context, hostID string) error

	// PowerOffHost cuts power to a host, or stops it where there is no separate power state.
	PowerOffHost(ctx context.Context, hostID string) error

	// DestroyHost releases a host and removes it from the registry.
	DestroyHost(ctx context.Context, hostID string) error

	// IsRunning reports whether the host is up.
	IsRunning(ctx context.Context, hostID string) (bool, error)

	// DetermineIPAddress returns the host's current address.
	DetermineIPAddress(ctx context.Context, hostID string) (string, error)

	// RunCommandAgainstHostManager runs a command of the tool managing the host.
	RunCommandAgainstHostManager(ctx context.Context, hostID string, args []string) (*CommandResult, error)

	// RunCommandViaHostManager runs a shell command on the host through its manager.
	RunCommandViaHostManager(ctx context.Context, hostID, command string) (*CommandResult, error)
}

// CommandResult is the outcome of a command run by or through a host manager.
type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// Succeeded reports whether the command exited with status 0.
func (r *CommandResult) Succeeded() bool {
	return r != nil && r.ExitCode == 0
}

// MachineSpec is one machine of a group as written in the environment config.
type MachineSpec struct {
	ID string

	// Roles is nil when the config does not declare any.
	Roles []string

	Params map[string]interface{}
}

// GroupSpec is a set of machines handled by one backend.
type GroupSpec struct {
	Environment string
	Backend     string
	Params      map[string]interface{}
	Machines    []MachineSpec
}

// MachineParams returns the group parameters overlaid with the machine's own.
func (g *GroupSpec) MachineParams(m MachineSpec) map[string]interface{} {
	out := make(map[string]interface{}, len(g.Params)+len(m.Params))
	for k, v := range g.Params {
		out[k] = v
	}
	for k, v := range m.Params {
		out[k] = v
	}
	return out
}

// Deps are the collaborators shared by every backend of a run.
type Deps struct {
	Registry  *hosts.Registry
	Telemetry *telemetry.Telemetry
}

// telemetry prefers the run's telemetry, then whatever the caller put on ctx.
func (d Deps) telemetry(ctx context.Context) *telemetry.Telemetry {
	if d.Telemetry != nil {
		return d.Telemetry
	}
	if t := telemetry.FromTelemetryContext(ctx); t != nil {
		return t
	}
	return telemetry.Nop()
}

func (d Deps) logger(backend string) zerolog.Logger {
	return log.Logger.With().Str("component", "host").Str("backend", backend).Logger()
}

// instrument runs fn inside a backend span and records call metrics.
func instrument(ctx context.Context, deps Deps, backend, operation, hostID string, fn func(ctx context.Context) error) error {
	tel := deps.telemetry(ctx)
	ctx, span := tel.Tracer.StartBackendSpan(ctx, backend, operation, hostID)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	tel.Metrics.RecordBackendCall(backend, operation, time.Since(start))
	if err != nil {
		tel.Metrics.RecordBackendError(backend, operation, engine.CodeOf(err))
		telemetry.RecordError(span, err)
		zl := telemetry.FromContext(ctx).WithHost(hostID, backend).WithError(err).Zerolog()
		zl.Warn().
			Str("operation", operation).
			Str("trace_id", telemetry.TraceID(ctx)).
			Msg("backend call failed")
		return err
	}
	telemetry.RecordSuccess(span)
	return nil
}

// ownedHost looks up hostID and checks that backend created it.
func ownedHost(registry *hosts.Registry, hostID, backend, operation string) (*hosts.Descriptor, error) {
	d, ok := registry.GetHost(hostID)
	if !ok {
		return nil, engine.NewPathNotFoundError("hosts." + hostID).WithOperation(operation)
	}
	if d.Backend != backend {
		return nil, engine.NewInvalidConfigError(
			fmt.Sprintf("host '%s' belongs to backend '%s', not '%s'", hostID, d.Backend, backend), nil).
			WithResource(hostID).
			WithOperation(operation)
	}
	return d, nil
}

// unsupported implements every operation as UnsupportedOperation.
// Backends embed it and override what they support.
type unsupported struct {
	backend string
}

func (u unsupported) StartHost(context.Context, string) error {
	return engine.NewUnsupportedOperationError("startHost", u.backend)
}

func (u unsupported) StopHost(context.Context, string) error {
	return engine.NewUnsupportedOperationError("stopHost", u.backend)
}

func (u unsupported) RestartHost(context.Context, string) error {
	return engine.NewUnsupportedOperationError("restartHost", u.backend)
}

func (u unsupported) PowerOffHost(context.Context, string) error {
	return engine.NewUnsupportedOperationError("powerOffHost", u.backend)
}

func (u unsupported) IsRunning(context.Context, string) (bool, error) {
	return false, engine.NewUnsupportedOperationError("isRunning", u.backend)
}

func (u unsupported) DetermineIPAddress(context.Context, string) (string, error) {
	return "", engine.NewUnsupportedOperationError("determineIpAddress", u.backend)
}

func (u unsupported) RunCommandAgainstHostManager(context.Context, string, []string) (*CommandResult, error) {
	return nil, engine.NewUnsupportedOperationError("runCommandAgainstHostManager", u.backend)
}

func (u unsupported) RunCommandViaHostManager(context.Context, string, string) (*CommandResult, error) {
	return nil, engine.NewUnsupportedOperationError("runCommandViaHostManager", u.backend)
}
