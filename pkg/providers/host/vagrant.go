package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/storyplayer/storyplayer/pkg/engine"
	"github.com/storyplayer/storyplayer/pkg/hosts"
)

// BackendVagrant is the name of the local Vagrant backend.
const BackendVagrant = "vagrant"

// vagrantNATAddress is the address VirtualBox gives every guest's NAT interface.
const vagrantNATAddress = "10.0.2.15"

// CommandRunner runs a local program.
// A non-zero exit is reported in the result, not as an error.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (*CommandResult, error)
}

// ExecRunner runs programs with os/exec.
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (*CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	result := &CommandResult{Output: out.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return result, nil
}

// VagrantParams are the parameters of one Vagrant machine.
type VagrantParams struct {
	// Dir is the directory holding the Vagrantfile.
	Dir       string `mapstructure:"dir" validate:"required"`
	OSName    string `mapstructure:"osName" validate:"required"`
	IPAddress string `mapstructure:"ipAddress" validate:"omitempty,ip"`
}

// VagrantOptions tune the Vagrant backend.
type VagrantOptions struct {
	// Binary is the vagrant executable.
	Binary string `mapstructure:"binary"`

	// Running is the wait for a machine to report running after "up".
	Running Poll `mapstructure:"running"`
}

// DefaultVagrantOptions returns the standard settings.
func DefaultVagrantOptions() VagrantOptions {
	return VagrantOptions{
		Binary:  "vagrant",
		Running: Poll{Interval: 5 * time.Second, MaxAttempts: 12},
	}
}

// VagrantBackend manages hosts as local Vagrant machines.
type VagrantBackend struct {
	runner CommandRunner
	deps   Deps
	opts   VagrantOptions
	logger zerolog.Logger
}

// NewVagrantBackend returns a Vagrant backend running commands through runner.
func NewVagrantBackend(runner CommandRunner, deps Deps, opts VagrantOptions) *VagrantBackend {
	if runner == nil {
		runner = ExecRunner{}
	}
	if opts.Binary == "" {
		opts.Binary = "vagrant"
	}
	return &VagrantBackend{
		runner: runner,
		deps:   deps,
		opts:   opts,
		logger: deps.logger(BackendVagrant),
	}
}

// Name implements Backend.
func (b *VagrantBackend) Name() string { return BackendVagrant }

// CreateHost brings up one machine per entry of group.
func (b *VagrantBackend) CreateHost(ctx context.Context, group *GroupSpec) error {
	if len(group.Machines) == 0 {
		return engine.NewMissingParameterError("machines", "createHost").WithResource(group.Environment)
	}
	for _, m := range group.Machines {
		err := instrument(ctx, b.deps, BackendVagrant, "createHost", m.ID, func(ctx context.Context) error {
			return b.createOne(ctx, group, m)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *VagrantBackend) createOne(ctx context.Context, group *GroupSpec, m MachineSpec) error {
	params := group.MachineParams(m)
	var p VagrantParams
	if err := decodeParams(params, &p, "createHost", m.ID); err != nil {
		return err
	}

	if err := b.deps.Registry.RemoveHost(ctx, m.ID); err != nil {
		return err
	}

	// start from a clean machine
	if _, err := b.vagrant(ctx, p.Dir, m.ID, "destroyHost", "destroy", "-f", m.ID); err != nil {
		return err
	}
	if _, err := b.vagrant(ctx, p.Dir, m.ID, "createHost", "up", m.ID); err != nil {
		return err
	}

	d := &hosts.Descriptor{
		ID:          m.ID,
		Backend:     BackendVagrant,
		Type:        hosts.TypeVagrantVM,
		Environment: group.Environment,
		Roles:       m.Roles,
		Params:      params,
		Name:        m.ID,
		Extra:       map[string]string{"dir": p.Dir, "osName": p.OSName},
	}
	if err := b.waitRunning(ctx, d); err != nil {
		return err
	}

	ip := p.IPAddress
	if ip == "" {
		var err error
		if ip, err = b.guestAddress(ctx, d); err != nil {
			return err
		}
	}
	d.IPAddress = ip
	d.Provisioned = true

	if err := b.deps.Registry.AddHost(ctx, m.ID, d); err != nil {
		return err
	}
	b.logger.Info().Str("host_id", m.ID).Str("ip", ip).Msg("VM successfully started")
	return nil
}

// StartHost implements Backend.
func (b *VagrantBackend) StartHost(ctx context.Context, hostID string) error {
	return instrument(ctx, b.deps, BackendVagrant, "startHost", hostID, func(ctx context.Context) error {
		d, err := b.descriptor(hostID, "startHost")
		if err != nil {
			return err
		}
		state, err := b.state(ctx, d)
		if err != nil {
			return err
		}
		if state == "running" {
			b.logger.Info().Str("host_id", hostID).Msg("VM is already running")
			return nil
		}
		if _, err := b.vagrant(ctx, d.Extra["dir"], hostID, "startHost", "up", hostID); err != nil {
			return err
		}
		return b.waitRunning(ctx, d)
	})
}

// StopHost implements Backend.
func (b *VagrantBackend) StopHost(ctx context.Context, hostID string) error {
	return instrument(ctx, b.deps, BackendVagrant, "stopHost", hostID, func(ctx context.Context) error {
		d, err := b.descriptor(hostID, "stopHost")
		if err != nil {
			return err
		}
		state, err := b.state(ctx, d)
		if err != nil {
			return err
		}
		if state != "running" {
			b.logger.Info().Str("host_id", hostID).Msg("VM was already stopped or destroyed")
			return nil
		}
		_, err = b.vagrant(ctx, d.Extra["dir"], hostID, "stopHost", "halt", hostID)
		return err
	})
}

// RestartHost stops then starts the host.
func (b *VagrantBackend) RestartHost(ctx context.Context, hostID string) error {
	if err := b.StopHost(ctx, hostID); err != nil {
		return err
	}
	return b.StartHost(ctx, hostID)
}

// PowerOffHost forces the machine off without a clean shutdown.
func (b *VagrantBackend) PowerOffHost(ctx context.Context, hostID string) error {
	return instrument(ctx, b.deps, BackendVagrant, "powerOffHost", hostID, func(ctx context.Context) error {
		d, err := b.descriptor(hostID, "powerOffHost")
		if err != nil {
			return err
		}
		_, err = b.vagrant(ctx, d.Extra["dir"], hostID, "powerOffHost", "halt", "--force", hostID)
		return err
	})
}

// DestroyHost destroys the machine and forgets it.
func (b *VagrantBackend) DestroyHost(ctx context.Context, hostID string) error {
	return instrument(ctx, b.deps, BackendVagrant, "destroyHost", hostID, func(ctx context.Context) error {
		d, err := b.descriptor(hostID, "destroyHost")
		if err != nil {
			return err
		}
		if _, err := b.vagrant(ctx, d.Extra["dir"], hostID, "destroyHost", "destroy", "-f", hostID); err != nil {
			return err
		}
		return b.deps.Registry.RemoveHost(ctx, hostID)
	})
}

// IsRunning implements Backend.
func (b *VagrantBackend) IsRunning(ctx context.Context, hostID string) (bool, error) {
	d, err := b.descriptor(hostID, "isRunning")
	if err != nil {
		return false, err
	}
	state, err := b.state(ctx, d)
	if err != nil {
		return false, err
	}
	return state == "running", nil
}

// DetermineIPAddress asks the guest for its addresses.
func (b *VagrantBackend) DetermineIPAddress(ctx context.Context, hostID string) (string, error) {
	d, err := b.descriptor(hostID, "determineIpAddress")
	if err != nil {
		return "", err
	}
	return b.guestAddress(ctx, d)
}

// RunCommandAgainstHostManager runs "vagrant <args>" in the host's directory.
func (b *VagrantBackend) RunCommandAgainstHostManager(ctx context.Context, hostID string, args []string) (*CommandResult, error) {
	d, err := b.descriptor(hostID, "runCommandAgainstHostManager")
	if err != nil {
		return nil, err
	}
	return b.runner.Run(ctx, d.Extra["dir"], b.opts.Binary, args...)
}

// RunCommandViaHostManager runs command inside the guest with "vagrant ssh -c".
func (b *VagrantBackend) RunCommandViaHostManager(ctx context.Context, hostID, command string) (*CommandResult, error) {
	d, err := b.descriptor(hostID, "runCommandViaHostManager")
	if err != nil {
		return nil, err
	}
	return b.runner.Run(ctx, d.Extra["dir"], b.opts.Binary, "ssh", hostID, "-c", command)
}

func (b *VagrantBackend) descriptor(hostID, operation string) (*hosts.Descriptor, error) {
	d, err := ownedHost(b.deps.Registry, hostID, BackendVagrant, operation)
	if err != nil {
		return nil, err
	}
	if d.Extra["dir"] == "" {
		return nil, engine.NewMissingParameterError("dir", operation).WithResource(hostID)
	}
	return d, nil
}

// vagrant runs a vagrant sub-command and turns a non-zero exit into ActionFailed.
func (b *VagrantBackend) vagrant(ctx context.Context, dir, hostID, operation string, args ...string) (*CommandResult, error) {
	res, err := b.runner.Run(ctx, dir, b.opts.Binary, args...)
	if err != nil {
		return nil, engine.NewActionFailedError(fmt.Sprintf("cannot run vagrant %s", args[0]), err).
			WithResource(hostID).
			WithOperation(operation)
	}
	if !res.Succeeded() {
		return nil, engine.NewActionFailedError(
			fmt.Sprintf("vagrant %s failed with exit code %d", args[0], res.ExitCode), nil).
			WithResource(hostID).
			WithOperation(operation).
			WithDetail("output", strings.TrimSpace(res.Output))
	}
	return res, nil
}

// state returns the machine state reported by "vagrant status --machine-readable".
func (b *VagrantBackend) state(ctx context.Context, d *hosts.Descriptor) (string, error) {
	res, err := b.vagrant(ctx, d.Extra["dir"], d.ID, "isRunning", "status", "--machine-readable", d.ID)
	if err != nil {
		return "", err
	}
	return parseMachineState(res.Output, d.ID), nil
}

func (b *VagrantBackend) waitRunning(ctx context.Context, d *hosts.Descriptor) error {
	attempts, err := b.opts.Running.Until(ctx, d.ID, "running", func(ctx context.Context) (bool, error) {
		state, err := b.state(ctx, d)
		if err != nil {
			return false, err
		}
		return state == "running", nil
	})
	b.deps.telemetry(ctx).Metrics.RecordPollAttempts(BackendVagrant, "running", attempts)
	return err
}

func (b *VagrantBackend) guestAddress(ctx context.Context, d *hosts.Descriptor) (string, error) {
	res, err := b.vagrant(ctx, d.Extra["dir"], d.ID, "determineIpAddress", "ssh", d.ID, "-c", "hostname -I")
	if err != nil {
		return "", err
	}
	for _, field := range strings.Fields(res.Output) {
		ip := net.ParseIP(field)
		if ip == nil || ip.To4() == nil || field == vagrantNATAddress {
			continue
		}
		return field, nil
	}
	return "", engine.NewActionFailedError(
		fmt.Sprintf("unable to determine IP address of VM '%s'", d.ID), nil).WithResource(d.ID)
}

// parseMachineState picks the state line for machine out of machine-readable
// status output: "timestamp,target,state,value".
func parseMachineState(output, machine string) string {
	for _, line := range strings.Split(output, "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), ",", 4)
		if len(parts) < 4 || parts[2] != "state" {
			continue
		}
		if parts[1] == machine || parts[1] == "" {
			return parts[3]
		}
	}
	return ""
}

var (
	_ Backend = (*VagrantBackend)(nil)
	_ Backend = (*BlackboxBackend)(nil)
	_ Backend = (*EC2Backend)(nil)
)
