package host

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/storyplayer/storyplayer/pkg/engine"
	"github.com/storyplayer/storyplayer/pkg/hosts"
)

// BackendEC2 is the name of the EC2 backend.
const BackendEC2 = "ec2"

// EC2 instance states.
const (
	InstanceStatePending    = "pending"
	InstanceStateRunning    = "running"
	InstanceStateStopping   = "stopping"
	InstanceStateStopped    = "stopped"
	InstanceStateTerminated = "terminated"
)

// Instance is the part of an EC2 instance the backend needs.
type Instance struct {
	ID            string
	State         string
	PublicDNSName string
	PublicIP      string
}

// RunInstanceInput describes the instance to launch.
type RunInstanceInput struct {
	ImageID        string
	InstanceType   string
	KeyName        string
	SecurityGroups []string
}

// InstanceAPI is the slice of the EC2 API used by the backend.
type InstanceAPI interface {
	RunInstance(ctx context.Context, in RunInstanceInput) (*Instance, error)
	TagInstance(ctx context.Context, instanceID string, tags map[string]string) error

	// DescribeInstance returns nil and no error when the instance does not exist.
	DescribeInstance(ctx context.Context, instanceID string) (*Instance, error)

	// FindInstanceByName returns the newest non-terminated instance tagged Name=name, or nil.
	FindInstanceByName(ctx context.Context, name string) (*Instance, error)

	StartInstance(ctx context.Context, instanceID string) error
	StopInstance(ctx context.Context, instanceID string) error
	TerminateInstance(ctx context.Context, instanceID string) error
}

// EC2Params are the provisioning parameters of one EC2 machine.
type EC2Params struct {
	Name          string `mapstructure:"name" validate:"required"`
	Environment   string `mapstructure:"environment" validate:"required"`
	OSName        string `mapstructure:"osName" validate:"required"`
	AMIID         string `mapstructure:"amiId" validate:"required"`
	SecurityGroup string `mapstructure:"securityGroup" validate:"required"`
	KeyPair       string `mapstructure:"keyPair"`
	InstanceType  string `mapstructure:"instanceType"`
}

// EC2Options tune the EC2 backend's waits.
type EC2Options struct {
	// Running is the wait for an instance to boot.
	Running Poll `mapstructure:"running"`

	// Stopped is the wait for an instance to shut down.
	Stopped Poll `mapstructure:"stopped"`

	// Terminated is the wait for an instance to go away.
	Terminated Poll `mapstructure:"terminated"`
}

// DefaultEC2Options returns the standard waits.
func DefaultEC2Options() EC2Options {
	return EC2Options{
		Running:    Poll{Interval: 10 * time.Second, MaxAttempts: 10},
		Stopped:    Poll{Interval: 10 * time.Second, MaxAttempts: 18},
		Terminated: Poll{Interval: 10 * time.Second, MaxAttempts: 10},
	}
}

// EC2Backend manages hosts as EC2 instances.
type EC2Backend struct {
	unsupported
	api      InstanceAPI
	deps     Deps
	opts     EC2Options
	logger   zerolog.Logger
	lookupIP func(ctx context.Context, host string) ([]string, error)
}

// NewEC2Backend returns an EC2 backend using api.
func NewEC2Backend(api InstanceAPI, deps Deps, opts EC2Options) *EC2Backend {
	return &EC2Backend{
		unsupported: unsupported{backend: BackendEC2},
		api:         api,
		deps:        deps,
		opts:        opts,
		logger:      deps.logger(BackendEC2),
		lookupIP:    net.DefaultResolver.LookupHost,
	}
}

// Name implements Backend.
func (b *EC2Backend) Name() string { return BackendEC2 }

// CreateHost launches one instance per machine of group.
func (b *EC2Backend) CreateHost(ctx context.Context, group *GroupSpec) error {
	if len(group.Machines) == 0 {
		return engine.NewMissingParameterError("machines", "createHost").WithResource(group.Environment)
	}
	for _, m := range group.Machines {
		err := instrument(ctx, b.deps, BackendEC2, "createHost", m.ID, func(ctx context.Context) error {
			return b.createOne(ctx, group, m)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *EC2Backend) createOne(ctx context.Context, group *GroupSpec, m MachineSpec) error {
	params := group.MachineParams(m)
	if _, ok := params["environment"]; !ok && group.Environment != "" {
		params["environment"] = group.Environment
	}

	var p EC2Params
	if err := decodeParams(params, &p, "createHost", m.ID); err != nil {
		return err
	}
	if p.InstanceType == "" {
		p.InstanceType = "t1.micro"
	}

	// EC2 accounts are shared between environments
	ec2Name := p.Environment + "." + m.ID
	logger := b.logger.With().Str("host_id", m.ID).Str("ec2_name", ec2Name).Logger()
	logger.Info().Str("ami", p.AMIID).Msg("provisioning EC2 VM")

	existing, err := b.api.FindInstanceByName(ctx, ec2Name)
	if err != nil {
		return engine.NewActionFailedError(fmt.Sprintf("cannot look up EC2 VM '%s'", ec2Name), err).WithResource(m.ID)
	}
	if existing != nil && existing.State != InstanceStateTerminated {
		logger.Info().Str("instance_id", existing.ID).Msg("destroying VM left from an earlier run")
		if err := b.terminate(ctx, m.ID, existing.ID); err != nil {
			return err
		}
	}

	if err := b.deps.Registry.RemoveHost(ctx, m.ID); err != nil {
		return err
	}

	inst, err := b.api.RunInstance(ctx, RunInstanceInput{
		ImageID:        p.AMIID,
		InstanceType:   p.InstanceType,
		KeyName:        p.KeyPair,
		SecurityGroups: []string{p.SecurityGroup},
	})
	if err != nil {
		return engine.NewActionFailedError(fmt.Sprintf("VM failed to provision: %v", err), err).WithResource(m.ID)
	}
	if err := b.api.TagInstance(ctx, inst.ID, map[string]string{"Name": ec2Name}); err != nil {
		return engine.NewActionFailedError(fmt.Sprintf("cannot tag instance '%s'", inst.ID), err).WithResource(m.ID)
	}

	latest, err := b.waitForState(ctx, m.ID, inst.ID, InstanceStateRunning, b.opts.Running)
	if err != nil {
		logger.Error().Err(err).Str("instance_id", inst.ID).Msg("VM failed to start")
		return err
	}

	d := &hosts.Descriptor{
		ID:          m.ID,
		Backend:     BackendEC2,
		Type:        hosts.TypeEC2VM,
		Environment: p.Environment,
		Roles:       m.Roles,
		Params:      params,
		InstanceID:  inst.ID,
		Name:        ec2Name,
		DNSName:     latest.PublicDNSName,
		Extra:       map[string]string{"osName": p.OSName},
	}
	ip, err := b.resolve(ctx, m.ID, latest)
	if err != nil {
		return err
	}
	d.IPAddress = ip
	d.Provisioned = true

	if err := b.deps.Registry.AddHost(ctx, m.ID, d); err != nil {
		return err
	}
	logger.Info().Str("ip", ip).Msg("VM successfully started")
	return nil
}

// StartHost implements Backend.
func (b *EC2Backend) StartHost(ctx context.Context, hostID string) error {
	return instrument(ctx, b.deps, BackendEC2, "startHost", hostID, func(ctx context.Context) error {
		d, err := b.descriptor(hostID, "startHost")
		if err != nil {
			return err
		}
		inst, err := b.api.DescribeInstance(ctx, d.InstanceID)
		if err != nil {
			return engine.NewActionFailedError("cannot query VM status", err).WithResource(hostID)
		}
		if inst != nil && inst.State == InstanceStateRunning {
			b.logger.Info().Str("host_id", hostID).Msg("VM is already running")
			return nil
		}

		if err := b.api.StartInstance(ctx, d.InstanceID); err != nil {
			return engine.NewActionFailedError(fmt.Sprintf("VM failed to start: %v", err), err).WithResource(hostID)
		}
		latest, err := b.waitForState(ctx, hostID, d.InstanceID, InstanceStateRunning, b.opts.Running)
		if err != nil {
			return err
		}

		// the address changes across a stop/start
		ip, err := b.resolve(ctx, hostID, latest)
		if err != nil {
			return err
		}
		b.logger.Info().Str("host_id", hostID).Str("ip", ip).Msg("VM successfully started")
		return b.deps.Registry.UpdateHost(ctx, hostID, func(d *hosts.Descriptor) {
			d.DNSName = latest.PublicDNSName
			d.IPAddress = ip
		})
	})
}

// StopHost implements Backend.
func (b *EC2Backend) StopHost(ctx context.Context, hostID string) error {
	return instrument(ctx, b.deps, BackendEC2, "stopHost", hostID, func(ctx context.Context) error {
		d, err := b.descriptor(hostID, "stopHost")
		if err != nil {
			return err
		}
		inst, err := b.api.DescribeInstance(ctx, d.InstanceID)
		if err != nil {
			return engine.NewActionFailedError("cannot query VM status", err).WithResource(hostID)
		}
		if inst == nil || inst.State != InstanceStateRunning {
			b.logger.Info().Str("host_id", hostID).Msg("VM was already stopped or destroyed")
			return nil
		}

		if err := b.api.StopInstance(ctx, d.InstanceID); err != nil {
			return engine.NewActionFailedError(fmt.Sprintf("VM failed to stop: %v", err), err).WithResource(hostID)
		}
		if _, err := b.waitForState(ctx, hostID, d.InstanceID, InstanceStateStopped, b.opts.Stopped); err != nil {
			return err
		}
		b.logger.Info().Str("host_id", hostID).Msg("VM successfully stopped")
		return nil
	})
}

// RestartHost stops then starts the host. The first failing step is returned.
func (b *EC2Backend) RestartHost(ctx context.Context, hostID string) error {
	if err := b.StopHost(ctx, hostID); err != nil {
		return err
	}
	return b.StartHost(ctx, hostID)
}

// PowerOffHost is StopHost; EC2 has no separate power state.
func (b *EC2Backend) PowerOffHost(ctx context.Context, hostID string) error {
	return b.StopHost(ctx, hostID)
}

// DestroyHost terminates the instance, waits for it to go, then forgets the host.
func (b *EC2Backend) DestroyHost(ctx context.Context, hostID string) error {
	return instrument(ctx, b.deps, BackendEC2, "destroyHost", hostID, func(ctx context.Context) error {
		d, err := b.descriptor(hostID, "destroyHost")
		if err != nil {
			return err
		}
		inst, err := b.api.DescribeInstance(ctx, d.InstanceID)
		if err != nil {
			return engine.NewActionFailedError("cannot query VM status", err).WithResource(hostID)
		}
		if inst == nil || inst.State == InstanceStateTerminated {
			b.logger.Info().Str("host_id", hostID).Msg("VM was already stopped or destroyed")
			return b.deps.Registry.RemoveHost(ctx, hostID)
		}

		if err := b.terminate(ctx, hostID, d.InstanceID); err != nil {
			return err
		}
		return b.deps.Registry.RemoveHost(ctx, hostID)
	})
}

// IsRunning implements Backend.
func (b *EC2Backend) IsRunning(ctx context.Context, hostID string) (bool, error) {
	d, err := b.descriptor(hostID, "isRunning")
	if err != nil {
		return false, err
	}
	inst, err := b.api.DescribeInstance(ctx, d.InstanceID)
	if err != nil {
		return false, engine.NewActionFailedError("cannot query VM status", err).WithResource(hostID)
	}
	return inst != nil && inst.State == InstanceStateRunning, nil
}

// DetermineIPAddress resolves the instance's public DNS name.
func (b *EC2Backend) DetermineIPAddress(ctx context.Context, hostID string) (string, error) {
	d, err := b.descriptor(hostID, "determineIpAddress")
	if err != nil {
		return "", err
	}
	inst, err := b.api.DescribeInstance(ctx, d.InstanceID)
	if err != nil {
		return "", engine.NewActionFailedError("cannot query VM", err).WithResource(hostID)
	}
	if inst == nil {
		return "", engine.NewActionFailedError(fmt.Sprintf("instance '%s' does not exist", d.InstanceID), nil).WithResource(hostID)
	}
	return b.resolve(ctx, hostID, inst)
}

func (b *EC2Backend) descriptor(hostID, operation string) (*hosts.Descriptor, error) {
	d, err := ownedHost(b.deps.Registry, hostID, BackendEC2, operation)
	if err != nil {
		return nil, err
	}
	if d.InstanceID == "" {
		return nil, engine.NewMissingParameterError("instanceId", operation).WithResource(hostID)
	}
	return d, nil
}

func (b *EC2Backend) terminate(ctx context.Context, hostID, instanceID string) error {
	if err := b.api.TerminateInstance(ctx, instanceID); err != nil {
		return engine.NewActionFailedError(fmt.Sprintf("VM failed to terminate: %v", err), err).WithResource(hostID)
	}
	_, err := b.waitForState(ctx, hostID, instanceID, InstanceStateTerminated, b.opts.Terminated)
	return err
}

func (b *EC2Backend) waitForState(ctx context.Context, hostID, instanceID, want string, poll Poll) (*Instance, error) {
	var latest *Instance
	attempts, err := poll.Until(ctx, hostID, want, func(ctx context.Context) (bool, error) {
		inst, err := b.api.DescribeInstance(ctx, instanceID)
		if err != nil {
			return false, engine.NewActionFailedError("cannot query VM status", err).WithResource(hostID)
		}
		if inst == nil {
			// a terminated instance eventually disappears altogether
			return want == InstanceStateTerminated, nil
		}
		latest = inst
		return inst.State == want, nil
	})
	b.deps.telemetry(ctx).Metrics.RecordPollAttempts(BackendEC2, want, attempts)
	if err != nil {
		return nil, err
	}
	return latest, nil
}

func (b *EC2Backend) resolve(ctx context.Context, hostID string, inst *Instance) (string, error) {
	if inst == nil || inst.PublicDNSName == "" {
		if inst != nil && inst.PublicIP != "" {
			return inst.PublicIP, nil
		}
		return "", engine.NewActionFailedError("EC2 VM has no public DNS name - is the VM broken?", nil).WithResource(hostID)
	}
	addrs, err := b.lookupIP(ctx, inst.PublicDNSName)
	if err != nil || len(addrs) == 0 {
		return "", engine.NewActionFailedError(
			fmt.Sprintf("unable to convert hostname '%s' into an IP address", inst.PublicDNSName), err).WithResource(hostID)
	}
	return addrs[0], nil
}
