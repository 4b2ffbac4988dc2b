package host

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/storyplayer/storyplayer/pkg/engine"
	"github.com/storyplayer/storyplayer/pkg/hosts"
)

// BackendBlackbox is the name of the static registration backend.
const BackendBlackbox = "blackbox"

// BlackboxParams are the optional parameters of a static machine.
type BlackboxParams struct {
	IPAddress string `mapstructure:"ipAddress" validate:"omitempty,ip"`
	Hostname  string `mapstructure:"hostname"`
	OSName    string `mapstructure:"osName"`
}

// BlackboxBackend registers machines that already exist and are managed
// outside the test run. It only records them; it never touches the machines.
type BlackboxBackend struct {
	unsupported
	deps   Deps
	logger zerolog.Logger
}

// NewBlackboxBackend returns a static registration backend.
func NewBlackboxBackend(deps Deps) *BlackboxBackend {
	return &BlackboxBackend{
		unsupported: unsupported{backend: BackendBlackbox},
		deps:        deps,
		logger:      deps.logger(BackendBlackbox),
	}
}

// Name implements Backend.
func (b *BlackboxBackend) Name() string { return BackendBlackbox }

// CreateHost registers every machine of group as a provisioned physical host.
// The whole group is checked before the registry is touched.
func (b *BlackboxBackend) CreateHost(ctx context.Context, group *GroupSpec) error {
	return instrument(ctx, b.deps, BackendBlackbox, "createHost", group.Environment, func(ctx context.Context) error {
		if len(group.Machines) == 0 {
			return engine.NewMissingParameterError("machines", "createHost").WithResource(group.Environment)
		}

		decoded := make([]BlackboxParams, len(group.Machines))
		for i, m := range group.Machines {
			if m.Roles == nil {
				return engine.NewMissingParameterError("machines."+m.ID+".roles", "createHost").WithResource(m.ID)
			}
			if err := decodeParams(group.MachineParams(m), &decoded[i], "createHost", m.ID); err != nil {
				return err
			}
		}

		for i, m := range group.Machines {
			if err := b.deps.Registry.RemoveHost(ctx, m.ID); err != nil {
				return err
			}

			p := decoded[i]
			d := &hosts.Descriptor{
				ID:          m.ID,
				Backend:     BackendBlackbox,
				Type:        hosts.TypePhysicalHost,
				Environment: group.Environment,
				Roles:       m.Roles,
				Params:      group.MachineParams(m),
				Name:        p.Hostname,
				IPAddress:   p.IPAddress,
				DNSName:     p.Hostname,
				Provisioned: true,
			}
			if p.OSName != "" {
				d.Extra = map[string]string{"osName": p.OSName}
			}
			if err := b.deps.Registry.AddHost(ctx, m.ID, d); err != nil {
				return err
			}
			b.logger.Info().Str("host_id", m.ID).Strs("roles", m.Roles).Msg("registered physical host")
		}
		return nil
	})
}

// DestroyHost forgets the host. The machine itself is left alone.
func (b *BlackboxBackend) DestroyHost(ctx context.Context, hostID string) error {
	return instrument(ctx, b.deps, BackendBlackbox, "destroyHost", hostID, func(ctx context.Context) error {
		if _, known := b.deps.Registry.GetHost(hostID); known {
			if _, err := ownedHost(b.deps.Registry, hostID, BackendBlackbox, "destroyHost"); err != nil {
				return err
			}
		}
		if err := b.deps.Registry.RemoveHost(ctx, hostID); err != nil {
			return err
		}
		b.logger.Info().Str("host_id", hostID).Msg("deregistered physical host")
		return nil
	})
}
