package hosts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/storyplayer/storyplayer/pkg/engine"
	"github.com/storyplayer/storyplayer/pkg/telemetry"
)

// Persister keeps host descriptors across runs.
type Persister interface {
	SaveHost(ctx context.Context, d *Descriptor) error
	DeleteHost(ctx context.Context, id string) error
	ListHosts(ctx context.Context) ([]*Descriptor, error)
}

// Registry maps host ids to descriptors and role names to host ids.
// One registry is shared by every backend of a run.
type Registry struct {
	mu      sync.RWMutex
	hosts   map[string]*Descriptor
	roles   map[string]map[string]struct{}
	store   Persister
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithPersister saves every change through p.
func WithPersister(p Persister) Option {
	return func(r *Registry) {
		r.store = p
	}
}

// WithMetrics reports the number of registered hosts.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		hosts:  make(map[string]*Descriptor),
		roles:  make(map[string]map[string]struct{}),
		logger: log.Logger.With().Str("component", "hosts").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load fills the registry from its persister, replacing nothing already present.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	stored, err := r.store.ListHosts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load hosts: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range stored {
		if _, ok := r.hosts[d.ID]; ok {
			continue
		}
		r.hosts[d.ID] = d.Clone()
		for _, role := range d.Roles {
			r.addRoleLocked(d.ID, role)
		}
	}
	r.reportLocked()
	return nil
}

// AddHost stores d under id. Any earlier entry for id and all of its role
// memberships are dropped first; d's own roles are then indexed.
func (r *Registry) AddHost(ctx context.Context, id string, d *Descriptor) error {
	if id == "" {
		return engine.NewMissingParameterError("id", "addHost")
	}
	if d == nil {
		return engine.NewMissingParameterError("descriptor", "addHost").WithResource(id)
	}

	entry := d.Clone()
	entry.ID = id
	now := r.now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	r.mu.Lock()
	r.removeLocked(id)
	r.hosts[id] = entry
	for _, role := range entry.Roles {
		r.addRoleLocked(id, role)
	}
	r.reportLocked()
	r.mu.Unlock()

	r.logger.Debug().
		Str("host_id", id).
		Str("backend", entry.Backend).
		Strs("roles", entry.Roles).
		Msg("host registered")

	if r.store != nil {
		if err := r.store.SaveHost(ctx, entry.Clone()); err != nil {
			return fmt.Errorf("failed to persist host %s: %w", id, err)
		}
	}
	return nil
}

// UpdateHost applies fn to the stored descriptor for id.
// Role changes made by fn are not reindexed; use AddHostToRole.
func (r *Registry) UpdateHost(ctx context.Context, id string, fn func(d *Descriptor)) error {
	r.mu.Lock()
	d, ok := r.hosts[id]
	if !ok {
		r.mu.Unlock()
		return engine.NewPathNotFoundError("hosts." + id).WithOperation("updateHost")
	}
	roles := append([]string(nil), d.Roles...)
	fn(d)
	d.ID = id
	d.Roles = roles
	d.UpdatedAt = r.now()
	snapshot := d.Clone()
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveHost(ctx, snapshot); err != nil {
			return fmt.Errorf("failed to persist host %s: %w", id, err)
		}
	}
	return nil
}

// RemoveHost deletes the entry for id and prunes it from every role.
// Removing an unknown host is not an error.
func (r *Registry) RemoveHost(ctx context.Context, id string) error {
	r.mu.Lock()
	existed := r.removeLocked(id)
	r.reportLocked()
	r.mu.Unlock()

	if !existed {
		r.logger.Debug().Str("host_id", id).Msg("host not registered, nothing to remove")
		return nil
	}
	r.logger.Debug().Str("host_id", id).Msg("host removed")

	if r.store != nil {
		if err := r.store.DeleteHost(ctx, id); err != nil {
			return fmt.Errorf("failed to delete host %s: %w", id, err)
		}
	}
	return nil
}

// AddHostToRole tags a registered host with role.
func (r *Registry) AddHostToRole(ctx context.Context, id, role string) error {
	r.mu.Lock()
	d, ok := r.hosts[id]
	if !ok {
		r.mu.Unlock()
		return engine.NewPathNotFoundError("hosts." + id).WithOperation("addHostToRole")
	}
	r.addRoleLocked(id, role)
	if !d.HasRole(role) {
		d.Roles = append(d.Roles, role)
	}
	snapshot := d.Clone()
	r.mu.Unlock()

	if r.store != nil {
		return r.store.SaveHost(ctx, snapshot)
	}
	return nil
}

// RemoveHostFromAllRoles drops every role membership of id. The host stays registered.
func (r *Registry) RemoveHostFromAllRoles(ctx context.Context, id string) error {
	r.mu.Lock()
	r.removeRolesLocked(id)
	d, ok := r.hosts[id]
	var snapshot *Descriptor
	if ok {
		d.Roles = nil
		snapshot = d.Clone()
	}
	r.mu.Unlock()

	if r.store != nil && snapshot != nil {
		return r.store.SaveHost(ctx, snapshot)
	}
	return nil
}

// GetHost returns a copy of the descriptor for id.
func (r *Registry) GetHost(id string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.hosts[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// ListHosts returns copies of all descriptors sorted by id.
func (r *Registry) ListHosts() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Descriptor, 0, len(r.hosts))
	for _, d := range r.hosts {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HostsWithRole returns the ids tagged with role, sorted.
func (r *Registry) HostsWithRole(role string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.roles[role]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// HostIDs returns every registered id, sorted.
func (r *Registry) HostIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.hosts))
	for id := range r.hosts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Roles returns every role with at least one member, sorted.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.roles))
	for role := range r.roles {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) removeLocked(id string) bool {
	_, existed := r.hosts[id]
	delete(r.hosts, id)
	r.removeRolesLocked(id)
	return existed
}

func (r *Registry) removeRolesLocked(id string) {
	for role, members := range r.roles {
		delete(members, id)
		if len(members) == 0 {
			delete(r.roles, role)
		}
	}
}

func (r *Registry) addRoleLocked(id, role string) {
	members, ok := r.roles[role]
	if !ok {
		members = make(map[string]struct{})
		r.roles[role] = members
	}
	members[id] = struct{}{}
}

func (r *Registry) reportLocked() {
	r.metrics.SetHostsRegistered(len(r.hosts))
}

var _ engine.HostRegistry = (*Registry)(nil)
