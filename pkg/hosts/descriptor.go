package hosts

import (
	"time"
)

// Host types recorded on descriptors.
const (
	TypePhysicalHost = "PhysicalHost"
	TypeEC2VM        = "Ec2Vm"
	TypeVagrantVM    = "VagrantVm"
)

// Descriptor describes one managed machine or instance.
type Descriptor struct {
	// ID is the host identifier used by stories, e.g. "web1".
	ID string `json:"id"`

	// Backend is the lifecycle backend that owns the host.
	Backend string `json:"backend"`

	// Type is the kind of machine, e.g. PhysicalHost.
	Type string `json:"type"`

	// Environment is the test environment the host belongs to.
	Environment string `json:"environment"`

	// Roles are the role names the host is tagged with.
	Roles []string `json:"roles"`

	// Params are the provisioning parameters the host was created from.
	Params map[string]interface{} `json:"params,omitempty"`

	// Provisioned is set once creation has fully succeeded.
	Provisioned bool `json:"provisioned"`

	// Backend specific runtime fields.
	InstanceID string            `json:"instance_id,omitempty"`
	Name       string            `json:"name,omitempty"`
	IPAddress  string            `json:"ip_address,omitempty"`
	DNSName    string            `json:"dns_name,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of d.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	out := *d
	out.Roles = append([]string(nil), d.Roles...)
	if d.Params != nil {
		out.Params = make(map[string]interface{}, len(d.Params))
		for k, v := range d.Params {
			out.Params[k] = v
		}
	}
	if d.Extra != nil {
		out.Extra = make(map[string]string, len(d.Extra))
		for k, v := range d.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

// HasRole reports whether d is tagged with role.
func (d *Descriptor) HasRole(role string) bool {
	for _, r := range d.Roles {
		if r == role {
			return true
		}
	}
	return false
}
