package host

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/storyplayer/storyplayer/pkg/config"
	"github.com/storyplayer/storyplayer/pkg/engine"
	"github.com/storyplayer/storyplayer/pkg/hosts"
)

const environmentYAML = `
environments:
  staging:
    groups:
      - backend: blackbox
        machines:
          db1:
            roles: [db]
            ipAddress: 192.0.2.10
          db2:
            roles: [db]
      - backend: vagrant
        dir: /srv/vms
        osName: ubuntu
        machines:
          web1:
            roles: [web]
`

func TestParseGroups(t *testing.T) {
	tree, err := config.Parse([]byte(environmentYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	groups, err := ParseGroups(tree, "staging")
	if err != nil {
		t.Fatalf("ParseGroups failed: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}

	bb := groups[0]
	if bb.Backend != BackendBlackbox || bb.Environment != "staging" {
		t.Errorf("unexpected first group: %+v", bb)
	}
	if len(bb.Machines) != 2 || bb.Machines[0].ID != "db1" || bb.Machines[1].ID != "db2" {
		t.Fatalf("expected machines in file order, got %+v", bb.Machines)
	}
	if bb.Machines[0].Params["ipAddress"] != "192.0.2.10" {
		t.Errorf("expected machine params, got %v", bb.Machines[0].Params)
	}

	vg := groups[1]
	if vg.Params["dir"] != "/srv/vms" {
		t.Errorf("expected group params, got %v", vg.Params)
	}
	if _, ok := vg.Params["backend"]; ok {
		t.Error("backend must not leak into group params")
	}
}

func TestParseGroups_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  string
		code string
	}{
		{"unknown environment", environmentYAML, "prod", engine.ErrCodePathNotFound},
		{"groups not a list", "environments: {x: {groups: {a: 1}}}", "x", engine.ErrCodeTypeMismatch},
		{"missing backend", "environments: {x: {groups: [{machines: {a: {roles: [r]}}}]}}", "x", engine.ErrCodeMissingParameter},
		{"roles not a list", "environments: {x: {groups: [{backend: blackbox, machines: {a: {roles: r}}}]}}", "x", engine.ErrCodeTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree, err := config.Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if _, err := ParseGroups(tree, tt.env); !engine.HasCode(err, tt.code) {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

func TestParseGroups_RolesPresence(t *testing.T) {
	tree, err := config.Parse([]byte(`
environments:
  x:
    groups:
      - backend: blackbox
        machines:
          a: {ipAddress: 192.0.2.1}
          b: {roles: []}
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	groups, err := ParseGroups(tree, "x")
	if err != nil {
		t.Fatalf("ParseGroups failed: %v", err)
	}
	if groups[0].Machines[0].Roles != nil {
		t.Error("expected undeclared roles to stay nil")
	}
	if groups[0].Machines[1].Roles == nil {
		t.Error("expected declared empty roles to be non-nil")
	}
}

func TestEnvironment_ConstructDestroy(t *testing.T) {
	tree, err := config.Parse([]byte(environmentYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	reg := hosts.NewRegistry()
	deps := Deps{Registry: reg}
	runner := newFakeRunner()
	backends := NewRegistry(deps)
	backends.Register(BackendBlackbox, func(_ context.Context, deps Deps, _ map[string]interface{}) (Backend, error) {
		return NewBlackboxBackend(deps), nil
	})
	backends.Register(BackendVagrant, func(_ context.Context, deps Deps, _ map[string]interface{}) (Backend, error) {
		return NewVagrantBackend(runner, deps, VagrantOptions{Running: Poll{Interval: time.Millisecond, MaxAttempts: 2}}), nil
	})

	env, err := LoadEnvironment(tree, "staging", backends, reg)
	if err != nil {
		t.Fatalf("LoadEnvironment failed: %v", err)
	}
	if env.Name() != "staging" {
		t.Errorf("expected name staging, got %s", env.Name())
	}

	ctx := context.Background()
	if err := env.Construct(ctx); err != nil {
		t.Fatalf("Construct failed: %v", err)
	}
	if ids := reg.HostIDs(); len(ids) != 3 {
		t.Fatalf("expected 3 hosts, got %v", ids)
	}
	if got := reg.HostsWithRole("db"); len(got) != 2 {
		t.Errorf("expected 2 db hosts, got %v", got)
	}

	if err := env.Destroy(ctx); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if ids := reg.HostIDs(); len(ids) != 0 {
		t.Errorf("expected empty registry, got %v", ids)
	}
	if n := runner.count("vagrant destroy -f web1"); n != 2 {
		t.Errorf("expected destroy on create and teardown, got %d", n)
	}
}

func TestEnvironment_DestroyContinuesAfterFailure(t *testing.T) {
	reg := hosts.NewRegistry()
	deps := Deps{Registry: reg}
	ctx := context.Background()

	failing := errors.New("remote API down")
	backends := NewRegistry(deps)
	backends.Register("flaky", func(context.Context, Deps, map[string]interface{}) (Backend, error) {
		return &failingDestroyBackend{BlackboxBackend: NewBlackboxBackend(deps), err: failing}, nil
	})
	backends.Register(BackendBlackbox, func(_ context.Context, deps Deps, _ map[string]interface{}) (Backend, error) {
		return NewBlackboxBackend(deps), nil
	})

	env := NewEnvironment("x", []*GroupSpec{
		{Backend: BackendBlackbox, Machines: []MachineSpec{{ID: "a", Roles: []string{}}}},
		{Backend: "flaky", Machines: []MachineSpec{{ID: "b", Roles: []string{}}}},
	}, backends, reg)

	if err := env.Construct(ctx); err != nil {
		t.Fatalf("Construct failed: %v", err)
	}

	err := env.Destroy(ctx)
	if !errors.Is(err, failing) {
		t.Fatalf("expected the flaky failure to be reported, got %v", err)
	}
	if _, ok := reg.GetHost("a"); ok {
		t.Error("expected host a to be destroyed despite the earlier failure")
	}
}

func TestEnvironment_UnknownBackend(t *testing.T) {
	reg := hosts.NewRegistry()
	env := NewEnvironment("x", []*GroupSpec{{Backend: "openstack"}}, NewRegistry(Deps{Registry: reg}), reg)

	if err := env.Construct(context.Background()); !engine.HasCode(err, engine.ErrCodeModuleNotFound) {
		t.Errorf("expected ModuleNotFound, got %v", err)
	}
}

type failingDestroyBackend struct {
	*BlackboxBackend
	err error
}

func (f *failingDestroyBackend) DestroyHost(context.Context, string) error {
	return f.err
}
