package host

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/storyplayer/storyplayer/pkg/engine"
	"github.com/storyplayer/storyplayer/pkg/hosts"
)

// fakeEC2 is an in-memory InstanceAPI. A new instance reports running on
// the runningAfter-th describe; stop and terminate settle on the next describe.
type fakeEC2 struct {
	mu           sync.Mutex
	instances    map[string]*Instance
	names        map[string]string
	describes    map[string]int
	runningAfter int
	calls        []string
	nextID       int
}

func newFakeEC2(runningAfter int) *fakeEC2 {
	return &fakeEC2{
		instances:    make(map[string]*Instance),
		names:        make(map[string]string),
		describes:    make(map[string]int),
		runningAfter: runningAfter,
	}
}

func (f *fakeEC2) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeEC2) RunInstance(_ context.Context, in RunInstanceInput) (*Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("i-%04d", f.nextID)
	f.record("run:" + in.ImageID)
	f.instances[id] = &Instance{ID: id, State: InstanceStatePending}
	return &Instance{ID: id, State: InstanceStatePending}, nil
}

func (f *fakeEC2) TagInstance(_ context.Context, id string, tags map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("tag:" + id)
	f.names[tags["Name"]] = id
	return nil
}

func (f *fakeEC2) DescribeInstance(_ context.Context, id string) (*Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return nil, nil
	}
	f.describes[id]++
	switch inst.State {
	case InstanceStatePending:
		if f.describes[id] >= f.runningAfter {
			inst.State = InstanceStateRunning
			inst.PublicDNSName = "ec2-" + id + ".compute.example.com"
		}
	case InstanceStateStopping:
		inst.State = InstanceStateStopped
	}
	out := *inst
	return &out, nil
}

func (f *fakeEC2) FindInstanceByName(_ context.Context, name string) (*Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.names[name]
	if !ok {
		return nil, nil
	}
	inst := f.instances[id]
	if inst.State == InstanceStateTerminated {
		return nil, nil
	}
	out := *inst
	return &out, nil
}

func (f *fakeEC2) StartInstance(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start:" + id)
	f.instances[id].State = InstanceStatePending
	f.describes[id] = 0
	return nil
}

func (f *fakeEC2) StopInstance(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop:" + id)
	f.instances[id].State = InstanceStateStopping
	return nil
}

func (f *fakeEC2) TerminateInstance(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("terminate:" + id)
	f.instances[id].State = InstanceStateTerminated
	return nil
}

func (f *fakeEC2) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func fastEC2Options(attempts int) EC2Options {
	return EC2Options{
		Running:    Poll{Interval: time.Millisecond, MaxAttempts: attempts},
		Stopped:    Poll{Interval: time.Millisecond, MaxAttempts: attempts},
		Terminated: Poll{Interval: time.Millisecond, MaxAttempts: attempts},
	}
}

func newTestEC2(api InstanceAPI, opts EC2Options) (*EC2Backend, *hosts.Registry) {
	reg := hosts.NewRegistry()
	b := NewEC2Backend(api, Deps{Registry: reg}, opts)
	b.lookupIP = func(context.Context, string) ([]string, error) {
		return []string{"203.0.113.10"}, nil
	}
	return b, reg
}

func ec2Group(machines ...MachineSpec) *GroupSpec {
	return &GroupSpec{
		Environment: "test",
		Backend:     BackendEC2,
		Params: map[string]interface{}{
			"name":          "web",
			"osName":        "centos6",
			"amiId":         "ami-12345",
			"securityGroup": "default",
		},
		Machines: machines,
	}
}

func TestEC2Backend_CreateHost(t *testing.T) {
	api := newFakeEC2(1)
	b, reg := newTestEC2(api, fastEC2Options(3))
	ctx := context.Background()

	err := b.CreateHost(ctx, ec2Group(MachineSpec{ID: "web1", Roles: []string{"web"}}))
	if err != nil {
		t.Fatalf("CreateHost failed: %v", err)
	}

	d, ok := reg.GetHost("web1")
	if !ok {
		t.Fatal("expected web1 to be registered")
	}
	if !d.Provisioned {
		t.Error("expected host to be provisioned")
	}
	if d.Name != "test.web1" {
		t.Errorf("expected ec2 name test.web1, got %s", d.Name)
	}
	if d.IPAddress != "203.0.113.10" {
		t.Errorf("expected resolved IP, got %s", d.IPAddress)
	}
	if d.Type != hosts.TypeEC2VM {
		t.Errorf("expected type %s, got %s", hosts.TypeEC2VM, d.Type)
	}
	if got := reg.HostsWithRole("web"); len(got) != 1 || got[0] != "web1" {
		t.Errorf("expected web role to hold web1, got %v", got)
	}
	if n := api.callCount("run:"); n != 1 {
		t.Errorf("expected exactly one launch, got %d", n)
	}
	if n := api.callCount("tag:"); n != 1 {
		t.Errorf("expected the instance to be tagged once, got %d", n)
	}
}

func TestEC2Backend_CreateHost_Timeout(t *testing.T) {
	// running only on the third poll, but two attempts allowed
	api := newFakeEC2(3)
	b, reg := newTestEC2(api, fastEC2Options(2))

	err := b.CreateHost(context.Background(), ec2Group(MachineSpec{ID: "web1", Roles: []string{"web"}}))
	if !engine.HasCode(err, engine.ErrCodeProvisioningTimeout) {
		t.Fatalf("expected ProvisioningTimeout, got %v", err)
	}
	if _, ok := reg.GetHost("web1"); ok {
		t.Error("timed out host must not be registered")
	}
	if got := reg.HostsWithRole("web"); len(got) != 0 {
		t.Errorf("expected no role members, got %v", got)
	}
	if n := api.describes["i-0001"]; n != 2 {
		t.Errorf("expected 2 polls, got %d", n)
	}
}

func TestEC2Backend_CreateHost_MissingParameter(t *testing.T) {
	for _, param := range []string{"name", "osName", "amiId", "securityGroup"} {
		t.Run(param, func(t *testing.T) {
			api := newFakeEC2(1)
			b, reg := newTestEC2(api, fastEC2Options(3))

			group := ec2Group(MachineSpec{ID: "web1", Roles: []string{"web"}})
			delete(group.Params, param)

			err := b.CreateHost(context.Background(), group)
			if !engine.HasCode(err, engine.ErrCodeMissingParameter) {
				t.Fatalf("expected MissingParameter, got %v", err)
			}
			if len(api.calls) != 0 {
				t.Errorf("expected no remote calls, got %v", api.calls)
			}
			if len(reg.HostIDs()) != 0 {
				t.Errorf("expected empty registry, got %v", reg.HostIDs())
			}
		})
	}

	t.Run("environment", func(t *testing.T) {
		api := newFakeEC2(1)
		b, _ := newTestEC2(api, fastEC2Options(3))

		group := ec2Group(MachineSpec{ID: "web1"})
		group.Environment = ""

		err := b.CreateHost(context.Background(), group)
		if !engine.HasCode(err, engine.ErrCodeMissingParameter) {
			t.Fatalf("expected MissingParameter, got %v", err)
		}
		if len(api.calls) != 0 {
			t.Errorf("expected no remote calls, got %v", api.calls)
		}
	})
}

func TestEC2Backend_CreateHost_ReplacesExistingVM(t *testing.T) {
	api := newFakeEC2(1)
	api.instances["i-old"] = &Instance{ID: "i-old", State: InstanceStateRunning}
	api.names["test.web1"] = "i-old"
	b, reg := newTestEC2(api, fastEC2Options(3))

	if err := b.CreateHost(context.Background(), ec2Group(MachineSpec{ID: "web1"})); err != nil {
		t.Fatalf("CreateHost failed: %v", err)
	}
	if api.instances["i-old"].State != InstanceStateTerminated {
		t.Errorf("expected old VM to be terminated, got %s", api.instances["i-old"].State)
	}
	d, _ := reg.GetHost("web1")
	if d.InstanceID == "i-old" {
		t.Error("expected a new instance to be registered")
	}
}

func TestEC2Backend_StartStop(t *testing.T) {
	api := newFakeEC2(1)
	b, _ := newTestEC2(api, fastEC2Options(3))
	ctx := context.Background()

	if err := b.CreateHost(ctx, ec2Group(MachineSpec{ID: "web1"})); err != nil {
		t.Fatalf("CreateHost failed: %v", err)
	}

	// already running
	if err := b.StartHost(ctx, "web1"); err != nil {
		t.Fatalf("StartHost failed: %v", err)
	}
	if n := api.callCount("start:"); n != 0 {
		t.Errorf("expected start of a running VM to be a no-op, got %d calls", n)
	}

	if err := b.StopHost(ctx, "web1"); err != nil {
		t.Fatalf("StopHost failed: %v", err)
	}
	if err := b.StopHost(ctx, "web1"); err != nil {
		t.Fatalf("second StopHost failed: %v", err)
	}
	if n := api.callCount("stop:"); n != 1 {
		t.Errorf("expected one stop call, got %d", n)
	}

	running, err := b.IsRunning(ctx, "web1")
	if err != nil {
		t.Fatalf("IsRunning failed: %v", err)
	}
	if running {
		t.Error("expected VM to be stopped")
	}

	if err := b.StartHost(ctx, "web1"); err != nil {
		t.Fatalf("StartHost failed: %v", err)
	}
	if n := api.callCount("start:"); n != 1 {
		t.Errorf("expected one start call, got %d", n)
	}
}

func TestEC2Backend_Restart(t *testing.T) {
	api := newFakeEC2(1)
	b, _ := newTestEC2(api, fastEC2Options(3))
	ctx := context.Background()

	if err := b.CreateHost(ctx, ec2Group(MachineSpec{ID: "web1"})); err != nil {
		t.Fatalf("CreateHost failed: %v", err)
	}
	if err := b.RestartHost(ctx, "web1"); err != nil {
		t.Fatalf("RestartHost failed: %v", err)
	}
	if api.callCount("stop:") != 1 || api.callCount("start:") != 1 {
		t.Errorf("expected stop then start, got %v", api.calls)
	}
}

func TestEC2Backend_DestroyHost(t *testing.T) {
	api := newFakeEC2(1)
	b, reg := newTestEC2(api, fastEC2Options(3))
	ctx := context.Background()

	if err := b.CreateHost(ctx, ec2Group(MachineSpec{ID: "web1", Roles: []string{"web", "cache"}})); err != nil {
		t.Fatalf("CreateHost failed: %v", err)
	}
	if err := b.DestroyHost(ctx, "web1"); err != nil {
		t.Fatalf("DestroyHost failed: %v", err)
	}
	if _, ok := reg.GetHost("web1"); ok {
		t.Error("expected web1 to be deregistered")
	}
	for _, role := range []string{"web", "cache"} {
		if got := reg.HostsWithRole(role); len(got) != 0 {
			t.Errorf("expected role %s to be empty, got %v", role, got)
		}
	}
	if n := api.callCount("terminate:"); n != 1 {
		t.Errorf("expected one terminate call, got %d", n)
	}
}

func TestEC2Backend_Errors(t *testing.T) {
	api := newFakeEC2(1)
	b, reg := newTestEC2(api, fastEC2Options(3))
	ctx := context.Background()

	if err := reg.AddHost(ctx, "bare", &hosts.Descriptor{Backend: BackendEC2}); err != nil {
		t.Fatalf("AddHost failed: %v", err)
	}
	if err := reg.AddHost(ctx, "static", &hosts.Descriptor{Backend: BackendBlackbox, InstanceID: "i-static"}); err != nil {
		t.Fatalf("AddHost failed: %v", err)
	}

	tests := []struct {
		name string
		run  func() error
		code string
	}{
		{"unknown host", func() error { return b.StartHost(ctx, "nope") }, engine.ErrCodePathNotFound},
		{"no instance id", func() error { return b.StopHost(ctx, "bare") }, engine.ErrCodeMissingParameter},
		{"host owned by another backend", func() error { return b.DestroyHost(ctx, "static") }, engine.ErrCodeInvalidConfig},
		{"command against manager", func() error {
			_, err := b.RunCommandAgainstHostManager(ctx, "bare", []string{"status"})
			return err
		}, engine.ErrCodeUnsupportedOperation},
		{"command via manager", func() error {
			_, err := b.RunCommandViaHostManager(ctx, "bare", "uptime")
			return err
		}, engine.ErrCodeUnsupportedOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !engine.HasCode(err, tt.code) {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
		})
	}
	if _, ok := reg.GetHost("static"); !ok {
		t.Error("a host owned by another backend must stay registered")
	}
	if n := api.callCount("terminate:"); n != 0 {
		t.Errorf("expected no terminate calls, got %d", n)
	}
}

func TestEC2Backend_Resolve(t *testing.T) {
	b, _ := newTestEC2(newFakeEC2(1), fastEC2Options(1))
	ctx := context.Background()

	if _, err := b.resolve(ctx, "web1", &Instance{ID: "i-1"}); !engine.HasCode(err, engine.ErrCodeActionFailed) {
		t.Errorf("expected ActionFailed for an instance without address, got %v", err)
	}

	ip, err := b.resolve(ctx, "web1", &Instance{ID: "i-1", PublicIP: "198.51.100.7"})
	if err != nil || ip != "198.51.100.7" {
		t.Errorf("expected fallback to public IP, got %q, %v", ip, err)
	}

	b.lookupIP = func(context.Context, string) ([]string, error) {
		return nil, fmt.Errorf("no such host")
	}
	if _, err := b.resolve(ctx, "web1", &Instance{ID: "i-1", PublicDNSName: "bad.example.com"}); !engine.HasCode(err, engine.ErrCodeActionFailed) {
		t.Errorf("expected ActionFailed for an unresolvable name, got %v", err)
	}
}
