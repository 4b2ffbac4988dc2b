package host

import (
	"context"
	"testing"
	"time"

	"github.com/storyplayer/storyplayer/pkg/engine"
	"github.com/storyplayer/storyplayer/pkg/hosts"
)

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry(Deps{Registry: hosts.NewRegistry()})
	builds := 0
	r.Register("static", func(_ context.Context, deps Deps, _ map[string]interface{}) (Backend, error) {
		builds++
		return NewBlackboxBackend(deps), nil
	})

	ctx := context.Background()
	first, err := r.Get(ctx, "static")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	second, err := r.Get(ctx, "static")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if first != second || builds != 1 {
		t.Errorf("expected one cached instance, built %d times", builds)
	}

	if _, err := r.Get(ctx, "missing"); !engine.HasCode(err, engine.ErrCodeModuleNotFound) {
		t.Errorf("expected ModuleNotFound, got %v", err)
	}
}

func TestRegistry_DefaultSettings(t *testing.T) {
	r := NewDefaultRegistry(Deps{Registry: hosts.NewRegistry()}, map[string]interface{}{
		"vagrant": map[string]interface{}{
			"binary":  "/opt/vagrant/bin/vagrant",
			"running": map[string]interface{}{"interval": "2s", "attempts": 4},
		},
	})

	names := r.List()
	if len(names) != 3 || names[0] != BackendBlackbox || names[1] != BackendEC2 || names[2] != BackendVagrant {
		t.Fatalf("unexpected backends: %v", names)
	}

	b, err := r.Get(context.Background(), BackendVagrant)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	vb := b.(*VagrantBackend)
	if vb.opts.Binary != "/opt/vagrant/bin/vagrant" {
		t.Errorf("expected configured binary, got %s", vb.opts.Binary)
	}
	if vb.opts.Running.Interval != 2*time.Second || vb.opts.Running.MaxAttempts != 4 {
		t.Errorf("unexpected wait: %+v", vb.opts.Running)
	}
}

func TestRegistry_InvalidSettings(t *testing.T) {
	r := NewDefaultRegistry(Deps{Registry: hosts.NewRegistry()}, map[string]interface{}{
		"vagrant": map[string]interface{}{
			"running": map[string]interface{}{"attempts": 0},
		},
	})
	if _, err := r.Get(context.Background(), BackendVagrant); !engine.HasCode(err, engine.ErrCodeInvalidConfig) {
		t.Errorf("expected InvalidConfig, got %v", err)
	}
}
