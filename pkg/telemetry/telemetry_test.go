package telemetry

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "missing service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: true,
		},
		{
			name:    "sampling out of range",
			mutate:  func(c *Config) { c.Tracing.SamplingRate = 1.5 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestMetricsRecording(t *testing.T) {
	cfg := DefaultConfig().Metrics
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordStoryCompleted("PASS", 2*time.Second)
	m.RecordStoryCompleted("PASS", time.Second)
	m.RecordStoryCompleted("FAIL", time.Second)
	m.RecordBackendError("ec2", "createHost", "PROVISIONING_TIMEOUT")
	m.SetHostsRegistered(3)

	if got := testutil.ToFloat64(m.storiesCompleted.WithLabelValues("PASS")); got != 2 {
		t.Errorf("expected 2 passing stories, got %v", got)
	}
	if got := testutil.ToFloat64(m.backendErrors.WithLabelValues("ec2", "createHost", "PROVISIONING_TIMEOUT")); got != 1 {
		t.Errorf("expected 1 backend error, got %v", got)
	}
	if got := testutil.ToFloat64(m.hostsRegistered); got != 3 {
		t.Errorf("expected 3 hosts, got %v", got)
	}
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.RecordStoryCompleted("PASS", time.Second)
	m.RecordPhaseGroup("story", true, time.Second)

	var nilMetrics *Metrics
	nilMetrics.RecordHandler("story", "Action", "success")

	if m.Registry() != nil {
		t.Error("expected no registry for disabled metrics")
	}
}

func TestMetricsTextfile(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.TextfilePath = filepath.Join(t.TempDir(), "storyplayer.prom")
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.RecordPhaseGroup("beforeStory", true, 10*time.Millisecond)

	if err := m.WriteTextfile(); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}
	data, err := os.ReadFile(cfg.TextfilePath)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	if !strings.Contains(string(data), "storyplayer_phase_groups_executed_total") {
		t.Errorf("textfile missing phase metric:\n%s", data)
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	zl := logger.NewComponentLogger("pipeline").
		WithRunID("run-1").
		WithStory("Storyplayer", "Can start a screen session").
		WithHost("web1", "ec2").
		WithError(errors.New("timed out")).
		Zerolog()
	zl.Info().Msg("story started")

	out := buf.String()
	for _, want := range []string{
		`"component":"pipeline"`,
		`"run_id":"run-1"`,
		`"story":"Can start a screen session"`,
		`"host_id":"web1"`,
		`"backend":"ec2"`,
		`"error":"timed out"`,
		`"message":"story started"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in %s", want, out)
		}
	}
}

func TestTelemetryContextRoundTrip(t *testing.T) {
	tel := Nop()
	ctx := tel.WithContext(context.Background())

	if FromTelemetryContext(ctx) != tel {
		t.Error("expected telemetry from context")
	}
	if FromContext(ctx) != tel.Logger {
		t.Error("expected logger from context")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestNilTracerStartsNoopSpans(t *testing.T) {
	var tr *Tracer
	ctx, span := tr.StartPhaseSpan(context.Background(), "story")
	defer span.End()

	if TraceID(ctx) != "" {
		t.Error("expected no trace id from noop span")
	}
}
