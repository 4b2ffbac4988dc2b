package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/storyplayer/storyplayer/pkg/engine"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger, opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	if len(policies) == 0 {
		t.Fatal("No built-in policies loaded")
	}

	expectedPolicies := []string{
		"declared-blacklist",
		"protected-environment",
		"unnamed-story",
	}

	for _, expected := range expectedPolicies {
		if _, err := eng.GetPolicy(expected); err != nil {
			t.Errorf("Expected built-in policy not found: %s", expected)
		}
	}
}

func TestIsBlacklisted_DeclaredEnvironments(t *testing.T) {
	eng := newTestEngine(t)
	story := engine.NewStoryFor("Storyplayer").Called("can reboot").BlacklistedIn("production")

	tests := []struct {
		name        string
		environment string
		blacklisted bool
	}{
		{"listed environment", "production", true},
		{"other environment", "staging", false},
		{"no environment", "none", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blacklisted, reason, err := eng.IsBlacklisted(context.Background(), story, tt.environment)
			if err != nil {
				t.Fatalf("IsBlacklisted failed: %v", err)
			}
			if blacklisted != tt.blacklisted {
				t.Errorf("Expected blacklisted=%v, got %v (%s)", tt.blacklisted, blacklisted, reason)
			}
			if blacklisted && reason != "story is blacklisted for test environment 'production'" {
				t.Errorf("Unexpected reason: %s", reason)
			}
		})
	}
}

func TestIsBlacklisted_ProtectedEnvironment(t *testing.T) {
	eng := newTestEngine(t, WithData(map[string]interface{}{
		"storyplayer": map[string]interface{}{
			"protected_environments": []interface{}{"production"},
			"allowed_categories":     []interface{}{"Smoke"},
		},
	}))

	smoke := engine.NewStoryFor("Smoke").Called("homepage loads")
	destructive := engine.NewStoryFor("Destructive").Called("drops the database")

	blacklisted, _, err := eng.IsBlacklisted(context.Background(), smoke, "production")
	if err != nil {
		t.Fatalf("IsBlacklisted failed: %v", err)
	}
	if blacklisted {
		t.Error("Allowed category should run in a protected environment")
	}

	blacklisted, reason, err := eng.IsBlacklisted(context.Background(), destructive, "production")
	if err != nil {
		t.Fatalf("IsBlacklisted failed: %v", err)
	}
	if !blacklisted {
		t.Error("Expected story to be blacklisted in a protected environment")
	}
	if !strings.Contains(reason, "category 'Destructive' is not allowed") {
		t.Errorf("Unexpected reason: %s", reason)
	}

	blacklisted, _, _ = eng.IsBlacklisted(context.Background(), destructive, "staging")
	if blacklisted {
		t.Error("Unprotected environment must not blacklist")
	}
}

func TestProtectedEnvironment_NoData(t *testing.T) {
	eng := newTestEngine(t)
	story := engine.NewStoryFor("Destructive").Called("drops the database")

	blacklisted, _, err := eng.IsBlacklisted(context.Background(), story, "production")
	if err != nil {
		t.Fatalf("IsBlacklisted failed: %v", err)
	}
	if blacklisted {
		t.Error("Without protected environments nothing is blacklisted")
	}
}

func TestEvaluate_WarningsDoNotBlacklist(t *testing.T) {
	eng := newTestEngine(t)
	story := engine.NewStoryFor("Smoke")

	decision, err := eng.Evaluate(context.Background(), NewInput(story, "staging"))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Blacklisted {
		t.Error("Warning must not blacklist")
	}
	if len(decision.Warnings) != 1 || decision.Warnings[0].Policy != "unnamed-story" {
		t.Errorf("Expected one unnamed-story warning, got %+v", decision.Warnings)
	}
	if len(decision.Evaluated) != 3 {
		t.Errorf("Expected 3 evaluated policies, got %v", decision.Evaluated)
	}
}

func TestAddPolicy(t *testing.T) {
	eng := newTestEngine(t, WithoutBuiltins())

	err := eng.AddPolicy(context.Background(), Policy{
		Name:    "no-slow-stories",
		Enabled: true,
		Rego: `package custom.slow

import rego.v1

deny contains "slow stories are not run on ci" if {
	input.environment == "ci"
	"Slow" in input.story.group
}
`,
	})
	if err != nil {
		t.Fatalf("AddPolicy failed: %v", err)
	}

	story := engine.NewStoryFor("Storyplayer").InGroup("Slow").Called("soak test")
	blacklisted, reason, err := eng.IsBlacklisted(context.Background(), story, "ci")
	if err != nil {
		t.Fatalf("IsBlacklisted failed: %v", err)
	}
	if !blacklisted || reason != "slow stories are not run on ci" {
		t.Errorf("Expected string violation with default severity, got %v %q", blacklisted, reason)
	}
}

func TestAddPolicy_Invalid(t *testing.T) {
	eng := newTestEngine(t, WithoutBuiltins())

	err := eng.AddPolicy(context.Background(), Policy{Name: "broken", Rego: "package broken\n\ndeny contains"})
	if !engine.HasCode(err, engine.ErrCodeInvalidConfig) {
		t.Errorf("Expected InvalidConfig, got %v", err)
	}

	err = eng.AddPolicy(context.Background(), Policy{Rego: "package nameless"})
	if !engine.HasCode(err, engine.ErrCodeMissingParameter) {
		t.Errorf("Expected MissingParameter, got %v", err)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	story := engine.NewStoryFor("Storyplayer").Called("can reboot").BlacklistedIn("production")

	if err := eng.DisablePolicy("declared-blacklist"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	blacklisted, _, _ := eng.IsBlacklisted(context.Background(), story, "production")
	if blacklisted {
		t.Error("Disabled policy must not blacklist")
	}

	if err := eng.EnablePolicy("declared-blacklist"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	blacklisted, _, _ = eng.IsBlacklisted(context.Background(), story, "production")
	if !blacklisted {
		t.Error("Enabled policy should blacklist")
	}

	if err := eng.DisablePolicy("no-such-policy"); !engine.HasCode(err, engine.ErrCodeModuleNotFound) {
		t.Errorf("Expected ModuleNotFound, got %v", err)
	}
}

func TestReloadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	_ = eng.DisablePolicy("declared-blacklist")

	if err := eng.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}

	p, err := eng.GetPolicy("declared-blacklist")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if !p.Enabled {
		t.Error("Reload should restore built-in defaults")
	}
}

func TestBlacklistInPipeline(t *testing.T) {
	eng := newTestEngine(t, WithData(map[string]interface{}{
		"storyplayer": map[string]interface{}{
			"protected_environments": []interface{}{"production"},
		},
	}))
	p, err := engine.NewPipeline(engine.DefaultPhaseGroups())
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}

	ec := engine.NewContext("run-1")
	ec.Blacklist = eng
	ec.Environment = namedEnvironment("production")

	ran := false
	story := engine.NewStoryFor("Destructive").Called("can reboot").
		AddAction(func(context.Context, *engine.Context) error { ran = true; return nil })

	result := p.RunStory(context.Background(), ec, story)
	if result.Outcome != engine.OutcomeBlacklisted {
		t.Errorf("Expected BLACKLISTED, got %s", result.Outcome)
	}
	if !strings.Contains(result.Reason, "is protected") {
		t.Errorf("Expected policy reason, got %q", result.Reason)
	}
	if ran {
		t.Error("Blacklisted story must not run")
	}
}

type namedEnvironment string

func (n namedEnvironment) Name() string                    { return string(n) }
func (namedEnvironment) Construct(context.Context) error { return nil }
func (namedEnvironment) Destroy(context.Context) error   { return nil }
