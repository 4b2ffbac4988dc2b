package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

const noRebootRego = `# Stories in the Reboot group never run on shared hosts.
# Owned by the platform team.
package custom.reboot

import rego.v1

deny contains "reboot stories are not run on shared hosts" if {
	input.environment == "shared"
	"Reboot" in input.story.group
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	policyFile := filepath.Join(t.TempDir(), "no-reboot.rego")
	writeFile(t, policyFile, noRebootRego)

	policies, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected 1 policy, got %d", len(policies))
	}

	policy := policies[0]
	if policy.Name != "no-reboot" {
		t.Errorf("Expected name 'no-reboot', got '%s'", policy.Name)
	}
	if policy.Description != "Stories in the Reboot group never run on shared hosts. Owned by the platform team." {
		t.Errorf("Unexpected description: %q", policy.Description)
	}
	if !policy.Enabled || policy.Severity != SeverityError {
		t.Errorf("Expected enabled error policy, got %+v", policy)
	}
	if policy.Source != policyFile {
		t.Errorf("Expected source %s, got %s", policyFile, policy.Source)
	}
}

func TestLoadFromFile_Bundle(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	bundleFile := filepath.Join(t.TempDir(), "bundle.json")
	writeFile(t, bundleFile, `{
  "name": "team-policies",
  "version": "1.0.0",
  "policies": [
    {"name": "first", "rego": "package first\n"},
    {"name": "second", "rego": "package second\n", "enabled": false, "severity": "warning"}
  ]
}`)

	policies, err := loader.loadFromFile(context.Background(), bundleFile)
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}
	if !policies[0].Enabled || policies[0].Severity != SeverityError {
		t.Errorf("Expected defaults on first policy, got %+v", policies[0])
	}
	if policies[1].Enabled || policies[1].Severity != SeverityWarning {
		t.Errorf("Expected explicit values on second policy, got %+v", policies[1])
	}
}

func TestLoadFromFile_InvalidJSON(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	path := filepath.Join(t.TempDir(), "broken.json")
	writeFile(t, path, "{not json")

	if _, err := loader.loadFromFile(context.Background(), path); err == nil {
		t.Error("Expected error for invalid JSON")
	}
}

func TestLoadFromDirectory(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.rego"), "package b\n")
	writeFile(t, filepath.Join(dir, "nested", "a.rego"), "package a\n")
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")
	writeFile(t, filepath.Join(dir, "broken.json"), "{")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}
	if policies[0].Name != "b" || policies[1].Name != "a" {
		t.Errorf("Expected lexical path order [b a], got [%s %s]", policies[0].Name, policies[1].Name)
	}
}

func TestLoadFromPaths_Missing(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	if _, err := loader.LoadFromPaths(context.Background(), []string{"/does/not/exist"}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestLoaderCache(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	path := filepath.Join(t.TempDir(), "cached.rego")
	writeFile(t, path, "package one\n")
	if _, err := loader.loadFromFile(context.Background(), path); err != nil {
		t.Fatalf("Failed to load: %v", err)
	}

	writeFile(t, path, "package two\n")
	policies, _ := loader.loadFromFile(context.Background(), path)
	if policies[0].Rego != "package one\n" {
		t.Error("Expected cached policy")
	}

	loader.ClearCache()
	policies, _ = loader.loadFromFile(context.Background(), path)
	if policies[0].Rego != "package two\n" {
		t.Error("Expected fresh policy after ClearCache")
	}
}

func TestEngineLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "no-reboot.rego"), noRebootRego)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	if _, err := eng.GetPolicy("no-reboot"); err != nil {
		t.Fatalf("Expected loaded policy: %v", err)
	}

	if err := eng.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}
	if _, err := eng.GetPolicy("no-reboot"); err != nil {
		t.Errorf("Expected policy to survive reload: %v", err)
	}
}
