package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeTempConfig(t, `
server:
  port: 9090
tiers:
  - name: tier-0
    provider: anthropic
    model: claude-3-opus
  - name: tier-1
    provider: openai
    model: gpt-4o
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Server.Port)
	}
	if len(cfg.Tiers) != 2 {
		t.Fatalf("len(Tiers) = %d, want 2", len(cfg.Tiers))
	}
	if _, ok := cfg.ResolveRoute("openai,gpt-4o"); !ok {
		t.Error("expected route openai,gpt-4o to resolve")
	}
}

func TestLoad_DuplicateTierNamesRejected(t *testing.T) {
	path := writeTempConfig(t, `
tiers:
  - name: dup
    provider: a
    model: m1
  - name: dup
    provider: b
    model: m2
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for duplicate tier names")
	}
}

func TestLoad_NoTiersRejected(t *testing.T) {
	path := writeTempConfig(t, "server:\n  port: 8080\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when no tiers configured")
	}
}

func TestLoad_EnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_API_KEY_ENV_NAME", "ANTHROPIC_KEY")
	path := writeTempConfig(t, `
tiers:
  - name: tier-0
    provider: anthropic
    model: claude-3-opus
    api_key_env: ${TEST_API_KEY_ENV_NAME}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Tiers[0].APIKeyEnv != "ANTHROPIC_KEY" {
		t.Errorf("APIKeyEnv = %q, want ANTHROPIC_KEY", cfg.Tiers[0].APIKeyEnv)
	}
}

func TestLoad_UnresolvablePresetRejected(t *testing.T) {
	path := writeTempConfig(t, `
tiers:
  - name: tier-0
    provider: anthropic
    model: claude-3-opus
presets:
  fast:
    route: "nosuch,model"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for preset with unresolvable route")
	}
}

func TestDefaults_AppliedWhenUnset(t *testing.T) {
	path := writeTempConfig(t, `
tiers:
  - name: tier-0
    provider: anthropic
    model: claude-3-opus
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Retry.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want default 2", cfg.Retry.MaxRetries)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want default 8080", cfg.Server.Port)
	}
}

func TestAssertSafeTransition_RejectsIdentityChange(t *testing.T) {
	prevPath := writeTempConfig(t, `
tiers:
  - name: tier-0
    provider: anthropic
    model: claude-3-opus
`)
	prev, err := Load(prevPath)
	if err != nil {
		t.Fatalf("Load(prev) error = %v", err)
	}

	nextPath := writeTempConfig(t, `
tiers:
  - name: tier-0
    provider: openai
    model: gpt-4o
`)
	next, err := Load(nextPath)
	if err != nil {
		t.Fatalf("Load(next) error = %v", err)
	}

	if err := assertSafeTransition(prev, next); err == nil {
		t.Fatal("expected error for provider/model identity change")
	}
}
