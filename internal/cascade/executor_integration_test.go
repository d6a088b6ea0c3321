package cascade_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tjfontaine/cascade-gateway/internal/cascade"
	"github.com/tjfontaine/cascade-gateway/internal/config"
	"github.com/tjfontaine/cascade-gateway/internal/domain"
	"github.com/tjfontaine/cascade-gateway/internal/latency"
	"github.com/tjfontaine/cascade-gateway/internal/testutil"
	"github.com/tjfontaine/cascade-gateway/internal/transform"
)

func writeTestConfig(t *testing.T) *config.ConfigModel {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
tiers:
  - name: openai-mini
    provider: openai
    model: gpt-4o-mini
    base_url: http://cascade-test.invalid
    baseline_ms: 500
retry:
  max_retries: 1
  base_backoff_ms: 1
  max_backoff_ms: 5
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

// TestExecuteNonStream_ReplaysCassette drives one non-streaming completion
// through a single tier against a recorded OpenAI-Chat interaction, proving
// the full serialize -> dispatch -> parse -> EWMA-record path wires up end
// to end without a live upstream.
func TestExecuteNonStream_ReplaysCassette(t *testing.T) {
	rec, cleanup := testutil.NewVCRRecorder(t, "openai_success")
	defer cleanup()

	cfg := writeTestConfig(t)
	tracker := latency.NewTracker(cfg.TierNames(), cfg.BaselineMsByTier())
	registry := transform.NewRegistry()
	registry.RegisterBuiltins()
	dispatcher := &cascade.HTTPDispatcher{Client: testutil.VCRHTTPClient(rec)}
	executor := cascade.NewExecutor(cfg, tracker, dispatcher, registry)

	req := &domain.CanonicalRequest{
		SourceAPI:     domain.APITypeOpenAIChat,
		Model:         "openai-mini",
		RequestedTier: "openai-mini",
		Messages:      []domain.Message{{Role: "user", Content: "hello"}},
	}

	resp, err := executor.ExecuteNonStream(context.Background(), req)
	if err != nil {
		t.Fatalf("ExecuteNonStream() error = %v", err)
	}
	if resp.ServingTier != "openai-mini" {
		t.Errorf("ServingTier = %q, want openai-mini", resp.ServingTier)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "hi there" {
		t.Fatalf("unexpected choices: %+v", resp.Choices)
	}
	if resp.Usage.InputTokens != 9 || resp.Usage.OutputTokens != 3 {
		t.Errorf("Usage = %+v, want {9 3}", resp.Usage)
	}

	state := tracker.State("openai-mini")
	if state == nil || state.EWMAMs() <= 0 {
		t.Error("expected a positive EWMA sample recorded for the serving tier")
	}
}
