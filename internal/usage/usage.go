// Package usage accumulates per-tier token totals for the /v1/usage
// reporting endpoint, mirroring the mutex-protected, map-of-counters shape
// internal/latency uses for per-tier state.
package usage

import "sync"

// Totals is the running token count for one tier.
type Totals struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Tracker accumulates Totals per tier label across the process lifetime.
type Tracker struct {
	mu     sync.Mutex
	totals map[string]*Totals
}

// NewTracker returns an empty usage Tracker.
func NewTracker() *Tracker {
	return &Tracker{totals: make(map[string]*Totals)}
}

// Seed initializes a tier's running totals from a persisted snapshot,
// used at startup to warm-restart from the last periodic save rather than
// starting every tier's counters at zero. It is additive with any Add
// calls already made, so call it before traffic starts flowing.
func (t *Tracker) Seed(tier string, promptTokens, completionTokens int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.totals[tier]
	if !ok {
		cur = &Totals{}
		t.totals[tier] = cur
	}
	cur.PromptTokens += promptTokens
	cur.CompletionTokens += completionTokens
}

// Add records prompt/completion token counts against a tier label.
func (t *Tracker) Add(tier string, promptTokens, completionTokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.totals[tier]
	if !ok {
		cur = &Totals{}
		t.totals[tier] = cur
	}
	cur.PromptTokens += int64(promptTokens)
	cur.CompletionTokens += int64(completionTokens)
}

// Snapshot returns a copy of the current per-tier totals.
func (t *Tracker) Snapshot() map[string]Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Totals, len(t.totals))
	for k, v := range t.totals {
		out[k] = *v
	}
	return out
}
