// Package latency tracks per-tier latency and rate-limit state and decides
// the order the cascade executor should try tiers in.
package latency

import (
	"sort"
	"sync"
	"time"
)

const (
	// defaultAlpha is the EWMA smoothing factor; 0.2 weights the most
	// recent sample moderately without letting one outlier dominate.
	defaultAlpha = 0.2

	// stableSampleCount is the number of samples a tier needs before its
	// EWMA is trusted enough to reorder it ahead of its configured slot.
	stableSampleCount = 3

	// defaultRateLimitCooldown is used when a 429 carries no Retry-After.
	defaultRateLimitCooldown = 30 * time.Second
)

// TierState is the mutable latency/availability state for one tier.
type TierState struct {
	mu sync.Mutex

	name       string
	baselineMs float64

	ewmaMs      float64
	sampleCount int

	consecutiveFailures int

	rateLimitUntil     time.Time
	quotaExhaustedUntil time.Time
}

func newTierState(name string, baselineMs float64) *TierState {
	return &TierState{name: name, baselineMs: baselineMs, ewmaMs: baselineMs}
}

// Name returns the tier name this state tracks.
func (s *TierState) Name() string { return s.name }

func (s *TierState) snapshot() (ewmaMs float64, sampleCount int, rateLimitUntil, quotaExhaustedUntil time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ewmaMs, s.sampleCount, s.rateLimitUntil, s.quotaExhaustedUntil
}

// Unavailable reports whether the tier is currently rate-limited or
// quota-exhausted and should be skipped by the executor.
func (s *TierState) Unavailable(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Before(s.rateLimitUntil) || now.Before(s.quotaExhaustedUntil)
}

// EWMAMs returns the tier's current latency estimate in milliseconds.
func (s *TierState) EWMAMs() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ewmaMs
}

// BackoffScale returns max(1.0, ewma_ms/baseline_ms), used to stretch
// backoff delays for tiers that are currently running slow.
func (s *TierState) BackoffScale() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baselineMs <= 0 {
		return 1.0
	}
	scale := s.ewmaMs / s.baselineMs
	if scale < 1.0 {
		return 1.0
	}
	return scale
}

// Snapshot is a point-in-time read of a tier's state, for reporting
// endpoints that need more than Order()'s bare name list.
type Snapshot struct {
	Name                string
	EWMAMs              float64
	SampleCount         int
	ConsecutiveFailures int
	RateLimitUntil      time.Time
	QuotaExhaustedUntil time.Time
}

// Snapshot returns a copy of this tier's current state.
func (s *TierState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Name:                s.name,
		EWMAMs:              s.ewmaMs,
		SampleCount:         s.sampleCount,
		ConsecutiveFailures: s.consecutiveFailures,
		RateLimitUntil:      s.rateLimitUntil,
		QuotaExhaustedUntil: s.quotaExhaustedUntil,
	}
}

// Timer is returned by Tracker.BeginAttempt; exactly one of Success,
// Failure, or Discard must be called once the attempt concludes.
type Timer struct {
	state   *TierState
	started time.Time
	done    bool
}

// Success records the elapsed time as a normal EWMA sample.
func (t *Timer) Success() {
	if t.done {
		return
	}
	t.done = true
	elapsed := float64(time.Since(t.started).Milliseconds())
	t.state.mu.Lock()
	defer t.state.mu.Unlock()
	t.state.applySample(elapsed)
}

// Failure records a penalty sample: 2*max(ewma, baseline), so a fast
// timeout never looks cheaper than a slow success.
func (t *Timer) Failure() {
	if t.done {
		return
	}
	t.done = true
	t.state.mu.Lock()
	defer t.state.mu.Unlock()
	penalty := 2 * max(t.state.ewmaMs, t.state.baselineMs)
	t.state.applySample(penalty)
	t.state.consecutiveFailures++
}

// Discard marks the attempt concluded without recording a sample, used for
// outcomes that are neither a success nor a tier-caused failure (a 4xx the
// caller, not the tier, is responsible for). ewmaMs, sampleCount, and
// consecutiveFailures are left untouched.
func (t *Timer) Discard() {
	t.done = true
}

// applySample updates ewmaMs under the caller's lock. The first sample
// seeds the EWMA directly rather than blending with the baseline.
func (s *TierState) applySample(sampleMs float64) {
	if s.sampleCount == 0 {
		s.ewmaMs = sampleMs
	} else {
		s.ewmaMs = defaultAlpha*sampleMs + (1-defaultAlpha)*s.ewmaMs
	}
	s.sampleCount++
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Tracker holds one TierState per configured tier and answers ordering
// queries. It is the only significant shared mutable state in the process;
// all operations are O(number of tiers).
type Tracker struct {
	mu    sync.RWMutex
	order []string // configured order, by tier name
	tiers map[string]*TierState
}

// NewTracker builds a Tracker for the given tiers, in configured order.
func NewTracker(names []string, baselineMs map[string]float64) *Tracker {
	t := &Tracker{
		order: append([]string(nil), names...),
		tiers: make(map[string]*TierState, len(names)),
	}
	for _, name := range names {
		t.tiers[name] = newTierState(name, baselineMs[name])
	}
	return t
}

// Seed restores a tier's EWMA/availability state from a persisted
// snapshot, used at startup to warm-restart from the last periodic save
// instead of every tier starting cold at its configured baseline. It is a
// no-op for unknown tier names (e.g. one removed from config since the
// snapshot was taken).
func (t *Tracker) Seed(snap Snapshot) {
	s := t.State(snap.Name)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ewmaMs = snap.EWMAMs
	s.sampleCount = snap.SampleCount
	s.consecutiveFailures = snap.ConsecutiveFailures
	s.rateLimitUntil = snap.RateLimitUntil
	s.quotaExhaustedUntil = snap.QuotaExhaustedUntil
}

// State returns the TierState for a tier name, or nil if unknown.
func (t *Tracker) State(name string) *TierState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tiers[name]
}

// BeginAttempt starts a scoped timer for an attempt against the named tier.
func (t *Tracker) BeginAttempt(name string) *Timer {
	s := t.State(name)
	if s == nil {
		return &Timer{state: newTierState(name, 0), started: time.Now()}
	}
	return &Timer{state: s, started: time.Now()}
}

// MarkRateLimited sets rate_limit_until for a tier to now+retryAfter, or
// now+defaultRateLimitCooldown if retryAfter is zero.
func (t *Tracker) MarkRateLimited(name string, retryAfter time.Duration) {
	s := t.State(name)
	if s == nil {
		return
	}
	if retryAfter <= 0 {
		retryAfter = defaultRateLimitCooldown
	}
	s.mu.Lock()
	s.rateLimitUntil = time.Now().Add(retryAfter)
	s.consecutiveFailures++
	s.mu.Unlock()
}

// MarkQuotaExhausted sets quota_exhausted_until for a tier.
func (t *Tracker) MarkQuotaExhausted(name string, resetAt time.Time) {
	s := t.State(name)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.quotaExhaustedUntil = resetAt
	s.mu.Unlock()
}

// MarkSuccess clears rate_limit_until and resets the failure streak.
func (t *Tracker) MarkSuccess(name string) {
	s := t.State(name)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.rateLimitUntil = time.Time{}
	s.consecutiveFailures = 0
	s.mu.Unlock()
}

// Snapshots returns a Snapshot per tier, in configured order.
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Snapshot, len(t.order))
	for i, name := range t.order {
		out[i] = t.tiers[name].Snapshot()
	}
	return out
}

// EarliestAvailable returns the soonest time any currently-unavailable tier
// becomes eligible again, used when every tier is in backoff.
func (t *Tracker) EarliestAvailable() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now()
	var earliest time.Time
	for _, name := range t.order {
		s := t.tiers[name]
		_, _, rl, qe := s.snapshot()
		until := rl
		if qe.After(until) {
			until = qe
		}
		if !until.After(now) {
			continue
		}
		if earliest.IsZero() || until.Before(earliest) {
			earliest = until
		}
	}
	return earliest
}

// orderEntry is an internal sort record carrying enough state to implement
// the stable-merge-with-unstable-block ordering rule.
type orderEntry struct {
	name        string
	configIndex int
	ewmaMs      float64
	stable      bool // sample_count >= stableSampleCount
	unavailable bool
}

// Order returns a permutation of the configured tier list: tiers without
// enough samples stay pinned at their configured slot, and tiers with
// enough samples are sorted by ewma_ms ascending among the remaining
// slots. Unavailable tiers (rate-limited or
// quota-exhausted) are always placed last, in their relative order. If
// requestedTier is non-empty and ignoreDirectRouting is false, that tier is
// hoisted to the front (unless it is itself unavailable, in which case it
// is left in its merged position).
func (t *Tracker) Order(requestedTier string, ignoreDirectRouting bool) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now()
	entries := make([]orderEntry, 0, len(t.order))
	for i, name := range t.order {
		s := t.tiers[name]
		ewma, count, rl, qe := s.snapshot()
		entries = append(entries, orderEntry{
			name:        name,
			configIndex: i,
			ewmaMs:      ewma,
			stable:      count >= stableSampleCount,
			unavailable: now.Before(rl) || now.Before(qe),
		})
	}

	available := make([]orderEntry, 0, len(entries))
	unavailable := make([]orderEntry, 0)
	for _, e := range entries {
		if e.unavailable {
			unavailable = append(unavailable, e)
		} else {
			available = append(available, e)
		}
	}

	merged := stableMergeByLatency(available)
	for _, e := range unavailable {
		merged = append(merged, e)
	}

	names := make([]string, len(merged))
	for i, e := range merged {
		names[i] = e.name
	}

	if requestedTier != "" && !ignoreDirectRouting {
		for i, e := range merged {
			if e.name == requestedTier {
				if !e.unavailable {
					names = hoist(names, i)
				}
				break
			}
		}
	}

	return names
}

func hoist(names []string, idx int) []string {
	if idx == 0 {
		return names
	}
	out := make([]string, 0, len(names))
	out = append(out, names[idx])
	out = append(out, names[:idx]...)
	out = append(out, names[idx+1:]...)
	return out
}

// stableMergeByLatency sorts the "stable" subsequence by EWMA ascending
// while leaving "unstable" entries pinned at their configured index,
// then merges the two views back into configured-index order except that
// stable entries are reordered among themselves by latency.
func stableMergeByLatency(entries []orderEntry) []orderEntry {
	stableIdx := make([]int, 0)
	for i, e := range entries {
		if e.stable {
			stableIdx = append(stableIdx, i)
		}
	}

	stableSorted := make([]orderEntry, len(stableIdx))
	for i, idx := range stableIdx {
		stableSorted[i] = entries[idx]
	}
	sort.SliceStable(stableSorted, func(i, j int) bool {
		return stableSorted[i].ewmaMs < stableSorted[j].ewmaMs
	})

	out := make([]orderEntry, len(entries))
	copy(out, entries)
	for i, idx := range stableIdx {
		out[idx] = stableSorted[i]
	}
	return out
}
