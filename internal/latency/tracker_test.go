package latency

import (
	"testing"
	"time"
)

func TestOrder_UnstableTiersKeepConfiguredPosition(t *testing.T) {
	tr := NewTracker([]string{"a", "b", "c"}, nil)
	// No samples recorded for any tier; order must be unchanged.
	got := tr.Order("", false)
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestOrder_StableTiersSortByEWMA(t *testing.T) {
	tr := NewTracker([]string{"slow", "fast"}, map[string]float64{"slow": 500, "fast": 100})

	for i := 0; i < stableSampleCount; i++ {
		slow := tr.BeginAttempt("slow")
		time.Sleep(5 * time.Millisecond)
		slow.Success()
		tr.BeginAttempt("fast").Success()
	}

	got := tr.Order("", false)
	if got[0] != "fast" || got[1] != "slow" {
		t.Fatalf("got %v, want [fast slow]", got)
	}
}

func TestOrder_UnavailableTiersLast(t *testing.T) {
	tr := NewTracker([]string{"a", "b"}, nil)
	tr.MarkRateLimited("a", time.Minute)

	got := tr.Order("", false)
	if got[len(got)-1] != "a" {
		t.Fatalf("got %v, want rate-limited tier last", got)
	}
}

func TestOrder_DirectRoutingHoistsRequestedTier(t *testing.T) {
	tr := NewTracker([]string{"a", "b", "c"}, nil)
	got := tr.Order("c", false)
	if got[0] != "c" {
		t.Fatalf("got %v, want c hoisted to front", got)
	}
}

func TestOrder_IgnoreDirectRoutingDisablesHoist(t *testing.T) {
	tr := NewTracker([]string{"a", "b", "c"}, nil)
	got := tr.Order("c", true)
	if got[0] != "a" {
		t.Fatalf("got %v, want configured order preserved", got)
	}
}

func TestMarkSuccess_ClearsRateLimit(t *testing.T) {
	tr := NewTracker([]string{"a"}, nil)
	tr.MarkRateLimited("a", time.Minute)
	if !tr.State("a").Unavailable(time.Now()) {
		t.Fatal("expected tier to be unavailable after rate limit")
	}
	tr.MarkSuccess("a")
	if tr.State("a").Unavailable(time.Now()) {
		t.Fatal("expected tier to be available after MarkSuccess")
	}
}

func TestTimer_FailurePenalty(t *testing.T) {
	tr := NewTracker([]string{"a"}, map[string]float64{"a": 200})

	timer := tr.BeginAttempt("a")
	timer.Failure()

	// First sample seeds from baseline via applySample's else-branch being
	// skipped (sampleCount==0), so the penalty itself becomes the seed:
	// 2*max(ewma=200, baseline=200) = 400.
	got := tr.State("a").EWMAMs()
	if got != 400 {
		t.Fatalf("EWMAMs() = %v, want 400", got)
	}
}

func TestBackoffScale_ScalesWithSlowTiers(t *testing.T) {
	tr := NewTracker([]string{"a"}, map[string]float64{"a": 100})
	scale := tr.State("a").BackoffScale()
	if scale != 1.0 {
		t.Fatalf("BackoffScale() = %v, want 1.0 when ewma==baseline", scale)
	}

	for i := 0; i < stableSampleCount; i++ {
		timer := tr.BeginAttempt("a")
		time.Sleep(time.Millisecond)
		timer.Success()
	}
	if scale := tr.State("a").BackoffScale(); scale != 1.0 {
		t.Fatalf("BackoffScale() = %v, want 1.0 when ewma is below baseline", scale)
	}

	tr.Seed(Snapshot{Name: "a", EWMAMs: 250, SampleCount: stableSampleCount})
	if scale := tr.State("a").BackoffScale(); scale != 2.5 {
		t.Fatalf("BackoffScale() = %v, want 2.5 when ewma is 2.5x baseline", scale)
	}
}
