// Package ports declares the storage-facing interfaces the gateway's live
// state can be snapshotted through, so the SQLite-backed store (§13) and any
// future external key-value store are interchangeable behind one seam.
package ports

import "time"

// TierSnapshot is one tier's latency/availability state as of a point in
// time, the row shape persisted to and read back from tier_snapshots.
type TierSnapshot struct {
	Tier                string
	EWMAMs              float64
	SampleCount         int
	ConsecutiveFailures int
	RateLimitUntil      time.Time
	QuotaExhaustedUntil time.Time
	UpdatedAt           time.Time
}

// UsageSnapshot is one tier's cumulative token totals as of a point in
// time, the row shape persisted to and read back from usage_totals.
type UsageSnapshot struct {
	Tier             string
	PromptTokens     int64
	CompletionTokens int64
	UpdatedAt        time.Time
}

// InteractionRecord is one completed request/response attempt, logged for
// the admin dashboard's recent-activity view.
type InteractionRecord struct {
	Tier       string
	Dialect    string
	Outcome    string
	DurationMs int64
	At         time.Time
}

// SnapshotStore persists periodic warm-restart hints for the EWMATracker
// and usage Tracker, and a rolling log of recent interactions for the admin
// surface. It is never the system of record: the in-memory trackers are
// always authoritative while the process is running, and a restart that
// finds no store (or an empty one) simply starts cold.
type SnapshotStore interface {
	SaveTierSnapshots(snapshots []TierSnapshot) error
	LoadTierSnapshots() ([]TierSnapshot, error)

	SaveUsageSnapshots(snapshots []UsageSnapshot) error
	LoadUsageSnapshots() ([]UsageSnapshot, error)

	RecordInteraction(rec InteractionRecord) error
	RecentInteractions(n int) ([]InteractionRecord, error)

	Close() error
}
