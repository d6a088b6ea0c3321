// Package sqlite is the pure-Go SQLite implementation of ports.SnapshotStore,
// a periodic warm-restart hint for the EWMATracker and usage Tracker rather
// than a write-through cache: the process never blocks a request on it.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/cascade-gateway/internal/storage/ports"
)

// Store is a SQLite-backed ports.SnapshotStore.
type Store struct {
	db *sql.DB
}

var _ ports.SnapshotStore = (*Store)(nil)

// New opens (creating if necessary) a SQLite database at dbPath, enables
// WAL mode for concurrent snapshot writes alongside admin-surface reads,
// and ensures the schema exists.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tier_snapshots (
			tier TEXT PRIMARY KEY,
			ewma_ms REAL NOT NULL,
			sample_count INTEGER NOT NULL,
			consecutive_failures INTEGER NOT NULL,
			rate_limit_until TIMESTAMP,
			quota_exhausted_until TIMESTAMP,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage_totals (
			tier TEXT PRIMARY KEY,
			prompt_tokens INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS interactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tier TEXT NOT NULL,
			dialect TEXT NOT NULL,
			outcome TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_at ON interactions(at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("storage: init schema: %w", err)
		}
	}
	return nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// SaveTierSnapshots upserts one row per tier, overwriting any prior
// snapshot for that tier's label.
func (s *Store) SaveTierSnapshots(snapshots []ports.TierSnapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO tier_snapshots
		(tier, ewma_ms, sample_count, consecutive_failures, rate_limit_until, quota_exhausted_until, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tier) DO UPDATE SET
			ewma_ms=excluded.ewma_ms,
			sample_count=excluded.sample_count,
			consecutive_failures=excluded.consecutive_failures,
			rate_limit_until=excluded.rate_limit_until,
			quota_exhausted_until=excluded.quota_exhausted_until,
			updated_at=excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("storage: prepare tier snapshot upsert: %w", err)
	}
	defer stmt.Close()

	for _, snap := range snapshots {
		if _, err := stmt.Exec(snap.Tier, snap.EWMAMs, snap.SampleCount, snap.ConsecutiveFailures,
			nullableTime(snap.RateLimitUntil), nullableTime(snap.QuotaExhaustedUntil), snap.UpdatedAt); err != nil {
			return fmt.Errorf("storage: upsert tier snapshot %q: %w", snap.Tier, err)
		}
	}
	return tx.Commit()
}

// LoadTierSnapshots returns every persisted tier snapshot.
func (s *Store) LoadTierSnapshots() ([]ports.TierSnapshot, error) {
	rows, err := s.db.Query(`SELECT tier, ewma_ms, sample_count, consecutive_failures,
		rate_limit_until, quota_exhausted_until, updated_at FROM tier_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("storage: query tier snapshots: %w", err)
	}
	defer rows.Close()

	var out []ports.TierSnapshot
	for rows.Next() {
		var snap ports.TierSnapshot
		var rateLimitUntil, quotaExhaustedUntil sql.NullTime
		if err := rows.Scan(&snap.Tier, &snap.EWMAMs, &snap.SampleCount, &snap.ConsecutiveFailures,
			&rateLimitUntil, &quotaExhaustedUntil, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan tier snapshot: %w", err)
		}
		if rateLimitUntil.Valid {
			snap.RateLimitUntil = rateLimitUntil.Time
		}
		if quotaExhaustedUntil.Valid {
			snap.QuotaExhaustedUntil = quotaExhaustedUntil.Time
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// SaveUsageSnapshots upserts one row per tier's cumulative token totals.
func (s *Store) SaveUsageSnapshots(snapshots []ports.UsageSnapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO usage_totals (tier, prompt_tokens, completion_tokens, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tier) DO UPDATE SET
			prompt_tokens=excluded.prompt_tokens,
			completion_tokens=excluded.completion_tokens,
			updated_at=excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("storage: prepare usage snapshot upsert: %w", err)
	}
	defer stmt.Close()

	for _, snap := range snapshots {
		if _, err := stmt.Exec(snap.Tier, snap.PromptTokens, snap.CompletionTokens, snap.UpdatedAt); err != nil {
			return fmt.Errorf("storage: upsert usage snapshot %q: %w", snap.Tier, err)
		}
	}
	return tx.Commit()
}

// LoadUsageSnapshots returns every persisted usage total.
func (s *Store) LoadUsageSnapshots() ([]ports.UsageSnapshot, error) {
	rows, err := s.db.Query(`SELECT tier, prompt_tokens, completion_tokens, updated_at FROM usage_totals`)
	if err != nil {
		return nil, fmt.Errorf("storage: query usage snapshots: %w", err)
	}
	defer rows.Close()

	var out []ports.UsageSnapshot
	for rows.Next() {
		var snap ports.UsageSnapshot
		if err := rows.Scan(&snap.Tier, &snap.PromptTokens, &snap.CompletionTokens, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan usage snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// RecordInteraction appends one row to the interaction log.
func (s *Store) RecordInteraction(rec ports.InteractionRecord) error {
	_, err := s.db.Exec(`INSERT INTO interactions (tier, dialect, outcome, duration_ms, at)
		VALUES (?, ?, ?, ?, ?)`, rec.Tier, rec.Dialect, rec.Outcome, rec.DurationMs, rec.At)
	if err != nil {
		return fmt.Errorf("storage: record interaction: %w", err)
	}
	return nil
}

// RecentInteractions returns the n most recent interaction rows, newest
// first.
func (s *Store) RecentInteractions(n int) ([]ports.InteractionRecord, error) {
	rows, err := s.db.Query(`SELECT tier, dialect, outcome, duration_ms, at
		FROM interactions ORDER BY at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("storage: query interactions: %w", err)
	}
	defer rows.Close()

	var out []ports.InteractionRecord
	for rows.Next() {
		var rec ports.InteractionRecord
		if err := rows.Scan(&rec.Tier, &rec.Dialect, &rec.Outcome, &rec.DurationMs, &rec.At); err != nil {
			return nil, fmt.Errorf("storage: scan interaction: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
