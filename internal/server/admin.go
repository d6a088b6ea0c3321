package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/cascade-gateway/internal/config"
	"github.com/tjfontaine/cascade-gateway/internal/latency"
)

// InteractionRecord is one persisted attempt row, as read back by
// GET /admin/interactions. An adapter over the storage layer
// (internal/cli's interactionListerAdapter) implements InteractionLister to
// supply these without this package knowing
// anything about SQLite or the snapshot schema.
type InteractionRecord struct {
	Tier      string    `json:"tier"`
	Dialect   string    `json:"dialect"`
	Outcome   string    `json:"outcome"`
	DurationMs int64    `json:"duration_ms"`
	At        time.Time `json:"at"`
}

// InteractionLister supplies the most recent N persisted interactions for
// the admin dashboard. Implemented by internal/cli's adapter over the
// sqlite-backed store; nil when no persisted store is configured.
type InteractionLister interface {
	RecentInteractions(n int) ([]InteractionRecord, error)
}

// AdminHandlers serves the read-only operational dashboard API at /admin,
// grounded in the teacher's controlplane REST surface but reporting tier
// health and configuration instead of conversation history.
type AdminHandlers struct {
	cfg          *config.ConfigModel
	tracker      *latency.Tracker
	interactions InteractionLister
}

// NewAdminHandlers wires an AdminHandlers. interactions may be nil if no
// persisted store is configured; /admin/interactions then reports 503.
func NewAdminHandlers(cfg *config.ConfigModel, tracker *latency.Tracker, interactions InteractionLister) *AdminHandlers {
	return &AdminHandlers{cfg: cfg, tracker: tracker, interactions: interactions}
}

// Mount registers the admin routes onto r, which server.New mounts at
// "/admin" via r.Route.
func (a *AdminHandlers) Mount(r chi.Router) {
	r.Get("/tiers", a.handleTiers)
	r.Get("/interactions", a.handleInteractions)
	r.Get("/config", a.handleConfig)
}

type tierDump struct {
	Name                string  `json:"name"`
	EWMAMs              float64 `json:"ewma_ms"`
	SampleCount         int     `json:"sample_count"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	RateLimitUntil      *time.Time `json:"rate_limit_until,omitempty"`
	QuotaExhaustedUntil *time.Time `json:"quota_exhausted_until,omitempty"`
}

func (a *AdminHandlers) handleTiers(w http.ResponseWriter, r *http.Request) {
	snapshots := a.tracker.Snapshots()
	dumps := make([]tierDump, 0, len(snapshots))
	for _, s := range snapshots {
		d := tierDump{
			Name:                s.Name,
			EWMAMs:              s.EWMAMs,
			SampleCount:         s.SampleCount,
			ConsecutiveFailures: s.ConsecutiveFailures,
		}
		if !s.RateLimitUntil.IsZero() {
			d.RateLimitUntil = &s.RateLimitUntil
		}
		if !s.QuotaExhaustedUntil.IsZero() {
			d.QuotaExhaustedUntil = &s.QuotaExhaustedUntil
		}
		dumps = append(dumps, d)
	}
	writeJSON(w, http.StatusOK, dumps)
}

func (a *AdminHandlers) handleInteractions(w http.ResponseWriter, r *http.Request) {
	if a.interactions == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no persisted store configured"})
		return
	}
	records, err := a.interactions.RecentInteractions(100)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// redactedTier is a TierConfig view with credential-bearing fields removed.
type redactedTier struct {
	Name       string  `json:"name"`
	Provider   string  `json:"provider"`
	Model      string  `json:"model"`
	BaseURL    string  `json:"base_url"`
	BaselineMs float64 `json:"baseline_ms"`
}

type redactedConfig struct {
	Server  config.ServerConfig `json:"server"`
	Tiers   []redactedTier      `json:"tiers"`
	Retry   config.RetryPolicy  `json:"retry"`
	Presets []string            `json:"presets"`
	Tenants []string            `json:"tenants"`
}

func (a *AdminHandlers) handleConfig(w http.ResponseWriter, r *http.Request) {
	tiers := make([]redactedTier, 0, len(a.cfg.Tiers))
	for _, t := range a.cfg.Tiers {
		tiers = append(tiers, redactedTier{
			Name:       t.Name,
			Provider:   t.Provider,
			Model:      t.Model,
			BaseURL:    t.BaseURL,
			BaselineMs: t.BaselineMs,
		})
	}
	presets := make([]string, 0, len(a.cfg.Presets))
	for name := range a.cfg.Presets {
		presets = append(presets, name)
	}
	tenants := make([]string, 0, len(a.cfg.Tenants))
	for _, t := range a.cfg.Tenants {
		tenants = append(tenants, t.Name)
	}
	writeJSON(w, http.StatusOK, redactedConfig{
		Server:  a.cfg.Server,
		Tiers:   tiers,
		Retry:   a.cfg.Retry,
		Presets: presets,
		Tenants: tenants,
	})
}
