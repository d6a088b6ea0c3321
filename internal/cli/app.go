// Package cli implements the gateway's command-line surface: start, status,
// validate, and version, the composition root that wires every other
// package into a running process.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/tjfontaine/cascade-gateway/internal/auth"
	"github.com/tjfontaine/cascade-gateway/internal/cascade"
	"github.com/tjfontaine/cascade-gateway/internal/config"
	"github.com/tjfontaine/cascade-gateway/internal/latency"
	"github.com/tjfontaine/cascade-gateway/internal/server"
	"github.com/tjfontaine/cascade-gateway/internal/storage/ports"
	"github.com/tjfontaine/cascade-gateway/internal/storage/sqlite"
	"github.com/tjfontaine/cascade-gateway/internal/telemetry"
	"github.com/tjfontaine/cascade-gateway/internal/tenant"
	"github.com/tjfontaine/cascade-gateway/internal/tokens"
	"github.com/tjfontaine/cascade-gateway/internal/transform"
	"github.com/tjfontaine/cascade-gateway/internal/usage"
)

// Version is the build version reported by the version subcommand and
// /health, overridden at link time via -ldflags.
var Version = "dev"

// defaultConfigPath is used when neither --config nor GATEWAY_CONFIG is set.
const defaultConfigPath = "config.yaml"

// NewApp builds the root command tree.
func NewApp() *cli.Command {
	return &cli.Command{
		Name:  "gateway",
		Usage: "multi-tier LLM routing proxy",
		Commands: []*cli.Command{
			startCommand(),
			statusCommand(),
			validateCommand(),
			versionCommand(),
		},
	}
}

// Run parses args and dispatches to the matched subcommand.
func Run(ctx context.Context, args []string) error {
	return NewApp().Run(ctx, args)
}

func configFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "config",
		Usage:   "path to the YAML config file",
		Value:   defaultConfigPath,
		Sources: cli.EnvVars("GATEWAY_CONFIG"),
	}
}

func startCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "load configuration and serve until terminated",
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{Name: "host", Usage: "override server.host"},
			&cli.IntFlag{Name: "port", Usage: "override server.port"},
			&cli.IntFlag{Name: "max-streams", Usage: "override server.max_streams"},
			&cli.IntFlag{Name: "shutdown-timeout", Usage: "override server.shutdown_timeout_s"},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "optional external state backend (unused: persistence is SQLite-only; accepted so the documented env var doesn't error out)",
				Sources: cli.EnvVars("GATEWAY_REDIS_URL"),
			},
		},
		Action: runStart,
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "check whether a gateway instance is serving /health",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Usage: "base URL of the running instance", Value: "http://localhost:8080"},
		},
		Action: runStatus,
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "load and validate the config file without starting a listener",
		Flags: []cli.Flag{
			configFlag(),
		},
		Action: runValidate,
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "print the build version",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Fprintln(cmd.Root().Writer, Version)
			return nil
		},
	}
}

func runValidate(ctx context.Context, cmd *cli.Command) error {
	_, err := config.Load(cmd.String("config"))
	if err != nil {
		fmt.Fprintln(cmd.Root().ErrWriter, err)
		return cli.Exit(err, 1)
	}
	fmt.Fprintln(cmd.Root().Writer, "config OK")
	return nil
}

func runStatus(ctx context.Context, cmd *cli.Command) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(cmd.String("url") + "/health")
	if err != nil {
		fmt.Fprintln(cmd.Root().Writer, "not running:", err)
		return cli.Exit("not running", 1)
	}
	defer resp.Body.Close()
	io.Copy(cmd.Root().Writer, resp.Body)
	fmt.Fprintln(cmd.Root().Writer)
	if resp.StatusCode != http.StatusOK {
		return cli.Exit(fmt.Sprintf("unhealthy: status %d", resp.StatusCode), 1)
	}
	return nil
}

func runStart(ctx context.Context, cmd *cli.Command) error {
	_ = godotenv.Load()

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return cli.Exit(fmt.Errorf("load config: %w", err), 1)
	}
	applyFlagOverrides(cfg, cmd)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if redisURL := cmd.String("redis-url"); redisURL != "" {
		logger.Warn("GATEWAY_REDIS_URL is set but unused: persisted state is SQLite-only, see storage.sqlite_path")
	}

	shutdownTracer, err := telemetry.InitTracer("cascade-gateway", logger)
	if err != nil {
		return cli.Exit(fmt.Errorf("init tracer: %w", err), 1)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("tracer shutdown failed", slog.String("error", err.Error()))
		}
	}()

	tracker := latency.NewTracker(cfg.TierNames(), cfg.BaselineMsByTier())
	usageTracker := usage.NewTracker()

	store, err := openStore(cfg, tracker, usageTracker, logger)
	if err != nil {
		return cli.Exit(fmt.Errorf("open storage: %w", err), 1)
	}
	if store != nil {
		defer store.Close()
		stop := startSnapshotLoop(ctx, cfg, tracker, usageTracker, store, logger)
		defer stop()
	}

	tokenRegistry := tokens.NewRegistry()
	tokenRegistry.Register(tokens.NewOpenAICounter())

	transformRegistry := transform.NewRegistry()
	transformRegistry.RegisterBuiltins()

	dispatcher := cascade.NewHTTPDispatcher(cfg.APITimeout())

	var current atomic.Pointer[config.ConfigModel]
	current.Store(cfg)

	buildPipeline := func(c *config.ConfigModel) (*server.Handlers, *auth.Authenticator, *server.AdminHandlers) {
		executor := cascade.NewExecutor(c, tracker, dispatcher, transformRegistry)
		handlers := server.NewHandlers(c, executor, tracker, usageTracker, tokenRegistry, logger)
		authenticator := buildAuthenticator(c)
		admin := server.NewAdminHandlers(c, tracker, interactionLister(store))
		return handlers, authenticator, admin
	}

	handlers, authenticator, admin := buildPipeline(cfg)
	srv := server.New(cfg, logger, authenticator, handlers, admin)

	holder := config.NewHolder(cmd.String("config"),
		func() *config.ConfigModel { return current.Load() },
		func(next *config.ConfigModel) {
			current.Store(next)
			h, a, ad := buildPipeline(next)
			srv.Reload(next, a, h, ad)
		})
	stopWatch, err := holder.WatchAndReload(logger)
	if err != nil {
		logger.Warn("config hot-reload disabled", slog.String("error", err.Error()))
	} else {
		defer stopWatch()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return cli.Exit(fmt.Errorf("server: %w", err), 1)
		}
		return nil
	case <-sigCh:
		logger.Info("shutdown signal received")
	}

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutS) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.String("error", err.Error()))
		return cli.Exit(err, 1)
	}
	logger.Info("shutdown complete")
	return nil
}

func applyFlagOverrides(cfg *config.ConfigModel, cmd *cli.Command) {
	if v := cmd.String("host"); v != "" {
		cfg.Server.Host = v
	}
	if v := cmd.Int("port"); v != 0 {
		cfg.Server.Port = int(v)
	}
	if v := cmd.Int("max-streams"); v != 0 {
		cfg.Server.MaxStreams = int(v)
	}
	if v := cmd.Int("shutdown-timeout"); v != 0 {
		cfg.Server.ShutdownTimeoutS = int(v)
	}
}

// buildAuthenticator builds an Authenticator from configured tenants,
// hashing each raw configured API key since tenant.APIKey stores hashes
// only, never the raw secret. Returns nil (single-tenant/no-auth mode) when
// no tenants are configured.
func buildAuthenticator(cfg *config.ConfigModel) *auth.Authenticator {
	if len(cfg.Tenants) == 0 {
		return nil
	}
	tenants := make([]*tenant.Tenant, 0, len(cfg.Tenants))
	for _, tc := range cfg.Tenants {
		keys := make([]tenant.APIKey, 0, len(tc.APIKeys))
		for _, raw := range tc.APIKeys {
			keys = append(keys, tenant.APIKey{KeyHash: auth.HashAPIKey(raw)})
		}
		tenants = append(tenants, &tenant.Tenant{Name: tc.Name, APIKeys: keys})
	}
	return auth.NewAuthenticator(tenants)
}

// openStore opens the configured SQLite snapshot store (if any) and seeds
// the live trackers from its last saved state, so a restart resumes with
// warm latency/usage figures instead of every tier starting cold.
func openStore(cfg *config.ConfigModel, tracker *latency.Tracker, usageTracker *usage.Tracker, logger *slog.Logger) (ports.SnapshotStore, error) {
	if cfg.Storage.SQLitePath == "" {
		return nil, nil
	}
	store, err := sqlite.New(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}

	tierSnaps, err := store.LoadTierSnapshots()
	if err != nil {
		logger.Warn("failed to load tier snapshots", slog.String("error", err.Error()))
	}
	for _, snap := range tierSnaps {
		tracker.Seed(latency.Snapshot{
			Name:                snap.Tier,
			EWMAMs:              snap.EWMAMs,
			SampleCount:         snap.SampleCount,
			ConsecutiveFailures: snap.ConsecutiveFailures,
			RateLimitUntil:      snap.RateLimitUntil,
			QuotaExhaustedUntil: snap.QuotaExhaustedUntil,
		})
	}

	usageSnaps, err := store.LoadUsageSnapshots()
	if err != nil {
		logger.Warn("failed to load usage snapshots", slog.String("error", err.Error()))
	}
	for _, snap := range usageSnaps {
		usageTracker.Seed(snap.Tier, snap.PromptTokens, snap.CompletionTokens)
	}

	logger.Info("warm-restarted from persisted snapshot",
		slog.Int("tiers", len(tierSnaps)), slog.Int("usage_rows", len(usageSnaps)))
	return store, nil
}

// startSnapshotLoop periodically writes the live trackers' state to store
// so the next restart can warm-start from it. It is a best-effort hint, not
// a durability guarantee: a crash between ticks loses at most one interval
// of state, and the in-memory trackers remain authoritative the whole time.
func startSnapshotLoop(ctx context.Context, cfg *config.ConfigModel, tracker *latency.Tracker, usageTracker *usage.Tracker, store ports.SnapshotStore, logger *slog.Logger) func() {
	interval := time.Duration(cfg.Storage.SnapshotInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				snapshotNow(tracker, usageTracker, store, logger)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(done) }
}

func snapshotNow(tracker *latency.Tracker, usageTracker *usage.Tracker, store ports.SnapshotStore, logger *slog.Logger) {
	now := time.Now()

	tierSnaps := tracker.Snapshots()
	rows := make([]ports.TierSnapshot, len(tierSnaps))
	for i, s := range tierSnaps {
		rows[i] = ports.TierSnapshot{
			Tier:                s.Name,
			EWMAMs:              s.EWMAMs,
			SampleCount:         s.SampleCount,
			ConsecutiveFailures: s.ConsecutiveFailures,
			RateLimitUntil:      s.RateLimitUntil,
			QuotaExhaustedUntil: s.QuotaExhaustedUntil,
			UpdatedAt:           now,
		}
	}
	if err := store.SaveTierSnapshots(rows); err != nil {
		logger.Warn("failed to save tier snapshots", slog.String("error", err.Error()))
	}

	totals := usageTracker.Snapshot()
	usageRows := make([]ports.UsageSnapshot, 0, len(totals))
	for tier, t := range totals {
		usageRows = append(usageRows, ports.UsageSnapshot{
			Tier:             tier,
			PromptTokens:     t.PromptTokens,
			CompletionTokens: t.CompletionTokens,
			UpdatedAt:        now,
		})
	}
	if err := store.SaveUsageSnapshots(usageRows); err != nil {
		logger.Warn("failed to save usage snapshots", slog.String("error", err.Error()))
	}
}

// interactionLister adapts a possibly-nil ports.SnapshotStore to
// server.InteractionLister's narrower, server-owned record shape, so the
// server package never needs to know storage exists at all.
type interactionListerAdapter struct {
	store ports.SnapshotStore
}

func (a *interactionListerAdapter) RecentInteractions(n int) ([]server.InteractionRecord, error) {
	rows, err := a.store.RecentInteractions(n)
	if err != nil {
		return nil, err
	}
	out := make([]server.InteractionRecord, len(rows))
	for i, r := range rows {
		out[i] = server.InteractionRecord{
			Tier:       r.Tier,
			Dialect:    r.Dialect,
			Outcome:    r.Outcome,
			DurationMs: r.DurationMs,
			At:         r.At,
		}
	}
	return out, nil
}

func interactionLister(store ports.SnapshotStore) server.InteractionLister {
	if store == nil {
		return nil
	}
	return &interactionListerAdapter{store: store}
}
