// Package config loads and validates the immutable ConfigModel every other
// component is built from.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// TierConfig is one cascade rung as read from configuration.
type TierConfig struct {
	Name       string  `koanf:"name"`
	Provider   string  `koanf:"provider"`
	Model      string  `koanf:"model"`
	BaseURL    string  `koanf:"base_url"`
	APIKeyEnv  string  `koanf:"api_key_env"`
	BaselineMs float64 `koanf:"baseline_ms"`
}

// RetryPolicy is the per-tier attempt/backoff policy.
type RetryPolicy struct {
	MaxRetries       int     `koanf:"max_retries"`
	BaseBackoffMs    int     `koanf:"base_backoff_ms"`
	BackoffMultiplier float64 `koanf:"backoff_multiplier"`
	MaxBackoffMs     int     `koanf:"max_backoff_ms"`
}

// PresetConfig names a route plus parameter overrides reachable at
// /preset/{name}/v1/messages.
type PresetConfig struct {
	Route      string         `koanf:"route"`
	Overrides  map[string]any `koanf:"overrides"`
}

// TransformerEntry is one link in a provider or model transformer chain: a
// bare name, or a name plus a parameter object.
type TransformerEntry struct {
	Name   string         `koanf:"name"`
	Params map[string]any `koanf:"params"`
}

// TenantConfig describes one API-key-bearing tenant for multi-tenant mode.
type TenantConfig struct {
	Name    string   `koanf:"name"`
	APIKeys []string `koanf:"api_keys"`
}

// ServerConfig holds listener-level settings.
type ServerConfig struct {
	Host             string `koanf:"host"`
	Port             int    `koanf:"port"`
	APITimeoutMs     int    `koanf:"api_timeout_ms"`
	SSEBufferSize    int    `koanf:"sse_buffer_size"`
	MaxStreams       int    `koanf:"max_streams"`
	ShutdownTimeoutS int    `koanf:"shutdown_timeout_s"`
}

// StorageConfig configures the optional persisted-snapshot store (§13).
type StorageConfig struct {
	SQLitePath       string `koanf:"sqlite_path"`
	SnapshotInterval int    `koanf:"snapshot_interval_s"`
}

// Config is the root structure koanf unmarshals into before Load() derives
// the validated, immutable ConfigModel from it.
type Config struct {
	Server              ServerConfig                  `koanf:"server"`
	Storage             StorageConfig                 `koanf:"storage"`
	Tiers               []TierConfig                  `koanf:"tiers"`
	Retry               RetryPolicy                   `koanf:"retry"`
	Presets             map[string]PresetConfig       `koanf:"presets"`
	Tenants             []TenantConfig                `koanf:"tenants"`
	Transformers        map[string][]TransformerEntry `koanf:"transformers"`        // keyed by provider name
	ModelTransformers    map[string][]TransformerEntry `koanf:"model_transformers"` // keyed by "provider,model"
	IgnoreDirectRouting bool                          `koanf:"ignore_direct_routing"`
	ForceNonStreaming   bool                          `koanf:"force_non_streaming"`
	LongContextThreshold int                          `koanf:"long_context_threshold"`
}

// ConfigModel is the immutable, validated snapshot every other component
// consumes. It is produced once by Load (or Reload) and never mutated in
// place; a hot-reload swaps the pointer a holder refers to.
type ConfigModel struct {
	Server  ServerConfig
	Storage StorageConfig
	Retry   RetryPolicy

	Tiers     []TierConfig
	tierIndex map[string]int // name -> index into Tiers

	Presets      map[string]PresetConfig
	Tenants      []TenantConfig
	Transformers map[string][]TransformerEntry
	ModelTransformers map[string][]TransformerEntry

	IgnoreDirectRouting  bool
	ForceNonStreaming    bool
	LongContextThreshold int
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads config from path (YAML), applies ${VAR} substitution against
// the process environment, layers environment-variable overrides on top
// (prefix GATEWAY_, "__" as the nesting separator), and returns a validated
// ConfigModel. It never panics; every failure mode is a returned error.
func Load(path string) (*ConfigModel, error) {
	raw, err := file.Provider(path).ReadBytes()
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	substituted := substituteEnvVars(raw)

	k := koanf.New(".")
	if err := k.Load(rawBytesProvider{data: substituted}, yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := k.Load(env.Provider("GATEWAY_", "__", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "GATEWAY_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("config: apply env overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return validate(&cfg)
}

// substituteEnvVars replaces ${VAR} occurrences in raw file bytes with the
// corresponding environment variable's value before the YAML parser sees
// them, exactly the way the teacher's loader resolves secrets out of config
// files that are checked into source control.
func substituteEnvVars(raw []byte) []byte {
	return envVarPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := string(match[2 : len(match)-1])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		return match
	})
}

func validate(cfg *Config) (*ConfigModel, error) {
	if len(cfg.Tiers) == 0 {
		return nil, fmt.Errorf("config: at least one tier must be configured")
	}

	seen := make(map[string]struct{}, len(cfg.Tiers))
	tierIndex := make(map[string]int, len(cfg.Tiers))
	for i, t := range cfg.Tiers {
		if t.Name == "" {
			return nil, fmt.Errorf("config: tier %d has no name", i)
		}
		if _, dup := seen[t.Name]; dup {
			return nil, fmt.Errorf("config: duplicate tier label %q", t.Name)
		}
		seen[t.Name] = struct{}{}
		if t.Provider == "" || t.Model == "" {
			return nil, fmt.Errorf("config: tier %q missing provider or model", t.Name)
		}
		tierIndex[t.Name] = i
		tierIndex[RouteString(t.Provider, t.Model)] = i
	}

	for name, p := range cfg.Presets {
		if _, ok := tierIndex[p.Route]; !ok {
			if _, directOK := resolveRoute(cfg.Tiers, p.Route); !directOK {
				return nil, fmt.Errorf("config: preset %q references unresolvable route %q", name, p.Route)
			}
		}
	}

	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 2
	}
	if cfg.Retry.BaseBackoffMs == 0 {
		cfg.Retry.BaseBackoffMs = 250
	}
	if cfg.Retry.BackoffMultiplier == 0 {
		cfg.Retry.BackoffMultiplier = 2.0
	}
	if cfg.Retry.MaxBackoffMs == 0 {
		cfg.Retry.MaxBackoffMs = 10_000
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.APITimeoutMs == 0 {
		cfg.Server.APITimeoutMs = 120_000
	}
	if cfg.Server.SSEBufferSize == 0 {
		cfg.Server.SSEBufferSize = 64
	}

	return &ConfigModel{
		Server:               cfg.Server,
		Storage:              cfg.Storage,
		Retry:                cfg.Retry,
		Tiers:                cfg.Tiers,
		tierIndex:            tierIndex,
		Presets:              cfg.Presets,
		Tenants:              cfg.Tenants,
		Transformers:         cfg.Transformers,
		ModelTransformers:    cfg.ModelTransformers,
		IgnoreDirectRouting:  cfg.IgnoreDirectRouting,
		ForceNonStreaming:    cfg.ForceNonStreaming,
		LongContextThreshold: cfg.LongContextThreshold,
	}, nil
}

// RouteString formats a provider+model pair the way request bodies and
// config reference tiers directly: "providerName,modelId".
func RouteString(provider, model string) string {
	return provider + "," + model
}

func resolveRoute(tiers []TierConfig, route string) (TierConfig, bool) {
	for _, t := range tiers {
		if RouteString(t.Provider, t.Model) == route || t.Name == route {
			return t, true
		}
	}
	return TierConfig{}, false
}

// ResolveRoute verifies that route (either a tier name or a "provider,model"
// string) names a configured tier and returns it.
func (c *ConfigModel) ResolveRoute(route string) (TierConfig, bool) {
	idx, ok := c.tierIndex[route]
	if !ok {
		return TierConfig{}, false
	}
	return c.Tiers[idx], true
}

// TierNames returns tier names in configured order.
func (c *ConfigModel) TierNames() []string {
	names := make([]string, len(c.Tiers))
	for i, t := range c.Tiers {
		names[i] = t.Name
	}
	return names
}

// BaselineMsByTier returns a name->baseline map for seeding a latency
// tracker.
func (c *ConfigModel) BaselineMsByTier() map[string]float64 {
	out := make(map[string]float64, len(c.Tiers))
	for _, t := range c.Tiers {
		out[t.Name] = t.BaselineMs
	}
	return out
}

// APITimeout returns the configured per-request timeout as a duration.
func (c *ConfigModel) APITimeout() time.Duration {
	return time.Duration(c.Server.APITimeoutMs) * time.Millisecond
}

// rawBytesProvider adapts an in-memory byte slice (post env-substitution)
// to koanf's Provider interface, since the file provider reads straight
// from disk and can't see our substituted copy.
type rawBytesProvider struct {
	data []byte
}

func (p rawBytesProvider) ReadBytes() ([]byte, error) {
	return p.data, nil
}

func (p rawBytesProvider) Read() (map[string]interface{}, error) {
	return nil, fmt.Errorf("rawBytesProvider: Read() unsupported, use ReadBytes")
}
