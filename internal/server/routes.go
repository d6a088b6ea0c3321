package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tjfontaine/cascade-gateway/internal/cascade"
	"github.com/tjfontaine/cascade-gateway/internal/config"
	"github.com/tjfontaine/cascade-gateway/internal/domain"
	"github.com/tjfontaine/cascade-gateway/internal/latency"
	"github.com/tjfontaine/cascade-gateway/internal/protocol"
	"github.com/tjfontaine/cascade-gateway/internal/protocol/anthropic"
	"github.com/tjfontaine/cascade-gateway/internal/protocol/openaichat"
	"github.com/tjfontaine/cascade-gateway/internal/protocol/openairesponses"
	"github.com/tjfontaine/cascade-gateway/internal/streampipe"
	"github.com/tjfontaine/cascade-gateway/internal/tokens"
	"github.com/tjfontaine/cascade-gateway/internal/translate"
	"github.com/tjfontaine/cascade-gateway/internal/usage"
)

// Version is the build version reported by /health and the CLI's `version`
// subcommand, overridden at link time via -ldflags.
var Version = "dev"

// Handlers holds every collaborator the v1 endpoints need: the cascade
// executor that drives a request through the configured tiers, the
// translation bridge that re-encodes its canonical stream events into the
// caller's own dialect, and the reporting sinks /v1/latencies, /v1/usage,
// and /metrics read from.
type Handlers struct {
	cfg      *config.ConfigModel
	executor *cascade.Executor
	tracker  *latency.Tracker
	usage    *usage.Tracker
	tokens   *tokens.Registry
	bridge   *translate.Bridge
	logger   *slog.Logger

	adapters map[domain.APIType]protocol.Adapter
}

// NewHandlers wires a Handlers from its collaborators.
func NewHandlers(cfg *config.ConfigModel, executor *cascade.Executor, tracker *latency.Tracker, usageTracker *usage.Tracker, tokenRegistry *tokens.Registry, logger *slog.Logger) *Handlers {
	return &Handlers{
		cfg:      cfg,
		executor: executor,
		tracker:  tracker,
		usage:    usageTracker,
		tokens:   tokenRegistry,
		bridge:   translate.NewBridge(),
		logger:   logger,
		adapters: map[domain.APIType]protocol.Adapter{
			domain.APITypeAnthropic:      anthropic.New(),
			domain.APITypeOpenAIChat:     openaichat.New(),
			domain.APITypeOpenAIResponse: openairesponses.New(),
		},
	}
}

// Mount registers every §6 endpoint on r.
func (h *Handlers) Mount(r chi.Router) {
	r.Post("/v1/messages", h.handleMessages)
	r.Post("/v1/chat/completions", h.handleChatCompletions)
	r.Post("/v1/responses", h.handleResponses)
	r.Post("/preset/{name}/v1/messages", h.handlePresetMessages)

	r.Get("/v1/presets", h.handlePresets)
	r.Get("/v1/models", h.handleModels)
	r.Get("/v1/latencies", h.handleLatencies)
	r.Get("/v1/usage", h.handleUsage)
	r.Get("/health", h.handleHealth)
	r.Get("/metrics", h.handleMetrics)
}

func (h *Handlers) handleMessages(w http.ResponseWriter, r *http.Request) {
	h.handleCompletion(w, r, domain.APITypeAnthropic, "")
}

func (h *Handlers) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.handleCompletion(w, r, domain.APITypeOpenAIChat, "")
}

func (h *Handlers) handleResponses(w http.ResponseWriter, r *http.Request) {
	h.handleCompletion(w, r, domain.APITypeOpenAIResponse, "")
}

func (h *Handlers) handlePresetMessages(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h.handleCompletion(w, r, domain.APITypeAnthropic, name)
}

// handleCompletion implements the shared read -> parse -> route -> cascade
// -> encode pipeline behind every completion endpoint; presetName is empty
// for the three bare dialect endpoints and the preset's own name for
// /preset/{name}/v1/messages.
func (h *Handlers) handleCompletion(w http.ResponseWriter, r *http.Request, apiType domain.APIType, presetName string) {
	logger := h.logger.With(slog.String("request_id", GetRequestID(r.Context())), slog.String("dialect", string(apiType)))

	adapter := h.adapters[apiType]

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, domain.ErrInvalidRequest(err.Error()), apiType)
		return
	}

	req, err := adapter.ParseRequest(body)
	if err != nil {
		writeError(w, domain.ErrInvalidRequest(err.Error()), apiType)
		return
	}
	req.SourceAPI = apiType

	if apiType == domain.APITypeOpenAIResponse && !hasExplicitStreamField(body) {
		req.Stream = true
	}

	if presetName != "" {
		preset, ok := h.cfg.Presets[presetName]
		if !ok {
			writeError(w, domain.ErrNotFound("unknown preset: "+presetName), apiType)
			return
		}
		applyPresetOverrides(req, preset)
		tier, ok := h.cfg.ResolveRoute(preset.Route)
		if !ok {
			writeError(w, domain.ErrRouteResolution("preset route does not resolve: "+preset.Route), apiType)
			return
		}
		req.RequestedTier = tier.Name
	} else if req.Model != "" {
		tier, ok := h.cfg.ResolveRoute(req.Model)
		if !ok {
			writeError(w, domain.ErrUnknownModel(req.Model), apiType)
			return
		}
		req.RequestedTier = tier.Name
	}

	if h.cfg.ForceNonStreaming {
		req.Stream = false
	}

	logger = logger.With(slog.String("requested_model", req.Model))
	if req.RequestedTier != "" {
		logger.Info("completion request", slog.String("requested_tier", req.RequestedTier))
	} else {
		logger.Info("completion request")
	}

	if req.Stream {
		h.handleStream(w, r, req, apiType, logger)
		return
	}

	resp, err := h.executor.ExecuteNonStream(r.Context(), req)
	if err != nil {
		apiErr := domain.AsAPIError(err)
		logger.Error("cascade exhausted", slog.String("error", apiErr.Error()))
		writeError(w, apiErr, apiType)
		return
	}

	h.fillMissingUsage(r.Context(), req, resp)
	if resp.ServingTier != "" {
		h.usage.Add(resp.ServingTier, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
	if resp.RateLimit != nil {
		SetRateLimits(r.Context(), &RateLimitInfo{
			RequestsLimit:     resp.RateLimit.RequestsLimit,
			RequestsRemaining: resp.RateLimit.RequestsRemaining,
			RequestsReset:     resp.RateLimit.RequestsReset,
			TokensLimit:       resp.RateLimit.TokensLimit,
			TokensRemaining:   resp.RateLimit.TokensRemaining,
			TokensReset:       resp.RateLimit.TokensReset,
		})
	}
	logger.Info("completion served", slog.String("serving_tier", resp.ServingTier))

	out, err := adapter.EncodeResponse(resp)
	if err != nil {
		writeError(w, domain.ErrTranslation(err.Error()), apiType)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

// handleStream drains the cascade's canonical event stream through the
// translation bridge into apiType's SSE framing, one dequeued StreamPipe
// item at a time, until the pipe closes or the client disconnects.
func (h *Handlers) handleStream(w http.ResponseWriter, r *http.Request, req *domain.CanonicalRequest, apiType domain.APIType, logger *slog.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, domain.ErrAPI("streaming not supported by this transport"), apiType)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, outcome := h.executor.ExecuteStream(ctx, req)
	pipe := streampipe.NewPipe(h.cfg.Server.SSEBufferSize, h.cfg.APITimeout())

	var servingTier string
	outcomeErr := make(chan *domain.APIError, 1)
	go func() {
		o := <-outcome
		servingTier = o.ServingTier
		outcomeErr <- o.Err
	}()
	go streampipe.Pump(ctx, pipe, cancel, events, outcomeErr)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	state := translate.NewStreamState(streamIDPrefix(apiType)+uuid.New().String(), time.Now().Unix(), req.Model)

	var observedUsage *domain.Usage
	for {
		item, ok := pipe.Dequeue(r.Context())
		if !ok {
			break
		}
		if item.Err != nil {
			w.Write(h.bridge.EncodeFailure(apiType, item.Err))
			flusher.Flush()
			logger.Warn("stream terminated with failure", slog.String("error", item.Err.Error()))
			break
		}
		if item.Event.Kind == protocol.EventUsage {
			observedUsage = item.Event.Usage
		}
		frame := h.encodeFrame(state, apiType, item.Event)
		if len(frame) > 0 {
			w.Write(frame)
			flusher.Flush()
		}
	}

	if observedUsage != nil && servingTier != "" {
		h.usage.Add(servingTier, observedUsage.InputTokens, observedUsage.OutputTokens)
	}
	logger.Info("stream completed", slog.String("serving_tier", servingTier))
}

// fillMissingUsage consults the token registry when a tier's own response
// carried no usage block (some dialects omit it under certain conditions),
// so /v1/usage still has a number to report rather than silently skipping
// the request. It never delays or gates the response that already happened.
func (h *Handlers) fillMissingUsage(ctx context.Context, req *domain.CanonicalRequest, resp *domain.CanonicalResponse) {
	if resp.Usage.InputTokens != 0 || resp.Usage.OutputTokens != 0 {
		return
	}
	tc, err := h.tokens.CountTokens(ctx, &domain.TokenCountRequest{
		Model:    req.Model,
		System:   req.System,
		Messages: req.Messages,
	})
	if err != nil {
		return
	}
	resp.Usage.InputTokens = tc.InputTokens
	if len(resp.Choices) > 0 {
		out, err := h.tokens.CountTokens(ctx, &domain.TokenCountRequest{
			Model:    req.Model,
			Messages: []domain.Message{resp.Choices[0].Message},
		})
		if err == nil {
			resp.Usage.OutputTokens = out.InputTokens
		}
	}
}

func (h *Handlers) encodeFrame(state *translate.StreamState, apiType domain.APIType, ev protocol.ParsedEvent) []byte {
	switch apiType {
	case domain.APITypeAnthropic:
		return h.bridge.EncodeAnthropic(state, ev)
	case domain.APITypeOpenAIChat:
		return h.bridge.EncodeOpenAIChat(state, ev)
	case domain.APITypeOpenAIResponse:
		return h.bridge.EncodeResponses(state, ev)
	default:
		return nil
	}
}

func streamIDPrefix(apiType domain.APIType) string {
	switch apiType {
	case domain.APITypeAnthropic:
		return "msg_"
	case domain.APITypeOpenAIChat:
		return "chatcmpl-"
	case domain.APITypeOpenAIResponse:
		return "resp_"
	default:
		return "stream_"
	}
}

// hasExplicitStreamField reports whether the client's request body named
// "stream" explicitly, distinguishing an omitted field (where the Responses
// dialect's streaming-by-default applies) from an explicit `"stream":
// false`.
func hasExplicitStreamField(body []byte) bool {
	var probe struct {
		Stream *bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Stream != nil
}

// applyPresetOverrides layers a preset's parameter overrides onto a parsed
// request, recognizing the same knobs a client could have set directly.
func applyPresetOverrides(req *domain.CanonicalRequest, preset config.PresetConfig) {
	for key, v := range preset.Overrides {
		switch key {
		case "temperature":
			if f, ok := toFloat64(v); ok {
				req.Temperature = &f
			}
		case "top_p":
			if f, ok := toFloat64(v); ok {
				req.TopP = &f
			}
		case "max_tokens":
			if n, ok := toInt(v); ok {
				req.MaxTokens = n
			}
		case "reasoning_effort":
			if s, ok := v.(string); ok {
				req.ReasoningEffort = s
			}
		case "stream":
			if b, ok := v.(bool); ok {
				req.Stream = b
			}
		}
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func (h *Handlers) handlePresets(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.cfg.Presets))
	for name := range h.cfg.Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, names)
}

func (h *Handlers) handleModels(w http.ResponseWriter, r *http.Request) {
	routes := make([]string, 0, len(h.cfg.Tiers))
	for _, t := range h.cfg.Tiers {
		routes = append(routes, config.RouteString(t.Provider, t.Model))
	}
	writeJSON(w, http.StatusOK, routes)
}

func (h *Handlers) handleLatencies(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]float64)
	for _, s := range h.tracker.Snapshots() {
		out[s.Name] = s.EWMAMs
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) handleUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.usage.Snapshot())
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

func (h *Handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	snapshots := h.tracker.Snapshots()
	totals := h.usage.Snapshot()

	fprintMetricHeader(w, "gateway_tier_ewma_ms", "gauge")
	for _, s := range snapshots {
		fprintMetric(w, "gateway_tier_ewma_ms", s.Name, s.EWMAMs)
	}
	fprintMetricHeader(w, "gateway_tier_sample_count", "counter")
	for _, s := range snapshots {
		fprintMetric(w, "gateway_tier_sample_count", s.Name, float64(s.SampleCount))
	}
	fprintMetricHeader(w, "gateway_tier_consecutive_failures", "gauge")
	for _, s := range snapshots {
		fprintMetric(w, "gateway_tier_consecutive_failures", s.Name, float64(s.ConsecutiveFailures))
	}
	fprintMetricHeader(w, "gateway_usage_prompt_tokens_total", "counter")
	for tier, t := range totals {
		fprintMetric(w, "gateway_usage_prompt_tokens_total", tier, float64(t.PromptTokens))
	}
	fprintMetricHeader(w, "gateway_usage_completion_tokens_total", "counter")
	for tier, t := range totals {
		fprintMetric(w, "gateway_usage_completion_tokens_total", tier, float64(t.CompletionTokens))
	}
}

func fprintMetricHeader(w http.ResponseWriter, name, kind string) {
	w.Write([]byte("# TYPE " + name + " " + kind + "\n"))
}

func fprintMetric(w http.ResponseWriter, name, tier string, value float64) {
	w.Write([]byte(name + `{tier="` + tier + `"} ` + jsonFloat(value) + "\n"))
}

func jsonFloat(f float64) string {
	b, err := json.Marshal(f)
	if err != nil {
		return "0"
	}
	return string(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders apiErr as the §7 non-streaming failure body: a JSON
// object naming the error's type and message, at its mapped HTTP status.
// This shape is dialect-neutral by design, matching the one literal body
// the external-interface contract specifies for cascade exhaustion and
// every other non-streaming failure.
func writeError(w http.ResponseWriter, apiErr *domain.APIError, _ domain.APIType) {
	writeJSON(w, apiErr.HTTPStatusCode(), map[string]any{
		"error": map[string]any{
			"type":    apiErr.Type,
			"message": apiErr.Message,
		},
	})
}
