// Package cascade implements the CascadeExecutor: the per-tier attempt
// loop that drives one CanonicalRequest through the ordered tier list to a
// terminal outcome, per the tier-selection and backoff rules in
// internal/latency and the dialect rules in internal/protocol.
package cascade

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tjfontaine/cascade-gateway/internal/config"
	"github.com/tjfontaine/cascade-gateway/internal/domain"
	"github.com/tjfontaine/cascade-gateway/internal/latency"
	"github.com/tjfontaine/cascade-gateway/internal/protocol"
	"github.com/tjfontaine/cascade-gateway/internal/protocol/anthropic"
	"github.com/tjfontaine/cascade-gateway/internal/protocol/openaichat"
	"github.com/tjfontaine/cascade-gateway/internal/protocol/openairesponses"
	"github.com/tjfontaine/cascade-gateway/internal/sse"
	"github.com/tjfontaine/cascade-gateway/internal/transform"
)

// Clock abstracts time.Now and time.Sleep so tests can drive backoff
// without real waits.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time      { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Executor drives CanonicalRequests through a ConfigModel's tier list.
type Executor struct {
	cfg        *config.ConfigModel
	tracker    *latency.Tracker
	dispatcher Dispatcher
	registry   *transform.Registry
	adapters   map[domain.APIType]protocol.Adapter
	clock      Clock

	chainCache map[string]*transform.Chain
}

// NewExecutor wires an Executor from its collaborators. registry should
// already have RegisterBuiltins called (transform.NewRegistry does this).
func NewExecutor(cfg *config.ConfigModel, tracker *latency.Tracker, dispatcher Dispatcher, registry *transform.Registry) *Executor {
	return &Executor{
		cfg:        cfg,
		tracker:    tracker,
		dispatcher: dispatcher,
		registry:   registry,
		clock:      realClock{},
		adapters: map[domain.APIType]protocol.Adapter{
			domain.APITypeAnthropic:      anthropic.New(),
			domain.APITypeOpenAIChat:     openaichat.New(),
			domain.APITypeOpenAIResponse: openairesponses.New(),
		},
		chainCache: make(map[string]*transform.Chain),
	}
}

// WithClock overrides the executor's clock; used by tests.
func (e *Executor) WithClock(c Clock) *Executor {
	e.clock = c
	return e
}

func (e *Executor) chainFor(tier config.TierConfig) (*transform.Chain, error) {
	key := config.RouteString(tier.Provider, tier.Model)
	if c, ok := e.chainCache[key]; ok {
		return c, nil
	}
	entries := e.cfg.Transformers[tier.Provider]
	if override, ok := e.cfg.ModelTransformers[key]; ok {
		entries = override
	}
	transformEntries := make([]transform.Entry, len(entries))
	for i, en := range entries {
		transformEntries[i] = transform.Entry{Name: en.Name, Params: en.Params}
	}
	chain, err := e.registry.Build(transformEntries)
	if err != nil {
		return nil, err
	}
	e.chainCache[key] = chain
	return chain, nil
}

// backoffDelay implements §4.7.3: min(base*mult^n, max), scaled by the
// tier's current BackoffScale so slow tiers back off longer.
func backoffDelay(policy config.RetryPolicy, n int, scale float64) time.Duration {
	base := float64(policy.BaseBackoffMs)
	delay := base * pow(policy.BackoffMultiplier, n)
	if max := float64(policy.MaxBackoffMs); delay > max {
		delay = max
	}
	delay *= scale
	return time.Duration(delay) * time.Millisecond
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// parseRetryAfter accepts either delta-seconds or an HTTP date, per §4.7.d.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d > 0 {
			return d
		}
	}
	return 0
}

// tierAttemptOutcome enumerates what happened on one dispatch, driving the
// per-tier loop's branching.
type tierAttemptOutcome int

const (
	outcomeSuccess tierAttemptOutcome = iota
	outcomeRateLimited
	outcomeRetryableFailure
	outcomeFatalForTier
	outcomeCancelled
)

// attemptResult carries everything the per-tier loop needs after one
// dispatch, regardless of outcome.
type attemptResult struct {
	outcome    tierAttemptOutcome
	resp       *http.Response
	err        *domain.APIError
	retryAfter time.Duration
}

func classifyStatus(status int) tierAttemptOutcome {
	switch {
	case status == http.StatusTooManyRequests:
		return outcomeRateLimited
	case status >= 500:
		return outcomeRetryableFailure
	case status >= 400:
		return outcomeFatalForTier
	default:
		return outcomeSuccess
	}
}

// ExecuteNonStream drives req through the cascade and returns a completed
// CanonicalResponse, or a *domain.CascadeError if every tier failed.
func (e *Executor) ExecuteNonStream(ctx context.Context, req *domain.CanonicalRequest) (*domain.CanonicalResponse, error) {
	var attempts []domain.TierAttempt
	order := e.tracker.Order(req.RequestedTier, e.cfg.IgnoreDirectRouting)

	for pass := 0; pass < 2; pass++ {
		for _, name := range order {
			if ctx.Err() != nil {
				return nil, domain.ErrCancellation("client disconnected during cascade")
			}
			tier, ok := e.cfg.ResolveRoute(name)
			if !ok {
				continue
			}
			state := e.tracker.State(name)
			if state != nil && state.Unavailable(e.clock.Now()) {
				continue
			}

			resp, attemptErr := e.attemptTierNonStream(ctx, tier, req)
			if attemptErr == nil {
				return resp, nil
			}
			attempts = append(attempts, domain.TierAttempt{Label: name, Err: attemptErr})
			if attemptErr.Type == domain.ErrorTypeCancellation {
				return nil, attemptErr
			}
		}

		if pass == 0 {
			now := e.clock.Now()
			for _, name := range order {
				if s := e.tracker.State(name); s == nil || !s.Unavailable(now) {
					return nil, &domain.CascadeError{Attempts: attempts}
				}
			}
			wait := time.Until(e.tracker.EarliestAvailable())
			if wait <= 0 {
				break
			}
			e.clock.Sleep(wait)
			continue
		}
	}

	return nil, &domain.CascadeError{Attempts: attempts}
}

// attemptTierNonStream runs the full per-tier retry loop (§4.7 steps 2a-g)
// for one tier and returns either a completed response or the last
// terminal *domain.APIError for that tier.
func (e *Executor) attemptTierNonStream(ctx context.Context, tier config.TierConfig, req *domain.CanonicalRequest) (*domain.CanonicalResponse, *domain.APIError) {
	dialect := dialectForProvider(tier.Provider)
	adapter := e.adapters[dialect]
	chain, err := e.chainFor(tier)
	if err != nil {
		return nil, domain.ErrTranslation(err.Error()).WithSourceTier(tier.Name)
	}

	policy := e.cfg.Retry
	var lastErr *domain.APIError

	for n := 0; n <= policy.MaxRetries; n++ {
		if ctx.Err() != nil {
			return nil, domain.ErrCancellation("client disconnected mid-attempt").WithSourceTier(tier.Name)
		}

		rewritten, err := chain.RewriteRequest(req)
		if err != nil {
			return nil, domain.ErrTranslation(err.Error()).WithSourceTier(tier.Name)
		}
		rewritten.Model = tier.Model
		body, headers, err := adapter.SerializeRequest(rewritten)
		if err != nil {
			return nil, domain.ErrTranslation(err.Error()).WithSourceTier(tier.Name)
		}

		timer := e.tracker.BeginAttempt(tier.Name)
		httpResp, dispatchErr := e.dispatcher.Do(ctx, tier, dialect, body, headers)
		if dispatchErr != nil {
			timer.Failure()
			lastErr = domain.ErrUpstreamTransport(dispatchErr.Error()).WithSourceTier(tier.Name)
			if n < policy.MaxRetries {
				e.clock.Sleep(backoffDelay(policy, n, e.tracker.State(tier.Name).BackoffScale()))
				continue
			}
			return nil, lastErr
		}

		result := e.classifyResponse(httpResp)
		switch result.outcome {
		case outcomeRateLimited:
			timer.Failure()
			e.tracker.MarkRateLimited(tier.Name, result.retryAfter)
			httpResp.Body.Close()
			return nil, result.err.WithSourceTier(tier.Name)
		case outcomeRetryableFailure:
			timer.Failure()
			httpResp.Body.Close()
			lastErr = result.err.WithSourceTier(tier.Name)
			if n < policy.MaxRetries {
				e.clock.Sleep(backoffDelay(policy, n, e.tracker.State(tier.Name).BackoffScale()))
				continue
			}
			return nil, lastErr
		case outcomeFatalForTier:
			timer.Discard()
			httpResp.Body.Close()
			return nil, result.err.WithSourceTier(tier.Name)
		case outcomeSuccess:
			defer httpResp.Body.Close()
			bodyBytes, readErr := io.ReadAll(httpResp.Body)
			if readErr != nil {
				timer.Failure()
				return nil, domain.ErrUpstreamTransport(readErr.Error()).WithSourceTier(tier.Name)
			}
			timer.Success()
			e.tracker.MarkSuccess(tier.Name)

			canonical, parseErr := adapter.ParseNonStreamResponse(bodyBytes)
			if parseErr != nil {
				return nil, domain.ErrTranslation(parseErr.Error()).WithSourceTier(tier.Name)
			}
			canonical, rewriteErr := chain.RewriteResponse(canonical)
			if rewriteErr != nil {
				return nil, domain.ErrTranslation(rewriteErr.Error()).WithSourceTier(tier.Name)
			}
			canonical.ServingTier = tier.Name
			canonical.RateLimit = parseRateLimitHeaders(httpResp.Header)
			return canonical, nil
		}
	}
	return nil, lastErr
}

// rateLimitHeaderSet names one provider dialect's rate-limit header
// vocabulary, in the order normalized fields are read from it.
type rateLimitHeaderSet struct {
	requestsLimit, requestsRemaining, requestsReset string
	tokensLimit, tokensRemaining, tokensReset       string
}

var rateLimitHeaderSets = []rateLimitHeaderSet{
	{ // OpenAI dialect
		requestsLimit: "X-Ratelimit-Limit-Requests", requestsRemaining: "X-Ratelimit-Remaining-Requests", requestsReset: "X-Ratelimit-Reset-Requests",
		tokensLimit: "X-Ratelimit-Limit-Tokens", tokensRemaining: "X-Ratelimit-Remaining-Tokens", tokensReset: "X-Ratelimit-Reset-Tokens",
	},
	{ // Anthropic dialect
		requestsLimit: "Anthropic-Ratelimit-Requests-Limit", requestsRemaining: "Anthropic-Ratelimit-Requests-Remaining", requestsReset: "Anthropic-Ratelimit-Requests-Reset",
		tokensLimit: "Anthropic-Ratelimit-Tokens-Limit", tokensRemaining: "Anthropic-Ratelimit-Tokens-Remaining", tokensReset: "Anthropic-Ratelimit-Tokens-Reset",
	},
}

// parseRateLimitHeaders normalizes whichever provider dialect's rate-limit
// headers are present on an upstream response into a domain.RateLimitInfo,
// so FrontendRouter can re-emit a single header shape regardless of which
// tier served the request. Returns nil if the response carries neither
// dialect's headers.
func parseRateLimitHeaders(h http.Header) *domain.RateLimitInfo {
	for _, set := range rateLimitHeaderSets {
		if h.Get(set.requestsLimit) == "" && h.Get(set.tokensLimit) == "" {
			continue
		}
		limit, _ := strconv.Atoi(h.Get(set.requestsLimit))
		remaining, _ := strconv.Atoi(h.Get(set.requestsRemaining))
		tokensLimit, _ := strconv.Atoi(h.Get(set.tokensLimit))
		tokensRemaining, _ := strconv.Atoi(h.Get(set.tokensRemaining))
		return &domain.RateLimitInfo{
			RequestsLimit:     limit,
			RequestsRemaining: remaining,
			RequestsReset:     h.Get(set.requestsReset),
			TokensLimit:       tokensLimit,
			TokensRemaining:   tokensRemaining,
			TokensReset:       h.Get(set.tokensReset),
		}
	}
	return nil
}

func (e *Executor) classifyResponse(resp *http.Response) attemptResult {
	outcome := classifyStatus(resp.StatusCode)
	switch outcome {
	case outcomeSuccess:
		return attemptResult{outcome: outcomeSuccess, resp: resp}
	case outcomeRateLimited:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		body, _ := io.ReadAll(resp.Body)
		return attemptResult{
			outcome:    outcomeRateLimited,
			retryAfter: retryAfter,
			err:        domain.ErrUpstreamRateLimited(fmt.Sprintf("429 from upstream: %s", truncate(body, 200))),
		}
	case outcomeRetryableFailure:
		body, _ := io.ReadAll(resp.Body)
		return attemptResult{
			outcome: outcomeRetryableFailure,
			err:     domain.ErrUpstreamServer5xx(fmt.Sprintf("%d from upstream: %s", resp.StatusCode, truncate(body, 200))),
		}
	default:
		body, _ := io.ReadAll(resp.Body)
		return attemptResult{
			outcome: outcomeFatalForTier,
			err:     domain.ErrUpstreamClient4xx(fmt.Sprintf("%d from upstream: %s", resp.StatusCode, truncate(body, 200))),
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// StreamOutcome is delivered on an ExecuteStream's done channel once the
// stream concludes, successfully or not.
type StreamOutcome struct {
	Err         *domain.APIError // nil on a clean terminal event
	ServingTier string           // the tier that served the stream, if any
}

// ExecuteStream drives req through the cascade on the streaming path. It
// returns a channel of ParsedEvent (owned by the caller to forward into a
// StreamPipe) and a buffered channel that receives exactly one
// StreamOutcome once the attempt concludes. The outcome is sent on done
// just before the events channel is closed; done itself is never closed.
// Unlike ExecuteNonStream, it makes a single pass over the tier order and
// does not wait for rate-limited tiers to become available again.
func (e *Executor) ExecuteStream(ctx context.Context, req *domain.CanonicalRequest) (<-chan protocol.ParsedEvent, <-chan StreamOutcome) {
	events := make(chan protocol.ParsedEvent)
	done := make(chan StreamOutcome, 1)

	go func() {
		defer close(events)
		var attempts []domain.TierAttempt
		order := e.tracker.Order(req.RequestedTier, e.cfg.IgnoreDirectRouting)

		for _, name := range order {
			if ctx.Err() != nil {
				done <- StreamOutcome{Err: domain.ErrCancellation("client disconnected during cascade")}
				return
			}
			tier, ok := e.cfg.ResolveRoute(name)
			if !ok {
				continue
			}
			state := e.tracker.State(name)
			if state != nil && state.Unavailable(e.clock.Now()) {
				continue
			}

			apiErr := e.attemptTierStream(ctx, tier, req, events)
			if apiErr == nil {
				done <- StreamOutcome{ServingTier: tier.Name}
				return
			}
			attempts = append(attempts, domain.TierAttempt{Label: name, Err: apiErr})
			if apiErr.Type == domain.ErrorTypeCancellation {
				done <- StreamOutcome{Err: apiErr}
				return
			}
		}

		ce := &domain.CascadeError{Attempts: attempts}
		done <- StreamOutcome{Err: ce.APIError()}
	}()

	return events, done
}

// attemptTierStream runs the per-tier retry loop for the streaming path.
// On success it streams ParsedEvents to out and returns nil; on exhaustion
// of this tier's retries it returns the last error so the caller can
// advance to the next tier.
func (e *Executor) attemptTierStream(ctx context.Context, tier config.TierConfig, req *domain.CanonicalRequest, out chan<- protocol.ParsedEvent) *domain.APIError {
	dialect := dialectForProvider(tier.Provider)
	adapter := e.adapters[dialect]
	chain, err := e.chainFor(tier)
	if err != nil {
		return domain.ErrTranslation(err.Error()).WithSourceTier(tier.Name)
	}

	policy := e.cfg.Retry
	var lastErr *domain.APIError

	for n := 0; n <= policy.MaxRetries; n++ {
		if ctx.Err() != nil {
			return domain.ErrCancellation("client disconnected mid-attempt").WithSourceTier(tier.Name)
		}

		rewritten, err := chain.RewriteRequest(req)
		if err != nil {
			return domain.ErrTranslation(err.Error()).WithSourceTier(tier.Name)
		}
		rewritten.Model = tier.Model
		rewritten.Stream = true
		body, headers, err := adapter.SerializeRequest(rewritten)
		if err != nil {
			return domain.ErrTranslation(err.Error()).WithSourceTier(tier.Name)
		}

		timer := e.tracker.BeginAttempt(tier.Name)
		httpResp, dispatchErr := e.dispatcher.Do(ctx, tier, dialect, body, headers)
		if dispatchErr != nil {
			timer.Failure()
			lastErr = domain.ErrUpstreamTransport(dispatchErr.Error()).WithSourceTier(tier.Name)
			if n < policy.MaxRetries {
				e.clock.Sleep(backoffDelay(policy, n, e.tracker.State(tier.Name).BackoffScale()))
				continue
			}
			return lastErr
		}

		if httpResp.StatusCode == http.StatusTooManyRequests {
			timer.Failure()
			retryAfter := parseRetryAfter(httpResp.Header.Get("Retry-After"))
			e.tracker.MarkRateLimited(tier.Name, retryAfter)
			body, _ := io.ReadAll(httpResp.Body)
			httpResp.Body.Close()
			return domain.ErrUpstreamRateLimited(fmt.Sprintf("429 from upstream: %s", truncate(body, 200))).WithSourceTier(tier.Name)
		}
		if httpResp.StatusCode >= 500 {
			timer.Failure()
			body, _ := io.ReadAll(httpResp.Body)
			httpResp.Body.Close()
			lastErr = domain.ErrUpstreamServer5xx(fmt.Sprintf("%d from upstream: %s", httpResp.StatusCode, truncate(body, 200))).WithSourceTier(tier.Name)
			if n < policy.MaxRetries {
				e.clock.Sleep(backoffDelay(policy, n, e.tracker.State(tier.Name).BackoffScale()))
				continue
			}
			return lastErr
		}
		if httpResp.StatusCode >= 400 {
			timer.Discard()
			body, _ := io.ReadAll(httpResp.Body)
			httpResp.Body.Close()
			return domain.ErrUpstreamClient4xx(fmt.Sprintf("%d from upstream: %s", httpResp.StatusCode, truncate(body, 200))).WithSourceTier(tier.Name)
		}

		// 2xx: stream frames through the decoder, translating each via
		// the tier's own dialect adapter, until terminal or read error.
		e.tracker.MarkSuccess(tier.Name)
		streamErr := e.pumpStream(ctx, httpResp.Body, adapter, out)
		httpResp.Body.Close()
		if streamErr != nil {
			timer.Failure()
			return domain.ErrUpstreamTransport(streamErr.Error()).WithSourceTier(tier.Name)
		}
		timer.Success()
		return nil
	}
	return lastErr
}

func (e *Executor) pumpStream(ctx context.Context, body io.Reader, adapter protocol.Adapter, out chan<- protocol.ParsedEvent) error {
	decoder := sse.NewDecoder()
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, f := range decoder.Feed(buf[:n]) {
				ev, parseErr := adapter.ParseStreamEvent(f)
				if parseErr != nil {
					continue
				}
				if ev.Kind == protocol.EventIgnore {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
				if ev.Kind == protocol.EventTerminal {
					return nil
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
	}
}
