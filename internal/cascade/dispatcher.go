package cascade

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/tjfontaine/cascade-gateway/internal/config"
	"github.com/tjfontaine/cascade-gateway/internal/domain"
)

// upstreamPath returns the path a tier's dialect expects its request body
// posted to, mirroring the client-facing paths in §6 one-for-one.
func upstreamPath(dialect domain.APIType) string {
	switch dialect {
	case domain.APITypeAnthropic:
		return "/v1/messages"
	case domain.APITypeOpenAIResponse:
		return "/v1/responses"
	default:
		return "/v1/chat/completions"
	}
}

// dialectForProvider infers which wire dialect a tier's upstream speaks.
// Anthropic-labeled providers speak the Messages dialect, "openai-responses"
// providers speak the Responses dialect; every other provider is assumed
// OpenAI-Chat-compatible, the lingua franca most
// self-hosted and third-party inference backends expose.
func dialectForProvider(provider string) domain.APIType {
	switch provider {
	case "anthropic":
		return domain.APITypeAnthropic
	case "openai-responses":
		return domain.APITypeOpenAIResponse
	default:
		return domain.APITypeOpenAIChat
	}
}

// Dispatcher sends a serialized request to a tier's upstream and returns
// the raw HTTP response. It is the only seam that talks to the network, so
// tests substitute a fake.
type Dispatcher interface {
	Do(ctx context.Context, tier config.TierConfig, dialect domain.APIType, body []byte, headers map[string]string) (*http.Response, error)
}

// HTTPDispatcher is the production Dispatcher: one shared *http.Client
// (and therefore one shared connection pool) across every tier and
// request, per §5's "shared resources" rule.
type HTTPDispatcher struct {
	Client *http.Client
}

// NewHTTPDispatcher returns an HTTPDispatcher whose client enforces
// idleTimeout as its per-attempt idle-read ceiling.
func NewHTTPDispatcher(idleTimeout time.Duration) *HTTPDispatcher {
	return &HTTPDispatcher{Client: &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: idleTimeout,
			MaxIdleConnsPerHost:   64,
		},
	}}
}

func (d *HTTPDispatcher) Do(ctx context.Context, tier config.TierConfig, dialect domain.APIType, body []byte, headers map[string]string) (*http.Response, error) {
	url := tier.BaseURL + upstreamPath(dialect)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cascade: build request for tier %q: %w", tier.Name, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if tier.APIKeyEnv != "" {
		if key := os.Getenv(tier.APIKeyEnv); key != "" {
			if dialect == domain.APITypeAnthropic {
				req.Header.Set("x-api-key", key)
			} else {
				req.Header.Set("Authorization", "Bearer "+key)
			}
		}
	}
	return d.Client.Do(req)
}
