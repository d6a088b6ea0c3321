// Package transform implements named request/response rewriters and the
// per-provider/per-model chains they're composed into.
package transform

import (
	"fmt"
	"strings"

	"github.com/tjfontaine/cascade-gateway/internal/domain"
)

// Transformer is a named, pure rewriter applied to requests (left-to-right
// across a chain) and responses (right-to-left, mirroring request order).
type Transformer interface {
	Name() string
	RewriteRequest(req *domain.CanonicalRequest) (*domain.CanonicalRequest, error)
	RewriteResponse(resp *domain.CanonicalResponse) (*domain.CanonicalResponse, error)
}

// Factory builds a Transformer instance from its configured parameters.
type Factory func(params map[string]any) (Transformer, error)

// Registry holds named transformer factories and resolves per-provider /
// per-model chains from configuration entries.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a Registry pre-populated with every built-in
// transformer.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.RegisterBuiltins()
	return r
}

// Register adds a named factory. Registering under an existing name
// replaces it, which built-ins rely on for test overrides.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Build resolves a list of configured entries (bare names or name+params)
// into a concrete chain of Transformer instances, in order.
func (r *Registry) Build(entries []Entry) (*Chain, error) {
	transformers := make([]Transformer, 0, len(entries))
	for _, e := range entries {
		factory, ok := r.factories[e.Name]
		if !ok {
			return nil, fmt.Errorf("transform: unknown transformer %q", e.Name)
		}
		t, err := factory(e.Params)
		if err != nil {
			return nil, fmt.Errorf("transform: build %q: %w", e.Name, err)
		}
		transformers = append(transformers, t)
	}
	return &Chain{transformers: transformers}, nil
}

// Entry mirrors config.TransformerEntry without importing the config
// package, keeping transform dependency-free of configuration concerns.
type Entry struct {
	Name   string
	Params map[string]any
}

// Chain is a resolved, ordered sequence of transformers.
type Chain struct {
	transformers []Transformer
}

// RewriteRequest applies every transformer's request rewrite left-to-right.
func (c *Chain) RewriteRequest(req *domain.CanonicalRequest) (*domain.CanonicalRequest, error) {
	for _, t := range c.transformers {
		var err error
		req, err = t.RewriteRequest(req)
		if err != nil {
			return nil, fmt.Errorf("transform %q: rewrite request: %w", t.Name(), err)
		}
	}
	return req, nil
}

// RewriteResponse applies every transformer's response rewrite
// right-to-left, mirroring the request direction.
func (c *Chain) RewriteResponse(resp *domain.CanonicalResponse) (*domain.CanonicalResponse, error) {
	for i := len(c.transformers) - 1; i >= 0; i-- {
		t := c.transformers[i]
		var err error
		resp, err = t.RewriteResponse(resp)
		if err != nil {
			return nil, fmt.Errorf("transform %q: rewrite response: %w", t.Name(), err)
		}
	}
	return resp, nil
}

// baseTransformer provides no-op defaults so built-ins only need to
// override the direction they actually touch.
type baseTransformer struct{ name string }

func (b baseTransformer) Name() string { return b.name }
func (b baseTransformer) RewriteRequest(req *domain.CanonicalRequest) (*domain.CanonicalRequest, error) {
	return req, nil
}
func (b baseTransformer) RewriteResponse(resp *domain.CanonicalResponse) (*domain.CanonicalResponse, error) {
	return resp, nil
}

// RegisterBuiltins registers every built-in transformer under its
// canonical name.
func (r *Registry) RegisterBuiltins() {
	r.Register("identity", func(params map[string]any) (Transformer, error) {
		return baseTransformer{name: "identity"}, nil
	})
	r.Register("anthropic_passthrough", func(params map[string]any) (Transformer, error) {
		return baseTransformer{name: "anthropic_passthrough"}, nil
	})
	r.Register("tool_definition_normalizer", func(params map[string]any) (Transformer, error) {
		return &toolDefinitionNormalizer{}, nil
	})
	r.Register("reasoning_extractor", func(params map[string]any) (Transformer, error) {
		return &reasoningExtractor{}, nil
	})
	r.Register("reasoning_content_preserver", func(params map[string]any) (Transformer, error) {
		return &reasoningContentPreserver{}, nil
	})
	r.Register("max_token_cap", func(params map[string]any) (Transformer, error) {
		cap, ok := intParam(params, "max_tokens")
		if !ok {
			return nil, fmt.Errorf("max_token_cap: missing integer param %q", "max_tokens")
		}
		return &maxTokenCap{cap: cap}, nil
	})
	r.Register("cache_metadata_enhancer", func(params map[string]any) (Transformer, error) {
		return &cacheMetadataEnhancer{}, nil
	})
	r.Register("attribution_header_decorator", func(params map[string]any) (Transformer, error) {
		label, _ := params["label"].(string)
		if label == "" {
			label = "cascade-gateway"
		}
		return &attributionHeaderDecorator{label: label}, nil
	})
}

func intParam(params map[string]any, key string) (int, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// toolDefinitionNormalizer ensures tool function parameter schemas are
// present as a non-nil object, since some upstreams reject a missing
// "parameters"/"input_schema" field outright.
type toolDefinitionNormalizer struct{}

func (toolDefinitionNormalizer) Name() string { return "tool_definition_normalizer" }

func (toolDefinitionNormalizer) RewriteRequest(req *domain.CanonicalRequest) (*domain.CanonicalRequest, error) {
	for i := range req.Tools {
		if req.Tools[i].Function.Parameters == nil {
			req.Tools[i].Function.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
		}
	}
	return req, nil
}

func (toolDefinitionNormalizer) RewriteResponse(resp *domain.CanonicalResponse) (*domain.CanonicalResponse, error) {
	return resp, nil
}

// reasoningExtractor pulls <think>...</think> and similar token-pair
// delimited reasoning spans out of visible assistant text into
// ReasoningContent, on the response path.
type reasoningExtractor struct{}

func (reasoningExtractor) Name() string { return "reasoning_extractor" }

func (reasoningExtractor) RewriteRequest(req *domain.CanonicalRequest) (*domain.CanonicalRequest, error) {
	return req, nil
}

var reasoningDelimiters = []struct{ open, close string }{
	{"<think>", "</think>"},
	{"◁think▷", "◁/think▷"},
}

func (reasoningExtractor) RewriteResponse(resp *domain.CanonicalResponse) (*domain.CanonicalResponse, error) {
	for i := range resp.Choices {
		text, reasoning := extractReasoning(resp.Choices[i].Message.Content)
		resp.Choices[i].Message.Content = text
		if reasoning != "" {
			resp.Choices[i].Message.ReasoningContent = joinNonEmpty(resp.Choices[i].Message.ReasoningContent, reasoning)
		}
	}
	return resp, nil
}

func extractReasoning(text string) (visible, reasoning string) {
	for _, d := range reasoningDelimiters {
		for {
			start := strings.Index(text, d.open)
			if start < 0 {
				break
			}
			end := strings.Index(text[start:], d.close)
			if end < 0 {
				break
			}
			end += start
			reasoning = joinNonEmpty(reasoning, text[start+len(d.open):end])
			text = text[:start] + text[end+len(d.close):]
		}
	}
	return text, reasoning
}

func joinNonEmpty(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + "\n" + b
}

// reasoningContentPreserver passes a native reasoning_content field
// (DeepSeek-style) through untouched; it exists as an explicit, named
// no-op so config can select "pass reasoning through verbatim" instead of
// "extract it from tags" for providers that already separate it.
type reasoningContentPreserver struct{}

func (reasoningContentPreserver) Name() string { return "reasoning_content_preserver" }
func (reasoningContentPreserver) RewriteRequest(req *domain.CanonicalRequest) (*domain.CanonicalRequest, error) {
	return req, nil
}
func (reasoningContentPreserver) RewriteResponse(resp *domain.CanonicalResponse) (*domain.CanonicalResponse, error) {
	return resp, nil
}

// maxTokenCap clamps a request's max_tokens to a configured ceiling,
// protecting a tier whose upstream rejects overly large requests.
type maxTokenCap struct{ cap int }

func (m *maxTokenCap) Name() string { return "max_token_cap" }

func (m *maxTokenCap) RewriteRequest(req *domain.CanonicalRequest) (*domain.CanonicalRequest, error) {
	if req.MaxTokens == 0 || req.MaxTokens > m.cap {
		req.MaxTokens = m.cap
	}
	return req, nil
}

func (m *maxTokenCap) RewriteResponse(resp *domain.CanonicalResponse) (*domain.CanonicalResponse, error) {
	return resp, nil
}

// cacheMetadataEnhancer attaches a default cache_control hint to the last
// content part of the last message, letting providers that support prompt
// caching benefit from it even when the client didn't ask explicitly.
type cacheMetadataEnhancer struct{}

func (cacheMetadataEnhancer) Name() string { return "cache_metadata_enhancer" }

func (cacheMetadataEnhancer) RewriteRequest(req *domain.CanonicalRequest) (*domain.CanonicalRequest, error) {
	if len(req.Messages) == 0 {
		return req, nil
	}
	last := &req.Messages[len(req.Messages)-1]
	if last.RichContent == nil || len(last.RichContent.Parts) == 0 {
		return req, nil
	}
	part := &last.RichContent.Parts[len(last.RichContent.Parts)-1]
	if part.CacheControl == nil {
		part.CacheControl = map[string]any{"type": "ephemeral"}
	}
	return req, nil
}

func (cacheMetadataEnhancer) RewriteResponse(resp *domain.CanonicalResponse) (*domain.CanonicalResponse, error) {
	return resp, nil
}

// attributionHeaderDecorator tags ProviderExtra with an attribution label
// aggregators can forward as a request header, without touching visible
// request fields.
type attributionHeaderDecorator struct{ label string }

func (a *attributionHeaderDecorator) Name() string { return "attribution_header_decorator" }

func (a *attributionHeaderDecorator) RewriteRequest(req *domain.CanonicalRequest) (*domain.CanonicalRequest, error) {
	if req.ProviderExtra == nil {
		req.ProviderExtra = make(map[string]any)
	}
	req.ProviderExtra["x-attribution"] = a.label
	return req, nil
}

func (a *attributionHeaderDecorator) RewriteResponse(resp *domain.CanonicalResponse) (*domain.CanonicalResponse, error) {
	return resp, nil
}

