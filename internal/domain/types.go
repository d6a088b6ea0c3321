// Package domain holds the canonical request/response/event shapes that every
// protocol adapter, transformer, and cascade component trades in. Nothing in
// this package knows about HTTP, SSE framing, or any particular wire dialect.
package domain

import (
	"context"
	"time"
)

// APIType identifies which wire dialect a request or response originated from.
type APIType string

const (
	APITypeAnthropic      APIType = "anthropic"
	APITypeOpenAIChat     APIType = "openai-chat"
	APITypeOpenAIResponse APIType = "openai-responses"
)

// ContentType enumerates the kinds of content a message part can carry.
type ContentType string

const (
	ContentTypeText       ContentType = "text"
	ContentTypeToolUse    ContentType = "tool_use"
	ContentTypeToolResult ContentType = "tool_result"
	ContentTypeReasoning  ContentType = "reasoning"
	ContentTypeImage      ContentType = "image"
)

// ContentPart is one element of a message's rich content array.
type ContentPart struct {
	Type ContentType `json:"type"`

	// Text carries plain text for ContentTypeText, and the textual payload
	// for ContentTypeToolResult and ContentTypeReasoning.
	Text string `json:"text,omitempty"`

	// Tool-use fields.
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`

	// Tool-result fields.
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// Image fields (base64 or URL-referenced).
	MediaType string `json:"media_type,omitempty"`
	ImageData string `json:"image_data,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`

	// CacheControl carries prompt-caching hints that survive translation
	// between dialects that support them and ones that don't.
	CacheControl map[string]any `json:"cache_control,omitempty"`
}

// RichContent is a message's content when it is structured as parts rather
// than a flat string.
type RichContent struct {
	Parts []ContentPart
}

// ToolCallFunction is the function-call payload inside a ToolCall.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a single tool/function invocation requested by the model,
// represented in OpenAI's flat shape (the canonical form every adapter
// converges on internally).
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallChunk is one incremental fragment of a streamed tool call.
type ToolCallChunk struct {
	Index        int    `json:"index"`
	ID           string `json:"id,omitempty"`
	Name         string `json:"name,omitempty"`
	ArgumentsDelta string `json:"arguments_delta,omitempty"`
}

// Message is a single turn in the canonical conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`

	// RichContent is populated instead of Content when the source dialect
	// used a structured content array (Anthropic blocks, OpenAI parts).
	RichContent *RichContent `json:"-"`

	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`

	// ReasoningContent preserves a model's chain-of-thought / reasoning
	// trace across dialects that separate it from visible content.
	ReasoningContent string `json:"reasoning_content,omitempty"`

	Name string `json:"name,omitempty"`
}

// FunctionDef is the JSON-schema body of a tool definition.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolDefinition is a tool made available to the model for a request.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// ResponseFormat constrains the shape of a model's output (JSON mode, JSON
// schema, etc.), normalized from whichever dialect's structured-output knob
// the caller used.
type ResponseFormat struct {
	Type       string         `json:"type"`
	JSONSchema map[string]any `json:"json_schema,omitempty"`
}

// CanonicalRequest is the superset request shape every ProtocolAdapter
// parses into and every TranslationBridge pairwise-converts between.
type CanonicalRequest struct {
	SourceAPI APIType `json:"-"`

	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stream      bool      `json:"stream,omitempty"`

	Tools      []ToolDefinition `json:"tools,omitempty"`
	ToolChoice any              `json:"tool_choice,omitempty"`

	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	Stop []string `json:"stop,omitempty"`

	// ReasoningEffort carries the o-series / gpt-5-style effort knob
	// ("low"/"medium"/"high") in a dialect-neutral slot.
	ReasoningEffort string `json:"reasoning_effort,omitempty"`

	// ProviderExtra holds fields the source dialect sent that have no
	// canonical slot; transformers and adapters may read/write it to
	// round-trip dialect-specific knobs across a cascade attempt.
	ProviderExtra map[string]any `json:"-"`

	// RequestedTier, when non-empty, names a tier to hoist to the front of
	// the cascade order (unless direct routing is ignored); the remaining
	// tiers are still tried after it.
	RequestedTier string `json:"-"`
}

// Usage is normalized token accounting for a completed request.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	ReasoningTokens          int `json:"reasoning_tokens,omitempty"`
}

// Total returns input+output tokens, the figure most billing views want.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Choice is one completion candidate in a non-streaming canonical response.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// RateLimitInfo is normalized rate-limit bookkeeping extracted from an
// upstream response's headers or body.
type RateLimitInfo struct {
	RequestsLimit     int
	RequestsRemaining int
	RequestsReset     string
	TokensLimit       int
	TokensRemaining   int
	TokensReset       string
}

// CanonicalResponse is the superset non-streaming response shape.
type CanonicalResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`

	RateLimit       *RateLimitInfo `json:"-"`
	ProviderModel   string         `json:"-"`
	ProviderRawBody []byte         `json:"-"`

	// ServingTier names the cascade tier that produced this response, for
	// callers that need to attribute usage or latency back to a tier.
	ServingTier string `json:"-"`

	CreatedAt time.Time `json:"-"`
}

// StreamEventType enumerates the canonical incremental event kinds a
// ProtocolAdapter can emit while decoding an upstream stream.
type StreamEventType string

const (
	StreamEventMessageStart      StreamEventType = "message_start"
	StreamEventContentBlockStart StreamEventType = "content_block_start"
	StreamEventContentDelta      StreamEventType = "content_delta"
	StreamEventToolCallDelta     StreamEventType = "tool_call_delta"
	StreamEventReasoningDelta    StreamEventType = "reasoning_delta"
	StreamEventContentBlockStop  StreamEventType = "content_block_stop"
	StreamEventMessageDelta      StreamEventType = "message_delta"
	StreamEventMessageStop       StreamEventType = "message_stop"
	StreamEventPing              StreamEventType = "ping"
	StreamEventError             StreamEventType = "error"
)

// CanonicalEvent is one decoded increment of a streamed response, produced
// by a ProtocolAdapter and consumed by a TranslationBridge / StreamPipe.
type CanonicalEvent struct {
	Type         StreamEventType
	Index        int
	TextDelta    string
	ToolCall     *ToolCallChunk
	ReasoningDelta string
	FinishReason string
	Usage        *Usage
	Err          *APIError
}

// Model describes one entry in a /v1/models listing.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// ModelList is the envelope for a models listing response.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// TokenCountRequest is the input to a TokenCounter.
type TokenCountRequest struct {
	Model    string
	System   string
	Messages []Message
	Tools    []TokenCountTool
}

// TokenCountTool is the minimal shape needed to account for a tool
// definition's overhead.
type TokenCountTool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// TokenCountResponse is the output of a TokenCounter.
type TokenCountResponse struct {
	InputTokens int
	Model       string
	Estimated   bool
}

// TokenCounter counts tokens for requests it supports.
type TokenCounter interface {
	CountTokens(ctx context.Context, req *TokenCountRequest) (*TokenCountResponse, error)
	SupportsModel(model string) bool
}

// Provider is a minimal marker interface implemented by tier backends that
// can be plugged into a token Registry.
type Provider interface {
	Name() string
}

// TokenCountProvider is implemented by providers that can count tokens
// natively (e.g. by calling an upstream count_tokens endpoint) rather than
// relying on a local tokenizer.
type TokenCountProvider interface {
	SupportsTokenCounting(model string) bool
	CountTokensCanonical(ctx context.Context, req *TokenCountRequest) (*TokenCountResponse, error)
}
