// Package protocol defines the ProtocolAdapter contract and its three wire
// dialects: Anthropic Messages, OpenAI Chat Completions, and OpenAI
// Responses.
package protocol

import (
	"github.com/tjfontaine/cascade-gateway/internal/domain"
	"github.com/tjfontaine/cascade-gateway/internal/sse"
)

// ParsedEventKind tags the variant carried by a ParsedEvent.
type ParsedEventKind int

const (
	EventStart ParsedEventKind = iota
	EventTextDelta
	EventReasoningDelta
	EventToolCallDelta
	EventUsage
	EventFinishReason
	EventTerminal
	EventIgnore
)

// ParsedEvent is the adapter-level decode of one SSE frame. Exactly the
// fields relevant to Kind are populated.
type ParsedEvent struct {
	Kind ParsedEventKind

	TextDelta      string
	ReasoningDelta string
	ToolCall       *domain.ToolCallChunk
	Usage          *domain.Usage
	FinishReason   string
}

// Adapter is implemented once per wire dialect.
type Adapter interface {
	APIType() domain.APIType

	// SerializeRequest renders a CanonicalRequest into the upstream body
	// bytes and headers this dialect expects.
	SerializeRequest(req *domain.CanonicalRequest) ([]byte, map[string]string, error)

	// ParseRequest decodes a client request body written in this dialect
	// into a CanonicalRequest.
	ParseRequest(body []byte) (*domain.CanonicalRequest, error)

	// ParseNonStreamResponse decodes a complete upstream response body.
	ParseNonStreamResponse(body []byte) (*domain.CanonicalResponse, error)

	// EncodeResponse renders a CanonicalResponse into this dialect's
	// non-streaming JSON body, for when the client's dialect differs from
	// (or matches) the tier that actually produced the response.
	EncodeResponse(resp *domain.CanonicalResponse) ([]byte, error)

	// ParseStreamEvent decodes one SSE frame already split out by the
	// sse.Decoder.
	ParseStreamEvent(frame sse.Frame) (ParsedEvent, error)
}
