// Package translate implements the TranslationBridge: pairwise conversion
// between the Anthropic, OpenAI-Chat, and OpenAI-Responses wire dialects,
// and the incremental StreamState bookkeeping needed to re-encode a
// canonical event stream into any of the three.
package translate

import (
	"strings"
	"sync"

	"github.com/tjfontaine/cascade-gateway/internal/domain"
)

// ToolAccum tracks one tool call's incremental assembly across a stream.
type ToolAccum struct {
	ID        string
	Name      string
	Arguments strings.Builder
	Added     bool
}

// StreamState is the per-stream accumulator a Bridge threads through a
// sequence of ParsedEvent values to re-encode them in a target dialect.
// It is created once per client stream and discarded at stream close.
type StreamState struct {
	mu sync.Mutex

	ResponseID string
	CreatedAt  int64
	Model      string

	textBuf      strings.Builder
	reasoningBuf strings.Builder
	reasoning    streamingReasoningExtractor

	tools    map[int]*ToolAccum
	toolKeys []int

	usage *domain.Usage

	started        bool
	itemAdded      bool
	finishReason   string
}

// NewStreamState seeds a StreamState for a newly dispatched request. id and
// createdAt are supplied by the caller (the cascade executor) rather than
// generated here, keeping this package free of clock/uuid dependencies.
func NewStreamState(id string, createdAt int64, model string) *StreamState {
	return &StreamState{
		ResponseID: id,
		CreatedAt:  createdAt,
		Model:      model,
		tools:      make(map[int]*ToolAccum),
	}
}

func (s *StreamState) toolAccum(index int) *ToolAccum {
	t, ok := s.tools[index]
	if !ok {
		t = &ToolAccum{}
		s.tools[index] = t
		s.toolKeys = append(s.toolKeys, index)
	}
	return t
}
