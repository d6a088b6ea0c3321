package translate

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/tjfontaine/cascade-gateway/internal/domain"
	"github.com/tjfontaine/cascade-gateway/internal/protocol"
)

// countOccurrences counts SSE frames whose event line names substr; the
// name also appears in each frame's "type" field, so a bare substring
// count would see every frame twice.
func countOccurrences(s, substr string) int {
	return strings.Count(s, "event: "+substr+"\n")
}

// TestEncodeResponses_ToolCallDeltaMergeAcrossChunks is literal scenario #6:
// two tool-call indices interleaved across frames must each get exactly one
// output_item.added, and their output_item.done events must carry the fully
// merged arguments.
func TestEncodeResponses_ToolCallDeltaMergeAcrossChunks(t *testing.T) {
	b := NewBridge()
	state := NewStreamState("resp_1", 0, "gpt-4o")

	events := []protocol.ParsedEvent{
		{Kind: protocol.EventToolCallDelta, ToolCall: &domain.ToolCallChunk{Index: 0, ID: "c0", Name: "f0", ArgumentsDelta: `{"a":`}},
		{Kind: protocol.EventToolCallDelta, ToolCall: &domain.ToolCallChunk{Index: 1, ID: "c1", Name: "f1", ArgumentsDelta: `{"b":`}},
		{Kind: protocol.EventToolCallDelta, ToolCall: &domain.ToolCallChunk{Index: 0, ArgumentsDelta: `1}`}},
		{Kind: protocol.EventToolCallDelta, ToolCall: &domain.ToolCallChunk{Index: 1, ArgumentsDelta: `2}`}},
		{Kind: protocol.EventTerminal},
	}

	var all string
	for _, ev := range events {
		all += string(b.EncodeResponses(state, ev))
	}

	if got := countOccurrences(all, "response.output_item.added"); got != 2 {
		t.Fatalf("output_item.added count = %d, want 2\n%s", got, all)
	}
	if !strings.Contains(all, `"arguments":"{\"a\":1}"`) {
		t.Errorf("missing merged arguments for tool 0 in:\n%s", all)
	}
	if !strings.Contains(all, `"arguments":"{\"b\":2}"`) {
		t.Errorf("missing merged arguments for tool 1 in:\n%s", all)
	}
}

func TestEncodeResponses_CreatedOnlyOnce(t *testing.T) {
	b := NewBridge()
	state := NewStreamState("resp_1", 0, "gpt-4o")

	out := string(b.EncodeResponses(state, protocol.ParsedEvent{Kind: protocol.EventStart}))
	out += string(b.EncodeResponses(state, protocol.ParsedEvent{Kind: protocol.EventTextDelta, TextDelta: "hi"}))

	if countOccurrences(out, "response.created") != 1 {
		t.Errorf("response.created count != 1 in:\n%s", out)
	}
	if countOccurrences(out, "response.output_item.added") != 1 {
		t.Errorf("response.output_item.added count != 1 in:\n%s", out)
	}
}

func TestEncodeOpenAIChat_TerminalEmitsDoneSentinel(t *testing.T) {
	b := NewBridge()
	state := NewStreamState("chatcmpl_1", 0, "gpt-4o")
	out := b.EncodeOpenAIChat(state, protocol.ParsedEvent{Kind: protocol.EventTerminal})
	if string(out) != "data: [DONE]\n\n" {
		t.Errorf("got %q", out)
	}
}

func TestEncodeAnthropic_TextDeltaProducesContentBlockStartOnce(t *testing.T) {
	b := NewBridge()
	state := NewStreamState("msg_1", 0, "claude-3-opus")
	out := string(b.EncodeAnthropic(state, protocol.ParsedEvent{Kind: protocol.EventTextDelta, TextDelta: "a"}))
	out += string(b.EncodeAnthropic(state, protocol.ParsedEvent{Kind: protocol.EventTextDelta, TextDelta: "b"}))
	if countOccurrences(out, "content_block_start") != 1 {
		t.Errorf("content_block_start count != 1 in:\n%s", out)
	}
	if countOccurrences(out, "content_block_delta") != 2 {
		t.Errorf("content_block_delta count != 2 in:\n%s", out)
	}
}

func TestEncodeFailure_ResponsesSurface(t *testing.T) {
	b := NewBridge()
	out := b.EncodeFailure(domain.APITypeOpenAIResponse, domain.ErrCascadeExhausted([]string{"a,m1"}))
	if !strings.Contains(string(out), "response.failed") {
		t.Errorf("missing response.failed in:\n%s", out)
	}
}

func TestEncodeFailure_OpenAIChatSurfaceEndsWithDone(t *testing.T) {
	b := NewBridge()
	out := string(b.EncodeFailure(domain.APITypeOpenAIChat, domain.ErrCascadeExhausted([]string{"a,m1"})))
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Errorf("does not end with [DONE]:\n%s", out)
	}
}

func TestStreamState_JSONRoundTripSanity(t *testing.T) {
	// Sanity check that frame() always produces valid JSON payloads.
	b := NewBridge()
	state := NewStreamState("msg_1", 0, "claude-3-opus")
	out := b.EncodeAnthropic(state, protocol.ParsedEvent{Kind: protocol.EventStart})
	parts := strings.SplitN(string(out), "data: ", 2)
	if len(parts) != 2 {
		t.Fatalf("unexpected frame shape: %q", out)
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(parts[1])), &v); err != nil {
		t.Fatalf("invalid JSON payload: %v", err)
	}
}
