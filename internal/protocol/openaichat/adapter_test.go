package openaichat

import (
	"testing"

	"github.com/tjfontaine/cascade-gateway/internal/domain"
	"github.com/tjfontaine/cascade-gateway/internal/protocol"
	"github.com/tjfontaine/cascade-gateway/internal/sse"
)

func TestParseStreamEvent_EmptyChoicesWithUsageIsUsageUpdate(t *testing.T) {
	a := New()
	frame := sse.Frame{Data: `{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":3}}`}
	ev, err := a.ParseStreamEvent(frame)
	if err != nil {
		t.Fatalf("ParseStreamEvent() error = %v", err)
	}
	if ev.Kind != protocol.EventUsage || ev.Usage.InputTokens != 10 {
		t.Errorf("got %+v", ev)
	}
}

func TestParseStreamEvent_ContentDelta(t *testing.T) {
	a := New()
	frame := sse.Frame{Data: `{"choices":[{"index":0,"delta":{"content":"hello"},"finish_reason":null}]}`}
	ev, err := a.ParseStreamEvent(frame)
	if err != nil {
		t.Fatalf("ParseStreamEvent() error = %v", err)
	}
	if ev.Kind != protocol.EventTextDelta || ev.TextDelta != "hello" {
		t.Errorf("got %+v", ev)
	}
}

func TestParseStreamEvent_FinishReason(t *testing.T) {
	a := New()
	frame := sse.Frame{Data: `{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`}
	ev, err := a.ParseStreamEvent(frame)
	if err != nil {
		t.Fatalf("ParseStreamEvent() error = %v", err)
	}
	if ev.Kind != protocol.EventFinishReason || ev.FinishReason != "stop" {
		t.Errorf("got %+v", ev)
	}
}

func TestParseStreamEvent_DoneSentinel(t *testing.T) {
	a := New()
	ev, err := a.ParseStreamEvent(sse.Frame{Data: "[DONE]", IsTerminal: true})
	if err != nil {
		t.Fatalf("ParseStreamEvent() error = %v", err)
	}
	if ev.Kind != protocol.EventTerminal {
		t.Errorf("Kind = %v, want EventTerminal", ev.Kind)
	}
}

func TestParseRequest_SystemMessageExtracted(t *testing.T) {
	a := New()
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"system","content":"be terse"},{"role":"user","content":"hi"}]}`)
	req, err := a.ParseRequest(body)
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if req.System != "be terse" {
		t.Errorf("System = %q", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Errorf("Messages = %+v", req.Messages)
	}
}

func TestSerializeRequest_ToolCallsAndReasoningContent(t *testing.T) {
	a := New()
	req := &domain.CanonicalRequest{
		Model: "gpt-4o",
		Messages: []domain.Message{
			{Role: "assistant", ReasoningContent: "thinking", ToolCalls: []domain.ToolCall{
				{ID: "c1", Type: "function", Function: domain.ToolCallFunction{Name: "f", Arguments: "{}"}},
			}},
		},
	}
	body, _, err := a.SerializeRequest(req)
	if err != nil {
		t.Fatalf("SerializeRequest() error = %v", err)
	}
	if len(body) == 0 {
		t.Error("expected non-empty body")
	}
}
