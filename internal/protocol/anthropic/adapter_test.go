package anthropic

import (
	"testing"

	"github.com/tjfontaine/cascade-gateway/internal/domain"
	"github.com/tjfontaine/cascade-gateway/internal/protocol"
	"github.com/tjfontaine/cascade-gateway/internal/sse"
)

func TestSerializeRequest_SystemAndTools(t *testing.T) {
	a := New()
	req := &domain.CanonicalRequest{
		Model:  "claude-3-opus",
		System: "be concise",
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
		Tools: []domain.ToolDefinition{{Function: domain.FunctionDef{Name: "lookup", Parameters: map[string]any{"type": "object"}}}},
	}
	body, headers, err := a.SerializeRequest(req)
	if err != nil {
		t.Fatalf("SerializeRequest() error = %v", err)
	}
	if headers["anthropic-version"] == "" {
		t.Error("expected anthropic-version header")
	}
	if len(body) == 0 {
		t.Error("expected non-empty body")
	}
}

func TestParseNonStreamResponse_TextAndToolUse(t *testing.T) {
	a := New()
	body := []byte(`{
		"id": "msg_1", "model": "claude-3-opus", "role": "assistant",
		"content": [{"type":"tool_use","id":"t1","name":"lookup","input":{"q":"x"}}],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`)
	resp, err := a.ParseNonStreamResponse(body)
	if err != nil {
		t.Fatalf("ParseNonStreamResponse() error = %v", err)
	}
	if resp.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q, want tool_calls", resp.Choices[0].FinishReason)
	}
	if len(resp.Choices[0].Message.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call")
	}
}

func TestParseStreamEvent_TextDelta(t *testing.T) {
	a := New()
	frame := sse.Frame{
		Event: "content_block_delta",
		Data:  `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`,
	}
	ev, err := a.ParseStreamEvent(frame)
	if err != nil {
		t.Fatalf("ParseStreamEvent() error = %v", err)
	}
	if ev.Kind != protocol.EventTextDelta || ev.TextDelta != "hi" {
		t.Errorf("got %+v", ev)
	}
}

func TestParseStreamEvent_EventNameFallback(t *testing.T) {
	// data payload has no "type" field; event name must supply it.
	a := New()
	frame := sse.Frame{Event: "message_stop", Data: `{}`}
	ev, err := a.ParseStreamEvent(frame)
	if err != nil {
		t.Fatalf("ParseStreamEvent() error = %v", err)
	}
	if ev.Kind != protocol.EventTerminal {
		t.Errorf("Kind = %v, want EventTerminal", ev.Kind)
	}
}

func TestParseRequest_SystemAndToolUse(t *testing.T) {
	a := New()
	body := []byte(`{
		"model": "claude-3-opus",
		"system": [{"type":"text","text":"be concise"}],
		"messages": [
			{"role":"user","content":[{"type":"text","text":"hi"}]},
			{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"lookup","input":{"q":"x"}}]}
		]
	}`)
	req, err := a.ParseRequest(body)
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if req.System != "be concise" {
		t.Errorf("System = %q", req.System)
	}
	if req.Messages[1].ToolCalls[0].Function.Name != "lookup" {
		t.Errorf("got %+v", req.Messages[1])
	}
}

func TestParseStreamEvent_ToolCallDelta(t *testing.T) {
	a := New()
	frame := sse.Frame{
		Event: "content_block_delta",
		Data:  `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"a\":"}}`,
	}
	ev, err := a.ParseStreamEvent(frame)
	if err != nil {
		t.Fatalf("ParseStreamEvent() error = %v", err)
	}
	if ev.Kind != protocol.EventToolCallDelta || ev.ToolCall.Index != 1 {
		t.Errorf("got %+v", ev)
	}
}
