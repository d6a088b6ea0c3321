package openairesponses

import (
	"testing"

	"github.com/tjfontaine/cascade-gateway/internal/protocol"
	"github.com/tjfontaine/cascade-gateway/internal/sse"
)

func TestParseStreamEvent_TextDelta(t *testing.T) {
	a := New()
	ev, err := a.ParseStreamEvent(sse.Frame{Event: "response.output_text.delta", Data: `{"delta":"hi"}`})
	if err != nil {
		t.Fatalf("ParseStreamEvent() error = %v", err)
	}
	if ev.Kind != protocol.EventTextDelta || ev.TextDelta != "hi" {
		t.Errorf("got %+v", ev)
	}
}

func TestParseStreamEvent_FunctionCallAdded(t *testing.T) {
	a := New()
	ev, err := a.ParseStreamEvent(sse.Frame{
		Event: "response.output_item.added",
		Data:  `{"output_index":0,"item":{"type":"function_call","name":"lookup","call_id":"c1"}}`,
	})
	if err != nil {
		t.Fatalf("ParseStreamEvent() error = %v", err)
	}
	if ev.Kind != protocol.EventToolCallDelta || ev.ToolCall.Name != "lookup" {
		t.Errorf("got %+v", ev)
	}
}

func TestParseStreamEvent_Failed(t *testing.T) {
	a := New()
	ev, err := a.ParseStreamEvent(sse.Frame{Event: "response.failed", Data: `{"error":{"message":"boom"}}`})
	if err != nil {
		t.Fatalf("ParseStreamEvent() error = %v", err)
	}
	if ev.Kind != protocol.EventFinishReason || ev.FinishReason != "error" {
		t.Errorf("got %+v", ev)
	}
}

func TestParseRequest_InstructionsAndInput(t *testing.T) {
	a := New()
	body := []byte(`{"model":"gpt-4o","instructions":"be terse","input":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`)
	req, err := a.ParseRequest(body)
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if req.System != "be terse" {
		t.Errorf("System = %q", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "hi" {
		t.Errorf("Messages = %+v", req.Messages)
	}
}

func TestParseNonStreamResponse_MessageAndFunctionCall(t *testing.T) {
	a := New()
	body := []byte(`{
		"id":"resp_1","model":"gpt-4o","status":"completed",
		"output":[
			{"type":"message","role":"assistant","content":[{"type":"output_text","text":"hello"}]},
			{"type":"function_call","name":"lookup","call_id":"c1","arguments":"{}"}
		],
		"usage":{"input_tokens":5,"output_tokens":2}
	}`)
	resp, err := a.ParseNonStreamResponse(body)
	if err != nil {
		t.Fatalf("ParseNonStreamResponse() error = %v", err)
	}
	if resp.Choices[0].Message.Content != "hello" {
		t.Errorf("Content = %q", resp.Choices[0].Message.Content)
	}
	if len(resp.Choices[0].Message.ToolCalls) != 1 {
		t.Fatal("expected 1 tool call")
	}
	if resp.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q", resp.Choices[0].FinishReason)
	}
}
