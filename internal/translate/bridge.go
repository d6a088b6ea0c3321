package translate

import (
	"encoding/json"
	"fmt"

	"github.com/tjfontaine/cascade-gateway/internal/domain"
	"github.com/tjfontaine/cascade-gateway/internal/protocol"
)

// Bridge re-encodes a source-dialect-agnostic ParsedEvent stream into any
// of the three client-facing wire dialects, threading a StreamState through
// successive calls for the dialect's incremental framing. It is stateless
// itself; all per-stream state lives in the StreamState the caller owns.
type Bridge struct{}

// NewBridge returns a TranslationBridge.
func NewBridge() *Bridge { return &Bridge{} }

func frame(event string, data any) []byte {
	body, err := json.Marshal(data)
	if err != nil {
		body = []byte(`{}`)
	}
	if event == "" {
		return []byte(fmt.Sprintf("data: %s\n\n", body))
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, body))
}

const doneFrame = "data: [DONE]\n\n"

// EncodeAnthropic re-encodes one ParsedEvent as zero or more Anthropic
// Messages SSE frames, in Anthropic's own bit-exact event/data shape.
func (b *Bridge) EncodeAnthropic(state *StreamState, ev protocol.ParsedEvent) []byte {
	state.mu.Lock()
	defer state.mu.Unlock()

	var out []byte
	switch ev.Kind {
	case protocol.EventStart:
		state.started = true
		out = append(out, frame("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id": state.ResponseID, "type": "message", "role": "assistant",
				"model": state.Model, "content": []any{}, "usage": map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		})...)
	case protocol.EventTextDelta:
		visible, reasoning := state.reasoning.Feed(ev.TextDelta)
		if reasoning != "" {
			out = append(out, b.anthropicContentDelta(state, 0, "thinking_delta", "", reasoning)...)
			state.reasoningBuf.WriteString(reasoning)
		}
		if visible != "" {
			out = append(out, b.anthropicContentDelta(state, 0, "text_delta", visible, "")...)
			state.textBuf.WriteString(visible)
		}
	case protocol.EventReasoningDelta:
		out = append(out, b.anthropicContentDelta(state, 0, "thinking_delta", "", ev.ReasoningDelta)...)
		state.reasoningBuf.WriteString(ev.ReasoningDelta)
	case protocol.EventToolCallDelta:
		out = append(out, b.anthropicToolCallDelta(state, ev.ToolCall)...)
	case protocol.EventUsage:
		state.usage = ev.Usage
	case protocol.EventFinishReason:
		state.finishReason = ev.FinishReason
		out = append(out, frame("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})...)
		out = append(out, frame("message_delta", map[string]any{
			"type": "message_delta",
			"delta": map[string]any{"stop_reason": anthropicStopReason(ev.FinishReason)},
			"usage": anthropicUsagePayload(state.usage),
		})...)
	case protocol.EventTerminal:
		out = append(out, frame("message_stop", map[string]any{"type": "message_stop"})...)
	}
	return out
}

func (b *Bridge) anthropicContentDelta(state *StreamState, index int, deltaType, text, thinking string) []byte {
	var out []byte
	if !state.itemAdded {
		state.itemAdded = true
		blockType := "text"
		if deltaType == "thinking_delta" {
			blockType = "thinking"
		}
		out = append(out, frame("content_block_start", map[string]any{
			"type": "content_block_start", "index": index,
			"content_block": map[string]any{"type": blockType},
		})...)
	}
	delta := map[string]any{"type": deltaType}
	if deltaType == "thinking_delta" {
		delta["thinking"] = thinking
	} else {
		delta["text"] = text
	}
	out = append(out, frame("content_block_delta", map[string]any{
		"type": "content_block_delta", "index": index, "delta": delta,
	})...)
	return out
}

func (b *Bridge) anthropicToolCallDelta(state *StreamState, tc *domain.ToolCallChunk) []byte {
	accum := state.toolAccum(tc.Index)
	var out []byte
	if !accum.Added {
		accum.Added = true
		accum.ID, accum.Name = tc.ID, tc.Name
		out = append(out, frame("content_block_start", map[string]any{
			"type": "content_block_start", "index": tc.Index + 1,
			"content_block": map[string]any{"type": "tool_use", "id": tc.ID, "name": tc.Name},
		})...)
	}
	if tc.ArgumentsDelta != "" {
		accum.Arguments.WriteString(tc.ArgumentsDelta)
		out = append(out, frame("content_block_delta", map[string]any{
			"type": "content_block_delta", "index": tc.Index + 1,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": tc.ArgumentsDelta},
		})...)
	}
	return out
}

func anthropicStopReason(finish string) string {
	switch finish {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

func anthropicUsagePayload(u *domain.Usage) map[string]any {
	if u == nil {
		return map[string]any{"output_tokens": 0}
	}
	return map[string]any{
		"input_tokens": u.InputTokens, "output_tokens": u.OutputTokens,
		"cache_creation_input_tokens": u.CacheCreationInputTokens,
		"cache_read_input_tokens":    u.CacheReadInputTokens,
	}
}

// EncodeOpenAIChat re-encodes one ParsedEvent as zero or more
// "chat.completion.chunk" SSE frames, terminated by the literal
// "data: [DONE]" marker on the stream's end.
func (b *Bridge) EncodeOpenAIChat(state *StreamState, ev protocol.ParsedEvent) []byte {
	state.mu.Lock()
	defer state.mu.Unlock()

	chunk := func(delta map[string]any, finish *string) []byte {
		return frame("", map[string]any{
			"id": state.ResponseID, "object": "chat.completion.chunk",
			"created": state.CreatedAt, "model": state.Model,
			"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": finish}},
		})
	}

	switch ev.Kind {
	case protocol.EventStart:
		state.started = true
		return chunk(map[string]any{"role": "assistant", "content": ""}, nil)
	case protocol.EventTextDelta:
		visible, reasoning := state.reasoning.Feed(ev.TextDelta)
		var out []byte
		if reasoning != "" {
			state.reasoningBuf.WriteString(reasoning)
			out = append(out, chunk(map[string]any{"reasoning_content": reasoning}, nil)...)
		}
		if visible != "" {
			state.textBuf.WriteString(visible)
			out = append(out, chunk(map[string]any{"content": visible}, nil)...)
		}
		return out
	case protocol.EventReasoningDelta:
		state.reasoningBuf.WriteString(ev.ReasoningDelta)
		return chunk(map[string]any{"reasoning_content": ev.ReasoningDelta}, nil)
	case protocol.EventToolCallDelta:
		accum := state.toolAccum(ev.ToolCall.Index)
		tc := map[string]any{"index": ev.ToolCall.Index}
		if !accum.Added {
			accum.Added = true
			accum.ID, accum.Name = ev.ToolCall.ID, ev.ToolCall.Name
			tc["id"] = ev.ToolCall.ID
			tc["type"] = "function"
			tc["function"] = map[string]any{"name": ev.ToolCall.Name, "arguments": ""}
		}
		if ev.ToolCall.ArgumentsDelta != "" {
			accum.Arguments.WriteString(ev.ToolCall.ArgumentsDelta)
			if tc["function"] == nil {
				tc["function"] = map[string]any{"arguments": ev.ToolCall.ArgumentsDelta}
			} else {
				tc["function"].(map[string]any)["arguments"] = ev.ToolCall.ArgumentsDelta
			}
		}
		return chunk(map[string]any{"tool_calls": []map[string]any{tc}}, nil)
	case protocol.EventUsage:
		state.usage = ev.Usage
		return frame("", map[string]any{
			"id": state.ResponseID, "object": "chat.completion.chunk",
			"created": state.CreatedAt, "model": state.Model, "choices": []any{},
			"usage": openAIUsagePayload(state.usage),
		})
	case protocol.EventFinishReason:
		state.finishReason = ev.FinishReason
		reason := ev.FinishReason
		return chunk(map[string]any{}, &reason)
	case protocol.EventTerminal:
		return []byte(doneFrame)
	}
	return nil
}

func openAIUsagePayload(u *domain.Usage) map[string]any {
	if u == nil {
		return map[string]any{}
	}
	return map[string]any{"prompt_tokens": u.InputTokens, "completion_tokens": u.OutputTokens, "total_tokens": u.Total()}
}

// EncodeResponses re-encodes one ParsedEvent as zero or more OpenAI
// Responses SSE frames, assembling them incrementally per the dialect's
// named-event sequencing: response.created once; response.output_item.added
// on first text or tool call; a delta event per fragment; response.completed
// on terminal.
func (b *Bridge) EncodeResponses(state *StreamState, ev protocol.ParsedEvent) []byte {
	state.mu.Lock()
	defer state.mu.Unlock()

	var out []byte
	if !state.started {
		state.started = true
		out = append(out, frame("response.created", map[string]any{
			"type": "response.created",
			"response": map[string]any{"id": state.ResponseID, "model": state.Model, "status": "in_progress"},
		})...)
	}

	switch ev.Kind {
	case protocol.EventStart:
		// response.created already emitted above.
	case protocol.EventTextDelta:
		visible, reasoning := state.reasoning.Feed(ev.TextDelta)
		if reasoning != "" {
			out = append(out, b.responsesItemAddedOnce(state)...)
			state.reasoningBuf.WriteString(reasoning)
			out = append(out, frame("response.reasoning_text.delta", map[string]any{"type": "response.reasoning_text.delta", "delta": reasoning})...)
		}
		if visible != "" {
			out = append(out, b.responsesItemAddedOnce(state)...)
			state.textBuf.WriteString(visible)
			out = append(out, frame("response.output_text.delta", map[string]any{"type": "response.output_text.delta", "delta": visible})...)
		}
	case protocol.EventReasoningDelta:
		out = append(out, b.responsesItemAddedOnce(state)...)
		state.reasoningBuf.WriteString(ev.ReasoningDelta)
		out = append(out, frame("response.reasoning_text.delta", map[string]any{"type": "response.reasoning_text.delta", "delta": ev.ReasoningDelta})...)
	case protocol.EventToolCallDelta:
		accum := state.toolAccum(ev.ToolCall.Index)
		outputIndex := ev.ToolCall.Index + 1
		if !accum.Added {
			accum.Added = true
			accum.ID, accum.Name = ev.ToolCall.ID, ev.ToolCall.Name
			out = append(out, frame("response.output_item.added", map[string]any{
				"type": "response.output_item.added", "output_index": outputIndex,
				"item": map[string]any{"type": "function_call", "call_id": accum.ID, "name": accum.Name},
			})...)
		}
		if ev.ToolCall.ArgumentsDelta != "" {
			accum.Arguments.WriteString(ev.ToolCall.ArgumentsDelta)
			out = append(out, frame("response.function_call_arguments.delta", map[string]any{
				"type": "response.function_call_arguments.delta",
				"output_index": outputIndex, "delta": ev.ToolCall.ArgumentsDelta,
			})...)
		}
	case protocol.EventUsage:
		state.usage = ev.Usage
	case protocol.EventFinishReason:
		state.finishReason = ev.FinishReason
	case protocol.EventTerminal:
		out = append(out, b.responsesTerminal(state)...)
	}
	return out
}

func (b *Bridge) responsesItemAddedOnce(state *StreamState) []byte {
	if state.itemAdded {
		return nil
	}
	state.itemAdded = true
	return frame("response.output_item.added", map[string]any{
		"type": "response.output_item.added", "output_index": 0,
		"item": map[string]any{"type": "message", "role": "assistant"},
	})
}

func (b *Bridge) responsesTerminal(state *StreamState) []byte {
	var out []byte
	output := []map[string]any{}

	if state.itemAdded {
		out = append(out, frame("response.output_item.done", map[string]any{
			"type": "response.output_item.done", "output_index": 0,
		})...)
		if state.reasoningBuf.Len() > 0 {
			output = append(output, map[string]any{
				"type": "reasoning", "content": []map[string]any{{"type": "reasoning_text", "text": state.reasoningBuf.String()}},
			})
		}
		output = append(output, map[string]any{
			"type": "message", "role": "assistant",
			"content": []map[string]any{{"type": "output_text", "text": state.textBuf.String()}},
		})
	}

	for _, idx := range state.toolKeys {
		accum := state.tools[idx]
		out = append(out, frame("response.output_item.done", map[string]any{
			"type": "response.output_item.done", "output_index": idx + 1,
			"item": map[string]any{
				"type": "function_call", "call_id": accum.ID, "name": accum.Name,
				"arguments": accum.Arguments.String(),
			},
		})...)
		output = append(output, map[string]any{
			"type": "function_call", "call_id": accum.ID, "name": accum.Name,
			"arguments": accum.Arguments.String(),
		})
	}

	out = append(out, frame("response.completed", map[string]any{
		"type": "response.completed",
		"response": map[string]any{
			"id": state.ResponseID, "model": state.Model, "status": "completed",
			"output": output, "usage": responsesUsagePayload(state.usage),
		},
	})...)
	return out
}

func responsesUsagePayload(u *domain.Usage) map[string]any {
	if u == nil {
		return map[string]any{}
	}
	return map[string]any{"input_tokens": u.InputTokens, "output_tokens": u.OutputTokens}
}

// EncodeFailure renders a terminal cascade-exhaustion failure in the target
// dialect's wire shape, per §4.7's surface-specific terminal-failure rule:
// a single response.failed event on Responses, an error chunk followed by
// [DONE] on OpenAI-Chat, and (handled by the caller, not here) a 503 JSON
// body on the non-streaming path.
func (b *Bridge) EncodeFailure(apiType domain.APIType, apiErr *domain.APIError) []byte {
	switch apiType {
	case domain.APITypeOpenAIResponse:
		return frame("response.failed", map[string]any{
			"type": "response.failed",
			"response": map[string]any{"status": "failed", "error": map[string]any{"message": apiErr.Message}},
		})
	case domain.APITypeOpenAIChat:
		out := frame("", map[string]any{"error": map[string]any{"message": apiErr.Message, "type": string(apiErr.Type)}})
		return append(out, []byte(doneFrame)...)
	default:
		return frame("error", map[string]any{
			"type": "error",
			"error": map[string]any{"type": string(apiErr.Type), "message": apiErr.Message},
		})
	}
}
