// Package anthropic implements protocol.Adapter for the Anthropic Messages
// wire dialect.
package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/tjfontaine/cascade-gateway/internal/domain"
	"github.com/tjfontaine/cascade-gateway/internal/protocol"
	"github.com/tjfontaine/cascade-gateway/internal/sse"
)

// Adapter implements protocol.Adapter for Anthropic's Messages API.
type Adapter struct{}

// New returns an Anthropic protocol adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) APIType() domain.APIType { return domain.APITypeAnthropic }

type wireContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     any            `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	CacheControl map[string]any `json:"cache_control,omitempty"`
}

type wireMessage struct {
	Role    string              `json:"role"`
	Content []wireContentBlock  `json:"content"`
}

type wireSystemBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type wireRequest struct {
	Model       string            `json:"model"`
	Messages    []wireMessage     `json:"messages"`
	System      []wireSystemBlock `json:"system,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Tools       []wireTool        `json:"tools,omitempty"`
	ToolChoice  any               `json:"tool_choice,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
}

func (a *Adapter) SerializeRequest(req *domain.CanonicalRequest) ([]byte, map[string]string, error) {
	wr := wireRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		Stream:        req.Stream,
		StopSequences: req.Stop,
	}
	if req.System != "" {
		wr.System = []wireSystemBlock{{Type: "text", Text: req.System}}
	}
	for _, t := range req.Tools {
		wr.Tools = append(wr.Tools, wireTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	wr.ToolChoice = req.ToolChoice

	for _, m := range req.Messages {
		wr.Messages = append(wr.Messages, toWireMessage(m))
	}

	body, err := json.Marshal(wr)
	if err != nil {
		return nil, nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	headers := map[string]string{
		"content-type":      "application/json",
		"anthropic-version": "2023-06-01",
	}
	return body, headers, nil
}

// ParseRequest decodes a client request body in the Anthropic Messages
// shape into a CanonicalRequest.
func (a *Adapter) ParseRequest(body []byte) (*domain.CanonicalRequest, error) {
	var wr wireRequest
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("anthropic: unmarshal request: %w", err)
	}

	req := &domain.CanonicalRequest{
		SourceAPI:   domain.APITypeAnthropic,
		Model:       wr.Model,
		MaxTokens:   wr.MaxTokens,
		Temperature: wr.Temperature,
		TopP:        wr.TopP,
		Stream:      wr.Stream,
		Stop:        wr.StopSequences,
		ToolChoice:  wr.ToolChoice,
	}
	for _, sb := range wr.System {
		if req.System != "" {
			req.System += "\n"
		}
		req.System += sb.Text
	}
	for _, t := range wr.Tools {
		req.Tools = append(req.Tools, domain.ToolDefinition{Function: domain.FunctionDef{
			Name: t.Name, Description: t.Description, Parameters: t.InputSchema,
		}})
	}
	for _, wm := range wr.Messages {
		req.Messages = append(req.Messages, fromWireMessage(wm))
	}
	return req, nil
}

func fromWireMessage(wm wireMessage) domain.Message {
	m := domain.Message{Role: wm.Role}
	if len(wm.Content) == 1 && wm.Content[0].Type == "text" {
		m.Content = wm.Content[0].Text
		return m
	}
	var parts []domain.ContentPart
	for _, b := range wm.Content {
		switch b.Type {
		case "text":
			parts = append(parts, domain.ContentPart{Type: domain.ContentTypeText, Text: b.Text})
		case "tool_use":
			args, _ := json.Marshal(b.Input)
			m.ToolCalls = append(m.ToolCalls, domain.ToolCall{
				ID: b.ID, Type: "function",
				Function: domain.ToolCallFunction{Name: b.Name, Arguments: string(args)},
			})
		case "tool_result":
			m.ToolCallID = b.ToolUseID
			m.Content = b.Content
		default:
			parts = append(parts, domain.ContentPart{Type: domain.ContentTypeText, Text: b.Text, CacheControl: b.CacheControl})
		}
	}
	if len(m.ToolCalls) == 0 && m.ToolCallID == "" && len(parts) > 0 {
		m.RichContent = &domain.RichContent{Parts: parts}
	}
	return m
}

func toWireMessage(m domain.Message) wireMessage {
	wm := wireMessage{Role: m.Role}
	if m.RichContent != nil && len(m.RichContent.Parts) > 0 {
		for _, p := range m.RichContent.Parts {
			wm.Content = append(wm.Content, fromCanonicalPart(p))
		}
		return wm
	}
	if len(m.ToolCalls) > 0 {
		for _, tc := range m.ToolCalls {
			var input any
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
			wm.Content = append(wm.Content, wireContentBlock{
				Type: "tool_use", ID: tc.ID, Name: tc.Function.Name, Input: input,
			})
		}
		return wm
	}
	if m.ToolCallID != "" {
		wm.Content = append(wm.Content, wireContentBlock{
			Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content,
		})
		return wm
	}
	wm.Content = []wireContentBlock{{Type: "text", Text: m.Content}}
	return wm
}

func fromCanonicalPart(p domain.ContentPart) wireContentBlock {
	switch p.Type {
	case domain.ContentTypeToolUse:
		return wireContentBlock{Type: "tool_use", ID: p.ID, Name: p.Name, Input: p.Input, CacheControl: p.CacheControl}
	case domain.ContentTypeToolResult:
		return wireContentBlock{Type: "tool_result", ToolUseID: p.ToolUseID, Content: p.Text, IsError: p.IsError, CacheControl: p.CacheControl}
	default:
		return wireContentBlock{Type: "text", Text: p.Text, CacheControl: p.CacheControl}
	}
}

type wireUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

type wireResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Role       string             `json:"role"`
	Content    []wireContentBlock `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      wireUsage          `json:"usage"`
}

func (a *Adapter) ParseNonStreamResponse(body []byte) (*domain.CanonicalResponse, error) {
	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("anthropic: unmarshal response: %w", err)
	}

	msg := domain.Message{Role: wr.Role}
	var parts []domain.ContentPart
	for _, b := range wr.Content {
		switch b.Type {
		case "text":
			parts = append(parts, domain.ContentPart{Type: domain.ContentTypeText, Text: b.Text})
		case "tool_use":
			args, _ := json.Marshal(b.Input)
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
				ID: b.ID, Type: "function",
				Function: domain.ToolCallFunction{Name: b.Name, Arguments: string(args)},
			})
		}
	}
	if len(parts) == 1 && parts[0].Type == domain.ContentTypeText {
		msg.Content = parts[0].Text
	} else if len(parts) > 0 {
		msg.RichContent = &domain.RichContent{Parts: parts}
	}

	return &domain.CanonicalResponse{
		ID:    wr.ID,
		Model: wr.Model,
		Choices: []domain.Choice{{
			Index: 0, Message: msg, FinishReason: mapStopReason(wr.StopReason),
		}},
		Usage: domain.Usage{
			InputTokens:              wr.Usage.InputTokens,
			OutputTokens:             wr.Usage.OutputTokens,
			CacheCreationInputTokens: wr.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     wr.Usage.CacheReadInputTokens,
		},
		ProviderModel:   wr.Model,
		ProviderRawBody: body,
	}, nil
}

// EncodeResponse renders a CanonicalResponse in the Anthropic Messages
// non-streaming shape.
func (a *Adapter) EncodeResponse(resp *domain.CanonicalResponse) ([]byte, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anthropic: encode response: no choices")
	}
	msg := resp.Choices[0].Message
	wr := wireResponse{
		ID: resp.ID, Model: resp.Model, Role: "assistant",
		StopReason: unmapStopReason(resp.Choices[0].FinishReason),
		Usage: wireUsage{
			InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens,
			CacheCreationInputTokens: resp.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     resp.Usage.CacheReadInputTokens,
		},
	}
	if msg.RichContent != nil {
		for _, p := range msg.RichContent.Parts {
			wr.Content = append(wr.Content, fromCanonicalPart(p))
		}
	} else if msg.Content != "" {
		wr.Content = []wireContentBlock{{Type: "text", Text: msg.Content}}
	}
	for _, tc := range msg.ToolCalls {
		var input any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		wr.Content = append(wr.Content, wireContentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Function.Name, Input: input})
	}
	body, err := json.Marshal(wr)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal response: %w", err)
	}
	return body, nil
}

func unmapStopReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return reason
	}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// streamEnvelope is the minimal shape needed to dispatch on a data payload
// whose own "type" field may be absent, in which case the SSE event name
// supplies it.
type streamEnvelope struct {
	Type  string `json:"type"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Index int `json:"index"`
	Usage struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	} `json:"usage"`
	Message struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

func (a *Adapter) ParseStreamEvent(frame sse.Frame) (protocol.ParsedEvent, error) {
	if frame.IsTerminal {
		return protocol.ParsedEvent{Kind: protocol.EventTerminal}, nil
	}
	if frame.Data == "" {
		return protocol.ParsedEvent{Kind: protocol.EventIgnore}, nil
	}

	var env streamEnvelope
	if err := json.Unmarshal([]byte(frame.Data), &env); err != nil {
		return protocol.ParsedEvent{}, fmt.Errorf("anthropic: unmarshal stream frame: %w", err)
	}

	eventType := env.Type
	if eventType == "" {
		eventType = frame.Event
	}

	switch eventType {
	case "message_start":
		return protocol.ParsedEvent{Kind: protocol.EventStart}, nil
	case "content_block_start":
		if env.ContentBlock.Type == "tool_use" {
			return protocol.ParsedEvent{
				Kind: protocol.EventToolCallDelta,
				ToolCall: &domain.ToolCallChunk{Index: env.Index, ID: env.ContentBlock.ID, Name: env.ContentBlock.Name},
			}, nil
		}
		return protocol.ParsedEvent{Kind: protocol.EventIgnore}, nil
	case "content_block_delta":
		switch env.Delta.Type {
		case "text_delta":
			return protocol.ParsedEvent{Kind: protocol.EventTextDelta, TextDelta: env.Delta.Text}, nil
		case "input_json_delta":
			return protocol.ParsedEvent{
				Kind: protocol.EventToolCallDelta,
				ToolCall: &domain.ToolCallChunk{Index: env.Index, ArgumentsDelta: env.Delta.PartialJSON},
			}, nil
		case "thinking_delta":
			return protocol.ParsedEvent{Kind: protocol.EventReasoningDelta, ReasoningDelta: env.Delta.Text}, nil
		}
		return protocol.ParsedEvent{Kind: protocol.EventIgnore}, nil
	case "content_block_stop":
		return protocol.ParsedEvent{Kind: protocol.EventIgnore}, nil
	case "message_delta":
		if env.Delta.StopReason != "" {
			return protocol.ParsedEvent{Kind: protocol.EventFinishReason, FinishReason: mapStopReason(env.Delta.StopReason)}, nil
		}
		if env.Usage.OutputTokens != 0 {
			return protocol.ParsedEvent{Kind: protocol.EventUsage, Usage: &domain.Usage{
				InputTokens: env.Usage.InputTokens, OutputTokens: env.Usage.OutputTokens,
				CacheCreationInputTokens: env.Usage.CacheCreationInputTokens,
				CacheReadInputTokens:     env.Usage.CacheReadInputTokens,
			}}, nil
		}
		return protocol.ParsedEvent{Kind: protocol.EventIgnore}, nil
	case "message_stop":
		return protocol.ParsedEvent{Kind: protocol.EventTerminal}, nil
	case "ping":
		return protocol.ParsedEvent{Kind: protocol.EventIgnore}, nil
	default:
		return protocol.ParsedEvent{Kind: protocol.EventIgnore}, nil
	}
}
