// Package openairesponses implements protocol.Adapter for the OpenAI
// Responses wire dialect.
package openairesponses

import (
	"encoding/json"
	"fmt"

	"github.com/tjfontaine/cascade-gateway/internal/domain"
	"github.com/tjfontaine/cascade-gateway/internal/protocol"
	"github.com/tjfontaine/cascade-gateway/internal/sse"
)

// Adapter implements protocol.Adapter for OpenAI's Responses API.
type Adapter struct{}

// New returns an OpenAI-Responses protocol adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) APIType() domain.APIType { return domain.APITypeOpenAIResponse }

type wireInputItem struct {
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type wireRequest struct {
	Model           string          `json:"model"`
	Input           []wireInputItem `json:"input"`
	Instructions    string          `json:"instructions,omitempty"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	Tools           []any           `json:"tools,omitempty"`
}

func (a *Adapter) SerializeRequest(req *domain.CanonicalRequest) ([]byte, map[string]string, error) {
	wr := wireRequest{
		Model:           req.Model,
		Instructions:    req.System,
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Stream:          req.Stream,
	}
	for _, m := range req.Messages {
		item := wireInputItem{Role: m.Role}
		item.Content = append(item.Content, struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{Type: "text", Text: m.Content})
		wr.Input = append(wr.Input, item)
	}
	for _, t := range req.Tools {
		wr.Tools = append(wr.Tools, map[string]any{
			"type": "function", "name": t.Function.Name,
			"description": t.Function.Description, "parameters": t.Function.Parameters,
		})
	}

	body, err := json.Marshal(wr)
	if err != nil {
		return nil, nil, fmt.Errorf("openairesponses: marshal request: %w", err)
	}
	return body, map[string]string{"content-type": "application/json"}, nil
}

// ParseRequest decodes a client request body in the OpenAI Responses shape
// into a CanonicalRequest.
func (a *Adapter) ParseRequest(body []byte) (*domain.CanonicalRequest, error) {
	var wr wireRequest
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("openairesponses: unmarshal request: %w", err)
	}

	req := &domain.CanonicalRequest{
		SourceAPI:   domain.APITypeOpenAIResponse,
		Model:       wr.Model,
		System:      wr.Instructions,
		MaxTokens:   wr.MaxOutputTokens,
		Temperature: wr.Temperature,
		TopP:        wr.TopP,
		Stream:      wr.Stream,
	}
	for _, item := range wr.Input {
		var content string
		for _, c := range item.Content {
			content += c.Text
		}
		req.Messages = append(req.Messages, domain.Message{Role: item.Role, Content: content})
	}
	for _, t := range wr.Tools {
		m, ok := t.(map[string]any)
		if !ok {
			continue
		}
		fd := domain.FunctionDef{}
		if name, ok := m["name"].(string); ok {
			fd.Name = name
		}
		if desc, ok := m["description"].(string); ok {
			fd.Description = desc
		}
		if params, ok := m["parameters"].(map[string]any); ok {
			fd.Parameters = params
		}
		req.Tools = append(req.Tools, domain.ToolDefinition{Function: fd})
	}
	return req, nil
}

type wireOutputContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireOutputItem struct {
	Type    string              `json:"type"`
	Role    string              `json:"role,omitempty"`
	Content []wireOutputContent `json:"content,omitempty"`
	Name    string              `json:"name,omitempty"`
	Arguments string            `json:"arguments,omitempty"`
	CallID  string              `json:"call_id,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	OutputTokensDetails struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"output_tokens_details"`
}

type wireResponse struct {
	ID     string           `json:"id"`
	Model  string           `json:"model"`
	Status string           `json:"status"`
	Output []wireOutputItem `json:"output"`
	Usage  wireUsage        `json:"usage"`
}

func (a *Adapter) ParseNonStreamResponse(body []byte) (*domain.CanonicalResponse, error) {
	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("openairesponses: unmarshal response: %w", err)
	}

	msg := domain.Message{Role: "assistant"}
	for _, item := range wr.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				msg.Content += c.Text
			}
		case "function_call":
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
				ID: item.CallID, Type: "function",
				Function: domain.ToolCallFunction{Name: item.Name, Arguments: item.Arguments},
			})
		case "reasoning":
			for _, c := range item.Content {
				msg.ReasoningContent += c.Text
			}
		}
	}

	finish := "stop"
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}

	return &domain.CanonicalResponse{
		ID: wr.ID, Model: wr.Model,
		Choices: []domain.Choice{{Index: 0, Message: msg, FinishReason: finish}},
		Usage: domain.Usage{
			InputTokens: wr.Usage.InputTokens, OutputTokens: wr.Usage.OutputTokens,
			ReasoningTokens: wr.Usage.OutputTokensDetails.ReasoningTokens,
		},
		ProviderModel: wr.Model, ProviderRawBody: body,
	}, nil
}

// EncodeResponse renders a CanonicalResponse in the OpenAI Responses
// non-streaming shape.
func (a *Adapter) EncodeResponse(resp *domain.CanonicalResponse) ([]byte, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openairesponses: encode response: no choices")
	}
	msg := resp.Choices[0].Message
	wr := wireResponse{ID: resp.ID, Model: resp.Model, Status: "completed"}
	if msg.ReasoningContent != "" {
		wr.Output = append(wr.Output, wireOutputItem{Type: "reasoning", Content: []wireOutputContent{{Type: "reasoning_text", Text: msg.ReasoningContent}}})
	}
	if msg.Content != "" {
		wr.Output = append(wr.Output, wireOutputItem{Type: "message", Role: "assistant", Content: []wireOutputContent{{Type: "output_text", Text: msg.Content}}})
	}
	for _, tc := range msg.ToolCalls {
		wr.Output = append(wr.Output, wireOutputItem{Type: "function_call", Name: tc.Function.Name, Arguments: tc.Function.Arguments, CallID: tc.ID})
	}
	wr.Usage.InputTokens = resp.Usage.InputTokens
	wr.Usage.OutputTokens = resp.Usage.OutputTokens
	wr.Usage.OutputTokensDetails.ReasoningTokens = resp.Usage.ReasoningTokens

	body, err := json.Marshal(wr)
	if err != nil {
		return nil, fmt.Errorf("openairesponses: marshal response: %w", err)
	}
	return body, nil
}

type wireStreamEnvelope struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
	Item  struct {
		Type      string `json:"type"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
		CallID    string `json:"call_id"`
	} `json:"item"`
	ItemIndex *int      `json:"output_index"`
	Response  struct {
		Status string `json:"status"`
	} `json:"response"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ParseStreamEvent dispatches by the SSE event name, per the Responses
// dialect's named-event convention.
func (a *Adapter) ParseStreamEvent(frame sse.Frame) (protocol.ParsedEvent, error) {
	if frame.IsTerminal {
		return protocol.ParsedEvent{Kind: protocol.EventTerminal}, nil
	}
	if frame.Data == "" {
		return protocol.ParsedEvent{Kind: protocol.EventIgnore}, nil
	}

	var env wireStreamEnvelope
	if err := json.Unmarshal([]byte(frame.Data), &env); err != nil {
		return protocol.ParsedEvent{}, fmt.Errorf("openairesponses: unmarshal stream event: %w", err)
	}

	eventType := frame.Event
	if eventType == "" {
		eventType = env.Type
	}

	idx := 0
	if env.ItemIndex != nil {
		idx = *env.ItemIndex
	}

	switch eventType {
	case "response.created":
		return protocol.ParsedEvent{Kind: protocol.EventStart}, nil
	case "response.output_text.delta":
		return protocol.ParsedEvent{Kind: protocol.EventTextDelta, TextDelta: env.Delta}, nil
	case "response.reasoning_text.delta":
		return protocol.ParsedEvent{Kind: protocol.EventReasoningDelta, ReasoningDelta: env.Delta}, nil
	case "response.function_call_arguments.delta":
		return protocol.ParsedEvent{Kind: protocol.EventToolCallDelta, ToolCall: &domain.ToolCallChunk{
			Index: idx, ArgumentsDelta: env.Delta,
		}}, nil
	case "response.output_item.added":
		if env.Item.Type == "function_call" {
			return protocol.ParsedEvent{Kind: protocol.EventToolCallDelta, ToolCall: &domain.ToolCallChunk{
				Index: idx, ID: env.Item.CallID, Name: env.Item.Name,
			}}, nil
		}
		return protocol.ParsedEvent{Kind: protocol.EventIgnore}, nil
	case "response.output_item.done":
		return protocol.ParsedEvent{Kind: protocol.EventIgnore}, nil
	case "response.completed":
		return protocol.ParsedEvent{Kind: protocol.EventUsage, Usage: &domain.Usage{
			InputTokens: env.Usage.InputTokens, OutputTokens: env.Usage.OutputTokens,
		}}, nil
	case "response.failed":
		return protocol.ParsedEvent{Kind: protocol.EventFinishReason, FinishReason: "error"}, nil
	default:
		return protocol.ParsedEvent{Kind: protocol.EventIgnore}, nil
	}
}
