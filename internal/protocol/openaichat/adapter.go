// Package openaichat implements protocol.Adapter for the OpenAI Chat
// Completions wire dialect.
package openaichat

import (
	"encoding/json"
	"fmt"

	"github.com/tjfontaine/cascade-gateway/internal/domain"
	"github.com/tjfontaine/cascade-gateway/internal/protocol"
	"github.com/tjfontaine/cascade-gateway/internal/sse"
)

// Adapter implements protocol.Adapter for OpenAI's Chat Completions API.
type Adapter struct{}

// New returns an OpenAI-Chat protocol adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) APIType() domain.APIType { return domain.APITypeOpenAIChat }

type wireFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireToolCall struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function wireFunctionCall `json:"function"`
}

type wireMessage struct {
	Role             string         `json:"role"`
	Content          string         `json:"content,omitempty"`
	ToolCalls        []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string         `json:"tool_call_id,omitempty"`
	Name             string         `json:"name,omitempty"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
}

type wireFunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type wireTool struct {
	Type     string          `json:"type"`
	Function wireFunctionDef `json:"function"`
}

type wireRequest struct {
	Model       string         `json:"model"`
	Messages    []wireMessage  `json:"messages"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	TopP        *float64       `json:"top_p,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
	Tools       []wireTool     `json:"tools,omitempty"`
	ToolChoice  any            `json:"tool_choice,omitempty"`
	Stop        []string       `json:"stop,omitempty"`
	ResponseFormat any         `json:"response_format,omitempty"`
}

func (a *Adapter) SerializeRequest(req *domain.CanonicalRequest) ([]byte, map[string]string, error) {
	wr := wireRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		ToolChoice:  req.ToolChoice,
		Stop:        req.Stop,
	}
	if req.ResponseFormat != nil {
		wr.ResponseFormat = req.ResponseFormat
	}
	for _, t := range req.Tools {
		wr.Tools = append(wr.Tools, wireTool{Type: "function", Function: wireFunctionDef{
			Name: t.Function.Name, Description: t.Function.Description, Parameters: t.Function.Parameters,
		}})
	}

	if req.System != "" {
		wr.Messages = append(wr.Messages, wireMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		wr.Messages = append(wr.Messages, toWireMessage(m))
	}

	body, err := json.Marshal(wr)
	if err != nil {
		return nil, nil, fmt.Errorf("openaichat: marshal request: %w", err)
	}
	return body, map[string]string{"content-type": "application/json"}, nil
}

// ParseRequest decodes a client request body in the OpenAI Chat Completions
// shape into a CanonicalRequest.
func (a *Adapter) ParseRequest(body []byte) (*domain.CanonicalRequest, error) {
	var wr wireRequest
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("openaichat: unmarshal request: %w", err)
	}

	req := &domain.CanonicalRequest{
		SourceAPI:   domain.APITypeOpenAIChat,
		Model:       wr.Model,
		MaxTokens:   wr.MaxTokens,
		Temperature: wr.Temperature,
		TopP:        wr.TopP,
		Stream:      wr.Stream,
		ToolChoice:  wr.ToolChoice,
		Stop:        wr.Stop,
	}
	for _, t := range wr.Tools {
		req.Tools = append(req.Tools, domain.ToolDefinition{Function: domain.FunctionDef{
			Name: t.Function.Name, Description: t.Function.Description, Parameters: t.Function.Parameters,
		}})
	}
	for _, wm := range wr.Messages {
		if wm.Role == "system" {
			if req.System != "" {
				req.System += "\n"
			}
			req.System += wm.Content
			continue
		}
		req.Messages = append(req.Messages, fromWireMessage(wm))
	}
	return req, nil
}

func fromWireMessage(wm wireMessage) domain.Message {
	m := domain.Message{
		Role: wm.Role, Content: wm.Content,
		ToolCallID: wm.ToolCallID, Name: wm.Name, ReasoningContent: wm.ReasoningContent,
	}
	for _, tc := range wm.ToolCalls {
		m.ToolCalls = append(m.ToolCalls, domain.ToolCall{
			ID: tc.ID, Type: "function",
			Function: domain.ToolCallFunction{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	return m
}

func toWireMessage(m domain.Message) wireMessage {
	wm := wireMessage{
		Role:             m.Role,
		Content:          m.Content,
		ToolCallID:       m.ToolCallID,
		Name:             m.Name,
		ReasoningContent: m.ReasoningContent,
	}
	for _, tc := range m.ToolCalls {
		idx := len(wm.ToolCalls)
		wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
			Index: &idx, ID: tc.ID, Type: "function",
			Function: wireFunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	return wm
}

type wireUsage struct {
	PromptTokens            int `json:"prompt_tokens"`
	CompletionTokens        int `json:"completion_tokens"`
	CompletionTokensDetails struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

type wireChoice struct {
	Index        int         `json:"index"`
	Message      wireMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   wireUsage    `json:"usage"`
}

func (a *Adapter) ParseNonStreamResponse(body []byte) (*domain.CanonicalResponse, error) {
	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("openaichat: unmarshal response: %w", err)
	}

	choices := make([]domain.Choice, 0, len(wr.Choices))
	for _, c := range wr.Choices {
		msg := domain.Message{
			Role: c.Message.Role, Content: c.Message.Content,
			ReasoningContent: c.Message.ReasoningContent,
		}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
				ID: tc.ID, Type: "function",
				Function: domain.ToolCallFunction{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
			})
		}
		choices = append(choices, domain.Choice{Index: c.Index, Message: msg, FinishReason: c.FinishReason})
	}

	return &domain.CanonicalResponse{
		ID: wr.ID, Model: wr.Model, Choices: choices,
		Usage: domain.Usage{
			InputTokens: wr.Usage.PromptTokens, OutputTokens: wr.Usage.CompletionTokens,
			ReasoningTokens: wr.Usage.CompletionTokensDetails.ReasoningTokens,
		},
		ProviderModel: wr.Model, ProviderRawBody: body,
	}, nil
}

// EncodeResponse renders a CanonicalResponse in the OpenAI Chat Completions
// non-streaming shape.
func (a *Adapter) EncodeResponse(resp *domain.CanonicalResponse) ([]byte, error) {
	wr := wireResponse{
		ID: resp.ID, Model: resp.Model,
		Usage: wireUsage{PromptTokens: resp.Usage.InputTokens, CompletionTokens: resp.Usage.OutputTokens},
	}
	wr.Usage.CompletionTokensDetails.ReasoningTokens = resp.Usage.ReasoningTokens
	for _, c := range resp.Choices {
		wm := toWireMessage(c.Message)
		wm.Role = "assistant"
		wr.Choices = append(wr.Choices, wireChoice{Index: c.Index, Message: wm, FinishReason: c.FinishReason})
	}
	body, err := json.Marshal(wr)
	if err != nil {
		return nil, fmt.Errorf("openaichat: marshal response: %w", err)
	}
	return body, nil
}

type wireChunkDelta struct {
	Role             string         `json:"role,omitempty"`
	Content          string         `json:"content,omitempty"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
	ToolCalls        []wireToolCall `json:"tool_calls,omitempty"`
}

type wireChunkChoice struct {
	Index        int            `json:"index"`
	Delta        wireChunkDelta `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

type wireChunk struct {
	Choices []wireChunkChoice `json:"choices"`
	Usage   *wireUsage        `json:"usage"`
}

// ParseStreamEvent dispatches OpenAI-Chat's data-only frames by inspecting
// choices[0].delta / finish_reason; a frame with empty choices and a
// populated usage is a pre-terminal usage update.
func (a *Adapter) ParseStreamEvent(frame sse.Frame) (protocol.ParsedEvent, error) {
	if frame.IsTerminal {
		return protocol.ParsedEvent{Kind: protocol.EventTerminal}, nil
	}
	if frame.Data == "" {
		return protocol.ParsedEvent{Kind: protocol.EventIgnore}, nil
	}

	var chunk wireChunk
	if err := json.Unmarshal([]byte(frame.Data), &chunk); err != nil {
		return protocol.ParsedEvent{}, fmt.Errorf("openaichat: unmarshal stream chunk: %w", err)
	}

	if len(chunk.Choices) == 0 {
		if chunk.Usage != nil {
			return protocol.ParsedEvent{Kind: protocol.EventUsage, Usage: &domain.Usage{
				InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens,
				ReasoningTokens: chunk.Usage.CompletionTokensDetails.ReasoningTokens,
			}}, nil
		}
		return protocol.ParsedEvent{Kind: protocol.EventIgnore}, nil
	}

	choice := chunk.Choices[0]
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		return protocol.ParsedEvent{Kind: protocol.EventFinishReason, FinishReason: *choice.FinishReason}, nil
	}
	if choice.Delta.Content != "" {
		return protocol.ParsedEvent{Kind: protocol.EventTextDelta, TextDelta: choice.Delta.Content}, nil
	}
	if choice.Delta.ReasoningContent != "" {
		return protocol.ParsedEvent{Kind: protocol.EventReasoningDelta, ReasoningDelta: choice.Delta.ReasoningContent}, nil
	}
	if len(choice.Delta.ToolCalls) > 0 {
		tc := choice.Delta.ToolCalls[0]
		idx := 0
		if tc.Index != nil {
			idx = *tc.Index
		}
		return protocol.ParsedEvent{Kind: protocol.EventToolCallDelta, ToolCall: &domain.ToolCallChunk{
			Index: idx, ID: tc.ID, Name: tc.Function.Name, ArgumentsDelta: tc.Function.Arguments,
		}}, nil
	}

	return protocol.ParsedEvent{Kind: protocol.EventIgnore}, nil
}
