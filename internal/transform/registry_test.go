package transform

import (
	"testing"

	"github.com/tjfontaine/cascade-gateway/internal/domain"
)

func TestChain_RequestLeftToRight_ResponseRightToLeft(t *testing.T) {
	var order []string
	r := NewRegistry()
	r.Register("mark-a", func(params map[string]any) (Transformer, error) {
		return &marker{name: "a", log: &order}, nil
	})
	r.Register("mark-b", func(params map[string]any) (Transformer, error) {
		return &marker{name: "b", log: &order}, nil
	})

	chain, err := r.Build([]Entry{{Name: "mark-a"}, {Name: "mark-b"}})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if _, err := chain.RewriteRequest(&domain.CanonicalRequest{}); err != nil {
		t.Fatalf("RewriteRequest() error = %v", err)
	}
	if _, err := chain.RewriteResponse(&domain.CanonicalResponse{}); err != nil {
		t.Fatalf("RewriteResponse() error = %v", err)
	}

	want := []string{"req:a", "req:b", "resp:b", "resp:a"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

type marker struct {
	name string
	log  *[]string
}

func (m *marker) Name() string { return m.name }
func (m *marker) RewriteRequest(req *domain.CanonicalRequest) (*domain.CanonicalRequest, error) {
	*m.log = append(*m.log, "req:"+m.name)
	return req, nil
}
func (m *marker) RewriteResponse(resp *domain.CanonicalResponse) (*domain.CanonicalResponse, error) {
	*m.log = append(*m.log, "resp:"+m.name)
	return resp, nil
}

func TestReasoningExtractor_StripsThinkTags(t *testing.T) {
	r := NewRegistry()
	chain, _ := r.Build([]Entry{{Name: "reasoning_extractor"}})

	resp := &domain.CanonicalResponse{
		Choices: []domain.Choice{
			{Message: domain.Message{Content: "<think>pondering</think>the answer is 4"}},
		},
	}
	out, err := chain.RewriteResponse(resp)
	if err != nil {
		t.Fatalf("RewriteResponse() error = %v", err)
	}
	if out.Choices[0].Message.Content != "the answer is 4" {
		t.Errorf("Content = %q", out.Choices[0].Message.Content)
	}
	if out.Choices[0].Message.ReasoningContent != "pondering" {
		t.Errorf("ReasoningContent = %q", out.Choices[0].Message.ReasoningContent)
	}
}

func TestMaxTokenCap_ClampsRequest(t *testing.T) {
	r := NewRegistry()
	chain, err := r.Build([]Entry{{Name: "max_token_cap", Params: map[string]any{"max_tokens": 100}}})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	req, err := chain.RewriteRequest(&domain.CanonicalRequest{MaxTokens: 500})
	if err != nil {
		t.Fatalf("RewriteRequest() error = %v", err)
	}
	if req.MaxTokens != 100 {
		t.Errorf("MaxTokens = %d, want 100", req.MaxTokens)
	}
}

func TestMaxTokenCap_MissingParamErrors(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Build([]Entry{{Name: "max_token_cap"}}); err == nil {
		t.Fatal("expected error for missing max_tokens param")
	}
}

func TestToolDefinitionNormalizer_FillsMissingSchema(t *testing.T) {
	r := NewRegistry()
	chain, _ := r.Build([]Entry{{Name: "tool_definition_normalizer"}})

	req := &domain.CanonicalRequest{
		Tools: []domain.ToolDefinition{{Function: domain.FunctionDef{Name: "lookup"}}},
	}
	out, err := chain.RewriteRequest(req)
	if err != nil {
		t.Fatalf("RewriteRequest() error = %v", err)
	}
	if out.Tools[0].Function.Parameters == nil {
		t.Error("expected Parameters to be filled in")
	}
}

func TestBuild_UnknownTransformerErrors(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Build([]Entry{{Name: "does-not-exist"}}); err == nil {
		t.Fatal("expected error for unknown transformer")
	}
}
