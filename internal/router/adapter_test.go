package router

import (
	"context"
	"errors"
	"testing"

	"github.com/opencellcw/agentcore/internal/agent"
	"github.com/opencellcw/agentcore/pkg/models"
)

type scriptedAgentProvider struct {
	name  string
	tools bool
	chunks []*agent.CompletionChunk
	err    error
}

func (p *scriptedAgentProvider) Name() string              { return p.name }
func (p *scriptedAgentProvider) Models() []agent.Model      { return nil }
func (p *scriptedAgentProvider) SupportsTools() bool        { return p.tools }

func (p *scriptedAgentProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan *agent.CompletionChunk, len(p.chunks))
	for _, c := range p.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func TestAgentProviderAdapter_AssemblesTextAndToolUse(t *testing.T) {
	provider := &scriptedAgentProvider{name: "anthropic", chunks: []*agent.CompletionChunk{
		{Text: "let me check "},
		{Text: "the weather"},
		{ToolCall: &models.ToolCall{ID: "call1", Name: "weather"}},
		{Done: true, InputTokens: 10, OutputTokens: 5},
	}}
	adapter := NewAgentProviderAdapter(provider, "claude-sonnet")

	resp, err := adapter.Generate(context.Background(), userReq("what's the weather"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "let me check the weather" {
		t.Fatalf("expected concatenated text, got %q", resp.Text())
	}
	if !resp.HasToolUse() || resp.StopReason != models.StopToolUse {
		t.Fatalf("expected tool-use stop reason, got %+v", resp)
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 5 {
		t.Fatalf("expected token counts from the final chunk, got %+v", resp)
	}
}

func TestAgentProviderAdapter_PlainTextStopsAtEnd(t *testing.T) {
	provider := &scriptedAgentProvider{name: "anthropic", chunks: []*agent.CompletionChunk{
		{Text: "hello"},
		{Done: true},
	}}
	adapter := NewAgentProviderAdapter(provider, "claude-sonnet")

	resp, err := adapter.Generate(context.Background(), userReq("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StopReason != models.StopEnd {
		t.Fatalf("expected stop-end, got %s", resp.StopReason)
	}
}

func TestAgentProviderAdapter_StreamErrorPropagates(t *testing.T) {
	provider := &scriptedAgentProvider{name: "anthropic", chunks: []*agent.CompletionChunk{
		{Error: errors.New("stream broke")},
	}}
	adapter := NewAgentProviderAdapter(provider, "claude-sonnet")

	_, err := adapter.Generate(context.Background(), userReq("hi"))
	if err == nil {
		t.Fatal("expected the stream error to propagate")
	}
}

func TestAgentProviderAdapter_CompleteErrorPropagates(t *testing.T) {
	provider := &scriptedAgentProvider{name: "anthropic", err: errors.New("connection refused")}
	adapter := NewAgentProviderAdapter(provider, "claude-sonnet")

	_, err := adapter.Generate(context.Background(), userReq("hi"))
	if err == nil {
		t.Fatal("expected the Complete error to propagate")
	}
}
