package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opencellcw/agentcore/internal/agent"
	"github.com/opencellcw/agentcore/pkg/models"
)

// AgentProviderAdapter wraps an agent.LLMProvider (the Anthropic, OpenAI,
// Google, Ollama, OpenRouter, Copilot-proxy, Azure, and Bedrock clients)
// behind the Router's Provider interface, translating between the
// streaming CompletionRequest/CompletionChunk wire shape those clients
// speak and the Router's request/response model types.
type AgentProviderAdapter struct {
	provider agent.LLMProvider
	model    string
}

// NewAgentProviderAdapter pins the adapter to one model served by provider;
// a single agent.LLMProvider client that serves several models needs one
// adapter (and one ProviderInfo/ProviderEntry) per model.
func NewAgentProviderAdapter(provider agent.LLMProvider, model string) *AgentProviderAdapter {
	return &AgentProviderAdapter{provider: provider, model: model}
}

func (a *AgentProviderAdapter) Name() string         { return a.provider.Name() }
func (a *AgentProviderAdapter) SupportsTools() bool   { return a.provider.SupportsTools() }

// Generate drains the provider's completion stream into a single
// LLMResponse. A chunk carrying Error terminates the stream immediately;
// the last chunk's token counts become the response's.
func (a *AgentProviderAdapter) Generate(ctx context.Context, req models.LLMRequest) (models.LLMResponse, error) {
	creq := toCompletionRequest(req, a.model)

	chunks, err := a.provider.Complete(ctx, creq)
	if err != nil {
		return models.LLMResponse{}, err
	}

	resp := models.LLMResponse{
		ProviderID: a.provider.Name(),
		ModelID:    a.model,
		StopReason: models.StopEnd,
	}
	var text string
	for chunk := range chunks {
		if chunk.Error != nil {
			return models.LLMResponse{}, chunk.Error
		}
		if chunk.Text != "" {
			text += chunk.Text
		}
		if chunk.ToolCall != nil {
			resp.Content = append(resp.Content, models.ContentBlock{
				Type:    models.ContentToolUse,
				ToolUse: chunk.ToolCall,
			})
		}
		if chunk.Done {
			resp.InputTokens = chunk.InputTokens
			resp.OutputTokens = chunk.OutputTokens
		}
	}
	if text != "" {
		// Text precedes tool-use blocks, matching the order providers emit
		// reasoning/narration ahead of a tool call.
		resp.Content = append([]models.ContentBlock{{Type: models.ContentText, Text: text}}, resp.Content...)
	}
	if resp.HasToolUse() {
		resp.StopReason = models.StopToolUse
	}
	return resp, nil
}

func toCompletionRequest(req models.LLMRequest, model string) *agent.CompletionRequest {
	messages := make([]agent.CompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = agent.CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
			Attachments: m.Attachments,
		}
	}
	tools := make([]agent.Tool, len(req.Tools))
	for i, d := range req.Tools {
		tools[i] = descriptorTool{d}
	}
	return &agent.CompletionRequest{
		Model:     model,
		System:    req.System,
		Messages:  messages,
		Tools:     tools,
		MaxTokens: req.MaxTokens,
	}
}

// descriptorTool adapts a models.ToolDescriptor to agent.Tool so it can
// ride along in a CompletionRequest. Execute is never called: the Router
// only advertises tool schemas to the provider, the Tool Registry's
// Executor runs them.
type descriptorTool struct {
	d models.ToolDescriptor
}

func (t descriptorTool) Name() string             { return t.d.Name }
func (t descriptorTool) Description() string      { return t.d.Description }
func (t descriptorTool) Schema() json.RawMessage  { return t.d.InputSchema }

func (t descriptorTool) Execute(context.Context, json.RawMessage) (*agent.ToolResult, error) {
	return nil, fmt.Errorf("descriptorTool %s: not executable through the router adapter", t.d.Name)
}
