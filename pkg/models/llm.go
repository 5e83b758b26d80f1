package models

// StopReason is why an LLMResponse stopped generating.
type StopReason string

const (
	StopEnd      StopReason = "end"
	StopToolUse  StopReason = "tool-use"
	StopLength   StopReason = "length"
	StopError    StopReason = "error"
)

// LLMRequest is the Agent Loop's ephemeral per-iteration request to the LLM
// Router. It is never persisted; only its resulting assistant Turn is.
type LLMRequest struct {
	Messages     []Message        `json:"messages"`
	System       string           `json:"system,omitempty"`
	Tools        []ToolDescriptor `json:"tools,omitempty"`
	Temperature  float64          `json:"temperature,omitempty"`
	MaxTokens    int              `json:"max_tokens,omitempty"`

	// QualityFloor is the minimum acceptable response quality tier the
	// Router must route to; it will not fail over to a model below this
	// floor even under provider pressure.
	QualityFloor TaskClass `json:"quality_floor,omitempty"`

	// CostCeiling is the maximum the Router may spend on this request, in
	// USD. A zero value means no ceiling.
	CostCeiling float64 `json:"cost_ceiling,omitempty"`
}

// ContentBlockType discriminates LLMResponse content blocks.
type ContentBlockType string

const (
	ContentText    ContentBlockType = "text"
	ContentToolUse ContentBlockType = "tool-use"
)

// ContentBlock is one piece of an LLMResponse: either text or a tool-use
// request. Exactly one of Text or ToolUse is populated, per Type.
type ContentBlock struct {
	Type    ContentBlockType `json:"type"`
	Text    string           `json:"text,omitempty"`
	ToolUse *ToolCall        `json:"tool_use,omitempty"`
}

// LLMResponse is the Router's ephemeral result for one LLMRequest. Its text
// content may be appended to the session as an assistant Turn; its
// cache-relevant fields are never part of the cache fingerprint.
type LLMResponse struct {
	ProviderID string         `json:"provider_id"`
	ModelID    string         `json:"model_id"`
	Content    []ContentBlock `json:"content"`
	StopReason StopReason     `json:"stop_reason"`

	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`

	// CostEstimate is the Router's best-effort cost of this response in USD,
	// derived from the provider's published per-token pricing.
	CostEstimate float64 `json:"cost_estimate,omitempty"`
}

// HasToolUse reports whether any content block requests tool execution.
func (r *LLMResponse) HasToolUse() bool {
	for _, b := range r.Content {
		if b.Type == ContentToolUse && b.ToolUse != nil {
			return true
		}
	}
	return false
}

// Text concatenates all text content blocks, in order.
func (r *LLMResponse) Text() string {
	var out string
	for _, b := range r.Content {
		if b.Type == ContentText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the tool-use content blocks, in order.
func (r *LLMResponse) ToolUses() []ToolCall {
	var out []ToolCall
	for _, b := range r.Content {
		if b.Type == ContentToolUse && b.ToolUse != nil {
			out = append(out, *b.ToolUse)
		}
	}
	return out
}
