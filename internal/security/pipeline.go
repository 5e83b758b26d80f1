// Package security implements the ordered filter chain that every tool-use
// block passes through before it reaches the Tool Registry's executor:
// sanitizer, tool gate, pattern vetter, semantic vetter, executor guard.
// Each filter reports pass or block(reason); a filter error is treated as a
// block (fail-closed), and the chain stops at the first block.
package security

import (
	"context"
	"encoding/json"

	"github.com/opencellcw/agentcore/internal/tools/policy"
	"github.com/opencellcw/agentcore/pkg/models"
)

// Verdict is a single filter's pass/block decision.
type Verdict struct {
	Blocked bool
	Reason  string
}

func pass() Verdict { return Verdict{} }

func block(reason string) Verdict { return Verdict{Blocked: true, Reason: reason} }

// CheckInput carries everything a filter needs to evaluate one tool-use
// block. UserText is the most recent user-authored text in the turn, which
// the sanitizer scans for role-injection attempts riding along with tool
// input.
type CheckInput struct {
	ToolCall   models.ToolCall
	Descriptor *models.ToolDescriptor
	UserText   string
	SessionID  string
	UserID     string
	Trust      policy.TrustLevel
}

// Filter is one stage of the pipeline.
type Filter interface {
	Name() string
	Check(ctx context.Context, in *CheckInput) (Verdict, error)
}

// Pipeline runs its filters in order against a tool-use block, short-
// circuiting on the first block and failing closed on any filter error.
type Pipeline struct {
	filters []Filter
	guard   *ExecutorGuard
}

// NewPipeline builds the Security Pipeline with the five filters in their
// required order: sanitizer, tool gate, pattern vetter, semantic vetter,
// executor guard.
func NewPipeline(sanitizer *Sanitizer, gate *ToolGate, pattern *PatternVetter, semantic *SemanticVetter, guard *ExecutorGuard) *Pipeline {
	filters := []Filter{sanitizer, gate, pattern}
	if semantic != nil {
		filters = append(filters, semantic)
	}
	filters = append(filters, guard)
	return &Pipeline{filters: filters, guard: guard}
}

// Run evaluates in against every filter in order. It returns the first
// block encountered, or a pass if every filter passes. A filter error is
// converted into a block carrying the filter's name so the caller never has
// to distinguish "blocked" from "failed to evaluate".
func (p *Pipeline) Run(ctx context.Context, in *CheckInput) Verdict {
	for _, f := range p.filters {
		v, err := f.Check(ctx, in)
		if err != nil {
			return block(f.Name() + ": " + err.Error())
		}
		if v.Blocked {
			return v
		}
	}
	return pass()
}

// Release returns the executor guard's concurrency slot acquired during a
// passing Run. Callers must call this exactly once after tool execution
// completes for every Run that returned a non-blocked verdict.
func (p *Pipeline) Release(userID string) {
	p.guard.Release(userID)
}

// ToolTimeout wraps ctx with the executor guard's configured wall-clock
// timeout for toolName. Callers must cancel the returned context once the
// tool finishes executing.
func (p *Pipeline) ToolTimeout(ctx context.Context, toolName string) (context.Context, context.CancelFunc) {
	return p.guard.WithTimeout(ctx, toolName)
}

// BlockedToolResult builds the synthetic tool-result Turn that replaces
// execution for a blocked tool-use block, so the agent loop can continue
// without the tool ever running.
func BlockedToolResult(toolCallID, reason string) models.ToolResult {
	return models.ToolResult{
		ToolCallID: toolCallID,
		Content:    "tool call blocked: " + reason,
		IsError:    true,
	}
}

// marshaledInput is a helper for filters that need the tool input as a plain
// string for regex scanning.
func marshaledInput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}
