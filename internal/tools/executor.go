package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opencellcw/agentcore/internal/audit"
	"github.com/opencellcw/agentcore/pkg/models"
)

// ExecContext carries the per-call metadata a tool handler may need:
// correlation for observability, and the caller identity for handlers that
// enforce their own per-user limits.
type ExecContext struct {
	Ctx           context.Context
	SessionID     string
	UserID        string
	CorrelationID string
}

// ExecutorConfig configures bounded-concurrency tool execution.
type ExecutorConfig struct {
	// Concurrency is the maximum number of tool executions in flight across
	// one Executor. Default: 4.
	Concurrency int

	// RetryBackoff is the wait between retry attempts for idempotent tools
	// retried after a transport error. Default: 0 (no wait).
	RetryBackoff time.Duration
}

// DefaultExecutorConfig returns the Executor's defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{Concurrency: 4}
}

// Executor runs tool calls against a Registry with a global concurrency
// bound. Per-tool wall-clock timeouts and per-user concurrency caps are the
// Security Pipeline's executor guard's job, applied by the caller around
// Execute; this type only bounds total in-flight executions and validates
// input before dispatch.
type Executor struct {
	registry *Registry
	config   ExecutorConfig
	sem      chan struct{}
	auditor  *audit.Logger
}

// NewExecutor builds an Executor over registry.
func NewExecutor(registry *Registry, config ExecutorConfig) *Executor {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	return &Executor{
		registry: registry,
		config:   config,
		sem:      make(chan struct{}, config.Concurrency),
	}
}

// WithAuditor attaches an audit logger; every Execute call is then recorded
// as a tool.invocation/tool.completion event pair. Passing nil disables
// auditing (the default).
func (e *Executor) WithAuditor(auditor *audit.Logger) *Executor {
	e.auditor = auditor
	return e
}

// Execute validates input against name's descriptor and, if valid, invokes
// its handler within the executor's concurrency bound. Validation failure
// returns a result with Content describing the schema error and IsError
// true, rather than an error, since an invalid tool call is a normal
// outcome the Agent Loop folds back into the conversation as a tool-result
// Turn, not a transport failure.
func (e *Executor) Execute(ec ExecContext, name string, input []byte) (models.ToolResult, error) {
	entry, ok := e.registry.lookup(name)
	if !ok {
		return models.ToolResult{}, &UnknownToolError{Name: name}
	}

	if err := e.registry.Validate(name, input); err != nil {
		return models.ToolResult{IsError: true, Content: err.Error()}, nil
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ec.Ctx.Done():
		return models.ToolResult{}, ec.Ctx.Err()
	}

	if e.auditor != nil {
		e.auditor.LogToolInvocation(ec.Ctx, name, ec.CorrelationID, json.RawMessage(input), ec.SessionID)
	}
	start := time.Now()
	result, err := entry.handler(ec, input)
	if e.auditor != nil {
		e.auditor.LogToolCompletion(ec.Ctx, name, ec.CorrelationID, err == nil && !result.IsError, result.Content, time.Since(start), ec.SessionID)
	}
	return result, err
}

// ExecuteIdempotentRetry runs Execute, and for an idempotent tool whose
// result is a transport-layer error (IsError with no validation/unknown-
// tool cause — the handler itself failed to reach its backend), retries
// once after RetryBackoff. Non-idempotent tools are never retried, per the
// registry's contract: a retried side effect could double-apply.
func (e *Executor) ExecuteIdempotentRetry(ec ExecContext, descriptor models.ToolDescriptor, input []byte) (models.ToolResult, error) {
	result, err := e.Execute(ec, descriptor.Name, input)
	if err != nil || !result.IsError || !descriptor.Idempotent {
		return result, err
	}

	select {
	case <-time.After(e.config.RetryBackoff):
	case <-ec.Ctx.Done():
		return result, nil
	}
	return e.Execute(ec, descriptor.Name, input)
}

// InFlight reports how many executions are currently occupying the
// executor's concurrency bound. Intended for tests and diagnostics.
func (e *Executor) InFlight() int {
	return len(e.sem)
}
