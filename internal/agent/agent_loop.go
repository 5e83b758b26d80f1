package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/opencellcw/agentcore/internal/compaction"
	"github.com/opencellcw/agentcore/internal/router"
	"github.com/opencellcw/agentcore/internal/security"
	"github.com/opencellcw/agentcore/internal/sessions"
	"github.com/opencellcw/agentcore/internal/tools"
	"github.com/opencellcw/agentcore/internal/tools/policy"
	"github.com/opencellcw/agentcore/pkg/models"
)

// LoopConfig configures the Agent Loop's bounds.
type LoopConfig struct {
	// MaxIterations bounds how many times the loop may round-trip through
	// the Router before giving up and returning an "iteration cap reached"
	// Turn. Default: 10.
	MaxIterations int

	// MaxTokens is the default max_tokens on every LLMRequest the loop
	// builds. Default: 4096.
	MaxTokens int

	// System is the system prompt included on every LLMRequest.
	System string

	// ContextWindow bounds how much of the session's history is sent on each
	// request, in estimated tokens. History beyond HistoryShare of this
	// window is pruned from the oldest turns forward before the request is
	// built. Default: compaction.DefaultContextWindow (100000).
	ContextWindow int

	// HistoryShare is the fraction of ContextWindow the conversation history
	// may occupy before pruning kicks in, leaving the remainder for the
	// system prompt, tool descriptors, and the response. Default: 0.6.
	HistoryShare float64
}

// DefaultLoopConfig returns MaxIterations 10, MaxTokens 4096, a 100k-token
// context window with history capped at 60% of it.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations: 10,
		MaxTokens:     4096,
		ContextWindow: compaction.DefaultContextWindow,
		HistoryShare:  0.6,
	}
}

// Loop is the Agent Loop: run(session-handle, user-text) -> final assistant
// text, bounded iterations, synthesizing a tool-result Turn for every
// unknown, blocked, timed-out, or errored tool-use block rather than
// aborting the run.
type Loop struct {
	config   LoopConfig
	sessions *sessions.Manager
	router   *router.Router
	registry *tools.Registry
	executor *tools.Executor
	pipeline *security.Pipeline
	trust    policy.TrustLevel
}

// New builds a Loop over the given Session Manager, Router, Tool Registry,
// Executor, and Security Pipeline.
func New(config LoopConfig, sessionMgr *sessions.Manager, r *router.Router, registry *tools.Registry, executor *tools.Executor, pipeline *security.Pipeline, trust policy.TrustLevel) *Loop {
	if config.MaxIterations <= 0 {
		config.MaxIterations = 10
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 4096
	}
	if config.ContextWindow <= 0 {
		config.ContextWindow = compaction.DefaultContextWindow
	}
	if config.HistoryShare <= 0 || config.HistoryShare > 1 {
		config.HistoryShare = 0.6
	}
	return &Loop{
		config:   config,
		sessions: sessionMgr,
		router:   r,
		registry: registry,
		executor: executor,
		pipeline: pipeline,
		trust:    trust,
	}
}

// Run executes one invocation of the loop against the session identified by
// handle, appending userText as a user Turn and returning the final
// assistant text once the model stops requesting tools or the iteration
// cap is reached.
func (l *Loop) Run(ctx context.Context, handle *sessions.Handle, userID string, userText string) (string, error) {
	if err := l.sessions.Append(ctx, handle, &models.Message{
		Role:    models.RoleUser,
		Content: userText,
	}); err != nil {
		return "", &LoopError{Phase: PhaseInit, Message: "append user turn", Cause: err}
	}

	for iteration := 1; iteration <= l.config.MaxIterations; iteration++ {
		select {
		case <-ctx.Done():
			return "", &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: ctx.Err()}
		default:
		}

		history, err := l.sessions.History(ctx, handle)
		if err != nil {
			return "", &LoopError{Phase: PhaseStream, Iteration: iteration, Message: "load history", Cause: err}
		}
		history = pruneHistory(history, l.config.ContextWindow, l.config.HistoryShare)

		req := models.LLMRequest{
			Messages:  toRequestMessages(history),
			System:    l.config.System,
			Tools:     l.registry.Descriptors(),
			MaxTokens: l.config.MaxTokens,
		}

		resp, err := l.router.Generate(ctx, req, false)
		if err != nil {
			var rerr *router.RouterError
			if !errors.As(err, &rerr) || rerr.Kind != models.KindContentFilter {
				return "", &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: err}
			}
			// Content-filter redaction marker is not an abort: the base
			// contract surfaces it as the assistant's turn instead of
			// retrying or failing the whole user turn.
			filteredTurn := &models.Message{
				Role:    models.RoleAssistant,
				Content: resp.Text(),
			}
			if err := l.sessions.Append(ctx, handle, filteredTurn); err != nil {
				return "", &LoopError{Phase: PhaseStream, Iteration: iteration, Message: "append content-filter turn", Cause: err}
			}
			return resp.Text(), nil
		}

		assistantTurn := &models.Message{
			Role:    models.RoleAssistant,
			Content: resp.Text(),
		}
		for _, tc := range resp.ToolUses() {
			tc := tc
			assistantTurn.ToolCalls = append(assistantTurn.ToolCalls, tc)
		}
		if err := l.sessions.Append(ctx, handle, assistantTurn); err != nil {
			return "", &LoopError{Phase: PhaseStream, Iteration: iteration, Message: "append assistant turn", Cause: err}
		}

		if resp.StopReason != models.StopToolUse || !resp.HasToolUse() {
			return resp.Text(), nil
		}

		results, err := l.runTools(ctx, handle.SessionID(), userID, userText, resp.ToolUses())
		if err != nil {
			return "", &LoopError{Phase: PhaseExecuteTools, Iteration: iteration, Cause: err}
		}
		// One Turn per tool-use-id, in call order: the base contract counts
		// k tool-result Turns for k tool-use blocks, not one Turn bundling
		// all k results.
		for _, result := range results {
			result := result
			resultTurn := &models.Message{
				Role:        models.RoleTool,
				ToolResults: []models.ToolResult{result},
			}
			if err := l.sessions.Append(ctx, handle, resultTurn); err != nil {
				return "", &LoopError{Phase: PhaseContinue, Iteration: iteration, Message: "append tool-result turn", Cause: err}
			}
		}
	}

	capped := "iteration cap reached"
	if err := l.sessions.Append(ctx, handle, &models.Message{Role: models.RoleAssistant, Content: capped}); err != nil {
		return "", &LoopError{Phase: PhaseComplete, Iteration: l.config.MaxIterations, Message: "append cap turn", Cause: err}
	}
	return capped, nil
}

// runTools resolves, security-checks, and executes each tool-use block in
// order, returning one ToolResult per call in the original block order.
// Blocks marked with distinct concurrency classes that are both idempotent
// may run in parallel; everything else runs sequentially.
func (l *Loop) runTools(ctx context.Context, sessionID, userID, userText string, calls []models.ToolCall) ([]models.ToolResult, error) {
	results := make([]models.ToolResult, len(calls))
	groups := groupParallelizable(l.registry, calls)

	var wg sync.WaitGroup
	for _, group := range groups {
		if len(group) == 1 {
			results[group[0]] = l.runOne(ctx, sessionID, userID, userText, calls[group[0]])
			continue
		}
		wg.Add(len(group))
		for _, idx := range group {
			idx := idx
			go func() {
				defer wg.Done()
				results[idx] = l.runOne(ctx, sessionID, userID, userText, calls[idx])
			}()
		}
		wg.Wait()
	}
	return results, nil
}

// groupParallelizable partitions call indices into run-together batches: a
// batch of size >1 holds only idempotent calls whose resolved descriptors
// all carry distinct, non-empty concurrency classes. Everything else is its
// own batch of one, preserving sequential, in-order execution.
func groupParallelizable(registry *tools.Registry, calls []models.ToolCall) [][]int {
	type classified struct {
		idx   int
		class string
		ok    bool
	}
	var tagged []classified
	for i, c := range calls {
		descriptor, found := registry.Resolve(c.Name)
		if !found || !descriptor.Idempotent || descriptor.ConcurrencyClass == "" {
			tagged = append(tagged, classified{idx: i})
			continue
		}
		tagged = append(tagged, classified{idx: i, class: descriptor.ConcurrencyClass, ok: true})
	}

	var groups [][]int
	used := make([]bool, len(tagged))
	for i, t := range tagged {
		if used[i] {
			continue
		}
		if !t.ok {
			groups = append(groups, []int{t.idx})
			used[i] = true
			continue
		}
		batch := []int{t.idx}
		seenClasses := map[string]bool{t.class: true}
		for j := i + 1; j < len(tagged); j++ {
			if used[j] || !tagged[j].ok || seenClasses[tagged[j].class] {
				continue
			}
			batch = append(batch, tagged[j].idx)
			seenClasses[tagged[j].class] = true
			used[j] = true
		}
		sort.Ints(batch)
		groups = append(groups, batch)
		used[i] = true
	}
	return groups
}

// runOne resolves a single tool-use block, passes it through the Security
// Pipeline, and executes it, synthesizing a synthetic error ToolResult for
// every failure mode named in the base contract instead of ever returning
// an error up to Run.
func (l *Loop) runOne(ctx context.Context, sessionID, userID, userText string, call models.ToolCall) models.ToolResult {
	descriptor, found := l.registry.Resolve(call.Name)
	if !found {
		return models.ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("unknown tool %q", call.Name), IsError: true}
	}

	verdict := l.pipeline.Run(ctx, &security.CheckInput{
		ToolCall:   call,
		Descriptor: &descriptor,
		UserText:   userText,
		SessionID:  sessionID,
		UserID:     userID,
		Trust:      l.trust,
	})
	if verdict.Blocked {
		return security.BlockedToolResult(call.ID, verdict.Reason)
	}
	defer l.pipeline.Release(userID)

	timeoutCtx, cancel := l.pipeline.ToolTimeout(ctx, call.Name)
	defer cancel()

	ec := tools.ExecContext{Ctx: timeoutCtx, SessionID: sessionID, UserID: userID, CorrelationID: uuid.NewString()}
	result, err := l.executor.Execute(ec, call.Name, call.Input)
	if err != nil {
		kind := "error"
		if timeoutCtx.Err() != nil || isTimeoutErr(err) {
			kind = "timeout"
		}
		return models.ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("tool %q failed (%s): %v", call.Name, kind, err), IsError: true}
	}
	result.ToolCallID = call.ID
	return result
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	t, ok := err.(timeouter)
	return ok && t.Timeout()
}

// pruneHistory drops the oldest turns once history exceeds historyShare of
// contextWindow, keeping the most recent contiguous run that fits. It never
// summarizes dropped turns; a trimmed session simply loses older context
// rather than paying for an extra LLM call on every iteration.
func pruneHistory(history []*models.Message, contextWindow int, historyShare float64) []*models.Message {
	if len(history) == 0 {
		return history
	}

	asCompaction := make([]*compaction.Message, len(history))
	for i, turn := range history {
		asCompaction[i] = &compaction.Message{
			Role:      string(turn.Role),
			Content:   turn.Content,
			Timestamp: turn.CreatedAt.Unix(),
		}
	}

	result := compaction.PruneHistoryForContextShare(asCompaction, contextWindow, historyShare, compaction.DefaultParts)
	if result.DroppedMessages == 0 {
		return history
	}
	return history[len(history)-len(result.Messages):]
}

func toRequestMessages(turns []*models.Message) []models.Message {
	out := make([]models.Message, len(turns))
	for i, t := range turns {
		out[i] = *t
	}
	return out
}
