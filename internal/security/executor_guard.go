package security

import (
	"context"
	"sync"
	"time"
)

// ExecutorGuard is the fifth filter: a per-user concurrent-tool cap plus a
// per-tool wall-clock timeout. Unlike the earlier filters it also hands
// back a resource the caller must release (Pipeline.Release), since
// admission here reserves a concurrency slot for the duration of execution.
type ExecutorGuard struct {
	mu                   sync.Mutex
	inFlight             map[string]int
	maxConcurrentPerUser int
	defaultTimeout       time.Duration
	perTool              map[string]time.Duration
}

// NewExecutorGuard builds an ExecutorGuard allowing maxConcurrentPerUser
// simultaneous tool executions per user, with defaultTimeout applied to
// tools absent from perTool.
func NewExecutorGuard(maxConcurrentPerUser int, defaultTimeout time.Duration, perTool map[string]time.Duration) *ExecutorGuard {
	if maxConcurrentPerUser <= 0 {
		maxConcurrentPerUser = 4
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if perTool == nil {
		perTool = make(map[string]time.Duration)
	}
	return &ExecutorGuard{
		inFlight:             make(map[string]int),
		maxConcurrentPerUser: maxConcurrentPerUser,
		defaultTimeout:       defaultTimeout,
		perTool:              perTool,
	}
}

func (g *ExecutorGuard) Name() string { return "executor-guard" }

// Check reserves a concurrency slot for in.UserID, blocking admission if the
// user is already at their cap. A passing Check must be matched by exactly
// one Release call once the tool finishes executing.
func (g *ExecutorGuard) Check(ctx context.Context, in *CheckInput) (Verdict, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inFlight[in.UserID] >= g.maxConcurrentPerUser {
		return block("user has reached the concurrent tool-call limit"), nil
	}
	g.inFlight[in.UserID]++
	return pass(), nil
}

// Release returns userID's concurrency slot.
func (g *ExecutorGuard) Release(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight[userID] > 0 {
		g.inFlight[userID]--
	}
}

// Timeout returns the wall-clock timeout to apply when executing toolName.
func (g *ExecutorGuard) Timeout(toolName string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d, ok := g.perTool[toolName]; ok {
		return d
	}
	return g.defaultTimeout
}

// WithTimeout wraps ctx with toolName's configured timeout.
func (g *ExecutorGuard) WithTimeout(ctx context.Context, toolName string) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.Timeout(toolName))
}
