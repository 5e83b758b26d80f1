package security

import (
	"context"
	"sync"

	"github.com/opencellcw/agentcore/internal/tools/policy"
)

// ToolGate checks a tool-use block against the Tool Registry's blocklist/
// allowlist policy before any input is inspected. The policy may be
// swapped at runtime (e.g. from a config file watch) without tearing down
// the Security Pipeline.
type ToolGate struct {
	resolver *policy.Resolver

	mu     sync.RWMutex
	policy *policy.Policy
}

// NewToolGate builds a ToolGate against resolver's profiles/groups and p's
// allow/deny lists.
func NewToolGate(resolver *policy.Resolver, p *policy.Policy) *ToolGate {
	return &ToolGate{resolver: resolver, policy: p}
}

func (g *ToolGate) Name() string { return "tool-gate" }

// SetPolicy replaces the gate's policy, taking effect for every Check call
// after it returns.
func (g *ToolGate) SetPolicy(p *policy.Policy) {
	g.mu.Lock()
	g.policy = p
	g.mu.Unlock()
}

// Check reports block(reason) when the resolver's policy denies the tool.
func (g *ToolGate) Check(ctx context.Context, in *CheckInput) (Verdict, error) {
	g.mu.RLock()
	p := g.policy
	g.mu.RUnlock()

	decision := g.resolver.Decide(p, in.ToolCall.Name)
	if !decision.Allowed {
		return block(decision.Reason), nil
	}
	return pass(), nil
}
