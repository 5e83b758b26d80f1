package security

import (
	"context"
	"strings"

	"github.com/opencellcw/agentcore/pkg/models"
)

// RiskClassifier issues a single small-model completion used to judge the
// risk of a tool call from its natural-language intent, independent of the
// pattern vetter's static regex policies.
type RiskClassifier interface {
	Complete(ctx context.Context, req models.LLMRequest) (models.LLMResponse, error)
}

// SemanticVetter is the optional fourth filter: a small-LLM risk verdict
// (low/medium/high) for tool calls the pattern vetter's static rules don't
// cover. High risk blocks; the vetter is a no-op when disabled or when
// Classifier is nil.
type SemanticVetter struct {
	Classifier RiskClassifier
	Model      string
	Enabled    bool
}

// NewSemanticVetter builds a SemanticVetter. Pass a nil classifier to
// disable the stage without special-casing it in pipeline construction.
func NewSemanticVetter(classifier RiskClassifier, model string) *SemanticVetter {
	return &SemanticVetter{Classifier: classifier, Model: model, Enabled: classifier != nil}
}

func (v *SemanticVetter) Name() string { return "semantic-vetter" }

const semanticVetterSystemPrompt = `You are a security classifier for an agent's tool calls. Given a tool name and its input, respond with exactly one word: low, medium, or high, describing the risk that this call is malicious, destructive, or attempts to exfiltrate data. Respond with nothing else.`

// Check asks the classifier to rate the risk of in.ToolCall and blocks on a
// high verdict. A classifier error fails closed (blocks), per the pipeline's
// fail-closed contract.
func (v *SemanticVetter) Check(ctx context.Context, in *CheckInput) (Verdict, error) {
	if !v.Enabled || v.Classifier == nil {
		return pass(), nil
	}

	req := models.LLMRequest{
		System: semanticVetterSystemPrompt,
		Messages: []models.Message{{
			Role:    models.RoleUser,
			Content: "tool: " + in.ToolCall.Name + "\ninput: " + marshaledInput(in.ToolCall.Input),
		}},
		MaxTokens: 8,
	}

	resp, err := v.Classifier.Complete(ctx, req)
	if err != nil {
		return Verdict{}, err
	}

	switch strings.ToLower(strings.TrimSpace(resp.Text())) {
	case "high":
		return block("semantic risk verdict: high"), nil
	default:
		return pass(), nil
	}
}
