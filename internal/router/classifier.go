package router

import (
	"regexp"

	"github.com/opencellcw/agentcore/pkg/models"
)

// Classifier assigns a TaskClass to an LLMRequest, the axis the Router uses
// (alongside quality floor and cost ceiling) to rank candidate providers.
type Classifier interface {
	Classify(req models.LLMRequest) models.TaskClass
}

var (
	codeRegex   = regexp.MustCompile(`(?i)\b(func|class|def|package|import|select|insert|update|delete)\b`)
	reasonRegex = regexp.MustCompile(`(?i)\b(analyze|reason|think through|derive|prove|why|trade-?off)\b`)
	quickRegex  = regexp.MustCompile(`(?i)\b(what is|define|quick|brief|summary)\b`)
	codeFence   = regexp.MustCompile("```")
)

// largeContextThreshold is the approximate character count (roughly four
// characters per token) past which a conversation is routed to a
// large-context-capable model regardless of its apparent task.
const largeContextThreshold = 24000

// HeuristicClassifier tags a request by regex-matching the last user
// message, the same approach as the agent loop's task tagger, narrowed to
// the Router's single-value TaskClass instead of a free-form tag set.
type HeuristicClassifier struct{}

func (HeuristicClassifier) Classify(req models.LLMRequest) models.TaskClass {
	if len(req.Tools) > 0 {
		return models.TaskToolUse
	}

	var totalLen int
	for _, m := range req.Messages {
		totalLen += len(m.Content)
	}
	if totalLen > largeContextThreshold {
		return models.TaskLargeContext
	}

	content := lastUserContent(req)
	switch {
	case codeRegex.MatchString(content) || codeFence.MatchString(content):
		return models.TaskCode
	case reasonRegex.MatchString(content):
		return models.TaskReasoning
	case quickRegex.MatchString(content) || len(content) < 80:
		return models.TaskTrivial
	default:
		return models.TaskChat
	}
}

func lastUserContent(req models.LLMRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == models.RoleUser {
			return req.Messages[i].Content
		}
	}
	if len(req.Messages) > 0 {
		return req.Messages[len(req.Messages)-1].Content
	}
	return ""
}

// tierRank orders TaskClass values by the model capability they demand,
// for comparing a candidate provider's Tier against a request's
// QualityFloor. Tool-use and large-context sit alongside reasoning at the
// top: both need a provider that cannot be swapped for a cheaper one.
var tierRank = map[models.TaskClass]int{
	models.TaskTrivial:      0,
	models.TaskChat:         1,
	models.TaskCode:         2,
	models.TaskToolUse:      3,
	models.TaskReasoning:    3,
	models.TaskLargeContext: 3,
}

// meetsFloor reports whether a provider of the given tier clears floor. An
// unrecognized tier value is treated as rank 0 (meets only the lowest
// floor), and an unset floor is always met.
func meetsFloor(tier, floor models.TaskClass) bool {
	if floor == "" {
		return true
	}
	return tierRank[tier] >= tierRank[floor]
}
