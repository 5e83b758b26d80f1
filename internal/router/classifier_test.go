package router

import (
	"strings"
	"testing"

	"github.com/opencellcw/agentcore/pkg/models"
)

func userReq(content string) models.LLMRequest {
	return models.LLMRequest{Messages: []models.Message{{Role: models.RoleUser, Content: content}}}
}

func TestHeuristicClassifier_ToolsAlwaysClassifyAsToolUse(t *testing.T) {
	req := userReq("what is the weather")
	req.Tools = []models.ToolDescriptor{{Name: "weather"}}
	if got := (HeuristicClassifier{}).Classify(req); got != models.TaskToolUse {
		t.Fatalf("expected tool-use, got %s", got)
	}
}

func TestHeuristicClassifier_LargeContentRoutesLargeContext(t *testing.T) {
	req := userReq(strings.Repeat("a", largeContextThreshold+1))
	if got := (HeuristicClassifier{}).Classify(req); got != models.TaskLargeContext {
		t.Fatalf("expected large-context, got %s", got)
	}
}

func TestHeuristicClassifier_CodeContent(t *testing.T) {
	req := userReq("please review this: func main() { return }")
	if got := (HeuristicClassifier{}).Classify(req); got != models.TaskCode {
		t.Fatalf("expected code, got %s", got)
	}
}

func TestHeuristicClassifier_ReasoningContent(t *testing.T) {
	req := userReq("analyze the tradeoffs of this migration")
	if got := (HeuristicClassifier{}).Classify(req); got != models.TaskReasoning {
		t.Fatalf("expected reasoning, got %s", got)
	}
}

func TestHeuristicClassifier_ShortContentIsTrivial(t *testing.T) {
	req := userReq("hi there")
	if got := (HeuristicClassifier{}).Classify(req); got != models.TaskTrivial {
		t.Fatalf("expected trivial, got %s", got)
	}
}

func TestMeetsFloor_UnsetFloorAlwaysPasses(t *testing.T) {
	if !meetsFloor(models.TaskTrivial, "") {
		t.Fatal("expected unset floor to always pass")
	}
}

func TestMeetsFloor_RejectsBelowFloor(t *testing.T) {
	if meetsFloor(models.TaskTrivial, models.TaskReasoning) {
		t.Fatal("expected trivial tier to fail a reasoning floor")
	}
	if !meetsFloor(models.TaskReasoning, models.TaskCode) {
		t.Fatal("expected reasoning tier to clear a code floor")
	}
}
