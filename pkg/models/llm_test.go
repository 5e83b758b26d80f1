package models

import "testing"

func TestLLMResponse_HasToolUse(t *testing.T) {
	resp := &LLMResponse{Content: []ContentBlock{{Type: ContentText, Text: "hi"}}}
	if resp.HasToolUse() {
		t.Fatal("text-only response should not report tool use")
	}

	resp.Content = append(resp.Content, ContentBlock{
		Type:    ContentToolUse,
		ToolUse: &ToolCall{ID: "call1", Name: "read_file"},
	})
	if !resp.HasToolUse() {
		t.Fatal("response with a tool-use block should report tool use")
	}
}

func TestLLMResponse_TextConcatenatesTextBlocksOnly(t *testing.T) {
	resp := &LLMResponse{Content: []ContentBlock{
		{Type: ContentText, Text: "hello "},
		{Type: ContentToolUse, ToolUse: &ToolCall{ID: "call1", Name: "search"}},
		{Type: ContentText, Text: "world"},
	}}
	if got := resp.Text(); got != "hello world" {
		t.Fatalf("expected concatenated text blocks, got %q", got)
	}
}

func TestLLMResponse_ToolUsesInOrder(t *testing.T) {
	resp := &LLMResponse{Content: []ContentBlock{
		{Type: ContentToolUse, ToolUse: &ToolCall{ID: "call1", Name: "a"}},
		{Type: ContentText, Text: "thinking"},
		{Type: ContentToolUse, ToolUse: &ToolCall{ID: "call2", Name: "b"}},
	}}
	uses := resp.ToolUses()
	if len(uses) != 2 || uses[0].Name != "a" || uses[1].Name != "b" {
		t.Fatalf("expected tool uses a, b in order, got %+v", uses)
	}
}
