package security

import (
	"context"
	"encoding/json"
	"net/url"
	"regexp"

	"github.com/opencellcw/agentcore/internal/net/ssrf"
)

// toolClass groups tool names by the kind of input they accept, so the
// pattern vetter can apply the right regex policy without a central list of
// every concrete tool name.
type toolClass string

const (
	classShell toolClass = "shell"
	classWrite toolClass = "write"
	classFetch toolClass = "fetch"
)

var classifyByName = map[string]toolClass{
	"shell":       classShell,
	"exec":        classShell,
	"run_command": classShell,
	"bash":        classShell,
	"write_file":  classWrite,
	"edit_file":   classWrite,
	"delete_file": classWrite,
	"web_fetch":   classFetch,
	"http_get":    classFetch,
	"http_post":   classFetch,
	"fetch_url":   classFetch,
}

var commandInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile("[;&|`]"),
	regexp.MustCompile(`\$\(`),
	regexp.MustCompile(`(?i)rm\s+-rf\s+/`),
	regexp.MustCompile(`(?i)curl\s.+\|\s*sh`),
	regexp.MustCompile(`(?i)wget\s.+\|\s*sh`),
}

var pathTraversalPattern = regexp.MustCompile(`\.\./|\.\.\\`)

var sensitivePathPattern = regexp.MustCompile(`(?i)^(/etc/|/proc/|/sys/|~/\.ssh/|/root/\.)`)

// PatternVetter applies per-tool-category regex and SSRF policies to a
// tool-use block's parsed input.
type PatternVetter struct {
	classify func(toolName string) toolClass
}

// NewPatternVetter builds a PatternVetter using the built-in tool
// classification table.
func NewPatternVetter() *PatternVetter {
	return &PatternVetter{classify: func(name string) toolClass {
		return classifyByName[name]
	}}
}

func (v *PatternVetter) Name() string { return "pattern-vetter" }

// Check inspects in.ToolCall.Input against the policy for its tool's class.
// Tools outside any recognized class pass through unvetted; the pattern
// vetter only narrows, it never substitutes for the tool gate.
func (v *PatternVetter) Check(ctx context.Context, in *CheckInput) (Verdict, error) {
	switch v.classify(in.ToolCall.Name) {
	case classShell:
		return checkCommandInjection(in.ToolCall.Input), nil
	case classWrite:
		return checkPathTraversal(in.ToolCall.Input), nil
	case classFetch:
		return checkSSRF(in.ToolCall.Input), nil
	default:
		return pass(), nil
	}
}

func checkCommandInjection(raw json.RawMessage) Verdict {
	text := extractStringField(raw, "command", "cmd", "script")
	if text == "" {
		text = marshaledInput(raw)
	}
	for _, re := range commandInjectionPatterns {
		if re.MatchString(text) {
			return block("command injection pattern matched")
		}
	}
	return pass()
}

func checkPathTraversal(raw json.RawMessage) Verdict {
	path := extractStringField(raw, "path", "file", "filename")
	if path == "" {
		path = marshaledInput(raw)
	}
	if pathTraversalPattern.MatchString(path) {
		return block("path traversal sequence in path")
	}
	if sensitivePathPattern.MatchString(path) {
		return block("write targets a sensitive system path")
	}
	return pass()
}

func checkSSRF(raw json.RawMessage) Verdict {
	rawURL := extractStringField(raw, "url", "uri", "endpoint")
	if rawURL == "" {
		return pass()
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return block("unparseable URL: " + err.Error())
	}
	host := u.Hostname()
	if host == "" {
		return pass()
	}
	if ssrf.IsBlockedHostname(host) {
		return block("blocked hostname: " + host)
	}
	if ssrf.IsPrivateIPAddress(host) {
		return block("private address literal: " + host)
	}
	return pass()
}

// extractStringField looks for the first of fields present as a string
// value in a flat JSON object. Tool inputs are never deeply nested for the
// fields this vetter cares about.
func extractStringField(raw json.RawMessage, fields ...string) string {
	if len(raw) == 0 {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	for _, f := range fields {
		if v, ok := obj[f]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
