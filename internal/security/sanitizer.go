package security

import (
	"context"
	"regexp"
)

// injectionPattern is a compiled regex flagging text that tries to override
// the assistant's instructions or impersonate a different role, whether it
// arrives in the user's own message or is smuggled through tool input.
type injectionPattern struct {
	name string
	re   *regexp.Regexp
}

var builtinInjectionPatterns = []injectionPattern{
	{"ignore-instructions", regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`)},
	{"disregard-system", regexp.MustCompile(`(?i)disregard\s+(the\s+)?(system|developer)\s+prompt`)},
	{"role-override", regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an)\s+\w+`)},
	{"fake-role-tag", regexp.MustCompile(`(?i)^\s*(system|assistant)\s*:`)},
	{"new-instructions", regexp.MustCompile(`(?i)new\s+instructions?\s*:`)},
	{"reveal-prompt", regexp.MustCompile(`(?i)(reveal|print|output)\s+(your\s+)?(system\s+prompt|instructions)`)},
	{"jailbreak-dan", regexp.MustCompile(`(?i)\bDAN\s+mode\b`)},
}

// Sanitizer scans user-authored text accompanying a tool-use block for
// role-injection and instruction-override attempts.
type Sanitizer struct {
	patterns []injectionPattern
}

// NewSanitizer builds a Sanitizer with the built-in pattern set plus any
// caller-supplied additions.
func NewSanitizer(extra ...injectionPattern) *Sanitizer {
	patterns := make([]injectionPattern, 0, len(builtinInjectionPatterns)+len(extra))
	patterns = append(patterns, builtinInjectionPatterns...)
	patterns = append(patterns, extra...)
	return &Sanitizer{patterns: patterns}
}

func (s *Sanitizer) Name() string { return "sanitizer" }

// Check scans in.UserText and the raw tool input for injection patterns.
func (s *Sanitizer) Check(ctx context.Context, in *CheckInput) (Verdict, error) {
	for _, text := range []string{in.UserText, marshaledInput(in.ToolCall.Input)} {
		if text == "" {
			continue
		}
		for _, p := range s.patterns {
			if p.re.MatchString(text) {
				return block("role-injection pattern matched: " + p.name), nil
			}
		}
	}
	return pass(), nil
}

// ScanText runs the same injection-pattern scan as Check but against a bare
// string, for use on inbound text before a session or tool call exists.
func (s *Sanitizer) ScanText(text string) Verdict {
	if text == "" {
		return pass()
	}
	for _, p := range s.patterns {
		if p.re.MatchString(text) {
			return block("role-injection pattern matched: " + p.name)
		}
	}
	return pass()
}
