package permission

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Pattern is a tool-permission matching rule. Tool identifies the match
// target; Spec matches against the tool's canonical value (command string
// for shell-like tools, file path for file tools).
//
// Spec forms:
//   - ""          match every invocation of the tool
//   - "pnpm:*"    word-boundary prefix: matches "pnpm" and "pnpm install",
//     never "pnpmx"
//   - "src/**"    glob: '*' stops at '/', '**' crosses segments
//   - anything else is an exact match
type Pattern struct {
	Tool string
	Spec string
}

// ParsePattern parses the canonical "Tool(spec)" string form. A bare tool
// name parses to a match-all pattern for that tool.
func ParsePattern(s string) (Pattern, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Pattern{}, fmt.Errorf("empty permission pattern")
	}

	open := strings.IndexByte(s, '(')
	if open < 0 {
		return Pattern{Tool: s}, nil
	}
	if !strings.HasSuffix(s, ")") || open == 0 {
		return Pattern{}, fmt.Errorf("malformed permission pattern: %q", s)
	}

	return Pattern{
		Tool: s[:open],
		Spec: s[open+1 : len(s)-1],
	}, nil
}

// String renders the canonical "Tool(spec)" form
func (p Pattern) String() string {
	if p.Spec == "" {
		return p.Tool
	}
	return p.Tool + "(" + p.Spec + ")"
}

// Matches reports whether the pattern covers an invocation of toolName
// with the given canonical value.
func (p Pattern) Matches(toolName, value string) bool {
	if p.Tool != toolName {
		return false
	}
	return matchSpec(p.Spec, value)
}

func matchSpec(spec, value string) bool {
	if spec == "" {
		return true
	}

	// prefix:* — word-boundary prefix match. "git:*" covers "git" and
	// "git status" but not "gitk".
	if strings.HasSuffix(spec, ":*") {
		prefix := spec[:len(spec)-2]
		if prefix == "" {
			return true
		}
		return value == prefix || strings.HasPrefix(value, prefix+" ")
	}

	if strings.ContainsAny(spec, "*?") {
		return globMatch(spec, value)
	}

	return spec == value
}

// globMatch matches value against a pattern where '*' matches any run of
// characters except '/', '**' matches any run including '/', and '?'
// matches a single non-'/' character. Patterns are short, so plain
// recursion at each star is cheap.
func globMatch(pattern, value string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			cross := false
			pattern = pattern[1:]
			if len(pattern) > 0 && pattern[0] == '*' {
				cross = true
				pattern = pattern[1:]
			}
			if pattern == "" {
				return cross || !strings.Contains(value, "/")
			}
			for i := 0; ; i++ {
				if globMatch(pattern, value[i:]) {
					return true
				}
				if i >= len(value) || (!cross && value[i] == '/') {
					return false
				}
			}
		case '?':
			if value == "" || value[0] == '/' {
				return false
			}
			pattern, value = pattern[1:], value[1:]
		default:
			if value == "" || value[0] != pattern[0] {
				return false
			}
			pattern, value = pattern[1:], value[1:]
		}
	}
	return value == ""
}

// MatchAny reports whether any pattern in the list covers the invocation
func MatchAny(patterns []Pattern, toolName, value string) bool {
	for _, p := range patterns {
		if p.Matches(toolName, value) {
			return true
		}
	}
	return false
}

// fileTools are tools whose canonical value is a file path
var fileTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"Read":         true,
	"NotebookEdit": true,
}

// shellTools are tools whose canonical value is a command string
var shellTools = map[string]bool{
	"Bash": true,
}

// CanonicalValue extracts the value a pattern matches against from a tool
// input blob: the command string for shell-like tools, the file path for
// file tools, empty otherwise.
func CanonicalValue(toolName string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}

	switch {
	case shellTools[toolName]:
		var in struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(input, &in); err == nil {
			return in.Command
		}
	case fileTools[toolName]:
		var in struct {
			FilePath string `json:"file_path"`
		}
		if err := json.Unmarshal(input, &in); err == nil {
			return in.FilePath
		}
	}
	return ""
}

// Suggest produces the allowance pattern offered to the client alongside a
// permission request. Shell commands suggest a word-boundary prefix rule on
// the first word ("Bash(pnpm:*)"); file paths suggest the containing
// directory subtree ("Write(./src/components/**)"). Tools with no canonical
// value suggest the bare tool.
func Suggest(toolName string, input json.RawMessage) Pattern {
	value := CanonicalValue(toolName, input)
	if value == "" {
		return Pattern{Tool: toolName}
	}

	if shellTools[toolName] {
		word := value
		if i := strings.IndexByte(word, ' '); i >= 0 {
			word = word[:i]
		}
		return Pattern{Tool: toolName, Spec: word + ":*"}
	}

	// Keep the path exactly as the tool saw it ("./src/…" stays "./src/…")
	if i := strings.LastIndexByte(value, '/'); i > 0 {
		return Pattern{Tool: toolName, Spec: value[:i] + "/**"}
	}
	return Pattern{Tool: toolName, Spec: value}
}
