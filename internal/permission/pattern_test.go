package permission

import (
	"encoding/json"
	"testing"
)

func TestMatchSpecPrefix(t *testing.T) {
	tests := []struct {
		spec  string
		value string
		want  bool
	}{
		{"git:*", "git", true},
		{"git:*", "git status", true},
		{"git:*", `git commit -m "msg"`, true},
		{"git:*", "gitk", false},
		{"git:*", "gi", false},
		{"pnpm:*", "pnpm install --save-dev vitest", true},
		{"pnpm:*", "npm install", false},
	}

	for _, tt := range tests {
		t.Run(tt.spec+"/"+tt.value, func(t *testing.T) {
			if got := matchSpec(tt.spec, tt.value); got != tt.want {
				t.Errorf("matchSpec(%q, %q) = %v, want %v", tt.spec, tt.value, got, tt.want)
			}
		})
	}
}

func TestMatchSpecGlob(t *testing.T) {
	tests := []struct {
		spec  string
		value string
		want  bool
	}{
		{"git*", "gitk", true},
		{"git*", "git", true},
		{"git*", "got", false},
		{"*", "anything", true},
		{"*", "a/b", false},
		{"**", "a/b/c", true},
		{"./src/components/**", "./src/components/App.tsx", true},
		{"./src/components/**", "./src/components/nested/Deep.tsx", true},
		{"./src/components/**", "./src/other/App.tsx", false},
		{"src/*.go", "src/main.go", true},
		{"src/*.go", "src/sub/main.go", false},
		{"src/**/*.go", "src/a/b/main.go", true},
		{"?at", "cat", true},
		{"?at", "/at", false},
	}

	for _, tt := range tests {
		t.Run(tt.spec+"/"+tt.value, func(t *testing.T) {
			if got := matchSpec(tt.spec, tt.value); got != tt.want {
				t.Errorf("matchSpec(%q, %q) = %v, want %v", tt.spec, tt.value, got, tt.want)
			}
		})
	}
}

func TestMatchSpecExactAndEmpty(t *testing.T) {
	if !matchSpec("", "whatever") {
		t.Error("empty spec should match everything")
	}
	if !matchSpec("ls -la", "ls -la") {
		t.Error("exact spec should match identical value")
	}
	if matchSpec("ls -la", "ls") {
		t.Error("exact spec should not match a different value")
	}
}

func TestParsePattern(t *testing.T) {
	tests := []struct {
		in       string
		wantTool string
		wantSpec string
		wantErr  bool
	}{
		{"Bash(pnpm:*)", "Bash", "pnpm:*", false},
		{"Write(./src/components/**)", "Write", "./src/components/**", false},
		{"Bash", "Bash", "", false},
		{"", "", "", true},
		{"(x)", "", "", true},
		{"Bash(unclosed", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := ParsePattern(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePattern(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if p.Tool != tt.wantTool || p.Spec != tt.wantSpec {
				t.Errorf("ParsePattern(%q) = %+v, want tool %q spec %q", tt.in, p, tt.wantTool, tt.wantSpec)
			}
			if p.String() != tt.in {
				t.Errorf("round-trip: %q -> %q", tt.in, p.String())
			}
		})
	}
}

func TestPatternMatches(t *testing.T) {
	p := Pattern{Tool: "Bash", Spec: "git:*"}
	if !p.Matches("Bash", "git status") {
		t.Error("pattern should match its own tool")
	}
	if p.Matches("Write", "git status") {
		t.Error("pattern must not match a different tool")
	}
}

func TestSuggest(t *testing.T) {
	tests := []struct {
		name  string
		tool  string
		input string
		want  string
	}{
		{
			name:  "bash command",
			tool:  "Bash",
			input: `{"command":"pnpm install --save-dev vitest"}`,
			want:  "Bash(pnpm:*)",
		},
		{
			name:  "file write",
			tool:  "Write",
			input: `{"file_path":"./src/components/App.tsx"}`,
			want:  "Write(./src/components/**)",
		},
		{
			name:  "bare file",
			tool:  "Write",
			input: `{"file_path":"README.md"}`,
			want:  "Write(README.md)",
		},
		{
			name:  "unknown tool",
			tool:  "WebFetch",
			input: `{"url":"https://example.com"}`,
			want:  "WebFetch",
		},
		{
			name:  "bash single word",
			tool:  "Bash",
			input: `{"command":"ls"}`,
			want:  "Bash(ls:*)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Suggest(tt.tool, json.RawMessage(tt.input))
			if got.String() != tt.want {
				t.Errorf("Suggest(%s, %s) = %q, want %q", tt.tool, tt.input, got.String(), tt.want)
			}
		})
	}
}

func TestSuggestedPatternMatchesOriginal(t *testing.T) {
	input := json.RawMessage(`{"command":"pnpm install --save-dev vitest"}`)
	p := Suggest("Bash", input)
	if !p.Matches("Bash", CanonicalValue("Bash", input)) {
		t.Error("a suggested pattern must cover the invocation that produced it")
	}
}

func TestMatchAny(t *testing.T) {
	patterns := []Pattern{
		{Tool: "Bash", Spec: "git:*"},
		{Tool: "Write", Spec: "./docs/**"},
	}
	if !MatchAny(patterns, "Write", "./docs/readme.md") {
		t.Error("expected match on second pattern")
	}
	if MatchAny(patterns, "Bash", "rm -rf /") {
		t.Error("unexpected match")
	}
}
