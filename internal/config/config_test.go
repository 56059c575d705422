package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStripJSONComments(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"line comment", "{\n// note\n\"a\": 1\n}", "{\n\n\"a\": 1\n}"},
		{"block comment", `{"a": /* inline */ 1}`, `{"a":  1}`},
		{"slashes in string", `{"url": "http://example.com"}`, `{"url": "http://example.com"}`},
		{"comment marker in string", `{"a": "/* not a comment */"}`, `{"a": "/* not a comment */"}`},
		{"escaped quote before marker", `{"a": "x\"// y"}`, `{"a": "x\"// y"}`},
		{"block comment keeps newlines", "{\"a\": 1 /* first\nsecond */, \"b\": 2}", "{\"a\": 1 \n, \"b\": 2}"},
		{"plain", `{"a": 1}`, `{"a": 1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(StripJSONComments([]byte(tt.input)))
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope", "seneschal.jsonc"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Runner.Command != "claude" {
		t.Errorf("command = %q", cfg.Runner.Command)
	}
	if cfg.Permission.TimeoutSeconds != 30 {
		t.Errorf("timeout = %d", cfg.Permission.TimeoutSeconds)
	}
	if cfg.Bridge.BacklogSize != 256 {
		t.Errorf("backlog = %d", cfg.Bridge.BacklogSize)
	}
	if !cfg.ScheduleEnabled() {
		t.Error("schedule should default enabled")
	}
}

func TestLoadWithComments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seneschal.jsonc")
	content := `{
	// which binary to run
	"runner": {
		"command": "/usr/local/bin/assistant",
		"spawn_mode": "pty"
	},
	"permission": {
		"timeout_seconds": 10 /* short for tests */
	},
	"schedule": {"enabled": false}
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Runner.Command != "/usr/local/bin/assistant" || cfg.Runner.SpawnMode != "pty" {
		t.Errorf("runner = %+v", cfg.Runner)
	}
	if cfg.Permission.TimeoutSeconds != 10 {
		t.Errorf("timeout = %d", cfg.Permission.TimeoutSeconds)
	}
	if cfg.ScheduleEnabled() {
		t.Error("schedule should be disabled")
	}
	// Untouched sections still get defaults
	if cfg.Server.Address != ":8080" {
		t.Errorf("address = %q", cfg.Server.Address)
	}
}

func TestResolveHomePrecedence(t *testing.T) {
	t.Setenv("SENESCHAL_HOME", "")

	explicit, err := ResolveHome("/tmp/custom-home")
	if err != nil || explicit != "/tmp/custom-home" {
		t.Errorf("explicit = %q, %v", explicit, err)
	}

	t.Setenv("SENESCHAL_HOME", "/tmp/env-home")
	fromEnv, err := ResolveHome("")
	if err != nil || fromEnv != "/tmp/env-home" {
		t.Errorf("env = %q, %v", fromEnv, err)
	}

	// Flag wins over env
	flagged, err := ResolveHome("/tmp/flag-home")
	if err != nil || flagged != "/tmp/flag-home" {
		t.Errorf("flag = %q, %v", flagged, err)
	}
}

func TestSocketPath(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if got := cfg.SocketPath("/home/x/.seneschal"); got != "/home/x/.seneschal/seneschal.sock" {
		t.Errorf("default socket = %q", got)
	}

	cfg.Bridge.Socket = "/run/seneschal.sock"
	if got := cfg.SocketPath("/home/x/.seneschal"); got != "/run/seneschal.sock" {
		t.Errorf("explicit socket = %q", got)
	}
}
