package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the single configuration file format for seneschal.jsonc
type Config struct {
	Bridge     BridgeSection     `json:"bridge"`
	Runner     RunnerSection     `json:"runner"`
	Server     ServerSection     `json:"server"`
	Permission PermissionSection `json:"permission"`
	Schedule   ScheduleSection   `json:"schedule"`
	Cleanup    CleanupSection    `json:"cleanup"`
	Backup     BackupSection     `json:"backup"`
}

// BridgeSection configures the client-facing NDJSON socket
type BridgeSection struct {
	// Socket is the unix socket path; empty means <home>/seneschal.sock
	Socket string `json:"socket"`
	// TCPAddress optionally exposes the bridge over TCP as well
	TCPAddress string `json:"tcp_address"`
	// RateLimit is intents per second per client
	RateLimit float64 `json:"rate_limit"`
	RateBurst int     `json:"rate_burst"`
	// BacklogSize bounds the per-session replay buffer
	BacklogSize int `json:"backlog_size"`
	// UsageBroadcastSeconds is the global_usage broadcast period
	UsageBroadcastSeconds int `json:"usage_broadcast_seconds"`
}

// RunnerSection configures how assistant children are spawned
type RunnerSection struct {
	Command        string `json:"command"`
	SpawnMode      string `json:"spawn_mode"`
	ContainerImage string `json:"container_image"`
}

// ServerSection configures the HTTP listener (MCP, health, metrics)
type ServerSection struct {
	Address string `json:"address"`
}

// PermissionSection configures the capability callback channel
type PermissionSection struct {
	TimeoutSeconds int `json:"timeout_seconds"`
	// ToolName is what the child invokes for permission prompts
	ToolName string `json:"tool_name"`
}

// ScheduleSection configures scheduled prompts
type ScheduleSection struct {
	Enabled *bool `json:"enabled"`
}

// CleanupSection configures the transient-file sweeper
type CleanupSection struct {
	IntervalHours         int `json:"interval_hours"`
	MaxAttachmentAgeHours int `json:"max_attachment_age_hours"`
	DiskWarnPercent       int `json:"disk_warn_percent"`
}

// BackupSection configures database snapshots
type BackupSection struct {
	Enabled       bool   `json:"enabled"`
	Directory     string `json:"directory"`
	Retention     int    `json:"retention"`
	IntervalHours int    `json:"interval_hours"`
}

// ResolveHome returns the seneschal home directory using precedence:
// 1. explicit flag value
// 2. SENESCHAL_HOME environment variable
// 3. ./.seneschal if it exists
// 4. ~/.seneschal
func ResolveHome(flagValue string) (string, error) {
	if flagValue != "" {
		return filepath.Abs(flagValue)
	}
	if env := os.Getenv("SENESCHAL_HOME"); env != "" {
		return filepath.Abs(env)
	}
	if info, err := os.Stat(".seneschal"); err == nil && info.IsDir() {
		return filepath.Abs(".seneschal")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".seneschal"), nil
}

// Path returns the config file location inside a seneschal home
func Path(home string) string {
	return filepath.Join(home, "config", "seneschal.jsonc")
}

// Load reads and parses seneschal.jsonc, applying defaults. A missing
// file yields the pure defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyDefaults(&cfg)
			return &cfg, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := json.Unmarshal(StripJSONComments(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Bridge.RateLimit == 0 {
		cfg.Bridge.RateLimit = 20
	}
	if cfg.Bridge.RateBurst == 0 {
		cfg.Bridge.RateBurst = 40
	}
	if cfg.Bridge.BacklogSize == 0 {
		cfg.Bridge.BacklogSize = 256
	}
	if cfg.Bridge.UsageBroadcastSeconds == 0 {
		cfg.Bridge.UsageBroadcastSeconds = 30
	}

	if cfg.Runner.Command == "" {
		cfg.Runner.Command = "claude"
	}
	if cfg.Runner.SpawnMode == "" {
		cfg.Runner.SpawnMode = "direct"
	}

	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}

	if cfg.Permission.TimeoutSeconds == 0 {
		cfg.Permission.TimeoutSeconds = 30
	}
	if cfg.Permission.ToolName == "" {
		cfg.Permission.ToolName = "approval_prompt"
	}

	if cfg.Schedule.Enabled == nil {
		enabled := true
		cfg.Schedule.Enabled = &enabled
	}

	if cfg.Cleanup.IntervalHours == 0 {
		cfg.Cleanup.IntervalHours = 1
	}
	if cfg.Cleanup.MaxAttachmentAgeHours == 0 {
		cfg.Cleanup.MaxAttachmentAgeHours = 24
	}
	if cfg.Cleanup.DiskWarnPercent == 0 {
		cfg.Cleanup.DiskWarnPercent = 90
	}

	if cfg.Backup.Directory == "" {
		cfg.Backup.Directory = "backups"
	}
	if cfg.Backup.Retention == 0 {
		cfg.Backup.Retention = 7
	}
	if cfg.Backup.IntervalHours == 0 {
		cfg.Backup.IntervalHours = 24
	}
}

// SocketPath returns the bridge socket, defaulting into the home dir
func (c *Config) SocketPath(home string) string {
	if c.Bridge.Socket != "" {
		return c.Bridge.Socket
	}
	return filepath.Join(home, "seneschal.sock")
}

// ScheduleEnabled reports whether scheduled prompts run
func (c *Config) ScheduleEnabled() bool {
	return c.Schedule.Enabled == nil || *c.Schedule.Enabled
}
