package runner

import (
	"errors"

	"github.com/HyphaGroup/seneschal/internal/permission"
)

var (
	ErrAlreadyRunning  = errors.New("session already has a running process")
	ErrNotRunning      = errors.New("session has no running process")
	ErrAlreadyActive   = errors.New("session is already active")
	ErrInvalidToolName = errors.New("invalid tool name")
)

// SpawnMode selects how the assistant subprocess is hosted
type SpawnMode string

const (
	// SpawnDirect runs the child on the host with plain pipes
	SpawnDirect SpawnMode = "direct"
	// SpawnPTY runs the child on the host under a pseudo-terminal
	SpawnPTY SpawnMode = "pty"
	// SpawnContainerNew creates and starts a fresh container per run
	SpawnContainerNew SpawnMode = "container-new"
	// SpawnContainerExec execs into an existing container
	SpawnContainerExec SpawnMode = "container-exec"
)

// StartOptions configures one child process run
type StartOptions struct {
	WorkingDir        string
	UpstreamSessionID string
	PermissionMode    permission.Mode
	AllowedTools      []string
	DisallowedTools   []string

	// Capability callback wiring. The config file tells the child where
	// to reach the capability server; the tool name is what it invokes
	// for permission prompts.
	CapabilityConfigPath string
	CapabilityToolName   string

	// Extra environment for the child, KEY=VALUE form
	Env []string

	SpawnMode      SpawnMode
	ContainerImage string // container-new
	ContainerID    string // container-exec
}

// ImageBlock is a base64-encoded image attached to a user message
type ImageBlock struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}
