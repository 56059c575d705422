package store

import (
	"time"

	"github.com/HyphaGroup/seneschal/internal/permission"
	"github.com/HyphaGroup/seneschal/internal/stream"
)

// SessionStatus tracks where a session is in its turn lifecycle
type SessionStatus string

const (
	StatusIdle              SessionStatus = "idle"
	StatusRunning           SessionStatus = "running"
	StatusWaitingPermission SessionStatus = "waiting_permission"
	StatusWaitingInput      SessionStatus = "waiting_input"
)

// Session is the durable record of one conversation with an assistant
// subprocess. UpstreamSessionID is the child's own identifier, learned
// from its init frame and used for --resume on the next turn.
type Session struct {
	ID                string          `json:"id"`
	Name              string          `json:"name,omitempty"`
	WorkingDir        string          `json:"working_dir"`
	Status            SessionStatus   `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	UpstreamSessionID string          `json:"upstream_session_id,omitempty"`
	Model             string          `json:"model,omitempty"`
	PermissionMode    permission.Mode `json:"permission_mode"`
	Usage             stream.Usage    `json:"usage"`
	CostUSD           float64         `json:"cost_usd"`
	Ephemeral         bool            `json:"ephemeral,omitempty"`
}

// MessageRole discriminates history entries
type MessageRole string

const (
	RoleUser       MessageRole = "user"
	RoleAssistant  MessageRole = "assistant"
	RoleThinking   MessageRole = "thinking"
	RoleToolUse    MessageRole = "tool_use"
	RoleToolResult MessageRole = "tool_result"
	RoleQuestion   MessageRole = "question"
	RoleSystemInfo MessageRole = "system_info"
)

// MessageItem is one entry of a session's history, ordered by Seq
type MessageItem struct {
	SessionID string      `json:"session_id"`
	Seq       int64       `json:"seq"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	ToolName  string      `json:"tool_name,omitempty"`
	ToolUseID string      `json:"tool_use_id,omitempty"`
	IsError   bool        `json:"is_error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// ThreadBinding maps an external chat thread to a session. Each thread
// binds at most one session, and each session belongs to at most one
// thread.
type ThreadBinding struct {
	Team      string    `json:"team"`
	Channel   string    `json:"channel"`
	Thread    string    `json:"thread"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ModelUsage is the per-model token breakdown of a session
type ModelUsage struct {
	Model string       `json:"model"`
	Usage stream.Usage `json:"usage"`
}

// GlobalUsage aggregates token counters across all sessions
type GlobalUsage struct {
	Total   stream.Usage `json:"total"`
	Today   stream.Usage `json:"today"`
	CostUSD float64      `json:"cost_usd"`
}
