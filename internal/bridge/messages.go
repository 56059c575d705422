package bridge

import (
	"encoding/json"

	"github.com/HyphaGroup/seneschal/internal/runner"
	"github.com/HyphaGroup/seneschal/internal/store"
	"github.com/HyphaGroup/seneschal/internal/stream"
)

// Message is one outbound frame to a client. Type selects which fields
// are meaningful; per-session messages always carry SessionID.
type Message struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"` // correlation id for replies
	SessionID string `json:"sessionId,omitempty"`

	// replies
	OK        bool   `json:"ok,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`

	// session payloads
	Session  *store.Session      `json:"session,omitempty"`
	Sessions []*store.Session    `json:"sessions,omitempty"`
	History  []store.MessageItem `json:"history,omitempty"`

	// streamed output
	Text string `json:"text,omitempty"`

	// tool traffic
	ToolName  string          `json:"toolName,omitempty"`
	ToolUseID string          `json:"toolUseId,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"isError,omitempty"`

	// usage_info / global_usage
	Usage      *stream.Usage `json:"usage,omitempty"`
	TodayUsage *stream.Usage `json:"todayUsage,omitempty"`
	Model      string        `json:"model,omitempty"`
	CostUSD    float64       `json:"costUsd,omitempty"`

	// system_info / permission_mode_changed / status_change
	UpstreamSessionID string `json:"upstreamSessionId,omitempty"`
	PermissionMode    string `json:"permissionMode,omitempty"`
	Mode              string `json:"mode,omitempty"`
	Status            string `json:"status,omitempty"`

	// permission_request
	RequestID string `json:"requestId,omitempty"`
	// SuggestedPattern is the allowance rule a client can offer back as a
	// one-click "always allow" option, e.g. "Bash(pnpm:*)"
	SuggestedPattern string `json:"suggestedPattern,omitempty"`

	// result
	Result string `json:"result,omitempty"`

	// backlog replay position
	Index int `json:"index,omitempty"`

	// mode-change acknowledgement: whether a control frame went out
	Sent bool `json:"sent,omitempty"`
}

// intent is one inbound frame from a client
type intent struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	// create_session
	Name       string `json:"name,omitempty"`
	WorkingDir string `json:"workingDir,omitempty"`
	Ephemeral  bool   `json:"ephemeral,omitempty"`

	// user_message
	Content string              `json:"content,omitempty"`
	Images  []runner.ImageBlock `json:"images,omitempty"`

	// set_permission_mode / set_model
	Mode  string `json:"mode,omitempty"`
	Model string `json:"model,omitempty"`

	// permission_response
	RequestID string              `json:"requestId,omitempty"`
	Response  *capabilityResponse `json:"response,omitempty"`

	// question_response
	Answers json.RawMessage `json:"answers,omitempty"`

	// attach_session: replay events after this backlog index; -1 or
	// absent replays everything still buffered
	SinceIndex *int `json:"sinceIndex,omitempty"`
}

// capabilityResponse mirrors the capability server's response shape so
// clients speak one dialect end to end
type capabilityResponse struct {
	Behavior        string          `json:"behavior"`
	UpdatedInput    json.RawMessage `json:"updatedInput,omitempty"`
	AllowForSession bool            `json:"allowForSession,omitempty"`
	ToolName        string          `json:"toolName,omitempty"`
	Message         string          `json:"message,omitempty"`
}
