package stream

import "encoding/json"

// EventKind discriminates the semantic events a Processor emits
type EventKind string

const (
	KindSystem                EventKind = "system"
	KindText                  EventKind = "text"
	KindThinking              EventKind = "thinking"
	KindToolUse               EventKind = "tool_use"
	KindToolResult            EventKind = "tool_result"
	KindUsage                 EventKind = "usage"
	KindResult                EventKind = "result"
	KindControlResponse       EventKind = "control_response"
	KindPermissionModeChanged EventKind = "permission_mode_changed"
	KindError                 EventKind = "error"
	KindExit                  EventKind = "exit"
)

// Usage holds the four token counters reported by the child
type Usage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
}

// Add accumulates counters from another usage sample
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
}

// IsZero reports whether all counters are zero
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 &&
		u.CacheCreationTokens == 0 && u.CacheReadTokens == 0
}

// Event is one semantic event decomposed from the child's NDJSON output.
// Kind selects which fields are meaningful.
type Event struct {
	Kind EventKind `json:"kind"`

	// system init
	UpstreamSessionID string   `json:"upstream_session_id,omitempty"`
	Model             string   `json:"model,omitempty"`
	PermissionMode    string   `json:"permission_mode,omitempty"`
	CWD               string   `json:"cwd,omitempty"`
	Tools             []string `json:"tools,omitempty"`

	// text / thinking / result / error payload
	Text string `json:"text,omitempty"`

	// tool_use
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// tool_result
	Content string `json:"content,omitempty"`
	IsError bool   `json:"is_error,omitempty"`

	// usage
	Usage *Usage `json:"usage,omitempty"`

	// result
	CostUSD float64 `json:"cost_usd,omitempty"`

	// control_response
	RequestID string `json:"request_id,omitempty"`
	OK        bool   `json:"ok,omitempty"`

	// exit
	ExitCode   int    `json:"exit_code,omitempty"`
	ExitSignal string `json:"exit_signal,omitempty"`
}
