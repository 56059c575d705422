package stream

import "encoding/json"

// envelope is the top-level NDJSON frame emitted by the child. Extra
// fields and unknown subtypes are tolerated.
type envelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system init
	SessionID      string   `json:"session_id,omitempty"`
	Model          string   `json:"model,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
	CWD            string   `json:"cwd,omitempty"`
	Tools          []string `json:"tools,omitempty"`

	// assistant / user
	Message *messageBody `json:"message,omitempty"`

	// result
	Result       string  `json:"result,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`

	// control_response
	RequestID string               `json:"request_id,omitempty"`
	Response  *controlResponseBody `json:"response,omitempty"`
}

// messageBody is the message payload of assistant and user envelopes.
// Content is raw because user envelopes may carry a plain string.
type messageBody struct {
	Role    string          `json:"role,omitempty"`
	Model   string          `json:"model,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
}

// contentBlock is one element of a message content array
type contentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result: content can be a string or an array of blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// contentText renders a tool_result content value as a string. Plain
// strings pass through; anything else is serialized as compact JSON.
func (b *contentBlock) contentText() string {
	if len(b.Content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}

	return string(b.Content)
}

// controlResponseBody is the nested response of a control_response frame
type controlResponseBody struct {
	Subtype   string                `json:"subtype,omitempty"`
	RequestID string                `json:"request_id,omitempty"`
	Error     string                `json:"error,omitempty"`
	Response  *controlResponseInner `json:"response,omitempty"`
}

type controlResponseInner struct {
	Mode string `json:"mode,omitempty"`
}
