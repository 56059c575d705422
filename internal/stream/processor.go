package stream

import (
	"bytes"
	"encoding/json"

	"github.com/HyphaGroup/seneschal/internal/permission"
)

// Processor converts the child's raw output bytes into an ordered sequence
// of semantic events. Chunks may split frames anywhere, including inside
// escape sequences; the only state carried across HandleData calls is the
// partial trailing line and the cached permission mode.
type Processor struct {
	buf     []byte
	mode    permission.Mode
	emit    func(Event)
	dropped int
}

// NewProcessor creates a processor that delivers events to emit in
// emission order. initialMode seeds the cached permission mode so the
// child's first init echo does not register as a change.
func NewProcessor(initialMode permission.Mode, emit func(Event)) *Processor {
	if initialMode == "" {
		initialMode = permission.ModeDefault
	}
	return &Processor{
		mode: initialMode,
		emit: emit,
	}
}

// PermissionMode returns the cached permission mode
func (p *Processor) PermissionMode() permission.Mode {
	return p.mode
}

// Dropped returns the number of lines discarded as malformed JSON
func (p *Processor) Dropped() int {
	return p.dropped
}

// HandleData consumes one chunk of child output. Complete lines are
// processed; the final fragment is retained for the next call.
func (p *Processor) HandleData(data []byte) {
	p.buf = append(p.buf, data...)

	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			return
		}
		line := p.buf[:i]
		p.buf = p.buf[i+1:]
		p.processLine(line)
	}
}

// Flush processes any buffered trailing line. Call once at stream end.
func (p *Processor) Flush() {
	if len(p.buf) == 0 {
		return
	}
	line := p.buf
	p.buf = nil
	p.processLine(line)
}

func (p *Processor) processLine(line []byte) {
	line = bytes.TrimSpace(StripANSI(line))
	if len(line) == 0 || line[0] != '{' {
		// Diagnostic non-JSON output, discard
		return
	}

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		p.dropped++
		return
	}

	switch env.Type {
	case "system":
		p.handleSystem(&env)
	case "assistant":
		p.handleAssistant(&env)
	case "user":
		p.handleUser(&env)
	case "result":
		p.emit(Event{
			Kind:              KindResult,
			Text:              env.Result,
			UpstreamSessionID: env.SessionID,
			IsError:           env.IsError,
			CostUSD:           env.TotalCostUSD,
		})
	case "control_response":
		p.handleControlResponse(&env)
	default:
		// Unknown envelope types are ignored silently
	}
}

func (p *Processor) handleSystem(env *envelope) {
	if env.Subtype != "init" {
		return
	}

	p.emit(Event{
		Kind:              KindSystem,
		UpstreamSessionID: env.SessionID,
		Model:             env.Model,
		PermissionMode:    env.PermissionMode,
		CWD:               env.CWD,
		Tools:             env.Tools,
	})

	if env.PermissionMode != "" {
		p.updatePermissionMode(env.PermissionMode)
	}
}

func (p *Processor) handleAssistant(env *envelope) {
	if env.Message == nil {
		return
	}

	var blocks []contentBlock
	if err := json.Unmarshal(env.Message.Content, &blocks); err != nil {
		return
	}

	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				p.emit(Event{Kind: KindText, Text: block.Text})
			}
		case "thinking":
			if block.Thinking != "" {
				p.emit(Event{Kind: KindThinking, Text: block.Thinking})
			}
		case "tool_use":
			p.emit(Event{
				Kind:      KindToolUse,
				ToolUseID: block.ID,
				ToolName:  block.Name,
				ToolInput: block.Input,
			})
		}
	}

	// Usage trails the content blocks of its envelope
	if env.Message.Usage != nil && !env.Message.Usage.IsZero() {
		u := *env.Message.Usage
		p.emit(Event{Kind: KindUsage, Usage: &u, Model: env.Message.Model})
	}
}

func (p *Processor) handleUser(env *envelope) {
	if env.Message == nil || len(env.Message.Content) == 0 {
		return
	}

	// String content is an echoed prompt, not tool results
	var blocks []contentBlock
	if err := json.Unmarshal(env.Message.Content, &blocks); err != nil {
		return
	}

	for _, block := range blocks {
		if block.Type != "tool_result" {
			continue
		}
		p.emit(Event{
			Kind:      KindToolResult,
			ToolUseID: block.ToolUseID,
			Content:   block.contentText(),
			IsError:   block.IsError,
		})
	}
}

func (p *Processor) handleControlResponse(env *envelope) {
	requestID := env.RequestID
	ok := true
	mode := ""

	if env.Response != nil {
		if env.Response.RequestID != "" {
			requestID = env.Response.RequestID
		}
		if env.Response.Subtype == "error" {
			ok = false
		}
		if env.Response.Response != nil {
			mode = env.Response.Response.Mode
		}
	}

	p.emit(Event{
		Kind:           KindControlResponse,
		RequestID:      requestID,
		OK:             ok,
		PermissionMode: mode,
	})

	if ok && mode != "" {
		p.updatePermissionMode(mode)
	}
}

// updatePermissionMode caches the child-confirmed mode and announces the
// transition only when the mode actually changed. The child is
// authoritative; writing a control frame alone never mutates this state.
func (p *Processor) updatePermissionMode(raw string) {
	mode, err := permission.NormalizeMode(raw)
	if err != nil {
		return
	}
	if mode == p.mode {
		return
	}
	p.mode = mode
	p.emit(Event{Kind: KindPermissionModeChanged, PermissionMode: string(mode)})
}
