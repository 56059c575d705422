package bridge

import (
	"time"

	"github.com/HyphaGroup/seneschal/internal/logger"
	"github.com/HyphaGroup/seneschal/internal/metrics"
	"github.com/HyphaGroup/seneschal/internal/permission"
	"github.com/HyphaGroup/seneschal/internal/store"
	"github.com/HyphaGroup/seneschal/internal/stream"
)

// askUserQuestionTool is the tool the child uses to put a question to
// the human instead of executing something
const askUserQuestionTool = "AskUserQuestion"

// handleEvent routes one child stream event into history, session state,
// and the outbound client stream.
func (b *Bridge) handleEvent(sessionID string, e stream.Event) {
	metrics.RecordEvent(string(e.Kind))

	switch e.Kind {
	case stream.KindSystem:
		b.onSystem(sessionID, e)
	case stream.KindText:
		b.bufferTurn(sessionID, "", e.Text)
		b.sendToSession(sessionID, Message{Type: "text_output", Text: e.Text})
	case stream.KindThinking:
		b.bufferTurn(sessionID, e.Text, "")
		b.sendToSession(sessionID, Message{Type: "thinking_output", Text: e.Text})
	case stream.KindToolUse:
		b.onToolUse(sessionID, e)
	case stream.KindToolResult:
		b.appendHistory(sessionID, store.MessageItem{
			Role:      store.RoleToolResult,
			Content:   e.Content,
			ToolUseID: e.ToolUseID,
			IsError:   e.IsError,
		})
		b.sendToSession(sessionID, Message{
			Type:      "tool_result",
			ToolUseID: e.ToolUseID,
			Content:   e.Content,
			IsError:   e.IsError,
		})
	case stream.KindUsage:
		b.onUsage(sessionID, e)
	case stream.KindResult:
		b.onResult(sessionID, e)
	case stream.KindControlResponse:
		// Mode confirmations surface as permission_mode_changed; other
		// control acks only matter to the log
		logger.Info("session %s: control response %s ok=%v", sessionID, e.RequestID, e.OK)
	case stream.KindPermissionModeChanged:
		b.onPermissionModeChanged(sessionID, e)
	case stream.KindError:
		b.sendToSession(sessionID, Message{Type: "error", Text: e.Text})
	case stream.KindExit:
		b.onExit(sessionID, e)
	}
}

func (b *Bridge) onSystem(sessionID string, e stream.Event) {
	if e.UpstreamSessionID != "" {
		if err := b.store.SetUpstreamSessionID(sessionID, e.UpstreamSessionID); err != nil {
			logger.Error("session %s: set upstream id: %v", sessionID, err)
		}
	}
	if e.Model != "" {
		if err := b.store.SetModel(sessionID, e.Model); err != nil {
			logger.Error("session %s: set model: %v", sessionID, err)
		}
	}
	b.sendToSession(sessionID, Message{
		Type:              "system_info",
		UpstreamSessionID: e.UpstreamSessionID,
		Model:             e.Model,
		PermissionMode:    e.PermissionMode,
	})
}

func (b *Bridge) onToolUse(sessionID string, e stream.Event) {
	if e.ToolName == askUserQuestionTool {
		b.appendHistory(sessionID, store.MessageItem{
			Role:      store.RoleQuestion,
			Content:   string(e.ToolInput),
			ToolName:  e.ToolName,
			ToolUseID: e.ToolUseID,
		})
		b.setStatus(sessionID, store.StatusWaitingInput)
		b.sendToSession(sessionID, Message{
			Type:      "ask_user_question",
			ToolUseID: e.ToolUseID,
			Input:     e.ToolInput,
		})
		return
	}

	b.appendHistory(sessionID, store.MessageItem{
		Role:      store.RoleToolUse,
		Content:   string(e.ToolInput),
		ToolName:  e.ToolName,
		ToolUseID: e.ToolUseID,
	})
	b.sendToSession(sessionID, Message{
		Type:      "tool_use",
		ToolName:  e.ToolName,
		ToolUseID: e.ToolUseID,
		Input:     e.ToolInput,
	})
}

func (b *Bridge) onUsage(sessionID string, e stream.Event) {
	if e.Usage == nil {
		return
	}
	if err := b.store.AddUsage(sessionID, e.Model, *e.Usage); err != nil {
		logger.Error("session %s: add usage: %v", sessionID, err)
	}
	metrics.RecordTokens(e.Usage.InputTokens, e.Usage.OutputTokens,
		e.Usage.CacheCreationTokens, e.Usage.CacheReadTokens)

	usage := *e.Usage
	b.sendToSession(sessionID, Message{
		Type:  "usage_info",
		Usage: &usage,
		Model: e.Model,
	})
}

func (b *Bridge) onResult(sessionID string, e stream.Event) {
	b.flushTurn(sessionID)

	if e.CostUSD > 0 {
		if err := b.store.AddCost(sessionID, e.CostUSD); err != nil {
			logger.Error("session %s: add cost: %v", sessionID, err)
		}
	}

	b.setStatus(sessionID, store.StatusIdle)
	b.sendToSession(sessionID, Message{
		Type:    "result",
		Result:  e.Text,
		CostUSD: e.CostUSD,
	})
}

func (b *Bridge) onPermissionModeChanged(sessionID string, e stream.Event) {
	mode, err := permission.NormalizeMode(e.PermissionMode)
	if err != nil {
		logger.Error("session %s: child reported %v", sessionID, err)
		return
	}
	if err := b.store.SetPermissionMode(sessionID, mode); err != nil {
		logger.Error("session %s: set permission mode: %v", sessionID, err)
	}
	b.sendToSession(sessionID, Message{Type: "permission_mode_changed", Mode: string(mode)})
}

func (b *Bridge) onExit(sessionID string, e stream.Event) {
	// A turn cut short by exit still flushes whatever streamed
	b.flushTurn(sessionID)

	b.mu.Lock()
	start, started := b.runStarts[sessionID]
	delete(b.runStarts, sessionID)
	// Pending permission requests from this child are dead
	for id, req := range b.pending {
		if req.SessionID == sessionID {
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()

	if started {
		metrics.RecordRunEnd(start.spawnMode, time.Since(start.at).Seconds())
	}

	b.cleanupSessionFiles(sessionID)
	b.setStatus(sessionID, store.StatusIdle)

	if e.ExitSignal != "" {
		logger.Info("session %s: child exited on signal %s", sessionID, e.ExitSignal)
	} else {
		logger.Info("session %s: child exited with code %d", sessionID, e.ExitCode)
	}
}

// bufferTurn accumulates a turn's streamed output for the flush on
// result or exit
func (b *Bridge) bufferTurn(sessionID, thinking, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tb, ok := b.turns[sessionID]
	if !ok {
		tb = &turnBuffer{}
		b.turns[sessionID] = tb
	}
	tb.thinking = append(tb.thinking, thinking...)
	tb.text = append(tb.text, text...)
}

// flushTurn writes the buffered turn to history as at most two entries:
// the thinking first, then the assistant text
func (b *Bridge) flushTurn(sessionID string) {
	b.mu.Lock()
	tb := b.turns[sessionID]
	delete(b.turns, sessionID)
	b.mu.Unlock()

	if tb == nil {
		return
	}
	if len(tb.thinking) > 0 {
		b.appendHistory(sessionID, store.MessageItem{
			Role:    store.RoleThinking,
			Content: string(tb.thinking),
		})
	}
	if len(tb.text) > 0 {
		b.appendHistory(sessionID, store.MessageItem{
			Role:    store.RoleAssistant,
			Content: string(tb.text),
		})
	}
}
