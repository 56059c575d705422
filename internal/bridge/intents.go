package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/seneschal/internal/audit"
	"github.com/HyphaGroup/seneschal/internal/capability"
	"github.com/HyphaGroup/seneschal/internal/logger"
	"github.com/HyphaGroup/seneschal/internal/metrics"
	"github.com/HyphaGroup/seneschal/internal/permission"
	"github.com/HyphaGroup/seneschal/internal/runner"
	"github.com/HyphaGroup/seneschal/internal/store"
	"github.com/HyphaGroup/seneschal/internal/stream"
)

// compactPrompt is the instruction driving a compaction turn. Its result
// lands in history as an ordinary assistant message; nothing prior is
// rewritten.
const compactPrompt = "Summarize this conversation so far: goals, key decisions, " +
	"and current state. Reply with only the summary."

func (b *Bridge) handleIntent(c *client, in intent) {
	var errKind string

	switch in.Type {
	case "list_sessions":
		errKind = b.intentListSessions(c, in)
	case "create_session":
		errKind = b.intentCreateSession(c, in)
	case "attach_session":
		errKind = b.intentAttachSession(c, in)
	case "delete_session":
		errKind = b.intentDeleteSession(c, in)
	case "rename_session":
		errKind = b.intentRenameSession(c, in)
	case "set_permission_mode":
		errKind = b.intentSetPermissionMode(c, in)
	case "set_model":
		errKind = b.intentSetModel(c, in)
	case "user_message":
		errKind = b.intentUserMessage(c, in)
	case "interrupt":
		errKind = b.intentInterrupt(c, in)
	case "permission_response":
		errKind = b.intentPermissionResponse(c, in)
	case "question_response":
		errKind = b.intentQuestionResponse(c, in)
	case "compact_session":
		errKind = b.intentCompactSession(c, in)
	default:
		errKind = kindUnknownIntent
		c.replyError(in.ID, kindUnknownIntent, fmt.Sprintf("unknown intent %q", in.Type))
	}

	if errKind == "" {
		metrics.RecordIntent(in.Type, "ok")
	} else {
		metrics.RecordIntent(in.Type, "error")
	}
}

func (b *Bridge) intentListSessions(c *client, in intent) string {
	sessions, err := b.store.ListSessions()
	if err != nil {
		c.replyError(in.ID, kindInternal, err.Error())
		return kindInternal
	}
	c.reply(in.ID, Message{Sessions: sessions})
	return ""
}

func (b *Bridge) intentCreateSession(c *client, in intent) string {
	mode, err := permission.NormalizeMode(in.Mode)
	if err != nil {
		c.replyError(in.ID, kindBadRequest, err.Error())
		return kindBadRequest
	}

	// Unnamed sessions start ephemeral and earn a row on the first
	// durability-worthy mutation; the flag can force it for named ones
	sess, err := b.store.CreateSession(store.CreateOptions{
		Name:           in.Name,
		WorkingDir:     in.WorkingDir,
		PermissionMode: mode,
		Ephemeral:      in.Ephemeral || in.Name == "",
	})
	if err != nil {
		c.replyError(in.ID, kindInternal, err.Error())
		return kindInternal
	}

	// Sessions without an explicit working directory get their own
	if sess.WorkingDir == "" {
		dir := filepath.Join(b.home, "sessions", sess.ID)
		if err := os.MkdirAll(dir, 0755); err != nil {
			_ = b.store.DeleteSession(sess.ID)
			c.replyError(in.ID, kindInternal, err.Error())
			return kindInternal
		}
		if err := b.store.SetWorkingDir(sess.ID, dir); err != nil {
			c.replyError(in.ID, kindInternal, err.Error())
			return kindInternal
		}
		sess.WorkingDir = dir
	}

	audit.LogSuccess(audit.OpSessionCreate, sess.ID)
	c.reply(in.ID, Message{Type: "session_created", Session: sess})
	return ""
}

func (b *Bridge) intentAttachSession(c *client, in intent) string {
	sess, err := b.store.GetSession(in.SessionID)
	if err != nil {
		return b.sessionError(c, in.ID, err)
	}

	history, err := b.store.GetHistory(sess.ID, 0)
	if err != nil {
		c.replyError(in.ID, kindInternal, err.Error())
		return kindInternal
	}

	b.mu.Lock()
	b.listeners[sess.ID] = c
	bl := b.backlogs[sess.ID]
	b.mu.Unlock()

	c.reply(in.ID, Message{Session: sess, History: history})

	if bl == nil {
		return ""
	}
	since := 0
	if in.SinceIndex != nil {
		since = *in.SinceIndex
	}
	replay, err := bl.After(since)
	if err != nil {
		// The requested range was partly evicted; replay what survives
		logger.Error("session %s: replay: %v", sess.ID, err)
		replay, _ = bl.After(0)
	}
	for _, msg := range replay {
		if err := c.send(msg); err != nil {
			logger.Error("session %s: replay send: %v", sess.ID, err)
			break
		}
	}
	return ""
}

func (b *Bridge) intentDeleteSession(c *client, in intent) string {
	if _, err := b.store.GetSession(in.SessionID); err != nil {
		return b.sessionError(c, in.ID, err)
	}

	if b.runners.HasRunningSession(in.SessionID) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := b.runners.StopSession(ctx, in.SessionID); err != nil {
			logger.Error("session %s: stop before delete: %v", in.SessionID, err)
		}
		cancel()
	}

	if err := b.store.DeleteSession(in.SessionID); err != nil {
		return b.sessionError(c, in.ID, err)
	}

	b.cleanupSessionFiles(in.SessionID)
	b.mu.Lock()
	delete(b.listeners, in.SessionID)
	delete(b.backlogs, in.SessionID)
	delete(b.turns, in.SessionID)
	b.mu.Unlock()

	audit.LogSuccess(audit.OpSessionDelete, in.SessionID)
	c.reply(in.ID, Message{})
	return ""
}

func (b *Bridge) intentRenameSession(c *client, in intent) string {
	if err := b.store.RenameSession(in.SessionID, in.Name); err != nil {
		return b.sessionError(c, in.ID, err)
	}
	c.reply(in.ID, Message{})
	return ""
}

func (b *Bridge) intentSetPermissionMode(c *client, in intent) string {
	mode, err := permission.NormalizeMode(in.Mode)
	if err != nil {
		c.replyError(in.ID, kindBadRequest, err.Error())
		return kindBadRequest
	}

	if r, ok := b.runners.GetRunner(in.SessionID); ok && r.Running() {
		// Ask the child; the store updates when it confirms the change
		sent, err := r.RequestPermissionModeChange(mode)
		if err != nil {
			c.replyError(in.ID, kindInternal, err.Error())
			return kindInternal
		}
		c.reply(in.ID, Message{Sent: sent, Mode: string(mode)})
		return ""
	}

	if err := b.store.SetPermissionMode(in.SessionID, mode); err != nil {
		return b.sessionError(c, in.ID, err)
	}
	audit.Log(&audit.Event{
		Operation: audit.OpModeChange,
		SessionID: in.SessionID,
		Success:   true,
		Details:   map[string]interface{}{"mode": string(mode)},
	})
	b.sendToSession(in.SessionID, Message{Type: "permission_mode_changed", Mode: string(mode)})
	c.reply(in.ID, Message{Mode: string(mode)})
	return ""
}

func (b *Bridge) intentSetModel(c *client, in intent) string {
	if err := b.store.SetModel(in.SessionID, in.Model); err != nil {
		return b.sessionError(c, in.ID, err)
	}
	c.reply(in.ID, Message{Model: in.Model})
	return ""
}

func (b *Bridge) intentUserMessage(c *client, in intent) string {
	sess, err := b.store.GetSession(in.SessionID)
	if err != nil {
		return b.sessionError(c, in.ID, err)
	}

	// A user message is the first durability-worthy mutation
	if b.store.IsEphemeral(sess.ID) {
		if err := b.store.Promote(sess.ID); err != nil {
			c.replyError(in.ID, kindInternal, err.Error())
			return kindInternal
		}
	}

	b.mu.Lock()
	b.listeners[sess.ID] = c
	b.mu.Unlock()

	b.saveAttachments(sess.ID, in.Images)

	if r, ok := b.runners.GetRunner(sess.ID); ok && r.Running() {
		if err := r.SendUserMessage(in.Content, in.Images); err != nil {
			c.replyError(in.ID, kindInternal, err.Error())
			return kindInternal
		}
		b.appendHistory(sess.ID, store.MessageItem{Role: store.RoleUser, Content: in.Content})
		c.reply(in.ID, Message{})
		return ""
	}

	if err := b.startRun(sess, in.Content, in.Images, true); err != nil {
		kind := spawnErrorKind(err)
		c.replyError(in.ID, kind, err.Error())
		return kind
	}
	c.reply(in.ID, Message{})
	return ""
}

func (b *Bridge) intentInterrupt(c *client, in intent) string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Interrupting a session with no child succeeds as a no-op
	if err := b.runners.StopSession(ctx, in.SessionID); err != nil {
		c.replyError(in.ID, kindInternal, err.Error())
		return kindInternal
	}
	c.reply(in.ID, Message{})
	return ""
}

func (b *Bridge) intentPermissionResponse(c *client, in intent) string {
	if in.Response == nil || in.RequestID == "" {
		c.replyError(in.ID, kindBadRequest, "permission_response requires requestId and response")
		return kindBadRequest
	}

	req, known := b.pendingRequest(in.RequestID)

	resp := capability.Response{
		Behavior:        in.Response.Behavior,
		UpdatedInput:    in.Response.UpdatedInput,
		AllowForSession: in.Response.AllowForSession,
		ToolName:        in.Response.ToolName,
		Message:         in.Response.Message,
	}
	if err := b.responder.Respond(in.RequestID, resp); err != nil {
		if errors.Is(err, capability.ErrUnknownRequest) {
			c.replyError(in.ID, kindUnknownRequest, err.Error())
			return kindUnknownRequest
		}
		c.replyError(in.ID, kindInternal, err.Error())
		return kindInternal
	}

	b.mu.Lock()
	delete(b.pending, in.RequestID)
	b.mu.Unlock()

	op := audit.OpPermissionDeny
	if resp.Behavior == "allow" {
		op = audit.OpPermissionAllow
	}
	sessionID := in.SessionID
	toolName := ""
	if known {
		sessionID = req.SessionID
		toolName = req.ToolName
	}
	audit.LogPermission(op, sessionID, in.RequestID, toolName)
	metrics.RecordPermissionDecision(resp.Behavior)

	if sessionID != "" {
		b.setStatus(sessionID, store.StatusRunning)
	}
	c.reply(in.ID, Message{})
	return ""
}

func (b *Bridge) intentQuestionResponse(c *client, in intent) string {
	r, ok := b.runners.GetRunner(in.SessionID)
	if !ok || !r.Running() {
		c.replyError(in.ID, kindNotRunning, "session has no running process")
		return kindNotRunning
	}

	answers := string(in.Answers)
	if err := r.SendUserMessage(answers, nil); err != nil {
		c.replyError(in.ID, kindInternal, err.Error())
		return kindInternal
	}

	b.appendHistory(in.SessionID, store.MessageItem{Role: store.RoleUser, Content: answers})
	b.setStatus(in.SessionID, store.StatusRunning)
	c.reply(in.ID, Message{})
	return ""
}

func (b *Bridge) intentCompactSession(c *client, in intent) string {
	sess, err := b.store.GetSession(in.SessionID)
	if err != nil {
		return b.sessionError(c, in.ID, err)
	}

	if b.runners.HasRunningSession(sess.ID) {
		c.replyError(in.ID, kindSessionRunning, "cannot compact while the session is running")
		return kindSessionRunning
	}

	b.mu.Lock()
	b.listeners[sess.ID] = c
	b.mu.Unlock()

	// The summary arrives through the normal event flow and is appended
	// as a plain assistant turn
	if err := b.startRun(sess, compactPrompt, nil, false); err != nil {
		kind := spawnErrorKind(err)
		c.replyError(in.ID, kind, err.Error())
		return kind
	}

	audit.LogSuccess(audit.OpSessionCompact, sess.ID)
	c.reply(in.ID, Message{})
	return ""
}

// startRun spawns a child for the session. recordUser controls whether
// the prompt lands in history as a user entry; compaction turns skip it.
func (b *Bridge) startRun(sess *store.Session, prompt string, images []runner.ImageBlock, recordUser bool) error {
	var cfgPath string
	if b.capAddr != "" {
		path, err := capability.WriteConfigFile(sess.ID, b.capAddr, b.cfg.Permission.ToolName)
		if err != nil {
			return fmt.Errorf("failed to write capability config: %w", err)
		}
		cfgPath = path
	}

	opts := runner.StartOptions{
		WorkingDir:           sess.WorkingDir,
		UpstreamSessionID:    sess.UpstreamSessionID,
		PermissionMode:       sess.PermissionMode,
		CapabilityConfigPath: cfgPath,
		CapabilityToolName:   b.cfg.Permission.ToolName,
		SpawnMode:            runner.SpawnMode(b.cfg.Runner.SpawnMode),
		ContainerImage:       b.cfg.Runner.ContainerImage,
	}

	if recordUser {
		b.appendHistory(sess.ID, store.MessageItem{Role: store.RoleUser, Content: prompt})
	}
	b.setStatus(sess.ID, store.StatusRunning)

	b.mu.Lock()
	b.runStarts[sess.ID] = runStart{at: time.Now(), spawnMode: string(opts.SpawnMode)}
	b.mu.Unlock()
	metrics.RecordRunStart()

	sessionID := sess.ID
	err := b.runners.StartSession(context.Background(), sessionID, prompt, images, opts,
		func(e stream.Event) { b.handleEvent(sessionID, e) })
	if err != nil {
		b.mu.Lock()
		delete(b.runStarts, sessionID)
		b.mu.Unlock()
		metrics.RecordRunEnd(string(opts.SpawnMode), 0)
		if cfgPath != "" {
			_ = capability.RemoveConfigFile(sessionID)
		}
		b.setStatus(sessionID, store.StatusIdle)
		b.sendToSession(sessionID, Message{Type: "error", Text: err.Error()})
		return err
	}
	return nil
}

// saveAttachments spools image payloads to temp files so operators can
// inspect what a session was shown; the files die with the run.
func (b *Bridge) saveAttachments(sessionID string, images []runner.ImageBlock) {
	if len(images) == 0 {
		return
	}

	dir := filepath.Join(os.TempDir(), "seneschal-attachments")
	if err := os.MkdirAll(dir, 0700); err != nil {
		logger.Error("session %s: attachment dir: %v", sessionID, err)
		return
	}

	for _, img := range images {
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			logger.Error("session %s: bad attachment payload: %v", sessionID, err)
			continue
		}
		path := filepath.Join(dir, uuid.New().String()[:8]+extForMediaType(img.MediaType))
		if err := os.WriteFile(path, data, 0600); err != nil {
			logger.Error("session %s: write attachment: %v", sessionID, err)
			continue
		}
		b.mu.Lock()
		b.attached[sessionID] = append(b.attached[sessionID], path)
		b.mu.Unlock()
	}
}

// cleanupSessionFiles removes the session's capability config and
// attachment temp files
func (b *Bridge) cleanupSessionFiles(sessionID string) {
	_ = capability.RemoveConfigFile(sessionID)

	b.mu.Lock()
	paths := b.attached[sessionID]
	delete(b.attached, sessionID)
	b.mu.Unlock()

	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Error("session %s: remove attachment: %v", sessionID, err)
		}
	}
}

func (b *Bridge) appendHistory(sessionID string, item store.MessageItem) {
	if err := b.store.AddToHistory(sessionID, item); err != nil {
		logger.Error("session %s: append %s history: %v", sessionID, item.Role, err)
	}
}

// sessionError maps store lookup failures to a client error reply
func (b *Bridge) sessionError(c *client, id string, err error) string {
	if errors.Is(err, store.ErrSessionNotFound) {
		c.replyError(id, kindSessionNotFound, err.Error())
		return kindSessionNotFound
	}
	c.replyError(id, kindInternal, err.Error())
	return kindInternal
}

func spawnErrorKind(err error) string {
	switch {
	case errors.Is(err, runner.ErrAlreadyActive):
		return kindAlreadyActive
	case errors.Is(err, runner.ErrInvalidToolName):
		return kindInvalidToolName
	default:
		return kindChildSpawnFailed
	}
}

func extForMediaType(mediaType string) string {
	switch mediaType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
