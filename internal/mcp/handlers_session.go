package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/seneschal/internal/audit"
	"github.com/HyphaGroup/seneschal/internal/auth"
	"github.com/HyphaGroup/seneschal/internal/permission"
	"github.com/HyphaGroup/seneschal/internal/store"
)

// messageWait bounds how long the message action waits for a turn to settle
const messageWait = 5 * time.Minute

// SessionParams is the unified params struct for the session tool
type SessionParams struct {
	Action string `json:"action" jsonschema:"required: message, create, list, get, history, end, delete"`

	// For message, get, history, end, delete
	SessionID string `json:"session_id,omitempty"`

	// For message
	Prompt string `json:"prompt,omitempty" jsonschema:"prompt text for the message action"`

	// For create
	Name           string `json:"name,omitempty"`
	WorkingDir     string `json:"working_dir,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`

	// For history
	Limit int `json:"limit,omitempty"`
}

var sessionActions = []string{"message", "create", "list", "get", "history", "end", "delete"}

// handleSession is the unified handler for the session tool
func (s *Server) handleSession(ctx context.Context, request *mcp_sdk.CallToolRequest, params SessionParams) (*mcp_sdk.CallToolResult, any, error) {
	if params.Action == "" {
		return nil, nil, missingActionError("session", sessionActions)
	}

	switch params.Action {
	case "message":
		return s.sessionMessage(ctx, params)
	case "create":
		return s.sessionCreate(ctx, params)
	case "list":
		return s.sessionList(ctx)
	case "get":
		return s.sessionGet(ctx, params)
	case "history":
		return s.sessionHistory(ctx, params)
	case "end":
		return s.sessionEnd(ctx, params)
	case "delete":
		return s.sessionDelete(ctx, params)
	default:
		return nil, nil, actionError("session", params.Action, sessionActions)
	}
}

func (s *Server) sessionMessage(ctx context.Context, params SessionParams) (*mcp_sdk.CallToolResult, any, error) {
	if params.SessionID == "" {
		return nil, nil, fmt.Errorf("session_id is required")
	}
	if params.Prompt == "" {
		return nil, nil, fmt.Errorf("prompt is required")
	}
	if _, err := requireSessionAccess(ctx, params.SessionID); err != nil {
		return nil, nil, err
	}
	if _, err := requireWriteAccess(ctx); err != nil {
		return nil, nil, err
	}

	if err := s.dispatcher.DispatchPrompt(params.SessionID, params.Prompt); err != nil {
		return nil, nil, SanitizeError(err, "send message")
	}

	waitCtx, cancel := context.WithTimeout(ctx, messageWait)
	defer cancel()
	output, err := s.dispatcher.WaitForIdle(waitCtx, params.SessionID)
	if err != nil {
		return NewTextResult("message delivered; the session is still working"), nil, nil
	}
	if output == "" {
		return NewTextResult("the turn finished without assistant output"), nil, nil
	}
	return NewTextResult(output), nil, nil
}

func (s *Server) sessionCreate(ctx context.Context, params SessionParams) (*mcp_sdk.CallToolResult, any, error) {
	if _, err := requireWriteAccess(ctx); err != nil {
		return nil, nil, err
	}

	mode, err := permission.NormalizeMode(params.PermissionMode)
	if err != nil {
		return nil, nil, err
	}

	// Same rule as the bridge: unnamed sessions start ephemeral
	sess, err := s.store.CreateSession(store.CreateOptions{
		Name:           params.Name,
		WorkingDir:     params.WorkingDir,
		PermissionMode: mode,
		Ephemeral:      params.Name == "",
	})
	if err != nil {
		return nil, nil, SanitizeError(err, "create session")
	}

	if sess.WorkingDir == "" {
		dir := filepath.Join(s.home, "sessions", sess.ID)
		if err := os.MkdirAll(dir, 0755); err != nil {
			_ = s.store.DeleteSession(sess.ID)
			return nil, nil, SanitizeError(err, "create session")
		}
		if err := s.store.SetWorkingDir(sess.ID, dir); err != nil {
			return nil, nil, SanitizeError(err, "create session")
		}
		sess.WorkingDir = dir
	}

	audit.LogSuccess(audit.OpSessionCreate, sess.ID)
	return jsonResult(sess)
}

func (s *Server) sessionList(ctx context.Context) (*mcp_sdk.CallToolResult, any, error) {
	authCtx, err := requireAuth(ctx)
	if err != nil {
		return nil, nil, err
	}

	sessions, err := s.store.ListSessions()
	if err != nil {
		return nil, nil, SanitizeError(err, "list sessions")
	}

	// Session-scoped tokens only see their own session
	visible := sessions[:0]
	for _, sess := range sessions {
		if authCtx.CanAccessSession(sess.ID) {
			visible = append(visible, sess)
		}
	}
	return jsonResult(visible)
}

func (s *Server) sessionGet(ctx context.Context, params SessionParams) (*mcp_sdk.CallToolResult, any, error) {
	if params.SessionID == "" {
		return nil, nil, fmt.Errorf("session_id is required")
	}
	if _, err := requireSessionAccess(ctx, params.SessionID); err != nil {
		return nil, nil, err
	}

	sess, err := s.store.GetSession(params.SessionID)
	if err != nil {
		return nil, nil, SanitizeError(err, "get session")
	}
	usage, err := s.store.GetModelUsage(params.SessionID)
	if err != nil {
		return nil, nil, SanitizeError(err, "get session")
	}

	return jsonResult(map[string]any{
		"session": sess,
		"usage":   usage,
	})
}

func (s *Server) sessionHistory(ctx context.Context, params SessionParams) (*mcp_sdk.CallToolResult, any, error) {
	if params.SessionID == "" {
		return nil, nil, fmt.Errorf("session_id is required")
	}
	if _, err := requireSessionAccess(ctx, params.SessionID); err != nil {
		return nil, nil, err
	}

	history, err := s.store.GetHistory(params.SessionID, params.Limit)
	if err != nil {
		return nil, nil, SanitizeError(err, "get history")
	}
	return jsonResult(history)
}

func (s *Server) sessionEnd(ctx context.Context, params SessionParams) (*mcp_sdk.CallToolResult, any, error) {
	if params.SessionID == "" {
		return nil, nil, fmt.Errorf("session_id is required")
	}
	if _, err := requireSessionAccess(ctx, params.SessionID); err != nil {
		return nil, nil, err
	}
	if _, err := requireWriteAccess(ctx); err != nil {
		return nil, nil, err
	}

	// Stop is idempotent; a session with no child just reports so
	if !s.runners.HasRunningSession(params.SessionID) {
		return NewTextResult("session has no running process"), nil, nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.runners.StopSession(stopCtx, params.SessionID); err != nil {
		return nil, nil, SanitizeError(err, "end session")
	}
	return NewTextResult(fmt.Sprintf("session %s interrupted", params.SessionID)), nil, nil
}

func (s *Server) sessionDelete(ctx context.Context, params SessionParams) (*mcp_sdk.CallToolResult, any, error) {
	if params.SessionID == "" {
		return nil, nil, fmt.Errorf("session_id is required")
	}
	if _, err := requireSessionAccess(ctx, params.SessionID); err != nil {
		return nil, nil, err
	}
	if _, err := requireWriteAccess(ctx); err != nil {
		return nil, nil, err
	}

	if s.runners.HasRunningSession(params.SessionID) {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := s.runners.StopSession(stopCtx, params.SessionID); err != nil {
			cancel()
			return nil, nil, SanitizeError(err, "delete session")
		}
		cancel()
	}

	if err := s.store.DeleteSession(params.SessionID); err != nil {
		return nil, nil, SanitizeError(err, "delete session")
	}

	audit.LogSuccess(audit.OpSessionDelete, params.SessionID)
	return NewTextResult(fmt.Sprintf("session %s deleted", params.SessionID)), nil, nil
}

// jsonResult marshals data as indented JSON text content
func jsonResult(v any) (*mcp_sdk.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	return NewTextResult(string(data)), nil, nil
}

// getTokenInfo extracts the caller's token id and scope for audit entries
func getTokenInfo(authCtx *auth.AuthContext) (string, string) {
	if authCtx == nil || authCtx.Token == nil {
		return "", ""
	}
	return authCtx.Token.ID, authCtx.Token.Scope
}
