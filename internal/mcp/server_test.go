package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/seneschal/internal/auth"
	"github.com/HyphaGroup/seneschal/internal/runner"
	"github.com/HyphaGroup/seneschal/internal/schedule"
	"github.com/HyphaGroup/seneschal/internal/store"
)

type fakeDispatcher struct {
	dispatched []string
	output     string
	err        error
}

func (f *fakeDispatcher) DispatchPrompt(sessionID, prompt string) error {
	if f.err != nil {
		return f.err
	}
	f.dispatched = append(f.dispatched, sessionID+": "+prompt)
	return nil
}

func (f *fakeDispatcher) WaitForIdle(ctx context.Context, sessionID string) (string, error) {
	return f.output, nil
}

func newTestServer(t *testing.T) (*Server, *fakeDispatcher) {
	t.Helper()
	home := t.TempDir()

	st, err := store.NewStore(home)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	authStore, err := auth.NewStore(home)
	if err != nil {
		t.Fatalf("auth store: %v", err)
	}
	t.Cleanup(func() { _ = authStore.Close() })

	schedStore, err := schedule.NewStore(home)
	if err != nil {
		t.Fatalf("schedule store: %v", err)
	}
	t.Cleanup(func() { _ = schedStore.Close() })

	disp := &fakeDispatcher{output: "done"}
	schedRunner := schedule.NewRunner(schedStore, func(ctx context.Context, sched *schedule.Schedule) (string, error) {
		if err := disp.DispatchPrompt("sess_sched", sched.Prompt); err != nil {
			return "", err
		}
		return "sess_sched", nil
	})

	s := NewServer(Options{
		Store:          st,
		Runners:        runner.NewManager("seneschal-no-such-binary", nil),
		AuthStore:      authStore,
		ScheduleStore:  schedStore,
		ScheduleRunner: schedRunner,
		Dispatcher:     disp,
		Home:           home,
	})
	return s, disp
}

func adminCtx() context.Context {
	return auth.WithContext(context.Background(), &auth.AuthContext{
		Token: &auth.Token{ID: "tok_test", Scope: auth.ScopeAdmin},
	})
}

func readOnlyCtx() context.Context {
	return auth.WithContext(context.Background(), &auth.AuthContext{
		Token: &auth.Token{ID: "tok_ro", Scope: auth.ScopeAdminRO},
	})
}

func sessionCtx(sessionID string) context.Context {
	return auth.WithContext(context.Background(), &auth.AuthContext{
		Token: &auth.Token{ID: "tok_sess", Scope: auth.ScopeSession(sessionID)},
	})
}

func resultText(t *testing.T, res *mcp_sdk.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := res.Content[0].(*mcp_sdk.TextContent)
	if !ok {
		t.Fatalf("content type %T", res.Content[0])
	}
	return tc.Text
}

func TestSessionCreateListGet(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := adminCtx()

	res, _, err := s.handleSession(ctx, nil, SessionParams{Action: "create", Name: "review"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	text := resultText(t, res)
	if !strings.Contains(text, "review") || !strings.Contains(text, "sess_") {
		t.Errorf("create result: %s", text)
	}

	res, _, err = s.handleSession(ctx, nil, SessionParams{Action: "list"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(resultText(t, res), "review") {
		t.Error("list should include created session")
	}
}

// Same policy as the bridge socket: no name means ephemeral
func TestSessionCreateWithoutNameIsEphemeral(t *testing.T) {
	s, _ := newTestServer(t)

	res, _, err := s.handleSession(adminCtx(), nil, SessionParams{Action: "create"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var sess store.Session
	if err := json.Unmarshal([]byte(resultText(t, res)), &sess); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !s.store.IsEphemeral(sess.ID) {
		t.Error("unnamed session should be ephemeral")
	}

	res, _, err = s.handleSession(adminCtx(), nil, SessionParams{Action: "create", Name: "kept"})
	if err != nil {
		t.Fatalf("create named: %v", err)
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &sess); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if s.store.IsEphemeral(sess.ID) {
		t.Error("named session should be durable")
	}
}

func TestSessionScopedTokenSeesOnlyItsSession(t *testing.T) {
	s, _ := newTestServer(t)

	mine, err := s.store.CreateSession(store.CreateOptions{Name: "mine"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.store.CreateSession(store.CreateOptions{Name: "other"}); err != nil {
		t.Fatal(err)
	}

	res, _, err := s.handleSession(sessionCtx(mine.ID), nil, SessionParams{Action: "list"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	text := resultText(t, res)
	if !strings.Contains(text, "mine") || strings.Contains(text, "other") {
		t.Errorf("scoped list: %s", text)
	}

	// And no access to the other session's details
	if _, _, err := s.handleSession(sessionCtx(mine.ID), nil, SessionParams{Action: "get", SessionID: "sess_nope"}); err == nil {
		t.Error("expected access error for foreign session")
	}
}

func TestSessionMessageDispatches(t *testing.T) {
	s, disp := newTestServer(t)

	sess, err := s.store.CreateSession(store.CreateOptions{Name: "chat"})
	if err != nil {
		t.Fatal(err)
	}

	res, _, err := s.handleSession(adminCtx(), nil, SessionParams{
		Action: "message", SessionID: sess.ID, Prompt: "hello",
	})
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if resultText(t, res) != "done" {
		t.Errorf("result = %q", resultText(t, res))
	}
	if len(disp.dispatched) != 1 || disp.dispatched[0] != sess.ID+": hello" {
		t.Errorf("dispatched = %v", disp.dispatched)
	}
}

func TestSessionMessageReadOnlyDenied(t *testing.T) {
	s, _ := newTestServer(t)

	sess, err := s.store.CreateSession(store.CreateOptions{Name: "chat"})
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = s.handleSession(readOnlyCtx(), nil, SessionParams{
		Action: "message", SessionID: sess.ID, Prompt: "hello",
	})
	if err == nil || !strings.Contains(err.Error(), "read-only") {
		t.Errorf("expected read-only denial, got %v", err)
	}
}

func TestSessionUnknownAction(t *testing.T) {
	s, _ := newTestServer(t)

	if _, _, err := s.handleSession(adminCtx(), nil, SessionParams{Action: "explode"}); err == nil {
		t.Error("expected action error")
	}
	if _, _, err := s.handleSession(adminCtx(), nil, SessionParams{}); err == nil {
		t.Error("expected missing-action error")
	}
}

func TestSessionDelete(t *testing.T) {
	s, _ := newTestServer(t)

	sess, err := s.store.CreateSession(store.CreateOptions{Name: "gone"})
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.handleSession(adminCtx(), nil, SessionParams{Action: "delete", SessionID: sess.ID}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.store.GetSession(sess.ID); !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("after delete: %v", err)
	}
}

func TestScheduleLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := adminCtx()

	res, _, err := s.handleSchedule(ctx, nil, ScheduleParams{
		Action: "create", Name: "nightly", CronExpr: "0 3 * * *", Prompt: "summarize the day",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(resultText(t, res), "sched_") {
		t.Errorf("create result: %s", resultText(t, res))
	}

	schedules, err := s.scheduleStore.List(nil)
	if err != nil || len(schedules) != 1 {
		t.Fatalf("list from store: %v, %d", err, len(schedules))
	}
	id := schedules[0].ID

	disabled := false
	if _, _, err := s.handleSchedule(ctx, nil, ScheduleParams{Action: "update", ScheduleID: id, Enabled: &disabled}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.scheduleStore.Get(id)
	if err != nil || got.Enabled {
		t.Errorf("update not applied: %v, %+v", err, got)
	}

	if _, _, err := s.handleSchedule(ctx, nil, ScheduleParams{Action: "trigger", ScheduleID: id}); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	res, _, err = s.handleSchedule(ctx, nil, ScheduleParams{Action: "history", ScheduleID: id})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(resultText(t, res), "success") {
		t.Errorf("history: %s", resultText(t, res))
	}

	if _, _, err := s.handleSchedule(ctx, nil, ScheduleParams{Action: "delete", ScheduleID: id}); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestScheduleCreateValidation(t *testing.T) {
	s, _ := newTestServer(t)

	_, _, err := s.handleSchedule(adminCtx(), nil, ScheduleParams{Action: "create", Name: "x", Prompt: "y"})
	if err == nil || !strings.Contains(err.Error(), "cron_expr") {
		t.Errorf("missing cron: %v", err)
	}

	_, _, err = s.handleSchedule(adminCtx(), nil, ScheduleParams{
		Action: "create", Name: "x", Prompt: "y", CronExpr: "not a cron",
	})
	if err == nil {
		t.Error("expected invalid cron error")
	}
}

func TestTokenToolRequiresAdmin(t *testing.T) {
	s, _ := newTestServer(t)

	_, _, err := s.handleToken(readOnlyCtx(), nil, TokenParams{Action: "create", Name: "x", Scope: auth.ScopeAdmin})
	if err == nil || !strings.Contains(err.Error(), "admin") {
		t.Errorf("expected admin denial, got %v", err)
	}

	res, _, err := s.handleToken(adminCtx(), nil, TokenParams{Action: "create", Name: "ops", Scope: auth.ScopeAdminRO})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(resultText(t, res), "sen_") {
		t.Error("create should return the secret once")
	}

	res, _, err = s.handleToken(adminCtx(), nil, TokenParams{Action: "list"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(resultText(t, res), "ops") {
		t.Errorf("list: %s", resultText(t, res))
	}
}

func TestTokenScopeValidation(t *testing.T) {
	tests := []struct {
		scope string
		valid bool
	}{
		{"admin", true},
		{"admin:ro", true},
		{"session:sess_abc", true},
		{"session:sess_abc:ro", true},
		{"project:xyz", false},
		{"", false},
		{"session:", false},
	}
	for _, tt := range tests {
		if got := isValidScope(tt.scope); got != tt.valid {
			t.Errorf("isValidScope(%q) = %v", tt.scope, got)
		}
	}
}

func TestHealthEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.handleHealthCheck(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("health: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.handleReadinessCheck(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "ready") {
		t.Errorf("ready: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSanitizeError(t *testing.T) {
	if SanitizeError(nil, "op") != nil {
		t.Error("nil error should stay nil")
	}

	err := SanitizeError(errors.New("API_KEY leaked somewhere"), "spawn")
	if strings.Contains(err.Error(), "API_KEY") {
		t.Errorf("sensitive detail leaked: %v", err)
	}

	err = SanitizeError(errors.New("session sess_x not found"), "get")
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("user-facing error should pass through: %v", err)
	}

	err = SanitizeError(errors.New("connection refused"), "dial")
	if strings.Contains(err.Error(), "connection refused") {
		t.Errorf("internal detail leaked: %v", err)
	}
}
