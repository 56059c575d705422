package bridge

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HyphaGroup/seneschal/internal/capability"
	"github.com/HyphaGroup/seneschal/internal/config"
	"github.com/HyphaGroup/seneschal/internal/permission"
	"github.com/HyphaGroup/seneschal/internal/runner"
	"github.com/HyphaGroup/seneschal/internal/store"
	"github.com/HyphaGroup/seneschal/internal/stream"
)

type fakeResponder struct {
	mu        sync.Mutex
	requestID string
	response  capability.Response
	err       error
}

func (f *fakeResponder) Respond(requestID string, resp capability.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestID = requestID
	f.response = resp
	return f.err
}

func (f *fakeResponder) last() (string, capability.Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requestID, f.response
}

func newTestBridge(t *testing.T, mutate func(*config.Config)) (*Bridge, *store.Store, *fakeResponder) {
	t.Helper()

	home := t.TempDir()
	st, err := store.NewStore(filepath.Join(home, "data"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg, err := config.Load(filepath.Join(home, "missing.jsonc"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if mutate != nil {
		mutate(cfg)
	}

	responder := &fakeResponder{}
	b := New(Options{
		Store:          st,
		Runners:        runner.NewManager("seneschal-no-such-binary", nil),
		Config:         cfg,
		Home:           home,
		CapabilityAddr: "127.0.0.1:1",
		Responder:      responder,
	})
	if err := b.Serve(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	return b, st, responder
}

type testClient struct {
	t       *testing.T
	conn    net.Conn
	scanner *bufio.Scanner
}

func dialBridge(t *testing.T, b *Bridge) *testClient {
	t.Helper()
	conn, err := net.Dial("unix", b.cfg.SocketPath(b.home))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &testClient{t: t, conn: conn, scanner: scanner}
}

func (tc *testClient) sendRaw(frame string) {
	tc.t.Helper()
	if _, err := tc.conn.Write([]byte(frame + "\n")); err != nil {
		tc.t.Fatalf("write: %v", err)
	}
}

func (tc *testClient) next() Message {
	tc.t.Helper()
	_ = tc.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if !tc.scanner.Scan() {
		tc.t.Fatalf("no frame: %v", tc.scanner.Err())
	}
	var msg Message
	if err := json.Unmarshal(tc.scanner.Bytes(), &msg); err != nil {
		tc.t.Fatalf("bad frame %q: %v", tc.scanner.Text(), err)
	}
	return msg
}

// expect reads the next frame and asserts its type
func (tc *testClient) expect(msgType string) Message {
	tc.t.Helper()
	msg := tc.next()
	if msg.Type != msgType {
		tc.t.Fatalf("frame type = %s (%+v), want %s", msg.Type, msg, msgType)
	}
	return msg
}

func TestCreateAndListSessions(t *testing.T) {
	b, _, _ := newTestBridge(t, nil)
	tc := dialBridge(t, b)

	tc.sendRaw(`{"type":"create_session","id":"c1","name":"demo"}`)
	created := tc.expect("session_created")
	if !created.OK || created.ID != "c1" {
		t.Fatalf("created = %+v", created)
	}
	if created.Session == nil || !strings.HasPrefix(created.Session.ID, "sess_") {
		t.Fatalf("session = %+v", created.Session)
	}
	if created.Session.WorkingDir == "" {
		t.Error("session should get a default working directory")
	}

	tc.sendRaw(`{"type":"list_sessions","id":"c2"}`)
	listed := tc.expect("reply")
	if len(listed.Sessions) != 1 || listed.Sessions[0].ID != created.Session.ID {
		t.Fatalf("sessions = %+v", listed.Sessions)
	}
}

// A session is ephemeral exactly when the client supplied no name
func TestUnnamedSessionStartsEphemeral(t *testing.T) {
	b, st, _ := newTestBridge(t, nil)
	tc := dialBridge(t, b)

	tc.sendRaw(`{"type":"create_session","id":"c1"}`)
	unnamed := tc.expect("session_created")
	if !st.IsEphemeral(unnamed.Session.ID) {
		t.Error("unnamed session should be ephemeral")
	}

	tc.sendRaw(`{"type":"create_session","id":"c2","name":"kept"}`)
	named := tc.expect("session_created")
	if st.IsEphemeral(named.Session.ID) {
		t.Error("named session should be durable")
	}
}

func TestUnknownIntent(t *testing.T) {
	b, _, _ := newTestBridge(t, nil)
	tc := dialBridge(t, b)

	tc.sendRaw(`{"type":"launch_missiles","id":"u1"}`)
	msg := tc.expect("reply")
	if msg.OK || msg.ErrorKind != kindUnknownIntent {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestInvalidFramesIgnored(t *testing.T) {
	b, _, _ := newTestBridge(t, nil)
	tc := dialBridge(t, b)

	// Garbage and typeless frames get no reply; the connection survives
	tc.sendRaw(`this is not json`)
	tc.sendRaw(`{"id":"x"}`)
	tc.sendRaw(`{"type":"list_sessions","id":"i1"}`)

	msg := tc.expect("reply")
	if msg.ID != "i1" || !msg.OK {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestSessionNotFound(t *testing.T) {
	b, _, _ := newTestBridge(t, nil)
	tc := dialBridge(t, b)

	tc.sendRaw(`{"type":"rename_session","id":"n1","sessionId":"sess_nope","name":"x"}`)
	msg := tc.expect("reply")
	if msg.ErrorKind != kindSessionNotFound {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestUserMessageSpawnFailure(t *testing.T) {
	b, st, _ := newTestBridge(t, nil)
	tc := dialBridge(t, b)

	sess, err := st.CreateSession(store.CreateOptions{Name: "doomed"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	tc.sendRaw(`{"type":"user_message","id":"m1","sessionId":"` + sess.ID + `","content":"hello"}`)

	// The client listens on the session, so it sees the status bounce
	running := tc.expect("status_change")
	if running.Status != string(store.StatusRunning) {
		t.Fatalf("status = %+v", running)
	}
	idle := tc.expect("status_change")
	if idle.Status != string(store.StatusIdle) {
		t.Fatalf("status = %+v", idle)
	}
	tc.expect("error")
	reply := tc.expect("reply")
	if reply.OK || reply.ErrorKind != kindChildSpawnFailed {
		t.Fatalf("reply = %+v", reply)
	}

	got, err := st.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != store.StatusIdle {
		t.Errorf("status = %s, want idle", got.Status)
	}
}

func TestPermissionFlow(t *testing.T) {
	b, st, responder := newTestBridge(t, nil)
	tc := dialBridge(t, b)

	sess, err := st.CreateSession(store.CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	tc.sendRaw(`{"type":"attach_session","id":"a1","sessionId":"` + sess.ID + `"}`)
	tc.expect("reply")

	b.PermissionRequested(capability.Request{
		SessionID: sess.ID,
		RequestID: "req-77",
		ToolName:  "Bash",
		Input:     json.RawMessage(`{"command":"ls"}`),
	})

	waiting := tc.expect("status_change")
	if waiting.Status != string(store.StatusWaitingPermission) {
		t.Fatalf("status = %+v", waiting)
	}
	req := tc.expect("permission_request")
	if req.RequestID != "req-77" || req.ToolName != "Bash" {
		t.Fatalf("request = %+v", req)
	}
	if req.SuggestedPattern != "Bash(ls:*)" {
		t.Errorf("suggested pattern = %q", req.SuggestedPattern)
	}

	tc.sendRaw(`{"type":"permission_response","id":"p1","requestId":"req-77",` +
		`"sessionId":"` + sess.ID + `","response":{"behavior":"allow"}}`)

	running := tc.expect("status_change")
	if running.Status != string(store.StatusRunning) {
		t.Fatalf("status = %+v", running)
	}
	reply := tc.expect("reply")
	if !reply.OK {
		t.Fatalf("reply = %+v", reply)
	}

	id, resp := responder.last()
	if id != "req-77" || resp.Behavior != "allow" {
		t.Errorf("responder saw %s %+v", id, resp)
	}
}

func TestPermissionTimeoutSurfacesError(t *testing.T) {
	b, st, _ := newTestBridge(t, nil)
	tc := dialBridge(t, b)

	sess, _ := st.CreateSession(store.CreateOptions{})
	tc.sendRaw(`{"type":"attach_session","id":"a1","sessionId":"` + sess.ID + `"}`)
	tc.expect("reply")

	req := capability.Request{SessionID: sess.ID, RequestID: "req-9", ToolName: "Write"}
	b.PermissionRequested(req)
	tc.expect("status_change")
	tc.expect("permission_request")

	b.PermissionTimedOut(req)
	running := tc.expect("status_change")
	if running.Status != string(store.StatusRunning) {
		t.Fatalf("status = %+v", running)
	}
	errMsg := tc.expect("error")
	if !strings.Contains(errMsg.Text, "Write") {
		t.Errorf("error = %+v", errMsg)
	}

	if _, ok := b.pendingRequest("req-9"); ok {
		t.Error("request still pending after timeout")
	}
}

func TestSetPermissionModeIdleSession(t *testing.T) {
	b, st, _ := newTestBridge(t, nil)
	tc := dialBridge(t, b)

	sess, _ := st.CreateSession(store.CreateOptions{})
	tc.sendRaw(`{"type":"attach_session","id":"a1","sessionId":"` + sess.ID + `"}`)
	tc.expect("reply")

	// Alias spelling normalizes
	tc.sendRaw(`{"type":"set_permission_mode","id":"s1","sessionId":"` + sess.ID + `","mode":"auto-edit"}`)

	changed := tc.expect("permission_mode_changed")
	if changed.Mode != string(permission.ModeAcceptEdits) {
		t.Fatalf("changed = %+v", changed)
	}
	reply := tc.expect("reply")
	if !reply.OK || reply.Mode != string(permission.ModeAcceptEdits) {
		t.Fatalf("reply = %+v", reply)
	}

	got, _ := st.GetSession(sess.ID)
	if got.PermissionMode != permission.ModeAcceptEdits {
		t.Errorf("mode = %s", got.PermissionMode)
	}
}

func TestTurnBufferFlush(t *testing.T) {
	b, st, _ := newTestBridge(t, nil)

	sess, _ := st.CreateSession(store.CreateOptions{})

	b.handleEvent(sess.ID, stream.Event{Kind: stream.KindThinking, Text: "hmm, "})
	b.handleEvent(sess.ID, stream.Event{Kind: stream.KindThinking, Text: "okay"})
	b.handleEvent(sess.ID, stream.Event{Kind: stream.KindText, Text: "Hello"})
	b.handleEvent(sess.ID, stream.Event{Kind: stream.KindText, Text: ", world"})
	b.handleEvent(sess.ID, stream.Event{Kind: stream.KindResult, Text: "Hello, world", CostUSD: 0.01})

	history, err := st.GetHistory(sess.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d entries, want 2", len(history))
	}
	if history[0].Role != store.RoleThinking || history[0].Content != "hmm, okay" {
		t.Errorf("history[0] = %+v", history[0])
	}
	if history[1].Role != store.RoleAssistant || history[1].Content != "Hello, world" {
		t.Errorf("history[1] = %+v", history[1])
	}

	got, _ := st.GetSession(sess.ID)
	if got.Status != store.StatusIdle {
		t.Errorf("status = %s, want idle", got.Status)
	}
	if got.CostUSD != 0.01 {
		t.Errorf("cost = %v", got.CostUSD)
	}
}

func TestAttachReplaysBacklog(t *testing.T) {
	b, st, _ := newTestBridge(t, nil)

	sess, _ := st.CreateSession(store.CreateOptions{})

	// Events arrive before anyone is listening
	b.handleEvent(sess.ID, stream.Event{Kind: stream.KindText, Text: "early"})
	b.handleEvent(sess.ID, stream.Event{Kind: stream.KindResult, Text: "early"})

	tc := dialBridge(t, b)
	tc.sendRaw(`{"type":"attach_session","id":"a1","sessionId":"` + sess.ID + `"}`)
	reply := tc.expect("reply")
	if reply.Session == nil || reply.Session.ID != sess.ID {
		t.Fatalf("reply = %+v", reply)
	}
	if len(reply.History) != 1 || reply.History[0].Role != store.RoleAssistant {
		t.Fatalf("history = %+v", reply.History)
	}

	text := tc.expect("text_output")
	if text.Text != "early" || text.Index != 1 {
		t.Fatalf("text = %+v", text)
	}
	tc.expect("status_change")
	result := tc.expect("result")
	if result.Result != "early" {
		t.Fatalf("result = %+v", result)
	}

	// A re-attach from the last seen index replays nothing
	tc2 := dialBridge(t, b)
	tc2.sendRaw(`{"type":"attach_session","id":"a2","sessionId":"` + sess.ID +
		`","sinceIndex":` + "3" + `}`)
	tc2.expect("reply")

	tc2.sendRaw(`{"type":"list_sessions","id":"a3"}`)
	if msg := tc2.next(); msg.Type != "reply" || msg.ID != "a3" {
		t.Fatalf("replayed frames leaked: %+v", msg)
	}
}

func TestRateLimit(t *testing.T) {
	b, _, _ := newTestBridge(t, func(cfg *config.Config) {
		cfg.Bridge.RateLimit = 1
		cfg.Bridge.RateBurst = 1
	})
	tc := dialBridge(t, b)

	tc.sendRaw(`{"type":"list_sessions","id":"r1"}`)
	tc.sendRaw(`{"type":"list_sessions","id":"r2"}`)

	first := tc.expect("reply")
	if !first.OK {
		t.Fatalf("first = %+v", first)
	}
	second := tc.expect("reply")
	if second.OK || second.ErrorKind != kindRateLimited {
		t.Fatalf("second = %+v", second)
	}
}

func TestEphemeralPromotedOnUserMessage(t *testing.T) {
	b, st, _ := newTestBridge(t, nil)
	tc := dialBridge(t, b)

	sess, err := st.CreateSession(store.CreateOptions{Ephemeral: true})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !st.IsEphemeral(sess.ID) {
		t.Fatal("session should start ephemeral")
	}

	// The spawn fails but the promotion has already happened
	tc.sendRaw(`{"type":"user_message","id":"m1","sessionId":"` + sess.ID + `","content":"hi"}`)
	tc.expect("status_change")
	tc.expect("status_change")
	tc.expect("error")
	tc.expect("reply")

	if st.IsEphemeral(sess.ID) {
		t.Error("session should be durable after a user message")
	}
}

// Interrupt is idempotent: a session with no running child replies OK
func TestInterruptWithoutRun(t *testing.T) {
	b, st, _ := newTestBridge(t, nil)
	tc := dialBridge(t, b)

	sess, _ := st.CreateSession(store.CreateOptions{})
	tc.sendRaw(`{"type":"interrupt","id":"i1","sessionId":"` + sess.ID + `"}`)
	msg := tc.expect("reply")
	if !msg.OK || msg.Error != "" {
		t.Fatalf("msg = %+v", msg)
	}

	// A second interrupt is equally a no-op
	tc.sendRaw(`{"type":"interrupt","id":"i2","sessionId":"` + sess.ID + `"}`)
	if msg := tc.expect("reply"); !msg.OK {
		t.Fatalf("second interrupt = %+v", msg)
	}
}

func TestDeleteSessionCleansUp(t *testing.T) {
	b, st, _ := newTestBridge(t, nil)
	tc := dialBridge(t, b)

	sess, _ := st.CreateSession(store.CreateOptions{})
	b.handleEvent(sess.ID, stream.Event{Kind: stream.KindText, Text: "x"})

	tc.sendRaw(`{"type":"delete_session","id":"d1","sessionId":"` + sess.ID + `"}`)
	msg := tc.expect("reply")
	if !msg.OK {
		t.Fatalf("msg = %+v", msg)
	}

	if _, err := st.GetSession(sess.ID); err != store.ErrSessionNotFound {
		t.Errorf("GetSession after delete: %v", err)
	}

	b.mu.Lock()
	_, hasBacklog := b.backlogs[sess.ID]
	b.mu.Unlock()
	if hasBacklog {
		t.Error("backlog survived deletion")
	}
}
