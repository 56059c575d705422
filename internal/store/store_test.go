package store

import (
	"sync"
	"testing"

	"github.com/HyphaGroup/seneschal/internal/permission"
	"github.com/HyphaGroup/seneschal/internal/stream"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)

	created, err := s.CreateSession(CreateOptions{Name: "review", WorkingDir: "/work"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if created.ID == "" || created.ID[:5] != "sess_" {
		t.Errorf("unexpected id %q", created.ID)
	}
	if created.Status != StatusIdle {
		t.Errorf("status = %s, want idle", created.Status)
	}
	if created.PermissionMode != permission.ModeDefault {
		t.Errorf("mode = %s, want default", created.PermissionMode)
	}

	got, err := s.GetSession(created.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Name != "review" || got.WorkingDir != "/work" {
		t.Errorf("got %+v", got)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetSession("sess_missing"); err != ErrSessionNotFound {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionFieldUpdates(t *testing.T) {
	s := newTestStore(t)
	sess, _ := s.CreateSession(CreateOptions{WorkingDir: "/w"})

	if err := s.RenameSession(sess.ID, "renamed"); err != nil {
		t.Fatalf("RenameSession: %v", err)
	}
	if err := s.UpdateStatus(sess.ID, StatusRunning); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := s.SetUpstreamSessionID(sess.ID, "U-42"); err != nil {
		t.Fatalf("SetUpstreamSessionID: %v", err)
	}
	if err := s.SetModel(sess.ID, "opus"); err != nil {
		t.Fatalf("SetModel: %v", err)
	}
	if err := s.SetPermissionMode(sess.ID, permission.ModePlan); err != nil {
		t.Fatalf("SetPermissionMode: %v", err)
	}

	got, _ := s.GetSession(sess.ID)
	if got.Name != "renamed" || got.Status != StatusRunning ||
		got.UpstreamSessionID != "U-42" || got.Model != "opus" ||
		got.PermissionMode != permission.ModePlan {
		t.Errorf("updates lost: %+v", got)
	}

	if err := s.UpdateStatus("sess_nope", StatusIdle); err != ErrSessionNotFound {
		t.Errorf("update missing session: %v", err)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	s := newTestStore(t)
	sess, _ := s.CreateSession(CreateOptions{WorkingDir: "/w"})
	_ = s.AddToHistory(sess.ID, MessageItem{Role: RoleUser, Content: "hi"})
	_ = s.AddUsage(sess.ID, "opus", stream.Usage{InputTokens: 5})

	if err := s.DeleteSession(sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.GetSession(sess.ID); err != ErrSessionNotFound {
		t.Errorf("session survived delete: %v", err)
	}
	if items, _ := s.GetHistory(sess.ID, 0); items != nil {
		t.Errorf("history survived delete: %+v", items)
	}
	if err := s.DeleteSession(sess.ID); err != ErrSessionNotFound {
		t.Errorf("double delete: %v", err)
	}
}

func TestHistoryOrdering(t *testing.T) {
	s := newTestStore(t)
	sess, _ := s.CreateSession(CreateOptions{WorkingDir: "/w"})

	for _, content := range []string{"one", "two", "three"} {
		if err := s.AddToHistory(sess.ID, MessageItem{Role: RoleUser, Content: content}); err != nil {
			t.Fatalf("AddToHistory: %v", err)
		}
	}

	items, err := s.GetHistory(sess.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items", len(items))
	}
	for i, want := range []string{"one", "two", "three"} {
		if items[i].Content != want || items[i].Seq != int64(i+1) {
			t.Errorf("item %d = %+v", i, items[i])
		}
	}

	// Limit returns the most recent entries, oldest first
	tail, _ := s.GetHistory(sess.ID, 2)
	if len(tail) != 2 || tail[0].Content != "two" || tail[1].Content != "three" {
		t.Errorf("tail = %+v", tail)
	}
}

// Cascades must hold on every pooled connection, not just the one that
// happened to run the migration. Cycling the idle pool forces the delete
// onto a fresh connection.
func TestDeleteSessionCascadesAcrossConnections(t *testing.T) {
	s := newTestStore(t)
	sess, _ := s.CreateSession(CreateOptions{WorkingDir: "/w"})
	_ = s.AddToHistory(sess.ID, MessageItem{Role: RoleUser, Content: "hi"})
	_ = s.AddUsage(sess.ID, "opus", stream.Usage{InputTokens: 5})
	_ = s.SaveBinding(ThreadBinding{Team: "T1", Channel: "C1", Thread: "1", SessionID: sess.ID})

	s.db.SetMaxIdleConns(0)

	if err := s.DeleteSession(sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	for _, q := range []struct {
		table string
		query string
	}{
		{"messages", "SELECT COUNT(*) FROM messages WHERE session_id = ?"},
		{"bindings", "SELECT COUNT(*) FROM bindings WHERE session_id = ?"},
		{"session_model_usage", "SELECT COUNT(*) FROM session_model_usage WHERE session_id = ?"},
	} {
		var n int
		if err := s.db.QueryRow(q.query, sess.ID).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", q.table, err)
		}
		if n != 0 {
			t.Errorf("%d orphaned %s rows after delete", n, q.table)
		}
	}
}

func TestUsageAccumulation(t *testing.T) {
	s := newTestStore(t)
	sess, _ := s.CreateSession(CreateOptions{WorkingDir: "/w"})

	_ = s.AddUsage(sess.ID, "opus", stream.Usage{InputTokens: 10, OutputTokens: 5})
	_ = s.AddUsage(sess.ID, "opus", stream.Usage{InputTokens: 3, CacheReadTokens: 7})
	_ = s.AddUsage(sess.ID, "haiku", stream.Usage{OutputTokens: 2})
	_ = s.AddCost(sess.ID, 0.25)

	got, _ := s.GetSession(sess.ID)
	if got.Usage.InputTokens != 13 || got.Usage.OutputTokens != 7 || got.Usage.CacheReadTokens != 7 {
		t.Errorf("session usage = %+v", got.Usage)
	}
	if got.CostUSD != 0.25 {
		t.Errorf("cost = %v", got.CostUSD)
	}

	models, err := s.GetModelUsage(sess.ID)
	if err != nil {
		t.Fatalf("GetModelUsage: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("models = %+v", models)
	}
	if models[0].Model != "haiku" || models[0].Usage.OutputTokens != 2 {
		t.Errorf("haiku = %+v", models[0])
	}
	if models[1].Model != "opus" || models[1].Usage.InputTokens != 13 {
		t.Errorf("opus = %+v", models[1])
	}

	global, err := s.GetGlobalUsage()
	if err != nil {
		t.Fatalf("GetGlobalUsage: %v", err)
	}
	if global.Total.InputTokens != 13 || global.Today.InputTokens != 13 {
		t.Errorf("global = %+v", global)
	}
	if global.CostUSD != 0.25 {
		t.Errorf("global cost = %v", global.CostUSD)
	}
}

func TestEphemeralLifecycle(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	sess, err := s.CreateSession(CreateOptions{WorkingDir: "/w", Ephemeral: true})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !s.IsEphemeral(sess.ID) {
		t.Fatal("session should be ephemeral")
	}

	_ = s.AddToHistory(sess.ID, MessageItem{Role: RoleUser, Content: "hi"})
	_ = s.AddUsage(sess.ID, "opus", stream.Usage{InputTokens: 4})
	_ = s.UpdateStatus(sess.ID, StatusRunning)

	got, _ := s.GetSession(sess.ID)
	if got.Status != StatusRunning || got.Usage.InputTokens != 4 {
		t.Errorf("ephemeral state = %+v", got)
	}

	// A restart drops unpromoted ephemeral sessions
	_ = s.Close()
	s2, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()

	if _, err := s2.GetSession(sess.ID); err != ErrSessionNotFound {
		t.Errorf("ephemeral session survived restart: %v", err)
	}
}

func TestPromote(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	sess, _ := s.CreateSession(CreateOptions{WorkingDir: "/w", Ephemeral: true})
	_ = s.AddToHistory(sess.ID, MessageItem{Role: RoleUser, Content: "hi"})
	_ = s.AddToHistory(sess.ID, MessageItem{Role: RoleAssistant, Content: "hello"})
	_ = s.AddUsage(sess.ID, "opus", stream.Usage{InputTokens: 9, OutputTokens: 3})

	if err := s.Promote(sess.ID); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if s.IsEphemeral(sess.ID) {
		t.Error("still ephemeral after promote")
	}

	// Promoting twice is a no-op
	if err := s.Promote(sess.ID); err != nil {
		t.Errorf("second Promote: %v", err)
	}

	_ = s.Close()
	s2, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()

	got, err := s2.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("promoted session missing after restart: %v", err)
	}
	if got.Usage.InputTokens != 9 {
		t.Errorf("usage = %+v", got.Usage)
	}
	items, _ := s2.GetHistory(sess.ID, 0)
	if len(items) != 2 || items[0].Content != "hi" {
		t.Errorf("history = %+v", items)
	}
	models, _ := s2.GetModelUsage(sess.ID)
	if len(models) != 1 || models[0].Usage.InputTokens != 9 {
		t.Errorf("model usage = %+v", models)
	}
}

// Naming a session is a durability-triggering mutation: a renamed
// ephemeral session must survive a restart.
func TestRenameSessionPromotes(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	sess, _ := s.CreateSession(CreateOptions{WorkingDir: "/w", Ephemeral: true})
	_ = s.AddToHistory(sess.ID, MessageItem{Role: RoleUser, Content: "keep me"})

	if err := s.RenameSession(sess.ID, "worth keeping"); err != nil {
		t.Fatalf("RenameSession: %v", err)
	}
	if s.IsEphemeral(sess.ID) {
		t.Fatal("session still ephemeral after rename")
	}

	_ = s.Close()
	s2, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()

	got, err := s2.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("renamed session missing after restart: %v", err)
	}
	if got.Name != "worth keeping" {
		t.Errorf("name = %q", got.Name)
	}
	items, _ := s2.GetHistory(sess.ID, 0)
	if len(items) != 1 || items[0].Content != "keep me" {
		t.Errorf("history = %+v", items)
	}
}

func TestBindings(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.CreateSession(CreateOptions{WorkingDir: "/w"})
	b, _ := s.CreateSession(CreateOptions{WorkingDir: "/w"})

	bind := ThreadBinding{Team: "T1", Channel: "C1", Thread: "123", SessionID: a.ID}
	if err := s.SaveBinding(bind); err != nil {
		t.Fatalf("SaveBinding: %v", err)
	}

	// Identical tuple is idempotent
	if err := s.SaveBinding(bind); err != nil {
		t.Errorf("idempotent save: %v", err)
	}

	// Same thread, different session
	bind.SessionID = b.ID
	if err := s.SaveBinding(bind); err != ErrBindingExists {
		t.Errorf("rebind thread: %v, want ErrBindingExists", err)
	}

	// Same session, different thread
	err := s.SaveBinding(ThreadBinding{Team: "T1", Channel: "C1", Thread: "456", SessionID: a.ID})
	if err != ErrSessionBound {
		t.Errorf("rebind session: %v, want ErrSessionBound", err)
	}

	got, err := s.GetBinding("T1", "C1", "123")
	if err != nil || got.SessionID != a.ID {
		t.Errorf("GetBinding = %+v, %v", got, err)
	}

	has, _ := s.HasThread("T1", "C1", "123", false)
	if !has {
		t.Error("HasThread should be true")
	}
	has, _ = s.HasThread("T1", "C1", "999", false)
	if has {
		t.Error("HasThread should be false")
	}

	all, _ := s.ListBindings()
	if len(all) != 1 {
		t.Errorf("bindings = %+v", all)
	}
}

// Concurrent messages landing on an unbound thread must create exactly
// one session.
func TestFindOrCreateSessionRace(t *testing.T) {
	s := newTestStore(t)

	const n = 16
	ids := make([]string, n)
	createdCount := 0
	var countMu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, created, err := s.FindOrCreateSession("T1", "C1", "777", CreateOptions{WorkingDir: "/w"})
			if err != nil {
				t.Errorf("FindOrCreateSession: %v", err)
				return
			}
			ids[i] = sess.ID
			if created {
				countMu.Lock()
				createdCount++
				countMu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("created %d sessions, want 1", createdCount)
	}
	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Errorf("caller %d got %s, caller 0 got %s", i, ids[i], ids[0])
		}
	}

	sessions, _ := s.ListSessions()
	if len(sessions) != 1 {
		t.Errorf("store holds %d sessions, want 1", len(sessions))
	}
}

func TestRecoverStaleSessions(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.CreateSession(CreateOptions{WorkingDir: "/w"})
	b, _ := s.CreateSession(CreateOptions{WorkingDir: "/w"})
	_ = s.UpdateStatus(a.ID, StatusRunning)
	_ = s.UpdateStatus(b.ID, StatusWaitingPermission)

	ids, err := s.RecoverStaleSessions()
	if err != nil {
		t.Fatalf("RecoverStaleSessions: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("recovered %d, want 2", len(ids))
	}

	for _, id := range []string{a.ID, b.ID} {
		got, _ := s.GetSession(id)
		if got.Status != StatusIdle {
			t.Errorf("%s status = %s", id, got.Status)
		}
	}
}
