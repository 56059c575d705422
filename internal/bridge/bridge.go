package bridge

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/HyphaGroup/seneschal/internal/audit"
	"github.com/HyphaGroup/seneschal/internal/capability"
	"github.com/HyphaGroup/seneschal/internal/config"
	"github.com/HyphaGroup/seneschal/internal/logger"
	"github.com/HyphaGroup/seneschal/internal/metrics"
	"github.com/HyphaGroup/seneschal/internal/permission"
	"github.com/HyphaGroup/seneschal/internal/runner"
	"github.com/HyphaGroup/seneschal/internal/store"
)

// PermissionResponder resolves a pending permission request with a
// client's decision. The capability server implements it.
type PermissionResponder interface {
	Respond(requestID string, resp capability.Response) error
}

// Options wires a Bridge to the rest of the orchestrator
type Options struct {
	Store   *store.Store
	Runners *runner.Manager
	Config  *config.Config
	Home    string

	// CapabilityAddr is what children dial for permission callbacks;
	// Responder answers their pending requests.
	CapabilityAddr string
	Responder      PermissionResponder
}

// Bridge is the NDJSON control surface. Clients connect over a unix
// socket (or TCP when configured), send intents, and receive replies
// plus the event stream of any session they are listening to.
type Bridge struct {
	store     *store.Store
	runners   *runner.Manager
	cfg       *config.Config
	home      string
	capAddr   string
	responder PermissionResponder

	mu        sync.Mutex
	clients   map[*client]struct{}
	listeners map[string]*client // sessionID -> listening client
	pending   map[string]capability.Request
	turns     map[string]*turnBuffer
	backlogs  map[string]*backlog
	attached  map[string][]string // sessionID -> attachment temp files
	runStarts map[string]runStart

	lns    []net.Listener
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

type runStart struct {
	at        time.Time
	spawnMode string
}

// turnBuffer accumulates one turn's streamed thinking and text so the
// result event can flush them as at most two history entries.
type turnBuffer struct {
	thinking []byte
	text     []byte
}

// New creates a bridge. Serve must be called to accept clients.
func New(opts Options) *Bridge {
	return &Bridge{
		store:     opts.Store,
		runners:   opts.Runners,
		cfg:       opts.Config,
		home:      opts.Home,
		capAddr:   opts.CapabilityAddr,
		responder: opts.Responder,
		clients:   make(map[*client]struct{}),
		listeners: make(map[string]*client),
		pending:   make(map[string]capability.Request),
		turns:     make(map[string]*turnBuffer),
		backlogs:  make(map[string]*backlog),
		attached:  make(map[string][]string),
		runStarts: make(map[string]runStart),
		done:      make(chan struct{}),
	}
}

// Serve binds the unix socket (and the TCP address when configured) and
// accepts clients until Close.
func (b *Bridge) Serve() error {
	socketPath := b.cfg.SocketPath(b.home)

	// A stale socket from an unclean shutdown blocks the bind
	if _, err := os.Stat(socketPath); err == nil {
		if err := os.Remove(socketPath); err != nil {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to chmod socket: %w", err)
	}
	b.lns = append(b.lns, ln)
	logger.Info("bridge listening on %s", socketPath)

	if addr := b.cfg.Bridge.TCPAddress; addr != "" {
		tcpLn, err := net.Listen("tcp", addr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		b.lns = append(b.lns, tcpLn)
		logger.Info("bridge listening on tcp %s", addr)
	}

	for _, l := range b.lns {
		b.wg.Add(1)
		go b.acceptLoop(l)
	}

	b.wg.Add(1)
	go b.usageBroadcastLoop()

	return nil
}

// Close stops the listeners and disconnects all clients
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	for c := range b.clients {
		_ = c.conn.Close()
	}
	b.mu.Unlock()

	for _, ln := range b.lns {
		_ = ln.Close()
	}
	b.wg.Wait()
	return nil
}

func (b *Bridge) acceptLoop(ln net.Listener) {
	defer b.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		c := newClient(b, conn)

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			_ = conn.Close()
			return
		}
		b.clients[c] = struct{}{}
		b.mu.Unlock()

		metrics.BridgeClients.Inc()
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			c.readLoop()
			b.dropClient(c)
		}()
	}
}

// dropClient forgets a disconnected client and any session listeners
// pointing at it
func (b *Bridge) dropClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.clients, c)
	for id, listener := range b.listeners {
		if listener == c {
			delete(b.listeners, id)
		}
	}
	b.mu.Unlock()

	metrics.BridgeClients.Dec()
	_ = c.conn.Close()
}

// sendToSession buffers a session-scoped message for replay and delivers
// it to the session's listener, if any
func (b *Bridge) sendToSession(sessionID string, msg Message) {
	msg.SessionID = sessionID

	b.mu.Lock()
	bl, ok := b.backlogs[sessionID]
	if !ok {
		bl = newBacklog(sessionID, b.cfg.Bridge.BacklogSize)
		b.backlogs[sessionID] = bl
	}
	listener := b.listeners[sessionID]
	b.mu.Unlock()

	msg.Index = bl.Append(msg)

	if listener != nil {
		if err := listener.send(msg); err != nil {
			logger.Error("session %s: send to listener: %v", sessionID, err)
		}
	}
}

// broadcast delivers a message to every connected client
func (b *Bridge) broadcast(msg Message) {
	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		if err := c.send(msg); err != nil {
			logger.Error("broadcast: %v", err)
		}
	}
}

// setStatus transitions the session and announces the change. The
// status_change message precedes whatever event implied it.
func (b *Bridge) setStatus(sessionID string, status store.SessionStatus) {
	if err := b.store.UpdateStatus(sessionID, status); err != nil {
		logger.Error("session %s: update status: %v", sessionID, err)
	}
	b.sendToSession(sessionID, Message{Type: "status_change", Status: string(status)})
}

func (b *Bridge) usageBroadcastLoop() {
	defer b.wg.Done()

	interval := time.Duration(b.cfg.Bridge.UsageBroadcastSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.broadcastGlobalUsage()
		}
	}
}

func (b *Bridge) broadcastGlobalUsage() {
	global, err := b.store.GetGlobalUsage()
	if err != nil {
		logger.Error("global usage: %v", err)
		return
	}
	total := global.Total
	today := global.Today
	b.broadcast(Message{
		Type:       "global_usage",
		Usage:      &total,
		TodayUsage: &today,
		CostUSD:    global.CostUSD,
	})
}

// PermissionRequested implements capability.Notifier: a child is blocked
// on a tool call until somebody answers.
func (b *Bridge) PermissionRequested(req capability.Request) {
	b.mu.Lock()
	b.pending[req.RequestID] = req
	b.mu.Unlock()

	b.setStatus(req.SessionID, store.StatusWaitingPermission)
	b.sendToSession(req.SessionID, Message{
		Type:             "permission_request",
		RequestID:        req.RequestID,
		ToolName:         req.ToolName,
		Input:            req.Input,
		SuggestedPattern: permission.Suggest(req.ToolName, req.Input).String(),
	})
}

// PermissionTimedOut implements capability.Notifier: the deny was already
// synthesized, so surface it and put the session back to running.
func (b *Bridge) PermissionTimedOut(req capability.Request) {
	b.mu.Lock()
	delete(b.pending, req.RequestID)
	b.mu.Unlock()

	audit.Log(&audit.Event{
		Operation: audit.OpPermissionDeny,
		SessionID: req.SessionID,
		RequestID: req.RequestID,
		ToolName:  req.ToolName,
		Success:   true,
		Details:   map[string]interface{}{"reason": "timeout"},
	})
	metrics.RecordPermissionDecision("timeout")

	b.setStatus(req.SessionID, store.StatusRunning)
	b.sendToSession(req.SessionID, Message{
		Type:  "error",
		Text:  fmt.Sprintf("permission request for %s timed out and was denied", req.ToolName),
		Error: capability.ErrPermissionTimeout.Error(),
	})
}

// pendingRequest looks up a pending permission request by id
func (b *Bridge) pendingRequest(requestID string) (capability.Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.pending[requestID]
	return req, ok
}

func encodeMessage(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
