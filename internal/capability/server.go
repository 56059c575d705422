package capability

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/HyphaGroup/seneschal/internal/logger"
)

var (
	ErrPermissionTimeout = errors.New("permission request timed out")
	ErrUnknownRequest    = errors.New("unknown permission request id")
)

// DefaultTimeout is how long a permission request may wait for a human
// decision before a deny is synthesized.
const DefaultTimeout = 30 * time.Second

// Request is a child's permission prompt, relayed to the orchestrator
type Request struct {
	SessionID string          `json:"sessionId"`
	RequestID string          `json:"requestId"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// Response is the decision written back to the child. allowForSession
// and toolName ride along for the client to persist an allowance rule;
// the server does not interpret them.
type Response struct {
	Behavior        string          `json:"behavior"` // allow | deny
	UpdatedInput    json.RawMessage `json:"updatedInput,omitempty"`
	AllowForSession bool            `json:"allowForSession,omitempty"`
	ToolName        string          `json:"toolName,omitempty"`
	Message         string          `json:"message,omitempty"`
}

// Notifier receives permission lifecycle callbacks. The bridge implements
// it; the indirection keeps this package free of a bridge dependency.
type Notifier interface {
	PermissionRequested(req Request)
	PermissionTimedOut(req Request)
}

// inbound frame from the child
type requestFrame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	RequestID string          `json:"requestId"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// outbound frame to the child
type responseFrame struct {
	Type      string   `json:"type"`
	SessionID string   `json:"sessionId,omitempty"`
	RequestID string   `json:"requestId"`
	Response  Response `json:"response"`
}

type pendingRequest struct {
	req   Request
	conn  net.Conn
	timer *time.Timer
}

// Server accepts permission callbacks from children over loopback TCP.
// Each child connects, sends permission_request frames, and blocks its
// tool call until the matching permission_response arrives.
type Server struct {
	notifier Notifier
	timeout  time.Duration

	ln net.Listener

	mu      sync.Mutex
	pending map[string]*pendingRequest
	conns   map[net.Conn]struct{}
	closed  bool
}

// NewServer creates a capability server. timeout <= 0 uses DefaultTimeout.
func NewServer(notifier Notifier, timeout time.Duration) *Server {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Server{
		notifier: notifier,
		timeout:  timeout,
		pending:  make(map[string]*pendingRequest),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Start binds a loopback listener on an ephemeral port
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.ln = ln
	go s.acceptLoop()
	logger.Info("capability server listening on %s", ln.Addr())
	return nil
}

// Addr returns the listener address children should dial
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops the listener and drops all connections. Pending requests
// are abandoned; their children see closed connections.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for _, p := range s.pending {
		p.timer.Stop()
	}
	s.pending = make(map[string]*pendingRequest)
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		// Abandon this connection's pending requests
		for id, p := range s.pending {
			if p.conn == conn {
				p.timer.Stop()
				delete(s.pending, id)
			}
		}
		s.mu.Unlock()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame requestFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			logger.Error("capability: bad frame: %v", err)
			continue
		}
		if frame.Type != "permission_request" || frame.RequestID == "" {
			continue
		}

		s.register(conn, Request{
			SessionID: frame.SessionID,
			RequestID: frame.RequestID,
			ToolName:  frame.ToolName,
			Input:     frame.Input,
		})
	}
}

func (s *Server) register(conn net.Conn, req Request) {
	p := &pendingRequest{req: req, conn: conn}
	p.timer = time.AfterFunc(s.timeout, func() { s.expire(req.RequestID) })

	s.mu.Lock()
	s.pending[req.RequestID] = p
	s.mu.Unlock()

	logger.Info("capability: session %s requests %s (request %s)",
		req.SessionID, req.ToolName, req.RequestID)
	s.notifier.PermissionRequested(req)
}

// expire synthesizes a deny for a request nobody answered in time
func (s *Server) expire(requestID string) {
	s.mu.Lock()
	p, ok := s.pending[requestID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, requestID)
	s.mu.Unlock()

	logger.Error("capability: request %s timed out, denying", requestID)
	s.writeResponse(p.conn, p.req.SessionID, requestID, Response{
		Behavior: "deny",
		Message:  "permission request timed out",
	})
	s.notifier.PermissionTimedOut(p.req)
}

// Respond resolves a pending request with a human decision
func (s *Server) Respond(requestID string, resp Response) error {
	s.mu.Lock()
	p, ok := s.pending[requestID]
	if ok {
		p.timer.Stop()
		delete(s.pending, requestID)
	}
	s.mu.Unlock()

	if !ok {
		return ErrUnknownRequest
	}

	return s.writeResponse(p.conn, p.req.SessionID, requestID, resp)
}

// Pending reports whether a request is still awaiting a decision
func (s *Server) Pending(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[requestID]
	return ok
}

func (s *Server) writeResponse(conn net.Conn, sessionID, requestID string, resp Response) error {
	data, err := json.Marshal(responseFrame{
		Type:      "permission_response",
		SessionID: sessionID,
		RequestID: requestID,
		Response:  resp,
	})
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}
