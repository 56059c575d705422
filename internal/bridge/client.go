package bridge

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"

	"golang.org/x/time/rate"

	"github.com/HyphaGroup/seneschal/internal/logger"
	"github.com/HyphaGroup/seneschal/internal/metrics"
)

// error kinds clients can branch on
const (
	kindUnknownIntent    = "unknown_intent"
	kindBadRequest       = "bad_request"
	kindRateLimited      = "rate_limited"
	kindSessionNotFound  = "session_not_found"
	kindAlreadyActive    = "already_active"
	kindNotRunning       = "not_running"
	kindSessionRunning   = "session_running"
	kindChildSpawnFailed = "child_spawn_failed"
	kindInvalidToolName  = "invalid_tool_name"
	kindUnknownRequest   = "unknown_request"
	kindInternal         = "internal"
)

type client struct {
	bridge  *Bridge
	conn    net.Conn
	limiter *rate.Limiter

	writeMu sync.Mutex
}

func newClient(b *Bridge, conn net.Conn) *client {
	limit := rate.Limit(b.cfg.Bridge.RateLimit)
	burst := b.cfg.Bridge.RateBurst
	if limit <= 0 {
		limit = rate.Inf
		burst = 0
	}
	return &client{
		bridge:  b,
		conn:    conn,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// readLoop consumes intents until the connection drops. Frames that are
// not JSON objects are dropped without a reply; an unparseable frame has
// no id to correlate an error to.
func (c *client) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var in intent
		if err := json.Unmarshal(line, &in); err != nil {
			logger.Error("bridge: invalid frame: %v", err)
			metrics.RecordIntent("invalid", "dropped")
			continue
		}
		if in.Type == "" {
			logger.Error("bridge: frame without type")
			metrics.RecordIntent("invalid", "dropped")
			continue
		}

		if !c.limiter.Allow() {
			c.replyError(in.ID, kindRateLimited, "rate limit exceeded")
			metrics.RecordIntent(in.Type, "rate_limited")
			continue
		}

		c.bridge.handleIntent(c, in)
	}

	if err := scanner.Err(); err != nil {
		logger.Error("bridge: read: %v", err)
	}
}

// send writes one frame. Safe for concurrent use; event fanout and
// intent replies share the connection.
func (c *client) send(msg Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(data)
	return err
}

// reply answers an intent. msg.Type defaults to "reply".
func (c *client) reply(id string, msg Message) {
	if msg.Type == "" {
		msg.Type = "reply"
	}
	msg.ID = id
	msg.OK = true
	if err := c.send(msg); err != nil {
		logger.Error("bridge: reply: %v", err)
	}
}

func (c *client) replyError(id, kind, text string) {
	if err := c.send(Message{
		Type:      "reply",
		ID:        id,
		Error:     text,
		ErrorKind: kind,
	}); err != nil {
		logger.Error("bridge: error reply: %v", err)
	}
}
