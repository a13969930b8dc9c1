// Package push implements the Push Layer (spec.md §4.10): a persistent
// bidirectional WebSocket session per client, a bounded outbound FIFO
// with critical-type eviction, and heartbeat-based liveness. Grounded
// on homeassistant.WSClient's shape (internal/homeassistant/websocket.go),
// with the client/server roles reversed: where that client dials out
// and authenticates against Home Assistant, this package upgrades
// incoming connections that the caller (internal/server, via the
// session cookie) has already authenticated, but keeps the same gorilla/websocket conn-mutex, buffered-channel-per-purpose,
// and type-switch read loop shape.
package push

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/argus-observability/agentcore/internal/pushmsg"
)

// HeartbeatInterval and MissedHeartbeatsBeforeClose implement the
// 30s x 2-miss heartbeat discipline from spec.md §5.
const (
	HeartbeatInterval           = 30 * time.Second
	MissedHeartbeatsBeforeClose = 2
)

// DefaultQueueDepth bounds each connection's outbound FIFO.
const DefaultQueueDepth = 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // origin enforced by CORS config upstream
}

// CancelFunc stops a ReAct run or investigation in response to a
// `cancel` client message.
type CancelFunc func(runID string)

// ActionResponder delivers an approve/reject decision for a pending
// ActionRequest in response to an `action_response` client message.
type ActionResponder func(requestID string, approved bool, actor string)

// UserMessageHandler starts (or continues) a ReAct run for a chat
// message sent over the socket. It runs on the connection's read
// goroutine and should return quickly after kicking off the run on its
// own goroutine, since it blocks further message dispatch otherwise.
type UserMessageHandler func(conn *Connection, data pushmsg.UserMessageData)

// Connection owns one client's WebSocket session: a single write
// goroutine draining a bounded outbound queue, and a read goroutine
// dispatching client->server messages.
type Connection struct {
	id     string
	conn   *websocket.Conn
	log    *slog.Logger
	outbox chan pushmsg.Envelope

	onCancel  CancelFunc
	onAction  ActionResponder
	onMessage UserMessageHandler

	mu       sync.Mutex
	closed   bool
	lastPing time.Time
}

// Upgrade accepts a WebSocket handshake and returns a running
// Connection. The caller should have already authenticated the
// request (internal/server checks the session cookie) before calling this.
func Upgrade(w http.ResponseWriter, r *http.Request, id string, log *slog.Logger, onCancel CancelFunc, onAction ActionResponder, onMessage UserMessageHandler) (*Connection, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	c := &Connection{
		id:        id,
		conn:      conn,
		log:       log,
		outbox:    make(chan pushmsg.Envelope, DefaultQueueDepth),
		onCancel:  onCancel,
		onAction:  onAction,
		onMessage: onMessage,
		lastPing:  time.Now(),
	}

	go c.writeLoop()
	go c.readLoop()
	go c.heartbeatLoop()

	return c, nil
}

// ID returns the connection's push-layer id (not authenticated
// identity, which lives one level up in internal/authn).
func (c *Connection) ID() string { return c.id }

// Send enqueues env for delivery. If the outbox is full, a critical
// envelope type evicts the oldest queued entry, whatever that entry's
// type, and takes its place; everything else is dropped and the
// connection closes with a backpressure reason, since a client that
// cannot keep up with ordinary traffic cannot be trusted to keep up
// with anything else either.
func (c *Connection) Send(env pushmsg.Envelope) {
	select {
	case c.outbox <- env:
		return
	default:
	}

	if !pushmsg.CriticalTypes[env.Type] {
		c.closeWithReason("backpressure: outbound queue full")
		return
	}

	// Evict the oldest queued entry to make room for a critical message.
	select {
	case <-c.outbox:
	default:
	}
	select {
	case c.outbox <- env:
	default:
		c.closeWithReason("backpressure: outbound queue full even after eviction")
	}
}

func (c *Connection) writeLoop() {
	for env := range c.outbox {
		raw, err := json.Marshal(env)
		if err != nil {
			continue
		}
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			c.log.Warn("push: write failed, closing connection", "conn_id", c.id, "error", err)
			c.Close()
			return
		}
	}
}

func (c *Connection) readLoop() {
	defer c.Close()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env pushmsg.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		c.dispatch(env)
	}
}

func (c *Connection) dispatch(env pushmsg.Envelope) {
	switch env.Type {
	case pushmsg.TypePing:
		c.mu.Lock()
		c.lastPing = time.Now()
		c.mu.Unlock()
		c.Send(pushmsg.New(pushmsg.TypePong, env.ID, map[string]any{}))
	case pushmsg.TypeCancel:
		var data pushmsg.CancelData
		if json.Unmarshal(env.Data, &data) == nil && c.onCancel != nil {
			c.onCancel(data.RunID)
		}
	case pushmsg.TypeActionResponse:
		var data pushmsg.ActionResponseData
		if json.Unmarshal(env.Data, &data) == nil && c.onAction != nil {
			c.onAction(data.ActionID, data.Approved, c.id)
		}
	case pushmsg.TypeUserMessage:
		var data pushmsg.UserMessageData
		if json.Unmarshal(env.Data, &data) == nil && c.onMessage != nil {
			c.onMessage(c, data)
		}
	}
}

// heartbeatLoop enforces the client-driven heartbeat from spec.md §5:
// the client sends a `ping` envelope every HeartbeatInterval, and this
// connection closes once MissedHeartbeatsBeforeClose intervals have
// elapsed since the last one arrived. No server-initiated transport-level
// control pings are sent; liveness is tracked at the application level,
// matching the envelope types the protocol actually documents.
func (c *Connection) heartbeatLoop() {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		silence := time.Since(c.lastPing)
		c.mu.Unlock()

		if silence > MissedHeartbeatsBeforeClose*HeartbeatInterval {
			c.closeWithReason("heartbeat timeout: no ping received")
			return
		}
	}
}

func (c *Connection) closeWithReason(reason string) {
	c.log.Info("push: closing connection", "conn_id", c.id, "reason", reason)
	c.Close()
}

// Close shuts down the connection idempotently.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.outbox)
	return c.conn.Close()
}
