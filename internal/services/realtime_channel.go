package services

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/partners/syncagent/internal/clock"
	"github.com/partners/syncagent/internal/config"
	"github.com/partners/syncagent/internal/models"
	"github.com/partners/syncagent/internal/observability"
)

const (
	realtimeWriteWait = 10 * time.Second
	realtimeReadLimit = 512 * 1024
)

// DialFunc opens a websocket connection
type DialFunc func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)

// DefaultDial dials with gorilla's default dialer
func DefaultDial(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// RealtimeChannel keeps a push connection to the backend open and publishes
// what arrives on it as typed events. Connection problems are never returned
// to callers; they surface as events.
type RealtimeChannel struct {
	store   *config.Store
	clock   clock.Clock
	dial    DialFunc
	metrics *observability.SyncMetrics
	log     *observability.Logger

	mu                sync.Mutex
	ctx               context.Context
	conn              *websocket.Conn
	gen               uint64
	attempts          int
	maxReachedEmitted bool
	closed            bool
	reconnectTimer    clock.Timer
	heartbeatTimer    clock.Timer
	pongTimer         clock.Timer

	writeMu sync.Mutex

	subsMu  sync.RWMutex
	subs    map[models.RealtimeEventKind]map[int]func(models.RealtimeEvent)
	nextSub int
}

// NewRealtimeChannel creates a channel. A nil dial uses DefaultDial.
func NewRealtimeChannel(store *config.Store, clk clock.Clock, dial DialFunc, metrics *observability.SyncMetrics) *RealtimeChannel {
	if dial == nil {
		dial = DefaultDial
	}
	return &RealtimeChannel{
		store:   store,
		clock:   clk,
		dial:    dial,
		metrics: metrics,
		log:     observability.GetLogger().WithField("component", "realtime"),
		ctx:     context.Background(),
		subs:    make(map[models.RealtimeEventKind]map[int]func(models.RealtimeEvent)),
	}
}

// Subscribe registers fn for events of kind. Handlers run on the channel's
// goroutines and must not block.
func (c *RealtimeChannel) Subscribe(kind models.RealtimeEventKind, fn func(models.RealtimeEvent)) (unsubscribe func()) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	id := c.nextSub
	c.nextSub++
	if c.subs[kind] == nil {
		c.subs[kind] = make(map[int]func(models.RealtimeEvent))
	}
	c.subs[kind][id] = fn

	return func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		delete(c.subs[kind], id)
	}
}

// Initialize connects, resetting the reconnect budget. It reports whether
// the first dial succeeded; on failure reconnects are scheduled.
func (c *RealtimeChannel) Initialize(ctx context.Context) bool {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return true
	}
	c.closed = false
	c.attempts = 0
	c.maxReachedEmitted = false
	c.ctx = context.WithoutCancel(ctx)
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()

	return c.connect()
}

// IsConnected reports whether a connection is open
func (c *RealtimeChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes msg to the backend. It returns false when not connected;
// nothing is queued.
func (c *RealtimeChannel) Send(msg models.RealtimeMessage) bool {
	c.mu.Lock()
	conn, gen := c.conn, c.gen
	c.mu.Unlock()

	if conn == nil {
		return false
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.clock.Now()
	}
	if err := c.write(conn, msg); err != nil {
		c.log.Warnf("Realtime send failed: %v", err)
		c.handleClose(gen)
		return false
	}
	return true
}

// Disconnect closes the connection and cancels every pending timer. It is
// safe to call more than once.
func (c *RealtimeChannel) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	c.stopTimersLocked()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
		c.publish(models.RealtimeEvent{Kind: models.EventDisconnected, At: c.clock.Now()})
	}
	c.log.Info("Realtime channel disconnected")
}

func (c *RealtimeChannel) connect() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.gen++
	gen := c.gen
	ctx := c.ctx
	c.mu.Unlock()

	cfg := c.store.Get()
	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("X-API-Key", cfg.APIKey)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Sync.Timeout())
	conn, err := c.dial(dialCtx, cfg.RealtimeURL(), header)
	cancel()
	if err != nil {
		c.log.Warnf("Realtime dial failed: %v", err)
		c.mu.Lock()
		stale := gen != c.gen || c.closed
		c.mu.Unlock()
		if !stale {
			c.scheduleReconnect(gen)
		}
		return false
	}

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	c.conn = conn
	c.attempts = 0
	c.maxReachedEmitted = false
	c.heartbeatTimer = c.clock.AfterFunc(cfg.Realtime.Heartbeat(), func() { c.heartbeat(gen) })
	c.mu.Unlock()

	conn.SetReadLimit(realtimeReadLimit)
	c.log.Info("Realtime channel connected")
	c.publish(models.RealtimeEvent{Kind: models.EventConnected, At: c.clock.Now()})

	go c.readLoop(conn, gen)
	return true
}

// scheduleReconnect arms the next dial after reconnectInterval × attempts,
// or publishes the ceiling event once when attempts are exhausted.
func (c *RealtimeChannel) scheduleReconnect(gen uint64) {
	cfg := c.store.Get().Realtime

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}

	if c.attempts >= cfg.MaxReconnectAttempts {
		emit := !c.maxReachedEmitted
		c.maxReachedEmitted = true
		attempts := c.attempts
		c.mu.Unlock()

		if emit {
			c.log.Errorf("Realtime reconnect gave up after %d attempts", attempts)
			c.publish(models.RealtimeEvent{Kind: models.EventMaxReconnectAttempts, Attempts: attempts, At: c.clock.Now()})
		}
		return
	}

	c.attempts++
	delay := cfg.ReconnectBase() * time.Duration(c.attempts)
	c.reconnectTimer = c.clock.AfterFunc(delay, func() { c.connect() })
	attempts := c.attempts
	c.mu.Unlock()

	c.metrics.RecordReconnect(context.Background())
	c.log.WithField("attempt", attempts).Infof("Realtime reconnect in %s", delay)
}

// handleClose tears down the connection of generation gen and schedules a
// reconnect. Later calls for the same generation are ignored.
func (c *RealtimeChannel) handleClose(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.gen++
	next := c.gen
	conn := c.conn
	c.conn = nil
	c.stopTimersLocked()
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
		c.publish(models.RealtimeEvent{Kind: models.EventDisconnected, At: c.clock.Now()})
	}
	c.scheduleReconnect(next)
}

func (c *RealtimeChannel) stopTimersLocked() {
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
		c.heartbeatTimer = nil
	}
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
}

// heartbeat sends a ping and arms the pong deadline
func (c *RealtimeChannel) heartbeat(gen uint64) {
	cfg := c.store.Get().Realtime

	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	if c.pongTimer == nil {
		c.pongTimer = c.clock.AfterFunc(cfg.PongWait(), func() {
			c.log.Warn("Realtime pong timeout, connection considered dead")
			c.handleClose(gen)
		})
	}
	c.heartbeatTimer = c.clock.AfterFunc(cfg.Heartbeat(), func() { c.heartbeat(gen) })
	c.mu.Unlock()

	if err := c.write(conn, models.RealtimeMessage{Type: models.MessagePing, Timestamp: c.clock.Now()}); err != nil {
		c.handleClose(gen)
	}
}

func (c *RealtimeChannel) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warnf("Realtime read error: %v", err)
			}
			c.handleClose(gen)
			return
		}
		c.handleFrame(conn, gen, data)
	}
}

func (c *RealtimeChannel) handleFrame(conn *websocket.Conn, gen uint64, data []byte) {
	now := c.clock.Now()

	var msg models.RealtimeMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		raw := json.RawMessage(data)
		if !json.Valid(data) {
			raw, _ = json.Marshal(string(data))
		}
		c.publish(models.RealtimeEvent{Kind: models.EventUnknownMessage, Raw: raw, At: now})
		return
	}

	switch msg.Type {
	case models.MessagePing:
		if err := c.write(conn, models.RealtimeMessage{Type: models.MessagePong, Timestamp: now}); err != nil {
			c.handleClose(gen)
		}
		return
	case models.MessagePong:
		c.mu.Lock()
		if gen == c.gen && c.pongTimer != nil {
			c.pongTimer.Stop()
			c.pongTimer = nil
		}
		c.mu.Unlock()
		return
	}

	kind, ok := models.EventKindForMessage(msg.Type)
	if !ok {
		c.publish(models.RealtimeEvent{Kind: models.EventUnknownMessage, Message: &msg, Raw: data, At: now})
		return
	}
	c.publish(models.RealtimeEvent{Kind: kind, Message: &msg, At: now})
}

func (c *RealtimeChannel) write(conn *websocket.Conn, msg models.RealtimeMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
	return conn.WriteJSON(msg)
}

func (c *RealtimeChannel) publish(ev models.RealtimeEvent) {
	c.subsMu.RLock()
	handlers := make([]func(models.RealtimeEvent), 0, len(c.subs[ev.Kind]))
	for _, fn := range c.subs[ev.Kind] {
		handlers = append(handlers, fn)
	}
	c.subsMu.RUnlock()

	c.metrics.RecordRealtimeEvent(context.Background(), ev.Kind.String())
	for _, fn := range handlers {
		fn(ev)
	}
}
