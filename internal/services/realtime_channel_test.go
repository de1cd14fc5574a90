package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partners/syncagent/internal/clock"
	"github.com/partners/syncagent/internal/config"
	"github.com/partners/syncagent/internal/models"
)

// wsBackend accepts realtime connections and hands the server side to the test
type wsBackend struct {
	conns   chan *websocket.Conn
	headers chan http.Header
}

func startWSBackend(t *testing.T) (*wsBackend, *config.Store) {
	t.Helper()
	b := &wsBackend{conns: make(chan *websocket.Conn, 4), headers: make(chan http.Header, 4)}
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.headers <- r.Header.Clone()
		b.conns <- conn
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.BackendURL = srv.URL
	cfg.Realtime.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return b, config.NewStore(cfg)
}

func (b *wsBackend) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-b.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no realtime connection")
		return nil
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []models.RealtimeEvent
}

func (r *eventRecorder) record(ev models.RealtimeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *eventRecorder) last() models.RealtimeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func TestRealtimeChannel_Dispatch(t *testing.T) {
	backend, store := startWSBackend(t)
	ch := NewRealtimeChannel(store, clock.NewFake(testStart), nil, nil)
	t.Cleanup(ch.Disconnect)

	alerts := &eventRecorder{}
	unknown := &eventRecorder{}
	connected := &eventRecorder{}
	ch.Subscribe(models.EventStockAlert, alerts.record)
	ch.Subscribe(models.EventUnknownMessage, unknown.record)
	ch.Subscribe(models.EventConnected, connected.record)

	require.True(t, ch.Initialize(context.Background()))
	assert.True(t, ch.IsConnected())
	assert.Equal(t, 1, connected.count())

	server := backend.accept(t)
	header := <-backend.headers
	assert.Equal(t, "terminal-key", header.Get("X-API-Key"))

	t.Run("stock alert is published once", func(t *testing.T) {
		require.NoError(t, server.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"stock_alert","data":{"sku":"sku-1","level":2},"timestamp":"2024-06-01T08:00:00Z"}`)))

		require.Eventually(t, func() bool { return alerts.count() == 1 }, 2*time.Second, 10*time.Millisecond)
		ev := alerts.last()
		require.NotNil(t, ev.Message)
		assert.JSONEq(t, `{"sku":"sku-1","level":2}`, string(ev.Message.Data))

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, alerts.count())
	})

	t.Run("epoch millisecond timestamps still route", func(t *testing.T) {
		require.NoError(t, server.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"stock_alert","data":{"productId":9,"level":1},"timestamp":1717228800000}`)))

		require.Eventually(t, func() bool { return alerts.count() == 2 }, 2*time.Second, 10*time.Millisecond)
		ev := alerts.last()
		require.NotNil(t, ev.Message)
		assert.JSONEq(t, `{"productId":9,"level":1}`, string(ev.Message.Data))
		assert.True(t, testStart.Equal(ev.Message.Timestamp))
		assert.Zero(t, unknown.count())
	})

	t.Run("malformed frames are surfaced as unknown", func(t *testing.T) {
		require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`not json`)))
		require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type":"loyalty_update"}`)))

		require.Eventually(t, func() bool { return unknown.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("server ping is answered with pong", func(t *testing.T) {
		require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

		server.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg models.RealtimeMessage
		require.NoError(t, server.ReadJSON(&msg))
		assert.Equal(t, models.MessagePong, msg.Type)
	})

	t.Run("send writes to the backend", func(t *testing.T) {
		assert.True(t, ch.Send(models.RealtimeMessage{Type: "register"}))

		server.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg models.RealtimeMessage
		require.NoError(t, server.ReadJSON(&msg))
		assert.Equal(t, models.MessageType("register"), msg.Type)
		assert.False(t, msg.Timestamp.IsZero())
	})
}

func TestRealtimeChannel_ReconnectCeiling(t *testing.T) {
	_, store := startWSBackend(t)
	clk := clock.NewFake(testStart)

	var dials int32
	failing := func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
		atomic.AddInt32(&dials, 1)
		return nil, errors.New("connection refused")
	}

	ch := NewRealtimeChannel(store, clk, failing, nil)
	t.Cleanup(ch.Disconnect)

	maxed := &eventRecorder{}
	ch.Subscribe(models.EventMaxReconnectAttempts, maxed.record)

	assert.False(t, ch.Initialize(context.Background()))

	// Linear backoff: 1s, 2s, 3s
	clk.Advance(time.Second)
	clk.Advance(2 * time.Second)
	clk.Advance(3 * time.Second)
	clk.Advance(time.Hour)

	assert.EqualValues(t, 4, atomic.LoadInt32(&dials), "one initial dial plus three reconnects")
	assert.Equal(t, 1, maxed.count())
	assert.Equal(t, 3, maxed.last().Attempts)
	assert.Zero(t, clk.Pending())

	t.Run("initialize restores the budget", func(t *testing.T) {
		ch.Initialize(context.Background())
		clk.Advance(time.Hour)

		assert.EqualValues(t, 8, atomic.LoadInt32(&dials))
		assert.Equal(t, 2, maxed.count())
	})
}

func TestRealtimeChannel_Heartbeat(t *testing.T) {
	backend, store := startWSBackend(t)
	clk := clock.NewFake(testStart)
	ch := NewRealtimeChannel(store, clk, nil, nil)
	t.Cleanup(ch.Disconnect)

	disconnected := &eventRecorder{}
	ch.Subscribe(models.EventDisconnected, disconnected.record)

	require.True(t, ch.Initialize(context.Background()))
	server := backend.accept(t)

	clk.Advance(store.Get().Realtime.Heartbeat())

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ping models.RealtimeMessage
	require.NoError(t, server.ReadJSON(&ping))
	assert.Equal(t, models.MessagePing, ping.Type)

	t.Run("pong keeps the connection", func(t *testing.T) {
		require.NoError(t, server.WriteJSON(models.RealtimeMessage{Type: models.MessagePong}))
		require.Eventually(t, func() bool {
			// heartbeat timer only
			return clk.Pending() == 1
		}, 2*time.Second, 10*time.Millisecond)
		assert.True(t, ch.IsConnected())
	})

	t.Run("missing pong drops the connection", func(t *testing.T) {
		clk.Advance(store.Get().Realtime.Heartbeat())
		server.SetReadDeadline(time.Now().Add(2 * time.Second))
		require.NoError(t, server.ReadJSON(&ping))

		clk.Advance(store.Get().Realtime.PongWait())

		assert.False(t, ch.IsConnected())
		assert.Equal(t, 1, disconnected.count())
		assert.Equal(t, 1, clk.Pending(), "reconnect is scheduled")
	})
}

func TestRealtimeChannel_Disconnect(t *testing.T) {
	backend, store := startWSBackend(t)
	clk := clock.NewFake(testStart)
	ch := NewRealtimeChannel(store, clk, nil, nil)

	assert.False(t, ch.Send(models.RealtimeMessage{Type: models.MessagePing}), "not connected yet")

	require.True(t, ch.Initialize(context.Background()))
	backend.accept(t)

	ch.Disconnect()
	ch.Disconnect()

	assert.False(t, ch.IsConnected())
	assert.False(t, ch.Send(models.RealtimeMessage{Type: models.MessagePing}))
	assert.Zero(t, clk.Pending(), "no timers survive a disconnect")
}
