package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/partners/syncagent/internal/models"
	"github.com/partners/syncagent/internal/observability"
)

// HubClient is a local front-end connected to the event stream
type HubClient struct {
	ID string
	// Kinds filters events by kind name; empty receives everything
	Kinds      map[string]bool
	Conn       *websocket.Conn
	Send       chan []byte
	hub        *EventHub
	closedOnce sync.Once
}

// EventHub re-broadcasts realtime events to local websocket clients
type EventHub struct {
	clients    map[*HubClient]bool
	register   chan *HubClient
	unregister chan *HubClient
	broadcast  chan *hubMessage
	done       chan struct{}
	mu         sync.RWMutex
	log        *observability.Logger
}

type hubMessage struct {
	kind    string
	message []byte
}

// NewEventHub creates a new EventHub
func NewEventHub() *EventHub {
	return &EventHub{
		clients:    make(map[*HubClient]bool),
		register:   make(chan *HubClient),
		unregister: make(chan *HubClient),
		broadcast:  make(chan *hubMessage, 256),
		done:       make(chan struct{}),
		log:        observability.GetLogger().WithField("component", "event_hub"),
	}
}

// Run starts the hub's main loop and returns when ctx is cancelled
func (h *EventHub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for client := range h.clients {
			delete(h.clients, client)
			close(client.Send)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.WithField("client_id", client.ID).Debug("Event client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mu.Unlock()
			h.log.WithField("client_id", client.ID).Debug("Event client disconnected")

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if len(client.Kinds) > 0 && !client.Kinds[msg.kind] {
					continue
				}
				select {
				case client.Send <- msg.message:
				default:
					// Slow consumer
					go h.Unregister(client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register adds a client to the hub
func (h *EventHub) Register(client *HubClient) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client from the hub
func (h *EventHub) Unregister(client *HubClient) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Publish queues ev for every interested client. Events are dropped when
// the hub is saturated.
func (h *EventHub) Publish(ev models.RealtimeEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Errorf("Error marshaling realtime event: %v", err)
		return
	}

	select {
	case h.broadcast <- &hubMessage{kind: ev.Kind.String(), message: data}:
	default:
		h.log.Warnf("Event hub saturated, dropping %s event", ev.Kind)
	}
}

// Relay forwards every event published by ch to the hub
func (h *EventHub) Relay(ch *RealtimeChannel) (stop func()) {
	var unsubs []func()
	for _, kind := range models.RealtimeEventKinds {
		unsubs = append(unsubs, ch.Subscribe(kind, h.Publish))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// GetClientCount returns the number of connected clients
func (h *EventHub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient creates a client for conn interested in kinds
func (h *EventHub) NewClient(conn *websocket.Conn, kinds []string) *HubClient {
	filter := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		filter[k] = true
	}
	return &HubClient{
		ID:    uuid.New().String(),
		Kinds: filter,
		Conn:  conn,
		Send:  make(chan []byte, 256),
		hub:   h,
	}
}

// Close closes the client connection
func (c *HubClient) Close() {
	c.closedOnce.Do(func() {
		c.hub.Unregister(c)
		c.Conn.Close()
	})
}

// WritePump pumps events from the hub to the websocket connection
func (c *HubClient) WritePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump drains the connection so control frames are processed, and
// returns when the client goes away
func (c *HubClient) ReadPump() {
	defer c.Close()

	c.Conn.SetReadLimit(4096)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warnf("Event client error: %v", err)
			}
			return
		}
	}
}
