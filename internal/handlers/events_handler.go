package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/partners/syncagent/internal/models"
	"github.com/partners/syncagent/internal/observability"
	"github.com/partners/syncagent/internal/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The admin API only listens on the terminal
		return true
	},
}

// EventsHandler streams realtime events to local front-ends
type EventsHandler struct {
	hub *services.EventHub
}

// NewEventsHandler creates a new EventsHandler
func NewEventsHandler(hub *services.EventHub) *EventsHandler {
	return &EventsHandler{hub: hub}
}

// HandleConnection upgrades to a websocket and relays events until the
// client leaves. ?kinds=stockAlert,saleNotification limits what is sent.
func (h *EventsHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	var kinds []string
	if raw := r.URL.Query().Get("kinds"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			k = strings.TrimSpace(k)
			if _, ok := models.ParseRealtimeEventKind(k); !ok {
				writeError(w, http.StatusBadRequest, "Unknown event kind: "+k)
				return
			}
			kinds = append(kinds, k)
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		observability.Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	client := h.hub.NewClient(conn, kinds)
	h.hub.Register(client)

	go client.WritePump()

	// Blocks until the connection closes
	client.ReadPump()
}
