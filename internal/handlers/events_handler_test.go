package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partners/syncagent/internal/models"
)

func TestEventsHandler(t *testing.T) {
	api := newTestAPI(t)
	wsURL := "ws" + strings.TrimPrefix(api.server.URL, "http") + "/api/realtime/events"

	t.Run("unknown kinds are rejected", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, api.server.URL+"/api/realtime/events?kinds=weather", nil)
		require.NoError(t, err)
		req.Header.Set("X-API-Key", adminKey)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("key in query authenticates the upgrade", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("relays subscribed kinds", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?apiKey="+adminKey+"&kinds=stockAlert", nil)
		require.NoError(t, err)
		defer conn.Close()

		require.Eventually(t, func() bool { return api.hub.GetClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

		api.hub.Publish(models.RealtimeEvent{Kind: models.EventSaleNotification, At: testStart})
		api.hub.Publish(models.RealtimeEvent{
			Kind:    models.EventStockAlert,
			Message: &models.RealtimeMessage{Type: models.MessageStockAlert, Data: json.RawMessage(`{"sku":"sku-1"}`)},
			At:      testStart,
		})

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got map[string]interface{}
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, "stockAlert", got["kind"])
	})
}
