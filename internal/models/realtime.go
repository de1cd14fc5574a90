package models

import (
	"encoding/json"
	"math"
	"time"
)

// MessageType is the wire type of a realtime frame
type MessageType string

const (
	MessageSyncRequired       MessageType = "sync_required"
	MessageInventoryUpdate    MessageType = "inventory_update"
	MessagePriceUpdate        MessageType = "price_update"
	MessageStockAlert         MessageType = "stock_alert"
	MessageSystemNotification MessageType = "system_notification"
	MessageSaleNotification   MessageType = "sale_notification"
	MessagePing               MessageType = "ping"
	MessagePong               MessageType = "pong"
)

// RealtimeMessage is a JSON frame exchanged over the realtime channel
type RealtimeMessage struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// UnmarshalJSON accepts the timestamp as an RFC 3339 string or as epoch
// milliseconds. An unreadable timestamp is left zero rather than failing the frame.
func (m *RealtimeMessage) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type      MessageType     `json:"type"`
		Data      json.RawMessage `json:"data,omitempty"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.Type = wire.Type
	m.Data = wire.Data
	m.Timestamp = parseTimestamp(wire.Timestamp)
	return nil
}

// epochSecondsLimit separates epoch seconds from epoch milliseconds
const epochSecondsLimit = 1e11

func parseTimestamp(raw json.RawMessage) time.Time {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		return time.Time{}
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}
	}
	if math.Abs(n) < epochSecondsLimit {
		return time.UnixMilli(int64(n * 1000)).UTC()
	}
	return time.UnixMilli(int64(n)).UTC()
}

// RealtimeEventKind enumerates everything the realtime channel can publish
type RealtimeEventKind int

const (
	EventConnected RealtimeEventKind = iota
	EventDisconnected
	EventSyncRequired
	EventInventoryUpdate
	EventPriceUpdate
	EventStockAlert
	EventSystemNotification
	EventSaleNotification
	EventUnknownMessage
	EventMaxReconnectAttempts
)

// RealtimeEventKinds lists every event kind
var RealtimeEventKinds = []RealtimeEventKind{
	EventConnected, EventDisconnected, EventSyncRequired, EventInventoryUpdate,
	EventPriceUpdate, EventStockAlert, EventSystemNotification, EventSaleNotification,
	EventUnknownMessage, EventMaxReconnectAttempts,
}

func (k RealtimeEventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventSyncRequired:
		return "syncRequired"
	case EventInventoryUpdate:
		return "inventoryUpdate"
	case EventPriceUpdate:
		return "priceUpdate"
	case EventStockAlert:
		return "stockAlert"
	case EventSystemNotification:
		return "systemNotification"
	case EventSaleNotification:
		return "saleNotification"
	case EventUnknownMessage:
		return "unknownMessage"
	case EventMaxReconnectAttempts:
		return "maxReconnectAttempts"
	default:
		return "unknown"
	}
}

// ParseRealtimeEventKind is the inverse of RealtimeEventKind.String
func ParseRealtimeEventKind(s string) (RealtimeEventKind, bool) {
	for _, k := range RealtimeEventKinds {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// EventKindForMessage maps an application message type to its event kind.
// ping and pong are transport concerns and have no event kind.
func EventKindForMessage(t MessageType) (RealtimeEventKind, bool) {
	switch t {
	case MessageSyncRequired:
		return EventSyncRequired, true
	case MessageInventoryUpdate:
		return EventInventoryUpdate, true
	case MessagePriceUpdate:
		return EventPriceUpdate, true
	case MessageStockAlert:
		return EventStockAlert, true
	case MessageSystemNotification:
		return EventSystemNotification, true
	case MessageSaleNotification:
		return EventSaleNotification, true
	}
	return 0, false
}

// RealtimeEvent is delivered to subscribers of the realtime channel
type RealtimeEvent struct {
	Kind RealtimeEventKind `json:"-"`
	// Message is set for events decoded from a server frame
	Message *RealtimeMessage `json:"message,omitempty"`
	// Raw holds the undecodable frame for EventUnknownMessage
	Raw json.RawMessage `json:"raw,omitempty"`
	// Attempts is set on EventMaxReconnectAttempts
	Attempts int       `json:"attempts,omitempty"`
	At       time.Time `json:"at"`
}

// MarshalJSON includes the kind name
func (e RealtimeEvent) MarshalJSON() ([]byte, error) {
	type alias RealtimeEvent
	return json.Marshal(struct {
		Kind string `json:"kind"`
		alias
	}{Kind: e.Kind.String(), alias: alias(e)})
}
