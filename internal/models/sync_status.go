package models

import "time"

// SyncStatus is the derived view of the sync subsystem exposed to the UI
type SyncStatus struct {
	IsOnline          bool       `json:"isOnline"`
	LastSync          *time.Time `json:"lastSync"`
	PendingChanges    int        `json:"pendingChanges"`
	SyncInProgress    bool       `json:"syncInProgress"`
	ErrorMessage      string     `json:"errorMessage,omitempty"`
	Conflicts         int        `json:"conflicts"`
	Failed            int        `json:"failed"`
	RealtimeConnected bool       `json:"realtimeConnected"`
}

// QueueStats counts outbox records by status
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Conflict   int `json:"conflict"`
}

// Total returns the number of records in the outbox
func (s QueueStats) Total() int {
	return s.Pending + s.Processing + s.Completed + s.Failed + s.Conflict
}
