package models

import (
	"encoding/json"
	"time"
)

// ErrorResponse is the body of every non-2xx admin API response
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is returned by the health endpoint
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// LogChangeRequest is the body of POST /api/sync/changes
type LogChangeRequest struct {
	EntityType    string          `json:"entityType"`
	EntityID      string          `json:"entityId"`
	OperationType string          `json:"operationType"`
	Payload       json.RawMessage `json:"payload"`
}

// LogChangeResponse is returned after a change was queued
type LogChangeResponse struct {
	OperationID string `json:"operationId"`
}

// SyncNowResponse reports the result of a manual sync
type SyncNowResponse struct {
	Success bool       `json:"success"`
	Status  SyncStatus `json:"status"`
}

// OperationListResponse is returned when listing outbox records
type OperationListResponse struct {
	Operations []*SyncOperation `json:"operations"`
	TotalCount int              `json:"totalCount"`
	Skip       int              `json:"skip"`
	Take       int              `json:"take"`
}
