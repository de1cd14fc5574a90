package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityType identifies the kind of local record a SyncOperation mutates
type EntityType string

const (
	EntityOrder     EntityType = "order"
	EntityInventory EntityType = "inventory"
	EntityPayment   EntityType = "payment"
	EntityCustomer  EntityType = "customer"
	EntityProduct   EntityType = "product"
	EntitySettings  EntityType = "settings"
)

// EntityTypes lists every entity type the outbox accepts.
var EntityTypes = []EntityType{
	EntityOrder, EntityInventory, EntityPayment, EntityCustomer, EntityProduct, EntitySettings,
}

// Valid reports whether t is a known entity type
func (t EntityType) Valid() bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Resource returns the remote API collection for the entity type
func (t EntityType) Resource() string {
	switch t {
	case EntityOrder:
		return "orders"
	case EntityPayment:
		return "payments"
	case EntityCustomer:
		return "customers"
	case EntityProduct:
		return "products"
	default:
		return string(t)
	}
}

// OperationType is the mutation carried by a SyncOperation
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
	OperationSync   OperationType = "sync"
)

// Valid reports whether t is a known operation type
func (t OperationType) Valid() bool {
	switch t {
	case OperationCreate, OperationUpdate, OperationDelete, OperationSync:
		return true
	}
	return false
}

// OperationStatus is the lifecycle state of a SyncOperation
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusProcessing OperationStatus = "processing"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
	StatusConflict   OperationStatus = "conflict"
)

// Valid reports whether s is a known status
func (s OperationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusConflict:
		return true
	}
	return false
}

// NeedsOperator reports whether the status only changes through operator action
func (s OperationStatus) NeedsOperator() bool {
	return s == StatusFailed || s == StatusConflict
}

// SyncOperation is a durable outbox record for one local mutation
type SyncOperation struct {
	ID            string          `json:"operationId"`
	EntityType    EntityType      `json:"entityType"`
	EntityID      string          `json:"entityId"`
	OperationType OperationType   `json:"operationType"`
	Payload       json.RawMessage `json:"payload"`
	Status        OperationStatus `json:"status"`
	ErrorMessage  *string         `json:"errorMessage,omitempty"`
	RetryCount    int             `json:"retryCount"`
	NextRetryAt   *time.Time      `json:"nextRetryAt,omitempty"`
	ServerState   json.RawMessage `json:"serverState,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

// NewSyncOperation validates a local mutation and builds a pending outbox record
func NewSyncOperation(entityType, entityID, operationType string, payload json.RawMessage, now time.Time) (*SyncOperation, error) {
	et := EntityType(strings.ToLower(strings.TrimSpace(entityType)))
	if !et.Valid() {
		return nil, &ValidationError{Field: "entityType", Message: "unknown entity type: " + entityType}
	}
	if strings.TrimSpace(entityID) == "" {
		return nil, &ValidationError{Field: "entityId", Message: "entity id cannot be empty"}
	}
	ot := OperationType(strings.ToLower(strings.TrimSpace(operationType)))
	if !ot.Valid() {
		return nil, &ValidationError{Field: "operationType", Message: "unknown operation type: " + operationType}
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return nil, &ValidationError{Field: "payload", Message: "payload must be valid JSON"}
	}

	now = now.UTC()
	return &SyncOperation{
		ID:            uuid.New().String(),
		EntityType:    et,
		EntityID:      entityID,
		OperationType: ot,
		Payload:       payload,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// EntityKey identifies the entity an operation targets
type EntityKey struct {
	Type EntityType
	ID   string
}

// Key returns the (entityType, entityId) pair of the operation
func (o *SyncOperation) Key() EntityKey {
	return EntityKey{Type: o.EntityType, ID: o.EntityID}
}
