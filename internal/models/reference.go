package models

import (
	"encoding/json"
	"time"
)

// ReferenceKind is a backend-owned collection mirrored locally
type ReferenceKind string

const (
	ReferenceProducts  ReferenceKind = "products"
	ReferenceCustomers ReferenceKind = "customers"
	ReferenceSuppliers ReferenceKind = "suppliers"
)

// ReferenceKinds lists the kinds pulled on every sync cycle, in pull order
var ReferenceKinds = []ReferenceKind{ReferenceProducts, ReferenceCustomers, ReferenceSuppliers}

// EntityType returns the outbox entity type whose pending writes protect
// records of this kind from being overwritten. Suppliers are never written locally.
func (k ReferenceKind) EntityType() (EntityType, bool) {
	switch k {
	case ReferenceProducts:
		return EntityProduct, true
	case ReferenceCustomers:
		return EntityCustomer, true
	}
	return "", false
}

// ReferenceRecord is a locally cached copy of a backend record
type ReferenceRecord struct {
	Kind            ReferenceKind   `json:"kind"`
	ID              string          `json:"id"`
	Data            json.RawMessage `json:"data"`
	RemoteUpdatedAt *time.Time      `json:"remoteUpdatedAt,omitempty"`
	SyncedAt        time.Time       `json:"syncedAt"`
}

// ReferenceSyncState tracks the incremental pull cursor for a kind
type ReferenceSyncState struct {
	Kind        ReferenceKind `json:"kind"`
	LastPullAt  *time.Time    `json:"lastPullAt,omitempty"`
	RecordCount int           `json:"recordCount"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// SnapshotItem is the envelope every item in a snapshot response must satisfy
type SnapshotItem struct {
	ID        string     `json:"id"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	Deleted   bool       `json:"deleted,omitempty"`
}

// Snapshot is the backend's answer to a reference pull
type Snapshot struct {
	Items      []json.RawMessage `json:"items"`
	ServerTime *time.Time        `json:"serverTime,omitempty"`
}
