// Package models provides data model definitions for Today.
package models

import (
	"encoding/json"
	"time"
)

// OperationKind is the kind of mutation a queued operation replays.
type OperationKind string

const (
	OperationInsert OperationKind = "INSERT"
	OperationUpdate OperationKind = "UPDATE"
	OperationDelete OperationKind = "DELETE"
)

// Valid reports whether k is a known operation kind.
func (k OperationKind) Valid() bool {
	return k == OperationInsert || k == OperationUpdate || k == OperationDelete
}

// QueuedOperation represents one pending mutation waiting for replay.
// Payload holds only the changed fields, serialized as a JSON object.
type QueuedOperation struct {
	ID          string          `db:"id" json:"id"`
	Kind        OperationKind   `db:"kind" json:"kind"`
	Entity      EntityType      `db:"entity" json:"entity"`
	EntityID    string          `db:"entity_id" json:"entity_id"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	NextRetryAt *time.Time      `db:"next_retry_at" json:"next_retry_at,omitempty"`
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for QueuedOperation.
func (QueuedOperation) TableName() string {
	return "operation_queue"
}

// Key identifies the entity an operation targets.
func (o *QueuedOperation) Key() EntityKey {
	return EntityKey{Entity: o.Entity, ID: o.EntityID}
}

// EntityKey groups operations that target the same record.
type EntityKey struct {
	Entity EntityType
	ID     string
}

func (k EntityKey) String() string {
	return string(k.Entity) + "/" + k.ID
}
