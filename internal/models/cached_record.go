// Package models provides data model definitions for Today.
package models

import "time"

// SyncStatus is the local-only replication state of a cached record.
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusError   SyncStatus = "error"
)

// Valid reports whether s is a known status.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusSynced, SyncStatusPending, SyncStatusError:
		return true
	}
	return false
}

// SyncMeta is bookkeeping the remote backend never sees.
type SyncMeta struct {
	Status          SyncStatus
	LastSyncAttempt *time.Time
}

// CachedRecord is a record as materialized in the local store.
type CachedRecord struct {
	Record Record
	Meta   SyncMeta
}

// NewCachedRecord wraps r with the given status.
func NewCachedRecord(r Record, status SyncStatus) CachedRecord {
	return CachedRecord{Record: r, Meta: SyncMeta{Status: status}}
}

// InitialStatus is the status a freshly written local record starts in:
// owned records wait for replay, anonymous ones never leave the device.
func InitialStatus(r Record) SyncStatus {
	if r.Owner() == "" {
		return SyncStatusSynced
	}
	return SyncStatusPending
}
