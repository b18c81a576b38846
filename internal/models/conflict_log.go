// Package models provides data model definitions for Today.
package models

import "time"

// Resolution strategies recorded in the conflict log.
const (
	ResolutionLastWriteWins = "last_write_wins"
	ResolutionRemoteDeleted = "remote_deleted"
)

// ConflictLog records an automatically resolved concurrent edit for user awareness.
type ConflictLog struct {
	ID              string     `db:"id" json:"id"`
	Entity          EntityType `db:"entity" json:"entity"`
	ItemID          string     `db:"item_id" json:"item_id"`
	LocalTimestamp  int64      `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp int64      `db:"remote_timestamp" json:"remote_timestamp"`
	Resolution      string     `db:"resolution" json:"resolution"`
	DetectedAt      int64      `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt).UTC()
}

// RemoteTime returns the remote side's updated_at.
func (c *ConflictLog) RemoteTime() time.Time {
	return time.UnixMilli(c.RemoteTimestamp).UTC()
}

// LocalTime returns the local side's updated_at.
func (c *ConflictLog) LocalTime() time.Time {
	return time.UnixMilli(c.LocalTimestamp).UTC()
}
