// Package models provides data model definitions for Today.
package models

import (
	"time"
)

// EntityType names a synchronized collection. The value doubles as the
// local and remote table name.
type EntityType string

const (
	EntityTasks       EntityType = "tasks"
	EntityTimeEntries EntityType = "time_entries"
)

// EntityTypes returns every synchronized entity type in a stable order.
// Tasks come first so that a pull materializes parents before time entries.
func EntityTypes() []EntityType {
	return []EntityType{EntityTasks, EntityTimeEntries}
}

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	return e == EntityTasks || e == EntityTimeEntries
}

// Record is a domain object kept in the local cache and mirrored remotely.
type Record interface {
	RecordID() string
	Owner() string
	Entity() EntityType
	Created() time.Time
	LastModified() time.Time
}

// Task is a to-do item.
type Task struct {
	ID        string    `json:"id" yaml:"id"`
	UserID    string    `json:"user_id" yaml:"user_id"`
	Text      string    `json:"text" yaml:"text"`
	Done      bool      `json:"done" yaml:"done"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

func (t *Task) RecordID() string        { return t.ID }
func (t *Task) Owner() string           { return t.UserID }
func (t *Task) Entity() EntityType      { return EntityTasks }
func (t *Task) Created() time.Time      { return t.CreatedAt }
func (t *Task) LastModified() time.Time { return t.UpdatedAt }

// TimeEntry is a tracked span of work.
//
// TaskName is a snapshot of the parent task's text taken when the entry was
// created. It is never refreshed and outlives the task: deleting the task
// clears TaskID but keeps the name for historical display.
type TimeEntry struct {
	ID        string     `json:"id" yaml:"id"`
	UserID    string     `json:"user_id" yaml:"user_id"`
	TaskID    *string    `json:"task_id" yaml:"task_id"`
	TaskName  string     `json:"task_name" yaml:"task_name"`
	StartTime time.Time  `json:"start_time" yaml:"start_time"`
	EndTime   *time.Time `json:"end_time" yaml:"end_time"`
	Notes     string     `json:"notes" yaml:"notes"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" yaml:"updated_at"`
}

func (e *TimeEntry) RecordID() string        { return e.ID }
func (e *TimeEntry) Owner() string           { return e.UserID }
func (e *TimeEntry) Entity() EntityType      { return EntityTimeEntries }
func (e *TimeEntry) Created() time.Time      { return e.CreatedAt }
func (e *TimeEntry) LastModified() time.Time { return e.UpdatedAt }

// Duration returns the tracked duration, measured up to now for a running entry.
func (e *TimeEntry) Duration(now time.Time) time.Duration {
	end := now
	if e.EndTime != nil {
		end = *e.EndTime
	}
	if end.Before(e.StartTime) {
		return 0
	}
	return end.Sub(e.StartTime)
}

// Now returns the current time in UTC truncated to millisecond precision,
// the resolution used by every persisted timestamp.
func Now() time.Time {
	return Normalize(time.Now())
}

// Normalize converts t to UTC at millisecond precision.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// CloneRecord returns a deep copy of a record.
func CloneRecord(r Record) Record {
	switch v := r.(type) {
	case *Task:
		c := *v
		return &c
	case *TimeEntry:
		c := *v
		if v.TaskID != nil {
			id := *v.TaskID
			c.TaskID = &id
		}
		if v.EndTime != nil {
			end := *v.EndTime
			c.EndTime = &end
		}
		return &c
	default:
		return r
	}
}
