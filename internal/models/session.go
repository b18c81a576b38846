// Package models provides data model definitions for Today.
package models

import "time"

// Session is the single active-timer slot. At most one timer runs at a time.
type Session struct {
	TaskID    string    `db:"task_id" json:"task_id"`
	TaskName  string    `db:"task_name" json:"task_name"`
	UserID    string    `db:"user_id" json:"user_id"`
	StartedAt time.Time `db:"started_at" json:"started_at"`
}

// TableName returns the table name for Session.
func (Session) TableName() string {
	return "active_session"
}

// Elapsed returns how long the timer has been running.
func (s *Session) Elapsed(now time.Time) time.Duration {
	if now.Before(s.StartedAt) {
		return 0
	}
	return now.Sub(s.StartedAt)
}
