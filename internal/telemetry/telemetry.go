// Package telemetry keeps in-process counters of sync activity.
//
// Nothing is transmitted anywhere. The daemon serves a snapshot on its local
// API so a user can see what the background sync has been doing.
package telemetry

import (
	"sync"
	"time"

	syncpkg "github.com/kimhsiao/today/backend/internal/sync"
)

const eventPrefix = "sync.event."

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Since      time.Time            `json:"since"`
	Counts     map[string]int64     `json:"counts"`
	LastEvents map[string]time.Time `json:"last_events"`
}

// Recorder counts named events. It is safe for concurrent use and
// implements syncpkg.Notifier.
type Recorder struct {
	now func() time.Time

	mu     sync.Mutex
	since  time.Time
	counts map[string]int64
	last   map[string]time.Time
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	r := &Recorder{now: time.Now}
	r.Reset()
	return r
}

// RecordCount adds delta to the named counter.
func (r *Recorder) RecordCount(name string, delta int64) {
	r.mu.Lock()
	r.counts[name] += delta
	r.last[name] = r.now().UTC()
	r.mu.Unlock()
}

// Notify counts a sync event by type.
func (r *Recorder) Notify(event syncpkg.SyncEvent) {
	r.RecordCount(eventPrefix+string(event.Type), 1)
}

// Count returns the current value of a counter.
func (r *Recorder) Count(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

// EventCount returns how many sync events of the given type were seen.
func (r *Recorder) EventCount(t syncpkg.SyncEventType) int64 {
	return r.Count(eventPrefix + string(t))
}

// Snapshot copies the counters.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		Since:      r.since,
		Counts:     make(map[string]int64, len(r.counts)),
		LastEvents: make(map[string]time.Time, len(r.last)),
	}
	for k, v := range r.counts {
		s.Counts[k] = v
	}
	for k, v := range r.last {
		s.LastEvents[k] = v
	}
	return s
}

// Reset clears every counter.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.since = r.now().UTC()
	r.counts = make(map[string]int64)
	r.last = make(map[string]time.Time)
	r.mu.Unlock()
}
