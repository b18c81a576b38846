package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	syncpkg "github.com/kimhsiao/today/backend/internal/sync"
)

func TestRecorder_Counts(t *testing.T) {
	r := NewRecorder()
	r.RecordCount("import.files", 2)
	r.RecordCount("import.files", 1)

	assert.Equal(t, int64(3), r.Count("import.files"))
	assert.Zero(t, r.Count("backup.files"))
}

func TestRecorder_Notify(t *testing.T) {
	r := NewRecorder()
	var n syncpkg.Notifier = r
	n.Notify(syncpkg.SyncEvent{Type: syncpkg.EventCycleComplete})
	n.Notify(syncpkg.SyncEvent{Type: syncpkg.EventCycleComplete})
	n.Notify(syncpkg.SyncEvent{Type: syncpkg.EventDropped})

	assert.Equal(t, int64(2), r.EventCount(syncpkg.EventCycleComplete))
	assert.Equal(t, int64(1), r.EventCount(syncpkg.EventDropped))
	assert.Zero(t, r.EventCount(syncpkg.EventRemoteUpdate))
}

func TestRecorder_SnapshotIsCopy(t *testing.T) {
	r := NewRecorder()
	fixed := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }
	r.Reset()
	r.RecordCount("backup.files", 1)

	s := r.Snapshot()
	s.Counts["backup.files"] = 99

	assert.Equal(t, int64(1), r.Count("backup.files"))
	assert.Equal(t, fixed, s.Since)
	assert.Equal(t, fixed, s.LastEvents["backup.files"])
}

func TestRecorder_Reset(t *testing.T) {
	r := NewRecorder()
	r.RecordCount("import.failed", 1)
	r.Reset()
	assert.Empty(t, r.Snapshot().Counts)
}

func TestRecorder_Concurrent(t *testing.T) {
	r := NewRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Notify(syncpkg.SyncEvent{Type: syncpkg.EventRemoteUpdate})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1000), r.EventCount(syncpkg.EventRemoteUpdate))
}
