// Package conflict provides unit tests for last-write-wins resolution.
package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/today/backend/internal/models"
)

var base = time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)

func task(text string, updated time.Time) *models.Task {
	return &models.Task{ID: "t1", UserID: "u1", Text: text, CreatedAt: base, UpdatedAt: updated}
}

func cached(rec models.Record, status models.SyncStatus) *models.CachedRecord {
	c := models.NewCachedRecord(rec, status)
	return &c
}

// TestResolve covers every decision of the resolver.
func TestResolve(t *testing.T) {
	r := NewResolver(func() time.Time { return base.Add(time.Hour) })

	tests := []struct {
		name       string
		local      *models.CachedRecord
		remote     models.Record
		wantAction Action
		wantText   string
		wantLog    bool
	}{
		{"absent locally", nil, task("remote", base), InsertRemote, "remote", false},
		{"pending beats newer remote", cached(task("local", base), models.SyncStatusPending), task("remote", base.Add(time.Minute)), KeepLocal, "local", false},
		{"newer remote wins", cached(task("local", base), models.SyncStatusSynced), task("remote", base.Add(time.Millisecond)), TakeRemote, "remote", true},
		{"newer remote wins over error", cached(task("local", base), models.SyncStatusError), task("remote", base.Add(time.Second)), TakeRemote, "remote", true},
		{"tie keeps local", cached(task("local", base), models.SyncStatusSynced), task("remote", base), KeepLocal, "local", false},
		{"older remote loses", cached(task("local", base), models.SyncStatusSynced), task("remote", base.Add(-time.Second)), KeepLocal, "local", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(tt.local, tt.remote)
			require.NoError(t, err)

			assert.Equal(t, tt.wantAction, res.Action)
			assert.Equal(t, tt.wantText, res.Winner.(*models.Task).Text)
			assert.Equal(t, tt.wantAction != KeepLocal, res.Changed())
			if tt.wantAction != KeepLocal {
				assert.Equal(t, models.SyncStatusSynced, res.Status)
			}
			if tt.wantLog {
				require.NotNil(t, res.Log)
				assert.Equal(t, "t1", res.Log.ItemID)
				assert.Equal(t, models.EntityTasks, res.Log.Entity)
				assert.Equal(t, models.ResolutionLastWriteWins, res.Log.Resolution)
				assert.Equal(t, base.Add(time.Hour).UnixMilli(), res.Log.DetectedAt)
			} else {
				assert.Nil(t, res.Log)
			}
		})
	}
}

// TestResolve_Idempotent tests that applying the same remote twice is a no-op the second time.
func TestResolve_Idempotent(t *testing.T) {
	r := NewResolver(nil)
	remote := task("remote", base.Add(time.Minute))

	first, err := r.Resolve(cached(task("local", base), models.SyncStatusSynced), remote)
	require.NoError(t, err)
	require.Equal(t, TakeRemote, first.Action)

	second, err := r.Resolve(cached(first.Winner, first.Status), remote)
	require.NoError(t, err)
	assert.Equal(t, KeepLocal, second.Action)
}

// TestResolve_Errors tests invalid inputs.
func TestResolve_Errors(t *testing.T) {
	r := NewResolver(nil)

	_, err := r.Resolve(nil, nil)
	assert.ErrorIs(t, err, ErrNilRemote)

	other := task("x", base)
	other.ID = "t2"
	_, err = r.Resolve(cached(task("local", base), models.SyncStatusSynced), other)
	assert.ErrorIs(t, err, ErrItemIDMismatch)
}

// TestRemoteNewer tests the strict comparison.
func TestRemoteNewer(t *testing.T) {
	assert.True(t, RemoteNewer(base, base.Add(time.Millisecond)))
	assert.False(t, RemoteNewer(base, base))
	assert.False(t, RemoteNewer(base, base.Add(-time.Millisecond)))
	assert.Equal(t, "take_remote", TakeRemote.String())
}
