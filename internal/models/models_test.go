// Package models tests for data model definitions.
package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, 3, 1, 9, 30, 0, 123_000_000, time.UTC)

func taskJSON(t *testing.T, task *Task) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(task)
	require.NoError(t, err)
	return data
}

// =====================================================
// Record Tests
// =====================================================

// TestNormalize verifies timestamps are reduced to UTC milliseconds.
func TestNormalize(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	in := time.Date(2024, 3, 1, 17, 30, 0, 123_456_789, loc)

	got := Normalize(in)

	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, 123_000_000, got.Nanosecond())
	assert.True(t, got.Equal(in.Truncate(time.Millisecond)))
}

// TestCloneRecord_DeepCopy verifies pointer fields are not shared.
func TestCloneRecord_DeepCopy(t *testing.T) {
	taskID := "task-1"
	end := testTime.Add(time.Hour)
	entry := &TimeEntry{ID: "e1", TaskID: &taskID, EndTime: &end}

	clone := CloneRecord(entry).(*TimeEntry)
	*clone.TaskID = "other"
	*clone.EndTime = testTime

	assert.Equal(t, "task-1", *entry.TaskID)
	assert.Equal(t, testTime.Add(time.Hour), *entry.EndTime)
}

// TestTimeEntry_Duration verifies running and finished durations.
func TestTimeEntry_Duration(t *testing.T) {
	entry := &TimeEntry{StartTime: testTime}
	assert.Equal(t, 10*time.Minute, entry.Duration(testTime.Add(10*time.Minute)))

	end := testTime.Add(time.Hour)
	entry.EndTime = &end
	assert.Equal(t, time.Hour, entry.Duration(testTime.Add(5*time.Hour)))
}

// TestInitialStatus verifies anonymous records never wait for replay.
func TestInitialStatus(t *testing.T) {
	assert.Equal(t, SyncStatusSynced, InitialStatus(&Task{}))
	assert.Equal(t, SyncStatusPending, InitialStatus(&Task{UserID: "u1"}))
}

// TestEncodeRecord_NoSyncMetadata verifies the wire form carries only domain fields.
func TestEncodeRecord_NoSyncMetadata(t *testing.T) {
	data, err := EncodeRecord(&Task{ID: "t1", UserID: "u1", Text: "write", CreatedAt: testTime, UpdatedAt: testTime})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.NotContains(t, fields, "sync_status")
	assert.NotContains(t, fields, "last_sync_attempt")
	assert.ElementsMatch(t, Columns(EntityTasks), keys(fields))
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// =====================================================
// Payload Validation Tests
// =====================================================

// TestValidatePayload covers each operation kind.
func TestValidatePayload(t *testing.T) {
	validTask := taskJSON(t, &Task{ID: "t1", UserID: "u1", Text: "write", CreatedAt: testTime, UpdatedAt: testTime})

	tests := []struct {
		name    string
		entity  EntityType
		kind    OperationKind
		payload string
		wantErr bool
	}{
		{"insert complete task", EntityTasks, OperationInsert, string(validTask), false},
		{"insert missing text", EntityTasks, OperationInsert, `{"id":"t1","user_id":"u1","done":false,"created_at":"2024-03-01T09:30:00Z","updated_at":"2024-03-01T09:30:00Z"}`, true},
		{"insert unknown field", EntityTasks, OperationInsert, `{"id":"t1","user_id":"u1","text":"x","done":false,"created_at":"2024-03-01T09:30:00Z","updated_at":"2024-03-01T09:30:00Z","color":"red"}`, true},
		{"insert wrong type", EntityTasks, OperationInsert, `{"id":"t1","user_id":"u1","text":"x","done":"yes","created_at":"2024-03-01T09:30:00Z","updated_at":"2024-03-01T09:30:00Z"}`, true},
		{"update with updated_at", EntityTasks, OperationUpdate, `{"done":true,"updated_at":"2024-03-01T09:30:00Z"}`, false},
		{"update without updated_at", EntityTasks, OperationUpdate, `{"done":true}`, true},
		{"update empty", EntityTasks, OperationUpdate, `{}`, true},
		{"update non editable field", EntityTimeEntries, OperationUpdate, `{"task_name":"x","updated_at":"2024-03-01T09:30:00Z"}`, true},
		{"update null field", EntityTimeEntries, OperationUpdate, `{"notes":null,"updated_at":"2024-03-01T09:30:00Z"}`, true},
		{"update time entry notes", EntityTimeEntries, OperationUpdate, `{"notes":"n","updated_at":"2024-03-01T09:30:00Z"}`, false},
		{"delete empty", EntityTasks, OperationDelete, `{}`, false},
		{"delete non empty", EntityTasks, OperationDelete, `{"id":"t1"}`, true},
		{"not an object", EntityTasks, OperationDelete, `[]`, true},
		{"unknown entity", EntityType("notes"), OperationDelete, `{}`, true},
		{"unknown kind", EntityTasks, OperationKind("UPSERT"), `{}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.entity, tt.kind, json.RawMessage(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidRecord))
				return
			}
			require.NoError(t, err)
		})
	}
}

// TestDecodeRecord_TimeEntry verifies remote rows are decoded and normalized.
func TestDecodeRecord_TimeEntry(t *testing.T) {
	raw := json.RawMessage(`{
		"id":"e1","user_id":"u1","task_id":null,"task_name":"Write report",
		"start_time":"2024-03-01T09:00:00.123456+00:00","end_time":"2024-03-01T10:00:00+00:00",
		"notes":"","created_at":"2024-03-01T09:00:00Z","updated_at":"2024-03-01T10:00:00Z",
		"extra_column":42
	}`)

	rec, err := DecodeRecord(EntityTimeEntries, raw)
	require.NoError(t, err)

	entry := rec.(*TimeEntry)
	assert.Nil(t, entry.TaskID)
	assert.Equal(t, "Write report", entry.TaskName)
	assert.Equal(t, 123_000_000, entry.StartTime.Nanosecond())
	require.NotNil(t, entry.EndTime)
	assert.Equal(t, time.Hour-123*time.Millisecond, entry.EndTime.Sub(entry.StartTime))
}

// TestDecodeRecord_Invalid verifies boundary rejections.
func TestDecodeRecord_Invalid(t *testing.T) {
	tests := map[string]string{
		"missing start":  `{"id":"e1","user_id":"u1","task_name":"x","created_at":"2024-03-01T09:00:00Z","updated_at":"2024-03-01T09:00:00Z"}`,
		"end before":     `{"id":"e1","user_id":"u1","task_name":"x","start_time":"2024-03-01T09:00:00Z","end_time":"2024-03-01T08:00:00Z","created_at":"2024-03-01T09:00:00Z","updated_at":"2024-03-01T09:00:00Z"}`,
		"bad time":       `{"id":"e1","user_id":"u1","task_name":"x","start_time":"yesterday","created_at":"2024-03-01T09:00:00Z","updated_at":"2024-03-01T09:00:00Z"}`,
		"null id":        `{"id":null,"user_id":"u1","task_name":"x","start_time":"2024-03-01T09:00:00Z","created_at":"2024-03-01T09:00:00Z","updated_at":"2024-03-01T09:00:00Z"}`,
		"not an object":  `"e1"`,
		"empty document": ``,
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRecord(EntityTimeEntries, json.RawMessage(raw))
			assert.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
}

// TestMergeInto verifies a partial payload only changes the named fields.
func TestMergeInto(t *testing.T) {
	task := &Task{ID: "t1", UserID: "u1", Text: "before", CreatedAt: testTime, UpdatedAt: testTime}

	merged, err := MergeInto(task, json.RawMessage(`{"done":true,"updated_at":"2024-03-01T10:00:00Z"}`))
	require.NoError(t, err)

	got := merged.(*Task)
	assert.Equal(t, "before", got.Text)
	assert.True(t, got.Done)
	assert.Equal(t, testTime.Add(30*time.Minute-123*time.Millisecond), got.UpdatedAt)
	assert.False(t, task.Done, "source record must not be mutated")
}

// TestTaskPatch_Apply verifies nil fields are left alone.
func TestTaskPatch_Apply(t *testing.T) {
	text := "after"
	task := &Task{Text: "before", Done: true}

	TaskPatch{Text: &text}.Apply(task)

	assert.Equal(t, "after", task.Text)
	assert.True(t, task.Done)
	assert.True(t, TaskPatch{}.Empty())
}

// TestUpdatableColumns verifies identity columns are never patchable.
func TestUpdatableColumns(t *testing.T) {
	cols := UpdatableColumns(EntityTimeEntries)
	assert.Contains(t, cols, "notes")
	assert.NotContains(t, cols, "id")
	assert.NotContains(t, cols, "task_name")
	assert.NotContains(t, cols, "user_id")
}

// TestConflictLog_Times verifies millisecond timestamps convert back to UTC.
func TestConflictLog_Times(t *testing.T) {
	c := ConflictLog{DetectedAt: testTime.UnixMilli(), RemoteTimestamp: testTime.UnixMilli()}
	assert.True(t, c.DetectedAtTime().Equal(testTime))
	assert.True(t, c.RemoteTime().Equal(testTime))
	assert.Equal(t, "conflict_log", ConflictLog{}.TableName())
}
