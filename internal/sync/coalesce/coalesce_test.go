package coalesce

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/today/backend/internal/models"
)

var base = time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)

func op(id string, kind models.OperationKind, entityID string, at int, payload string) models.QueuedOperation {
	return models.QueuedOperation{
		ID:        id,
		Kind:      kind,
		Entity:    models.EntityTasks,
		EntityID:  entityID,
		Payload:   json.RawMessage(payload),
		CreatedAt: base.Add(time.Duration(at) * time.Millisecond),
	}
}

// TestPlan_InsertThenDeleteCancels verifies a record created and deleted offline never reaches the remote.
func TestPlan_InsertThenDeleteCancels(t *testing.T) {
	res := Plan([]models.QueuedOperation{
		op("1", models.OperationInsert, "t1", 1, `{"id":"t1","text":"a"}`),
		op("2", models.OperationUpdate, "t1", 2, `{"done":true}`),
		op("3", models.OperationDelete, "t1", 3, `{}`),
	})

	assert.Empty(t, res.Ops)
	assert.ElementsMatch(t, []string{"1", "2", "3"}, res.Cancelled)
}

// TestPlan_DeleteWins verifies updates before a delete are dropped.
func TestPlan_DeleteWins(t *testing.T) {
	res := Plan([]models.QueuedOperation{
		op("1", models.OperationUpdate, "t1", 1, `{"text":"a"}`),
		op("2", models.OperationDelete, "t1", 2, `{}`),
		op("3", models.OperationDelete, "t1", 3, `{}`),
	})

	require.Len(t, res.Ops, 1)
	assert.Equal(t, "3", res.Ops[0].ID)
	assert.Equal(t, models.OperationDelete, res.Ops[0].Kind)
	assert.Equal(t, []string{"1", "2", "3"}, res.Ops[0].SourceIDs)
	assert.Empty(t, res.Cancelled)
}

// TestPlan_InsertAbsorbsUpdates verifies the insert keeps its identity and gains later fields.
func TestPlan_InsertAbsorbsUpdates(t *testing.T) {
	res := Plan([]models.QueuedOperation{
		op("1", models.OperationInsert, "t1", 1, `{"id":"t1","text":"a","done":false,"updated_at":"1"}`),
		op("2", models.OperationUpdate, "t1", 2, `{"text":"b","updated_at":"2"}`),
		op("3", models.OperationUpdate, "t1", 3, `{"done":true,"updated_at":"3"}`),
	})

	require.Len(t, res.Ops, 1)
	got := res.Ops[0]
	assert.Equal(t, "1", got.ID)
	assert.Equal(t, models.OperationInsert, got.Kind)
	assert.True(t, base.Add(time.Millisecond).Equal(got.CreatedAt))
	assert.JSONEq(t, `{"id":"t1","text":"b","done":true,"updated_at":"3"}`, string(got.Payload))
}

// TestPlan_UpdatesMergeLeftToRight verifies field-wise merging with the latest identity.
func TestPlan_UpdatesMergeLeftToRight(t *testing.T) {
	res := Plan([]models.QueuedOperation{
		op("2", models.OperationUpdate, "t1", 2, `{"done":true,"updated_at":"2"}`),
		op("1", models.OperationUpdate, "t1", 1, `{"text":"a","done":false,"updated_at":"1"}`),
	})

	require.Len(t, res.Ops, 1)
	got := res.Ops[0]
	assert.Equal(t, "2", got.ID)
	assert.Equal(t, models.OperationUpdate, got.Kind)
	assert.JSONEq(t, `{"text":"a","done":true,"updated_at":"2"}`, string(got.Payload))
	assert.Equal(t, []string{"1", "2"}, got.SourceIDs)
}

// TestPlan_SingleOpUntouched verifies single-op groups keep their exact payload bytes.
func TestPlan_SingleOpUntouched(t *testing.T) {
	in := op("1", models.OperationUpdate, "t1", 1, `{ "updated_at" : "1", "text":"a" }`)

	res := Plan([]models.QueuedOperation{in})

	require.Len(t, res.Ops, 1)
	assert.Equal(t, in, res.Ops[0].QueuedOperation)
	assert.Equal(t, []string{"1"}, res.Ops[0].SourceIDs)
}

// TestPlan_OrderAcrossRecords verifies output is sorted by created_at with entity ties.
func TestPlan_OrderAcrossRecords(t *testing.T) {
	entry := op("4", models.OperationDelete, "e1", 2, `{}`)
	entry.Entity = models.EntityTimeEntries

	res := Plan([]models.QueuedOperation{
		op("1", models.OperationUpdate, "b", 5, `{"text":"x","updated_at":"1"}`),
		op("2", models.OperationDelete, "a", 2, `{}`),
		op("3", models.OperationUpdate, "b", 1, `{"done":true,"updated_at":"0"}`),
		entry,
	})

	var got []string
	for _, o := range res.Ops {
		got = append(got, o.ID)
	}
	// "b" takes the identity of its latest op (created at 5).
	assert.Equal(t, []string{"2", "4", "1"}, got)
}

// TestPlan_RetryBookkeeping verifies fused ops keep the highest retry count and latest schedule.
func TestPlan_RetryBookkeeping(t *testing.T) {
	first := op("1", models.OperationUpdate, "t1", 1, `{"text":"a","updated_at":"1"}`)
	first.RetryCount = 2
	retryAt := base.Add(time.Minute)
	first.NextRetryAt = &retryAt
	first.LastError = "timeout"
	second := op("2", models.OperationUpdate, "t1", 2, `{"text":"b","updated_at":"2"}`)

	res := Plan([]models.QueuedOperation{first, second})

	require.Len(t, res.Ops, 1)
	assert.Equal(t, 2, res.Ops[0].RetryCount)
	require.NotNil(t, res.Ops[0].NextRetryAt)
	assert.True(t, retryAt.Equal(*res.Ops[0].NextRetryAt))
	assert.Equal(t, "timeout", res.Ops[0].LastError)
}

// TestPlan_Idempotent verifies coalescing coalesced output changes nothing.
func TestPlan_Idempotent(t *testing.T) {
	in := []models.QueuedOperation{
		op("1", models.OperationInsert, "t1", 1, `{"id":"t1","text":"a"}`),
		op("2", models.OperationUpdate, "t1", 2, `{"text":"b"}`),
		op("3", models.OperationUpdate, "t2", 3, `{"text":"c"}`),
		op("4", models.OperationUpdate, "t2", 4, `{"done":true}`),
		op("5", models.OperationDelete, "t3", 5, `{}`),
	}

	once := Coalesce(in)
	twice := Coalesce(Operations(once))

	assert.Equal(t, Operations(once), Operations(twice))
}

// TestPlan_CorruptPayloadPassesThrough verifies a group with an unreadable payload is not merged.
func TestPlan_CorruptPayloadPassesThrough(t *testing.T) {
	res := Plan([]models.QueuedOperation{
		op("1", models.OperationUpdate, "t1", 1, `not json`),
		op("2", models.OperationUpdate, "t1", 2, `{"text":"b"}`),
	})

	require.Len(t, res.Ops, 2)
	assert.Equal(t, "1", res.Ops[0].ID)
	assert.Equal(t, "2", res.Ops[1].ID)
}

// TestCoalesce_Empty verifies an empty queue yields nothing.
func TestCoalesce_Empty(t *testing.T) {
	assert.Empty(t, Coalesce(nil))
}
