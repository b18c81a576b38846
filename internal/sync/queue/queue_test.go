// Package queue provides unit tests for the durable operation queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/today/backend/internal/db/dbtest"
	"github.com/kimhsiao/today/backend/internal/models"
)

var base = time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func updatePayload(t *testing.T, fields map[string]any) json.RawMessage {
	t.Helper()
	fields["updated_at"] = base.Format(time.RFC3339Nano)
	data, err := json.Marshal(fields)
	require.NoError(t, err)
	return data
}

// TestQueueEnqueue tests that an enqueued operation is durable and well formed.
func TestQueueEnqueue(t *testing.T) {
	ctx := context.Background()
	q := New(dbtest.Open(t), Options{Now: fixedClock(base)})

	op, err := q.Enqueue(ctx, models.OperationUpdate, models.EntityTasks, "t1", updatePayload(t, map[string]any{"done": true}))
	require.NoError(t, err)

	assert.NotEmpty(t, op.ID)
	assert.Equal(t, 0, op.RetryCount)
	assert.Nil(t, op.NextRetryAt)
	assert.True(t, base.Equal(op.CreatedAt))

	ops, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, op.ID, ops[0].ID)
	assert.JSONEq(t, string(op.Payload), string(ops[0].Payload))
}

// TestQueueEnqueue_rejectsInvalidPayload tests schema validation before write.
func TestQueueEnqueue_rejectsInvalidPayload(t *testing.T) {
	ctx := context.Background()
	q := New(dbtest.Open(t), Options{})

	_, err := q.Enqueue(ctx, models.OperationUpdate, models.EntityTasks, "t1", json.RawMessage(`{"done":true}`))
	assert.ErrorIs(t, err, models.ErrInvalidRecord)

	_, err = q.Enqueue(ctx, models.OperationDelete, models.EntityTasks, "", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, models.ErrInvalidRecord)

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestQueueFIFO tests that same-millisecond enqueues still get a total order.
func TestQueueFIFO(t *testing.T) {
	ctx := context.Background()
	q := New(dbtest.Open(t), Options{Now: fixedClock(base)})

	var want []string
	for _, id := range []string{"a", "b", "c", "d"} {
		op, err := q.Enqueue(ctx, models.OperationDelete, models.EntityTasks, id, json.RawMessage(`{}`))
		require.NoError(t, err)
		want = append(want, op.ID)
	}

	ops, err := q.Drain(ctx)
	require.NoError(t, err)
	got := make([]string, len(ops))
	for i, op := range ops {
		got[i] = op.ID
		if i > 0 {
			assert.True(t, op.CreatedAt.After(ops[i-1].CreatedAt))
		}
	}
	assert.Equal(t, want, got)
}

// TestQueueClockSurvivesRestart tests that a new Queue continues after persisted timestamps.
func TestQueueClockSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	database := dbtest.Open(t)

	first := New(database, Options{Now: fixedClock(base)})
	a, err := first.Enqueue(ctx, models.OperationDelete, models.EntityTasks, "a", json.RawMessage(`{}`))
	require.NoError(t, err)

	// A clock that went backwards must not reorder the queue.
	second := New(database, Options{Now: fixedClock(base.Add(-time.Hour))})
	b, err := second.Enqueue(ctx, models.OperationDelete, models.EntityTasks, "b", json.RawMessage(`{}`))
	require.NoError(t, err)

	assert.True(t, b.CreatedAt.After(a.CreatedAt))
}

// TestQueueFull tests queue capacity limit.
func TestQueueFull(t *testing.T) {
	ctx := context.Background()
	q := New(dbtest.Open(t), Options{MaxSize: 2})

	for _, id := range []string{"a", "b"} {
		_, err := q.Enqueue(ctx, models.OperationDelete, models.EntityTasks, id, json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, models.OperationDelete, models.EntityTasks, "c", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrQueueFull)
}

// TestQueueRemoveBatch tests removing a subset of operations.
func TestQueueRemoveBatch(t *testing.T) {
	ctx := context.Background()
	q := New(dbtest.Open(t), Options{})

	var ids []string
	for _, id := range []string{"a", "b", "c"} {
		op, err := q.Enqueue(ctx, models.OperationDelete, models.EntityTasks, id, json.RawMessage(`{}`))
		require.NoError(t, err)
		ids = append(ids, op.ID)
	}

	require.NoError(t, q.RemoveBatch(ctx, []string{ids[0], ids[2], "unknown"}))
	require.NoError(t, q.RemoveBatch(ctx, nil))

	ops, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, ids[1], ops[0].ID)

	n, err := q.CountForEntity(ctx, models.EntityTasks, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestQueueMarkFailed tests retry counters and the persisted schedule.
func TestQueueMarkFailed(t *testing.T) {
	ctx := context.Background()
	q := New(dbtest.Open(t), Options{})

	op, err := q.Enqueue(ctx, models.OperationDelete, models.EntityTasks, "a", json.RawMessage(`{}`))
	require.NoError(t, err)

	retryAt := base.Add(5 * time.Second)
	require.NoError(t, q.MarkFailed(ctx, []string{op.ID}, errors.New("timeout"), &retryAt))
	require.NoError(t, q.MarkFailed(ctx, []string{op.ID}, errors.New("refused"), &retryAt))

	ops, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 2, ops[0].RetryCount)
	assert.Equal(t, "refused", ops[0].LastError)
	require.NotNil(t, ops[0].NextRetryAt)
	assert.True(t, retryAt.Equal(*ops[0].NextRetryAt))

	next, err := q.NextRetryAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.True(t, retryAt.Equal(*next))

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Retrying)

	n, err := q.RetryAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	next, err = q.NextRetryAt(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

// TestQueueClear tests destructive clearing.
func TestQueueClear(t *testing.T) {
	ctx := context.Background()
	q := New(dbtest.Open(t), Options{})

	for _, id := range []string{"a", "b"} {
		_, err := q.Enqueue(ctx, models.OperationDelete, models.EntityTasks, id, json.RawMessage(`{}`))
		require.NoError(t, err)
	}

	n, err := q.Clear(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	count, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

// TestQueueEnqueue_rollsBackWithTx tests that an enqueue joins the caller's transaction.
func TestQueueEnqueue_rollsBackWithTx(t *testing.T) {
	ctx := context.Background()
	database := dbtest.Open(t)
	q := New(database, Options{})
	boom := errors.New("boom")

	err := database.RunInTx(ctx, func(ctx context.Context) error {
		_, err := q.Enqueue(ctx, models.OperationDelete, models.EntityTasks, "a", json.RawMessage(`{}`))
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	count, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

}

// TestBackoff tests the retry schedule.
func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, DefaultBackoff.Delay(1))
	assert.Equal(t, 5*time.Second, DefaultBackoff.Delay(2))
	assert.Equal(t, 15*time.Second, DefaultBackoff.Delay(3))
	assert.Equal(t, 15*time.Second, DefaultBackoff.Delay(9))
	assert.Equal(t, time.Second, DefaultBackoff.Delay(0))
	assert.Zero(t, Backoff{}.Delay(1))

	b, err := ParseBackoff(" 2s, 10s ,1m")
	require.NoError(t, err)
	assert.Equal(t, Backoff{2 * time.Second, 10 * time.Second, time.Minute}, b)
	assert.Equal(t, "2s,10s,1m0s", b.String())

	_, err = ParseBackoff("")
	assert.Error(t, err)
	_, err = ParseBackoff("1s,-2s")
	assert.Error(t, err)
	_, err = ParseBackoff("soon")
	assert.Error(t, err)
}
