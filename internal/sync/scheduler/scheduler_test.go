// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/today/backend/internal/errors"
	syncpkg "github.com/kimhsiao/today/backend/internal/sync"
)

// fakeEngine records cycles and returns scripted results.
type fakeEngine struct {
	mu      sync.Mutex
	drains  []time.Time
	syncs   []string
	retryAt *time.Time
	err     error
}

func (f *fakeEngine) Drain(ctx context.Context) (*syncpkg.DrainResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drains = append(f.drains, time.Now())
	res := &syncpkg.DrainResult{RetryAt: f.retryAt}
	f.retryAt = nil
	return res, f.err
}

func (f *fakeEngine) Pull(ctx context.Context, opts syncpkg.PullOptions) (*syncpkg.PullResult, error) {
	return &syncpkg.PullResult{}, nil
}

func (f *fakeEngine) Sync(ctx context.Context, ownerID string) (*syncpkg.SyncResult, error) {
	f.mu.Lock()
	f.syncs = append(f.syncs, ownerID)
	f.mu.Unlock()
	drained, err := f.Drain(ctx)
	return &syncpkg.SyncResult{Drain: drained, Pull: &syncpkg.PullResult{}}, err
}

func (f *fakeEngine) SetNotifier(syncpkg.Notifier) {}

func (f *fakeEngine) Status() syncpkg.SyncStatus { return syncpkg.SyncStatusIdle }
func (f *fakeEngine) LastSync() *time.Time       { return nil }
func (f *fakeEngine) PendingChanges() int        { return 0 }
func (f *fakeEngine) LastError() error           { return nil }

func (f *fakeEngine) drainCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drains)
}

func (f *fakeEngine) syncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.syncs)
}

func (f *fakeEngine) failWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeEngine) retryIn(d time.Duration) {
	f.mu.Lock()
	at := time.Now().Add(d)
	f.retryAt = &at
	f.mu.Unlock()
}

type fakeRetries struct {
	next *time.Time
}

func (f fakeRetries) NextRetryAt(context.Context) (*time.Time, error) {
	return f.next, nil
}

func newTestScheduler(t *testing.T, cfg *SchedulerConfig, retries RetrySource) (*fakeEngine, *Scheduler) {
	t.Helper()
	engine := &fakeEngine{}
	if cfg == nil {
		cfg = &SchedulerConfig{SyncInterval: time.Hour, MinInterval: time.Hour, OwnerID: "u1"}
	}
	s := NewScheduler(engine, retries, cfg)
	t.Cleanup(s.Stop)
	return engine, s
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	assert.Equal(t, 15*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 5*time.Second, cfg.MinInterval)
	assert.Equal(t, 5*time.Minute, cfg.CycleTimeout)
}

// TestNewScheduler_nilConfig verifies default config is used.
func TestNewScheduler_nilConfig(t *testing.T) {
	s := NewScheduler(&fakeEngine{}, nil, nil)
	assert.Equal(t, 15*time.Minute, s.syncInterval)
	assert.Equal(t, 5*time.Second, s.minInterval)
	assert.True(t, s.IsOnline(), "isOnline should be true by default")
	assert.False(t, s.IsRunning())
}

// TestScheduler_StartStop verifies Start and Stop are idempotent.
func TestScheduler_StartStop(t *testing.T) {
	_, s := newTestScheduler(t, nil, nil)
	ctx := context.Background()

	s.Start(ctx)
	s.Start(ctx)
	assert.True(t, s.IsRunning())

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
}

// TestScheduler_StartupCycle verifies a full sync runs when the worker starts.
func TestScheduler_StartupCycle(t *testing.T) {
	engine, s := newTestScheduler(t, nil, nil)
	s.Start(context.Background())

	require.Eventually(t, func() bool { return engine.syncCount() == 1 }, waitFor, tick)
	assert.Equal(t, ReasonStartup, s.Status().LastReason)
}

// TestScheduler_SubmitDrains verifies a local write triggers a push-only cycle.
func TestScheduler_SubmitDrains(t *testing.T) {
	engine, s := newTestScheduler(t, nil, nil)
	s.Start(context.Background())
	require.Eventually(t, func() bool { return engine.syncCount() == 1 }, waitFor, tick)

	s.Submit()
	require.Eventually(t, func() bool { return engine.drainCount() == 2 }, waitFor, tick)
	assert.Equal(t, 1, engine.syncCount(), "local writes do not pull")
	assert.Equal(t, ReasonLocalWrite, s.Status().LastReason)
}

// TestScheduler_Debounce verifies that debounced reasons are dropped inside MinInterval.
func TestScheduler_Debounce(t *testing.T) {
	engine, s := newTestScheduler(t, nil, nil)
	s.Start(context.Background())
	require.Eventually(t, func() bool { return engine.syncCount() == 1 }, waitFor, tick)

	s.RequestSync(ReasonVisibility)
	require.Eventually(t, func() bool { return s.Status().Debounced == 1 }, waitFor, tick)
	s.RequestSync(ReasonRealtime)
	require.Eventually(t, func() bool { return s.Status().Debounced == 2 }, waitFor, tick)
	assert.Equal(t, 1, engine.syncCount())

	// Explicit syncs bypass the window.
	require.NoError(t, s.SyncNow(context.Background()))
	assert.Equal(t, 2, engine.syncCount())
	assert.Equal(t, ReasonExplicit, s.Status().LastReason)
}

// TestScheduler_DebounceWindowElapsed verifies a debounced reason runs once the window passed.
func TestScheduler_DebounceWindowElapsed(t *testing.T) {
	var (
		mu  sync.Mutex
		now = time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	engine, s := newTestScheduler(t, &SchedulerConfig{
		SyncInterval: time.Hour, MinInterval: 5 * time.Second, OwnerID: "u1", Now: clock,
	}, nil)
	s.Start(context.Background())
	require.Eventually(t, func() bool { return engine.syncCount() == 1 }, waitFor, tick)

	mu.Lock()
	now = now.Add(6 * time.Second)
	mu.Unlock()

	s.RequestSync(ReasonVisibility)
	require.Eventually(t, func() bool { return engine.syncCount() == 2 }, waitFor, tick)
	assert.Zero(t, s.Status().Debounced)
}

// TestScheduler_Offline verifies requests are deferred while offline and a cycle runs on reconnect.
func TestScheduler_Offline(t *testing.T) {
	engine, s := newTestScheduler(t, nil, nil)
	s.SetOnlineStatus(false)
	s.Start(context.Background())

	s.Submit()
	s.RequestSync(ReasonRealtime)
	assert.Equal(t, 3, s.Status().Deferred, "startup, local write and realtime requests")
	assert.ErrorIs(t, s.SyncNow(context.Background()), ErrOffline)
	assert.True(t, apperrors.Is(ErrOffline, apperrors.ErrSyncOffline))
	assert.Zero(t, engine.drainCount())

	s.SetOnlineStatus(true)
	require.Eventually(t, func() bool { return engine.syncCount() == 1 }, waitFor, tick)
	assert.Equal(t, ReasonConnectivity, s.Status().LastReason)
}

// TestScheduler_RetryTimer verifies a backoff reported by the engine schedules a retry cycle.
func TestScheduler_RetryTimer(t *testing.T) {
	engine, s := newTestScheduler(t, nil, nil)
	engine.retryIn(50 * time.Millisecond)
	s.Start(context.Background())

	require.Eventually(t, func() bool { return engine.drainCount() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return engine.drainCount() == 2 }, waitFor, tick)
	assert.Equal(t, ReasonRetry, s.Status().LastReason)
	assert.Nil(t, s.Status().NextRetryAt)
}

// TestScheduler_PersistedRetry verifies a retry time read at start is armed and can be cancelled.
func TestScheduler_PersistedRetry(t *testing.T) {
	next := time.Now().Add(time.Hour)
	engine, s := newTestScheduler(t, nil, fakeRetries{next: &next})
	s.Start(context.Background())
	require.Eventually(t, func() bool { return engine.syncCount() == 1 }, waitFor, tick)

	st := s.Status()
	require.NotNil(t, st.NextRetryAt)
	assert.True(t, next.Equal(*st.NextRetryAt))

	s.CancelRetry()
	assert.Nil(t, s.Status().NextRetryAt)
}

// TestScheduler_SyncNowError verifies SyncNow surfaces engine errors and records them.
func TestScheduler_SyncNowError(t *testing.T) {
	engine, s := newTestScheduler(t, nil, nil)
	boom := errors.New("remote down")
	engine.failWith(boom)

	err := s.SyncNow(context.Background())
	require.ErrorIs(t, err, boom)

	st := s.Status()
	assert.Equal(t, "remote down", st.LastError)
	assert.Nil(t, st.LastSyncTime)

	engine.failWith(nil)
	require.NoError(t, s.SyncNow(context.Background()))
	st = s.Status()
	assert.Empty(t, st.LastError)
	assert.NotNil(t, st.LastSyncTime)
}

// TestScheduler_PushOnlyWithoutOwner verifies that without an owner every cycle is a drain.
func TestScheduler_PushOnlyWithoutOwner(t *testing.T) {
	engine, s := newTestScheduler(t, &SchedulerConfig{SyncInterval: time.Hour, MinInterval: time.Hour}, nil)
	require.NoError(t, s.SyncNow(context.Background()))
	assert.Equal(t, 1, engine.drainCount())
	assert.Zero(t, engine.syncCount())
}
