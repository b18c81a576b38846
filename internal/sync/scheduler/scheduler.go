// Package scheduler decides when sync cycles run.
//
// Every cycle is executed by one worker goroutine (or by SyncNow under the
// same lock), so at most one cycle touches the queue at a time.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/today/backend/internal/errors"
	"github.com/kimhsiao/today/backend/internal/logging"
	syncpkg "github.com/kimhsiao/today/backend/internal/sync"
)

// Reason says why a cycle was requested.
type Reason string

const (
	ReasonExplicit     Reason = "explicit"
	ReasonStartup      Reason = "startup"
	ReasonConnectivity Reason = "connectivity"
	ReasonVisibility   Reason = "visibility"
	ReasonPeriodic     Reason = "periodic"
	ReasonLocalWrite   Reason = "local_write"
	ReasonRealtime     Reason = "realtime"
	ReasonRetry        Reason = "retry"
)

// debounced reports whether requests for r are dropped when a cycle ran
// less than MinInterval ago.
func (r Reason) debounced() bool {
	switch r {
	case ReasonPeriodic, ReasonVisibility, ReasonRealtime:
		return true
	}
	return false
}

// pushOnly reports whether r only needs the queue drained.
func (r Reason) pushOnly() bool {
	return r == ReasonLocalWrite || r == ReasonRetry
}

// ErrOffline is returned by SyncNow while the scheduler is offline.
var ErrOffline = apperrors.New(apperrors.ErrSyncOffline, "sync skipped while offline")

// RetrySource exposes the persisted retry schedule of the queue.
type RetrySource interface {
	NextRetryAt(ctx context.Context) (*time.Time, error)
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // periodic cycle interval (default: 15 minutes)
	MinInterval  time.Duration // debounce window for periodic, visibility and realtime triggers (default: 5 seconds)
	CycleTimeout time.Duration // upper bound on one cycle (default: 5 minutes)
	OwnerID      string        // user whose records are pulled; empty means push only
	Now          func() time.Time
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 15 * time.Minute,
		MinInterval:  5 * time.Second,
		CycleTimeout: 5 * time.Minute,
	}
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine       syncpkg.SyncEngineInterface
	retries      RetrySource
	syncInterval time.Duration
	minInterval  time.Duration
	cycleTimeout time.Duration
	ownerID      string
	now          func() time.Time

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	cycle  sync.Mutex

	mu             sync.RWMutex
	isRunning      bool
	isOnline       bool
	syncInProgress bool
	requested      Reason
	lastReason     Reason
	lastCycle      time.Time
	lastSyncTime   time.Time
	lastErr        error
	deferred       int
	debounced      int
	retryTimer     *time.Timer
	nextRetryAt    *time.Time
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.SyncEngineInterface, retries RetrySource, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.MinInterval < 0 {
		config.MinInterval = 0
	}
	if config.CycleTimeout <= 0 {
		config.CycleTimeout = defaults.CycleTimeout
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &Scheduler{
		engine:       engine,
		retries:      retries,
		syncInterval: config.SyncInterval,
		minInterval:  config.MinInterval,
		cycleTimeout: config.CycleTimeout,
		ownerID:      config.OwnerID,
		now:          now,
		wake:         make(chan struct{}, 1),
		isOnline:     true, // Assume online initially
	}
}

// Start launches the worker. A retry time persisted by a previous process
// is re-armed and one startup cycle is requested.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if s.retries != nil {
		next, err := s.retries.NextRetryAt(ctx)
		if err != nil {
			logging.Error("Failed to read persisted retry time", err)
		} else if next != nil {
			s.armRetry(*next)
		}
	}

	s.wg.Add(1)
	go s.loop(ctx, s.stopCh)

	s.trigger(ReasonStartup)
	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval": s.syncInterval.String(),
		"min_interval":  s.minInterval.String(),
	})
}

// Stop stops the worker and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.CancelRetry()

	logging.Info("Background sync scheduler stopped", nil)
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.handle(ctx, ReasonPeriodic)
		case <-s.wake:
			s.mu.Lock()
			reason := s.requested
			s.requested = ""
			s.mu.Unlock()
			if reason != "" {
				s.handle(ctx, reason)
			}
		}
	}
}

// trigger records a request and wakes the worker without blocking.
func (s *Scheduler) trigger(reason Reason) {
	s.mu.Lock()
	if !s.isOnline {
		s.deferred++
		s.mu.Unlock()
		logging.Debug("Sync request deferred while offline", map[string]interface{}{"reason": string(reason)})
		return
	}
	// A request that must not be debounced wins over one that may be.
	if s.requested == "" || (s.requested.debounced() && !reason.debounced()) || (s.requested.pushOnly() && !reason.pushOnly()) {
		s.requested = reason
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Submit requests a drain after a local write. It never blocks.
func (s *Scheduler) Submit() {
	s.trigger(ReasonLocalWrite)
}

// RequestSync requests a cycle for reason. Periodic, visibility and realtime
// requests are dropped when a cycle ran within MinInterval.
func (s *Scheduler) RequestSync(reason Reason) {
	s.trigger(reason)
}

func (s *Scheduler) handle(ctx context.Context, reason Reason) {
	if !s.IsOnline() {
		return
	}
	if reason.debounced() {
		s.mu.Lock()
		recent := !s.lastCycle.IsZero() && s.now().Sub(s.lastCycle) < s.minInterval
		if recent {
			s.debounced++
		}
		s.mu.Unlock()
		if recent {
			logging.Debug("Sync request debounced", map[string]interface{}{"reason": string(reason)})
			return
		}
	}
	if err := s.run(ctx, reason); err != nil && !errors.Is(err, syncpkg.ErrSyncInProgress) {
		logging.ErrorWithCode("Background sync failed", string(apperrors.ErrSyncFailed), err,
			map[string]interface{}{"reason": string(reason)})
	}
}

// run executes one cycle under the cycle lock.
func (s *Scheduler) run(ctx context.Context, reason Reason) error {
	s.cycle.Lock()
	defer s.cycle.Unlock()

	s.mu.Lock()
	s.syncInProgress = true
	s.lastReason = reason
	s.lastCycle = s.now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	cycleCtx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()

	var (
		drained *syncpkg.DrainResult
		err     error
	)
	if reason.pushOnly() || s.ownerID == "" {
		drained, err = s.engine.Drain(cycleCtx)
	} else {
		var res *syncpkg.SyncResult
		res, err = s.engine.Sync(cycleCtx, s.ownerID)
		if res != nil {
			drained = res.Drain
		}
	}

	if drained != nil && drained.RetryAt != nil {
		s.armRetry(*drained.RetryAt)
	}

	s.mu.Lock()
	s.lastErr = err
	if err == nil {
		s.lastSyncTime = s.now()
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if drained != nil {
		logging.Info("Sync cycle completed", map[string]interface{}{
			"reason":    string(reason),
			"processed": drained.Processed,
			"failed":    drained.Failed,
			"conflicts": drained.Conflicts,
			"remaining": drained.Remaining,
		})
	}
	return nil
}

// armRetry schedules a retry-triggered cycle at t, replacing any earlier timer.
func (s *Scheduler) armRetry(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	at := t
	s.nextRetryAt = &at
	delay := t.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.retryTimer != timer {
			s.mu.Unlock()
			return
		}
		s.retryTimer = nil
		s.nextRetryAt = nil
		s.mu.Unlock()
		s.trigger(ReasonRetry)
	})
	s.retryTimer = timer
}

// CancelRetry disarms the pending retry timer, if any.
func (s *Scheduler) CancelRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.nextRetryAt = nil
}

// SetOnlineStatus changes the online status of the scheduler. Going back
// online requests a cycle.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed",
		map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  isOnline,
		})
	if isOnline {
		s.trigger(ReasonConnectivity)
	}
}

// SyncNow runs a cycle immediately, bypassing the debounce, and waits for
// it to finish.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	if !s.IsOnline() {
		return ErrOffline
	}
	return s.run(ctx, ReasonExplicit)
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning      bool
	IsOnline       bool
	SyncInProgress bool
	LastReason     Reason
	LastSyncTime   *time.Time
	LastError      string
	NextRetryAt    *time.Time
	PendingItems   int
	// Deferred counts requests received while offline.
	Deferred int
	// Debounced counts requests dropped by the debounce window.
	Debounced int
}

// Status returns the current status of the scheduler.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.syncInProgress,
		LastReason:     s.lastReason,
		Deferred:       s.deferred,
		Debounced:      s.debounced,
		PendingItems:   s.engine.PendingChanges(),
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if s.nextRetryAt != nil {
		t := *s.nextRetryAt
		status.NextRetryAt = &t
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
