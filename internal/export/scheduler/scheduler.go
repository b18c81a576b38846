// Package scheduler writes periodic backup snapshots and prunes old ones.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/today/backend/internal/export"
	"github.com/kimhsiao/today/backend/internal/logging"
)

// ExportInterval defines the backup frequency.
type ExportInterval string

const (
	IntervalManual  ExportInterval = "manual"
	IntervalHourly  ExportInterval = "hourly"
	IntervalDaily   ExportInterval = "daily"
	IntervalWeekly  ExportInterval = "weekly"
	IntervalMonthly ExportInterval = "monthly"
)

const filePrefix = "today_"

// SchedulerConfig holds the backup configuration.
type SchedulerConfig struct {
	Interval       ExportInterval
	RetentionCount int // archives to keep, 0 = unlimited
	ExportDir      string
	// Kind selects the snapshot encoding, JSON by default.
	Kind export.FileKind
	Now  func() time.Time
}

// Scheduler runs backups on a fixed interval.
type Scheduler struct {
	service export.ExportServiceInterface
	config  SchedulerConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler creates a backup scheduler.
func NewScheduler(service export.ExportServiceInterface, config SchedulerConfig) *Scheduler {
	if config.ExportDir == "" {
		config.ExportDir = "backups"
	}
	if config.RetentionCount < 0 {
		config.RetentionCount = 0
	}
	if config.Kind.Format == "" {
		config.Kind.Format = export.FormatJSON
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Scheduler{service: service, config: config}
}

// ParseInterval validates an interval name.
func ParseInterval(s string) (ExportInterval, error) {
	i := ExportInterval(strings.ToLower(strings.TrimSpace(s)))
	if i == "" {
		return IntervalManual, nil
	}
	if i == IntervalManual {
		return i, nil
	}
	if _, err := i.Duration(); err != nil {
		return "", err
	}
	return i, nil
}

// Duration converts the interval to a time.Duration.
func (i ExportInterval) Duration() (time.Duration, error) {
	switch i {
	case IntervalHourly:
		return time.Hour, nil
	case IntervalDaily:
		return 24 * time.Hour, nil
	case IntervalWeekly:
		return 7 * 24 * time.Hour, nil
	case IntervalMonthly:
		// Approximate as 30 days
		return 30 * 24 * time.Hour, nil
	case IntervalManual:
		return 0, fmt.Errorf("manual interval has no duration")
	default:
		return 0, fmt.Errorf("unknown interval: %s", i)
	}
}

// Start runs an initial backup and then one per interval until ctx is
// cancelled or Stop is called. Manual mode does nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.config.Interval == IntervalManual || s.config.Interval == "" {
		logging.Info("backup scheduler in manual mode", nil)
		return nil
	}
	dur, err := s.config.Interval.Duration()
	if err != nil {
		return fmt.Errorf("invalid interval: %w", err)
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	logging.Info("backup scheduler started", map[string]interface{}{
		"interval":        string(s.config.Interval),
		"retention_count": s.config.RetentionCount,
		"dir":             s.config.ExportDir,
	})

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(dur)
		defer ticker.Stop()

		if _, err := s.RunOnce(ctx); err != nil {
			logging.Error("initial backup failed", err, nil)
		}
		for {
			select {
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil {
					logging.Error("scheduled backup failed", err, nil)
				}
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop halts the scheduler and waits for a running backup to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()
	<-doneCh
}

// RunOnce writes one backup and applies the retention policy.
func (s *Scheduler) RunOnce(ctx context.Context) (*export.ExportResult, error) {
	if err := os.MkdirAll(s.config.ExportDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	name := filePrefix + s.config.Now().UTC().Format("20060102_150405") + s.config.Kind.Ext()
	path := filepath.Join(s.config.ExportDir, name)

	result, err := s.service.ExportFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("export failed: %w", err)
	}
	logging.Info("backup completed", map[string]interface{}{
		"file":       result.FilePath,
		"size_bytes": result.SizeBytes,
		"items":      result.ItemCount(),
	})

	if s.config.RetentionCount > 0 {
		// A failed prune does not fail the backup.
		if err := s.applyRetentionPolicy(); err != nil {
			logging.Error("backup retention failed", err, nil)
		}
	}
	return result, nil
}

func (s *Scheduler) applyRetentionPolicy() error {
	archives, err := ListArchives(s.config.ExportDir)
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	if len(archives) <= s.config.RetentionCount {
		return nil
	}
	for _, a := range archives[:len(archives)-s.config.RetentionCount] {
		if err := os.Remove(a.Path); err != nil {
			logging.Warn("failed to delete old backup", map[string]interface{}{"path": a.Path, "error": err.Error()})
			continue
		}
		logging.Debug("deleted old backup", map[string]interface{}{"path": a.Path})
	}
	return nil
}

// ArchiveInfo describes a backup file.
type ArchiveInfo struct {
	Path      string
	SizeBytes int64
	CreatedAt time.Time
}

// ListArchives returns the backups in dir, oldest first. Backup names
// carry their UTC timestamp, so name order is creation order.
func ListArchives(dir string) ([]ArchiveInfo, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var archives []ArchiveInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) {
			continue
		}
		if _, err := export.KindFromPath(name); err != nil {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		archives = append(archives, ArchiveInfo{
			Path:      filepath.Join(dir, name),
			SizeBytes: fi.Size(),
			CreatedAt: fi.ModTime(),
		})
	}
	sort.Slice(archives, func(i, j int) bool { return archives[i].Path < archives[j].Path })
	return archives, nil
}
