package config

import (
	"fmt"
	"strings"

	"github.com/kimhsiao/today/backend/internal/export"
	"github.com/kimhsiao/today/backend/internal/export/scheduler"
	"github.com/kimhsiao/today/backend/internal/sync/queue"
)

// Validate performs business-rule validation on the loaded configuration.
// It must be called after loading; Load calls it automatically.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.DataDir) == "" {
		return fmt.Errorf("store.data_dir must be set")
	}
	if c.Store.MaxQueueSize < 0 {
		return fmt.Errorf("store.max_queue_size must be >= 0 (got %d)", c.Store.MaxQueueSize)
	}

	if err := c.Remote.validate(); err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	if err := c.Sync.validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := c.Realtime.validate(c.Remote.Kind); err != nil {
		return fmt.Errorf("realtime: %w", err)
	}
	if err := c.Backup.validate(); err != nil {
		return fmt.Errorf("backup: %w", err)
	}

	c.User.ID = strings.TrimSpace(c.User.ID)
	return nil
}

func (r *RemoteConfig) validate() error {
	switch r.Kind {
	case "memory":
	case "postgres":
		if r.DSN == "" {
			return fmt.Errorf("dsn is required for the postgres remote")
		}
	default:
		return fmt.Errorf("unknown kind %q (want memory or postgres)", r.Kind)
	}
	if r.MinConns > r.MaxConns {
		return fmt.Errorf("min_conns (%d) exceeds max_conns (%d)", r.MinConns, r.MaxConns)
	}
	return nil
}

func (s *SyncConfig) validate() error {
	if s.Interval <= 0 {
		return fmt.Errorf("interval must be > 0 (got %v)", s.Interval)
	}
	if s.MinInterval < 0 {
		return fmt.Errorf("min_interval must be >= 0 (got %v)", s.MinInterval)
	}
	if s.CycleTimeout <= 0 {
		return fmt.Errorf("cycle_timeout must be > 0 (got %v)", s.CycleTimeout)
	}
	if s.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be >= 1 (got %d)", s.MaxRetries)
	}

	b, err := queue.ParseBackoff(s.BackoffRaw)
	if err != nil {
		return fmt.Errorf("backoff: %w", err)
	}
	s.Backoff = b
	return nil
}

func (r *RealtimeConfig) validate(remoteKind string) error {
	switch r.Source {
	case "off", "":
		r.Source = "off"
	case "websocket":
		if r.URL == "" {
			return fmt.Errorf("url is required for the websocket source")
		}
	case "postgres":
		if remoteKind != "postgres" {
			return fmt.Errorf("the postgres source needs the postgres remote")
		}
	default:
		return fmt.Errorf("unknown source %q", r.Source)
	}
	if r.MinBackoff <= 0 || r.MaxBackoff < r.MinBackoff {
		return fmt.Errorf("backoff bounds %v..%v are invalid", r.MinBackoff, r.MaxBackoff)
	}
	return nil
}

func (b *BackupConfig) validate() error {
	if _, err := scheduler.ParseInterval(b.Interval); err != nil {
		return err
	}
	if _, err := export.ParseFormat(b.Format); err != nil {
		return err
	}
	if b.RetentionCount < 0 {
		return fmt.Errorf("retention_count must be >= 0 (got %d)", b.RetentionCount)
	}
	return nil
}

// BackupKind returns the snapshot file kind for backups.
func (b BackupConfig) BackupKind() export.FileKind {
	f, err := export.ParseFormat(b.Format)
	if err != nil {
		f = export.FormatJSON
	}
	return export.FileKind{Format: f, Compressed: !b.Uncompressed}
}
