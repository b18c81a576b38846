// Package config loads the application configuration.
package config

import (
	"time"

	"github.com/kimhsiao/today/backend/internal/sync/queue"
)

// Config is the root application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Remote   RemoteConfig   `yaml:"remote"`
	Sync     SyncConfig     `yaml:"sync"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Import   ImportConfig   `yaml:"import"`
	Backup   BackupConfig   `yaml:"backup"`
	Log      LogConfig      `yaml:"log"`
	User     UserConfig     `yaml:"user"`
}

// StoreConfig holds the local database settings.
type StoreConfig struct {
	DataDir      string `yaml:"data_dir"       env:"TODAY_DATA_DIR"       env-default:"./data"`
	MaxQueueSize int    `yaml:"max_queue_size" env:"TODAY_MAX_QUEUE_SIZE" env-default:"0"`
	LegacyBlob   string `yaml:"legacy_blob"    env:"TODAY_LEGACY_BLOB"`
}

// RemoteConfig selects and configures the remote backend.
type RemoteConfig struct {
	Kind            string        `yaml:"kind"               env:"TODAY_REMOTE"                   env-default:"memory"`
	DSN             string        `yaml:"dsn"                env:"TODAY_REMOTE_DSN"`
	MaxConns        int32         `yaml:"max_conns"          env:"TODAY_REMOTE_MAX_CONNS"         env-default:"4"`
	MinConns        int32         `yaml:"min_conns"          env:"TODAY_REMOTE_MIN_CONNS"         env-default:"0"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"  env:"TODAY_REMOTE_MAX_CONN_LIFETIME" env-default:"1h"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" env:"TODAY_REMOTE_MAX_CONN_IDLE"     env-default:"30m"`
}

// SyncConfig holds sync engine and scheduler settings.
type SyncConfig struct {
	Interval     time.Duration `yaml:"interval"      env:"TODAY_SYNC_INTERVAL"      env-default:"15m"`
	MinInterval  time.Duration `yaml:"min_interval"  env:"TODAY_SYNC_MIN_INTERVAL"  env-default:"5s"`
	CycleTimeout time.Duration `yaml:"cycle_timeout" env:"TODAY_SYNC_CYCLE_TIMEOUT" env-default:"5m"`
	MaxRetries   int           `yaml:"max_retries"   env:"TODAY_SYNC_MAX_RETRIES"   env-default:"3"`
	BackoffRaw   string        `yaml:"backoff"       env:"TODAY_SYNC_BACKOFF"       env-default:"1s,5s,15s"`

	// Backoff is parsed from BackoffRaw during validation.
	Backoff queue.Backoff `yaml:"-" env:"-"`
}

// RealtimeConfig configures change notifications. Source is "websocket",
// "postgres" (LISTEN/NOTIFY on the remote) or "off".
type RealtimeConfig struct {
	Source     string        `yaml:"source"      env:"TODAY_REALTIME_SOURCE"      env-default:"off"`
	URL        string        `yaml:"url"         env:"TODAY_REALTIME_URL"`
	MinBackoff time.Duration `yaml:"min_backoff" env:"TODAY_REALTIME_MIN_BACKOFF" env-default:"1s"`
	MaxBackoff time.Duration `yaml:"max_backoff" env:"TODAY_REALTIME_MAX_BACKOFF" env-default:"30s"`
	// HubAddr serves local sync events over WebSocket when set.
	HubAddr string `yaml:"hub_addr" env:"TODAY_REALTIME_HUB_ADDR"`
}

// ImportConfig configures the import drop folder.
type ImportConfig struct {
	Dir    string        `yaml:"dir"    env:"TODAY_IMPORT_DIR"`
	Settle time.Duration `yaml:"settle" env:"TODAY_IMPORT_SETTLE" env-default:"500ms"`
}

// BackupConfig configures periodic snapshots.
type BackupConfig struct {
	Interval       string `yaml:"interval"        env:"TODAY_BACKUP_INTERVAL"     env-default:"manual"`
	Dir            string `yaml:"dir"             env:"TODAY_BACKUP_DIR"          env-default:"./backups"`
	RetentionCount int    `yaml:"retention_count" env:"TODAY_BACKUP_RETENTION"    env-default:"7"`
	Format         string `yaml:"format"          env:"TODAY_BACKUP_FORMAT"       env-default:"json"`
	// Backups are gzipped unless Uncompressed is set.
	Uncompressed bool `yaml:"uncompressed" env:"TODAY_BACKUP_UNCOMPRESSED"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `yaml:"level"        env:"TODAY_LOG_LEVEL"  env-default:"info"`
	Format     string `yaml:"format"       env:"TODAY_LOG_FORMAT" env-default:"text"`
	File       string `yaml:"file"         env:"TODAY_LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb"  env:"TODAY_LOG_MAX_SIZE_MB"  env-default:"10"`
	MaxBackups int    `yaml:"max_backups"  env:"TODAY_LOG_MAX_BACKUPS"  env-default:"3"`
	MaxAgeDays int    `yaml:"max_age_days" env:"TODAY_LOG_MAX_AGE_DAYS" env-default:"28"`
}

// UserConfig identifies the signed-in user. An empty id means anonymous:
// records stay on this device.
type UserConfig struct {
	ID string `yaml:"id" env:"TODAY_USER_ID"`
}
