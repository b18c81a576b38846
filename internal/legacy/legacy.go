// Package legacy migrates the pre-structured flat key-value blob into the
// record tables. The migration runs once; a persisted flag makes later runs
// no-ops.
package legacy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kimhsiao/today/backend/internal/db"
	apperrors "github.com/kimhsiao/today/backend/internal/errors"
	"github.com/kimhsiao/today/backend/internal/logging"
	"github.com/kimhsiao/today/backend/internal/models"
	"github.com/kimhsiao/today/backend/internal/uuid"
)

// MigratedKey is the meta key of the migration flag.
const MigratedKey = "legacy_migrated"

// Importer writes converted records as local writes in one transaction.
// The tracker service implements it.
type Importer interface {
	ImportRecords(ctx context.Context, recs []models.Record) error
}

// Result reports what a migration did.
type Result struct {
	AlreadyMigrated bool
	Tasks           int
	TimeEntries     int
	// Skipped lists legacy ids that could not be converted.
	Skipped []string
}

// Migrator converts legacy blobs.
type Migrator struct {
	store    *db.Store
	importer Importer
	now      func() time.Time
}

// NewMigrator creates a Migrator.
func NewMigrator(store *db.Store, importer Importer) *Migrator {
	return &Migrator{store: store, importer: importer, now: models.Now}
}

// Migrated reports whether the migration already ran.
func (m *Migrator) Migrated(ctx context.Context) (bool, error) {
	v, ok, err := m.store.GetMeta(ctx, MigratedKey)
	if err != nil {
		return false, err
	}
	return ok && v == "true", nil
}

// MigrateFile migrates the blob stored at path. A missing file means there
// is nothing to migrate and leaves the flag unset.
func (m *Migrator) MigrateFile(ctx context.Context, path, ownerID string) (*Result, error) {
	blob, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Result{}, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLegacyMigration, "failed to read legacy data", err)
	}
	return m.Migrate(ctx, blob, ownerID)
}

// Migrate converts blob and stores every record in one transaction together
// with the migration flag. Records without an owner take ownerID.
func (m *Migrator) Migrate(ctx context.Context, blob []byte, ownerID string) (*Result, error) {
	done, err := m.Migrated(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLegacyMigration, "failed to read migration flag", err)
	}
	if done {
		return &Result{AlreadyMigrated: true}, nil
	}

	var parsed legacyBlob
	if len(bytes.TrimSpace(blob)) > 0 {
		if err := json.Unmarshal(blob, &parsed); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrLegacyMigration, "legacy data is not valid JSON", err)
		}
	}

	recs, result := m.convert(parsed, ownerID)

	err = m.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := m.importer.ImportRecords(ctx, recs); err != nil {
			return err
		}
		return m.store.SetMeta(ctx, MigratedKey, "true")
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLegacyMigration, "failed to store migrated records", err)
	}

	logging.Info("legacy data migrated", map[string]interface{}{
		"tasks":        result.Tasks,
		"time_entries": result.TimeEntries,
		"skipped":      len(result.Skipped),
	})
	return result, nil
}

func (m *Migrator) convert(blob legacyBlob, ownerID string) ([]models.Record, *Result) {
	result := &Result{}
	now := m.now()
	var recs []models.Record

	names := make(map[string]string, len(blob.Tasks))
	for _, lt := range blob.Tasks {
		owner := lt.UserID
		if owner == "" {
			owner = ownerID
		}
		created := lt.CreatedAt.or(now)
		task := &models.Task{
			ID:        uuid.FromLegacy(string(lt.ID)),
			UserID:    owner,
			Text:      strings.TrimSpace(lt.Text),
			Done:      lt.Done,
			CreatedAt: created,
			UpdatedAt: lt.UpdatedAt.or(created),
		}
		if string(lt.ID) == "" || models.ValidateRecord(task) != nil {
			result.Skipped = append(result.Skipped, string(lt.ID))
			continue
		}
		names[task.ID] = task.Text
		recs = append(recs, task)
		result.Tasks++
	}

	for _, le := range blob.TimeEntries {
		owner := le.UserID
		if owner == "" {
			owner = ownerID
		}
		start := le.StartTime.or(time.Time{})
		created := le.CreatedAt.or(start)
		entry := &models.TimeEntry{
			ID:        uuid.FromLegacy(string(le.ID)),
			UserID:    owner,
			TaskName:  le.TaskName,
			StartTime: start,
			Notes:     le.Notes,
			CreatedAt: created,
			UpdatedAt: le.UpdatedAt.or(created),
		}
		if le.TaskID != nil && *le.TaskID != "" {
			id := uuid.FromLegacy(string(*le.TaskID))
			// Entries of tasks missing from the blob keep only their name.
			if name, ok := names[id]; ok {
				entry.TaskID = &id
				if entry.TaskName == "" {
					entry.TaskName = name
				}
			}
		}
		if le.EndTime != nil && le.EndTime.Valid() {
			end := le.EndTime.or(time.Time{})
			entry.EndTime = &end
		}
		if string(le.ID) == "" || models.ValidateRecord(entry) != nil {
			result.Skipped = append(result.Skipped, string(le.ID))
			continue
		}
		recs = append(recs, entry)
		result.TimeEntries++
	}
	return recs, result
}

type legacyBlob struct {
	Tasks       []legacyTask  `json:"tasks"`
	TimeEntries []legacyEntry `json:"timeEntries"`
}

type legacyTask struct {
	ID        flexString `json:"id"`
	UserID    string     `json:"userId"`
	Text      string     `json:"text"`
	Done      bool       `json:"done"`
	CreatedAt legacyTime `json:"createdAt"`
	UpdatedAt legacyTime `json:"updatedAt"`
}

type legacyEntry struct {
	ID        flexString  `json:"id"`
	UserID    string      `json:"userId"`
	TaskID    *flexString `json:"taskId"`
	TaskName  string      `json:"taskName"`
	StartTime legacyTime  `json:"startTime"`
	EndTime   *legacyTime `json:"endTime"`
	Notes     string      `json:"notes"`
	CreatedAt legacyTime  `json:"createdAt"`
	UpdatedAt legacyTime  `json:"updatedAt"`
}

// flexString accepts ids stored as strings or numbers.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

// legacyTime accepts epoch milliseconds, numeric strings or RFC 3339 text.
type legacyTime struct {
	t time.Time
}

func (l *legacyTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		l.t = time.Time{}
		return nil
	}
	var raw string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	} else {
		raw = string(data)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		l.t = time.Time{}
		return nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		l.t = models.Normalize(time.UnixMilli(ms))
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return fmt.Errorf("unrecognized timestamp %q", raw)
	}
	l.t = models.Normalize(t)
	return nil
}

// Valid reports whether a timestamp was present.
func (l legacyTime) Valid() bool { return !l.t.IsZero() }

func (l legacyTime) or(fallback time.Time) time.Time {
	if l.t.IsZero() {
		return fallback
	}
	return l.t
}
