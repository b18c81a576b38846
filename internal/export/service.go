// Package export writes and reads portable snapshots of the local records.
//
// A snapshot carries tasks and time entries in their wire form. Sync
// metadata is never exported. Imports validate every record at the boundary
// and re-apply the valid ones as local writes, so they replay to the remote
// like any other edit.
package export

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/today/backend/internal/db"
	apperrors "github.com/kimhsiao/today/backend/internal/errors"
	"github.com/kimhsiao/today/backend/internal/logging"
	"github.com/kimhsiao/today/backend/internal/models"
)

// SchemaVersion is the snapshot layout written by this package.
const SchemaVersion = 1

// Snapshot is the exported document.
type Snapshot struct {
	SchemaVersion int                 `json:"schema_version" yaml:"schema_version"`
	ExportedAt    time.Time           `json:"exported_at" yaml:"exported_at"`
	Checksum      string              `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	Tasks         []*models.Task      `json:"tasks" yaml:"tasks"`
	TimeEntries   []*models.TimeEntry `json:"time_entries" yaml:"time_entries"`
}

// Source lists local records. *db.Store implements it.
type Source interface {
	Query(ctx context.Context, entity models.EntityType, f db.Filter) ([]models.CachedRecord, error)
}

// Importer applies one validated record as a local write. The tracker
// service implements it.
type Importer interface {
	ImportRecord(ctx context.Context, rec models.Record) error
}

// ExportResult describes a finished export.
type ExportResult struct {
	FilePath    string
	SizeBytes   int64
	Tasks       int
	TimeEntries int
	Checksum    string
	Duration    time.Duration
}

// ItemCount returns the number of exported records.
func (r *ExportResult) ItemCount() int {
	return r.Tasks + r.TimeEntries
}

// SkippedRecord is a record an import rejected.
type SkippedRecord struct {
	Entity models.EntityType `json:"entity"`
	ID     string            `json:"id"`
	Reason string            `json:"reason"`
}

// ImportResult describes a finished import. Invalid records do not fail the
// import; they are listed in Skipped.
type ImportResult struct {
	Imported int
	Skipped  []SkippedRecord
	Duration time.Duration
}

// Service exports from a Source and imports through an Importer.
type Service struct {
	source   Source
	importer Importer
	now      func() time.Time
}

// NewService creates a Service.
func NewService(source Source, importer Importer) *Service {
	return &Service{source: source, importer: importer, now: models.Now}
}

// Export writes a snapshot of every local record to w.
func (s *Service) Export(ctx context.Context, w io.Writer, format Format) (*ExportResult, error) {
	start := time.Now()

	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "failed to read local records", err)
	}

	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err = enc.Encode(snap)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		err = enc.Encode(snap)
		if err == nil {
			err = enc.Close()
		}
	default:
		return nil, apperrors.New(apperrors.ErrUnsupportedFormat, fmt.Sprintf("unsupported format %q", format))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "failed to write snapshot", err)
	}

	result := &ExportResult{
		Tasks:       len(snap.Tasks),
		TimeEntries: len(snap.TimeEntries),
		Checksum:    snap.Checksum,
		Duration:    time.Since(start),
	}
	logging.Info("export completed", map[string]interface{}{
		"format":       string(format),
		"tasks":        result.Tasks,
		"time_entries": result.TimeEntries,
	})
	return result, nil
}

func (s *Service) snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		SchemaVersion: SchemaVersion,
		ExportedAt:    s.now(),
		Tasks:         []*models.Task{},
		TimeEntries:   []*models.TimeEntry{},
	}
	var tasks, entries []json.RawMessage

	recs, err := s.source.Query(ctx, models.EntityTasks, db.Filter{})
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		task := rec.Record.(*models.Task)
		snap.Tasks = append(snap.Tasks, task)
		raw, err := models.EncodeRecord(task)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, raw)
	}

	recs, err = s.source.Query(ctx, models.EntityTimeEntries, db.Filter{})
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		entry := rec.Record.(*models.TimeEntry)
		snap.TimeEntries = append(snap.TimeEntries, entry)
		raw, err := models.EncodeRecord(entry)
		if err != nil {
			return nil, err
		}
		entries = append(entries, raw)
	}

	snap.Checksum, err = checksum(tasks, entries)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// rawSnapshot is a snapshot whose records have not been validated yet.
type rawSnapshot struct {
	SchemaVersion int               `json:"schema_version"`
	ExportedAt    time.Time         `json:"exported_at"`
	Checksum      string            `json:"checksum"`
	Tasks         []json.RawMessage `json:"tasks"`
	TimeEntries   []json.RawMessage `json:"time_entries"`
}

type yamlSnapshot struct {
	SchemaVersion int                      `yaml:"schema_version"`
	ExportedAt    time.Time                `yaml:"exported_at"`
	Checksum      string                   `yaml:"checksum"`
	Tasks         []map[string]interface{} `yaml:"tasks"`
	TimeEntries   []map[string]interface{} `yaml:"time_entries"`
}

func decodeSnapshot(r io.Reader, format Format) (*rawSnapshot, error) {
	switch format {
	case FormatJSON, "":
		var snap rawSnapshot
		if err := json.NewDecoder(r).Decode(&snap); err != nil {
			return nil, err
		}
		return &snap, nil
	case FormatYAML:
		var ys yamlSnapshot
		if err := yaml.NewDecoder(r).Decode(&ys); err != nil {
			return nil, err
		}
		snap := &rawSnapshot{SchemaVersion: ys.SchemaVersion, ExportedAt: ys.ExportedAt, Checksum: ys.Checksum}
		var err error
		if snap.Tasks, err = toRaw(ys.Tasks); err != nil {
			return nil, err
		}
		if snap.TimeEntries, err = toRaw(ys.TimeEntries); err != nil {
			return nil, err
		}
		return snap, nil
	default:
		return nil, apperrors.New(apperrors.ErrUnsupportedFormat, fmt.Sprintf("unsupported format %q", format))
	}
}

func toRaw(items []map[string]interface{}) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// checksum hashes the canonical JSON of every record, tasks first.
func checksum(groups ...[]json.RawMessage) (string, error) {
	h := sha256.New()
	for _, group := range groups {
		for _, raw := range group {
			var v interface{}
			if err := json.Unmarshal(raw, &v); err != nil {
				return "", err
			}
			canonical, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			h.Write(canonical)
			h.Write([]byte{'\n'})
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Import reads a snapshot from r and applies its valid records.
func (s *Service) Import(ctx context.Context, r io.Reader, format Format) (*ImportResult, error) {
	start := time.Now()

	snap, err := decodeSnapshot(r, format)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrUnsupportedFormat) {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.ErrImportFailed, "failed to read snapshot", err)
	}
	if snap.SchemaVersion > SchemaVersion {
		return nil, apperrors.New(apperrors.ErrUnsupportedFormat,
			fmt.Sprintf("snapshot schema version %d is newer than %d", snap.SchemaVersion, SchemaVersion))
	}
	if snap.Checksum != "" {
		sum, err := checksum(snap.Tasks, snap.TimeEntries)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrImportFailed, "failed to verify snapshot", err)
		}
		if sum != snap.Checksum {
			return nil, apperrors.New(apperrors.ErrImportFailed, "snapshot checksum mismatch")
		}
	}

	result := &ImportResult{}
	groups := []struct {
		entity models.EntityType
		raws   []json.RawMessage
	}{
		{models.EntityTasks, snap.Tasks},
		{models.EntityTimeEntries, snap.TimeEntries},
	}
	for _, g := range groups {
		for i, raw := range g.raws {
			if err := ctx.Err(); err != nil {
				return result, err
			}

			rec, err := models.DecodeRecord(g.entity, raw)
			if err != nil {
				result.skip(g.entity, rawID(raw, i), err)
				continue
			}
			if err := s.importer.ImportRecord(ctx, rec); err != nil {
				if apperrors.Is(err, apperrors.ErrValidation) {
					result.skip(g.entity, rec.RecordID(), err)
					continue
				}
				return result, apperrors.Wrap(apperrors.ErrImportFailed, "failed to store imported record", err)
			}
			result.Imported++
		}
	}
	result.Duration = time.Since(start)

	logging.Info("import completed", map[string]interface{}{
		"imported": result.Imported,
		"skipped":  len(result.Skipped),
	})
	return result, nil
}

func (r *ImportResult) skip(entity models.EntityType, id string, err error) {
	r.Skipped = append(r.Skipped, SkippedRecord{Entity: entity, ID: id, Reason: err.Error()})
	logging.Warn("skipping invalid record", map[string]interface{}{
		"entity": string(entity),
		"id":     id,
		"error":  err.Error(),
	})
}

func rawID(raw json.RawMessage, index int) string {
	var head struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(raw, &head) == nil && head.ID != "" {
		return head.ID
	}
	return fmt.Sprintf("#%d", index)
}

// ExportFile writes a snapshot to path, choosing the format from its
// extension. The file is replaced atomically.
func (s *Service) ExportFile(ctx context.Context, path string) (*ExportResult, error) {
	kind, err := KindFromPath(path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "failed to create export directory", err)
	}
	tmp, err := os.CreateTemp(dir, ".today-export-*")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "failed to create export file", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	var w io.Writer = tmp
	var gz *gzip.Writer
	if kind.Compressed {
		gz = gzip.NewWriter(tmp)
		w = gz
	}

	result, err := s.Export(ctx, w, kind.Format)
	if err != nil {
		_ = tmp.Close()
		return nil, err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			_ = tmp.Close()
			return nil, apperrors.Wrap(apperrors.ErrExportFailed, "failed to compress snapshot", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "failed to flush export file", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "failed to close export file", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "failed to move export file into place", err)
	}

	if fi, err := os.Stat(path); err == nil {
		result.SizeBytes = fi.Size()
	}
	result.FilePath = path
	return result, nil
}

// ImportFile reads a snapshot file, choosing the format from its extension.
func (s *Service) ImportFile(ctx context.Context, path string) (*ImportResult, error) {
	kind, err := KindFromPath(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrImportFailed, "failed to open snapshot", err)
	}
	defer f.Close()

	var r io.Reader = f
	if kind.Compressed {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrImportFailed, "failed to decompress snapshot", err)
		}
		defer gz.Close()
		r = gz
	}
	return s.Import(ctx, r, kind.Format)
}
