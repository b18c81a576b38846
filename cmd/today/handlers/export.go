package handlers

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"time"

	apperrors "github.com/kimhsiao/today/backend/internal/errors"
	"github.com/kimhsiao/today/backend/internal/export"
)

// ExportHandler handles snapshot export and import.
type ExportHandler struct {
	export export.ExportServiceInterface
	dir    string
}

// NewExportHandler creates a new ExportHandler writing snapshots into dir.
func NewExportHandler(svc export.ExportServiceInterface, dir string) *ExportHandler {
	return &ExportHandler{export: svc, dir: dir}
}

// ExportRequest represents the export request body.
type ExportRequest struct {
	Format   string `json:"format"`   // json (default) or yaml
	Compress bool   `json:"compress"` // gzip the snapshot
	// FileName overrides the generated name; it is always placed in the
	// export directory.
	FileName string `json:"file_name"`
}

// ImportRequest represents the import request body.
type ImportRequest struct {
	Path string `json:"path"`
}

// Export handles POST /api/export
func (h *ExportHandler) Export(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ExportRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	format, err := export.ParseFormat(req.Format)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := filepath.Base(req.FileName)
	if req.FileName == "" {
		kind := export.FileKind{Format: format, Compressed: req.Compress}
		name = "today_" + time.Now().UTC().Format("20060102_150405") + kind.Ext()
	}

	result, err := h.export.ExportFile(r.Context(), filepath.Join(h.dir, name))
	if err != nil {
		status := http.StatusInternalServerError
		if apperrors.Is(err, apperrors.ErrUnsupportedFormat) {
			status = http.StatusBadRequest
		}
		http.Error(w, "Export failed: "+err.Error(), status)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"file_path":    result.FilePath,
		"size_bytes":   result.SizeBytes,
		"tasks":        result.Tasks,
		"time_entries": result.TimeEntries,
		"checksum":     result.Checksum,
	})
}

// Import handles POST /api/import
func (h *ExportHandler) Import(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}

	result, err := h.export.ImportFile(r.Context(), req.Path)
	if err != nil {
		status := http.StatusInternalServerError
		if apperrors.Is(err, apperrors.ErrUnsupportedFormat) || apperrors.Is(err, apperrors.ErrImportFailed) {
			status = http.StatusUnprocessableEntity
		}
		http.Error(w, "Import failed: "+err.Error(), status)
		return
	}

	skipped := make([]map[string]interface{}, 0, len(result.Skipped))
	for _, s := range result.Skipped {
		skipped = append(skipped, map[string]interface{}{
			"entity": s.Entity,
			"id":     s.ID,
			"reason": s.Reason,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"imported": result.Imported,
		"skipped":  skipped,
	})
}
