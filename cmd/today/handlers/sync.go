// Package handlers provides the local REST API served by the daemon.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	apperrors "github.com/kimhsiao/today/backend/internal/errors"
	"github.com/kimhsiao/today/backend/internal/sync/queue"
	"github.com/kimhsiao/today/backend/internal/sync/scheduler"
)

// SyncController is the part of the scheduler the handlers drive.
type SyncController interface {
	Status() scheduler.SchedulerStatus
	SyncNow(ctx context.Context) error
	SetOnlineStatus(isOnline bool)
}

// QueueStats reports queue statistics.
type QueueStats interface {
	GetStats(ctx context.Context) (queue.Stats, error)
}

// SyncHandler handles sync status and triggers.
type SyncHandler struct {
	sync  SyncController
	queue QueueStats
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(sync SyncController, q QueueStats) *SyncHandler {
	return &SyncHandler{sync: sync, queue: q}
}

// GetStatus handles GET /api/sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := h.sync.Status()
	response := map[string]interface{}{
		"running":         status.IsRunning,
		"online":          status.IsOnline,
		"in_progress":     status.SyncInProgress,
		"pending_changes": status.PendingItems,
		"deferred":        status.Deferred,
		"debounced":       status.Debounced,
	}
	if status.LastSyncTime != nil {
		response["last_sync"] = status.LastSyncTime.UnixMilli()
	}
	if status.NextRetryAt != nil {
		response["next_retry_at"] = status.NextRetryAt.UnixMilli()
	}
	if status.LastError != "" {
		response["last_error"] = status.LastError
	}

	if h.queue != nil {
		stats, err := h.queue.GetStats(r.Context())
		if err != nil {
			http.Error(w, "Failed to read queue", http.StatusInternalServerError)
			return
		}
		response["queue_stats"] = map[string]interface{}{
			"total":    stats.Total,
			"retrying": stats.Retrying,
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// TriggerSync handles POST /api/sync/now
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.sync.SyncNow(r.Context()); err != nil {
		status := http.StatusBadGateway
		if apperrors.Is(err, apperrors.ErrSyncOffline) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]interface{}{
			"status": "error",
			"code":   string(apperrors.CodeOf(err)),
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success"})
}

// SetOnline handles POST /api/sync/online with {"online": bool}.
func (h *SyncHandler) SetOnline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		http.Error(w, "online is required", http.StatusBadRequest)
		return
	}
	h.sync.SetOnlineStatus(*req.Online)
	writeJSON(w, http.StatusOK, map[string]interface{}{"online": *req.Online})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
