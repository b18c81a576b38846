package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	apperrors "github.com/kimhsiao/today/backend/internal/errors"
	"github.com/kimhsiao/today/backend/internal/models"
	"github.com/kimhsiao/today/backend/internal/tracker"
)

// Tracker is the task and timer API the handlers expose.
type Tracker interface {
	ListTasks(ctx context.Context, f tracker.TaskFilter) ([]tracker.TaskItem, error)
	CreateTask(ctx context.Context, text string) (*models.Task, error)
	SetDone(ctx context.Context, id string, done bool) (*models.Task, error)
	ActiveTimer(ctx context.Context) (*models.Session, error)
	StartTimer(ctx context.Context, taskID string) (*models.Session, error)
	StopTimer(ctx context.Context) (*models.TimeEntry, error)
}

// TaskHandler handles task and timer requests.
type TaskHandler struct {
	tracker Tracker
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(t Tracker) *TaskHandler {
	return &TaskHandler{tracker: t}
}

// Tasks handles GET /api/tasks and POST /api/tasks
func (h *TaskHandler) Tasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var f tracker.TaskFilter
		switch r.URL.Query().Get("done") {
		case "true":
			done := true
			f.Done = &done
		case "false":
			done := false
			f.Done = &done
		}
		items, err := h.tracker.ListTasks(r.Context(), f)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)

	case http.MethodPost:
		var req struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		task, err := h.tracker.CreateTask(r.Context(), req.Text)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// Done handles POST /api/tasks/{id}/done with {"done": bool}.
func (h *TaskHandler) Done(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.PathValue("id")

	req := struct {
		Done bool `json:"done"`
	}{Done: true}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	task, err := h.tracker.SetDone(r.Context(), id, req.Done)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// Timer handles GET, POST (start, {"task_id"}) and DELETE (stop) on /api/timer.
func (h *TaskHandler) Timer(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sess, err := h.tracker.ActiveTimer(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"active": sess != nil, "session": sess})

	case http.MethodPost:
		var req struct {
			TaskID string `json:"task_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.TaskID) == "" {
			http.Error(w, "task_id is required", http.StatusBadRequest)
			return
		}
		sess, err := h.tracker.StartTimer(r.Context(), req.TaskID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)

	case http.MethodDelete:
		entry, err := h.tracker.StopTimer(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// writeError maps application error codes to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.CodeOf(err) {
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrValidation, apperrors.ErrInvalid, apperrors.ErrInvalidPayload:
		status = http.StatusBadRequest
	case apperrors.ErrTimerRunning, apperrors.ErrTimerNotRunning:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]interface{}{
		"code":  string(apperrors.CodeOf(err)),
		"error": err.Error(),
	})
}
