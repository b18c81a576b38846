package handlers

import "net/http"

// Register mounts the REST routes on mux. ws, when non-nil, serves the
// sync event stream at /ws.
func Register(mux *http.ServeMux, s *SyncHandler, e *ExportHandler, t *TaskHandler, ws http.Handler) {
	mux.HandleFunc("/api/health", Health)
	mux.HandleFunc("/api/sync/status", s.GetStatus)
	mux.HandleFunc("/api/sync/now", s.TriggerSync)
	mux.HandleFunc("/api/sync/online", s.SetOnline)
	mux.HandleFunc("/api/export", e.Export)
	mux.HandleFunc("/api/import", e.Import)
	mux.HandleFunc("/api/tasks", t.Tasks)
	mux.HandleFunc("/api/tasks/{id}/done", t.Done)
	mux.HandleFunc("/api/timer", t.Timer)
	if ws != nil {
		mux.Handle("/ws", ws)
	}
}

// Health handles GET /api/health
func Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "service": "today"})
}
