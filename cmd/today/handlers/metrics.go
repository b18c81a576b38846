package handlers

import (
	"net/http"

	"github.com/kimhsiao/today/backend/internal/telemetry"
)

// MetricsSource supplies the in-process counters.
type MetricsSource interface {
	Snapshot() telemetry.Snapshot
}

// Metrics handles GET /api/metrics
func Metrics(src MetricsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, src.Snapshot())
	}
}
