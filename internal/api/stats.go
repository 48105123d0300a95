package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total        int            `json:"total"`
	ByStatus     map[string]int `json:"by_status"`
	ByKind       map[string]int `json:"by_kind"`
	Warned       int            `json:"warned"`
	AvgElapsedMS float64        `json:"avg_elapsed_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetTaskStats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:        stats.Total,
		ByStatus:     stats.CountByStatus,
		ByKind:       stats.CountByKind,
		Warned:       stats.Warned,
		AvgElapsedMS: stats.AvgElapsedMS,
	})
}
