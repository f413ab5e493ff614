package api

import (
	"net/http"
	"strconv"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total    int            `json:"total"`
	ByState  map[string]int `json:"by_state"`
	ByRound  map[string]int `json:"by_round"`
	InFlight int            `json:"in_flight"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.runs.GetRunStats(r.Context())
	if err != nil {
		s.logger.Error("get run stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	byRound := make(map[string]int, len(stats.CountByRound))
	for round, n := range stats.CountByRound {
		byRound[strconv.Itoa(round)] = n
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:    stats.Total,
		ByState:  stats.CountByState,
		ByRound:  byRound,
		InFlight: s.engine.InFlight(),
	})
}
