package httpapi

import "net/http"

func (s *Server) handlePerfTurns(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil || s.metrics.Turns == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.Turns.Snapshot())
}
