package http

import (
	"net/http"

	applog "finsights/internal/log"
)

// handleQuotaRecommendation serves GET /quota/recommendation?business_id=.
// Without business_id the global default is returned.
func (s *Server) handleQuotaRecommendation(w http.ResponseWriter, r *http.Request) {
	businessID := queryValue(r, "business_id")

	rec, err := s.quota.Recommend(r.Context(), businessID)
	if err != nil {
		s.fail(w, r, applog.OpRecommendQuota, "", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
