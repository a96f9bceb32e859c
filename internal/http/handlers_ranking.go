package http

import (
	"net/http"

	"finsights/internal/core"
	applog "finsights/internal/log"
)

type (
	optInRequest struct {
		UserID     string `json:"user_id"`
		AgeBracket string `json:"age_bracket"`
	}

	optOutRequest struct {
		UserID string `json:"user_id"`
	}

	optOutResponse struct {
		OptedIn bool `json:"opted_in"`
	}
)

// handleRankUser serves GET /ranking/percentile?user_id=.
func (s *Server) handleRankUser(w http.ResponseWriter, r *http.Request) {
	userID, err := resolveUserID(r, r.URL.Query().Get("user_id"))
	if err != nil {
		s.fail(w, r, applog.OpRankUser, "", err)
		return
	}

	stats, err := s.ranking.RankUser(r.Context(), userID)
	if err != nil {
		s.fail(w, r, applog.OpRankUser, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleProgress serves GET /ranking/progress?user_id=&period=.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	userID, err := resolveUserID(r, r.URL.Query().Get("user_id"))
	if err != nil {
		s.fail(w, r, applog.OpProgress, "", err)
		return
	}

	progress, err := s.ranking.Progress(r.Context(), userID, queryValue(r, "period"))
	if err != nil {
		s.fail(w, r, applog.OpProgress, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// handleDistribution serves GET /ranking/distribution?age_bracket=.
func (s *Server) handleDistribution(w http.ResponseWriter, r *http.Request) {
	bracket, err := core.ParseAgeBracket(queryValue(r, "age_bracket"))
	if err != nil {
		s.fail(w, r, applog.OpDistribution, "", err)
		return
	}

	dist, err := s.ranking.Distribution(r.Context(), bracket)
	if err != nil {
		s.fail(w, r, applog.OpDistribution, "", err)
		return
	}
	writeJSON(w, http.StatusOK, dist)
}

func (s *Server) handleOptIn(w http.ResponseWriter, r *http.Request) {
	var req optInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, applog.OpOptIn, "", err)
		return
	}
	userID, err := resolveUserID(r, req.UserID)
	if err != nil {
		s.fail(w, r, applog.OpOptIn, "", err)
		return
	}
	bracket, err := core.ParseAgeBracket(sanitizeInput(req.AgeBracket))
	if err != nil {
		s.fail(w, r, applog.OpOptIn, userID, err)
		return
	}

	result, err := s.ranking.OptIn(r.Context(), userID, bracket)
	if err != nil {
		s.fail(w, r, applog.OpOptIn, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleOptOut(w http.ResponseWriter, r *http.Request) {
	var req optOutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, applog.OpOptOut, "", err)
		return
	}
	userID, err := resolveUserID(r, req.UserID)
	if err != nil {
		s.fail(w, r, applog.OpOptOut, "", err)
		return
	}

	if err := s.ranking.OptOut(r.Context(), userID); err != nil {
		s.fail(w, r, applog.OpOptOut, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, optOutResponse{OptedIn: false})
}
