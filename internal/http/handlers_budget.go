package http

import (
	"fmt"
	"net/http"
	"strconv"

	"finsights/internal/core"
	applog "finsights/internal/log"
)

type hiddenCategoriesRequest struct {
	UserID           string   `json:"user_id"`
	HiddenCategories []string `json:"hidden_categories"`
}

// handleBudgetSummary serves GET /budget/summary?user_id=&month=YYYY-MM[&trend_window=N].
func (s *Server) handleBudgetSummary(w http.ResponseWriter, r *http.Request) {
	userID, err := resolveUserID(r, r.URL.Query().Get("user_id"))
	if err != nil {
		s.fail(w, r, applog.OpBudgetSummary, "", err)
		return
	}

	raw := queryValue(r, "month")
	if raw == "" {
		s.fail(w, r, applog.OpBudgetSummary, userID, fmt.Errorf("%w: month is required", core.ErrInvalidInput))
		return
	}
	month, err := core.ParseMonth(raw)
	if err != nil {
		s.fail(w, r, applog.OpBudgetSummary, userID, err)
		return
	}

	window := 0
	if v := queryValue(r, "trend_window"); v != "" {
		if window, err = strconv.Atoi(v); err != nil {
			s.fail(w, r, applog.OpBudgetSummary, userID, fmt.Errorf("%w: trend_window must be an integer", core.ErrInvalidInput))
			return
		}
	}

	summary, err := s.budget.Summary(r.Context(), userID, month, window)
	if err != nil {
		s.fail(w, r, applog.OpBudgetSummary, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleUpdateHiddenCategories serves PUT /settings/hidden-categories. An
// absent or empty list unhides everything.
func (s *Server) handleUpdateHiddenCategories(w http.ResponseWriter, r *http.Request) {
	var req hiddenCategoriesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, applog.OpUpdateHidden, "", err)
		return
	}
	userID, err := resolveUserID(r, req.UserID)
	if err != nil {
		s.fail(w, r, applog.OpUpdateHidden, "", err)
		return
	}

	hidden := make([]string, 0, len(req.HiddenCategories))
	for _, c := range req.HiddenCategories {
		hidden = append(hidden, sanitizeInput(c))
	}

	settings, err := s.budget.UpdateHiddenCategories(r.Context(), userID, hidden)
	if err != nil {
		s.fail(w, r, applog.OpUpdateHidden, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}
