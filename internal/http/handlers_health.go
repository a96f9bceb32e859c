package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	applog "finsights/internal/log"
)

const readinessTimeout = 2 * time.Second

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, readiness{Status: "ok"})
}

// handleReady pings every dependency concurrently. Any failure makes the
// instance unready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]string, len(s.checks))
		failed bool
	)
	for name, p := range s.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := "ok"
			if err := p.Ping(ctx); err != nil {
				status = err.Error()
				applog.FromContext(r.Context()).WarnContext(r.Context(), "Readiness check failed",
					applog.FieldOperation, applog.OpReadiness,
					"check", name,
					applog.FieldError, err.Error())
			}
			mu.Lock()
			defer mu.Unlock()
			checks[name] = status
			failed = failed || status != "ok"
		}()
	}
	wg.Wait()

	if failed {
		writeJSON(w, http.StatusServiceUnavailable, readiness{Status: "unavailable", Checks: checks})
		return
	}
	writeJSON(w, http.StatusOK, readiness{Status: "ready", Checks: checks})
}
