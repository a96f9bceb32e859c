package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"finsights/internal/core"
)

// CohortIndex is the part of the in-memory cohort index the worker drives.
type CohortIndex interface {
	Upsert(userID string, bracket core.AgeBracket, netWorth int64) error
	Remove(userID string) error
	RebuildAll(ctx context.Context) error
}

// CohortWorker keeps a replica's cohort index in step with membership
// changes made on other replicas, and periodically rebuilds it from storage
// so missed events cannot drift the index forever.
type CohortWorker struct {
	index    CohortIndex
	interval time.Duration
}

func NewCohortWorker(index CohortIndex, refreshInterval time.Duration) *CohortWorker {
	return &CohortWorker{index: index, interval: refreshInterval}
}

// HandleCohortEvent applies one broadcast event. Both event types are
// idempotent, so a replica receiving its own events is harmless.
func (w *CohortWorker) HandleCohortEvent(ctx context.Context, ev core.CohortEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	var err error
	switch ev.Type {
	case core.CohortEventUpsert:
		err = w.index.Upsert(ev.UserID, ev.AgeBracket, ev.NetWorth)
	case core.CohortEventRemove:
		err = w.index.Remove(ev.UserID)
	}
	if err != nil {
		return fmt.Errorf("apply cohort event %s: %w", ev.ID, err)
	}

	slog.DebugContext(ctx, "Applied cohort event",
		"event_id", ev.ID,
		"type", ev.Type,
		"user_id", ev.UserID,
		"bracket", ev.AgeBracket)
	return nil
}

// RunRefresh reloads every bracket from the source on each tick until ctx
// is done, loading brackets that were never read.
// A zero interval disables the refresh.
func (w *CohortWorker) RunRefresh(ctx context.Context) {
	if w.interval <= 0 {
		slog.InfoContext(ctx, "Periodic cohort refresh disabled")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Refresh(ctx)
		}
	}
}

// Refresh runs one rebuild pass, logging instead of failing.
func (w *CohortWorker) Refresh(ctx context.Context) {
	start := time.Now()
	if err := w.index.RebuildAll(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.ErrorContext(ctx, "Periodic cohort refresh failed", "error", err)
		return
	}
	slog.InfoContext(ctx, "Cohort index refreshed", "duration", time.Since(start))
}
