package quota

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"finsights/internal/core"
	"finsights/internal/ports"
)

const DefaultLookback = 30 * 24 * time.Hour

var tracer = otel.Tracer("finsights/quota")

type Service struct {
	source   ports.TaskReservationSource
	policy   Policy
	lookback time.Duration
	backoff  time.Duration
	now      func() time.Time
}

func NewService(source ports.TaskReservationSource, policy Policy, lookback, retryBackoff time.Duration) *Service {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &Service{source: source, policy: policy, lookback: lookback, backoff: retryBackoff, now: time.Now}
}

// Recommend returns the recommendation for businessID, or the global
// default across every business when businessID is empty. Storage failures
// are returned, never replaced with the baseline.
func (s *Service) Recommend(ctx context.Context, businessID string) (Recommendation, error) {
	businessID = strings.TrimSpace(businessID)

	ctx, span := tracer.Start(ctx, "quota.Recommend")
	defer span.End()

	to := s.now().UTC()
	from := to.Add(-s.lookback)
	history, err := core.Retry(ctx, s.backoff, func(ctx context.Context) ([]core.TaskReservation, error) {
		return s.source.QueryTaskReservations(ctx, businessID, from, to)
	})
	if err != nil {
		span.RecordError(err)
		return Recommendation{}, fmt.Errorf("load reservations: %w", err)
	}

	rec := Recommend(history, s.policy)
	rec.BusinessID = businessID
	if businessID == "" {
		rec.BusinessID = core.GlobalQuotaScope
	}
	span.SetAttributes(
		attribute.String("business_id", rec.BusinessID),
		attribute.Int("max_quota", rec.MaxQuota),
		attribute.Int("sample_size", rec.SampleSize),
	)
	slog.InfoContext(ctx, "Quota recommendation computed",
		"business_id", rec.BusinessID,
		"max_quota", rec.MaxQuota,
		"sample_size", rec.SampleSize,
	)
	return rec, nil
}
