package percentile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"finsights/internal/cohort"
	"finsights/internal/core"
	"finsights/internal/ports"
)

var tracer = otel.Tracer("finsights/percentile")

// EventPublisher broadcasts cohort membership changes to other replicas.
type EventPublisher interface {
	PublishCohortEvent(ctx context.Context, ev core.CohortEvent) error
}

// RankingStats is a ranking together with bracket statistics taken from the
// same snapshot.
type RankingStats struct {
	Ranking
	Stats           BracketStats `json:"stats"`
	NetWorth        int64        `json:"net_worth"`
	Milestones      Milestones   `json:"milestones"`
	Insights        Insights     `json:"insights"`
	SnapshotVersion uint64       `json:"snapshot_version"`
}

type OptInResult struct {
	OptedIn             bool            `json:"opted_in"`
	AgeBracket          core.AgeBracket `json:"age_bracket"`
	PercentileAvailable bool            `json:"percentile_available"`
	Ranking             *RankingStats   `json:"ranking,omitempty"`
}

type Service struct {
	index        *cohort.Index
	demographics ports.DemographicsStore
	netWorth     ports.NetWorthReader
	history      ports.PercentileHistory
	events       EventPublisher
	minCohort    int
	backoff      time.Duration
	now          func() time.Time
}

func NewService(index *cohort.Index, demographics ports.DemographicsStore, netWorth ports.NetWorthReader, history ports.PercentileHistory, events EventPublisher, minCohort int, retryBackoff time.Duration) *Service {
	if minCohort <= 0 {
		minCohort = DefaultMinCohortSize
	}
	return &Service{
		index:        index,
		demographics: demographics,
		netWorth:     netWorth,
		history:      history,
		events:       events,
		minCohort:    minCohort,
		backoff:      retryBackoff,
		now:          time.Now,
	}
}

// RankUser ranks an opted-in user within their bracket, compares the result
// with the user's previous snapshot and records today's snapshot.
func (s *Service) RankUser(ctx context.Context, userID string) (RankingStats, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return RankingStats{}, fmt.Errorf("%w: user_id is required", core.ErrInvalidInput)
	}

	ctx, span := tracer.Start(ctx, "percentile.RankUser")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	stats, err := s.rankUser(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return RankingStats{}, err
	}
	span.SetAttributes(attribute.Float64("percentile", stats.Percentile))
	return stats, nil
}

// Progress compares the user's current ranking with the snapshot held at
// the start of period (1mo, 3mo, 6mo or 12mo).
func (s *Service) Progress(ctx context.Context, userID, period string) (Progress, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Progress{}, fmt.Errorf("%w: user_id is required", core.ErrInvalidInput)
	}
	period, days, err := PeriodDays(period)
	if err != nil {
		return Progress{}, err
	}

	ctx, span := tracer.Start(ctx, "percentile.Progress")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID), attribute.String("period", period))

	stats, err := s.rankUser(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return Progress{}, err
	}

	today := core.DateOf(s.now())
	past, err := core.Retry(ctx, s.backoff, func(ctx context.Context) (core.PercentileSnapshot, error) {
		return s.history.LatestPercentileSnapshot(ctx, userID, today.AddDays(-days))
	})
	switch {
	case errors.Is(err, core.ErrNotFound):
		return Progress{}, fmt.Errorf("%w: %s needs %d days of ranking history", core.ErrInsufficientData, userID, days)
	case err != nil:
		span.RecordError(err)
		return Progress{}, fmt.Errorf("load percentile history for %s: %w", userID, err)
	}

	current := ProgressPoint{Day: today, AgeBracket: stats.AgeBracket, Percentile: stats.Percentile, NetWorth: stats.NetWorth}
	then := ProgressPoint{Day: past.Day, AgeBracket: past.AgeBracket, Percentile: past.Percentile, NetWorth: past.NetWorth}
	return Progress{
		Period:      period,
		DaysElapsed: past.Day.DaysUntil(today),
		Current:     current,
		Past:        then,
		Delta:       Compare(current, then),
	}, nil
}

func (s *Service) rankUser(ctx context.Context, userID string) (RankingStats, error) {
	demo, err := s.optedInDemographics(ctx, userID)
	if err != nil {
		return RankingStats{}, err
	}
	nw, err := s.userNetWorth(ctx, userID)
	if err != nil {
		return RankingStats{}, err
	}
	stats, err := s.rank(ctx, demo.AgeBracket, nw)
	if err != nil {
		return RankingStats{}, err
	}
	if err := s.track(ctx, userID, &stats); err != nil {
		return RankingStats{}, err
	}
	return stats, nil
}

// track fills the insights from the previous snapshot and records today's.
// History is best effort: only a timeout fails the ranking.
func (s *Service) track(ctx context.Context, userID string, stats *RankingStats) error {
	today := core.DateOf(s.now())
	prev, err := s.history.LatestPercentileSnapshot(ctx, userID, today.AddDays(-1))
	switch {
	case err == nil:
		stats.Insights = InsightsFor(stats.Percentile, today, prev)
	case errors.Is(err, core.ErrTimeout):
		return err
	case !errors.Is(err, core.ErrNotFound):
		slog.WarnContext(ctx, "Failed to load percentile history", "user_id", userID, "error", err)
	}

	snap := core.PercentileSnapshot{
		UserID:     userID,
		Day:        today,
		AgeBracket: stats.AgeBracket,
		Percentile: stats.Percentile,
		NetWorth:   stats.NetWorth,
	}
	if err := s.history.SavePercentileSnapshot(ctx, snap); err != nil {
		if errors.Is(err, core.ErrTimeout) {
			return err
		}
		slog.WarnContext(ctx, "Failed to record percentile snapshot", "user_id", userID, "error", err)
	}
	return nil
}

func (s *Service) rank(ctx context.Context, bracket core.AgeBracket, netWorth int64) (RankingStats, error) {
	snap, err := s.index.Snapshot(ctx, bracket)
	if err != nil {
		return RankingStats{}, err
	}
	r, err := Rank(netWorth, snap, s.minCohort)
	if err != nil {
		return RankingStats{}, err
	}
	if err := core.ContextError(ctx); err != nil {
		return RankingStats{}, err
	}
	return RankingStats{
		Ranking:         r,
		Stats:           Stats(snap),
		NetWorth:        netWorth,
		Milestones:      MilestonesFor(r.Percentile, netWorth, snap),
		SnapshotVersion: snap.Version,
	}, nil
}

// Distribution describes a bracket's net worth spread.
func (s *Service) Distribution(ctx context.Context, bracket core.AgeBracket) (Distribution, error) {
	if !bracket.Valid() {
		return Distribution{}, fmt.Errorf("%w: unknown age bracket %q", core.ErrInvalidInput, bracket)
	}
	snap, err := s.index.Snapshot(ctx, bracket)
	if err != nil {
		return Distribution{}, err
	}
	return Distribute(snap, s.minCohort)
}

// OptIn records the user's bracket and consent, adds them to the index and
// announces the change. A ranking is attached when one can be computed.
func (s *Service) OptIn(ctx context.Context, userID string, bracket core.AgeBracket) (OptInResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return OptInResult{}, fmt.Errorf("%w: user_id is required", core.ErrInvalidInput)
	}
	if !bracket.Valid() {
		return OptInResult{}, fmt.Errorf("%w: unknown age bracket %q", core.ErrInvalidInput, bracket)
	}

	demo := core.UserDemographics{UserID: userID, AgeBracket: bracket, OptInRankings: true}
	if err := s.demographics.SaveDemographics(ctx, demo); err != nil {
		return OptInResult{}, fmt.Errorf("save demographics for %s: %w", userID, err)
	}
	result := OptInResult{OptedIn: true, AgeBracket: bracket}

	nw, err := s.userNetWorth(ctx, userID)
	switch {
	case errors.Is(err, core.ErrInsufficientData):
		// Without a net worth the user is not a cohort member yet.
		if err := s.index.Remove(userID); err != nil {
			return OptInResult{}, err
		}
		slog.InfoContext(ctx, "User opted in without net worth", "user_id", userID, "age_bracket", bracket)
		return result, nil
	case err != nil:
		return OptInResult{}, err
	}

	if err := s.index.Upsert(userID, bracket, nw); err != nil {
		return OptInResult{}, err
	}
	s.publish(ctx, core.CohortEvent{Type: core.CohortEventUpsert, UserID: userID, AgeBracket: bracket, NetWorth: nw})
	slog.InfoContext(ctx, "User opted in to rankings", "user_id", userID, "age_bracket", bracket)

	stats, err := s.rank(ctx, bracket, nw)
	switch {
	case errors.Is(err, core.ErrInsufficientCohort):
		return result, nil
	case err != nil:
		return OptInResult{}, err
	}
	result.PercentileAvailable = true
	result.Ranking = &stats
	return result, nil
}

// OptOut withdraws consent and removes the user from the index. Opting out
// twice is not an error.
func (s *Service) OptOut(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", core.ErrInvalidInput)
	}

	demo, err := core.Retry(ctx, s.backoff, func(ctx context.Context) (core.UserDemographics, error) {
		return s.demographics.QueryDemographics(ctx, userID)
	})
	switch {
	case errors.Is(err, core.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load demographics for %s: %w", userID, err)
	case demo.OptInRankings:
		demo.OptInRankings = false
		if err := s.demographics.SaveDemographics(ctx, demo); err != nil {
			return fmt.Errorf("save demographics for %s: %w", userID, err)
		}
	}

	if err := s.index.Remove(userID); err != nil {
		return err
	}
	s.publish(ctx, core.CohortEvent{Type: core.CohortEventRemove, UserID: userID})
	slog.InfoContext(ctx, "User opted out of rankings", "user_id", userID)
	return nil
}

// publish is best effort: the periodic rebuild repairs replicas that miss
// an event.
func (s *Service) publish(ctx context.Context, ev core.CohortEvent) {
	if s.events == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.OccurredAt = s.now().UTC()
	if err := s.events.PublishCohortEvent(ctx, ev); err != nil {
		slog.WarnContext(ctx, "Failed to publish cohort event",
			"user_id", ev.UserID, "type", ev.Type, "error", err)
	}
}

func (s *Service) optedInDemographics(ctx context.Context, userID string) (core.UserDemographics, error) {
	demo, err := core.Retry(ctx, s.backoff, func(ctx context.Context) (core.UserDemographics, error) {
		return s.demographics.QueryDemographics(ctx, userID)
	})
	switch {
	case errors.Is(err, core.ErrNotFound):
		return core.UserDemographics{}, fmt.Errorf("%w: user %s has no demographics", core.ErrNotOptedIn, userID)
	case err != nil:
		return core.UserDemographics{}, fmt.Errorf("load demographics for %s: %w", userID, err)
	}
	if err := demo.Validate(); err != nil {
		return core.UserDemographics{}, err
	}
	if !demo.OptInRankings {
		return core.UserDemographics{}, fmt.Errorf("%w: user %s", core.ErrNotOptedIn, userID)
	}
	return demo, nil
}

func (s *Service) userNetWorth(ctx context.Context, userID string) (int64, error) {
	nw, err := core.Retry(ctx, s.backoff, func(ctx context.Context) (int64, error) {
		return s.netWorth.QueryNetWorth(ctx, userID)
	})
	switch {
	case errors.Is(err, core.ErrNotFound):
		return 0, fmt.Errorf("%w: no net worth recorded for %s", core.ErrInsufficientData, userID)
	case err != nil:
		return 0, fmt.Errorf("load net worth for %s: %w", userID, err)
	}
	return nw, nil
}
