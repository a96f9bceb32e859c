package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"finsights/internal/cache"
	"finsights/internal/core"
	"finsights/internal/ledger"
	"finsights/internal/ports"
)

const (
	DefaultTrendWindow = 6
	MaxTrendWindow     = 36
)

var tracer = otel.Tracer("finsights/budget")

// Summary bundles the current month, the previous month and the spending
// trend. PreviousDegraded is set when history could not be read and the
// previous month was replaced with a zeroed rollup.
type Summary struct {
	CurrentMonth     MonthlySpending `json:"current_month"`
	PreviousMonth    MonthlySpending `json:"previous_month"`
	SpendingTrend    []TrendPoint    `json:"spending_trend"`
	PreviousDegraded bool            `json:"previous_month_degraded,omitempty"`
}

type Service struct {
	reader        *ledger.Reader
	settings      ports.SettingsStore
	versions      ports.LedgerVersioner
	cache         cache.Cache[Summary]
	defaultWindow int
	retryBackoff  time.Duration
}

type Option func(*Service)

// WithCache enables summary caching. Entries are keyed on the ledger
// version reported by versions, so a nil versions disables caching.
func WithCache(c cache.Cache[Summary], versions ports.LedgerVersioner) Option {
	return func(s *Service) {
		s.cache = c
		s.versions = versions
	}
}

func WithDefaultTrendWindow(n int) Option {
	return func(s *Service) {
		if n > 0 && n <= MaxTrendWindow {
			s.defaultWindow = n
		}
	}
}

func WithRetryBackoff(d time.Duration) Option {
	return func(s *Service) { s.retryBackoff = d }
}

func NewService(reader *ledger.Reader, settings ports.SettingsStore, opts ...Option) *Service {
	s := &Service{
		reader:        reader,
		settings:      settings,
		defaultWindow: DefaultTrendWindow,
		retryBackoff:  100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summary computes the budget summary for month. trendWindow counts months
// ending at month; zero selects the default window.
func (s *Service) Summary(ctx context.Context, userID string, month core.Month, trendWindow int) (Summary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Summary{}, fmt.Errorf("%w: user_id is required", core.ErrInvalidInput)
	}
	if month.IsZero() {
		return Summary{}, fmt.Errorf("%w: month is required", core.ErrInvalidInput)
	}
	if trendWindow == 0 {
		trendWindow = s.defaultWindow
	}
	if trendWindow < 1 || trendWindow > MaxTrendWindow {
		return Summary{}, fmt.Errorf("%w: trend_window must be between 1 and %d", core.ErrInvalidInput, MaxTrendWindow)
	}

	ctx, span := tracer.Start(ctx, "budget.Summary")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("month", month.String()),
		attribute.Int("trend_window", trendWindow),
	)

	settings, err := s.userSettings(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return Summary{}, err
	}
	hidden := settings.HiddenSet()

	key, cacheable := s.cacheKey(ctx, userID, month, trendWindow, settings.HiddenCategories)
	if cacheable {
		if cached, ok, err := s.cache.Get(ctx, key); err != nil {
			slog.WarnContext(ctx, "Budget cache read failed", "error", err)
		} else if ok {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return cached, nil
		}
	}

	prev := month.AddMonths(-1)
	historyFrom := month.AddMonths(-(trendWindow - 1))
	if prev.Before(historyFrom) {
		historyFrom = prev
	}

	var (
		current  ledger.Sequence
		history  ledger.Sequence
		degraded bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		seq, err := s.reader.Read(gctx, userID, month.Range())
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return fmt.Errorf("%w: no ledger for user %s: %w", core.ErrInsufficientData, userID, err)
			}
			return err
		}
		current = seq
		return nil
	})
	g.Go(func() error {
		rng := core.DateRange{Start: historyFrom.First(), End: prev.Last()}
		seq, err := s.reader.Read(gctx, userID, rng)
		if err != nil {
			if errors.Is(err, core.ErrTimeout) {
				return err
			}
			// A failing current-month read cancels gctx; that error wins.
			if gctx.Err() == nil {
				slog.WarnContext(ctx, "Budget history unavailable, using zeroed previous month",
					"user_id", userID, "month", month.String(), "error", err)
			}
			degraded = true
			return nil
		}
		history = seq
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return Summary{}, err
	}
	if err := core.ContextError(ctx); err != nil {
		return Summary{}, err
	}

	summary := Summary{
		CurrentMonth:     ComputeMonthlySpending(current.All(), hidden, month),
		PreviousMonth:    ZeroMonth(prev),
		PreviousDegraded: degraded,
	}
	months := []MonthlySpending{summary.CurrentMonth}
	if !degraded {
		past := ComputeMonths(history.All(), hidden, historyFrom, prev)
		summary.PreviousMonth = past[len(past)-1]
		for _, m := range past {
			if !m.Month.Before(month.AddMonths(-(trendWindow - 1))) {
				months = append(months, m)
			}
		}
	}
	summary.SpendingTrend = ComputeTrend(months)

	if cacheable && !degraded {
		if err := s.cache.Set(ctx, key, summary); err != nil {
			slog.WarnContext(ctx, "Budget cache write failed", "error", err)
		}
	}

	slog.InfoContext(ctx, "Budget summary computed",
		"user_id", userID,
		"month", month.String(),
		"transactions", summary.CurrentMonth.TransactionCount,
		"degraded", degraded,
	)
	return summary, nil
}

// userSettings falls back to the defaults for users without a settings row.
func (s *Service) userSettings(ctx context.Context, userID string) (core.UserSettings, error) {
	if s.settings == nil {
		return core.DefaultSettings(userID), nil
	}
	settings, err := core.Retry(ctx, s.retryBackoff, func(ctx context.Context) (core.UserSettings, error) {
		return s.settings.GetUserSettings(ctx, userID)
	})
	switch {
	case errors.Is(err, core.ErrNotFound):
		return core.DefaultSettings(userID), nil
	case err != nil:
		return core.UserSettings{}, fmt.Errorf("load settings for %s: %w", userID, err)
	}
	return settings, nil
}

func (s *Service) cacheKey(ctx context.Context, userID string, month core.Month, window int, hidden []string) (string, bool) {
	if s.cache == nil || s.versions == nil {
		return "", false
	}
	version, err := s.versions.LedgerVersion(ctx, userID)
	if err != nil {
		slog.WarnContext(ctx, "Ledger version unavailable, skipping cache", "user_id", userID, "error", err)
		return "", false
	}
	return fmt.Sprintf("budget:%s:%s:%d:%d:%016x", userID, month, window, version, cache.Fingerprint(hidden)), true
}

// UpdateHiddenCategories replaces the user's hidden category set. Other
// settings are preserved.
func (s *Service) UpdateHiddenCategories(ctx context.Context, userID string, hidden []string) (core.UserSettings, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return core.UserSettings{}, fmt.Errorf("%w: user_id is required", core.ErrInvalidInput)
	}
	if s.settings == nil {
		return core.UserSettings{}, fmt.Errorf("%w: settings store not configured", core.ErrDataUnavailable)
	}
	settings, err := s.userSettings(ctx, userID)
	if err != nil {
		return core.UserSettings{}, err
	}

	cleaned := make([]string, 0, len(hidden))
	seen := make(map[string]bool, len(hidden))
	for _, c := range hidden {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		cleaned = append(cleaned, c)
	}
	settings.UserID = userID
	settings.HiddenCategories = cleaned
	if err := settings.Validate(); err != nil {
		return core.UserSettings{}, err
	}
	if err := s.settings.SaveUserSettings(ctx, settings); err != nil {
		return core.UserSettings{}, fmt.Errorf("save settings for %s: %w", settings.UserID, err)
	}
	slog.InfoContext(ctx, "Hidden categories updated", "user_id", settings.UserID, "hidden", len(cleaned))
	return settings, nil
}
