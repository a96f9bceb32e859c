package percentile

import (
	"fmt"

	"github.com/shopspring/decimal"

	"finsights/internal/core"
)

const (
	// DefaultPeriod is used when Progress is called without a period.
	DefaultPeriod = "3mo"

	// insightWindowDays bounds how old the previous snapshot may be for the
	// change shown next to a ranking.
	insightWindowDays = 35

	// Percentile moves of at least this many points are significant; moves
	// within stableBand either way count as stable.
	significantPoints = 3
	stableBand        = 1
)

var periodDays = map[string]int{
	"1mo":  30,
	"3mo":  90,
	"6mo":  180,
	"12mo": 365,
}

type (
	Trend string

	// Insights compares a ranking with the user's previous snapshot. Both
	// fields are null without a recent snapshot.
	Insights struct {
		PercentileChange30d *float64 `json:"percentile_change_30d"`
		IsClimbing          *bool    `json:"is_climbing"`
	}

	ProgressPoint struct {
		Day        core.Date       `json:"date"`
		AgeBracket core.AgeBracket `json:"age_bracket"`
		Percentile float64         `json:"percentile"`
		NetWorth   int64           `json:"net_worth"`
	}

	ProgressDelta struct {
		PercentilePoints float64 `json:"percentile_points"`
		NetWorthGrowth   int64   `json:"net_worth_growth"`
		IsSignificant    bool    `json:"is_significant"`
		Trend            Trend   `json:"trend"`
	}

	// Progress compares the current ranking with the snapshot held at the
	// start of Period.
	Progress struct {
		Period      string        `json:"period"`
		DaysElapsed int           `json:"days_elapsed"`
		Current     ProgressPoint `json:"current"`
		Past        ProgressPoint `json:"past"`
		Delta       ProgressDelta `json:"delta"`
	}
)

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// PeriodDays returns the length of a progress period. An empty period is
// DefaultPeriod.
func PeriodDays(period string) (string, int, error) {
	if period == "" {
		period = DefaultPeriod
	}
	days, ok := periodDays[period]
	if !ok {
		return "", 0, fmt.Errorf("%w: invalid period %q, use 1mo, 3mo, 6mo or 12mo", core.ErrInvalidInput, period)
	}
	return period, days, nil
}

// Compare returns the change from past to current. A higher percentile is
// better, so a positive delta is an improvement.
func Compare(current, past ProgressPoint) ProgressDelta {
	points := percentileChange(current.Percentile, past.Percentile)
	d := ProgressDelta{
		PercentilePoints: points,
		NetWorthGrowth:   current.NetWorth - past.NetWorth,
		IsSignificant:    points >= significantPoints || points <= -significantPoints,
		Trend:            TrendStable,
	}
	switch {
	case points > stableBand:
		d.Trend = TrendImproving
	case points < -stableBand:
		d.Trend = TrendDeclining
	}
	return d
}

// InsightsFor compares a ranking taken on today with the previous snapshot.
// Snapshots older than the insight window yield empty insights.
func InsightsFor(percentile float64, today core.Date, prev core.PercentileSnapshot) Insights {
	if age := prev.Day.DaysUntil(today); age <= 0 || age > insightWindowDays {
		return Insights{}
	}
	change := percentileChange(percentile, prev.Percentile)
	climbing := change > 0
	return Insights{PercentileChange30d: &change, IsClimbing: &climbing}
}

func percentileChange(current, past float64) float64 {
	return decimal.NewFromFloat(current).Sub(decimal.NewFromFloat(past)).Round(2).InexactFloat64()
}
