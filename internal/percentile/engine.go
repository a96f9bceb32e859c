// Package percentile ranks a user's net worth against their age cohort.
package percentile

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"finsights/internal/cohort"
	"finsights/internal/core"
)

// DefaultMinCohortSize is the smallest bracket a percentile is reported for.
const DefaultMinCohortSize = 20

type (
	Ranking struct {
		Percentile   float64         `json:"percentile"`
		AgeBracket   core.AgeBracket `json:"age_bracket"`
		TotalUsers   int             `json:"total_users_in_bracket"`
		UsersBelow   int             `json:"users_below"`
		UsersAbove   int             `json:"users_above"`
		Ties         int             `json:"ties"`
		RankPosition int             `json:"rank_position"`
	}

	BracketStats struct {
		Median float64 `json:"median"`
		P25    float64 `json:"p25"`
		P75    float64 `json:"p75"`
		P90    float64 `json:"p90"`
	}

	NextMilestone struct {
		Type             string  `json:"type"`
		Label            string  `json:"label"`
		RequiredNetWorth float64 `json:"required_net_worth"`
		Gap              float64 `json:"gap"`
		Progress         float64 `json:"current_progress"`
	}

	Milestones struct {
		Achieved      []string       `json:"achieved"`
		Next          *NextMilestone `json:"next"`
		TotalUnlocked int            `json:"total_unlocked"`
	}

	DistributionPoint struct {
		Percentile  int     `json:"percentile"`
		MinNetWorth float64 `json:"min_net_worth"`
		Label       string  `json:"label"`
	}

	Distribution struct {
		AgeBracket core.AgeBracket     `json:"age_bracket"`
		TotalUsers int                 `json:"total_users"`
		Points     []DistributionPoint `json:"distribution"`
		Median     float64             `json:"median"`
		P10        float64             `json:"p10_threshold"`
		P90        float64             `json:"p90_threshold"`
		Range      float64             `json:"range"`
	}
)

type milestone struct {
	kind      string
	label     string
	threshold float64
}

// milestones are ordered from easiest to hardest.
var milestones = []milestone{
	{"top_50", "Top 50%", 50},
	{"top_25", "Top 25%", 75},
	{"top_10", "Top 10%", 90},
	{"top_5", "Top 5%", 95},
	{"top_1", "Top 1%", 99},
}

var distributionPercentiles = []int{10, 25, 50, 75, 90, 95, 99}

// Rank places netWorth in snap. Members equal to netWorth form a tie bucket
// that counts half on each side. Brackets smaller than minCohort are refused
// with core.ErrInsufficientCohort.
func Rank(netWorth int64, snap cohort.Snapshot, minCohort int) (Ranking, error) {
	n := snap.Len()
	if n == 0 || n < minCohort {
		return Ranking{}, fmt.Errorf("%w: bracket %s has %d members, need %d", core.ErrInsufficientCohort, snap.Bracket, n, minCohort)
	}

	values := snap.Values
	below := sort.Search(n, func(i int) bool { return values[i] >= netWorth })
	notAbove := sort.Search(n, func(i int) bool { return values[i] > netWorth })
	ties := notAbove - below
	above := n - notAbove

	pct := 100 * (float64(below) + 0.5*float64(ties)) / float64(n)
	pct = math.Max(0, math.Min(100, pct))

	return Ranking{
		Percentile:   pct,
		AgeBracket:   snap.Bracket,
		TotalUsers:   n,
		UsersBelow:   below,
		UsersAbove:   above,
		Ties:         ties,
		RankPosition: above + 1,
	}, nil
}

// Stats computes the bracket quartiles from snap.
func Stats(snap cohort.Snapshot) BracketStats {
	return BracketStats{
		Median: cohort.Quantile(snap.Values, 50),
		P25:    cohort.Quantile(snap.Values, 25),
		P75:    cohort.Quantile(snap.Values, 75),
		P90:    cohort.Quantile(snap.Values, 90),
	}
}

// MilestonesFor lists the milestones reached at percentile and describes the
// next one, measured against snap.
func MilestonesFor(percentile float64, netWorth int64, snap cohort.Snapshot) Milestones {
	out := Milestones{Achieved: []string{}}
	for _, m := range milestones {
		if percentile >= m.threshold {
			out.Achieved = append(out.Achieved, m.kind)
			continue
		}
		required := cohort.Quantile(snap.Values, m.threshold)
		gap := required - float64(netWorth)
		out.Next = &NextMilestone{
			Type:             m.kind,
			Label:            m.label,
			RequiredNetWorth: required,
			Gap:              gap,
			Progress:         progress(float64(netWorth), required, gap),
		}
		break
	}
	out.TotalUnlocked = len(out.Achieved)
	return out
}

func progress(current, required, gap float64) float64 {
	switch {
	case gap <= 0:
		return 100
	case required <= 0 || current <= 0:
		return 0
	}
	p := decimal.NewFromFloat(current / required * 100).Round(2).InexactFloat64()
	return math.Min(100, p)
}

// Distribute returns the bracket's net worth at fixed percentiles.
func Distribute(snap cohort.Snapshot, minCohort int) (Distribution, error) {
	n := snap.Len()
	if n == 0 || n < minCohort {
		return Distribution{}, fmt.Errorf("%w: bracket %s has %d members, need %d", core.ErrInsufficientCohort, snap.Bracket, n, minCohort)
	}
	d := Distribution{AgeBracket: snap.Bracket, TotalUsers: n}
	for _, p := range distributionPercentiles {
		d.Points = append(d.Points, DistributionPoint{
			Percentile:  p,
			MinNetWorth: cohort.Quantile(snap.Values, float64(p)),
			Label:       fmt.Sprintf("P%d", p),
		})
	}
	d.Median = cohort.Quantile(snap.Values, 50)
	d.P10 = cohort.Quantile(snap.Values, 10)
	d.P90 = cohort.Quantile(snap.Values, 90)
	d.Range = d.P90 - d.P10
	return d, nil
}
