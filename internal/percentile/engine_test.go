package percentile

import (
	"errors"
	"math"
	"slices"
	"testing"

	"finsights/internal/cohort"
	"finsights/internal/core"
)

func snapshot(values ...int64) cohort.Snapshot {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return cohort.Snapshot{Bracket: core.Bracket26to27, Values: sorted}
}

func evenlySpaced(n int, step int64) cohort.Snapshot {
	values := make([]int64, n)
	for i := range values {
		values[i] = int64(i+1) * step
	}
	return snapshot(values...)
}

func TestRankRefusesSmallCohort(t *testing.T) {
	_, err := Rank(30000, snapshot(10000, 20000, 30000, 40000, 50000), DefaultMinCohortSize)
	if !errors.Is(err, core.ErrInsufficientCohort) {
		t.Fatalf("err = %v, want ErrInsufficientCohort", err)
	}
	if _, err := Rank(1, cohort.Snapshot{}, 0); !errors.Is(err, core.ErrInsufficientCohort) {
		t.Fatalf("empty cohort: err = %v", err)
	}
}

func TestRankMidpointOfEvenCohort(t *testing.T) {
	snap := evenlySpaced(20, 1000)
	r, err := Rank(10500, snap, DefaultMinCohortSize)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if r.Percentile != 50 || r.UsersBelow != 10 || r.UsersAbove != 10 || r.Ties != 0 {
		t.Fatalf("ranking = %+v", r)
	}
	if r.RankPosition != 11 {
		t.Fatalf("rank position = %d", r.RankPosition)
	}
	if got := Stats(snap).Median; got != 10500 {
		t.Fatalf("median = %v", got)
	}
}

func TestRankTies(t *testing.T) {
	snap := snapshot(append(evenlySpaced(18, 1000).Values, 5000, 5000)...)
	r, err := Rank(5000, snap, DefaultMinCohortSize)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if r.UsersBelow != 4 || r.Ties != 3 || r.UsersAbove != 13 {
		t.Fatalf("ranking = %+v", r)
	}
	if want := 100 * (4 + 1.5) / 20; r.Percentile != want {
		t.Fatalf("percentile = %v, want %v", r.Percentile, want)
	}
}

func TestRankCountsAndMonotonicity(t *testing.T) {
	snap := snapshot(-500, 0, 0, 100, 250, 250, 250, 900, 1000, 1000,
		1200, 1500, 2000, 2000, 3000, 3500, 4000, 8000, 9000, 12000, 12000)
	prev := -1.0
	for nw := int64(-1000); nw <= 13000; nw += 50 {
		r, err := Rank(nw, snap, DefaultMinCohortSize)
		if err != nil {
			t.Fatalf("rank(%d): %v", nw, err)
		}
		if r.UsersBelow+r.UsersAbove+r.Ties != r.TotalUsers {
			t.Fatalf("rank(%d): counts do not add up: %+v", nw, r)
		}
		if r.Percentile < prev {
			t.Fatalf("rank(%d): percentile fell from %v to %v", nw, prev, r.Percentile)
		}
		if r.Percentile < 0 || r.Percentile > 100 {
			t.Fatalf("rank(%d): percentile %v out of range", nw, r.Percentile)
		}
		prev = r.Percentile
	}
	if prev != 100 {
		t.Fatalf("top value percentile = %v", prev)
	}
}

func TestMilestonesFor(t *testing.T) {
	snap := evenlySpaced(100, 100)

	t.Run("none reached", func(t *testing.T) {
		m := MilestonesFor(10, 1000, snap)
		if len(m.Achieved) != 0 || m.Next == nil || m.Next.Type != "top_50" {
			t.Fatalf("milestones = %+v", m)
		}
		want := snap.Values[49] + (snap.Values[50]-snap.Values[49])/2
		if m.Next.RequiredNetWorth != float64(want) {
			t.Fatalf("required = %v, want %v", m.Next.RequiredNetWorth, want)
		}
		if m.Next.Gap != float64(want)-1000 {
			t.Fatalf("gap = %v", m.Next.Gap)
		}
		if m.Next.Progress <= 0 || m.Next.Progress >= 100 {
			t.Fatalf("progress = %v", m.Next.Progress)
		}
	})

	t.Run("partially reached", func(t *testing.T) {
		m := MilestonesFor(91, 9200, snap)
		if !slices.Equal(m.Achieved, []string{"top_50", "top_25", "top_10"}) || m.TotalUnlocked != 3 {
			t.Fatalf("achieved = %v", m.Achieved)
		}
		if m.Next == nil || m.Next.Type != "top_5" {
			t.Fatalf("next = %+v", m.Next)
		}
	})

	t.Run("all reached", func(t *testing.T) {
		m := MilestonesFor(99.5, 10000, snap)
		if m.TotalUnlocked != 5 || m.Next != nil {
			t.Fatalf("milestones = %+v", m)
		}
	})
}

func TestDistribute(t *testing.T) {
	snap := evenlySpaced(20, 1000)
	d, err := Distribute(snap, DefaultMinCohortSize)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if len(d.Points) != 7 || d.Points[0].Label != "P10" || d.Points[6].Percentile != 99 {
		t.Fatalf("points = %+v", d.Points)
	}
	for i := 1; i < len(d.Points); i++ {
		if d.Points[i].MinNetWorth < d.Points[i-1].MinNetWorth {
			t.Fatalf("distribution not monotone: %+v", d.Points)
		}
	}
	if d.Median != 10500 || math.Abs(d.Range-(d.P90-d.P10)) > 1e-9 {
		t.Fatalf("stats = %+v", d)
	}

	if _, err := Distribute(snapshot(1, 2, 3), DefaultMinCohortSize); !errors.Is(err, core.ErrInsufficientCohort) {
		t.Fatalf("err = %v", err)
	}
}
