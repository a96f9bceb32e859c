package cohort

import (
	"math"
	"testing"
)

func TestQuantile(t *testing.T) {
	evens := make([]int64, 20)
	for i := range evens {
		evens[i] = int64(i+1) * 1000
	}

	tests := []struct {
		name   string
		values []int64
		p      float64
		want   float64
	}{
		{"empty", nil, 50, 0},
		{"single", []int64{42}, 90, 42},
		{"median of twenty", evens, 50, 10500},
		{"p25 of twenty", evens, 25, 5750},
		{"p90 of twenty", evens, 90, 18100},
		{"min", evens, 0, 1000},
		{"max", evens, 100, 20000},
		{"clamped above", evens, 150, 20000},
		{"exact order statistic", []int64{10, 20, 30}, 50, 20},
		{"extremes do not overflow", []int64{math.MinInt64, math.MaxInt64}, 50, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Quantile(tc.values, tc.p); math.Abs(got-tc.want) > 1e-6 {
				t.Fatalf("Quantile(%v) = %v, want %v", tc.p, got, tc.want)
			}
		})
	}
}
