// Package quota recommends a maximum task quota for a campaign from the
// completion history of recent reservations.
package quota

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"finsights/internal/core"
)

const (
	DefaultBaseline   = 200
	DefaultMinQuota   = 50
	DefaultMaxQuota   = 500
	DefaultTargetRate = 0.5
)

// Policy bounds the recommendation. A completion rate equal to TargetRate
// recommends exactly Baseline.
type Policy struct {
	Baseline   int
	Min        int
	Max        int
	TargetRate float64
}

func DefaultPolicy() Policy {
	return Policy{Baseline: DefaultBaseline, Min: DefaultMinQuota, Max: DefaultMaxQuota, TargetRate: DefaultTargetRate}
}

func (p Policy) Validate() error {
	var errs []string
	if p.Min < 0 {
		errs = append(errs, "minimum quota cannot be negative")
	}
	if p.Max < p.Min {
		errs = append(errs, fmt.Sprintf("maximum quota %d is below minimum %d", p.Max, p.Min))
	}
	if p.Baseline < p.Min || p.Baseline > p.Max {
		errs = append(errs, fmt.Sprintf("baseline quota %d outside [%d, %d]", p.Baseline, p.Min, p.Max))
	}
	if p.TargetRate <= 0 || p.TargetRate > 1 {
		errs = append(errs, "target completion rate must be in (0, 1]")
	}
	if len(errs) > 0 {
		return errors.New("invalid quota policy: " + strings.Join(errs, "; "))
	}
	return nil
}

type Recommendation struct {
	BusinessID string `json:"business_id"`
	MaxQuota   int    `json:"max_quota"`
	// CompletionRate is nil when no reservation has reached a terminal state.
	CompletionRate *float64 `json:"completion_rate"`
	SampleSize     int      `json:"sample_size"`
}

// precedence orders states so that a task seen several times keeps its most
// advanced outcome.
var precedence = map[core.ReservationStatus]int{
	core.StatusReserved:  0,
	core.StatusExpired:   1,
	core.StatusCancelled: 2,
	core.StatusCompleted: 3,
}

// Recommend scales the baseline by completed / terminal reservations
// relative to the target rate, floored and clamped to [Min, Max]. Pending
// reservations are ignored. Without terminal history the baseline is
// returned unchanged.
func Recommend(history []core.TaskReservation, p Policy) Recommendation {
	byTask := make(map[string]core.ReservationStatus, len(history))
	for _, r := range history {
		if cur, ok := byTask[r.TaskID]; !ok || precedence[r.Status] > precedence[cur] {
			byTask[r.TaskID] = r.Status
		}
	}

	var completed, terminal int64
	for _, st := range byTask {
		if !st.Terminal() {
			continue
		}
		terminal++
		if st == core.StatusCompleted {
			completed++
		}
	}

	rec := Recommendation{MaxQuota: p.Baseline, SampleSize: int(terminal)}
	if terminal == 0 {
		return rec
	}

	rate := decimal.NewFromInt(completed).Div(decimal.NewFromInt(terminal))
	scaled := decimal.NewFromInt(int64(p.Baseline)).
		Mul(rate).
		Div(decimal.NewFromFloat(p.TargetRate)).
		Floor().
		IntPart()
	rec.MaxQuota = int(max(int64(p.Min), min(int64(p.Max), scaled)))

	r := rate.Round(4).InexactFloat64()
	rec.CompletionRate = &r
	return rec
}
