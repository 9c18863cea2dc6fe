package scheduler

import (
	"math"

	"github.com/t77yq/rt-placement/internal/model"
)

// LiuLaylandBound computes the rate-monotonic schedulability bound for n
// periodic tasks: n × (2^(1/n) − 1).
//
// The bound is 1.0 for a single task and decreases monotonically toward
// ln(2) ≈ 0.693 as n grows. Returns 0.0 for n == 0.
func LiuLaylandBound(n int) float64 {
	if n <= 0 {
		return 0.0
	}
	nf := float64(n)
	return nf * (math.Pow(2, 1/nf) - 1)
}

// CheckLiuLayland checks the tasks placed on one CPU or node against the
// Liu & Layland bound. Tasks with a zero period are excluded.
//
// Returns (0, false) when the set is provably schedulable under rate-
// monotonic priorities (total utilization ≤ bound; the boundary itself is
// feasible) or when no tasks remain after filtering. Returns
// (totalUtilization, true) when the bound is exceeded — advisory output
// for logging, never an error: utilization between the bound and 1.0 may
// still be schedulable, but proving it needs response-time analysis.
func CheckLiuLayland(tasks []*model.Task) (float64, bool) {
	total := 0.0
	count := 0
	for _, t := range tasks {
		if t.PeriodUS == 0 {
			continue
		}
		total += t.Utilization()
		count++
	}

	if count == 0 {
		return 0, false
	}

	if total > LiuLaylandBound(count) {
		return total, true
	}
	return 0, false
}
