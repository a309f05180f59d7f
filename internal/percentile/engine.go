package percentile

import (
	"math"

	"github.com/nfabilling/api/internal/model"
)

// BillingQuantile is the fraction of intervals that must fall below the
// reported value: discard the top 5% of intervals by rate, report the largest
// of what remains.
const BillingQuantile = 0.95

// Engine converts raw per-interval byte counters into billing values in
// megabits per second.
type Engine struct {
	// UnitBase is the mega divisor, 1000 or 1024.
	UnitBase int
	// IntervalSeconds is the sample granularity the byte counters cover.
	IntervalSeconds int
}

// New returns an engine with the given unit base and interval length.
func New(unitBase, intervalSeconds int) Engine {
	return Engine{UnitBase: unitBase, IntervalSeconds: intervalSeconds}
}

// Rate converts one interval's byte count to mega-units per second.
func (e Engine) Rate(bytes int64) float64 {
	base := float64(e.UnitBase)
	return float64(bytes) * 8 / float64(e.IntervalSeconds) / base / base
}

// Rates builds the per-interval rate series for a direction policy. For
// "both" the send and receive rates are summed per interval before any
// ranking, never ranked independently.
func (e Engine) Rates(samples []model.Sample, dir model.Direction) []float64 {
	values := make([]float64, len(samples))
	for i, s := range samples {
		switch dir {
		case model.DirectionSend:
			values[i] = e.Rate(s.SentBytes)
		case model.DirectionRecv:
			values[i] = e.Rate(s.RecvBytes)
		default:
			values[i] = e.Rate(s.RecvBytes) + e.Rate(s.SentBytes)
		}
	}
	return values
}

// Billing computes the billing percentile of a sample series under a
// direction policy. It returns the value and the number of intervals ranked.
func (e Engine) Billing(samples []model.Sample, dir model.Direction) (float64, int) {
	values := e.Rates(samples, dir)
	return Select(values), len(values)
}

// Select returns the billing percentile of a rate series: the element at
// ascending rank ceil(0.95*n)-1, clamped to [0, n-1]. Zero for an empty
// series, the single value for n == 1. Jobs may aggregate tens of thousands
// of intervals, so selection runs in expected linear time instead of sorting.
func Select(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	k := int(math.Ceil(BillingQuantile*float64(n))) - 1
	if k < 0 {
		k = 0
	}
	if k > n-1 {
		k = n - 1
	}
	work := make([]float64, n)
	copy(work, values)
	return quickselect(work, k)
}

// quickselect finds the k-th smallest element (0-indexed) in place using
// median-of-three pivoting. Ties rank deterministically because equal values
// are interchangeable at the selected rank.
func quickselect(a []float64, k int) float64 {
	lo, hi := 0, len(a)-1
	for lo < hi {
		p := pivotIndex(a, lo, hi)
		p = part(a, lo, hi, p)
		switch {
		case k == p:
			return a[k]
		case k < p:
			hi = p - 1
		default:
			lo = p + 1
		}
	}
	return a[k]
}

func pivotIndex(a []float64, lo, hi int) int {
	mid := lo + (hi-lo)/2
	if a[mid] < a[lo] {
		a[mid], a[lo] = a[lo], a[mid]
	}
	if a[hi] < a[lo] {
		a[hi], a[lo] = a[lo], a[hi]
	}
	if a[hi] < a[mid] {
		a[hi], a[mid] = a[mid], a[hi]
	}
	return mid
}

func part(a []float64, lo, hi, p int) int {
	pivot := a[p]
	a[p], a[hi] = a[hi], a[p]
	store := lo
	for i := lo; i < hi; i++ {
		if a[i] < pivot {
			a[i], a[store] = a[store], a[i]
			store++
		}
	}
	a[store], a[hi] = a[hi], a[store]
	return store
}

// Mean is the arithmetic mean used by daily-average settlement.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
