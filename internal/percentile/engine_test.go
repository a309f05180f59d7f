package percentile

import (
	"math"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfabilling/api/internal/model"
)

// sortRank computes the reference value by full sort.
func sortRank(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	k := int(math.Ceil(BillingQuantile*float64(n))) - 1
	if k < 0 {
		k = 0
	}
	if k > n-1 {
		k = n - 1
	}
	return sorted[k]
}

func TestSelectMatchesSortedRank(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, n := range []int{2, 3, 10, 19, 20, 21, 100, 997, 10000} {
		values := make([]float64, n)
		for i := range values {
			values[i] = rng.Float64() * 1e4
		}
		assert.Equal(t, sortRank(values), Select(values), "n=%d", n)
	}
}

func TestSelectEdgeCases(t *testing.T) {
	assert.Equal(t, 0.0, Select(nil))
	assert.Equal(t, 0.0, Select([]float64{}))
	assert.Equal(t, 42.5, Select([]float64{42.5}))
}

func TestSelectDiscardsTopFivePercent(t *testing.T) {
	// 100 distinct values 1..100: the top 5 are discarded, 95 remains.
	values := make([]float64, 100)
	for i := range values {
		values[i] = float64(i + 1)
	}
	rand.New(rand.NewSource(2)).Shuffle(len(values), func(i, j int) {
		values[i], values[j] = values[j], values[i]
	})
	assert.Equal(t, 95.0, Select(values))
}

func TestSelectDeterministicUnderTies(t *testing.T) {
	values := []float64{5, 5, 5, 1, 5, 5, 5, 5, 5, 9}
	got := Select(values)
	for i := 0; i < 50; i++ {
		assert.Equal(t, got, Select(values))
	}
	assert.Equal(t, sortRank(values), got)
}

func TestSelectDoesNotMutateInput(t *testing.T) {
	values := []float64{3, 1, 2}
	orig := append([]float64(nil), values...)
	Select(values)
	assert.Equal(t, orig, values)
}

func TestRateUnitBaseScaling(t *testing.T) {
	// The same byte count under base 1000 vs 1024 scales by exactly
	// (1024/1000)^2.
	e1000 := New(1000, 300)
	e1024 := New(1024, 300)
	const bytes = int64(123456789)

	ratio := e1000.Rate(bytes) / e1024.Rate(bytes)
	assert.InEpsilon(t, math.Pow(1024.0/1000.0, 2), ratio, 1e-12)
}

func TestRateFormula(t *testing.T) {
	e := New(1024, 300)
	// 39321600 bytes over 300s = 1 Mbit/s at base 1024.
	assert.InDelta(t, 1.0, e.Rate(39321600), 1e-12)
}

func TestBillingBothSumsBeforeRanking(t *testing.T) {
	ts := time.Now()
	// Per-interval totals: 30, 30, 30 — uniform after summing, even though
	// each direction alone varies. Ranking directions independently would
	// pick 20 and 20 and report 40.
	samples := []model.Sample{
		{Timestamp: ts, RecvBytes: 10, SentBytes: 20},
		{Timestamp: ts.Add(5 * time.Minute), RecvBytes: 20, SentBytes: 10},
		{Timestamp: ts.Add(10 * time.Minute), RecvBytes: 15, SentBytes: 15},
	}
	e := New(1024, 300)

	both, n := e.Billing(samples, model.DirectionBoth)
	require.Equal(t, 3, n)
	assert.InDelta(t, e.Rate(30), both, 1e-12)

	send, _ := e.Billing(samples, model.DirectionSend)
	recv, _ := e.Billing(samples, model.DirectionRecv)
	assert.Less(t, both, send+recv)
}

func TestBillingDirections(t *testing.T) {
	samples := []model.Sample{
		{RecvBytes: 100, SentBytes: 1},
		{RecvBytes: 200, SentBytes: 2},
	}
	e := New(1024, 300)

	recv, _ := e.Billing(samples, model.DirectionRecv)
	send, _ := e.Billing(samples, model.DirectionSend)
	assert.InDelta(t, e.Rate(200), recv, 1e-15)
	assert.InDelta(t, e.Rate(2), send, 1e-15)
}

func TestMean(t *testing.T) {
	assert.Equal(t, 0.0, Mean(nil))
	assert.InDelta(t, 2.0, Mean([]float64{1, 2, 3}), 1e-12)
}
