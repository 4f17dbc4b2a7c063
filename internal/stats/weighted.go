package stats

import (
	"fmt"
	"math"
	"sort"
)

// WeightedValue pairs a measurement with how many consecutive runs it
// stands in for, used when intermediate runs were skipped and the
// preceding measurement is assumed to cover the gap.
type WeightedValue struct {
	Value  uint64
	Weight uint32 // must be >= 1
}

// WeightedStats is the weighted analogue of Stats: every statistic is
// computed over the sample's "virtual" expansion (each Value repeated
// Weight times) without ever materializing that expansion.
type WeightedStats struct {
	sorted []WeightedValue // ascending by Value
	cum    []uint64        // cum[i] = total weight of sorted[:i+1]
	vlen   uint64          // virtual length: sum of weights
	sum    uint64
}

// FromWeightedValues sorts by value and builds the cumulative-weight index
// used for percentile and median lookups.
func FromWeightedValues(values []WeightedValue) (*WeightedStats, error) {
	if len(values) == 0 {
		return nil, ErrNoInputs
	}
	sorted := append([]WeightedValue(nil), values...)
	for _, v := range sorted {
		if v.Weight == 0 {
			return nil, fmt.Errorf("stats: weighted value %d has zero weight", v.Value)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Value < sorted[j].Value })

	ws := &WeightedStats{sorted: sorted, cum: make([]uint64, len(sorted))}
	var running uint64
	var sum uint64
	for i, v := range sorted {
		running += uint64(v.Weight)
		ws.cum[i] = running
		sum += v.Value * uint64(v.Weight)
	}
	ws.vlen = running
	ws.sum = sum
	return ws, nil
}

// Len returns the virtual length (sum of weights).
func (ws *WeightedStats) Len() uint64 { return ws.vlen }

// Sum returns the weighted sum of values.
func (ws *WeightedStats) Sum() uint64 { return ws.sum }

// Mean returns the rounded weighted average.
func (ws *WeightedStats) Mean() uint64 {
	return roundedDiv(ws.sum, ws.vlen)
}

// At returns the value at virtual index i (0-based, 0 <= i < Len()),
// resolved via binary search over the cumulative-weight map.
func (ws *WeightedStats) At(i uint64) uint64 {
	idx := sort.Search(len(ws.cum), func(k int) bool { return ws.cum[k] > i })
	return ws.sorted[idx].Value
}

// Median returns the exact center for odd virtual length, and the lower
// of the two center elements for even virtual length, the same tie-break
// the unweighted Stats uses.
func (ws *WeightedStats) Median() uint64 {
	return ws.At((ws.vlen - 1) / 2)
}

// Percentile returns the value at virtual position p (0 <= p <= 1),
// rounding an exact .5 fractional position down like Stats.Percentile.
func (ws *WeightedStats) Percentile(p float64) (uint64, error) {
	if p < 0 || p > 1 {
		return 0, fmt.Errorf("stats: percentile %v out of [0,1]", p)
	}
	idx := math.Ceil(p*float64(ws.vlen-1) - 0.5)
	if idx < 0 {
		idx = 0
	}
	return ws.At(uint64(idx)), nil
}
