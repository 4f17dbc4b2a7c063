package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromWeightedValuesEmpty(t *testing.T) {
	_, err := FromWeightedValues(nil)
	require.ErrorIs(t, err, ErrNoInputs)
}

func TestFromWeightedValuesRejectsZeroWeight(t *testing.T) {
	_, err := FromWeightedValues([]WeightedValue{{Value: 1, Weight: 0}})
	require.Error(t, err)
}

func TestWeightedStatsExpandsVirtualLength(t *testing.T) {
	// value 10 stands in for 3 runs, value 20 for 1 run: virtual sample
	// is [10, 10, 10, 20].
	ws, err := FromWeightedValues([]WeightedValue{
		{Value: 20, Weight: 1},
		{Value: 10, Weight: 3},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 4, ws.Len())
	assert.EqualValues(t, 50, ws.Sum())

	assert.EqualValues(t, 10, ws.At(0))
	assert.EqualValues(t, 10, ws.At(2))
	assert.EqualValues(t, 20, ws.At(3))
}

func TestWeightedStatsMedianMatchesExpansion(t *testing.T) {
	ws, err := FromWeightedValues([]WeightedValue{
		{Value: 10, Weight: 3},
		{Value: 20, Weight: 1},
	})
	require.NoError(t, err)
	// virtual sample [10,10,10,20], even length: lower-middle element.
	assert.EqualValues(t, 10, ws.Median())
}

func TestWeightedStatsPercentile(t *testing.T) {
	ws, err := FromWeightedValues([]WeightedValue{
		{Value: 1, Weight: 1},
		{Value: 2, Weight: 1},
		{Value: 3, Weight: 1},
	})
	require.NoError(t, err)
	p, err := ws.Percentile(1)
	require.NoError(t, err)
	assert.EqualValues(t, 3, p)
}
