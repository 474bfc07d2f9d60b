package compliance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPearson(t *testing.T) {
	t.Run("perfect positive", func(t *testing.T) {
		xs := []float64{1, 2, 3, 4}
		ys := []float64{2, 4, 6, 8}
		assert.InDelta(t, 1.0, pearson(xs, ys), 1e-12)
	})

	t.Run("perfect negative", func(t *testing.T) {
		xs := []float64{1, 2, 3, 4}
		ys := []float64{8, 6, 4, 2}
		assert.InDelta(t, -1.0, pearson(xs, ys), 1e-12)
	})

	t.Run("known partial", func(t *testing.T) {
		// replicated pattern keeps r at sqrt(3)/2
		xs := []float64{1, 2, 3, 1, 2, 3}
		ys := []float64{1, 2, 2, 1, 2, 2}
		assert.InDelta(t, math.Sqrt(3)/2, pearson(xs, ys), 1e-12)
	})

	t.Run("degenerate inputs", func(t *testing.T) {
		assert.Zero(t, pearson([]float64{1}, []float64{2}))
		assert.Zero(t, pearson([]float64{1, 2}, []float64{3}))
		assert.Zero(t, pearson([]float64{5, 5, 5}, []float64{1, 2, 3}), "constant series has no correlation")
	})
}

func TestPValue(t *testing.T) {
	assert.Equal(t, 1.0, pValue(0.9, 2), "too few samples")
	assert.Zero(t, pValue(1, 30))
	assert.Zero(t, pValue(-1, 30))

	strong := pValue(0.9, 30)
	weak := pValue(0.1, 30)
	assert.Less(t, strong, 0.01)
	assert.Greater(t, weak, 0.5)
	assert.Less(t, strong, weak)
}

func TestFisherCI(t *testing.T) {
	lo, hi := fisherCI(0.8, 3)
	assert.Equal(t, -1.0, lo)
	assert.Equal(t, 1.0, hi)

	lo, hi = fisherCI(0.8, 30)
	assert.Less(t, lo, 0.8)
	assert.Greater(t, hi, 0.8)

	// more samples narrow the interval
	lo2, hi2 := fisherCI(0.8, 300)
	assert.Greater(t, lo2, lo)
	assert.Less(t, hi2, hi)

	t.Run("saturated r", func(t *testing.T) {
		lo, hi := fisherCI(1, 30)
		assert.Equal(t, 1.0, lo)
		assert.Equal(t, 1.0, hi)
	})
}

func TestSlope(t *testing.T) {
	assert.Zero(t, slope(nil))
	assert.Zero(t, slope([]float64{1}))
	assert.Zero(t, slope([]float64{2, 2, 2}))
	assert.InDelta(t, 0.5, slope([]float64{1, 1.5, 2, 2.5}), 1e-12)
	assert.Negative(t, slope([]float64{0.9, 0.85, 0.7}))
}
