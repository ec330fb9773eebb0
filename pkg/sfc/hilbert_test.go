package sfc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHilbertIndexUnitSquareOrdering(t *testing.T) {
	// walking the quadrants lower-left, upper-left, upper-right,
	// lower-right must give strictly increasing indices
	points := [][]float64{
		{0.1, 0.1},
		{0.1, 0.6},
		{0.7, 0.7},
		{0.8, 0.1},
	}
	minC := []float64{0, 0}
	maxC := []float64{1, 1}
	var prev float64 = -1
	for i, p := range points {
		idx, err := Index(p, 5, minC, maxC)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, idx, 0.0)
		assert.LessOrEqual(t, idx, 1.0)
		assert.Greater(t, idx, prev, "point %d must follow point %d on the curve", i, i-1)
		prev = idx
	}
}

func TestHilbertRoundTrip2D(t *testing.T) {
	const res = 11
	minC := []float64{0, 0}
	maxC := []float64{1, 1}
	tol := math.Pow(2, -res)
	for _, p := range [][]float64{
		{0.02, 0.93}, {0.5, 0.5}, {0.123, 0.456}, {0.999, 0.001}, {0, 0},
	} {
		idx, err := Index(p, res, minC, maxC)
		require.NoError(t, err)
		back, err := Point(idx, res, 2)
		require.NoError(t, err)
		for d := 0; d < 2; d++ {
			assert.InDelta(t, p[d], back[d], tol, "axis %d of %v", d, p)
		}
	}
}

func TestHilbertRoundTrip3D(t *testing.T) {
	const res = 11
	minC := []float64{0, 0, 0}
	maxC := []float64{1, 1, 1}
	tol := math.Pow(2, -res)
	points := [][]float64{
		{0.1, 0.1, 0.13},
		{0.1, 0.61, 0.36},
		{0.7, 0.7, 0.35},
		{0.65, 0.41, 0.71},
		{0.4, 0.13, 0.88},
		{0.2, 0.11, 0.9},
		{0.1, 0.1, 0.95},
	}
	for _, p := range points {
		idx, err := Index(p, res, minC, maxC)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, idx, 0.0)
		assert.LessOrEqual(t, idx, 1.0)
		back, err := Point(idx, res, 3)
		require.NoError(t, err)
		for d := 0; d < 3; d++ {
			assert.InDelta(t, p[d], back[d], tol, "axis %d of %v", d, p)
		}
	}
}

func TestHilbertRoundTripScaled(t *testing.T) {
	// scaling into an arbitrary box bounds the error by 2^-res per axis
	// times the box extent
	const res = 9
	minC := []float64{-4, 10}
	maxC := []float64{4, 30}
	p := []float64{-1.5, 17.25}
	idx, err := Index(p, res, minC, maxC)
	require.NoError(t, err)
	back, err := Point(idx, res, 2)
	require.NoError(t, err)
	for d := 0; d < 2; d++ {
		unscaled := minC[d] + back[d]*(maxC[d]-minC[d])
		assert.InDelta(t, p[d], unscaled, math.Pow(2, -res)*(maxC[d]-minC[d]))
	}
}

func TestHilbertInverseStaysInUnitCube(t *testing.T) {
	const res = 7
	for _, dims := range []int{2, 3} {
		for i := 0; i < 16; i++ {
			point, err := Point(float64(i)/16, res, dims)
			require.NoError(t, err)
			require.Len(t, point, dims)
			for d := 0; d < dims; d++ {
				assert.GreaterOrEqual(t, point[d], 0.0)
				assert.LessOrEqual(t, point[d], 1.0)
			}
		}
	}
}

func TestHilbertInverseIsMonotoneAlongCurve(t *testing.T) {
	// mapping inverse points forward again must preserve curve order
	const res = 10
	for _, dims := range []int{2, 3} {
		minC := make([]float64, dims)
		maxC := make([]float64, dims)
		for d := range maxC {
			maxC[d] = 1
		}
		prev := -1.0
		for i := 0; i < 64; i++ {
			point, err := Point((float64(i)+0.5)/64, res, dims)
			require.NoError(t, err)
			idx, err := Index(point, res, minC, maxC)
			require.NoError(t, err)
			assert.Greater(t, idx, prev, "dims=%d step=%d", dims, i)
			prev = idx
		}
	}
}

func TestHilbertRejectsNonFinite(t *testing.T) {
	_, err := Index([]float64{math.NaN(), 0}, 5, []float64{0, 0}, []float64{1, 1})
	assert.Error(t, err)
	_, err = Index([]float64{0, math.Inf(1)}, 5, []float64{0, 0}, []float64{1, 1})
	assert.Error(t, err)
}
