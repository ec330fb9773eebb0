package sfc

import (
	"math"

	"github.com/cockroachdb/errors"

	"github.com/fabratu/geographer/pkg/dist"
)

// MaxResolution caps the refinement bits per axis so that interleaved 3D
// indices (3·21 = 63 bits) fit a uint64. The float64 index keeps 53 bits
// of mantissa, so above 17 bits per axis in 3D neighbouring cells can map
// to the same index.
const MaxResolution = 21

// DefaultResolution picks min(log2 n, MaxResolution) refinement bits.
func DefaultResolution(globalN int) int {
	r := int(math.Log2(float64(globalN)))
	if r < 1 {
		r = 1
	}
	if r > MaxResolution {
		r = MaxResolution
	}
	return r
}

// Index maps a point to its Hilbert index in [0,1). The point is scaled
// into the unit cube by min/max first. Purely local.
func Index(point []float64, res int, minCoords, maxCoords []float64) (float64, error) {
	d := len(point)
	if d != 2 && d != 3 {
		return 0, errors.Newf("unsupported dimension %d", d)
	}
	unit := make([]float64, d)
	for i := range point {
		if !isFinite(point[i]) {
			return 0, errors.Newf("non-finite coordinate in dimension %d", i)
		}
		span := maxCoords[i] - minCoords[i]
		if span <= 0 {
			unit[i] = 0
			continue
		}
		unit[i] = (point[i] - minCoords[i]) / span
	}
	if d == 2 {
		return Index2D(unit[0], unit[1], res), nil
	}
	return Index3D(unit[0], unit[1], unit[2], res), nil
}

// Point is the inverse of Index on the unit cube: the cell centre of the
// curve position. Round-trip error is bounded by 2^-res per axis.
func Point(index float64, res, dims int) ([]float64, error) {
	switch dims {
	case 2:
		x, y := Point2D(index, res)
		return []float64{x, y}, nil
	case 3:
		x, y, z := Point3D(index, res)
		return []float64{x, y, z}, nil
	}
	return nil, errors.Newf("unsupported dimension %d", dims)
}

// IndexVector computes local Hilbert indices for distributed coordinates.
// min/max span the global bounding box.
func IndexVector(coords []dist.FloatVec, res int, minCoords, maxCoords []float64) ([]float64, error) {
	localN := len(coords[0].Local)
	dims := len(coords)
	out := make([]float64, localN)
	point := make([]float64, dims)
	for i := 0; i < localN; i++ {
		for d := 0; d < dims; d++ {
			point[d] = coords[d].Local[i]
		}
		idx, err := Index(point, res, minCoords, maxCoords)
		if err != nil {
			return nil, err
		}
		out[i] = idx
	}
	return out, nil
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func gridCoord(x float64, n uint64) uint64 {
	if x < 0 {
		x = 0
	}
	v := uint64(x * float64(n))
	if v >= n {
		v = n - 1
	}
	return v
}

// Index2D walks the classic rotate-and-flip construction: quadrant order
// lower-left, upper-left, upper-right, lower-right.
func Index2D(x, y float64, res int) float64 {
	if res > MaxResolution {
		res = MaxResolution
	}
	n := uint64(1) << uint(res)
	ix, iy := gridCoord(x, n), gridCoord(y, n)
	var d uint64
	for s := n / 2; s > 0; s /= 2 {
		var rx, ry uint64
		if ix&s > 0 {
			rx = 1
		}
		if iy&s > 0 {
			ry = 1
		}
		d += s * s * ((3 * rx) ^ ry)
		ix, iy = rot2d(n, ix, iy, rx, ry)
	}
	return float64(d) / float64(n*n)
}

// Point2D returns the cell centre of a curve position in the unit square.
func Point2D(index float64, res int) (float64, float64) {
	if res > MaxResolution {
		res = MaxResolution
	}
	n := uint64(1) << uint(res)
	total := n * n
	t := uint64(index * float64(total))
	if t >= total {
		t = total - 1
	}
	var ix, iy uint64
	for s := uint64(1); s < n; s *= 2 {
		rx := 1 & (t / 2)
		ry := 1 & (t ^ rx)
		ix, iy = rot2d(s, ix, iy, rx, ry)
		ix += s * rx
		iy += s * ry
		t /= 4
	}
	return (float64(ix) + 0.5) / float64(n), (float64(iy) + 0.5) / float64(n)
}

func rot2d(n, x, y, rx, ry uint64) (uint64, uint64) {
	if ry == 0 {
		if rx == 1 {
			x = n - 1 - x
			y = n - 1 - y
		}
		x, y = y, x
	}
	return x, y
}

// Index3D uses the transpose-form Gray-code construction (Skilling).
func Index3D(x, y, z float64, res int) float64 {
	if res > MaxResolution {
		res = MaxResolution
	}
	n := uint64(1) << uint(res)
	axes := [3]uint64{gridCoord(x, n), gridCoord(y, n), gridCoord(z, n)}
	axesToTranspose(axes[:], res)
	d := interleave(axes[:], res)
	return float64(d) / float64(uint64(1)<<uint(3*res))
}

// Point3D returns the cell centre of a curve position in the unit cube.
func Point3D(index float64, res int) (float64, float64, float64) {
	if res > MaxResolution {
		res = MaxResolution
	}
	total := uint64(1) << uint(3*res)
	d := uint64(index * float64(total))
	if d >= total {
		d = total - 1
	}
	axes := deinterleave(d, res, 3)
	transposeToAxes(axes, res)
	n := float64(uint64(1) << uint(res))
	return (float64(axes[0]) + 0.5) / n, (float64(axes[1]) + 0.5) / n, (float64(axes[2]) + 0.5) / n
}

// axesToTranspose converts grid coordinates into the transposed Hilbert
// integer representation, in place.
func axesToTranspose(x []uint64, bits int) {
	n := len(x)
	m := uint64(1) << uint(bits-1)
	// inverse undo
	for q := m; q > 1; q >>= 1 {
		p := q - 1
		for i := 0; i < n; i++ {
			if x[i]&q != 0 {
				x[0] ^= p
			} else {
				t := (x[0] ^ x[i]) & p
				x[0] ^= t
				x[i] ^= t
			}
		}
	}
	// Gray encode
	for i := 1; i < n; i++ {
		x[i] ^= x[i-1]
	}
	var t uint64
	for q := m; q > 1; q >>= 1 {
		if x[n-1]&q != 0 {
			t ^= q - 1
		}
	}
	for i := 0; i < n; i++ {
		x[i] ^= t
	}
}

// transposeToAxes is the inverse of axesToTranspose.
func transposeToAxes(x []uint64, bits int) {
	n := len(x)
	m := uint64(2) << uint(bits-1)
	// Gray decode by H ^ (H/2)
	t := x[n-1] >> 1
	for i := n - 1; i > 0; i-- {
		x[i] ^= x[i-1]
	}
	x[0] ^= t
	// undo excess work
	for q := uint64(2); q != m; q <<= 1 {
		p := q - 1
		for i := n - 1; i >= 0; i-- {
			if x[i]&q != 0 {
				x[0] ^= p
			} else {
				tt := (x[0] ^ x[i]) & p
				x[0] ^= tt
				x[i] ^= tt
			}
		}
	}
}

// interleave packs the transpose representation into a single integer,
// most significant bit of axis 0 first.
func interleave(x []uint64, bits int) uint64 {
	var out uint64
	for b := bits - 1; b >= 0; b-- {
		for i := 0; i < len(x); i++ {
			out = (out << 1) | ((x[i] >> uint(b)) & 1)
		}
	}
	return out
}

func deinterleave(h uint64, bits, dims int) []uint64 {
	x := make([]uint64, dims)
	for pos := bits*dims - 1; pos >= 0; pos-- {
		bit := (h >> uint(pos)) & 1
		axis := (bits*dims - 1 - pos) % dims
		x[axis] = (x[axis] << 1) | bit
	}
	return x
}
