package sfc

import (
	"math"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/fabratu/geographer/pkg/comm"
	"github.com/fabratu/geographer/pkg/dist"
)

const samplesPerRank = 64

// BoundingBox reduces the global coordinate extremes.
func BoundingBox(c *comm.Comm, coords []dist.FloatVec) (minCoords, maxCoords []float64) {
	dims := len(coords)
	localMin := make([]float64, dims)
	localMax := make([]float64, dims)
	for d := 0; d < dims; d++ {
		localMin[d] = math.Inf(1)
		localMax[d] = math.Inf(-1)
		for _, v := range coords[d].Local {
			if v < localMin[d] {
				localMin[d] = v
			}
			if v > localMax[d] {
				localMax[d] = v
			}
		}
	}
	return c.AllReduceFloats(comm.Min, localMin), c.AllReduceFloats(comm.Max, localMax)
}

// SortByCurve computes a distribution whose ownership ranges follow the
// Hilbert curve: rank i receives the i-th quantile of the curve order. The
// returned plan redistributes any co-distributed vector identically.
func SortByCurve(c *comm.Comm, coords []dist.FloatVec, res int) (*dist.Plan, error) {
	src := coords[0].Dist
	for d := 1; d < len(coords); d++ {
		if !src.Equal(coords[d].Dist) {
			return nil, errors.Wrap(dist.ErrDistributionMismatch, "coordinates")
		}
	}
	minCoords, maxCoords := BoundingBox(c, coords)
	indices, err := IndexVector(coords, res, minCoords, maxCoords)
	if err != nil {
		return nil, err
	}

	splitters := pickSplitters(c, indices)

	// bucket local points by splitter range
	p := c.Size()
	sendGid := make([][]int, p)
	sendIdx := make([][]float64, p)
	for lid, idx := range indices {
		dest := sort.SearchFloat64s(splitters, idx)
		if dest >= p {
			dest = p - 1
		}
		gid := src.Local2Global(lid)
		sendGid[dest] = append(sendGid[dest], gid)
		sendIdx[dest] = append(sendIdx[dest], idx)
	}
	recvGid := c.AllToAllInts(sendGid)
	recvIdx := c.AllToAllFloats(sendIdx)

	var owned []int
	localMin, localMax := math.Inf(1), math.Inf(-1)
	for r := 0; r < p; r++ {
		owned = append(owned, recvGid[r]...)
		for _, idx := range recvIdx[r] {
			if idx < localMin {
				localMin = idx
			}
			if idx > localMax {
				localMax = idx
			}
		}
	}
	target, err := dist.NewGeneral(c, src.GlobalSize(), owned)
	if err != nil {
		return nil, errors.Wrap(err, "curve distribution")
	}

	// post-condition: curve ranges are ordered across ranks, modulo ties
	maxes := c.AllGatherFloats([]float64{localMax})
	mins := c.AllGatherFloats([]float64{localMin})
	for r := 0; r+1 < p; r++ {
		if maxes[r][0] > mins[r+1][0] {
			return nil, errors.Newf("curve order violated between ranks %d and %d", r, r+1)
		}
	}
	return dist.BuildPlan(c, src, target), nil
}

// pickSplitters draws a regular sample of the local curve indices from
// every rank and returns P-1 global quantile boundaries.
func pickSplitters(c *comm.Comm, indices []float64) []float64 {
	local := append([]float64(nil), indices...)
	sort.Float64s(local)
	s := samplesPerRank
	if len(local) < s {
		s = len(local)
	}
	sample := make([]float64, s)
	for i := 0; i < s; i++ {
		sample[i] = local[i*len(local)/s]
	}
	all := c.AllGatherFloats(sample)
	var pool []float64
	for _, part := range all {
		pool = append(pool, part...)
	}
	sort.Float64s(pool)
	p := c.Size()
	splitters := make([]float64, p-1)
	if len(pool) == 0 {
		return splitters
	}
	for i := 1; i < p; i++ {
		splitters[i-1] = pool[i*len(pool)/p]
	}
	return splitters
}
