package graph

import (
	"math"

	"github.com/cockroachdb/errors"

	"github.com/fabratu/geographer/pkg/comm"
	"github.com/fabratu/geographer/pkg/dist"
)

// ComputeCut returns the total weight of edges crossing block boundaries.
// With ignoreWeights every crossing edge counts 1. Each undirected edge is
// stored twice, so the doubled sum is halved after the reduction.
func ComputeCut(c *comm.Comm, g *CSR, part dist.IntVec, ignoreWeights bool) (float64, error) {
	if err := dist.CheckAligned(g.RowDist, part.Dist); err != nil {
		return 0, errors.Wrap(err, "computeCut")
	}
	halo := BuildHalo(c, g)
	haloPart := halo.UpdateInts(c, part.Local)

	localCut := 0.0
	for lid := 0; lid < g.NumLocalRows(); lid++ {
		own := part.Local[lid]
		cols, vals := g.Row(lid)
		for j, col := range cols {
			var other int
			if l := g.RowDist.Global2Local(col); l >= 0 {
				other = part.Local[l]
			} else {
				other = haloPart[halo.Global2Halo(col)]
			}
			if other != own {
				if ignoreWeights {
					localCut++
				} else {
					localCut += vals[j]
				}
			}
		}
	}
	return c.SumFloat(localCut) / 2, nil
}

// ComputeImbalance returns max_b weight(b)/opt - 1 where opt is the ideal
// block weight ceil(W/k). A perfectly balanced partition returns 0.
func ComputeImbalance(c *comm.Comm, part dist.IntVec, k int, weights dist.FloatVec) (float64, error) {
	if weights.Local != nil {
		if err := dist.CheckAligned(part.Dist, weights.Dist); err != nil {
			return 0, errors.Wrap(err, "computeImbalance")
		}
	}
	blockWeights := make([]float64, k)
	for lid, b := range part.Local {
		if b < 0 || b >= k {
			return 0, errors.Newf("block id %d out of range [0,%d)", b, k)
		}
		w := 1.0
		if weights.Local != nil {
			w = weights.Local[lid]
		}
		blockWeights[b] += w
	}
	blockWeights = c.AllReduceFloats(comm.Sum, blockWeights)
	total, maxW := 0.0, 0.0
	for _, w := range blockWeights {
		total += w
		if w > maxW {
			maxW = w
		}
	}
	opt := math.Ceil(total / float64(k))
	if opt == 0 {
		return 0, nil
	}
	return maxW/opt - 1, nil
}

// BlockWeights accumulates per-block weight sums globally.
func BlockWeights(c *comm.Comm, part dist.IntVec, k int, weights dist.FloatVec) []float64 {
	bw := make([]float64, k)
	for lid, b := range part.Local {
		w := 1.0
		if weights.Local != nil {
			w = weights.Local[lid]
		}
		bw[b] += w
	}
	return c.AllReduceFloats(comm.Sum, bw)
}

// NodesWithNonLocalNeighbors returns the local indices of vertices adjacent
// to at least one non-owned vertex. No communication.
func NodesWithNonLocalNeighbors(g *CSR) []int {
	var out []int
	for lid := 0; lid < g.NumLocalRows(); lid++ {
		cols, _ := g.Row(lid)
		for _, col := range cols {
			if !g.RowDist.IsLocal(col) {
				out = append(out, lid)
				break
			}
		}
	}
	return out
}

// NonLocalNeighbors returns the sorted global ids referenced by local rows
// but owned elsewhere.
func NonLocalNeighbors(g *CSR) []int {
	var out []int
	for _, col := range g.JA {
		if !g.RowDist.IsLocal(col) {
			out = append(out, col)
		}
	}
	return dist.UniqueSorted(out)
}

// BorderNodes marks local vertices with a neighbour in a different block:
// result[i] = 1 iff vertex i touches the cut.
func BorderNodes(c *comm.Comm, g *CSR, part dist.IntVec) (dist.IntVec, error) {
	if err := dist.CheckAligned(g.RowDist, part.Dist); err != nil {
		return dist.IntVec{}, errors.Wrap(err, "borderNodes")
	}
	halo := BuildHalo(c, g)
	haloPart := halo.UpdateInts(c, part.Local)
	out := dist.NewIntVec(g.RowDist, 0)
	for lid := 0; lid < g.NumLocalRows(); lid++ {
		own := part.Local[lid]
		cols, _ := g.Row(lid)
		for _, col := range cols {
			var other int
			if l := g.RowDist.Global2Local(col); l >= 0 {
				other = part.Local[l]
			} else {
				other = haloPart[halo.Global2Halo(col)]
			}
			if other != own {
				out.Local[lid] = 1
				break
			}
		}
	}
	return out, nil
}
