package partition

import (
	"math"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/fabratu/geographer/pkg/comm"
	"github.com/fabratu/geographer/pkg/config"
	"github.com/fabratu/geographer/pkg/dist"
	"github.com/fabratu/geographer/pkg/graph"
	"github.com/fabratu/geographer/pkg/multilevel"
	"github.com/fabratu/geographer/pkg/sfc"
)

// hilbertPartition assigns contiguous curve ranges to blocks, balanced by
// node weight: block b receives the points whose weighted prefix along the
// curve falls into the b-th share.
func hilbertPartition(c *comm.Comm, coords []dist.FloatVec, weights dist.FloatVec, s config.Settings) (dist.IntVec, error) {
	minCoords, maxCoords := sfc.BoundingBox(c, coords)
	indices, err := sfc.IndexVector(coords, s.SFCResolution, minCoords, maxCoords)
	if err != nil {
		return dist.IntVec{}, err
	}
	localN := len(indices)
	order := make([]int, localN)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return indices[order[a]] < indices[order[b]] })

	// global weighted prefix: local prefix in curve order plus the summed
	// weight of all points on lower curve positions elsewhere. After the
	// curve redistribution the rank ranges are curve-ordered, so the
	// offset is the total weight of lower ranks.
	localTotal := 0.0
	for _, w := range weights.Local {
		localTotal += w
	}
	totals := c.AllGatherFloats([]float64{localTotal})
	offset := 0.0
	for r := 0; r < c.Rank(); r++ {
		offset += totals[r][0]
	}
	totalWeight := 0.0
	for r := range totals {
		totalWeight += totals[r][0]
	}

	k := s.NumBlocks
	share := totalWeight / float64(k)
	if share <= 0 {
		return dist.IntVec{}, errors.New("zero total node weight")
	}
	part := dist.NewIntVec(weights.Dist, 0)
	run := offset
	for _, i := range order {
		mid := run + weights.Local[i]/2
		b := int(mid / share)
		if b >= k {
			b = k - 1
		}
		part.Local[i] = b
		run += weights.Local[i]
	}
	return part, nil
}

// pixelPartition grows k blocks greedily on the replicated pixel graph:
// the densest unassigned pixel seeds the next block, which absorbs
// neighbouring pixels until it reaches its density share. Points inherit
// their pixel's block.
func pixelPartition(c *comm.Comm, g *graph.CSR, coords []dist.FloatVec, weights dist.FloatVec, s config.Settings) (dist.IntVec, error) {
	grid, err := multilevel.PixeledCoarsen(c, g, coords, weights, s)
	if err != nil {
		return dist.IntVec{}, err
	}
	blocks := growBlocksOnPixels(grid, s.NumBlocks)
	part := dist.NewIntVec(weights.Dist, 0)
	for i, pixel := range grid.PixelOf {
		part.Local[i] = blocks[pixel]
	}
	return part, nil
}

// growBlocksOnPixels is deterministic: ties fall to the lower pixel index.
func growBlocksOnPixels(grid *multilevel.PixelGrid, k int) []int {
	numPixels := grid.NumPixels()
	blocks := make([]int, numPixels)
	for i := range blocks {
		blocks[i] = -1
	}
	total := 0.0
	for _, d := range grid.Density {
		total += d
	}
	share := total / float64(k)

	for b := 0; b < k; b++ {
		// densest unassigned pixel seeds the block
		seed := -1
		for p := 0; p < numPixels; p++ {
			if blocks[p] == -1 && (seed == -1 || grid.Density[p] > grid.Density[seed]) {
				seed = p
			}
		}
		if seed == -1 {
			break
		}
		acc := 0.0
		frontier := []int{seed}
		blocks[seed] = b
		acc += grid.Density[seed]
		for len(frontier) > 0 && (acc < share || b == k-1) {
			// best frontier expansion: densest adjacent unassigned pixel
			bestPixel := -1
			for _, p := range frontier {
				cols, _ := grid.Graph.Row(p)
				for _, q := range cols {
					if blocks[q] != -1 {
						continue
					}
					if bestPixel == -1 || grid.Density[q] > grid.Density[bestPixel] ||
						(grid.Density[q] == grid.Density[bestPixel] && q < bestPixel) {
						bestPixel = q
					}
				}
			}
			if bestPixel == -1 {
				break
			}
			blocks[bestPixel] = b
			acc += grid.Density[bestPixel]
			frontier = append(frontier, bestPixel)
		}
	}
	// leftovers join the nearest assigned neighbour, last block as fallback
	for changed := true; changed; {
		changed = false
		for p := 0; p < numPixels; p++ {
			if blocks[p] != -1 {
				continue
			}
			cols, _ := grid.Graph.Row(p)
			for _, q := range cols {
				if blocks[q] != -1 {
					blocks[p] = blocks[q]
					changed = true
					break
				}
			}
		}
	}
	for p := 0; p < numPixels; p++ {
		if blocks[p] == -1 {
			blocks[p] = k - 1
		}
	}
	return blocks
}

// multisectionPartition splits the coordinate space by per-dimension
// weighted quantiles: k is factorised over the dimensions and every
// section boundary comes from sampled coordinate quantiles.
func multisectionPartition(c *comm.Comm, coords []dist.FloatVec, weights dist.FloatVec, s config.Settings) (dist.IntVec, error) {
	dims := len(coords)
	factors, err := sectionFactors(s.NumBlocks, dims)
	if err != nil {
		return dist.IntVec{}, err
	}
	localN := len(weights.Local)
	section := make([]int, localN)

	for d := 0; d < dims; d++ {
		f := factors[d]
		if f == 1 {
			continue
		}
		splitters := weightedQuantiles(c, coords[d].Local, weights.Local, f)
		for i := 0; i < localN; i++ {
			idx := sort.SearchFloat64s(splitters, coords[d].Local[i])
			if idx >= f {
				idx = f - 1
			}
			section[i] = section[i]*f + idx
		}
	}
	// renumber: compose mixed-radix sections into [0,k)
	part := dist.NewIntVec(weights.Dist, 0)
	copy(part.Local, section)
	return part, nil
}

// sectionFactors factorises k into per-dimension section counts whose
// product is exactly k, as evenly as possible.
func sectionFactors(k, dims int) ([]int, error) {
	if k < 1 {
		return nil, errors.Newf("invalid block count %d", k)
	}
	factors := make([]int, dims)
	for i := range factors {
		factors[i] = 1
	}
	remaining := k
	for d := 0; d < dims; d++ {
		left := dims - d
		if left == 1 {
			factors[d] = remaining
			remaining = 1
			break
		}
		target := math.Pow(float64(remaining), 1/float64(left))
		best, bestDiff := 1, math.Inf(1)
		for f := 1; f <= remaining; f++ {
			if remaining%f != 0 {
				continue
			}
			if diff := math.Abs(float64(f) - target); diff < bestDiff {
				best, bestDiff = f, diff
			}
		}
		factors[d] = best
		remaining /= best
	}
	return factors, nil
}

// weightedQuantiles samples (value, weight) pairs from every rank and
// returns f-1 splitters approximating equal-weight sections.
func weightedQuantiles(c *comm.Comm, values, weights []float64, f int) []float64 {
	const perRank = 128
	n := len(values)
	step := 1
	if n > perRank {
		step = n / perRank
	}
	var sampleV, sampleW []float64
	for i := 0; i < n; i += step {
		sampleV = append(sampleV, values[i])
		sampleW = append(sampleW, weights[i]*float64(step))
	}
	allV := c.AllGatherFloats(sampleV)
	allW := c.AllGatherFloats(sampleW)
	type wv struct{ v, w float64 }
	var pool []wv
	for r := range allV {
		for i := range allV[r] {
			pool = append(pool, wv{v: allV[r][i], w: allW[r][i]})
		}
	}
	sort.Slice(pool, func(a, b int) bool { return pool[a].v < pool[b].v })
	total := 0.0
	for _, e := range pool {
		total += e.w
	}
	splitters := make([]float64, 0, f-1)
	run := 0.0
	next := 1
	for _, e := range pool {
		run += e.w
		for next < f && run >= total*float64(next)/float64(f) {
			splitters = append(splitters, e.v)
			next++
		}
	}
	for len(splitters) < f-1 {
		if len(pool) > 0 {
			splitters = append(splitters, pool[len(pool)-1].v)
		} else {
			splitters = append(splitters, 0)
		}
	}
	return splitters
}
