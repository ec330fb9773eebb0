package kmeans

import (
	"math"
	"sort"

	"github.com/fabratu/geographer/pkg/comm"
	"github.com/fabratu/geographer/pkg/config"
	"github.com/fabratu/geographer/pkg/dist"
	"github.com/fabratu/geographer/pkg/sfc"
)

// findInitialCentersSFC seeds one centre per new block at the midpoint of
// the block's contiguous range in space-filling-curve order. Ranges and
// midpoints are counted in points: node weights do not enter the seeding,
// so each old block is cut into ranges of equal point count, not of equal
// weight.
// oldPart assigns every point to a currently-known block; childCounts[b]
// is the number of sub-blocks block b is split into. The returned centres
// are indexed [dim][newBlock], new blocks numbered child-major:
// block b's children occupy [childOffset[b], childOffset[b+1]).
func findInitialCentersSFC(
	c *comm.Comm,
	coords [][]float64,
	weights []float64,
	oldPart []int,
	childCounts []int,
	minCoords, maxCoords []float64,
	s config.Settings,
) ([][]float64, error) {
	dims := len(coords)
	localN := len(weights)
	numOldBlocks := len(childCounts)
	childOffset := offsets(childCounts)
	numNewBlocks := childOffset[numOldBlocks]

	// sort local points along the curve
	indices, err := localCurveIndices(coords, minCoords, maxCoords, s)
	if err != nil {
		return nil, err
	}
	sorted := make([]int, localN)
	for i := range sorted {
		sorted[i] = i
	}
	sort.Slice(sorted, func(a, b int) bool { return indices[sorted[a]] < indices[sorted[b]] })

	// per-block point counts, concatenated per-rank prefix arrays.
	// prefix[b*(p+1)+r] is the number of block-b points on ranks < r.
	p := c.Size()
	localSizes := make([]int, numOldBlocks)
	for _, b := range oldPart {
		localSizes[b]++
	}
	gathered := c.GatherInts(0, localSizes)
	var concat []int
	if c.Rank() == 0 {
		concat = make([]int, numOldBlocks*(p+1))
		for b := 0; b < numOldBlocks; b++ {
			run := 0
			concat[b*(p+1)] = 0
			for r := 0; r < p; r++ {
				run += gathered[r][b]
				concat[b*(p+1)+r+1] = run
			}
		}
	}
	concat = c.BroadcastInts(0, concat)

	globalSizes := make([]int, numOldBlocks)
	for b := 0; b < numOldBlocks; b++ {
		globalSizes[b] = concat[b*(p+1)+p]
	}

	// wanted within-block indices of the new centres
	wanted := make([][]int, numOldBlocks)
	for b := 0; b < numOldBlocks; b++ {
		kb := childCounts[b]
		wanted[b] = make([]int, kb)
		for j := 0; j < kb; j++ {
			stride := globalSizes[b] / kb
			wanted[b][j] = j*stride + stride/2
		}
	}

	// each rank fills the centres whose within-block index it owns
	centers := make([][]float64, dims)
	for d := range centers {
		centers[d] = make([]float64, numNewBlocks)
	}
	for b := 0; b < numOldBlocks; b++ {
		rangeStart := concat[b*(p+1)+c.Rank()]
		rangeEnd := concat[b*(p+1)+c.Rank()+1]
		for j, target := range wanted[b] {
			if target < rangeStart || target >= rangeEnd {
				continue
			}
			counter := rangeStart
			for _, i := range sorted {
				if oldPart[i] != b {
					continue
				}
				if counter == target {
					for d := 0; d < dims; d++ {
						centers[d][childOffset[b]+j] = coords[d][i]
					}
					break
				}
				counter++
			}
		}
	}
	// owners filled their centres, everyone else contributed zero
	for d := 0; d < dims; d++ {
		centers[d] = c.AllReduceFloats(comm.Sum, centers[d])
	}
	return centers, nil
}

// CentersFromSFCOnly places centre i at the inverse curve position of
// (i+1/2)/k, scaled into the bounding box. No communication.
func CentersFromSFCOnly(k int, minCoords, maxCoords []float64, s config.Settings) ([][]float64, error) {
	dims := s.Dimensions
	centers := make([][]float64, dims)
	for d := range centers {
		centers[d] = make([]float64, k)
	}
	for i := 0; i < k; i++ {
		pos := (float64(i) + 0.5) / float64(k)
		point, err := sfc.Point(pos, s.SFCResolution, dims)
		if err != nil {
			return nil, err
		}
		for d := 0; d < dims; d++ {
			centers[d][i] = minCoords[d] + point[d]*(maxCoords[d]-minCoords[d])
		}
	}
	return centers, nil
}

// findLocalCenters computes one centre per rank: the weighted mean of the
// local points, replicated everywhere. Used to derive repartition seeds
// from the current distribution.
func findLocalCenters(c *comm.Comm, coords [][]float64, weights []float64) [][]float64 {
	dims := len(coords)
	p := c.Size()
	localWeight := 0.0
	for _, w := range weights {
		localWeight += w
	}
	centers := make([][]float64, dims)
	for d := 0; d < dims; d++ {
		centers[d] = make([]float64, p)
		if localWeight > 0 {
			mean := 0.0
			for i, w := range weights {
				mean += w * coords[d][i] / localWeight
			}
			centers[d][c.Rank()] = mean
		}
	}
	for d := 0; d < dims; d++ {
		centers[d] = c.AllReduceFloats(comm.Sum, centers[d])
	}
	return centers
}

// findCenters recomputes centres as global weighted means over the sampled
// points. Empty blocks yield NaN so the caller can retain the previous
// centre.
func findCenters(
	c *comm.Comm,
	coords [][]float64,
	weights []float64,
	sample []int,
	assignment []int,
	k int,
) [][]float64 {
	dims := len(coords)
	weightSum := make([]float64, k)
	for _, i := range sample {
		weightSum[assignment[i]] += weights[i]
	}
	globalWeight := c.AllReduceFloats(comm.Sum, weightSum)

	centers := make([][]float64, dims)
	for d := 0; d < dims; d++ {
		sums := make([]float64, k)
		for _, i := range sample {
			sums[assignment[i]] += coords[d][i] * weights[i]
		}
		sums = c.AllReduceFloats(comm.Sum, sums)
		centers[d] = make([]float64, k)
		for j := 0; j < k; j++ {
			if globalWeight[j] == 0 {
				centers[d][j] = math.NaN()
			} else {
				centers[d][j] = sums[j] / globalWeight[j]
			}
		}
	}
	return centers
}

func localCurveIndices(coords [][]float64, minCoords, maxCoords []float64, s config.Settings) ([]float64, error) {
	localN := 0
	if len(coords) > 0 {
		localN = len(coords[0])
	}
	out := make([]float64, localN)
	point := make([]float64, len(coords))
	for i := 0; i < localN; i++ {
		for d := range coords {
			point[d] = coords[d][i]
		}
		idx, err := sfc.Index(point, s.SFCResolution, minCoords, maxCoords)
		if err != nil {
			return nil, err
		}
		out[i] = idx
	}
	return out, nil
}

func offsets(counts []int) []int {
	out := make([]int, len(counts)+1)
	for i, c := range counts {
		out[i+1] = out[i] + c
	}
	return out
}

// toColumns converts distributed coordinate vectors into plain local
// [dim][i] storage.
func toColumns(coords []dist.FloatVec) [][]float64 {
	out := make([][]float64, len(coords))
	for d := range coords {
		out[d] = coords[d].Local
	}
	return out
}
