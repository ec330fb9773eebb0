package kmeans

import (
	"math"
	"sort"

	"github.com/fabratu/geographer/pkg/comm"
	"github.com/fabratu/geographer/pkg/config"
)

// boundingBox is the local coordinate extent, used to prune centres that
// cannot be closest to any local point.
type boundingBox struct {
	min, max []float64
}

func newBoundingBox(coords [][]float64) boundingBox {
	dims := len(coords)
	box := boundingBox{min: make([]float64, dims), max: make([]float64, dims)}
	for d := 0; d < dims; d++ {
		box.min[d] = math.Inf(1)
		box.max[d] = math.Inf(-1)
		for _, v := range coords[d] {
			if v < box.min[d] {
				box.min[d] = v
			}
			if v > box.max[d] {
				box.max[d] = v
			}
		}
	}
	return box
}

// sqDistance returns the squared distance from the box to a point; zero
// inside.
func (b boundingBox) sqDistance(point []float64) float64 {
	d2 := 0.0
	for d := range point {
		if point[d] < b.min[d] {
			diff := b.min[d] - point[d]
			d2 += diff * diff
		} else if point[d] > b.max[d] {
			diff := point[d] - b.max[d]
			d2 += diff * diff
		}
	}
	return d2
}

// assignState carries the mutable per-point and per-block data of the
// balance loop across Lloyd iterations.
type assignState struct {
	upperBoundOwnCenter  []float64 // per point: bound on effective distance to own centre
	lowerBoundNextCenter []float64 // per point: bound on effective distance to nearest other centre
	influence            []float64 // per new block
	influenceGrew        []bool
	changeUpper          []float64
	changeLower          []float64
	assignment           []int
}

func newAssignState(localN, numBlocks int, s config.Settings) *assignState {
	st := &assignState{
		upperBoundOwnCenter:  make([]float64, localN),
		lowerBoundNextCenter: make([]float64, localN),
		influence:            make([]float64, numBlocks),
		influenceGrew:        make([]bool, numBlocks),
		changeUpper:          make([]float64, numBlocks),
		changeLower:          make([]float64, numBlocks),
		assignment:           make([]int, localN),
	}
	for i := range st.upperBoundOwnCenter {
		st.upperBoundOwnCenter[i] = math.MaxFloat64
	}
	for j := 0; j < numBlocks; j++ {
		st.influence[j] = 1
		st.changeUpper[j] = 1 + s.InfluenceChangeCap
		st.changeLower[j] = 1 - s.InfluenceChangeCap
	}
	return st
}

// candidateOrder keeps, per old block, the child centres sorted by minimum
// possible effective distance from the local bounding box.
type candidateOrder struct {
	ids     [][]int     // per old block, candidate new-block ids
	minDist [][]float64 // effective bbox distance, aligned with ids
	sqDist  []float64   // per new block, raw bbox distance
}

func buildCandidateOrder(box boundingBox, centers [][]float64, childOffset []int, influence []float64) *candidateOrder {
	numOld := len(childOffset) - 1
	numNew := len(centers[0])
	dims := len(centers)
	co := &candidateOrder{
		ids:     make([][]int, numOld),
		minDist: make([][]float64, numOld),
		sqDist:  make([]float64, numNew),
	}
	point := make([]float64, dims)
	for j := 0; j < numNew; j++ {
		for d := 0; d < dims; d++ {
			point[d] = centers[d][j]
		}
		co.sqDist[j] = box.sqDistance(point)
	}
	for b := 0; b < numOld; b++ {
		for j := childOffset[b]; j < childOffset[b+1]; j++ {
			co.ids[b] = append(co.ids[b], j)
		}
		co.minDist[b] = make([]float64, len(co.ids[b]))
		co.resort(b, influence)
	}
	return co
}

// resort refreshes one old block's candidate order after influence change.
func (co *candidateOrder) resort(b int, influence []float64) {
	ids := co.ids[b]
	sort.Slice(ids, func(x, y int) bool {
		ex := co.sqDist[ids[x]] * influence[ids[x]]
		ey := co.sqDist[ids[y]] * influence[ids[y]]
		if ex != ey {
			return ex < ey
		}
		return ids[x] < ids[y]
	})
	for i, id := range ids {
		co.minDist[b][i] = co.sqDist[id] * influence[id]
	}
}

// assignBlocks runs the balance loop of one Lloyd iteration over the
// sample: assignment under per-block influence, global weight reduction,
// influence adjustment and bound propagation, until the sample is balanced
// within epsilon or the iteration cap is reached. Returns the sample
// imbalance and the number of balance iterations.
func assignBlocks(
	c *comm.Comm,
	coords [][]float64,
	centers [][]float64,
	sample []int,
	weights []float64,
	oldPart []int,
	childOffset []int,
	targetSizes []float64,
	box boundingBox,
	st *assignState,
	s config.Settings,
) (float64, int) {
	dims := len(coords)
	numBlocks := len(targetSizes)
	co := buildCandidateOrder(box, centers, childOffset, st.influence)

	imbalance := math.Inf(1)
	iter := 0
	for {
		blockWeights := make([]float64, numBlocks)
		for _, i := range sample {
			oldCluster := st.assignment[i]
			if st.lowerBoundNextCenter[i] > st.upperBoundOwnCenter[i] {
				// assignment cannot have changed
				blockWeights[oldCluster] += weights[i]
				continue
			}
			sqToOwn := 0.0
			for d := 0; d < dims; d++ {
				diff := centers[d][oldCluster] - coords[d][i]
				sqToOwn += diff * diff
			}
			newEffective := sqToOwn * st.influence[oldCluster]
			st.upperBoundOwnCenter[i] = newEffective
			if st.lowerBoundNextCenter[i] > newEffective {
				blockWeights[oldCluster] += weights[i]
				continue
			}

			b := oldPart[i]
			ids := co.ids[b]
			minDist := co.minDist[b]
			bestBlock := ids[0]
			bestValue := math.MaxFloat64
			secondBestValue := math.MaxFloat64
			for pos := 0; pos < len(ids) && secondBestValue > minDist[pos]; pos++ {
				j := ids[pos]
				sqDist := 0.0
				for d := 0; d < dims; d++ {
					diff := centers[d][j] - coords[d][i]
					sqDist += diff * diff
				}
				effective := sqDist * st.influence[j]
				if effective < bestValue || (effective == bestValue && j < bestBlock) {
					secondBestValue = bestValue
					bestBlock, bestValue = j, effective
				} else if effective < secondBestValue {
					secondBestValue = effective
				}
			}
			st.upperBoundOwnCenter[i] = bestValue
			st.lowerBoundNextCenter[i] = secondBestValue
			st.assignment[i] = bestBlock
			blockWeights[bestBlock] += weights[i]
		}

		blockWeights = c.AllReduceFloats(comm.Sum, blockWeights)

		imbalance = 0
		for j := 0; j < numBlocks; j++ {
			if targetSizes[j] <= 0 {
				continue
			}
			if r := blockWeights[j]/targetSizes[j] - 1; r > imbalance {
				imbalance = r
			}
		}
		iter++
		if imbalance <= s.Epsilon-1e-12 || iter >= s.BalanceIterations {
			break
		}

		// adjust influence toward the targets
		oldInfluence := append([]float64(nil), st.influence...)
		minRatio := math.MaxFloat64
		for j := 0; j < numBlocks; j++ {
			ratio := 1.0
			if targetSizes[j] > 0 {
				ratio = blockWeights[j] / targetSizes[j]
			}
			if math.Abs(ratio-1) < s.Epsilon && s.FreezeBalancedInfluence {
				if minRatio > 1 {
					minRatio = 1
				}
				continue
			}
			adjusted := st.influence[j] * math.Pow(ratio, s.InfluenceExponent)
			lo := st.influence[j] * st.changeLower[j]
			hi := st.influence[j] * st.changeUpper[j]
			st.influence[j] = math.Max(lo, math.Min(adjusted, hi))

			if s.TightenBounds && iter > 1 && (ratio > 1) != st.influenceGrew[j] {
				// influence change switched direction, narrow the step
				st.changeUpper[j] = 0.1 + 0.9*st.changeUpper[j]
				st.changeLower[j] = 0.1 + 0.9*st.changeLower[j]
			}
			st.influenceGrew[j] = ratio > 1
			if r := st.influence[j] / oldInfluence[j]; r < minRatio {
				minRatio = r
			}
		}

		// propagate the influence change into the point bounds
		for _, i := range sample {
			cluster := st.assignment[i]
			st.upperBoundOwnCenter[i] *= st.influence[cluster]/oldInfluence[cluster] + 1e-12
			st.lowerBoundNextCenter[i] *= minRatio - 1e-12
		}
		for b := range co.ids {
			co.resort(b, st.influence)
		}
	}
	return imbalance, iter
}
