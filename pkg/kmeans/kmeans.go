// Package kmeans implements balanced geometric clustering: Lloyd iterations
// with Hamerly-style distance bounds, per-block influence multipliers that
// steer the assignment toward the target block sizes, and a sampling
// ramp-up for the first iterations.
package kmeans

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/fabratu/geographer/pkg/comm"
	"github.com/fabratu/geographer/pkg/commtree"
	"github.com/fabratu/geographer/pkg/config"
	"github.com/fabratu/geographer/pkg/dist"
	"github.com/fabratu/geographer/pkg/metrics"
)

// ComputePartition clusters the points into len(blockSizes) blocks whose
// weights approach the targets within settings.Epsilon. The partition
// vector shares the coordinate distribution.
func ComputePartition(
	c *comm.Comm,
	coords []dist.FloatVec,
	weights dist.FloatVec,
	blockSizes []float64,
	s config.Settings,
	log zerolog.Logger,
	m *metrics.Metrics,
) (dist.IntVec, error) {
	if err := checkInputs(coords, weights); err != nil {
		return dist.IntVec{}, err
	}
	localN := len(weights.Local)
	oldPart := make([]int, localN)
	part, err := computeLevel(c, toColumns(coords), weights.Local, oldPart,
		[]int{len(blockSizes)}, blockSizes, nil, s, log, m)
	if err != nil {
		return dist.IntVec{}, err
	}
	return dist.IntVec{Dist: coords[0].Dist, Local: part}, nil
}

// ComputeHierarchicalPartition partitions level by level along the
// communication tree: on level l every existing block is split into its
// child count, with centres seeded from the block's own curve range.
func ComputeHierarchicalPartition(
	c *comm.Comm,
	coords []dist.FloatVec,
	weights dist.FloatVec,
	tree *commtree.Tree,
	s config.Settings,
	log zerolog.Logger,
	m *metrics.Metrics,
) (dist.IntVec, error) {
	if err := checkInputs(coords, weights); err != nil {
		return dist.IntVec{}, err
	}
	cols := toColumns(coords)
	totalWeight := weights.Sum(c)
	localN := len(weights.Local)
	part := make([]int, localN)

	levels := tree.NumLevels()
	for l := 1; l <= levels; l++ {
		childCounts := tree.Grouping(l)
		balance := tree.BalanceAt(l)
		targets := make([]float64, len(balance))
		for j := range balance {
			targets[j] = balance[j] * totalWeight
		}
		var err error
		part, err = computeLevel(c, cols, weights.Local, part, childCounts, targets, nil, s, log, m)
		if err != nil {
			return dist.IntVec{}, errors.Wrapf(err, "hierarchy level %d", l)
		}
		if c.Rank() == 0 {
			log.Debug().Int("level", l).Int("blocks", len(targets)).Msg("hierarchical k-means level done")
		}
	}
	return dist.IntVec{Dist: coords[0].Dist, Local: part}, nil
}

// ComputeRepartition derives a fresh partition for k = P blocks from the
// current distribution: each rank's local point set is a block, the local
// weighted means are the seed centres.
func ComputeRepartition(
	c *comm.Comm,
	coords []dist.FloatVec,
	weights dist.FloatVec,
	s config.Settings,
	log zerolog.Logger,
	m *metrics.Metrics,
) (dist.IntVec, error) {
	if err := checkInputs(coords, weights); err != nil {
		return dist.IntVec{}, err
	}
	if s.NumBlocks != c.Size() {
		return dist.IntVec{}, errors.Wrapf(config.ErrConfig,
			"repartition requires numBlocks == numProcs, got %d != %d", s.NumBlocks, c.Size())
	}
	cols := toColumns(coords)
	totalWeight := weights.Sum(c)
	targets := make([]float64, s.NumBlocks)
	for j := range targets {
		targets[j] = totalWeight / float64(s.NumBlocks)
	}
	centers := findLocalCenters(c, cols, weights.Local)
	oldPart := make([]int, len(weights.Local))
	part, err := computeLevel(c, cols, weights.Local, oldPart,
		[]int{s.NumBlocks}, targets, centers, s, log, m)
	if err != nil {
		return dist.IntVec{}, err
	}
	return dist.IntVec{Dist: coords[0].Dist, Local: part}, nil
}

func checkInputs(coords []dist.FloatVec, weights dist.FloatVec) error {
	if len(coords) == 0 {
		return errors.Wrap(config.ErrConfig, "no coordinates")
	}
	ds := make([]dist.Distribution, 0, len(coords)+1)
	for _, cv := range coords {
		ds = append(ds, cv.Dist)
	}
	ds = append(ds, weights.Dist)
	if err := dist.CheckAligned(ds...); err != nil {
		return err
	}
	for d := range coords {
		for _, v := range coords[d].Local {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return errors.Newf("non-finite coordinate in dimension %d", d)
			}
		}
	}
	return nil
}

// computeLevel runs the full Lloyd loop splitting every old block into its
// children. centers may be nil, in which case they are seeded from the
// curve order. Returns the new per-point block assignment.
func computeLevel(
	c *comm.Comm,
	cols [][]float64,
	weights []float64,
	oldPart []int,
	childCounts []int,
	targets []float64,
	centers [][]float64,
	s config.Settings,
	log zerolog.Logger,
	m *metrics.Metrics,
) ([]int, error) {
	localN := len(weights)
	globalN := c.SumInt(localN)
	if globalN == 0 {
		return nil, errors.Wrap(config.ErrConfig, "empty input")
	}
	totalWeight := 0.0
	for _, w := range weights {
		totalWeight += w
	}
	totalWeight = c.SumFloat(totalWeight)
	if totalWeight <= 0 {
		return nil, errors.New("zero total node weight")
	}
	k := 0
	for _, cc := range childCounts {
		k += cc
	}
	childOffset := offsets(childCounts)

	minCoords, maxCoords := globalBoundingBox(c, cols)
	if centers == nil {
		var err error
		centers, err = findInitialCentersSFC(c, cols, weights, oldPart, childCounts, minCoords, maxCoords, s)
		if err != nil {
			return nil, err
		}
	}

	box := newBoundingBox(cols)
	st := newAssignState(localN, k, s)
	for i := range st.assignment {
		st.assignment[i] = childOffset[oldPart[i]]
	}

	diagonal, volume := 0.0, 1.0
	for d := range minCoords {
		diff := maxCoords[d] - minCoords[d]
		diagonal += diff * diff
		volume *= diff
	}
	diagonal = math.Sqrt(diagonal)
	threshold := 0.002 * diagonal
	expectedBlockDiameter := math.Pow(volume/float64(k), 1/float64(len(cols)))

	// sampling ramp-up
	blocksPerProcess := float64(k) / float64(c.Size())
	minNodes := int(float64(s.MinSamplingNodes) * blocksPerProcess)
	if minNodes < 1 {
		minNodes = 1
	}
	localIndices := make([]int, localN)
	for i := range localIndices {
		localIndices[i] = i
	}
	samplingRounds := 0
	var samples []int
	if s.MinSamplingNodes > 0 && c.All(localN > minNodes) {
		shuffle(c, localIndices)
		samplingRounds = int(math.Ceil(math.Log2(float64(globalN)/float64(s.MinSamplingNodes*k)))) + 1
		if samplingRounds < 1 {
			samplingRounds = 1
		}
		samples = make([]int, samplingRounds)
		samples[0] = minNodes
		if samples[0] > localN {
			samples[0] = localN
		}
		for i := 1; i < samplingRounds; i++ {
			samples[i] = samples[i-1] * 2
			if samples[i] > localN {
				samples[i] = localN
			}
		}
		samples[samplingRounds-1] = localN
	}

	adjustedTargets := append([]float64(nil), targets...)
	imbalance := math.Inf(1)
	delta := math.Inf(1)
	balanced := false
	iter := 0
	for iter < samplingRounds || (iter < s.MaxKMeansIterations && (delta > threshold || !balanced)) {
		sample := localIndices
		if iter < samplingRounds {
			sample = localIndices[:samples[iter]]
			sampledCount := c.SumInt(len(sample))
			ratio := float64(sampledCount) / float64(globalN)
			for j := range targets {
				adjustedTargets[j] = targets[j] * ratio
			}
		} else {
			copy(adjustedTargets, targets)
		}

		var balanceIters int
		imbalance, balanceIters = assignBlocks(c, cols, centers, sample, weights,
			oldPart, childOffset, adjustedTargets, box, st, s)
		if m != nil && c.Rank() == 0 {
			m.AddBalanceIters(balanceIters)
		}

		newCenters := findCenters(c, cols, weights, sample, st.assignment, k)
		// empty blocks retain their previous centre
		for j := 0; j < k; j++ {
			for d := range newCenters {
				if math.IsNaN(newCenters[d][j]) {
					newCenters[d][j] = centers[d][j]
				}
			}
		}

		// centre displacements drive the bound updates
		squaredDeltas := make([]float64, k)
		deltas := make([]float64, k)
		oldInfluence := append([]float64(nil), st.influence...)
		minRatio := math.MaxFloat64
		for j := 0; j < k; j++ {
			for d := range centers {
				diff := centers[d][j] - newCenters[d][j]
				squaredDeltas[j] += diff * diff
			}
			deltas[j] = math.Sqrt(squaredDeltas[j])
			if s.ErodeInfluence {
				erosion := 2/(1+math.Exp(-math.Max(deltas[j]/expectedBlockDiameter-0.1, 0))) - 1
				st.influence[j] = math.Exp((1 - erosion) * math.Log(st.influence[j]))
				if r := oldInfluence[j] / st.influence[j]; r < minRatio {
					minRatio = r
				}
			}
		}
		delta = 0
		for _, dj := range deltas {
			if dj > delta {
				delta = dj
			}
		}
		maxInfluence := 0.0
		for _, inf := range st.influence {
			if inf > maxInfluence {
				maxInfluence = inf
			}
		}
		deltaSq := delta * delta
		for _, i := range sample {
			cluster := st.assignment[i]
			if s.ErodeInfluence {
				st.upperBoundOwnCenter[i] *= st.influence[cluster]/oldInfluence[cluster] + 1e-12
				st.lowerBoundNextCenter[i] *= minRatio - 1e-12
			}
			st.upperBoundOwnCenter[i] += (2*deltas[cluster]*math.Sqrt(st.upperBoundOwnCenter[i]/st.influence[cluster]) + squaredDeltas[cluster]) * (st.influence[cluster] + 1e-10)
			pureSqrt := math.Sqrt(st.lowerBoundNextCenter[i] / maxInfluence)
			if pureSqrt < delta {
				st.lowerBoundNextCenter[i] = 0
			} else {
				diff := (-2*delta*pureSqrt + deltaSq) * (maxInfluence + 1e-10)
				st.lowerBoundNextCenter[i] += diff
				if st.lowerBoundNextCenter[i] < 0 {
					st.lowerBoundNextCenter[i] = 0
				}
			}
		}
		centers = newCenters

		// balance check of the current sample against this round's
		// targets (scaled to the sample share while sampling)
		blockWeights := make([]float64, k)
		for _, i := range sample {
			blockWeights[st.assignment[i]] += weights[i]
		}
		blockWeights = c.AllReduceFloats(comm.Sum, blockWeights)
		balanced = true
		for j := 0; j < k; j++ {
			if blockWeights[j] > adjustedTargets[j]*(1+s.Epsilon) {
				balanced = false
			}
		}
		iter++
		if c.Rank() == 0 {
			log.Debug().Int("iter", iter).Float64("delta", delta).
				Float64("imbalance", imbalance).Msg("k-means iteration")
		}
	}
	if m != nil && c.Rank() == 0 {
		m.KMeansIterations += iter
	}
	if imbalance > s.Epsilon && c.Rank() == 0 {
		log.Warn().Float64("imbalance", imbalance).Float64("epsilon", s.Epsilon).
			Msg("k-means stopped before reaching the balance target")
	}
	return st.assignment, nil
}

func globalBoundingBox(c *comm.Comm, cols [][]float64) ([]float64, []float64) {
	dims := len(cols)
	localMin := make([]float64, dims)
	localMax := make([]float64, dims)
	for d := 0; d < dims; d++ {
		localMin[d] = math.Inf(1)
		localMax[d] = math.Inf(-1)
		for _, v := range cols[d] {
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

// shuffle permutes the index slice with the rank's deterministic stream.
func shuffle(c *comm.Comm, idx []int) {
	rng := c.RNG()
	for i := len(idx) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		idx[i], idx[j] = idx[j], idx[i]
	}
}
