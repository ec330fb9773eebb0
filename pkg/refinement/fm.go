// Package refinement improves a partition by distributed two-way
// Fiduccia-Mattheyses rounds. Process pairs given by an edge colouring of
// the process graph replicate their common border region, run the
// identical deterministic FM pass on it, and the owner of each vertex
// commits its moves by migrating the vertex to the partner rank.
package refinement

import (
	"container/heap"
	"math"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/fabratu/geographer/pkg/comm"
	"github.com/fabratu/geographer/pkg/config"
	"github.com/fabratu/geographer/pkg/dist"
	"github.com/fabratu/geographer/pkg/graph"
)

// Data bundles everything that migrates with a vertex during refinement.
// Coords and Distances may be empty; Origin tracks the rank that held each
// vertex when the enclosing multilevel step began.
type Data struct {
	Graph     *graph.CSR
	Part      dist.IntVec
	Weights   dist.FloatVec
	Coords    []dist.FloatVec
	Distances []float64
	Origin    dist.IntVec
}

// DistancesFromBlockCenter computes each local vertex's Euclidean distance
// from the mean of its block's coordinates. During refinement every rank
// is one block, so the centre is the local mean. Purely local.
func DistancesFromBlockCenter(c *comm.Comm, coords []dist.FloatVec) []float64 {
	dims := len(coords)
	localN := len(coords[0].Local)
	center := make([]float64, dims)
	for d := 0; d < dims; d++ {
		for _, v := range coords[d].Local {
			center[d] += v
		}
		if localN > 0 {
			center[d] /= float64(localN)
		}
	}
	out := make([]float64, localN)
	for i := 0; i < localN; i++ {
		d2 := 0.0
		for d := 0; d < dims; d++ {
			diff := coords[d].Local[i] - center[d]
			d2 += diff * diff
		}
		out[i] = math.Sqrt(d2)
	}
	return out
}

// regionVertex is one vertex of the replicated pair subproblem.
type regionVertex struct {
	gid    int
	weight float64
	dist   float64
	block  int // current block (= owning rank before the pass)
	// adjacency copied from the owner
	nbr  []int
	nbrW []float64
}

// DistributedFMStep runs one sweep over all colours of the schedule and
// returns the global gain per colour. The partition must equal the
// distribution (one block per rank) on entry and does again on return;
// improving moves migrate vertices between the paired ranks.
func DistributedFMStep(c *comm.Comm, data *Data, scheme *Scheme, s config.Settings, log zerolog.Logger) ([]float64, error) {
	if err := dist.CheckAligned(data.Graph.RowDist, data.Part.Dist, data.Weights.Dist); err != nil {
		return nil, errors.Wrap(err, "distributedFMStep")
	}
	p := c.Size()
	gains := make([]float64, scheme.NumRounds())

	totalWeight := data.Weights.Sum(c)
	maxBlockWeight := totalWeight / float64(p) * (1 + s.Epsilon)

	for round := 0; round < scheme.NumRounds(); round++ {
		partner := scheme.Rounds[round][c.Rank()]

		blockWeights := graph.BlockWeights(c, data.Part, p, data.Weights)

		var pairGain float64
		var err error
		if partner != c.Rank() {
			pairGain, err = refinePair(c, data, partner, blockWeights, maxBlockWeight, s)
			if err != nil {
				return nil, err
			}
		} else {
			// idle ranks walk through the same collective sequence
			if _, err := exchangeRegion(c, data, partner, nil); err != nil {
				return nil, err
			}
			if err := migrate(c, data, nil, nil); err != nil {
				return nil, err
			}
		}
		reported := 0.0
		if partner > c.Rank() {
			reported = pairGain
		}
		gains[round] = c.SumFloat(reported)
	}
	return gains, nil
}

// refinePair replicates the border region shared with the partner, runs
// the deterministic two-way FM pass on it and migrates the moved vertices.
func refinePair(c *comm.Comm, data *Data, partner int, blockWeights []float64, maxBlockWeight float64, s config.Settings) (float64, error) {
	region := collectRegion(data, partner, s)
	if len(region) < s.MinBorderNodes {
		// frontier too small, withdraw; an empty send makes the partner
		// withdraw as well
		region = nil
	}
	theirs, err := exchangeRegion(c, data, partner, region)
	if err != nil {
		return 0, err
	}
	if len(region) == 0 || len(theirs) == 0 {
		if err := migrate(c, data, nil, nil); err != nil {
			return 0, err
		}
		return 0, nil
	}

	me, q := c.Rank(), partner
	vertices := append(append([]*regionVertex(nil), region...), theirs...)
	sort.Slice(vertices, func(i, j int) bool { return vertices[i].gid < vertices[j].gid })

	gain := runTwoWayFM(vertices, data.Graph.RowDist, me, q, blockWeights, maxBlockWeight, s)

	// the owner commits: local vertices now assigned to the partner leave,
	// partner vertices assigned to us arrive
	var movedOut, movedIn []int
	for _, v := range vertices {
		owner := data.Graph.RowDist.Owner(v.gid)
		if v.block == q && owner == me {
			movedOut = append(movedOut, v.gid)
		}
		if v.block == me && owner == q {
			movedIn = append(movedIn, v.gid)
		}
	}
	if err := migrate(c, data, movedOut, movedIn); err != nil {
		return 0, err
	}
	return gain, nil
}

// collectRegion gathers the local vertices within BorderDepth hops of the
// border shared with the partner.
func collectRegion(data *Data, partner int, s config.Settings) []*regionVertex {
	g := data.Graph
	d := g.RowDist
	localN := g.NumLocalRows()
	depth := make([]int, localN)
	for i := range depth {
		depth[i] = -1
	}
	var frontier []int
	for lid := 0; lid < localN; lid++ {
		cols, _ := g.Row(lid)
		for _, col := range cols {
			if d.Owner(col) == partner {
				depth[lid] = 0
				frontier = append(frontier, lid)
				break
			}
		}
	}
	for level := 0; level < s.BorderDepth-1; level++ {
		var next []int
		for _, lid := range frontier {
			cols, _ := g.Row(lid)
			for _, col := range cols {
				l := d.Global2Local(col)
				if l >= 0 && depth[l] == -1 {
					depth[l] = level + 1
					next = append(next, l)
				}
			}
		}
		frontier = next
	}
	var region []*regionVertex
	for lid := 0; lid < localN; lid++ {
		if depth[lid] == -1 {
			continue
		}
		cols, vals := g.Row(lid)
		v := &regionVertex{
			gid:    d.Local2Global(lid),
			weight: data.Weights.Local[lid],
			block:  d.Rank(),
			nbr:    append([]int(nil), cols...),
			nbrW:   append([]float64(nil), vals...),
		}
		if data.Distances != nil {
			v.dist = data.Distances[lid]
		}
		region = append(region, v)
	}
	return region
}

// exchangeRegion swaps serialized regions with the partner through the
// collective all-to-all; idle ranks pass nil and receive nothing.
func exchangeRegion(c *comm.Comm, data *Data, partner int, region []*regionVertex) ([]*regionVertex, error) {
	p := c.Size()
	sendInts := make([][]int, p)
	sendFloats := make([][]float64, p)
	if partner != c.Rank() && region != nil {
		var ints []int
		var floats []float64
		ints = append(ints, len(region))
		for _, v := range region {
			ints = append(ints, v.gid, len(v.nbr))
			ints = append(ints, v.nbr...)
			floats = append(floats, v.weight, v.dist)
			floats = append(floats, v.nbrW...)
		}
		sendInts[partner] = ints
		sendFloats[partner] = floats
	}
	recvInts := c.AllToAllInts(sendInts)
	recvFloats := c.AllToAllFloats(sendFloats)
	if partner == c.Rank() {
		return nil, nil
	}
	ints := recvInts[partner]
	floats := recvFloats[partner]
	if len(ints) == 0 {
		return nil, nil
	}
	n := ints[0]
	var out []*regionVertex
	ii, fi := 1, 0
	for v := 0; v < n; v++ {
		gid, deg := ints[ii], ints[ii+1]
		ii += 2
		nbr := append([]int(nil), ints[ii:ii+deg]...)
		ii += deg
		weight, distVal := floats[fi], floats[fi+1]
		fi += 2
		nbrW := append([]float64(nil), floats[fi:fi+deg]...)
		fi += deg
		out = append(out, &regionVertex{
			gid:    gid,
			weight: weight,
			dist:   distVal,
			block:  partner,
			nbr:    nbr,
			nbrW:   nbrW,
		})
	}
	if ii != len(ints) || fi != len(floats) {
		return nil, errors.Newf("malformed region payload from rank %d", partner)
	}
	return out, nil
}

// moveCandidate orders the gain queue: higher gain first, then farther
// from the block centre (geometric tie-break), then smaller id.
type moveCandidate struct {
	idx  int
	gain float64
	dist float64
	gid  int
}

type moveQueue struct {
	items     []moveCandidate
	geometric bool
}

func (q *moveQueue) Len() int { return len(q.items) }
func (q *moveQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.gain != b.gain {
		return a.gain > b.gain
	}
	if q.geometric && a.dist != b.dist {
		return a.dist > b.dist
	}
	return a.gid < b.gid
}
func (q *moveQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *moveQueue) Push(x interface{}) {
	q.items = append(q.items, x.(moveCandidate))
}
func (q *moveQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	item := old[n-1]
	q.items = old[:n-1]
	return item
}

// runTwoWayFM executes the deterministic FM pass on the replicated region
// and leaves the accepted assignment in the vertices' block fields. Both
// sides of the pair arrive at the identical move sequence. Returns the cut
// improvement of the accepted move prefix.
func runTwoWayFM(vertices []*regionVertex, d dist.Distribution, p, q int, blockWeights []float64, maxBlockWeight float64, s config.Settings) float64 {
	n := len(vertices)
	index := make(map[int]int, n)
	for i, v := range vertices {
		index[v.gid] = i
	}

	// per vertex: connection weight to each side, split into edges inside
	// the region (dynamic) and fixed ones outside it
	toBlock := make([][2]float64, n) // [0] -> block p, [1] -> block q
	side := func(block int) int {
		if block == p {
			return 0
		}
		return 1
	}
	for i, v := range vertices {
		for e, nbrGid := range v.nbr {
			w := v.nbrW[e]
			if j, ok := index[nbrGid]; ok {
				toBlock[i][side(vertices[j].block)] += w
				continue
			}
			owner := d.Owner(nbrGid)
			if owner == p {
				toBlock[i][0] += w
			} else if owner == q {
				toBlock[i][1] += w
			}
			// other blocks are unaffected by a p<->q move
		}
	}

	gainOf := func(i int) float64 {
		own := side(vertices[i].block)
		return toBlock[i][1-own] - toBlock[i][own]
	}

	queue := &moveQueue{geometric: s.UseGeometricTieBreaking}
	moved := make([]bool, n)
	for i, v := range vertices {
		heap.Push(queue, moveCandidate{idx: i, gain: gainOf(i), dist: v.dist, gid: v.gid})
	}

	weights := [2]float64{blockWeights[p], blockWeights[q]}
	type step struct {
		idx  int
		gain float64
	}
	var sequence []step
	cumulative, best := 0.0, 0.0
	bestStep := -1

	for queue.Len() > 0 {
		cand := heap.Pop(queue).(moveCandidate)
		i := cand.idx
		if moved[i] {
			continue
		}
		if cand.gain != gainOf(i) {
			// stale entry, reinsert with the current gain
			heap.Push(queue, moveCandidate{idx: i, gain: gainOf(i), dist: cand.dist, gid: cand.gid})
			continue
		}
		own := side(vertices[i].block)
		target := 1 - own
		if weights[target]+vertices[i].weight > maxBlockWeight {
			// balance envelope would break; drop unless gain outweighs
			// balance and the move still shrinks the spread
			if !s.GainOverBalance || weights[target] > weights[own] {
				continue
			}
		}
		moved[i] = true
		if vertices[i].block == p {
			vertices[i].block = q
		} else {
			vertices[i].block = p
		}
		weights[own] -= vertices[i].weight
		weights[target] += vertices[i].weight
		cumulative += cand.gain
		sequence = append(sequence, step{idx: i, gain: cand.gain})
		if cumulative > best {
			best = cumulative
			bestStep = len(sequence) - 1
		}
		// update the neighbours still in play
		for e, nbrGid := range vertices[i].nbr {
			if j, ok := index[nbrGid]; ok && !moved[j] {
				toBlock[j][own] -= vertices[i].nbrW[e]
				toBlock[j][target] += vertices[i].nbrW[e]
				heap.Push(queue, moveCandidate{idx: j, gain: gainOf(j), dist: vertices[j].dist, gid: vertices[j].gid})
			}
		}
	}

	// roll back everything after the best prefix; a non-positive best
	// discards the whole pass
	for si := len(sequence) - 1; si > bestStep; si-- {
		i := sequence[si].idx
		if vertices[i].block == p {
			vertices[i].block = q
		} else {
			vertices[i].block = p
		}
	}
	if bestStep < 0 {
		return 0
	}
	return best
}

// migrate moves the listed local vertices to the partner and receives the
// partner's moves, rebuilding the distribution so the partition again
// equals it. All ranks participate; idle ranks pass nil.
func migrate(c *comm.Comm, data *Data, movedOut, movedIn []int) error {
	outSet := make(map[int]struct{}, len(movedOut))
	for _, gid := range movedOut {
		outSet[gid] = struct{}{}
	}
	var owned []int
	for _, gid := range data.Graph.RowDist.OwnedIndices() {
		if _, gone := outSet[gid]; !gone {
			owned = append(owned, gid)
		}
	}
	owned = append(owned, movedIn...)
	newDist, err := dist.NewGeneral(c, data.Graph.RowDist.GlobalSize(), owned)
	if err != nil {
		return errors.Wrap(err, "migrate")
	}
	plan := dist.BuildPlan(c, data.Graph.RowDist, newDist)
	newGraph, err := data.Graph.Redistribute(c, newDist)
	if err != nil {
		return err
	}
	data.Weights = plan.ApplyFloats(c, data.Weights)
	for d := range data.Coords {
		data.Coords[d] = plan.ApplyFloats(c, data.Coords[d])
	}
	if data.Distances != nil {
		dv := plan.ApplyFloats(c, dist.FloatVec{Dist: data.Graph.RowDist, Local: data.Distances})
		data.Distances = dv.Local
	}
	if data.Origin.Local != nil {
		data.Origin = plan.ApplyInts(c, data.Origin)
	}
	data.Graph = newGraph
	data.Part = dist.NewIntVec(newDist, c.Rank())
	return nil
}
