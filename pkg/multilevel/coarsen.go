package multilevel

import (
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/fabratu/geographer/pkg/comm"
	"github.com/fabratu/geographer/pkg/dist"
	"github.com/fabratu/geographer/pkg/graph"
)

// localCSR is the working copy of the local rows during contraction.
// Column ids stay global; eliminated rows become empty.
type localCSR struct {
	ia     []int
	ja     []int
	values []float64
}

func copyLocal(g *graph.CSR) *localCSR {
	return &localCSR{
		ia:     append([]int(nil), g.IA...),
		ja:     append([]int(nil), g.JA...),
		values: append([]float64(nil), g.Values...),
	}
}

// maxLocalMatching greedily matches each unmatched local vertex to the
// unmatched local neighbour maximising w(u,v)^2 / (weight(u)*weight(v)).
// Pairs are returned as (smaller, larger) local indices.
func maxLocalMatching(g *localCSR, d dist.Distribution, nodeWeights []float64) [][2]int {
	localN := len(g.ia) - 1
	matched := make([]bool, localN)
	var matching [][2]int
	for v := 0; v < localN; v++ {
		if matched[v] {
			continue
		}
		bestTarget := -1
		maxRating := -1.0
		for j := g.ia[v]; j < g.ia[v+1]; j++ {
			u := d.Global2Local(g.ja[j])
			if u < 0 || u == v || matched[u] {
				continue
			}
			rating := g.values[j] * g.values[j] / (nodeWeights[v] * nodeWeights[u])
			if bestTarget < 0 || rating > maxRating {
				bestTarget = u
				maxRating = rating
			}
		}
		if bestTarget >= 0 {
			matched[v] = true
			matched[bestTarget] = true
			if v < bestTarget {
				matching = append(matching, [2]int{v, bestTarget})
			} else {
				matching = append(matching, [2]int{bestTarget, v})
			}
		}
	}
	return matching
}

// Coarsen contracts the graph by `iterations` rounds of local heavy-edge
// matching and rebuilds the globally consistent coarse CSR. The returned
// map assigns every fine vertex its coarse global id; matching heads and
// unmatched vertices are preserved.
func Coarsen(c *comm.Comm, g *graph.CSR, nodeWeights dist.FloatVec, halo *graph.Halo, iterations int) (*graph.CSR, dist.IntVec, error) {
	if err := dist.CheckAligned(g.RowDist, nodeWeights.Dist); err != nil {
		return nil, dist.IntVec{}, errors.Wrap(err, "coarsen")
	}
	localN := g.NumLocalRows()
	d := g.RowDist

	weights := append([]float64(nil), nodeWeights.Local...)
	preserved := make([]bool, localN)
	for i := range preserved {
		preserved[i] = true
	}
	// localFineToCoarse[i] = surviving local representative of vertex i
	localFineToCoarse := make([]int, localN)
	for i := range localFineToCoarse {
		localFineToCoarse[i] = i
	}
	work := copyLocal(g)

	for it := 0; it < iterations; it++ {
		matching := maxLocalMatching(work, d, weights)
		partner := make([]int, localN)
		for i := range partner {
			partner[i] = -1
		}
		for _, pair := range matching {
			partner[pair[0]] = pair[1]
			partner[pair[1]] = pair[0]
			// the smaller index survives
			preserved[pair[1]] = false
		}

		outgoing := make([]map[int]float64, localN)
		newLocalF2C := make([]int, localN)
		for i := 0; i < localN; i++ {
			var coarseNode int
			if preserved[i] {
				coarseNode = i
				newLocalF2C[i] = i
			} else {
				coarseNode = partner[i]
				if coarseNode == -1 {
					// eliminated in an earlier round
					newLocalF2C[i] = newLocalF2C[localFineToCoarse[i]]
					continue
				}
				weights[coarseNode] += weights[i]
				newLocalF2C[i] = coarseNode
			}
			if outgoing[coarseNode] == nil {
				outgoing[coarseNode] = make(map[int]float64)
			}
			for j := work.ia[i]; j < work.ia[i+1]; j++ {
				target := work.ja[j]
				if lt := d.Global2Local(target); lt >= 0 && !preserved[lt] {
					survivor := partner[lt]
					if survivor == -1 {
						survivor = localFineToCoarse[lt]
					}
					target = d.Local2Global(survivor)
				}
				if target == d.Local2Global(coarseNode) {
					continue // contracted edge becomes a self-loop, drop it
				}
				outgoing[coarseNode][target] += work.values[j]
			}
		}
		localFineToCoarse = newLocalF2C

		// rebuild the working CSR from the edge maps
		ia := make([]int, localN+1)
		var ja []int
		var values []float64
		for i := 0; i < localN; i++ {
			if outgoing[i] != nil && preserved[i] {
				cols := make([]int, 0, len(outgoing[i]))
				for col := range outgoing[i] {
					cols = append(cols, col)
				}
				sort.Ints(cols)
				for _, col := range cols {
					ja = append(ja, col)
					values = append(values, outgoing[i][col])
				}
			}
			ia[i+1] = len(ja)
		}
		work = &localCSR{ia: ia, ja: ja, values: values}
	}

	// assign contracted global ids via a prefix sum over the preserved flags
	tmpDist := dist.NewGenBlock(c, localN)
	flags := dist.IntVec{Dist: tmpDist, Local: make([]int, localN)}
	for i, p := range preserved {
		if p {
			flags.Local[i] = 1
		}
	}
	prefix, err := dist.GlobalPrefixSum(c, flags, 0)
	if err != nil {
		return nil, dist.IntVec{}, err
	}
	newGlobalN := c.SumInt(sumInts(flags.Local))

	fineToCoarse := dist.NewIntVec(d, -1)
	for i := 0; i < localN; i++ {
		fineToCoarse.Local[i] = prefix.Local[localFineToCoarse[i]]
	}

	// coarse ids of the imported fine neighbours
	haloF2C := halo.UpdateInts(c, fineToCoarse.Local)

	coarseDist, err := ProjectToCoarseDist(c, fineToCoarse, newGlobalN)
	if err != nil {
		return nil, dist.IntVec{}, err
	}

	// build the coarse CSR from the preserved rows of the working graph
	type rowEdges struct {
		cid   int
		edges map[int]float64
	}
	rows := make([]rowEdges, 0, coarseDist.LocalSize())
	for i := 0; i < localN; i++ {
		if !preserved[i] {
			continue
		}
		own := fineToCoarse.Local[i]
		edges := make(map[int]float64)
		for j := work.ia[i]; j < work.ia[i+1]; j++ {
			var cid int
			if lt := d.Global2Local(work.ja[j]); lt >= 0 {
				cid = fineToCoarse.Local[lt]
			} else {
				h := halo.Global2Halo(work.ja[j])
				if h < 0 {
					return nil, dist.IntVec{}, errors.Newf("neighbour %d missing from halo", work.ja[j])
				}
				cid = haloF2C[h]
			}
			if cid == own {
				continue
			}
			edges[cid] += work.values[j]
		}
		rows = append(rows, rowEdges{cid: own, edges: edges})
	}
	sort.Slice(rows, func(a, b int) bool { return rows[a].cid < rows[b].cid })

	ia := make([]int, len(rows)+1)
	var ja []int
	var values []float64
	for r, row := range rows {
		if coarseDist.Global2Local(row.cid) != r {
			return nil, dist.IntVec{}, errors.Newf("coarse row %d out of order", row.cid)
		}
		cols := make([]int, 0, len(row.edges))
		for col := range row.edges {
			cols = append(cols, col)
		}
		sort.Ints(cols)
		for _, col := range cols {
			ja = append(ja, col)
			values = append(values, row.edges[col])
		}
		ia[r+1] = len(ja)
	}
	coarse := &graph.CSR{RowDist: coarseDist, IA: ia, JA: ja, Values: values}
	return coarse, fineToCoarse, nil
}

func sumInts(xs []int) int {
	s := 0
	for _, x := range xs {
		s += x
	}
	return s
}
