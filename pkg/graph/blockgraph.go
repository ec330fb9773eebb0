package graph

import (
	"github.com/cockroachdb/errors"

	"github.com/fabratu/geographer/pkg/comm"
	"github.com/fabratu/geographer/pkg/dist"
)

// BlockGraph aggregates cut weights between blocks into a replicated
// symmetric k x k CSR. Entry (a,b) is the summed weight of edges crossing
// from block a to block b. Isolated block-graph vertices receive a unit
// self-loop so colouring and spectral routines never see isolates.
func BlockGraph(c *comm.Comm, g *CSR, part dist.IntVec, k int) (*CSR, error) {
	if err := dist.CheckAligned(g.RowDist, part.Dist); err != nil {
		return nil, errors.Wrap(err, "blockGraph")
	}
	halo := BuildHalo(c, g)
	haloPart := halo.UpdateInts(c, part.Local)

	dense := make([]float64, k*k)
	for lid := 0; lid < g.NumLocalRows(); lid++ {
		a := part.Local[lid]
		cols, vals := g.Row(lid)
		for j, col := range cols {
			var b int
			if l := g.RowDist.Global2Local(col); l >= 0 {
				b = part.Local[l]
			} else {
				b = haloPart[halo.Global2Halo(col)]
			}
			if a != b {
				// symmetric storage: the reverse direction is accumulated
				// by the edge's other endpoint, which every edge has since
				// the input is symmetric
				dense[a*k+b] += vals[j]
			}
		}
	}
	dense = c.AllReduceFloats(comm.Sum, dense)
	// restore exact symmetry lost to one-directional input edges
	for a := 0; a < k; a++ {
		for b := a + 1; b < k; b++ {
			m := (dense[a*k+b] + dense[b*k+a]) / 2
			dense[a*k+b] = m
			dense[b*k+a] = m
		}
	}
	return denseToReplicatedCSR(c, dense, k), nil
}

// denseToReplicatedCSR converts a dense k x k weight table into a
// replicated CSR, inserting unit self-loops on isolated vertices.
func denseToReplicatedCSR(c *comm.Comm, dense []float64, k int) *CSR {
	ia := make([]int, k+1)
	var ja []int
	var values []float64
	for a := 0; a < k; a++ {
		deg := 0
		for b := 0; b < k; b++ {
			if a != b && dense[a*k+b] != 0 {
				ja = append(ja, b)
				values = append(values, dense[a*k+b])
				deg++
			}
		}
		if deg == 0 {
			ja = append(ja, a)
			values = append(values, 1)
			deg = 1
		}
		ia[a+1] = ia[a] + deg
	}
	return &CSR{RowDist: dist.NewReplicated(c, k), IA: ia, JA: ja, Values: values}
}

// PEGraph is the process graph: BlockGraph with p(v) = owner rank. The
// result is distributed block-wise, one row per process.
func PEGraph(c *comm.Comm, g *CSR) *CSR {
	p := c.Size()
	dense := make([]float64, p*p)
	self := c.Rank()
	for lid := 0; lid < g.NumLocalRows(); lid++ {
		cols, vals := g.Row(lid)
		for j, col := range cols {
			other := g.RowDist.Owner(col)
			if other != self {
				dense[self*p+other] += vals[j]
				dense[other*p+self] += vals[j]
			}
		}
	}
	dense = c.AllReduceFloats(comm.Sum, dense)
	// cross-process edges were accumulated once per endpoint
	for i := range dense {
		dense[i] /= 2
	}
	rep := denseToReplicatedCSR(c, dense, p)
	// reinterpret the replicated rows under a block distribution
	blk := dist.NewBlock(c, p)
	start, end := c.Rank(), c.Rank()+1
	ia := make([]int, 2)
	ia[1] = rep.IA[end] - rep.IA[start]
	return &CSR{
		RowDist: blk,
		IA:      ia,
		JA:      append([]int(nil), rep.JA[rep.IA[start]:rep.IA[end]]...),
		Values:  append([]float64(nil), rep.Values[rep.IA[start]:rep.IA[end]]...),
	}
}

// PEGraphReplicated returns the full process graph on every rank, as needed
// by the communication schedule.
func PEGraphReplicated(c *comm.Comm, g *CSR) *CSR {
	p := c.Size()
	dense := make([]float64, p*p)
	self := c.Rank()
	for lid := 0; lid < g.NumLocalRows(); lid++ {
		cols, vals := g.Row(lid)
		for j, col := range cols {
			other := g.RowDist.Owner(col)
			if other != self {
				dense[self*p+other] += vals[j]
				dense[other*p+self] += vals[j]
			}
		}
	}
	dense = c.AllReduceFloats(comm.Sum, dense)
	for i := range dense {
		dense[i] /= 2
	}
	return denseToReplicatedCSR(c, dense, p)
}

// MaxDegree returns the maximum row degree of a replicated graph,
// self-loops excluded.
func MaxDegree(g *CSR) int {
	maxDeg := 0
	for lid := 0; lid < g.NumLocalRows(); lid++ {
		cols, _ := g.Row(lid)
		deg := 0
		row := g.RowDist.Local2Global(lid)
		for _, col := range cols {
			if col != row {
				deg++
			}
		}
		if deg > maxDeg {
			maxDeg = deg
		}
	}
	return maxDeg
}

// MaxComm bounds the communication volume per process: the maximum degree
// of the block graph.
func MaxComm(c *comm.Comm, g *CSR, part dist.IntVec, k int) (int, error) {
	bg, err := BlockGraph(c, g, part, k)
	if err != nil {
		return 0, err
	}
	return MaxDegree(bg), nil
}

// TotalComm is the total communication: the number of block graph edges.
func TotalComm(c *comm.Comm, g *CSR, part dist.IntVec, k int) (int, error) {
	bg, err := BlockGraph(c, g, part, k)
	if err != nil {
		return 0, err
	}
	edges := 0
	for lid := 0; lid < bg.NumLocalRows(); lid++ {
		cols, _ := bg.Row(lid)
		row := bg.RowDist.Local2Global(lid)
		for _, col := range cols {
			if col != row {
				edges++
			}
		}
	}
	return edges / 2, nil
}
