package graph

import (
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/fabratu/geographer/pkg/comm"
	"github.com/fabratu/geographer/pkg/dist"
)

// CSR is a sparse adjacency matrix distributed by rows. Column indices are
// global: a local row may reference any global column (the column space is
// replicated). Invariants for adjacency use: symmetric, non-negative
// weights, zero diagonal.
type CSR struct {
	RowDist dist.Distribution
	IA      []int
	JA      []int
	Values  []float64
}

// NewCSR wraps local storage. IA must have LocalSize+1 entries.
func NewCSR(rowDist dist.Distribution, ia, ja []int, values []float64) (*CSR, error) {
	if len(ia) != rowDist.LocalSize()+1 {
		return nil, errors.Newf("ia has %d entries for %d local rows", len(ia), rowDist.LocalSize())
	}
	if len(ja) != len(values) || len(ja) != ia[len(ia)-1] {
		return nil, errors.Newf("ja/values length %d/%d does not match ia end %d", len(ja), len(values), ia[len(ia)-1])
	}
	return &CSR{RowDist: rowDist, IA: ia, JA: ja, Values: values}, nil
}

// NumLocalRows returns the number of locally stored rows.
func (g *CSR) NumLocalRows() int { return len(g.IA) - 1 }

// GlobalN returns the number of rows (and columns) of the global matrix.
func (g *CSR) GlobalN() int { return g.RowDist.GlobalSize() }

// NumLocalEdges returns the number of locally stored nonzeros.
func (g *CSR) NumLocalEdges() int { return len(g.JA) }

// NumGlobalEdges counts undirected edges: each edge is stored twice.
func (g *CSR) NumGlobalEdges(c *comm.Comm) int {
	return c.SumInt(g.NumLocalEdges()) / 2
}

// Row returns the column indices and values of local row lid.
func (g *CSR) Row(lid int) ([]int, []float64) {
	return g.JA[g.IA[lid]:g.IA[lid+1]], g.Values[g.IA[lid]:g.IA[lid+1]]
}

// Redistribute moves rows to the target distribution. Column indices are
// untouched. Rows are exchanged whole: (gid, degree, cols, values).
func (g *CSR) Redistribute(c *comm.Comm, target dist.Distribution) (*CSR, error) {
	if g.RowDist.GlobalSize() != target.GlobalSize() {
		return nil, errors.Wrap(dist.ErrDistributionMismatch, "redistribute size")
	}
	p := c.Size()
	// header per row: gid, degree; payload: columns / values
	sendHead := make([][]int, p)
	sendCols := make([][]int, p)
	sendVals := make([][]float64, p)
	for lid := 0; lid < g.NumLocalRows(); lid++ {
		gid := g.RowDist.Local2Global(lid)
		dest := target.Owner(gid)
		cols, vals := g.Row(lid)
		sendHead[dest] = append(sendHead[dest], gid, len(cols))
		sendCols[dest] = append(sendCols[dest], cols...)
		sendVals[dest] = append(sendVals[dest], vals...)
	}
	recvHead := c.AllToAllInts(sendHead)
	recvCols := c.AllToAllInts(sendCols)
	recvVals := c.AllToAllFloats(sendVals)

	type row struct {
		gid  int
		cols []int
		vals []float64
	}
	rows := make([]row, 0, target.LocalSize())
	for r := 0; r < p; r++ {
		head := recvHead[r]
		cols := recvCols[r]
		vals := recvVals[r]
		off := 0
		for h := 0; h < len(head); h += 2 {
			gid, deg := head[h], head[h+1]
			rows = append(rows, row{gid: gid, cols: cols[off : off+deg], vals: vals[off : off+deg]})
			off += deg
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].gid < rows[j].gid })
	if len(rows) != target.LocalSize() {
		return nil, errors.Newf("received %d rows, target owns %d", len(rows), target.LocalSize())
	}
	ia := make([]int, len(rows)+1)
	var ja []int
	var values []float64
	for i, rw := range rows {
		if target.Global2Local(rw.gid) != i {
			return nil, errors.Newf("row %d landed out of order", rw.gid)
		}
		ia[i+1] = ia[i] + len(rw.cols)
		ja = append(ja, rw.cols...)
		values = append(values, rw.vals...)
	}
	return &CSR{RowDist: target, IA: ia, JA: ja, Values: values}, nil
}
