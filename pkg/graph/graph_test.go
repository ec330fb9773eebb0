package graph

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabratu/geographer/pkg/comm"
	"github.com/fabratu/geographer/pkg/dist"
)

// pathGraph builds the path 0-1-...-n-1 with unit weights, block
// distributed.
func pathGraph(c *comm.Comm, n int) *CSR {
	d := dist.NewBlock(c, n)
	ia := []int{0}
	var ja []int
	var values []float64
	for lid := 0; lid < d.LocalSize(); lid++ {
		gid := d.Local2Global(lid)
		if gid > 0 {
			ja = append(ja, gid-1)
			values = append(values, 1)
		}
		if gid < n-1 {
			ja = append(ja, gid+1)
			values = append(values, 1)
		}
		ia = append(ia, len(ja))
	}
	g, err := NewCSR(d, ia, ja, values)
	if err != nil {
		panic(err)
	}
	return g
}

// completeGraph builds K_n with unit weights.
func completeGraph(c *comm.Comm, n int) *CSR {
	d := dist.NewBlock(c, n)
	ia := []int{0}
	var ja []int
	var values []float64
	for lid := 0; lid < d.LocalSize(); lid++ {
		gid := d.Local2Global(lid)
		for other := 0; other < n; other++ {
			if other == gid {
				continue
			}
			ja = append(ja, other)
			values = append(values, 1)
		}
		ia = append(ia, len(ja))
	}
	g, err := NewCSR(d, ia, ja, values)
	if err != nil {
		panic(err)
	}
	return g
}

func TestHaloImportsNonLocalNeighbours(t *testing.T) {
	err := comm.Run(3, 1, func(c *comm.Comm) error {
		g := pathGraph(c, 12)
		halo := BuildHalo(c, g)
		for _, gid := range halo.Required {
			if g.RowDist.IsLocal(gid) {
				return errors.Newf("halo imports local vertex %d", gid)
			}
		}
		// halo update must deliver the owner's value
		local := make([]int, g.NumLocalRows())
		for lid := range local {
			local[lid] = g.RowDist.Local2Global(lid) * 3
		}
		imported := halo.UpdateInts(c, local)
		for i, gid := range halo.Required {
			if imported[i] != gid*3 {
				return errors.Newf("halo value for %d: got %d", gid, imported[i])
			}
		}
		// every non-local neighbour must be resolvable
		for _, col := range g.JA {
			if !g.RowDist.IsLocal(col) && halo.Global2Halo(col) < 0 {
				return errors.Newf("neighbour %d missing", col)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestComputeCutCompleteGraph(t *testing.T) {
	// K100 over 10 ranks with partition i mod 10: all edges between
	// different residues are cut, 10 blocks of 10 leave
	// 100*99/2 - 10*45 = 4500 cross-block edges
	var cut float64
	err := comm.Run(10, 1, func(c *comm.Comm) error {
		g := completeGraph(c, 100)
		part := dist.NewIntVec(g.RowDist, 0)
		for lid := range part.Local {
			part.Local[lid] = g.RowDist.Local2Global(lid) % 10
		}
		v, err := ComputeCut(c, g, part, true)
		if err != nil {
			return err
		}
		if c.Rank() == 0 {
			cut = v
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4500.0, cut)
}

func TestComputeImbalanceExtremes(t *testing.T) {
	const n, k = 10000, 10
	var balanced, allInOne float64
	err := comm.Run(4, 1, func(c *comm.Comm) error {
		d := dist.NewBlock(c, n)
		weights := dist.NewFloatVec(d, 1)
		part := dist.NewIntVec(d, 0)
		for lid := range part.Local {
			part.Local[lid] = d.Local2Global(lid) % k
		}
		b, err := ComputeImbalance(c, part, k, weights)
		if err != nil {
			return err
		}
		one, err := ComputeImbalance(c, dist.NewIntVec(d, 0), k, weights)
		if err != nil {
			return err
		}
		if c.Rank() == 0 {
			balanced, allInOne = b, one
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, balanced)
	assert.Equal(t, float64(k-1), allInOne)
}

func TestBlockGraphSymmetry(t *testing.T) {
	const n, k = 24, 4
	var entries [][]float64
	err := comm.Run(3, 1, func(c *comm.Comm) error {
		g := pathGraph(c, n)
		part := dist.NewIntVec(g.RowDist, 0)
		for lid := range part.Local {
			part.Local[lid] = g.RowDist.Local2Global(lid) * k / n
		}
		bg, err := BlockGraph(c, g, part, k)
		if err != nil {
			return err
		}
		if c.Rank() == 0 {
			entries = make([][]float64, k)
			for a := 0; a < k; a++ {
				entries[a] = make([]float64, k)
				cols, vals := bg.Row(a)
				for j, b := range cols {
					entries[a][b] = vals[j]
				}
			}
		}
		return nil
	})
	require.NoError(t, err)
	for a := 0; a < k; a++ {
		for b := 0; b < k; b++ {
			assert.Equal(t, entries[a][b], entries[b][a], "B(%d,%d)", a, b)
		}
	}
	// consecutive 6-vertex chunks of a path share exactly one edge
	assert.Equal(t, 1.0, entries[0][1])
	assert.Equal(t, 0.0, entries[0][2])
}

func TestBlockGraphIsolatedSelfLoop(t *testing.T) {
	err := comm.Run(2, 1, func(c *comm.Comm) error {
		// two disconnected path components, one per block: the block graph
		// has no cross edges, so both vertices need self-loops
		d := dist.NewBlock(c, 8)
		ia := []int{0}
		var ja []int
		var values []float64
		for lid := 0; lid < d.LocalSize(); lid++ {
			gid := d.Local2Global(lid)
			comp := gid / 4
			if gid > comp*4 {
				ja = append(ja, gid-1)
				values = append(values, 1)
			}
			if gid < comp*4+3 {
				ja = append(ja, gid+1)
				values = append(values, 1)
			}
			ia = append(ia, len(ja))
		}
		g, err := NewCSR(d, ia, ja, values)
		if err != nil {
			return err
		}
		part := dist.NewIntVec(d, 0)
		for lid := range part.Local {
			part.Local[lid] = d.Local2Global(lid) / 4
		}
		bg, err := BlockGraph(c, g, part, 2)
		if err != nil {
			return err
		}
		for a := 0; a < 2; a++ {
			cols, _ := bg.Row(a)
			if len(cols) != 1 || cols[0] != a {
				return errors.Newf("block %d expected a self-loop, got %v", a, cols)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestPEGraphMarksNeighbouringRanks(t *testing.T) {
	err := comm.Run(3, 1, func(c *comm.Comm) error {
		g := pathGraph(c, 12)
		pe := PEGraphReplicated(c, g)
		// a path split into three consecutive ranges: rank 1 touches both
		cols, _ := pe.Row(1)
		if len(cols) != 2 || cols[0] != 0 || cols[1] != 2 {
			return errors.Newf("rank 1 neighbours: %v", cols)
		}
		cols, _ = pe.Row(0)
		if len(cols) != 1 || cols[0] != 1 {
			return errors.Newf("rank 0 neighbours: %v", cols)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestBorderNodes(t *testing.T) {
	err := comm.Run(2, 1, func(c *comm.Comm) error {
		g := pathGraph(c, 10)
		part := dist.NewIntVec(g.RowDist, 0)
		for lid := range part.Local {
			if g.RowDist.Local2Global(lid) >= 5 {
				part.Local[lid] = 1
			}
		}
		border, err := BorderNodes(c, g, part)
		if err != nil {
			return err
		}
		for lid, isBorder := range border.Local {
			gid := g.RowDist.Local2Global(lid)
			want := 0
			if gid == 4 || gid == 5 {
				want = 1
			}
			if isBorder != want {
				return errors.Newf("vertex %d border flag %d", gid, isBorder)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestRedistributeRows(t *testing.T) {
	err := comm.Run(2, 1, func(c *comm.Comm) error {
		g := pathGraph(c, 8)
		var owned []int
		for gid := c.Rank(); gid < 8; gid += 2 {
			owned = append(owned, gid)
		}
		target, err := dist.NewGeneral(c, 8, owned)
		if err != nil {
			return err
		}
		moved, err := g.Redistribute(c, target)
		if err != nil {
			return err
		}
		if moved.NumLocalRows() != 4 {
			return errors.Newf("expected 4 rows, got %d", moved.NumLocalRows())
		}
		for lid := 0; lid < moved.NumLocalRows(); lid++ {
			gid := moved.RowDist.Local2Global(lid)
			cols, _ := moved.Row(lid)
			wantDeg := 2
			if gid == 0 || gid == 7 {
				wantDeg = 1
			}
			if len(cols) != wantDeg {
				return errors.Newf("vertex %d degree %d", gid, len(cols))
			}
		}
		return nil
	})
	require.NoError(t, err)
}

