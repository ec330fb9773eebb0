package fileio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabratu/geographer/pkg/comm"
	"github.com/fabratu/geographer/pkg/dist"
)

func TestReadMETISGraph(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "square.graph")
	// a 4-cycle: 1-2-3-4-1
	content := "4 4\n2 4\n1 3\n2 4\n1 3\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	err := comm.Run(2, 1, func(c *comm.Comm) error {
		g, weights, err := ReadGraph(c, path, "metis")
		if err != nil {
			return err
		}
		if g.GlobalN() != 4 {
			return errors.Newf("n = %d", g.GlobalN())
		}
		if weights.Local != nil {
			return errors.New("no node weights expected")
		}
		if got := g.NumGlobalEdges(c); got != 4 {
			return errors.Newf("m = %d", got)
		}
		for lid := 0; lid < g.NumLocalRows(); lid++ {
			cols, _ := g.Row(lid)
			if len(cols) != 2 {
				return errors.Newf("vertex %d degree %d", g.RowDist.Local2Global(lid), len(cols))
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestReadMETISWithWeights(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weighted.graph")
	// fmt 011: node weights and edge weights
	content := "3 2 011\n5 2 1.5\n2 1 1.5 3 2.5\n7 2 2.5\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	err := comm.Run(1, 1, func(c *comm.Comm) error {
		g, weights, err := ReadGraph(c, path, "metis")
		if err != nil {
			return err
		}
		if weights.Local == nil {
			return errors.New("node weights missing")
		}
		if weights.Local[0] != 5 || weights.Local[1] != 2 || weights.Local[2] != 7 {
			return errors.Newf("weights %v", weights.Local)
		}
		cols, vals := g.Row(0)
		if len(cols) != 1 || cols[0] != 1 || vals[0] != 1.5 {
			return errors.Newf("row 0: %v %v", cols, vals)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestReadMETISIsolatedVertex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "isolated.graph")
	content := "3 1\n2\n1\n\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	err := comm.Run(1, 1, func(c *comm.Comm) error {
		g, _, err := ReadGraph(c, path, "metis")
		if err != nil {
			return err
		}
		cols, _ := g.Row(2)
		if len(cols) != 0 {
			return errors.Newf("vertex 3 must be isolated, got %v", cols)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestReadMatrixMarket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "square.mtx")
	content := "%%MatrixMarket matrix coordinate real symmetric\n4 4 4\n1 2 1\n2 3 1\n3 4 1\n4 1 1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	err := comm.Run(2, 1, func(c *comm.Comm) error {
		g, _, err := ReadGraph(c, path, "matrixmarket")
		if err != nil {
			return err
		}
		if g.GlobalN() != 4 || g.NumGlobalEdges(c) != 4 {
			return errors.Newf("n=%d", g.GlobalN())
		}
		return nil
	})
	require.NoError(t, err)
}

func TestReadGraphRejectsMissingFile(t *testing.T) {
	err := comm.Run(1, 1, func(c *comm.Comm) error {
		_, _, err := ReadGraph(c, "/nonexistent/file.graph", "metis")
		if !errors.Is(err, ErrInput) {
			return errors.New("missing file must map to ErrInput")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestReadCoords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "points.xyz")
	content := "0.5 1.5\n2.5 3.5\n4.5 5.5\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	err := comm.Run(2, 1, func(c *comm.Comm) error {
		coords, err := ReadCoords(c, path, 3, 2)
		if err != nil {
			return err
		}
		for lid := 0; lid < coords[0].Dist.LocalSize(); lid++ {
			gid := coords[0].Dist.Local2Global(lid)
			if coords[0].Local[lid] != float64(gid)*2+0.5 {
				return errors.Newf("x of point %d: %g", gid, coords[0].Local[lid])
			}
			if coords[1].Local[lid] != float64(gid)*2+1.5 {
				return errors.Newf("y of point %d: %g", gid, coords[1].Local[lid])
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestWriteAndRereadPartition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "part.txt")
	err := comm.Run(2, 1, func(c *comm.Comm) error {
		d := dist.NewBlock(c, 6)
		part := dist.NewIntVec(d, 0)
		for lid := range part.Local {
			part.Local[lid] = d.Local2Global(lid) % 3
		}
		return WritePartition(c, path, part)
	})
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0\n1\n2\n0\n1\n2\n", string(data))
}

func TestStructuredMeshIsSymmetric(t *testing.T) {
	err := comm.Run(2, 1, func(c *comm.Comm) error {
		g, coords, err := CreateStructuredMesh(c, 4, 3, 2, 3)
		if err != nil {
			return err
		}
		if g.GlobalN() != 24 || len(coords) != 3 {
			return errors.Newf("mesh shape n=%d dims=%d", g.GlobalN(), len(coords))
		}
		// symmetry: for every local edge (u,v), v's row holds u. Collect
		// the full edge set on every rank for the check.
		var flat []int
		for lid := 0; lid < g.NumLocalRows(); lid++ {
			cols, _ := g.Row(lid)
			gid := g.RowDist.Local2Global(lid)
			for _, col := range cols {
				flat = append(flat, gid, col)
			}
		}
		all := c.AllGatherInts(flat)
		edges := make(map[[2]int]bool)
		for _, chunk := range all {
			for i := 0; i < len(chunk); i += 2 {
				edges[[2]int{chunk[i], chunk[i+1]}] = true
			}
		}
		for e := range edges {
			if !edges[[2]int{e[1], e[0]}] {
				return errors.Newf("edge %v lacks its reverse", e)
			}
			if e[0] == e[1] {
				return errors.Newf("self-loop at %d", e[0])
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestRandomMeshKeepsAdjacency(t *testing.T) {
	err := comm.Run(2, 3, func(c *comm.Comm) error {
		g, coords, err := CreateRandomStructuredMesh(c, 4, 4, 1, 2)
		if err != nil {
			return err
		}
		if g.GlobalN() != 16 {
			return errors.Newf("n=%d", g.GlobalN())
		}
		// perturbation stays below half a cell, so points remain distinct
		if len(coords) != 2 {
			return errors.New("dims")
		}
		return nil
	})
	require.NoError(t, err)
}
