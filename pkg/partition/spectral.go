package partition

import (
	"sort"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/fabratu/geographer/pkg/comm"
	"github.com/fabratu/geographer/pkg/config"
	"github.com/fabratu/geographer/pkg/dist"
	"github.com/fabratu/geographer/pkg/graph"
	"github.com/fabratu/geographer/pkg/multilevel"
)

// spectralPartition orders the pixels of the coarse proxy by the Fiedler
// vector of the pixel-graph Laplacian and cuts the order into k chunks of
// equal accumulated density. Points inherit their pixel's block. The
// eigenproblem is replicated and tiny (L^D pixels), so every rank solves
// it identically.
func spectralPartition(c *comm.Comm, g *graph.CSR, coords []dist.FloatVec, weights dist.FloatVec, s config.Settings) (dist.IntVec, error) {
	grid, err := multilevel.PixeledCoarsen(c, g, coords, weights, s)
	if err != nil {
		return dist.IntVec{}, err
	}
	fiedler, err := fiedlerVector(grid.Graph)
	if err != nil {
		return dist.IntVec{}, err
	}

	numPixels := grid.NumPixels()
	order := make([]int, numPixels)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		if fiedler[order[a]] != fiedler[order[b]] {
			return fiedler[order[a]] < fiedler[order[b]]
		}
		return order[a] < order[b]
	})

	total := 0.0
	for _, d := range grid.Density {
		total += d
	}
	share := total / float64(s.NumBlocks)
	blocks := make([]int, numPixels)
	run := 0.0
	for _, p := range order {
		b := int((run + grid.Density[p]/2) / share)
		if b >= s.NumBlocks {
			b = s.NumBlocks - 1
		}
		blocks[p] = b
		run += grid.Density[p]
	}

	part := dist.NewIntVec(weights.Dist, 0)
	for i, pixel := range grid.PixelOf {
		part.Local[i] = blocks[pixel]
	}
	return part, nil
}

// fiedlerVector returns the eigenvector of the second-smallest eigenvalue
// of the Laplacian L = D - W of a replicated graph.
func fiedlerVector(g *graph.CSR) ([]float64, error) {
	n := g.NumLocalRows()
	if n < 2 {
		return nil, errors.Wrap(config.ErrConfig, "spectral partition needs at least two pixels")
	}
	lap := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		cols, vals := g.Row(i)
		degree := 0.0
		for j, col := range cols {
			if col == i {
				continue
			}
			degree += vals[j]
			if col > i {
				lap.SetSym(i, col, -vals[j])
			}
		}
		lap.SetSym(i, i, degree)
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(lap, true); !ok {
		return nil, errors.New("eigendecomposition of the pixel Laplacian failed")
	}
	var vectors mat.Dense
	eig.VectorsTo(&vectors)
	// eigenvalues are ascending: column 1 belongs to the Fiedler value
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = vectors.At(i, 1)
	}
	// fix the sign for determinism: first nonzero entry positive
	for i := 0; i < n; i++ {
		if out[i] != 0 {
			if out[i] < 0 {
				for j := range out {
					out[j] = -out[j]
				}
			}
			break
		}
	}
	return out, nil
}
