package multilevel

import (
	"math"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/fabratu/geographer/pkg/comm"
	"github.com/fabratu/geographer/pkg/config"
	"github.com/fabratu/geographer/pkg/dist"
	"github.com/fabratu/geographer/pkg/graph"
)

// epsilonPixelEdge keeps isolated pixels connected so downstream colouring
// and spectral routines terminate.
const epsilonPixelEdge = 0.01

// PixelGrid is the replicated coarse proxy: a cartesian grid of side L in
// D dimensions with point densities per pixel and accumulated edge weights
// between pixel neighbours.
type PixelGrid struct {
	SideLen    int
	Dimensions int
	Graph      *graph.CSR // replicated, L^D vertices
	Density    []float64  // accumulated node weight per pixel
	// PixelOf[i] is the pixel of local point i
	PixelOf []int
}

// NumPixels returns L^D.
func (pg *PixelGrid) NumPixels() int { return len(pg.Density) }

// PixeledCoarsen maps every point to a fixed-resolution grid cell and
// accumulates densities and inter-pixel edge weights. One D-dimensional
// pass; pixel index is the row-major rank of the scaled coordinates.
func PixeledCoarsen(c *comm.Comm, g *graph.CSR, coords []dist.FloatVec, weights dist.FloatVec, s config.Settings) (*PixelGrid, error) {
	dims := len(coords)
	if dims != s.Dimensions {
		return nil, errors.Wrapf(config.ErrConfig, "coordinate dimension %d != settings %d", dims, s.Dimensions)
	}
	ds := []dist.Distribution{g.RowDist}
	for _, cv := range coords {
		ds = append(ds, cv.Dist)
	}
	ds = append(ds, weights.Dist)
	if err := dist.CheckAligned(ds...); err != nil {
		return nil, errors.Wrap(err, "pixeledCoarsen")
	}

	sideLen := s.PixeledSideLen
	cube := 1
	for d := 0; d < dims; d++ {
		cube *= sideLen
	}
	localN := g.NumLocalRows()

	minCoords := make([]float64, dims)
	maxCoords := make([]float64, dims)
	for d := 0; d < dims; d++ {
		minCoords[d] = math.Inf(1)
		maxCoords[d] = math.Inf(-1)
		for _, v := range coords[d].Local {
			if v < minCoords[d] {
				minCoords[d] = v
			}
			if v > maxCoords[d] {
				maxCoords[d] = v
			}
		}
	}
	minCoords = c.AllReduceFloats(comm.Min, minCoords)
	maxCoords = c.AllReduceFloats(comm.Max, maxCoords)

	pixelOfPoint := func(point []float64) int {
		pixel := 0
		for d := 0; d < dims; d++ {
			span := maxCoords[d] - minCoords[d]
			scaled := 0
			if span > 0 {
				scaled = int((point[d] - minCoords[d]) / span * float64(sideLen))
				if scaled >= sideLen {
					scaled = sideLen - 1
				}
			}
			pixel = pixel*sideLen + scaled
		}
		return pixel
	}

	// densities and pixel membership of local points
	density := make([]float64, cube)
	pixelOf := make([]int, localN)
	point := make([]float64, dims)
	for i := 0; i < localN; i++ {
		for d := 0; d < dims; d++ {
			point[d] = coords[d].Local[i]
		}
		pixelOf[i] = pixelOfPoint(point)
		density[pixelOf[i]] += weights.Local[i]
	}

	// inter-pixel edge weights: the pixel of a non-local neighbour comes
	// from the coordinate halo
	halo := graph.BuildHalo(c, g)
	haloCoords := make([][]float64, dims)
	for d := 0; d < dims; d++ {
		haloCoords[d] = halo.UpdateFloats(c, coords[d].Local)
	}
	// grid adjacency with accumulated weights, replicated via reduction
	neighbours := func(pixel int) []int {
		var out []int
		rest := pixel
		coord := make([]int, dims)
		for d := dims - 1; d >= 0; d-- {
			coord[d] = rest % sideLen
			rest /= sideLen
		}
		stride := 1
		for d := dims - 1; d >= 0; d-- {
			if coord[d] > 0 {
				out = append(out, pixel-stride)
			}
			if coord[d] < sideLen-1 {
				out = append(out, pixel+stride)
			}
			stride *= sideLen
		}
		return out
	}

	// flatten the sparse accumulation into a reducible vector: one slot per
	// grid edge, ordered (pixel, higher neighbour)
	type gridEdge struct{ a, b int }
	var edgeList []gridEdge
	edgeSlot := make(map[[2]int]int)
	for p := 0; p < cube; p++ {
		for _, q := range neighbours(p) {
			if q > p {
				edgeSlot[[2]int{p, q}] = len(edgeList)
				edgeList = append(edgeList, gridEdge{a: p, b: q})
			}
		}
	}
	weightsFlat := make([]float64, len(edgeList))
	notCounted := 0.0
	for i := 0; i < localN; i++ {
		cols, vals := g.Row(i)
		for j, col := range cols {
			if l := g.RowDist.Global2Local(col); l >= 0 {
				for d := 0; d < dims; d++ {
					point[d] = coords[d].Local[l]
				}
			} else {
				h := halo.Global2Halo(col)
				for d := 0; d < dims; d++ {
					point[d] = haloCoords[d][h]
				}
			}
			nbrPixel := pixelOfPoint(point)
			if nbrPixel == pixelOf[i] {
				continue
			}
			a, b := pixelOf[i], nbrPixel
			if a > b {
				a, b = b, a
			}
			if slot, ok := edgeSlot[[2]int{a, b}]; ok {
				// each undirected input edge is visited from both
				// endpoints, halving restores the single-count weight
				weightsFlat[slot] += vals[j] / 2
			} else {
				// endpoints share only a corner or are further apart
				notCounted += vals[j] / 2
			}
		}
	}
	weightsFlat = c.AllReduceFloats(comm.Sum, weightsFlat)
	density = c.AllReduceFloats(comm.Sum, density)
	_ = c.SumFloat(notCounted)

	// assemble the replicated pixel CSR; zero-weight grid edges get the
	// epsilon weight so no pixel is isolated
	adj := make([]map[int]float64, cube)
	for slot, e := range edgeList {
		w := weightsFlat[slot]
		if w == 0 {
			w = epsilonPixelEdge
		}
		if adj[e.a] == nil {
			adj[e.a] = make(map[int]float64)
		}
		if adj[e.b] == nil {
			adj[e.b] = make(map[int]float64)
		}
		adj[e.a][e.b] = w
		adj[e.b][e.a] = w
	}
	ia := make([]int, cube+1)
	var ja []int
	var values []float64
	for p := 0; p < cube; p++ {
		var cols []int
		for q := range adj[p] {
			cols = append(cols, q)
		}
		sort.Ints(cols)
		for _, q := range cols {
			ja = append(ja, q)
			values = append(values, adj[p][q])
		}
		ia[p+1] = len(ja)
	}
	pixelGraph := &graph.CSR{RowDist: dist.NewReplicated(c, cube), IA: ia, JA: ja, Values: values}
	return &PixelGrid{
		SideLen:    sideLen,
		Dimensions: dims,
		Graph:      pixelGraph,
		Density:    density,
		PixelOf:    pixelOf,
	}, nil
}
