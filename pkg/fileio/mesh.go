package fileio

import (
	"github.com/cockroachdb/errors"

	"github.com/fabratu/geographer/pkg/comm"
	"github.com/fabratu/geographer/pkg/dist"
	"github.com/fabratu/geographer/pkg/graph"
)

// CreateStructuredMesh builds a regular grid graph with unit edge weights
// and integer grid coordinates, distributed block-wise. In two dimensions
// numZ is ignored.
func CreateStructuredMesh(c *comm.Comm, numX, numY, numZ, dims int) (*graph.CSR, []dist.FloatVec, error) {
	if numX < 1 || numY < 1 || (dims == 3 && numZ < 1) {
		return nil, nil, errors.Newf("invalid mesh extent %dx%dx%d", numX, numY, numZ)
	}
	if dims != 2 && dims != 3 {
		return nil, nil, errors.Newf("unsupported dimension %d", dims)
	}
	ext := []int{numX, numY}
	if dims == 3 {
		ext = append(ext, numZ)
	}
	n := 1
	for _, e := range ext {
		n *= e
	}
	d := dist.NewBlock(c, n)

	// row-major id: x outermost
	toID := func(coord []int) int {
		id := 0
		for dd := 0; dd < dims; dd++ {
			id = id*ext[dd] + coord[dd]
		}
		return id
	}
	fromID := func(id int) []int {
		coord := make([]int, dims)
		for dd := dims - 1; dd >= 0; dd-- {
			coord[dd] = id % ext[dd]
			id /= ext[dd]
		}
		return coord
	}

	ia := []int{0}
	var ja []int
	var values []float64
	coords := make([]dist.FloatVec, dims)
	for dd := range coords {
		coords[dd] = dist.FloatVec{Dist: d, Local: make([]float64, 0, d.LocalSize())}
	}
	for lid := 0; lid < d.LocalSize(); lid++ {
		gid := d.Local2Global(lid)
		coord := fromID(gid)
		for dd := 0; dd < dims; dd++ {
			coords[dd].Local = append(coords[dd].Local, float64(coord[dd]))
		}
		for dd := 0; dd < dims; dd++ {
			if coord[dd] > 0 {
				coord[dd]--
				ja = append(ja, toID(coord))
				values = append(values, 1)
				coord[dd]++
			}
			if coord[dd] < ext[dd]-1 {
				coord[dd]++
				ja = append(ja, toID(coord))
				values = append(values, 1)
				coord[dd]--
			}
		}
		ia = append(ia, len(ja))
	}
	g, err := graph.NewCSR(d, ia, ja, values)
	if err != nil {
		return nil, nil, err
	}
	return g, coords, nil
}

// CreateRandomStructuredMesh perturbs the grid coordinates by up to half a
// cell, keeping the grid adjacency. Each rank perturbs its own points with
// its deterministic stream.
func CreateRandomStructuredMesh(c *comm.Comm, numX, numY, numZ, dims int) (*graph.CSR, []dist.FloatVec, error) {
	g, coords, err := CreateStructuredMesh(c, numX, numY, numZ, dims)
	if err != nil {
		return nil, nil, err
	}
	rng := c.RNG()
	for dd := range coords {
		for i := range coords[dd].Local {
			coords[dd].Local[i] += (rng.Float64() - 0.5) * 0.9
		}
	}
	return g, coords, nil
}
