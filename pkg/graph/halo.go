package graph

import (
	"sort"

	"github.com/fabratu/geographer/pkg/comm"
	"github.com/fabratu/geographer/pkg/dist"
)

// Halo describes the non-local neighbourhood a rank must import to work on
// its local rows consistently. Required lists the imported global indices
// (sorted); Update fetches their current values from the owners.
type Halo struct {
	Required []int
	g2h      map[int]int
	// requiredBy[r] = subset of Required owned by rank r, in recv order
	requiredBy [][]int
	// provideTo[r] = local indices rank r requested from us, in send order
	provideTo [][]int
}

// Global2Halo returns the halo slot of gid, or -1 if gid is not imported.
func (h *Halo) Global2Halo(gid int) int {
	if idx, ok := h.g2h[gid]; ok {
		return idx
	}
	return -1
}

// NumRequired returns the import count.
func (h *Halo) NumRequired() int { return len(h.Required) }

// BuildHalo scans the local adjacency for non-owned columns and exchanges
// require/provide index lists with the owning ranks.
func BuildHalo(c *comm.Comm, g *CSR) *Halo {
	seen := make(map[int]struct{})
	var required []int
	for _, gid := range g.JA {
		if g.RowDist.IsLocal(gid) {
			continue
		}
		if _, ok := seen[gid]; !ok {
			seen[gid] = struct{}{}
			required = append(required, gid)
		}
	}
	sort.Ints(required)
	return buildHaloFromRequired(c, g.RowDist, required)
}

// buildHaloFromRequired assembles a halo for an explicit import set.
func buildHaloFromRequired(c *comm.Comm, d dist.Distribution, required []int) *Halo {
	p := c.Size()
	requiredBy := make([][]int, p)
	for _, gid := range required {
		owner := d.Owner(gid)
		requiredBy[owner] = append(requiredBy[owner], gid)
	}
	requests := c.AllToAllInts(requiredBy)
	provideTo := make([][]int, p)
	for r := 0; r < p; r++ {
		provideTo[r] = make([]int, len(requests[r]))
		for i, gid := range requests[r] {
			provideTo[r][i] = d.Global2Local(gid)
		}
	}
	g2h := make(map[int]int, len(required))
	for i, gid := range required {
		g2h[gid] = i
	}
	return &Halo{Required: required, g2h: g2h, requiredBy: requiredBy, provideTo: provideTo}
}

// UpdateInts imports the halo values of a local int array.
func (h *Halo) UpdateInts(c *comm.Comm, local []int) []int {
	send := make([][]int, len(h.provideTo))
	for r, idxs := range h.provideTo {
		if len(idxs) == 0 {
			continue
		}
		send[r] = make([]int, len(idxs))
		for i, lid := range idxs {
			send[r][i] = local[lid]
		}
	}
	recv := c.AllToAllInts(send)
	out := make([]int, len(h.Required))
	for r, vals := range recv {
		for i, v := range vals {
			out[h.g2h[h.requiredBy[r][i]]] = v
		}
	}
	return out
}

// UpdateFloats imports the halo values of a local float array.
func (h *Halo) UpdateFloats(c *comm.Comm, local []float64) []float64 {
	send := make([][]float64, len(h.provideTo))
	for r, idxs := range h.provideTo {
		if len(idxs) == 0 {
			continue
		}
		send[r] = make([]float64, len(idxs))
		for i, lid := range idxs {
			send[r][i] = local[lid]
		}
	}
	recv := c.AllToAllFloats(send)
	out := make([]float64, len(h.Required))
	for r, vals := range recv {
		for i, v := range vals {
			out[h.g2h[h.requiredBy[r][i]]] = v
		}
	}
	return out
}

// CoarsenHalo composes an existing fine halo with a fine-to-coarse id map:
// the result imports the coarse images of the previously imported fine
// vertices, under the coarse distribution. haloFineToCoarse holds the
// coarse ids of the fine halo entries, as returned by
// halo.UpdateInts(c, fineToCoarse).
func CoarsenHalo(c *comm.Comm, coarseDist dist.Distribution, fineHalo *Halo, haloFineToCoarse []int) *Halo {
	var required []int
	seen := make(map[int]struct{})
	for _, cg := range haloFineToCoarse {
		if coarseDist.IsLocal(cg) {
			continue
		}
		if _, ok := seen[cg]; !ok {
			seen[cg] = struct{}{}
			required = append(required, cg)
		}
	}
	sort.Ints(required)
	return buildHaloFromRequired(c, coarseDist, required)
}
