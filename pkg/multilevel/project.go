package multilevel

import (
	"github.com/cockroachdb/errors"

	"github.com/fabratu/geographer/pkg/comm"
	"github.com/fabratu/geographer/pkg/dist"
)

// ProjectToCoarseDist derives the coarse distribution implied by a
// fine-to-coarse map: each rank owns the coarse images of its fine
// vertices. Contraction is local, so the image sets are disjoint.
func ProjectToCoarseDist(c *comm.Comm, fineToCoarse dist.IntVec, coarseGlobalN int) (*dist.General, error) {
	owned := dist.UniqueSorted(fineToCoarse.Local)
	return dist.NewGeneral(c, coarseGlobalN, owned)
}

// ProjectToCoarse averages fine values sharing a coarse id.
func ProjectToCoarse(c *comm.Comm, input dist.FloatVec, fineToCoarse dist.IntVec, coarseDist dist.Distribution) (dist.FloatVec, error) {
	if err := dist.CheckAligned(input.Dist, fineToCoarse.Dist); err != nil {
		return dist.FloatVec{}, errors.Wrap(err, "projectToCoarse")
	}
	sum := make([]float64, coarseDist.LocalSize())
	count := make([]int, coarseDist.LocalSize())
	for i, v := range input.Local {
		lid := coarseDist.Global2Local(fineToCoarse.Local[i])
		if lid < 0 {
			return dist.FloatVec{}, errors.Newf("coarse id %d not local", fineToCoarse.Local[i])
		}
		sum[lid] += v
		count[lid]++
	}
	out := make([]float64, len(sum))
	for i := range sum {
		if count[i] > 0 {
			out[i] = sum[i] / float64(count[i])
		}
	}
	return dist.FloatVec{Dist: coarseDist, Local: out}, nil
}

// SumToCoarse sums fine weights onto their coarse image.
func SumToCoarse(c *comm.Comm, input dist.FloatVec, fineToCoarse dist.IntVec, coarseDist dist.Distribution) (dist.FloatVec, error) {
	if err := dist.CheckAligned(input.Dist, fineToCoarse.Dist); err != nil {
		return dist.FloatVec{}, errors.Wrap(err, "sumToCoarse")
	}
	out := make([]float64, coarseDist.LocalSize())
	for i, v := range input.Local {
		lid := coarseDist.Global2Local(fineToCoarse.Local[i])
		if lid < 0 {
			return dist.FloatVec{}, errors.Newf("coarse id %d not local", fineToCoarse.Local[i])
		}
		out[lid] += v
	}
	return dist.FloatVec{Dist: coarseDist, Local: out}, nil
}

// ProjectToFine lifts a coarse distribution to the fine space: rank p owns
// fine vertex i iff p owns its coarse image.
func ProjectToFine(c *comm.Comm, coarse dist.Distribution, fineToCoarse dist.IntVec) (*dist.General, error) {
	fineDist := fineToCoarse.Dist
	p := c.Size()
	send := make([][]int, p)
	for lid, cid := range fineToCoarse.Local {
		dest := coarse.Owner(cid)
		send[dest] = append(send[dest], fineDist.Local2Global(lid))
	}
	recv := c.AllToAllInts(send)
	var owned []int
	for _, part := range recv {
		owned = append(owned, part...)
	}
	return dist.NewGeneral(c, fineDist.GlobalSize(), owned)
}

// FineTargets computes, per fine vertex, the rank it must migrate to so
// that the fine distribution follows the refined coarse one. coarseOrigin
// lives on the post-refinement coarse distribution; its values name the
// pre-refinement owner of each coarse vertex, which is where the matching
// fineToCoarse entries still reside.
func FineTargets(c *comm.Comm, coarseOrigin dist.IntVec, fineToCoarse dist.IntVec) (dist.IntVec, error) {
	p := c.Size()
	// inform the original owner where each coarse vertex now lives
	send := make([][]int, p)
	for lid, origin := range coarseOrigin.Local {
		gid := coarseOrigin.Dist.Local2Global(lid)
		send[origin] = append(send[origin], gid, c.Rank())
	}
	recv := c.AllToAllInts(send)
	target := make(map[int]int)
	for _, part := range recv {
		for i := 0; i < len(part); i += 2 {
			target[part[i]] = part[i+1]
		}
	}
	out := dist.NewIntVec(fineToCoarse.Dist, -1)
	for i, cid := range fineToCoarse.Local {
		t, ok := target[cid]
		if !ok {
			return dist.IntVec{}, errors.Newf("no target recorded for coarse vertex %d", cid)
		}
		out.Local[i] = t
	}
	return out, nil
}

// DistFromTargets builds the fine distribution where every vertex lives on
// its target rank.
func DistFromTargets(c *comm.Comm, targets dist.IntVec) (*dist.General, error) {
	p := c.Size()
	send := make([][]int, p)
	for lid, t := range targets.Local {
		send[t] = append(send[t], targets.Dist.Local2Global(lid))
	}
	recv := c.AllToAllInts(send)
	var owned []int
	for _, part := range recv {
		owned = append(owned, part...)
	}
	return dist.NewGeneral(c, targets.Dist.GlobalSize(), owned)
}
