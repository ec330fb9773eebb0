package dist

import (
	"sort"

	"github.com/fabratu/geographer/pkg/comm"
)

// FloatVec is a distributed dense vector of float64 values. Local holds the
// values of the owned indices in Local2Global order.
type FloatVec struct {
	Dist  Distribution
	Local []float64
}

// IntVec is a distributed dense vector of int values.
type IntVec struct {
	Dist  Distribution
	Local []int
}

// NewFloatVec returns a vector of the given constant value.
func NewFloatVec(d Distribution, fill float64) FloatVec {
	local := make([]float64, d.LocalSize())
	for i := range local {
		local[i] = fill
	}
	return FloatVec{Dist: d, Local: local}
}

// NewIntVec returns a vector of the given constant value.
func NewIntVec(d Distribution, fill int) IntVec {
	local := make([]int, d.LocalSize())
	for i := range local {
		local[i] = fill
	}
	return IntVec{Dist: d, Local: local}
}

// Sum reduces the vector globally.
func (v FloatVec) Sum(c *comm.Comm) float64 {
	s := 0.0
	for _, x := range v.Local {
		s += x
	}
	return c.SumFloat(s)
}

// Max reduces the vector globally. Returns the global maximum.
func (v IntVec) Max(c *comm.Comm) int {
	m := 0
	first := true
	for _, x := range v.Local {
		if first || x > m {
			m = x
			first = false
		}
	}
	if first {
		m = -1 << 62
	}
	return c.MaxInt(m)
}

// Plan captures a redistribution: which local indices go to which rank, and
// how received values map into the target local ordering. Building it costs
// one all-to-all of index lists; applying it costs one all-to-all of values.
type Plan struct {
	target   Distribution
	sendLoc  [][]int // per dest rank, source-local indices in send order
	recvDest [][]int // per source rank, target-local destinations in recv order
}

// BuildPlan computes the exchange from src to target. Both describe the same
// global index space.
func BuildPlan(c *comm.Comm, src, target Distribution) *Plan {
	p := c.Size()
	sendLoc := make([][]int, p)
	sendGid := make([][]int, p)
	for lid := 0; lid < src.LocalSize(); lid++ {
		gid := src.Local2Global(lid)
		dest := target.Owner(gid)
		sendLoc[dest] = append(sendLoc[dest], lid)
		sendGid[dest] = append(sendGid[dest], gid)
	}
	recvGid := c.AllToAllInts(sendGid)
	recvDest := make([][]int, p)
	for r := 0; r < p; r++ {
		recvDest[r] = make([]int, len(recvGid[r]))
		for i, gid := range recvGid[r] {
			recvDest[r][i] = target.Global2Local(gid)
		}
	}
	return &Plan{target: target, sendLoc: sendLoc, recvDest: recvDest}
}

// Target returns the distribution values land on.
func (p *Plan) Target() Distribution { return p.target }

// ApplyFloats redistributes v along the plan.
func (p *Plan) ApplyFloats(c *comm.Comm, v FloatVec) FloatVec {
	send := make([][]float64, len(p.sendLoc))
	for r, idxs := range p.sendLoc {
		if len(idxs) == 0 {
			continue
		}
		send[r] = make([]float64, len(idxs))
		for i, lid := range idxs {
			send[r][i] = v.Local[lid]
		}
	}
	recv := c.AllToAllFloats(send)
	out := make([]float64, p.target.LocalSize())
	for r, vals := range recv {
		for i, val := range vals {
			out[p.recvDest[r][i]] = val
		}
	}
	return FloatVec{Dist: p.target, Local: out}
}

// ApplyInts redistributes v along the plan.
func (p *Plan) ApplyInts(c *comm.Comm, v IntVec) IntVec {
	send := make([][]int, len(p.sendLoc))
	for r, idxs := range p.sendLoc {
		if len(idxs) == 0 {
			continue
		}
		send[r] = make([]int, len(idxs))
		for i, lid := range idxs {
			send[r][i] = v.Local[lid]
		}
	}
	recv := c.AllToAllInts(send)
	out := make([]int, p.target.LocalSize())
	for r, vals := range recv {
		for i, val := range vals {
			out[p.recvDest[r][i]] = val
		}
	}
	return IntVec{Dist: p.target, Local: out}
}

// GlobalPrefixSum returns the exclusive prefix sum of v in global index
// order, distributed like v. Only block-like distributions carry a global
// ordering, so anything else is rejected.
//
// result[i] (at global index i) equals sum of v[j] for j < i, plus offset.
func GlobalPrefixSum(c *comm.Comm, v IntVec, offset int) (IntVec, error) {
	if !IsBlockLike(v.Dist) {
		return IntVec{}, ErrDistributionMismatch
	}
	localN := len(v.Local)
	prefix := make([]int, localN)
	run := 0
	for i, x := range v.Local {
		prefix[i] = run
		run += x
	}
	// exchange per-rank totals, offset by the sum of all lower ranks
	totals := c.AllReduceInts(comm.Sum, oneHot(c, run))
	myOffset := offset
	for r := 0; r < c.Rank(); r++ {
		myOffset += totals[r]
	}
	for i := range prefix {
		prefix[i] += myOffset
	}
	return IntVec{Dist: v.Dist, Local: prefix}, nil
}

// InclusivePrefixSum is GlobalPrefixSum shifted to include the own element:
// result[i] equals the sum of v[j] for j <= i, plus offset.
func InclusivePrefixSum(c *comm.Comm, v IntVec, offset int) (IntVec, error) {
	out, err := GlobalPrefixSum(c, v, offset)
	if err != nil {
		return IntVec{}, err
	}
	for i := range out.Local {
		out.Local[i] += v.Local[i]
	}
	return out, nil
}

// UniqueSorted deduplicates a sorted-or-not int slice, returning a sorted
// copy without repetitions.
func UniqueSorted(xs []int) []int {
	if len(xs) == 0 {
		return nil
	}
	out := append([]int(nil), xs...)
	sort.Ints(out)
	w := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[w-1] {
			out[w] = out[i]
			w++
		}
	}
	return out[:w]
}
