package dist

import (
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/fabratu/geographer/pkg/comm"
)

// ErrDistributionMismatch marks fatal layout disagreements between
// co-distributed data. Checked at entry of every public operation.
var ErrDistributionMismatch = errors.New("distribution mismatch")

// Distribution describes how a global index space [0,N) is split over the
// ranks of a group. Implementations are immutable and cheap to share.
type Distribution interface {
	GlobalSize() int
	LocalSize() int
	// Owner returns the rank owning the global index. Purely local.
	Owner(gid int) int
	IsLocal(gid int) bool
	// Global2Local returns the local index of gid, or -1 if not local.
	Global2Local(gid int) int
	Local2Global(lid int) int
	// OwnedIndices returns the sorted global indices owned by this rank.
	OwnedIndices() []int
	Equal(other Distribution) bool
	Rank() int
	NumRanks() int
}

// Block is the even contiguous distribution: rank r owns
// [r*N/P, (r+1)*N/P).
type Block struct {
	globalN int
	rank    int
	p       int
}

func NewBlock(c *comm.Comm, globalN int) *Block {
	return &Block{globalN: globalN, rank: c.Rank(), p: c.Size()}
}

func (b *Block) lb(r int) int { return r * b.globalN / b.p }

func (b *Block) GlobalSize() int { return b.globalN }
func (b *Block) LocalSize() int  { return b.lb(b.rank+1) - b.lb(b.rank) }
func (b *Block) Rank() int       { return b.rank }
func (b *Block) NumRanks() int   { return b.p }

func (b *Block) Owner(gid int) int {
	// gid >= r*N/P  <=>  r <= gid*P/N; candidates differ by at most one
	r := gid * b.p / b.globalN
	if r >= b.p {
		r = b.p - 1
	}
	for r > 0 && gid < b.lb(r) {
		r--
	}
	for r+1 < b.p && gid >= b.lb(r+1) {
		r++
	}
	return r
}

func (b *Block) IsLocal(gid int) bool { return gid >= b.lb(b.rank) && gid < b.lb(b.rank+1) }

func (b *Block) Global2Local(gid int) int {
	if !b.IsLocal(gid) {
		return -1
	}
	return gid - b.lb(b.rank)
}

func (b *Block) Local2Global(lid int) int { return b.lb(b.rank) + lid }

func (b *Block) OwnedIndices() []int {
	out := make([]int, b.LocalSize())
	for i := range out {
		out[i] = b.lb(b.rank) + i
	}
	return out
}

func (b *Block) Equal(other Distribution) bool {
	o, ok := other.(*Block)
	if ok {
		return o.globalN == b.globalN && o.p == b.p
	}
	return genericEqual(b, other)
}

// GenBlock is a contiguous distribution with arbitrary per-rank sizes.
// offsets has length P+1; rank r owns [offsets[r], offsets[r+1]).
type GenBlock struct {
	offsets []int
	rank    int
}

// NewGenBlock builds the distribution collectively from each rank's local
// size.
func NewGenBlock(c *comm.Comm, localN int) *GenBlock {
	sizes := c.AllReduceInts(comm.Sum, oneHot(c, localN))
	offsets := make([]int, c.Size()+1)
	for r := 0; r < c.Size(); r++ {
		offsets[r+1] = offsets[r] + sizes[r]
	}
	return &GenBlock{offsets: offsets, rank: c.Rank()}
}

func oneHot(c *comm.Comm, v int) []int {
	x := make([]int, c.Size())
	x[c.Rank()] = v
	return x
}

func (g *GenBlock) GlobalSize() int { return g.offsets[len(g.offsets)-1] }
func (g *GenBlock) LocalSize() int  { return g.offsets[g.rank+1] - g.offsets[g.rank] }
func (g *GenBlock) Rank() int       { return g.rank }
func (g *GenBlock) NumRanks() int   { return len(g.offsets) - 1 }

func (g *GenBlock) Owner(gid int) int {
	return sort.SearchInts(g.offsets[1:], gid+1)
}

func (g *GenBlock) IsLocal(gid int) bool {
	return gid >= g.offsets[g.rank] && gid < g.offsets[g.rank+1]
}

func (g *GenBlock) Global2Local(gid int) int {
	if !g.IsLocal(gid) {
		return -1
	}
	return gid - g.offsets[g.rank]
}

func (g *GenBlock) Local2Global(lid int) int { return g.offsets[g.rank] + lid }

func (g *GenBlock) OwnedIndices() []int {
	out := make([]int, g.LocalSize())
	for i := range out {
		out[i] = g.offsets[g.rank] + i
	}
	return out
}

func (g *GenBlock) Equal(other Distribution) bool {
	o, ok := other.(*GenBlock)
	if ok {
		if len(o.offsets) != len(g.offsets) {
			return false
		}
		for i := range g.offsets {
			if g.offsets[i] != o.offsets[i] {
				return false
			}
		}
		return true
	}
	return genericEqual(g, other)
}

// General owns an arbitrary sorted set of global indices per rank. The
// owner table is assembled collectively once and shared read-only.
type General struct {
	globalN int
	owned   []int // sorted
	g2l     map[int]int
	owners  []int32 // replicated: owners[gid] = rank
	rank    int
	p       int
}

// NewGeneral builds the distribution collectively from each rank's owned
// global indices. The sets must partition [0,globalN).
func NewGeneral(c *comm.Comm, globalN int, owned []int) (*General, error) {
	sortedOwned := append([]int(nil), owned...)
	sort.Ints(sortedOwned)
	all := c.AllGatherInts(sortedOwned)
	owners := make([]int32, globalN)
	for i := range owners {
		owners[i] = -1
	}
	total := 0
	for r, idxs := range all {
		total += len(idxs)
		for _, gid := range idxs {
			if gid < 0 || gid >= globalN {
				return nil, errors.Newf("owned index %d out of range [0,%d)", gid, globalN)
			}
			if owners[gid] != -1 {
				return nil, errors.Newf("index %d owned by both rank %d and %d", gid, owners[gid], r)
			}
			owners[gid] = int32(r)
		}
	}
	if total != globalN {
		return nil, errors.Newf("owned sets cover %d of %d indices", total, globalN)
	}
	g2l := make(map[int]int, len(sortedOwned))
	for lid, gid := range sortedOwned {
		g2l[gid] = lid
	}
	return &General{
		globalN: globalN,
		owned:   sortedOwned,
		g2l:     g2l,
		owners:  owners,
		rank:    c.Rank(),
		p:       c.Size(),
	}, nil
}

func (g *General) GlobalSize() int { return g.globalN }
func (g *General) LocalSize() int  { return len(g.owned) }
func (g *General) Rank() int       { return g.rank }
func (g *General) NumRanks() int   { return g.p }

func (g *General) Owner(gid int) int { return int(g.owners[gid]) }

func (g *General) IsLocal(gid int) bool { return int(g.owners[gid]) == g.rank }

func (g *General) Global2Local(gid int) int {
	if lid, ok := g.g2l[gid]; ok {
		return lid
	}
	return -1
}

func (g *General) Local2Global(lid int) int { return g.owned[lid] }

func (g *General) OwnedIndices() []int { return g.owned }

func (g *General) Equal(other Distribution) bool { return genericEqual(g, other) }

// Replicated models the "no-distribution": every rank holds the full index
// space. Used for replicated small matrices like the block graph.
type Replicated struct {
	globalN int
	rank    int
	p       int
}

func NewReplicated(c *comm.Comm, globalN int) *Replicated {
	return &Replicated{globalN: globalN, rank: c.Rank(), p: c.Size()}
}

func (r *Replicated) GlobalSize() int          { return r.globalN }
func (r *Replicated) LocalSize() int           { return r.globalN }
func (r *Replicated) Rank() int                { return r.rank }
func (r *Replicated) NumRanks() int            { return r.p }
func (r *Replicated) Owner(gid int) int        { return r.rank }
func (r *Replicated) IsLocal(gid int) bool     { return gid >= 0 && gid < r.globalN }
func (r *Replicated) Global2Local(gid int) int { return gid }
func (r *Replicated) Local2Global(lid int) int { return lid }

func (r *Replicated) OwnedIndices() []int {
	out := make([]int, r.globalN)
	for i := range out {
		out[i] = i
	}
	return out
}

func (r *Replicated) Equal(other Distribution) bool {
	o, ok := other.(*Replicated)
	return ok && o.globalN == r.globalN
}

// genericEqual compares two distributions by their local index sets. Cheap
// for the common same-type cases which are handled before falling through.
func genericEqual(a, b Distribution) bool {
	if a.GlobalSize() != b.GlobalSize() || a.LocalSize() != b.LocalSize() {
		return false
	}
	ai := a.OwnedIndices()
	bi := b.OwnedIndices()
	for i := range ai {
		if ai[i] != bi[i] {
			return false
		}
	}
	return true
}

// CheckAligned returns ErrDistributionMismatch unless all distributions
// equal the first.
func CheckAligned(ds ...Distribution) error {
	for i := 1; i < len(ds); i++ {
		if !ds[0].Equal(ds[i]) {
			return errors.Wrapf(ErrDistributionMismatch, "vector %d", i)
		}
	}
	return nil
}

// IsBlockLike reports whether the distribution assigns contiguous,
// rank-ordered ranges, as required by global prefix sums.
func IsBlockLike(d Distribution) bool {
	switch d.(type) {
	case *Block, *GenBlock:
		return true
	}
	return false
}
