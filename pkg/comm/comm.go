package comm

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/rand"
)

// Op selects the reduction applied by the AllReduce family.
type Op int

const (
	Sum Op = iota
	Min
	Max
)

// ErrAborted names the condition of a group released after another rank
// failed. Run does not return it: it reports the failing rank's own error.
var ErrAborted = errors.New("collective group aborted")

// World holds the shared state of a fixed group of SPMD ranks. All collective
// calls synchronise through it; every rank must reach them in the same
// program order.
type World struct {
	size int
	seed uint64

	mu      sync.Mutex
	cond    *sync.Cond
	count   int
	gen     int
	aborted bool
	err     error

	// contribution slots, one per rank, valid between two barrier phases
	slots []interface{}
}

type abortPanic struct{}

func newWorld(size int, seed uint64) *World {
	w := &World{
		size:  size,
		seed:  seed,
		slots: make([]interface{}, size),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// await blocks until all ranks arrive. Panics with abortPanic if the group
// was aborted; Run recovers this in the rank goroutine.
func (w *World) await() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.aborted {
		panic(abortPanic{})
	}
	gen := w.gen
	w.count++
	if w.count == w.size {
		w.count = 0
		w.gen++
		w.cond.Broadcast()
		return
	}
	for gen == w.gen && !w.aborted {
		w.cond.Wait()
	}
	if w.aborted {
		panic(abortPanic{})
	}
}

func (w *World) abort(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
	w.aborted = true
	w.cond.Broadcast()
}

// Comm is one rank's handle on the group. It is not safe for concurrent use
// within a rank; each rank is single-threaded with respect to the core.
type Comm struct {
	rank  int
	world *World
	rng   *rand.Rand
}

func (c *Comm) Rank() int { return c.rank }

func (c *Comm) Size() int { return c.world.size }

// Seed returns the group seed broadcast from rank 0 at startup.
func (c *Comm) Seed() uint64 { return c.world.seed }

// RNG returns this rank's deterministic random stream, derived from the
// group seed so that runs with the same inputs reproduce exactly.
func (c *Comm) RNG() *rand.Rand { return c.rng }

// Barrier blocks until every rank has called it.
func (c *Comm) Barrier() { c.world.await() }

// Run executes body on p concurrent ranks and blocks until all return.
// The first error aborts the group; ranks blocked in collectives are
// released and unwind without reporting an error of their own, and the
// first error (wrapped with its rank) is returned.
func Run(p int, seed uint64, body func(*Comm) error) error {
	if p < 1 {
		return errors.Newf("invalid group size %d", p)
	}
	w := newWorld(p, seed)
	var wg sync.WaitGroup
	for r := 0; r < p; r++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					if _, ok := rec.(abortPanic); ok {
						return
					}
					w.abort(errors.Newf("rank %d panicked: %v", rank, rec))
				}
			}()
			c := &Comm{
				rank:  rank,
				world: w,
				rng:   rand.New(rand.NewSource(seed*31 + uint64(rank))),
			}
			if err := body(c); err != nil {
				w.abort(errors.Wrapf(err, "rank %d", rank))
			}
		}(r)
	}
	wg.Wait()
	return w.err
}

// deposit stores this rank's contribution and synchronises so every slot is
// visible; the matching collect barrier releases the slots for reuse.
func (c *Comm) deposit(v interface{}) {
	c.world.slots[c.rank] = v
	c.world.await()
}

func (c *Comm) release() {
	c.world.await()
}

// AllReduceFloats reduces x element-wise over all ranks. Every rank reduces
// in rank order, so the result (including rounding) is identical everywhere.
// x is not modified.
func (c *Comm) AllReduceFloats(op Op, x []float64) []float64 {
	c.deposit(x)
	out := make([]float64, len(x))
	copy(out, c.world.slots[0].([]float64))
	for r := 1; r < c.world.size; r++ {
		part := c.world.slots[r].([]float64)
		if len(part) != len(out) {
			panic(fmt.Sprintf("allReduce length mismatch: %d != %d", len(part), len(out)))
		}
		for i, v := range part {
			switch op {
			case Sum:
				out[i] += v
			case Min:
				if v < out[i] {
					out[i] = v
				}
			case Max:
				if v > out[i] {
					out[i] = v
				}
			}
		}
	}
	c.release()
	return out
}

// AllReduceInts reduces x element-wise over all ranks.
func (c *Comm) AllReduceInts(op Op, x []int) []int {
	c.deposit(x)
	out := make([]int, len(x))
	copy(out, c.world.slots[0].([]int))
	for r := 1; r < c.world.size; r++ {
		part := c.world.slots[r].([]int)
		for i, v := range part {
			switch op {
			case Sum:
				out[i] += v
			case Min:
				if v < out[i] {
					out[i] = v
				}
			case Max:
				if v > out[i] {
					out[i] = v
				}
			}
		}
	}
	c.release()
	return out
}

func (c *Comm) SumFloat(v float64) float64 { return c.AllReduceFloats(Sum, []float64{v})[0] }
func (c *Comm) MinFloat(v float64) float64 { return c.AllReduceFloats(Min, []float64{v})[0] }
func (c *Comm) MaxFloat(v float64) float64 { return c.AllReduceFloats(Max, []float64{v})[0] }
func (c *Comm) SumInt(v int) int           { return c.AllReduceInts(Sum, []int{v})[0] }
func (c *Comm) MinInt(v int) int           { return c.AllReduceInts(Min, []int{v})[0] }
func (c *Comm) MaxInt(v int) int           { return c.AllReduceInts(Max, []int{v})[0] }

// All returns true iff pred holds on every rank.
func (c *Comm) All(pred bool) bool {
	v := 0
	if pred {
		v = 1
	}
	return c.MinInt(v) == 1
}

// GatherInts concatenates the per-rank slices on root, in rank order.
// Other ranks receive nil. Lengths may differ between ranks.
func (c *Comm) GatherInts(root int, x []int) [][]int {
	c.deposit(x)
	var out [][]int
	if c.rank == root {
		out = make([][]int, c.world.size)
		for r := 0; r < c.world.size; r++ {
			part := c.world.slots[r].([]int)
			out[r] = append([]int(nil), part...)
		}
	}
	c.release()
	return out
}

// AllGatherInts returns every rank's slice, indexed by rank, on all ranks.
func (c *Comm) AllGatherInts(x []int) [][]int {
	c.deposit(x)
	out := make([][]int, c.world.size)
	for r := 0; r < c.world.size; r++ {
		part := c.world.slots[r].([]int)
		out[r] = append([]int(nil), part...)
	}
	c.release()
	return out
}

// AllGatherFloats returns every rank's slice, indexed by rank, on all ranks.
func (c *Comm) AllGatherFloats(x []float64) [][]float64 {
	c.deposit(x)
	out := make([][]float64, c.world.size)
	for r := 0; r < c.world.size; r++ {
		part := c.world.slots[r].([]float64)
		out[r] = append([]float64(nil), part...)
	}
	c.release()
	return out
}

// BroadcastInts distributes root's slice to all ranks. The value passed on
// non-root ranks is ignored.
func (c *Comm) BroadcastInts(root int, x []int) []int {
	if c.rank == root {
		c.deposit(x)
	} else {
		c.deposit(nil)
	}
	src := c.world.slots[root].([]int)
	out := append([]int(nil), src...)
	c.release()
	return out
}

// BroadcastFloats distributes root's slice to all ranks.
func (c *Comm) BroadcastFloats(root int, x []float64) []float64 {
	if c.rank == root {
		c.deposit(x)
	} else {
		c.deposit(nil)
	}
	src := c.world.slots[root].([]float64)
	out := append([]float64(nil), src...)
	c.release()
	return out
}

// BroadcastInt distributes a single value from root.
func (c *Comm) BroadcastInt(root int, v int) int {
	return c.BroadcastInts(root, []int{v})[0]
}

// ScatterInts hands parts[r] to rank r. Only root's parts argument is used.
func (c *Comm) ScatterInts(root int, parts [][]int) []int {
	if c.rank == root {
		c.deposit(parts)
	} else {
		c.deposit(nil)
	}
	all := c.world.slots[root].([][]int)
	out := append([]int(nil), all[c.rank]...)
	c.release()
	return out
}

// AllToAllInts delivers send[r] to rank r; the result is indexed by source
// rank. Entries may be nil or empty.
func (c *Comm) AllToAllInts(send [][]int) [][]int {
	if len(send) != c.world.size {
		panic(fmt.Sprintf("allToAll expects %d destination slices, got %d", c.world.size, len(send)))
	}
	c.deposit(send)
	out := make([][]int, c.world.size)
	for r := 0; r < c.world.size; r++ {
		parts := c.world.slots[r].([][]int)
		out[r] = append([]int(nil), parts[c.rank]...)
	}
	c.release()
	return out
}

// AllToAllFloats delivers send[r] to rank r; the result is indexed by source.
func (c *Comm) AllToAllFloats(send [][]float64) [][]float64 {
	if len(send) != c.world.size {
		panic(fmt.Sprintf("allToAll expects %d destination slices, got %d", c.world.size, len(send)))
	}
	c.deposit(send)
	out := make([][]float64, c.world.size)
	for r := 0; r < c.world.size; r++ {
		parts := c.world.slots[r].([][]float64)
		out[r] = append([]float64(nil), parts[c.rank]...)
	}
	c.release()
	return out
}
