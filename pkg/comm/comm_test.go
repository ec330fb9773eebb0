package comm

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllReduceSum(t *testing.T) {
	const p = 4
	var mu sync.Mutex
	results := make(map[int][]float64)
	err := Run(p, 1, func(c *Comm) error {
		x := []float64{float64(c.Rank()), 1}
		out := c.AllReduceFloats(Sum, x)
		mu.Lock()
		results[c.Rank()] = out
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	for r := 0; r < p; r++ {
		assert.Equal(t, []float64{6, 4}, results[r], "rank %d", r)
	}
}

func TestAllReduceMinMax(t *testing.T) {
	err := Run(3, 1, func(c *Comm) error {
		v := []int{c.Rank() * 10}
		if got := c.AllReduceInts(Min, v)[0]; got != 0 {
			return errors.Newf("min: got %d", got)
		}
		if got := c.AllReduceInts(Max, v)[0]; got != 20 {
			return errors.Newf("max: got %d", got)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestBroadcastAndGather(t *testing.T) {
	err := Run(4, 1, func(c *Comm) error {
		data := c.BroadcastInts(2, []int{c.Rank() * 100})
		if data[0] != 200 {
			return errors.Newf("broadcast: got %v", data)
		}
		gathered := c.GatherInts(0, []int{c.Rank(), c.Rank()})
		if c.Rank() == 0 {
			for r := 0; r < 4; r++ {
				if len(gathered[r]) != 2 || gathered[r][0] != r {
					return errors.Newf("gather: got %v", gathered)
				}
			}
		} else if gathered != nil {
			return errors.New("gather must return nil off-root")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestAllToAll(t *testing.T) {
	const p = 3
	err := Run(p, 1, func(c *Comm) error {
		send := make([][]int, p)
		for dest := 0; dest < p; dest++ {
			send[dest] = []int{c.Rank()*10 + dest}
		}
		recv := c.AllToAllInts(send)
		for src := 0; src < p; src++ {
			want := src*10 + c.Rank()
			if len(recv[src]) != 1 || recv[src][0] != want {
				return errors.Newf("rank %d from %d: got %v want %d", c.Rank(), src, recv[src], want)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestScatter(t *testing.T) {
	err := Run(3, 1, func(c *Comm) error {
		var parts [][]int
		if c.Rank() == 0 {
			parts = [][]int{{0}, {11}, {22}}
		}
		got := c.ScatterInts(0, parts)
		if len(got) != 1 || got[0] != c.Rank()*11 {
			return errors.Newf("scatter: rank %d got %v", c.Rank(), got)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestErrorAbortsGroup(t *testing.T) {
	boom := errors.New("boom")
	err := Run(4, 1, func(c *Comm) error {
		if c.Rank() == 2 {
			return boom
		}
		// the other ranks block in a collective the failing rank never
		// reaches; the abort must release them
		c.Barrier()
		c.SumInt(1)
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestDeterministicStreams(t *testing.T) {
	draw := func() map[int]uint64 {
		var mu sync.Mutex
		out := make(map[int]uint64)
		err := Run(3, 42, func(c *Comm) error {
			v := c.RNG().Uint64()
			mu.Lock()
			out[c.Rank()] = v
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		return out
	}
	first := draw()
	second := draw()
	assert.Equal(t, first, second)
	assert.NotEqual(t, first[0], first[1])
}

func TestAllPredicate(t *testing.T) {
	err := Run(3, 1, func(c *Comm) error {
		if !c.All(true) {
			return errors.New("all true must hold")
		}
		if c.All(c.Rank() != 1) {
			return errors.New("one false must break it")
		}
		return nil
	})
	require.NoError(t, err)
}
