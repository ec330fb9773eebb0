package dist

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabratu/geographer/pkg/comm"
)

func TestBlockDistribution(t *testing.T) {
	err := comm.Run(3, 1, func(c *comm.Comm) error {
		d := NewBlock(c, 10)
		covered := 0
		for gid := 0; gid < 10; gid++ {
			owner := d.Owner(gid)
			if owner < 0 || owner >= 3 {
				return errors.Newf("owner %d out of range", owner)
			}
			if d.IsLocal(gid) {
				if owner != c.Rank() {
					return errors.Newf("gid %d local but owned by %d", gid, owner)
				}
				covered++
				if d.Local2Global(d.Global2Local(gid)) != gid {
					return errors.New("index round trip failed")
				}
			}
		}
		if covered != d.LocalSize() {
			return errors.Newf("covered %d of %d local", covered, d.LocalSize())
		}
		if c.SumInt(d.LocalSize()) != 10 {
			return errors.New("local sizes do not cover the space")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestGeneralDistribution(t *testing.T) {
	err := comm.Run(2, 1, func(c *comm.Comm) error {
		// interleaved ownership
		var owned []int
		for gid := c.Rank(); gid < 8; gid += 2 {
			owned = append(owned, gid)
		}
		d, err := NewGeneral(c, 8, owned)
		if err != nil {
			return err
		}
		for gid := 0; gid < 8; gid++ {
			if d.Owner(gid) != gid%2 {
				return errors.Newf("gid %d owner %d", gid, d.Owner(gid))
			}
		}
		if d.LocalSize() != 4 {
			return errors.Newf("local size %d", d.LocalSize())
		}
		return nil
	})
	require.NoError(t, err)
}

func TestGeneralDistributionRejectsOverlap(t *testing.T) {
	err := comm.Run(2, 1, func(c *comm.Comm) error {
		_, err := NewGeneral(c, 4, []int{0, 1})
		if err == nil {
			return errors.New("overlapping ownership must be rejected")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestPlanRedistribute(t *testing.T) {
	err := comm.Run(2, 1, func(c *comm.Comm) error {
		src := NewBlock(c, 6)
		v := NewFloatVec(src, 0)
		for lid := range v.Local {
			v.Local[lid] = float64(src.Local2Global(lid))
		}
		// reverse ownership: rank 0 takes the upper half
		var owned []int
		if c.Rank() == 0 {
			owned = []int{3, 4, 5}
		} else {
			owned = []int{0, 1, 2}
		}
		target, err := NewGeneral(c, 6, owned)
		if err != nil {
			return err
		}
		plan := BuildPlan(c, src, target)
		out := plan.ApplyFloats(c, v)
		for lid, val := range out.Local {
			if val != float64(target.Local2Global(lid)) {
				return errors.Newf("value %g at gid %d", val, target.Local2Global(lid))
			}
		}
		iv := NewIntVec(src, 0)
		for lid := range iv.Local {
			iv.Local[lid] = src.Local2Global(lid) * 7
		}
		iout := plan.ApplyInts(c, iv)
		for lid, val := range iout.Local {
			if val != iout.Dist.Local2Global(lid)*7 {
				return errors.Newf("int value %d at gid %d", val, iout.Dist.Local2Global(lid))
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestGlobalPrefixSum(t *testing.T) {
	const n = 11
	var mu sync.Mutex
	got := make([]int, n)
	err := comm.Run(3, 1, func(c *comm.Comm) error {
		d := NewBlock(c, n)
		v := NewIntVec(d, 0)
		for lid := range v.Local {
			v.Local[lid] = d.Local2Global(lid) + 1
		}
		prefix, err := GlobalPrefixSum(c, v, 0)
		if err != nil {
			return err
		}
		mu.Lock()
		for lid, val := range prefix.Local {
			got[d.Local2Global(lid)] = val
		}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	want := 0
	for gid := 0; gid < n; gid++ {
		assert.Equal(t, want, got[gid], "prefix at %d", gid)
		want += gid + 1
	}
}

func TestGlobalPrefixSumRejectsGeneral(t *testing.T) {
	err := comm.Run(2, 1, func(c *comm.Comm) error {
		var owned []int
		for gid := c.Rank(); gid < 6; gid += 2 {
			owned = append(owned, gid)
		}
		d, err := NewGeneral(c, 6, owned)
		if err != nil {
			return err
		}
		_, err = GlobalPrefixSum(c, NewIntVec(d, 1), 0)
		if !errors.Is(err, ErrDistributionMismatch) {
			return errors.New("prefix sum over non-block layout must be rejected")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestCheckAligned(t *testing.T) {
	err := comm.Run(2, 1, func(c *comm.Comm) error {
		a := NewBlock(c, 8)
		b := NewBlock(c, 8)
		if err := CheckAligned(a, b); err != nil {
			return err
		}
		other := NewBlock(c, 9)
		if err := CheckAligned(a, other); !errors.Is(err, ErrDistributionMismatch) {
			return errors.New("size mismatch must be fatal")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestUniqueSorted(t *testing.T) {
	assert.Equal(t, []int{1, 2, 5}, UniqueSorted([]int{5, 1, 2, 1, 5}))
	assert.Nil(t, UniqueSorted(nil))
}
