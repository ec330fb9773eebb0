package partition

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fabratu/geographer/pkg/comm"
	"github.com/fabratu/geographer/pkg/config"
	"github.com/fabratu/geographer/pkg/dist"
	"github.com/fabratu/geographer/pkg/fileio"
	"github.com/fabratu/geographer/pkg/graph"
	"github.com/fabratu/geographer/pkg/metrics"
)

func testSettings(dims, k int) config.Settings {
	s := config.Default()
	s.Dimensions = dims
	s.NumBlocks = k
	s.MinSamplingNodes = 0
	return s
}

func checkPartition(c *comm.Comm, res *Result, k int, eps float64) error {
	for _, b := range res.Part.Local {
		if b < 0 || b >= k {
			return errors.Newf("block %d out of range [0,%d)", b, k)
		}
	}
	if err := dist.CheckAligned(res.Graph.RowDist, res.Part.Dist, res.Weights.Dist); err != nil {
		return err
	}
	imb, err := graph.ComputeImbalance(c, res.Part, k, res.Weights)
	if err != nil {
		return err
	}
	if imb > eps+1e-9 {
		return errors.Newf("imbalance %g exceeds %g", imb, eps)
	}
	return nil
}

func TestSFCPartitionGridIsExactQuarters(t *testing.T) {
	// 8x8 grid, k=4: the Hilbert curve fills one quadrant after the
	// other, so equal curve chunks are the four quadrants with cut 16
	const n, k = 8, 4
	var cut float64
	err := comm.Run(2, 1, func(c *comm.Comm) error {
		g, coords, err := fileio.CreateStructuredMesh(c, n, n, 1, 2)
		if err != nil {
			return err
		}
		s := testSettings(2, k)
		s.NoRefinement = true
		res, err := PartitionGraph(c, g, coords, dist.FloatVec{}, nil, s, zerolog.Nop(), nil)
		if err != nil {
			return err
		}
		counts := make([]float64, k)
		for _, b := range res.Part.Local {
			counts[b]++
		}
		counts = c.AllReduceFloats(comm.Sum, counts)
		for b, cnt := range counts {
			if cnt != 16 {
				return errors.Newf("block %d holds %g points", b, cnt)
			}
		}
		cv, err := graph.ComputeCut(c, res.Graph, res.Part, false)
		if err != nil {
			return err
		}
		if c.Rank() == 0 {
			cut = cv
		}
		return nil
	})
	require.NoError(t, err)
	require.LessOrEqual(t, cut, 16.0)
}

func TestKMeansPipelineOnMesh(t *testing.T) {
	// k = P: the full pipeline including multilevel refinement runs and
	// returns a balanced partition aligned with the distribution
	const n = 12
	err := comm.Run(4, 9, func(c *comm.Comm) error {
		g, coords, err := fileio.CreateStructuredMesh(c, n, n, 1, 2)
		if err != nil {
			return err
		}
		s := testSettings(2, 4)
		s.InitialPartition = config.KMeans
		s.MultiLevelRounds = 2
		s.CoarseningStepsBetweenRefinement = 1
		s.UseGeometricTieBreaking = true
		m := metrics.New()
		res, err := PartitionGraph(c, g, coords, dist.FloatVec{}, nil, s, zerolog.Nop(), m)
		if err != nil {
			return err
		}
		if err := checkPartition(c, res, 4, s.Epsilon); err != nil {
			return err
		}
		// after refinement the partition equals the distribution
		for _, b := range res.Part.Local {
			if b != c.Rank() {
				return errors.Newf("block %d on rank %d", b, c.Rank())
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestPixelPartitionCoversAllBlocks(t *testing.T) {
	const n = 10
	err := comm.Run(2, 1, func(c *comm.Comm) error {
		g, coords, err := fileio.CreateStructuredMesh(c, n, n, 1, 2)
		if err != nil {
			return err
		}
		s := testSettings(2, 2)
		s.InitialPartition = config.Pixel
		s.PixeledSideLen = 5
		s.NoRefinement = true
		res, err := PartitionGraph(c, g, coords, dist.FloatVec{}, nil, s, zerolog.Nop(), nil)
		if err != nil {
			return err
		}
		counts := make([]float64, 2)
		for _, b := range res.Part.Local {
			if b < 0 || b >= 2 {
				return errors.Newf("block %d out of range", b)
			}
			counts[b]++
		}
		counts = c.AllReduceFloats(comm.Sum, counts)
		for b, cnt := range counts {
			if cnt == 0 {
				return errors.Newf("block %d empty", b)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestSpectralPartitionSplitsGrid(t *testing.T) {
	const n = 10
	err := comm.Run(2, 1, func(c *comm.Comm) error {
		g, coords, err := fileio.CreateStructuredMesh(c, n, n, 1, 2)
		if err != nil {
			return err
		}
		s := testSettings(2, 2)
		s.InitialPartition = config.Spectral
		s.PixeledSideLen = 5
		s.NoRefinement = true
		res, err := PartitionGraph(c, g, coords, dist.FloatVec{}, nil, s, zerolog.Nop(), nil)
		if err != nil {
			return err
		}
		counts := make([]float64, 2)
		for _, b := range res.Part.Local {
			counts[b]++
		}
		counts = c.AllReduceFloats(comm.Sum, counts)
		// the Fiedler order of a grid splits it into two similar halves
		for b, cnt := range counts {
			if cnt < float64(n*n)/4 {
				return errors.Newf("block %d holds only %g points", b, cnt)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestMultisectionPartitionBalances(t *testing.T) {
	const n = 12
	err := comm.Run(3, 1, func(c *comm.Comm) error {
		g, coords, err := fileio.CreateStructuredMesh(c, n, n, 1, 2)
		if err != nil {
			return err
		}
		s := testSettings(2, 4)
		s.InitialPartition = config.Multisection
		s.NoRefinement = true
		res, err := PartitionGraph(c, g, coords, dist.FloatVec{}, nil, s, zerolog.Nop(), nil)
		if err != nil {
			return err
		}
		counts := make([]float64, 4)
		for _, b := range res.Part.Local {
			if b < 0 || b >= 4 {
				return errors.Newf("block %d out of range", b)
			}
			counts[b]++
		}
		counts = c.AllReduceFloats(comm.Sum, counts)
		for b, cnt := range counts {
			if cnt == 0 {
				return errors.Newf("block %d empty", b)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestSectionFactors(t *testing.T) {
	cases := []struct {
		k, dims int
		want    []int
	}{
		{4, 2, []int{2, 2}},
		{8, 3, []int{2, 2, 2}},
		{6, 2, []int{2, 3}},
		{7, 2, []int{1, 7}},
		{12, 3, []int{2, 2, 3}},
	}
	for _, tc := range cases {
		got, err := sectionFactors(tc.k, tc.dims)
		require.NoError(t, err)
		product := 1
		for _, f := range got {
			product *= f
		}
		require.Equal(t, tc.k, product, "k=%d dims=%d got %v", tc.k, tc.dims, got)
		require.Equal(t, tc.want, got, "k=%d dims=%d", tc.k, tc.dims)
	}
}

func TestRepartitionEndToEnd(t *testing.T) {
	const n = 8
	err := comm.Run(2, 5, func(c *comm.Comm) error {
		g, coords, err := fileio.CreateStructuredMesh(c, n, n, 1, 2)
		if err != nil {
			return err
		}
		s := testSettings(2, 2)
		s.NoRefinement = true
		res, err := Repartition(c, g, coords, dist.FloatVec{}, s, zerolog.Nop(), nil)
		if err != nil {
			return err
		}
		return checkPartition(c, res, 2, s.Epsilon)
	})
	require.NoError(t, err)
}
