// Package partition orchestrates the pipeline: a geometric seed partition,
// balanced k-means and multilevel refinement with distributed FM.
package partition

import (
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/fabratu/geographer/pkg/comm"
	"github.com/fabratu/geographer/pkg/commtree"
	"github.com/fabratu/geographer/pkg/config"
	"github.com/fabratu/geographer/pkg/dist"
	"github.com/fabratu/geographer/pkg/graph"
	"github.com/fabratu/geographer/pkg/kmeans"
	"github.com/fabratu/geographer/pkg/metrics"
	"github.com/fabratu/geographer/pkg/multilevel"
	"github.com/fabratu/geographer/pkg/sfc"
)

// Result carries the partition together with the co-distributed data,
// which may have moved during the pipeline. All members share one
// distribution.
type Result struct {
	Graph   *graph.CSR
	Coords  []dist.FloatVec
	Weights dist.FloatVec
	Part    dist.IntVec
	// Origin[i] is the rank that owned vertex i before refinement; empty
	// when refinement did not run.
	Origin dist.IntVec
}

// PartitionGraph partitions the distributed graph into settings.NumBlocks
// balanced blocks. An empty weight vector means unit weights. A non-nil
// tree switches k-means into hierarchical mode.
func PartitionGraph(
	c *comm.Comm,
	g *graph.CSR,
	coords []dist.FloatVec,
	weights dist.FloatVec,
	tree *commtree.Tree,
	s config.Settings,
	log zerolog.Logger,
	m *metrics.Metrics,
) (*Result, error) {
	if len(coords) != s.Dimensions {
		return nil, errors.Wrapf(config.ErrConfig, "%d coordinate vectors for %d dimensions", len(coords), s.Dimensions)
	}
	if weights.Local == nil {
		weights = dist.NewFloatVec(g.RowDist, 1)
	}
	ds := []dist.Distribution{g.RowDist, weights.Dist}
	for _, cv := range coords {
		ds = append(ds, cv.Dist)
	}
	if err := dist.CheckAligned(ds...); err != nil {
		return nil, err
	}
	if tree != nil && tree.NumLeaves() != s.NumBlocks {
		return nil, errors.Wrapf(config.ErrConfig, "communication tree has %d leaves, settings want %d blocks", tree.NumLeaves(), s.NumBlocks)
	}
	if m != nil && c.Rank() == 0 {
		m.GlobalN = g.GlobalN()
		m.Dimensions = s.Dimensions
		m.NumBlocks = s.NumBlocks
		m.NumProcs = c.Size()
	}

	res := &Result{Graph: g, Coords: coords, Weights: weights}
	var err error

	switch s.InitialPartition {
	case config.SFC:
		if err = curveRedistribute(c, res, s); err != nil {
			return nil, err
		}
		res.Part, err = hilbertPartition(c, res.Coords, res.Weights, s)
	case config.KMeans:
		if err = curveRedistribute(c, res, s); err != nil {
			return nil, err
		}
		if tree != nil {
			res.Part, err = kmeans.ComputeHierarchicalPartition(c, res.Coords, res.Weights, tree, s, log, m)
		} else {
			totalWeight := res.Weights.Sum(c)
			targets := make([]float64, s.NumBlocks)
			for b := range targets {
				targets[b] = totalWeight / float64(s.NumBlocks)
			}
			res.Part, err = kmeans.ComputePartition(c, res.Coords, res.Weights, targets, s, log, m)
		}
	case config.Pixel:
		res.Part, err = pixelPartition(c, res.Graph, res.Coords, res.Weights, s)
	case config.Spectral:
		res.Part, err = spectralPartition(c, res.Graph, res.Coords, res.Weights, s)
	case config.Multisection:
		res.Part, err = multisectionPartition(c, res.Coords, res.Weights, s)
	default:
		err = errors.Wrapf(config.ErrConfig, "unhandled initial partition %v", s.InitialPartition)
	}
	if err != nil {
		return nil, err
	}
	if imb, err := graph.ComputeImbalance(c, res.Part, s.NumBlocks, res.Weights); err == nil && c.Rank() == 0 {
		log.Info().Str("method", s.InitialPartition.String()).Float64("imbalance", imb).Msg("initial partition")
	}

	if !s.NoRefinement {
		if s.NumBlocks == c.Size() {
			if err := refine(c, res, s, log, m); err != nil {
				return nil, err
			}
		} else if c.Rank() == 0 {
			log.Warn().Int("numBlocks", s.NumBlocks).Int("numProcs", c.Size()).
				Msg("skipping local refinement: it requires one block per process")
		}
	}

	if err := recordQuality(c, res, s, m); err != nil {
		return nil, err
	}
	return res, nil
}

// Repartition is the one-shot entry for migrating an existing distribution
// with k = P blocks: seeds from local centres, then refines as usual.
func Repartition(
	c *comm.Comm,
	g *graph.CSR,
	coords []dist.FloatVec,
	weights dist.FloatVec,
	s config.Settings,
	log zerolog.Logger,
	m *metrics.Metrics,
) (*Result, error) {
	if weights.Local == nil {
		weights = dist.NewFloatVec(g.RowDist, 1)
	}
	res := &Result{Graph: g, Coords: coords, Weights: weights}
	part, err := kmeans.ComputeRepartition(c, coords, weights, s, log, m)
	if err != nil {
		return nil, err
	}
	res.Part = part
	if !s.NoRefinement && s.NumBlocks == c.Size() {
		if err := refine(c, res, s, log, m); err != nil {
			return nil, err
		}
	}
	if err := recordQuality(c, res, s, m); err != nil {
		return nil, err
	}
	return res, nil
}

// curveRedistribute aligns the distribution with the space-filling curve
// so neighbouring vertices tend to be co-located.
func curveRedistribute(c *comm.Comm, res *Result, s config.Settings) error {
	resolution := s.SFCResolution
	if resolution < 1 {
		resolution = sfc.DefaultResolution(res.Graph.GlobalN())
	}
	plan, err := sfc.SortByCurve(c, res.Coords, resolution)
	if err != nil {
		return err
	}
	res.Graph, err = res.Graph.Redistribute(c, plan.Target())
	if err != nil {
		return err
	}
	for d := range res.Coords {
		res.Coords[d] = plan.ApplyFloats(c, res.Coords[d])
	}
	res.Weights = plan.ApplyFloats(c, res.Weights)
	return nil
}

// refine aligns ownership with the partition (one block per rank) and runs
// the multilevel engine.
func refine(c *comm.Comm, res *Result, s config.Settings, log zerolog.Logger, m *metrics.Metrics) error {
	// move every vertex to the rank of its block
	p := c.Size()
	send := make([][]int, p)
	for lid, b := range res.Part.Local {
		send[b] = append(send[b], res.Part.Dist.Local2Global(lid))
	}
	recv := c.AllToAllInts(send)
	var owned []int
	for _, chunk := range recv {
		owned = append(owned, chunk...)
	}
	target, err := dist.NewGeneral(c, res.Graph.RowDist.GlobalSize(), owned)
	if err != nil {
		return errors.Wrap(err, "refine")
	}
	plan := dist.BuildPlan(c, res.Graph.RowDist, target)
	res.Graph, err = res.Graph.Redistribute(c, target)
	if err != nil {
		return err
	}
	for d := range res.Coords {
		res.Coords[d] = plan.ApplyFloats(c, res.Coords[d])
	}
	res.Weights = plan.ApplyFloats(c, res.Weights)
	res.Part = dist.NewIntVec(target, c.Rank())

	st := &multilevel.State{
		Graph:   res.Graph,
		Part:    res.Part,
		Weights: res.Weights,
		Coords:  res.Coords,
		Halo:    graph.BuildHalo(c, res.Graph),
	}
	if err := multilevel.Step(c, st, s, log, m); err != nil {
		return err
	}
	res.Graph = st.Graph
	res.Part = st.Part
	res.Weights = st.Weights
	res.Coords = st.Coords
	res.Origin = st.Origin
	return nil
}

func recordQuality(c *comm.Comm, res *Result, s config.Settings, m *metrics.Metrics) error {
	cut, err := graph.ComputeCut(c, res.Graph, res.Part, false)
	if err != nil {
		return err
	}
	imbalance, err := graph.ComputeImbalance(c, res.Part, s.NumBlocks, res.Weights)
	if err != nil {
		return err
	}
	maxComm, err := graph.MaxComm(c, res.Graph, res.Part, s.NumBlocks)
	if err != nil {
		return err
	}
	totalComm, err := graph.TotalComm(c, res.Graph, res.Part, s.NumBlocks)
	if err != nil {
		return err
	}
	globalM := res.Graph.NumGlobalEdges(c)
	if m != nil && c.Rank() == 0 {
		m.Cut = cut
		m.Imbalance = imbalance
		m.MaxComm = maxComm
		m.TotalComm = totalComm
		m.GlobalM = globalM
	}
	return nil
}
