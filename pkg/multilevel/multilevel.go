// Package multilevel contracts the distributed graph by local heavy-edge
// matching, recurses on the coarse level and refines the partition on the
// way back up.
package multilevel

import (
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/fabratu/geographer/pkg/comm"
	"github.com/fabratu/geographer/pkg/config"
	"github.com/fabratu/geographer/pkg/dist"
	"github.com/fabratu/geographer/pkg/graph"
	"github.com/fabratu/geographer/pkg/metrics"
	"github.com/fabratu/geographer/pkg/refinement"
)

// State bundles the co-distributed data of one hierarchy level. Step
// mutates it in place: on return the partition is refined and all members
// share one distribution.
type State struct {
	Graph   *graph.CSR
	Part    dist.IntVec
	Weights dist.FloatVec
	Coords  []dist.FloatVec
	Halo    *graph.Halo
	// Origin[i] is the rank that owned the vertex now at i when the
	// enclosing multilevel call started.
	Origin dist.IntVec
}

func (st *State) distributions() []dist.Distribution {
	ds := []dist.Distribution{st.Graph.RowDist, st.Part.Dist, st.Weights.Dist}
	for _, cv := range st.Coords {
		ds = append(ds, cv.Dist)
	}
	return ds
}

// Step coarsens for settings.MultiLevelRounds levels, computes nothing on
// the way down (the partition is the distribution itself: one block per
// rank) and refines on every level going back up. The base case runs local
// refinement directly.
func Step(c *comm.Comm, st *State, s config.Settings, log zerolog.Logger, m *metrics.Metrics) error {
	if len(st.Coords) > 0 && len(st.Coords) != s.Dimensions {
		return errors.Wrapf(config.ErrConfig, "have %d coordinate vectors, settings say %d", len(st.Coords), s.Dimensions)
	}
	if err := dist.CheckAligned(st.distributions()...); err != nil {
		return errors.Wrap(err, "multilevel step")
	}
	for _, b := range st.Part.Local {
		if b != c.Rank() {
			return errors.Newf("block %d found on rank %d; multilevel refinement expects partition == distribution", b, c.Rank())
		}
	}
	st.Origin = dist.NewIntVec(st.Graph.RowDist, c.Rank())

	if s.MultiLevelRounds > 0 {
		if c.Rank() == 0 {
			log.Info().Int("roundsLeft", s.MultiLevelRounds).
				Int("globalN", st.Graph.GlobalN()).Msg("coarsening")
		}
		coarseGraph, fineToCoarse, err := Coarsen(c, st.Graph, st.Weights, st.Halo, s.CoarseningStepsBetweenRefinement)
		if err != nil {
			return errors.Wrap(err, "coarsen")
		}
		coarseDist := coarseGraph.RowDist

		coarseState := &State{
			Graph: coarseGraph,
			Part:  dist.NewIntVec(coarseDist, c.Rank()),
		}
		coarseState.Weights, err = SumToCoarse(c, st.Weights, fineToCoarse, coarseDist)
		if err != nil {
			return err
		}
		if s.UseGeometricTieBreaking {
			coarseState.Coords = make([]dist.FloatVec, len(st.Coords))
			for d := range st.Coords {
				coarseState.Coords[d], err = ProjectToCoarse(c, st.Coords[d], fineToCoarse, coarseDist)
				if err != nil {
					return err
				}
			}
		}
		haloF2C := st.Halo.UpdateInts(c, fineToCoarse.Local)
		coarseState.Halo = graph.CoarsenHalo(c, coarseDist, st.Halo, haloF2C)

		sub := s
		sub.MultiLevelRounds = s.MultiLevelRounds - 1
		if sub.MultiLevelRounds < 0 {
			sub.MultiLevelRounds = 0
		}
		if err := Step(c, coarseState, sub, log, m); err != nil {
			return err
		}

		// uncoarsen: pull every fine vertex to the rank now holding its
		// coarse image, then the partition is again the distribution
		fineTargets, err := FineTargets(c, coarseState.Origin, fineToCoarse)
		if err != nil {
			return err
		}
		newDist, err := DistFromTargets(c, fineTargets)
		if err != nil {
			return err
		}
		plan := dist.BuildPlan(c, st.Graph.RowDist, newDist)
		st.Graph, err = st.Graph.Redistribute(c, newDist)
		if err != nil {
			return err
		}
		st.Weights = plan.ApplyFloats(c, st.Weights)
		for d := range st.Coords {
			st.Coords[d] = plan.ApplyFloats(c, st.Coords[d])
		}
		st.Origin = plan.ApplyInts(c, st.Origin)
		st.Part = dist.NewIntVec(newDist, c.Rank())
		st.Halo = graph.BuildHalo(c, st.Graph)
		if c.Rank() == 0 {
			log.Info().Int("globalN", st.Graph.GlobalN()).Msg("uncoarsened")
		}
	}

	// local refinement on this level
	scheme, err := refinement.CommunicationScheme(c, st.Graph)
	if err != nil {
		return err
	}
	var distances []float64
	if s.UseGeometricTieBreaking && len(st.Coords) > 0 {
		distances = refinement.DistancesFromBlockCenter(c, st.Coords)
	}
	fmData := &refinement.Data{
		Graph:     st.Graph,
		Part:      st.Part,
		Weights:   st.Weights,
		Coords:    st.Coords,
		Distances: distances,
		Origin:    st.Origin,
	}
	rounds := 0
	noGainRounds := 0
	gain := 0.0
	for {
		gainPerColor, err := refinement.DistributedFMStep(c, fmData, scheme, s, log)
		if err != nil {
			return err
		}
		gain = 0
		for _, g := range gainPerColor {
			gain += g
		}
		if m != nil && c.Rank() == 0 {
			m.AddFMGain(gain)
		}
		if s.SkipNoGainColors {
			scheme = scheme.DropZeroGain(gainPerColor)
		}
		if c.Rank() == 0 {
			log.Info().Int("round", rounds).Float64("gain", gain).Msg("refinement round")
		}
		rounds++
		if gain == 0 {
			noGainRounds++
		} else {
			noGainRounds = 0
		}
		if s.StopAfterNoGainRounds > 0 && noGainRounds >= s.StopAfterNoGainRounds {
			break
		}
		if gain < float64(s.MinGainForNextRound) {
			break
		}
	}
	st.Graph = fmData.Graph
	st.Part = fmData.Part
	st.Weights = fmData.Weights
	st.Coords = fmData.Coords
	st.Origin = fmData.Origin
	st.Halo = graph.BuildHalo(c, st.Graph)
	return nil
}
