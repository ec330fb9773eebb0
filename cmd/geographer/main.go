// Command geographer partitions large geometric graphs into balanced
// blocks with small edge cut. The graph stays distributed over a fixed
// group of SPMD ranks for the whole pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/fabratu/geographer/pkg/comm"
	"github.com/fabratu/geographer/pkg/config"
	"github.com/fabratu/geographer/pkg/dist"
	"github.com/fabratu/geographer/pkg/fileio"
	"github.com/fabratu/geographer/pkg/graph"
	"github.com/fabratu/geographer/pkg/metrics"
	"github.com/fabratu/geographer/pkg/partition"
)

const (
	exitOK = iota
	exitConfig
	exitInput
	exitRuntime
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("geographer", pflag.ContinueOnError)
	config.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	s, err := config.Load(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	if !s.Generate && s.GraphFile == "" {
		fmt.Fprintln(os.Stderr, "either --graphFile or --generate is required")
		return exitConfig
	}
	log := s.CreateLogger()
	m := metrics.New()
	log.Info().Str("run", m.RunID).Int("numProcs", s.NumProcs).
		Int("numBlocks", s.NumBlocks).Str("initialPartition", s.InitialPartition.String()).
		Msg("starting")

	if s.HTTPAddr != "" {
		reg := prometheus.NewRegistry()
		collectors := metrics.NewCollectors(reg)
		defer collectors.Observe(m)
		go func() {
			if err := metrics.Serve(s.HTTPAddr, reg, m, log); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	err = comm.Run(s.NumProcs, s.Seed, func(c *comm.Comm) error {
		var g *graph.CSR
		var coords []dist.FloatVec
		var weights dist.FloatVec
		var err error
		if s.Generate {
			g, coords, err = fileio.CreateStructuredMesh(c, s.NumX, s.NumY, s.NumZ, s.Dimensions)
			if err != nil {
				return err
			}
		} else {
			g, weights, err = fileio.ReadGraph(c, s.GraphFile, s.FileFormat)
			if err != nil {
				return err
			}
			coords, err = fileio.ReadCoords(c, s.CoordFile, g.GlobalN(), s.Dimensions)
			if err != nil {
				return err
			}
		}

		res, err := partition.PartitionGraph(c, g, coords, weights, nil, s, log, m)
		if err != nil {
			return err
		}

		if s.OutFile != "" {
			if err := fileio.WritePartition(c, s.OutFile, res.Part); err != nil {
				return err
			}
		}
		if s.BlockGraphFile != "" {
			bg, err := graph.BlockGraph(c, res.Graph, res.Part, s.NumBlocks)
			if err != nil {
				return err
			}
			if err := fileio.WriteGraph(c, s.BlockGraphFile, bg); err != nil {
				return err
			}
		}
		if s.WriteDebugCoordinates {
			path := s.OutFile
			if path == "" {
				path = "partition"
			}
			if err := fileio.WriteDebugCoords(c, path+".debug.xyz", res.Coords, res.Part); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("partitioning failed")
		if errors.Is(err, fileio.ErrInput) {
			return exitInput
		}
		if errors.Is(err, config.ErrConfig) {
			return exitConfig
		}
		return exitRuntime
	}
	m.Report(os.Stdout)
	return exitOK
}
