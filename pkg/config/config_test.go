package config

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMirrorShippedConfiguration(t *testing.T) {
	s := Default()
	assert.Equal(t, 3, s.Dimensions)
	assert.Equal(t, 2, s.NumBlocks)
	assert.Equal(t, 0.05, s.Epsilon)
	assert.Equal(t, 17, s.SFCResolution)
	assert.Equal(t, 0, s.MultiLevelRounds)
	assert.Equal(t, 3, s.CoarseningStepsBetweenRefinement)
	assert.Equal(t, 10, s.PixeledSideLen)
	assert.Equal(t, SFC, s.InitialPartition)
	assert.False(t, s.ErodeInfluence)
	assert.False(t, s.SkipNoGainColors)
	assert.False(t, s.GainOverBalance)
}

func TestLoadAppliesFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--numBlocks=8", "--dimensions=2", "--epsilon=0.1",
		"--initialPartition=KMeans", "--graphFile=mesh.graph",
	}))
	s, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, 8, s.NumBlocks)
	assert.Equal(t, 2, s.Dimensions)
	assert.Equal(t, 0.1, s.Epsilon)
	assert.Equal(t, KMeans, s.InitialPartition)
	// coordinate file defaults to the graph file plus .xyz
	assert.Equal(t, "mesh.graph.xyz", s.CoordFile)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := []func(*Settings){
		func(s *Settings) { s.Dimensions = 4 },
		func(s *Settings) { s.Dimensions = 1 },
		func(s *Settings) { s.NumBlocks = 0 },
		func(s *Settings) { s.NumProcs = 0 },
		func(s *Settings) { s.Epsilon = 0 },
		func(s *Settings) { s.Epsilon = -0.1 },
		func(s *Settings) { s.SFCResolution = 0 },
		func(s *Settings) { s.PixeledSideLen = 1 },
		func(s *Settings) { s.CoarseningStepsBetweenRefinement = 0 },
	}
	for i, mutate := range cases {
		s := Default()
		mutate(&s)
		err := s.Validate()
		assert.Error(t, err, "case %d", i)
		assert.True(t, errors.Is(err, ErrConfig), "case %d must wrap ErrConfig", i)
	}
}

func TestParseMethod(t *testing.T) {
	for spelled, want := range map[string]InitialPartitioningMethod{
		"sfc": SFC, "Hilbert": SFC, "pixel": Pixel, "SPECTRAL": Spectral,
		"multisection": Multisection, "kmeans": KMeans, "k-means": KMeans,
	} {
		got, err := ParseMethod(spelled)
		require.NoError(t, err, spelled)
		assert.Equal(t, want, got, spelled)
	}
	_, err := ParseMethod("diffusion")
	assert.Error(t, err)
}
