package config

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrConfig marks rejected settings.
var ErrConfig = errors.New("invalid configuration")

// InitialPartitioningMethod selects how the seed partition is produced.
type InitialPartitioningMethod int

const (
	SFC InitialPartitioningMethod = iota
	Pixel
	Spectral
	Multisection
	KMeans
)

func (m InitialPartitioningMethod) String() string {
	switch m {
	case SFC:
		return "SFC"
	case Pixel:
		return "Pixel"
	case Spectral:
		return "Spectral"
	case Multisection:
		return "Multisection"
	case KMeans:
		return "KMeans"
	}
	return "unknown"
}

// ParseMethod converts a CLI spelling into a method.
func ParseMethod(s string) (InitialPartitioningMethod, error) {
	switch strings.ToLower(s) {
	case "sfc", "hilbert":
		return SFC, nil
	case "pixel", "pixels":
		return Pixel, nil
	case "spectral":
		return Spectral, nil
	case "multisection":
		return Multisection, nil
	case "kmeans", "k-means":
		return KMeans, nil
	}
	return SFC, errors.Wrapf(ErrConfig, "unknown initial partition %q", s)
}

// Settings carries every tunable of the partitioning pipeline.
type Settings struct {
	Dimensions int
	NumX       int
	NumY       int
	NumZ       int
	NumBlocks  int
	NumProcs   int
	Epsilon    float64
	Seed       uint64

	// space-filling curve
	SFCResolution int

	// multilevel engine
	MultiLevelRounds                 int
	CoarseningStepsBetweenRefinement int

	// local refinement
	MinBorderNodes        int
	StopAfterNoGainRounds int
	MinGainForNextRound   int
	BorderDepth           int
	GainOverBalance       bool
	UseGeometricTieBreaking bool
	SkipNoGainColors      bool
	NoRefinement          bool

	// k-means
	MaxKMeansIterations    int
	BalanceIterations      int
	MinSamplingNodes       int
	InfluenceExponent      float64
	InfluenceChangeCap     float64
	TightenBounds          bool
	FreezeBalancedInfluence bool
	ErodeInfluence         bool

	// pixeled coarsening
	PixeledSideLen int

	InitialPartition InitialPartitioningMethod

	// IO
	GraphFile             string
	CoordFile             string
	OutFile               string
	BlockGraphFile        string
	Generate              bool
	FileFormat            string
	WriteDebugCoordinates bool

	// ambient
	LogLevel string
	HTTPAddr string
	Debug    bool
}

// defaults mirror the shipped configuration of the original tool.
func setDefaults(v *viper.Viper) {
	v.SetDefault("dimensions", 3)
	v.SetDefault("numX", 32)
	v.SetDefault("numY", 32)
	v.SetDefault("numZ", 32)
	v.SetDefault("numBlocks", 2)
	v.SetDefault("numProcs", 2)
	v.SetDefault("epsilon", 0.05)
	v.SetDefault("seed", 0)
	v.SetDefault("sfcResolution", 17)
	v.SetDefault("multiLevelRounds", 0)
	v.SetDefault("coarseningStepsBetweenRefinement", 3)
	v.SetDefault("minBorderNodes", 1)
	v.SetDefault("stopAfterNoGainRounds", 0)
	v.SetDefault("minGainForNextRound", 1)
	v.SetDefault("borderDepth", 4)
	v.SetDefault("gainOverBalance", false)
	v.SetDefault("useGeometricTieBreaking", false)
	v.SetDefault("skipNoGainColors", false)
	v.SetDefault("noRefinement", false)
	v.SetDefault("maxKMeansIterations", 20)
	v.SetDefault("balanceIterations", 20)
	v.SetDefault("minSamplingNodes", 100)
	v.SetDefault("influenceExponent", 0.5)
	v.SetDefault("influenceChangeCap", 0.1)
	v.SetDefault("tightenBounds", true)
	v.SetDefault("freezeBalancedInfluence", false)
	v.SetDefault("erodeInfluence", false)
	v.SetDefault("pixeledSideLen", 10)
	v.SetDefault("initialPartition", "SFC")
	v.SetDefault("graphFile", "")
	v.SetDefault("coordFile", "")
	v.SetDefault("outFile", "")
	v.SetDefault("blockGraphFile", "")
	v.SetDefault("generate", false)
	v.SetDefault("fileFormat", "metis")
	v.SetDefault("writeDebugCoordinates", false)
	v.SetDefault("logLevel", "info")
	v.SetDefault("httpAddr", "")
	v.SetDefault("debug", false)
}

// BindFlags registers every CLI option on the flag set.
func BindFlags(fs *pflag.FlagSet) {
	fs.Int("dimensions", 3, "coordinate dimensions (2 or 3)")
	fs.Int("numX", 32, "generated mesh extent in x")
	fs.Int("numY", 32, "generated mesh extent in y")
	fs.Int("numZ", 32, "generated mesh extent in z")
	fs.Int("numBlocks", 2, "target number of blocks")
	fs.Int("numProcs", 2, "number of SPMD ranks")
	fs.Float64("epsilon", 0.05, "balance tolerance")
	fs.Uint64("seed", 0, "random seed (broadcast from rank 0)")
	fs.Int("sfcResolution", 17, "Hilbert curve bits per axis")
	fs.Int("multiLevelRounds", 0, "depth of the coarsening recursion")
	fs.Int("coarseningStepsBetweenRefinement", 3, "local contraction rounds per level")
	fs.Int("minBorderNodes", 1, "minimum border size for an FM pairing")
	fs.Int("stopAfterNoGainRounds", 0, "stop FM after this many zero-gain rounds (0: never)")
	fs.Int("minGainForNextRound", 1, "minimum round gain to keep refining")
	fs.Int("borderDepth", 4, "BFS hops explored beyond the border")
	fs.Bool("gainOverBalance", false, "prefer gain over balance in FM priorities")
	fs.Bool("useGeometricTieBreaking", false, "break FM ties by distance from block centre")
	fs.Bool("skipNoGainColors", false, "drop zero-gain colours from later rounds")
	fs.Bool("noRefinement", false, "skip multilevel local refinement")
	fs.Int("maxKMeansIterations", 20, "Lloyd iteration cap")
	fs.Int("balanceIterations", 20, "influence balance iteration cap")
	fs.Int("minSamplingNodes", 100, "initial sample size per block")
	fs.Float64("influenceExponent", 0.5, "influence adjustment exponent")
	fs.Float64("influenceChangeCap", 0.1, "per-iteration influence change cap")
	fs.Bool("tightenBounds", true, "tighten influence bounds on oscillation")
	fs.Bool("freezeBalancedInfluence", false, "freeze influence of balanced blocks")
	fs.Bool("erodeInfluence", false, "contract influence of moving centres")
	fs.Int("pixeledSideLen", 10, "pixel grid side length")
	fs.String("initialPartition", "SFC", "seed method: SFC|Pixel|Spectral|Multisection|KMeans")
	fs.String("graphFile", "", "input graph path")
	fs.String("coordFile", "", "input coordinates path (default graphFile.xyz)")
	fs.String("outFile", "", "partition output path")
	fs.String("blockGraphFile", "", "block graph output path")
	fs.Bool("generate", false, "generate a structured mesh instead of reading files")
	fs.String("fileFormat", "metis", "graph file format: metis|matrixmarket")
	fs.Bool("writeDebugCoordinates", false, "emit annotated coordinates")
	fs.String("logLevel", "info", "log level")
	fs.String("httpAddr", "", "expose metrics on this address")
	fs.String("configFile", "", "configuration file (viper formats)")
	fs.Bool("debug", false, "reserved for expensive invariant checks (no stage reads it)")
}

// Load materialises Settings from defaults, an optional config file and the
// bound flag set, in increasing precedence.
func Load(fs *pflag.FlagSet) (Settings, error) {
	v := viper.New()
	setDefaults(v)
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Settings{}, errors.Wrap(err, "bind flags")
		}
		if path, _ := fs.GetString("configFile"); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return Settings{}, errors.Wrapf(ErrConfig, "config file: %v", err)
			}
		}
	}
	method, err := ParseMethod(v.GetString("initialPartition"))
	if err != nil {
		return Settings{}, err
	}
	s := Settings{
		Dimensions:                       v.GetInt("dimensions"),
		NumX:                             v.GetInt("numX"),
		NumY:                             v.GetInt("numY"),
		NumZ:                             v.GetInt("numZ"),
		NumBlocks:                        v.GetInt("numBlocks"),
		NumProcs:                         v.GetInt("numProcs"),
		Epsilon:                          v.GetFloat64("epsilon"),
		Seed:                             v.GetUint64("seed"),
		SFCResolution:                    v.GetInt("sfcResolution"),
		MultiLevelRounds:                 v.GetInt("multiLevelRounds"),
		CoarseningStepsBetweenRefinement: v.GetInt("coarseningStepsBetweenRefinement"),
		MinBorderNodes:                   v.GetInt("minBorderNodes"),
		StopAfterNoGainRounds:            v.GetInt("stopAfterNoGainRounds"),
		MinGainForNextRound:              v.GetInt("minGainForNextRound"),
		BorderDepth:                      v.GetInt("borderDepth"),
		GainOverBalance:                  v.GetBool("gainOverBalance"),
		UseGeometricTieBreaking:          v.GetBool("useGeometricTieBreaking"),
		SkipNoGainColors:                 v.GetBool("skipNoGainColors"),
		NoRefinement:                     v.GetBool("noRefinement"),
		MaxKMeansIterations:              v.GetInt("maxKMeansIterations"),
		BalanceIterations:                v.GetInt("balanceIterations"),
		MinSamplingNodes:                 v.GetInt("minSamplingNodes"),
		InfluenceExponent:                v.GetFloat64("influenceExponent"),
		InfluenceChangeCap:               v.GetFloat64("influenceChangeCap"),
		TightenBounds:                    v.GetBool("tightenBounds"),
		FreezeBalancedInfluence:          v.GetBool("freezeBalancedInfluence"),
		ErodeInfluence:                   v.GetBool("erodeInfluence"),
		PixeledSideLen:                   v.GetInt("pixeledSideLen"),
		InitialPartition:                 method,
		GraphFile:                        v.GetString("graphFile"),
		CoordFile:                        v.GetString("coordFile"),
		OutFile:                          v.GetString("outFile"),
		BlockGraphFile:                   v.GetString("blockGraphFile"),
		Generate:                         v.GetBool("generate"),
		FileFormat:                       v.GetString("fileFormat"),
		WriteDebugCoordinates:            v.GetBool("writeDebugCoordinates"),
		LogLevel:                         v.GetString("logLevel"),
		HTTPAddr:                         v.GetString("httpAddr"),
		Debug:                            v.GetBool("debug"),
	}
	if s.CoordFile == "" && s.GraphFile != "" {
		s.CoordFile = s.GraphFile + ".xyz"
	}
	return s, s.Validate()
}

// Default returns the shipped settings, validated.
func Default() Settings {
	s, err := Load(nil)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate rejects settings no pipeline stage can honour.
func (s Settings) Validate() error {
	if s.Dimensions != 2 && s.Dimensions != 3 {
		return errors.Wrapf(ErrConfig, "dimensions must be 2 or 3, got %d", s.Dimensions)
	}
	if s.NumBlocks < 1 {
		return errors.Wrapf(ErrConfig, "numBlocks must be at least 1, got %d", s.NumBlocks)
	}
	if s.NumProcs < 1 {
		return errors.Wrapf(ErrConfig, "numProcs must be at least 1, got %d", s.NumProcs)
	}
	if s.Epsilon <= 0 {
		return errors.Wrapf(ErrConfig, "epsilon must be positive, got %g", s.Epsilon)
	}
	if s.SFCResolution < 1 {
		return errors.Wrapf(ErrConfig, "sfcResolution must be at least 1, got %d", s.SFCResolution)
	}
	if s.PixeledSideLen < 2 {
		return errors.Wrapf(ErrConfig, "pixeledSideLen must be at least 2, got %d", s.PixeledSideLen)
	}
	if s.MultiLevelRounds < 0 || s.CoarseningStepsBetweenRefinement < 1 {
		return errors.Wrapf(ErrConfig, "invalid multilevel configuration")
	}
	return nil
}

// CreateLogger builds the service logger.
func (s Settings) CreateLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(s.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}).Level(level).With().Timestamp().Str("service", "geographer").Logger()
}
