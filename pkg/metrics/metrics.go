package metrics

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects one partitioning run. The SPMD ranks report through the
// rank-0 code paths only, so plain mutex protection suffices.
type Metrics struct {
	mu sync.Mutex

	RunID      string
	GlobalN    int
	GlobalM    int
	Dimensions int
	NumBlocks  int
	NumProcs   int

	Cut       float64
	Imbalance float64
	MaxComm   int
	TotalComm int

	KMeansIterations   int
	NumBalanceIters    []int
	FMGainPerRound     []float64
	MultiLevelLevels   int
	StageDurations     map[string]time.Duration
}

// New creates an empty record with a fresh run id.
func New() *Metrics {
	return &Metrics{
		RunID:          uuid.NewString(),
		StageDurations: make(map[string]time.Duration),
	}
}

// Timed runs fn and records its duration under the stage name.
func (m *Metrics) Timed(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	m.mu.Lock()
	m.StageDurations[stage] += time.Since(start)
	m.mu.Unlock()
	return err
}

// AddBalanceIters appends a k-means balance loop count.
func (m *Metrics) AddBalanceIters(n int) {
	m.mu.Lock()
	m.NumBalanceIters = append(m.NumBalanceIters, n)
	m.mu.Unlock()
}

// AddFMGain appends one refinement round's gain.
func (m *Metrics) AddFMGain(gain float64) {
	m.mu.Lock()
	m.FMGainPerRound = append(m.FMGainPerRound, gain)
	m.mu.Unlock()
}

// Report writes a plain-text summary.
func (m *Metrics) Report(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintf(w, "run %s\n", m.RunID)
	fmt.Fprintf(w, "input: n=%d m=%d dim=%d k=%d p=%d\n", m.GlobalN, m.GlobalM, m.Dimensions, m.NumBlocks, m.NumProcs)
	fmt.Fprintf(w, "cut=%g imbalance=%g maxComm=%d totalComm=%d\n", m.Cut, m.Imbalance, m.MaxComm, m.TotalComm)
	fmt.Fprintf(w, "kmeans iterations=%d balance loops=%v\n", m.KMeansIterations, m.NumBalanceIters)
	totalGain := 0.0
	for _, g := range m.FMGainPerRound {
		totalGain += g
	}
	fmt.Fprintf(w, "refinement rounds=%d total gain=%g\n", len(m.FMGainPerRound), totalGain)
	for stage, d := range m.StageDurations {
		fmt.Fprintf(w, "time %-12s %s\n", stage, d)
	}
}

// Collectors exposes the run as Prometheus metrics.
type Collectors struct {
	Cut           prometheus.Gauge
	Imbalance     prometheus.Gauge
	FMGain        prometheus.Counter
	KMeansIters   prometheus.Counter
	StageDuration *prometheus.GaugeVec
}

// NewCollectors registers fresh collectors on reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		Cut: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geographer", Name: "cut_weight",
			Help: "edge cut of the current partition",
		}),
		Imbalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geographer", Name: "imbalance",
			Help: "relative imbalance of the current partition",
		}),
		FMGain: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geographer", Name: "fm_gain_total",
			Help: "accumulated cut improvement from local refinement",
		}),
		KMeansIters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geographer", Name: "kmeans_iterations_total",
			Help: "Lloyd iterations executed",
		}),
		StageDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "geographer", Name: "stage_duration_seconds",
			Help: "wall time per pipeline stage",
		}, []string{"stage"}),
	}
	reg.MustRegister(c.Cut, c.Imbalance, c.FMGain, c.KMeansIters, c.StageDuration)
	return c
}

// Observe copies the run record into the collectors.
func (c *Collectors) Observe(m *Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Cut.Set(m.Cut)
	c.Imbalance.Set(m.Imbalance)
	for _, g := range m.FMGainPerRound {
		if g > 0 {
			c.FMGain.Add(g)
		}
	}
	c.KMeansIters.Add(float64(m.KMeansIterations))
	for stage, d := range m.StageDurations {
		c.StageDuration.WithLabelValues(stage).Set(d.Seconds())
	}
}
