package metrics

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportContainsQualityNumbers(t *testing.T) {
	m := New()
	m.GlobalN = 100
	m.Cut = 42
	m.Imbalance = 0.03
	m.AddFMGain(5)
	m.AddFMGain(2)
	m.AddBalanceIters(3)

	var buf bytes.Buffer
	m.Report(&buf)
	out := buf.String()
	assert.Contains(t, out, m.RunID)
	assert.Contains(t, out, "cut=42")
	assert.Contains(t, out, "total gain=7")
}

func TestCollectorsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectors(reg)
	m := New()
	m.Cut = 10
	m.Imbalance = 0.01
	m.AddFMGain(4)
	c.Observe(m)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["geographer_cut_weight"])
	assert.True(t, names["geographer_fm_gain_total"])
}

func TestRunIDsAreUnique(t *testing.T) {
	assert.NotEqual(t, New().RunID, New().RunID)
}
