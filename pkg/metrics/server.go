package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Serve exposes the registry and the latest run record over HTTP. Blocks;
// intended to run in its own goroutine for long-lived driver processes.
func Serve(addr string, reg *prometheus.Registry, m *Metrics, log zerolog.Logger) error {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"run":       m.RunID,
			"cut":       m.Cut,
			"imbalance": m.Imbalance,
			"maxComm":   m.MaxComm,
			"totalComm": m.TotalComm,
		})
	})
	log.Info().Str("addr", addr).Msg("serving metrics")
	return http.ListenAndServe(addr, r)
}
