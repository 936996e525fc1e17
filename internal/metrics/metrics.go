// Package metrics exposes prometheus counters for long eval runs.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TxOriginals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ccat_tx_originals_total",
		Help: "Original packets pushed into the channel",
	})
	TxRecoveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ccat_tx_recoveries_total",
		Help: "Recovery packets pushed into the channel",
	})
	ChannelDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ccat_channel_drops_total",
		Help: "Packets lost by the simulated channel",
	})
	Delivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ccat_delivered_total",
		Help: "Originals delivered to the application callback",
	})
	Recovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ccat_recovered_total",
		Help: "Originals reconstructed from recovery rows",
	})
	SolveSuccesses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ccat_solve_successes_total",
		Help: "Multi-loss solves that recovered data",
	})
	SolveFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ccat_solve_failures_total",
		Help: "Rank-deficient solves and recovered buffers with an impossible length prefix",
	})
	ActiveScenarios = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ccat_active_scenarios",
		Help: "Scenario evaluations currently running",
	})
)

// Serve registers the collectors and serves /metrics on addr in the
// background.
func Serve(addr string) {
	prometheus.MustRegister(
		TxOriginals, TxRecoveries, ChannelDrops,
		Delivered, Recovered, SolveSuccesses, SolveFailures,
		ActiveScenarios,
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("metrics: serve error: %v", err)
		}
	}()
}
