// Package metrics exposes the pipeline's Prometheus instrumentation on a
// dedicated registry, keeping the default registry's Go runtime collectors
// out of scrape output unless explicitly added.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the pipeline touches.
type Metrics struct {
	registry *prometheus.Registry

	URLsFetched       *prometheus.CounterVec
	FetchDuration     *prometheus.HistogramVec
	OffersExtracted   *prometheus.CounterVec
	OffersDropped     *prometheus.CounterVec
	OffersQuarantined *prometheus.CounterVec
	PricesWritten     *prometheus.CounterVec
	AdaptersDisabled  *prometheus.CounterVec
	RunsFinalized     *prometheus.CounterVec
}

// New builds the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		URLsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ammoharvest",
			Name:      "urls_fetched_total",
			Help:      "Fetch attempts by retailer and outcome status.",
		}, []string{"retailer", "status"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ammoharvest",
			Name:      "fetch_duration_seconds",
			Help:      "Fetch latency by retailer.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"retailer"}),
		OffersExtracted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ammoharvest",
			Name:      "offers_extracted_total",
			Help:      "Offers successfully extracted by adapter.",
		}, []string{"adapter"}),
		OffersDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ammoharvest",
			Name:      "offers_dropped_total",
			Help:      "Offers discarded before persistence, by reason.",
		}, []string{"reason"}),
		OffersQuarantined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ammoharvest",
			Name:      "offers_quarantined_total",
			Help:      "Offers routed to the review table, by reason.",
		}, []string{"reason"}),
		PricesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ammoharvest",
			Name:      "prices_written_total",
			Help:      "Price records persisted, by retailer.",
		}, []string{"retailer"}),
		AdaptersDisabled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ammoharvest",
			Name:      "adapters_disabled_total",
			Help:      "Drift auto-disable events, by adapter and reason.",
		}, []string{"adapter", "reason"}),
		RunsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ammoharvest",
			Name:      "runs_finalized_total",
			Help:      "Finalized scrape runs, by adapter and status.",
		}, []string{"adapter", "status"}),
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
		m.URLsFetched, m.FetchDuration,
		m.OffersExtracted, m.OffersDropped, m.OffersQuarantined,
		m.PricesWritten, m.AdaptersDisabled, m.RunsFinalized,
	)
	return m
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
