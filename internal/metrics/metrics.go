package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the process-level Prometheus instruments. Each instance
// owns its registry so tests can construct them freely.
type Metrics struct {
	registry *prometheus.Registry

	TicksProcessed *prometheus.CounterVec
	RecordsQueued  prometheus.Counter
	RecordsDropped prometheus.Counter
	FlushBatches   prometheus.Counter
	FlushFailures  prometheus.Counter
	ScanCycles     *prometheus.CounterVec
	ScanFailures   *prometheus.CounterVec
	ActiveOpps     prometheus.Gauge
}

// New constructs the instrument set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		TicksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fundingwatcher_ticks_processed_total",
			Help: "Market data events consumed, by exchange and kind.",
		}, []string{"exchange", "kind"}),
		RecordsQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "fundingwatcher_records_queued_total",
			Help: "Records enqueued for the batched storage flush.",
		}),
		RecordsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "fundingwatcher_records_dropped_total",
			Help: "Records dropped (late buckets, malformed payloads, failed flushes).",
		}),
		FlushBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "fundingwatcher_flush_batches_total",
			Help: "Completed storage flush transactions.",
		}),
		FlushFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "fundingwatcher_flush_failures_total",
			Help: "Storage flushes that failed and dropped their batch.",
		}),
		ScanCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fundingwatcher_scan_cycles_total",
			Help: "Completed scan cycles, by component.",
		}, []string{"component"}),
		ScanFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fundingwatcher_scan_failures_total",
			Help: "Scan cycles that ended with an error, by component.",
		}, []string{"component"}),
		ActiveOpps: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fundingwatcher_active_opportunities",
			Help: "Active rows in the cross-exchange opportunity ledger.",
		}),
	}
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
