// Package metrics exposes Prometheus collectors for the reconciliation
// engine and webhook delivery.
package metrics

import (
	"net/http"
	"time"

	"github.com/efreitasn/holdings/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the service's collectors on a private registry so that
// several instances (one per test) never collide.
type Registry struct {
	reg *prometheus.Registry

	Orders        *prometheus.CounterVec
	LockWait      prometheus.Histogram
	ApplyDuration prometheus.Histogram
	OpenPositions prometheus.Gauge
	Deliveries    *prometheus.CounterVec
}

// NewRegistry creates and registers all collectors, plus the Go runtime
// and process collectors.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		Orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holdings_orders_total",
				Help: "Orders applied by the reconciliation engine, by side and outcome.",
			},
			[]string{"side", "result"},
		),
		LockWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "holdings_lock_wait_seconds",
				Help:    "Time spent waiting for the per-instrument lock.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
			},
		),
		ApplyDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "holdings_apply_seconds",
				Help:    "End-to-end duration of applying one order, lock wait included.",
				Buckets: prometheus.DefBuckets,
			},
		),
		OpenPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "holdings_open_positions",
				Help: "Number of instruments with a non-zero holding.",
			},
		),
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holdings_webhook_deliveries_total",
				Help: "Outbound webhook deliveries, by event and outcome.",
			},
			[]string{"event", "result"},
		),
	}

	r.reg.MustRegister(
		r.Orders,
		r.LockWait,
		r.ApplyDuration,
		r.OpenPositions,
		r.Deliveries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveApply records one engine outcome.
func (r *Registry) ObserveApply(side domain.Side, outcome string, lockWait, total time.Duration) {
	r.Orders.WithLabelValues(string(side), outcome).Inc()
	r.LockWait.Observe(lockWait.Seconds())
	r.ApplyDuration.Observe(total.Seconds())
}

// ObservePositions adjusts the open position gauge by delta.
func (r *Registry) ObservePositions(delta int) {
	r.OpenPositions.Add(float64(delta))
}

// SetOpenPositions sets the open position gauge, used at startup when a
// durable store already holds positions.
func (r *Registry) SetOpenPositions(n int) {
	r.OpenPositions.Set(float64(n))
}

// ObserveDelivery records one webhook delivery attempt.
func (r *Registry) ObserveDelivery(event string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	r.Deliveries.WithLabelValues(event, result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
