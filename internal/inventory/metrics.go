package inventory

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
	dropped  prometheus.Counter
	missing  prometheus.Counter
	products *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_reconciliations_total",
			Help: "Reconciliation attempts by invocation source and outcome.",
		}, []string{"source", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stock_reconciliation_duration_seconds",
			Help:    "Duration of reconciliation attempts including transaction retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "stock_line_items_dropped_total",
			Help: "Line items skipped because they could not be parsed.",
		}),
		missing: f.NewCounter(prometheus.CounterOpts{
			Name: "stock_products_missing_total",
			Help: "Products referenced by an order that have no inventory record.",
		}),
		products: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_products_decremented_total",
			Help: "Product records decremented, by inventory shape.",
		}, []string{"shape"}),
	}
}

func (m *Metrics) observe(src Source, res Result, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "reconciled"
	switch {
	case err != nil:
		outcome = string(CodeOf(err))
	case res.Already:
		outcome = "already"
	}
	m.attempts.WithLabelValues(string(src), outcome).Inc()
	m.duration.WithLabelValues(string(src)).Observe(d.Seconds())
	if err != nil || res.Already {
		return
	}
	m.dropped.Add(float64(res.Dropped))
	m.missing.Add(float64(len(res.Missing)))
	for _, p := range res.Products {
		m.products.WithLabelValues(string(p.Shape)).Inc()
	}
}
