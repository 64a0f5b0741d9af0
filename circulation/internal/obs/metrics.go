package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer, every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	IssueTotal  *prometheus.CounterVec // result=success|not_found|conflict|invalid|error
	ReturnTotal *prometheus.CounterVec // result=success|not_found|conflict|invalid|error

	OpLatencyMS *prometheus.HistogramVec // op=issue|return|sweep

	FinesTotal        prometheus.Counter
	PublishFailsTotal prometheus.Counter
	OpenLoans         prometheus.Gauge
	OverdueLoans      prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		IssueTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circulation_issue_total",
				Help: "Total issue attempts by result",
			},
			[]string{"result"},
		),
		ReturnTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circulation_return_total",
				Help: "Total return attempts by result",
			},
			[]string{"result"},
		),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "circulation_op_latency_ms",
				Help:    "Latency of circulation operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"op"},
		),
		FinesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circulation_fines_total",
			Help: "Sum of fines finalized on return",
		}),
		PublishFailsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circulation_event_publish_failures_total",
			Help: "Loan events that could not be published",
		}),
		OpenLoans: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "circulation_open_loans",
			Help: "Open loans seen by the last sweep",
		}),
		OverdueLoans: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "circulation_overdue_loans",
			Help: "Overdue loans seen by the last sweep",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.IssueTotal,
		m.ReturnTotal,
		m.OpLatencyMS,
		m.FinesTotal,
		m.PublishFailsTotal,
		m.OpenLoans,
		m.OverdueLoans,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveIssue(result string, start time.Time) {
	if m == nil {
		return
	}
	m.IssueTotal.WithLabelValues(result).Inc()
	m.OpLatencyMS.WithLabelValues("issue").Observe(float64(time.Since(start).Milliseconds()))
}

func (m *Metrics) ObserveReturn(result string, fine int, start time.Time) {
	if m == nil {
		return
	}
	m.ReturnTotal.WithLabelValues(result).Inc()
	m.OpLatencyMS.WithLabelValues("return").Observe(float64(time.Since(start).Milliseconds()))
	if fine > 0 {
		m.FinesTotal.Add(float64(fine))
	}
}

func (m *Metrics) ObserveSweep(open, overdue int, start time.Time) {
	if m == nil {
		return
	}
	m.OpenLoans.Set(float64(open))
	m.OverdueLoans.Set(float64(overdue))
	m.OpLatencyMS.WithLabelValues("sweep").Observe(float64(time.Since(start).Milliseconds()))
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.PublishFailsTotal.Inc()
}
