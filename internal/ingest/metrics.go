package ingest

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the pipeline's own Prometheus instruments. A nil *Metrics
// records nothing.
type Metrics struct {
	payloads   prometheus.Counter
	dataPoints *prometheus.CounterVec
	failures   *prometheus.CounterVec
	synthetic  prometheus.Counter
}

// NewMetrics creates the pipeline instruments and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		payloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otlp_usage_payloads_total",
			Help: "OTLP metric payloads processed.",
		}),
		dataPoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otlp_usage_datapoints_total",
			Help: "Data points processed, partitioned by aggregation route.",
		}, []string{"route"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otlp_usage_aggregation_failures_total",
			Help: "Storage failures while handling data points, partitioned by operation.",
		}, []string{"op"}),
		synthetic: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otlp_usage_synthetic_messages_total",
			Help: "Synthetic messages written for blocks without a message id.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.payloads, m.dataPoints, m.failures, m.synthetic)
	}
	return m
}

func (m *Metrics) payload() {
	if m != nil {
		m.payloads.Inc()
	}
}

func (m *Metrics) dataPoint(r Route) {
	if m != nil {
		m.dataPoints.WithLabelValues(r.String()).Inc()
	}
}

func (m *Metrics) failure(op string) {
	if m != nil {
		m.failures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) syntheticMessage() {
	if m != nil {
		m.synthetic.Inc()
	}
}
