package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the investigation pipeline.
type Metrics struct {
	CasesTotal        *prometheus.CounterVec
	MalformedTotal    prometheus.Counter
	SinkFailuresTotal prometheus.Counter
	InternalFaults    prometheus.Counter
	LayerSkipsTotal   prometheus.Counter
	LLMInvocations    prometheus.Counter
	ProcessingSeconds prometheus.Histogram
}

// NewMetrics registers the pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CasesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_cases_total",
			Help: "Investigated cases by decision.",
		}, []string{"decision"}),
		MalformedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fraud_malformed_events_total",
			Help: "Stream entries that could not be decoded.",
		}),
		SinkFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fraud_sink_failures_total",
			Help: "Verdict publishes that failed after all retries.",
		}),
		InternalFaults: factory.NewCounter(prometheus.CounterOpts{
			Name: "fraud_internal_faults_total",
			Help: "Cases skipped due to a recovered panic.",
		}),
		LayerSkipsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fraud_layer_skips_total",
			Help: "Cases short-circuited before the deep layers.",
		}),
		LLMInvocations: factory.NewCounter(prometheus.CounterOpts{
			Name: "fraud_llm_invocations_total",
			Help: "Cases escalated to the reasoning layer.",
		}),
		ProcessingSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fraud_case_processing_seconds",
			Help:    "End-to-end investigation latency.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
	}
}
