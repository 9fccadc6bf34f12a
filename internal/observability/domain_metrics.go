package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	llmRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "semsql_llm_requests_total",
			Help: "Total number of outbound LLM requests by outcome.",
		},
		[]string{"outcome"},
	)
	llmRequestLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "semsql_llm_request_latency_ms",
			Help:    "Outbound LLM request latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 20000, 60000},
		},
	)
	llmBackoffSeconds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "semsql_llm_backoff_seconds_total",
			Help: "Total time spent waiting between LLM attempts, by reason.",
		},
		[]string{"reason"},
	)
	llmKeysRateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "semsql_llm_keys_rate_limited_total",
			Help: "Total number of times an api key was put into cooldown.",
		},
	)
	pipelineOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "semsql_pipeline_outcomes_total",
			Help: "Total number of query generation runs by outcome.",
		},
		[]string{"outcome"},
	)
	auditWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "semsql_audit_write_failures_total",
			Help: "Total number of permission-failure audit writes that failed.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		llmRequestsTotal,
		llmRequestLatencyMs,
		llmBackoffSeconds,
		llmKeysRateLimitedTotal,
		pipelineOutcomesTotal,
		auditWriteFailuresTotal,
	)
}

func ObserveLLMRequest(outcome string, elapsed time.Duration) {
	llmRequestsTotal.WithLabelValues(outcome).Inc()
	llmRequestLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveBackoff(reason string, delay time.Duration) {
	if delay <= 0 {
		return
	}
	llmBackoffSeconds.WithLabelValues(reason).Add(delay.Seconds())
}

func IncrementKeyRateLimited() {
	llmKeysRateLimitedTotal.Inc()
}

func IncrementPipelineOutcome(outcome string) {
	pipelineOutcomesTotal.WithLabelValues(outcome).Inc()
}

func IncrementAuditWriteFailure() {
	auditWriteFailuresTotal.Inc()
}

// KeyPoolStatusFunc reports the current number of available and cooling-down keys.
type KeyPoolStatusFunc func() (available, limited int)

// RegisterKeyPoolGauges exposes key pool state, computed at scrape time, on reg.
func RegisterKeyPoolGauges(reg prometheus.Registerer, status KeyPoolStatusFunc) error {
	available := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "semsql_llm_keys_available",
			Help: "Number of api keys currently eligible for selection.",
		},
		func() float64 {
			n, _ := status()
			return float64(n)
		},
	)
	limited := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "semsql_llm_keys_rate_limited",
			Help: "Number of api keys currently in cooldown.",
		},
		func() float64 {
			_, n := status()
			return float64(n)
		},
	)
	if err := reg.Register(available); err != nil {
		return err
	}
	return reg.Register(limited)
}
