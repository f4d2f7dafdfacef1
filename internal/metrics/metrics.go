// Package metrics exposes Prometheus collectors for the payee pipeline. All
// recording methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "payee"

// Metrics holds the pipeline collectors.
type Metrics struct {
	reg prometheus.Gatherer

	StageHits         *prometheus.CounterVec
	APICallsAvoided   prometheus.Counter
	APICalls          *prometheus.CounterVec
	Fallbacks         *prometheus.CounterVec
	MatchOutcomes     *prometheus.CounterVec
	ModuleTransitions *prometheus.CounterVec
	RowOutcomes       *prometheus.CounterVec
	RecordsPersisted  prometheus.Counter
	CacheLookups      *prometheus.CounterVec
	BufferBand        prometheus.Gauge
	BufferBatchSize   prometheus.Gauge
	BufferConcurrency prometheus.Gauge
	BreakerState      *prometheus.GaugeVec
	WatchdogForced    *prometheus.CounterVec
	AITokens          *prometheus.CounterVec
	AICostUSD         *prometheus.CounterVec
	CallDuration      *prometheus.HistogramVec
}

// New creates collectors and registers them with reg. A nil reg uses a fresh
// private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		reg: reg,
		StageHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classify_stage_hits_total",
			Help:      "Classifications resolved per cascade stage.",
		}, []string{"stage"}),
		APICallsAvoided: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classify_api_calls_avoided_total",
			Help:      "Classifications resolved before the fresh AI stage.",
		}),
		APICalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_calls_total",
			Help:      "External service calls by call type and outcome.",
		}, []string{"call", "outcome"}),
		Fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Safe-default outcomes substituted for failed calls.",
		}, []string{"call"}),
		MatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_outcomes_total",
			Help:      "Matching engine outcomes by method.",
		}, []string{"method"}),
		ModuleTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "module_transitions_total",
			Help:      "Enrichment module status transitions.",
		}, []string{"module", "status"}),
		RowOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "row_outcomes_total",
			Help:      "Per-row enrichment outcomes.",
		}, []string{"module", "status"}),
		RecordsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_persisted_total",
			Help:      "Classification records written.",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		BufferBand: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_memory_band",
			Help:      "Current memory-pressure band (0=low, 3=critical).",
		}),
		BufferBatchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_batch_size",
			Help:      "Current adaptive batch size.",
		}),
		BufferConcurrency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_concurrency",
			Help:      "Current adaptive worker count.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per call type (0=closed, 1=open, 2=half-open).",
		}, []string{"call"}),
		WatchdogForced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_forced_total",
			Help:      "Entities forced to a terminal state by the watchdog.",
		}, []string{"sweep"}),
		AITokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_tokens_total",
			Help:      "AI tokens consumed.",
		}, []string{"provider", "type"}),
		AICostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_cost_usd_total",
			Help:      "Estimated AI spend in USD.",
		}, []string{"provider"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "external_call_duration_seconds",
			Help:      "External call latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"call"}),
	}
	reg.MustRegister(
		m.StageHits, m.APICallsAvoided, m.APICalls, m.Fallbacks, m.MatchOutcomes,
		m.ModuleTransitions, m.RowOutcomes, m.RecordsPersisted, m.CacheLookups,
		m.BufferBand, m.BufferBatchSize, m.BufferConcurrency, m.BreakerState,
		m.WatchdogForced, m.AITokens, m.AICostUSD, m.CallDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
