package metrics

import "time"

// StageHit counts a classification resolved at stage. Any stage other than
// the fresh AI call also counts as an avoided API call.
func (m *Metrics) StageHit(stage string, avoidedAPI bool) {
	if m == nil {
		return
	}
	m.StageHits.WithLabelValues(stage).Inc()
	if avoidedAPI {
		m.APICallsAvoided.Inc()
	}
}

// Call records one external call outcome and its latency.
func (m *Metrics) Call(call string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.APICalls.WithLabelValues(call, outcome).Inc()
	m.CallDuration.WithLabelValues(call).Observe(elapsed.Seconds())
}

// Fallback counts a safe default substituted for a failed call.
func (m *Metrics) Fallback(call string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(call).Inc()
}

// Match counts a matching outcome.
func (m *Metrics) Match(method string) {
	if m == nil {
		return
	}
	m.MatchOutcomes.WithLabelValues(method).Inc()
}

// ModuleTransition counts a module status change.
func (m *Metrics) ModuleTransition(module, status string) {
	if m == nil {
		return
	}
	m.ModuleTransitions.WithLabelValues(module, status).Inc()
}

// RowOutcome counts a per-row enrichment result.
func (m *Metrics) RowOutcome(module, status string) {
	if m == nil {
		return
	}
	m.RowOutcomes.WithLabelValues(module, status).Inc()
}

// Persisted counts written classification records.
func (m *Metrics) Persisted(n int) {
	if m == nil {
		return
	}
	m.RecordsPersisted.Add(float64(n))
}

// CacheLookup counts a hit or miss on a cache tier.
func (m *Metrics) CacheLookup(tier string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(tier, result).Inc()
}

// Buffer publishes the current adaptive pacing.
func (m *Metrics) Buffer(band, batchSize, concurrency int) {
	if m == nil {
		return
	}
	m.BufferBand.Set(float64(band))
	m.BufferBatchSize.Set(float64(batchSize))
	m.BufferConcurrency.Set(float64(concurrency))
}

// Breaker publishes a circuit breaker state.
func (m *Metrics) Breaker(call string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(call).Set(float64(state))
}

// WatchdogForce counts entities forced terminal by a sweep.
func (m *Metrics) WatchdogForce(sweep string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.WatchdogForced.WithLabelValues(sweep).Add(float64(n))
}

// AIUsage records token consumption and estimated cost for one call.
func (m *Metrics) AIUsage(provider string, inputTokens, outputTokens int64, costUSD float64) {
	if m == nil {
		return
	}
	m.AITokens.WithLabelValues(provider, "input").Add(float64(inputTokens))
	m.AITokens.WithLabelValues(provider, "output").Add(float64(outputTokens))
	m.AICostUSD.WithLabelValues(provider).Add(costUSD)
}
