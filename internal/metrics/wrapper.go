package metrics

import "strconv"

// MetricsWrapper adapts Metrics to the method set the serving path records
// through, keeping the prediction code free of Prometheus types.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

func (w *MetricsWrapper) PredictionsInc() {
	w.m.Predictions.Inc()
}

func (w *MetricsWrapper) PredictionFailuresInc(kind string) {
	w.m.PredictionErrors.WithLabelValues(kind).Inc()
}

func (w *MetricsWrapper) PredictionLatencyObserve(seconds float64) {
	w.m.PredictionLatency.Observe(seconds)
}

func (w *MetricsWrapper) ModelScoreObserve(model string, score float64) {
	w.m.ModelScores.WithLabelValues(model).Observe(score)
}

func (w *MetricsWrapper) UnknownCategoryInc(field string) {
	w.m.UnknownCategories.WithLabelValues(field).Inc()
}

func (w *MetricsWrapper) BundleLoadedSet(loaded bool) {
	if loaded {
		w.m.BundleLoaded.Set(1)
	} else {
		w.m.BundleLoaded.Set(0)
	}
}

func (w *MetricsWrapper) BundleAgeSet(seconds float64) {
	w.m.BundleAge.Set(seconds)
}

func (w *MetricsWrapper) BundleReloadsInc(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	w.m.BundleReloads.WithLabelValues(result).Inc()
}

func (w *MetricsWrapper) CacheHitsInc() {
	w.m.CacheHits.Inc()
}

func (w *MetricsWrapper) CacheMissesInc() {
	w.m.CacheMisses.Inc()
}

// HTTPRequestInc counts one finished HTTP request.
func (w *MetricsWrapper) HTTPRequestInc(route string, code int) {
	w.m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// WebSocketConnectionsAdd moves the open connection gauge by delta.
func (w *MetricsWrapper) WebSocketConnectionsAdd(delta float64) {
	w.m.WebSocketConnections.Add(delta)
}
