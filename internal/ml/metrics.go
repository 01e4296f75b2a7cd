package ml

// MetricsInterface defines the metrics the serving path records
type MetricsInterface interface {
	PredictionsInc()
	PredictionFailuresInc(kind string)
	PredictionLatencyObserve(seconds float64)
	ModelScoreObserve(model string, score float64)
	UnknownCategoryInc(field string)
	BundleLoadedSet(loaded bool)
	BundleAgeSet(seconds float64)
	BundleReloadsInc(success bool)
	CacheHitsInc()
	CacheMissesInc()
}

type noopMetrics struct{}

func (noopMetrics) PredictionsInc()                   {}
func (noopMetrics) PredictionFailuresInc(string)      {}
func (noopMetrics) PredictionLatencyObserve(float64)  {}
func (noopMetrics) ModelScoreObserve(string, float64) {}
func (noopMetrics) UnknownCategoryInc(string)         {}
func (noopMetrics) BundleLoadedSet(bool)              {}
func (noopMetrics) BundleAgeSet(float64)              {}
func (noopMetrics) BundleReloadsInc(bool)             {}
func (noopMetrics) CacheHitsInc()                     {}
func (noopMetrics) CacheMissesInc()                   {}
