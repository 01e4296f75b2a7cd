package ml

import (
	"context"
	"sync"
)

// MockMetrics implements MetricsInterface for testing
type MockMetrics struct {
	mu               sync.Mutex
	predictions      int
	failures         map[string]int
	latencySum       float64
	modelScores      map[string][]float64
	unknownLevels    map[string]int
	bundleLoaded     bool
	bundleAge        float64
	reloadsSucceeded int
	reloadsFailed    int
	cacheHits        int
	cacheMisses      int
}

func (m *MockMetrics) PredictionsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions++
}

func (m *MockMetrics) PredictionFailuresInc(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures == nil {
		m.failures = make(map[string]int)
	}
	m.failures[kind]++
}

func (m *MockMetrics) PredictionLatencyObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencySum += v
}

func (m *MockMetrics) ModelScoreObserve(model string, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.modelScores == nil {
		m.modelScores = make(map[string][]float64)
	}
	m.modelScores[model] = append(m.modelScores[model], score)
}

func (m *MockMetrics) UnknownCategoryInc(field string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unknownLevels == nil {
		m.unknownLevels = make(map[string]int)
	}
	m.unknownLevels[field]++
}

func (m *MockMetrics) BundleLoadedSet(loaded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundleLoaded = loaded
}

func (m *MockMetrics) BundleAgeSet(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundleAge = v
}

func (m *MockMetrics) BundleReloadsInc(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.reloadsSucceeded++
	} else {
		m.reloadsFailed++
	}
}

func (m *MockMetrics) CacheHitsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheHits++
}

func (m *MockMetrics) CacheMissesInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheMisses++
}

// StaticModel returns a fixed score, or a fixed error. It is useful for
// exercising the ensemble without real weights.
type StaticModel struct {
	ModelName string
	Score     float64
	Err       error
}

func (m StaticModel) Name() string { return m.ModelName }

func (m StaticModel) Predict(ctx context.Context, _ []float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if m.Err != nil {
		return 0, m.Err
	}
	return m.Score, nil
}

// MapCache is an unbounded in-process ResultCache for tests.
type MapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	Err  error
}

func (c *MapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, false, c.Err
	}
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *MapCache) Set(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	if c.data == nil {
		c.data = make(map[string][]byte)
	}
	c.data[key] = value
	return nil
}

func (c *MapCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
