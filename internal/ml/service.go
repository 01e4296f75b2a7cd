package ml

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"diamond-pricer/internal/schema"

	"github.com/rs/zerolog/log"
)

// BundleLoader produces a complete bundle or an error wrapping
// ErrBundleAbsent.
type BundleLoader func(ctx context.Context) (*Bundle, error)

// ResultCache stores encoded prediction outcomes. Implementations report
// misses with ok=false and a nil error.
type ResultCache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithMetrics records serving metrics on m.
func WithMetrics(m MetricsInterface) ServiceOption {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithCache enables prediction caching.
func WithCache(c ResultCache) ServiceOption {
	return func(s *Service) { s.cache = c }
}

// WithPredictTimeout bounds the scoring of one request.
func WithPredictTimeout(d time.Duration) ServiceOption {
	return func(s *Service) { s.predictTimeout = d }
}

// HealthStatus is the serving state reported on the health endpoint.
type HealthStatus struct {
	Healthy         bool      `json:"healthy"`
	BundleVersion   string    `json:"bundle_version,omitempty"`
	BundleName      string    `json:"bundle_name,omitempty"`
	Models          []string  `json:"models,omitempty"`
	LoadedAt        time.Time `json:"loaded_at,omitempty"`
	PredictionCount int64     `json:"prediction_count"`
	FailureCount    int64     `json:"failure_count"`
	CacheHitRate    float64   `json:"cache_hit_rate"`
	LastError       string    `json:"last_error,omitempty"`
	UptimeSeconds   float64   `json:"uptime_seconds"`
}

// Service is the serving facade: it validates records, reads the current
// bundle once per request, transforms and scores. It is safe for
// concurrent use; Reload may run while requests are in flight.
type Service struct {
	schema         *schema.Schema
	registry       *Registry
	loader         BundleLoader
	metrics        MetricsInterface
	cache          ResultCache
	predictTimeout time.Duration

	reloadMu  sync.Mutex
	startTime time.Time

	predictions atomic.Int64
	failures    atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	lastError   atomic.Value // string
}

// NewService creates a service with no bundle loaded. Call Reload to load
// one.
func NewService(s *schema.Schema, loader BundleLoader, opts ...ServiceOption) *Service {
	svc := &Service{
		schema:    s,
		registry:  NewRegistry(),
		loader:    loader,
		metrics:   noopMetrics{},
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.metrics.BundleLoadedSet(false)
	return svc
}

// Schema returns the serving schema.
func (s *Service) Schema() *schema.Schema { return s.schema }

// Bundle returns the bundle currently served, or nil.
func (s *Service) Bundle() *Bundle { return s.registry.Current() }

// Reload loads a complete bundle and publishes it. On failure the
// previously published bundle, if any, stays in service.
func (s *Service) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	b, err := s.loader(ctx)
	if err != nil {
		s.metrics.BundleReloadsInc(false)
		s.lastError.Store(err.Error())
		if prev := s.registry.Current(); prev != nil {
			log.Error().Err(err).Str("serving_version", prev.Version()).Msg("Bundle reload failed, keeping current bundle")
		} else {
			log.Error().Err(err).Msg("Bundle load failed, predictions unavailable")
		}
		return err
	}

	prev := s.registry.Replace(b)
	s.lastError.Store("")
	s.metrics.BundleReloadsInc(true)
	s.metrics.BundleLoadedSet(true)
	s.observeBundleAge(b)

	event := log.Info().Str("version", b.Version()).Strs("models", b.ModelNames())
	if prev != nil {
		event = event.Str("previous_version", prev.Version())
	}
	event.Msg("Bundle published")
	return nil
}

// ServePrediction validates a raw transport payload and returns the
// ensemble prediction for it.
func (s *Service) ServePrediction(ctx context.Context, raw map[string]any) (*PredictionResult, error) {
	start := time.Now()
	rec, err := s.schema.Parse(raw)
	if err != nil {
		return nil, s.fail(&Error{Kind: KindSchemaViolation, Err: err})
	}
	return s.serve(ctx, rec, start)
}

// ServeRecord is ServePrediction for an already structured record.
func (s *Service) ServeRecord(ctx context.Context, rec schema.Record) (*PredictionResult, error) {
	start := time.Now()
	if err := s.schema.Validate(rec); err != nil {
		return nil, s.fail(&Error{Kind: KindSchemaViolation, Err: err})
	}
	return s.serve(ctx, cloneRecord(rec), start)
}

type cachedOutcome struct {
	Estimate float64     `json:"estimate"`
	Details  ModelScores `json:"details"`
}

func (s *Service) serve(ctx context.Context, rec schema.Record, start time.Time) (*PredictionResult, error) {
	defer func() {
		s.metrics.PredictionLatencyObserve(time.Since(start).Seconds())
	}()

	b := s.registry.Current()
	if b == nil {
		return nil, s.fail(&Error{Kind: KindBundleUnavailable, Err: ErrBundleUnavailable})
	}

	vec, unknown, err := b.Transformer().TransformDetail(rec)
	if err != nil {
		return nil, s.fail(&Error{Kind: KindSchemaViolation, Err: err})
	}
	for _, field := range unknown {
		s.metrics.UnknownCategoryInc(field)
	}

	key := "prediction:" + b.Digest() + ":" + rec.Key()
	if res := s.fromCache(ctx, key, b, rec); res != nil {
		s.observeScores(res.Details)
		s.predictions.Add(1)
		s.metrics.PredictionsInc()
		return res, nil
	}

	if s.predictTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.predictTimeout)
		defer cancel()
	}

	scored, err := Predict(ctx, b, vec)
	if err != nil {
		var mlErr *Error
		if !errors.As(err, &mlErr) {
			mlErr = &Error{Kind: KindScoringFailure, Err: err}
		}
		return nil, s.fail(mlErr)
	}

	s.observeScores(scored.Details)
	s.toCache(ctx, key, cachedOutcome{Estimate: scored.Estimate, Details: scored.Details})

	s.predictions.Add(1)
	s.metrics.PredictionsInc()
	return &PredictionResult{
		Estimate:      scored.Estimate,
		Details:       scored.Details,
		Input:         rec,
		BundleVersion: b.Version(),
	}, nil
}

func (s *Service) fromCache(ctx context.Context, key string, b *Bundle, rec schema.Record) *PredictionResult {
	if s.cache == nil {
		return nil
	}
	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Msg("Prediction cache read failed")
		return nil
	}
	if !ok {
		s.cacheMisses.Add(1)
		s.metrics.CacheMissesInc()
		return nil
	}

	var outcome cachedOutcome
	if err := json.Unmarshal(data, &outcome); err != nil || len(outcome.Details) != len(b.models) {
		log.Warn().Err(err).Str("key", key).Msg("Discarding malformed cached prediction")
		return nil
	}
	s.cacheHits.Add(1)
	s.metrics.CacheHitsInc()
	return &PredictionResult{
		Estimate:      outcome.Estimate,
		Details:       outcome.Details,
		Input:         rec,
		BundleVersion: b.Version(),
	}
}

func (s *Service) observeScores(details ModelScores) {
	for _, ms := range details {
		s.metrics.ModelScoreObserve(ms.Model, ms.Score)
	}
}

func (s *Service) toCache(ctx context.Context, key string, outcome cachedOutcome) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data); err != nil {
		log.Warn().Err(err).Msg("Prediction cache write failed")
	}
}

func (s *Service) fail(err *Error) error {
	s.failures.Add(1)
	s.metrics.PredictionFailuresInc(err.Kind.String())
	if err.Kind == KindSchemaViolation {
		log.Debug().Err(err).Msg("Rejected prediction request")
	} else {
		log.Warn().Err(err).Str("kind", err.Kind.String()).Str("model", err.Model).Msg("Prediction failed")
		s.lastError.Store(err.Error())
	}
	return err
}

func (s *Service) observeBundleAge(b *Bundle) {
	if created := b.Manifest().CreatedAt; !created.IsZero() {
		s.metrics.BundleAgeSet(time.Since(created).Seconds())
	}
}

// Health reports readiness and serving counters.
func (s *Service) Health() HealthStatus {
	status := HealthStatus{
		PredictionCount: s.predictions.Load(),
		FailureCount:    s.failures.Load(),
		UptimeSeconds:   time.Since(s.startTime).Seconds(),
	}
	if msg, ok := s.lastError.Load().(string); ok && msg != "" {
		status.LastError = msg
	}
	if hits, misses := s.cacheHits.Load(), s.cacheMisses.Load(); hits+misses > 0 {
		status.CacheHitRate = float64(hits) / float64(hits+misses)
	}

	if b := s.registry.Current(); b != nil {
		s.observeBundleAge(b)
		status.Healthy = true
		status.BundleVersion = b.Version()
		status.BundleName = b.Manifest().Name
		status.Models = b.ModelNames()
		status.LoadedAt = b.LoadedAt()
	}
	return status
}

func cloneRecord(rec schema.Record) schema.Record {
	out := schema.NewRecord()
	for k, v := range rec.Numeric {
		out.Numeric[k] = v
	}
	for k, v := range rec.Categorical {
		out.Categorical[k] = v
	}
	return out
}
