// Package metrics provides Prometheus metrics collection for the pricing
// service. It defines the prediction, bundle, cache and transport metrics
// exposed on the metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "diamond_pricer"

// Metrics holds all Prometheus metrics for the pricing service.
type Metrics struct {
	// Prediction metrics
	Predictions       prometheus.Counter       // Successful predictions served
	PredictionErrors  *prometheus.CounterVec   // Failed predictions by failure kind
	PredictionLatency prometheus.Histogram     // End-to-end prediction latency
	ModelScores       *prometheus.HistogramVec // Per-model price outputs
	UnknownCategories *prometheus.CounterVec   // Categorical values outside the fitted vocabulary

	// Bundle metrics
	BundleLoaded  prometheus.Gauge       // 1 when a bundle is published
	BundleAge     prometheus.Gauge       // Seconds since the served bundle was created
	BundleReloads *prometheus.CounterVec // Reload attempts by result

	// Cache metrics
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// Transport metrics
	HTTPRequests         *prometheus.CounterVec // Requests by route and status code
	WebSocketConnections prometheus.Gauge       // Open streaming connections
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		Predictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Total number of successful price predictions",
		}),
		PredictionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prediction_errors_total",
			Help:      "Total number of failed predictions by failure kind",
		}, []string{"kind"}),
		PredictionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_latency_seconds",
			Help:      "Prediction latency in seconds (end-to-end)",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		ModelScores: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_score_price",
			Help:      "Distribution of per-model price outputs",
			Buckets:   prometheus.ExponentialBuckets(250, 2, 8),
		}, []string{"model"}),
		UnknownCategories: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_category_total",
			Help:      "Categorical values not seen at fit time, by field",
		}, []string{"field"}),
		BundleLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bundle_loaded",
			Help:      "Whether a model bundle is loaded (1) or not (0)",
		}),
		BundleAge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bundle_age_seconds",
			Help:      "Age of the served model bundle in seconds",
		}),
		BundleReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundle_reloads_total",
			Help:      "Bundle reload attempts by result",
		}, []string{"result"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Prediction cache hits",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Prediction cache misses",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		WebSocketConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Number of open streaming prediction connections",
		}),
	}
}
