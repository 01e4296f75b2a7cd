package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"diamond-pricer/internal/features"
	"diamond-pricer/internal/metrics"
	"diamond-pricer/internal/ml"
	"diamond-pricer/internal/schema"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(carat float64, cut string) schema.Record {
	rec := schema.NewRecord()
	rec.Numeric["carat"] = carat
	rec.Numeric["depth"] = 61.5
	rec.Numeric["table"] = 55
	rec.Numeric["x"] = 6.5 * carat
	rec.Numeric["y"] = 6.5 * carat
	rec.Numeric["z"] = 4 * carat
	rec.Categorical["cut"] = cut
	rec.Categorical["color"] = "E"
	rec.Categorical["clarity"] = "VS1"
	return rec
}

const payload = `{"carat": 1.0, "depth": 61.5, "table": 55, "x": 6.5, "y": 6.5, "z": 4.0, "cut": "Ideal", "color": "E", "clarity": "VS1"}`

func bundle(t *testing.T, version string, models ...ml.Model) *ml.Bundle {
	t.Helper()
	tr, err := features.Fit(schema.MustDiamonds(), []schema.Record{
		record(0.3, "Ideal"), record(0.9, "Premium"), record(1.4, "Good"),
	})
	require.NoError(t, err)
	b, err := ml.NewBundle(ml.Manifest{
		Name:    "diamonds",
		Version: version,
		Models: []ml.ModelSpec{
			{Name: "model1", Kind: ml.KindLinear, Artifact: "model1.json"},
			{Name: "model2", Kind: ml.KindLinear, Artifact: "model2.json"},
		},
	}, tr, models)
	require.NoError(t, err)
	return b
}

type fixture struct {
	srv     *httptest.Server
	metrics *metrics.Metrics
	fail    *atomic.Bool
}

func newFixture(t *testing.T, models ...ml.Model) *fixture {
	t.Helper()
	if len(models) == 0 {
		models = []ml.Model{
			ml.StaticModel{ModelName: "model1", Score: 4000},
			ml.StaticModel{ModelName: "model2", Score: 4400},
		}
	}
	b := bundle(t, "v1", models...)

	fail := &atomic.Bool{}
	loader := func(context.Context) (*ml.Bundle, error) {
		if fail.Load() {
			return nil, fmt.Errorf("%w: manifest.json missing", ml.ErrBundleAbsent)
		}
		return b, nil
	}

	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	wrapper := metrics.NewWrapper(m)
	svc := ml.NewService(schema.MustDiamonds(), loader, ml.WithMetrics(wrapper))
	require.NoError(t, svc.Reload(context.Background()))

	srv := httptest.NewServer(New(svc, wrapper, Config{Port: 8000}).Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, metrics: m, fail: fail}
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestRoot(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "Diamonds Price Prediction API is online!", body["message"])
}

func TestPredict(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.srv.URL+"/predict", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)

	var res ml.PredictionResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &res))
	assert.Equal(t, 4200.0, res.Estimate)
	assert.Equal(t, "v1", res.BundleVersion)
	assert.Equal(t, "Ideal", res.Input.Categorical["cut"])

	// details keep declared model order on the wire
	body := buf.String()
	assert.Less(t, strings.Index(body, `"model1"`), strings.Index(body, `"model2"`))
	assert.Contains(t, body, `"predicted_price":4200`)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HTTPRequests.WithLabelValues("/predict", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Predictions))
}

func TestPredict_Errors(t *testing.T) {
	tests := []struct {
		name       string
		models     []ml.Model
		body       string
		wantStatus int
		wantKind   string
	}{
		{
			name:       "malformed JSON",
			body:       `{"carat": `,
			wantStatus: http.StatusBadRequest,
			wantKind:   "schema_violation",
		},
		{
			name:       "missing field",
			body:       `{"carat": 1.0, "cut": "Ideal"}`,
			wantStatus: http.StatusBadRequest,
			wantKind:   "schema_violation",
		},
		{
			name:       "non-numeric carat",
			body:       strings.Replace(payload, `"carat": 1.0`, `"carat": "heavy"`, 1),
			wantStatus: http.StatusBadRequest,
			wantKind:   "schema_violation",
		},
		{
			name: "failing model",
			models: []ml.Model{
				ml.StaticModel{ModelName: "model1", Score: 4000},
				ml.StaticModel{ModelName: "model2", Err: errors.New("remote timeout")},
			},
			body:       payload,
			wantStatus: http.StatusInternalServerError,
			wantKind:   "scoring_failure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.models...)

			resp, err := http.Post(f.srv.URL+"/predict", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			var body ErrorResponse
			decode(t, resp, &body)
			assert.Equal(t, tt.wantKind, body.Kind)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestPredict_EmptyEnsemble(t *testing.T) {
	tr, err := features.Fit(schema.MustDiamonds(), []schema.Record{record(1, "Ideal")})
	require.NoError(t, err)
	b, err := ml.NewBundle(ml.Manifest{Name: "diamonds", Version: "empty"}, tr, nil)
	require.NoError(t, err)

	svc := ml.NewService(schema.MustDiamonds(), func(context.Context) (*ml.Bundle, error) { return b, nil })
	require.NoError(t, svc.Reload(context.Background()))
	srv := httptest.NewServer(New(svc, nil, Config{}).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/predict", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body ErrorResponse
	decode(t, resp, &body)
	assert.Equal(t, "ensemble_empty", body.Kind)
}

func TestNotReady(t *testing.T) {
	svc := ml.NewService(schema.MustDiamonds(), func(context.Context) (*ml.Bundle, error) {
		return nil, fmt.Errorf("%w: no active bundle", ml.ErrBundleAbsent)
	})
	require.Error(t, svc.Reload(context.Background()))
	srv := httptest.NewServer(New(svc, nil, Config{}).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/predict", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body ErrorResponse
	decode(t, resp, &body)
	assert.Equal(t, "bundle_unavailable", body.Kind)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var health ml.HealthStatus
	decode(t, resp, &health)
	assert.False(t, health.Healthy)
	assert.Contains(t, health.LastError, "no active bundle")

	resp, err = http.Get(srv.URL + "/model/info")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health ml.HealthStatus
	decode(t, resp, &health)
	assert.True(t, health.Healthy)
	assert.Equal(t, "v1", health.BundleVersion)
	assert.Equal(t, []string{"model1", "model2"}, health.Models)
}

func TestModelInfo(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/model/info")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var info ModelInfo
	decode(t, resp, &info)
	assert.Equal(t, "diamonds", info.Name)
	assert.Equal(t, "v1", info.Version)
	assert.Equal(t, schema.MustDiamonds().Fingerprint(), info.SchemaFingerprint)
	assert.Len(t, info.Models, 2)
	assert.Equal(t, "carat", info.Columns[0])
	assert.Contains(t, info.Columns, "cut=Ideal")
}

func TestReload(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.srv.URL+"/admin/reload", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.fail.Store(true)
	resp, err = http.Post(f.srv.URL+"/admin/reload", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body ErrorResponse
	decode(t, resp, &body)
	assert.Contains(t, body.Error, "manifest.json")

	// the previous bundle keeps serving
	resp, err = http.Post(f.srv.URL+"/predict", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/predict")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebSocketPredict(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/predict"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
	var res ml.PredictionResult
	require.NoError(t, conn.ReadJSON(&res))
	assert.Equal(t, 4200.0, res.Estimate)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WebSocketConnections))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"carat": 1.0}`)))
	var failure ErrorResponse
	require.NoError(t, conn.ReadJSON(&failure))
	assert.Equal(t, "schema_violation", failure.Kind)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.ReadJSON(&failure))
	assert.Equal(t, "schema_violation", failure.Kind)

	// the connection survives failed frames
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
	require.NoError(t, conn.ReadJSON(&res))
	assert.Equal(t, "v1", res.BundleVersion)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusFor(&ml.Error{Kind: ml.KindSchemaViolation, Err: errors.New("x")}))
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(&ml.Error{Kind: ml.KindBundleUnavailable, Err: ml.ErrBundleUnavailable}))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(&ml.Error{Kind: ml.KindEnsembleEmpty, Err: ml.ErrEnsembleEmpty}))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("unclassified")))
}
