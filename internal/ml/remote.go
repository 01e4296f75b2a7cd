package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// RemoteModel scores vectors on a KServe V1 inference endpoint.
type RemoteModel struct {
	name     string
	endpoint string
	model    string
	width    int
	timeout  time.Duration
	rest     *resty.Client
}

type remoteArtifact struct {
	Endpoint   string `json:"endpoint"`
	Model      string `json:"model"`
	InputWidth int    `json:"input_width,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

type kserveV1Request struct {
	Instances [][]float64 `json:"instances"`
}

type kserveV1Response struct {
	Predictions []json.RawMessage `json:"predictions"`
}

// NewRemoteModel creates a KServe client for model served at endpoint.
// A zero width disables the local input width check.
func NewRemoteModel(name, endpoint, model string, width int, timeout time.Duration) (*RemoteModel, error) {
	if name == "" || endpoint == "" || model == "" {
		return nil, fmt.Errorf("remote model requires name, endpoint and model")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	r := resty.New()
	r.SetTimeout(timeout)
	r.SetHeader("Content-Type", "application/json")
	return &RemoteModel{
		name:     name,
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		width:    width,
		timeout:  timeout,
		rest:     r,
	}, nil
}

func decodeRemote(name string, data []byte, defaultTimeout time.Duration) (*RemoteModel, error) {
	var art remoteArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("decode kserve model %q: %w", name, err)
	}
	timeout := defaultTimeout
	if art.Timeout != "" {
		d, err := time.ParseDuration(art.Timeout)
		if err != nil {
			return nil, fmt.Errorf("kserve model %q: invalid timeout: %w", name, err)
		}
		timeout = d
	}
	return NewRemoteModel(name, art.Endpoint, art.Model, art.InputWidth, timeout)
}

// Encode serializes the model as a kserve artifact.
func (m *RemoteModel) Encode() ([]byte, error) {
	return json.MarshalIndent(remoteArtifact{
		Endpoint:   m.endpoint,
		Model:      m.model,
		InputWidth: m.width,
		Timeout:    m.timeout.String(),
	}, "", "  ")
}

func (m *RemoteModel) Name() string    { return m.name }
func (m *RemoteModel) InputWidth() int { return m.width }

func (m *RemoteModel) Predict(ctx context.Context, features []float64) (float64, error) {
	if m.width > 0 {
		if err := checkWidth(m.name, m.width, features); err != nil {
			return 0, err
		}
	}

	out := &kserveV1Response{}
	resp, err := m.rest.R().
		SetContext(ctx).
		SetBody(kserveV1Request{Instances: [][]float64{features}}).
		SetResult(out).
		Post(m.endpoint + "/v1/models/" + m.model + ":predict")
	if err != nil {
		return 0, fmt.Errorf("kserve %s: %w", m.model, err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("kserve %s: status %d: %s", m.model, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	if len(out.Predictions) == 0 {
		return 0, fmt.Errorf("kserve %s: empty predictions", m.model)
	}
	return firstScalar(out.Predictions[0])
}

// firstScalar accepts either a bare number or a one-element array, the two
// shapes regression servers commonly return per instance.
func firstScalar(raw json.RawMessage) (float64, error) {
	var v float64
	if err := json.Unmarshal(raw, &v); err == nil {
		return v, nil
	}
	var arr []float64
	if err := json.Unmarshal(raw, &arr); err != nil {
		return 0, fmt.Errorf("unexpected prediction %s", string(raw))
	}
	if len(arr) == 0 {
		return 0, fmt.Errorf("empty prediction array")
	}
	return arr[0], nil
}
