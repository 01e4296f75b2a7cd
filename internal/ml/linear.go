package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// LinearModel predicts weights·x + bias.
type LinearModel struct {
	name    string
	weights []float64
	bias    float64
}

type linearArtifact struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

// NewLinearModel copies weights; the model never shares them with the caller.
func NewLinearModel(name string, weights []float64, bias float64) (*LinearModel, error) {
	if name == "" {
		return nil, fmt.Errorf("linear model name is required")
	}
	if len(weights) == 0 {
		return nil, fmt.Errorf("linear model %q has no weights", name)
	}
	for i, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("linear model %q: weight %d is not finite", name, i)
		}
	}
	return &LinearModel{name: name, weights: append([]float64(nil), weights...), bias: bias}, nil
}

func decodeLinear(name string, data []byte) (*LinearModel, error) {
	var art linearArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("decode linear model %q: %w", name, err)
	}
	return NewLinearModel(name, art.Weights, art.Bias)
}

// Encode serializes the model as a linear artifact.
func (m *LinearModel) Encode() ([]byte, error) {
	return json.MarshalIndent(linearArtifact{Weights: m.weights, Bias: m.bias}, "", "  ")
}

func (m *LinearModel) Name() string    { return m.name }
func (m *LinearModel) InputWidth() int { return len(m.weights) }

func (m *LinearModel) Predict(ctx context.Context, features []float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := checkWidth(m.name, len(m.weights), features); err != nil {
		return 0, err
	}
	return floats.Dot(m.weights, features) + m.bias, nil
}
