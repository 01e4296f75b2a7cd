package ml

import (
	"context"
	"encoding/json"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Activation names accepted in MLP artifacts.
const (
	ActivationReLU   = "relu"
	ActivationLinear = "linear"
)

// DenseLayer is a fully connected layer. Weights has one row per output
// unit and one column per input.
type DenseLayer struct {
	Weights    [][]float64 `json:"weights"`
	Bias       []float64   `json:"bias"`
	Activation string      `json:"activation"`
}

type mlpArtifact struct {
	Layers []DenseLayer `json:"layers"`
}

type denseLayer struct {
	w    *mat.Dense
	b    *mat.VecDense
	relu bool
}

// MLPModel is a feed-forward network ending in a single linear unit.
type MLPModel struct {
	name   string
	inputs int
	layers []denseLayer
	spec   []DenseLayer
}

// NewMLPModel validates layer shapes: each layer's input count must match
// the previous layer's unit count and the last layer must have one unit.
func NewMLPModel(name string, layers []DenseLayer) (*MLPModel, error) {
	if name == "" {
		return nil, fmt.Errorf("mlp model name is required")
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("mlp model %q has no layers", name)
	}

	m := &MLPModel{name: name}
	prev := 0
	for i, l := range layers {
		units := len(l.Weights)
		if units == 0 || len(l.Bias) != units {
			return nil, fmt.Errorf("mlp model %q: layer %d has %d weight rows and %d biases", name, i, units, len(l.Bias))
		}
		in := len(l.Weights[0])
		if in == 0 {
			return nil, fmt.Errorf("mlp model %q: layer %d has no inputs", name, i)
		}
		if i > 0 && in != prev {
			return nil, fmt.Errorf("mlp model %q: layer %d takes %d inputs, previous layer has %d units", name, i, in, prev)
		}

		var relu bool
		switch l.Activation {
		case ActivationReLU:
			relu = true
		case ActivationLinear, "":
		default:
			return nil, fmt.Errorf("mlp model %q: layer %d: unsupported activation %q", name, i, l.Activation)
		}

		flat := make([]float64, 0, units*in)
		for r, row := range l.Weights {
			if len(row) != in {
				return nil, fmt.Errorf("mlp model %q: layer %d row %d has %d weights, want %d", name, i, r, len(row), in)
			}
			flat = append(flat, row...)
		}

		m.layers = append(m.layers, denseLayer{
			w:    mat.NewDense(units, in, flat),
			b:    mat.NewVecDense(units, append([]float64(nil), l.Bias...)),
			relu: relu,
		})
		if i == 0 {
			m.inputs = in
		}
		prev = units
	}
	if prev != 1 {
		return nil, fmt.Errorf("mlp model %q: output layer has %d units, want 1", name, prev)
	}

	m.spec = make([]DenseLayer, len(layers))
	for i, l := range layers {
		rows := make([][]float64, len(l.Weights))
		for r := range l.Weights {
			rows[r] = append([]float64(nil), l.Weights[r]...)
		}
		m.spec[i] = DenseLayer{Weights: rows, Bias: append([]float64(nil), l.Bias...), Activation: l.Activation}
	}
	return m, nil
}

func decodeMLP(name string, data []byte) (*MLPModel, error) {
	var art mlpArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("decode mlp model %q: %w", name, err)
	}
	return NewMLPModel(name, art.Layers)
}

// Encode serializes the model as an mlp artifact.
func (m *MLPModel) Encode() ([]byte, error) {
	return json.Marshal(mlpArtifact{Layers: m.spec})
}

func (m *MLPModel) Name() string    { return m.name }
func (m *MLPModel) InputWidth() int { return m.inputs }

func (m *MLPModel) Predict(ctx context.Context, features []float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := checkWidth(m.name, m.inputs, features); err != nil {
		return 0, err
	}

	x := mat.NewVecDense(len(features), append([]float64(nil), features...))
	for _, l := range m.layers {
		units, _ := l.w.Dims()
		y := mat.NewVecDense(units, nil)
		y.MulVec(l.w, x)
		y.AddVec(y, l.b)
		if l.relu {
			for i := 0; i < units; i++ {
				if y.AtVec(i) < 0 {
					y.SetVec(i, 0)
				}
			}
		}
		x = y
	}
	return x.AtVec(0), nil
}
