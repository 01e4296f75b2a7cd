package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"

	"diamond-pricer/internal/schema"

	"golang.org/x/sync/errgroup"
)

// ModelScore is one member's output.
type ModelScore struct {
	Model string  `json:"model"`
	Score float64 `json:"score"`
}

// ModelScores keeps member outputs in declared order. It renders as a JSON
// object whose keys appear in that order.
type ModelScores []ModelScore

// Get returns the score of the named model.
func (s ModelScores) Get(name string) (float64, bool) {
	for _, ms := range s {
		if ms.Model == name {
			return ms.Score, true
		}
	}
	return 0, false
}

func (s ModelScores) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, ms := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(ms.Model)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(ms.Score)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (s *ModelScores) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("model scores must be a JSON object")
	}
	out := ModelScores{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("model scores: unexpected key %v", tok)
		}
		var score float64
		if err := dec.Decode(&score); err != nil {
			return fmt.Errorf("model scores: %s: %w", name, err)
		}
		out = append(out, ModelScore{Model: name, Score: score})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*s = out
	return nil
}

// PredictionResult is the outcome of one prediction. Values are built once
// and not modified afterwards.
type PredictionResult struct {
	Estimate      float64       `json:"predicted_price"`
	Details       ModelScores   `json:"details"`
	Input         schema.Record `json:"input"`
	BundleVersion string        `json:"bundle_version"`
}

// Predict scores vector with every model of b concurrently and returns the
// arithmetic mean. Outputs are stored by declared position, so Details
// follows bundle order and the mean is summed in that order. The first
// member failure cancels the others and is returned as a scoring failure.
func Predict(ctx context.Context, b *Bundle, vector []float64) (*PredictionResult, error) {
	if b == nil {
		return nil, &Error{Kind: KindBundleUnavailable, Err: ErrBundleUnavailable}
	}
	if len(b.models) == 0 {
		return nil, &Error{Kind: KindEnsembleEmpty, Err: ErrEnsembleEmpty}
	}
	if len(vector) != b.transformer.Width() {
		return nil, &Error{
			Kind: KindScoringFailure,
			Err:  fmt.Errorf("vector has %d features, bundle expects %d", len(vector), b.transformer.Width()),
		}
	}

	outputs := make([]float64, len(b.models))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range b.models {
		g.Go(func() error {
			v, err := m.Predict(gctx, vector)
			if err != nil {
				return &Error{Kind: KindScoringFailure, Model: m.Name(), Err: err}
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return &Error{Kind: KindScoringFailure, Model: m.Name(), Err: fmt.Errorf("non-finite output %v", v)}
			}
			outputs[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	details := make(ModelScores, len(b.models))
	var sum float64
	for i, m := range b.models {
		details[i] = ModelScore{Model: m.Name(), Score: outputs[i]}
		sum += outputs[i]
	}

	return &PredictionResult{
		Estimate:      sum / float64(len(outputs)),
		Details:       details,
		BundleVersion: b.Version(),
	}, nil
}
