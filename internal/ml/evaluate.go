package ml

import (
	"context"
	"fmt"
	"math"
	"time"

	"diamond-pricer/internal/dataset"

	"gonum.org/v1/gonum/stat"
)

// ModelMetric is the held-out error of one ensemble member.
type ModelMetric struct {
	Model string  `json:"model"`
	MAE   float64 `json:"mae"`
}

// EvaluationReport holds mean absolute errors on a labelled sample set.
type EvaluationReport struct {
	Samples     int           `json:"samples"`
	Models      []ModelMetric `json:"models"`
	EnsembleMAE float64       `json:"ensemble_mae"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}

// Evaluate scores every sample through the full serving path of b and
// reports MAE per model and for the averaged ensemble.
func Evaluate(ctx context.Context, b *Bundle, samples []dataset.Sample) (*EvaluationReport, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("evaluate: no samples")
	}

	names := b.ModelNames()
	perModel := make([][]float64, len(names))
	for i := range perModel {
		perModel[i] = make([]float64, len(samples))
	}
	ensemble := make([]float64, len(samples))

	for i, s := range samples {
		vec, err := b.Transformer().Transform(s.Record)
		if err != nil {
			return nil, fmt.Errorf("evaluate: sample %d: %w", i, err)
		}
		res, err := Predict(ctx, b, vec)
		if err != nil {
			return nil, fmt.Errorf("evaluate: sample %d: %w", i, err)
		}
		for j, ms := range res.Details {
			perModel[j][i] = math.Abs(ms.Score - s.Price)
		}
		ensemble[i] = math.Abs(res.Estimate - s.Price)
	}

	report := &EvaluationReport{
		Samples:     len(samples),
		Models:      make([]ModelMetric, len(names)),
		EnsembleMAE: stat.Mean(ensemble, nil),
		EvaluatedAt: time.Now().UTC(),
	}
	for j, name := range names {
		report.Models[j] = ModelMetric{Model: name, MAE: stat.Mean(perModel[j], nil)}
	}
	return report, nil
}
