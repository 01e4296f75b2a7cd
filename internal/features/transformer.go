// Package features turns schema records into the fixed-length numeric
// vectors the pricing models consume.
//
// A Transformer is fitted once from a training corpus and is read-only
// afterwards. Its output column order is an explicit, persisted property,
// so the serving process reproduces training-time vectors exactly.
package features

import (
	"fmt"
	"math"
	"sort"
	"time"

	"diamond-pricer/internal/schema"

	"gonum.org/v1/gonum/stat"
)

// MinStdDev floors the fitted standard deviation so constant columns
// scale to zero instead of dividing by zero.
const MinStdDev = 1e-12

// NumericStats is the fitted scaling of one numeric field.
type NumericStats struct {
	Name string  `json:"name"`
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// CategoryVocab is the fitted one-hot vocabulary of one categorical field,
// in output column order.
type CategoryVocab struct {
	Name   string   `json:"name"`
	Levels []string `json:"levels"`
}

// Transformer is the fitted feature transformation. Numeric fields come
// first as z-scores, then one one-hot segment per categorical field.
type Transformer struct {
	schemaVersion string
	fingerprint   string
	numeric       []NumericStats
	categorical   []CategoryVocab
	offsets       []map[string]int
	columns       []string
	fittedAt      time.Time
	rows          int
}

// Fit computes per-field mean and population standard deviation for
// numeric fields and the sorted set of observed levels for categorical
// fields. Every record must satisfy the schema.
func Fit(s *schema.Schema, records []schema.Record) (*Transformer, error) {
	if s == nil {
		return nil, fmt.Errorf("fit: schema is nil")
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("fit: no training records")
	}
	for i, rec := range records {
		if err := s.Validate(rec); err != nil {
			return nil, fmt.Errorf("fit: record %d: %w", i, err)
		}
	}

	numericFields := s.NumericFields()
	numeric := make([]NumericStats, len(numericFields))
	column := make([]float64, len(records))
	for j, name := range numericFields {
		for i, rec := range records {
			column[i] = rec.Numeric[name]
		}
		mean, std := stat.PopMeanStdDev(column, nil)
		numeric[j] = NumericStats{Name: name, Mean: mean, Std: floorStd(std)}
	}

	categoricalFields := s.CategoricalFields()
	categorical := make([]CategoryVocab, len(categoricalFields))
	for j, field := range categoricalFields {
		seen := make(map[string]bool)
		levels := make([]string, 0, len(field.Levels))
		for _, rec := range records {
			v := rec.Categorical[field.Name]
			if !seen[v] {
				seen[v] = true
				levels = append(levels, v)
			}
		}
		sort.Strings(levels)
		categorical[j] = CategoryVocab{Name: field.Name, Levels: levels}
	}

	return build(State{
		SchemaVersion:     s.Version(),
		SchemaFingerprint: s.Fingerprint(),
		Numeric:           numeric,
		Categorical:       categorical,
		FittedAt:          time.Now().UTC(),
		Rows:              len(records),
	})
}

// Transform maps a record to its feature vector. A missing field is a
// schema violation; a categorical value outside the fitted vocabulary
// yields an all-zero segment and is not an error.
func (t *Transformer) Transform(rec schema.Record) ([]float64, error) {
	vec, _, err := t.TransformDetail(rec)
	return vec, err
}

// TransformDetail is Transform that also reports which categorical fields
// carried a level the transformer has never seen.
func (t *Transformer) TransformDetail(rec schema.Record) ([]float64, []string, error) {
	vec := make([]float64, len(t.columns))
	var unknown []string

	for i, ns := range t.numeric {
		v, ok := rec.Numeric[ns.Name]
		if !ok {
			return nil, nil, &schema.ViolationError{Field: ns.Name, Reason: "required field is missing"}
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, nil, &schema.ViolationError{Field: ns.Name, Reason: "value must be finite"}
		}
		vec[i] = (v - ns.Mean) / ns.Std
	}

	base := len(t.numeric)
	for j, cv := range t.categorical {
		v, ok := rec.Categorical[cv.Name]
		if !ok {
			return nil, nil, &schema.ViolationError{Field: cv.Name, Reason: "required field is missing"}
		}
		if pos, known := t.offsets[j][v]; known {
			vec[base+pos] = 1
		} else {
			unknown = append(unknown, cv.Name)
		}
		base += len(cv.Levels)
	}

	return vec, unknown, nil
}

// Width is the fixed length of every vector this transformer produces.
func (t *Transformer) Width() int { return len(t.columns) }

// Columns returns the output column names in vector order.
func (t *Transformer) Columns() []string {
	return append([]string(nil), t.columns...)
}

// SchemaVersion is the version of the schema the transformer was fitted on.
func (t *Transformer) SchemaVersion() string { return t.schemaVersion }

// SchemaFingerprint is the fingerprint of the schema used at fit time.
func (t *Transformer) SchemaFingerprint() string { return t.fingerprint }

// Rows is the number of training records seen by Fit.
func (t *Transformer) Rows() int { return t.rows }

// Compatible reports whether the transformer was fitted on s. Serving with
// a different schema would reintroduce train/serve skew.
func (t *Transformer) Compatible(s *schema.Schema) error {
	if s == nil {
		return fmt.Errorf("schema is nil")
	}
	if t.fingerprint != s.Fingerprint() {
		return fmt.Errorf("transformer fitted on schema %s (%.12s), serving schema is %s (%.12s)",
			t.schemaVersion, t.fingerprint, s.Version(), s.Fingerprint())
	}
	return nil
}

// Stats returns the fitted numeric scaling parameters.
func (t *Transformer) Stats() []NumericStats {
	return append([]NumericStats(nil), t.numeric...)
}

// Vocabularies returns the fitted categorical vocabularies.
func (t *Transformer) Vocabularies() []CategoryVocab {
	out := make([]CategoryVocab, len(t.categorical))
	for i, cv := range t.categorical {
		out[i] = CategoryVocab{Name: cv.Name, Levels: append([]string(nil), cv.Levels...)}
	}
	return out
}

func floorStd(std float64) float64 {
	if math.IsNaN(std) || std < MinStdDev {
		return MinStdDev
	}
	return std
}
