package features

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// State is the persisted form of a Transformer. Columns is written
// explicitly so other readers can rebuild vectors without replaying the
// fitting logic; Decode cross-checks it against the numeric and
// categorical sections.
type State struct {
	SchemaVersion     string          `json:"schema_version"`
	SchemaFingerprint string          `json:"schema_fingerprint"`
	Numeric           []NumericStats  `json:"numeric"`
	Categorical       []CategoryVocab `json:"categorical"`
	Columns           []string        `json:"columns"`
	FittedAt          time.Time       `json:"fitted_at"`
	Rows              int             `json:"rows"`
}

// State returns the persisted form of t.
func (t *Transformer) State() State {
	return State{
		SchemaVersion:     t.schemaVersion,
		SchemaFingerprint: t.fingerprint,
		Numeric:           t.Stats(),
		Categorical:       t.Vocabularies(),
		Columns:           t.Columns(),
		FittedAt:          t.fittedAt,
		Rows:              t.rows,
	}
}

// Encode serializes the transformer as indented JSON.
func (t *Transformer) Encode() ([]byte, error) {
	return json.MarshalIndent(t.State(), "", "  ")
}

// Decode rebuilds a transformer from Encode output.
func Decode(data []byte) (*Transformer, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode transformer: %w", err)
	}
	t, err := FromState(st)
	if err != nil {
		return nil, fmt.Errorf("decode transformer: %w", err)
	}
	return t, nil
}

// FromState validates st and builds the transformer it describes. When
// st.Columns is set it must match the layout implied by the fitted fields.
func FromState(st State) (*Transformer, error) {
	t, err := build(st)
	if err != nil {
		return nil, err
	}
	if len(st.Columns) > 0 {
		if len(st.Columns) != len(t.columns) {
			return nil, fmt.Errorf("column list has %d entries, fitted fields imply %d", len(st.Columns), len(t.columns))
		}
		for i := range st.Columns {
			if st.Columns[i] != t.columns[i] {
				return nil, fmt.Errorf("column %d is %q, fitted fields imply %q", i, st.Columns[i], t.columns[i])
			}
		}
	}
	return t, nil
}

func build(st State) (*Transformer, error) {
	if st.SchemaVersion == "" || st.SchemaFingerprint == "" {
		return nil, fmt.Errorf("schema version and fingerprint are required")
	}
	if len(st.Numeric)+len(st.Categorical) == 0 {
		return nil, fmt.Errorf("no fitted fields")
	}

	t := &Transformer{
		schemaVersion: st.SchemaVersion,
		fingerprint:   st.SchemaFingerprint,
		numeric:       make([]NumericStats, 0, len(st.Numeric)),
		categorical:   make([]CategoryVocab, 0, len(st.Categorical)),
		offsets:       make([]map[string]int, 0, len(st.Categorical)),
		fittedAt:      st.FittedAt,
		rows:          st.Rows,
	}

	names := make(map[string]bool)
	for _, ns := range st.Numeric {
		if ns.Name == "" || names[ns.Name] {
			return nil, fmt.Errorf("numeric field %q is empty or duplicated", ns.Name)
		}
		names[ns.Name] = true
		if math.IsNaN(ns.Mean) || math.IsInf(ns.Mean, 0) {
			return nil, fmt.Errorf("numeric field %q has non-finite mean", ns.Name)
		}
		if math.IsNaN(ns.Std) || math.IsInf(ns.Std, 0) || ns.Std <= 0 {
			return nil, fmt.Errorf("numeric field %q has invalid std %v", ns.Name, ns.Std)
		}
		t.numeric = append(t.numeric, ns)
		t.columns = append(t.columns, ns.Name)
	}

	for _, cv := range st.Categorical {
		if cv.Name == "" || names[cv.Name] {
			return nil, fmt.Errorf("categorical field %q is empty or duplicated", cv.Name)
		}
		names[cv.Name] = true
		offsets := make(map[string]int, len(cv.Levels))
		for i, level := range cv.Levels {
			if _, dup := offsets[level]; dup {
				return nil, fmt.Errorf("categorical field %q repeats level %q", cv.Name, level)
			}
			offsets[level] = i
			t.columns = append(t.columns, cv.Name+"="+level)
		}
		t.categorical = append(t.categorical, CategoryVocab{Name: cv.Name, Levels: append([]string(nil), cv.Levels...)})
		t.offsets = append(t.offsets, offsets)
	}

	return t, nil
}
