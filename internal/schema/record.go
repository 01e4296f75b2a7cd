package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ViolationError reports a record that does not satisfy the schema: a
// missing field, an unparseable or non-finite number, a categorical value
// that is not a string, or a failed constraint rule.
type ViolationError struct {
	Field  string
	Rule   string
	Reason string
}

func (e *ViolationError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("schema violation: rule %q: %s", e.Rule, e.Reason)
	}
	return fmt.Sprintf("schema violation: field %q: %s", e.Field, e.Reason)
}

// IsViolation reports whether err is or wraps a *ViolationError.
func IsViolation(err error) bool {
	var v *ViolationError
	return errors.As(err, &v)
}

// Record is a schema-validated attribute record.
type Record struct {
	Numeric     map[string]float64
	Categorical map[string]string
}

// NewRecord returns an empty record ready to be filled.
func NewRecord() Record {
	return Record{
		Numeric:     make(map[string]float64),
		Categorical: make(map[string]string),
	}
}

// MarshalJSON renders the record as one flat object, the shape clients send.
func (r Record) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Numeric)+len(r.Categorical))
	for k, v := range r.Numeric {
		flat[k] = v
	}
	for k, v := range r.Categorical {
		flat[k] = v
	}
	return json.Marshal(flat)
}

// UnmarshalJSON splits a flat object into numeric and categorical values by
// JSON type. It does not validate against a schema.
func (r *Record) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	*r = NewRecord()
	for k, v := range flat {
		switch val := v.(type) {
		case float64:
			r.Numeric[k] = val
		case string:
			r.Categorical[k] = val
		default:
			return fmt.Errorf("record field %q: unsupported JSON type %T", k, v)
		}
	}
	return nil
}

// Key is a canonical encoding of the record, stable across map iteration
// order. Equal records produce equal keys.
func (r Record) Key() string {
	keys := make([]string, 0, len(r.Numeric)+len(r.Categorical))
	for k := range r.Numeric {
		keys = append(keys, k)
	}
	for k := range r.Categorical {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(k)
		b.WriteByte('=')
		if v, ok := r.Numeric[k]; ok {
			b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		} else {
			b.WriteString(strconv.Quote(r.Categorical[k]))
		}
	}
	return b.String()
}

// Parse builds a Record from a loosely typed payload such as a decoded JSON
// body. Numeric fields accept JSON numbers, Go numeric types and numeric
// strings. Keys not declared by the schema are ignored.
func (s *Schema) Parse(raw map[string]any) (Record, error) {
	rec := NewRecord()

	for _, name := range s.numeric {
		v, ok := raw[name]
		if !ok || v == nil {
			return Record{}, &ViolationError{Field: name, Reason: "required field is missing"}
		}
		f, err := toFloat(v)
		if err != nil {
			return Record{}, &ViolationError{Field: name, Reason: err.Error()}
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Record{}, &ViolationError{Field: name, Reason: "value must be finite"}
		}
		rec.Numeric[name] = f
	}

	for _, field := range s.categorical {
		v, ok := raw[field.Name]
		if !ok || v == nil {
			return Record{}, &ViolationError{Field: field.Name, Reason: "required field is missing"}
		}
		str, ok := v.(string)
		if !ok {
			return Record{}, &ViolationError{Field: field.Name, Reason: fmt.Sprintf("expected a string, got %T", v)}
		}
		rec.Categorical[field.Name] = str
	}

	if err := s.checkRules(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Validate checks an already structured record: every declared field is
// present and every numeric value is finite. Constraint rules apply too.
func (s *Schema) Validate(rec Record) error {
	for _, name := range s.numeric {
		v, ok := rec.Numeric[name]
		if !ok {
			return &ViolationError{Field: name, Reason: "required field is missing"}
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ViolationError{Field: name, Reason: "value must be finite"}
		}
	}
	for _, field := range s.categorical {
		if _, ok := rec.Categorical[field.Name]; !ok {
			return &ViolationError{Field: field.Name, Reason: "required field is missing"}
		}
	}
	return s.checkRules(rec)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot parse %q as a number", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}
