// Package schema defines the canonical input contract of the pricer: the
// ordered numeric and categorical fields a record must carry, the
// structured Record built from transport payloads, and optional constraint
// rules evaluated against every record.
//
// A Schema is immutable once built. Fitted transformers and persisted
// bundles record the schema fingerprint they were produced with, so any
// change to the field set or vocabularies invalidates them together.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// CategoricalField is a categorical input with its declared, ordered
// vocabulary. Values outside the vocabulary are legal at serving time.
type CategoricalField struct {
	Name   string   `json:"name" yaml:"name"`
	Levels []string `json:"levels" yaml:"levels"`
}

// Schema is the ordered declaration of expected input fields.
type Schema struct {
	version     string
	numeric     []string
	categorical []CategoricalField
	rules       []*rule
	fingerprint string
}

// New builds a schema. Field names must be unique across both kinds and
// every categorical field needs a non-empty vocabulary without duplicates.
// Rules are CEL expressions over the field names and must evaluate to bool.
func New(version string, numeric []string, categorical []CategoricalField, rules ...string) (*Schema, error) {
	if strings.TrimSpace(version) == "" {
		return nil, fmt.Errorf("schema version is required")
	}
	if len(numeric)+len(categorical) == 0 {
		return nil, fmt.Errorf("schema %s declares no fields", version)
	}

	seen := make(map[string]bool, len(numeric)+len(categorical))
	s := &Schema{
		version:     version,
		numeric:     make([]string, 0, len(numeric)),
		categorical: make([]CategoricalField, 0, len(categorical)),
	}

	for _, name := range numeric {
		if name == "" {
			return nil, fmt.Errorf("schema %s: empty numeric field name", version)
		}
		if seen[name] {
			return nil, fmt.Errorf("schema %s: duplicate field %q", version, name)
		}
		seen[name] = true
		s.numeric = append(s.numeric, name)
	}

	for _, field := range categorical {
		if field.Name == "" {
			return nil, fmt.Errorf("schema %s: empty categorical field name", version)
		}
		if seen[field.Name] {
			return nil, fmt.Errorf("schema %s: duplicate field %q", version, field.Name)
		}
		seen[field.Name] = true
		if len(field.Levels) == 0 {
			return nil, fmt.Errorf("schema %s: field %q has an empty vocabulary", version, field.Name)
		}
		levels := make(map[string]bool, len(field.Levels))
		for _, level := range field.Levels {
			if levels[level] {
				return nil, fmt.Errorf("schema %s: field %q repeats level %q", version, field.Name, level)
			}
			levels[level] = true
		}
		s.categorical = append(s.categorical, CategoricalField{
			Name:   field.Name,
			Levels: append([]string(nil), field.Levels...),
		})
	}

	compiled, err := compileRules(s, rules)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", version, err)
	}
	s.rules = compiled
	s.fingerprint = s.computeFingerprint()

	return s, nil
}

// Version returns the schema version label.
func (s *Schema) Version() string { return s.version }

// NumericFields returns the ordered numeric field names.
func (s *Schema) NumericFields() []string {
	return append([]string(nil), s.numeric...)
}

// CategoricalFields returns the ordered categorical fields.
func (s *Schema) CategoricalFields() []CategoricalField {
	out := make([]CategoricalField, len(s.categorical))
	for i, f := range s.categorical {
		out[i] = CategoricalField{Name: f.Name, Levels: append([]string(nil), f.Levels...)}
	}
	return out
}

// FieldNames returns numeric fields followed by categorical fields.
func (s *Schema) FieldNames() []string {
	names := make([]string, 0, len(s.numeric)+len(s.categorical))
	names = append(names, s.numeric...)
	for _, f := range s.categorical {
		names = append(names, f.Name)
	}
	return names
}

// Levels returns the declared vocabulary of a categorical field.
func (s *Schema) Levels(field string) ([]string, bool) {
	for _, f := range s.categorical {
		if f.Name == field {
			return append([]string(nil), f.Levels...), true
		}
	}
	return nil, false
}

// Rules returns the source of the configured constraint rules.
func (s *Schema) Rules() []string {
	out := make([]string, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.source
	}
	return out
}

// Fingerprint identifies the field set and vocabularies. Rules are not
// part of it: they constrain accepted input but do not change the features.
func (s *Schema) Fingerprint() string { return s.fingerprint }

func (s *Schema) computeFingerprint() string {
	var b strings.Builder
	b.WriteString("version=")
	b.WriteString(s.version)
	b.WriteString("\nnumeric=")
	b.WriteString(strings.Join(s.numeric, ","))
	for _, f := range s.categorical {
		b.WriteString("\ncategorical=")
		b.WriteString(f.Name)
		b.WriteString(":")
		b.WriteString(strings.Join(f.Levels, "|"))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
