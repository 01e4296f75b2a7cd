package schema

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diamondPayload() map[string]any {
	return map[string]any{
		"carat":   1.0,
		"cut":     "Ideal",
		"color":   "E",
		"clarity": "VS1",
		"depth":   61.5,
		"table":   55.0,
		"x":       6.5,
		"y":       6.5,
		"z":       4.0,
	}
}

func TestDiamonds_Fields(t *testing.T) {
	s := MustDiamonds()

	assert.Equal(t, DiamondsVersion, s.Version())
	assert.Equal(t, []string{"carat", "depth", "table", "x", "y", "z"}, s.NumericFields())

	cat := s.CategoricalFields()
	require.Len(t, cat, 3)
	assert.Equal(t, "cut", cat[0].Name)
	assert.Equal(t, "color", cat[1].Name)
	assert.Equal(t, "clarity", cat[2].Name)

	assert.Equal(t, []string{"carat", "depth", "table", "x", "y", "z", "cut", "color", "clarity"}, s.FieldNames())
}

func TestSchema_Immutable(t *testing.T) {
	s := MustDiamonds()
	before := s.Fingerprint()

	numeric := s.NumericFields()
	numeric[0] = "mutated"
	cat := s.CategoricalFields()
	cat[0].Levels[0] = "mutated"
	levels, ok := s.Levels("cut")
	require.True(t, ok)
	levels[0] = "mutated"

	assert.Equal(t, "carat", s.NumericFields()[0])
	fresh, _ := s.Levels("cut")
	assert.Equal(t, "Fair", fresh[0])
	assert.Equal(t, before, s.Fingerprint())
}

func TestSchema_Fingerprint(t *testing.T) {
	a := MustDiamonds()
	b := MustDiamonds()
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	withRules, err := Diamonds("carat > 0.0")
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint(), withRules.Fingerprint(), "rules do not change the feature contract")

	other, err := New("diamonds-v2",
		[]string{"carat"},
		[]CategoricalField{{Name: "cut", Levels: []string{"Ideal"}}},
	)
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint(), other.Fingerprint())
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name        string
		version     string
		numeric     []string
		categorical []CategoricalField
		rules       []string
	}{
		{name: "missing version", numeric: []string{"a"}},
		{name: "no fields", version: "v1"},
		{name: "duplicate numeric", version: "v1", numeric: []string{"a", "a"}},
		{
			name:        "duplicate across kinds",
			version:     "v1",
			numeric:     []string{"a"},
			categorical: []CategoricalField{{Name: "a", Levels: []string{"x"}}},
		},
		{
			name:        "empty vocabulary",
			version:     "v1",
			categorical: []CategoricalField{{Name: "cut"}},
		},
		{
			name:        "repeated level",
			version:     "v1",
			categorical: []CategoricalField{{Name: "cut", Levels: []string{"Ideal", "Ideal"}}},
		},
		{name: "rule does not compile", version: "v1", numeric: []string{"a"}, rules: []string{"a >"}},
		{name: "rule is not boolean", version: "v1", numeric: []string{"a"}, rules: []string{"a + 1.0"}},
		{name: "rule references unknown field", version: "v1", numeric: []string{"a"}, rules: []string{"b > 0.0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.version, tt.numeric, tt.categorical, tt.rules...)
			assert.Error(t, err)
		})
	}
}

func TestParse_Valid(t *testing.T) {
	s := MustDiamonds()

	rec, err := s.Parse(diamondPayload())
	require.NoError(t, err)

	assert.Equal(t, 1.0, rec.Numeric["carat"])
	assert.Equal(t, 4.0, rec.Numeric["z"])
	assert.Equal(t, "Ideal", rec.Categorical["cut"])
	assert.Equal(t, "VS1", rec.Categorical["clarity"])
}

func TestParse_NumericForms(t *testing.T) {
	s := MustDiamonds()

	payload := diamondPayload()
	payload["carat"] = "1.25"
	payload["depth"] = json.Number("61.5")
	payload["table"] = 55
	payload["x"] = float32(6.5)

	rec, err := s.Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, 1.25, rec.Numeric["carat"])
	assert.Equal(t, 61.5, rec.Numeric["depth"])
	assert.Equal(t, 55.0, rec.Numeric["table"])
	assert.Equal(t, 6.5, rec.Numeric["x"])
}

func TestParse_UnknownCategoryIsNotAnError(t *testing.T) {
	s := MustDiamonds()

	payload := diamondPayload()
	payload["cut"] = "Zircon-Special"

	rec, err := s.Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, "Zircon-Special", rec.Categorical["cut"])
}

func TestParse_Violations(t *testing.T) {
	s := MustDiamonds()

	tests := []struct {
		name   string
		mutate func(map[string]any)
		field  string
	}{
		{name: "missing numeric", mutate: func(p map[string]any) { delete(p, "carat") }, field: "carat"},
		{name: "nil numeric", mutate: func(p map[string]any) { p["depth"] = nil }, field: "depth"},
		{name: "unparseable numeric", mutate: func(p map[string]any) { p["table"] = "wide" }, field: "table"},
		{name: "boolean numeric", mutate: func(p map[string]any) { p["x"] = true }, field: "x"},
		{name: "NaN numeric", mutate: func(p map[string]any) { p["y"] = math.NaN() }, field: "y"},
		{name: "infinite string", mutate: func(p map[string]any) { p["z"] = "Inf" }, field: "z"},
		{name: "missing categorical", mutate: func(p map[string]any) { delete(p, "cut") }, field: "cut"},
		{name: "numeric categorical", mutate: func(p map[string]any) { p["color"] = 3.0 }, field: "color"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := diamondPayload()
			tt.mutate(payload)

			_, err := s.Parse(payload)
			require.Error(t, err)
			assert.True(t, IsViolation(err))

			var v *ViolationError
			require.ErrorAs(t, err, &v)
			assert.Equal(t, tt.field, v.Field)
		})
	}
}

func TestParse_Rules(t *testing.T) {
	s, err := Diamonds("carat > 0.0 && x >= 0.0", `cut != "Banned"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"carat > 0.0 && x >= 0.0", `cut != "Banned"`}, s.Rules())

	_, err = s.Parse(diamondPayload())
	require.NoError(t, err)

	payload := diamondPayload()
	payload["carat"] = -1.0
	_, err = s.Parse(payload)
	var v *ViolationError
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "carat > 0.0 && x >= 0.0", v.Rule)

	payload = diamondPayload()
	payload["cut"] = "Banned"
	_, err = s.Parse(payload)
	require.ErrorAs(t, err, &v)
	assert.Equal(t, `cut != "Banned"`, v.Rule)
}

func TestValidate(t *testing.T) {
	s := MustDiamonds()

	rec, err := s.Parse(diamondPayload())
	require.NoError(t, err)
	require.NoError(t, s.Validate(rec))

	delete(rec.Categorical, "clarity")
	err = s.Validate(rec)
	assert.True(t, IsViolation(err))

	rec, _ = s.Parse(diamondPayload())
	rec.Numeric["carat"] = math.Inf(1)
	assert.True(t, IsViolation(s.Validate(rec)))
}

func TestRecord_JSONAndKey(t *testing.T) {
	s := MustDiamonds()
	rec, err := s.Parse(diamondPayload())
	require.NoError(t, err)

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, 1.0, flat["carat"])
	assert.Equal(t, "Ideal", flat["cut"])

	var back Record
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, rec, back)
	assert.Equal(t, rec.Key(), back.Key())

	other, _ := s.Parse(diamondPayload())
	other.Numeric["carat"] = 1.01
	assert.NotEqual(t, rec.Key(), other.Key())
}
