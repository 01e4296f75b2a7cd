package ml

import (
	"testing"
	"time"

	"diamond-pricer/internal/features"
	"diamond-pricer/internal/schema"

	"github.com/stretchr/testify/require"
)

func diamond(carat float64, cut, color, clarity string) schema.Record {
	rec := schema.NewRecord()
	rec.Numeric["carat"] = carat
	rec.Numeric["depth"] = 61.5
	rec.Numeric["table"] = 55
	rec.Numeric["x"] = 6.5 * carat
	rec.Numeric["y"] = 6.5 * carat
	rec.Numeric["z"] = 4 * carat
	rec.Categorical["cut"] = cut
	rec.Categorical["color"] = color
	rec.Categorical["clarity"] = clarity
	return rec
}

func diamondPayload() map[string]any {
	return map[string]any{
		"carat": 1.0, "depth": 61.5, "table": 55.0,
		"x": 6.5, "y": 6.5, "z": 4.0,
		"cut": "Ideal", "color": "E", "clarity": "VS1",
	}
}

func fitDiamonds(t *testing.T) *features.Transformer {
	t.Helper()
	tr, err := features.Fit(schema.MustDiamonds(), []schema.Record{
		diamond(0.3, "Ideal", "E", "VS1"),
		diamond(0.7, "Premium", "D", "SI1"),
		diamond(1.1, "Good", "G", "VS1"),
		diamond(1.5, "Ideal", "J", "IF"),
	})
	require.NoError(t, err)
	return tr
}

func testBundle(t *testing.T, version string, models ...Model) *Bundle {
	t.Helper()
	b, err := NewBundle(Manifest{
		Name:      "diamonds",
		Version:   version,
		CreatedAt: time.Now().Add(-time.Hour),
	}, fitDiamonds(t), models)
	require.NoError(t, err)
	return b
}

func constantLinear(t *testing.T, name string, width int, bias float64) *LinearModel {
	t.Helper()
	m, err := NewLinearModel(name, make([]float64, width), bias)
	require.NoError(t, err)
	return m
}

// writeLinearBundle packs a bundle of constant linear models into root/version.
func writeLinearBundle(t *testing.T, root, version string, biases ...float64) string {
	t.Helper()
	tr := fitDiamonds(t)

	manifest := Manifest{Name: "diamonds", Version: version}
	artifacts := make(map[string][]byte)
	for i, bias := range biases {
		name := "model" + string(rune('1'+i))
		data, err := constantLinear(t, name, tr.Width(), bias).Encode()
		require.NoError(t, err)
		artifacts[name+".json"] = data
		manifest.Models = append(manifest.Models, ModelSpec{Name: name, Kind: KindLinear, Artifact: name + ".json"})
	}

	packed, err := PackBundle(manifest, tr, artifacts)
	require.NoError(t, err)
	dir, err := WriteBundleDir(root, version, packed)
	require.NoError(t, err)
	return dir
}
