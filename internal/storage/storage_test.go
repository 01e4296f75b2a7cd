package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"diamond-pricer/internal/dataset"
	"diamond-pricer/internal/features"
	"diamond-pricer/internal/ml"
	"diamond-pricer/internal/schema"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sample(carat, price float64, cut string) dataset.Sample {
	rec := schema.NewRecord()
	rec.Numeric["carat"] = carat
	rec.Numeric["depth"] = 61.5
	rec.Numeric["table"] = 55
	rec.Numeric["x"] = 6.5 * carat
	rec.Numeric["y"] = 6.5 * carat
	rec.Numeric["z"] = 4 * carat
	rec.Categorical["cut"] = cut
	rec.Categorical["color"] = "E"
	rec.Categorical["clarity"] = "VS1"
	return dataset.Sample{Record: rec, Price: price}
}

func packedBundle(t *testing.T, version string, bias float64) map[string][]byte {
	t.Helper()
	samples := []dataset.Sample{sample(0.3, 500, "Ideal"), sample(1.2, 6000, "Good")}
	tr, err := features.Fit(schema.MustDiamonds(), dataset.Records(samples))
	if err != nil {
		t.Fatalf("Failed to fit transformer: %v", err)
	}
	model, err := ml.NewLinearModel("model1", make([]float64, tr.Width()), bias)
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}
	data, err := model.Encode()
	if err != nil {
		t.Fatalf("Failed to encode model: %v", err)
	}
	artifacts, err := ml.PackBundle(ml.Manifest{
		Name:    "diamonds",
		Version: version,
		Models:  []ml.ModelSpec{{Name: "model1", Kind: ml.KindLinear, Artifact: "model1.json"}},
	}, tr, map[string][]byte{"model1.json": data})
	if err != nil {
		t.Fatalf("Failed to pack bundle: %v", err)
	}
	return artifacts
}

func TestNew(t *testing.T) {
	tempDir := t.TempDir()

	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Store database is nil")
	}

	dbPath := filepath.Join(tempDir, DBFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if store.Path() != dbPath {
		t.Errorf("Expected path %s, got %s", dbPath, store.Path())
	}
}

func TestNew_InvalidPath(t *testing.T) {
	invalidPath := filepath.Join(t.TempDir(), "missing", "nested")

	_, err := New(invalidPath)
	if err == nil {
		t.Error("Expected error for invalid path, got nil")
	}
}

func TestStore_Close(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Errorf("Error closing store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Error closing already closed store: %v", err)
	}
}

func TestStore_CloseNilDB(t *testing.T) {
	store := &Store{db: nil}
	if err := store.Close(); err != nil {
		t.Errorf("Expected no error for nil db, got: %v", err)
	}
}

func TestSamples(t *testing.T) {
	store := newStore(t)

	input := []dataset.Sample{sample(0.3, 500, "Ideal"), sample(1.2, 6000, "Good"), sample(0.7, 2500, "Fair")}
	if err := store.PutSamples(input[:2]); err != nil {
		t.Fatalf("Failed to store samples: %v", err)
	}
	if err := store.PutSamples(input[2:]); err != nil {
		t.Fatalf("Failed to store samples: %v", err)
	}

	got, err := store.Samples()
	if err != nil {
		t.Fatalf("Failed to read samples: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 samples, got %d", len(got))
	}
	for i := range input {
		if got[i].Price != input[i].Price || got[i].Record.Key() != input[i].Record.Key() {
			t.Errorf("Sample %d mismatch: got %+v, want %+v", i, got[i], input[i])
		}
	}

	n, err := store.SampleCount()
	if err != nil || n != 3 {
		t.Errorf("Expected 3 samples counted, got %d (%v)", n, err)
	}

	if err := store.ClearSamples(); err != nil {
		t.Fatalf("Failed to clear samples: %v", err)
	}
	got, _ = store.Samples()
	if len(got) != 0 {
		t.Errorf("Expected no samples after clear, got %d", len(got))
	}
}

func TestPutBundle(t *testing.T) {
	store := newStore(t)
	artifacts := packedBundle(t, "v1", 4200)

	if err := store.PutBundle("v1", artifacts); err != nil {
		t.Fatalf("Failed to store bundle: %v", err)
	}
	if err := store.PutBundle("v1", artifacts); err == nil {
		t.Error("Expected error storing an existing version")
	}
	if err := store.PutBundle("v2", map[string][]byte{"model1.json": []byte("{}")}); err == nil {
		t.Error("Expected error for bundle without manifest")
	}

	versions, err := store.BundleVersions()
	if err != nil {
		t.Fatalf("Failed to list versions: %v", err)
	}
	if len(versions) != 1 || versions[0] != "v1" {
		t.Errorf("Expected [v1], got %v", versions)
	}

	src := store.BundleSource("v1")
	data, err := src.ReadArtifact(ml.ManifestArtifact)
	if err != nil {
		t.Fatalf("Failed to read manifest: %v", err)
	}
	if string(data) != string(artifacts[ml.ManifestArtifact]) {
		t.Error("Manifest bytes differ from what was stored")
	}

	if _, err := src.ReadArtifact("model9.json"); !errors.Is(err, ml.ErrArtifactNotFound) {
		t.Errorf("Expected ErrArtifactNotFound, got %v", err)
	}
	if _, err := store.BundleSource("v9").ReadArtifact(ml.ManifestArtifact); !errors.Is(err, ErrBundleNotFound) {
		t.Errorf("Expected ErrBundleNotFound, got %v", err)
	}
}

func TestLoader(t *testing.T) {
	store := newStore(t)
	s := schema.MustDiamonds()

	if _, err := store.Loader("", s)(context.Background()); !errors.Is(err, ml.ErrBundleAbsent) {
		t.Errorf("Expected ErrBundleAbsent without an active bundle, got %v", err)
	}

	if err := store.PutBundle("v1", packedBundle(t, "v1", 4200)); err != nil {
		t.Fatalf("Failed to store bundle: %v", err)
	}
	if err := store.PutBundle("v2", packedBundle(t, "v2", 4800)); err != nil {
		t.Fatalf("Failed to store bundle: %v", err)
	}
	if err := store.SetActiveBundle("v3"); !errors.Is(err, ErrBundleNotFound) {
		t.Errorf("Expected ErrBundleNotFound activating unknown version, got %v", err)
	}
	if err := store.SetActiveBundle("v2"); err != nil {
		t.Fatalf("Failed to activate bundle: %v", err)
	}

	b, err := store.Loader("", s)(context.Background())
	if err != nil {
		t.Fatalf("Failed to load active bundle: %v", err)
	}
	if b.Version() != "v2" {
		t.Errorf("Expected v2, got %s", b.Version())
	}

	vec, err := b.Transformer().Transform(sample(1, 0, "Ideal").Record)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	res, err := ml.Predict(context.Background(), b, vec)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if res.Estimate != 4800 {
		t.Errorf("Expected estimate 4800, got %v", res.Estimate)
	}

	pinned, err := store.Loader("v1", s)(context.Background())
	if err != nil {
		t.Fatalf("Failed to load pinned bundle: %v", err)
	}
	if pinned.Version() != "v1" {
		t.Errorf("Expected v1, got %s", pinned.Version())
	}
}

func TestDeleteBundle(t *testing.T) {
	store := newStore(t)
	for _, v := range []string{"v1", "v2"} {
		if err := store.PutBundle(v, packedBundle(t, v, 1)); err != nil {
			t.Fatalf("Failed to store bundle: %v", err)
		}
	}
	if err := store.SetActiveBundle("v2"); err != nil {
		t.Fatalf("Failed to activate bundle: %v", err)
	}

	if err := store.DeleteBundle("v2"); err == nil {
		t.Error("Expected error deleting the active bundle")
	}
	if err := store.DeleteBundle("v1"); err != nil {
		t.Errorf("Failed to delete bundle: %v", err)
	}
	if err := store.DeleteBundle("v1"); !errors.Is(err, ErrBundleNotFound) {
		t.Errorf("Expected ErrBundleNotFound, got %v", err)
	}

	active, err := store.ActiveBundle()
	if err != nil || active != "v2" {
		t.Errorf("Expected active v2, got %q (%v)", active, err)
	}
}

func publish(t *testing.T, dataPath, version string, bias float64) {
	t.Helper()
	store, err := New(dataPath)
	if err != nil {
		t.Fatalf("Failed to open store for publishing %s: %v", version, err)
	}
	defer store.Close()
	if err := store.PutBundle(version, packedBundle(t, version, bias)); err != nil {
		t.Fatalf("Failed to store bundle: %v", err)
	}
	if err := store.SetActiveBundle(version); err != nil {
		t.Fatalf("Failed to activate bundle: %v", err)
	}
}

func TestOpenLoader_PublishBetweenReloads(t *testing.T) {
	dataPath := t.TempDir()
	svc := ml.NewService(schema.MustDiamonds(), OpenLoader(dataPath, "", schema.MustDiamonds()))
	ctx := context.Background()

	if err := svc.Reload(ctx); !errors.Is(err, ml.ErrBundleAbsent) {
		t.Errorf("Expected ErrBundleAbsent on an empty store, got %v", err)
	}

	publish(t, dataPath, "v1", 4200)
	if err := svc.Reload(ctx); err != nil {
		t.Fatalf("Failed to load v1: %v", err)
	}

	// a publisher must be able to open the store while v1 is served
	publish(t, dataPath, "v2", 4800)
	if err := svc.Reload(ctx); err != nil {
		t.Fatalf("Failed to load v2: %v", err)
	}
	if v := svc.Bundle().Version(); v != "v2" {
		t.Errorf("Expected v2 after reload, got %s", v)
	}

	res, err := svc.ServeRecord(ctx, sample(1, 0, "Ideal").Record)
	if err != nil {
		t.Fatalf("ServeRecord failed: %v", err)
	}
	if res.Estimate != 4800 {
		t.Errorf("Expected estimate 4800, got %v", res.Estimate)
	}
}
