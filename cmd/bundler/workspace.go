package main

import (
	"flag"
	"fmt"
	"sort"
	"time"

	"diamond-pricer/internal/common"
	"diamond-pricer/internal/dataset"
	"diamond-pricer/internal/ml"
	"diamond-pricer/internal/schema"
	"diamond-pricer/internal/storage"

	"github.com/rs/zerolog/log"
)

// workspace resolves where samples come from and where bundles go. The
// bolt store is opened at most once per run since bbolt holds a file lock.
type workspace struct {
	storeKind string
	bundleDir string
	dataPath  string

	store *storage.Store
}

func (w *workspace) register(fs *flag.FlagSet) {
	fs.StringVar(&w.storeKind, "store", common.DefaultBundleStore, "Bundle store: dir or bolt")
	fs.StringVar(&w.bundleDir, "bundles", common.DefaultBundleDir, "Bundle root directory (dir store)")
	fs.StringVar(&w.dataPath, "db", common.DefaultDataPath, "Data directory holding the bolt database")
}

func (w *workspace) openStore() (*storage.Store, error) {
	if w.store == nil {
		store, err := storage.New(w.dataPath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		w.store = store
	}
	return w.store, nil
}

func (w *workspace) Close() {
	if w.store != nil {
		w.store.Close()
	}
}

// samples reads labelled samples from csvPath, or from the bolt store
// when csvPath is empty.
func (w *workspace) samples(csvPath string, s *schema.Schema) ([]dataset.Sample, error) {
	if csvPath != "" {
		return dataset.LoadCSV(csvPath, s)
	}
	store, err := w.openStore()
	if err != nil {
		return nil, err
	}
	samples, err := store.Samples()
	if err != nil {
		return nil, fmt.Errorf("read stored samples: %w", err)
	}
	log.Info().Int("samples", len(samples)).Str("path", store.Path()).Msg("Loaded stored samples")
	return samples, nil
}

func (w *workspace) target() (target, error) {
	switch w.storeKind {
	case common.BundleStoreDir:
		catalog, err := ml.NewCatalog(w.bundleDir)
		if err != nil {
			return nil, err
		}
		return &dirTarget{root: w.bundleDir, catalog: catalog}, nil
	case common.BundleStoreBolt:
		store, err := w.openStore()
		if err != nil {
			return nil, err
		}
		return &boltTarget{store: store}, nil
	default:
		return nil, fmt.Errorf("unknown bundle store %q", w.storeKind)
	}
}

// listing is one stored bundle version.
type listing struct {
	Version    string
	CreatedAt  time.Time
	Evaluation *ml.EvaluationReport
	Active     bool
}

// target is a bundle store the bundler publishes into.
type target interface {
	Put(manifest ml.Manifest, artifacts map[string][]byte) error
	Activate(version string) error
	Rollback() (string, error)
	List() ([]listing, error)
	Loader(version string, s *schema.Schema) ml.BundleLoader
}

type dirTarget struct {
	root    string
	catalog *ml.Catalog
}

func (d *dirTarget) Put(manifest ml.Manifest, artifacts map[string][]byte) error {
	dir, err := ml.WriteBundleDir(d.root, manifest.Version, artifacts)
	if err != nil {
		return err
	}
	log.Info().Str("dir", dir).Msg("Bundle written")
	return d.catalog.AddVersion(manifest.Version, manifest.CreatedAt, manifest.Evaluation)
}

func (d *dirTarget) Activate(version string) error { return d.catalog.Activate(version) }

func (d *dirTarget) Rollback() (string, error) { return d.catalog.Rollback() }

func (d *dirTarget) List() ([]listing, error) {
	var out []listing
	for _, v := range d.catalog.List() {
		out = append(out, listing{Version: v.Version, CreatedAt: v.CreatedAt, Evaluation: v.Evaluation, Active: v.IsActive})
	}
	return out, nil
}

func (d *dirTarget) Loader(version string, s *schema.Schema) ml.BundleLoader {
	return ml.CatalogLoader(d.root, version, s)
}

// boltTarget keeps bundles in the bolt store. Versions order by key, so
// rollback activates the version sorting just before the active one.
type boltTarget struct {
	store *storage.Store
}

func (b *boltTarget) Put(manifest ml.Manifest, artifacts map[string][]byte) error {
	if err := b.store.PutBundle(manifest.Version, artifacts); err != nil {
		return err
	}
	log.Info().Str("location", b.store.BundleSource(manifest.Version).Location()).Msg("Bundle stored")
	return nil
}

func (b *boltTarget) Activate(version string) error { return b.store.SetActiveBundle(version) }

func (b *boltTarget) Rollback() (string, error) {
	versions, err := b.store.BundleVersions()
	if err != nil {
		return "", err
	}
	active, err := b.store.ActiveBundle()
	if err != nil {
		return "", err
	}
	idx := sort.SearchStrings(versions, active)
	if active == "" || idx >= len(versions) || versions[idx] != active {
		return "", fmt.Errorf("no active bundle to roll back from")
	}
	if idx == 0 {
		return "", fmt.Errorf("no version older than %s", active)
	}
	previous := versions[idx-1]
	return previous, b.store.SetActiveBundle(previous)
}

func (b *boltTarget) List() ([]listing, error) {
	versions, err := b.store.BundleVersions()
	if err != nil {
		return nil, err
	}
	active, err := b.store.ActiveBundle()
	if err != nil {
		return nil, err
	}

	var out []listing
	for i := len(versions) - 1; i >= 0; i-- {
		l := listing{Version: versions[i], Active: versions[i] == active}
		if manifest, err := readManifest(b.store.BundleSource(versions[i])); err == nil {
			l.CreatedAt = manifest.CreatedAt
			l.Evaluation = manifest.Evaluation
		} else {
			log.Warn().Err(err).Str("version", versions[i]).Msg("Unreadable manifest")
		}
		out = append(out, l)
	}
	return out, nil
}

func (b *boltTarget) Loader(version string, s *schema.Schema) ml.BundleLoader {
	return b.store.Loader(version, s)
}
