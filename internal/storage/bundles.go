package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"diamond-pricer/internal/ml"
	"diamond-pricer/internal/schema"

	"go.etcd.io/bbolt"
)

const activeBundleKey = "active_bundle"

// ErrBundleNotFound is returned for versions the store does not hold.
var ErrBundleNotFound = errors.New("bundle version not found")

// PutBundle stores every artifact of a bundle version in one transaction.
// Existing versions are never overwritten.
func (s *Store) PutBundle(version string, artifacts map[string][]byte) error {
	if version == "" {
		return fmt.Errorf("bundle version is required")
	}
	if _, ok := artifacts[ml.ManifestArtifact]; !ok {
		return fmt.Errorf("bundle %s has no manifest", version)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(bundlesBucket))
		b, err := root.CreateBucket([]byte(version))
		if err != nil {
			if errors.Is(err, bbolt.ErrBucketExists) {
				return fmt.Errorf("bundle %s already exists", version)
			}
			return fmt.Errorf("create bundle bucket: %w", err)
		}
		for name, data := range artifacts {
			if err := b.Put([]byte(name), data); err != nil {
				return fmt.Errorf("put %s: %w", name, err)
			}
		}
		return nil
	})
}

// DeleteBundle removes a stored version. The active version cannot be
// deleted.
func (s *Store) DeleteBundle(version string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if active := tx.Bucket([]byte(metaBucket)).Get([]byte(activeBundleKey)); string(active) == version {
			return fmt.Errorf("bundle %s is active", version)
		}
		if err := tx.Bucket([]byte(bundlesBucket)).DeleteBucket([]byte(version)); err != nil {
			if errors.Is(err, bbolt.ErrBucketNotFound) {
				return fmt.Errorf("%w: %s", ErrBundleNotFound, version)
			}
			return err
		}
		return nil
	})
}

// BundleVersions lists stored versions in key order.
func (s *Store) BundleVersions() ([]string, error) {
	var versions []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bundlesBucket)).ForEachBucket(func(k []byte) error {
			versions = append(versions, string(k))
			return nil
		})
	})
	sort.Strings(versions)
	return versions, err
}

// SetActiveBundle marks a stored version as the one to serve.
func (s *Store) SetActiveBundle(version string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(bundlesBucket)).Bucket([]byte(version)) == nil {
			return fmt.Errorf("%w: %s", ErrBundleNotFound, version)
		}
		return tx.Bucket([]byte(metaBucket)).Put([]byte(activeBundleKey), []byte(version))
	})
}

// ActiveBundle returns the active version, or "" when none is set.
func (s *Store) ActiveBundle() (string, error) {
	var version string
	err := s.db.View(func(tx *bbolt.Tx) error {
		version = string(tx.Bucket([]byte(metaBucket)).Get([]byte(activeBundleKey)))
		return nil
	})
	return version, err
}

// BundleSource returns an artifact source reading one stored version.
func (s *Store) BundleSource(version string) *BundleSource {
	return &BundleSource{store: s, version: version}
}

// Loader returns a bundle loader for the pinned version, or the active
// version when pinned is empty.
func (s *Store) Loader(pinned string, sch *schema.Schema, opts ...ml.LoadOption) ml.BundleLoader {
	return func(ctx context.Context) (*ml.Bundle, error) {
		version := pinned
		if version == "" {
			active, err := s.ActiveBundle()
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ml.ErrBundleAbsent, err)
			}
			if active == "" {
				return nil, fmt.Errorf("%w: no active bundle in %s", ml.ErrBundleAbsent, s.path)
			}
			version = active
		}
		return ml.LoadBundle(ctx, s.BundleSource(version), sch, opts...)
	}
}

// OpenLoader is Loader for a long-running reader. Each call opens the
// database under dataPath, loads the bundle and closes it again, so the
// file lock is free for publishers between reloads.
func OpenLoader(dataPath, pinned string, sch *schema.Schema, opts ...ml.LoadOption) ml.BundleLoader {
	return func(ctx context.Context) (*ml.Bundle, error) {
		store, err := New(dataPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ml.ErrBundleAbsent, err)
		}
		defer store.Close()
		return store.Loader(pinned, sch, opts...)(ctx)
	}
}

// BundleSource reads the artifacts of one bundle version.
type BundleSource struct {
	store   *Store
	version string
}

func (b *BundleSource) ReadArtifact(name string) ([]byte, error) {
	var data []byte
	err := b.store.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bundlesBucket)).Bucket([]byte(b.version))
		if bucket == nil {
			return fmt.Errorf("%w: %s", ErrBundleNotFound, b.version)
		}
		v := bucket.Get([]byte(name))
		if v == nil {
			return fmt.Errorf("%w: %s", ml.ErrArtifactNotFound, name)
		}
		// values are only valid inside the transaction
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

func (b *BundleSource) Location() string {
	return b.store.path + "#" + b.version
}
