// Package storage provides persistent storage for the pricing service.
// It uses BoltDB as the underlying storage engine to store model bundles
// and labelled training samples.
//
// A bundle is written in a single transaction, so readers either see every
// artifact of a version or none of them.
package storage

import (
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// DBFile is the database file name inside the data path.
const DBFile = "diamond-pricer.db"

const (
	bundlesBucket = "bundles" // one nested bucket per bundle version
	samplesBucket = "samples" // labelled training samples
	metaBucket    = "meta"    // catalog state
)

// Store provides persistent storage using BoltDB.
type Store struct {
	db   *bbolt.DB
	path string
}

// New opens (or creates) the database under dataPath and creates the
// top-level buckets.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, DBFile)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bundlesBucket, samplesBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: dbPath}, nil
}

// Path is the database file location.
func (s *Store) Path() string { return s.path }

// Close closes the database. Closing twice is harmless.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
