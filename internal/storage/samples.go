package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"diamond-pricer/internal/dataset"

	"go.etcd.io/bbolt"
)

// PutSamples appends labelled samples. Keys are the bucket sequence, so
// Samples returns them in insertion order.
func (s *Store) PutSamples(samples []dataset.Sample) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(samplesBucket))
		for _, sample := range samples {
			seq, err := b.NextSequence()
			if err != nil {
				return fmt.Errorf("next sample sequence: %w", err)
			}

			data, err := json.Marshal(sample)
			if err != nil {
				return fmt.Errorf("marshal sample: %w", err)
			}

			if err := b.Put(sequenceKey(seq), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Samples returns every stored sample in insertion order. Malformed
// entries are skipped.
func (s *Store) Samples() ([]dataset.Sample, error) {
	var samples []dataset.Sample

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(samplesBucket)).ForEach(func(_, v []byte) error {
			var sample dataset.Sample
			if err := json.Unmarshal(v, &sample); err != nil {
				return nil
			}
			samples = append(samples, sample)
			return nil
		})
	})

	return samples, err
}

// SampleCount returns the number of stored samples.
func (s *Store) SampleCount() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(samplesBucket)).Stats().KeyN
		return nil
	})
	return n, err
}

// ClearSamples removes every stored sample.
func (s *Store) ClearSamples() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(samplesBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(samplesBucket))
		return err
	})
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
