// Package dataset loads labelled diamond samples for the offline bundle
// producer: CSV parsing against the feature schema and a deterministic
// train/test split.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"diamond-pricer/internal/schema"

	"github.com/rs/zerolog/log"
)

// TargetColumn is the label column of the diamonds dataset.
const TargetColumn = "price"

// Sample is one labelled training or evaluation row.
type Sample struct {
	Record schema.Record `json:"record"`
	Price  float64       `json:"price"`
}

// LoadCSV reads samples from a CSV file with a header row.
func LoadCSV(path string, s *schema.Schema) ([]Sample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	samples, err := ReadCSV(file, s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return samples, nil
}

// ReadCSV parses samples. Columns are matched by header name, so column
// order and extra columns (such as a leading row index) do not matter.
// Rows that violate the schema or carry an unparseable price are skipped.
func ReadCSV(r io.Reader, s *schema.Schema) ([]Sample, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	indices := make(map[string]int, len(header))
	for i, col := range header {
		indices[strings.TrimSpace(col)] = i
	}
	for _, name := range append(s.FieldNames(), TargetColumn) {
		if _, ok := indices[name]; !ok {
			return nil, fmt.Errorf("CSV header is missing column %q", name)
		}
	}

	var (
		samples []Sample
		skipped int
		line    = 1
	)
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		raw := make(map[string]any, len(indices))
		for name, idx := range indices {
			if idx < len(row) {
				raw[name] = row[idx]
			}
		}

		rec, err := s.Parse(raw)
		if err != nil {
			skipped++
			log.Debug().Err(err).Int("line", line).Msg("skipping invalid sample")
			continue
		}

		priceIdx := indices[TargetColumn]
		if priceIdx >= len(row) {
			skipped++
			continue
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(row[priceIdx]), 64)
		if err != nil || math.IsNaN(price) || math.IsInf(price, 0) {
			skipped++
			log.Debug().Int("line", line).Str("price", row[priceIdx]).Msg("skipping sample with invalid price")
			continue
		}

		samples = append(samples, Sample{Record: rec, Price: price})
	}

	if skipped > 0 {
		log.Warn().Int("skipped", skipped).Int("loaded", len(samples)).Msg("some CSV rows were skipped")
	}
	return samples, nil
}

// Split shuffles samples with a seeded source and holds out
// ceil(n*testFraction) of them for testing. The same seed always yields
// the same partition.
func Split(samples []Sample, testFraction float64, seed int64) (train, test []Sample, err error) {
	if testFraction <= 0 || testFraction >= 1 {
		return nil, nil, fmt.Errorf("test fraction must be in (0, 1), got %v", testFraction)
	}
	n := len(samples)
	nTest := int(math.Ceil(float64(n) * testFraction))
	if n < 2 || nTest >= n {
		return nil, nil, fmt.Errorf("cannot split %d samples with test fraction %v", n, testFraction)
	}

	perm := rand.New(rand.NewSource(seed)).Perm(n)
	test = make([]Sample, 0, nTest)
	train = make([]Sample, 0, n-nTest)
	for i, idx := range perm {
		if i < nTest {
			test = append(test, samples[idx])
		} else {
			train = append(train, samples[idx])
		}
	}
	return train, test, nil
}

// Records returns the attribute records of samples, in order.
func Records(samples []Sample) []schema.Record {
	out := make([]schema.Record, len(samples))
	for i, s := range samples {
		out[i] = s.Record
	}
	return out
}
