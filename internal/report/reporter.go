// Package report writes evaluation results of a bundle to disk and to the
// console.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"diamond-pricer/internal/ml"

	"github.com/rs/zerolog/log"
)

// Report file names written by GenerateReport.
const (
	SummaryFile = "evaluation_summary.txt"
	JSONFile    = "evaluation.json"
	MetricsFile = "model_metrics.csv"
)

// Reporter generates evaluation reports
type Reporter struct {
	version    string
	results    *ml.EvaluationReport
	outputPath string
}

// NewReporter creates a reporter for the evaluation of one bundle version.
func NewReporter(version string, results *ml.EvaluationReport, outputPath string) *Reporter {
	return &Reporter{
		version:    version,
		results:    results,
		outputPath: outputPath,
	}
}

// GenerateReport generates all report formats
func (r *Reporter) GenerateReport() error {
	if err := os.MkdirAll(r.outputPath, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := r.generateSummary(); err != nil {
		return err
	}

	if err := r.generateJSONReport(); err != nil {
		return err
	}

	return r.generateMetricsReport()
}

// ModelRank is one ensemble member ordered by error.
type ModelRank struct {
	Rank  int
	Model string
	MAE   float64
	// Gain is how much lower the ensemble error is than this member's.
	Gain float64
}

// Ranking orders members by ascending MAE; ties keep declared order.
func (r *Reporter) Ranking() []ModelRank {
	ranks := make([]ModelRank, len(r.results.Models))
	for i, m := range r.results.Models {
		ranks[i] = ModelRank{Model: m.Model, MAE: m.MAE, Gain: m.MAE - r.results.EnsembleMAE}
	}
	sort.SliceStable(ranks, func(i, j int) bool { return ranks[i].MAE < ranks[j].MAE })
	for i := range ranks {
		ranks[i].Rank = i + 1
	}
	return ranks
}

func (r *Reporter) generateSummary() error {
	summaryPath := filepath.Join(r.outputPath, SummaryFile)
	file, err := os.Create(summaryPath)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer file.Close()

	r.writeSummary(file)

	log.Info().Str("file", summaryPath).Msg("Summary report generated")
	return nil
}

func (r *Reporter) writeSummary(w io.Writer) {
	fmt.Fprintf(w, "BUNDLE EVALUATION SUMMARY\n")
	fmt.Fprintf(w, "=========================\n\n")

	fmt.Fprintf(w, "Bundle Version: %s\n", r.version)
	fmt.Fprintf(w, "Evaluated At: %s\n", r.results.EvaluatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Samples: %d\n\n", r.results.Samples)

	fmt.Fprintf(w, "ENSEMBLE\n")
	fmt.Fprintf(w, "--------\n")
	fmt.Fprintf(w, "Members: %d\n", len(r.results.Models))
	fmt.Fprintf(w, "Mean Absolute Error: %.2f\n", r.results.EnsembleMAE)

	if ranks := r.Ranking(); len(ranks) > 0 {
		fmt.Fprintf(w, "\nMEMBERS BY ERROR\n")
		fmt.Fprintf(w, "----------------\n")
		for _, m := range ranks {
			fmt.Fprintf(w, "%d. %s: MAE %.2f (ensemble %+.2f)\n", m.Rank, m.Model, m.MAE, -m.Gain)
		}
	}
}

func (r *Reporter) generateJSONReport() error {
	jsonPath := filepath.Join(r.outputPath, JSONFile)

	report := map[string]interface{}{
		"bundle_version": r.version,
		"evaluation":     r.results,
		"generated_at":   time.Now(),
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if err := os.WriteFile(jsonPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write JSON report: %w", err)
	}

	log.Info().Str("file", jsonPath).Msg("JSON report generated")
	return nil
}

func (r *Reporter) generateMetricsReport() error {
	metricsPath := filepath.Join(r.outputPath, MetricsFile)
	file, err := os.Create(metricsPath)
	if err != nil {
		return fmt.Errorf("failed to create metrics report: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"Rank", "Model", "MAE", "Ensemble Gain"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, m := range r.Ranking() {
		record := []string{
			fmt.Sprintf("%d", m.Rank),
			m.Model,
			fmt.Sprintf("%.4f", m.MAE),
			fmt.Sprintf("%.4f", m.Gain),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	if err := writer.Write([]string{"", "ensemble", fmt.Sprintf("%.4f", r.results.EnsembleMAE), "0.0000"}); err != nil {
		return err
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}

	log.Info().Str("file", metricsPath).Msg("Metrics report generated")
	return nil
}

// PrintSummary prints a summary to w
func (r *Reporter) PrintSummary(w io.Writer) {
	fmt.Fprintln(w, "\n=== EVALUATION RESULTS ===")
	fmt.Fprintf(w, "Bundle: %s\n", r.version)
	fmt.Fprintf(w, "Samples: %d\n", r.results.Samples)
	for _, m := range r.results.Models {
		fmt.Fprintf(w, "%s MAE: %.2f\n", m.Model, m.MAE)
	}
	fmt.Fprintf(w, "Ensemble MAE: %.2f\n", r.results.EnsembleMAE)
	fmt.Fprintln(w, "==========================")
}
