package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"diamond-pricer/internal/dataset"
	"diamond-pricer/internal/features"
	"diamond-pricer/internal/ml"
	"diamond-pricer/internal/report"
	"diamond-pricer/internal/schema"
	"diamond-pricer/internal/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = `usage: bundler <command> [flags]

commands:
  import    load a CSV of priced diamonds into the bolt store
  fit       fit the feature transformer on the training split
  package   assemble, evaluate and publish a bundle version
  evaluate  report per-model and ensemble MAE of a bundle
  activate  mark a bundle version as the one to serve
  rollback  activate the previous bundle version
  list      list stored bundle versions

run "bundler <command> -h" for command flags`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || os.Getenv("LOG_LEVEL") == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx := context.Background()
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "import":
		err = runImport(args)
	case "fit":
		err = runFit(args)
	case "package":
		err = runPackage(ctx, args)
	case "evaluate":
		err = runEvaluate(ctx, args)
	case "activate":
		err = runActivate(args)
	case "rollback":
		err = runRollback(args)
	case "list":
		err = runList(args)
	case "-h", "--help", "help":
		fmt.Println(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("bundler failed")
	}
}

func runImport(args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	var (
		csvPath = fs.String("csv", "", "CSV file with the schema columns and a price column")
		dbPath  = fs.String("db", "data", "Data directory holding the bolt database")
		replace = fs.Bool("replace", false, "Remove previously imported samples first")
	)
	fs.Parse(args)
	if *csvPath == "" {
		return fmt.Errorf("-csv is required")
	}

	samples, err := dataset.LoadCSV(*csvPath, schema.MustDiamonds())
	if err != nil {
		return err
	}

	store, err := storage.New(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if *replace {
		if err := store.ClearSamples(); err != nil {
			return fmt.Errorf("clear samples: %w", err)
		}
	}
	if err := store.PutSamples(samples); err != nil {
		return fmt.Errorf("store samples: %w", err)
	}

	total, err := store.SampleCount()
	if err != nil {
		return err
	}
	log.Info().Int("imported", len(samples)).Int("total", total).Str("path", store.Path()).Msg("Samples imported")
	return nil
}

func runFit(args []string) error {
	fs := flag.NewFlagSet("fit", flag.ExitOnError)
	var ws workspace
	ws.register(fs)
	var (
		csvPath  = fs.String("csv", "", "CSV file with samples (default: samples in the bolt store)")
		out      = fs.String("out", ml.DefaultTransformerArtifact, "Output file for the fitted transformer")
		testFrac = fs.Float64("test", 0.2, "Fraction of samples held out for evaluation")
		seed     = fs.Int64("seed", 42, "Split seed")
	)
	fs.Parse(args)
	defer ws.Close()

	s := schema.MustDiamonds()
	samples, err := ws.samples(*csvPath, s)
	if err != nil {
		return err
	}
	train, test, err := dataset.Split(samples, *testFrac, *seed)
	if err != nil {
		return err
	}

	t, err := features.Fit(s, dataset.Records(train))
	if err != nil {
		return err
	}
	data, err := t.Encode()
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0644); err != nil {
		return fmt.Errorf("write transformer: %w", err)
	}

	log.Info().
		Int("train", len(train)).
		Int("test", len(test)).
		Int("width", t.Width()).
		Str("file", *out).
		Msg("Transformer fitted")
	return nil
}

func runPackage(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("package", flag.ExitOnError)
	var ws workspace
	ws.register(fs)
	var (
		version   = fs.String("version", "", "Bundle version (required)")
		name      = fs.String("name", "diamonds", "Bundle name")
		models    = fs.String("models", "", "Comma-separated members: name=kind:path")
		transPath = fs.String("transformer", "", "Fitted transformer file (default: fit on the training split)")
		csvPath   = fs.String("csv", "", "CSV file with samples (default: samples in the bolt store)")
		testFrac  = fs.Float64("test", 0.2, "Fraction of samples held out for evaluation")
		seed      = fs.Int64("seed", 42, "Split seed")
		activate  = fs.Bool("activate", false, "Activate the bundle after publishing")
		skipEval  = fs.Bool("skip-eval", false, "Publish without evaluating")
	)
	fs.Parse(args)
	defer ws.Close()

	if *version == "" {
		return fmt.Errorf("-version is required")
	}
	specs, artifacts, err := readModels(*models)
	if err != nil {
		return err
	}

	s := schema.MustDiamonds()
	var train, test []dataset.Sample
	if !*skipEval || *transPath == "" {
		samples, err := ws.samples(*csvPath, s)
		if err != nil {
			return err
		}
		if train, test, err = dataset.Split(samples, *testFrac, *seed); err != nil {
			return err
		}
	}

	t, err := loadOrFitTransformer(*transPath, s, train)
	if err != nil {
		return err
	}

	manifest := ml.Manifest{
		Name:      *name,
		Version:   *version,
		CreatedAt: time.Now().UTC(),
		Models:    specs,
	}
	packed, err := ml.PackBundle(manifest, t, artifacts)
	if err != nil {
		return err
	}

	if !*skipEval {
		b, err := ml.LoadBundle(ctx, ml.MemorySource(packed), s)
		if err != nil {
			return err
		}
		eval, err := ml.Evaluate(ctx, b, test)
		if err != nil {
			return err
		}
		report.NewReporter(*version, eval, "").PrintSummary(os.Stdout)

		manifest.Evaluation = eval
		if packed, err = ml.PackBundle(manifest, t, artifacts); err != nil {
			return err
		}
	}

	tgt, err := ws.target()
	if err != nil {
		return err
	}
	if err := tgt.Put(manifest, packed); err != nil {
		return err
	}
	if *activate {
		if err := tgt.Activate(*version); err != nil {
			return err
		}
		log.Info().Str("version", *version).Msg("Bundle activated")
	}
	return nil
}

func runEvaluate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("evaluate", flag.ExitOnError)
	var ws workspace
	ws.register(fs)
	var (
		version = fs.String("version", "", "Bundle version (default: active)")
		csvPath = fs.String("csv", "", "CSV file with samples (default: samples in the bolt store)")
		output  = fs.String("output", "", "Directory for report files")
	)
	fs.Parse(args)
	defer ws.Close()

	s := schema.MustDiamonds()
	tgt, err := ws.target()
	if err != nil {
		return err
	}
	b, err := tgt.Loader(*version, s)(ctx)
	if err != nil {
		return err
	}
	samples, err := ws.samples(*csvPath, s)
	if err != nil {
		return err
	}

	eval, err := ml.Evaluate(ctx, b, samples)
	if err != nil {
		return err
	}

	reporter := report.NewReporter(b.Version(), eval, *output)
	if *output != "" {
		if err := reporter.GenerateReport(); err != nil {
			log.Error().Err(err).Msg("Failed to generate reports")
		}
	}
	reporter.PrintSummary(os.Stdout)
	return nil
}

func runActivate(args []string) error {
	fs := flag.NewFlagSet("activate", flag.ExitOnError)
	var ws workspace
	ws.register(fs)
	version := fs.String("version", "", "Bundle version (required)")
	fs.Parse(args)
	defer ws.Close()

	if *version == "" {
		return fmt.Errorf("-version is required")
	}
	tgt, err := ws.target()
	if err != nil {
		return err
	}
	if err := tgt.Activate(*version); err != nil {
		return err
	}
	log.Info().Str("version", *version).Msg("Bundle activated")
	return nil
}

func runRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	var ws workspace
	ws.register(fs)
	fs.Parse(args)
	defer ws.Close()

	tgt, err := ws.target()
	if err != nil {
		return err
	}
	version, err := tgt.Rollback()
	if err != nil {
		return err
	}
	log.Info().Str("version", version).Msg("Rolled back")
	return nil
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	var ws workspace
	ws.register(fs)
	fs.Parse(args)
	defer ws.Close()

	tgt, err := ws.target()
	if err != nil {
		return err
	}
	versions, err := tgt.List()
	if err != nil {
		return err
	}

	for _, v := range versions {
		marker := " "
		if v.Active {
			marker = "*"
		}
		mae := "-"
		if v.Evaluation != nil {
			mae = fmt.Sprintf("%.2f", v.Evaluation.EnsembleMAE)
		}
		fmt.Printf("%s %-24s %-25s mae=%s\n", marker, v.Version, v.CreatedAt.Format(time.RFC3339), mae)
	}
	return nil
}

// readModels parses "name=kind:path,..." and reads each artifact file.
// Artifacts are stored in the bundle as <name>.json.
func readModels(spec string) ([]ml.ModelSpec, map[string][]byte, error) {
	var specs []ml.ModelSpec
	artifacts := make(map[string][]byte)

	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, nil, fmt.Errorf("model %q: want name=kind:path", entry)
		}
		kind, path, ok := strings.Cut(rest, ":")
		if !ok || name == "" || kind == "" || path == "" {
			return nil, nil, fmt.Errorf("model %q: want name=kind:path", entry)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("model %q: %w", name, err)
		}
		artifact := filepath.Base(name) + ".json"
		if _, dup := artifacts[artifact]; dup {
			return nil, nil, fmt.Errorf("model %q listed twice", name)
		}
		artifacts[artifact] = data
		specs = append(specs, ml.ModelSpec{Name: name, Kind: kind, Artifact: artifact})
	}
	return specs, artifacts, nil
}

func loadOrFitTransformer(path string, s *schema.Schema, train []dataset.Sample) (*features.Transformer, error) {
	if path == "" {
		return features.Fit(s, dataset.Records(train))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transformer: %w", err)
	}
	t, err := features.Decode(data)
	if err != nil {
		return nil, err
	}
	if err := t.Compatible(s); err != nil {
		return nil, err
	}
	return t, nil
}

func readManifest(src ml.ArtifactSource) (ml.Manifest, error) {
	var m ml.Manifest
	data, err := src.ReadArtifact(ml.ManifestArtifact)
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(data, &m)
	return m, err
}
