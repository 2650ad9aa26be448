package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/atmoslab/lra/internal/catalog"
	"github.com/atmoslab/lra/internal/config"
	"github.com/atmoslab/lra/internal/pipeline"
	"github.com/atmoslab/lra/internal/progress"
	"github.com/atmoslab/lra/internal/transform"
	"github.com/atmoslab/lra/pkg/griddata"
)

func runGenerate(args []string) int {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)

	configPath := fs.String("config", "", "YAML configuration file")
	model := fs.String("model", "", "Source model identifier")
	experiment := fs.String("experiment", "", "Source experiment identifier")
	variables := fs.String("variables", "", "Comma-separated variable list")
	resolution := fs.String("resolution", "", "Target resolution (e.g. r100)")
	frequency := fs.String("frequency", "", "Target frequency (monthly, daily, yearly; empty for native)")
	output := fs.String("output", "", "Archive output root (path or bucket URL)")
	catalogDir := fs.String("catalog", "", "Catalog document directory")
	scratch := fs.String("scratch", "", "Scratch root for the executor")
	workers := fs.Int("workers", 0, "Number of parallel workers (1 = synchronous)")
	overwrite := fs.Bool("overwrite", false, "Recompute chunks even when complete files exist")
	definitive := fs.Bool("definitive", false, "Write files; without this flag the run is a dry run")
	excludeIncomplete := fs.Bool("exclude-incomplete", false, "Drop a trailing averaging window not fully covered by the source")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	showProgress := fs.Bool("progress", false, "Show chunk-level progress")
	start := fs.String("start", "", "Source range start (YYYY-MM-DD or RFC 3339)")
	end := fs.String("end", "", "Source range end, exclusive")
	step := fs.Duration("step", 0, "Source sampling interval (e.g. 1h)")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: lra generate [options]

Run the archive generation pipeline: retrieve the source variables,
average and regrid them, write one chunk per (variable, year, month),
consolidate completed years and register the catalog entries.

The run is resumable: complete chunks are skipped, incomplete ones are
recomputed. Without -definitive nothing is written.

Flags override environment variables (LRA_ prefix), which override the
configuration file.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitInvalidArgs
		}
		cfg = loaded
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	override := config.Config{
		Model:             *model,
		Experiment:        *experiment,
		Resolution:        *resolution,
		Frequency:         *frequency,
		OutputRoot:        *output,
		CatalogDir:        *catalogDir,
		ScratchRoot:       *scratch,
		Workers:           *workers,
		Overwrite:         *overwrite,
		Definitive:        *definitive,
		ExcludeIncomplete: *excludeIncomplete,
		LogLevel:          *logLevel,
	}
	if *variables != "" {
		override.Variables = splitVariables(*variables)
	}
	if *start != "" {
		t, err := config.ParseTime(*start)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: -start: %v\n", err)
			return ExitInvalidArgs
		}
		override.Source.Start = t
	}
	if *end != "" {
		t, err := config.ParseTime(*end)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: -end: %v\n", err)
			return ExitInvalidArgs
		}
		override.Source.End = t
	}
	override.Source.Step = *step
	cfg = cfg.Merge(override)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		return ExitInvalidArgs
	}
	if cfg.Source.Start.IsZero() || cfg.Source.End.IsZero() {
		fmt.Fprintln(os.Stderr, "Error: a source range is required (-start/-end, source.start/source.end)")
		return ExitInvalidArgs
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	ctx, cancel := signalContext()
	defer cancel()

	bucket, err := openBucket(ctx, cfg.OutputRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	defer bucket.Close()

	write := griddata.WriteConfig{}
	if cfg.SinglePrecision {
		write.Precision = griddata.Float32
	}
	if cfg.Compress {
		write.GzipLevel = 6
	}

	req := pipeline.Request{
		Model:             cfg.Model,
		Experiment:        cfg.Experiment,
		Variables:         cfg.Variables,
		Resolution:        cfg.Resolution,
		Frequency:         cfg.Frequency,
		OutputRoot:        cfg.OutputRoot,
		ScratchRoot:       cfg.ScratchRoot,
		Workers:           cfg.Workers,
		Overwrite:         cfg.Overwrite,
		Definitive:        cfg.Definitive,
		ExcludeIncomplete: cfg.ExcludeIncomplete,
		Write:             write,
	}

	driver := &pipeline.Driver{
		Bucket: bucket,
		Provider: &transform.Synthetic{
			Start: cfg.Source.Start,
			End:   cfg.Source.End,
			Step:  cfg.Source.Step,
		},
		Store: &catalog.Store{Dir: cfg.CatalogDir},
		Log:   log,
	}
	if *showProgress {
		reporter := progress.NewReporter(progress.Options{
			Workers: cfg.Workers,
			Label:   fmt.Sprintf("%s/%s %s %s", cfg.Model, cfg.Experiment, cfg.Resolution, cfg.Frequency),
		})
		reporter.Start()
		defer reporter.Stop()
		driver.Reporter = reporter
	}

	sum, err := driver.Run(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var cfgErr *pipeline.ConfigurationError
		if errors.As(err, &cfgErr) {
			return ExitInvalidArgs
		}
		return ExitGeneralError
	}
	if !sum.Ok() {
		fmt.Fprintln(os.Stderr, "[lra] Run finished with failures; run again to recompute them")
		return ExitRunFailed
	}
	return ExitSuccess
}

func splitVariables(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
