package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/atmoslab/lra/internal/catalog"
	"github.com/atmoslab/lra/internal/layout"
)

func runRegister(args []string) int {
	fs := flag.NewFlagSet("register", flag.ExitOnError)

	output := fs.String("output", "", "Archive output root (path or bucket URL, required)")
	catalogDir := fs.String("catalog", "", "Catalog document directory (required)")
	model := fs.String("model", "", "Model identifier (required)")
	experiment := fs.String("experiment", "", "Experiment identifier (required)")
	resolution := fs.String("resolution", "", "Resolution (required)")
	frequency := fs.String("frequency", "", "Frequency (empty for native)")
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: lra register [options]

Rebuild both catalog entries (glob and virtual-aggregate) from the files
present under an existing archive tree, and merge them into the catalog
document for the (model, experiment) pair.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if *output == "" || *catalogDir == "" || *model == "" || *experiment == "" || *resolution == "" {
		fmt.Fprintln(os.Stderr, "Error: -output, -catalog, -model, -experiment, and -resolution are required")
		fs.Usage()
		return ExitInvalidArgs
	}

	log, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	ctx, cancel := signalContext()
	defer cancel()

	bucket, err := openBucket(ctx, *output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	defer bucket.Close()

	builder := &catalog.Builder{
		Bucket: bucket,
		Archive: layout.Archive{
			Model:      *model,
			Experiment: *experiment,
			Resolution: *resolution,
			Frequency:  *frequency,
		},
		OutputRoot: *output,
		Log:        log,
	}
	store := &catalog.Store{Dir: *catalogDir}

	if err := builder.Register(ctx, store); err != nil {
		var noData *catalog.NoDataError
		if errors.As(err, &noData) {
			fmt.Fprintf(os.Stderr, "Error: no data to register under %s\n", noData.Dir)
			return ExitGeneralError
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}
	fmt.Fprintf(os.Stderr, "[lra] Registered entries in %s\n",
		store.DocumentPath(*model, *experiment))
	return ExitSuccess
}
