package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/atmoslab/lra/internal/integrity"
)

func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)

	output := fs.String("output", "", "Archive output root (path or bucket URL, required)")
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: lra check [options] <file>

Classify one archive file as complete or incomplete, using the same
policy the pipeline uses to decide whether a chunk must be recomputed.
The file argument is a key relative to the output root.

Exit code 0 means complete, 5 means incomplete.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if *output == "" || fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Error: -output and exactly one file argument are required")
		fs.Usage()
		return ExitInvalidArgs
	}
	key := fs.Arg(0)

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

	if integrity.NewChecker(bucket, log).IsComplete(ctx, key) {
		fmt.Printf("%s: complete\n", key)
		return ExitSuccess
	}
	fmt.Printf("%s: incomplete\n", key)
	return ExitIncomplete
}
