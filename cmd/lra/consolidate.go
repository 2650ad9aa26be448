package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"gocloud.dev/blob"

	"github.com/atmoslab/lra/internal/layout"
	"github.com/atmoslab/lra/internal/writer"
)

func runConsolidate(args []string) int {
	fs := flag.NewFlagSet("consolidate", flag.ExitOnError)

	output := fs.String("output", "", "Archive output root (path or bucket URL, required)")
	model := fs.String("model", "", "Model identifier (required)")
	experiment := fs.String("experiment", "", "Experiment identifier (required)")
	resolution := fs.String("resolution", "", "Resolution (required)")
	frequency := fs.String("frequency", "", "Frequency (empty for native)")
	expect := fs.Int("expect", 12, "Monthly chunks a year needs before it is merged")
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: lra consolidate [options]

Merge completed years of monthly chunks found under an archive tree into
yearly files and remove the monthly inputs. Years with fewer than the
expected number of months are left untouched.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if *output == "" || *model == "" || *experiment == "" || *resolution == "" {
		fmt.Fprintln(os.Stderr, "Error: -output, -model, -experiment, and -resolution are required")
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

	archive := layout.Archive{
		Model:      *model,
		Experiment: *experiment,
		Resolution: *resolution,
		Frequency:  *frequency,
	}.Normalize()

	// Enumerate the (variable, year) pairs that still hold monthly
	// fragments.
	type vy struct {
		variable string
		year     int
	}
	counts := make(map[vy]int)
	iter := bucket.List(&blob.ListOptions{Prefix: archive.Dir() + "/"})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitStorageError
		}
		parsed, ok := layout.ParseName(obj.Key)
		if !ok || parsed.Month == 0 {
			continue
		}
		counts[vy{parsed.Variable, parsed.Year}]++
	}

	pairs := make([]vy, 0, len(counts))
	for p := range counts {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].variable != pairs[j].variable {
			return pairs[i].variable < pairs[j].variable
		}
		return pairs[i].year < pairs[j].year
	})

	cons := &writer.Consolidator{Bucket: bucket, Archive: archive, Log: log}
	merged := 0
	for _, p := range pairs {
		if counts[p] < *expect {
			log.Info("year left as fragments",
				"variable", p.variable, "year", p.year,
				"present", counts[p], "expected", *expect)
			continue
		}
		path, ok, err := cons.ConsolidateYear(ctx, p.variable, p.year, *expect)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitGeneralError
		}
		if ok {
			fmt.Printf("%s\n", path)
			merged++
		}
	}
	fmt.Fprintf(os.Stderr, "[lra] Consolidated %d year(s)\n", merged)
	return ExitSuccess
}
