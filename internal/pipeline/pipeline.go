// Package pipeline drives an archive generation run: validate the
// request, retrieve lazy source frames, transform them per variable,
// write monthly chunks, consolidate completed years and register the
// result in the catalog.
//
// A run never aborts on a single chunk or variable failure; errors are
// collected and reported in the end-of-run summary. Resumability comes
// from re-invocation: incomplete files are detected by the integrity
// checker and recomputed, complete ones are skipped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gocloud.dev/blob"

	"github.com/atmoslab/lra/internal/catalog"
	"github.com/atmoslab/lra/internal/executor"
	"github.com/atmoslab/lra/internal/integrity"
	"github.com/atmoslab/lra/internal/layout"
	"github.com/atmoslab/lra/internal/progress"
	"github.com/atmoslab/lra/internal/transform"
	"github.com/atmoslab/lra/internal/writer"
	"github.com/atmoslab/lra/pkg/griddata"
)

// ConfigurationError reports an invalid request. It is raised during
// validation, before any I/O.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "pipeline: invalid request: " + e.Reason
}

// VariableError records the failure of one variable's processing. It does
// not abort the run; remaining variables are still processed.
type VariableError struct {
	Variable string
	Stage    Stage
	Err      error
}

func (e *VariableError) Error() string {
	return fmt.Sprintf("pipeline: variable %s failed while %s: %v", e.Variable, e.Stage, e.Err)
}

func (e *VariableError) Unwrap() error { return e.Err }

// Stage names one phase of the run state machine.
type Stage string

const (
	StageValidating    Stage = "validating"
	StageRetrieving    Stage = "retrieving"
	StageTransforming  Stage = "transforming"
	StageWriting       Stage = "writing"
	StageConsolidating Stage = "consolidating"
	StageRegistering   Stage = "registering"
)

// Request describes one archive generation run. It is immutable after
// validation.
type Request struct {
	Model      string
	Experiment string
	Variables  []string
	Resolution string

	// Frequency selects temporal averaging ("monthly", "daily",
	// "yearly"). Empty means no averaging; the archive is filed under
	// the "native" frequency.
	Frequency string

	// OutputRoot is the absolute location of the archive tree as seen by
	// downstream catalog consumers. Chunk keys inside the bucket are
	// relative; OutputRoot only shapes the glob entry.
	OutputRoot string

	ScratchRoot string
	Workers     int

	// Overwrite recomputes chunks even when a complete file exists.
	Overwrite bool

	// Definitive enables writes. A non-definitive run plans and logs
	// without touching storage or the catalog.
	Definitive bool

	// ExcludeIncomplete drops a trailing averaging window not fully
	// covered by the source range.
	ExcludeIncomplete bool

	// Write carries codec choices (precision, compression) for every
	// chunk this run produces.
	Write griddata.WriteConfig
}

// Validate checks the request before any I/O happens.
func (r *Request) Validate() error {
	if r.Model == "" {
		return &ConfigurationError{Reason: "model identifier is required"}
	}
	if r.Experiment == "" {
		return &ConfigurationError{Reason: "experiment identifier is required"}
	}
	if len(r.Variables) == 0 {
		return &ConfigurationError{Reason: "at least one variable is required"}
	}
	if r.Resolution == "" {
		return &ConfigurationError{Reason: "target resolution is required"}
	}
	if r.OutputRoot == "" {
		return &ConfigurationError{Reason: "output root is required"}
	}
	return nil
}

// Archive returns the archive tree the request targets.
func (r *Request) Archive() layout.Archive {
	return layout.Archive{
		Model:      r.Model,
		Experiment: r.Experiment,
		Resolution: r.Resolution,
		Frequency:  r.Frequency,
	}.Normalize()
}

// ChunkCounts tallies the outcome of one variable's chunks.
type ChunkCounts struct {
	Written int
	Skipped int
	Planned int
	Failed  int

	// Consolidated lists the years merged into yearly files this run.
	Consolidated []int
}

// Summary is the end-of-run report.
type Summary struct {
	Variables map[string]*ChunkCounts
	Errors    []error
}

func newSummary(variables []string) *Summary {
	s := &Summary{Variables: make(map[string]*ChunkCounts, len(variables))}
	for _, v := range variables {
		s.Variables[v] = &ChunkCounts{}
	}
	return s
}

// Ok reports whether every chunk of every variable succeeded.
func (s *Summary) Ok() bool {
	if len(s.Errors) > 0 {
		return false
	}
	for _, c := range s.Variables {
		if c.Failed > 0 {
			return false
		}
	}
	return true
}

// Driver orchestrates one archive generation run.
type Driver struct {
	Bucket   *blob.Bucket
	Provider transform.Provider
	Store    *catalog.Store
	Reporter *progress.Reporter
	Log      *slog.Logger
}

// yearPlan is the ordered set of months the transformed time axis covers
// for one year. Its length is the expected chunk count consolidation
// gates on.
type yearPlan struct {
	year   int
	months []time.Month
}

// Run executes the request. It returns an error only for unrecoverable
// conditions (invalid request, source retrieval failure, executor
// start-up); chunk and per-variable failures are collected in the
// summary instead.
func (d *Driver) Run(ctx context.Context, req Request) (*Summary, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Workers < 1 {
		req.Workers = 1
	}
	archive := req.Archive()
	log := d.Log.With("model", req.Model, "experiment", req.Experiment,
		"resolution", req.Resolution, "frequency", archive.Frequency)
	sum := newSummary(req.Variables)

	log.Info("pipeline: retrieving source data",
		"stage", StageRetrieving, "variables", req.Variables)
	frames, err := d.Provider.Retrieve(ctx, req.Variables)
	if err != nil {
		return nil, fmt.Errorf("pipeline: retrieve: %w", err)
	}

	checker := integrity.NewChecker(d.Bucket, log)

	// A dry run stands up no executor and owns no scratch directory.
	var chunks *writer.Writer
	if req.Definitive {
		exec, err := executor.Start(ctx, req.ScratchRoot, req.Workers, log)
		if err != nil {
			return nil, fmt.Errorf("pipeline: start executor: %w", err)
		}
		defer exec.Stop()
		chunks = &writer.Writer{
			Bucket:   d.Bucket,
			Exec:     exec,
			Config:   req.Write,
			Checker:  checker,
			Reporter: d.Reporter,
			Log:      log,
		}
	}

	for _, variable := range req.Variables {
		if err := ctx.Err(); err != nil {
			return sum, fmt.Errorf("pipeline: cancelled: %w", err)
		}
		if err := d.processVariable(ctx, req, archive, frames, variable, checker, chunks, sum, log); err != nil {
			sum.Errors = append(sum.Errors, err)
			log.Error("pipeline: variable failed", "variable", variable, "error", err)
		}
	}

	if req.Definitive {
		log.Info("pipeline: registering catalog entries", "stage", StageRegistering)
		builder := &catalog.Builder{
			Bucket:     d.Bucket,
			Archive:    archive,
			OutputRoot: req.OutputRoot,
			Log:        log,
		}
		if err := builder.Register(ctx, d.Store); err != nil {
			var noData *catalog.NoDataError
			if errors.As(err, &noData) {
				log.Warn("pipeline: nothing to register", "dir", noData.Dir)
			} else {
				sum.Errors = append(sum.Errors, fmt.Errorf("pipeline: register: %w", err))
			}
		}
	}

	d.logSummary(log, req, sum)
	return sum, nil
}

func (d *Driver) processVariable(
	ctx context.Context,
	req Request,
	archive layout.Archive,
	frames map[string]transform.Frame,
	variable string,
	checker *integrity.Checker,
	chunks *writer.Writer,
	sum *Summary,
	log *slog.Logger,
) error {
	frame, ok := frames[variable]
	if !ok {
		return &VariableError{Variable: variable, Stage: StageRetrieving,
			Err: errors.New("variable missing from retrieved data")}
	}

	frame, err := d.transformFrame(frame, req)
	if err != nil {
		return &VariableError{Variable: variable, Stage: StageTransforming, Err: err}
	}

	counts := sum.Variables[variable]
	for _, plan := range planYears(frame.TimeAxis()) {
		if err := ctx.Err(); err != nil {
			return &VariableError{Variable: variable, Stage: StageWriting, Err: err}
		}

		// A year already merged into a complete yearly file is done;
		// its monthly targets intentionally no longer exist.
		yearly := archive.YearFile(variable, plan.year)
		if !req.Overwrite && checker.IsComplete(ctx, yearly) {
			counts.Skipped += len(plan.months)
			if d.Reporter != nil {
				for range plan.months {
					d.Reporter.ChunkSkipped()
				}
			}
			continue
		}
		if req.Overwrite && req.Definitive {
			if err := d.Bucket.Delete(ctx, yearly); err == nil {
				log.Info("pipeline: removed consolidated year for overwrite",
					"variable", variable, "year", plan.year)
			}
		}

		// A year's chunks overlap on the worker pool: every month that
		// needs recomputing is started before the first one is collected.
		// Completions are gathered in month order; the targets are
		// distinct, so out-of-order execution on the pool is harmless.
		allPrior := true
		var pending []*writer.PendingChunk
		for _, month := range plan.months {
			target := archive.MonthFile(variable, plan.year, month)
			if !req.Overwrite && checker.IsComplete(ctx, target) {
				counts.Skipped++
				if d.Reporter != nil {
					d.Reporter.ChunkSkipped()
				}
				continue
			}
			allPrior = false
			if !req.Definitive {
				counts.Planned++
				log.Info("pipeline: dry run, chunk would be written",
					"stage", StageWriting, "target", target)
				continue
			}
			p, err := chunks.StartChunk(ctx, monthSlice(frame, plan.year, month), target)
			if err != nil {
				counts.Failed++
				log.Error("pipeline: chunk failed",
					"stage", StageWriting, "target", target, "error", err)
				continue
			}
			pending = append(pending, p)
		}
		for _, p := range pending {
			if err := chunks.FinishChunk(ctx, p); err != nil {
				counts.Failed++
				log.Error("pipeline: chunk failed",
					"stage", StageWriting, "target", p.Target(), "error", err)
				continue
			}
			counts.Written++
		}

		// Consolidate only years whose chunks were all complete before
		// this run started: freshly written months settle one invocation
		// before they are merged, so an interrupted run can still
		// recompute them individually.
		if req.Definitive && allPrior && len(plan.months) > 0 {
			_, merged, err := (&writer.Consolidator{
				Bucket:  d.Bucket,
				Archive: archive,
				Config:  req.Write,
				Log:     log,
			}).ConsolidateYear(ctx, variable, plan.year, len(plan.months))
			if err != nil {
				return &VariableError{Variable: variable, Stage: StageConsolidating, Err: err}
			}
			if merged {
				counts.Consolidated = append(counts.Consolidated, plan.year)
			}
		}
	}
	return nil
}

// transformFrame applies the requested temporal averaging and regridding.
func (d *Driver) transformFrame(frame transform.Frame, req Request) (transform.Frame, error) {
	var err error
	if req.Frequency != "" {
		frame, err = d.Provider.AverageOverTime(frame, req.Frequency, req.ExcludeIncomplete)
		if err != nil {
			return nil, err
		}
	}
	frame, err = d.Provider.Regrid(frame, req.Resolution)
	if err != nil {
		return nil, err
	}
	return frame, nil
}

func monthSlice(frame transform.Frame, year int, month time.Month) writer.Slice {
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	return func(ctx context.Context) (*griddata.Dataset, error) {
		return frame.Slice(ctx, from, to)
	}
}

// planYears enumerates the (year, month) chunks an ascending time axis
// covers, years ascending and months ascending within each year.
func planYears(axis []time.Time) []yearPlan {
	var plans []yearPlan
	for _, t := range axis {
		y, m := t.Year(), t.Month()
		if n := len(plans); n == 0 || plans[n-1].year != y {
			plans = append(plans, yearPlan{year: y})
		}
		p := &plans[len(plans)-1]
		if n := len(p.months); n == 0 || p.months[n-1] != m {
			p.months = append(p.months, m)
		}
	}
	return plans
}

func (d *Driver) logSummary(log *slog.Logger, req Request, sum *Summary) {
	for _, variable := range req.Variables {
		c := sum.Variables[variable]
		log.Info("pipeline: variable summary",
			"variable", variable,
			"written", c.Written,
			"skipped", c.Skipped,
			"planned", c.Planned,
			"failed", c.Failed,
			"consolidated_years", c.Consolidated,
		)
	}
	if sum.Ok() {
		log.Info("pipeline: run complete")
	} else {
		log.Error("pipeline: run finished with failures", "errors", len(sum.Errors))
	}
}
