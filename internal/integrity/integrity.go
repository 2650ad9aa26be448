// Package integrity classifies archive chunk files as complete or
// incomplete without mutating them. Incomplete files are recomputed by
// the next pipeline invocation; that restart loop is the archive's only
// retry mechanism, so the classification must err on the side of
// recompute.
package integrity

import (
	"context"
	"log/slog"

	"gocloud.dev/blob"

	"github.com/atmoslab/lra/pkg/griddata"
)

// Checker inspects candidate output files. All storage access is
// read-only.
type Checker struct {
	Bucket *blob.Bucket
	Log    *slog.Logger
}

// NewChecker returns a Checker over the given bucket.
func NewChecker(bucket *blob.Bucket, log *slog.Logger) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{Bucket: bucket, Log: log}
}

// IsComplete reports whether the file at key is a complete chunk. It
// never returns an error: any failure to open or interpret the file
// classifies it as incomplete and is logged.
//
// The checks run in order, short-circuiting:
//
//  1. missing file: incomplete
//  2. unreadable or unparseable file: incomplete (treated as corrupt)
//  3. no data: incomplete
//  4. entirely missing values: complete only when a min_date attribute
//     places the whole file before the variable's first expected date
//  5. partially missing values: complete when the per-step missing count
//     is uniform (an accepted mask, e.g. land-only variables); otherwise
//     complete only when every divergent step is before min_date
func (c *Checker) IsComplete(ctx context.Context, key string) bool {
	exists, err := c.Bucket.Exists(ctx, key)
	if err != nil {
		c.Log.Error("integrity: cannot stat file", "file", key, "error", err)
		return false
	}
	if !exists {
		c.Log.Debug("integrity: file not present", "file", key)
		return false
	}

	ds, err := griddata.Decode(ctx, c.Bucket, key)
	if err != nil {
		c.Log.Error("integrity: corrupt file, will be recomputed", "file", key, "error", err)
		return false
	}

	if ds.Steps() == 0 || ds.Cells() == 0 || len(ds.Values) == 0 {
		c.Log.Error("integrity: file holds no data", "file", key)
		return false
	}

	if ds.AllMissing() {
		if minDate, ok := ds.MinDate(); ok && ds.MaxTime().Before(minDate) {
			c.Log.Debug("integrity: all-missing file before min_date accepted",
				"file", key, "min_date", minDate)
			return true
		}
		c.Log.Error("integrity: file is entirely missing values", "file", key)
		return false
	}

	counts := ds.MissingPerStep()
	anyMissing := false
	for _, n := range counts {
		if n > 0 {
			anyMissing = true
			break
		}
	}
	if !anyMissing {
		return true
	}

	if uniform(counts) {
		// Uniform missingness is a data characteristic (masks), not
		// corruption.
		return true
	}

	// Divergent missing counts: tolerated only when every step that
	// deviates from the dominant count lies before min_date.
	minDate, ok := ds.MinDate()
	if !ok {
		c.Log.Error("integrity: missing-value count varies across time steps", "file", key)
		return false
	}
	dominant := dominantCount(counts)
	for step, n := range counts {
		if n == dominant {
			continue
		}
		if !ds.Time[step].Before(minDate) {
			c.Log.Error("integrity: divergent missing counts after min_date",
				"file", key, "step", ds.Time[step], "min_date", minDate)
			return false
		}
	}
	return true
}

func uniform(counts []int) bool {
	for _, n := range counts[1:] {
		if n != counts[0] {
			return false
		}
	}
	return true
}

// dominantCount returns the most frequent missing count. A frequency tie
// goes to the count seen at the latest time step, so spin-up steps before
// min_date never outvote the settled tail of the file and the verdict is
// the same on every call.
func dominantCount(counts []int) int {
	freq := make(map[int]int)
	for _, n := range counts {
		freq[n]++
	}
	best, bestFreq := counts[len(counts)-1], 0
	for i := len(counts) - 1; i >= 0; i-- {
		if f := freq[counts[i]]; f > bestFreq {
			best, bestFreq = counts[i], f
		}
	}
	return best
}
