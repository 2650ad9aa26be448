package writer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"gocloud.dev/blob"

	"github.com/atmoslab/lra/internal/layout"
	"github.com/atmoslab/lra/pkg/griddata"
)

// Consolidator merges a completed set of monthly chunks into one yearly
// file and removes the monthly inputs.
type Consolidator struct {
	Bucket  *blob.Bucket
	Archive layout.Archive
	Config  griddata.WriteConfig
	Log     *slog.Logger
}

// ConsolidateYear merges the monthly chunks of (variable, year) when the
// full expected set is present on disk. It returns the yearly path and
// true when it acted; otherwise it does nothing and returns false. It is
// safe to call repeatedly: with the monthly files absent (already
// consolidated, or never written) the call is a no-op.
func (c *Consolidator) ConsolidateYear(ctx context.Context, variable string, year, expected int) (string, bool, error) {
	months, err := c.listMonths(ctx, variable, year)
	if err != nil {
		return "", false, err
	}
	if len(months) == 0 {
		return "", false, nil
	}
	if len(months) < expected {
		c.Log.Debug("consolidate: year not yet complete",
			"variable", variable, "year", year,
			"present", len(months), "expected", expected)
		return "", false, nil
	}

	parts := make([]*griddata.Dataset, 0, len(months))
	for _, key := range months {
		ds, err := griddata.Decode(ctx, c.Bucket, key)
		if err != nil {
			return "", false, fmt.Errorf("consolidate: read %s: %w", key, err)
		}
		parts = append(parts, ds)
	}
	merged, err := griddata.Concat(parts...)
	if err != nil {
		return "", false, fmt.Errorf("consolidate: merge %s %d: %w", variable, year, err)
	}

	target := c.Archive.YearFile(variable, year)
	tmp := target + ".tmp"
	if err := griddata.Encode(ctx, c.Bucket, tmp, merged, c.Config); err != nil {
		return "", false, fmt.Errorf("consolidate: write %s: %w", target, err)
	}
	if err := c.Bucket.Copy(ctx, target, tmp, nil); err != nil {
		c.Bucket.Delete(ctx, tmp)
		return "", false, fmt.Errorf("consolidate: move %s into place: %w", target, err)
	}
	if err := c.Bucket.Delete(ctx, tmp); err != nil && !isNotExist(err) {
		return "", false, fmt.Errorf("consolidate: remove temporary %s: %w", tmp, err)
	}

	// The yearly file is in place; the monthly inputs are now redundant.
	for _, key := range months {
		if err := c.Bucket.Delete(ctx, key); err != nil && !isNotExist(err) {
			return "", false, fmt.Errorf("consolidate: remove monthly %s: %w", key, err)
		}
	}

	c.Log.Info("consolidate: year merged",
		"variable", variable, "year", year, "months", len(months), "target", target)
	return target, true, nil
}

// listMonths returns the monthly chunk keys present for (variable, year),
// in month order.
func (c *Consolidator) listMonths(ctx context.Context, variable string, year int) ([]string, error) {
	prefix := c.Archive.YearPrefix(variable, year)
	iter := c.Bucket.List(&blob.ListOptions{Prefix: prefix})

	var keys []string
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("consolidate: list %s: %w", prefix, err)
		}
		parsed, ok := layout.ParseName(obj.Key)
		if !ok || parsed.Variable != variable || parsed.Year != year || parsed.Month == 0 {
			continue
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}
