// Package transform defines the data retrieval and transformation
// collaborators consumed by the archive pipeline. The pipeline treats
// these as opaque, side-effect-free transforms over lazily evaluated
// frames; it never implements regridding or averaging itself.
package transform

import (
	"context"
	"time"

	"github.com/atmoslab/lra/pkg/griddata"
)

// Frame is a lazy, per-variable view of a gridded time series. The time
// axis is known up front; values are materialized only when a slice is
// requested.
type Frame interface {
	// Variable returns the variable name carried by the frame.
	Variable() string

	// TimeAxis returns the full time coordinate of the frame, ascending.
	TimeAxis() []time.Time

	// Slice materializes the steps with from <= t < to.
	Slice(ctx context.Context, from, to time.Time) (*griddata.Dataset, error)
}

// Provider retrieves source data and derives transformed frames from it.
type Provider interface {
	// Retrieve opens a lazy frame per requested variable.
	Retrieve(ctx context.Context, variables []string) (map[string]Frame, error)

	// AverageOverTime resamples a frame to the given frequency (e.g.
	// "monthly"). When excludeIncomplete is set, a trailing window not
	// fully covered by the source range is dropped.
	AverageOverTime(f Frame, frequency string, excludeIncomplete bool) (Frame, error)

	// Regrid interpolates a frame onto the named target resolution.
	Regrid(f Frame, resolution string) (Frame, error)
}
