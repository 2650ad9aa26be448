package griddata

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// AttrMinDate is the attribute key marking the first date at which a
// variable is expected to carry real values. Samples before this date may
// legitimately be entirely missing (e.g. a sensor that came online late).
// The value is formatted as RFC 3339.
const AttrMinDate = "min_date"

// Dataset is one variable sampled on a fixed spatial grid along a time axis.
// Values are stored time-major: Values[step*Cells()+cell]. NaN marks a
// missing value.
type Dataset struct {
	Name   string
	Attrs  map[string]string
	Time   []time.Time
	Shape  []int
	Values []float64
}

// Cells returns the number of grid cells per time step.
func (d *Dataset) Cells() int {
	if len(d.Shape) == 0 {
		return 0
	}
	n := 1
	for _, s := range d.Shape {
		n *= s
	}
	return n
}

// Steps returns the number of time steps.
func (d *Dataset) Steps() int {
	return len(d.Time)
}

// Check verifies internal consistency of the dataset.
func (d *Dataset) Check() error {
	if d.Name == "" {
		return errors.New("griddata: dataset has no variable name")
	}
	if len(d.Values) != d.Steps()*d.Cells() {
		return fmt.Errorf("griddata: %d values, expected %d (%d steps x %d cells)",
			len(d.Values), d.Steps()*d.Cells(), d.Steps(), d.Cells())
	}
	return nil
}

// MinDate returns the min_date attribute, if present and parseable.
func (d *Dataset) MinDate() (time.Time, bool) {
	v, ok := d.Attrs[AttrMinDate]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// MaxTime returns the latest time coordinate, or the zero time for an
// empty axis.
func (d *Dataset) MaxTime() time.Time {
	var max time.Time
	for _, t := range d.Time {
		if t.After(max) {
			max = t
		}
	}
	return max
}

// AllMissing reports whether every sample in the dataset is NaN.
func (d *Dataset) AllMissing() bool {
	if len(d.Values) == 0 {
		return true
	}
	for _, v := range d.Values {
		if !math.IsNaN(v) {
			return false
		}
	}
	return true
}

// MissingPerStep returns, for each time step, the count of missing values
// across all grid cells.
func (d *Dataset) MissingPerStep() []int {
	cells := d.Cells()
	counts := make([]int, d.Steps())
	for step := range counts {
		base := step * cells
		n := 0
		for c := 0; c < cells; c++ {
			if math.IsNaN(d.Values[base+c]) {
				n++
			}
		}
		counts[step] = n
	}
	return counts
}

// SelectRange returns a new dataset containing the steps with
// from <= t < to. Attrs, name and shape are shared with the receiver.
func (d *Dataset) SelectRange(from, to time.Time) *Dataset {
	cells := d.Cells()
	out := &Dataset{Name: d.Name, Attrs: d.Attrs, Shape: d.Shape}
	for step, t := range d.Time {
		if t.Before(from) || !t.Before(to) {
			continue
		}
		out.Time = append(out.Time, t)
		out.Values = append(out.Values, d.Values[step*cells:(step+1)*cells]...)
	}
	return out
}

// SelectYear returns the steps falling in the given calendar year (UTC).
func (d *Dataset) SelectYear(year int) *Dataset {
	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	return d.SelectRange(from, from.AddDate(1, 0, 0))
}

// SelectMonth returns the steps falling in the given month (UTC).
func (d *Dataset) SelectMonth(year int, month time.Month) *Dataset {
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return d.SelectRange(from, from.AddDate(0, 1, 0))
}

// Concat merges datasets of the same variable and shape into one, ordered
// by time. Attributes are taken from the first part.
func Concat(parts ...*Dataset) (*Dataset, error) {
	if len(parts) == 0 {
		return nil, errors.New("griddata: nothing to concatenate")
	}
	first := parts[0]
	out := &Dataset{Name: first.Name, Attrs: first.Attrs, Shape: first.Shape}
	for _, p := range parts {
		if p.Name != first.Name {
			return nil, fmt.Errorf("griddata: variable mismatch: %q vs %q", p.Name, first.Name)
		}
		if p.Cells() != first.Cells() {
			return nil, fmt.Errorf("griddata: shape mismatch for %q", p.Name)
		}
		out.Time = append(out.Time, p.Time...)
		out.Values = append(out.Values, p.Values...)
	}
	if !sort.SliceIsSorted(out.Time, func(i, j int) bool { return out.Time[i].Before(out.Time[j]) }) {
		order := make([]int, len(out.Time))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(i, j int) bool { return out.Time[order[i]].Before(out.Time[order[j]]) })
		cells := out.Cells()
		sortedTime := make([]time.Time, len(out.Time))
		sortedValues := make([]float64, len(out.Values))
		for dst, src := range order {
			sortedTime[dst] = out.Time[src]
			copy(sortedValues[dst*cells:(dst+1)*cells], out.Values[src*cells:(src+1)*cells])
		}
		out.Time = sortedTime
		out.Values = sortedValues
	}
	return out, nil
}
