package transform

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/atmoslab/lra/pkg/griddata"
)

// Synthetic is a deterministic Provider over a generated source. It stands
// in for a real model-output reader: the same (variable, time, cell)
// always yields the same value, so archive runs against it are
// reproducible and comparable across invocations.
type Synthetic struct {
	// Start and End bound the source time range, [Start, End).
	Start time.Time
	End   time.Time

	// Step is the source sampling interval. Default: one hour.
	Step time.Duration

	// NLat and NLon define the source grid. Default: 16 x 32.
	NLat int
	NLon int

	// Attrs are attached to every retrieved variable. Use
	// griddata.AttrMinDate here to exercise the expected-missing policy.
	Attrs map[string]string
}

// NewSynthetic returns a Synthetic provider over [start, end) with
// default step and grid.
func NewSynthetic(start, end time.Time) *Synthetic {
	return &Synthetic{Start: start, End: end}
}

func (s *Synthetic) step() time.Duration {
	if s.Step <= 0 {
		return time.Hour
	}
	return s.Step
}

func (s *Synthetic) grid() (int, int) {
	if s.NLat <= 0 || s.NLon <= 0 {
		return 16, 32
	}
	return s.NLat, s.NLon
}

// Retrieve implements Provider.
func (s *Synthetic) Retrieve(ctx context.Context, variables []string) (map[string]Frame, error) {
	if s.End.Sub(s.Start) < s.step() {
		return nil, fmt.Errorf("transform: empty source range %v..%v", s.Start, s.End)
	}
	var axis []time.Time
	for t := s.Start.UTC(); t.Before(s.End.UTC()); t = t.Add(s.step()) {
		axis = append(axis, t)
	}

	frames := make(map[string]Frame, len(variables))
	for _, v := range variables {
		frames[v] = &syntheticFrame{src: s, variable: v, axis: axis}
	}
	return frames, nil
}

// AverageOverTime implements Provider.
func (s *Synthetic) AverageOverTime(f Frame, frequency string, excludeIncomplete bool) (Frame, error) {
	trunc, next, err := windowFuncs(frequency)
	if err != nil {
		return nil, err
	}

	inner := f.TimeAxis()
	if len(inner) == 0 {
		return nil, fmt.Errorf("transform: %s: empty time axis", f.Variable())
	}
	// The source range extends one sampling interval past the last
	// coordinate; a window is complete when it ends inside that range.
	spacing := time.Duration(0)
	if len(inner) > 1 {
		spacing = inner[1].Sub(inner[0])
	}
	axisEnd := inner[len(inner)-1].Add(spacing)

	var windows []time.Time
	for w := trunc(inner[0]); w.Before(axisEnd); w = next(w) {
		if excludeIncomplete && next(w).After(axisEnd) {
			break
		}
		windows = append(windows, w)
	}
	if len(windows) == 0 {
		return nil, fmt.Errorf("transform: %s: no complete %s windows in source range", f.Variable(), frequency)
	}
	return &averagedFrame{inner: f, windows: windows, next: next}, nil
}

// Regrid implements Provider.
func (s *Synthetic) Regrid(f Frame, resolution string) (Frame, error) {
	nlat, nlon, err := ParseResolution(resolution)
	if err != nil {
		return nil, err
	}
	return &regriddedFrame{inner: f, nlat: nlat, nlon: nlon}, nil
}

// ParseResolution converts an "rNNN" resolution name (NNN hundredths of a
// degree per cell) into a global grid size.
func ParseResolution(resolution string) (nlat, nlon int, err error) {
	if !strings.HasPrefix(resolution, "r") {
		return 0, 0, fmt.Errorf("transform: unknown resolution %q", resolution)
	}
	n, err := strconv.Atoi(resolution[1:])
	if err != nil || n <= 0 {
		return 0, 0, fmt.Errorf("transform: unknown resolution %q", resolution)
	}
	nlat = 180 * 100 / n
	nlon = 360 * 100 / n
	if nlat < 1 || nlon < 1 {
		return 0, 0, fmt.Errorf("transform: resolution %q coarser than the globe", resolution)
	}
	return nlat, nlon, nil
}

func windowFuncs(frequency string) (trunc func(time.Time) time.Time, next func(time.Time) time.Time, err error) {
	switch frequency {
	case "monthly":
		return func(t time.Time) time.Time {
				return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
			}, func(t time.Time) time.Time {
				return t.AddDate(0, 1, 0)
			}, nil
	case "daily":
		return func(t time.Time) time.Time {
				return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			}, func(t time.Time) time.Time {
				return t.AddDate(0, 0, 1)
			}, nil
	case "yearly":
		return func(t time.Time) time.Time {
				return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
			}, func(t time.Time) time.Time {
				return t.AddDate(1, 0, 0)
			}, nil
	default:
		return nil, nil, fmt.Errorf("transform: unsupported frequency %q", frequency)
	}
}

type syntheticFrame struct {
	src      *Synthetic
	variable string
	axis     []time.Time
}

func (f *syntheticFrame) Variable() string      { return f.variable }
func (f *syntheticFrame) TimeAxis() []time.Time { return f.axis }

func (f *syntheticFrame) Slice(ctx context.Context, from, to time.Time) (*griddata.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nlat, nlon := f.src.grid()
	seed := varSeed(f.variable)

	ds := &griddata.Dataset{
		Name:  f.variable,
		Attrs: f.src.Attrs,
		Shape: []int{nlat, nlon},
	}
	for _, t := range f.axis {
		if t.Before(from) || !t.Before(to) {
			continue
		}
		ds.Time = append(ds.Time, t)
		day := float64(t.YearDay()) + float64(t.Hour())/24
		for i := 0; i < nlat; i++ {
			for j := 0; j < nlon; j++ {
				v := 273.15 +
					10*math.Sin(2*math.Pi*day/365.25) +
					5*math.Cos(float64(i)/float64(nlat)*math.Pi) +
					seed +
					0.01*float64(j)
				ds.Values = append(ds.Values, v)
			}
		}
	}
	return ds, nil
}

func varSeed(variable string) float64 {
	h := fnv.New32a()
	h.Write([]byte(variable))
	return float64(h.Sum32()%100) / 10
}

type averagedFrame struct {
	inner   Frame
	windows []time.Time
	next    func(time.Time) time.Time
}

func (f *averagedFrame) Variable() string      { return f.inner.Variable() }
func (f *averagedFrame) TimeAxis() []time.Time { return f.windows }

func (f *averagedFrame) Slice(ctx context.Context, from, to time.Time) (*griddata.Dataset, error) {
	out := &griddata.Dataset{Name: f.inner.Variable()}
	for _, w := range f.windows {
		if w.Before(from) || !w.Before(to) {
			continue
		}
		part, err := f.inner.Slice(ctx, w, f.next(w))
		if err != nil {
			return nil, err
		}
		if out.Shape == nil {
			out.Shape = part.Shape
			out.Attrs = part.Attrs
		}
		out.Time = append(out.Time, w)
		out.Values = append(out.Values, meanPerCell(part)...)
	}
	if out.Shape == nil {
		out.Shape = []int{0}
	}
	return out, nil
}

// meanPerCell averages each grid cell over the time steps of a slice,
// ignoring missing values. A cell missing in every step stays missing.
func meanPerCell(ds *griddata.Dataset) []float64 {
	cells := ds.Cells()
	sums := make([]float64, cells)
	counts := make([]int, cells)
	for step := 0; step < ds.Steps(); step++ {
		base := step * cells
		for c := 0; c < cells; c++ {
			v := ds.Values[base+c]
			if math.IsNaN(v) {
				continue
			}
			sums[c] += v
			counts[c]++
		}
	}
	means := make([]float64, cells)
	for c := range means {
		if counts[c] == 0 {
			means[c] = math.NaN()
			continue
		}
		means[c] = sums[c] / float64(counts[c])
	}
	return means
}

type regriddedFrame struct {
	inner Frame
	nlat  int
	nlon  int
}

func (f *regriddedFrame) Variable() string      { return f.inner.Variable() }
func (f *regriddedFrame) TimeAxis() []time.Time { return f.inner.TimeAxis() }

func (f *regriddedFrame) Slice(ctx context.Context, from, to time.Time) (*griddata.Dataset, error) {
	src, err := f.inner.Slice(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if len(src.Shape) != 2 {
		return nil, fmt.Errorf("transform: %s: regrid needs a lat/lon grid, got shape %v",
			src.Name, src.Shape)
	}
	srcLat, srcLon := src.Shape[0], src.Shape[1]

	out := &griddata.Dataset{
		Name:   src.Name,
		Attrs:  src.Attrs,
		Time:   src.Time,
		Shape:  []int{f.nlat, f.nlon},
		Values: make([]float64, 0, src.Steps()*f.nlat*f.nlon),
	}
	for step := 0; step < src.Steps(); step++ {
		base := step * srcLat * srcLon
		for i := 0; i < f.nlat; i++ {
			si := i * srcLat / f.nlat
			for j := 0; j < f.nlon; j++ {
				sj := j * srcLon / f.nlon
				out.Values = append(out.Values, src.Values[base+si*srcLon+sj])
			}
		}
	}
	return out, nil
}
