// Package layout defines the archive naming convention and directory
// structure. The file names are relied upon by the glob catalog entry and
// by restart detection, so they must not change shape:
//
//	{variable}_{experiment}_{resolution}_{frequency}_{YYYY}.nc      consolidated year
//	{variable}_{experiment}_{resolution}_{frequency}_{YYYY}{MM}.nc  unconsolidated month
//
// Files live under {outputRoot}/{model}/{experiment}/{resolution}/{frequency},
// with a zarr/ subtree holding virtual-aggregate reference documents.
package layout

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// NativeFrequency is used in names and paths when a request declares no
// temporal averaging.
const NativeFrequency = "native"

// Archive identifies one archive tree: a (model, experiment) source at a
// target resolution and frequency.
type Archive struct {
	Model      string
	Experiment string
	Resolution string
	Frequency  string
}

// Normalize returns a copy with an empty frequency replaced by
// NativeFrequency.
func (a Archive) Normalize() Archive {
	if a.Frequency == "" {
		a.Frequency = NativeFrequency
	}
	return a
}

// Dir returns the directory of the archive tree, relative to the output
// root.
func (a Archive) Dir() string {
	a = a.Normalize()
	return path.Join(a.Model, a.Experiment, a.Resolution, a.Frequency)
}

// ZarrDir returns the subtree holding virtual-aggregate reference
// documents.
func (a Archive) ZarrDir() string {
	return path.Join(a.Dir(), "zarr")
}

// MonthFile returns the key of one monthly chunk.
func (a Archive) MonthFile(variable string, year int, month time.Month) string {
	a = a.Normalize()
	return path.Join(a.Dir(), fmt.Sprintf("%s_%s_%s_%s_%04d%02d.nc",
		variable, a.Experiment, a.Resolution, a.Frequency, year, int(month)))
}

// YearFile returns the key of one consolidated yearly file.
func (a Archive) YearFile(variable string, year int) string {
	a = a.Normalize()
	return path.Join(a.Dir(), fmt.Sprintf("%s_%s_%s_%s_%04d.nc",
		variable, a.Experiment, a.Resolution, a.Frequency, year))
}

// YearPrefix returns the listing prefix shared by the yearly file and all
// monthly chunks of (variable, year).
func (a Archive) YearPrefix(variable string, year int) string {
	a = a.Normalize()
	return path.Join(a.Dir(), fmt.Sprintf("%s_%s_%s_%s_%04d",
		variable, a.Experiment, a.Resolution, a.Frequency, year))
}

// GlobPattern returns the wildcard pattern matching every yearly and
// monthly file of the archive, for all variables.
func (a Archive) GlobPattern(outputRoot string) string {
	a = a.Normalize()
	return outputRoot + "/" + path.Join(a.Dir(),
		fmt.Sprintf("*_%s_%s_%s_*.nc", a.Experiment, a.Resolution, a.Frequency))
}

// EntryName returns the catalog entry name for the glob form.
func (a Archive) EntryName() string {
	a = a.Normalize()
	return fmt.Sprintf("lra-%s-%s", a.Resolution, a.Frequency)
}

// ZarrEntryName returns the catalog entry name for the virtual-aggregate
// form.
func (a Archive) ZarrEntryName() string {
	return a.EntryName() + "-zarr"
}

// ParsedName is the result of parsing an archive file name.
type ParsedName struct {
	Variable string
	Year     int
	Month    time.Month // 0 for a consolidated yearly file
}

// ParseName parses the base name of an archive file. It reports ok=false
// for names that do not follow the convention.
func ParseName(name string) (ParsedName, bool) {
	base := path.Base(name)
	if !strings.HasSuffix(base, ".nc") {
		return ParsedName{}, false
	}
	base = strings.TrimSuffix(base, ".nc")
	parts := strings.Split(base, "_")
	if len(parts) < 5 {
		return ParsedName{}, false
	}
	stamp := parts[len(parts)-1]
	// Variables may themselves contain underscores; everything before the
	// experiment/resolution/frequency/stamp tail belongs to the variable.
	variable := strings.Join(parts[:len(parts)-4], "_")

	switch len(stamp) {
	case 4:
		year, err := strconv.Atoi(stamp)
		if err != nil {
			return ParsedName{}, false
		}
		return ParsedName{Variable: variable, Year: year}, true
	case 6:
		year, err := strconv.Atoi(stamp[:4])
		if err != nil {
			return ParsedName{}, false
		}
		month, err := strconv.Atoi(stamp[4:])
		if err != nil || month < 1 || month > 12 {
			return ParsedName{}, false
		}
		return ParsedName{Variable: variable, Year: year, Month: time.Month(month)}, true
	default:
		return ParsedName{}, false
	}
}
