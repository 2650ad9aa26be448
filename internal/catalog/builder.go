package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"gocloud.dev/blob"

	"github.com/atmoslab/lra/internal/layout"
	"github.com/atmoslab/lra/pkg/griddata"
)

// NoDataError is returned when an archive tree holds nothing to register.
type NoDataError struct {
	Dir string
}

func (e *NoDataError) Error() string {
	return fmt.Sprintf("catalog: no data to register under %s", e.Dir)
}

// Reference is one per-year reference document: it maps the byte ranges
// of the underlying chunk files into one logical array, without copying
// data.
type Reference struct {
	Year    int      `json:"year"`
	Kind    string   `json:"kind"` // "full" or "partial"
	Members []Member `json:"members"`
}

// Member addresses the raw payload of one chunk file.
type Member struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
	Steps  int    `json:"steps"`
}

// Builder derives catalog entries from the files an archive run has
// produced.
type Builder struct {
	Bucket     *blob.Bucket
	Archive    layout.Archive
	OutputRoot string
	Log        *slog.Logger
}

// GlobEntry builds the glob-form entry: a wildcard pattern matching all
// yearly and any still-unconsolidated monthly files, plus the metadata
// downstream readers need to open them as one time series.
func (b *Builder) GlobEntry() *Entry {
	a := b.Archive.Normalize()
	return &Entry{
		Driver:  DriverGlob,
		URLPath: a.GlobPattern(b.OutputRoot),
		Metadata: map[string]string{
			"model":        a.Model,
			"experiment":   a.Experiment,
			"resolution":   a.Resolution,
			"frequency":    a.Frequency,
			"combine":      "by_coords",
			"decode_times": "true",
			"chunks":       "time:12",
		},
	}
}

// AggregateEntry scans the archive tree, writes one reference document
// per year under the zarr/ subtree, and builds the virtual-aggregate
// entry listing those documents. Years fully consolidated into a yearly
// file form the "full" group; years left as monthly fragments form the
// "partial" group. Returns a NoDataError when the tree holds no archive
// files at all.
func (b *Builder) AggregateEntry(ctx context.Context) (*Entry, error) {
	full, partial, err := b.scan(ctx)
	if err != nil {
		return nil, err
	}
	if len(full) == 0 && len(partial) == 0 {
		return nil, &NoDataError{Dir: b.Archive.Dir()}
	}

	var refs []string
	write := func(kind string, years map[int][]string) error {
		for _, year := range sortedYears(years) {
			ref, err := b.buildReference(ctx, kind, year, years[year])
			if err != nil {
				return err
			}
			key := fmt.Sprintf("%s/ref_%s_%04d.json", b.Archive.ZarrDir(), kind, year)
			data, err := json.MarshalIndent(ref, "", "  ")
			if err != nil {
				return fmt.Errorf("catalog: marshal reference: %w", err)
			}
			if err := b.Bucket.WriteAll(ctx, key, data, nil); err != nil {
				return fmt.Errorf("catalog: write reference %s: %w", key, err)
			}
			refs = append(refs, key)
		}
		return nil
	}
	if err := write("full", full); err != nil {
		return nil, err
	}
	if err := write("partial", partial); err != nil {
		return nil, err
	}

	a := b.Archive.Normalize()
	return &Entry{
		Driver:     DriverReference,
		References: refs,
		Metadata: map[string]string{
			"model":      a.Model,
			"experiment": a.Experiment,
			"resolution": a.Resolution,
			"frequency":  a.Frequency,
		},
	}, nil
}

// scan groups the archive files by year: years holding a consolidated
// yearly file versus years holding monthly fragments.
func (b *Builder) scan(ctx context.Context) (full, partial map[int][]string, err error) {
	full = make(map[int][]string)
	partial = make(map[int][]string)
	zarrPrefix := b.Archive.ZarrDir() + "/"

	iter := b.Bucket.List(&blob.ListOptions{Prefix: b.Archive.Dir() + "/"})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("catalog: list archive tree: %w", err)
		}
		if strings.HasPrefix(obj.Key, zarrPrefix) {
			continue
		}
		parsed, ok := layout.ParseName(obj.Key)
		if !ok {
			continue
		}
		if parsed.Month == 0 {
			full[parsed.Year] = append(full[parsed.Year], obj.Key)
		} else {
			partial[parsed.Year] = append(partial[parsed.Year], obj.Key)
		}
	}

	// A year with a consolidated file is full; stray fragments of such a
	// year are superseded and not registered.
	for year := range full {
		if frags, ok := partial[year]; ok {
			b.Log.Warn("catalog: year has both yearly and monthly files, fragments ignored",
				"year", year, "fragments", len(frags))
			delete(partial, year)
		}
	}
	return full, partial, nil
}

func (b *Builder) buildReference(ctx context.Context, kind string, year int, keys []string) (*Reference, error) {
	sort.Strings(keys)
	ref := &Reference{Year: year, Kind: kind}
	for _, key := range keys {
		info, err := griddata.Describe(ctx, b.Bucket, key)
		if err != nil {
			return nil, fmt.Errorf("catalog: describe %s: %w", key, err)
		}
		ref.Members = append(ref.Members, Member{
			Path:   key,
			Offset: info.PayloadOffset,
			Length: info.PayloadLength,
			Steps:  info.Steps(),
		})
	}
	return ref, nil
}

// VerifyAggregate opens a freshly registered virtual-aggregate entry the
// way a consumer would: every reference document must parse and every
// member must be present with the advertised byte range.
func (b *Builder) VerifyAggregate(ctx context.Context, e *Entry) error {
	if len(e.References) == 0 {
		return fmt.Errorf("catalog: aggregate entry has no reference documents")
	}
	for _, refKey := range e.References {
		data, err := b.Bucket.ReadAll(ctx, refKey)
		if err != nil {
			return fmt.Errorf("catalog: open reference %s: %w", refKey, err)
		}
		var ref Reference
		if err := json.Unmarshal(data, &ref); err != nil {
			return fmt.Errorf("catalog: parse reference %s: %w", refKey, err)
		}
		if len(ref.Members) == 0 {
			return fmt.Errorf("catalog: reference %s has no members", refKey)
		}
		// Members of one logical array must share a grid; an irregular
		// file set cannot be aggregated.
		shapes := make(map[string][]int)
		for _, m := range ref.Members {
			info, err := griddata.Describe(ctx, b.Bucket, m.Path)
			if err != nil {
				return fmt.Errorf("catalog: member %s unreadable: %w", m.Path, err)
			}
			if info.PayloadOffset != m.Offset || info.PayloadLength != m.Length {
				return fmt.Errorf("catalog: member %s byte range changed (%d+%d, advertised %d+%d)",
					m.Path, info.PayloadOffset, info.PayloadLength, m.Offset, m.Length)
			}
			name := info.Header.Name
			if prev, ok := shapes[name]; ok && !equalShape(prev, info.Header.Shape) {
				return fmt.Errorf("catalog: irregular file set in %s: %s has shapes %v and %v",
					refKey, name, prev, info.Header.Shape)
			}
			shapes[name] = info.Header.Shape
		}
	}
	return nil
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Register derives both catalog forms and merges them into the catalog
// document for the archive's (model, experiment) pair. The glob entry is
// always registered. If the aggregate entry fails its post-registration
// verification, it is removed again from the document rather than left
// dangling, and a warning is emitted.
func (b *Builder) Register(ctx context.Context, store *Store) error {
	a := b.Archive.Normalize()
	doc, err := store.Load(a.Model, a.Experiment)
	if err != nil {
		return err
	}

	doc.SetEntry(a.EntryName(), b.GlobEntry())

	agg, err := b.AggregateEntry(ctx)
	if err != nil {
		return err
	}
	doc.SetEntry(a.ZarrEntryName(), agg)

	if err := store.Save(a.Model, a.Experiment, doc); err != nil {
		return err
	}
	b.Log.Info("catalog: entries registered",
		"document", store.DocumentPath(a.Model, a.Experiment),
		"glob", a.EntryName(), "aggregate", a.ZarrEntryName())

	if err := b.VerifyAggregate(ctx, agg); err != nil {
		b.Log.Warn("catalog: aggregate entry failed verification, removing it",
			"entry", a.ZarrEntryName(), "error", err)
		doc.RemoveEntry(a.ZarrEntryName())
		if err := store.Save(a.Model, a.Experiment, doc); err != nil {
			return err
		}
	}
	return nil
}

func sortedYears(m map[int][]string) []int {
	years := make([]int, 0, len(m))
	for y := range m {
		years = append(years, y)
	}
	sort.Ints(years)
	return years
}
