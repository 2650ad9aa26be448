package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"github.com/atmoslab/lra/internal/catalog"
	"github.com/atmoslab/lra/internal/transform"
	"github.com/atmoslab/lra/pkg/griddata"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDriver(t *testing.T, provider transform.Provider) (*Driver, *blob.Bucket) {
	t.Helper()
	bucket, err := blob.OpenBucket(context.Background(), "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	t.Cleanup(func() { bucket.Close() })
	return &Driver{
		Bucket:   bucket,
		Provider: provider,
		Store:    &catalog.Store{Dir: t.TempDir()},
		Log:      discard(),
	}, bucket
}

func baseRequest(t *testing.T) Request {
	t.Helper()
	return Request{
		Model:       "IFS",
		Experiment:  "hist",
		Variables:   []string{"temp"},
		Resolution:  "r2000",
		Frequency:   "monthly",
		OutputRoot:  "/data/lra",
		ScratchRoot: t.TempDir(),
		Workers:     1,
		Definitive:  true,
	}
}

func listKeys(t *testing.T, bucket *blob.Bucket) map[string][]byte {
	t.Helper()
	ctx := context.Background()
	out := make(map[string][]byte)
	iter := bucket.List(nil)
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		data, err := bucket.ReadAll(ctx, obj.Key)
		if err != nil {
			t.Fatalf("read %s: %v", obj.Key, err)
		}
		out[obj.Key] = data
	}
	return out
}

func TestValidationBeforeAnyIO(t *testing.T) {
	// No provider and no bucket: validation must fail first.
	d := &Driver{Log: discard()}
	req := Request{Model: "IFS", Experiment: "hist", Variables: []string{"temp"}}

	_, err := d.Run(context.Background(), req)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestEndToEndMonthlyArchive(t *testing.T) {
	ctx := context.Background()
	src := &transform.Synthetic{
		Start: time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(1992, 1, 1, 0, 0, 0, 0, time.UTC),
		Step:  6 * time.Hour,
	}
	d, bucket := newDriver(t, src)
	req := baseRequest(t)
	req.Resolution = "r100"
	archive := req.Archive()

	// First run: 24 monthly chunks, one averaged sample each.
	sum, err := d.Run(ctx, req)
	if err != nil {
		t.Fatalf("run 1: %v", err)
	}
	if c := sum.Variables["temp"]; c.Written != 24 || c.Failed != 0 {
		t.Fatalf("run 1 counts: %+v", c)
	}
	for year := 1990; year <= 1991; year++ {
		for m := time.January; m <= time.December; m++ {
			key := archive.MonthFile("temp", year, m)
			ds, err := griddata.Decode(ctx, bucket, key)
			if err != nil {
				t.Fatalf("run 1: decode %s: %v", key, err)
			}
			if ds.Steps() != 1 {
				t.Fatalf("run 1: %s has %d steps, want 1", key, ds.Steps())
			}
		}
	}

	doc, err := d.Store.Load("IFS", "hist")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	if doc.Sources[archive.EntryName()] == nil || doc.Sources[archive.ZarrEntryName()] == nil {
		t.Fatalf("run 1: catalog entries missing: %v", doc.Sources)
	}

	// Second run: everything is complete, so the two years consolidate.
	sum, err = d.Run(ctx, req)
	if err != nil {
		t.Fatalf("run 2: %v", err)
	}
	c := sum.Variables["temp"]
	if c.Written != 0 || c.Skipped != 24 {
		t.Fatalf("run 2 counts: %+v", c)
	}
	if len(c.Consolidated) != 2 {
		t.Fatalf("run 2 consolidated years: %v", c.Consolidated)
	}
	for year := 1990; year <= 1991; year++ {
		ds, err := griddata.Decode(ctx, bucket, archive.YearFile("temp", year))
		if err != nil {
			t.Fatalf("run 2: decode yearly %d: %v", year, err)
		}
		if ds.Steps() != 12 {
			t.Fatalf("run 2: year %d has %d steps, want 12", year, ds.Steps())
		}
		for m := time.January; m <= time.December; m++ {
			if exists, _ := bucket.Exists(ctx, archive.MonthFile("temp", year, m)); exists {
				t.Fatalf("run 2: monthly %d-%02d survived consolidation", year, m)
			}
		}
	}

	// Third run: a fixed point. File set and catalog stay byte-identical.
	before := listKeys(t, bucket)
	docBefore, err := os.ReadFile(d.Store.DocumentPath("IFS", "hist"))
	if err != nil {
		t.Fatalf("read catalog document: %v", err)
	}

	sum, err = d.Run(ctx, req)
	if err != nil {
		t.Fatalf("run 3: %v", err)
	}
	if c := sum.Variables["temp"]; c.Written != 0 || c.Skipped != 24 || len(c.Consolidated) != 0 {
		t.Fatalf("run 3 counts: %+v", c)
	}

	after := listKeys(t, bucket)
	if len(before) != len(after) {
		t.Fatalf("run 3 changed the file set: %d -> %d keys", len(before), len(after))
	}
	for key, data := range before {
		if string(after[key]) != string(data) {
			t.Fatalf("run 3 changed %s", key)
		}
	}
	docAfter, err := os.ReadFile(d.Store.DocumentPath("IFS", "hist"))
	if err != nil {
		t.Fatalf("read catalog document: %v", err)
	}
	if string(docBefore) != string(docAfter) {
		t.Fatal("run 3 changed the catalog document")
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	src := &transform.Synthetic{
		Start: time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(1991, 1, 1, 0, 0, 0, 0, time.UTC),
		Step:  6 * time.Hour,
	}
	d, bucket := newDriver(t, src)
	req := baseRequest(t)
	req.Definitive = false

	sum, err := d.Run(ctx, req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c := sum.Variables["temp"]; c.Planned != 12 || c.Written != 0 {
		t.Fatalf("dry run counts: %+v", c)
	}

	if keys := listKeys(t, bucket); len(keys) != 0 {
		t.Fatalf("dry run touched storage: %v", keys)
	}
	if _, err := os.Stat(d.Store.DocumentPath("IFS", "hist")); !os.IsNotExist(err) {
		t.Fatalf("dry run touched the catalog: %v", err)
	}
}

func TestRerunAfterCorruptionRewritesOneChunk(t *testing.T) {
	ctx := context.Background()
	src := &transform.Synthetic{
		Start: time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(1991, 1, 1, 0, 0, 0, 0, time.UTC),
		Step:  6 * time.Hour,
	}
	d, bucket := newDriver(t, src)
	req := baseRequest(t)
	req.Workers = 2
	archive := req.Archive()

	if _, err := d.Run(ctx, req); err != nil {
		t.Fatalf("run 1: %v", err)
	}
	pristine := listKeys(t, bucket)

	// External corruption of exactly one chunk.
	july := archive.MonthFile("temp", 1990, time.July)
	if err := bucket.WriteAll(ctx, july, []byte("torn write"), nil); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	sum, err := d.Run(ctx, req)
	if err != nil {
		t.Fatalf("run 2: %v", err)
	}
	c := sum.Variables["temp"]
	if c.Written != 1 || c.Skipped != 11 || c.Failed != 0 {
		t.Fatalf("run 2 counts: %+v", c)
	}

	// The rewritten chunk matches its pre-corruption bytes; nothing else
	// changed. The year is not consolidated in the same run that had to
	// rewrite part of it.
	after := listKeys(t, bucket)
	for m := time.January; m <= time.December; m++ {
		key := archive.MonthFile("temp", 1990, m)
		if string(after[key]) != string(pristine[key]) {
			t.Fatalf("chunk %s differs from its original bytes", key)
		}
	}
	if exists, _ := bucket.Exists(ctx, archive.YearFile("temp", 1990)); exists {
		t.Fatal("year consolidated in the same run that rewrote a chunk")
	}
}

func TestParallelWorkersMatchSerial(t *testing.T) {
	ctx := context.Background()
	newSrc := func() *transform.Synthetic {
		return &transform.Synthetic{
			Start: time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(1991, 1, 1, 0, 0, 0, 0, time.UTC),
			Step:  6 * time.Hour,
		}
	}

	serial, serialBucket := newDriver(t, newSrc())
	reqSerial := baseRequest(t)
	sum, err := serial.Run(ctx, reqSerial)
	if err != nil {
		t.Fatalf("serial run: %v", err)
	}
	if c := sum.Variables["temp"]; c.Written != 12 || c.Failed != 0 {
		t.Fatalf("serial counts: %+v", c)
	}

	parallel, parallelBucket := newDriver(t, newSrc())
	reqParallel := baseRequest(t)
	reqParallel.Workers = 4
	sum, err = parallel.Run(ctx, reqParallel)
	if err != nil {
		t.Fatalf("parallel run: %v", err)
	}
	if c := sum.Variables["temp"]; c.Written != 12 || c.Failed != 0 {
		t.Fatalf("parallel counts: %+v", c)
	}

	// Pool scheduling must not leak into the archive: same file set,
	// same bytes.
	want := listKeys(t, serialBucket)
	got := listKeys(t, parallelBucket)
	if len(want) != len(got) {
		t.Fatalf("file sets differ: %d vs %d keys", len(want), len(got))
	}
	for key, data := range want {
		if string(got[key]) != string(data) {
			t.Fatalf("chunk %s differs between serial and parallel runs", key)
		}
	}
}

func TestOverwriteRewritesConsolidatedYear(t *testing.T) {
	ctx := context.Background()
	src := &transform.Synthetic{
		Start: time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(1991, 1, 1, 0, 0, 0, 0, time.UTC),
		Step:  6 * time.Hour,
	}
	d, bucket := newDriver(t, src)
	req := baseRequest(t)
	archive := req.Archive()
	yearly := archive.YearFile("temp", 1990)

	// Two runs produce the consolidated yearly file.
	if _, err := d.Run(ctx, req); err != nil {
		t.Fatalf("run 1: %v", err)
	}
	sum, err := d.Run(ctx, req)
	if err != nil {
		t.Fatalf("run 2: %v", err)
	}
	if len(sum.Variables["temp"].Consolidated) != 1 {
		t.Fatalf("run 2 did not consolidate: %+v", sum.Variables["temp"])
	}
	if exists, _ := bucket.Exists(ctx, yearly); !exists {
		t.Fatal("yearly file missing after consolidation")
	}

	// Overwrite: the stale yearly file goes away and all twelve months
	// are recomputed.
	req.Overwrite = true
	sum, err = d.Run(ctx, req)
	if err != nil {
		t.Fatalf("overwrite run: %v", err)
	}
	c := sum.Variables["temp"]
	if c.Written != 12 || c.Skipped != 0 || c.Failed != 0 {
		t.Fatalf("overwrite counts: %+v", c)
	}
	if len(c.Consolidated) != 0 {
		t.Fatalf("overwrite run consolidated freshly rewritten months: %v", c.Consolidated)
	}
	if exists, _ := bucket.Exists(ctx, yearly); exists {
		t.Fatal("stale yearly file survived the overwrite")
	}
	for m := time.January; m <= time.December; m++ {
		key := archive.MonthFile("temp", 1990, m)
		if _, err := griddata.Decode(ctx, bucket, key); err != nil {
			t.Fatalf("decode rewritten %s: %v", key, err)
		}
	}

	// The rewritten months settle and consolidate again on the next
	// normal run.
	req.Overwrite = false
	sum, err = d.Run(ctx, req)
	if err != nil {
		t.Fatalf("run after overwrite: %v", err)
	}
	if len(sum.Variables["temp"].Consolidated) != 1 {
		t.Fatalf("months not re-consolidated: %+v", sum.Variables["temp"])
	}
	if exists, _ := bucket.Exists(ctx, yearly); !exists {
		t.Fatal("yearly file missing after re-consolidation")
	}
}

// regridRefuser fails Regrid for one variable to exercise per-variable
// error collection.
type regridRefuser struct {
	*transform.Synthetic
	refuse string
}

func (p *regridRefuser) Regrid(f transform.Frame, resolution string) (transform.Frame, error) {
	if f.Variable() == p.refuse {
		return nil, errors.New("variable not defined on a grid")
	}
	return p.Synthetic.Regrid(f, resolution)
}

func TestVariableFailureDoesNotAbortRun(t *testing.T) {
	ctx := context.Background()
	src := &transform.Synthetic{
		Start: time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(1990, 7, 1, 0, 0, 0, 0, time.UTC),
		Step:  6 * time.Hour,
	}
	d, _ := newDriver(t, &regridRefuser{Synthetic: src, refuse: "bad"})
	req := baseRequest(t)
	req.Variables = []string{"bad", "temp"}

	sum, err := d.Run(ctx, req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sum.Errors) != 1 {
		t.Fatalf("expected one collected error, got %v", sum.Errors)
	}
	var verr *VariableError
	if !errors.As(sum.Errors[0], &verr) || verr.Variable != "bad" || verr.Stage != StageTransforming {
		t.Fatalf("unexpected error shape: %v", sum.Errors[0])
	}
	if c := sum.Variables["temp"]; c.Written != 6 || c.Failed != 0 {
		t.Fatalf("healthy variable counts: %+v", c)
	}
	if sum.Ok() {
		t.Fatal("summary reports ok despite a failed variable")
	}
}
