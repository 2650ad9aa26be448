package writer

import (
	"context"
	"testing"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"github.com/atmoslab/lra/internal/layout"
	"github.com/atmoslab/lra/pkg/griddata"
)

var testArchive = layout.Archive{
	Model: "IFS", Experiment: "hist", Resolution: "r100", Frequency: "monthly",
}

func newConsolidator(t *testing.T) (*Consolidator, *blob.Bucket) {
	t.Helper()
	bucket, err := blob.OpenBucket(context.Background(), "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	t.Cleanup(func() { bucket.Close() })
	return &Consolidator{Bucket: bucket, Archive: testArchive, Log: discard()}, bucket
}

func writeMonth(t *testing.T, bucket *blob.Bucket, year int, month time.Month) {
	t.Helper()
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	ds := &griddata.Dataset{
		Name:   "temp",
		Time:   []time.Time{start},
		Shape:  []int{2},
		Values: []float64{float64(month), float64(month) * 2},
	}
	key := testArchive.MonthFile("temp", year, month)
	if err := griddata.Encode(context.Background(), bucket, key, ds, griddata.WriteConfig{}); err != nil {
		t.Fatalf("Encode %s: %v", key, err)
	}
}

func TestConsolidateIncompleteYear(t *testing.T) {
	ctx := context.Background()
	c, bucket := newConsolidator(t)

	// 11 of 12 months present.
	for m := time.January; m <= time.November; m++ {
		writeMonth(t, bucket, 1990, m)
	}

	_, ok, err := c.ConsolidateYear(ctx, "temp", 1990, 12)
	if err != nil {
		t.Fatalf("ConsolidateYear: %v", err)
	}
	if ok {
		t.Fatal("consolidated an incomplete year")
	}

	// All 11 monthly files untouched.
	for m := time.January; m <= time.November; m++ {
		if exists, _ := bucket.Exists(ctx, testArchive.MonthFile("temp", 1990, m)); !exists {
			t.Fatalf("month %v removed from incomplete year", m)
		}
	}
}

func TestConsolidateFullYear(t *testing.T) {
	ctx := context.Background()
	c, bucket := newConsolidator(t)

	for m := time.January; m <= time.December; m++ {
		writeMonth(t, bucket, 1990, m)
	}

	path, ok, err := c.ConsolidateYear(ctx, "temp", 1990, 12)
	if err != nil {
		t.Fatalf("ConsolidateYear: %v", err)
	}
	if !ok || path != testArchive.YearFile("temp", 1990) {
		t.Fatalf("consolidation: ok=%v path=%s", ok, path)
	}

	ds, err := griddata.Decode(ctx, bucket, path)
	if err != nil {
		t.Fatalf("Decode yearly file: %v", err)
	}
	if ds.Steps() != 12 {
		t.Fatalf("yearly file has %d steps, want 12", ds.Steps())
	}
	if ds.Time[0].Month() != time.January || ds.Time[11].Month() != time.December {
		t.Fatalf("yearly axis out of order: %v .. %v", ds.Time[0], ds.Time[11])
	}

	// The 12 monthly inputs are gone.
	for m := time.January; m <= time.December; m++ {
		if exists, _ := bucket.Exists(ctx, testArchive.MonthFile("temp", 1990, m)); exists {
			t.Fatalf("month %v still present after consolidation", m)
		}
	}

	// Re-running on the consolidated year is a no-op.
	_, ok, err = c.ConsolidateYear(ctx, "temp", 1990, 12)
	if err != nil {
		t.Fatalf("repeat ConsolidateYear: %v", err)
	}
	if ok {
		t.Fatal("repeat consolidation acted on an already-consolidated year")
	}
	if exists, _ := bucket.Exists(ctx, path); !exists {
		t.Fatal("yearly file missing after repeat call")
	}
}

func TestConsolidatePartialFirstYear(t *testing.T) {
	ctx := context.Background()
	c, _ := newConsolidator(t)

	// A source starting in October only expects 3 months for that year.
	for m := time.October; m <= time.December; m++ {
		writeMonth(t, c.Bucket, 1989, m)
	}
	path, ok, err := c.ConsolidateYear(ctx, "temp", 1989, 3)
	if err != nil {
		t.Fatalf("ConsolidateYear: %v", err)
	}
	if !ok {
		t.Fatal("first year with full expected set not consolidated")
	}
	ds, err := griddata.Decode(ctx, c.Bucket, path)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ds.Steps() != 3 {
		t.Fatalf("got %d steps, want 3", ds.Steps())
	}
}
