package integrity

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"github.com/atmoslab/lra/pkg/griddata"
)

func newChecker(t *testing.T) (*Checker, *blob.Bucket) {
	t.Helper()
	bucket, err := blob.OpenBucket(context.Background(), "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	t.Cleanup(func() { bucket.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewChecker(bucket, log), bucket
}

func write(t *testing.T, bucket *blob.Bucket, key string, ds *griddata.Dataset) {
	t.Helper()
	if err := griddata.Encode(context.Background(), bucket, key, ds, griddata.WriteConfig{}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
}

func dataset(steps, cells int) *griddata.Dataset {
	start := time.Date(1990, time.January, 1, 0, 0, 0, 0, time.UTC)
	ds := &griddata.Dataset{Name: "temp", Attrs: map[string]string{}, Shape: []int{cells}}
	for s := 0; s < steps; s++ {
		ds.Time = append(ds.Time, start.AddDate(0, 0, s))
		for c := 0; c < cells; c++ {
			ds.Values = append(ds.Values, float64(s+c))
		}
	}
	return ds
}

func TestMissingFileIncomplete(t *testing.T) {
	ctx := context.Background()
	checker, _ := newChecker(t)
	if checker.IsComplete(ctx, "nope.nc") {
		t.Fatal("missing file classified complete")
	}
}

func TestCorruptFileIncomplete(t *testing.T) {
	ctx := context.Background()
	checker, bucket := newChecker(t)
	if err := bucket.WriteAll(ctx, "bad.nc", []byte("garbage"), nil); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if checker.IsComplete(ctx, "bad.nc") {
		t.Fatal("corrupt file classified complete")
	}
}

func TestEmptyDataIncomplete(t *testing.T) {
	ctx := context.Background()
	checker, bucket := newChecker(t)
	write(t, bucket, "empty.nc", &griddata.Dataset{Name: "temp", Shape: []int{0}})
	if checker.IsComplete(ctx, "empty.nc") {
		t.Fatal("empty file classified complete")
	}
}

func TestCleanFileComplete(t *testing.T) {
	ctx := context.Background()
	checker, bucket := newChecker(t)
	write(t, bucket, "ok.nc", dataset(4, 3))
	if !checker.IsComplete(ctx, "ok.nc") {
		t.Fatal("clean file classified incomplete")
	}
}

func TestAllMissing(t *testing.T) {
	ctx := context.Background()
	checker, bucket := newChecker(t)

	ds := dataset(4, 3)
	for i := range ds.Values {
		ds.Values[i] = math.NaN()
	}

	// Without min_date: incomplete.
	write(t, bucket, "nodata.nc", ds)
	if checker.IsComplete(ctx, "nodata.nc") {
		t.Fatal("all-missing file without min_date classified complete")
	}

	// min_date after the file's last coordinate: an expected gap.
	ds.Attrs[griddata.AttrMinDate] = "1995-01-01T00:00:00Z"
	write(t, bucket, "early.nc", ds)
	if !checker.IsComplete(ctx, "early.nc") {
		t.Fatal("expected all-missing file before min_date classified incomplete")
	}

	// min_date before the file: still corrupt.
	ds.Attrs[griddata.AttrMinDate] = "1980-01-01T00:00:00Z"
	write(t, bucket, "late.nc", ds)
	if checker.IsComplete(ctx, "late.nc") {
		t.Fatal("all-missing file after min_date classified complete")
	}
}

func TestUniformMaskComplete(t *testing.T) {
	ctx := context.Background()
	checker, bucket := newChecker(t)

	// Same cell missing in every step: a land mask, not corruption.
	ds := dataset(4, 3)
	for s := 0; s < 4; s++ {
		ds.Values[s*3] = math.NaN()
	}
	write(t, bucket, "mask.nc", ds)
	if !checker.IsComplete(ctx, "mask.nc") {
		t.Fatal("uniformly masked file classified incomplete")
	}
}

func TestDivergentMissingCounts(t *testing.T) {
	ctx := context.Background()
	checker, bucket := newChecker(t)

	// One truncated step among clean ones.
	ds := dataset(4, 3)
	ds.Values[1*3+0] = math.NaN()
	ds.Values[1*3+1] = math.NaN()
	write(t, bucket, "truncated.nc", ds)
	if checker.IsComplete(ctx, "truncated.nc") {
		t.Fatal("divergent missing counts without min_date classified complete")
	}

	// The same pattern is tolerated when the divergent step predates
	// min_date (step 1 is 1990-01-02).
	ds.Attrs[griddata.AttrMinDate] = "1990-01-03T00:00:00Z"
	write(t, bucket, "spinup.nc", ds)
	if !checker.IsComplete(ctx, "spinup.nc") {
		t.Fatal("divergent step before min_date classified incomplete")
	}

	// Divergence after min_date stays incomplete.
	ds.Attrs[griddata.AttrMinDate] = "1990-01-02T00:00:00Z"
	write(t, bucket, "broken.nc", ds)
	if checker.IsComplete(ctx, "broken.nc") {
		t.Fatal("divergent step after min_date classified complete")
	}
}

func TestTiedMissingCountsStableVerdict(t *testing.T) {
	ctx := context.Background()
	checker, bucket := newChecker(t)

	// Two spin-up steps with one missing cell, then two settled steps
	// with five: both counts are equally frequent. The settled tail
	// decides which count is the accepted mask, so the verdict cannot
	// flip between calls.
	ds := dataset(4, 6)
	for s := 0; s < 2; s++ {
		ds.Values[s*6] = math.NaN()
	}
	for s := 2; s < 4; s++ {
		for c := 0; c < 5; c++ {
			ds.Values[s*6+c] = math.NaN()
		}
	}

	// min_date after the spin-up steps (steps 0 and 1 are 1990-01-01 and
	// 1990-01-02): the divergent steps all predate it.
	ds.Attrs[griddata.AttrMinDate] = "1990-01-03T00:00:00Z"
	write(t, bucket, "tied.nc", ds)
	for i := 0; i < 200; i++ {
		if !checker.IsComplete(ctx, "tied.nc") {
			t.Fatalf("call %d: spin-up before min_date classified incomplete", i)
		}
	}

	// min_date inside the spin-up: one divergent step now falls after it.
	ds.Attrs[griddata.AttrMinDate] = "1990-01-02T00:00:00Z"
	write(t, bucket, "tied-late.nc", ds)
	for i := 0; i < 200; i++ {
		if checker.IsComplete(ctx, "tied-late.nc") {
			t.Fatalf("call %d: divergent step after min_date classified complete", i)
		}
	}
}
