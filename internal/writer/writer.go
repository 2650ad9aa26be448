// Package writer materializes archive chunks to storage and merges
// completed years into consolidated files.
//
// Chunk writes go to a temporary key first and are moved into place once
// complete, so a crash mid-write cannot leave a half-written file at the
// canonical path. After every write the result is re-read through the
// integrity checker; a failed verification is reported but does not stop
// the run — the next pipeline invocation recomputes the chunk.
//
// Several chunks can be in flight at once: StartChunk schedules the heavy
// materialize-and-encode work on the execution backend and returns
// immediately, FinishChunk collects the result and moves it into place.
// Distinct targets never share a temporary key, so in-flight chunks do
// not interfere.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/atmoslab/lra/internal/executor"
	"github.com/atmoslab/lra/internal/integrity"
	"github.com/atmoslab/lra/internal/progress"
	"github.com/atmoslab/lra/pkg/griddata"
)

// ErrVerificationFailed is returned when a freshly written chunk does not
// pass the integrity check. The file is left in its detectably-incomplete
// state for the next run to recompute.
var ErrVerificationFailed = errors.New("writer: written chunk failed verification")

// Slice lazily materializes the data of one chunk, already on the target
// grid and frequency.
type Slice func(ctx context.Context) (*griddata.Dataset, error)

// Writer writes chunks through an execution backend.
type Writer struct {
	Bucket   *blob.Bucket
	Exec     *executor.Manager
	Config   griddata.WriteConfig
	Checker  *integrity.Checker
	Reporter *progress.Reporter
	Log      *slog.Logger
}

// PendingChunk is a chunk write in flight on the execution backend.
// FinishChunk completes it.
type PendingChunk struct {
	target string
	tmp    string
	start  time.Time
	fut    *executor.Future
}

// Target returns the final key the pending chunk is headed for.
func (p *PendingChunk) Target() string { return p.target }

// WriteChunk materializes slice and writes it to target. Any existing file
// at target is deleted first; there is no partial overwrite-in-place.
func (w *Writer) WriteChunk(ctx context.Context, slice Slice, target string) error {
	p, err := w.StartChunk(ctx, slice, target)
	if err != nil {
		return err
	}
	return w.FinishChunk(ctx, p)
}

// StartChunk deletes any stale file at target and schedules the
// materialize-and-encode work on the execution backend. The returned
// handle must be passed to FinishChunk exactly once.
func (w *Writer) StartChunk(ctx context.Context, slice Slice, target string) (*PendingChunk, error) {
	if w.Reporter != nil {
		w.Reporter.ChunkStarted()
	}
	if err := w.Bucket.Delete(ctx, target); err != nil && !isNotExist(err) {
		if w.Reporter != nil {
			w.Reporter.ChunkFailed()
		}
		return nil, fmt.Errorf("writer: delete stale %s: %w", target, err)
	}

	tmp := target + ".tmp"
	fut := w.Exec.Submit(target, func(taskCtx context.Context) error {
		ds, err := slice(taskCtx)
		if err != nil {
			return fmt.Errorf("materialize: %w", err)
		}
		return griddata.Encode(taskCtx, w.Bucket, tmp, ds, w.Config)
	})
	return &PendingChunk{target: target, tmp: tmp, start: time.Now(), fut: fut}, nil
}

// FinishChunk waits for the pending encode, moves the finished file into
// place and verifies it.
func (w *Writer) FinishChunk(ctx context.Context, p *PendingChunk) error {
	if err := w.finishChunk(ctx, p); err != nil {
		if w.Reporter != nil {
			w.Reporter.ChunkFailed()
		}
		return err
	}
	if w.Reporter != nil {
		size := int64(0)
		if attrs, err := w.Bucket.Attributes(ctx, p.target); err == nil {
			size = attrs.Size
		}
		w.Reporter.ChunkWritten(size)
	}
	return nil
}

func (w *Writer) finishChunk(ctx context.Context, p *PendingChunk) error {
	err := p.fut.Wait(ctx, w.Log, 2*time.Second)
	mem := p.fut.Mem()
	if err != nil {
		w.Bucket.Delete(ctx, p.tmp) // best effort
		return fmt.Errorf("writer: write %s: %w", p.target, err)
	}
	w.Log.Info("writer: chunk written",
		"target", p.target,
		"elapsed", time.Since(p.start).Round(time.Millisecond),
		"mem_peak", progress.FormatBytes(int64(mem.Peak)),
		"mem_avg", progress.FormatBytes(int64(mem.Average)),
	)

	// Move the finished file into place.
	if err := w.Bucket.Copy(ctx, p.target, p.tmp, nil); err != nil {
		w.Bucket.Delete(ctx, p.tmp)
		return fmt.Errorf("writer: move %s into place: %w", p.target, err)
	}
	if err := w.Bucket.Delete(ctx, p.tmp); err != nil && !isNotExist(err) {
		return fmt.Errorf("writer: remove temporary %s: %w", p.tmp, err)
	}

	if !w.Checker.IsComplete(ctx, p.target) {
		w.Log.Error("writer: verification failed, chunk will be recomputed on the next run",
			"target", p.target)
		return fmt.Errorf("%w: %s", ErrVerificationFailed, p.target)
	}
	return nil
}

func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
