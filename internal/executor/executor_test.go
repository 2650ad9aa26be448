package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSynchronousMode(t *testing.T) {
	ctx := context.Background()
	m, err := Start(ctx, t.TempDir(), 1, discard())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	if !m.Synchronous() {
		t.Fatal("one worker should be synchronous")
	}

	ran := false
	fut := m.Submit("task", func(ctx context.Context) error {
		ran = true
		return nil
	})
	// Synchronous submit completes before returning.
	select {
	case <-fut.Done():
	default:
		t.Fatal("future not done after synchronous Submit")
	}
	if !ran || fut.Err() != nil {
		t.Fatalf("ran=%v err=%v", ran, fut.Err())
	}
	if fut.Mem().Samples == 0 {
		t.Fatal("no memory samples recorded")
	}
}

func TestWorkerPool(t *testing.T) {
	ctx := context.Background()
	m, err := Start(ctx, t.TempDir(), 4, discard())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	var count atomic.Int32
	futures := make([]*Future, 0, 16)
	for i := 0; i < 16; i++ {
		futures = append(futures, m.Submit("task", func(ctx context.Context) error {
			count.Add(1)
			return nil
		}))
	}
	for _, fut := range futures {
		if err := fut.Wait(ctx, discard(), time.Millisecond); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if count.Load() != 16 {
		t.Fatalf("ran %d tasks, want 16", count.Load())
	}
}

func TestTaskError(t *testing.T) {
	ctx := context.Background()
	m, err := Start(ctx, t.TempDir(), 2, discard())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	boom := errors.New("boom")
	fut := m.Submit("task", func(ctx context.Context) error { return boom })
	if err := fut.Wait(ctx, discard(), time.Millisecond); !errors.Is(err, boom) {
		t.Fatalf("Wait: got %v, want boom", err)
	}
}

func TestScratchLifecycle(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	m, err := Start(ctx, root, 2, discard())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	scratch := m.ScratchDir()
	if _, err := os.Stat(scratch); err != nil {
		t.Fatalf("scratch not created: %v", err)
	}

	// Scratch must go away even when a task failed.
	fut := m.Submit("task", func(ctx context.Context) error { return errors.New("boom") })
	<-fut.Done()

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := os.Stat(scratch); !os.IsNotExist(err) {
		t.Fatalf("scratch not removed: %v", err)
	}

	// Stop is idempotent.
	if err := m.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStopDuringConcurrentSubmits(t *testing.T) {
	ctx := context.Background()
	m, err := Start(ctx, t.TempDir(), 2, discard())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Submissions racing Stop must never hit a closed job channel. Every
	// future settles: the task either ran or was rejected by the stop.
	futures := make(chan *Future, 256)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 32; i++ {
				futures <- m.Submit("task", func(ctx context.Context) error { return nil })
			}
		}()
	}

	time.Sleep(time.Millisecond)
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	wg.Wait()
	close(futures)

	for fut := range futures {
		<-fut.Done()
	}
}

func TestSubmitAfterStop(t *testing.T) {
	ctx := context.Background()
	m, err := Start(ctx, t.TempDir(), 1, discard())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	fut := m.Submit("task", func(ctx context.Context) error { return nil })
	<-fut.Done()
	if fut.Err() == nil {
		t.Fatal("expected error submitting to a stopped manager")
	}
}
