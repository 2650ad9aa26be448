// Package executor runs archive write tasks either synchronously or on a
// fixed-size worker pool. A Manager owns a private scratch directory for
// the lifetime of a run: acquired on Start, removed on every exit path of
// Stop.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"
)

// Task is one unit of work submitted to the executor.
type Task func(ctx context.Context) error

// MemStats summarizes heap usage sampled over a task's lifetime.
type MemStats struct {
	Peak    uint64
	Average uint64
	Samples int
}

// Future tracks a submitted task.
type Future struct {
	name string
	done chan struct{}
	err  error
	mem  MemStats
}

// Done is closed when the task has finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the task error. Valid only after Done is closed.
func (f *Future) Err() error { return f.err }

// Mem returns the sampled memory statistics. Valid only after Done is
// closed.
func (f *Future) Mem() MemStats { return f.mem }

// Wait blocks until the task completes or the context is cancelled,
// logging progress through log at each poll interval.
func (f *Future) Wait(ctx context.Context, log *slog.Logger, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			log.Debug("executor: task in progress",
				"task", f.name, "elapsed", time.Since(start).Round(time.Second))
		}
	}
}

type job struct {
	task Task
	fut  *Future
}

// Manager owns the execution backend and the run's scratch directory.
// With one worker, tasks run synchronously on the submitting goroutine;
// otherwise a pool of exactly workers goroutines consumes a job channel.
// Heavy numeric work inside a task runs on that single worker goroutine,
// so the pool size bounds concurrent compute.
type Manager struct {
	workers int
	scratch string
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan *job
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// Start creates a Manager with a fresh scratch directory under
// scratchRoot. The directory is exclusively owned by this run and is
// removed by Stop. With workers <= 1 no pool is stood up.
func Start(ctx context.Context, scratchRoot string, workers int, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	if scratchRoot != "" {
		if err := os.MkdirAll(scratchRoot, 0o755); err != nil {
			return nil, fmt.Errorf("executor: create scratch root: %w", err)
		}
	}
	scratch, err := os.MkdirTemp(scratchRoot, "lra-run-")
	if err != nil {
		return nil, fmt.Errorf("executor: create scratch directory: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m := &Manager{
		workers: workers,
		scratch: scratch,
		log:     log,
		ctx:     runCtx,
		cancel:  cancel,
	}

	if workers > 1 {
		m.jobs = make(chan *job, workers)
		for i := 0; i < workers; i++ {
			m.wg.Add(1)
			go m.worker()
		}
		log.Info("executor: worker pool started", "workers", workers, "scratch", scratch)
	} else {
		log.Info("executor: synchronous mode", "scratch", scratch)
	}
	return m, nil
}

// ScratchDir returns the run's private scratch directory.
func (m *Manager) ScratchDir() string { return m.scratch }

// Synchronous reports whether tasks run on the submitting goroutine.
func (m *Manager) Synchronous() bool { return m.workers <= 1 }

// Submit schedules a task. In synchronous mode the task has already
// finished when Submit returns.
func (m *Manager) Submit(name string, task Task) *Future {
	fut := &Future{name: name, done: make(chan struct{})}

	if m.Synchronous() {
		m.mu.Lock()
		stopped := m.stopped
		m.mu.Unlock()
		if stopped {
			fut.err = errors.New("executor: manager is stopped")
			close(fut.done)
			return fut
		}
		m.run(task, fut)
		return fut
	}

	// The send stays under the mutex: Stop sets stopped and closes the
	// job channel under the same lock, so a submission can never race the
	// close. Workers drain the channel without taking the lock, so a
	// blocked send always makes progress.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		fut.err = errors.New("executor: manager is stopped")
		close(fut.done)
		return fut
	}
	select {
	case m.jobs <- &job{task: task, fut: fut}:
	case <-m.ctx.Done():
		fut.err = m.ctx.Err()
		close(fut.done)
	}
	return fut
}

// Stop shuts down the pool and removes the scratch directory. It is safe
// to call multiple times and removes the scratch directory on every exit
// path.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	if m.jobs != nil {
		close(m.jobs)
	}
	m.mu.Unlock()

	defer func() {
		if err := os.RemoveAll(m.scratch); err != nil {
			m.log.Error("executor: remove scratch directory", "scratch", m.scratch, "error", err)
		} else {
			m.log.Debug("executor: scratch directory removed", "scratch", m.scratch)
		}
	}()

	if m.jobs != nil {
		m.wg.Wait()
	}
	m.cancel()
	m.log.Info("executor: stopped")
	return nil
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for j := range m.jobs {
		m.run(j.task, j.fut)
	}
}

// run executes a task while sampling heap usage, then publishes the
// result on the future.
func (m *Manager) run(task Task, fut *Future) {
	stop := make(chan struct{})
	statsCh := make(chan MemStats, 1)
	go sampleMemory(stop, statsCh)

	err := task(m.ctx)

	close(stop)
	stats := <-statsCh

	fut.err = err
	fut.mem = stats
	close(fut.done)
}

// sampleMemory records heap allocation until stop is closed and sends
// peak and average on statsCh.
func sampleMemory(stop <-chan struct{}, statsCh chan<- MemStats) {
	const interval = 50 * time.Millisecond

	var stats MemStats
	var sum uint64
	sample := func() {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		if ms.HeapAlloc > stats.Peak {
			stats.Peak = ms.HeapAlloc
		}
		sum += ms.HeapAlloc
		stats.Samples++
	}

	sample()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			sample()
			stats.Average = sum / uint64(stats.Samples)
			statsCh <- stats
			return
		case <-ticker.C:
			sample()
		}
	}
}
