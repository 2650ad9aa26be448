// Package progress reports archive generation progress in human-readable
// form.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures the progress reporter.
type Options struct {
	// TotalChunks is the number of chunks planned for the run.
	TotalChunks int

	// Workers is the number of parallel workers (for display).
	Workers int

	// Output is where to write progress output. Default: os.Stderr.
	Output io.Writer

	// UpdateInterval is how often to refresh the display. Default: 500ms.
	UpdateInterval time.Duration

	// Label identifies the run (for display).
	Label string
}

// Reporter outputs chunk-level progress for an archive run.
type Reporter struct {
	opts Options

	mu             sync.Mutex
	writtenChunks  atomic.Int32
	skippedChunks  atomic.Int32
	failedChunks   atomic.Int32
	inProgress     atomic.Int32
	completedBytes atomic.Int64
	startTime      time.Time
	stopCh         chan struct{}
	stopped        bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}
	return &Reporter{
		opts:   opts,
		stopCh: make(chan struct{}),
	}
}

// Start begins outputting progress information.
func (r *Reporter) Start() {
	r.startTime = time.Now()
	fmt.Fprintf(r.opts.Output, "[lra] Generating: %s\n", r.opts.Label)
	fmt.Fprintf(r.opts.Output, "[lra] Chunks: %d | Workers: %d\n",
		r.opts.TotalChunks, r.opts.Workers)
	go r.updateLoop()
}

// Stop stops the progress reporter and prints the final status.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
}

// ChunkStarted marks a chunk write as in progress.
func (r *Reporter) ChunkStarted() {
	r.inProgress.Add(1)
}

// ChunkWritten marks a chunk as written and verified.
func (r *Reporter) ChunkWritten(size int64) {
	r.completedBytes.Add(size)
	r.writtenChunks.Add(1)
	r.inProgress.Add(-1)
}

// ChunkSkipped marks a chunk as already complete on disk.
func (r *Reporter) ChunkSkipped() {
	r.skippedChunks.Add(1)
}

// ChunkFailed marks a chunk write as failed.
func (r *Reporter) ChunkFailed() {
	r.failedChunks.Add(1)
	r.inProgress.Add(-1)
}

func (r *Reporter) updateLoop() {
	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

func (r *Reporter) printProgress() {
	written := int(r.writtenChunks.Load())
	skipped := int(r.skippedChunks.Load())
	failed := int(r.failedChunks.Load())
	inProgress := int(r.inProgress.Load())

	pending := r.opts.TotalChunks - written - skipped - failed - inProgress
	if pending < 0 {
		pending = 0
	}

	fmt.Fprintf(r.opts.Output,
		"\r[lra] Chunks: %d written | %d skipped | %d failed | %d in-progress | %d pending | %s    ",
		written, skipped, failed, inProgress, pending,
		formatBytes(r.completedBytes.Load()),
	)
}

func (r *Reporter) printFinalStatus() {
	written := int(r.writtenChunks.Load())
	skipped := int(r.skippedChunks.Load())
	failed := int(r.failedChunks.Load())
	duration := time.Since(r.startTime)

	fmt.Fprintf(r.opts.Output,
		"\r[lra] Done: %d written | %d skipped | %d failed | %s in %s    \n",
		written, skipped, failed,
		formatBytes(r.completedBytes.Load()),
		formatDuration(duration),
	)
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes formats a byte count in human-readable form.
func FormatBytes(b int64) string {
	return formatBytes(b)
}
