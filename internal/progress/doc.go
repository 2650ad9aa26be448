// Package progress provides progress reporting for archive generation.
//
// This package outputs human-readable progress information to stderr,
// including written/skipped/failed chunk counts and bytes produced.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    TotalChunks: numChunks,
//	    Workers:     workers,
//	    Label:       "temp @ r100/monthly",
//	})
//
//	reporter.Start()
//	defer reporter.Stop()
//
//	// Update as chunks are processed
//	reporter.ChunkWritten(chunkSize)
//
// # Output Format
//
//	[lra] Generating: temp @ r100/monthly
//	[lra] Chunks: 24 | Workers: 4
//	[lra] Chunks: 11 written | 2 skipped | 0 failed | 4 in-progress | 7 pending | 5.62 MB
//	[lra] Done: 22 written | 2 skipped | 0 failed | 11.3 MB in 42s
package progress
