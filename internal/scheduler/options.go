// Package scheduler implements components D and E of the scoring driver:
// the blocking write-one-batch-ahead loop and the non-blocking
// deadline-aware poll loop that keep the scoring engine's stdin/stdout
// pipes saturated without ever overshooting a caller deadline.
package scheduler

import "time"

// Options tunes both schedulers. Defaults match spec.md §4.4/§4.5 and the
// reference implementation's constructor defaults.
type Options struct {
	// BatchSize bounds how many items are formatted into one chunk before
	// it is handed to the write path. Valid range per spec.md §4.4 is
	// [64, 2048]; default 500.
	BatchSize int
	// MaxPendingLines caps items_written-items_read in the non-blocking
	// scheduler (original_source's max_pending_lines). Zero means no cap:
	// new chunks are written however many lines are still unanswered.
	MaxPendingLines int
	// PollSlice is the non-blocking scheduler's poll timeout granularity
	// (spec.md §4.5 poll_slice). Default 1ms.
	PollSlice time.Duration
	// WriteTimeout shortens the effective write deadline ahead of the real
	// deadline so the scheduler stops submitting new batches early enough
	// to drain what's already in flight (original_source's
	// write_timeout_ms). Default 1ms.
	WriteTimeout time.Duration
	// SlabBytes is the size of the buffer the non-blocking scheduler reads
	// engine stdout into (normal reads and residual drain); chunks pulled
	// from the batch builder are bounded by item count, not bytes (see
	// DESIGN.md). Default one pipe buffer's worth, 64 KiB.
	SlabBytes int
}

// DefaultOptions returns the reference defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:       500,
		MaxPendingLines: 500,
		PollSlice:       time.Millisecond,
		WriteTimeout:    time.Millisecond,
		SlabBytes:       64 * 1024,
	}
}
