// Package driver is the scoring driver's public API: spawn a scoring
// engine subprocess once, then run many latency-bounded predict calls
// and training calls against it without ever blocking past a deadline
// (in non-blocking mode) or beyond one batch's processing time (in
// blocking mode).
package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/aigoflow/scoredriver/internal/batch"
	"github.com/aigoflow/scoredriver/internal/engine"
	"github.com/aigoflow/scoredriver/internal/formatter"
	"github.com/aigoflow/scoredriver/internal/metrics"
	"github.com/aigoflow/scoredriver/internal/scheduler"
)

// Driver owns one scoring engine handle and the formatter that knows how
// to turn callers' contexts and items into its input line grammar.
type Driver struct {
	handle          *engine.Handle
	formatter       formatter.Formatter
	opts            scheduler.Options
	detailedMetrics bool
}

// Config configures a new Driver. An Options with a zero BatchSize is
// replaced as a whole by scheduler.DefaultOptions(); otherwise Options is
// used as given, and its other zero fields keep their zero meaning.
type Config struct {
	Engine    engine.OpenConfig
	Formatter formatter.Formatter
	Options   scheduler.Options

	// DetailedMetrics opts every call this Driver runs into collecting a
	// per-event timeline (internal/metrics.Timeline) in addition to the
	// always-on Counters, retrievable via PredictCall.DetailedMetrics.
	// Off by default: the timeline allocates on every write/read/poll.
	DetailedMetrics bool
}

// New spawns the scoring engine subprocess and returns a Driver bound to
// it. The handle's mode (write-only, audit, non-blocking) is fixed for
// the Driver's whole lifetime.
func New(cfg Config) (*Driver, error) {
	if cfg.Formatter == nil {
		return nil, fmt.Errorf("%w: nil formatter", engine.ErrBadInput)
	}
	h, err := engine.Open(cfg.Engine)
	if err != nil {
		return nil, err
	}
	opts := cfg.Options
	if opts.BatchSize == 0 {
		opts = scheduler.DefaultOptions()
	}
	return &Driver{handle: h, formatter: cfg.Formatter, opts: opts, detailedMetrics: cfg.DetailedMetrics}, nil
}

// Close shuts the engine subprocess down, draining its output best
// effort and waiting bounded time before killing it.
func (d *Driver) Close() error {
	return d.handle.Close()
}

// Err returns the sticky poison error if the engine has died.
func (d *Driver) Err() error {
	return d.handle.Err()
}

// Handle exposes the underlying engine handle for ambient services
// (heartbeats, backlog reporting) that need to observe liveness and
// EngineOwes without going through a predict call.
func (d *Driver) Handle() *engine.Handle {
	return d.handle
}

// deadlineFromContext turns a context's deadline (if any) into the
// absolute time.Time the schedulers work with, falling back to the zero
// value (no deadline) when ctx carries none.
func deadlineFromContext(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Time{}
}

// Predict starts a latency-bounded scoring call over items. The returned
// PredictCall is a lazy pull iterator: batches are formatted and written
// only while the caller keeps calling Next, so stopping early (or the
// deadline expiring) stops feeding the engine. Lines already written but
// not yet read back are drained by Close (blocking mode) or left as a
// residual for the next call (non-blocking mode). Call PredictCall.Close
// (or drain it to exhaustion) before starting another call on the same
// Driver.
func (d *Driver) Predict(ctx context.Context, commonCtx any, items []any, debug formatter.DebugSink) (*PredictCall, error) {
	if d.handle.WriteOnly() {
		return nil, fmt.Errorf("%w: driver opened write-only, cannot predict", engine.ErrBadInput)
	}
	if d.handle.AuditMode() {
		return nil, fmt.Errorf("%w: driver opened in audit mode, use ExplainLine", engine.ErrAuditModeActive)
	}
	if !d.handle.IsAlive() {
		return nil, d.handle.Err()
	}

	b, err := batch.NewBuilder(d.formatter, commonCtx, debug)
	if err != nil {
		return nil, fmt.Errorf("format common features: %w", err)
	}

	return newPredictCall(d.handle, b, batch.SliceSource(items), deadlineFromContext(ctx), d.opts, d.handle.NonBlocking(), d.detailedMetrics), nil
}

// Train submits a batch of labeled items for online learning. Unlike
// Predict, it drives the underlying scheduler to completion itself: a
// training call has no scores for the caller to lazily pull.
func (d *Driver) Train(ctx context.Context, commonCtx any, items []any, labels []float64, weights []*float64, debug formatter.DebugSink) (*metrics.Counters, error) {
	if d.handle.AuditMode() {
		return nil, fmt.Errorf("%w: driver opened in audit mode, use ExplainLine", engine.ErrAuditModeActive)
	}
	if !d.handle.IsAlive() {
		return nil, d.handle.Err()
	}
	if len(items) != len(labels) {
		return nil, fmt.Errorf("%w: %d items but %d labels", engine.ErrBadInput, len(items), len(labels))
	}

	b, err := batch.NewTrainBuilder(d.formatter, commonCtx, debug, labels, weights)
	if err != nil {
		return nil, fmt.Errorf("format common features: %w", err)
	}

	call := newPredictCall(d.handle, b, batch.SliceSource(items), deadlineFromContext(ctx), d.opts, d.handle.NonBlocking(), d.detailedMetrics)
	// Training never reads scores back: the handle was either opened
	// write-only, or its output (if any) is drained here so the pipe
	// doesn't desync for the next call.
	for {
		if _, ok := call.Next(); !ok {
			break
		}
	}
	counters := call.Counters()
	if call.Err() != nil {
		return &counters, call.Err()
	}
	return &counters, nil
}
