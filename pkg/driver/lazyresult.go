package driver

import (
	"time"

	"github.com/aigoflow/scoredriver/internal/batch"
	"github.com/aigoflow/scoredriver/internal/engine"
	"github.com/aigoflow/scoredriver/internal/metrics"
	"github.com/aigoflow/scoredriver/internal/scheduler"
)

// puller is the common shape of the two schedulers: a synchronous,
// single-threaded pull of the next score.
type puller interface {
	Next() (float64, bool)
	Err() error
	Close() error
}

// PredictCall is a lazy pull iterator over one predict call's scores.
// The schedulers only advance while Next() is called: stopping early and
// calling Close behaves like hitting the deadline (spec.md §9's "lazy
// sequence" design note).
type PredictCall struct {
	p        puller
	counters *metrics.Counters
	timeline *metrics.Timeline
}

func newPredictCall(h *engine.Handle, b *batch.Builder, items batch.ItemSource, deadline time.Time, opts scheduler.Options, nonBlocking, detailedMetrics bool) *PredictCall {
	counters := &metrics.Counters{}
	start := time.Now()

	var timeline *metrics.Timeline
	if detailedMetrics {
		timeline = &metrics.Timeline{}
	}

	var p puller
	if nonBlocking {
		p = scheduler.NewNonBlocking(h, b, items, start, deadline, opts, counters, timeline)
	} else {
		p = scheduler.NewBlocking(h, b, items, start, deadline, opts, counters, timeline)
	}
	return &PredictCall{p: p, counters: counters, timeline: timeline}
}

// Next returns the next score, or ok=false once the call is over: every
// item accounted for, or the deadline reached. Check Err() after a false
// return to tell "done" apart from "engine died".
func (c *PredictCall) Next() (float64, bool) {
	return c.p.Next()
}

// Err returns a terminal engine error, if the call ended because of one.
func (c *PredictCall) Err() error {
	return c.p.Err()
}

// Counters reports this call's cheap, always-collected metrics. Only
// meaningful once the call has been fully drained (or errored); mid-call
// values are a snapshot.
func (c *PredictCall) Counters() metrics.Counters {
	return *c.counters
}

// DetailedMetrics returns the per-event timeline recorded for this call,
// or nil if the Driver wasn't configured with Config.DetailedMetrics.
func (c *PredictCall) DetailedMetrics() []metrics.Event {
	if c.timeline == nil {
		return nil
	}
	return c.timeline.Events
}

// Close abandons the rest of the call, discarding any unread scores.
// Equivalent to the deadline having passed right now: whatever this call
// wrote but never read back is accounted for so the next call on the
// same handle doesn't desync.
func (c *PredictCall) Close() error {
	return c.p.Close()
}

// All drains the call to completion and returns every score produced.
// Convenience for callers that don't want lazy pulling.
func (c *PredictCall) All() ([]float64, error) {
	var scores []float64
	for {
		v, ok := c.Next()
		if !ok {
			break
		}
		scores = append(scores, v)
	}
	return scores, c.Err()
}
