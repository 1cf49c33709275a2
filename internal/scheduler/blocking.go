package scheduler

import (
	"bufio"
	"fmt"
	"time"

	"github.com/aigoflow/scoredriver/internal/batch"
	"github.com/aigoflow/scoredriver/internal/engine"
	"github.com/aigoflow/scoredriver/internal/metrics"
)

// Blocking implements component D: a write-one-batch-ahead loop that lets
// the kernel's pipe buffers provide flow control. It achieves the highest
// throughput of the two schedulers, at the cost of a thread stall of up
// to one batch's processing time if the deadline is tight (spec.md §4.4).
type Blocking struct {
	h       *engine.Handle
	builder *batch.Builder
	items   batch.ItemSource
	opts    Options

	start       time.Time
	deadline    time.Time
	hasDeadline bool

	out *bufio.Reader

	inFlight    []int
	pending     []float64
	initialized bool
	terminated  bool
	err         error

	counters *metrics.Counters
	timeline *metrics.Timeline
}

// NewBlocking constructs a Blocking scheduler for one predict call.
// deadline is the zero time.Time when the call has no timeout.
func NewBlocking(h *engine.Handle, b *batch.Builder, items batch.ItemSource, start, deadline time.Time, opts Options, counters *metrics.Counters, timeline *metrics.Timeline) *Blocking {
	return &Blocking{
		h:           h,
		builder:     b,
		items:       items,
		opts:        opts,
		start:       start,
		deadline:    deadline,
		hasDeadline: !deadline.IsZero(),
		out:         bufio.NewReader(h.StdoutFile()),
		counters:    counters,
		timeline:    timeline,
	}
}

// Next pulls the next score, driving the underlying loop as far as it
// needs to go to produce one, or returns ok=false once the call is done
// (deadline reached or every item accounted for).
func (s *Blocking) Next() (float64, bool) {
	for {
		if len(s.pending) > 0 {
			v := s.pending[0]
			s.pending = s.pending[1:]
			return v, true
		}
		if s.terminated {
			if s.counters != nil {
				s.counters.ElapsedNs = time.Since(s.start).Nanoseconds()
			}
			return 0, false
		}
		s.step()
	}
}

// Err returns a terminal engine error, if the call ended because of one.
func (s *Blocking) Err() error { return s.err }

func (s *Blocking) step() {
	if !s.initialized {
		s.initialized = true
		if !s.builder.Done(s.items) {
			s.writeNextBatch()
		}
		if s.builder.Done(s.items) && len(s.inFlight) == 0 {
			s.terminated = true
		}
		return
	}

	pastDeadline := s.hasDeadline && !time.Now().Before(s.deadline)

	if !pastDeadline && !s.builder.Done(s.items) {
		s.writeNextBatch()
	}

	if len(s.inFlight) > 0 {
		n := s.inFlight[0]
		s.inFlight = s.inFlight[1:]
		scores, err := s.readNLines(n)
		if err != nil {
			s.fail(err)
			return
		}
		s.pending = append(s.pending, scores...)
		if s.counters != nil {
			s.counters.LinesRead += int64(len(scores))
		}
	} else if pastDeadline {
		if s.timeline != nil {
			s.timeline.Append(time.Now().UnixNano(), metrics.DeadlineReached, 0)
		}
	}

	// Once the deadline has passed and nothing is left in flight to drain,
	// the call is over even if unformatted items remain: the deadline
	// permanently blocks writeNextBatch above, so Done() would otherwise
	// never become true and this would spin forever.
	if len(s.inFlight) == 0 && (s.builder.Done(s.items) || pastDeadline) {
		s.terminated = true
	}
}

// writeNextBatch pulls the next chunk of items and writes it to the
// engine's stdin. On a write-only handle there is no stdout to read
// back, so the batch is never pushed onto inFlight — step never attempts
// a read against a nil stdout for a training-only call.
func (s *Blocking) writeNextBatch() {
	n := s.opts.BatchSize
	if n <= 0 {
		n = 500
	}
	data, formatted, skipped := s.builder.Next(s.items, n)
	if s.counters != nil {
		s.counters.FormatErrors += int64(skipped)
	}
	if formatted == 0 {
		return
	}
	if s.timeline != nil {
		s.timeline.Append(time.Now().UnixNano(), metrics.WriteBegin, float64(len(data)))
	}
	if _, err := s.h.StdinFile().Write(data); err != nil {
		s.fail(fmt.Errorf("write batch to engine stdin: %w", err))
		return
	}
	if s.timeline != nil {
		s.timeline.Append(time.Now().UnixNano(), metrics.WriteEnd, float64(len(data)))
	}
	if !s.h.WriteOnly() {
		s.inFlight = append(s.inFlight, formatted)
	}
	if s.counters != nil {
		s.counters.BatchesWritten++
		s.counters.LinesWritten += int64(formatted)
	}
}

func (s *Blocking) readNLines(n int) ([]float64, error) {
	if s.timeline != nil {
		s.timeline.Append(time.Now().UnixNano(), metrics.ReadBegin, float64(n))
	}
	scores := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		line, err := s.out.ReadString('\n')
		if err != nil && line == "" {
			return scores, fmt.Errorf("%w: reading score %d/%d: %w", engine.ErrEngineGone, i+1, n, err)
		}
		v, ok := parseScoreLine(line)
		if !ok {
			return scores, fmt.Errorf("%w: malformed score line %q", engine.ErrEngineGone, line)
		}
		scores = append(scores, v)
	}
	if s.timeline != nil {
		s.timeline.Append(time.Now().UnixNano(), metrics.ReadEnd, float64(n))
	}
	return scores, nil
}

// Close abandons the call before it reached its own natural end. Any
// batches already written and awaiting a read-back in inFlight are
// synchronously drained and discarded here: the blocking scheduler writes
// one batch ahead of what it's read, so those bytes are already on their
// way down the pipe and have to be read off before the next call on this
// handle can trust what it reads. Safe to call more than once or after
// the call already terminated on its own.
func (s *Blocking) Close() error {
	if s.terminated {
		return s.err
	}
	for len(s.inFlight) > 0 {
		n := s.inFlight[0]
		s.inFlight = s.inFlight[1:]
		if _, err := s.readNLines(n); err != nil {
			s.fail(err)
			return s.err
		}
	}
	s.terminated = true
	return s.err
}

func (s *Blocking) fail(err error) {
	s.err = err
	s.terminated = true
	s.h.Poison(err)
}
