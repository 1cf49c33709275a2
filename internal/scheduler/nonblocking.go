package scheduler

import (
	"bytes"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/aigoflow/scoredriver/internal/batch"
	"github.com/aigoflow/scoredriver/internal/engine"
	"github.com/aigoflow/scoredriver/internal/metrics"
)

// NonBlocking implements component E: a poll-driven duplex loop over
// O_NONBLOCK pipes that never calls a blocking syscall, so it can always
// stop at a caller deadline instead of stalling inside a read or write
// (spec.md §4.5). Before touching the engine's stdin with new items, it
// finishes draining whatever a previous, deadline-truncated call on the
// same handle left unread (engine.Handle.EngineOwes), per the
// residual-drain protocol in spec.md §4.5's edge cases.
type NonBlocking struct {
	h       *engine.Handle
	builder *batch.Builder
	items   batch.ItemSource
	opts    Options

	start         time.Time
	deadline      time.Time
	hasDeadline   bool
	writeDeadline time.Time

	stdinFD, stdoutFD int

	writeBuf []byte
	readBuf  []byte

	itemsWritten int64
	itemsRead    int64

	residualDone   bool
	residualBuf    []byte

	pending    []float64
	terminated bool
	err        error

	counters *metrics.Counters
	timeline *metrics.Timeline
}

// NewNonBlocking constructs a NonBlocking scheduler for one predict call.
// h must have been opened with OpenConfig.NonBlocking set.
func NewNonBlocking(h *engine.Handle, b *batch.Builder, items batch.ItemSource, start, deadline time.Time, opts Options, counters *metrics.Counters, timeline *metrics.Timeline) *NonBlocking {
	hasDeadline := !deadline.IsZero()
	writeDeadline := deadline
	if hasDeadline && opts.WriteTimeout > 0 {
		writeDeadline = deadline.Add(-opts.WriteTimeout)
	}
	return &NonBlocking{
		h:             h,
		builder:       b,
		items:         items,
		opts:          opts,
		start:         start,
		deadline:      deadline,
		hasDeadline:   hasDeadline,
		writeDeadline: writeDeadline,
		stdinFD:       h.StdinFD(),
		stdoutFD:      h.StdoutFD(),
		counters:      counters,
		timeline:      timeline,
	}
}

// Next pulls the next score, or ok=false once the call has nothing left to
// give: every item accounted for, or the deadline reached. A deadline-cut
// call leaves its unanswered lines on the handle for the next call to
// drain; see engine.Handle.EngineOwes.
func (s *NonBlocking) Next() (float64, bool) {
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
func (s *NonBlocking) Err() error { return s.err }

func (s *NonBlocking) step() {
	if !s.residualDone {
		s.drainResidualTick()
		return
	}

	if s.pastDeadline() {
		s.giveBackOwed()
		if s.timeline != nil {
			s.timeline.Append(time.Now().UnixNano(), metrics.DeadlineReached, 0)
		}
		s.terminated = true
		return
	}

	if len(s.writeBuf) == 0 && s.wantMoreWrites() {
		s.pullNextChunk()
	}

	wantWrite := len(s.writeBuf) > 0
	wantRead := s.stdoutFD >= 0 && s.itemsRead < s.itemsWritten

	if !wantWrite && !wantRead {
		if s.builder.Done(s.items) && s.doneReading() {
			s.terminated = true
		}
		return
	}

	fds := make([]unix.PollFd, 0, 2)
	writeIdx, readIdx := -1, -1
	if wantWrite {
		fds = append(fds, unix.PollFd{Fd: int32(s.stdinFD), Events: unix.POLLOUT})
		writeIdx = len(fds) - 1
	}
	if wantRead {
		fds = append(fds, unix.PollFd{Fd: int32(s.stdoutFD), Events: unix.POLLIN})
		readIdx = len(fds) - 1
	}

	timeout := s.pollTimeoutMillis()
	n, err := unix.Poll(fds, timeout)
	if s.counters != nil {
		s.counters.PollCalls++
	}
	if s.timeline != nil {
		s.timeline.Append(time.Now().UnixNano(), metrics.PollReturn, float64(n))
	}
	if err != nil {
		if err == unix.EINTR {
			return
		}
		s.fail(fmt.Errorf("poll engine pipes: %w", err))
		return
	}
	if n == 0 {
		return
	}

	if writeIdx >= 0 && fds[writeIdx].Revents&(unix.POLLOUT|unix.POLLERR) != 0 {
		s.doWrite()
	}
	if readIdx >= 0 && fds[readIdx].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		s.doRead()
	}

	if s.builder.Done(s.items) && len(s.writeBuf) == 0 && s.doneReading() {
		s.terminated = true
	}
}

// doneReading reports whether there is nothing left to wait for on the
// read side: either every written item has an answer back, or the handle
// is write-only and has no stdout to ever read one from (spec's
// write-only training path never reads scores back).
func (s *NonBlocking) doneReading() bool {
	return s.stdoutFD < 0 || s.itemsRead == s.itemsWritten
}

func (s *NonBlocking) pastDeadline() bool {
	return s.hasDeadline && !time.Now().Before(s.deadline)
}

func (s *NonBlocking) wantMoreWrites() bool {
	if s.builder.Done(s.items) {
		return false
	}
	if s.hasDeadline && !time.Now().Before(s.writeDeadline) {
		return false
	}
	if s.opts.MaxPendingLines > 0 && s.itemsWritten-s.itemsRead >= int64(s.opts.MaxPendingLines) {
		return false
	}
	return true
}

func (s *NonBlocking) pullNextChunk() {
	n := s.opts.BatchSize
	if n <= 0 {
		n = 500
	}
	if s.opts.MaxPendingLines > 0 {
		if room := int(int64(s.opts.MaxPendingLines) - (s.itemsWritten - s.itemsRead)); room < n {
			n = room
		}
	}
	if n <= 0 {
		return
	}
	data, formatted, skipped := s.builder.Next(s.items, n)
	if s.counters != nil {
		s.counters.FormatErrors += int64(skipped)
	}
	if formatted == 0 {
		return
	}
	s.writeBuf = data
	if s.counters != nil {
		s.counters.BatchesWritten++
	}
}

func (s *NonBlocking) doWrite() {
	n, err := unix.Write(s.stdinFD, s.writeBuf)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		s.fail(fmt.Errorf("write to engine stdin: %w", err))
		return
	}
	written := s.writeBuf[:n]
	nl := int64(countNewlines(written))
	s.itemsWritten += nl
	if s.counters != nil {
		s.counters.LinesWritten += nl
	}
	s.writeBuf = s.writeBuf[n:]
}

func (s *NonBlocking) doRead() {
	buf := make([]byte, s.opts.effectiveSlabBytes())
	n, err := unix.Read(s.stdoutFD, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		s.fail(fmt.Errorf("read from engine stdout: %w", err))
		return
	}
	if n == 0 {
		s.fail(fmt.Errorf("%w: stdout closed unexpectedly", engine.ErrEngineGone))
		return
	}
	s.readBuf = append(s.readBuf, buf[:n]...)
	for {
		idx := bytes.IndexByte(s.readBuf, '\n')
		if idx < 0 {
			break
		}
		line := s.readBuf[:idx]
		s.readBuf = s.readBuf[idx+1:]
		v, ok := parseScoreLine(string(line))
		if !ok {
			s.fail(fmt.Errorf("%w: malformed score line %q", engine.ErrEngineGone, line))
			return
		}
		s.pending = append(s.pending, v)
		s.itemsRead++
		if s.counters != nil {
			s.counters.LinesRead++
		}
	}
}

// drainResidualTick works off whatever the previous deadline-truncated
// call on this handle left unread, before this call writes anything of
// its own. The drained values are discarded: they answer the previous
// call's items, not this one's.
func (s *NonBlocking) drainResidualTick() {
	owed := s.h.EngineOwes()
	if owed <= 0 {
		s.residualDone = true
		return
	}
	if s.pastDeadline() {
		s.residualDone = true
		s.terminated = true
		if s.timeline != nil {
			s.timeline.Append(time.Now().UnixNano(), metrics.DeadlineReached, 0)
		}
		return
	}

	buf := make([]byte, s.opts.effectiveSlabBytes())
	n, err := unix.Read(s.stdoutFD, buf)
	if err != nil {
		if err == unix.EAGAIN {
			fds := []unix.PollFd{{Fd: int32(s.stdoutFD), Events: unix.POLLIN}}
			unix.Poll(fds, s.pollTimeoutMillis())
			if s.counters != nil {
				s.counters.PollCalls++
			}
			return
		}
		s.fail(fmt.Errorf("drain residual lines from engine stdout: %w", err))
		return
	}
	if n == 0 {
		s.fail(fmt.Errorf("%w: stdout closed unexpectedly during residual drain", engine.ErrEngineGone))
		return
	}
	s.residualBuf = append(s.residualBuf, buf[:n]...)
	for owed > 0 {
		idx := bytes.IndexByte(s.residualBuf, '\n')
		if idx < 0 {
			break
		}
		s.residualBuf = s.residualBuf[idx+1:]
		owed--
		s.h.AddEngineOwes(-1)
		if s.counters != nil {
			s.counters.ResidualLinesDrained++
		}
	}
	if owed <= 0 {
		s.residualDone = true
	}
}

func (s *NonBlocking) pollTimeoutMillis() int {
	slice := s.opts.PollSlice
	if slice <= 0 {
		slice = time.Millisecond
	}
	if s.hasDeadline {
		if remain := time.Until(s.deadline); remain < slice {
			if remain < 0 {
				remain = 0
			}
			slice = remain
		}
	}
	return int(slice.Milliseconds())
}

// giveBackOwed records whatever this call wrote but never got an answer
// for, so the next call on the same handle drains it first.
func (s *NonBlocking) giveBackOwed() {
	if s.stdoutFD < 0 {
		return
	}
	owed := s.itemsWritten - s.itemsRead
	if owed > 0 {
		s.h.AddEngineOwes(owed)
	}
}

// Close abandons the call before it reached its own natural end (deadline
// or every item accounted for). It is equivalent to the deadline having
// passed right now: whatever this call wrote but never read back is
// handed to the handle as a residual for the next call to drain, so the
// pipe never desyncs just because a caller stopped pulling early. Safe to
// call more than once or after the call already terminated on its own.
func (s *NonBlocking) Close() error {
	if !s.terminated {
		s.giveBackOwed()
		s.terminated = true
	}
	return s.err
}

func (s *NonBlocking) fail(err error) {
	s.err = err
	s.terminated = true
	s.h.Poison(err)
}

func (o Options) effectiveSlabBytes() int {
	if o.SlabBytes > 0 {
		return o.SlabBytes
	}
	return 64 * 1024
}
