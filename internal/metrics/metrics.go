// Package metrics holds the counters and timeline events a scheduler can
// optionally emit for a single predict call.
package metrics

// EventKind names one point on a predict call's timeline.
type EventKind string

const (
	FormatBegin     EventKind = "format_begin"
	FormatEnd       EventKind = "format_end"
	WriteBegin      EventKind = "write_begin"
	WriteEnd        EventKind = "write_end"
	ReadBegin       EventKind = "read_begin"
	ReadEnd         EventKind = "read_end"
	PollReturn      EventKind = "poll_return"
	DeadlineReached EventKind = "deadline_reached"
)

// Event is one append-only timeline entry.
type Event struct {
	MonotonicNs int64
	Kind        EventKind
	Value       float64
}

// Counters are the cheap, always-cheap-to-collect integer counters of a
// predict call.
type Counters struct {
	BatchesWritten       int64
	LinesWritten         int64
	LinesRead            int64
	PollCalls            int64
	ResidualLinesDrained int64
	FormatErrors         int64
	ElapsedNs            int64
}

// Timeline is the optional, append-only detailed event log. Collection is
// off unless a non-nil *Timeline is passed to a scheduler.
type Timeline struct {
	Events []Event
}

// Append records one event. Safe to call on a nil *Timeline (no-op), so
// callers that didn't opt into detailed metrics don't need a branch.
func (t *Timeline) Append(nowNs int64, kind EventKind, value float64) {
	if t == nil {
		return
	}
	t.Events = append(t.Events, Event{MonotonicNs: nowNs, Kind: kind, Value: value})
}
