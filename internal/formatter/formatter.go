// Package formatter defines the caller-supplied contract between the
// scoring driver and the domain: turning an opaque context and opaque
// items into the scoring engine's line grammar.
package formatter

import (
	"errors"
	"strconv"
)

// ErrFormat is returned by Common/Item when a line cannot be produced.
// The batch builder's policy is skip-and-count: an Item error drops that
// one item and keeps going, it never aborts the call.
var ErrFormat = errors.New("formatter: failed to produce line")

// DebugSink receives free-form debugging information a formatter wants to
// attach to a call. A nil DebugSink means the caller didn't ask for debug
// info; implementations must tolerate that.
type DebugSink interface {
	Note(key string, value any)
}

// Formatter produces the common prefix for a call and the per-item suffix
// for each item. Composing common+item+"\n" is the caller's (the batch
// builder's) job, not the formatter's.
type Formatter interface {
	// Common returns the shared prefix of every line in one call. Called
	// exactly once per Predict/Train call.
	Common(ctx any, debug DebugSink) (string, error)
	// Item returns the per-item suffix. Called at most once per item; the
	// batch builder may stop calling it once the deadline has elapsed.
	Item(ctx, item any, debug DebugSink) (string, error)
}

// ElementParser is an optional capability a Formatter can implement to
// translate an opaque audit-mode feature token into a human-readable
// (namespace, name) pair. Used only in audit mode.
type ElementParser interface {
	ParseElement(token string) (namespace, name string)
}

// Compose builds one engine input line from its common and item parts,
// mirroring the reference implementation's join of common/item line parts
// with a single space and a training label/weight prefix when present.
func Compose(commonPart, itemPart string, label, weight *float64) string {
	if label == nil {
		return commonPart + " " + itemPart
	}
	line := strconv.FormatFloat(*label, 'g', -1, 64)
	if weight != nil {
		line += " " + strconv.FormatFloat(*weight, 'g', -1, 64)
	} else {
		line += " "
	}
	return line + " " + commonPart + " " + itemPart
}
