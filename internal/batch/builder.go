// Package batch turns a formatter and an item cursor into concatenated
// engine input lines, one batch at a time.
package batch

import (
	"bytes"
	"log/slog"

	"github.com/aigoflow/scoredriver/internal/formatter"
)

// ItemSource is a sequence of opaque items with a known length, traversed
// strictly in order and strictly sequentially (the formatter is never
// called concurrently for the same context).
type ItemSource interface {
	Len() int
	At(i int) any
}

// SliceSource adapts a plain []any to ItemSource.
type SliceSource []any

func (s SliceSource) Len() int      { return len(s) }
func (s SliceSource) At(i int) any  { return s[i] }

// Builder holds the prepared common prefix and an item cursor, and emits
// batches of formatted lines on demand.
type Builder struct {
	f      formatter.Formatter
	ctx    any
	debug  formatter.DebugSink
	common string
	cursor int

	// Labels and Weights, when non-nil, switch Next into training mode:
	// each successfully formatted item's line is prefixed with its label
	// (and optional weight) per formatter.Compose. Both are indexed the
	// same as the ItemSource passed to Next.
	Labels  []float64
	Weights []*float64
}

// NewBuilder formats the common prefix once (it is invoked exactly once
// per call, per the formatter contract) and returns a Builder positioned
// at item 0.
func NewBuilder(f formatter.Formatter, ctx any, debug formatter.DebugSink) (*Builder, error) {
	common, err := f.Common(ctx, debug)
	if err != nil {
		return nil, err
	}
	return &Builder{f: f, ctx: ctx, debug: debug, common: common}, nil
}

// NewTrainBuilder is NewBuilder for a training call: every formatted line
// carries its item's label and optional weight (spec.md §4.1's training
// variant of component C).
func NewTrainBuilder(f formatter.Formatter, ctx any, debug formatter.DebugSink, labels []float64, weights []*float64) (*Builder, error) {
	b, err := NewBuilder(f, ctx, debug)
	if err != nil {
		return nil, err
	}
	b.Labels = labels
	b.Weights = weights
	return b, nil
}

// Cursor returns the index of the next item to be formatted.
func (b *Builder) Cursor() int { return b.cursor }

// Done reports whether every item in items has been consumed.
func (b *Builder) Done(items ItemSource) bool { return b.cursor >= items.Len() }

// Next formats up to n items starting at the cursor, advances the cursor
// past every item it attempted (formatted or skipped), and returns the
// concatenated batch bytes plus how many items were actually formatted
// into the batch (excluding skips). A per-item formatter failure is
// skipped and counted in skipped, never aborting the batch (spec's
// reference "skip and count" policy for formatter errors).
func (b *Builder) Next(items ItemSource, n int) (batchBytes []byte, formatted, skipped int) {
	var buf bytes.Buffer
	total := items.Len()
	for formatted < n && b.cursor < total {
		item := items.At(b.cursor)
		b.cursor++

		suffix, err := b.f.Item(b.ctx, item, b.debug)
		if err != nil {
			skipped++
			slog.Debug("formatter skipped item", "index", b.cursor-1, "error", err)
			continue
		}

		if b.Labels != nil {
			idx := b.cursor - 1
			var weight *float64
			if b.Weights != nil {
				weight = b.Weights[idx]
			}
			label := b.Labels[idx]
			buf.WriteString(formatter.Compose(b.common, suffix, &label, weight))
		} else {
			buf.WriteString(b.common)
			buf.WriteByte(' ')
			buf.WriteString(suffix)
		}
		buf.WriteByte('\n')
		formatted++
	}
	return buf.Bytes(), formatted, skipped
}
