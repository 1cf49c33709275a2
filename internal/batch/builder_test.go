package batch

import (
	"errors"
	"strings"
	"testing"

	"github.com/aigoflow/scoredriver/internal/formatter"
)

type stringFormatter struct{}

func (stringFormatter) Common(ctx any, _ formatter.DebugSink) (string, error) {
	s, ok := ctx.(string)
	if !ok {
		return "", errors.New("bad common")
	}
	return s, nil
}

func (stringFormatter) Item(_ any, item any, _ formatter.DebugSink) (string, error) {
	s, ok := item.(string)
	if !ok || s == "bad" {
		return "", formatter.ErrFormat
	}
	return s, nil
}

func TestBuilderNextFormatsAndAdvancesCursor(t *testing.T) {
	b, err := NewBuilder(stringFormatter{}, "|common", nil)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	items := SliceSource{"i1", "i2", "i3"}

	data, formatted, skipped := b.Next(items, 2)
	if formatted != 2 || skipped != 0 {
		t.Fatalf("got formatted=%d skipped=%d", formatted, skipped)
	}
	if b.Cursor() != 2 {
		t.Fatalf("cursor = %d, want 2", b.Cursor())
	}
	want := "|common i1\n|common i2\n"
	if string(data) != want {
		t.Fatalf("data = %q, want %q", data, want)
	}
	if b.Done(items) {
		t.Fatal("builder should not be done after 2/3 items")
	}

	_, formatted, _ = b.Next(items, 2)
	if formatted != 1 {
		t.Fatalf("got formatted=%d, want 1", formatted)
	}
	if !b.Done(items) {
		t.Fatal("builder should be done after all items consumed")
	}
}

func TestBuilderSkipsFormatErrorsAndCounts(t *testing.T) {
	b, err := NewBuilder(stringFormatter{}, "|c", nil)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	items := SliceSource{"ok1", "bad", "ok2"}

	data, formatted, skipped := b.Next(items, 3)
	if formatted != 2 || skipped != 1 {
		t.Fatalf("got formatted=%d skipped=%d, want 2/1", formatted, skipped)
	}
	if strings.Contains(string(data), "bad") {
		t.Fatalf("skipped item leaked into batch bytes: %q", data)
	}
	if !b.Done(items) {
		t.Fatal("cursor should advance past the skipped item too")
	}
}

func TestTrainBuilderComposesLabelAndWeight(t *testing.T) {
	weight := 0.5
	b, err := NewTrainBuilder(stringFormatter{}, "|c", nil, []float64{1, 0}, []*float64{&weight, nil})
	if err != nil {
		t.Fatalf("NewTrainBuilder: %v", err)
	}
	items := SliceSource{"i1", "i2"}

	data, formatted, _ := b.Next(items, 2)
	if formatted != 2 {
		t.Fatalf("formatted = %d, want 2", formatted)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if lines[0] != "1 0.5 |c i1" {
		t.Fatalf("line 0 = %q", lines[0])
	}
	if lines[1] != "0  |c i2" {
		t.Fatalf("line 1 = %q", lines[1])
	}
}

func TestNewBuilderPropagatesCommonError(t *testing.T) {
	if _, err := NewBuilder(stringFormatter{}, 42, nil); err == nil {
		t.Fatal("expected an error when the common context has the wrong type")
	}
}
