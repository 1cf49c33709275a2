package driver

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/aigoflow/scoredriver/internal/engine"
	"github.com/aigoflow/scoredriver/internal/enginetest"
	"github.com/aigoflow/scoredriver/internal/formatter"
	"github.com/aigoflow/scoredriver/internal/scheduler"
)

func withHelperEnv(t *testing.T) {
	t.Helper()
	old, had := os.LookupEnv("GO_WANT_HELPER_PROCESS")
	os.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Cleanup(func() {
		if had {
			os.Setenv("GO_WANT_HELPER_PROCESS", old)
		} else {
			os.Unsetenv("GO_WANT_HELPER_PROCESS")
		}
	})
}

// stringFormatter treats contexts and items as plain strings, letting
// tests exercise Driver without pulling in NamespaceFormatter's grammar.
type stringFormatter struct{}

func (stringFormatter) Common(ctx any, _ formatter.DebugSink) (string, error) {
	return ctx.(string), nil
}

func (stringFormatter) Item(_ any, item any, _ formatter.DebugSink) (string, error) {
	return item.(string), nil
}

func newTestDriver(t *testing.T, mode string, engineOpts engine.OpenConfig) *Driver {
	t.Helper()
	withHelperEnv(t)
	cmd, args := enginetest.HelperCommand(mode)
	engineOpts.Command = cmd
	engineOpts.Args = args

	drv, err := New(Config{
		Engine:    engineOpts,
		Formatter: stringFormatter{},
		Options:   scheduler.Options{BatchSize: 2, PollSlice: time.Millisecond, WriteTimeout: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("driver.New: %v", err)
	}
	t.Cleanup(func() { drv.Close() })
	return drv
}

// S1: happy path, items in, scores out in order.
func TestPredictHappyPath(t *testing.T) {
	drv := newTestDriver(t, "echo-len", engine.OpenConfig{NonBlocking: true})

	items := []any{"a", "bb", "ccc"}
	call, err := drv.Predict(context.Background(), "c", items, nil)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	scores, err := call.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	want := []float64{3, 4, 5} // "c a", "c bb", "c ccc"
	if len(scores) != len(want) {
		t.Fatalf("got %d scores, want %d: %v", len(scores), len(want), scores)
	}
	for i := range want {
		if scores[i] != want[i] {
			t.Fatalf("score %d = %v, want %v", i, scores[i], want[i])
		}
	}
}

// S3: zero items must return immediately with no scores and no error.
func TestPredictZeroItems(t *testing.T) {
	drv := newTestDriver(t, "echo-len", engine.OpenConfig{NonBlocking: true})

	call, err := drv.Predict(context.Background(), "c", nil, nil)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	scores, err := call.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(scores) != 0 {
		t.Fatalf("expected zero scores, got %v", scores)
	}
}

// S4: a tight deadline truncates a call through the public Predict API,
// leaving a residual that a later Predict call on the same Driver drains
// before serving its own items.
func TestPredictResidualDrainAcrossCalls(t *testing.T) {
	drv := newTestDriver(t, "slow-echo-len", engine.OpenConfig{NonBlocking: true})

	items := make([]any, 10)
	for i := range items {
		items[i] = "x"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	call, err := drv.Predict(ctx, "c", items, nil)
	cancel()
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	scores, err := call.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(scores) >= len(items) {
		t.Fatalf("expected the deadline to truncate the call, got all %d scores", len(scores))
	}
	if drv.Handle().EngineOwes() <= 0 {
		t.Fatal("expected a residual left on the handle after the truncated call")
	}

	call2, err := drv.Predict(context.Background(), "c", []any{"y", "zz"}, nil)
	if err != nil {
		t.Fatalf("second Predict: %v", err)
	}
	scores2, err := call2.All()
	if err != nil {
		t.Fatalf("second All: %v", err)
	}
	if len(scores2) != 2 {
		t.Fatalf("second call got %d scores, want 2: %v", len(scores2), scores2)
	}
	if drv.Handle().EngineOwes() != 0 {
		t.Fatalf("expected residual fully drained, EngineOwes() = %d", drv.Handle().EngineOwes())
	}
}

// S5: once the engine dies mid-call, the handle is poisoned and stays
// poisoned, but Close() still succeeds (it must be able to reap an
// already-gone child without erroring).
func TestPredictEngineDeathPoisonsHandleAndCloseStillSucceeds(t *testing.T) {
	drv := newTestDriver(t, "garbage-output", engine.OpenConfig{NonBlocking: false})

	call, err := drv.Predict(context.Background(), "c", []any{"a"}, nil)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if _, err := call.All(); err == nil {
		t.Fatal("expected an error from a malformed score line")
	}
	if drv.Err() == nil {
		t.Fatal("expected the handle to be poisoned after the engine misbehaved")
	}
	if err := drv.Close(); err != nil {
		t.Fatalf("Close on a poisoned handle should still succeed, got: %v", err)
	}
}

// Train round trip against a normal (read-back) handle.
func TestTrainRoundTrip(t *testing.T) {
	drv := newTestDriver(t, "echo-len", engine.OpenConfig{NonBlocking: true})

	items := []any{"a", "bb"}
	labels := []float64{1, 0}
	counters, err := drv.Train(context.Background(), "c", items, labels, nil, nil)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if counters.LinesWritten != int64(len(items)) {
		t.Fatalf("LinesWritten = %d, want %d", counters.LinesWritten, len(items))
	}
}

// Train against a write-only handle over the blocking scheduler must not
// poison the handle: there is no stdout to read scores back from, and
// Train never needs one.
func TestTrainOnWriteOnlyHandleDoesNotPoison(t *testing.T) {
	drv := newTestDriver(t, "echo-len", engine.OpenConfig{WriteOnly: true, NonBlocking: false})

	items := []any{"a", "bb", "ccc"}
	labels := []float64{1, 0, 1}
	counters, err := drv.Train(context.Background(), "c", items, labels, nil, nil)
	if err != nil {
		t.Fatalf("Train on a write-only handle should not error, got: %v", err)
	}
	if counters.LinesWritten != int64(len(items)) {
		t.Fatalf("LinesWritten = %d, want %d", counters.LinesWritten, len(items))
	}
	if drv.Err() != nil {
		t.Fatalf("write-only Train poisoned the handle: %v", drv.Err())
	}
}

// Train rejects mismatched items/labels lengths before touching the
// engine at all.
func TestTrainRejectsMismatchedLabels(t *testing.T) {
	drv := newTestDriver(t, "echo-len", engine.OpenConfig{NonBlocking: true})

	_, err := drv.Train(context.Background(), "c", []any{"a", "bb"}, []float64{1}, nil, nil)
	if err == nil {
		t.Fatal("expected an error for mismatched items/labels length")
	}
}

// Abandoning a Predict call early via Close must leave the pipe in a
// state where a second call on the same Driver still gets correct,
// non-interleaved scores, the same way a deadline-truncated call does.
func TestPredictCloseLeavesResidualForNextCall(t *testing.T) {
	drv := newTestDriver(t, "slow-echo-len", engine.OpenConfig{NonBlocking: true})

	items := make([]any, 10)
	for i := range items {
		items[i] = "x"
	}
	call, err := drv.Predict(context.Background(), "c", items, nil)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, ok := call.Next(); !ok {
			t.Fatalf("expected at least 2 scores before abandoning, got %d", i)
		}
	}
	if err := call.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if drv.Handle().EngineOwes() <= 0 {
		t.Fatal("expected the abandoned call to leave a residual on the handle")
	}

	call2, err := drv.Predict(context.Background(), "c", []any{"y", "zz"}, nil)
	if err != nil {
		t.Fatalf("second Predict: %v", err)
	}
	scores2, err := call2.All()
	if err != nil {
		t.Fatalf("second All: %v", err)
	}
	if len(scores2) != 2 {
		t.Fatalf("second call got %d scores, want 2: %v", len(scores2), scores2)
	}
	if drv.Handle().EngineOwes() != 0 {
		t.Fatalf("expected residual fully drained, EngineOwes() = %d", drv.Handle().EngineOwes())
	}
}

// Predict against an audit-mode handle fails with the distinct
// ErrAuditModeActive sentinel, not the generic ErrBadInput.
func TestPredictRejectsAuditModeHandle(t *testing.T) {
	drv := newTestDriver(t, "echo-len", engine.OpenConfig{NonBlocking: true, AuditMode: true})

	_, err := drv.Predict(context.Background(), "c", []any{"a"}, nil)
	if !errors.Is(err, engine.ErrAuditModeActive) {
		t.Fatalf("Predict on an audit-mode handle: got %v, want errors.Is(_, ErrAuditModeActive)", err)
	}
}

// ExplainLine against a non-audit-mode handle fails with the distinct
// ErrAuditModeInactive sentinel, not the generic ErrBadInput.
func TestExplainLineRejectsNonAuditModeHandle(t *testing.T) {
	drv := newTestDriver(t, "echo-len", engine.OpenConfig{NonBlocking: false})

	_, _, err := drv.ExplainLine("a", false)
	if !errors.Is(err, engine.ErrAuditModeInactive) {
		t.Fatalf("ExplainLine on a non-audit-mode handle: got %v, want errors.Is(_, ErrAuditModeInactive)", err)
	}
}

// Predict rejects a write-only handle outright.
func TestPredictRejectsWriteOnlyHandle(t *testing.T) {
	drv := newTestDriver(t, "echo-len", engine.OpenConfig{WriteOnly: true, NonBlocking: false})

	if _, err := drv.Predict(context.Background(), "c", []any{"a"}, nil); err == nil {
		t.Fatal("expected Predict to reject a write-only handle")
	}
}

// DetailedMetrics is empty unless the Driver opted in, and populated once
// it does.
func TestDetailedMetricsOptIn(t *testing.T) {
	withHelperEnv(t)
	cmd, args := enginetest.HelperCommand("echo-len")
	drv, err := New(Config{
		Engine:          engine.OpenConfig{Command: cmd, Args: args, NonBlocking: false},
		Formatter:       stringFormatter{},
		Options:         scheduler.Options{BatchSize: 2},
		DetailedMetrics: true,
	})
	if err != nil {
		t.Fatalf("driver.New: %v", err)
	}
	defer drv.Close()

	call, err := drv.Predict(context.Background(), "c", []any{"a", "bb"}, nil)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if _, err := call.All(); err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(call.DetailedMetrics()) == 0 {
		t.Fatal("expected a non-empty timeline once DetailedMetrics is opted into")
	}
}
