package driver

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/aigoflow/scoredriver/internal/audit"
	"github.com/aigoflow/scoredriver/internal/engine"
)

// ExplainLine submits one already-formatted engine input line in audit
// mode and returns its prediction plus the parsed per-feature breakdown,
// in the order the engine emitted it (spec.md §4.6, component F); call
// Record.Explain on it for a ranking. linkFunction must
// match whatever the engine was configured with: when true, the engine
// emits a third output line (the link-transformed score) that is read
// and discarded.
//
// ExplainLine cannot be interleaved with an in-flight Predict or Train
// call on the same Driver: the pipe must be fully drained first, or the
// read below will pick up stale output.
func (d *Driver) ExplainLine(line string, linkFunction bool) (float64, *audit.Record, error) {
	if !d.handle.AuditMode() {
		return 0, nil, fmt.Errorf("%w: driver not opened in audit mode", engine.ErrAuditModeInactive)
	}
	if owed := d.handle.EngineOwes(); owed > 0 {
		return 0, nil, fmt.Errorf("%w: %d unread lines outstanding, cannot explain synchronously", engine.ErrBadInput, owed)
	}
	if !d.handle.IsAlive() {
		return 0, nil, d.handle.Err()
	}

	clean := strings.TrimSpace(strings.ReplaceAll(line, "\n", ""))
	if _, err := d.handle.StdinFile().Write([]byte(clean + "\n")); err != nil {
		err = fmt.Errorf("%w: write explain line: %w", engine.ErrEngineGone, err)
		d.handle.Poison(err)
		return 0, nil, err
	}

	reader := bufio.NewReader(d.handle.StdoutFile())
	predictionLine, err := reader.ReadString('\n')
	if err != nil {
		err = fmt.Errorf("%w: read prediction line: %w", engine.ErrEngineGone, err)
		d.handle.Poison(err)
		return 0, nil, err
	}
	explainLine, err := reader.ReadString('\n')
	if err != nil {
		err = fmt.Errorf("%w: read explanation line: %w", engine.ErrEngineGone, err)
		d.handle.Poison(err)
		return 0, nil, err
	}
	if linkFunction {
		if _, err := reader.ReadString('\n'); err != nil {
			err = fmt.Errorf("%w: read link-function line: %w", engine.ErrEngineGone, err)
			d.handle.Poison(err)
			return 0, nil, err
		}
	}

	prediction, err := strconv.ParseFloat(strings.TrimSpace(predictionLine), 64)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: malformed prediction line %q: %w", engine.ErrEngineGone, predictionLine, err)
	}

	rec, err := audit.ParseLine(strings.TrimSpace(explainLine))
	if err != nil {
		return prediction, nil, err
	}
	return prediction, rec, nil
}
