package formatter

import "fmt"

// Dummy assumes both the common features and item features arguments are
// already formatted engine-input-format strings, and passes them through
// unchanged.
type Dummy struct{}

func (Dummy) Common(ctx any, _ DebugSink) (string, error) {
	s, ok := ctx.(string)
	if !ok {
		return "", fmt.Errorf("%w: dummy formatter expects a string context, got %T", ErrFormat, ctx)
	}
	return s, nil
}

func (Dummy) Item(_ any, item any, _ DebugSink) (string, error) {
	s, ok := item.(string)
	if !ok {
		return "", fmt.Errorf("%w: dummy formatter expects a string item, got %T", ErrFormat, item)
	}
	return s, nil
}
