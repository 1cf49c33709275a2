package driver

import (
	"testing"

	"github.com/aigoflow/scoredriver/internal/enginetest"
)

// TestDispatchHelperProcess is the entry point -test.run targets to turn
// this test binary into a fake engine subprocess (see internal/enginetest).
func TestDispatchHelperProcess(t *testing.T) {
	enginetest.RunHelperProcess()
}
