package report

import (
	"github.com/mattjoyce/loom/internal/events"
	"github.com/mattjoyce/loom/internal/model"
)

// HubBridge publishes lifecycle events onto the in-process hub so the status
// API and the watch TUI can stream them.
type HubBridge struct {
	Nop
	hub *events.Hub
}

// NewHubBridge wraps the hub as a reporter.
func NewHubBridge(hub *events.Hub) *HubBridge {
	return &HubBridge{hub: hub}
}

func (b *HubBridge) OnTestBegin(test *model.TestCase) {
	workerIndex := -1
	if n := len(test.Results); n > 0 {
		workerIndex = test.Results[n-1].WorkerIndex
	}
	b.hub.Publish(events.TypeTestBegin, map[string]any{
		"test_id": test.ID,
		"name":    test.Name,
		"suite":   test.SuiteName,
		"attempt": len(test.Results),
		"worker":  workerIndex,
	})
}

func (b *HubBridge) OnTestEnd(test *model.TestCase, result *model.TestResult) {
	data := map[string]any{
		"test_id":     test.ID,
		"name":        test.Name,
		"suite":       test.SuiteName,
		"attempt":     len(test.Results),
		"worker":      result.WorkerIndex,
		"status":      string(result.Status),
		"expected":    string(test.ExpectedStatus),
		"duration_ms": result.Duration.Milliseconds(),
	}
	if result.Error != nil {
		data["error"] = result.Error.Value
	}
	b.hub.Publish(events.TypeTestEnd, data)
}

func (b *HubBridge) OnError(err error) {
	b.hub.Publish(events.TypeRunError, map[string]any{
		"error": err.Error(),
	})
}
