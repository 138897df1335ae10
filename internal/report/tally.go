package report

import (
	"sync"

	"github.com/mattjoyce/loom/internal/model"
)

// Tally counts terminal attempts by status. It backs the status API and the
// run's exit disposition.
type Tally struct {
	Nop

	mu         sync.Mutex
	passed     int
	failed     int
	skipped    int
	unexpected int
}

func (t *Tally) OnTestEnd(test *model.TestCase, result *model.TestResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch result.Status {
	case model.StatusPassed:
		t.passed++
	case model.StatusSkipped:
		t.skipped++
	default:
		t.failed++
	}
	if result.Status != model.StatusSkipped && result.Status != test.ExpectedStatus {
		t.unexpected++
	}
}

// Counts returns the totals so far.
func (t *Tally) Counts() (passed, failed, skipped int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.passed, t.failed, t.skipped
}

// Unexpected returns the number of attempts that ended with a status the
// test did not expect.
func (t *Tally) Unexpected() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unexpected
}
