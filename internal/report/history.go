package report

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/loom/internal/log"
	"github.com/mattjoyce/loom/internal/model"
)

// History records completed attempts into the run-history database. Failures
// to write are logged, never surfaced: history is an observer, not a
// participant.
type History struct {
	Nop

	mu    sync.Mutex
	db    *sql.DB
	runID string

	total        int
	failed       int
	skipped      int
	workerErrors int
}

// NewHistory opens a run record and returns the reporter feeding it.
func NewHistory(ctx context.Context, db *sql.DB) (*History, error) {
	h := &History{
		db:    db,
		runID: uuid.NewString(),
	}
	_, err := db.ExecContext(ctx, `
INSERT INTO runs(id, started_at) VALUES(?, ?);
`, h.runID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	return h, nil
}

// RunID identifies the run record this reporter writes to.
func (h *History) RunID() string {
	return h.runID
}

func (h *History) OnTestEnd(test *model.TestCase, result *model.TestResult) {
	h.mu.Lock()
	h.total++
	switch result.Status {
	case model.StatusSkipped:
		h.skipped++
	case test.ExpectedStatus:
	default:
		h.failed++
	}
	attempt := len(test.Results)
	h.mu.Unlock()

	var errText any
	if result.Error != nil {
		errText = result.Error.Value
	}

	_, err := h.db.Exec(`
INSERT INTO results(
  id, run_id, test_id, test_name, suite, attempt, status, expected,
  duration_ms, error, worker_index, started_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, uuid.NewString(), h.runID, test.ID, test.Name, test.SuiteName, attempt,
		string(result.Status), string(test.ExpectedStatus),
		result.Duration.Milliseconds(), errText, result.WorkerIndex,
		result.StartTime.UTC().Format(time.RFC3339Nano))
	if err != nil {
		log.WithComponent("history").Error("failed to record result", "test_id", test.ID, "error", err)
	}
}

func (h *History) OnError(err error) {
	h.mu.Lock()
	h.workerErrors++
	h.mu.Unlock()
}

// Finish closes out the run record with the accumulated totals.
func (h *History) Finish(ctx context.Context) error {
	h.mu.Lock()
	total, failed, skipped, workerErrors := h.total, h.failed, h.skipped, h.workerErrors
	h.mu.Unlock()

	_, err := h.db.ExecContext(ctx, `
UPDATE runs
SET finished_at = ?, total = ?, failed = ?, skipped = ?, worker_errors = ?
WHERE id = ?;
`, time.Now().UTC().Format(time.RFC3339Nano), total, failed, skipped, workerErrors, h.runID)
	return err
}
