// Package report defines the reporter contract the dispatcher emits test
// lifecycle events through, plus the bundled implementations: console
// output, run history recording and the event-hub bridge.
package report

import (
	"github.com/mattjoyce/loom/internal/model"
)

//go:generate mockgen -destination=mocks/mock_reporter.go -package=mocks github.com/mattjoyce/loom/internal/report Reporter

// Reporter consumes test lifecycle events. All callbacks for one worker are
// invoked in that worker's emission order; callbacks across workers may
// interleave, so implementations must be safe for concurrent use.
type Reporter interface {
	OnTestBegin(test *model.TestCase)
	OnTestEnd(test *model.TestCase, result *model.TestResult)
	OnStdOut(chunk model.Chunk, test *model.TestCase)
	OnStdErr(chunk model.Chunk, test *model.TestCase)
	OnError(err error)
}

// Nop is a Reporter that ignores everything. Embed it to implement only the
// callbacks a reporter cares about.
type Nop struct{}

func (Nop) OnTestBegin(*model.TestCase)                  {}
func (Nop) OnTestEnd(*model.TestCase, *model.TestResult) {}
func (Nop) OnStdOut(model.Chunk, *model.TestCase)        {}
func (Nop) OnStdErr(model.Chunk, *model.TestCase)        {}
func (Nop) OnError(error)                                {}

// Multi fans every event out to each wrapped reporter in order.
type Multi []Reporter

func (m Multi) OnTestBegin(test *model.TestCase) {
	for _, r := range m {
		r.OnTestBegin(test)
	}
}

func (m Multi) OnTestEnd(test *model.TestCase, result *model.TestResult) {
	for _, r := range m {
		r.OnTestEnd(test, result)
	}
}

func (m Multi) OnStdOut(chunk model.Chunk, test *model.TestCase) {
	for _, r := range m {
		r.OnStdOut(chunk, test)
	}
}

func (m Multi) OnStdErr(chunk model.Chunk, test *model.TestCase) {
	for _, r := range m {
		r.OnStdErr(chunk, test)
	}
}

func (m Multi) OnError(err error) {
	for _, r := range m {
		r.OnError(err)
	}
}
