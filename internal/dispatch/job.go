package dispatch

import (
	"encoding/base64"
	"time"

	"github.com/mattjoyce/loom/internal/model"
	"github.com/mattjoyce/loom/internal/protocol"
)

// job runs one group on one worker: it subscribes to the worker's events,
// tracks which tests are still unaccounted for, and applies the terminal
// policy when the worker reports done or dies.
type job struct {
	d *Dispatcher
	w workerHandle
	g *model.TestGroup

	// remaining holds the group's tests not yet closed by a testEnd, in
	// group order.
	remaining     []*model.TestCase
	lastStartedID string
}

// runJob blocks until the job reaches a terminal event. The worker has been
// claimed by the caller; the job either releases it (clean finish) or stops
// it (everything else).
func (d *Dispatcher) runJob(w workerHandle, g *model.TestGroup) {
	j := &job{
		d:         d,
		w:         w,
		g:         g,
		remaining: append([]*model.TestCase(nil), g.Tests...),
	}

	entries := make([]protocol.RunEntry, len(g.Tests))
	for i, t := range g.Tests {
		entries[i] = protocol.RunEntry{TestID: t.ID, Retry: len(t.Results) - 1}
	}
	w.Run(g.RequireFile, entries)

	for {
		ev, ok := <-w.Events()
		if !ok {
			// The process died. A latched stop means we asked for this;
			// anything else is a crash that takes the group down with it.
			var done protocol.DoneParams
			if !w.DidSendStop() {
				done.FatalError = &protocol.SerializedError{Value: "Worker process exited unexpectedly"}
			}
			j.onDone(done)
			return
		}

		switch e := ev.(type) {
		case EvTestBegin:
			j.onTestBegin(e.TestBeginParams)
		case EvTestEnd:
			j.onTestEnd(e.TestEndParams)
		case EvStdOut:
			j.onChunk(e.ChunkParams, false)
		case EvStdErr:
			j.onChunk(e.ChunkParams, true)
		case EvTeardownError:
			j.onTeardownError(e.TeardownErrorParams)
		case EvDone:
			j.onDone(e.DoneParams)
			return
		}
	}
}

func (j *job) onTestBegin(p protocol.TestBeginParams) {
	j.lastStartedID = p.TestID

	if j.d.hasReachedMaxFailures() {
		return
	}
	test, result, ok := j.d.registry.get(p.TestID)
	if !ok {
		return
	}
	result.WorkerIndex = p.WorkerIndex
	result.StartTime = time.UnixMilli(p.StartWallTime)
	j.d.reporter.OnTestBegin(test)
}

func (j *job) onTestEnd(p protocol.TestEndParams) {
	j.removeRemaining(p.TestID)

	if j.d.hasReachedMaxFailures() {
		return
	}
	test, result, ok := j.d.registry.get(p.TestID)
	if !ok {
		return
	}

	result.Duration = time.Duration(p.Duration) * time.Millisecond
	result.Status = model.Status(p.Status)
	if p.Error != nil {
		result.Error = &model.TestError{Value: p.Error.Value, Stack: p.Error.Stack}
	}
	result.Attachments = decodeAttachments(p.Attachments)

	test.ExpectedStatus = model.Status(p.ExpectedStatus)
	test.Timeout = time.Duration(p.Timeout) * time.Millisecond
	if len(p.Annotations) > 0 {
		test.Annotations = test.Annotations[:0]
		for _, a := range p.Annotations {
			test.Annotations = append(test.Annotations, model.Annotation{Type: a.Type, Description: a.Description})
		}
	}

	j.d.reportTestEnd(test, result)
}

func (j *job) onChunk(p protocol.ChunkParams, stderr bool) {
	chunk, err := decodeChunk(p)
	if err != nil {
		j.d.logger.Warn("dropping undecodable output chunk", "test_id", p.TestID, "error", err)
		return
	}

	var test *model.TestCase
	if p.TestID != "" {
		if t, result, ok := j.d.registry.get(p.TestID); ok {
			test = t
			if stderr {
				result.Stderr = append(result.Stderr, chunk)
			} else {
				result.Stdout = append(result.Stdout, chunk)
			}
		}
	}

	if stderr {
		j.d.reporter.OnStdErr(chunk, test)
	} else {
		j.d.reporter.OnStdOut(chunk, test)
	}
}

func (j *job) onTeardownError(p protocol.TeardownErrorParams) {
	j.d.markWorkerErrors()
	j.d.reporter.OnError(&model.TestError{Value: p.Error.Value, Stack: p.Error.Stack})
}

// onDone applies the terminal policy.
func (j *job) onDone(p protocol.DoneParams) {
	// Clean finish: the worker is trusted to run more groups.
	if p.FailedTestID == "" && p.FatalError == nil && len(j.remaining) == 0 {
		j.d.pool.release(j.w)
		return
	}

	// Everything else discards the worker.
	j.w.Stop()

	var failedTestIDs []string
	if p.FatalError != nil {
		fatal := &model.TestError{Value: p.FatalError.Value, Stack: p.FatalError.Stack}
		failedTestIDs = j.d.terminalizeRemaining(j.remaining, fatal, j.w.Index(), j.lastStartedID)
		// Under a fatal error nothing from this group is left to run.
		j.remaining = nil
	} else if p.FailedTestID != "" {
		failedTestIDs = append(failedTestIDs, p.FailedTestID)
	}

	// Retry selection. Only tests expected to pass are retried: a test
	// expected to fail that did fail needs no second opinion, and a test
	// that was skipped never ran at all.
	for _, id := range failedTestIDs {
		test, result, ok := j.d.registry.get(id)
		if !ok {
			continue
		}
		if j.d.isStopped() {
			continue
		}
		if result.Status == model.StatusSkipped {
			continue
		}
		if test.ExpectedStatus != model.StatusPassed {
			continue
		}
		if len(test.Results) >= test.Retries+1 {
			continue
		}
		if _, ok := j.d.registry.rebind(id); !ok {
			continue
		}
		j.remaining = append([]*model.TestCase{test}, j.remaining...)
	}

	if len(j.remaining) > 0 {
		j.d.queue.pushFront(j.g.Remake(j.remaining))
	}
}

func (j *job) removeRemaining(id string) {
	for i, t := range j.remaining {
		if t.ID == id {
			j.remaining = append(j.remaining[:i], j.remaining[i+1:]...)
			return
		}
	}
}

// terminalizeRemaining closes out tests a dead worker will never run: the
// first in group order is reported failed with the fatal error, the rest
// skipped. Tests the worker never announced get a synthesized begin so the
// reporter sees a coherent lifecycle. The iteration ends early once
// fail-fast trips. Returns the ids it closed, in order.
func (d *Dispatcher) terminalizeRemaining(tests []*model.TestCase, fatal *model.TestError, workerIndex int, lastStartedID string) []string {
	var closed []string
	first := true
	for _, test := range tests {
		if d.hasReachedMaxFailures() {
			break
		}
		_, result, ok := d.registry.get(test.ID)
		if !ok {
			continue
		}

		if test.ID != lastStartedID {
			result.WorkerIndex = workerIndex
			result.StartTime = time.Now()
			d.reporter.OnTestBegin(test)
		}

		result.Error = fatal
		if first {
			result.Status = model.StatusFailed
		} else {
			result.Status = model.StatusSkipped
		}
		first = false

		d.reportTestEnd(test, result)
		closed = append(closed, test.ID)
	}
	return closed
}

func decodeChunk(p protocol.ChunkParams) (model.Chunk, error) {
	if p.Buffer != "" {
		b, err := base64.StdEncoding.DecodeString(p.Buffer)
		if err != nil {
			return model.Chunk{}, err
		}
		return model.Chunk{Bytes: b}, nil
	}
	return model.Chunk{Text: p.Text}, nil
}

func decodeAttachments(payloads []protocol.AttachmentPayload) []model.Attachment {
	if len(payloads) == 0 {
		return nil
	}
	out := make([]model.Attachment, 0, len(payloads))
	for _, a := range payloads {
		att := model.Attachment{
			Name:        a.Name,
			Path:        a.Path,
			ContentType: a.ContentType,
		}
		if a.Body != "" {
			if b, err := base64.StdEncoding.DecodeString(a.Body); err == nil {
				att.Body = b
			}
		}
		out = append(out, att)
	}
	return out
}
