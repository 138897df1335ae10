package runner

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/mattjoyce/loom/internal/model"
	"github.com/mattjoyce/loom/internal/protocol"
	"github.com/mattjoyce/loom/internal/suite"
)

// Attachment bodies up to this size are inlined on the wire; larger files
// are referenced by path only.
const maxInlineAttachment = 16 * 1024

// runEntries executes one run command. Every entry produces a
// testBegin/testEnd pair except the ones cut off by a stop or by an earlier
// unexpected outcome; the run always terminates in exactly one done.
func (w *workerRuntime) runEntries(ctx context.Context, params protocol.RunParams) {
	s := w.payload.Suites[params.File]
	if s == nil {
		w.send(protocol.MethodDone, protocol.DoneParams{
			FatalError: &protocol.SerializedError{Value: fmt.Sprintf("unknown suite file %q", params.File)},
		})
		return
	}

	for _, entry := range params.Entries {
		if w.stopRequested.Load() {
			break
		}

		ref, ok := w.payload.Tests[entry.TestID]
		if !ok || ref.File != params.File {
			w.send(protocol.MethodDone, protocol.DoneParams{
				FatalError: &protocol.SerializedError{Value: fmt.Sprintf("test %q is not in suite %q", entry.TestID, params.File)},
			})
			return
		}
		spec := s.FindTest(ref.ID)
		if spec == nil {
			w.send(protocol.MethodDone, protocol.DoneParams{
				FatalError: &protocol.SerializedError{Value: fmt.Sprintf("test %q missing from suite %q", ref.ID, s.Name)},
			})
			return
		}

		status := w.runTest(ctx, entry.TestID, spec, s)

		// An outcome the test did not expect poisons the worker: report it
		// and hand the rest of the group back for a fresh worker.
		if status != model.StatusSkipped && status != spec.Expect {
			w.send(protocol.MethodDone, protocol.DoneParams{FailedTestID: entry.TestID})
			return
		}
	}

	w.send(protocol.MethodDone, protocol.DoneParams{})
}

// runTest executes one test command and emits its begin/end events,
// returning the terminal status.
func (w *workerRuntime) runTest(ctx context.Context, testID string, spec *suite.TestSpec, s *suite.Suite) model.Status {
	start := time.Now()
	w.send(protocol.MethodTestBegin, protocol.TestBeginParams{
		TestID:        testID,
		WorkerIndex:   w.init.WorkerIndex,
		StartWallTime: start.UnixMilli(),
	})

	timeout := spec.Timeout.Std()
	if timeout == 0 {
		timeout = w.payload.DefaultTimeout
	}

	var (
		status  model.Status
		testErr *protocol.SerializedError
	)
	switch {
	case spec.Skip:
		status = model.StatusSkipped
	default:
		status, testErr = w.execCommand(ctx, testID, spec, s, timeout)
	}

	end := protocol.TestEndParams{
		TestID:         testID,
		Duration:       time.Since(start).Milliseconds(),
		Error:          testErr,
		Status:         string(status),
		ExpectedStatus: string(spec.Expect),
		Timeout:        timeout.Milliseconds(),
	}
	for _, a := range spec.Annotations {
		end.Annotations = append(end.Annotations, protocol.Annotation{Type: a.Type, Description: a.Description})
	}
	end.Attachments = w.collectArtifacts(spec)

	w.send(protocol.MethodTestEnd, end)
	return status
}

func (w *workerRuntime) execCommand(ctx context.Context, testID string, spec *suite.TestSpec, s *suite.Suite, timeout time.Duration) (model.Status, *protocol.SerializedError) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Cmd, spec.Args...)
	cmd.Dir = filepath.Dir(s.Path)
	cmd.Env = os.Environ()
	for k, v := range s.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env,
		"LOOM_TEST_ID="+testID,
		"LOOM_SCRATCH_DIR="+w.scratchDir,
	)
	cmd.Stdout = &chunkWriter{w: w, testID: testID, method: protocol.MethodStdOut}
	cmd.Stderr = &chunkWriter{w: w, testID: testID, method: protocol.MethodStdErr}

	err := cmd.Run()
	switch {
	case err == nil:
		return model.StatusPassed, nil
	case runCtx.Err() == context.DeadlineExceeded:
		return model.StatusTimedOut, &protocol.SerializedError{
			Value: fmt.Sprintf("test timed out after %v", timeout),
		}
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return model.StatusFailed, &protocol.SerializedError{
				Value: fmt.Sprintf("%s exited with code %d", spec.Cmd, exitErr.ExitCode()),
			}
		}
		// The command never started. The caller turns this failure into a
		// worker restart like any other unexpected outcome.
		return model.StatusFailed, &protocol.SerializedError{
			Value: fmt.Sprintf("start %s: %v", spec.Cmd, err),
		}
	}
}

// collectArtifacts gathers the files a test declared. Relative paths are
// resolved against the scratch dir the test ran with.
func (w *workerRuntime) collectArtifacts(spec *suite.TestSpec) []protocol.AttachmentPayload {
	var out []protocol.AttachmentPayload
	for _, a := range spec.Artifacts {
		path := a.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(w.scratchDir, path)
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}

		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		payload := protocol.AttachmentPayload{
			Name:        a.Name,
			Path:        path,
			ContentType: contentType,
		}
		if info.Size() <= maxInlineAttachment {
			if body, err := os.ReadFile(path); err == nil {
				payload.Body = base64.StdEncoding.EncodeToString(body)
			}
		}
		out = append(out, payload)
	}
	return out
}

// chunkWriter streams captured output as stdOut/stdErr events. Text is sent
// as-is; bytes that are not valid UTF-8 travel base64-encoded.
type chunkWriter struct {
	w      *workerRuntime
	testID string
	method string
}

func (cw *chunkWriter) Write(p []byte) (int, error) {
	params := protocol.ChunkParams{TestID: cw.testID}
	if utf8.Valid(p) {
		params.Text = string(p)
	} else {
		params.Buffer = base64.StdEncoding.EncodeToString(p)
	}
	cw.w.send(cw.method, params)
	return len(p), nil
}
