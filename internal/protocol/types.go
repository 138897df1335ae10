// Package protocol defines the wire format spoken between the dispatcher and
// worker subprocesses. Every message is a {method, params} envelope carried
// as one JSON document per line over the worker's dedicated IPC pipes.
package protocol

import "encoding/json"

// Methods sent from the dispatcher to a worker.
const (
	MethodInit = "init"
	MethodRun  = "run"
	MethodStop = "stop"
)

// Methods sent from a worker to the dispatcher.
const (
	MethodReady         = "ready"
	MethodTestBegin     = "testBegin"
	MethodTestEnd       = "testEnd"
	MethodStdOut        = "stdOut"
	MethodStdErr        = "stdErr"
	MethodTeardownError = "teardownError"
	MethodDone          = "done"
)

// Message is the envelope for every IPC message in either direction.
type Message struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// DecodeParams unmarshals the message params into the given struct.
func (m *Message) DecodeParams(into any) error {
	if len(m.Params) == 0 {
		return nil
	}
	return json.Unmarshal(m.Params, into)
}

// InitParams is the first message sent to a freshly spawned worker. The
// worker replies with a single ready acknowledgement before any run is sent.
type InitParams struct {
	WorkerIndex     int             `json:"workerIndex"`
	RepeatEachIndex int             `json:"repeatEachIndex"`
	ProjectIndex    int             `json:"projectIndex"`
	Loader          json.RawMessage `json:"loader"`
}

// RunEntry names one test to execute and which attempt this is.
type RunEntry struct {
	TestID string `json:"testId"`
	Retry  int    `json:"retry"`
}

// RunParams asks the worker to execute the listed tests from one suite file.
// The worker streams test events back, terminating in done.
type RunParams struct {
	File    string     `json:"file"`
	Entries []RunEntry `json:"entries"`
}

// SerializedError crosses the wire inside done and testEnd payloads.
type SerializedError struct {
	Value string `json:"value"`
	Stack string `json:"stack,omitempty"`
}

// TestBeginParams announces that a test started executing.
type TestBeginParams struct {
	TestID        string `json:"testId"`
	WorkerIndex   int    `json:"workerIndex"`
	StartWallTime int64  `json:"startWallTime"` // unix milliseconds
}

// AttachmentPayload is one artifact reported with a testEnd. Body, when
// present, is base64-encoded.
type AttachmentPayload struct {
	Name        string `json:"name"`
	Path        string `json:"path,omitempty"`
	ContentType string `json:"contentType"`
	Body        string `json:"body,omitempty"`
}

// Annotation mirrors model.Annotation on the wire.
type Annotation struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// TestEndParams carries the terminal state of one test attempt.
type TestEndParams struct {
	TestID         string              `json:"testId"`
	Duration       int64               `json:"duration"` // milliseconds
	Error          *SerializedError    `json:"error,omitempty"`
	Attachments    []AttachmentPayload `json:"attachments,omitempty"`
	Status         string              `json:"status"`
	ExpectedStatus string              `json:"expectedStatus"`
	Annotations    []Annotation        `json:"annotations,omitempty"`
	Timeout        int64               `json:"timeout"` // milliseconds
}

// ChunkParams is one piece of captured test output. Exactly one of Text or
// Buffer is present; Buffer is base64-encoded.
type ChunkParams struct {
	TestID string `json:"testId,omitempty"`
	Text   string `json:"text,omitempty"`
	Buffer string `json:"buffer,omitempty"`
}

// TeardownErrorParams reports a non-fatal error during worker teardown.
type TeardownErrorParams struct {
	Error SerializedError `json:"error"`
}

// DoneParams terminates the current run. A clean finish carries neither
// field; FailedTestID attributes a mid-flight failure to one test;
// FatalError aborts the remainder of the group.
type DoneParams struct {
	FailedTestID string           `json:"failedTestId,omitempty"`
	FatalError   *SerializedError `json:"fatalError,omitempty"`
}
