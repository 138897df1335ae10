package dispatch

import "github.com/mattjoyce/loom/internal/protocol"

// WorkerEvent is one decoded message from a worker child. The closed event
// channel stands in for the process-exit event, so the set here covers every
// other message a job runner must handle.
type WorkerEvent interface {
	isWorkerEvent()
}

type EvTestBegin struct{ protocol.TestBeginParams }

type EvTestEnd struct{ protocol.TestEndParams }

type EvStdOut struct{ protocol.ChunkParams }

type EvStdErr struct{ protocol.ChunkParams }

type EvTeardownError struct{ protocol.TeardownErrorParams }

type EvDone struct{ protocol.DoneParams }

func (EvTestBegin) isWorkerEvent()     {}
func (EvTestEnd) isWorkerEvent()       {}
func (EvStdOut) isWorkerEvent()        {}
func (EvStdErr) isWorkerEvent()        {}
func (EvTeardownError) isWorkerEvent() {}
func (EvDone) isWorkerEvent()          {}
