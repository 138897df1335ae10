// Package runner is the worker side of the dispatch protocol: the loop a
// worker subprocess runs from init to exit. It resolves run entries against
// the loader image received at init and executes each test's command,
// streaming progress back over the IPC channel.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/mattjoyce/loom/internal/log"
	"github.com/mattjoyce/loom/internal/protocol"
	"github.com/mattjoyce/loom/internal/suite"
)

// The dispatcher hands the child its IPC channel on these descriptors.
const (
	commandFD = 3
	eventFD   = 4
)

// Main runs the worker loop until the dispatcher asks it to stop or the
// command pipe closes. It is invoked by the hidden "worker" subcommand.
func Main(ctx context.Context) error {
	in := os.NewFile(commandFD, "loom-commands")
	out := os.NewFile(eventFD, "loom-events")
	if in == nil || out == nil {
		return fmt.Errorf("worker IPC descriptors missing; not spawned by a dispatcher")
	}
	defer in.Close()
	defer out.Close()

	w := &workerRuntime{
		conn:   protocol.NewConn(in, out),
		logger: log.WithComponent("worker"),
	}
	return w.run(ctx)
}

type workerRuntime struct {
	conn    *protocol.Conn
	logger  *slog.Logger
	init    protocol.InitParams
	payload *suite.Payload

	scratchDir    string
	stopRequested atomic.Bool
}

func (w *workerRuntime) run(ctx context.Context) error {
	msg, err := w.conn.Recv()
	if err != nil {
		return fmt.Errorf("read init message: %w", err)
	}
	if msg.Method != protocol.MethodInit {
		return fmt.Errorf("expected init, got %q", msg.Method)
	}
	if err := msg.DecodeParams(&w.init); err != nil {
		return fmt.Errorf("decode init params: %w", err)
	}
	w.logger = w.logger.With("worker", w.init.WorkerIndex)

	w.payload, err = suite.DeserializePayload(w.init.Loader)
	if err != nil {
		return err
	}

	w.scratchDir, err = os.MkdirTemp("", "loom-worker-")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer w.teardown()

	// Ready acknowledgement; the dispatcher holds the run until it lands.
	w.send(protocol.MethodReady, nil)

	msgs := make(chan *protocol.Message, 4)
	go func() {
		defer close(msgs)
		for {
			m, err := w.conn.Recv()
			if err != nil {
				return
			}
			// The latch must flip as soon as stop arrives, even while a
			// run is draining entries.
			if m.Method == protocol.MethodStop {
				w.stopRequested.Store(true)
			}
			msgs <- m
		}
	}()

	for m := range msgs {
		switch m.Method {
		case protocol.MethodRun:
			var params protocol.RunParams
			if err := m.DecodeParams(&params); err != nil {
				w.send(protocol.MethodDone, protocol.DoneParams{
					FatalError: &protocol.SerializedError{Value: fmt.Sprintf("decode run params: %v", err)},
				})
				continue
			}
			w.runEntries(ctx, params)
		case protocol.MethodStop:
			return nil
		default:
			w.logger.Warn("ignoring unknown command", "method", m.Method)
		}
	}
	// Command pipe closed: the dispatcher is gone.
	return nil
}

// teardown removes the scratch dir; failures are reported, not fatal.
func (w *workerRuntime) teardown() {
	if w.scratchDir == "" {
		return
	}
	if err := os.RemoveAll(w.scratchDir); err != nil {
		w.send(protocol.MethodTeardownError, protocol.TeardownErrorParams{
			Error: protocol.SerializedError{Value: fmt.Sprintf("remove scratch dir: %v", err)},
		})
	}
}

// send writes one event, swallowing errors: if the dispatcher is gone there
// is nobody left to tell.
func (w *workerRuntime) send(method string, params any) {
	if err := w.conn.Send(method, params); err != nil {
		w.logger.Debug("send to dispatcher failed", "method", method, "error", err)
	}
}
