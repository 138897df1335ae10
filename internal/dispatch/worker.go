package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/mattjoyce/loom/internal/log"
	"github.com/mattjoyce/loom/internal/model"
	"github.com/mattjoyce/loom/internal/protocol"
)

// terminationGracePeriod is the time a stopped worker gets to exit on its
// own before it is killed.
const terminationGracePeriod = 10 * time.Second

// workerHandle is what the pool and job runners need from a worker. The
// concrete implementation spawns a real subprocess; tests substitute a
// scripted fake.
type workerHandle interface {
	Index() int
	Hash() string
	Init(ctx context.Context, g *model.TestGroup) error
	Run(file string, entries []protocol.RunEntry)
	Stop()
	DidSendStop() bool
	// Events delivers the worker's inbound messages in emission order. The
	// channel closes when the child process has exited and every buffered
	// message has been delivered; closure is the exit event.
	Events() <-chan WorkerEvent
	// Exited closes after the child process is gone.
	Exited() <-chan struct{}
}

// workerOptions carries everything a spawned worker needs besides its index.
type workerOptions struct {
	ExecPath string
	Args     []string
	Debug    bool
	Loader   []byte
}

// worker owns one child process. It translates IPC messages into typed
// events and holds no scheduling state beyond the compatibility hash bound
// at init.
type worker struct {
	index int
	hash  string
	opts  workerOptions

	cmd  *exec.Cmd
	conn *protocol.Conn
	cmdW *os.File
	evR  *os.File

	events chan WorkerEvent
	ack    chan struct{}
	exited chan struct{}

	didSendStop atomic.Bool
	stopOnce    sync.Once

	logger *slog.Logger
}

// newWorker spawns the child process and starts pumping its events. The
// returned worker has no hash yet; Init binds it.
func newWorker(index int, opts workerOptions) (workerHandle, error) {
	// Child reads commands on fd 3 and writes events on fd 4. A dedicated
	// channel keeps test output off the stdio pipes, whose buffering would
	// slow down termination.
	cmdR, cmdW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create command pipe: %w", err)
	}
	evR, evW, err := os.Pipe()
	if err != nil {
		cmdR.Close()
		cmdW.Close()
		return nil, fmt.Errorf("create event pipe: %w", err)
	}

	cmd := exec.Command(opts.ExecPath, opts.Args...)
	cmd.ExtraFiles = []*os.File{cmdR, evW}

	tty := "0"
	if isatty.IsTerminal(os.Stdout.Fd()) {
		tty = "1"
	}
	cmd.Env = append(os.Environ(),
		"FORCE_COLOR="+tty,
		"DEBUG_COLORS="+tty,
		fmt.Sprintf("TEST_WORKER_INDEX=%d", index),
	)
	if opts.Debug {
		cmd.Stderr = os.Stderr
	}

	w := &worker{
		index:  index,
		opts:   opts,
		cmd:    cmd,
		cmdW:   cmdW,
		evR:    evR,
		conn:   protocol.NewConn(evR, cmdW),
		events: make(chan WorkerEvent, 256),
		ack:    make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
	w.logger = log.WithWorker(index)

	if err := cmd.Start(); err != nil {
		cmdR.Close()
		cmdW.Close()
		evR.Close()
		evW.Close()
		return nil, fmt.Errorf("start worker process: %w", err)
	}
	// The child holds its own copies now.
	cmdR.Close()
	evW.Close()

	readerDone := make(chan struct{})
	go w.readLoop(readerDone)
	go w.waitLoop(readerDone)

	return w, nil
}

// readLoop pumps decoded messages into the event channel. The first inbound
// message is the init acknowledgement and is consumed here, not re-emitted.
func (w *worker) readLoop(done chan<- struct{}) {
	defer close(done)

	first := true
	for {
		msg, err := w.conn.Recv()
		if err != nil {
			// EOF when the child exits; anything else means the stream is
			// corrupt and unusable either way.
			return
		}
		if first {
			first = false
			select {
			case w.ack <- struct{}{}:
			default:
			}
			continue
		}

		ev, err := decodeEvent(msg)
		if err != nil {
			w.logger.Warn("dropping malformed worker message", "method", msg.Method, "error", err)
			continue
		}
		if ev != nil {
			w.events <- ev
		}
	}
}

func decodeEvent(msg *protocol.Message) (WorkerEvent, error) {
	switch msg.Method {
	case protocol.MethodTestBegin:
		var p protocol.TestBeginParams
		if err := msg.DecodeParams(&p); err != nil {
			return nil, err
		}
		return EvTestBegin{p}, nil
	case protocol.MethodTestEnd:
		var p protocol.TestEndParams
		if err := msg.DecodeParams(&p); err != nil {
			return nil, err
		}
		return EvTestEnd{p}, nil
	case protocol.MethodStdOut:
		var p protocol.ChunkParams
		if err := msg.DecodeParams(&p); err != nil {
			return nil, err
		}
		return EvStdOut{p}, nil
	case protocol.MethodStdErr:
		var p protocol.ChunkParams
		if err := msg.DecodeParams(&p); err != nil {
			return nil, err
		}
		return EvStdErr{p}, nil
	case protocol.MethodTeardownError:
		var p protocol.TeardownErrorParams
		if err := msg.DecodeParams(&p); err != nil {
			return nil, err
		}
		return EvTeardownError{p}, nil
	case protocol.MethodDone:
		var p protocol.DoneParams
		if err := msg.DecodeParams(&p); err != nil {
			return nil, err
		}
		return EvDone{p}, nil
	default:
		return nil, nil
	}
}

// waitLoop reaps the child and, once the reader has drained the pipe,
// signals exit by closing the event channel.
func (w *worker) waitLoop(readerDone <-chan struct{}) {
	err := w.cmd.Wait()
	<-readerDone

	if err != nil && !w.didSendStop.Load() {
		w.logger.Debug("worker process exited", "error", err)
	}
	w.evR.Close()
	w.cmdW.Close()
	close(w.events)
	close(w.exited)
}

func (w *worker) Index() int { return w.index }

func (w *worker) Hash() string { return w.hash }

// Init binds the worker to the group's compatibility hash and sends the init
// message, then waits for the child's ready acknowledgement. An early child
// death completes Init as well; the job runner observes the exit next.
func (w *worker) Init(ctx context.Context, g *model.TestGroup) error {
	w.hash = g.WorkerHash

	w.send(protocol.MethodInit, protocol.InitParams{
		WorkerIndex:     w.index,
		RepeatEachIndex: g.RepeatEachIndex,
		ProjectIndex:    g.ProjectIndex,
		Loader:          w.opts.Loader,
	})

	select {
	case <-w.ack:
		return nil
	case <-w.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run asks the worker to execute the listed entries from one suite file.
// Responses arrive as streaming events terminating in done.
func (w *worker) Run(file string, entries []protocol.RunEntry) {
	w.send(protocol.MethodRun, protocol.RunParams{File: file, Entries: entries})
}

// Stop requests graceful teardown. Idempotent; the first call latches
// didSendStop so the exit handler can tell an intentional stop from a crash.
func (w *worker) Stop() {
	w.stopOnce.Do(func() {
		w.didSendStop.Store(true)
		w.send(protocol.MethodStop, nil)

		go func() {
			grace := time.NewTimer(terminationGracePeriod)
			defer grace.Stop()
			select {
			case <-w.exited:
			case <-grace.C:
				w.logger.Warn("worker did not exit after stop, killing")
				if w.cmd.Process != nil {
					_ = w.cmd.Process.Kill()
				}
			}
		}()
	})
}

func (w *worker) DidSendStop() bool {
	return w.didSendStop.Load()
}

func (w *worker) Events() <-chan WorkerEvent { return w.events }

func (w *worker) Exited() <-chan struct{} { return w.exited }

// send writes one message, swallowing errors: a send to a terminated child
// must not raise above the handle.
func (w *worker) send(method string, params any) {
	if err := w.conn.Send(method, params); err != nil {
		w.logger.Debug("send to worker failed", "method", method, "error", err)
	}
}
