package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/loom/internal/model"
	"github.com/mattjoyce/loom/internal/protocol"
	"github.com/mattjoyce/loom/internal/report"
)

// fakeLoader satisfies Loader without touching the filesystem.
type fakeLoader struct {
	workers     int
	maxFailures int
}

func (l *fakeLoader) FullConfig() (int, int) {
	return l.workers, l.maxFailures
}

func (l *fakeLoader) Serialize() ([]byte, error) {
	return []byte(`{}`), nil
}

// fakeWorker is a scripted stand-in for a worker subprocess. Its script runs
// when the job sends run; Stop leads to a graceful exit once the script has
// finished emitting, and crash simulates the process dying mid-flight.
type fakeWorker struct {
	index  int
	hash   string
	script func(f *fakeWorker, file string, entries []protocol.RunEntry)

	events chan WorkerEvent
	exited chan struct{}
	stopC  chan struct{}

	scripts  sync.WaitGroup
	didStop  atomic.Bool
	stopOnce sync.Once
	exitOnce sync.Once
}

func newFakeWorker(index int, script func(f *fakeWorker, file string, entries []protocol.RunEntry)) *fakeWorker {
	f := &fakeWorker{
		index:  index,
		script: script,
		events: make(chan WorkerEvent, 64),
		exited: make(chan struct{}),
		stopC:  make(chan struct{}),
	}
	go func() {
		<-f.stopC
		// Let an in-flight script finish emitting before the channel
		// closes out from under it.
		f.scripts.Wait()
		f.exit()
	}()
	return f
}

func (f *fakeWorker) Index() int   { return f.index }
func (f *fakeWorker) Hash() string { return f.hash }

func (f *fakeWorker) Init(ctx context.Context, g *model.TestGroup) error {
	f.hash = g.WorkerHash
	return nil
}

func (f *fakeWorker) Run(file string, entries []protocol.RunEntry) {
	f.scripts.Add(1)
	go func() {
		defer f.scripts.Done()
		if f.script != nil {
			f.script(f, file, entries)
		}
	}()
}

func (f *fakeWorker) Stop() {
	f.stopOnce.Do(func() {
		f.didStop.Store(true)
		close(f.stopC)
	})
}

func (f *fakeWorker) DidSendStop() bool          { return f.didStop.Load() }
func (f *fakeWorker) Events() <-chan WorkerEvent { return f.events }
func (f *fakeWorker) Exited() <-chan struct{}    { return f.exited }

func (f *fakeWorker) emit(ev WorkerEvent) { f.events <- ev }

// crash simulates the child process dying without a stop.
func (f *fakeWorker) crash() { f.exit() }

func (f *fakeWorker) exit() {
	f.exitOnce.Do(func() {
		close(f.events)
		close(f.exited)
	})
}

// fakeFleet hands out scripted workers in spawn order and remembers them.
type fakeFleet struct {
	mu      sync.Mutex
	scripts []func(f *fakeWorker, file string, entries []protocol.RunEntry)
	spawned []*fakeWorker
	live    int
	peak    int
}

// factory returns a workerFactory backed by the fleet's scripts. When the
// scripts run out, the last one is reused.
func (fl *fakeFleet) factory() workerFactory {
	return func(index int) (workerHandle, error) {
		fl.mu.Lock()
		var script func(*fakeWorker, string, []protocol.RunEntry)
		if len(fl.scripts) > 0 {
			i := len(fl.spawned)
			if i >= len(fl.scripts) {
				i = len(fl.scripts) - 1
			}
			script = fl.scripts[i]
		}
		f := newFakeWorker(index, script)
		fl.spawned = append(fl.spawned, f)
		fl.live++
		if fl.live > fl.peak {
			fl.peak = fl.live
		}
		fl.mu.Unlock()

		go func() {
			<-f.exited
			fl.mu.Lock()
			fl.live--
			fl.mu.Unlock()
		}()
		return f, nil
	}
}

func (fl *fakeFleet) count() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return len(fl.spawned)
}

func (fl *fakeFleet) peakLive() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.peak
}

// emitBegin/emitEnd build the wire payloads scripts send.
func emitBegin(f *fakeWorker, testID string) {
	f.emit(EvTestBegin{protocol.TestBeginParams{
		TestID:      testID,
		WorkerIndex: f.index,
	}})
}

func emitEnd(f *fakeWorker, testID string, status, expected model.Status) {
	f.emit(EvTestEnd{protocol.TestEndParams{
		TestID:         testID,
		Status:         string(status),
		ExpectedStatus: string(expected),
	}})
}

// recordingReporter captures the reporter call sequence.
type recorded struct {
	Kind   string // begin | end | error
	TestID string
	Status model.Status
	Err    string
}

type recordingReporter struct {
	report.Nop
	mu     sync.Mutex
	events []recorded
}

func (r *recordingReporter) OnTestBegin(test *model.TestCase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{Kind: "begin", TestID: test.ID})
}

func (r *recordingReporter) OnTestEnd(test *model.TestCase, result *model.TestResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := recorded{Kind: "end", TestID: test.ID, Status: result.Status}
	if result.Error != nil {
		rec.Err = result.Error.Value
	}
	r.events = append(r.events, rec)
}

func (r *recordingReporter) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{Kind: "error", Err: err.Error()})
}

func (r *recordingReporter) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.events...)
}

func (r *recordingReporter) byKind(kind string) []recorded {
	var out []recorded
	for _, e := range r.all() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func makeTest(id string, expect model.Status, retries int) *model.TestCase {
	return &model.TestCase{
		ID:             id,
		Name:           id,
		SuiteName:      "fake",
		ExpectedStatus: expect,
		Retries:        retries,
	}
}

func makeGroup(hash string, tests ...*model.TestCase) *model.TestGroup {
	return &model.TestGroup{
		WorkerHash:  hash,
		RequireFile: "fake.suite.yaml",
		Tests:       tests,
	}
}

func newTestDispatcher(loader *fakeLoader, fleet *fakeFleet, reporter report.Reporter, groups ...*model.TestGroup) *Dispatcher {
	d, err := New(Options{
		Loader:    loader,
		Groups:    groups,
		Reporter:  reporter,
		newWorker: fleet.factory(),
	})
	if err != nil {
		panic(err)
	}
	return d
}
