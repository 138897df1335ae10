package dispatch

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/loom/internal/log"
	"github.com/mattjoyce/loom/internal/model"
	"github.com/mattjoyce/loom/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "text") // Suppress logs in tests
	os.Exit(m.Run())
}

func TestHappyPath(t *testing.T) {
	t.Parallel()

	t1 := makeTest("t1", model.StatusPassed, 0)
	t2 := makeTest("t2", model.StatusPassed, 0)
	group := makeGroup("H", t1, t2)

	fleet := &fakeFleet{scripts: []func(*fakeWorker, string, []protocol.RunEntry){
		func(f *fakeWorker, file string, entries []protocol.RunEntry) {
			for _, e := range entries {
				emitBegin(f, e.TestID)
				emitEnd(f, e.TestID, model.StatusPassed, model.StatusPassed)
			}
			f.emit(EvDone{})
		},
	}}
	rec := &recordingReporter{}
	d := newTestDispatcher(&fakeLoader{workers: 2}, fleet, rec, group)

	require.NoError(t, d.Run(context.Background()))

	assert.Equal(t, 0, d.FailureCount())
	assert.False(t, d.HasWorkerErrors())
	for _, tc := range []*model.TestCase{t1, t2} {
		require.Len(t, tc.Results, 1)
		assert.Equal(t, model.StatusPassed, tc.Results[0].Status)
	}

	// The clean worker went back to the free list and is still alive.
	assert.Equal(t, 1, fleet.count())
	assert.Equal(t, 1, d.NumWorkers())
	assert.False(t, fleet.spawned[0].DidSendStop())

	d.Stop()
	assert.Equal(t, 0, d.NumWorkers())
}

func TestRetryOnExpectedPassedFailure(t *testing.T) {
	t.Parallel()

	t1 := makeTest("t1", model.StatusPassed, 1)
	group := makeGroup("H", t1)

	fleet := &fakeFleet{scripts: []func(*fakeWorker, string, []protocol.RunEntry){
		func(f *fakeWorker, file string, entries []protocol.RunEntry) {
			emitBegin(f, "t1")
			emitEnd(f, "t1", model.StatusFailed, model.StatusPassed)
			f.emit(EvDone{protocol.DoneParams{FailedTestID: "t1"}})
		},
		func(f *fakeWorker, file string, entries []protocol.RunEntry) {
			emitBegin(f, "t1")
			emitEnd(f, "t1", model.StatusPassed, model.StatusPassed)
			f.emit(EvDone{})
		},
	}}
	rec := &recordingReporter{}
	d := newTestDispatcher(&fakeLoader{workers: 2}, fleet, rec, group)

	require.NoError(t, d.Run(context.Background()))

	require.Len(t, t1.Results, 2)
	assert.Equal(t, model.StatusFailed, t1.Results[0].Status)
	assert.Equal(t, model.StatusPassed, t1.Results[1].Status)
	assert.Equal(t, 1, d.FailureCount())

	// The poisoned worker was stopped, its replacement survived the run.
	require.Equal(t, 2, fleet.count())
	assert.True(t, fleet.spawned[0].DidSendStop())
	assert.False(t, fleet.spawned[1].DidSendStop())
	assert.Eventually(t, func() bool { return d.NumWorkers() == 1 },
		time.Second, 10*time.Millisecond)

	d.Stop()
}

func TestFatalErrorWithInFlightTest(t *testing.T) {
	t.Parallel()

	t1 := makeTest("t1", model.StatusPassed, 1)
	t2 := makeTest("t2", model.StatusPassed, 1)
	t3 := makeTest("t3", model.StatusPassed, 1)
	group := makeGroup("H", t1, t2, t3)

	fleet := &fakeFleet{scripts: []func(*fakeWorker, string, []protocol.RunEntry){
		func(f *fakeWorker, file string, entries []protocol.RunEntry) {
			emitBegin(f, "t1")
			f.emit(EvDone{protocol.DoneParams{FatalError: &protocol.SerializedError{Value: "boom"}}})
		},
		// The retried t1 passes on a fresh worker.
		func(f *fakeWorker, file string, entries []protocol.RunEntry) {
			emitBegin(f, "t1")
			emitEnd(f, "t1", model.StatusPassed, model.StatusPassed)
			f.emit(EvDone{})
		},
	}}
	rec := &recordingReporter{}
	d := newTestDispatcher(&fakeLoader{workers: 2}, fleet, rec, group)

	require.NoError(t, d.Run(context.Background()))
	d.Stop()

	// First attempt: t1 failed with the fatal error and no synthesized
	// begin (the worker announced it); t2/t3 got synthesized begins and
	// were skipped with the same error.
	want := []recorded{
		{Kind: "begin", TestID: "t1"},
		{Kind: "end", TestID: "t1", Status: model.StatusFailed, Err: "boom"},
		{Kind: "begin", TestID: "t2"},
		{Kind: "end", TestID: "t2", Status: model.StatusSkipped, Err: "boom"},
		{Kind: "begin", TestID: "t3"},
		{Kind: "end", TestID: "t3", Status: model.StatusSkipped, Err: "boom"},
		{Kind: "begin", TestID: "t1"},
		{Kind: "end", TestID: "t1", Status: model.StatusPassed},
	}
	assert.Equal(t, want, rec.all())

	// Only the failed test was retried; skipped outcomes are not.
	assert.Len(t, t1.Results, 2)
	assert.Len(t, t2.Results, 1)
	assert.Len(t, t3.Results, 1)
	assert.Equal(t, model.StatusSkipped, t2.Results[0].Status)
	assert.Equal(t, model.StatusSkipped, t3.Results[0].Status)

	// Only t1 counted: skipped attempts never do.
	assert.Equal(t, 1, d.FailureCount())
}

func TestWorkerExitsUnexpectedly(t *testing.T) {
	t.Parallel()

	t1 := makeTest("t1", model.StatusPassed, 0)
	group := makeGroup("H", t1)

	fleet := &fakeFleet{scripts: []func(*fakeWorker, string, []protocol.RunEntry){
		func(f *fakeWorker, file string, entries []protocol.RunEntry) {
			emitBegin(f, "t1")
			f.crash()
		},
	}}
	rec := &recordingReporter{}
	d := newTestDispatcher(&fakeLoader{workers: 2}, fleet, rec, group)

	require.NoError(t, d.Run(context.Background()))
	d.Stop()

	require.Len(t, t1.Results, 1)
	assert.Equal(t, model.StatusFailed, t1.Results[0].Status)
	require.NotNil(t, t1.Results[0].Error)
	assert.Equal(t, "Worker process exited unexpectedly", t1.Results[0].Error.Value)
	assert.Equal(t, 1, d.FailureCount())
}

func TestFailFast(t *testing.T) {
	t.Parallel()

	a1 := makeTest("a1", model.StatusPassed, 0)
	b1 := makeTest("b1", model.StatusPassed, 0)

	// Both workers report their failure nearly simultaneously: each script
	// waits until the other is ready before emitting the end.
	barrier := make(chan struct{})
	var once sync.Once
	arrived := make(chan struct{}, 2)
	script := func(f *fakeWorker, file string, entries []protocol.RunEntry) {
		emitBegin(f, entries[0].TestID)
		arrived <- struct{}{}
		once.Do(func() {
			<-arrived
			<-arrived
			close(barrier)
		})
		<-barrier
		emitEnd(f, entries[0].TestID, model.StatusFailed, model.StatusPassed)
		f.emit(EvDone{protocol.DoneParams{FailedTestID: entries[0].TestID}})
	}

	fleet := &fakeFleet{scripts: []func(*fakeWorker, string, []protocol.RunEntry){script, script}}
	rec := &recordingReporter{}
	d := newTestDispatcher(&fakeLoader{workers: 4, maxFailures: 1}, fleet,
		rec, makeGroup("A", a1), makeGroup("B", b1))

	require.NoError(t, d.Run(context.Background()))

	// The threshold tripped exactly once; the racing second result was
	// suppressed and not counted.
	assert.Equal(t, 1, d.FailureCount())
	assert.Len(t, rec.byKind("end"), 1)
	assert.True(t, d.IsStopped())

	// Run returned only after every worker exited.
	assert.Equal(t, 0, d.NumWorkers())
	for _, w := range fleet.spawned {
		select {
		case <-w.Exited():
		default:
			t.Fatalf("worker %d still alive after run", w.Index())
		}
	}
}

func TestIncompatibleWorkerRecycle(t *testing.T) {
	t.Parallel()

	a1 := makeTest("a1", model.StatusPassed, 0)
	b1 := makeTest("b1", model.StatusPassed, 0)

	script := func(f *fakeWorker, file string, entries []protocol.RunEntry) {
		for _, e := range entries {
			emitBegin(f, e.TestID)
			emitEnd(f, e.TestID, model.StatusPassed, model.StatusPassed)
		}
		f.emit(EvDone{})
	}
	fleet := &fakeFleet{scripts: []func(*fakeWorker, string, []protocol.RunEntry){script, script}}
	rec := &recordingReporter{}
	d := newTestDispatcher(&fakeLoader{workers: 1}, fleet, rec,
		makeGroup("A", a1), makeGroup("B", b1))

	require.NoError(t, d.Run(context.Background()))
	d.Stop()

	assert.Equal(t, model.StatusPassed, a1.Results[0].Status)
	assert.Equal(t, model.StatusPassed, b1.Results[0].Status)

	// The recycled hash-A worker was stopped when group B claimed it, and
	// with workers=1 there was never more than one alive.
	require.Equal(t, 2, fleet.count())
	assert.True(t, fleet.spawned[0].DidSendStop())
	assert.Equal(t, "A", fleet.spawned[0].Hash())
	assert.Equal(t, "B", fleet.spawned[1].Hash())
	assert.Equal(t, 1, fleet.peakLive())
}

func TestMaxFailuresZeroDisablesFailFast(t *testing.T) {
	t.Parallel()

	tests := []*model.TestCase{
		makeTest("t1", model.StatusPassed, 0),
		makeTest("t2", model.StatusPassed, 0),
		makeTest("t3", model.StatusPassed, 0),
	}
	group := makeGroup("H", tests...)

	script := func(f *fakeWorker, file string, entries []protocol.RunEntry) {
		// Fail the first entry of whatever is left, then hand back.
		emitBegin(f, entries[0].TestID)
		emitEnd(f, entries[0].TestID, model.StatusFailed, model.StatusPassed)
		f.emit(EvDone{protocol.DoneParams{FailedTestID: entries[0].TestID}})
	}
	fleet := &fakeFleet{scripts: []func(*fakeWorker, string, []protocol.RunEntry){script}}
	d := newTestDispatcher(&fakeLoader{workers: 1, maxFailures: 0}, fleet, nil, group)

	require.NoError(t, d.Run(context.Background()))
	d.Stop()

	// All three failed, nothing tripped a stop.
	assert.Equal(t, 3, d.FailureCount())
	for _, tc := range tests {
		require.Len(t, tc.Results, 1, tc.ID)
		assert.Equal(t, model.StatusFailed, tc.Results[0].Status)
	}
}

func TestNoRetryWhenExpectedToFail(t *testing.T) {
	t.Parallel()

	t1 := makeTest("t1", model.StatusFailed, 2)
	group := makeGroup("H", t1)

	fleet := &fakeFleet{scripts: []func(*fakeWorker, string, []protocol.RunEntry){
		func(f *fakeWorker, file string, entries []protocol.RunEntry) {
			emitBegin(f, "t1")
			emitEnd(f, "t1", model.StatusFailed, model.StatusFailed)
			f.emit(EvDone{protocol.DoneParams{FailedTestID: "t1"}})
		},
	}}
	d := newTestDispatcher(&fakeLoader{workers: 1}, fleet, nil, group)

	require.NoError(t, d.Run(context.Background()))
	d.Stop()

	// Retries only apply to tests expected to pass, and a failure that was
	// expected is not a failure.
	assert.Len(t, t1.Results, 1)
	assert.Equal(t, 0, d.FailureCount())
	assert.Equal(t, 1, fleet.count())
}

func TestRetriesExhausted(t *testing.T) {
	t.Parallel()

	t1 := makeTest("t1", model.StatusPassed, 1)
	group := makeGroup("H", t1)

	script := func(f *fakeWorker, file string, entries []protocol.RunEntry) {
		emitBegin(f, "t1")
		emitEnd(f, "t1", model.StatusFailed, model.StatusPassed)
		f.emit(EvDone{protocol.DoneParams{FailedTestID: "t1"}})
	}
	fleet := &fakeFleet{scripts: []func(*fakeWorker, string, []protocol.RunEntry){script, script}}
	d := newTestDispatcher(&fakeLoader{workers: 1}, fleet, nil, group)

	require.NoError(t, d.Run(context.Background()))
	d.Stop()

	// retries+1 attempts, then no further candidates.
	assert.Len(t, t1.Results, 2)
	assert.Equal(t, 2, d.FailureCount())
	assert.Equal(t, 2, fleet.count())
}

func TestEmptyGroupNeverClaimsWorker(t *testing.T) {
	t.Parallel()

	fleet := &fakeFleet{}
	d := newTestDispatcher(&fakeLoader{workers: 2}, fleet, nil, makeGroup("H"))

	require.NoError(t, d.Run(context.Background()))
	assert.Equal(t, 0, fleet.count())
	assert.Equal(t, 0, d.QueuedGroups())
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	t1 := makeTest("t1", model.StatusPassed, 0)
	fleet := &fakeFleet{scripts: []func(*fakeWorker, string, []protocol.RunEntry){
		func(f *fakeWorker, file string, entries []protocol.RunEntry) {
			emitBegin(f, "t1")
			emitEnd(f, "t1", model.StatusPassed, model.StatusPassed)
			f.emit(EvDone{})
		},
	}}
	d := newTestDispatcher(&fakeLoader{workers: 1}, fleet, nil, makeGroup("H", t1))

	require.NoError(t, d.Run(context.Background()))

	d.Stop()
	d.Stop()
	d.Stop()
	assert.Equal(t, 0, d.NumWorkers())
	assert.True(t, d.IsStopped())
}

func TestWorkerCapIsNeverExceeded(t *testing.T) {
	t.Parallel()

	var groups []*model.TestGroup
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		groups = append(groups, makeGroup("H"+id, makeTest(id, model.StatusPassed, 0)))
	}

	script := func(f *fakeWorker, file string, entries []protocol.RunEntry) {
		for _, e := range entries {
			emitBegin(f, e.TestID)
			emitEnd(f, e.TestID, model.StatusPassed, model.StatusPassed)
		}
		f.emit(EvDone{})
	}
	fleet := &fakeFleet{scripts: []func(*fakeWorker, string, []protocol.RunEntry){script}}
	d := newTestDispatcher(&fakeLoader{workers: 2}, fleet, nil, groups...)

	require.NoError(t, d.Run(context.Background()))
	d.Stop()

	// Five incompatible groups forced worker churn, but never more than
	// two alive at once.
	assert.Equal(t, 5, fleet.count())
	assert.LessOrEqual(t, fleet.peakLive(), 2)
}

func TestRetriesSuppressedAfterStop(t *testing.T) {
	t.Parallel()

	t1 := makeTest("t1", model.StatusPassed, 5)
	group := makeGroup("H", t1)

	fleet := &fakeFleet{scripts: []func(*fakeWorker, string, []protocol.RunEntry){
		func(f *fakeWorker, file string, entries []protocol.RunEntry) {
			emitBegin(f, "t1")
			emitEnd(f, "t1", model.StatusFailed, model.StatusPassed)
			f.emit(EvDone{protocol.DoneParams{FailedTestID: "t1"}})
		},
	}}
	// maxFailures=1 stops the run on the first failure, so the generous
	// retry budget is never touched.
	d := newTestDispatcher(&fakeLoader{workers: 1, maxFailures: 1}, fleet, nil, group)

	require.NoError(t, d.Run(context.Background()))

	assert.Len(t, t1.Results, 1)
	assert.Equal(t, 1, fleet.count())
	assert.True(t, d.IsStopped())
}
