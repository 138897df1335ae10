package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/loom/internal/log"
	"github.com/mattjoyce/loom/internal/model"
	"github.com/mattjoyce/loom/internal/report"
)

// Loader supplies the dispatcher's configuration and the serialized image
// shipped to every worker at init.
type Loader interface {
	FullConfig() (workers, maxFailures int)
	Serialize() ([]byte, error)
}

// Options configure a Dispatcher.
type Options struct {
	Loader   Loader
	Groups   []*model.TestGroup
	Reporter report.Reporter

	// WorkerExec and WorkerArgs name the worker entry point. They default
	// to re-invoking the current binary with the "worker" subcommand.
	WorkerExec string
	WorkerArgs []string
	// WorkerDebug routes worker stderr to the parent's stderr.
	WorkerDebug bool

	// newWorker overrides worker creation; tests inject scripted fakes.
	newWorker workerFactory
}

// Dispatcher drives one run: it drains the group queue, claims workers from
// the pool, launches a job per (worker, group) pair and collects what the
// jobs re-inject.
type Dispatcher struct {
	loader   Loader
	reporter report.Reporter
	queue    *groupQueue
	registry *resultRegistry
	pool     *workerPool
	logger   *slog.Logger

	maxFailures int

	mu           sync.Mutex
	failureCount int
	workerErrors bool

	stopped  atomic.Bool
	stopOnce sync.Once
	stopDone chan struct{}
}

// New prepares a dispatcher for the given groups. Empty groups are dropped:
// there is nothing to claim a worker for.
func New(opts Options) (*Dispatcher, error) {
	if opts.Loader == nil {
		return nil, fmt.Errorf("loader is required")
	}
	workers, maxFailures := opts.Loader.FullConfig()
	if workers < 1 {
		return nil, fmt.Errorf("worker count must be at least 1, got %d", workers)
	}

	payload, err := opts.Loader.Serialize()
	if err != nil {
		return nil, fmt.Errorf("serialize loader: %w", err)
	}

	reporter := opts.Reporter
	if reporter == nil {
		reporter = report.Nop{}
	}

	d := &Dispatcher{
		loader:      opts.Loader,
		reporter:    reporter,
		queue:       newGroupQueue(),
		registry:    newResultRegistry(),
		logger:      log.WithComponent("dispatch"),
		maxFailures: maxFailures,
		stopDone:    make(chan struct{}),
	}

	factory := opts.newWorker
	if factory == nil {
		execPath := opts.WorkerExec
		if execPath == "" {
			execPath, err = os.Executable()
			if err != nil {
				return nil, fmt.Errorf("locate worker executable: %w", err)
			}
		}
		args := opts.WorkerArgs
		if args == nil {
			args = []string{"worker"}
		}
		wopts := workerOptions{
			ExecPath: execPath,
			Args:     args,
			Debug:    opts.WorkerDebug,
			Loader:   payload,
		}
		factory = func(index int) (workerHandle, error) {
			return newWorker(index, wopts)
		}
	}
	d.pool = newWorkerPool(workers, factory, d.logger)

	for _, g := range opts.Groups {
		if len(g.Tests) == 0 {
			continue
		}
		for _, t := range g.Tests {
			d.registry.add(t)
		}
		d.queue.pushBack(g)
	}

	return d, nil
}

// Run dispatches until the queue drains or the run is stopped. The outer
// loop re-checks the queue after every pass because completing jobs may
// re-inject work the pass never observed.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatch started", "groups", d.queue.len(), "max_workers", d.pool.max)
	defer d.logger.Info("dispatch finished")

	for ctx.Err() == nil && d.queue.len() > 0 && !d.isStopped() {
		d.runPass(ctx)
	}

	// A fail-fast or external stop must finish tearing workers down before
	// the run is reported complete.
	if d.isStopped() {
		d.Stop()
	}
	return nil
}

// runPass greedily drains the current queue, launching one job per group,
// then waits for all of them.
func (d *Dispatcher) runPass(ctx context.Context) {
	var jobs sync.WaitGroup
	defer jobs.Wait()

	for !d.isStopped() {
		g := d.queue.popFront()
		if g == nil {
			return
		}

		w, err := d.obtainCompatible(ctx, g)
		if err != nil {
			if errors.Is(err, errPoolStopped) || errors.Is(err, context.Canceled) || d.isStopped() {
				return
			}
			// The worker could not even be spawned. Attribute the failure
			// to the group the same way a worker-fatal would.
			d.logger.Error("failed to obtain worker", "error", err)
			d.markWorkerErrors()
			d.failGroup(g, err)
			continue
		}

		jobs.Add(1)
		go func() {
			defer jobs.Done()
			d.runJob(w, g)
		}()
	}
}

// obtainCompatible claims a worker whose hash matches the group, stopping
// and discarding mismatched recycled workers. A just-created worker's hash
// is bound to this group at init, so only free-list workers can mismatch.
func (d *Dispatcher) obtainCompatible(ctx context.Context, g *model.TestGroup) (workerHandle, error) {
	w, err := d.pool.obtain(ctx, g)
	if err != nil {
		return nil, err
	}
	for !d.isStopped() && w.Hash() != "" && w.Hash() != g.WorkerHash {
		w.Stop()
		w, err = d.pool.obtain(ctx, g)
		if err != nil {
			return nil, err
		}
	}
	if d.isStopped() {
		return nil, errPoolStopped
	}
	return w, nil
}

// failGroup closes out a group that never reached a worker, then runs the
// same retry selection and re-injection a dying job would.
func (d *Dispatcher) failGroup(g *model.TestGroup, cause error) {
	fatal := &model.TestError{Value: cause.Error()}
	closed := d.terminalizeRemaining(g.Tests, fatal, -1, "")

	var remaining []*model.TestCase
	for _, id := range closed {
		test, result, ok := d.registry.get(id)
		if !ok {
			continue
		}
		if d.isStopped() || result.Status == model.StatusSkipped {
			continue
		}
		if test.ExpectedStatus != model.StatusPassed || len(test.Results) >= test.Retries+1 {
			continue
		}
		if _, ok := d.registry.rebind(id); ok {
			remaining = append([]*model.TestCase{test}, remaining...)
		}
	}
	if len(remaining) > 0 {
		d.queue.pushFront(g.Remake(remaining))
	}
}

// Stop initiates a graceful stop and blocks until every worker has exited.
// Safe to call from any goroutine, any number of times.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.stopped.Store(true)
		d.logger.Info("stopping run")
		<-d.pool.stopAll()
		close(d.stopDone)
	})
	<-d.stopDone
}

// HasWorkerErrors reports whether any worker raised a teardown error or
// failed outside the test protocol during the run.
func (d *Dispatcher) HasWorkerErrors() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.workerErrors
}

func (d *Dispatcher) markWorkerErrors() {
	d.mu.Lock()
	d.workerErrors = true
	d.mu.Unlock()
}

func (d *Dispatcher) isStopped() bool {
	return d.stopped.Load()
}

// hasReachedMaxFailures reports whether fail-fast has tripped. A zero
// maxFailures disables fail-fast entirely.
func (d *Dispatcher) hasReachedMaxFailures() bool {
	if d.maxFailures <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failureCount >= d.maxFailures
}

// reportTestEnd is the single funnel for terminal test results: it counts
// unexpected outcomes, forwards the event, and trips fail-fast exactly once
// when the threshold is hit. Results arriving after the trip are dropped.
func (d *Dispatcher) reportTestEnd(test *model.TestCase, result *model.TestResult) {
	trippedNow := false

	d.mu.Lock()
	if d.maxFailures > 0 && d.failureCount >= d.maxFailures {
		d.mu.Unlock()
		return
	}
	if result.Status != model.StatusSkipped && result.Status != test.ExpectedStatus {
		d.failureCount++
		trippedNow = d.maxFailures > 0 && d.failureCount == d.maxFailures
	}
	d.mu.Unlock()

	d.reporter.OnTestEnd(test, result)

	if trippedNow {
		d.logger.Warn("max failures reached, stopping run", "max_failures", d.maxFailures)
		// Latch the flag now so no further jobs dispatch; the teardown
		// itself must not run on this goroutine, which a job owns.
		d.stopped.Store(true)
		go d.Stop()
	}
}

// FailureCount returns the number of completed attempts whose status was
// neither skipped nor the expected one.
func (d *Dispatcher) FailureCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failureCount
}

// QueuedGroups returns how many groups are waiting to be dispatched.
func (d *Dispatcher) QueuedGroups() int {
	return d.queue.len()
}

// NumWorkers returns how many worker processes are currently alive.
func (d *Dispatcher) NumWorkers() int {
	return d.pool.numWorkers()
}

// IsStopped reports whether a stop has been initiated.
func (d *Dispatcher) IsStopped() bool {
	return d.isStopped()
}
