package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mattjoyce/loom/internal/model"
)

// errPoolStopped reports that a claim was refused because the run is
// stopping; no new workers may be created.
var errPoolStopped = errors.New("worker pool is stopped")

// workerFactory spawns a worker with the given index.
type workerFactory func(index int) (workerHandle, error)

// workerPool holds the live worker set, the free list and the FIFO of
// waiting claimers. It enforces the maximum worker count; group
// compatibility is checked by the claimer, not here.
type workerPool struct {
	factory workerFactory
	max     int
	logger  *slog.Logger

	mu        sync.Mutex
	workers   map[workerHandle]struct{}
	free      []workerHandle
	claimers  []chan struct{}
	nextIndex int
	stopped   bool
	drained   chan struct{} // closed once stopped and the worker set is empty
}

func newWorkerPool(max int, factory workerFactory, logger *slog.Logger) *workerPool {
	return &workerPool{
		factory: factory,
		max:     max,
		logger:  logger,
		workers: make(map[workerHandle]struct{}),
		drained: make(chan struct{}),
	}
}

// obtain claims a worker for the group. The decision between a free
// worker, a new worker, and waiting is taken without releasing the lock,
// so a concurrently freed worker can never slip past a waiting claimer.
// Waiters retry the claim each time they are resumed.
func (p *workerPool) obtain(ctx context.Context, g *model.TestGroup) (workerHandle, error) {
	for {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return nil, errPoolStopped
		}

		if n := len(p.free); n > 0 {
			w := p.free[n-1]
			p.free = p.free[:n-1]
			p.mu.Unlock()
			return w, nil
		}

		if len(p.workers) < p.max {
			index := p.nextIndex
			p.nextIndex++
			w, err := p.factory(index)
			if err != nil {
				p.mu.Unlock()
				return nil, err
			}
			p.workers[w] = struct{}{}
			p.mu.Unlock()

			go p.watchExit(w)

			// A newly created worker binds its hash to this group, so the
			// caller's compatibility check passes by construction.
			if err := w.Init(ctx, g); err != nil {
				w.Stop()
				return nil, err
			}
			p.logger.Debug("worker created", "worker", w.Index(), "hash", g.WorkerHash)
			return w, nil
		}

		resume := make(chan struct{}, 1)
		p.claimers = append(p.claimers, resume)
		p.mu.Unlock()

		select {
		case <-resume:
		case <-ctx.Done():
			p.abandonClaim(resume)
			return nil, ctx.Err()
		}
	}
}

// abandonClaim withdraws a waiting claimer; a resume signal that raced the
// cancellation is passed on so it is not lost.
func (p *workerPool) abandonClaim(resume chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.claimers {
		if c == resume {
			p.claimers = append(p.claimers[:i], p.claimers[i+1:]...)
			return
		}
	}
	select {
	case <-resume:
		p.resumeOneLocked()
	default:
	}
}

// release returns a worker to the free list and resumes the next claimer.
func (p *workerPool) release(w workerHandle) {
	p.mu.Lock()
	p.free = append(p.free, w)
	p.resumeOneLocked()
	p.mu.Unlock()
}

// watchExit removes a dead worker from the pool. The freed capacity lets
// the next claimer create a fresh worker, so one is resumed here too.
func (p *workerPool) watchExit(w workerHandle) {
	<-w.Exited()

	p.mu.Lock()
	delete(p.workers, w)
	for i, fw := range p.free {
		if fw == w {
			p.free = append(p.free[:i], p.free[i+1:]...)
			break
		}
	}
	p.resumeOneLocked()
	if p.stopped && len(p.workers) == 0 {
		p.closeDrainedLocked()
	}
	p.mu.Unlock()
	p.logger.Debug("worker removed", "worker", w.Index())
}

func (p *workerPool) resumeOneLocked() {
	if len(p.claimers) == 0 {
		return
	}
	resume := p.claimers[0]
	p.claimers = p.claimers[1:]
	resume <- struct{}{}
}

// stopAll refuses further claims, stops every live worker and returns a
// channel that closes once the last one has exited.
func (p *workerPool) stopAll() <-chan struct{} {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		// Wake every waiter so it observes the stop.
		for _, resume := range p.claimers {
			select {
			case resume <- struct{}{}:
			default:
			}
		}
		p.claimers = nil
	}
	live := make([]workerHandle, 0, len(p.workers))
	for w := range p.workers {
		live = append(live, w)
	}
	if len(live) == 0 {
		p.closeDrainedLocked()
	}
	p.mu.Unlock()

	for _, w := range live {
		w.Stop()
	}
	return p.drained
}

func (p *workerPool) closeDrainedLocked() {
	select {
	case <-p.drained:
	default:
		close(p.drained)
	}
}

func (p *workerPool) numWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
