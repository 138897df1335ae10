// Package dispatch schedules test groups across a bounded pool of worker
// subprocesses and folds their results back into the run.
//
// The moving parts:
//
//   - worker: owns one child process and frames its IPC messages into a
//     typed event stream. It makes no scheduling decisions.
//   - pool: the live worker set, the free list and the claimer FIFO. It
//     enforces the worker cap; compatibility between a worker and a group is
//     the caller's check.
//   - job: attaches to one (worker, group) pair, tracks which tests remain,
//     and applies the terminal policy when the worker reports done or dies.
//   - Dispatcher: the outer loop. Drains the group queue, claims workers,
//     launches jobs, and re-runs the pass for work the jobs re-injected.
//
// Failed or aborted workers are discarded, never recycled; retries and the
// unfinished tail of a group re-enter the queue at the front so they run
// before fresh groups.
package dispatch
