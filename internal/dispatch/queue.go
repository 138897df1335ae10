package dispatch

import (
	"sync"

	"github.com/mattjoyce/loom/internal/model"
)

// groupQueue is the ordered sequence of groups waiting to be dispatched.
// Re-injected work (retries, the unfinished tail of a failed group) enters
// at the front so it is preferred over fresh groups.
type groupQueue struct {
	mu     sync.Mutex
	groups []*model.TestGroup
}

func newGroupQueue() *groupQueue {
	return &groupQueue{}
}

func (q *groupQueue) pushBack(g *model.TestGroup) {
	q.mu.Lock()
	q.groups = append(q.groups, g)
	q.mu.Unlock()
}

func (q *groupQueue) pushFront(g *model.TestGroup) {
	q.mu.Lock()
	q.groups = append([]*model.TestGroup{g}, q.groups...)
	q.mu.Unlock()
}

// popFront claims the next group, or nil when the queue is empty.
func (q *groupQueue) popFront() *model.TestGroup {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.groups) == 0 {
		return nil
	}
	g := q.groups[0]
	q.groups = q.groups[1:]
	return g
}

func (q *groupQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.groups)
}
