package dispatch

import (
	"sync"

	"github.com/mattjoyce/loom/internal/model"
)

// resultRegistry maps test ids to their case and the result of the attempt
// currently in flight. On retry the result is rebound to a fresh one rather
// than reset, so event handlers still holding the previous attempt's result
// never observe writes meant for a later attempt.
type resultRegistry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	test   *model.TestCase
	result *model.TestResult
}

func newResultRegistry() *resultRegistry {
	return &resultRegistry{entries: make(map[string]*registryEntry)}
}

// add registers a test and allocates its first attempt's result.
func (r *resultRegistry) add(test *model.TestCase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[test.ID]; exists {
		return
	}
	r.entries[test.ID] = &registryEntry{test: test, result: test.NewResult()}
}

// get returns the test and its currently active result.
func (r *resultRegistry) get(id string) (*model.TestCase, *model.TestResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, nil, false
	}
	return e.test, e.result, true
}

// rebind allocates a fresh result for the test's next attempt and makes it
// the active one.
func (r *resultRegistry) rebind(id string) (*model.TestResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	e.result = e.test.NewResult()
	return e.result, true
}
