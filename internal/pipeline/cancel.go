package pipeline

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// CancelRegistry tracks the cancel function of every run currently inside
// the gate, so the API can abort a specific run without touching the
// worker's own lifetime.
type CancelRegistry struct {
	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{cancels: make(map[uuid.UUID]context.CancelFunc)}
}

func (r *CancelRegistry) register(runID uuid.UUID, cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancels[runID] = cancel
	r.mu.Unlock()
}

func (r *CancelRegistry) remove(runID uuid.UUID) {
	r.mu.Lock()
	delete(r.cancels, runID)
	r.mu.Unlock()
}

// Cancel aborts the run's in-flight execution. It reports false when the
// run is not currently executing.
func (r *CancelRegistry) Cancel(runID uuid.UUID) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[runID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Active reports whether the run is currently executing.
func (r *CancelRegistry) Active(runID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cancels[runID]
	return ok
}
