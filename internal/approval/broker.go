package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Broker connects API-driven approval decisions to gates blocked in Await.
// Each run gets at most one waiter; a decision posted with no waiter is
// rejected so the caller learns nothing consumed it.
type Broker struct {
	mu      sync.Mutex
	waiting map[uuid.UUID]chan Decision
}

func NewBroker() *Broker {
	return &Broker{waiting: make(map[uuid.UUID]chan Decision)}
}

func (b *Broker) register(runID uuid.UUID) (chan Decision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.waiting[runID]; exists {
		return nil, fmt.Errorf("approval already pending for run %s", runID)
	}
	ch := make(chan Decision, 1)
	b.waiting[runID] = ch
	return ch, nil
}

func (b *Broker) unregister(runID uuid.UUID) {
	b.mu.Lock()
	delete(b.waiting, runID)
	b.mu.Unlock()
}

// Await blocks until Resolve posts a decision, the request times out, or
// ctx is canceled. It never polls.
func (b *Broker) Await(ctx context.Context, req Request) (Decision, error) {
	ch, err := b.register(req.RunID)
	if err != nil {
		return Decision{}, err
	}
	defer b.unregister(req.RunID)

	var timeout <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case d := <-ch:
		return d, nil
	case <-timeout:
		return Decision{TimedOut: true, Reason: "approval window elapsed"}, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Resolve delivers a decision to the run's waiter. It reports false when no
// gate is waiting, or when a decision was already delivered.
func (b *Broker) Resolve(runID uuid.UUID, d Decision) bool {
	b.mu.Lock()
	ch, ok := b.waiting[runID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- d:
		return true
	default:
		return false
	}
}

// Pending lists runs currently blocked on an approval decision.
func (b *Broker) Pending() []uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uuid.UUID, 0, len(b.waiting))
	for id := range b.waiting {
		out = append(out, id)
	}
	return out
}
