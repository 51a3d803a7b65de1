package events

import (
	"context"
	"sync"

	"github.com/slipway-ml/slipway/internal/signing"
)

// MemoryLog is an in-memory Log for tests and database-less tooling.
type MemoryLog struct {
	mu     sync.Mutex
	events []*Event
	byID   map[string]*Event
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{byID: make(map[string]*Event)}
}

func (m *MemoryLog) Append(ctx context.Context, ev *Event, s signing.Signer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := ""
	if len(m.events) > 0 {
		prev = m.events[len(m.events)-1].Hash
	}
	if err := sealEvent(ctx, ev, prev, s); err != nil {
		return err
	}
	stored := *ev
	m.events = append(m.events, &stored)
	m.byID[stored.ID] = &stored
	return nil
}

func (m *MemoryLog) Get(ctx context.Context, id string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *ev
	return &out, nil
}

func (m *MemoryLog) FetchPendingForStreaming(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var claimed []*Event
	for _, ev := range m.events {
		if ev.StreamStatus != StreamPending && ev.StreamStatus != StreamFailed {
			continue
		}
		ev.StreamStatus = StreamInProgress
		ev.Attempts++
		out := *ev
		claimed = append(claimed, &out)
		if len(claimed) >= limit {
			break
		}
	}
	return claimed, nil
}

func (m *MemoryLog) MarkStreamResult(ctx context.Context, id string, s3Key string, ok bool, streamErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, found := m.byID[id]
	if !found {
		return ErrNotFound
	}
	if ok {
		ev.StreamStatus = StreamSent
		ev.S3Key = s3Key
		ev.StreamError = ""
	} else {
		ev.StreamStatus = StreamFailed
		ev.StreamError = streamErr
	}
	return nil
}

// Events snapshots the log in append order.
func (m *MemoryLog) Events() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Event, 0, len(m.events))
	for _, ev := range m.events {
		copied := *ev
		out = append(out, &copied)
	}
	return out
}

// VerifyChain checks the in-memory log the same way PGLog does.
func (m *MemoryLog) VerifyChain(ctx context.Context, lookup KeyLookup) error {
	return VerifyEvents(m.Events(), lookup)
}
