package events

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/slipway-ml/slipway/internal/canonical"
)

// Producer is the slice of Kafka producer behavior the streamer needs.
type Producer interface {
	Produce(ctx context.Context, key, value []byte) (time.Time, error)
	Close() error
}

// StreamerConfig tunes the outbox worker.
type StreamerConfig struct {
	// BatchSize is how many events to claim per fetch.
	BatchSize int

	// PollInterval is the sleep when no work is pending.
	PollInterval time.Duration

	// MaxConcurrency bounds concurrent produce+archive work per batch.
	MaxConcurrency int
}

// Streamer drains the release-event outbox: it claims pending rows, writes
// the canonical envelope to Kafka, archives it to S3, and records the
// outcome back on the row. The database keeps the delivery state, so a
// crash mid-batch is retried on the next claim.
type Streamer struct {
	log      Log
	producer Producer
	archiver Archiver
	cfg      StreamerConfig
}

func NewStreamer(l Log, producer Producer, archiver Archiver, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Streamer{log: l, producer: producer, archiver: archiver, cfg: cfg}
}

// Run blocks until ctx is canceled, draining one claimed batch at a time.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[events.streamer] starting (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer log.Printf("[events.streamer] stopped")
	defer func() {
		if s.producer != nil {
			_ = s.producer.Close()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		claimed, err := s.log.FetchPendingForStreaming(ctx, s.cfg.BatchSize)
		if err != nil {
			log.Printf("[events.streamer] fetch pending: %v", err)
			if !s.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		if len(claimed) == 0 {
			if !s.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		s.drainBatch(ctx, claimed)
	}
}

func (s *Streamer) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(s.cfg.PollInterval):
		return true
	}
}

// drainBatch processes one claimed batch with bounded concurrency and waits
// for it to finish before the caller claims more.
func (s *Streamer) drainBatch(ctx context.Context, claimed []*Event) {
	sem := make(chan struct{}, s.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	for _, ev := range claimed {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(ev *Event) {
			defer func() {
				<-sem
				wg.Done()
			}()
			if err := s.processEvent(ctx, ev); err != nil {
				// processEvent already recorded the failure on the row.
				log.Printf("[events.streamer] event %s: %v", ev.ID, err)
			}
		}(ev)
	}
	wg.Wait()
}

// processEvent produces then archives one event and marks the result. The
// mark uses the parent context so a per-event timeout still lets the
// outcome land.
func (s *Streamer) processEvent(parentCtx context.Context, ev *Event) error {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	canonBytes, err := canonical.Marshal(ev.Envelope())
	if err != nil {
		_ = s.log.MarkStreamResult(parentCtx, ev.ID, "", false, fmt.Sprintf("canonicalize envelope: %v", err))
		return fmt.Errorf("canonicalize envelope: %w", err)
	}

	producedAt, err := s.producer.Produce(ctx, []byte(ev.ID), canonBytes)
	if err != nil {
		_ = s.log.MarkStreamResult(parentCtx, ev.ID, "", false, fmt.Sprintf("kafka produce: %v", err))
		return fmt.Errorf("kafka produce: %w", err)
	}

	// The archive is a secondary sink; a streamer without one still drains
	// the outbox to Kafka.
	key := ""
	if s.archiver != nil {
		key, err = s.archiver.ArchiveEvent(ctx, ev)
		if err != nil {
			_ = s.log.MarkStreamResult(parentCtx, ev.ID, "", false, fmt.Sprintf("s3 archive: %v", err))
			return fmt.Errorf("s3 archive: %w", err)
		}
	}

	if err := s.log.MarkStreamResult(parentCtx, ev.ID, key, true, ""); err != nil {
		return fmt.Errorf("mark stream success: %w", err)
	}
	log.Printf("[events.streamer] event %s sent (produced_at=%s key=%s)", ev.ID, producedAt.Format(time.RFC3339Nano), key)
	return nil
}
