// Package poller drives a submitted training job to a terminal status by
// querying the compute service at a fixed cadence.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/slipway-ml/slipway/internal/compute"
)

const (
	defaultInterval    = 30 * time.Second
	defaultRetryBudget = 3
)

var (
	// ErrAwaitTimeout is returned when MaxDuration elapses before the job
	// reaches a terminal status.
	ErrAwaitTimeout = errors.New("await completion timed out")

	// ErrStatusRetriesExhausted is returned when consecutive status queries
	// keep failing (or keep reporting Unknown) past the retry budget.
	ErrStatusRetriesExhausted = errors.New("status retry budget exhausted")
)

type Config struct {
	// Interval between status queries. Zero selects the 30s default;
	// negative values are a configuration error.
	Interval time.Duration

	// MaxDuration bounds one AwaitCompletion call. Zero means unbounded.
	MaxDuration time.Duration

	// RetryBudget is the number of consecutive transient failures (query
	// errors or Unknown statuses) tolerated before escalating. Zero selects
	// the default of 3.
	RetryBudget int
}

type Poller struct {
	jobs        compute.JobClient
	interval    time.Duration
	maxDuration time.Duration
	retryBudget int
}

func New(jobs compute.JobClient, cfg Config) (*Poller, error) {
	if jobs == nil {
		return nil, fmt.Errorf("poller: job client required")
	}
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("poller: interval must be positive, got %s", cfg.Interval)
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}
	budget := cfg.RetryBudget
	if budget <= 0 {
		budget = defaultRetryBudget
	}
	if cfg.MaxDuration < 0 {
		return nil, fmt.Errorf("poller: max duration must not be negative, got %s", cfg.MaxDuration)
	}
	return &Poller{
		jobs:        jobs,
		interval:    interval,
		maxDuration: cfg.MaxDuration,
		retryBudget: budget,
	}, nil
}

// AwaitCompletion polls the job until it reaches a terminal status and
// returns that status. Failure terminals (Failed, Canceled) return
// immediately with no further queries. A handle the service has never seen
// surfaces compute.ErrNotFound unretried. Consecutive transient failures
// beyond the retry budget escalate to ErrStatusRetriesExhausted, and an
// elapsed MaxDuration to ErrAwaitTimeout. Between queries the poller sleeps
// for the full interval; it never busy-loops.
func (p *Poller) AwaitCompletion(ctx context.Context, handle compute.JobHandle) (compute.JobStatus, error) {
	var timeout <-chan time.Time
	if p.maxDuration > 0 {
		timer := time.NewTimer(p.maxDuration)
		defer timer.Stop()
		timeout = timer.C
	}

	failures := 0
	var lastErr error
	for {
		status, err := p.jobs.Status(ctx, handle)
		switch {
		case err != nil && errors.Is(err, compute.ErrNotFound):
			return compute.StatusUnknown, fmt.Errorf("poll job %s: %w", handle.ID, err)
		case err != nil && ctx.Err() != nil:
			return compute.StatusUnknown, ctx.Err()
		case err != nil:
			failures++
			lastErr = err
		case status == compute.StatusUnknown:
			failures++
			lastErr = fmt.Errorf("job %s reported status %s", handle.ID, status)
		case status.Terminal():
			return status, nil
		default:
			failures = 0
			lastErr = nil
		}

		if failures > p.retryBudget {
			return compute.StatusUnknown, fmt.Errorf("%w after %d consecutive failures: %v", ErrStatusRetriesExhausted, failures, lastErr)
		}

		select {
		case <-ctx.Done():
			return compute.StatusUnknown, ctx.Err()
		case <-timeout:
			return compute.StatusUnknown, fmt.Errorf("job %s: %w after %s", handle.ID, ErrAwaitTimeout, p.maxDuration)
		case <-time.After(p.interval):
		}
	}
}

// Interval reports the configured poll cadence.
func (p *Poller) Interval() time.Duration { return p.interval }
