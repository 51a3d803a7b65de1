// Package approval supplies the promotion gate's external approval signal.
// A source blocks until somebody decides, the wait times out, or the run
// is canceled.
package approval

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Request describes the decision being asked for.
type Request struct {
	RunID     uuid.UUID
	ModelName string
	// Timeout bounds the wait. Zero means wait until the context ends.
	Timeout time.Duration
}

// Decision is the outcome of an approval wait. TimedOut decisions are not
// approvals; they halt the pipeline the same way a denial does, with the
// distinction preserved for the run record.
type Decision struct {
	Approved  bool
	DecidedBy string
	Reason    string
	TimedOut  bool
}

// Source is consumed by the promotion gate. Await blocks; cancellation of
// ctx is the only way to abandon the wait early.
type Source interface {
	Await(ctx context.Context, req Request) (Decision, error)
}

// Static approves or denies everything immediately. Used in development
// setups and tests.
type Static struct {
	Approve bool
	By      string
	Reason  string
}

func (s Static) Await(ctx context.Context, req Request) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	by := s.By
	if by == "" {
		by = "static-approver"
	}
	return Decision{Approved: s.Approve, DecidedBy: by, Reason: s.Reason}, nil
}
