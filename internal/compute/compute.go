// Package compute talks to the remote training-job service. The control
// plane only ever submits jobs, reads their status, and issues best-effort
// cancels; everything about how a job actually trains is the remote side's
// concern.
package compute

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/slipway-ml/slipway/internal/models"
)

// JobStatus is the closed status set reported for a remote training job.
type JobStatus string

const (
	StatusQueued     JobStatus = "Queued"
	StatusRunning    JobStatus = "Running"
	StatusCompleted  JobStatus = "Completed"
	StatusFailed     JobStatus = "Failed"
	StatusCanceled   JobStatus = "Canceled"
	StatusNotStarted JobStatus = "NotStarted"
	StatusUnknown    JobStatus = "Unknown"
)

// Terminal reports whether no further transition can occur.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Failure reports whether the job ended without producing a usable artifact.
func (s JobStatus) Failure() bool {
	return s == StatusFailed || s == StatusCanceled
}

// ParseStatus maps a wire status onto the closed set. Anything the control
// plane does not recognize is Unknown, which callers treat as a transient
// condition counted against their retry budget.
func ParseStatus(raw string) JobStatus {
	switch JobStatus(raw) {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCanceled, StatusNotStarted:
		return JobStatus(raw)
	}
	return StatusUnknown
}

// JobHandle identifies one remote training execution. Immutable once issued.
type JobHandle struct {
	ID          string             `json:"id"`
	Environment models.Environment `json:"environment"`
	SubmittedAt time.Time          `json:"submittedAt"`
}

// JobSpec describes the training job to submit. Hyperparams stay opaque JSON;
// the remote service interprets them. OutputURI pins where the produced
// artifact must land so the registrar can locate it later; when empty the
// remote service chooses.
type JobSpec struct {
	Environment   models.Environment `json:"environment"`
	ModelName     string             `json:"modelName"`
	Experiment    string             `json:"experiment,omitempty"`
	DatasetRef    string             `json:"datasetRef"`
	Hyperparams   json.RawMessage    `json:"hyperparams,omitempty"`
	ComputeTarget string             `json:"computeTarget,omitempty"`
	OutputURI     string             `json:"outputUri,omitempty"`
}

// JobClient is the remote job service collaborator. Status is the only
// operation that may be retried; Submit and Cancel are mutations and are
// issued exactly once per call.
type JobClient interface {
	Submit(ctx context.Context, spec JobSpec) (JobHandle, error)
	Status(ctx context.Context, handle JobHandle) (JobStatus, error)
	Cancel(ctx context.Context, handle JobHandle) error
}

var (
	// ErrNotFound means the job never existed (or the handle is stale).
	// Distinct from a transient failure: callers must not retry it.
	ErrNotFound = errors.New("job not found")

	// ErrUnavailable marks a transient remote failure.
	ErrUnavailable = errors.New("compute service unavailable")

	// ErrInvalidSpec is returned when the remote service rejects a submission.
	ErrInvalidSpec = errors.New("invalid job spec")

	// ErrQuotaExceeded is returned when the remote service refuses new work.
	ErrQuotaExceeded = errors.New("compute quota exceeded")
)
