package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Environment tags which stage of the release pipeline a training job runs in.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Pipeline run phases. A run is created queued, claimed into dev_running, and
// always ends in exactly one of the terminal phases.
const (
	PhaseQueued           = "queued"
	PhaseDevRunning       = "dev_running"
	PhaseAwaitingApproval = "awaiting_approval"
	PhaseProdRunning      = "prod_running"
	PhaseSucceeded        = "succeeded"
	PhaseDevFailed        = "dev_failed"
	PhaseProdFailed       = "prod_failed"
	PhaseApprovalDenied   = "approval_denied"
)

// Outcomes reported to operators. Empty means the run is still in progress.
const (
	OutcomeSucceeded           = "Succeeded"
	OutcomeFailedAtDevelopment = "FailedAtDevelopment"
	OutcomeFailedAtProduction  = "FailedAtProduction"
	OutcomeAwaitingApproval    = "AwaitingApproval"
	OutcomeApprovalDenied      = "ApprovalDenied"
)

// PipelineRun aggregates one end-to-end release execution: the development
// job, the approval record, the production job, and the registered model
// version. Only the promotion gate mutates a run after creation.
type PipelineRun struct {
	ID                uuid.UUID       `json:"id"`
	ModelName         string          `json:"modelName"`
	Experiment        string          `json:"experiment,omitempty"`
	DatasetRef        string          `json:"datasetRef"`
	Hyperparams       json.RawMessage `json:"hyperparams"`
	ArtifactURI       string          `json:"artifactUri"`
	Phase             string          `json:"phase"`
	DevJobID          string          `json:"devJobId,omitempty"`
	DevStatus         string          `json:"devStatus,omitempty"`
	ProdJobID         string          `json:"prodJobId,omitempty"`
	ProdStatus        string          `json:"prodStatus,omitempty"`
	Approval          *ApprovalRecord `json:"approval,omitempty"`
	ModelVersionID    *uuid.UUID      `json:"modelVersionId,omitempty"`
	RegistrationError string          `json:"registrationError,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Terminal reports whether the run has reached a final phase.
func (r PipelineRun) Terminal() bool {
	switch r.Phase {
	case PhaseSucceeded, PhaseDevFailed, PhaseProdFailed, PhaseApprovalDenied:
		return true
	}
	return false
}

// Outcome maps the current phase onto the closed operator-visible outcome set.
func (r PipelineRun) Outcome() string {
	switch r.Phase {
	case PhaseSucceeded:
		return OutcomeSucceeded
	case PhaseDevFailed:
		return OutcomeFailedAtDevelopment
	case PhaseProdFailed:
		return OutcomeFailedAtProduction
	case PhaseAwaitingApproval:
		return OutcomeAwaitingApproval
	case PhaseApprovalDenied:
		return OutcomeApprovalDenied
	}
	return ""
}

// ApprovalRecord captures the decision that released a run to production.
type ApprovalRecord struct {
	Decision  string    `json:"decision"`
	DecidedBy string    `json:"decidedBy,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decidedAt"`
}

const (
	ApprovalGranted  = "granted"
	ApprovalDenied   = "denied"
	ApprovalTimedOut = "timed_out"
	ApprovalCanceled = "canceled"
)

// ModelVersion is one append-only registry entry. Registering the same
// artifact twice yields two rows with distinct versions.
type ModelVersion struct {
	ID          uuid.UUID `json:"id"`
	RunID       uuid.UUID `json:"runId"`
	Name        string    `json:"name"`
	Version     int       `json:"version"`
	ArtifactURI string    `json:"artifactUri"`
	RegistryRef string    `json:"registryRef"`
	ManifestKey string    `json:"manifestKey,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}
