// Package pipeline runs the promotion gate: train in development, hold for
// approval, train in production, register the result. Phase transitions are
// structural; there is no code path that submits a production job before a
// completed development job and a granted approval.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/slipway-ml/slipway/internal/approval"
	"github.com/slipway-ml/slipway/internal/compute"
	"github.com/slipway-ml/slipway/internal/models"
	"github.com/slipway-ml/slipway/internal/poller"
	"github.com/slipway-ml/slipway/internal/store"
)

// Registrar records a succeeded run's artifact in the model registry.
type Registrar interface {
	Register(ctx context.Context, run models.PipelineRun) (models.ModelVersion, error)
}

// EventRecorder appends release events. Recording never fails a run.
type EventRecorder interface {
	Record(ctx context.Context, eventType string, payload map[string]interface{})
}

type GateConfig struct {
	// ApprovalTimeout bounds the wait for a promotion decision. Zero waits
	// until the run is canceled.
	ApprovalTimeout time.Duration
}

// cleanupTimeout bounds store writes and job cancels issued after the
// run's own context has already ended.
const cleanupTimeout = 10 * time.Second

// Gate executes one claimed run from development submission to a terminal
// phase.
type Gate struct {
	store           store.Store
	jobs            compute.JobClient
	poller          *poller.Poller
	approvals       approval.Source
	registrar       Registrar
	recorder        EventRecorder
	approvalTimeout time.Duration
}

func NewGate(st store.Store, jobs compute.JobClient, p *poller.Poller, approvals approval.Source, registrar Registrar, recorder EventRecorder, cfg GateConfig) *Gate {
	return &Gate{
		store:           st,
		jobs:            jobs,
		poller:          p,
		approvals:       approvals,
		registrar:       registrar,
		recorder:        recorder,
		approvalTimeout: cfg.ApprovalTimeout,
	}
}

func strPtr(s string) *string { return &s }

func (g *Gate) update(ctx context.Context, upd store.RunUpdate) (models.PipelineRun, error) {
	run, err := g.store.UpdateRun(ctx, upd)
	if err != nil {
		return run, fmt.Errorf("update run %s: %w", upd.ID, err)
	}
	return run, nil
}

func (g *Gate) record(ctx context.Context, eventType string, payload map[string]interface{}) {
	if g.recorder == nil {
		return
	}
	g.recorder.Record(ctx, eventType, payload)
}

// Execute drives a freshly claimed run (phase dev_running) to a terminal
// phase. Domain outcomes (failed job, denied approval) end the run without
// an error; returned errors are operational problems worth the worker's log.
func (g *Gate) Execute(ctx context.Context, run models.PipelineRun) (models.PipelineRun, error) {
	log.Printf("[gate] run %s: development training for %s", run.ID, run.ModelName)

	devHandle, err := g.jobs.Submit(ctx, compute.JobSpec{
		Environment: models.EnvDevelopment,
		ModelName:   run.ModelName,
		Experiment:  run.Experiment,
		DatasetRef:  run.DatasetRef,
		Hyperparams: run.Hyperparams,
	})
	if err != nil {
		run, _ = g.failStage(ctx, run, models.PhaseDevFailed, "", "run.dev.failed", err)
		return run, fmt.Errorf("submit development job: %w", err)
	}
	run, err = g.update(ctx, store.RunUpdate{ID: run.ID, DevJobID: &devHandle.ID})
	if err != nil {
		return run, err
	}
	g.record(ctx, "run.dev.submitted", map[string]interface{}{
		"runId": run.ID.String(), "modelName": run.ModelName, "jobId": devHandle.ID,
	})

	devStatus, err := g.poller.AwaitCompletion(ctx, devHandle)
	if err != nil {
		if ctx.Err() != nil {
			return g.abortCanceled(run, devHandle, models.PhaseDevFailed, "DevStatus"), ctx.Err()
		}
		run, _ = g.failStage(ctx, run, models.PhaseDevFailed, string(devStatus), "run.dev.failed", err)
		return run, fmt.Errorf("await development job %s: %w", devHandle.ID, err)
	}
	if devStatus.Failure() {
		run, err = g.failStage(ctx, run, models.PhaseDevFailed, string(devStatus), "run.dev.failed",
			fmt.Errorf("development job ended %s", devStatus))
		return run, err
	}

	run, err = g.update(ctx, store.RunUpdate{
		ID:        run.ID,
		Phase:     strPtr(models.PhaseAwaitingApproval),
		DevStatus: strPtr(string(devStatus)),
	})
	if err != nil {
		return run, err
	}
	g.record(ctx, "run.dev.completed", map[string]interface{}{
		"runId": run.ID.String(), "jobId": devHandle.ID,
	})
	log.Printf("[gate] run %s: development completed, awaiting approval", run.ID)

	decision, err := g.approvals.Await(ctx, approval.Request{
		RunID:     run.ID,
		ModelName: run.ModelName,
		Timeout:   g.approvalTimeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			run, _ = g.recordDecision(ctx, run, models.ApprovalCanceled, "", "run canceled while awaiting approval", "run.canceled")
			return run, ctx.Err()
		}
		// The approval source failed, which is not a decision. The run
		// stays in awaiting_approval for a later decision.
		return run, fmt.Errorf("await approval for run %s: %w", run.ID, err)
	}

	switch {
	case decision.TimedOut:
		run, err = g.recordDecision(ctx, run, models.ApprovalTimedOut, decision.DecidedBy, decision.Reason, "run.approval.timed_out")
		return run, err
	case !decision.Approved:
		run, err = g.recordDecision(ctx, run, models.ApprovalDenied, decision.DecidedBy, decision.Reason, "run.approval.denied")
		return run, err
	}

	// Approved. Record the grant before anything is submitted.
	grant := &models.ApprovalRecord{
		Decision:  models.ApprovalGranted,
		DecidedBy: decision.DecidedBy,
		Reason:    decision.Reason,
		DecidedAt: time.Now().UTC(),
	}
	run, err = g.update(ctx, store.RunUpdate{ID: run.ID, Approval: grant})
	if err != nil {
		return run, err
	}
	g.record(ctx, "run.approval.granted", map[string]interface{}{
		"runId": run.ID.String(), "decidedBy": grant.DecidedBy, "reason": grant.Reason,
	})
	log.Printf("[gate] run %s: approved by %s, production training", run.ID, grant.DecidedBy)

	prodHandle, err := g.jobs.Submit(ctx, compute.JobSpec{
		Environment: models.EnvProduction,
		ModelName:   run.ModelName,
		Experiment:  run.Experiment,
		DatasetRef:  run.DatasetRef,
		Hyperparams: run.Hyperparams,
		OutputURI:   run.ArtifactURI,
	})
	if err != nil {
		run, _ = g.failStage(ctx, run, models.PhaseProdFailed, "", "run.prod.failed", err)
		return run, fmt.Errorf("submit production job: %w", err)
	}
	run, err = g.update(ctx, store.RunUpdate{
		ID:        run.ID,
		Phase:     strPtr(models.PhaseProdRunning),
		ProdJobID: &prodHandle.ID,
	})
	if err != nil {
		return run, err
	}
	g.record(ctx, "run.prod.submitted", map[string]interface{}{
		"runId": run.ID.String(), "jobId": prodHandle.ID, "artifactUri": run.ArtifactURI,
	})

	prodStatus, err := g.poller.AwaitCompletion(ctx, prodHandle)
	if err != nil {
		if ctx.Err() != nil {
			return g.abortCanceled(run, prodHandle, models.PhaseProdFailed, "ProdStatus"), ctx.Err()
		}
		run, _ = g.failStage(ctx, run, models.PhaseProdFailed, string(prodStatus), "run.prod.failed", err)
		return run, fmt.Errorf("await production job %s: %w", prodHandle.ID, err)
	}
	if prodStatus.Failure() {
		run, err = g.failStage(ctx, run, models.PhaseProdFailed, string(prodStatus), "run.prod.failed",
			fmt.Errorf("production job ended %s", prodStatus))
		return run, err
	}

	run, err = g.update(ctx, store.RunUpdate{
		ID:         run.ID,
		Phase:      strPtr(models.PhaseSucceeded),
		ProdStatus: strPtr(string(prodStatus)),
	})
	if err != nil {
		return run, err
	}
	g.record(ctx, "run.succeeded", map[string]interface{}{
		"runId": run.ID.String(), "modelName": run.ModelName, "artifactUri": run.ArtifactURI,
	})
	log.Printf("[gate] run %s: production completed", run.ID)

	// Registration happens exactly once, after the outcome is already
	// Succeeded. A failure here is recorded on the run, not retried, and
	// never unwinds the outcome.
	mv, regErr := g.registrar.Register(ctx, run)
	if regErr != nil {
		run, _ = g.update(ctx, store.RunUpdate{ID: run.ID, RegistrationError: strPtr(regErr.Error())})
		g.record(ctx, "model.registration_failed", map[string]interface{}{
			"runId": run.ID.String(), "modelName": run.ModelName, "error": regErr.Error(),
		})
		return run, fmt.Errorf("register model for run %s: %w", run.ID, regErr)
	}
	run, err = g.update(ctx, store.RunUpdate{ID: run.ID, ModelVersionID: &mv.ID})
	if err != nil {
		return run, err
	}
	g.record(ctx, "model.registered", map[string]interface{}{
		"runId": run.ID.String(), "modelName": mv.Name, "version": mv.Version, "registryRef": mv.RegistryRef,
	})
	log.Printf("[gate] run %s: registered %s v%d", run.ID, mv.Name, mv.Version)
	return run, nil
}

// failStage marks the run failed at the given phase. stageStatus is written
// to the stage's status column when non-empty.
func (g *Gate) failStage(ctx context.Context, run models.PipelineRun, phase, stageStatus, eventType string, cause error) (models.PipelineRun, error) {
	// The run record must reflect the failure even when ctx just died.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
	}
	upd := store.RunUpdate{ID: run.ID, Phase: &phase}
	if stageStatus != "" && stageStatus != string(compute.StatusUnknown) {
		if phase == models.PhaseDevFailed {
			upd.DevStatus = &stageStatus
		} else {
			upd.ProdStatus = &stageStatus
		}
	}
	updated, err := g.update(ctx, upd)
	if err != nil {
		return run, err
	}
	g.record(ctx, eventType, map[string]interface{}{
		"runId": run.ID.String(), "phase": phase, "error": cause.Error(),
	})
	log.Printf("[gate] run %s: %s (%v)", run.ID, phase, cause)
	return updated, nil
}

// recordDecision persists a halting approval decision and the terminal
// approval_denied phase.
func (g *Gate) recordDecision(ctx context.Context, run models.PipelineRun, decision, decidedBy, reason, eventType string) (models.PipelineRun, error) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
	}
	rec := &models.ApprovalRecord{
		Decision:  decision,
		DecidedBy: decidedBy,
		Reason:    reason,
		DecidedAt: time.Now().UTC(),
	}
	updated, err := g.update(ctx, store.RunUpdate{
		ID:       run.ID,
		Phase:    strPtr(models.PhaseApprovalDenied),
		Approval: rec,
	})
	if err != nil {
		return run, err
	}
	g.record(ctx, eventType, map[string]interface{}{
		"runId": run.ID.String(), "decision": decision, "decidedBy": decidedBy, "reason": reason,
	})
	log.Printf("[gate] run %s: approval %s", run.ID, decision)
	return updated, nil
}

// abortCanceled handles a run whose context died mid-stage: best-effort
// cancel of the remote job, then mark the stage failed as Canceled. All of
// it runs on a detached context since the run's own is already dead.
func (g *Gate) abortCanceled(run models.PipelineRun, handle compute.JobHandle, phase, stageField string) models.PipelineRun {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := g.jobs.Cancel(ctx, handle); err != nil {
		log.Printf("[gate] run %s: cancel job %s: %v", run.ID, handle.ID, err)
	}

	canceled := string(compute.StatusCanceled)
	upd := store.RunUpdate{ID: run.ID, Phase: &phase}
	if stageField == "DevStatus" {
		upd.DevStatus = &canceled
	} else {
		upd.ProdStatus = &canceled
	}
	updated, err := g.update(ctx, upd)
	if err != nil {
		log.Printf("[gate] run %s: record cancellation: %v", run.ID, err)
		updated = run
	}
	g.record(ctx, "run.canceled", map[string]interface{}{
		"runId": run.ID.String(), "jobId": handle.ID, "phase": phase,
	})
	log.Printf("[gate] run %s: canceled during %s", run.ID, handle.Environment)
	return updated
}
