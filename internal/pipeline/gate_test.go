package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/slipway-ml/slipway/internal/approval"
	"github.com/slipway-ml/slipway/internal/compute"
	"github.com/slipway-ml/slipway/internal/models"
	"github.com/slipway-ml/slipway/internal/poller"
	"github.com/slipway-ml/slipway/internal/store"
	"github.com/slipway-ml/slipway/internal/testutil"
)

type stubRegistrar struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubRegistrar) Register(ctx context.Context, run models.PipelineRun) (models.ModelVersion, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return models.ModelVersion{}, s.err
	}
	return models.ModelVersion{
		ID:          uuid.New(),
		RunID:       run.ID,
		Name:        run.ModelName,
		Version:     1,
		ArtifactURI: run.ArtifactURI,
		RegistryRef: "registry://models/" + run.ModelName + "/1",
	}, nil
}

func (s *stubRegistrar) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type captureRecorder struct {
	mu    sync.Mutex
	types []string
}

func (c *captureRecorder) Record(ctx context.Context, eventType string, payload map[string]interface{}) {
	c.mu.Lock()
	c.types = append(c.types, eventType)
	c.mu.Unlock()
}

func (c *captureRecorder) has(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.types {
		if t == eventType {
			return true
		}
	}
	return false
}

type gateEnv struct {
	store     *store.MemoryStore
	jobs      *testutil.FakeJobClient
	registrar *stubRegistrar
	recorder  *captureRecorder
	gate      *Gate
}

func newGateEnv(t *testing.T, approvals approval.Source) *gateEnv {
	t.Helper()
	st := store.NewMemoryStore()
	jobs := &testutil.FakeJobClient{}
	p, err := poller.New(jobs, poller.Config{Interval: time.Millisecond})
	if err != nil {
		t.Fatalf("poller: %v", err)
	}
	reg := &stubRegistrar{}
	rec := &captureRecorder{}
	return &gateEnv{
		store:     st,
		jobs:      jobs,
		registrar: reg,
		recorder:  rec,
		gate:      NewGate(st, jobs, p, approvals, reg, rec, GateConfig{}),
	}
}

func (e *gateEnv) claimRun(t *testing.T) models.PipelineRun {
	t.Helper()
	_, err := e.store.CreatePipelineRun(context.Background(), store.PipelineRunInput{
		ModelName:   "fraud-scorer",
		Experiment:  "exp-7",
		DatasetRef:  "s3://datasets/fraud/v3",
		Hyperparams: json.RawMessage(`{"lr":0.01}`),
		ArtifactURI: "s3://slipway-artifacts/models/fraud-scorer/run/model.bin",
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	run, err := e.store.ClaimNextQueuedRun(context.Background())
	if err != nil {
		t.Fatalf("claim run: %v", err)
	}
	return run
}

func TestGateFullPromotion(t *testing.T) {
	env := newGateEnv(t, approval.Static{Approve: true, By: "mlops@corp", Reason: "metrics healthy"})
	run := env.claimRun(t)

	final, err := env.gate.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if final.Phase != models.PhaseSucceeded {
		t.Fatalf("expected succeeded, got %s", final.Phase)
	}
	if final.Outcome() != models.OutcomeSucceeded {
		t.Fatalf("unexpected outcome %s", final.Outcome())
	}
	if env.jobs.SubmitCount("development") != 1 || env.jobs.SubmitCount("production") != 1 {
		t.Fatalf("expected one submission per environment, got dev=%d prod=%d",
			env.jobs.SubmitCount("development"), env.jobs.SubmitCount("production"))
	}
	if env.registrar.count() != 1 {
		t.Fatalf("registrar must be invoked exactly once, got %d", env.registrar.count())
	}
	if final.ModelVersionID == nil {
		t.Fatalf("model version not linked to run")
	}
	if final.Approval == nil || final.Approval.Decision != models.ApprovalGranted {
		t.Fatalf("approval not recorded: %+v", final.Approval)
	}

	// The production submission carries the pinned artifact destination.
	var prodSpec *compute.JobSpec
	for i := range env.jobs.Submitted {
		if env.jobs.Submitted[i].Environment == models.EnvProduction {
			prodSpec = &env.jobs.Submitted[i]
		}
	}
	if prodSpec == nil || prodSpec.OutputURI != run.ArtifactURI {
		t.Fatalf("production job must pin the artifact uri, got %+v", prodSpec)
	}

	for _, want := range []string{"run.dev.submitted", "run.dev.completed", "run.approval.granted", "run.prod.submitted", "run.succeeded", "model.registered"} {
		if !env.recorder.has(want) {
			t.Fatalf("missing event %s (have %v)", want, env.recorder.types)
		}
	}
}

func TestGateDevFailureStopsPipeline(t *testing.T) {
	env := newGateEnv(t, approval.Static{Approve: true})
	env.jobs.StatusFunc = testutil.StatusScript(compute.StatusRunning, compute.StatusFailed)
	run := env.claimRun(t)

	final, err := env.gate.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if final.Phase != models.PhaseDevFailed {
		t.Fatalf("expected dev_failed, got %s", final.Phase)
	}
	if final.Outcome() != models.OutcomeFailedAtDevelopment {
		t.Fatalf("unexpected outcome %s", final.Outcome())
	}
	if final.DevStatus != string(compute.StatusFailed) {
		t.Fatalf("dev status not recorded: %q", final.DevStatus)
	}
	if env.jobs.SubmitCount("production") != 0 {
		t.Fatalf("production job submitted after dev failure")
	}
	if env.registrar.count() != 0 {
		t.Fatalf("registrar invoked after dev failure")
	}
	if !env.recorder.has("run.dev.failed") {
		t.Fatalf("missing run.dev.failed event")
	}
}

func TestGateApprovalDenied(t *testing.T) {
	env := newGateEnv(t, approval.Static{Approve: false, By: "mlops@corp", Reason: "offline eval regressed"})
	run := env.claimRun(t)

	final, err := env.gate.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if final.Phase != models.PhaseApprovalDenied {
		t.Fatalf("expected approval_denied, got %s", final.Phase)
	}
	if final.Approval == nil || final.Approval.Decision != models.ApprovalDenied {
		t.Fatalf("denial not recorded: %+v", final.Approval)
	}
	if final.Approval.Reason != "offline eval regressed" {
		t.Fatalf("reason not carried: %q", final.Approval.Reason)
	}
	if env.jobs.SubmitCount("production") != 0 {
		t.Fatalf("production job submitted despite denial")
	}
	if !env.recorder.has("run.approval.denied") {
		t.Fatalf("missing run.approval.denied event")
	}
}

func TestGateApprovalTimeout(t *testing.T) {
	st := store.NewMemoryStore()
	jobs := &testutil.FakeJobClient{}
	p, err := poller.New(jobs, poller.Config{Interval: time.Millisecond})
	if err != nil {
		t.Fatalf("poller: %v", err)
	}
	reg := &stubRegistrar{}
	rec := &captureRecorder{}
	gate := NewGate(st, jobs, p, approval.NewBroker(), reg, rec, GateConfig{ApprovalTimeout: 20 * time.Millisecond})
	env := &gateEnv{store: st, jobs: jobs, registrar: reg, recorder: rec, gate: gate}
	run := env.claimRun(t)

	final, err := gate.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if final.Phase != models.PhaseApprovalDenied {
		t.Fatalf("expected approval_denied, got %s", final.Phase)
	}
	if final.Approval == nil || final.Approval.Decision != models.ApprovalTimedOut {
		t.Fatalf("timeout not recorded: %+v", final.Approval)
	}
	if jobs.SubmitCount("production") != 0 {
		t.Fatalf("production job submitted despite timeout")
	}
	if !rec.has("run.approval.timed_out") {
		t.Fatalf("missing run.approval.timed_out event")
	}
}

func TestGateProdFailure(t *testing.T) {
	env := newGateEnv(t, approval.Static{Approve: true})
	env.jobs.StatusFunc = func(ctx context.Context, handle compute.JobHandle) (compute.JobStatus, error) {
		if handle.Environment == models.EnvProduction {
			return compute.StatusFailed, nil
		}
		return compute.StatusCompleted, nil
	}
	run := env.claimRun(t)

	final, err := env.gate.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if final.Phase != models.PhaseProdFailed {
		t.Fatalf("expected prod_failed, got %s", final.Phase)
	}
	if final.Outcome() != models.OutcomeFailedAtProduction {
		t.Fatalf("unexpected outcome %s", final.Outcome())
	}
	if final.DevStatus != string(compute.StatusCompleted) {
		t.Fatalf("dev status lost: %q", final.DevStatus)
	}
	if env.registrar.count() != 0 {
		t.Fatalf("registrar invoked after prod failure")
	}
}

func TestGateRegistrationFailureKeepsOutcome(t *testing.T) {
	env := newGateEnv(t, approval.Static{Approve: true})
	env.registrar.err = errors.New("registry unavailable")
	run := env.claimRun(t)

	final, err := env.gate.Execute(context.Background(), run)
	if err == nil {
		t.Fatalf("expected registration error to surface")
	}
	if final.Phase != models.PhaseSucceeded {
		t.Fatalf("registration failure must not unwind the outcome, got %s", final.Phase)
	}
	if final.Outcome() != models.OutcomeSucceeded {
		t.Fatalf("unexpected outcome %s", final.Outcome())
	}
	if final.RegistrationError == "" {
		t.Fatalf("registration error not recorded on run")
	}
	if final.ModelVersionID != nil {
		t.Fatalf("model version linked despite failed registration")
	}
	if env.registrar.count() != 1 {
		t.Fatalf("registrar must be invoked exactly once, got %d", env.registrar.count())
	}
	if !env.recorder.has("model.registration_failed") {
		t.Fatalf("missing model.registration_failed event")
	}
	if !env.recorder.has("run.succeeded") {
		t.Fatalf("missing run.succeeded event")
	}
}

func TestGateStatusRetryBudgetExhausted(t *testing.T) {
	env := newGateEnv(t, approval.Static{Approve: true})
	env.jobs.StatusFunc = func(ctx context.Context, handle compute.JobHandle) (compute.JobStatus, error) {
		return compute.StatusUnknown, nil
	}
	run := env.claimRun(t)

	final, err := env.gate.Execute(context.Background(), run)
	if !errors.Is(err, poller.ErrStatusRetriesExhausted) {
		t.Fatalf("expected retry budget error, got %v", err)
	}
	if final.Phase != models.PhaseDevFailed {
		t.Fatalf("expected dev_failed, got %s", final.Phase)
	}
	if env.jobs.SubmitCount("production") != 0 {
		t.Fatalf("production job submitted after poll escalation")
	}
}

func TestCancelMidDevelopment(t *testing.T) {
	env := newGateEnv(t, approval.Static{Approve: true})
	env.jobs.StatusFunc = func(ctx context.Context, handle compute.JobHandle) (compute.JobStatus, error) {
		return compute.StatusRunning, nil
	}
	created, err := env.store.CreatePipelineRun(context.Background(), store.PipelineRunInput{
		ModelName:  "fraud-scorer",
		DatasetRef: "s3://datasets/fraud/v3",
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	cancels := NewCancelRegistry()
	done := make(chan error, 1)
	go func() {
		_, err := ProcessNextRun(context.Background(), env.gate, env.store, cancels)
		done <- err
	}()

	// Wait until the dev job is submitted, then cancel the run.
	deadline := time.Now().Add(2 * time.Second)
	for {
		run, err := env.store.GetPipelineRun(context.Background(), created.ID)
		if err == nil && run.DevJobID != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dev job never submitted")
		}
		time.Sleep(time.Millisecond)
	}
	if !cancels.Cancel(created.ID) {
		t.Fatalf("cancel found no active run")
	}

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}

	final, err := env.store.GetPipelineRun(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if final.Phase != models.PhaseDevFailed {
		t.Fatalf("expected dev_failed after cancel, got %s", final.Phase)
	}
	if final.DevStatus != string(compute.StatusCanceled) {
		t.Fatalf("expected Canceled dev status, got %q", final.DevStatus)
	}
	if len(env.jobs.Canceled) != 1 {
		t.Fatalf("remote job not canceled, got %v", env.jobs.Canceled)
	}
	if !env.recorder.has("run.canceled") {
		t.Fatalf("missing run.canceled event")
	}
}

func TestRunWorkerDrainsQueue(t *testing.T) {
	env := newGateEnv(t, approval.Static{Approve: true})
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 2; i++ {
		run, err := env.store.CreatePipelineRun(ctx, store.PipelineRunInput{
			ModelName:  "fraud-scorer",
			DatasetRef: "s3://datasets/fraud/v3",
		})
		if err != nil {
			t.Fatalf("create run: %v", err)
		}
		ids = append(ids, run.ID)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		RunWorker(workerCtx, env.gate, env.store, NewCancelRegistry(), WorkerConfig{PollInterval: time.Millisecond})
		close(stopped)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for _, id := range ids {
		for {
			run, err := env.store.GetPipelineRun(ctx, id)
			if err == nil && run.Terminal() {
				if run.Phase != models.PhaseSucceeded {
					t.Fatalf("run %s ended %s", id, run.Phase)
				}
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("run %s never finished", id)
			}
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop on cancel")
	}
}
