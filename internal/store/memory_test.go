package store

import (
	"context"
	"errors"
	"testing"

	"github.com/slipway-ml/slipway/internal/models"
)

func TestMemoryStoreClaimOrder(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	first, err := st.CreatePipelineRun(ctx, PipelineRunInput{ModelName: "a", Experiment: "e1"})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := st.CreatePipelineRun(ctx, PipelineRunInput{ModelName: "b", Experiment: "e2"})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	claimed, err := st.ClaimNextQueuedRun(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != first.ID {
		t.Fatalf("expected oldest run %s, got %s", first.ID, claimed.ID)
	}
	if claimed.Phase != models.PhaseDevRunning {
		t.Fatalf("expected phase %s, got %s", models.PhaseDevRunning, claimed.Phase)
	}

	claimed, err = st.ClaimNextQueuedRun(ctx)
	if err != nil {
		t.Fatalf("claim second: %v", err)
	}
	if claimed.ID != second.ID {
		t.Fatalf("expected run %s, got %s", second.ID, claimed.ID)
	}

	if _, err := st.ClaimNextQueuedRun(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty queue, got %v", err)
	}
}

func TestMemoryStoreUpdateRun(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	run, err := st.CreatePipelineRun(ctx, PipelineRunInput{ModelName: "fraud-scorer"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	phase := models.PhaseAwaitingApproval
	devStatus := "Completed"
	updated, err := st.UpdateRun(ctx, RunUpdate{ID: run.ID, Phase: &phase, DevStatus: &devStatus})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Phase != models.PhaseAwaitingApproval {
		t.Fatalf("phase not updated: %s", updated.Phase)
	}
	if updated.DevStatus != "Completed" {
		t.Fatalf("dev status not updated: %s", updated.DevStatus)
	}
	if updated.ModelName != "fraud-scorer" {
		t.Fatalf("untouched field changed: %s", updated.ModelName)
	}

	// Untouched pointers must leave prior values alone.
	approval := &models.ApprovalRecord{Decision: models.ApprovalGranted, DecidedBy: "mlops@corp"}
	updated, err = st.UpdateRun(ctx, RunUpdate{ID: run.ID, Approval: approval})
	if err != nil {
		t.Fatalf("update approval: %v", err)
	}
	if updated.Phase != models.PhaseAwaitingApproval {
		t.Fatalf("phase clobbered by approval update: %s", updated.Phase)
	}
	if updated.Approval == nil || updated.Approval.Decision != models.ApprovalGranted {
		t.Fatalf("approval not recorded: %+v", updated.Approval)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := st.CreatePipelineRun(ctx, PipelineRunInput{ModelName: "fraud-scorer"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	other, err := st.CreatePipelineRun(ctx, PipelineRunInput{ModelName: "churn"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	runs, err := st.ListPipelineRuns(ctx, ListRunsFilter{ModelName: "fraud-scorer"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}

	runs, err = st.ListPipelineRuns(ctx, ListRunsFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	// Newest first.
	if runs[0].ID != other.ID {
		t.Fatalf("expected newest run first, got %s", runs[0].ID)
	}
}

func TestMemoryStoreCopiesAreIsolated(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	run, err := st.CreatePipelineRun(ctx, PipelineRunInput{ModelName: "fraud-scorer"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetPipelineRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Phase = "scribbled"
	got.Hyperparams[0] = 'x'

	again, err := st.GetPipelineRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.Phase != models.PhaseQueued {
		t.Fatalf("stored run mutated through returned copy: %s", again.Phase)
	}
	if string(again.Hyperparams) != "{}" {
		t.Fatalf("stored hyperparams mutated: %s", again.Hyperparams)
	}
}
