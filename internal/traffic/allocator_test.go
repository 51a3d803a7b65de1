package traffic

import (
	"context"
	"errors"
	"testing"

	"github.com/slipway-ml/slipway/internal/serving"
	"github.com/slipway-ml/slipway/internal/testutil"
)

type recordedEvent struct {
	eventType string
	payload   map[string]interface{}
}

type captureRecorder struct {
	events []recordedEvent
}

func (c *captureRecorder) Record(ctx context.Context, eventType string, payload map[string]interface{}) {
	c.events = append(c.events, recordedEvent{eventType: eventType, payload: payload})
}

func newTestAllocator(svc *testutil.FakeEndpointService) (*Allocator, *captureRecorder) {
	rec := &captureRecorder{}
	return NewAllocator(svc, serving.NewGuard(), rec), rec
}

func seedBlueGreen(svc *testutil.FakeEndpointService) {
	svc.Seed("scoring", serving.DeploymentDescriptor{Name: "blue", ModelVersion: "m-1"}, 100)
	svc.Seed("scoring", serving.DeploymentDescriptor{Name: "green", ModelVersion: "m-2"}, 0)
}

func TestApplyPlanCanary(t *testing.T) {
	svc := testutil.NewFakeEndpointService()
	seedBlueGreen(svc)
	alloc, rec := newTestAllocator(svc)

	res, err := alloc.ApplyPlan(context.Background(), "scoring", CanaryStart("blue", "green"))
	if err != nil {
		t.Fatalf("apply canary: %v", err)
	}
	if res.Partial {
		t.Fatalf("unexpected partial apply: %+v", res)
	}
	if res.Observed["blue"] != 90 || res.Observed["green"] != 10 {
		t.Fatalf("unexpected observed allocation: %v", res.Observed)
	}

	cached, ok := alloc.LastKnown("scoring")
	if !ok {
		t.Fatalf("last known allocation missing")
	}
	if cached["green"] != 10 {
		t.Fatalf("last known not refreshed: %v", cached)
	}
	if len(rec.events) != 1 || rec.events[0].eventType != "traffic.applied" {
		t.Fatalf("expected traffic.applied event, got %+v", rec.events)
	}
}

func TestApplyPlanRejectsBadSum(t *testing.T) {
	svc := testutil.NewFakeEndpointService()
	seedBlueGreen(svc)
	alloc, _ := newTestAllocator(svc)

	_, err := alloc.ApplyPlan(context.Background(), "scoring", Custom(map[string]int{"blue": 90, "green": 5}))
	var iv *InvariantViolationError
	if !errors.As(err, &iv) {
		t.Fatalf("expected InvariantViolationError, got %v", err)
	}
	if iv.Rule != RuleSumTo100 {
		t.Fatalf("expected rule %s, got %s", RuleSumTo100, iv.Rule)
	}
	if svc.Mutations != 0 {
		t.Fatalf("rejected plan must not touch the remote service, saw %d mutations", svc.Mutations)
	}
}

func TestApplyPlanRejectsPercentOutOfRange(t *testing.T) {
	svc := testutil.NewFakeEndpointService()
	seedBlueGreen(svc)
	alloc, _ := newTestAllocator(svc)

	_, err := alloc.ApplyPlan(context.Background(), "scoring", Custom(map[string]int{"blue": 120, "green": -20}))
	var iv *InvariantViolationError
	if !errors.As(err, &iv) {
		t.Fatalf("expected InvariantViolationError, got %v", err)
	}
	if iv.Rule != RulePercentRange {
		t.Fatalf("expected rule %s, got %s", RulePercentRange, iv.Rule)
	}
	if svc.Mutations != 0 {
		t.Fatalf("rejected plan must not touch the remote service")
	}
}

func TestApplyPlanRejectsPhantomTarget(t *testing.T) {
	svc := testutil.NewFakeEndpointService()
	svc.Seed("scoring", serving.DeploymentDescriptor{Name: "blue", ModelVersion: "m-1"}, 100)
	alloc, _ := newTestAllocator(svc)

	_, err := alloc.ApplyPlan(context.Background(), "scoring", Cutover("green", "blue"))
	var notFound *TargetNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected TargetNotFoundError, got %v", err)
	}
	if notFound.Deployment != "green" {
		t.Fatalf("expected green to be the missing target, got %s", notFound.Deployment)
	}
	if svc.Mutations != 0 {
		t.Fatalf("phantom target must be rejected before any remote mutation")
	}
}

func TestApplyPlanZeroSolitary(t *testing.T) {
	svc := testutil.NewFakeEndpointService()
	svc.Seed("scoring", serving.DeploymentDescriptor{Name: "blue", ModelVersion: "m-1"}, 100)
	alloc, _ := newTestAllocator(svc)

	res, err := alloc.ApplyPlan(context.Background(), "scoring", ZeroSolitary("blue"))
	if err != nil {
		t.Fatalf("zero solitary should be accepted: %v", err)
	}
	if res.Observed["blue"] != 0 {
		t.Fatalf("unexpected allocation: %v", res.Observed)
	}
}

func TestApplyPlanZeroRejectedWithSecondDeployment(t *testing.T) {
	svc := testutil.NewFakeEndpointService()
	seedBlueGreen(svc)
	alloc, _ := newTestAllocator(svc)

	_, err := alloc.ApplyPlan(context.Background(), "scoring", ZeroSolitary("blue"))
	var iv *InvariantViolationError
	if !errors.As(err, &iv) {
		t.Fatalf("expected InvariantViolationError, got %v", err)
	}
	if iv.Rule != RuleZeroRequiresSolitary {
		t.Fatalf("expected rule %s, got %s", RuleZeroRequiresSolitary, iv.Rule)
	}

	// 0/0 across two live deployments is the same violation.
	_, err = alloc.ApplyPlan(context.Background(), "scoring", Custom(map[string]int{"blue": 0, "green": 0}))
	if !errors.As(err, &iv) || iv.Rule != RuleZeroRequiresSolitary {
		t.Fatalf("expected %s violation for 0/0 plan, got %v", RuleZeroRequiresSolitary, err)
	}
}

func TestApplyPlanExplicitZeroToNewDeployment(t *testing.T) {
	svc := testutil.NewFakeEndpointService()
	svc.Seed("scoring", serving.DeploymentDescriptor{Name: "blue", ModelVersion: "m-1"}, 100)
	svc.Seed("scoring", serving.DeploymentDescriptor{Name: "green", ModelVersion: "m-2", State: serving.StateProvisioning}, 0)
	alloc, _ := newTestAllocator(svc)

	// blue=100/green=0 with green freshly provisioned is a valid plan;
	// only deletion requires the zero-traffic precondition.
	res, err := alloc.ApplyPlan(context.Background(), "scoring", Cutover("blue", "green"))
	if err != nil {
		t.Fatalf("explicit zero to provisioning deployment should be accepted: %v", err)
	}
	if res.Observed["blue"] != 100 || res.Observed["green"] != 0 {
		t.Fatalf("unexpected allocation: %v", res.Observed)
	}
}

func TestApplyPlanRemoteFailureKeepsLastKnown(t *testing.T) {
	svc := testutil.NewFakeEndpointService()
	seedBlueGreen(svc)
	alloc, _ := newTestAllocator(svc)

	if _, err := alloc.ApplyPlan(context.Background(), "scoring", CanaryStart("blue", "green")); err != nil {
		t.Fatalf("seed canary: %v", err)
	}

	svc.SetTrafficErr = errors.New("service wobbled")
	_, err := alloc.ApplyPlan(context.Background(), "scoring", EvenSplit("blue", "green"))
	if err == nil {
		t.Fatalf("expected remote failure to surface")
	}
	var partial *PartialApplyError
	if errors.As(err, &partial) {
		t.Fatalf("remote failure is not a partial apply: %v", err)
	}

	cached, ok := alloc.LastKnown("scoring")
	if !ok {
		t.Fatalf("last known allocation missing")
	}
	if cached["blue"] != 90 || cached["green"] != 10 {
		t.Fatalf("last known should be unchanged after failure, got %v", cached)
	}
}

func TestApplyPlanPartialApply(t *testing.T) {
	svc := testutil.NewFakeEndpointService()
	seedBlueGreen(svc)
	svc.ObservedAfterSet = map[string]int{"blue": 95, "green": 5}
	alloc, rec := newTestAllocator(svc)

	res, err := alloc.ApplyPlan(context.Background(), "scoring", CanaryStart("blue", "green"))
	var partial *PartialApplyError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialApplyError, got %v", err)
	}
	if !res.Partial {
		t.Fatalf("result should flag the partial apply: %+v", res)
	}
	if partial.Observed["blue"] != 95 || partial.Requested["blue"] != 90 {
		t.Fatalf("diff not carried: %+v", partial)
	}

	// The fresh read is authoritative for the cached view.
	cached, _ := alloc.LastKnown("scoring")
	if cached["blue"] != 95 {
		t.Fatalf("last known should hold the observed allocation, got %v", cached)
	}

	found := false
	for _, ev := range rec.events {
		if ev.eventType == "traffic.partial_apply" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected traffic.partial_apply event, got %+v", rec.events)
	}
}
