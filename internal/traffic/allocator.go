// Package traffic validates and applies endpoint traffic plans. Every
// allocation an endpoint serves is decided here, behind one serialization
// point, so the sum-to-100 invariant has a single place to hold.
package traffic

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/slipway-ml/slipway/internal/serving"
)

// EventRecorder appends release events. Recording never fails a traffic
// operation.
type EventRecorder interface {
	Record(ctx context.Context, eventType string, payload map[string]interface{})
}

// Result reports what a plan application did. Observed is the allocation
// re-read from the remote service after the update.
type Result struct {
	Endpoint  string         `json:"endpoint"`
	Policy    string         `json:"policy"`
	Requested map[string]int `json:"requested"`
	Observed  map[string]int `json:"observed"`
	Partial   bool           `json:"partialApply"`
}

// Allocator owns the process-wide view of endpoint traffic. All mutations
// for one endpoint serialize through the shared guard.
type Allocator struct {
	endpoints serving.EndpointClient
	guard     *serving.Guard
	recorder  EventRecorder

	mu        sync.RWMutex
	lastKnown map[string]map[string]int
}

func NewAllocator(endpoints serving.EndpointClient, guard *serving.Guard, recorder EventRecorder) *Allocator {
	return &Allocator{
		endpoints: endpoints,
		guard:     guard,
		recorder:  recorder,
		lastKnown: make(map[string]map[string]int),
	}
}

func copyAlloc(alloc map[string]int) map[string]int {
	out := make(map[string]int, len(alloc))
	for name, pct := range alloc {
		out[name] = pct
	}
	return out
}

// ApplyPlan validates the plan against the endpoint's current deployments,
// replaces the endpoint's allocation, then re-reads it. A verified mismatch
// comes back as a populated Result plus a *PartialApplyError; the update is
// never rolled back or retried here.
func (a *Allocator) ApplyPlan(ctx context.Context, endpoint string, plan Plan) (Result, error) {
	a.guard.Lock(endpoint)
	defer a.guard.Unlock(endpoint)

	if err := a.validate(ctx, endpoint, plan); err != nil {
		return Result{}, err
	}

	if err := a.endpoints.SetTraffic(ctx, endpoint, plan.Shares); err != nil {
		// The remote update may or may not have landed. Last known state
		// stays as it was; the caller re-queries before retrying.
		return Result{}, fmt.Errorf("set traffic on %s: %w", endpoint, err)
	}

	observed, err := a.endpoints.GetTraffic(ctx, endpoint)
	if err != nil {
		return Result{}, fmt.Errorf("verify traffic on %s: %w", endpoint, err)
	}

	a.mu.Lock()
	a.lastKnown[endpoint] = copyAlloc(observed)
	a.mu.Unlock()

	result := Result{
		Endpoint:  endpoint,
		Policy:    plan.Policy,
		Requested: copyAlloc(plan.Shares),
		Observed:  copyAlloc(observed),
	}
	if !allocationsMatch(plan.Shares, observed) {
		result.Partial = true
		log.Printf("[traffic] partial apply on %s: requested %v observed %v", endpoint, plan.Shares, observed)
		a.record(ctx, "traffic.partial_apply", map[string]interface{}{
			"endpoint":  endpoint,
			"policy":    plan.Policy,
			"requested": result.Requested,
			"observed":  result.Observed,
		})
		return result, &PartialApplyError{Endpoint: endpoint, Requested: result.Requested, Observed: result.Observed}
	}

	log.Printf("[traffic] applied %s on %s: %v", plan.Policy, endpoint, observed)
	a.record(ctx, "traffic.applied", map[string]interface{}{
		"endpoint": endpoint,
		"policy":   plan.Policy,
		"shares":   result.Observed,
	})
	return result, nil
}

// validate rejects bad plans before any mutating call. Reads of current
// endpoint state are allowed here; writes are not.
func (a *Allocator) validate(ctx context.Context, endpoint string, plan Plan) error {
	if len(plan.Shares) == 0 {
		return &InvariantViolationError{Rule: RuleEmptyPlan, Detail: "plan names no deployments"}
	}
	for name, pct := range plan.Shares {
		if pct < 0 || pct > 100 {
			return &InvariantViolationError{
				Rule:   RulePercentRange,
				Detail: fmt.Sprintf("deployment %q requested %d%%", name, pct),
			}
		}
	}

	deployments, err := a.endpoints.ListDeployments(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("list deployments on %s: %w", endpoint, err)
	}
	byName := make(map[string]serving.DeploymentDescriptor, len(deployments))
	for _, d := range deployments {
		byName[d.Name] = d
	}
	for name := range plan.Shares {
		d, ok := byName[name]
		if !ok || !d.State.Routable() {
			return &TargetNotFoundError{Endpoint: endpoint, Deployment: name}
		}
	}

	sum := plan.sum()
	if sum == 100 {
		return nil
	}
	if sum == 0 {
		// Zeroing is only allowed for the endpoint's sole deployment,
		// immediately ahead of deleting it. With a second deployment
		// present, 0/0 would drop all traffic while both slots look held.
		if len(plan.Shares) == 1 && len(byName) == 1 {
			return nil
		}
		return &InvariantViolationError{
			Rule:   RuleZeroRequiresSolitary,
			Detail: fmt.Sprintf("zero-sum plan needs a solitary deployment, endpoint has %d", len(byName)),
		}
	}
	return &InvariantViolationError{
		Rule:   RuleSumTo100,
		Detail: fmt.Sprintf("plan percentages sum to %d", sum),
	}
}

func allocationsMatch(requested, observed map[string]int) bool {
	for name, pct := range requested {
		if observed[name] != pct {
			return false
		}
	}
	for name, pct := range observed {
		if _, ok := requested[name]; !ok && pct != 0 {
			return false
		}
	}
	return true
}

// CurrentAllocation reads the endpoint's live allocation and refreshes the
// allocator's view of it.
func (a *Allocator) CurrentAllocation(ctx context.Context, endpoint string) (map[string]int, error) {
	alloc, err := a.endpoints.GetTraffic(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("get traffic on %s: %w", endpoint, err)
	}
	a.mu.Lock()
	a.lastKnown[endpoint] = copyAlloc(alloc)
	a.mu.Unlock()
	return alloc, nil
}

// LastKnown returns the allocator's cached allocation for an endpoint, if
// any verified read has happened.
func (a *Allocator) LastKnown(endpoint string) (map[string]int, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	alloc, ok := a.lastKnown[endpoint]
	if !ok {
		return nil, false
	}
	return copyAlloc(alloc), true
}

func (a *Allocator) record(ctx context.Context, eventType string, payload map[string]interface{}) {
	if a.recorder == nil {
		return
	}
	a.recorder.Record(ctx, eventType, payload)
}
