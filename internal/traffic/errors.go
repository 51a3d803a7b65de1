package traffic

import "fmt"

// Rules named by InvariantViolationError. Operators see these verbatim in
// API responses, so they stay stable.
const (
	RulePercentRange         = "percent_range"
	RuleSumTo100             = "sum_to_100"
	RuleZeroRequiresSolitary = "zero_requires_solitary"
	RuleEmptyPlan            = "empty_plan"
)

// InvariantViolationError rejects a plan before any remote mutation.
type InvariantViolationError struct {
	Rule   string
	Detail string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation (%s): %s", e.Rule, e.Detail)
}

// TargetNotFoundError rejects a plan that routes traffic to a deployment
// the endpoint does not currently have.
type TargetNotFoundError struct {
	Endpoint   string
	Deployment string
}

func (e *TargetNotFoundError) Error() string {
	return fmt.Sprintf("traffic target %q not found on endpoint %q", e.Deployment, e.Endpoint)
}

// PartialApplyError reports that the remote service accepted an update but
// the re-read allocation does not match what was requested. The update is
// not rolled back; the caller decides what to do with the diff.
type PartialApplyError struct {
	Endpoint  string
	Requested map[string]int
	Observed  map[string]int
}

func (e *PartialApplyError) Error() string {
	return fmt.Sprintf("partial apply on endpoint %q: requested %v, observed %v", e.Endpoint, e.Requested, e.Observed)
}
