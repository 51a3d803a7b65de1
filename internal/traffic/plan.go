package traffic

// Plan is a complete desired allocation for an endpoint: every deployment
// it names receives exactly the listed percentage and the remote service
// replaces the endpoint's whole allocation with it.
type Plan struct {
	Policy string         `json:"policy"`
	Shares map[string]int `json:"shares"`
}

// Named transition policies. Each returns a full plan; none of them are
// imperative steps.
const (
	PolicyCutover      = "cutover"
	PolicyCanaryStart  = "canary_start"
	PolicyQuarterShift = "quarter_shift"
	PolicyEvenSplit    = "even_split"
	PolicyRollback     = "rollback"
	PolicyZeroSolitary = "zero_solitary"
	PolicyCustom       = "custom"
)

// Cutover routes all traffic to one deployment. If from is non-empty it is
// pinned to an explicit zero instead of being dropped from the plan.
func Cutover(to, from string) Plan {
	shares := map[string]int{to: 100}
	if from != "" {
		shares[from] = 0
	}
	return Plan{Policy: PolicyCutover, Shares: shares}
}

// CanaryStart exposes a new deployment to a small slice of live load.
func CanaryStart(stable, canary string) Plan {
	return Plan{Policy: PolicyCanaryStart, Shares: map[string]int{stable: 90, canary: 10}}
}

// QuarterShift widens a canary to a quarter of the traffic.
func QuarterShift(stable, canary string) Plan {
	return Plan{Policy: PolicyQuarterShift, Shares: map[string]int{stable: 75, canary: 25}}
}

// EvenSplit balances two deployments.
func EvenSplit(a, b string) Plan {
	return Plan{Policy: PolicyEvenSplit, Shares: map[string]int{a: 50, b: 50}}
}

// Rollback is the mirror of Cutover, returning all traffic to the previous
// deployment.
func Rollback(to, from string) Plan {
	shares := map[string]int{to: 100}
	if from != "" {
		shares[from] = 0
	}
	return Plan{Policy: PolicyRollback, Shares: shares}
}

// ZeroSolitary zeroes the only deployment on an endpoint ahead of deleting
// it. The allocator rejects this plan when a second deployment exists.
func ZeroSolitary(name string) Plan {
	return Plan{Policy: PolicyZeroSolitary, Shares: map[string]int{name: 0}}
}

// Custom wraps an explicit allocation map.
func Custom(shares map[string]int) Plan {
	return Plan{Policy: PolicyCustom, Shares: shares}
}

func (p Plan) sum() int {
	total := 0
	for _, pct := range p.Shares {
		total += pct
	}
	return total
}
