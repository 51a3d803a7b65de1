// Package testutil provides in-memory collaborator fakes so the state
// machines can be exercised without any network dependency.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/slipway-ml/slipway/internal/compute"
	"github.com/slipway-ml/slipway/internal/registry"
	"github.com/slipway-ml/slipway/internal/serving"
)

// FakeJobClient implements compute.JobClient. Behavior is overridable per
// test through the func fields; the zero value submits jobs that immediately
// report Completed.
type FakeJobClient struct {
	mu sync.Mutex

	SubmitFunc func(ctx context.Context, spec compute.JobSpec) (compute.JobHandle, error)
	StatusFunc func(ctx context.Context, handle compute.JobHandle) (compute.JobStatus, error)
	CancelFunc func(ctx context.Context, handle compute.JobHandle) error

	Submitted   []compute.JobSpec
	Canceled    []string
	StatusCalls int

	nextID int
}

func (f *FakeJobClient) Submit(ctx context.Context, spec compute.JobSpec) (compute.JobHandle, error) {
	f.mu.Lock()
	f.Submitted = append(f.Submitted, spec)
	f.nextID++
	id := fmt.Sprintf("job-%d", f.nextID)
	f.mu.Unlock()
	if f.SubmitFunc != nil {
		return f.SubmitFunc(ctx, spec)
	}
	return compute.JobHandle{ID: id, Environment: spec.Environment}, nil
}

func (f *FakeJobClient) Status(ctx context.Context, handle compute.JobHandle) (compute.JobStatus, error) {
	f.mu.Lock()
	f.StatusCalls++
	f.mu.Unlock()
	if f.StatusFunc != nil {
		return f.StatusFunc(ctx, handle)
	}
	return compute.StatusCompleted, nil
}

func (f *FakeJobClient) Cancel(ctx context.Context, handle compute.JobHandle) error {
	f.mu.Lock()
	f.Canceled = append(f.Canceled, handle.ID)
	f.mu.Unlock()
	if f.CancelFunc != nil {
		return f.CancelFunc(ctx, handle)
	}
	return nil
}

// SubmitCount reports how many submissions were issued for an environment.
func (f *FakeJobClient) SubmitCount(env string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, spec := range f.Submitted {
		if string(spec.Environment) == env {
			n++
		}
	}
	return n
}

// StatusScript returns a StatusFunc that replays the given statuses in order
// and sticks on the last one.
func StatusScript(statuses ...compute.JobStatus) func(ctx context.Context, handle compute.JobHandle) (compute.JobStatus, error) {
	var mu sync.Mutex
	i := 0
	return func(ctx context.Context, handle compute.JobHandle) (compute.JobStatus, error) {
		mu.Lock()
		defer mu.Unlock()
		s := statuses[i]
		if i < len(statuses)-1 {
			i++
		}
		return s, nil
	}
}

// FakeEndpointService implements serving.EndpointClient over in-memory maps.
// SetTraffic replaces the endpoint's whole allocation map, the same contract
// the allocator assumes of the real service.
type FakeEndpointService struct {
	mu sync.Mutex

	deployments map[string]map[string]serving.DeploymentDescriptor
	traffic     map[string]map[string]int

	// ProvisionState is the state new deployments surface in after
	// CreateOrUpdateDeployment. Defaults to Live.
	ProvisionState serving.DeploymentState

	// SetTrafficErr, when set, fails the next SetTraffic call.
	SetTrafficErr error

	// ObservedAfterSet, when set, is installed as the endpoint's traffic map
	// after a successful SetTraffic instead of the requested one. Used to
	// simulate a partial apply.
	ObservedAfterSet map[string]int

	InvokeFunc func(ctx context.Context, endpoint, deployment string, payload []byte) ([]byte, error)

	Mutations int
}

func NewFakeEndpointService() *FakeEndpointService {
	return &FakeEndpointService{
		deployments:    map[string]map[string]serving.DeploymentDescriptor{},
		traffic:        map[string]map[string]int{},
		ProvisionState: serving.StateLive,
	}
}

// Seed installs a deployment and its traffic share directly, bypassing the
// lifecycle manager.
func (f *FakeEndpointService) Seed(endpoint string, desc serving.DeploymentDescriptor, percent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if desc.State == "" {
		desc.State = serving.StateLive
	}
	f.deploymentsFor(endpoint)[desc.Name] = desc
	f.trafficFor(endpoint)[desc.Name] = percent
}

func (f *FakeEndpointService) deploymentsFor(endpoint string) map[string]serving.DeploymentDescriptor {
	m, ok := f.deployments[endpoint]
	if !ok {
		m = map[string]serving.DeploymentDescriptor{}
		f.deployments[endpoint] = m
	}
	return m
}

func (f *FakeEndpointService) trafficFor(endpoint string) map[string]int {
	m, ok := f.traffic[endpoint]
	if !ok {
		m = map[string]int{}
		f.traffic[endpoint] = m
	}
	return m
}

func (f *FakeEndpointService) GetTraffic(ctx context.Context, endpoint string) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int{}
	for name, pct := range f.trafficFor(endpoint) {
		out[name] = pct
	}
	return out, nil
}

func (f *FakeEndpointService) SetTraffic(ctx context.Context, endpoint string, alloc map[string]int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Mutations++
	if f.SetTrafficErr != nil {
		err := f.SetTrafficErr
		f.SetTrafficErr = nil
		return err
	}
	next := map[string]int{}
	src := alloc
	if f.ObservedAfterSet != nil {
		src = f.ObservedAfterSet
	}
	for name, pct := range src {
		next[name] = pct
	}
	f.traffic[endpoint] = next
	return nil
}

func (f *FakeEndpointService) ListDeployments(ctx context.Context, endpoint string) ([]serving.DeploymentDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []serving.DeploymentDescriptor
	for _, d := range f.deploymentsFor(endpoint) {
		out = append(out, d)
	}
	return out, nil
}

func (f *FakeEndpointService) CreateOrUpdateDeployment(ctx context.Context, endpoint string, desc serving.DeploymentDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Mutations++
	desc.State = f.ProvisionState
	deployments := f.deploymentsFor(endpoint)
	traffic := f.trafficFor(endpoint)
	if _, exists := deployments[desc.Name]; !exists {
		// New deployments never inherit traffic.
		traffic[desc.Name] = 0
	}
	deployments[desc.Name] = desc
	return nil
}

func (f *FakeEndpointService) DeleteDeployment(ctx context.Context, endpoint, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Mutations++
	delete(f.deploymentsFor(endpoint), name)
	delete(f.trafficFor(endpoint), name)
	return nil
}

func (f *FakeEndpointService) Invoke(ctx context.Context, endpoint, deployment string, payload []byte) ([]byte, error) {
	if f.InvokeFunc != nil {
		return f.InvokeFunc(ctx, endpoint, deployment, payload)
	}
	return []byte(`{"predictions":[1]}`), nil
}

// FakeRegistry implements registry.Client with monotonically increasing
// versions per model name.
type FakeRegistry struct {
	mu sync.Mutex

	RegisterFunc func(ctx context.Context, artifactURI, name string) (registry.RegisteredModel, error)

	Registered []string
	versions   map[string]int
}

func (f *FakeRegistry) Register(ctx context.Context, artifactURI, name string) (registry.RegisteredModel, error) {
	f.mu.Lock()
	f.Registered = append(f.Registered, artifactURI)
	if f.versions == nil {
		f.versions = map[string]int{}
	}
	f.versions[name]++
	version := f.versions[name]
	f.mu.Unlock()
	if f.RegisterFunc != nil {
		return f.RegisterFunc(ctx, artifactURI, name)
	}
	return registry.RegisteredModel{
		Name:    name,
		Version: version,
		Ref:     fmt.Sprintf("registry://models/%s/%d", name, version),
	}, nil
}

// RegisterCalls reports how many registrations have been issued.
func (f *FakeRegistry) RegisterCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Registered)
}

// FakeLocator implements the registrar's artifact existence check.
type FakeLocator struct {
	mu      sync.Mutex
	Missing map[string]bool
	Err     error
}

func (f *FakeLocator) Exists(ctx context.Context, uri string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return false, f.Err
	}
	return !f.Missing[uri], nil
}
