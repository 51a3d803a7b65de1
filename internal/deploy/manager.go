// Package deploy manages deployment slots on serving endpoints: creating
// or updating them in place and deleting them once they are drained.
package deploy

import (
	"context"
	"fmt"
	"log"

	"github.com/slipway-ml/slipway/internal/serving"
)

// EventRecorder appends release events. Recording never fails a lifecycle
// operation.
type EventRecorder interface {
	Record(ctx context.Context, eventType string, payload map[string]interface{})
}

// StillServingError rejects deletion of a deployment that still receives
// traffic.
type StillServingError struct {
	Endpoint   string
	Deployment string
	Percent    int
}

func (e *StillServingError) Error() string {
	return fmt.Sprintf("deployment %q on endpoint %q still serves %d%% traffic", e.Deployment, e.Endpoint, e.Percent)
}

// InstanceConfig sizes a deployment slot.
type InstanceConfig struct {
	InstanceType  string `json:"instanceType"`
	InstanceCount int    `json:"instanceCount"`
}

// Manager serializes slot mutations per endpoint through the same guard
// the traffic allocator uses, so a delete can never race a cutover.
type Manager struct {
	endpoints serving.EndpointClient
	guard     *serving.Guard
	recorder  EventRecorder
}

func NewManager(endpoints serving.EndpointClient, guard *serving.Guard, recorder EventRecorder) *Manager {
	return &Manager{endpoints: endpoints, guard: guard, recorder: recorder}
}

func (m *Manager) findDeployment(ctx context.Context, endpoint, name string) (serving.DeploymentDescriptor, bool, error) {
	deployments, err := m.endpoints.ListDeployments(ctx, endpoint)
	if err != nil {
		return serving.DeploymentDescriptor{}, false, fmt.Errorf("list deployments on %s: %w", endpoint, err)
	}
	for _, d := range deployments {
		if d.Name == name {
			return d, true, nil
		}
	}
	return serving.DeploymentDescriptor{}, false, nil
}

// EnsureLive creates the slot if absent or rebinds it in place when it runs
// a different model version. A slot already live on the requested version is
// left untouched. New slots start with no traffic; exposure is a separate
// decision made through the traffic allocator.
func (m *Manager) EnsureLive(ctx context.Context, endpoint, name, modelVersion string, cfg InstanceConfig) (serving.DeploymentDescriptor, error) {
	m.guard.Lock(endpoint)
	defer m.guard.Unlock(endpoint)

	current, exists, err := m.findDeployment(ctx, endpoint, name)
	if err != nil {
		return serving.DeploymentDescriptor{}, err
	}
	if exists && current.ModelVersion == modelVersion && current.State.Routable() {
		return current, nil
	}

	desc := serving.DeploymentDescriptor{
		Name:          name,
		ModelVersion:  modelVersion,
		InstanceType:  cfg.InstanceType,
		InstanceCount: cfg.InstanceCount,
	}
	if err := m.endpoints.CreateOrUpdateDeployment(ctx, endpoint, desc); err != nil {
		return serving.DeploymentDescriptor{}, fmt.Errorf("ensure deployment %s on %s: %w", name, endpoint, err)
	}

	// The remote return code is not trusted for mutations; read back what
	// actually exists now.
	applied, found, err := m.findDeployment(ctx, endpoint, name)
	if err != nil {
		return serving.DeploymentDescriptor{}, err
	}
	if !found {
		return serving.DeploymentDescriptor{}, fmt.Errorf("deployment %s not visible on %s after update", name, endpoint)
	}

	eventType := "deployment.created"
	if exists {
		eventType = "deployment.updated"
	}
	log.Printf("[deploy] %s %s on %s (model %s, state %s)", eventType, name, endpoint, modelVersion, applied.State)
	m.record(ctx, eventType, map[string]interface{}{
		"endpoint":     endpoint,
		"deployment":   name,
		"modelVersion": modelVersion,
		"state":        string(applied.State),
	})
	return applied, nil
}

// EnsureAbsent deletes the slot once it serves no traffic. Deleting an
// already absent slot is a no-op.
func (m *Manager) EnsureAbsent(ctx context.Context, endpoint, name string) error {
	m.guard.Lock(endpoint)
	defer m.guard.Unlock(endpoint)

	alloc, err := m.endpoints.GetTraffic(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("get traffic on %s: %w", endpoint, err)
	}
	if pct := alloc[name]; pct > 0 {
		return &StillServingError{Endpoint: endpoint, Deployment: name, Percent: pct}
	}

	_, exists, err := m.findDeployment(ctx, endpoint, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	if err := m.endpoints.DeleteDeployment(ctx, endpoint, name); err != nil {
		return fmt.Errorf("delete deployment %s on %s: %w", name, endpoint, err)
	}
	_, still, err := m.findDeployment(ctx, endpoint, name)
	if err != nil {
		return err
	}
	if still {
		return fmt.Errorf("deployment %s still present on %s after delete", name, endpoint)
	}

	log.Printf("[deploy] deleted %s on %s", name, endpoint)
	m.record(ctx, "deployment.deleted", map[string]interface{}{
		"endpoint":   endpoint,
		"deployment": name,
	})
	return nil
}

// Probe sends a scoring payload directly to one deployment, bypassing the
// traffic split. Used to smoke-test a slot before exposing it.
func (m *Manager) Probe(ctx context.Context, endpoint, name string, payload []byte) ([]byte, error) {
	_, exists, err := m.findDeployment(ctx, endpoint, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("deployment %s on %s: %w", name, endpoint, serving.ErrNotFound)
	}
	out, err := m.endpoints.Invoke(ctx, endpoint, name, payload)
	if err != nil {
		return nil, fmt.Errorf("probe %s on %s: %w", name, endpoint, err)
	}
	return out, nil
}

func (m *Manager) record(ctx context.Context, eventType string, payload map[string]interface{}) {
	if m.recorder == nil {
		return
	}
	m.recorder.Record(ctx, eventType, payload)
}
