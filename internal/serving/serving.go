// Package serving talks to the remote online-endpoint service that hosts the
// blue/green model deployments.
package serving

import (
	"context"
	"errors"
)

// DeploymentState is the existence state of one deployment behind an endpoint.
type DeploymentState string

const (
	StateAbsent       DeploymentState = "Absent"
	StateProvisioning DeploymentState = "Provisioning"
	StateLive         DeploymentState = "Live"
)

// Routable reports whether traffic may be allocated to a deployment in this
// state.
func (s DeploymentState) Routable() bool {
	return s == StateLive || s == StateProvisioning
}

// DeploymentDescriptor describes one named serving instance (a color slot
// such as "blue" or "green") behind an endpoint.
type DeploymentDescriptor struct {
	Name          string          `json:"name"`
	ModelVersion  string          `json:"modelVersion"`
	InstanceType  string          `json:"instanceType,omitempty"`
	InstanceCount int             `json:"instanceCount,omitempty"`
	State         DeploymentState `json:"state"`
}

// EndpointClient is the remote endpoint service collaborator. Traffic maps
// are full replacements: SetTraffic installs exactly the given allocation.
// None of the mutating calls are retried by this layer.
type EndpointClient interface {
	GetTraffic(ctx context.Context, endpoint string) (map[string]int, error)
	SetTraffic(ctx context.Context, endpoint string, alloc map[string]int) error
	ListDeployments(ctx context.Context, endpoint string) ([]DeploymentDescriptor, error)
	CreateOrUpdateDeployment(ctx context.Context, endpoint string, desc DeploymentDescriptor) error
	DeleteDeployment(ctx context.Context, endpoint, name string) error
	Invoke(ctx context.Context, endpoint, deployment string, payload []byte) ([]byte, error)
}

var (
	// ErrNotFound covers endpoints or deployments the service has no record of.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable marks a transient remote failure.
	ErrUnavailable = errors.New("endpoint service unavailable")
)
