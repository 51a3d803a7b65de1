// Package registry binds successful production artifacts to versioned,
// named entries in the model registry.
package registry

import (
	"context"
	"errors"
)

// RegisteredModel is the registry's receipt for one registration.
type RegisteredModel struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	Ref     string `json:"ref"`
}

// Client is the remote model-registry collaborator. Registries are
// append-only: registering the same artifact twice produces two versions, and
// callers needing idempotence must track registration themselves.
type Client interface {
	Register(ctx context.Context, artifactURI, name string) (RegisteredModel, error)
}

var (
	// ErrArtifactMissing means the job output location holds no artifact.
	// Distinct from registry unavailability so callers can tell a broken
	// training output from a broken registry.
	ErrArtifactMissing = errors.New("artifact not found at output location")

	// ErrUnavailable marks a transient registry failure.
	ErrUnavailable = errors.New("model registry unavailable")
)
