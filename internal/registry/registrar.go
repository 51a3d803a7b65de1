package registry

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/slipway-ml/slipway/internal/models"
	"github.com/slipway-ml/slipway/internal/store"
)

// ArtifactLocator answers whether a model artifact exists at a URI.
type ArtifactLocator interface {
	Exists(ctx context.Context, uri string) (bool, error)
}

// Manifest is the registration record archived alongside a model version.
type Manifest struct {
	Name         string    `json:"name"`
	Version      int       `json:"version"`
	RunID        string    `json:"runId"`
	ArtifactURI  string    `json:"artifactUri"`
	RegistryRef  string    `json:"registryRef"`
	Experiment   string    `json:"experiment"`
	DatasetRef   string    `json:"datasetRef"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// ManifestArchiver persists a registration manifest and returns the
// storage key it was written under.
type ManifestArchiver interface {
	ArchiveManifest(ctx context.Context, m Manifest) (string, error)
}

// Registrar records a finished run's artifact in the model registry and
// persists the resulting version. Registration happens after the run has
// already succeeded, so failures here are reported but never unwind the
// run's outcome; the caller records the error and moves on.
type Registrar struct {
	client   Client
	locator  ArtifactLocator
	archiver ManifestArchiver
	store    store.Store
}

func NewRegistrar(client Client, locator ArtifactLocator, archiver ManifestArchiver, st store.Store) *Registrar {
	return &Registrar{client: client, locator: locator, archiver: archiver, store: st}
}

func (r *Registrar) Register(ctx context.Context, run models.PipelineRun) (models.ModelVersion, error) {
	exists, err := r.locator.Exists(ctx, run.ArtifactURI)
	if err != nil {
		return models.ModelVersion{}, fmt.Errorf("check artifact %s: %w", run.ArtifactURI, err)
	}
	if !exists {
		return models.ModelVersion{}, fmt.Errorf("artifact %s: %w", run.ArtifactURI, ErrArtifactMissing)
	}

	registered, err := r.client.Register(ctx, run.ArtifactURI, run.ModelName)
	if err != nil {
		return models.ModelVersion{}, fmt.Errorf("register %s: %w", run.ModelName, err)
	}

	manifestKey := ""
	if r.archiver != nil {
		key, err := r.archiver.ArchiveManifest(ctx, Manifest{
			Name:         registered.Name,
			Version:      registered.Version,
			RunID:        run.ID.String(),
			ArtifactURI:  run.ArtifactURI,
			RegistryRef:  registered.Ref,
			Experiment:   run.Experiment,
			DatasetRef:   run.DatasetRef,
			RegisteredAt: time.Now().UTC(),
		})
		if err != nil {
			// The registry already holds the version; a lost manifest is
			// recoverable from the run record.
			log.Printf("[registrar] manifest archive failed for %s v%d: %v", registered.Name, registered.Version, err)
		} else {
			manifestKey = key
		}
	}

	mv, err := r.store.CreateModelVersion(ctx, store.ModelVersionInput{
		RunID:       run.ID,
		Name:        registered.Name,
		Version:     registered.Version,
		ArtifactURI: run.ArtifactURI,
		RegistryRef: registered.Ref,
		ManifestKey: manifestKey,
	})
	if err != nil {
		return models.ModelVersion{}, fmt.Errorf("persist model version: %w", err)
	}
	log.Printf("[registrar] registered %s v%d for run %s (%s)", mv.Name, mv.Version, run.ID, mv.RegistryRef)
	return mv, nil
}
