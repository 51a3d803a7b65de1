package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/slipway-ml/slipway/internal/models"
	"github.com/slipway-ml/slipway/internal/store"
)

type stubClient struct {
	registered int
	err        error
}

func (s *stubClient) Register(ctx context.Context, artifactURI, name string) (RegisteredModel, error) {
	s.registered++
	if s.err != nil {
		return RegisteredModel{}, s.err
	}
	return RegisteredModel{Name: name, Version: 3, Ref: "registry://models/" + name + "/3"}, nil
}

type stubLocator struct {
	exists bool
	err    error
}

func (s *stubLocator) Exists(ctx context.Context, uri string) (bool, error) {
	return s.exists, s.err
}

type stubArchiver struct {
	manifests []Manifest
	err       error
}

func (s *stubArchiver) ArchiveManifest(ctx context.Context, m Manifest) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.manifests = append(s.manifests, m)
	return fmt.Sprintf("models/%s/%d/manifest.json", m.Name, m.Version), nil
}

func testRun() models.PipelineRun {
	return models.PipelineRun{
		ID:          uuid.New(),
		ModelName:   "fraud-scorer",
		Experiment:  "exp-7",
		DatasetRef:  "s3://datasets/fraud/v3",
		ArtifactURI: "s3://slipway-artifacts/models/fraud-scorer/run/model.bin",
	}
}

func TestRegistrarRegister(t *testing.T) {
	client := &stubClient{}
	archiver := &stubArchiver{}
	st := store.NewMemoryStore()
	reg := NewRegistrar(client, &stubLocator{exists: true}, archiver, st)

	run := testRun()
	mv, err := reg.Register(context.Background(), run)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if mv.Name != "fraud-scorer" || mv.Version != 3 {
		t.Fatalf("unexpected version record: %+v", mv)
	}
	if mv.RegistryRef != "registry://models/fraud-scorer/3" {
		t.Fatalf("unexpected registry ref: %s", mv.RegistryRef)
	}
	if mv.ManifestKey != "models/fraud-scorer/3/manifest.json" {
		t.Fatalf("unexpected manifest key: %s", mv.ManifestKey)
	}
	if len(archiver.manifests) != 1 {
		t.Fatalf("expected one manifest, got %d", len(archiver.manifests))
	}
	if archiver.manifests[0].RunID != run.ID.String() {
		t.Fatalf("manifest run id mismatch: %s", archiver.manifests[0].RunID)
	}

	versions, err := st.ListModelVersions(context.Background(), store.ListVersionsFilter{Name: "fraud-scorer"})
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected persisted version, got %d", len(versions))
	}
}

func TestRegistrarMissingArtifact(t *testing.T) {
	client := &stubClient{}
	reg := NewRegistrar(client, &stubLocator{exists: false}, nil, store.NewMemoryStore())

	_, err := reg.Register(context.Background(), testRun())
	if !errors.Is(err, ErrArtifactMissing) {
		t.Fatalf("expected ErrArtifactMissing, got %v", err)
	}
	if client.registered != 0 {
		t.Fatalf("registry called despite missing artifact")
	}
	if !strings.Contains(err.Error(), "model.bin") {
		t.Fatalf("error should name the artifact: %v", err)
	}
}

func TestRegistrarLocatorError(t *testing.T) {
	boom := errors.New("head request failed")
	reg := NewRegistrar(&stubClient{}, &stubLocator{err: boom}, nil, store.NewMemoryStore())

	_, err := reg.Register(context.Background(), testRun())
	if !errors.Is(err, boom) {
		t.Fatalf("expected locator error, got %v", err)
	}
}

func TestRegistrarRegistryFailure(t *testing.T) {
	client := &stubClient{err: ErrUnavailable}
	st := store.NewMemoryStore()
	reg := NewRegistrar(client, &stubLocator{exists: true}, nil, st)

	_, err := reg.Register(context.Background(), testRun())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	versions, err := st.ListModelVersions(context.Background(), store.ListVersionsFilter{})
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 0 {
		t.Fatalf("version persisted despite failed registration")
	}
}

func TestRegistrarManifestFailureIsNonFatal(t *testing.T) {
	archiver := &stubArchiver{err: errors.New("bucket unreachable")}
	reg := NewRegistrar(&stubClient{}, &stubLocator{exists: true}, archiver, store.NewMemoryStore())

	mv, err := reg.Register(context.Background(), testRun())
	if err != nil {
		t.Fatalf("register should survive manifest failure: %v", err)
	}
	if mv.ManifestKey != "" {
		t.Fatalf("manifest key recorded despite archive failure: %s", mv.ManifestKey)
	}
}
