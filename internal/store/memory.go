package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slipway-ml/slipway/internal/models"
)

// MemoryStore is an in-memory Store used by tests and database-less
// development setups.
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[uuid.UUID]models.PipelineRun
	runOrder []uuid.UUID
	versions map[uuid.UUID]models.ModelVersion
	verOrder []uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[uuid.UUID]models.PipelineRun),
		versions: make(map[uuid.UUID]models.ModelVersion),
	}
}

func copyRun(run models.PipelineRun) models.PipelineRun {
	out := run
	out.Hyperparams = append(json.RawMessage(nil), run.Hyperparams...)
	if run.Approval != nil {
		rec := *run.Approval
		out.Approval = &rec
	}
	if run.ModelVersionID != nil {
		id := *run.ModelVersionID
		out.ModelVersionID = &id
	}
	return out
}

func (m *MemoryStore) CreatePipelineRun(ctx context.Context, in PipelineRunInput) (models.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := in.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := time.Now().UTC()
	run := models.PipelineRun{
		ID:          id,
		ModelName:   in.ModelName,
		Experiment:  in.Experiment,
		DatasetRef:  in.DatasetRef,
		Hyperparams: ensureJSON(in.Hyperparams, "{}"),
		ArtifactURI: in.ArtifactURI,
		Phase:       models.PhaseQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.runs[id] = run
	m.runOrder = append(m.runOrder, id)
	return copyRun(run), nil
}

func (m *MemoryStore) GetPipelineRun(ctx context.Context, id uuid.UUID) (models.PipelineRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return models.PipelineRun{}, ErrNotFound
	}
	return copyRun(run), nil
}

func (m *MemoryStore) ListPipelineRuns(ctx context.Context, filter ListRunsFilter) ([]models.PipelineRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := normalizeLimit(filter.Limit)
	var out []models.PipelineRun
	skipped := 0
	// Newest first, matching the SQL ORDER BY created_at DESC.
	for i := len(m.runOrder) - 1; i >= 0; i-- {
		run := m.runs[m.runOrder[i]]
		if filter.ModelName != "" && run.ModelName != filter.ModelName {
			continue
		}
		if filter.Phase != "" && run.Phase != filter.Phase {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, copyRun(run))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ClaimNextQueuedRun(ctx context.Context) (models.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.runOrder {
		run := m.runs[id]
		if run.Phase != models.PhaseQueued {
			continue
		}
		run.Phase = models.PhaseDevRunning
		run.UpdatedAt = time.Now().UTC()
		m.runs[id] = run
		return copyRun(run), nil
	}
	return models.PipelineRun{}, ErrNotFound
}

func (m *MemoryStore) UpdateRun(ctx context.Context, in RunUpdate) (models.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[in.ID]
	if !ok {
		return models.PipelineRun{}, ErrNotFound
	}
	if in.Phase != nil {
		run.Phase = *in.Phase
	}
	if in.DevJobID != nil {
		run.DevJobID = *in.DevJobID
	}
	if in.DevStatus != nil {
		run.DevStatus = *in.DevStatus
	}
	if in.ProdJobID != nil {
		run.ProdJobID = *in.ProdJobID
	}
	if in.ProdStatus != nil {
		run.ProdStatus = *in.ProdStatus
	}
	if in.Approval != nil {
		rec := *in.Approval
		run.Approval = &rec
	}
	if in.ModelVersionID != nil {
		id := *in.ModelVersionID
		run.ModelVersionID = &id
	}
	if in.RegistrationError != nil {
		run.RegistrationError = *in.RegistrationError
	}
	run.UpdatedAt = time.Now().UTC()
	m.runs[in.ID] = run
	return copyRun(run), nil
}

func (m *MemoryStore) CreateModelVersion(ctx context.Context, in ModelVersionInput) (models.ModelVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := in.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	mv := models.ModelVersion{
		ID:          id,
		RunID:       in.RunID,
		Name:        in.Name,
		Version:     in.Version,
		ArtifactURI: in.ArtifactURI,
		RegistryRef: in.RegistryRef,
		ManifestKey: in.ManifestKey,
		CreatedAt:   time.Now().UTC(),
	}
	m.versions[id] = mv
	m.verOrder = append(m.verOrder, id)
	return mv, nil
}

func (m *MemoryStore) GetModelVersion(ctx context.Context, id uuid.UUID) (models.ModelVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mv, ok := m.versions[id]
	if !ok {
		return models.ModelVersion{}, ErrNotFound
	}
	return mv, nil
}

func (m *MemoryStore) ListModelVersions(ctx context.Context, filter ListVersionsFilter) ([]models.ModelVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := normalizeLimit(filter.Limit)
	var out []models.ModelVersion
	skipped := 0
	for i := len(m.verOrder) - 1; i >= 0; i-- {
		mv := m.versions[m.verOrder[i]]
		if filter.Name != "" && mv.Name != filter.Name {
			continue
		}
		if filter.RunID != nil && mv.RunID != *filter.RunID {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, mv)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
