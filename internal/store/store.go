package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/slipway-ml/slipway/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store persists pipeline runs and registered model versions.
type Store interface {
	CreatePipelineRun(ctx context.Context, in PipelineRunInput) (models.PipelineRun, error)
	GetPipelineRun(ctx context.Context, id uuid.UUID) (models.PipelineRun, error)
	ListPipelineRuns(ctx context.Context, filter ListRunsFilter) ([]models.PipelineRun, error)
	ClaimNextQueuedRun(ctx context.Context) (models.PipelineRun, error)
	UpdateRun(ctx context.Context, in RunUpdate) (models.PipelineRun, error)
	CreateModelVersion(ctx context.Context, in ModelVersionInput) (models.ModelVersion, error)
	GetModelVersion(ctx context.Context, id uuid.UUID) (models.ModelVersion, error)
	ListModelVersions(ctx context.Context, filter ListVersionsFilter) ([]models.ModelVersion, error)
	Ping(ctx context.Context) error
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type PipelineRunInput struct {
	ID          uuid.UUID
	ModelName   string
	Experiment  string
	DatasetRef  string
	Hyperparams json.RawMessage
	ArtifactURI string
}

// RunUpdate mutates a subset of a run's fields. Nil pointers leave the
// corresponding column untouched.
type RunUpdate struct {
	ID                uuid.UUID
	Phase             *string
	DevJobID          *string
	DevStatus         *string
	ProdJobID         *string
	ProdStatus        *string
	Approval          *models.ApprovalRecord
	ModelVersionID    *uuid.UUID
	RegistrationError *string
}

type ModelVersionInput struct {
	ID          uuid.UUID
	RunID       uuid.UUID
	Name        string
	Version     int
	ArtifactURI string
	RegistryRef string
	ManifestKey string
}

type ListRunsFilter struct {
	ModelName string
	Phase     string
	Limit     int
	Offset    int
}

type ListVersionsFilter struct {
	Name   string
	RunID  *uuid.UUID
	Limit  int
	Offset int
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func ensureJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}

const runColumns = `id, model_name, experiment, dataset_ref, hyperparams, artifact_uri, phase,
		dev_job_id, dev_status, prod_job_id, prod_status, approval, model_version_id, registration_error,
		created_at, updated_at`

func scanRun(row rowScanner) (models.PipelineRun, error) {
	var (
		run          models.PipelineRun
		hyperparams  []byte
		approval     []byte
		devJobID     sql.NullString
		devStatus    sql.NullString
		prodJobID    sql.NullString
		prodStatus   sql.NullString
		versionID    sql.NullString
		registration sql.NullString
	)
	if err := row.Scan(
		&run.ID,
		&run.ModelName,
		&run.Experiment,
		&run.DatasetRef,
		&hyperparams,
		&run.ArtifactURI,
		&run.Phase,
		&devJobID,
		&devStatus,
		&prodJobID,
		&prodStatus,
		&approval,
		&versionID,
		&registration,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return models.PipelineRun{}, err
	}
	run.Hyperparams = append(json.RawMessage(nil), hyperparams...)
	if devJobID.Valid {
		run.DevJobID = devJobID.String
	}
	if devStatus.Valid {
		run.DevStatus = devStatus.String
	}
	if prodJobID.Valid {
		run.ProdJobID = prodJobID.String
	}
	if prodStatus.Valid {
		run.ProdStatus = prodStatus.String
	}
	if len(approval) > 0 && string(approval) != "null" {
		var rec models.ApprovalRecord
		if err := json.Unmarshal(approval, &rec); err == nil {
			run.Approval = &rec
		}
	}
	if versionID.Valid {
		if id, err := uuid.Parse(versionID.String); err == nil {
			run.ModelVersionID = &id
		}
	}
	if registration.Valid {
		run.RegistrationError = registration.String
	}
	return run, nil
}

func scanVersion(row rowScanner) (models.ModelVersion, error) {
	var (
		mv       models.ModelVersion
		manifest sql.NullString
	)
	if err := row.Scan(
		&mv.ID,
		&mv.RunID,
		&mv.Name,
		&mv.Version,
		&mv.ArtifactURI,
		&mv.RegistryRef,
		&manifest,
		&mv.CreatedAt,
	); err != nil {
		return models.ModelVersion{}, err
	}
	if manifest.Valid {
		mv.ManifestKey = manifest.String
	}
	return mv, nil
}

func (s *PGStore) CreatePipelineRun(ctx context.Context, in PipelineRunInput) (models.PipelineRun, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO pipeline_runs (id, model_name, experiment, dataset_ref, hyperparams, artifact_uri, phase)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING ` + runColumns
	row := s.db.QueryRowContext(ctx, query,
		in.ID, in.ModelName, in.Experiment, in.DatasetRef,
		ensureJSON(in.Hyperparams, "{}"), in.ArtifactURI, models.PhaseQueued)
	run, err := scanRun(row)
	if err != nil {
		return models.PipelineRun{}, fmt.Errorf("insert pipeline run: %w", err)
	}
	return run, nil
}

func (s *PGStore) GetPipelineRun(ctx context.Context, id uuid.UUID) (models.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE id=$1`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PipelineRun{}, ErrNotFound
		}
		return models.PipelineRun{}, fmt.Errorf("get pipeline run: %w", err)
	}
	return run, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func (s *PGStore) ListPipelineRuns(ctx context.Context, filter ListRunsFilter) ([]models.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.ModelName != "" {
		query += fmt.Sprintf(" AND model_name = $%d", argPos)
		args = append(args, filter.ModelName)
		argPos++
	}
	if filter.Phase != "" {
		query += fmt.Sprintf(" AND phase = $%d", argPos)
		args = append(args, filter.Phase)
		argPos++
	}
	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pipeline runs: %w", err)
	}
	defer rows.Close()

	var runs []models.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pipeline runs: %w", err)
	}
	return runs, nil
}

// ClaimNextQueuedRun picks the oldest queued run and moves it into
// dev_running so concurrent workers never execute the same run twice.
func (s *PGStore) ClaimNextQueuedRun(ctx context.Context) (models.PipelineRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.PipelineRun{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const selectQueued = `
		SELECT id FROM pipeline_runs
		WHERE phase='queued'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`
	var runID uuid.UUID
	if err := tx.QueryRowContext(ctx, selectQueued).Scan(&runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PipelineRun{}, ErrNotFound
		}
		return models.PipelineRun{}, fmt.Errorf("select queued run: %w", err)
	}

	claim := `
		UPDATE pipeline_runs
		SET phase=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING ` + runColumns
	run, err := scanRun(tx.QueryRowContext(ctx, claim, runID, models.PhaseDevRunning))
	if err != nil {
		return models.PipelineRun{}, fmt.Errorf("claim run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.PipelineRun{}, fmt.Errorf("commit claim: %w", err)
	}
	return run, nil
}

func (s *PGStore) UpdateRun(ctx context.Context, in RunUpdate) (models.PipelineRun, error) {
	var approval []byte
	if in.Approval != nil {
		b, err := json.Marshal(in.Approval)
		if err != nil {
			return models.PipelineRun{}, fmt.Errorf("marshal approval: %w", err)
		}
		approval = b
	}
	var versionID interface{}
	if in.ModelVersionID != nil {
		versionID = *in.ModelVersionID
	}
	query := `
		UPDATE pipeline_runs
		SET phase=COALESCE($2, phase),
		    dev_job_id=COALESCE($3, dev_job_id),
		    dev_status=COALESCE($4, dev_status),
		    prod_job_id=COALESCE($5, prod_job_id),
		    prod_status=COALESCE($6, prod_status),
		    approval=COALESCE($7, approval),
		    model_version_id=COALESCE($8, model_version_id),
		    registration_error=COALESCE($9, registration_error),
		    updated_at=NOW()
		WHERE id=$1
		RETURNING ` + runColumns
	row := s.db.QueryRowContext(ctx, query,
		in.ID, in.Phase, in.DevJobID, in.DevStatus, in.ProdJobID, in.ProdStatus,
		approval, versionID, in.RegistrationError)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PipelineRun{}, ErrNotFound
		}
		return models.PipelineRun{}, fmt.Errorf("update pipeline run: %w", err)
	}
	return run, nil
}

const versionColumns = `id, run_id, name, version, artifact_uri, registry_ref, manifest_key, created_at`

func (s *PGStore) CreateModelVersion(ctx context.Context, in ModelVersionInput) (models.ModelVersion, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO model_versions (id, run_id, name, version, artifact_uri, registry_ref, manifest_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING ` + versionColumns
	row := s.db.QueryRowContext(ctx, query,
		in.ID, in.RunID, in.Name, in.Version, in.ArtifactURI, in.RegistryRef, in.ManifestKey)
	mv, err := scanVersion(row)
	if err != nil {
		return models.ModelVersion{}, fmt.Errorf("insert model version: %w", err)
	}
	return mv, nil
}

func (s *PGStore) GetModelVersion(ctx context.Context, id uuid.UUID) (models.ModelVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM model_versions WHERE id=$1`
	mv, err := scanVersion(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ModelVersion{}, ErrNotFound
		}
		return models.ModelVersion{}, fmt.Errorf("get model version: %w", err)
	}
	return mv, nil
}

func (s *PGStore) ListModelVersions(ctx context.Context, filter ListVersionsFilter) ([]models.ModelVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM model_versions WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.Name != "" {
		query += fmt.Sprintf(" AND name = $%d", argPos)
		args = append(args, filter.Name)
		argPos++
	}
	if filter.RunID != nil {
		query += fmt.Sprintf(" AND run_id = $%d", argPos)
		args = append(args, *filter.RunID)
		argPos++
	}
	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list model versions: %w", err)
	}
	defer rows.Close()

	var versions []models.ModelVersion
	for rows.Next() {
		mv, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model version: %w", err)
		}
		versions = append(versions, mv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model versions: %w", err)
	}
	return versions, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
