// Package httpserver exposes the operator API: pipeline runs and approvals,
// model versions, endpoint traffic, deployment lifecycle, and the release
// event log.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/slipway-ml/slipway/internal/approval"
	"github.com/slipway-ml/slipway/internal/auth"
	"github.com/slipway-ml/slipway/internal/compute"
	"github.com/slipway-ml/slipway/internal/config"
	"github.com/slipway-ml/slipway/internal/deploy"
	"github.com/slipway-ml/slipway/internal/events"
	"github.com/slipway-ml/slipway/internal/models"
	"github.com/slipway-ml/slipway/internal/pipeline"
	"github.com/slipway-ml/slipway/internal/serving"
	"github.com/slipway-ml/slipway/internal/store"
	"github.com/slipway-ml/slipway/internal/traffic"
)

// EventRecorder appends release events for operations the API itself
// performs (run creation). Run lifecycle events come from the gate.
type EventRecorder interface {
	Record(ctx context.Context, eventType string, payload map[string]interface{})
}

// Deps carries the server's collaborators. Broker may be nil when approvals
// are not taken over the API; EventLog and Recorder may be nil in tests.
type Deps struct {
	Store     store.Store
	Verifier  *auth.Verifier
	Broker    *approval.Broker
	Cancels   *pipeline.CancelRegistry
	Allocator *traffic.Allocator
	Deploys   *deploy.Manager
	EventLog  events.Log
	Recorder  EventRecorder
}

type Server struct {
	cfg  config.Config
	deps Deps
}

func New(cfg config.Config, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.writeAuth)
			r.Post("/runs", s.handleCreateRun)
			r.Post("/runs/{runID}/approval", s.handleApproval)
			r.Post("/runs/{runID}/cancel", s.handleCancelRun)
			r.Post("/endpoints/{endpoint}/traffic", s.handleApplyTraffic)
			r.Put("/endpoints/{endpoint}/deployments/{name}", s.handleEnsureDeployment)
			r.Delete("/endpoints/{endpoint}/deployments/{name}", s.handleDeleteDeployment)
			r.Post("/endpoints/{endpoint}/deployments/{name}/probe", s.handleProbe)
		})

		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Get("/models", s.handleListModels)
		r.Get("/endpoints/{endpoint}/traffic", s.handleGetTraffic)
		r.Get("/events/{id}", s.handleGetEvent)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.deps.Store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// runResponse decorates a run with its operator-facing outcome.
type runResponse struct {
	models.PipelineRun
	Outcome string `json:"outcome,omitempty"`
}

func runJSON(run models.PipelineRun) runResponse {
	return runResponse{PipelineRun: run, Outcome: run.Outcome()}
}

type createRunRequest struct {
	ModelName   string          `json:"modelName"`
	Experiment  string          `json:"experiment"`
	DatasetRef  string          `json:"datasetRef"`
	Hyperparams json.RawMessage `json:"hyperparams"`
	ArtifactURI string          `json:"artifactUri"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ModelName == "" {
		respondError(w, http.StatusBadRequest, "modelName required")
		return
	}
	if req.DatasetRef == "" {
		respondError(w, http.StatusBadRequest, "datasetRef required")
		return
	}

	id := uuid.New()
	artifactURI := req.ArtifactURI
	if artifactURI == "" {
		bucket := s.cfg.ArtifactBucket
		if bucket == "" {
			bucket = "slipway-artifacts"
		}
		artifactURI = fmt.Sprintf("s3://%s/models/%s/%s/model.bin", bucket, req.ModelName, id)
	}

	run, err := s.deps.Store.CreatePipelineRun(r.Context(), store.PipelineRunInput{
		ID:          id,
		ModelName:   req.ModelName,
		Experiment:  req.Experiment,
		DatasetRef:  req.DatasetRef,
		Hyperparams: req.Hyperparams,
		ArtifactURI: artifactURI,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.record(r.Context(), "run.created", map[string]interface{}{
		"runId": run.ID.String(), "modelName": run.ModelName, "datasetRef": run.DatasetRef,
	})
	respondJSON(w, http.StatusCreated, runJSON(run))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	run, err := s.deps.Store.GetPipelineRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, runJSON(run))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.ListRunsFilter{
		ModelName: r.URL.Query().Get("model"),
		Phase:     r.URL.Query().Get("phase"),
		Limit:     queryInt(r, "limit"),
		Offset:    queryInt(r, "offset"),
	}
	runs, err := s.deps.Store.ListPipelineRuns(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runJSON(run))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"runs": out})
}

type approvalRequest struct {
	Approved  bool   `json:"approved"`
	DecidedBy string `json:"decidedBy"`
	Reason    string `json:"reason"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	var req approvalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.Broker == nil {
		respondError(w, http.StatusConflict, "approvals are not taken over the api")
		return
	}

	run, err := s.deps.Store.GetPipelineRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run.Phase != models.PhaseAwaitingApproval {
		respondError(w, http.StatusConflict, fmt.Sprintf("run is %s, not awaiting approval", run.Phase))
		return
	}

	resolved := s.deps.Broker.Resolve(id, approval.Decision{
		Approved:  req.Approved,
		DecidedBy: req.DecidedBy,
		Reason:    req.Reason,
	})
	if !resolved {
		respondError(w, http.StatusConflict, "no worker is waiting on this run")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "resolved"})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	// Active runs abort through their context.
	if s.deps.Cancels != nil && s.deps.Cancels.Cancel(id) {
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "canceling"})
		return
	}

	run, err := s.deps.Store.GetPipelineRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run.Terminal() {
		respondError(w, http.StatusConflict, fmt.Sprintf("run already %s", run.Phase))
		return
	}
	if run.Phase != models.PhaseQueued {
		respondError(w, http.StatusConflict, "run is not cancelable")
		return
	}

	// Queued runs never started a job: mark them failed-before-development
	// so the claim loop skips them.
	phase := models.PhaseDevFailed
	status := string(compute.StatusCanceled)
	if _, err := s.deps.Store.UpdateRun(r.Context(), store.RunUpdate{
		ID:        id,
		Phase:     &phase,
		DevStatus: &status,
	}); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.record(r.Context(), "run.canceled", map[string]interface{}{
		"runId": id.String(), "phase": models.PhaseQueued,
	})
	respondJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	filter := store.ListVersionsFilter{
		Name:   r.URL.Query().Get("name"),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}
	if v := r.URL.Query().Get("runId"); v != "" {
		runID, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid runId")
			return
		}
		filter.RunID = &runID
	}
	versions, err := s.deps.Store.ListModelVersions(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"models": versions})
}

type trafficRequest struct {
	Policy    string         `json:"policy"`
	Stable    string         `json:"stable"`
	Candidate string         `json:"candidate"`
	Shares    map[string]int `json:"shares"`
}

func (s *Server) buildPlan(req trafficRequest) (traffic.Plan, error) {
	switch req.Policy {
	case traffic.PolicyCutover:
		if req.Candidate == "" {
			return traffic.Plan{}, fmt.Errorf("cutover requires candidate")
		}
		return traffic.Cutover(req.Candidate, req.Stable), nil
	case traffic.PolicyCanaryStart:
		if req.Stable == "" || req.Candidate == "" {
			return traffic.Plan{}, fmt.Errorf("canary_start requires stable and candidate")
		}
		return traffic.CanaryStart(req.Stable, req.Candidate), nil
	case traffic.PolicyQuarterShift:
		if req.Stable == "" || req.Candidate == "" {
			return traffic.Plan{}, fmt.Errorf("quarter_shift requires stable and candidate")
		}
		return traffic.QuarterShift(req.Stable, req.Candidate), nil
	case traffic.PolicyEvenSplit:
		if req.Stable == "" || req.Candidate == "" {
			return traffic.Plan{}, fmt.Errorf("even_split requires stable and candidate")
		}
		return traffic.EvenSplit(req.Stable, req.Candidate), nil
	case traffic.PolicyRollback:
		if req.Stable == "" || req.Candidate == "" {
			return traffic.Plan{}, fmt.Errorf("rollback requires stable and candidate")
		}
		return traffic.Rollback(req.Stable, req.Candidate), nil
	case traffic.PolicyZeroSolitary:
		name := req.Candidate
		if name == "" {
			name = req.Stable
		}
		if name == "" {
			return traffic.Plan{}, fmt.Errorf("zero_solitary requires a deployment name")
		}
		return traffic.ZeroSolitary(name), nil
	case traffic.PolicyCustom, "":
		if len(req.Shares) == 0 {
			return traffic.Plan{}, fmt.Errorf("custom plan requires shares")
		}
		return traffic.Custom(req.Shares), nil
	}
	return traffic.Plan{}, fmt.Errorf("unknown policy %q", req.Policy)
}

func (s *Server) handleApplyTraffic(w http.ResponseWriter, r *http.Request) {
	endpoint := chi.URLParam(r, "endpoint")
	var req trafficRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	plan, err := s.buildPlan(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.deps.Allocator.ApplyPlan(r.Context(), endpoint, plan)
	if err != nil {
		var inv *traffic.InvariantViolationError
		if errors.As(err, &inv) {
			respondJSON(w, http.StatusConflict, map[string]string{
				"error": inv.Error(), "rule": inv.Rule,
			})
			return
		}
		var missing *traffic.TargetNotFoundError
		if errors.As(err, &missing) {
			respondError(w, http.StatusNotFound, missing.Error())
			return
		}
		var partial *traffic.PartialApplyError
		if errors.As(err, &partial) {
			// Warning semantics: the remote accepted the update but reports
			// a different allocation. The diff rides in the result.
			respondJSON(w, http.StatusOK, result)
			return
		}
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetTraffic(w http.ResponseWriter, r *http.Request) {
	endpoint := chi.URLParam(r, "endpoint")
	observed, err := s.deps.Allocator.CurrentAllocation(r.Context(), endpoint)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	out := map[string]interface{}{
		"endpoint": endpoint,
		"observed": observed,
	}
	if lastKnown, ok := s.deps.Allocator.LastKnown(endpoint); ok {
		out["lastKnown"] = lastKnown
	}
	respondJSON(w, http.StatusOK, out)
}

type ensureDeploymentRequest struct {
	ModelVersion  string `json:"modelVersion"`
	InstanceType  string `json:"instanceType"`
	InstanceCount int    `json:"instanceCount"`
}

func (s *Server) handleEnsureDeployment(w http.ResponseWriter, r *http.Request) {
	endpoint := chi.URLParam(r, "endpoint")
	name := chi.URLParam(r, "name")
	var req ensureDeploymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ModelVersion == "" {
		respondError(w, http.StatusBadRequest, "modelVersion required")
		return
	}

	desc, err := s.deps.Deploys.EnsureLive(r.Context(), endpoint, name, req.ModelVersion, deploy.InstanceConfig{
		InstanceType:  req.InstanceType,
		InstanceCount: req.InstanceCount,
	})
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, desc)
}

func (s *Server) handleDeleteDeployment(w http.ResponseWriter, r *http.Request) {
	endpoint := chi.URLParam(r, "endpoint")
	name := chi.URLParam(r, "name")

	err := s.deps.Deploys.EnsureAbsent(r.Context(), endpoint, name)
	if err != nil {
		var stillServing *deploy.StillServingError
		if errors.As(err, &stillServing) {
			respondJSON(w, http.StatusConflict, map[string]interface{}{
				"error": stillServing.Error(), "percent": stillServing.Percent,
			})
			return
		}
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "absent"})
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	endpoint := chi.URLParam(r, "endpoint")
	name := chi.URLParam(r, "name")

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(strings.TrimSpace(string(payload))) == 0 {
		payload = []byte(`{"instances":[{}]}`)
	}

	out, err := s.deps.Deploys.Probe(r.Context(), endpoint, name, payload)
	if err != nil {
		if errors.Is(err, serving.ErrNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	// A healthy deployment returns at least one prediction.
	ok := false
	var parsed struct {
		Predictions []json.RawMessage `json:"predictions"`
	}
	if jsonErr := json.Unmarshal(out, &parsed); jsonErr == nil && len(parsed.Predictions) > 0 {
		ok = true
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"endpoint":   endpoint,
		"deployment": name,
		"ok":         ok,
		"response":   json.RawMessage(out),
	})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	if s.deps.EventLog == nil {
		respondError(w, http.StatusNotFound, "event log disabled")
		return
	}
	ev, err := s.deps.EventLog.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, events.ErrNotFound) {
		respondError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ev)
}

func (s *Server) writeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Verifier.VerifyRequest(r); err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) record(ctx context.Context, eventType string, payload map[string]interface{}) {
	if s.deps.Recorder == nil {
		return
	}
	s.deps.Recorder.Record(ctx, eventType, payload)
}

func queryInt(r *http.Request, key string) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
