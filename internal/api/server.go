// Package api exposes the orchestrator's Workflow submission surface
// over HTTP: submit, status, cancel, and artifact retrieval, per
// spec.md §6.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/owulveryck/agentplatform/internal/gateway"
	"github.com/owulveryck/agentplatform/internal/modelselector"
	"github.com/owulveryck/agentplatform/internal/orchestrator"
	"github.com/owulveryck/agentplatform/internal/store"
)

// Server wires the orchestrator, artifact store, and inference gateway
// behind an HTTP API.
type Server struct {
	orch      *orchestrator.Orchestrator
	artifacts *store.Store
	gw        *gateway.Gateway
	logger    *slog.Logger
	router    chi.Router
}

// New builds a Server with every route registered. gw may be nil, in
// which case the gateway admin endpoints answer 501 Not Implemented —
// an operator running a non-GatewayRuntime AgentRuntime has no blue/green
// pair to administer.
func New(orch *orchestrator.Orchestrator, artifacts *store.Store, gw *gateway.Gateway, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{orch: orch, artifacts: artifacts, gw: gw, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Route("/v1/workflows", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{workflowID}", s.handleStatus)
		r.Post("/{workflowID}/cancel", s.handleCancel)
	})
	r.Get("/v1/artifacts/{digest}", s.handleArtifact)
	r.Route("/v1/gateway", func(r chi.Router) {
		r.Get("/", s.handleGatewaySnapshot)
		r.Post("/migrate", s.handleGatewayMigrate)
		r.Post("/rollback", s.handleGatewayRollback)
	})

	s.router = r
	return s
}

// Handler returns the fully wired, OTel-instrumented http.Handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "agentplatform.api")
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Info("api: request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

type submitRequestBody struct {
	Intent               string   `json:"intent"`
	Prompt               string   `json:"prompt"`
	PrivacyTier          string   `json:"privacy_tier,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
}

type submitResponseBody struct {
	WorkflowID string `json:"workflow_id"`
	State      string `json:"state"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, orchestrator.ErrKindInvalidRequest, err.Error())
		return
	}

	wf, err := s.orch.Submit(r.Context(), orchestrator.SubmitRequest{
		Intent:               orchestrator.Intent(body.Intent),
		Prompt:                body.Prompt,
		PrivacyTier:          modelselector.PrivacyTier(body.PrivacyTier),
		RequiredCapabilities: body.RequiredCapabilities,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrMaxConcurrency) {
			writeError(w, http.StatusServiceUnavailable, "Busy", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, orchestrator.ErrKindInternal, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponseBody{WorkflowID: wf.WorkflowID, State: string(wf.State)})
}

type workflowStatusBody struct {
	WorkflowID       string             `json:"workflow_id"`
	Phase            int                `json:"phase"`
	State            string             `json:"state"`
	Progress         map[string]float64 `json:"progress"`
	EvidenceTailHash string             `json:"evidence_tail_hash"`
	FailureKind      string             `json:"failure_kind,omitempty"`
	FailureMessage   string             `json:"failure_message,omitempty"`
	EvidenceCount    int                `json:"evidence_count"`
	EvidenceValid    bool               `json:"evidence_chain_valid"`
	SpawnedAgents    []string           `json:"spawned_instance_ids"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	wf, err := s.orch.Status(workflowID)
	if err != nil {
		writeError(w, http.StatusNotFound, orchestrator.ErrKindNotFound, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, workflowStatusBody{
		WorkflowID:       wf.WorkflowID,
		Phase:            int(wf.Phase),
		State:            string(wf.State),
		Progress:         wf.ProgressTokens,
		EvidenceTailHash: wf.EvidenceTailHash(),
		FailureKind:      string(wf.FailureKind),
		FailureMessage:   wf.FailureMessage,
		EvidenceCount:    len(wf.Evidence),
		EvidenceValid:    orchestrator.VerifyChain(wf),
		SpawnedAgents:    wf.SpawnedInstanceIDs,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	workflows := s.orch.List()
	out := make([]workflowStatusBody, 0, len(workflows))
	for _, wf := range workflows {
		out = append(out, workflowStatusBody{
			WorkflowID:       wf.WorkflowID,
			Phase:            int(wf.Phase),
			State:            string(wf.State),
			Progress:         wf.ProgressTokens,
			EvidenceTailHash: wf.EvidenceTailHash(),
			FailureKind:      string(wf.FailureKind),
			FailureMessage:   wf.FailureMessage,
			EvidenceCount:    len(wf.Evidence),
			EvidenceValid:    orchestrator.VerifyChain(wf),
			SpawnedAgents:    wf.SpawnedInstanceIDs,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	if err := s.orch.Cancel(workflowID); err != nil {
		writeError(w, http.StatusNotFound, orchestrator.ErrKindNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	digest := chi.URLParam(r, "digest")
	data, err := s.artifacts.Get(digest)
	if err != nil {
		writeError(w, http.StatusNotFound, orchestrator.ErrKindNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

type gatewaySnapshotBody struct {
	Active     string  `json:"active"`
	Standby    string  `json:"standby"`
	SplitRatio float64 `json:"split_ratio"`
}

func (s *Server) handleGatewaySnapshot(w http.ResponseWriter, r *http.Request) {
	if s.gw == nil {
		writeError(w, http.StatusNotImplemented, "NoGateway", "no inference gateway configured")
		return
	}
	active, standby, splitRatio := s.gw.Snapshot()
	writeJSON(w, http.StatusOK, gatewaySnapshotBody{
		Active: active.Name, Standby: standby.Name, SplitRatio: splitRatio,
	})
}

type migrationStepBody struct {
	SplitRatio   float64 `json:"split_ratio"`
	DwellSeconds int     `json:"dwell_seconds"`
}

type migrateRequestBody struct {
	TargetEnv string               `json:"target_env"`
	Schedule  []migrationStepBody  `json:"schedule"`
}

func (s *Server) handleGatewayMigrate(w http.ResponseWriter, r *http.Request) {
	if s.gw == nil {
		writeError(w, http.StatusNotImplemented, "NoGateway", "no inference gateway configured")
		return
	}

	var body migrateRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, orchestrator.ErrKindInvalidRequest, err.Error())
		return
	}

	schedule := make([]gateway.MigrationStep, 0, len(body.Schedule))
	for _, step := range body.Schedule {
		schedule = append(schedule, gateway.MigrationStep{
			SplitRatio: step.SplitRatio,
			DwellTime:  time.Duration(step.DwellSeconds) * time.Second,
		})
	}

	if err := s.gw.StartMigration(r.Context(), body.TargetEnv, schedule); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, gateway.ErrMigrationInProgress) || errors.Is(err, gateway.ErrUnknownEnvironment) {
			status = http.StatusConflict
		}
		writeError(w, status, "GatewayMigrate", err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type rollbackRequestBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleGatewayRollback(w http.ResponseWriter, r *http.Request) {
	if s.gw == nil {
		writeError(w, http.StatusNotImplemented, "NoGateway", "no inference gateway configured")
		return
	}

	var body rollbackRequestBody
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "operator requested rollback"
	}

	s.gw.Rollback(body.Reason)
	w.WriteHeader(http.StatusAccepted)
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, kind any, message string) {
	writeJSON(w, status, errorBody{Kind: toKindString(kind), Message: message})
}

func toKindString(kind any) string {
	if s, ok := kind.(string); ok {
		return s
	}
	if k, ok := kind.(orchestrator.ErrorKind); ok {
		return string(k)
	}
	return "Internal"
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
