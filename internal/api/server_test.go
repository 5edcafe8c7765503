package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owulveryck/agentplatform/internal/bus"
	"github.com/owulveryck/agentplatform/internal/factory"
	"github.com/owulveryck/agentplatform/internal/orchestrator"
	"github.com/owulveryck/agentplatform/internal/registry"
	"github.com/owulveryck/agentplatform/internal/store"
)

const testCatalog = `agent_id,display_name,layer,category,capabilities,escalation_to,health_status
root-1,Root Coordinator,L1_Root,orchestration,"generation,orchestration",,Healthy
exec-1,Executive,L3_Executive,generation,"generation",root-1,Healthy
`

// echoRuntime is a minimal deterministic AgentRuntime used only to drive
// workflows to completion through the HTTP surface under test.
type echoRuntime struct{}

func echoPOP(output []byte) orchestrator.ProofOfProgress {
	sum := fmt.Sprintf("%x", output)
	return orchestrator.ProofOfProgress{Hash: sum, Signature: sum}
}

func (echoRuntime) ExecuteStep(ctx context.Context, instanceID string, task orchestrator.Task) (orchestrator.StepResult, error) {
	output := []byte("result:" + task.Description)
	return orchestrator.StepResult{Output: output, POP: echoPOP(output)}, nil
}

func (echoRuntime) SelfCheck(ctx context.Context, instanceID string, task orchestrator.Task, result orchestrator.StepResult) (bool, error) {
	return true, nil
}

func (echoRuntime) Rederive(ctx context.Context, instanceID string, task orchestrator.Task) (orchestrator.StepResult, error) {
	output := []byte("result:" + task.Description)
	return orchestrator.StepResult{Output: output, POP: echoPOP(output)}, nil
}

func (echoRuntime) ProbeAnomalies(ctx context.Context, instanceID string, task orchestrator.Task, result orchestrator.StepResult) ([]string, error) {
	return nil, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg, err := registry.Load(strings.NewReader(testCatalog), nil)
	require.NoError(t, err)

	b := bus.New(bus.Config{})
	fac := factory.New(factory.Config{Registry: reg, Bus: b})
	artifacts := store.New("")

	o := orchestrator.New(orchestrator.Config{
		Registry:               reg,
		Factory:                fac,
		Bus:                    b,
		Store:                  artifacts,
		Runtime:                echoRuntime{},
		MaxConcurrentWorkflows: 4,
		StepTimeout:            2 * time.Second,
		StepMaxRetries:         1,
	})

	return New(o, artifacts, nil, nil)
}

func awaitTerminalState(t *testing.T, s *Server, workflowID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		wf, err := s.orch.Status(workflowID)
		require.NoError(t, err)
		switch wf.State {
		case orchestrator.StateCompleted, orchestrator.StateFailed, orchestrator.StateRolledBack:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleSubmit_AcceptsValidRequest(t *testing.T) {
	s := newTestServer(t)

	body, err := json.Marshal(submitRequestBody{Intent: "generation", Prompt: "hello there"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/workflows/", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)

	var resp submitResponseBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.NotEmpty(t, resp.WorkflowID)

	awaitTerminalState(t, s, resp.WorkflowID)
}

func TestHandleSubmit_RejectsMalformedJSON(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/workflows/", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleStatus_UnknownWorkflowReturnsNotFound(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/workflows/does-not-exist", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleStatus_ReflectsCompletedWorkflow(t *testing.T) {
	s := newTestServer(t)

	body, err := json.Marshal(submitRequestBody{Intent: "generation", Prompt: "hello there"})
	require.NoError(t, err)

	submitReq := httptest.NewRequest(http.MethodPost, "/v1/workflows/", bytes.NewReader(body))
	submitW := httptest.NewRecorder()
	s.Handler().ServeHTTP(submitW, submitReq)
	require.Equal(t, http.StatusAccepted, submitW.Code)

	var submitResp submitResponseBody
	require.NoError(t, json.NewDecoder(submitW.Body).Decode(&submitResp))

	awaitTerminalState(t, s, submitResp.WorkflowID)

	statusReq := httptest.NewRequest(http.MethodGet, "/v1/workflows/"+submitResp.WorkflowID, nil)
	statusW := httptest.NewRecorder()
	s.Handler().ServeHTTP(statusW, statusReq)

	assert.Equal(t, http.StatusOK, statusW.Code)

	var status workflowStatusBody
	require.NoError(t, json.NewDecoder(statusW.Body).Decode(&status))
	assert.Equal(t, "Completed", status.State)
	assert.True(t, status.EvidenceValid)
	assert.GreaterOrEqual(t, status.EvidenceCount, 9)
}

func TestHandleCancel_UnknownWorkflowReturnsNotFound(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/workflows/does-not-exist/cancel", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleArtifact_RoundTripsStoredContent(t *testing.T) {
	s := newTestServer(t)

	rec, err := s.artifacts.Put([]byte("delivered artifact payload"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/artifacts/"+rec.Digest, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "delivered artifact payload", w.Body.String())
}

func TestHandleList_ReturnsSubmittedWorkflows(t *testing.T) {
	s := newTestServer(t)

	body, err := json.Marshal(submitRequestBody{Intent: "generation", Prompt: "hello there"})
	require.NoError(t, err)

	submitReq := httptest.NewRequest(http.MethodPost, "/v1/workflows/", bytes.NewReader(body))
	submitW := httptest.NewRecorder()
	s.Handler().ServeHTTP(submitW, submitReq)

	var submitResp submitResponseBody
	require.NoError(t, json.NewDecoder(submitW.Body).Decode(&submitResp))
	awaitTerminalState(t, s, submitResp.WorkflowID)

	listReq := httptest.NewRequest(http.MethodGet, "/v1/workflows/", nil)
	listW := httptest.NewRecorder()
	s.Handler().ServeHTTP(listW, listReq)

	assert.Equal(t, http.StatusOK, listW.Code)

	var workflows []workflowStatusBody
	require.NoError(t, json.NewDecoder(listW.Body).Decode(&workflows))
	require.Len(t, workflows, 1)
	assert.Equal(t, submitResp.WorkflowID, workflows[0].WorkflowID)
}

func TestHandleGatewayEndpoints_NotImplementedWithoutGateway(t *testing.T) {
	s := newTestServer(t)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/v1/gateway/", nil),
		httptest.NewRequest(http.MethodPost, "/v1/gateway/migrate", strings.NewReader(`{}`)),
		httptest.NewRequest(http.MethodPost, "/v1/gateway/rollback", strings.NewReader(`{}`)),
	} {
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotImplemented, w.Code, req.URL.Path)
	}
}

func TestHandleArtifact_MissingDigestReturnsNotFound(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/artifacts/unknown-digest", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
