package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/owulveryck/agentplatform/internal/bus"
	"github.com/owulveryck/agentplatform/internal/factory"
	"github.com/owulveryck/agentplatform/internal/idgen"
	"github.com/owulveryck/agentplatform/internal/modelselector"
	"github.com/owulveryck/agentplatform/internal/observability"
	"github.com/owulveryck/agentplatform/internal/registry"
	"github.com/owulveryck/agentplatform/internal/store"
	"go.opentelemetry.io/otel/trace"
)

// SubmitRequest is the external Workflow submission shape of spec.md §6.
type SubmitRequest struct {
	Intent               Intent
	Prompt               string
	PrivacyTier          modelselector.PrivacyTier
	RequiredCapabilities []string
}

// Registries is the subset of registry.Registry the orchestrator depends
// on, kept narrow so tests can supply a fake catalog.
type Registries interface {
	ByCapability(token string) []*registry.Descriptor
	Get(agentID string) (*registry.Descriptor, error)
	EscalationChain(agentID string) ([]*registry.Descriptor, error)
}

// Instances is the subset of factory.Factory the orchestrator depends on.
type Instances interface {
	Spawn(ctx context.Context, descriptorID, parentInstanceID string) (string, error)
	Terminate(instanceID, reason string) error
}

// Config configures a new Orchestrator.
type Config struct {
	Registry  Registries
	Factory   Instances
	Bus       *bus.Bus
	Selector  *modelselector.Selector
	Store     *store.Store
	Runtime   AgentRuntime
	Logger    *slog.Logger
	Metrics   *observability.MetricsManager
	Tracer    *observability.TraceManager

	MaxConcurrentWorkflows int
	StepTimeout            time.Duration
	StepMaxRetries         uint64
	// FailOnPassCAnomalies resolves spec.md §4.6's open question: whether
	// a non-empty Pass C anomaly set auto-fails the workflow, or is only
	// surfaced in evidence. The zero value (false) only surfaces them.
	FailOnPassCAnomalies bool
}

// Orchestrator drives Workflows through the seven phases, wiring the
// Registry, Factory, Bus, model Selector, and artifact Store together.
type Orchestrator struct {
	reg      Registries
	fac      Instances
	bus      *bus.Bus
	selector *modelselector.Selector
	artifacts *store.Store
	runtime  AgentRuntime
	logger   *slog.Logger
	metric   *observability.MetricsManager
	tracer   *observability.TraceManager

	stepTimeout          time.Duration
	stepMaxRetries       uint64
	failOnPassCAnomalies bool

	mu        sync.Mutex
	workflows map[string]*Workflow
	cancels   map[string]context.CancelFunc
	sem       chan struct{}
}

// New constructs an Orchestrator. Runtime must be non-nil: it is the
// pluggable boundary supplying each agent instance's actual computation.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConcurrentWorkflows <= 0 {
		cfg.MaxConcurrentWorkflows = 64
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if cfg.StepMaxRetries == 0 {
		cfg.StepMaxRetries = 2
	}
	return &Orchestrator{
		reg:                  cfg.Registry,
		fac:                  cfg.Factory,
		bus:                  cfg.Bus,
		selector:             cfg.Selector,
		artifacts:            cfg.Store,
		runtime:              cfg.Runtime,
		logger:               cfg.Logger,
		metric:               cfg.Metrics,
		tracer:               cfg.Tracer,
		stepTimeout:          cfg.StepTimeout,
		stepMaxRetries:       cfg.StepMaxRetries,
		failOnPassCAnomalies: cfg.FailOnPassCAnomalies,
		workflows:            make(map[string]*Workflow),
		cancels:              make(map[string]context.CancelFunc),
		sem:                  make(chan struct{}, cfg.MaxConcurrentWorkflows),
	}
}

// Submit admits a new Workflow and runs it to completion in the
// background. Returns ErrMaxConcurrency if max_concurrent_workflows is
// already saturated — admission never silently queues beyond that bound.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*Workflow, error) {
	select {
	case o.sem <- struct{}{}:
	default:
		return nil, ErrMaxConcurrency
	}

	w := &Workflow{
		WorkflowID:     idgen.New("wf"),
		SubmittedAt:    time.Now(),
		State:          StateRunning,
		Request:        req.Prompt,
		ProgressTokens: make(map[string]float64),
	}

	runCtx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	o.workflows[w.WorkflowID] = w
	o.cancels[w.WorkflowID] = cancel
	o.mu.Unlock()

	if o.metric != nil {
		o.metric.AdjustActiveWorkflows(ctx, 1)
	}

	go o.run(runCtx, w, req)

	return w, nil
}

// Status returns a snapshot of workflowID's current state.
func (o *Orchestrator) Status(workflowID string) (*Workflow, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.workflows[workflowID]
	if !ok {
		return nil, newError(ErrKindNotFound, "workflow %s", workflowID)
	}
	snapshot := *w
	return &snapshot, nil
}

// List returns a snapshot of every workflow the Orchestrator knows
// about, most recently submitted first.
func (o *Orchestrator) List() []*Workflow {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Workflow, 0, len(o.workflows))
	for _, w := range o.workflows {
		snapshot := *w
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

// Cancel cooperatively cancels workflowID. The running phase observes the
// cancellation at its next checkpoint; Phase 7 cleanup always still runs.
func (o *Orchestrator) Cancel(workflowID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.workflows[workflowID]
	if !ok {
		return newError(ErrKindNotFound, "workflow %s", workflowID)
	}
	w.cancelRequested = true
	if cancel, ok := o.cancels[workflowID]; ok {
		cancel()
	}
	return nil
}

func (o *Orchestrator) cancelled(w *Workflow) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return w.cancelRequested
}

func (o *Orchestrator) run(ctx context.Context, w *Workflow, req SubmitRequest) {
	defer func() {
		<-o.sem
		if o.metric != nil {
			o.metric.AdjustActiveWorkflows(context.Background(), -1)
		}
	}()

	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.StartPhaseSpan(ctx, w.WorkflowID, int(PhaseIngestion))
		defer span.End()
	}

	if err := o.phase1Ingestion(w, req); err != nil {
		o.fail(w, err)
		return
	}
	o.recordPhase(w, PhaseIngestion, "ok")

	if o.cancelled(w) {
		o.rollback(ctx, w)
		return
	}

	selection, descriptors, err := o.phase2AgentSelection(ctx, w, req)
	if err != nil {
		o.fail(w, err)
		return
	}
	o.recordPhase(w, PhaseAgentSelection, "ok")

	if o.cancelled(w) {
		o.rollback(ctx, w)
		return
	}

	result, err := o.phase3Execution(ctx, w, descriptors, selection)
	if err != nil {
		o.fail(w, err)
		return
	}
	o.recordPhase(w, PhaseExecution, "ok")

	if o.cancelled(w) {
		o.rollback(ctx, w)
		return
	}

	if err := o.phase4Coordination(ctx, w, descriptors); err != nil {
		o.fail(w, err)
		return
	}
	o.recordPhase(w, PhaseCoordination, "ok")

	if o.cancelled(w) {
		o.rollback(ctx, w)
		return
	}

	passC, err := o.phase5Verification(ctx, w, descriptors, result)
	if err != nil {
		o.fail(w, err)
		return
	}
	o.recordPhase(w, PhaseVerification, "ok")

	if o.cancelled(w) {
		o.rollback(ctx, w)
		return
	}

	record, err := o.phase6Delivery(w, result)
	if err != nil {
		o.fail(w, err)
		return
	}
	o.recordPhase(w, PhaseDelivery, "ok")

	if o.cancelled(w) {
		o.rollback(ctx, w)
		return
	}

	o.phase7PostDelivery(ctx, w, descriptors, selection, passC, record)
	o.recordPhase(w, PhasePostDelivery, "ok")

	o.mu.Lock()
	w.State = StateCompleted
	o.mu.Unlock()
	if o.metric != nil {
		o.metric.IncrementWorkflowCompleted(ctx)
	}
}

func (o *Orchestrator) recordPhase(w *Workflow, phase Phase, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now()
	w.Phase = phase
	w.Plan = append(w.Plan, PhaseStep{Phase: phase, StartedAt: now, EndedAt: now, Outcome: outcome})
	if o.metric != nil {
		o.metric.RecordPhaseDuration(context.Background(), int(phase), 0)
	}
}

func (o *Orchestrator) fail(w *Workflow, err error) {
	o.mu.Lock()
	w.State = StateFailed
	if we, ok := err.(*WorkflowError); ok {
		w.FailureKind = we.Kind
		w.FailureMessage = we.Message
	} else {
		w.FailureKind = ErrKindInternal
		w.FailureMessage = err.Error()
	}
	kind := string(w.FailureKind)
	phase := w.Phase
	o.mu.Unlock()

	o.appendEvidence(w, phase, EvidenceError, "orchestrator", "", err.Error())
	o.logger.Error("orchestrator: workflow failed", "workflow_id", w.WorkflowID, "phase", phase, "error", err)
	if o.metric != nil {
		o.metric.IncrementWorkflowFailed(context.Background(), kind)
	}
}

// rollback transitions w to RolledBack and still runs Phase-7 cleanup for
// whatever instances were spawned, per spec.md §4.6's cancellation rule.
func (o *Orchestrator) rollback(ctx context.Context, w *Workflow) {
	o.mu.Lock()
	w.State = StateRolledBack
	spawned := append([]string(nil), w.SpawnedInstanceIDs...)
	phase := w.Phase
	o.mu.Unlock()

	if o.bus != nil {
		for _, instanceID := range spawned {
			_, _ = o.bus.Send(ctx, &bus.Message{
				Kind:          bus.KindTaskCompletion,
				From:          "orchestrator",
				To:            bus.Direct(instanceID),
				Payload:       map[string]string{"status": "Cancelled"},
				CorrelationID: w.WorkflowID,
			}, bus.PolicyNonBlocking)
		}
	}

	for _, instanceID := range spawned {
		if o.fac != nil {
			_ = o.fac.Terminate(instanceID, "workflow cancelled")
		}
	}

	o.appendEvidence(w, phase, EvidenceDecision, "orchestrator", "", "rolled back on cancellation")
	o.logger.Warn("orchestrator: workflow rolled back", "workflow_id", w.WorkflowID)
	if o.metric != nil {
		o.metric.IncrementWorkflowRolledBack(ctx)
	}
}

// classifyCapabilities maps an Intent to the capability tokens Phase 2
// must match against the registry.
func classifyCapabilities(intent Intent, explicit []string) []string {
	caps := make([]string, 0, len(explicit)+1)
	caps = append(caps, explicit...)
	switch intent {
	case IntentQuery:
		caps = append(caps, "query")
	case IntentGeneration:
		caps = append(caps, "generation")
	case IntentOrchestration:
		caps = append(caps, "orchestration")
	case IntentAdministration:
		caps = append(caps, "administration")
	}
	return caps
}

func priorityFor(intent Intent) int {
	switch intent {
	case IntentAdministration:
		return 1
	case IntentOrchestration:
		return 2
	case IntentGeneration:
		return 3
	default:
		return 4
	}
}

// phase1Ingestion validates the request, classifies it, and produces the
// normalized RequestSpec.
func (o *Orchestrator) phase1Ingestion(w *Workflow, req SubmitRequest) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return newError(ErrKindInvalidRequest, "prompt must not be empty")
	}
	intent := req.Intent
	switch intent {
	case IntentQuery, IntentGeneration, IntentOrchestration, IntentAdministration:
	default:
		return newError(ErrKindInvalidRequest, "unknown intent %q", intent)
	}

	w.Spec = RequestSpec{
		Intent:               intent,
		Priority:             priorityFor(intent),
		RequiredCapabilities: classifyCapabilities(intent, req.RequiredCapabilities),
		RawInput:             req.Prompt,
	}
	o.appendEvidence(w, PhaseIngestion, EvidenceDecision, "Phase1", "", "classified intent="+string(intent))
	return nil
}
