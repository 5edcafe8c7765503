package orchestrator

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/owulveryck/agentplatform/internal/bus"
	"github.com/owulveryck/agentplatform/internal/idgen"
	"github.com/owulveryck/agentplatform/internal/modelselector"
	"github.com/owulveryck/agentplatform/internal/registry"
)

// spawnPlan is Phase 2's output: the coordinator plus its escalation-chain
// supervisors, in spawn order (most senior first, coordinator last).
type spawnPlan struct {
	coordinatorInstanceID string
	instanceIDs           []string
	descriptorByInstance  map[string]*registry.Descriptor
}

// phase2AgentSelection matches the RequestSpec to a minimal agent set,
// spawning a coordinator at the highest-applicable layer plus its
// escalation-chain supervisors. When the request implies a model-backed
// step (generation intent), the model selector's privacy/use-case gate
// runs before anything is spawned, so a NoCandidate failure leaves no
// instance spawned at all.
func (o *Orchestrator) phase2AgentSelection(ctx context.Context, w *Workflow, req SubmitRequest) (*modelselector.Selection, *spawnPlan, error) {
	var selection *modelselector.Selection
	if w.Spec.Intent == IntentGeneration && o.selector != nil {
		sel, err := o.selector.Select(modelselector.Requirement{
			UseCase:     "generation",
			PrivacyTier: req.PrivacyTier,
		})
		if err != nil {
			return nil, nil, newError(ErrKindNoCandidate, "model selection: %v", err)
		}
		selection = &sel
		o.appendEvidence(w, PhaseAgentSelection, EvidenceDecision, "Phase2", "", sel.Rationale)
	}

	var candidates []*registry.Descriptor
	for _, cap := range w.Spec.RequiredCapabilities {
		candidates = append(candidates, o.reg.ByCapability(cap)...)
	}
	if len(candidates) == 0 {
		return nil, nil, newError(ErrKindNotFound, "no agent advertises required capabilities %v", w.Spec.RequiredCapabilities)
	}

	// Among matches, prefer the most senior (lowest Rank) descriptor as
	// coordinator candidate; fall back through the rest on spawn failure.
	ordered := append([]*registry.Descriptor(nil), candidates...)
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].Layer.Rank() < ordered[i].Layer.Rank() {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}

	var lastErr error
	for _, candidate := range ordered {
		plan, err := o.spawnChain(ctx, w, candidate)
		if err == nil {
			w.CoordinatorInstanceID = plan.coordinatorInstanceID
			w.SpawnedInstanceIDs = append(w.SpawnedInstanceIDs, plan.instanceIDs...)
			o.appendEvidence(w, PhaseAgentSelection, EvidenceDecision, "Phase2", "",
				fmt.Sprintf("coordinator=%s (%s) chain_depth=%d", plan.coordinatorInstanceID, candidate.AgentID, len(plan.instanceIDs)))
			return selection, plan, nil
		}
		lastErr = err
		o.logger.Warn("orchestrator: spawn failed, trying alternative descriptor", "descriptor_id", candidate.AgentID, "error", err)
	}
	if lastErr == nil {
		lastErr = newError(ErrKindSpawnFailed, "no candidate descriptor could be spawned")
	}
	return nil, nil, newError(ErrKindSpawnFailed, "all candidate descriptors failed to spawn: %v", lastErr)
}

// spawnChain spawns coordinator's escalation chain from root ancestor down
// to coordinator itself, each child parented by its escalation target.
func (o *Orchestrator) spawnChain(ctx context.Context, w *Workflow, coordinator *registry.Descriptor) (*spawnPlan, error) {
	chain, err := o.reg.EscalationChain(coordinator.AgentID)
	if err != nil {
		return nil, newError(ErrKindNotFound, "escalation chain for %s: %v", coordinator.AgentID, err)
	}

	plan := &spawnPlan{descriptorByInstance: make(map[string]*registry.Descriptor)}
	parentInstanceID := ""
	var spawnedSoFar []string
	// chain is ordered coordinator→...→root; spawn root-first.
	for i := len(chain) - 1; i >= 0; i-- {
		descriptor := chain[i]
		instanceID, err := o.fac.Spawn(ctx, descriptor.AgentID, parentInstanceID)
		if err != nil {
			for _, id := range spawnedSoFar {
				_ = o.fac.Terminate(id, "spawn chain aborted")
			}
			return nil, newError(ErrKindSpawnFailed, "spawning %s: %v", descriptor.AgentID, err)
		}
		plan.descriptorByInstance[instanceID] = descriptor
		spawnedSoFar = append(spawnedSoFar, instanceID)
		parentInstanceID = instanceID
	}
	plan.instanceIDs = spawnedSoFar
	plan.coordinatorInstanceID = parentInstanceID
	return plan, nil
}

// phase3Execution assigns the request as a Task to the coordinator,
// enforcing a per-step deadline and bounded retry, and returns its
// StepResult once a TaskCompletion-equivalent is produced.
func (o *Orchestrator) phase3Execution(ctx context.Context, w *Workflow, plan *spawnPlan, selection *modelselector.Selection) (StepResult, error) {
	task := Task{
		StepID:      idgen.New("step"),
		Description: w.Spec.RawInput,
		Payload:     selection,
	}

	stepCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()

	if o.bus != nil {
		_, _ = o.bus.Send(stepCtx, &bus.Message{
			Kind:          bus.KindTaskAssignment,
			From:          "orchestrator",
			To:            bus.Direct(plan.coordinatorInstanceID),
			Payload:       task,
			CorrelationID: w.WorkflowID,
		}, bus.PolicyNonBlocking)
	}

	var result StepResult
	attempt := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), o.stepMaxRetries), stepCtx)
	err := backoff.Retry(func() error {
		attempt++
		r, err := o.runtime.ExecuteStep(stepCtx, plan.coordinatorInstanceID, task)
		if err != nil {
			if stepCtx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		result = r
		return nil
	}, policy)

	o.mu.Lock()
	w.ProgressTokens[task.StepID] = 1.0
	o.mu.Unlock()
	if err != nil {
		if stepCtx.Err() != nil {
			return StepResult{}, newError(ErrKindDeadlineExceeded, "step %s: %v", task.StepID, err)
		}
		return StepResult{}, newError(ErrKindInternal, "step %s failed after %d attempts: %v", task.StepID, attempt, err)
	}

	o.appendEvidence(w, PhaseExecution, EvidenceArtifact, plan.coordinatorInstanceID, result.POP.Hash, fmt.Sprintf("step=%s attempts=%d", task.StepID, attempt))

	if o.bus != nil {
		_, _ = o.bus.Send(ctx, &bus.Message{
			Kind:          bus.KindTaskCompletion,
			From:          plan.coordinatorInstanceID,
			To:            bus.Direct("orchestrator"),
			Payload:       result,
			CorrelationID: w.WorkflowID,
		}, bus.PolicyNonBlocking)
	}

	return result, nil
}

// phase4Coordination fans a CoordinationRequest out to every spawned
// instance besides the coordinator itself (its escalation-chain
// supervisors), all stamped with the workflow's correlation_id.
func (o *Orchestrator) phase4Coordination(ctx context.Context, w *Workflow, plan *spawnPlan) error {
	if o.bus == nil {
		return nil
	}
	for _, instanceID := range plan.instanceIDs {
		if instanceID == plan.coordinatorInstanceID {
			continue
		}
		_, _ = o.bus.Send(ctx, &bus.Message{
			Kind:          bus.KindCoordinationRequest,
			From:          plan.coordinatorInstanceID,
			To:            bus.Direct(instanceID),
			CorrelationID: w.WorkflowID,
		}, bus.PolicyNonBlocking)
	}
	o.appendEvidence(w, PhaseCoordination, EvidenceDecision, plan.coordinatorInstanceID, "", fmt.Sprintf("coordinated %d subordinate(s)", len(plan.instanceIDs)-1))
	return nil
}

// phase5Verification runs the three required passes. Pass A/B failures
// fail the workflow outright; Pass C anomalies are always recorded but
// only fail the workflow when the orchestrator is configured to. Passes B
// and C run on the first spawned instance other than the coordinator; when
// the coordinator is the only spawned instance, they run on it as well.
func (o *Orchestrator) phase5Verification(ctx context.Context, w *Workflow, plan *spawnPlan, result StepResult) ([]string, error) {
	task := Task{StepID: idgen.New("verify")}

	okA, err := o.runtime.SelfCheck(ctx, plan.coordinatorInstanceID, task, result)
	if err != nil {
		return nil, newError(ErrKindVerificationFailed, "pass A: %v", err)
	}
	o.appendEvidence(w, PhaseVerification, EvidenceVerificationPassA, plan.coordinatorInstanceID, result.POP.Hash, fmt.Sprintf("pass_a=%v", okA))
	if !okA {
		return nil, newError(ErrKindVerificationFailed, "pass A self-check failed")
	}

	verifierInstanceID := plan.coordinatorInstanceID
	for _, instanceID := range plan.instanceIDs {
		if instanceID != plan.coordinatorInstanceID {
			verifierInstanceID = instanceID
			break
		}
	}
	rederived, err := o.runtime.Rederive(ctx, verifierInstanceID, task)
	if err != nil {
		return nil, newError(ErrKindVerificationFailed, "pass B: %v", err)
	}
	passB := rederived.POP.Hash == result.POP.Hash
	o.appendEvidence(w, PhaseVerification, EvidenceVerificationPassB, verifierInstanceID, rederived.POP.Hash, fmt.Sprintf("pass_b=%v", passB))
	if !passB {
		return nil, newError(ErrKindVerificationFailed, "pass B hash mismatch: got %s want %s", rederived.POP.Hash, result.POP.Hash)
	}

	anomalies, err := o.runtime.ProbeAnomalies(ctx, verifierInstanceID, task, result)
	if err != nil {
		return nil, newError(ErrKindVerificationFailed, "pass C: %v", err)
	}
	o.appendEvidence(w, PhaseVerification, EvidenceVerificationPassC, verifierInstanceID, "", fmt.Sprintf("anomalies=%d", len(anomalies)))
	if len(anomalies) > 0 && o.failOnPassCAnomalies {
		return anomalies, newError(ErrKindVerificationFailed, "pass C surfaced %d anomal(ies): %v", len(anomalies), anomalies)
	}

	return anomalies, nil
}

// deliveryRecord is Phase 6's output, per spec.md §4.6.
type deliveryRecord struct {
	Location string
	Hash     string
	Size     int64
}

// phase6Delivery assembles the final artifact, attaches the ledger's tail
// hash, and persists it with bounded retry against the artifact store.
func (o *Orchestrator) phase6Delivery(w *Workflow, result StepResult) (deliveryRecord, error) {
	if o.artifacts == nil {
		return deliveryRecord{}, newError(ErrKindInternal, "no artifact store configured")
	}

	o.mu.Lock()
	tailHash := w.EvidenceTailHash()
	o.mu.Unlock()

	payload := append([]byte(nil), result.Output...)
	payload = append(payload, []byte(":"+tailHash)...)

	var record deliveryRecord
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	err := backoff.Retry(func() error {
		rec, err := o.artifacts.Put(payload)
		if err != nil {
			return err
		}
		record = deliveryRecord{Location: rec.Path, Hash: rec.Digest, Size: rec.Size}
		return nil
	}, bo)
	if err != nil {
		o.logger.Error("orchestrator: artifact delivery exhausted retries, artifact lost", "workflow_id", w.WorkflowID, "error", err)
		return deliveryRecord{}, newError(ErrKindInternal, "delivery failed: %v", err)
	}

	o.appendEvidence(w, PhaseDelivery, EvidenceArtifact, "store", record.Hash, fmt.Sprintf("size=%d location=%s", record.Size, record.Location))
	return record, nil
}

// phase7PostDelivery records model usage, appends closure evidence,
// drains the spawned instance set, and broadcasts completion. Failures
// here are non-fatal per spec.md §4.6.
func (o *Orchestrator) phase7PostDelivery(ctx context.Context, w *Workflow, plan *spawnPlan, selection *modelselector.Selection, anomalies []string, record deliveryRecord) {
	if o.selector != nil && selection != nil {
		quality := 1.0
		if len(anomalies) > 0 {
			quality = 1.0 / float64(1+len(anomalies))
		}
		o.selector.RecordUsage(selection.Model.Name, true, 0, quality)
	}

	for _, instanceID := range plan.instanceIDs {
		if err := o.fac.Terminate(instanceID, "workflow complete"); err != nil {
			o.appendEvidence(w, PhasePostDelivery, EvidenceError, instanceID, "", fmt.Sprintf("cleanup failed: %v", err))
			o.logger.Warn("orchestrator: post-delivery cleanup failed", "instance_id", instanceID, "error", err)
		}
	}

	if o.bus != nil {
		_, _ = o.bus.Send(ctx, &bus.Message{
			Kind:          bus.KindSystemBroadcast,
			From:          "orchestrator",
			To:            bus.Broadcast(),
			Payload:       map[string]string{"workflow_id": w.WorkflowID, "status": "Completed"},
			CorrelationID: w.WorkflowID,
		}, bus.PolicyNonBlocking)
	}

	o.appendEvidence(w, PhasePostDelivery, EvidenceDecision, "orchestrator", record.Hash, "closure")
}
