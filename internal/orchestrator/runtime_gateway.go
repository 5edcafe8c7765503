package orchestrator

import (
	"context"
	"fmt"

	"github.com/owulveryck/agentplatform/internal/gateway"
)

// GatewayRuntime is the platform's default AgentRuntime: it treats every
// Task as a completion prompt and routes it through the Inference
// Gateway, using whichever model the Selector chose for the step
// (carried in Task.Payload, if any). It is the concrete wiring between
// C4, C5, and C6 for generation-intent workflows; an operator running a
// non-generative agent population supplies their own AgentRuntime
// instead.
type GatewayRuntime struct {
	Gateway *gateway.Gateway
}

func completionParams(task Task) gateway.CompletionParams {
	return gateway.CompletionParams{Prompt: task.Description, Temperature: 0, MaxTokens: 512}
}

// ExecuteStep routes task through the gateway and signs the resulting
// content as the step's POP.
func (r *GatewayRuntime) ExecuteStep(ctx context.Context, instanceID string, task Task) (StepResult, error) {
	result, err := r.Gateway.Complete(ctx, completionParams(task))
	if err != nil {
		return StepResult{}, err
	}
	output := []byte(result.Content)
	return StepResult{Output: output, POP: signPOP(instanceID, output)}, nil
}

// SelfCheck (Pass A) re-checks that the output is non-empty and that its
// POP hash is internally consistent.
func (r *GatewayRuntime) SelfCheck(ctx context.Context, instanceID string, task Task, result StepResult) (bool, error) {
	if len(result.Output) == 0 {
		return false, nil
	}
	expected := signPOP(instanceID, result.Output)
	return expected.Hash == result.POP.Hash, nil
}

// Rederive (Pass B) asks the gateway to reproduce the completion at
// temperature 0 on behalf of the verifier instance, for hash comparison by
// the caller against the original POP.
func (r *GatewayRuntime) Rederive(ctx context.Context, instanceID string, task Task) (StepResult, error) {
	result, err := r.Gateway.Complete(ctx, completionParams(task))
	if err != nil {
		return StepResult{}, err
	}
	output := []byte(result.Content)
	return StepResult{Output: output, POP: signPOP(instanceID, output)}, nil
}

// ProbeAnomalies (Pass C) exercises empty-input and maximal-input variants
// against the gateway and reports any that return an error. An empty
// completion body is not reported as an anomaly.
func (r *GatewayRuntime) ProbeAnomalies(ctx context.Context, instanceID string, task Task, result StepResult) ([]string, error) {
	var anomalies []string

	if _, err := r.Gateway.Complete(ctx, gateway.CompletionParams{Prompt: "", MaxTokens: 1}); err != nil {
		anomalies = append(anomalies, fmt.Sprintf("empty-input probe failed: %v", err))
	}

	maximal := task.Description
	for len(maximal) < 4096 {
		maximal += task.Description
	}
	if _, err := r.Gateway.Complete(ctx, gateway.CompletionParams{Prompt: maximal, MaxTokens: 1}); err != nil {
		anomalies = append(anomalies, fmt.Sprintf("maximal-input probe failed: %v", err))
	}

	return anomalies, nil
}
