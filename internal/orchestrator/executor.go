package orchestrator

import (
	"context"

	"github.com/owulveryck/agentplatform/internal/idgen"
)

// Task is the unit of work carried by a TaskAssignment.
type Task struct {
	StepID      string
	Description string
	Payload     any
}

// ProofOfProgress is the hash+signature pair an instance attaches to a
// TaskCompletion, per spec.md Phase 3. Signing uses the same
// content-addressing primitive as the rest of the platform (see
// idgen.ContentHash's doc comment) — this is tamper-evidence within a
// trusted in-process runtime, not an adversarial cryptographic
// signature.
type ProofOfProgress struct {
	Hash      string
	Signature string
}

// StepResult is what an instance produces for one Task.
type StepResult struct {
	Output []byte
	POP    ProofOfProgress
}

func signPOP(instanceID string, output []byte) ProofOfProgress {
	hash := idgen.ContentHash(output)
	signature := idgen.ContentHash([]byte(instanceID + ":" + hash))
	return ProofOfProgress{Hash: hash, Signature: signature}
}

// AgentRuntime is the pluggable boundary between the orchestrator's
// phase machinery and the actual computation an agent instance performs.
// The platform owns scheduling, messaging, and verification bookkeeping;
// what a given descriptor's instances actually compute is supplied by
// the operator wiring a concrete AgentRuntime, the same way the teacher's
// SubAgent leaves skill handlers to the binary that builds one.
type AgentRuntime interface {
	// ExecuteStep runs task on instanceID and returns its output plus POP.
	ExecuteStep(ctx context.Context, instanceID string, task Task) (StepResult, error)
	// SelfCheck is Pass A: the producing instance re-checks its own output.
	SelfCheck(ctx context.Context, instanceID string, task Task, result StepResult) (bool, error)
	// Rederive is Pass B: the verifier instance reproduces the output from
	// the same inputs, for hash comparison against result.POP.Hash. The
	// verifier is the coordinator itself when no other instance was spawned.
	Rederive(ctx context.Context, instanceID string, task Task) (StepResult, error)
	// ProbeAnomalies is Pass C: an adversarial probe of boundary
	// conditions, returning a (possibly empty) set of anomaly
	// descriptions.
	ProbeAnomalies(ctx context.Context, instanceID string, task Task, result StepResult) ([]string, error)
}
