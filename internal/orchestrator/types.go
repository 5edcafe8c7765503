// Package orchestrator implements the Seven-Phase Orchestrator (C6): the
// stateful pipeline that drives a request from ingestion through agent
// selection, execution, coordination, triple verification, delivery, and
// post-delivery cleanup, against a hash-chained evidence ledger.
package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// Phase is one of the seven workflow stages, numbered as spec.md §4.6
// describes: the phase number is monotonically non-decreasing.
type Phase int

const (
	PhaseIngestion Phase = iota + 1
	PhaseAgentSelection
	PhaseExecution
	PhaseCoordination
	PhaseVerification
	PhaseDelivery
	PhasePostDelivery
)

func (p Phase) String() string {
	switch p {
	case PhaseIngestion:
		return "Ingestion"
	case PhaseAgentSelection:
		return "AgentSelection"
	case PhaseExecution:
		return "Execution"
	case PhaseCoordination:
		return "Coordination"
	case PhaseVerification:
		return "Verification"
	case PhaseDelivery:
		return "Delivery"
	case PhasePostDelivery:
		return "PostDelivery"
	default:
		return "Unknown"
	}
}

// WorkflowState is the terminal/non-terminal status of a Workflow.
type WorkflowState string

const (
	StateRunning    WorkflowState = "Running"
	StateSuspended  WorkflowState = "Suspended"
	StateCompleted  WorkflowState = "Completed"
	StateFailed     WorkflowState = "Failed"
	StateRolledBack WorkflowState = "RolledBack"
)

// Intent classifies the normalized request produced by Phase 1.
type Intent string

const (
	IntentQuery          Intent = "query"
	IntentGeneration     Intent = "generation"
	IntentOrchestration  Intent = "orchestration"
	IntentAdministration Intent = "administration"
)

// RequestSpec is Phase 1's normalized output.
type RequestSpec struct {
	Intent               Intent
	Priority             int
	RequiredCapabilities []string
	RawInput             string
}

// PhaseStep records one phase's traversal for the Workflow's plan.
type PhaseStep struct {
	Phase     Phase
	StartedAt time.Time
	EndedAt   time.Time
	Outcome   string
}

// EvidenceKind discriminates an EvidenceRecord's payload shape.
type EvidenceKind string

const (
	EvidenceDecision          EvidenceKind = "Decision"
	EvidenceArtifact          EvidenceKind = "Artifact"
	EvidenceVerificationPassA EvidenceKind = "VerificationPassA"
	EvidenceVerificationPassB EvidenceKind = "VerificationPassB"
	EvidenceVerificationPassC EvidenceKind = "VerificationPassC"
	EvidenceError             EvidenceKind = "Error"
)

// EvidenceRecord is one immutable, hash-chained ledger entry.
type EvidenceRecord struct {
	Timestamp    time.Time
	Phase        Phase
	Kind         EvidenceKind
	Source       string
	Hash         string
	PreviousHash string
	PayloadRef   string
	Detail       string
}

// Workflow represents one request's traversal of the seven phases.
type Workflow struct {
	WorkflowID     string
	SubmittedAt    time.Time
	Phase          Phase
	State          WorkflowState
	Request        string
	Spec           RequestSpec
	Plan           []PhaseStep
	Evidence       []EvidenceRecord
	ProgressTokens map[string]float64

	CoordinatorInstanceID string
	SpawnedInstanceIDs    []string

	FailureKind    ErrorKind
	FailureMessage string

	cancelRequested bool
}

// EvidenceTailHash returns the hash of the most recent evidence record,
// or the empty string if the ledger is empty.
func (w *Workflow) EvidenceTailHash() string {
	if len(w.Evidence) == 0 {
		return ""
	}
	return w.Evidence[len(w.Evidence)-1].Hash
}

// ErrorKind is the error taxonomy of spec.md §7.
type ErrorKind string

const (
	ErrKindInvalidRequest                ErrorKind = "InvalidRequest"
	ErrKindRegistryLoad                  ErrorKind = "RegistryLoad"
	ErrKindNotFound                      ErrorKind = "NotFound"
	ErrKindSpawnFailed                   ErrorKind = "SpawnFailed"
	ErrKindLayerViolation                ErrorKind = "LayerViolation"
	ErrKindBackpressure                  ErrorKind = "Backpressure"
	ErrKindRecipientUnknown              ErrorKind = "RecipientUnknown"
	ErrKindRecipientGone                 ErrorKind = "RecipientGone"
	ErrKindMissingCapability             ErrorKind = "MissingCapability"
	ErrKindDeadlineExceeded              ErrorKind = "DeadlineExceeded"
	ErrKindVerificationFailed            ErrorKind = "VerificationFailed"
	ErrKindHealthGateFailed              ErrorKind = "HealthGateFailed"
	ErrKindUpstreamFailure               ErrorKind = "UpstreamFailure"
	ErrKindMigrationInProgress           ErrorKind = "MigrationInProgress"
	ErrKindNoCandidate                   ErrorKind = "NoCandidate"
	ErrKindConstitutionalValidationFailed ErrorKind = "ConstitutionalValidationFailed"
	ErrKindInternal                      ErrorKind = "Internal"
)

// WorkflowError pairs an ErrorKind with a human-readable message, per
// spec.md §7's "structured error kind plus message" requirement.
type WorkflowError struct {
	Kind    ErrorKind
	Message string
}

func (e *WorkflowError) Error() string { return string(e.Kind) + ": " + e.Message }

func newError(kind ErrorKind, format string, args ...any) *WorkflowError {
	return &WorkflowError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrCancelled      = errors.New("orchestrator: workflow cancelled")
	ErrMaxConcurrency = errors.New("orchestrator: max concurrent workflows reached")
)
