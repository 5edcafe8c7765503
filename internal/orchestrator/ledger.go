package orchestrator

import (
	"fmt"
	"time"

	"github.com/owulveryck/agentplatform/internal/idgen"
)

// appendEvidence computes the next hash-chain link (incorporating the
// ledger's current tail hash) and appends the record. Returns the new
// tail hash. Locks o.mu: the run goroutine mutates w.Evidence under this
// same lock that Status/List hold while snapshotting a Workflow, since a
// status read can land concurrently with a running workflow.
func (o *Orchestrator) appendEvidence(w *Workflow, phase Phase, kind EvidenceKind, source, payloadRef, detail string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	previous := w.EvidenceTailHash()
	record := EvidenceRecord{
		Timestamp:    time.Now(),
		Phase:        phase,
		Kind:         kind,
		Source:       source,
		PreviousHash: previous,
		PayloadRef:   payloadRef,
		Detail:       detail,
	}
	content := fmt.Sprintf("%s|%d|%s|%s|%s|%s", record.Timestamp.Format(time.RFC3339Nano), phase, kind, source, payloadRef, detail)
	record.Hash = idgen.ChainHash(previous, []byte(content))
	w.Evidence = append(w.Evidence, record)
	return record.Hash
}

// VerifyChain reports whether w's evidence ledger is a valid hash chain:
// for every record at index i>0, previous_hash equals the hash of record
// i-1. Used by status API readers per spec.md §6.
func VerifyChain(w *Workflow) bool {
	for i := 1; i < len(w.Evidence); i++ {
		if w.Evidence[i].PreviousHash != w.Evidence[i-1].Hash {
			return false
		}
	}
	return true
}
