package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// buildMigrateBody turns "split_ratio:dwell_time" pairs (e.g.
// "0.5:60s") into the JSON body handleGatewayMigrate expects.
func buildMigrateBody(targetEnv string, steps []string) ([]byte, error) {
	schedule := make([]migrationStepBody, 0, len(steps))
	for _, step := range steps {
		parts := strings.SplitN(step, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid schedule step %q, want split_ratio:dwell_time", step)
		}
		ratio, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid split_ratio in step %q: %w", step, err)
		}
		dwell, err := time.ParseDuration(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid dwell_time in step %q: %w", step, err)
		}
		schedule = append(schedule, migrationStepBody{SplitRatio: ratio, DwellSeconds: int(dwell.Seconds())})
	}

	return json.Marshal(migrateRequestBody{TargetEnv: targetEnv, Schedule: schedule})
}

type migrationStepBody struct {
	SplitRatio   float64 `json:"split_ratio"`
	DwellSeconds int     `json:"dwell_seconds"`
}

type migrateRequestBody struct {
	TargetEnv string              `json:"target_env"`
	Schedule  []migrationStepBody `json:"schedule"`
}

func httpPost(url string, body []byte) (*http.Response, error) {
	return http.Post(url, "application/json", bytes.NewReader(body))
}

type workflowStatusBody struct {
	WorkflowID    string `json:"workflow_id"`
	Phase         int    `json:"phase"`
	State         string `json:"state"`
	EvidenceCount int    `json:"evidence_count"`
}

func printWorkflowTable(r io.Reader) error {
	var workflows []workflowStatusBody
	if err := json.NewDecoder(r).Decode(&workflows); err != nil {
		return fmt.Errorf("failed to decode workflow list: %w", err)
	}
	for _, wf := range workflows {
		fmt.Printf("%-38s %-6d %-12s %-8d\n", wf.WorkflowID, wf.Phase, wf.State, wf.EvidenceCount)
	}
	return nil
}
