// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dome/internal/contract"
	"dome/internal/eventbus"
	"dome/internal/gate"
	"dome/internal/issuetrack"
	"dome/internal/reason"
	"dome/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	return &config.Config{
		Runtime: config.RuntimeConfig{
			Root:     root,
			RunRoot:  filepath.Join(root, "runs"),
			EventLog: filepath.Join(root, "mcp_events.jsonl"),
		},
		Dispatcher: config.DispatcherConfig{WorkerModels: []string{"model-a", "model-b"}},
		Harness:    config.HarnessConfig{MaxRetries: 1, BaseBackoffMs: 1, MaxBackoffMs: 2},
		Gate:       config.GateConfig{RiskThreshold: 60, MinConfidence: 0.7, MaxRisk: 60},
	}
}

func writePreContract(t *testing.T, dir string, payload map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	path := filepath.Join(dir, "pre.contract.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func TestExecuteApprovedRun(t *testing.T) {
	cfg := testConfig(t)
	path := writePreContract(t, t.TempDir(), map[string]any{
		"packet_id": "pkt-exec-0001",
		"base_ref":  "main",
		"budgets":   map[string]any{"iteration_budget": 2},
		"actions":   map[string]any{"test": []string{"true"}},
	})
	p := New(cfg, nil)
	report, err := p.Execute(context.Background(), path, RunOptions{TraceSource: "test"})
	require.NoError(t, err)

	assert.Equal(t, gate.StatusApprove, report.Gate.Status)
	assert.Equal(t, gate.StatusApprove, report.Promotion.Decision)
	assert.Equal(t, 3, report.Summary.DispatchedCount)

	for _, artifact := range []string{
		report.WorkQueuePath,
		report.SummaryPath,
		report.ManifestPath,
		report.StateSpacePath,
		filepath.Join(report.RunDir, "gate", "gate.decision.json"),
		filepath.Join(report.RunDir, "promotion", "promotion.decision.json"),
		filepath.Join(report.RunDir, "control.ledger.json"),
	} {
		_, err := os.Stat(artifact)
		require.NoError(t, err, artifact)
	}
	for _, dir := range substrateDirs {
		info, err := os.Stat(filepath.Join(report.RunDir, "substrate", dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.Equal(t, 3, report.Ledger.TaskAssignedCount)
	assert.Equal(t, "APPROVE", report.Ledger.PromotionDecision["decision"])

	_, err = os.Stat(filepath.Join(cfg.Runtime.RunRoot, "promotion_audit.jsonl"))
	require.NoError(t, err)
}

func TestExecuteFailedVerifyRejects(t *testing.T) {
	cfg := testConfig(t)
	path := writePreContract(t, t.TempDir(), map[string]any{
		"packet_id": "pkt-exec-0002",
		"actions":   map[string]any{"test": []string{"false"}},
	})
	report, err := New(cfg, nil).Execute(context.Background(), path, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, gate.StatusReject, report.Gate.Status)
	assert.Equal(t, []string{reason.CodeVerifyTestFail}, report.Gate.ReasonCodes)
	assert.Equal(t, gate.StatusReject, report.Promotion.Decision)
}

func TestRunLiveFixGoesGreen(t *testing.T) {
	cfg := testConfig(t)
	report, err := New(cfg, nil).RunLiveFix(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gate.StatusApprove, report.Promotion.Decision)
	assert.Equal(t, LiveFixRunID, report.RunID)

	raw, err := os.ReadFile(filepath.Join(report.RunDir, "iteration.loop.json"))
	require.NoError(t, err)
	var loop IterationLoop
	require.NoError(t, json.Unmarshal(raw, &loop))
	require.Len(t, loop.Iterations, 4)

	labels := make([]string, 0, len(loop.Iterations))
	for _, entry := range loop.Iterations {
		labels = append(labels, entry.Label)
	}
	assert.Equal(t, []string{labelPlan, labelFirstAttempt, labelRepair, labelVerifyGreen}, labels)
	assert.Equal(t, contract.ResultFail, loop.Iterations[1].Status)
	assert.Equal(t, reason.CodeTransientFirst, loop.Iterations[1].ReasonCode)
	assert.Equal(t, 2, loop.Iterations[2].Attempt)
}

func TestRunPlanImplementVerify(t *testing.T) {
	cfg := testConfig(t)
	workDir := t.TempDir()
	path := writePreContract(t, t.TempDir(), map[string]any{
		"packet_id": "pkt-piv-0001",
		"actions":   map[string]any{"test": []string{"test", "-f", "out.txt"}},
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode([]issuetrack.Milestone{})
		case r.URL.Path == "/repos/acme/dome/milestones":
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(issuetrack.Milestone{Number: 1, Title: "pkt-piv-0001"})
		default:
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(issuetrack.Issue{Number: 5})
		}
	}))
	defer srv.Close()
	tracker, err := issuetrack.New(config.IssueTrackConfig{BaseURL: srv.URL, Repo: "acme/dome"}, nil)
	require.NoError(t, err)

	report, err := New(cfg, nil).RunPlanImplementVerify(context.Background(), path, PIVOptions{
		Tracker:          tracker,
		ImplementCommand: "echo done > out.txt",
		WorkDir:          workDir,
	})
	require.NoError(t, err)
	assert.Equal(t, gate.StatusApprove, report.Promotion.Decision)
	_, err = os.Stat(filepath.Join(workDir, "out.txt"))
	require.NoError(t, err)
}

func TestBuildIterationLoopFiltersTopicsAndRuns(t *testing.T) {
	envs := []*eventbus.Envelope{
		{EventID: "evt-1", RunID: "run-a", Topic: eventbus.TopicTaskResultRaw, Payload: map[string]any{"task_id": "t-1", "status": "PASS", "label": "plan", "attempt": float64(1)}},
		{EventID: "evt-2", RunID: "run-b", Topic: eventbus.TopicTaskResultRaw, Payload: map[string]any{"task_id": "t-x"}},
		{EventID: "evt-3", RunID: "run-a", Topic: eventbus.TopicTaskResult, Payload: map[string]any{"task_id": "t-1"}},
	}
	loop := BuildIterationLoop("run-a", envs)
	require.Len(t, loop.Iterations, 1)
	assert.Equal(t, "evt-1", loop.Iterations[0].EventID)
	assert.Equal(t, 1, loop.Iterations[0].Attempt)
}
