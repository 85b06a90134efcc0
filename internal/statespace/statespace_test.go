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

package statespace

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dome/internal/contract"
	"dome/internal/eventbus"
	"dome/internal/fsatomic"
	"dome/internal/gate"
	"dome/internal/promote"
	"dome/internal/reason"
	"dome/pkg/evidence"
)

func TestTransitionTable(t *testing.T) {
	next, err := Transition(contract.StatusQueued, SignalClaim)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusClaimed, next)

	next, err = Transition(contract.StatusRunning, SignalGatePass)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusGated, next)

	next, err = Transition(contract.StatusGated, SignalGatePass)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusDone, next)

	_, err = Transition(contract.StatusDone, SignalClaim)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STATE.INVALID_TRANSITION.DONE.claim")

	_, err = Transition(contract.StatusQueued, SignalGatePass)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STATE.INVALID_TRANSITION.QUEUED.gate_pass")
}

func writeBundle(t *testing.T, dir, runID, taskID string) string {
	t.Helper()
	traceHex, spanHex := evidence.DeterministicRef(runID + ":" + taskID)
	bundle := evidence.Build(evidence.OTelRef{
		Backend:    "deterministic",
		TraceIDHex: traceHex,
		SpanIDHex:  spanHex,
		Project:    "dome",
		RunID:      runID,
	}, map[string]any{"task.id": taskID}, nil)
	path := filepath.Join(dir, taskID+".evidence.bundle.telemetry.json")
	require.NoError(t, fsatomic.WriteJSON(path, bundle))
	return path
}

func TestBuildDocumentApproved(t *testing.T) {
	dir := t.TempDir()
	wq := &contract.WorkQueue{
		RunID:      "run-doc",
		MaxWorkers: 1,
		Tasks: []*contract.Task{
			{TaskID: "t-plan", Dependencies: []string{}},
			{TaskID: "t-impl", Dependencies: []string{"t-plan"}},
		},
	}
	summary := &contract.RunSummary{
		RunID: "run-doc",
		Results: []*contract.TaskResult{
			{TaskID: "t-plan", Status: contract.ResultPass, EvidenceBundlePath: writeBundle(t, dir, "run-doc", "t-plan")},
			{TaskID: "t-impl", Status: contract.ResultPass, EvidenceBundlePath: writeBundle(t, dir, "run-doc", "t-impl")},
		},
	}
	gd := &gate.Decision{RunID: "run-doc", TaskID: "wave-gate", Status: gate.StatusApprove, Notes: []string{"all deterministic checks passed"}}
	pd := &promote.Decision{RunID: "run-doc", Decision: gate.StatusApprove, ReasonCodes: []string{}}

	doc, err := BuildDocument(wq, summary, gd, pd)
	require.NoError(t, err)
	assert.Equal(t, DocumentVersion, doc.Version)
	assert.Equal(t, true, doc.TaskPreferences["telemetry_is_ssot"])
	require.Len(t, doc.WorkItems, 2)
	for _, item := range doc.WorkItems {
		assert.Equal(t, contract.StatusDone, item.Status)
		assert.Empty(t, item.Gate.ReasonCode)
		assert.Equal(t, []string{"telemetry"}, item.Node.Provs)
		assert.Equal(t, []string{"gate_passes"}, item.Node.Assert)
	}
	assert.Equal(t, []string{"t-plan"}, doc.WorkItems[1].Node.Deps)
}

func TestBuildDocumentBlockedCarriesReason(t *testing.T) {
	dir := t.TempDir()
	wq := &contract.WorkQueue{
		RunID:      "run-blk",
		MaxWorkers: 1,
		Tasks:      []*contract.Task{{TaskID: "t-impl", Dependencies: []string{}}},
	}
	summary := &contract.RunSummary{
		RunID: "run-blk",
		Results: []*contract.TaskResult{
			{TaskID: "t-impl", Status: contract.ResultFail, EvidenceBundlePath: writeBundle(t, dir, "run-blk", "t-impl")},
		},
	}
	gd := &gate.Decision{RunID: "run-blk", Status: gate.StatusReject, Notes: []string{"implementer task failed"}}
	pd := &promote.Decision{RunID: "run-blk", Decision: gate.StatusReject, ReasonCodes: []string{reason.CodeExecNonzeroExit}}

	doc, err := BuildDocument(wq, summary, gd, pd)
	require.NoError(t, err)
	require.Len(t, doc.WorkItems, 1)
	assert.Equal(t, contract.StatusBlocked, doc.WorkItems[0].Status)
	assert.Equal(t, reason.CodeExecNonzeroExit, doc.WorkItems[0].Gate.ReasonCode)
	assert.Contains(t, doc.WorkItems[0].Gate.Notes, "implementer task failed")
}

func TestBuildDocumentRequiresEvidence(t *testing.T) {
	wq := &contract.WorkQueue{RunID: "run-x", MaxWorkers: 1, Tasks: []*contract.Task{{TaskID: "t-1", Dependencies: []string{}}}}
	summary := &contract.RunSummary{
		RunID:   "run-x",
		Results: []*contract.TaskResult{{TaskID: "t-1", Status: contract.ResultPass}},
	}
	_, err := BuildDocument(wq, summary, &gate.Decision{}, &promote.Decision{Decision: gate.StatusApprove})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no evidence bundle")
}

func TestReplayLaw(t *testing.T) {
	bus, err := eventbus.NewBus(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	mustPublish := func(topic string, payload map[string]any) {
		_, _, err := bus.Publish(topic, "run-r", payload, "")
		require.NoError(t, err)
	}
	mustPublish(eventbus.TopicTaskAssigned, map[string]any{"task_id": "t-plan"})
	mustPublish(eventbus.TopicTaskResult, map[string]any{"task_id": "t-plan", "status": contract.ResultPass})
	mustPublish(eventbus.TopicTaskAssigned, map[string]any{"task_id": "t-impl"})
	mustPublish(eventbus.TopicTaskResult, map[string]any{"task_id": "t-impl", "status": contract.ResultFail})
	mustPublish(eventbus.TopicGateVerdict, map[string]any{"status": gate.StatusReject})
	require.NoError(t, bus.Close())

	envs, err := eventbus.LoadEventEnvelopes(bus.LogPath())
	require.NoError(t, err)

	first, err := Replay("run-r", envs)
	require.NoError(t, err)
	second, err := Replay("run-r", envs)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, contract.StatusBlocked, first["t-plan"])
	assert.Equal(t, contract.StatusBlocked, first["t-impl"])
}

func TestReplayApprovedRunEndsDone(t *testing.T) {
	envs := []*eventbus.Envelope{
		{Topic: eventbus.TopicTaskAssigned, RunID: "run-a", Sequence: 1, Payload: map[string]any{"task_id": "t-1"}},
		{Topic: eventbus.TopicTaskResult, RunID: "run-a", Sequence: 2, Payload: map[string]any{"task_id": "t-1", "status": contract.ResultPass}},
		{Topic: eventbus.TopicGateVerdict, RunID: "run-a", Sequence: 3, Payload: map[string]any{"status": gate.StatusApprove}},
		{Topic: eventbus.TopicPromotionDecision, RunID: "run-a", Sequence: 4, Payload: map[string]any{"decision": gate.StatusApprove}},
	}
	states, err := Replay("run-a", envs)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusDone, states["t-1"])
}

// 晋升把放行的门禁升级为 NEEDS_HUMAN 时，重放与落盘的状态空间同为 BLOCKED。
func TestReplayPromotionEscalationBlocks(t *testing.T) {
	envs := []*eventbus.Envelope{
		{Topic: eventbus.TopicTaskAssigned, RunID: "run-e", Sequence: 1, Payload: map[string]any{"task_id": "t-1"}},
		{Topic: eventbus.TopicTaskResult, RunID: "run-e", Sequence: 2, Payload: map[string]any{"task_id": "t-1", "status": contract.ResultPass}},
		{Topic: eventbus.TopicGateVerdict, RunID: "run-e", Sequence: 3, Payload: map[string]any{"status": gate.StatusApprove}},
		{Topic: eventbus.TopicPromotionDecision, RunID: "run-e", Sequence: 4, Payload: map[string]any{"decision": gate.StatusNeedsHuman}},
	}
	states, err := Replay("run-e", envs)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusBlocked, states["t-1"])
}

// 只有 gate verdict、尚无 promotion 决策的 run 停在 GATED，不提前收尾。
func TestReplayWithoutPromotionStaysGated(t *testing.T) {
	envs := []*eventbus.Envelope{
		{Topic: eventbus.TopicTaskAssigned, RunID: "run-g", Sequence: 1, Payload: map[string]any{"task_id": "t-1"}},
		{Topic: eventbus.TopicTaskResult, RunID: "run-g", Sequence: 2, Payload: map[string]any{"task_id": "t-1", "status": contract.ResultPass}},
		{Topic: eventbus.TopicGateVerdict, RunID: "run-g", Sequence: 3, Payload: map[string]any{"status": gate.StatusApprove}},
	}
	states, err := Replay("run-g", envs)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusGated, states["t-1"])
}
