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

// Package memoryd 长时记忆物化：完成的 run 折叠进 fact 库。
// 物化由 checkpoint 驱动，所有写入幂等（INSERT OR REPLACE 语义）。
package memoryd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"dome/internal/contract"
	"dome/internal/eventbus"
	"dome/pkg/utils"
)

const epochTS = "1970-01-01T00:00:00Z"

// RunSnapshot run 级事实
type RunSnapshot struct {
	RunID             string
	BaseRef           string
	GateStatus        string
	SubstrateStatus   string
	PromotionDecision string
	RiskScore         int
	Confidence        float64
	RepoCommitSHA     string
	SummaryPath       string
	StateSpacePath    string
}

// TaskSnapshot task 级事实
type TaskSnapshot struct {
	RunID              string
	TaskID             string
	Status             string
	FailureReasonCode  string
	PolicyReasonCode   string
	Attempts           int
	DurationMs         int64
	WorkerModel        string
	EvidenceBundlePath string
	UpdatedTS          string
}

// EventSnapshot event 级事实
type EventSnapshot struct {
	RunID       string
	EventID     string
	Topic       string
	Sequence    int64
	TS          string
	PayloadJSON string
}

func loadJSON(path string) map[string]any {
	raw, err := os.ReadFile(path)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func asString(m map[string]any, key, fallback string) string {
	if value, ok := m[key].(string); ok && value != "" {
		return value
	}
	return fallback
}

func asInt(m map[string]any, key string) int {
	switch value := m[key].(type) {
	case float64:
		return int(value)
	case int:
		return value
	}
	return 0
}

func asFloat(m map[string]any, key string) float64 {
	if value, ok := m[key].(float64); ok {
		return value
	}
	return 0
}

// loadRunEvents run 目录内与共享事件日志里属于该 run 的事件，重放序
func loadRunEvents(runDir, eventLogPath, runID string) []*eventbus.Envelope {
	candidates := []string{filepath.Join(runDir, "mcp_events.jsonl")}
	if eventLogPath != "" {
		candidates = append(candidates, eventLogPath)
	}
	var out []*eventbus.Envelope
	seen := map[string]bool{}
	for _, path := range candidates {
		if seen[path] {
			continue
		}
		seen[path] = true
		envs, err := eventbus.LoadEventEnvelopes(path)
		if err != nil {
			continue
		}
		for _, env := range envs {
			if env.RunID == runID {
				out = append(out, env)
			}
		}
	}
	eventbus.SortEnvelopes(out)
	return out
}

func fileModTS(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return epochTS
	}
	return info.ModTime().UTC().Format(time.RFC3339)
}

// SnapshotRun run 目录 → run 级事实
func SnapshotRun(runDir string) RunSnapshot {
	runID := filepath.Base(runDir)
	gate := loadJSON(filepath.Join(runDir, "gate", "gate.decision.json"))
	promotion := loadJSON(filepath.Join(runDir, "promotion", "promotion.decision.json"))
	manifest := loadJSON(filepath.Join(runDir, "run.manifest.json"))
	workQueue := loadJSON(filepath.Join(runDir, "work.queue.json"))

	repoCommit := "unknown"
	if runtime, ok := manifest["runtime"].(map[string]any); ok {
		repoCommit = asString(runtime, "repo_commit_sha", "unknown")
	}
	return RunSnapshot{
		RunID:             runID,
		BaseRef:           asString(workQueue, "base_ref", "unknown"),
		GateStatus:        asString(gate, "status", "UNKNOWN"),
		SubstrateStatus:   asString(gate, "substrate_status", "UNKNOWN"),
		PromotionDecision: asString(promotion, "decision", "UNKNOWN"),
		RiskScore:         asInt(gate, "risk_score"),
		Confidence:        asFloat(gate, "confidence"),
		RepoCommitSHA:     repoCommit,
		SummaryPath:       filepath.Join(runDir, "summary.json"),
		StateSpacePath:    filepath.Join(runDir, "state.space.json"),
	}
}

// taskUpdatedTS 最后一条 task.result 事件的 ts，缺失则退回 summary mtime
func taskUpdatedTS(taskID string, events []*eventbus.Envelope, summaryPath string) string {
	ts := ""
	for _, env := range events {
		if env.Topic != eventbus.TopicTaskResult {
			continue
		}
		if id, _ := env.Payload["task_id"].(string); id == taskID {
			ts = env.TS
		}
	}
	if ts != "" {
		return ts
	}
	return fileModTS(summaryPath)
}

// SnapshotTasks summary 结果行 → task 级事实，按 task_id 排序
func SnapshotTasks(runDir, eventLogPath string) []TaskSnapshot {
	runID := filepath.Base(runDir)
	summaryPath := filepath.Join(runDir, "summary.json")
	summary, err := contract.LoadRunSummary(summaryPath)
	if err != nil {
		return nil
	}
	events := loadRunEvents(runDir, eventLogPath, runID)
	out := make([]TaskSnapshot, 0, len(summary.Results))
	for _, result := range summary.Results {
		if result.TaskID == "" {
			continue
		}
		out = append(out, TaskSnapshot{
			RunID:              runID,
			TaskID:             result.TaskID,
			Status:             result.Status,
			FailureReasonCode:  result.ReasonCode,
			PolicyReasonCode:   "",
			Attempts:           result.Attempts,
			DurationMs:         result.DurationMs,
			WorkerModel:        utils.CoalesceString(result.WorkerModel, "unknown"),
			EvidenceBundlePath: result.EvidenceBundlePath,
			UpdatedTS:          taskUpdatedTS(result.TaskID, events, summaryPath),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// SnapshotEvents run 的事件日志 → event 级事实
func SnapshotEvents(runDir, eventLogPath string) []EventSnapshot {
	runID := filepath.Base(runDir)
	events := loadRunEvents(runDir, eventLogPath, runID)
	out := make([]EventSnapshot, 0, len(events))
	for _, env := range events {
		if env.EventID == "" {
			continue
		}
		payload, err := utils.CanonicalJSON(env.Payload)
		if err != nil {
			payload = []byte("{}")
		}
		out = append(out, EventSnapshot{
			RunID:       runID,
			EventID:     env.EventID,
			Topic:       env.Topic,
			Sequence:    env.Sequence,
			TS:          utils.CoalesceString(env.TS, epochTS),
			PayloadJSON: string(payload),
		})
	}
	return out
}
