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

package eventbus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// LoadEventEnvelopes 读取 JSONL 事件日志并按 (sequence, ts, event_id) 排序。
// 重放顺序只取决于日志内容，与写入时的物理交错无关。
func LoadEventEnvelopes(path string) ([]*Envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var envs []*Envelope
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, fmt.Errorf("parse event log %s line %d: %w", path, lineNo, err)
		}
		envs = append(envs, &env)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log %s: %w", path, err)
	}
	SortEnvelopes(envs)
	return envs, nil
}

// SortEnvelopes 确定性重放序：(sequence, ts, event_id)
func SortEnvelopes(envs []*Envelope) {
	sort.SliceStable(envs, func(i, j int) bool {
		a, b := envs[i], envs[j]
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		if a.TS != b.TS {
			return a.TS < b.TS
		}
		return a.EventID < b.EventID
	})
}

// ReplayTaskResults 按重放序筛出 run 的 task.result.raw 与 task.result 事件
func ReplayTaskResults(runID string, envs []*Envelope) []*Envelope {
	var out []*Envelope
	for _, env := range envs {
		if runID != "" && env.RunID != runID {
			continue
		}
		if env.Topic == TopicTaskResultRaw || env.Topic == TopicTaskResult {
			out = append(out, env)
		}
	}
	return out
}

// LatestTaskResults 每个 task_id 取重放序中最后一条归一化 task.result payload
func LatestTaskResults(runID string, envs []*Envelope) map[string]map[string]any {
	latest := map[string]map[string]any{}
	for _, env := range ReplayTaskResults(runID, envs) {
		if env.Topic != TopicTaskResult {
			continue
		}
		taskID, _ := env.Payload["task_id"].(string)
		if taskID == "" {
			continue
		}
		latest[taskID] = env.Payload
	}
	return latest
}

// ControlLedger 事件流折叠出的控制平面账本
type ControlLedger struct {
	RunID             string         `json:"run_id"`
	EventCount        int            `json:"event_count"`
	TaskAssignedCount int            `json:"task_assigned_count"`
	GateVerdict       map[string]any `json:"gate_verdict"`
	PromotionDecision map[string]any `json:"promotion_decision"`
}

// MaterializeControlLedger 纯折叠：同一事件序列必得同一账本。
// gate_verdict / promotion_decision 取各自 topic 的最后一条 payload。
func MaterializeControlLedger(runID string, envs []*Envelope) *ControlLedger {
	ledger := &ControlLedger{RunID: runID}
	for _, env := range envs {
		if runID != "" && env.RunID != runID {
			continue
		}
		ledger.EventCount++
		switch env.Topic {
		case TopicTaskAssigned:
			ledger.TaskAssignedCount++
		case TopicGateVerdict:
			ledger.GateVerdict = env.Payload
		case TopicPromotionDecision:
			ledger.PromotionDecision = env.Payload
		}
	}
	return ledger
}
