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
	"path/filepath"

	"dome/internal/eventbus"
	"dome/internal/fsatomic"
)

// LiveFixRunID 现场修复演示的固定 run id
const LiveFixRunID = "pkt-dome-livefix-0001"

// 现场修复演示各阶段的迭代标签
const (
	labelPlan         = "im_helping"
	labelFirstAttempt = "choo_choo"
	labelRepair       = "wookiee_repair"
	labelVerifyGreen  = "verify_green"
)

const brokenApp = "#!/bin/sh\necho broken\nexit 1\n"
const fixedApp = "#!/bin/sh\necho fixed\n"
const verifyScript = "#!/bin/sh\nsh app.sh | grep -q fixed\n"

// RunLiveFix 红转绿演示：工作台起始为坏的，implement 第二次尝试写入修复，
// verify 命令据此由失败转为通过。
func (p *Pipeline) RunLiveFix(ctx context.Context) (*RunReport, error) {
	runDir := filepath.Join(p.Cfg.Runtime.RunRoot, LiveFixRunID)
	workbench := filepath.Join(runDir, "workbench")
	if err := fsatomic.WriteFile(filepath.Join(workbench, "app.sh"), []byte(brokenApp)); err != nil {
		return nil, err
	}
	if err := fsatomic.WriteFile(filepath.Join(workbench, "verify.sh"), []byte(verifyScript)); err != nil {
		return nil, err
	}

	preContractPath := filepath.Join(runDir, "pre.contract.json")
	if err := fsatomic.WriteJSON(preContractPath, map[string]any{
		"packet_id": LiveFixRunID,
		"base_ref":  "main",
		"budgets":   map[string]any{"iteration_budget": 2},
		"actions":   map[string]any{"test": []string{"sh", "verify.sh"}},
		"plan_card": map[string]any{
			"why":  "workbench project fails its check",
			"what": "repair the workbench and prove the check goes green",
		},
	}); err != nil {
		return nil, err
	}

	worker := &ScriptedWorker{Behaviors: map[string]ScriptedBehavior{
		LiveFixRunID + "-plan": {
			Labels: []string{labelPlan},
			Notes:  "live fix planned",
		},
		LiveFixRunID + "-implement": {
			TransientFailures: 1,
			Labels:            []string{labelFirstAttempt, labelRepair},
			Notes:             "workbench repaired",
			OnAttempt: func(attempt int) error {
				if attempt < 2 {
					return nil
				}
				return fsatomic.WriteFile(filepath.Join(workbench, "app.sh"), []byte(fixedApp))
			},
		},
		LiveFixRunID + "-verify": {
			Labels: []string{labelVerifyGreen},
			Notes:  "verify observed green",
		},
	}}

	report, err := p.Execute(ctx, preContractPath, RunOptions{
		Worker:      worker,
		VerifyDir:   workbench,
		TraceSource: "live-fix",
	})
	if err != nil {
		return nil, err
	}

	envs, err := eventbus.LoadEventEnvelopes(report.EventLogPath)
	if err != nil {
		return nil, err
	}
	loop := BuildIterationLoop(LiveFixRunID, envs)
	if err := fsatomic.WriteJSON(filepath.Join(runDir, "iteration.loop.json"), loop); err != nil {
		return nil, err
	}
	return report, nil
}

// IterationEntry 迭代循环中的一步
type IterationEntry struct {
	Iteration  int    `json:"iteration"`
	Label      string `json:"label"`
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	Attempt    int    `json:"attempt"`
	ReasonCode string `json:"reason_code,omitempty"`
	Notes      string `json:"notes,omitempty"`
	EventID    string `json:"event_id"`
}

// IterationLoop 由原始尝试事件折叠出的迭代记录
type IterationLoop struct {
	RunID      string           `json:"run_id"`
	Iterations []IterationEntry `json:"iterations"`
}

// BuildIterationLoop 从 task.result.raw 事件构建迭代循环
func BuildIterationLoop(runID string, envs []*eventbus.Envelope) *IterationLoop {
	loop := &IterationLoop{RunID: runID, Iterations: []IterationEntry{}}
	for _, env := range envs {
		if env.RunID != runID || env.Topic != eventbus.TopicTaskResultRaw {
			continue
		}
		entry := IterationEntry{
			Iteration: len(loop.Iterations) + 1,
			EventID:   env.EventID,
		}
		entry.TaskID, _ = env.Payload["task_id"].(string)
		entry.Status, _ = env.Payload["status"].(string)
		entry.Label, _ = env.Payload["label"].(string)
		entry.ReasonCode, _ = env.Payload["reason_code"].(string)
		entry.Notes, _ = env.Payload["notes"].(string)
		if attempt, ok := env.Payload["attempt"].(float64); ok {
			entry.Attempt = int(attempt)
		} else if attempt, ok := env.Payload["attempt"].(int); ok {
			entry.Attempt = attempt
		}
		loop.Iterations = append(loop.Iterations, entry)
	}
	return loop
}
