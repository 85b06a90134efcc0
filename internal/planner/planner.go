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

// Package planner 由 pre-contract 派生线性 plan → implement → verify 任务图。
package planner

import (
	"fmt"

	"dome/internal/contract"
	"dome/pkg/utils"
)

// BuildWorkQueue 从 pre-contract 生成 work queue。
// verify 任务仅在 actions.test 存在时生成；max_workers 取 iteration_budget（至少 1）。
func BuildWorkQueue(pc *contract.PreContract) (*contract.WorkQueue, error) {
	if pc.PacketID == "" {
		return nil, fmt.Errorf("pre-contract missing packet_id")
	}
	budget := pc.Budgets.IterationBudget
	if budget == 0 {
		budget = 2
	}
	if budget < 1 {
		budget = 1
	}

	planID := pc.PacketID + "-plan"
	implementID := pc.PacketID + "-implement"
	verifyID := pc.PacketID + "-verify"

	tasks := []*contract.Task{
		newTask(planID, fmt.Sprintf("draft an execution plan for %s", pc.PacketID), nil),
		newTask(implementID, fmt.Sprintf("implement the change described by %s", pc.PacketID), []string{planID}),
	}
	if pc.VerifyCommand() != nil {
		tasks = append(tasks, newTask(verifyID, fmt.Sprintf("run the verify command for %s", pc.PacketID), []string{implementID}))
	}

	wq := &contract.WorkQueue{
		ArtifactKind: contract.WorkQueueArtifactKind,
		Version:      contract.WorkQueueVersion,
		RunID:        pc.PacketID,
		BaseRef:      utils.CoalesceString(pc.BaseRef, "main"),
		MaxWorkers:   budget,
		Tasks:        tasks,
	}
	if err := contract.ValidateTaskGraph(wq); err != nil {
		return nil, err
	}
	return wq, nil
}

// newTask 构造 QUEUED 任务；payload_digest 由任务内容确定性派生，供调度排序使用
func newTask(id, goal string, deps []string) *contract.Task {
	if deps == nil {
		deps = []string{}
	}
	digest, _ := utils.Sha256Hex(map[string]any{
		"task_id":      id,
		"goal":         goal,
		"dependencies": deps,
	})
	return &contract.Task{
		TaskID:        id,
		Goal:          goal,
		Status:        contract.StatusQueued,
		Dependencies:  deps,
		PayloadDigest: digest,
	}
}
