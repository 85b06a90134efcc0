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

package contract

import (
	"fmt"
	"sort"
)

// 任务 JSON 中禁止出现的 key。执行方式由 spawn 机制决定，任务不得自带。
var forbiddenTaskKeys = []string{"method", "tool_method", "raw_call", "command"}

// spawn_spec 必须恰好携带的 key 集合
var spawnSpecKeys = []string{
	"run_id",
	"wave_id",
	"node_id",
	"node_execution_id",
	"task_spec_ref",
	"tool_profile_ref",
	"container_ref",
	"action_spec",
	"determinism_seed",
	"inputs_hash",
}

// ValidateTaskGraph 校验任务集合：task_id 唯一、依赖存在、无环、无禁用 key。
func ValidateTaskGraph(wq *WorkQueue) error {
	byID := make(map[string]*Task, len(wq.Tasks))
	for _, task := range wq.Tasks {
		if task.TaskID == "" {
			return fmt.Errorf("task missing required key: task_id")
		}
		if _, dup := byID[task.TaskID]; dup {
			return fmt.Errorf("duplicate task_id in work.queue: %s", task.TaskID)
		}
		byID[task.TaskID] = task
		if err := CheckForbiddenKeys(task); err != nil {
			return err
		}
	}
	for _, task := range wq.Tasks {
		for _, dep := range task.Dependencies {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("task %s depends on unknown task: %s", task.TaskID, dep)
			}
		}
	}
	return assertAcyclic(byID)
}

// assertAcyclic DFS 三色标记找环
func assertAcyclic(byID map[string]*Task) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(byID))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("dependency cycle detected at task: %s", id)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range byID[id].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// CheckForbiddenKeys 拒绝试图直接指定执行方式的任务
func CheckForbiddenKeys(task *Task) error {
	for _, key := range forbiddenTaskKeys {
		if task.HasRawKey(key) {
			return fmt.Errorf("task %s carries forbidden key: %s", task.TaskID, key)
		}
	}
	return nil
}

// ValidateSpawnSpec spawn_spec 的 key 集合必须与白名单完全一致，多一个少一个都拒绝
func ValidateSpawnSpec(spec map[string]any) error {
	if spec == nil {
		return fmt.Errorf("spawn_spec is required")
	}
	want := make(map[string]bool, len(spawnSpecKeys))
	for _, key := range spawnSpecKeys {
		want[key] = true
	}
	for key := range spec {
		if !want[key] {
			return fmt.Errorf("spawn_spec carries unexpected key: %s", key)
		}
	}
	for _, key := range spawnSpecKeys {
		if _, ok := spec[key]; !ok {
			return fmt.Errorf("spawn_spec missing required key: %s", key)
		}
	}
	action, ok := spec["action_spec"].(map[string]any)
	if !ok {
		return fmt.Errorf("spawn_spec action_spec must be an object")
	}
	if intent, ok := action["intent"].(string); !ok || intent == "" {
		return fmt.Errorf("spawn_spec action_spec missing intent")
	}
	return nil
}

// EnforceToolContract requested_method 必须落在 tool_contract 白名单内；
// 原始 tool_call.method 同样受约束。
func EnforceToolContract(task *Task) error {
	method := task.RequestedMethod
	if method == "" {
		method = task.RawToolCallMethod()
	}
	if method == "" {
		return nil
	}
	if !task.ToolContract.Allows(method) {
		return fmt.Errorf("task %s requests method outside tool contract: %s", task.TaskID, method)
	}
	return nil
}
