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

// Package dispatch 波次调度器。
// 每个波次取依赖已满足的任务，按确定性排序截取 max_workers 个并发执行。
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"dome/internal/contract"
	"dome/internal/eventbus"
	"dome/internal/reason"
	"dome/pkg/metrics"
)

// TaskRunner 执行单个任务直至终态。实现方吞掉内部错误并折叠为 FAIL 结果。
type TaskRunner interface {
	Run(ctx context.Context, task *contract.Task) (*contract.TaskResult, error)
}

// Supervisor 调度主循环
type Supervisor struct {
	Bus          *eventbus.Bus
	WorkerModels []string
	Logger       *slog.Logger
}

// NewSupervisor 构造调度器；workerModels 为空时回退单一 default 模型
func NewSupervisor(bus *eventbus.Bus, workerModels []string, logger *slog.Logger) *Supervisor {
	if len(workerModels) == 0 {
		workerModels = []string{"worker-default"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{Bus: bus, WorkerModels: workerModels, Logger: logger}
}

// Run 按波次调度全部任务。
// 可调度集为空且仍有未完成任务时判定为图缺陷并报错。
func (s *Supervisor) Run(ctx context.Context, wq *contract.WorkQueue, runner TaskRunner) (*contract.RunSummary, error) {
	if err := contract.ValidateTaskGraph(wq); err != nil {
		return nil, err
	}
	for _, task := range wq.Tasks {
		if err := contract.EnforceToolContract(task); err != nil {
			return nil, err
		}
		if task.SpawnSpec != nil {
			if err := contract.ValidateSpawnSpec(task.SpawnSpec); err != nil {
				return nil, fmt.Errorf("task %s: %w", task.TaskID, err)
			}
		}
	}

	completed := make(map[string]bool, len(wq.Tasks))
	results := make(map[string]*contract.TaskResult, len(wq.Tasks))
	var dispatchOrder []string
	var executionOrder []string
	assigned := 0
	waveNum := 0

	for len(completed) < len(wq.Tasks) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		wave := s.nextWave(wq, completed)
		if len(wave) == 0 {
			return nil, fmt.Errorf("no dispatchable tasks remaining; dependency cycle or missing dependency")
		}
		waveNum++
		metrics.WavesDispatched.Inc()

		waveIDs := make([]string, len(wave))
		for i, task := range wave {
			waveIDs[i] = task.TaskID
		}
		if _, _, err := s.Bus.Publish(eventbus.TopicPlanWaveCreated, wq.RunID, map[string]any{
			"wave":     waveNum,
			"task_ids": waveIDs,
		}, ""); err != nil {
			return nil, err
		}
		s.Logger.Info("wave created", "run_id", wq.RunID, "wave", waveNum, "tasks", waveIDs)

		for _, task := range wave {
			// 预置 worker_model 的任务保留原值，轮转只补空位
			if task.WorkerModel == "" {
				task.WorkerModel = s.WorkerModels[assigned%len(s.WorkerModels)]
			}
			assigned++
			dispatchOrder = append(dispatchOrder, task.TaskID)
			key := contract.TieBreak(task)
			if _, _, err := s.Bus.Publish(eventbus.TopicTaskAssigned, wq.RunID, map[string]any{
				"task_id":      task.TaskID,
				"goal":         task.Goal,
				"worker_model": task.WorkerModel,
				"tie_break_key": map[string]any{
					"priority":       key[0],
					"created_at":     key[1],
					"payload_digest": key[2],
					"task_id":        key[3],
				},
			}, ""); err != nil {
				return nil, err
			}
		}

		waveResults := s.executeWave(ctx, wave, runner)
		for _, task := range wave {
			result := waveResults[task.TaskID]
			results[task.TaskID] = result
			completed[task.TaskID] = true
			executionOrder = append(executionOrder, task.TaskID)
		}
	}

	ordered := make([]*contract.TaskResult, 0, len(results))
	for _, r := range results {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].TaskID < ordered[j].TaskID })

	return &contract.RunSummary{
		RunID:           wq.RunID,
		DispatchedCount: len(dispatchOrder),
		ExecutionOrder:  executionOrder,
		DispatchOrder:   dispatchOrder,
		Results:         ordered,
	}, nil
}

// nextWave 依赖全部完成的未完成任务，按 tie-break 排序后截取 max_workers 个
func (s *Supervisor) nextWave(wq *contract.WorkQueue, completed map[string]bool) []*contract.Task {
	var ready []*contract.Task
	for _, task := range wq.Tasks {
		if completed[task.TaskID] {
			continue
		}
		ok := true
		for _, dep := range task.Dependencies {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, task)
		}
	}
	contract.SortDispatchable(ready)
	if len(ready) > wq.MaxWorkers {
		ready = ready[:wq.MaxWorkers]
	}
	return ready
}

// executeWave 并发执行一个波次；worker panic 折叠为 FAIL 结果而非拖垮调度器
func (s *Supervisor) executeWave(ctx context.Context, wave []*contract.Task, runner TaskRunner) map[string]*contract.TaskResult {
	out := make(map[string]*contract.TaskResult, len(wave))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, task := range wave {
		wg.Add(1)
		go func(task *contract.Task) {
			defer wg.Done()
			result := s.runOne(ctx, task, runner)
			mu.Lock()
			out[task.TaskID] = result
			mu.Unlock()
		}(task)
	}
	wg.Wait()
	return out
}

func (s *Supervisor) runOne(ctx context.Context, task *contract.Task, runner TaskRunner) (result *contract.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error("worker panicked", "task_id", task.TaskID, "panic", fmt.Sprint(r))
			result = &contract.TaskResult{
				TaskID:         task.TaskID,
				Status:         contract.ResultFail,
				Attempts:       1,
				WorkerModel:    task.WorkerModel,
				ReasonCode:     reason.CodeExecNonzeroExit,
				ErrorType:      "panic",
				ErrorMessage:   fmt.Sprint(r),
				ErrorTraceback: string(debug.Stack()),
				Notes:          "worker panicked during execution",
			}
		}
	}()
	result, err := runner.Run(ctx, task)
	if err != nil {
		s.Logger.Error("worker failed", "task_id", task.TaskID, "err", err)
		return &contract.TaskResult{
			TaskID:       task.TaskID,
			Status:       contract.ResultFail,
			Attempts:     1,
			WorkerModel:  task.WorkerModel,
			ReasonCode:   reason.CodeExecNonzeroExit,
			ErrorType:    "error",
			ErrorMessage: err.Error(),
			Notes:        "worker returned an error",
		}
	}
	if result.WorkerModel == "" {
		result.WorkerModel = task.WorkerModel
	}
	return result
}
