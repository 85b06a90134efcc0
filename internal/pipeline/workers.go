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
	"strings"

	"dome/internal/contract"
	"dome/internal/harness"
	"dome/internal/reason"
)

// ScriptedBehavior 演示 worker 的单任务剧本
type ScriptedBehavior struct {
	// TransientFailures 前 N 次尝试返回瞬时失败
	TransientFailures int
	// Fail 确定性失败（不重试）
	Fail bool
	// RiskScoreHint 结果携带的风险提示
	RiskScoreHint int
	// Labels 按尝试序号取 label，越界取最后一个
	Labels []string
	// Notes 成功时附带的备注
	Notes string
	// OnAttempt 可选副作用（如向工作台写修复）
	OnAttempt func(attempt int) error
}

// ScriptedWorker 按剧本执行的演示 worker。
// 无剧本的任务按目标关键词推断默认标签后直接 PASS。
type ScriptedWorker struct {
	Behaviors map[string]ScriptedBehavior
}

// Attempt 实现 harness.AttemptWorker
func (w *ScriptedWorker) Attempt(ctx context.Context, task *contract.Task, attempt int) (*harness.AttemptOutcome, error) {
	behavior, ok := w.Behaviors[task.TaskID]
	if !ok {
		return &harness.AttemptOutcome{
			Status: contract.ResultPass,
			Label:  defaultLabel(task),
			Notes:  "scripted worker completed " + task.TaskID,
		}, nil
	}
	if behavior.OnAttempt != nil {
		if err := behavior.OnAttempt(attempt); err != nil {
			return nil, err
		}
	}
	label := ""
	if len(behavior.Labels) > 0 {
		idx := attempt - 1
		if idx >= len(behavior.Labels) {
			idx = len(behavior.Labels) - 1
		}
		label = behavior.Labels[idx]
	}
	switch {
	case attempt <= behavior.TransientFailures:
		return &harness.AttemptOutcome{
			Status:     contract.ResultFail,
			ReasonCode: reason.CodeTransientFirst,
			Transient:  true,
			Label:      label,
			Notes:      "transient failure on attempt before repair",
		}, nil
	case behavior.Fail:
		return &harness.AttemptOutcome{
			Status:     contract.ResultFail,
			ReasonCode: reason.CodeExecNonzeroExit,
			Label:      label,
			Notes:      "scripted deterministic failure",
		}, nil
	default:
		return &harness.AttemptOutcome{
			Status:        contract.ResultPass,
			RiskScoreHint: behavior.RiskScoreHint,
			Label:         label,
			Notes:         behavior.Notes,
		}, nil
	}
}

func defaultLabel(task *contract.Task) string {
	switch {
	case strings.HasSuffix(task.TaskID, "-plan"):
		return "plan"
	case strings.HasSuffix(task.TaskID, "-verify"):
		return "verify"
	default:
		return "implement"
	}
}
