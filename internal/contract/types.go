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

// Package contract 编排器边界上的类型化数据模型。
// 外部 JSON 在此处一次性校验，流水线内部只处理类型化值。
package contract

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"dome/internal/reason"
)

// WorkQueueVersion work.queue 产物版本
const WorkQueueVersion = "0.2.0"

// WorkQueueArtifactKind 兼容的 artifact_kind 标记
const WorkQueueArtifactKind = "dome.work.queue/v0.2"

// Task 状态集合
const (
	StatusQueued  = "QUEUED"
	StatusClaimed = "CLAIMED"
	StatusRunning = "RUNNING"
	StatusGated   = "GATED"
	StatusDone    = "DONE"
	StatusBlocked = "BLOCKED"
)

// 结果状态
const (
	ResultPass = "PASS"
	ResultFail = "FAIL"
)

// Budgets pre-contract 预算
type Budgets struct {
	IterationBudget int `json:"iteration_budget"`
	TimeMinutes     int `json:"time_minutes,omitempty"`
}

// Actions pre-contract 动作；Test 为 argv 列表或单条命令字符串
type Actions struct {
	Test any `json:"test,omitempty"`
}

// PlanCard pre-contract 计划卡
type PlanCard struct {
	Why  string `json:"why"`
	What string `json:"what"`
}

// PreContract run 的输入合同；run_id 来源于 packet_id
type PreContract struct {
	PacketID string   `json:"packet_id"`
	BaseRef  string   `json:"base_ref"`
	Budgets  Budgets  `json:"budgets"`
	Actions  Actions  `json:"actions"`
	PlanCard PlanCard `json:"plan_card"`
}

// VerifyCommand 归一化 actions.test 为 argv；无 test 返回 nil
func (p *PreContract) VerifyCommand() []string {
	switch v := p.Actions.Test.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []string:
		if len(v) == 0 {
			return nil
		}
		return v
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil
		}
		return strings.Fields(trimmed)
	default:
		return nil
	}
}

// LoadPreContract 读取并校验 pre-contract
func LoadPreContract(path string) (*PreContract, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pre-contract: %w", err)
	}
	var pc PreContract
	if err := json.Unmarshal(raw, &pc); err != nil {
		return nil, fmt.Errorf("parse pre-contract %s: %w", path, err)
	}
	if pc.PacketID == "" {
		return nil, fmt.Errorf("pre-contract missing required key: packet_id")
	}
	if pc.BaseRef == "" {
		pc.BaseRef = "main"
	}
	return &pc, nil
}

// ToolContract 任务允许调用的 tool method 白名单
type ToolContract struct {
	AllowedMethods []string `json:"allowed_methods"`
}

// Allows 判断 method 是否在白名单内
func (tc *ToolContract) Allows(method string) bool {
	if tc == nil {
		return false
	}
	for _, m := range tc.AllowedMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Task work queue 中的单个任务。
// raw 保留原始 JSON key 集合，供禁用 key 守卫检查（直接写 method/command 属越权）。
type Task struct {
	TaskID          string         `json:"task_id"`
	Goal            string         `json:"goal"`
	Status          string         `json:"status"`
	Dependencies    []string       `json:"dependencies"`
	WorkerModel     string         `json:"worker_model,omitempty"`
	Priority        string         `json:"priority,omitempty"`
	CreatedAt       string         `json:"created_at,omitempty"`
	PayloadDigest   string         `json:"payload_digest,omitempty"`
	RequestedMethod string         `json:"requested_method,omitempty"`
	ToolContract    *ToolContract  `json:"tool_contract,omitempty"`
	SpawnSpec       map[string]any `json:"spawn_spec,omitempty"`
	Fail            bool           `json:"fail,omitempty"`

	raw map[string]json.RawMessage
}

type taskAlias Task

// UnmarshalJSON 解码任务并记录原始 key 集合
func (t *Task) UnmarshalJSON(data []byte) error {
	var a taskAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*t = Task(a)
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.raw = raw
	return nil
}

// HasRawKey 原始 JSON 是否携带 key（程序内构造的任务无原始 key）
func (t *Task) HasRawKey(key string) bool {
	_, ok := t.raw[key]
	return ok
}

// RawToolCallMethod 解析原始 tool_call.method（若存在）
func (t *Task) RawToolCallMethod() string {
	raw, ok := t.raw["tool_call"]
	if !ok {
		return ""
	}
	var call struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(raw, &call); err != nil {
		return ""
	}
	return call.Method
}

// WorkQueue planner 产出的调度单元
type WorkQueue struct {
	ArtifactKind string  `json:"artifact_kind,omitempty"`
	Version      string  `json:"version"`
	RunID        string  `json:"run_id"`
	BaseRef      string  `json:"base_ref"`
	MaxWorkers   int     `json:"max_workers"`
	Tasks        []*Task `json:"tasks"`
}

// LoadWorkQueue 读取并校验 work.queue JSON
func LoadWorkQueue(path string) (*WorkQueue, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read work.queue: %w", err)
	}
	var wq WorkQueue
	if err := json.Unmarshal(raw, &wq); err != nil {
		return nil, fmt.Errorf("parse work.queue %s: %w", path, err)
	}
	if wq.RunID == "" {
		return nil, fmt.Errorf("missing required key in work.queue: run_id")
	}
	if wq.MaxWorkers < 1 {
		return nil, fmt.Errorf("work.queue max_workers must be >= 1")
	}
	if len(wq.Tasks) == 0 {
		return nil, fmt.Errorf("work.queue tasks must be a non-empty list")
	}
	if wq.ArtifactKind != "" && wq.ArtifactKind != WorkQueueArtifactKind {
		return nil, fmt.Errorf("unsupported work.queue artifact_kind: %s", wq.ArtifactKind)
	}
	if err := ValidateTaskGraph(&wq); err != nil {
		return nil, err
	}
	return &wq, nil
}

// AttemptRecord 单次执行尝试记录
type AttemptRecord struct {
	TaskID       string `json:"task_id,omitempty"`
	Attempt      int    `json:"attempt"`
	Status       string `json:"status"`
	ReasonCode   string `json:"reason_code,omitempty"`
	Notes        string `json:"notes,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
	BackoffMs    int64  `json:"backoff_ms,omitempty"`
	Transient    bool   `json:"transient,omitempty"`
	WorkerModel  string `json:"worker_model,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// TaskResult 任务终态结果；AttemptHistory 保留完整顺序历史
type TaskResult struct {
	TaskID             string          `json:"task_id"`
	Status             string          `json:"status"`
	Attempts           int             `json:"attempts"`
	AttemptHistory     []AttemptRecord `json:"attempt_history"`
	RetryBackoffMs     []int64         `json:"retry_backoff_ms"`
	ReasonCode         string          `json:"reason_code,omitempty"`
	Notes              string          `json:"notes,omitempty"`
	WorkerModel        string          `json:"worker_model"`
	Transient          bool            `json:"transient,omitempty"`
	RiskScoreHint      int             `json:"risk_score_hint,omitempty"`
	DurationMs         int64           `json:"duration_ms"`
	ErrorType          string          `json:"error_type,omitempty"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	ErrorTraceback     string          `json:"error_traceback,omitempty"`
	TaskResultPath     string          `json:"task_result_path,omitempty"`
	AttemptHistoryPath string          `json:"attempt_history_path,omitempty"`
	EvidenceBundlePath string          `json:"evidence_bundle_path,omitempty"`
	DLQPath            string          `json:"dlq_path,omitempty"`
}

// TransientFailure 判断是否为可重试失败：FAIL 且 transient 或 TRANSIENT.* code
func (r *TaskResult) TransientFailure() bool {
	if r.Status != ResultFail {
		return false
	}
	if r.Transient {
		return true
	}
	return reason.IsTransient(r.ReasonCode)
}

// RunSummary 一次 run 的规范化结果列表（按 work queue 任务顺序）
type RunSummary struct {
	RunID           string        `json:"run_id"`
	DispatchedCount int           `json:"dispatched_count"`
	ExecutionOrder  []string      `json:"execution_order"`
	DispatchOrder   []string      `json:"dispatch_order"`
	Results         []*TaskResult `json:"results"`
}

// LoadRunSummary 读取落盘 summary.json
func LoadRunSummary(path string) (*RunSummary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run summary: %w", err)
	}
	var summary RunSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return nil, fmt.Errorf("parse run summary %s: %w", path, err)
	}
	return &summary, nil
}
