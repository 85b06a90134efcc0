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

package service

import (
	"dome/internal/daemon/registry"
	"dome/internal/daemon/state"
)

// ErrorCode 线协议错误分类
type ErrorCode int

const (
	CodeUnspecified ErrorCode = iota
	CodeInvalidRequest
	CodeNotFound
	CodeIdempotencyKeyReused
)

// Status 所有响应共有的结果头
type Status struct {
	OK        bool      `json:"ok"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func statusOK(message string) Status {
	if message == "" {
		message = "ok"
	}
	return Status{OK: true, Code: CodeUnspecified, Message: message}
}

func statusErr(code ErrorCode, message string, retryable bool) Status {
	return Status{OK: false, Code: code, Message: message, Retryable: retryable}
}

// HealthResponse Health 应答
type HealthResponse struct {
	Status        Status `json:"status"`
	TS            string `json:"ts"`
	DaemonVersion string `json:"daemon_version"`
}

// Capability 能力描述符
type Capability struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	SchemaVersion string   `json:"schema_version"`
	FeatureFlags  []string `json:"feature_flags"`
}

// ListCapabilitiesResponse ListCapabilities 应答
type ListCapabilitiesResponse struct {
	Status        Status       `json:"status"`
	ServerVersion string       `json:"server_version"`
	APIVersions   []string     `json:"api_versions"`
	Capabilities  []Capability `json:"capabilities"`
}

// ToolSummary ListTools 条目
type ToolSummary struct {
	ToolID           string `json:"tool_id"`
	Version          string `json:"version"`
	Title            string `json:"title"`
	ShortDescription string `json:"short_description"`
	Kind             string `json:"kind"`
}

// ListToolsResponse ListTools 应答
type ListToolsResponse struct {
	Status Status        `json:"status"`
	Tools  []ToolSummary `json:"tools"`
}

// GetToolResponse GetTool 应答
type GetToolResponse struct {
	Status Status         `json:"status"`
	Tool   *registry.Tool `json:"tool,omitempty"`
}

// SkillExecuteRequest 提交请求
type SkillExecuteRequest struct {
	SkillID         string `json:"skill_id"`
	Profile         string `json:"profile"`
	ClientID        string `json:"client_id"`
	IdempotencyKey  string `json:"idempotency_key"`
	TaskJSON        string `json:"task_json"`
	ConstraintsJSON string `json:"constraints_json"`
}

// SkillExecuteResponse 提交应答
type SkillExecuteResponse struct {
	Status    Status         `json:"status"`
	RunID     string         `json:"run_id,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	State     state.JobState `json:"state"`
	Artifacts []string       `json:"artifacts"`
}

// RunProvenance job 来源指纹
type RunProvenance struct {
	Repo               string `json:"repo"`
	CommitSHA          string `json:"commit_sha"`
	DirtyFlag          bool   `json:"dirty_flag"`
	ContractHashesJSON string `json:"contract_hashes_json"`
	ToolVersionsJSON   string `json:"tool_versions_json"`
	InputHash          string `json:"input_hash"`
	EnvFingerprint     string `json:"env_fingerprint"`
}

// GetJobStatusResponse 查询应答
type GetJobStatusResponse struct {
	Status     Status         `json:"status"`
	RunID      string         `json:"run_id,omitempty"`
	JobID      string         `json:"job_id,omitempty"`
	State      state.JobState `json:"state"`
	ExitCode   *int           `json:"exit_code,omitempty"`
	Artifacts  []string       `json:"artifacts"`
	Provenance *RunProvenance `json:"provenance,omitempty"`
}

// CancelJobRequest 取消请求
type CancelJobRequest struct {
	JobID          string `json:"job_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// CancelJobResponse 取消应答
type CancelJobResponse struct {
	Status Status         `json:"status"`
	JobID  string         `json:"job_id"`
	State  state.JobState `json:"state"`
}

// EventRecord 流式事件线格式
type EventRecord struct {
	Seq         int64           `json:"seq"`
	EventID     string          `json:"event_id"`
	TS          string          `json:"ts"`
	RunID       string          `json:"run_id"`
	JobID       string          `json:"job_id"`
	EventType   state.EventType `json:"event_type"`
	PayloadJSON string          `json:"payload_json"`
}
