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

// Package service 工具 daemon 的业务层与线协议。
// 提交走幂等账本，事件 seq 每 job 无缝递增，终态不可再迁移。
package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"dome/internal/daemon/executor"
	"dome/internal/daemon/registry"
	"dome/internal/daemon/state"
	"dome/pkg/errors"
	"dome/pkg/metrics"
	"dome/pkg/utils"
)

// DaemonVersion Health 上报的版本串
const DaemonVersion = "domed-0.2.0"

const (
	defaultClientID    = "default"
	logLinesCap        = 100
	streamPollInterval = 25 * time.Millisecond
)

// Service daemon 业务层
type Service struct {
	Store    state.Store
	Registry *registry.Registry
	Executor *executor.LocalProcess
	Limiter  *rate.Limiter
	Logger   *slog.Logger
	RepoRoot string
	WorkDir  string
}

// New 构造 Service；limiter 为 nil 时不限流
func New(store state.Store, reg *registry.Registry, exec *executor.LocalProcess, limiter *rate.Limiter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if exec == nil {
		exec = executor.NewLocalProcess(logger)
	}
	return &Service{Store: store, Registry: reg, Executor: exec, Limiter: limiter, Logger: logger}
}

// Health 活性探针
func (s *Service) Health() HealthResponse {
	return HealthResponse{
		Status:        statusOK(""),
		TS:            time.Now().UTC().Format(time.RFC3339Nano),
		DaemonVersion: DaemonVersion,
	}
}

// ListCapabilities 服务能力清单
func (s *Service) ListCapabilities() ListCapabilitiesResponse {
	tools, err := s.Registry.Load()
	if err != nil {
		return ListCapabilitiesResponse{Status: statusErr(CodeUnspecified, err.Error(), true)}
	}
	cap := Capability{
		Name:          "skill-execute",
		Version:       "v1",
		SchemaVersion: "v1",
		FeatureFlags:  []string{fmt.Sprintf("tool_count:%d", len(tools)), "durable-state", "stream-events"},
	}
	return ListCapabilitiesResponse{
		Status:        statusOK(""),
		ServerVersion: "v1",
		APIVersions:   []string{"domed.v1"},
		Capabilities:  []Capability{cap},
	}
}

// ListTools 注册表摘要
func (s *Service) ListTools() ListToolsResponse {
	tools, err := s.Registry.Load()
	if err != nil {
		return ListToolsResponse{Status: statusErr(CodeUnspecified, err.Error(), true)}
	}
	summaries := make([]ToolSummary, 0, len(tools))
	for _, tool := range tools {
		summaries = append(summaries, ToolSummary{
			ToolID:           tool.ToolID,
			Version:          tool.Version,
			Title:            tool.Title,
			ShortDescription: tool.ShortDescription,
			Kind:             tool.Kind,
		})
	}
	return ListToolsResponse{Status: statusOK(""), Tools: summaries}
}

// GetTool 单工具描述
func (s *Service) GetTool(toolID string) GetToolResponse {
	tool, err := s.Registry.Find(toolID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return GetToolResponse{Status: statusErr(CodeNotFound, fmt.Sprintf("tool not found: %s", toolID), false)}
		}
		return GetToolResponse{Status: statusErr(CodeUnspecified, err.Error(), true)}
	}
	return GetToolResponse{Status: statusOK(""), Tool: tool}
}

// requestHash 提交请求的稳定摘要，幂等账本以此判重
func requestHash(req *SkillExecuteRequest) string {
	digest, _ := utils.Sha256Hex(map[string]any{
		"skill_id":         req.SkillID,
		"profile":          req.Profile,
		"task_json":        req.TaskJSON,
		"constraints_json": req.ConstraintsJSON,
	})
	return digest
}

func newID(prefix string) string {
	u := uuid.New()
	return prefix + "-" + hex.EncodeToString(u[:])[:12]
}

// SkillExecute 提交并同步执行一个 job。
// 相同 (client_id, idempotency_key, request_hash) 重放返回既有 job。
func (s *Service) SkillExecute(ctx context.Context, req *SkillExecuteRequest) SkillExecuteResponse {
	if s.Limiter != nil && !s.Limiter.Allow() {
		return SkillExecuteResponse{
			Status:    statusErr(CodeUnspecified, "submit rate limit exceeded", true),
			Artifacts: []string{},
		}
	}
	if req.SkillID == "" || req.Profile == "" || req.IdempotencyKey == "" {
		return SkillExecuteResponse{
			Status:    statusErr(CodeInvalidRequest, "missing required request fields", false),
			Artifacts: []string{},
		}
	}
	tool, err := s.Registry.Find(req.SkillID)
	if err != nil {
		return SkillExecuteResponse{
			Status:    statusErr(CodeNotFound, fmt.Sprintf("tool not found: %s", req.SkillID), false),
			Artifacts: []string{},
		}
	}

	clientID := utils.CoalesceString(req.ClientID, defaultClientID)
	hash := requestHash(req)

	if storedHash, storedJobID, found, err := s.Store.LookupIdempotency(ctx, clientID, req.IdempotencyKey); err == nil && found {
		if storedHash != hash {
			return SkillExecuteResponse{
				Status:    statusErr(CodeIdempotencyKeyReused, fmt.Sprintf("idempotency key reused: %s", req.IdempotencyKey), false),
				Artifacts: []string{},
			}
		}
		job, err := s.Store.GetJob(ctx, storedJobID)
		if err != nil {
			return SkillExecuteResponse{Status: statusErr(CodeUnspecified, err.Error(), true), Artifacts: []string{}}
		}
		return SkillExecuteResponse{
			Status:    statusOK("replayed"),
			RunID:     job.RunID,
			JobID:     job.JobID,
			State:     job.State,
			Artifacts: []string{},
		}
	}

	job := &state.Job{
		JobID:       newID("job"),
		RunID:       newID("run"),
		ToolID:      tool.ToolID,
		Profile:     req.Profile,
		State:       state.JobStateQueued,
		RequestHash: hash,
	}
	if err := s.Store.CreateJob(ctx, job); err != nil {
		return SkillExecuteResponse{Status: statusErr(CodeUnspecified, err.Error(), true), Artifacts: []string{}}
	}
	if err := s.Store.PutIdempotency(ctx, clientID, req.IdempotencyKey, hash, job.JobID); err != nil {
		if errors.Is(err, errors.ErrIdempotencyReused) {
			return SkillExecuteResponse{
				Status:    statusErr(CodeIdempotencyKeyReused, err.Error(), false),
				Artifacts: []string{},
			}
		}
		return SkillExecuteResponse{Status: statusErr(CodeUnspecified, err.Error(), true), Artifacts: []string{}}
	}
	s.appendEvent(ctx, job.JobID, state.EventTypeStateChange, map[string]any{
		"from": "unspecified",
		"to":   state.JobStateQueued.String(),
	})
	metrics.DaemonJobs.WithLabelValues(state.JobStateQueued.String()).Inc()

	s.executeJob(ctx, job, tool, req.TaskJSON, req.ConstraintsJSON)

	final, err := s.Store.GetJob(ctx, job.JobID)
	if err != nil {
		return SkillExecuteResponse{Status: statusErr(CodeUnspecified, err.Error(), true), Artifacts: []string{}}
	}
	return SkillExecuteResponse{
		Status:    statusOK("submitted"),
		RunID:     final.RunID,
		JobID:     final.JobID,
		State:     final.State,
		Artifacts: []string{},
	}
}

func parseJSONObject(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func (s *Service) appendEvent(ctx context.Context, jobID string, typ state.EventType, payload map[string]any) {
	if _, err := s.Store.AppendEvent(ctx, jobID, typ, payload); err != nil {
		s.Logger.Warn("append event failed", "job_id", jobID, "error", err)
	}
}

func (s *Service) finish(ctx context.Context, job *state.Job, tool *registry.Tool, to state.JobState, exitCode int, message string, started time.Time) {
	if err := s.Store.UpdateJobState(ctx, job.JobID, to, &exitCode); err != nil {
		s.Logger.Error("terminal transition failed", "job_id", job.JobID, "to", to.String(), "error", err)
		return
	}
	payload := map[string]any{
		"from":      state.JobStateRunning.String(),
		"to":        to.String(),
		"tool_id":   tool.ToolID,
		"exit_code": exitCode,
	}
	if message != "" {
		payload["message"] = message
	}
	s.appendEvent(ctx, job.JobID, state.EventTypeStateChange, payload)
	metrics.DaemonJobs.WithLabelValues(to.String()).Inc()
	metrics.DaemonJobDuration.WithLabelValues(tool.ToolID).Observe(time.Since(started).Seconds())
}

// executeJob 按 executor_backend 路由；内置 sentinel 不起子进程
func (s *Service) executeJob(ctx context.Context, job *state.Job, tool *registry.Tool, taskJSON, constraintsJSON string) {
	started := time.Now()
	if err := s.Store.UpdateJobState(ctx, job.JobID, state.JobStateRunning, nil); err != nil {
		s.Logger.Error("run transition failed", "job_id", job.JobID, "error", err)
		return
	}
	s.appendEvent(ctx, job.JobID, state.EventTypeStateChange, map[string]any{
		"from":             state.JobStateQueued.String(),
		"to":               state.JobStateRunning.String(),
		"tool_id":          tool.ToolID,
		"tool_version":     tool.Version,
		"executor_backend": tool.ExecutorBackend,
	})

	task := parseJSONObject(taskJSON)

	if tool.ExecutorBackend == registry.BackendLocalProcess {
		exec := s.Executor
		if len(tool.EnvAllowlist) > 0 {
			exec = &executor.LocalProcess{EnvAllowlist: tool.EnvAllowlist, Logger: s.Logger}
		}
		spec := executor.Spec{
			RunID:           job.RunID,
			JobID:           job.JobID,
			ToolID:          tool.ToolID,
			Profile:         job.Profile,
			Entrypoint:      tool.Entrypoint,
			WorkDir:         s.WorkDir,
			TaskJSON:        task,
			ConstraintsJSON: parseJSONObject(constraintsJSON),
			TimeoutSec:      tool.TimeoutSeconds,
		}
		result := exec.Execute(ctx, spec, func(typ state.EventType, payload map[string]any) {
			s.appendEvent(ctx, job.JobID, typ, payload)
		})
		s.finish(ctx, job, tool, result.State, result.ExitCode, "", started)
		return
	}

	switch tool.ToolID {
	case "skill-execute", "job.noop":
		s.finish(ctx, job, tool, state.JobStateSucceeded, 0, "noop", started)
	case "job.log":
		lines, _ := task["lines"].([]any)
		if len(lines) > logLinesCap {
			lines = lines[:logLinesCap]
		}
		for _, line := range lines {
			s.appendEvent(ctx, job.JobID, state.EventTypeLog, map[string]any{"line": fmt.Sprint(line)})
		}
		s.finish(ctx, job, tool, state.JobStateSucceeded, 0, "", started)
	case "job.fail":
		reason := "simulated failure"
		if value, ok := task["reason"].(string); ok && value != "" {
			reason = value
		}
		s.appendEvent(ctx, job.JobID, state.EventTypeError, map[string]any{"reason": reason})
		s.finish(ctx, job, tool, state.JobStateFailed, 2, reason, started)
	default:
		s.appendEvent(ctx, job.JobID, state.EventTypeError, map[string]any{
			"reason":           fmt.Sprintf("unsupported skill_id: %s", tool.ToolID),
			"executor_backend": tool.ExecutorBackend,
		})
		s.finish(ctx, job, tool, state.JobStateFailed, 2, "unsupported skill", started)
	}
}

// GetJobStatus 当前状态 + 运行时 provenance
func (s *Service) GetJobStatus(ctx context.Context, jobID string) GetJobStatusResponse {
	job, err := s.Store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return GetJobStatusResponse{Status: statusErr(CodeNotFound, fmt.Sprintf("job not found: %s", jobID), false), Artifacts: []string{}}
		}
		return GetJobStatusResponse{Status: statusErr(CodeUnspecified, err.Error(), true), Artifacts: []string{}}
	}
	tool, err := s.Registry.Find(job.ToolID)
	if err != nil {
		tool = &registry.Tool{ToolID: job.ToolID, Version: "unknown", ExecutorBackend: "unknown"}
	}
	prov := collectProvenance(s.RepoRoot, DaemonVersion, tool)
	prov.InputHash = job.RequestHash
	return GetJobStatusResponse{
		Status:     statusOK(""),
		RunID:      job.RunID,
		JobID:      job.JobID,
		State:      job.State,
		ExitCode:   job.ExitCode,
		Artifacts:  []string{},
		Provenance: &prov,
	}
}

// CancelJob 非终态转 canceled；终态重复取消是幂等 no-op
func (s *Service) CancelJob(ctx context.Context, req *CancelJobRequest) CancelJobResponse {
	job, err := s.Store.GetJob(ctx, req.JobID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return CancelJobResponse{Status: statusErr(CodeNotFound, fmt.Sprintf("job not found: %s", req.JobID), false), JobID: req.JobID}
		}
		return CancelJobResponse{Status: statusErr(CodeUnspecified, err.Error(), true), JobID: req.JobID}
	}
	if job.State.Terminal() {
		return CancelJobResponse{Status: statusOK("already terminal"), JobID: job.JobID, State: job.State}
	}
	from := job.State
	if err := s.Store.UpdateJobState(ctx, job.JobID, state.JobStateCanceled, nil); err != nil {
		return CancelJobResponse{Status: statusErr(CodeUnspecified, err.Error(), true), JobID: job.JobID, State: job.State}
	}
	s.appendEvent(ctx, job.JobID, state.EventTypeStateChange, map[string]any{
		"from": from.String(),
		"to":   state.JobStateCanceled.String(),
	})
	metrics.DaemonJobs.WithLabelValues(state.JobStateCanceled.String()).Inc()
	return CancelJobResponse{Status: statusOK(""), JobID: job.JobID, State: state.JobStateCanceled}
}

// StreamJobEvents 把 seq > sinceSeq 的事件依次交给 yield。
// follow=true 时轮询存储，直到 job 终态且无新事件；yield 返回 false 或 ctx 取消即停止。
func (s *Service) StreamJobEvents(ctx context.Context, jobID string, sinceSeq int64, follow bool, yield func(EventRecord) bool) error {
	job, err := s.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	cursor := sinceSeq
	for {
		events, err := s.Store.EventsSince(ctx, jobID, cursor, 0)
		if err != nil {
			return err
		}
		for _, event := range events {
			cursor = event.Seq
			payload, err := utils.CanonicalJSON(event.Payload)
			if err != nil {
				payload = []byte("{}")
			}
			record := EventRecord{
				Seq:         event.Seq,
				EventID:     fmt.Sprintf("%s-%d", jobID, event.Seq),
				TS:          event.TS.UTC().Format(time.RFC3339Nano),
				RunID:       job.RunID,
				JobID:       jobID,
				EventType:   event.Type,
				PayloadJSON: string(payload),
			}
			if !yield(record) {
				return nil
			}
		}
		if !follow {
			return nil
		}
		job, err = s.Store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.State.Terminal() && len(events) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(streamPollInterval):
		}
		metrics.StreamPolls.Inc()
	}
}

// RunGC 周期回收终态 job；interval<=0 不启动
func (s *Service) RunGC(ctx context.Context, ttl, interval time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collected, err := s.Store.CollectGarbage(ctx, time.Now().UTC().Add(-ttl))
			if err != nil {
				s.Logger.Warn("gc pass failed", "error", err)
				continue
			}
			if collected > 0 {
				metrics.JobsCollected.Add(float64(collected))
				s.Logger.Info("gc pass", "collected", collected)
			}
		}
	}
}
